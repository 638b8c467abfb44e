package headnet

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"yashubustudio/autofc/autofc"
)

// truncatedNormalStd corrects the standard deviation of a normal truncated at
// two standard deviations so the samples keep the requested variance.
const truncatedNormalStd = 0.87962566103423978

type scaleMode int

const (
	fanIn scaleMode = iota
	fanAvg
)

// varianceScaling draws weights with variance factor/scale, where scale is
// derived from the fan of the layer.
type varianceScaling struct {
	mode    scaleMode
	factor  float64
	uniform bool
}

func (v varianceScaling) fill(w *mat.Dense, rng *rand.Rand) {
	in, out := w.Dims()
	scale := float64(in)
	if v.mode == fanAvg {
		scale = float64(in+out) / 2
	}
	variance := v.factor / math.Max(1, scale)
	if v.uniform {
		limit := math.Sqrt(3 * variance)
		fillWith(w, func() float64 { return (2*rng.Float64() - 1) * limit })
		return
	}
	sd := math.Sqrt(variance) / truncatedNormalStd
	fillWith(w, func() float64 { return truncNormal(rng, sd) })
}

// truncNormal redraws samples falling outside two standard deviations.
func truncNormal(rng *rand.Rand, sd float64) float64 {
	for {
		v := rng.NormFloat64()
		if v >= -2 && v <= 2 {
			return v * sd
		}
	}
}

func fillWith(w *mat.Dense, gen func() float64) {
	r, c := w.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			w.Set(i, j, gen())
		}
	}
}

// orthogonal fills w with a (semi-)orthogonal matrix taken from the QR
// decomposition of a Gaussian matrix.
func orthogonal(w *mat.Dense, rng *rand.Rand) {
	r, c := w.Dims()
	rows, cols := r, c
	if rows < cols {
		rows, cols = cols, rows
	}
	a := mat.NewDense(rows, cols, nil)
	fillWith(a, rng.NormFloat64)

	var qr mat.QR
	qr.Factorize(a)
	var q, rr mat.Dense
	qr.QTo(&q)
	qr.RTo(&rr)
	for j := 0; j < cols; j++ {
		sign := 1.0
		if rr.At(j, j) < 0 {
			sign = -1
		}
		for i := 0; i < rows; i++ {
			v := q.At(i, j) * sign
			if r >= c {
				w.Set(i, j, v)
			} else {
				w.Set(j, i, v)
			}
		}
	}
}

// initWeights fills an (in x out) kernel.
func initWeights(w *mat.Dense, name autofc.Initializer, rng *rand.Rand) error {
	switch name {
	case autofc.InitConstant:
		w.Zero()
	case autofc.InitNormal:
		fillWith(w, func() float64 { return rng.NormFloat64() * 0.05 })
	case autofc.InitUniform:
		fillWith(w, func() float64 { return (2*rng.Float64() - 1) * 0.05 })
	case autofc.InitGlorotUniform:
		varianceScaling{mode: fanAvg, factor: 1, uniform: true}.fill(w, rng)
	case autofc.InitGlorotNormal:
		varianceScaling{mode: fanAvg, factor: 1}.fill(w, rng)
	case autofc.InitHeUniform:
		varianceScaling{mode: fanIn, factor: 2, uniform: true}.fill(w, rng)
	case autofc.InitHeNormal:
		varianceScaling{mode: fanIn, factor: 2}.fill(w, rng)
	case autofc.InitOrthogonal:
		orthogonal(w, rng)
	default:
		return fmt.Errorf("%w: unsupported weight initializer %q", autofc.ErrInvalidConfig, name)
	}
	return nil
}
