package headnet

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"yashubustudio/autofc/autofc"
)

// adagradInitialAccumulator seeds the squared-gradient sums.
const adagradInitialAccumulator = 0.1

// dense is one fully connected layer with its Adagrad state.
type dense struct {
	w    *mat.Dense // in x out
	b    []float64
	act  autofc.Activation
	rate float64 // dropout applied to the output

	accW *mat.Dense
	accB []float64
}

func newDense(in, out int, act autofc.Activation, init autofc.Initializer, rate float64, rng *rand.Rand) (*dense, error) {
	switch act {
	case autofc.ActivationReLU, autofc.ActivationTanh, autofc.ActivationSigmoid, autofc.ActivationSoftmax:
	default:
		return nil, fmt.Errorf("%w: unsupported activation %q", autofc.ErrInvalidConfig, act)
	}
	d := &dense{
		w:    mat.NewDense(in, out, nil),
		b:    make([]float64, out),
		act:  act,
		rate: rate,
		accW: mat.NewDense(in, out, nil),
		accB: make([]float64, out),
	}
	if err := initWeights(d.w, init, rng); err != nil {
		return nil, err
	}
	d.accW.Apply(func(_, _ int, _ float64) float64 { return adagradInitialAccumulator }, d.accW)
	for i := range d.accB {
		d.accB[i] = adagradInitialAccumulator
	}
	return d, nil
}

// trace keeps what backward needs from one forward pass.
type trace struct {
	in   *mat.Dense
	out  *mat.Dense // activation output before dropout
	mask *mat.Dense // nil when dropout was not applied
}

// forward computes act(in*W + b), then applies inverted dropout when train is set.
func (d *dense) forward(in *mat.Dense, train bool, rng *rand.Rand) (*mat.Dense, trace) {
	var z mat.Dense
	z.Mul(in, d.w)
	rows, cols := z.Dims()
	for i := 0; i < rows; i++ {
		row := z.RawRowView(i)
		for j := range row {
			row[j] += d.b[j]
		}
	}
	activate(&z, d.act)
	t := trace{in: in, out: &z}
	if !train || d.rate <= 0 {
		return &z, t
	}
	keep := 1 - d.rate
	mask := mat.NewDense(rows, cols, nil)
	mask.Apply(func(_, _ int, _ float64) float64 {
		if rng.Float64() < keep {
			return 1 / keep
		}
		return 0
	}, mask)
	var dropped mat.Dense
	dropped.MulElem(&z, mask)
	t.mask = mask
	return &dropped, t
}

// backward takes the gradient w.r.t. the layer output (after dropout) and
// returns the gradient w.r.t. the input. For softmax layers grad must already
// be the gradient w.r.t. the pre-activation.
func (d *dense) backward(grad *mat.Dense, t trace, lr, eps float64) *mat.Dense {
	var dz mat.Dense
	dz.CloneFrom(grad)
	if t.mask != nil {
		dz.MulElem(&dz, t.mask)
	}
	if d.act != autofc.ActivationSoftmax {
		dz.Apply(func(i, j int, v float64) float64 {
			return v * derivative(d.act, t.out.At(i, j))
		}, &dz)
	}

	var gw mat.Dense
	gw.Mul(t.in.T(), &dz)
	rows, cols := dz.Dims()
	gb := make([]float64, cols)
	for i := 0; i < rows; i++ {
		for j, v := range dz.RawRowView(i) {
			gb[j] += v
		}
	}
	var gin mat.Dense
	gin.Mul(&dz, d.w.T())

	r, c := d.w.Dims()
	for i := 0; i < r; i++ {
		wRow, aRow, gRow := d.w.RawRowView(i), d.accW.RawRowView(i), gw.RawRowView(i)
		for j := 0; j < c; j++ {
			aRow[j] += gRow[j] * gRow[j]
			wRow[j] -= lr * gRow[j] / (math.Sqrt(aRow[j]) + eps)
		}
	}
	for j, g := range gb {
		d.accB[j] += g * g
		d.b[j] -= lr * g / (math.Sqrt(d.accB[j]) + eps)
	}
	return &gin
}

func activate(z *mat.Dense, act autofc.Activation) {
	switch act {
	case autofc.ActivationReLU:
		z.Apply(func(_, _ int, v float64) float64 { return math.Max(0, v) }, z)
	case autofc.ActivationTanh:
		z.Apply(func(_, _ int, v float64) float64 { return math.Tanh(v) }, z)
	case autofc.ActivationSigmoid:
		z.Apply(func(_, _ int, v float64) float64 { return 1 / (1 + math.Exp(-v)) }, z)
	case autofc.ActivationSoftmax:
		rows, _ := z.Dims()
		for i := 0; i < rows; i++ {
			softmax(z.RawRowView(i))
		}
	}
}

// derivative is expressed in terms of the activation output y.
func derivative(act autofc.Activation, y float64) float64 {
	switch act {
	case autofc.ActivationReLU:
		if y > 0 {
			return 1
		}
		return 0
	case autofc.ActivationTanh:
		return 1 - y*y
	case autofc.ActivationSigmoid:
		return y * (1 - y)
	}
	return 1
}

func softmax(row []float64) {
	peak := math.Inf(-1)
	for _, v := range row {
		peak = math.Max(peak, v)
	}
	var sum float64
	for i, v := range row {
		row[i] = math.Exp(v - peak)
		sum += row[i]
	}
	for i := range row {
		row[i] /= sum
	}
}
