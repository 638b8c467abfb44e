package bayesopt

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
)

var errSingular = errors.New("bayesopt: kernel matrix is not positive definite")

// lengthScales is the grid searched by marginal likelihood when fitting.
var lengthScales = []float64{0.05, 0.1, 0.2, 0.35, 0.5, 1, 2}

// gp is a zero-mean Gaussian process with unit signal variance fitted to
// standardized outputs on the unit cube.
type gp struct {
	x           [][]float64
	alpha       *mat.VecDense
	chol        mat.Cholesky
	lengthScale float64
	yMean       float64
	yStd        float64
}

// fitGP standardizes y, then keeps the length scale with the highest log
// marginal likelihood.
func fitGP(x [][]float64, y []float64, noise float64) (*gp, error) {
	n := len(y)
	if n == 0 || len(x) != n {
		return nil, errSingular
	}
	mean, std := meanStd(y)
	ys := mat.NewVecDense(n, nil)
	for i, v := range y {
		ys.SetVec(i, (v-mean)/std)
	}

	var best *gp
	bestLML := math.Inf(-1)
	for _, ls := range lengthScales {
		g, lml, err := fitWithLengthScale(x, ys, ls, noise)
		if err != nil {
			continue
		}
		if lml > bestLML {
			best, bestLML = g, lml
		}
	}
	if best == nil {
		return nil, errSingular
	}
	best.yMean, best.yStd = mean, std
	return best, nil
}

func fitWithLengthScale(x [][]float64, ys *mat.VecDense, ls, noise float64) (*gp, float64, error) {
	n := ys.Len()
	k := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := matern52(x[i], x[j], ls)
			if i == j {
				v += noise
			}
			k.SetSym(i, j, v)
		}
	}
	g := &gp{x: x, lengthScale: ls}
	jitter := 1e-10
	for !g.chol.Factorize(k) {
		if jitter > 1e-2 {
			return nil, 0, errSingular
		}
		for i := 0; i < n; i++ {
			k.SetSym(i, i, k.At(i, i)+jitter)
		}
		jitter *= 10
	}
	g.alpha = mat.NewVecDense(n, nil)
	if err := g.chol.SolveVecTo(g.alpha, ys); err != nil {
		return nil, 0, err
	}
	lml := -0.5*mat.Dot(ys, g.alpha) - 0.5*g.chol.LogDet() - 0.5*float64(n)*math.Log(2*math.Pi)
	return g, lml, nil
}

// predict returns the posterior mean and standard deviation at u in
// standardized output units.
func (g *gp) predict(u []float64) (float64, float64) {
	n := len(g.x)
	ks := mat.NewVecDense(n, nil)
	for i := range g.x {
		ks.SetVec(i, matern52(u, g.x[i], g.lengthScale))
	}
	mu := mat.Dot(ks, g.alpha)
	w := mat.NewVecDense(n, nil)
	if err := g.chol.SolveVecTo(w, ks); err != nil {
		return mu, 0
	}
	variance := 1 - mat.Dot(ks, w)
	if variance < 1e-12 {
		variance = 1e-12
	}
	return mu, math.Sqrt(variance)
}

// standardize maps an objective value onto the GP output scale.
func (g *gp) standardize(v float64) float64 {
	return (v - g.yMean) / g.yStd
}

func matern52(a, b []float64, ls float64) float64 {
	var d2 float64
	for i := range a {
		d := a[i] - b[i]
		d2 += d * d
	}
	r := math.Sqrt(d2) / ls
	s5 := math.Sqrt(5) * r
	return (1 + s5 + 5*r*r/3) * math.Exp(-s5)
}

func meanStd(y []float64) (float64, float64) {
	var sum float64
	for _, v := range y {
		sum += v
	}
	mean := sum / float64(len(y))
	var ss float64
	for _, v := range y {
		ss += (v - mean) * (v - mean)
	}
	std := math.Sqrt(ss / float64(len(y)))
	if std < 1e-12 || math.IsNaN(std) {
		std = 1
	}
	return mean, std
}
