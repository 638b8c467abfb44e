package bayesopt

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/stat/distuv"
)

// defaultSeed is used when Options.Seed is zero.
const defaultSeed int64 = 1

// localFraction is the share of acquisition candidates drawn around the incumbent.
const localFraction = 0.25

// Optimizer runs Bayesian optimization over a fixed domain.
type Optimizer struct {
	dims []Dim
	opts Options
	rng  *rand.Rand
}

// New validates dims and opts and returns a ready optimizer.
//
// Errors: ErrNoDims, ErrBadDim, ErrBadOptions.
func New(dims []Dim, opts Options) (*Optimizer, error) {
	if len(dims) == 0 {
		return nil, ErrNoDims
	}
	for i, d := range dims {
		switch d.Kind {
		case Continuous:
			if math.IsNaN(d.Min) || math.IsNaN(d.Max) || d.Min > d.Max {
				return nil, fmt.Errorf("%w: %d (%s): bounds [%v, %v]", ErrBadDim, i, d.Name, d.Min, d.Max)
			}
		case Discrete:
			if len(d.Values) == 0 {
				return nil, fmt.Errorf("%w: %d (%s): no values", ErrBadDim, i, d.Name)
			}
		default:
			return nil, fmt.Errorf("%w: %d (%s): unknown kind %d", ErrBadDim, i, d.Name, d.Kind)
		}
	}
	if opts.InitialPoints < 1 || opts.MaxIter < 0 {
		return nil, fmt.Errorf("%w: initial points %d, max iter %d", ErrBadOptions, opts.InitialPoints, opts.MaxIter)
	}
	if opts.Candidates <= 0 {
		opts.Candidates = DefaultOptions().Candidates
	}
	if opts.Noise <= 0 {
		opts.Noise = DefaultOptions().Noise
	}
	seed := opts.Seed
	if seed == 0 {
		seed = defaultSeed
	}
	return &Optimizer{dims: dims, opts: opts, rng: rand.New(rand.NewSource(seed))}, nil
}

// Dims returns the optimizer domain.
func (o *Optimizer) Dims() []Dim {
	return o.dims
}

// Minimize evaluates f exactly InitialPoints+MaxIter times and returns the
// best point observed. The first objective error aborts the loop and is
// returned unwrapped together with the evaluations completed so far.
func (o *Optimizer) Minimize(ctx context.Context, f Objective) (Result, error) {
	var res Result
	seen := make(map[string]struct{})
	total := o.opts.InitialPoints + o.opts.MaxIter

	for it := 0; it < total; it++ {
		var x []float64
		if it < o.opts.InitialPoints {
			x = o.randomUnseen(seen)
		} else {
			x = o.propose(res.History, seen)
		}
		v, err := f(ctx, x)
		if err != nil {
			return res, err
		}
		seen[pointKey(x)] = struct{}{}
		res.History = append(res.History, Evaluation{Iteration: it, X: x, Value: v})
		if len(res.History) == 1 || v < res.Value {
			res.Best = len(res.History) - 1
			res.Value = v
			res.X = append([]float64(nil), x...)
		}
	}
	return res, nil
}

// propose maximizes Expected Improvement over random and local candidates.
// It falls back to a random point when the surrogate cannot be fitted.
func (o *Optimizer) propose(history []Evaluation, seen map[string]struct{}) []float64 {
	xs := make([][]float64, len(history))
	ys := make([]float64, len(history))
	for i, e := range history {
		xs[i] = o.toUnit(e.X)
		ys[i] = e.Value
	}
	model, err := fitGP(xs, ys, o.opts.Noise)
	if err != nil {
		return o.randomUnseen(seen)
	}

	bestIdx := 0
	for i := range ys {
		if ys[i] < ys[bestIdx] {
			bestIdx = i
		}
	}
	incumbent := model.standardize(ys[bestIdx])

	var (
		bestX  []float64
		bestEI = math.Inf(-1)
	)
	local := int(float64(o.opts.Candidates) * localFraction)
	for c := 0; c < o.opts.Candidates; c++ {
		var u []float64
		if c < local {
			u = o.perturb(xs[bestIdx])
		} else {
			u = o.randomUnit()
		}
		x := o.fromUnit(u)
		if _, dup := seen[pointKey(x)]; dup {
			continue
		}
		mu, sigma := model.predict(o.toUnit(x))
		ei := expectedImprovement(mu, sigma, incumbent, o.opts.Xi)
		if ei > bestEI {
			bestEI, bestX = ei, x
		}
	}
	if bestX == nil {
		return o.randomUnseen(seen)
	}
	return bestX
}

// expectedImprovement for minimization in standardized units.
func expectedImprovement(mu, sigma, best, xi float64) float64 {
	imp := best - mu - xi
	if sigma <= 0 {
		return math.Max(imp, 0)
	}
	z := imp / sigma
	return imp*distuv.UnitNormal.CDF(z) + sigma*distuv.UnitNormal.Prob(z)
}

// randomUnseen draws a domain point, retrying a bounded number of times to
// avoid repeating an evaluated point. Small discrete domains may still repeat.
func (o *Optimizer) randomUnseen(seen map[string]struct{}) []float64 {
	var x []float64
	for attempt := 0; attempt < 64; attempt++ {
		x = o.fromUnit(o.randomUnit())
		if _, dup := seen[pointKey(x)]; !dup {
			return x
		}
	}
	return x
}

func (o *Optimizer) randomUnit() []float64 {
	u := make([]float64, len(o.dims))
	for i := range u {
		u[i] = o.rng.Float64()
	}
	return u
}

func (o *Optimizer) perturb(center []float64) []float64 {
	u := make([]float64, len(center))
	for i, c := range center {
		u[i] = clamp01(c + 0.1*o.rng.NormFloat64())
	}
	return u
}

// toUnit maps a domain point onto the unit cube.
func (o *Optimizer) toUnit(x []float64) []float64 {
	u := make([]float64, len(o.dims))
	for i, d := range o.dims {
		span := d.Max - d.Min
		if span <= 0 {
			continue
		}
		u[i] = clamp01((x[i] - d.Min) / span)
	}
	return u
}

// fromUnit maps a unit-cube point back into the domain, snapping discrete axes.
func (o *Optimizer) fromUnit(u []float64) []float64 {
	x := make([]float64, len(o.dims))
	for i, d := range o.dims {
		v := d.Min + clamp01(u[i])*(d.Max-d.Min)
		if d.Kind == Discrete {
			v = nearest(d.Values, v)
		}
		x[i] = v
	}
	return x
}

func nearest(values []float64, v float64) float64 {
	best := values[0]
	for _, c := range values[1:] {
		if math.Abs(c-v) < math.Abs(best-v) {
			best = c
		}
	}
	return best
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func pointKey(x []float64) string {
	parts := make([]string, len(x))
	for i, v := range x {
		parts[i] = strconv.FormatFloat(v, 'g', 10, 64)
	}
	return strings.Join(parts, ",")
}
