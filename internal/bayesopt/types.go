// Package bayesopt minimizes an expensive black-box objective over a bounded
// mixed continuous/discrete domain with Gaussian-process Bayesian optimization.
//
// The loop follows the usual two phases:
//
//   - Initial design: InitialPoints points drawn uniformly from the domain.
//   - Guided phase: MaxIter points, each maximizing Expected Improvement under
//     a GP surrogate (Matérn 5/2 kernel) fitted to every evaluation so far.
//
// Discrete dimensions are searched in the relaxed continuous space and every
// proposal is snapped to the nearest declared value before evaluation, so the
// objective only ever sees points from the declared domain.
//
// Determinism: the same Options.Seed and objective yield the same sequence of
// proposals. The optimizer is not safe for concurrent use.
package bayesopt

import (
	"context"
	"errors"
	"sort"
)

var (
	// ErrNoDims is returned when the domain has no dimensions.
	ErrNoDims = errors.New("bayesopt: domain has no dimensions")
	// ErrBadDim is returned for a dimension with an empty or inverted domain.
	ErrBadDim = errors.New("bayesopt: invalid dimension")
	// ErrBadOptions is returned for non-positive evaluation budgets.
	ErrBadOptions = errors.New("bayesopt: invalid options")
)

// Kind distinguishes continuous from discrete dimensions.
type Kind int

const (
	// Continuous dimensions take any value in [Min, Max].
	Continuous Kind = iota
	// Discrete dimensions take one of Values.
	Discrete
)

// Dim is one axis of the search domain.
type Dim struct {
	Name   string
	Kind   Kind
	Min    float64
	Max    float64
	Values []float64
}

// ContinuousDim declares a continuous axis over [min, max].
func ContinuousDim(name string, min, max float64) Dim {
	return Dim{Name: name, Kind: Continuous, Min: min, Max: max}
}

// DiscreteDim declares an axis restricted to values. Values are sorted and
// Min/Max are derived from them.
func DiscreteDim(name string, values ...float64) Dim {
	vs := append([]float64(nil), values...)
	sort.Float64s(vs)
	d := Dim{Name: name, Kind: Discrete, Values: vs}
	if len(vs) > 0 {
		d.Min, d.Max = vs[0], vs[len(vs)-1]
	}
	return d
}

// Contains reports whether v lies in the declared domain of d.
func (d Dim) Contains(v float64) bool {
	if d.Kind == Discrete {
		for _, x := range d.Values {
			if x == v {
				return true
			}
		}
		return false
	}
	return v >= d.Min && v <= d.Max
}

// Objective evaluates one point. A returned error aborts the optimization.
type Objective func(ctx context.Context, x []float64) (float64, error)

// Options configures the optimization budget and acquisition.
type Options struct {
	// InitialPoints random points are evaluated before the GP is consulted.
	InitialPoints int
	// MaxIter acquisition-guided points follow the random design.
	MaxIter int
	// Candidates random points are scored by Expected Improvement per step.
	Candidates int
	// Xi is the exploration margin of Expected Improvement.
	Xi float64
	// Noise is the observation noise variance on standardized outputs.
	Noise float64
	// Seed drives all sampling; 0 maps to a fixed default.
	Seed int64
}

// DefaultOptions returns five random points followed by five guided ones.
func DefaultOptions() Options {
	return Options{
		InitialPoints: 5,
		MaxIter:       5,
		Candidates:    2000,
		Xi:            0.01,
		Noise:         1e-6,
	}
}

// Evaluation records one objective call.
type Evaluation struct {
	Iteration int
	X         []float64
	Value     float64
}

// Result is the outcome of Minimize.
//
// X and Value are the best point found and its objective; Best indexes it in
// History, which lists every evaluation in call order.
type Result struct {
	X       []float64
	Value   float64
	Best    int
	History []Evaluation
}
