package autofc

import (
	"fmt"
	"iter"
	"math"
	"math/big"

	"yashubustudio/autofc/internal/bayesopt"
)

// Categorical is one combination of the string-valued hyperparameters.
type Categorical struct {
	Activation  Activation
	Initializer Initializer
}

func (c Categorical) String() string {
	return fmt.Sprintf("(%s, %s)", c.Activation, c.Initializer)
}

// Space is the validated hyperparameter domain. The numeric group (dropout,
// neurons, layers) is searched by Bayesian optimization, the categorical group
// (activation, initializer) exhaustively.
type Space struct {
	Activations  []Activation
	Initializers []Initializer
	DropoutMin   float64
	DropoutMax   float64
	DropoutGrid  []float64
	Neurons      []int
	Layers       []int
}

// NewSpace parses and validates a SpaceConfig.
func NewSpace(cfg SpaceConfig) (Space, error) {
	var s Space
	for _, name := range cfg.Activations {
		a, err := ParseActivation(name)
		if err != nil {
			return s, err
		}
		s.Activations = append(s.Activations, a)
	}
	for _, name := range cfg.Initializers {
		i, err := ParseInitializer(name)
		if err != nil {
			return s, err
		}
		s.Initializers = append(s.Initializers, i)
	}
	if len(s.Activations) == 0 || len(s.Initializers) == 0 {
		return s, fmt.Errorf("%w: categorical group must not be empty", ErrInvalidConfig)
	}
	if !(cfg.DropoutMin >= 0 && cfg.DropoutMin <= cfg.DropoutMax && cfg.DropoutMax < 1) {
		return s, fmt.Errorf("%w: dropout bounds [%v, %v] must lie in [0,1)", ErrInvalidConfig, cfg.DropoutMin, cfg.DropoutMax)
	}
	s.DropoutMin, s.DropoutMax = cfg.DropoutMin, cfg.DropoutMax
	for _, d := range cfg.DropoutGrid {
		if !(d >= 0 && d < 1) {
			return s, fmt.Errorf("%w: dropout grid value %v outside [0,1)", ErrInvalidConfig, d)
		}
	}
	s.DropoutGrid = append([]float64(nil), cfg.DropoutGrid...)
	for _, n := range cfg.Neurons {
		if n <= 0 {
			return s, fmt.Errorf("%w: neurons must be > 0, got %d", ErrInvalidConfig, n)
		}
	}
	s.Neurons = append([]int(nil), cfg.Neurons...)
	for _, l := range cfg.Layers {
		if l < 1 {
			return s, fmt.Errorf("%w: num_layers must be >= 1, got %d", ErrInvalidConfig, l)
		}
	}
	s.Layers = append([]int(nil), cfg.Layers...)
	if len(s.Neurons) == 0 || len(s.Layers) == 0 {
		return s, fmt.Errorf("%w: numeric group must not be empty", ErrInvalidConfig)
	}
	return s, nil
}

// Categorical returns the cartesian product of the categorical group with the
// initializer varying fastest.
func (s Space) Categorical() []Categorical {
	out := make([]Categorical, 0, len(s.Activations)*len(s.Initializers))
	for _, a := range s.Activations {
		for _, i := range s.Initializers {
			out = append(out, Categorical{Activation: a, Initializer: i})
		}
	}
	return out
}

// NumericDims describes the numeric group as optimizer bounds, in the order
// dropout, num_neurons, num_layers.
func (s Space) NumericDims() []bayesopt.Dim {
	neurons := make([]float64, len(s.Neurons))
	for i, n := range s.Neurons {
		neurons[i] = float64(n)
	}
	layers := make([]float64, len(s.Layers))
	for i, l := range s.Layers {
		layers[i] = float64(l)
	}
	return []bayesopt.Dim{
		bayesopt.ContinuousDim("dropout", s.DropoutMin, s.DropoutMax),
		bayesopt.DiscreteDim("num_neurons", neurons...),
		bayesopt.DiscreteDim("num_layers", layers...),
	}
}

// UniformHead decodes an optimizer point for a fixed categorical combination.
func (s Space) UniformHead(c Categorical, x []float64) HeadConfig {
	return UniformHead(int(math.Round(x[2])), int(math.Round(x[1])), x[0], c.Activation, c.Initializer)
}

// LayerChoices returns the inner cartesian product used by the grid: every
// (activation, neurons, dropout, initializer) tuple, initializer fastest.
func (s Space) LayerChoices() []LayerSpec {
	out := make([]LayerSpec, 0, len(s.Activations)*len(s.Neurons)*len(s.DropoutGrid)*len(s.Initializers))
	for _, a := range s.Activations {
		for _, n := range s.Neurons {
			for _, d := range s.DropoutGrid {
				for _, i := range s.Initializers {
					out = append(out, LayerSpec{Neurons: n, Activation: a, Dropout: d, Initializer: i})
				}
			}
		}
	}
	return out
}

// CountStacks returns how many distinct stacks of numLayers blocks exist.
func (s Space) CountStacks(numLayers int) *big.Int {
	if numLayers < 1 {
		return big.NewInt(0)
	}
	inner := big.NewInt(int64(len(s.Activations) * len(s.Neurons) * len(s.DropoutGrid) * len(s.Initializers)))
	return new(big.Int).Exp(inner, big.NewInt(int64(numLayers)), nil)
}

// TotalGridCandidates sums CountStacks over every configured depth.
func (s Space) TotalGridCandidates() *big.Int {
	total := new(big.Int)
	for _, l := range s.Layers {
		total.Add(total, s.CountStacks(l))
	}
	return total
}

// Stacks enumerates every head with numLayers independently chosen blocks,
// the last block varying fastest. Heads are generated lazily.
func (s Space) Stacks(numLayers int) iter.Seq[HeadConfig] {
	choices := s.LayerChoices()
	return func(yield func(HeadConfig) bool) {
		if numLayers < 1 || len(choices) == 0 {
			return
		}
		idx := make([]int, numLayers)
		for {
			head := HeadConfig{Layers: make([]LayerSpec, numLayers)}
			for i, c := range idx {
				head.Layers[i] = choices[c]
			}
			if !yield(head) {
				return
			}
			pos := numLayers - 1
			for pos >= 0 {
				idx[pos]++
				if idx[pos] < len(choices) {
					break
				}
				idx[pos] = 0
				pos--
			}
			if pos < 0 {
				return
			}
		}
	}
}

// GridHeads enumerates Stacks for every configured depth in order.
func (s Space) GridHeads() iter.Seq[HeadConfig] {
	return func(yield func(HeadConfig) bool) {
		for _, l := range s.Layers {
			for head := range s.Stacks(l) {
				if !yield(head) {
					return
				}
			}
		}
	}
}
