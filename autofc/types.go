package autofc

import (
	"fmt"
	"strings"
)

// Activation names a hidden-layer non-linearity.
type Activation string

const (
	ActivationReLU    Activation = "relu"
	ActivationTanh    Activation = "tanh"
	ActivationSigmoid Activation = "sigmoid"
	// ActivationSoftmax is reserved for the classification layer.
	ActivationSoftmax Activation = "softmax"
)

// Initializer names a kernel weight initialization scheme.
type Initializer string

const (
	InitConstant      Initializer = "constant"
	InitNormal        Initializer = "normal"
	InitUniform       Initializer = "uniform"
	InitGlorotUniform Initializer = "glorot_uniform"
	InitGlorotNormal  Initializer = "glorot_normal"
	InitHeNormal      Initializer = "he_normal"
	InitHeUniform     Initializer = "he_uniform"
	InitOrthogonal    Initializer = "orthogonal"
)

// AllActivations lists the hidden activations in search order.
func AllActivations() []Activation {
	return []Activation{ActivationReLU, ActivationTanh, ActivationSigmoid}
}

// AllInitializers lists the supported initializers in search order.
func AllInitializers() []Initializer {
	return []Initializer{
		InitConstant, InitNormal, InitUniform, InitGlorotUniform,
		InitGlorotNormal, InitHeNormal, InitHeUniform, InitOrthogonal,
	}
}

// Valid reports whether a can be used on a hidden layer.
func (a Activation) Valid() bool {
	switch a {
	case ActivationReLU, ActivationTanh, ActivationSigmoid:
		return true
	}
	return false
}

// Valid reports whether i is a known initializer.
func (i Initializer) Valid() bool {
	for _, known := range AllInitializers() {
		if i == known {
			return true
		}
	}
	return false
}

// ParseActivation normalizes s and resolves it to a hidden activation.
func ParseActivation(s string) (Activation, error) {
	a := Activation(normalizeKey(s))
	if !a.Valid() {
		return "", fmt.Errorf("%w: unknown activation %q", ErrInvalidConfig, s)
	}
	return a, nil
}

// ParseInitializer normalizes s and resolves it to an initializer.
func ParseInitializer(s string) (Initializer, error) {
	i := Initializer(normalizeKey(s))
	if !i.Valid() {
		return "", fmt.Errorf("%w: unknown weight initializer %q", ErrInvalidConfig, s)
	}
	return i, nil
}

// LayerSpec describes one dense+dropout block of the head.
type LayerSpec struct {
	Neurons     int         `json:"neurons"`
	Activation  Activation  `json:"activation"`
	Dropout     float64     `json:"dropout"`
	Initializer Initializer `json:"weightInitializer"`
}

// HeadConfig is one candidate fully-connected head. The number of layers is
// len(Layers); layers may differ from each other.
type HeadConfig struct {
	Layers []LayerSpec `json:"layers"`
}

// UniformHead repeats the same block numLayers times.
func UniformHead(numLayers, neurons int, dropout float64, act Activation, init Initializer) HeadConfig {
	if numLayers < 0 {
		numLayers = 0
	}
	layers := make([]LayerSpec, numLayers)
	for i := range layers {
		layers[i] = LayerSpec{Neurons: neurons, Activation: act, Dropout: dropout, Initializer: init}
	}
	return HeadConfig{Layers: layers}
}

// NumLayers returns the head depth.
func (h HeadConfig) NumLayers() int {
	return len(h.Layers)
}

// Clone returns a deep copy.
func (h HeadConfig) Clone() HeadConfig {
	out := HeadConfig{Layers: make([]LayerSpec, len(h.Layers))}
	copy(out.Layers, h.Layers)
	return out
}

// Validate checks the domain constraints of every layer.
func (h HeadConfig) Validate() error {
	if len(h.Layers) < 1 {
		return fmt.Errorf("%w: num_layers must be >= 1, got %d", ErrInvalidConfig, len(h.Layers))
	}
	for i, l := range h.Layers {
		if l.Neurons <= 0 {
			return fmt.Errorf("%w: layer %d: neurons must be > 0, got %d", ErrInvalidConfig, i, l.Neurons)
		}
		if !(l.Dropout >= 0 && l.Dropout < 1) {
			return fmt.Errorf("%w: layer %d: dropout must be in [0,1), got %v", ErrInvalidConfig, i, l.Dropout)
		}
		if !l.Activation.Valid() {
			return fmt.Errorf("%w: layer %d: unsupported activation %q", ErrInvalidConfig, i, l.Activation)
		}
		if !l.Initializer.Valid() {
			return fmt.Errorf("%w: layer %d: unsupported weight initializer %q", ErrInvalidConfig, i, l.Initializer)
		}
	}
	return nil
}

// Activations returns the per-layer activations.
func (h HeadConfig) Activations() []Activation {
	out := make([]Activation, len(h.Layers))
	for i, l := range h.Layers {
		out[i] = l.Activation
	}
	return out
}

// Initializers returns the per-layer initializers.
func (h HeadConfig) Initializers() []Initializer {
	out := make([]Initializer, len(h.Layers))
	for i, l := range h.Layers {
		out[i] = l.Initializer
	}
	return out
}

// Neurons returns the per-layer widths.
func (h HeadConfig) Neurons() []int {
	out := make([]int, len(h.Layers))
	for i, l := range h.Layers {
		out[i] = l.Neurons
	}
	return out
}

// Dropouts returns the per-layer dropout rates.
func (h HeadConfig) Dropouts() []float64 {
	out := make([]float64, len(h.Layers))
	for i, l := range h.Layers {
		out[i] = l.Dropout
	}
	return out
}

func (h HeadConfig) String() string {
	parts := make([]string, len(h.Layers))
	for i, l := range h.Layers {
		parts[i] = fmt.Sprintf("%d/%s/%.3f/%s", l.Neurons, l.Activation, l.Dropout, l.Initializer)
	}
	return fmt.Sprintf("head[%d]{%s}", len(h.Layers), strings.Join(parts, " "))
}

// Metrics is a loss/accuracy pair produced by a pass over a source.
type Metrics struct {
	Loss     float64 `json:"loss"`
	Accuracy float64 `json:"accuracy"`
}

// EvalResult is the outcome of evaluating one HeadConfig.
type EvalResult struct {
	Index          int        `json:"index"`
	Head           HeadConfig `json:"head"`
	TrainLoss      float64    `json:"trainLoss"`
	TrainAcc       float64    `json:"trainAcc"`
	ValLoss        float64    `json:"valLoss"`
	ValAcc         float64    `json:"valAcc"`
	ElapsedSeconds float64    `json:"elapsedSeconds"`
	// Objective is the minimized quantity (validation loss).
	Objective float64 `json:"objective"`
}
