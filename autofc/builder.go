package autofc

import (
	"errors"
	"fmt"
)

// LayerKind tags an Architecture layer.
type LayerKind string

const (
	LayerDense   LayerKind = "dense"
	LayerDropout LayerKind = "dropout"
)

// Layer is one node of a head graph.
type Layer struct {
	Kind        LayerKind   `json:"kind"`
	Units       int         `json:"units,omitempty"`
	Activation  Activation  `json:"activation,omitempty"`
	Initializer Initializer `json:"initializer,omitempty"`
	Rate        float64     `json:"rate,omitempty"`
}

// Architecture is a complete head rooted at the backbone's penultimate output,
// plus the compile settings.
type Architecture struct {
	BackboneID string          `json:"backboneId"`
	InputDim   int             `json:"inputDim"`
	Layers     []Layer         `json:"layers"`
	Optimizer  string          `json:"optimizer"`
	Adagrad    OptimizerConfig `json:"adagrad"`
	Loss       string          `json:"loss"`
	Metrics    []string        `json:"metrics"`
}

// classifierInitializer matches the usual default kernel initializer of dense layers.
const classifierInitializer = InitGlorotUniform

// PlanHead maps a head configuration onto a fresh architecture: one dense
// block followed by one dropout block per layer, then a softmax classifier.
func PlanHead(inputDim int, head HeadConfig, numClasses int, opt OptimizerConfig) (Architecture, error) {
	if err := head.Validate(); err != nil {
		return Architecture{}, err
	}
	if numClasses < 1 {
		return Architecture{}, fmt.Errorf("%w: number of classes must be >= 1, got %d", ErrInvalidConfig, numClasses)
	}
	if inputDim < 1 {
		return Architecture{}, fmt.Errorf("%w: backbone output width must be >= 1, got %d", ErrInvalidConfig, inputDim)
	}
	layers := make([]Layer, 0, 2*len(head.Layers)+1)
	for _, l := range head.Layers {
		layers = append(layers,
			Layer{Kind: LayerDense, Units: l.Neurons, Activation: l.Activation, Initializer: l.Initializer},
			Layer{Kind: LayerDropout, Rate: l.Dropout},
		)
	}
	layers = append(layers, Layer{
		Kind:        LayerDense,
		Units:       numClasses,
		Activation:  ActivationSoftmax,
		Initializer: classifierInitializer,
	})
	return Architecture{
		InputDim:  inputDim,
		Layers:    layers,
		Optimizer: "adagrad",
		Adagrad:   opt,
		Loss:      "categorical_crossentropy",
		Metrics:   []string{"accuracy"},
	}, nil
}

// ModelBuilder assembles compiled models on top of a frozen backbone. Every
// call starts again from the backbone's penultimate output.
type ModelBuilder struct {
	engine    Engine
	optimizer OptimizerConfig
}

// NewModelBuilder returns a builder compiling with the given engine and Adagrad settings.
func NewModelBuilder(engine Engine, optimizer OptimizerConfig) *ModelBuilder {
	return &ModelBuilder{engine: engine, optimizer: optimizer}
}

// Build validates head, freezes the backbone and compiles a new model.
func (b *ModelBuilder) Build(backbone Backbone, head HeadConfig, numClasses int) (Model, error) {
	if backbone == nil {
		return nil, errors.New("backbone is required")
	}
	if b.engine == nil {
		return nil, errors.New("engine is required")
	}
	arch, err := PlanHead(backbone.OutputDim(), head, numClasses, b.optimizer)
	if err != nil {
		return nil, err
	}
	arch.BackboneID = backbone.ID()
	backbone.Freeze()
	model, err := b.engine.Compile(backbone, arch)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", head, err)
	}
	return model, nil
}
