// Package headnet trains fully connected classification heads on top of a
// frozen feature extractor.
package headnet

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync/atomic"

	"gonum.org/v1/gonum/mat"

	"yashubustudio/autofc/autofc"
)

// probFloor keeps log(p) finite in the cross-entropy.
const probFloor = 1e-7

// Engine compiles architectures into gonum backed models.
type Engine struct {
	seed  int64
	built atomic.Int64
}

// NewEngine returns an engine. Every compiled model gets its own random
// stream derived from seed, so a run is reproducible.
func NewEngine(seed int64) *Engine {
	return &Engine{seed: seed}
}

// Compile implements autofc.Engine.
func (e *Engine) Compile(backbone autofc.Backbone, arch autofc.Architecture) (autofc.Model, error) {
	if backbone == nil {
		return nil, errors.New("backbone is required")
	}
	if !backbone.Frozen() {
		return nil, errors.New("backbone must be frozen before compiling a head")
	}
	if arch.Optimizer != "adagrad" {
		return nil, fmt.Errorf("%w: unsupported optimizer %q", autofc.ErrInvalidConfig, arch.Optimizer)
	}
	if arch.Loss != "categorical_crossentropy" {
		return nil, fmt.Errorf("%w: unsupported loss %q", autofc.ErrInvalidConfig, arch.Loss)
	}
	if arch.InputDim != backbone.OutputDim() {
		return nil, fmt.Errorf("%w: head input %d does not match backbone output %d", autofc.ErrInvalidConfig, arch.InputDim, backbone.OutputDim())
	}
	n := e.built.Add(1)
	rng := rand.New(rand.NewSource(e.seed*7919 + n))

	m := &Model{arch: arch, backbone: backbone, rng: rng, lr: arch.Adagrad.LearningRate, eps: arch.Adagrad.Epsilon}
	width := arch.InputDim
	for i, l := range arch.Layers {
		switch l.Kind {
		case autofc.LayerDense:
			if l.Units <= 0 {
				return nil, fmt.Errorf("%w: layer %d has %d units", autofc.ErrInvalidConfig, i, l.Units)
			}
			d, err := newDense(width, l.Units, l.Activation, l.Initializer, 0, rng)
			if err != nil {
				return nil, fmt.Errorf("layer %d: %w", i, err)
			}
			m.layers = append(m.layers, d)
			width = l.Units
		case autofc.LayerDropout:
			if len(m.layers) == 0 {
				return nil, fmt.Errorf("%w: dropout layer %d has no dense input", autofc.ErrInvalidConfig, i)
			}
			m.layers[len(m.layers)-1].rate = l.Rate
		default:
			return nil, fmt.Errorf("%w: unknown layer kind %q", autofc.ErrInvalidConfig, l.Kind)
		}
	}
	if len(m.layers) == 0 || m.layers[len(m.layers)-1].act != autofc.ActivationSoftmax {
		return nil, fmt.Errorf("%w: head must end in a softmax layer", autofc.ErrInvalidConfig)
	}
	m.classes = width
	return m, nil
}

// Model is a compiled head. It is not safe for concurrent use.
type Model struct {
	arch     autofc.Architecture
	backbone autofc.Backbone
	layers   []*dense
	classes  int
	rng      *rand.Rand
	lr, eps  float64
}

// Architecture returns the compiled architecture.
func (m *Model) Architecture() autofc.Architecture {
	return m.arch
}

// TrainEpoch runs one Adagrad pass over src and returns the running mean
// loss and accuracy of the batches as they were trained.
func (m *Model) TrainEpoch(ctx context.Context, src autofc.BatchSource) (autofc.Metrics, error) {
	return m.pass(ctx, src, true)
}

// Evaluate runs an inference pass without dropout.
func (m *Model) Evaluate(ctx context.Context, src autofc.BatchSource) (autofc.Metrics, error) {
	return m.pass(ctx, src, false)
}

func (m *Model) pass(ctx context.Context, src autofc.BatchSource, train bool) (autofc.Metrics, error) {
	var (
		lossSum float64
		correct int
		seen    int
	)
	for batch, err := range src.Batches(ctx) {
		if err != nil {
			return autofc.Metrics{}, err
		}
		if len(batch.Images) == 0 {
			continue
		}
		feats, err := m.backbone.Features(ctx, batch.Images)
		if err != nil {
			return autofc.Metrics{}, fmt.Errorf("backbone features: %w", err)
		}
		x, err := toDense(feats, m.arch.InputDim)
		if err != nil {
			return autofc.Metrics{}, err
		}
		probs, traces := m.forward(x, train)
		loss, hits, err := m.score(probs, batch.Labels)
		if err != nil {
			return autofc.Metrics{}, err
		}
		if train {
			m.backward(probs, batch.Labels, traces)
		}
		lossSum += loss
		correct += hits
		seen += len(batch.Labels)
	}
	if seen == 0 {
		return autofc.Metrics{}, errors.New("source produced no samples")
	}
	return autofc.Metrics{Loss: lossSum / float64(seen), Accuracy: float64(correct) / float64(seen)}, nil
}

func (m *Model) forward(x *mat.Dense, train bool) (*mat.Dense, []trace) {
	traces := make([]trace, len(m.layers))
	h := x
	for i, l := range m.layers {
		h, traces[i] = l.forward(h, train, m.rng)
	}
	return h, traces
}

// score returns the summed cross-entropy and the number of correct predictions.
func (m *Model) score(probs *mat.Dense, labels []int) (float64, int, error) {
	rows, _ := probs.Dims()
	if rows != len(labels) {
		return 0, 0, fmt.Errorf("%d predictions for %d labels", rows, len(labels))
	}
	var loss float64
	hits := 0
	for i, y := range labels {
		if y < 0 || y >= m.classes {
			return 0, 0, fmt.Errorf("label %d outside %d classes", y, m.classes)
		}
		row := probs.RawRowView(i)
		loss -= math.Log(math.Max(row[y], probFloor))
		best := 0
		for j, p := range row {
			if p > row[best] {
				best = j
			}
		}
		if best == y {
			hits++
		}
	}
	return loss, hits, nil
}

// backward starts from the softmax cross-entropy gradient (p - onehot) / n.
func (m *Model) backward(probs *mat.Dense, labels []int, traces []trace) {
	var grad mat.Dense
	grad.CloneFrom(probs)
	n := float64(len(labels))
	for i, y := range labels {
		row := grad.RawRowView(i)
		row[y] -= 1
		for j := range row {
			row[j] /= n
		}
	}
	g := &grad
	for i := len(m.layers) - 1; i >= 0; i-- {
		g = m.layers[i].backward(g, traces[i], m.lr, m.eps)
	}
}

func toDense(feats [][]float32, width int) (*mat.Dense, error) {
	x := mat.NewDense(len(feats), width, nil)
	for i, f := range feats {
		if len(f) != width {
			return nil, fmt.Errorf("feature %d has width %d, want %d", i, len(f), width)
		}
		row := x.RawRowView(i)
		for j, v := range f {
			row[j] = float64(v)
		}
	}
	return x, nil
}
