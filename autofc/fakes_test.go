package autofc_test

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"iter"
	"math"
	"sync"

	"yashubustudio/autofc/autofc"
)

var errBoom = errors.New("out of memory")

type keyImage string

func (k keyImage) Key() string                { return string(k) }
func (k keyImage) Pixels() ([]float32, error) { return []float32{1, 2, 3}, nil }

// fakeSource yields a single batch per pass.
type fakeSource struct {
	classes []string
	n       int
}

func newFakeSource(classes ...string) *fakeSource {
	return &fakeSource{classes: classes, n: 4}
}

func (s *fakeSource) Classes() []string { return s.classes }
func (s *fakeSource) Len() int          { return s.n }
func (s *fakeSource) Batches(_ context.Context) iter.Seq2[autofc.Batch, error] {
	return func(yield func(autofc.Batch, error) bool) {
		b := autofc.Batch{}
		for i := 0; i < s.n; i++ {
			b.Images = append(b.Images, keyImage(string(rune('a'+i))))
			b.Labels = append(b.Labels, i%max(1, len(s.classes)))
		}
		yield(b, nil)
	}
}

// fakeBackbone exposes a weight vector so tests can check it is never touched.
type fakeBackbone struct {
	mu      sync.Mutex
	weights []float32
	frozen  bool
	freezes int
}

func newFakeBackbone() *fakeBackbone {
	return &fakeBackbone{weights: []float32{0.5, -1.25, 3, 7}}
}

func (b *fakeBackbone) ID() string     { return "fake-resnet" }
func (b *fakeBackbone) OutputDim() int { return 16 }
func (b *fakeBackbone) Freeze() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frozen = true
	b.freezes++
}
func (b *fakeBackbone) Frozen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frozen
}
func (b *fakeBackbone) Fingerprint() (string, error) {
	h := sha1.New()
	for _, w := range b.weights {
		_ = binary.Write(h, binary.LittleEndian, math.Float32bits(w))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
func (b *fakeBackbone) Features(_ context.Context, images []autofc.Image) ([][]float32, error) {
	out := make([][]float32, len(images))
	for i := range images {
		out[i] = make([]float32, 16)
	}
	return out, nil
}

// fakeEngine compiles models whose loss is a smooth function of the head,
// minimal at dropout 0.3 with 64 neurons and 2 layers.
type fakeEngine struct {
	mu       sync.Mutex
	compiled []autofc.Architecture
	// failAt makes the n-th compiled model (1-based) fail in training.
	failAt  int
	failErr error
	// onTrain runs at the start of every training epoch.
	onTrain func()
}

func (e *fakeEngine) Compile(_ autofc.Backbone, arch autofc.Architecture) (autofc.Model, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiled = append(e.compiled, arch)
	m := &fakeModel{arch: arch, onTrain: e.onTrain}
	if e.failAt > 0 && len(e.compiled) == e.failAt {
		m.err = e.failErr
		if m.err == nil {
			m.err = errBoom
		}
	}
	return m, nil
}

func (e *fakeEngine) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.compiled)
}

type fakeModel struct {
	arch    autofc.Architecture
	err     error
	epochs  int
	onTrain func()
}

func (m *fakeModel) Architecture() autofc.Architecture { return m.arch }

func (m *fakeModel) TrainEpoch(ctx context.Context, _ autofc.BatchSource) (autofc.Metrics, error) {
	if m.onTrain != nil {
		m.onTrain()
	}
	if err := ctx.Err(); err != nil {
		return autofc.Metrics{}, err
	}
	if m.err != nil {
		return autofc.Metrics{}, m.err
	}
	m.epochs++
	return autofc.Metrics{Loss: m.loss() + 0.1, Accuracy: 0.5}, nil
}

func (m *fakeModel) Evaluate(_ context.Context, _ autofc.BatchSource) (autofc.Metrics, error) {
	if m.err != nil {
		return autofc.Metrics{}, m.err
	}
	l := m.loss()
	return autofc.Metrics{Loss: l, Accuracy: 1 / (1 + l)}, nil
}

func (m *fakeModel) loss() float64 {
	var dense, units int
	var rate float64
	for _, l := range m.arch.Layers {
		switch l.Kind {
		case autofc.LayerDense:
			if l.Activation != autofc.ActivationSoftmax {
				dense++
				units = l.Units
			}
		case autofc.LayerDropout:
			rate = l.Rate
		}
	}
	return math.Abs(rate-0.3) + math.Abs(float64(units-64))/64 + math.Abs(float64(dense-2))/4 + 0.05
}
