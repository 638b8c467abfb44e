package headnet

import (
	"context"
	"fmt"
	"iter"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"yashubustudio/autofc/autofc"
)

type vecImage string

func (v vecImage) Key() string                { return string(v) }
func (v vecImage) Pixels() ([]float32, error) { return nil, nil }

// tableBackbone serves fixed feature vectors by image key.
type tableBackbone struct {
	dim    int
	frozen bool
	table  map[string][]float32
}

func (b *tableBackbone) ID() string                   { return "table" }
func (b *tableBackbone) OutputDim() int               { return b.dim }
func (b *tableBackbone) Freeze()                      { b.frozen = true }
func (b *tableBackbone) Frozen() bool                 { return b.frozen }
func (b *tableBackbone) Fingerprint() (string, error) { return "table", nil }
func (b *tableBackbone) Features(_ context.Context, images []autofc.Image) ([][]float32, error) {
	out := make([][]float32, len(images))
	for i, img := range images {
		v, ok := b.table[img.Key()]
		if !ok {
			return nil, fmt.Errorf("no features for %s", img.Key())
		}
		out[i] = v
	}
	return out, nil
}

type sliceSource struct {
	classes []string
	images  []autofc.Image
	labels  []int
	batch   int
}

func (s *sliceSource) Classes() []string { return s.classes }
func (s *sliceSource) Len() int          { return len(s.images) }
func (s *sliceSource) Batches(_ context.Context) iter.Seq2[autofc.Batch, error] {
	return func(yield func(autofc.Batch, error) bool) {
		for i := 0; i < len(s.images); i += s.batch {
			end := min(i+s.batch, len(s.images))
			if !yield(autofc.Batch{Images: s.images[i:end], Labels: s.labels[i:end]}, nil) {
				return
			}
		}
	}
}

// separable builds two well separated clusters in 4 dimensions.
func separable(n int) (*tableBackbone, *sliceSource) {
	rng := rand.New(rand.NewSource(3))
	bb := &tableBackbone{dim: 4, table: map[string][]float32{}}
	src := &sliceSource{classes: []string{"a", "b"}, batch: 8}
	for i := 0; i < n; i++ {
		label := i % 2
		v := make([]float32, 4)
		for j := range v {
			v[j] = float32(rng.NormFloat64() * 0.1)
		}
		v[label*2] += 1
		key := fmt.Sprintf("img-%d", i)
		bb.table[key] = v
		src.images = append(src.images, vecImage(key))
		src.labels = append(src.labels, label)
	}
	return bb, src
}

func plan(t *testing.T, head autofc.HeadConfig, lr float64) autofc.Architecture {
	t.Helper()
	arch, err := autofc.PlanHead(4, head, 2, autofc.OptimizerConfig{LearningRate: lr, Epsilon: 1e-7})
	require.NoError(t, err)
	return arch
}

// TestCompile_RequiresFrozenBackbone rejects compiling on a trainable backbone.
func TestCompile_RequiresFrozenBackbone(t *testing.T) {
	bb, _ := separable(4)
	arch := plan(t, autofc.UniformHead(1, 8, 0, autofc.ActivationReLU, autofc.InitGlorotUniform), 0.1)
	_, err := NewEngine(1).Compile(bb, arch)
	assert.Error(t, err)
}

// TestCompile_LayerShapes builds one dense layer per block plus the classifier.
func TestCompile_LayerShapes(t *testing.T) {
	bb, _ := separable(4)
	bb.Freeze()
	head := autofc.HeadConfig{Layers: []autofc.LayerSpec{
		{Neurons: 16, Activation: autofc.ActivationTanh, Dropout: 0.2, Initializer: autofc.InitHeNormal},
		{Neurons: 8, Activation: autofc.ActivationSigmoid, Dropout: 0, Initializer: autofc.InitOrthogonal},
	}}
	model, err := NewEngine(1).Compile(bb, plan(t, head, 0.1))
	require.NoError(t, err)
	m := model.(*Model)
	require.Len(t, m.layers, 3)
	r, c := m.layers[0].w.Dims()
	assert.Equal(t, [2]int{4, 16}, [2]int{r, c})
	assert.InDelta(t, 0.2, m.layers[0].rate, 1e-12)
	r, c = m.layers[2].w.Dims()
	assert.Equal(t, [2]int{8, 2}, [2]int{r, c})
	assert.Equal(t, autofc.ActivationSoftmax, m.layers[2].act)
}

// TestCompile_InputMismatch rejects an architecture planned for another backbone width.
func TestCompile_InputMismatch(t *testing.T) {
	bb, _ := separable(4)
	bb.Freeze()
	arch := plan(t, autofc.UniformHead(1, 8, 0, autofc.ActivationReLU, autofc.InitGlorotUniform), 0.1)
	arch.InputDim = 5
	_, err := NewEngine(1).Compile(bb, arch)
	assert.ErrorIs(t, err, autofc.ErrInvalidConfig)
}

// TestTrainEpoch_ReducesLoss learns two separable clusters.
func TestTrainEpoch_ReducesLoss(t *testing.T) {
	bb, src := separable(64)
	bb.Freeze()
	model, err := NewEngine(7).Compile(bb, plan(t, autofc.UniformHead(1, 8, 0, autofc.ActivationReLU, autofc.InitGlorotUniform), 0.1))
	require.NoError(t, err)

	ctx := context.Background()
	before, err := model.Evaluate(ctx, src)
	require.NoError(t, err)
	for i := 0; i < 30; i++ {
		_, err := model.TrainEpoch(ctx, src)
		require.NoError(t, err)
	}
	after, err := model.Evaluate(ctx, src)
	require.NoError(t, err)
	assert.Less(t, after.Loss, before.Loss)
	assert.GreaterOrEqual(t, after.Accuracy, 0.9)
}

// TestEvaluate_Deterministic gives identical metrics on repeated inference passes.
func TestEvaluate_Deterministic(t *testing.T) {
	bb, src := separable(32)
	bb.Freeze()
	model, err := NewEngine(2).Compile(bb, plan(t, autofc.UniformHead(2, 16, 0.5, autofc.ActivationTanh, autofc.InitGlorotNormal), 0.05))
	require.NoError(t, err)
	ctx := context.Background()
	a, err := model.Evaluate(ctx, src)
	require.NoError(t, err)
	b, err := model.Evaluate(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

// TestTrainEpoch_BadLabel surfaces labels outside the class range.
func TestTrainEpoch_BadLabel(t *testing.T) {
	bb, src := separable(8)
	bb.Freeze()
	src.labels[3] = 5
	model, err := NewEngine(1).Compile(bb, plan(t, autofc.UniformHead(1, 4, 0, autofc.ActivationReLU, autofc.InitHeUniform), 0.1))
	require.NoError(t, err)
	_, err = model.TrainEpoch(context.Background(), src)
	assert.Error(t, err)
}

// TestInitWeights_Bounds checks the range or structure of every initializer.
func TestInitWeights_Bounds(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	const in, out = 64, 32

	cases := map[autofc.Initializer]float64{
		autofc.InitUniform:       0.05,
		autofc.InitGlorotUniform: math.Sqrt(6.0 / (in + out)),
		autofc.InitHeUniform:     math.Sqrt(6.0 / in),
		autofc.InitGlorotNormal:  2 * math.Sqrt(2.0/(in+out)) / truncatedNormalStd,
		autofc.InitHeNormal:      2 * math.Sqrt(2.0/in) / truncatedNormalStd,
	}
	for name, limit := range cases {
		w := mat.NewDense(in, out, nil)
		require.NoError(t, initWeights(w, name, rng), name)
		assert.LessOrEqual(t, mat.Max(w), limit+1e-12, name)
		assert.GreaterOrEqual(t, mat.Min(w), -limit-1e-12, name)
		assert.NotZero(t, mat.Norm(w, 2), name)
	}

	w := mat.NewDense(in, out, nil)
	require.NoError(t, initWeights(w, autofc.InitConstant, rng))
	assert.Zero(t, mat.Norm(w, 2))

	w = mat.NewDense(in, out, nil)
	require.NoError(t, initWeights(w, autofc.InitNormal, rng))
	assert.NotZero(t, mat.Norm(w, 2))

	assert.ErrorIs(t, initWeights(w, autofc.Initializer("zeros"), rng), autofc.ErrInvalidConfig)
}

// TestOrthogonal_Columns yields orthonormal columns (or rows for wide kernels).
func TestOrthogonal_Columns(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	for _, dims := range [][2]int{{16, 8}, {8, 16}} {
		w := mat.NewDense(dims[0], dims[1], nil)
		require.NoError(t, initWeights(w, autofc.InitOrthogonal, rng))
		var g mat.Dense
		if dims[0] >= dims[1] {
			g.Mul(w.T(), w)
		} else {
			g.Mul(w, w.T())
		}
		n, _ := g.Dims()
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				want := 0.0
				if i == j {
					want = 1
				}
				assert.InDelta(t, want, g.At(i, j), 1e-9)
			}
		}
	}
}
