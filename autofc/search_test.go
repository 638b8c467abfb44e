package autofc_test

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yashubustudio/autofc/autofc"
)

func newEnv(engine autofc.Engine) *autofc.Env {
	return &autofc.Env{
		Backbone:  newFakeBackbone(),
		Builder:   autofc.NewModelBuilder(engine, autofc.OptimizerConfig{LearningRate: 0.01, Epsilon: 1e-7}),
		Evaluator: autofc.NewEvaluator(2, autofc.EarlyStoppingConfig{}, nil),
		Train:     newFakeSource("cat", "dog", "emu"),
		Valid:     newFakeSource("cat", "dog", "emu"),
	}
}

func defaultSpace(t *testing.T) autofc.Space {
	t.Helper()
	cfg := autofc.DefaultConfig()
	space, err := autofc.NewSpace(cfg.Space)
	require.NoError(t, err)
	return space
}

// smallBayes keeps the sub-loop short: 2 random points + 3 guided ones.
var smallBayes = autofc.BayesConfig{MaxIter: 3, InitialPoints: 2, Candidates: 200, Xi: 0.01}

// TestBayesianDriver_FreshLog appends exactly one in-bounds row per categorical combination.
func TestBayesianDriver_FreshLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bayes.csv")
	engine := &fakeEngine{}
	space := defaultSpace(t)
	d, err := autofc.NewBayesianDriver(newEnv(engine), space, smallBayes, 1, path, "")
	require.NoError(t, err)

	results := autofc.NewResultLog()
	sum, err := d.Run(context.Background(), results)
	require.NoError(t, err)

	assert.Equal(t, 24, sum.Logged)
	assert.Equal(t, 24*5, sum.Evaluated)
	assert.Equal(t, 24*5, engine.count())
	require.Equal(t, 24, results.Len())

	seen := map[autofc.Categorical]bool{}
	for i, row := range results.Rows() {
		assert.Equal(t, i, row.Index)
		require.GreaterOrEqual(t, row.Head.NumLayers(), 1)
		assert.LessOrEqual(t, row.Head.NumLayers(), 4)
		first := row.Head.Layers[0]
		for _, l := range row.Head.Layers {
			assert.Equal(t, first, l, "bayesian rows apply one tuple to every layer")
			assert.GreaterOrEqual(t, l.Dropout, 0.0)
			assert.LessOrEqual(t, l.Dropout, 0.99)
			assert.Contains(t, []int{32, 64, 128}, l.Neurons)
		}
		assert.Equal(t, row.ValLoss, row.Objective)
		seen[autofc.Categorical{Activation: first.Activation, Initializer: first.Initializer}] = true
	}
	assert.Len(t, seen, 24)

	loaded, err := autofc.LoadResultLog(path)
	require.NoError(t, err)
	assert.Equal(t, 24, loaded.Len())
}

// TestBayesianDriver_ResumeIsIdempotent evaluates nothing when every combination is logged.
func TestBayesianDriver_ResumeIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bayes.csv")
	space := defaultSpace(t)

	first, err := autofc.NewBayesianDriver(newEnv(&fakeEngine{}), space, smallBayes, 1, path, "")
	require.NoError(t, err)
	_, err = first.Run(context.Background(), autofc.NewResultLog())
	require.NoError(t, err)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	engine := &fakeEngine{}
	second, err := autofc.NewBayesianDriver(newEnv(engine), space, smallBayes, 1, path, "")
	require.NoError(t, err)
	results, err := autofc.LoadResultLog(path)
	require.NoError(t, err)
	sum, err := second.Run(context.Background(), results)
	require.NoError(t, err)

	assert.Zero(t, engine.count())
	assert.Zero(t, sum.Evaluated)
	assert.Equal(t, 24, sum.Skipped)
	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

// TestBayesianDriver_PartialResume continues after the logged combinations with fresh indices.
func TestBayesianDriver_PartialResume(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bayes.csv")
	space := defaultSpace(t)
	results := autofc.NewResultLog()
	results.Append(autofc.EvalResult{Head: autofc.UniformHead(2, 64, 0.3, autofc.ActivationReLU, autofc.InitConstant), Objective: 0.2})
	results.Append(autofc.EvalResult{Head: autofc.UniformHead(1, 32, 0.1, autofc.ActivationReLU, autofc.InitNormal), Objective: 0.4})

	engine := &fakeEngine{}
	d, err := autofc.NewBayesianDriver(newEnv(engine), space, smallBayes, 1, path, "")
	require.NoError(t, err)
	sum, err := d.Run(context.Background(), results)
	require.NoError(t, err)

	assert.Equal(t, 2, sum.Skipped)
	assert.Equal(t, 22, sum.Logged)
	assert.Equal(t, 24, results.Len())
	rows := results.Rows()
	for i, r := range rows {
		assert.Equal(t, i, r.Index)
	}
	assert.Equal(t, autofc.ActivationReLU, rows[2].Head.Layers[0].Activation)
	assert.Equal(t, autofc.InitUniform, rows[2].Head.Layers[0].Initializer)
}

// TestBayesianDriver_TrainingFailure stops the run without logging the failing combination.
func TestBayesianDriver_TrainingFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bayes.csv")
	space := defaultSpace(t)
	engine := &fakeEngine{failAt: 8}
	d, err := autofc.NewBayesianDriver(newEnv(engine), space, smallBayes, 1, path, "")
	require.NoError(t, err)

	results := autofc.NewResultLog()
	sum, err := d.Run(context.Background(), results)
	require.Error(t, err)
	assert.ErrorIs(t, err, autofc.ErrTrainingFailure)
	assert.ErrorIs(t, err, errBoom)

	// The first combination (5 evaluations) completed, the second failed on its third.
	assert.Equal(t, 1, sum.Logged)
	assert.Equal(t, 1, results.Len())
	loaded, err := autofc.LoadResultLog(path)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Len())

	// Restarting resumes past the logged combination.
	engine2 := &fakeEngine{}
	d2, err := autofc.NewBayesianDriver(newEnv(engine2), space, smallBayes, 1, path, "")
	require.NoError(t, err)
	sum2, err := d2.Run(context.Background(), loaded)
	require.NoError(t, err)
	assert.Equal(t, 1, sum2.Skipped)
	assert.Equal(t, 23, sum2.Logged)
	assert.Equal(t, 24, loaded.Len())
}

// TestBayesianDriver_TrialsLog records every evaluated point separately.
func TestBayesianDriver_TrialsLog(t *testing.T) {
	dir := t.TempDir()
	cfg := autofc.DefaultConfig().Space
	cfg.Activations = []string{"relu"}
	cfg.Initializers = []string{"he_uniform", "orthogonal"}
	space, err := autofc.NewSpace(cfg)
	require.NoError(t, err)

	d, err := autofc.NewBayesianDriver(newEnv(&fakeEngine{}), space, smallBayes, 3,
		filepath.Join(dir, "bayes.csv"), filepath.Join(dir, "trials.csv"))
	require.NoError(t, err)
	results := autofc.NewResultLog()
	_, err = d.Run(context.Background(), results)
	require.NoError(t, err)

	trials, err := autofc.LoadResultLog(filepath.Join(dir, "trials.csv"))
	require.NoError(t, err)
	assert.Equal(t, 10, trials.Len())
	assert.Equal(t, 2, results.Len())

	// Every logged row is the best trial of its combination.
	for _, row := range results.Rows() {
		for _, tr := range trials.Rows() {
			if tr.Head.Layers[0].Initializer == row.Head.Layers[0].Initializer {
				assert.LessOrEqual(t, row.Objective, tr.Objective)
			}
		}
	}
}

// TestBayesianDriver_Cancelled checks the context between combinations.
func TestBayesianDriver_Cancelled(t *testing.T) {
	d, err := autofc.NewBayesianDriver(newEnv(&fakeEngine{}), defaultSpace(t), smallBayes, 1,
		filepath.Join(t.TempDir(), "bayes.csv"), "")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sum, err := d.Run(ctx, autofc.NewResultLog())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, sum.Evaluated)
}

// TestBayesianDriver_CancelFinishesCombination lets the running sub-loop
// complete and log its row before the cancellation is honored.
func TestBayesianDriver_CancelFinishesCombination(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bayes.csv")
	space, err := autofc.NewSpace(autofc.SpaceConfig{
		Activations:  []string{"relu"},
		Initializers: []string{"uniform", "normal"},
		DropoutMax:   0.9,
		Neurons:      []int{32, 64},
		Layers:       []int{1, 2},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &countingRecorder{}
	engine := &fakeEngine{onTrain: cancel}
	env := newEnv(engine)
	env.Recorder = rec
	d, err := autofc.NewBayesianDriver(env, space, smallBayes, 1, path, "")
	require.NoError(t, err)

	results := autofc.NewResultLog()
	sum, err := d.Run(ctx, results)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 5, sum.Evaluated)
	assert.Equal(t, 5, engine.count())
	assert.Equal(t, 1, results.Len())
	assert.Zero(t, rec.failures)

	loaded, err := autofc.LoadResultLog(path)
	require.NoError(t, err)
	require.Equal(t, 1, loaded.Len())
	assert.Equal(t, autofc.InitUniform, loaded.Rows()[0].Head.Layers[0].Initializer)
}

// TestNewBayesianDriver_TrialsPathClash refuses to write trials into the result log.
func TestNewBayesianDriver_TrialsPathClash(t *testing.T) {
	dir := t.TempDir()
	_, err := autofc.NewBayesianDriver(newEnv(&fakeEngine{}), defaultSpace(t), smallBayes, 1,
		filepath.Join(dir, "bayes.csv"), filepath.Join(dir, ".", "bayes.csv"))
	assert.ErrorIs(t, err, autofc.ErrInvalidConfig)
}

// TestGridDriver_CancelFinishesCandidate logs the candidate that was training
// when the run was cancelled and evaluates nothing after it.
func TestGridDriver_CancelFinishesCandidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grid.csv")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &countingRecorder{}
	engine := &fakeEngine{onTrain: cancel}
	env := newEnv(engine)
	env.Recorder = rec
	d, err := autofc.NewGridDriver(env, tinyGridSpace(t, []float64{0.1, 0.5}, []int{1}), autofc.GridConfig{}, path)
	require.NoError(t, err)

	results := autofc.NewResultLog()
	sum, err := d.Run(ctx, results)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, sum.Evaluated)
	assert.Equal(t, 1, sum.Logged)
	assert.Equal(t, 1, engine.count())
	assert.Zero(t, rec.failures)

	loaded, err := autofc.LoadResultLog(path)
	require.NoError(t, err)
	require.Equal(t, 1, loaded.Len())
	assert.InDelta(t, 0.1, loaded.Rows()[0].Head.Layers[0].Dropout, 1e-12)
}

func tinyGridSpace(t *testing.T, dropouts []float64, layers []int) autofc.Space {
	t.Helper()
	space, err := autofc.NewSpace(autofc.SpaceConfig{
		Activations:  []string{"relu"},
		Initializers: []string{"uniform"},
		DropoutMax:   0.99,
		DropoutGrid:  dropouts,
		Neurons:      []int{32},
		Layers:       layers,
	})
	require.NoError(t, err)
	return space
}

// TestGridDriver_SingleCandidate evaluates the one head a minimal space contains.
func TestGridDriver_SingleCandidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grid.csv")
	engine := &fakeEngine{}
	d, err := autofc.NewGridDriver(newEnv(engine), tinyGridSpace(t, []float64{0.5}, []int{1}), autofc.GridConfig{PreviewRows: 5}, path)
	require.NoError(t, err)

	results := autofc.NewResultLog()
	sum, err := d.Run(context.Background(), results)
	require.NoError(t, err)

	assert.Equal(t, 1, engine.count())
	assert.Equal(t, 1, sum.Evaluated)
	require.Equal(t, 1, results.Len())
	row := results.Rows()[0]
	assert.Equal(t, 1, row.Head.NumLayers())
	assert.Equal(t, []int{32}, row.Head.Neurons())
	assert.Equal(t, []float64{0.5}, row.Head.Dropouts())

	loaded, err := autofc.LoadResultLog(path)
	require.NoError(t, err)
	assert.Equal(t, results.Rows(), loaded.Rows())
}

// TestGridDriver_PerLayerStacks enumerates independent choices per layer.
func TestGridDriver_PerLayerStacks(t *testing.T) {
	d, err := autofc.NewGridDriver(newEnv(&fakeEngine{}), tinyGridSpace(t, []float64{0, 0.5}, []int{1, 2}), autofc.GridConfig{}, filepath.Join(t.TempDir(), "grid.csv"))
	require.NoError(t, err)
	results := autofc.NewResultLog()
	_, err = d.Run(context.Background(), results)
	require.NoError(t, err)

	require.Equal(t, 2+4, results.Len())
	var stacks [][]float64
	for _, r := range results.Rows()[2:] {
		stacks = append(stacks, r.Head.Dropouts())
	}
	assert.Equal(t, [][]float64{{0, 0}, {0, 0.5}, {0.5, 0}, {0.5, 0.5}}, stacks)
}

// TestGridDriver_Cap stops at the configured exploration cap.
func TestGridDriver_Cap(t *testing.T) {
	engine := &fakeEngine{}
	d, err := autofc.NewGridDriver(newEnv(engine), tinyGridSpace(t, []float64{0, 0.5}, []int{1, 2}), autofc.GridConfig{MaxCandidates: 3}, filepath.Join(t.TempDir(), "grid.csv"))
	require.NoError(t, err)
	results := autofc.NewResultLog()
	sum, err := d.Run(context.Background(), results)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Evaluated)
	assert.Equal(t, 3, engine.count())
	assert.Equal(t, 3, results.Len())
}

// TestGridDriver_NoResumeCheck re-evaluates everything on a second run.
func TestGridDriver_NoResumeCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grid.csv")
	space := tinyGridSpace(t, []float64{0.5}, []int{1})
	results := autofc.NewResultLog()
	for range 2 {
		d, err := autofc.NewGridDriver(newEnv(&fakeEngine{}), space, autofc.GridConfig{}, path)
		require.NoError(t, err)
		_, err = d.Run(context.Background(), results)
		require.NoError(t, err)
	}
	rows := results.Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, []int{0, 1}, []int{rows[0].Index, rows[1].Index})
	assert.True(t, slices.Equal(rows[0].Head.Neurons(), rows[1].Head.Neurons()))
}

// TestGridDriver_TrainingFailure logs nothing for the failing candidate.
func TestGridDriver_TrainingFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grid.csv")
	engine := &fakeEngine{failAt: 2}
	d, err := autofc.NewGridDriver(newEnv(engine), tinyGridSpace(t, []float64{0, 0.5}, []int{1}), autofc.GridConfig{}, path)
	require.NoError(t, err)
	results := autofc.NewResultLog()
	_, err = d.Run(context.Background(), results)
	assert.ErrorIs(t, err, autofc.ErrTrainingFailure)
	assert.Equal(t, 1, results.Len())
}

// TestPreview renders a header and at most n rows.
func TestPreview(t *testing.T) {
	results := autofc.NewResultLog()
	for i := 0; i < 3; i++ {
		results.Append(autofc.EvalResult{Head: autofc.UniformHead(1, 32, 0.5, autofc.ActivationTanh, autofc.InitUniform)})
	}
	out := autofc.Preview(results, 2)
	lines := splitLines(out)
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "weight_initializer")
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return append(out, s[start:])
}
