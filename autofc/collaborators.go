package autofc

import (
	"context"
	"iter"
)

// Image is one lazily decoded input sample.
type Image interface {
	// Key identifies the sample across epochs and runs (used for feature caching).
	Key() string
	// Pixels decodes the sample into a CHW float32 tensor at the source target size.
	Pixels() ([]float32, error)
}

// Batch is one (image batch, label batch) pair. Labels are class indices.
type Batch struct {
	Images []Image
	Labels []int
}

// BatchSource yields batches for one pass; every call to Batches restarts the pass.
type BatchSource interface {
	Classes() []string
	Len() int
	Batches(ctx context.Context) iter.Seq2[Batch, error]
}

// Backbone is the pretrained feature extractor the head is stacked on. It is
// consumed read-only.
type Backbone interface {
	ID() string
	// OutputDim is the width of the penultimate (pre-classification) output.
	OutputDim() int
	// Freeze marks every backbone layer non-trainable. It is idempotent.
	Freeze()
	Frozen() bool
	// Fingerprint digests the backbone weights.
	Fingerprint() (string, error)
	// Features runs the backbone up to its penultimate output.
	Features(ctx context.Context, images []Image) ([][]float32, error)
}

// Model is a compiled, trainable network.
type Model interface {
	Architecture() Architecture
	// TrainEpoch runs one optimization pass and returns the running metrics.
	TrainEpoch(ctx context.Context, src BatchSource) (Metrics, error)
	// Evaluate runs a deterministic inference pass.
	Evaluate(ctx context.Context, src BatchSource) (Metrics, error)
}

// Engine compiles architectures into trainable models on top of a backbone.
type Engine interface {
	Compile(backbone Backbone, arch Architecture) (Model, error)
}
