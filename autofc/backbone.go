package autofc

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"yashubustudio/autofc/internal/emb"
)

// featureEncoder is the inference surface OrtBackbone needs from emb.Encoder.
type featureEncoder interface {
	SampleLen() int
	Encode(pixels []float32, batch int) ([][]float32, error)
	Close()
}

// OrtBackbone runs a pretrained ONNX network up to its penultimate output.
// The network is only ever used for inference, so its weights cannot change.
// Feature vectors are cached per image in memory and, with CacheDir set, on disk.
type OrtBackbone struct {
	mu     sync.Mutex
	enc    featureEncoder
	cfg    BackboneConfig
	frozen atomic.Bool
	cache  *featureCache
}

// NewOrtBackbone initializes the ORT session and prepares cache directories.
func NewOrtBackbone(cfg BackboneConfig, targetSize int) (*OrtBackbone, error) {
	encoder := &emb.Encoder{}
	if err := encoder.Init(emb.Config{
		OrtDLL:     cfg.OrtDLL,
		ModelPath:  cfg.ModelPath,
		InputName:  cfg.InputName,
		OutputName: cfg.OutputName,
		Channels:   3,
		Height:     targetSize,
		Width:      targetSize,
	}); err != nil {
		return nil, err
	}
	b, err := newOrtBackbone(cfg, encoder)
	if err != nil {
		encoder.Close()
		return nil, err
	}
	return b, nil
}

func newOrtBackbone(cfg BackboneConfig, enc featureEncoder) (*OrtBackbone, error) {
	if cfg.ModelID == "" && cfg.ModelPath != "" {
		cfg.ModelID = filepath.Base(cfg.ModelPath)
	}
	if cfg.FeatureDim <= 0 {
		return nil, fmt.Errorf("%w: backbone feature dim must be > 0", ErrInvalidConfig)
	}
	cache, err := newFeatureCache(cfg)
	if err != nil {
		return nil, err
	}
	return &OrtBackbone{enc: enc, cfg: cfg, cache: cache}, nil
}

// Close releases ORT resources.
func (o *OrtBackbone) Close() error {
	if o == nil {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.enc != nil {
		o.enc.Close()
		o.enc = nil
	}
	o.cache.drop()
	return nil
}

// ID returns the identifier used for cache keys.
func (o *OrtBackbone) ID() string {
	return o.cfg.ModelID
}

// OutputDim returns the width of the penultimate output.
func (o *OrtBackbone) OutputDim() int {
	return o.cfg.FeatureDim
}

// Freeze marks the backbone non-trainable.
func (o *OrtBackbone) Freeze() {
	o.frozen.Store(true)
}

// Frozen reports whether Freeze was called.
func (o *OrtBackbone) Frozen() bool {
	return o.frozen.Load()
}

// Fingerprint returns the sha1 of the model file.
func (o *OrtBackbone) Fingerprint() (string, error) {
	if o.cfg.ModelPath == "" {
		return "", errors.New("backbone has no model file")
	}
	f, err := os.Open(o.cfg.ModelPath)
	if err != nil {
		return "", fmt.Errorf("open model: %w", err)
	}
	defer f.Close()
	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash model: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Features returns one feature vector per image, running the network only
// for images missing from the cache.
func (o *OrtBackbone) Features(ctx context.Context, images []Image) ([][]float32, error) {
	if o == nil {
		return nil, errors.New("backbone is not initialized")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.enc == nil {
		return nil, errors.New("backbone is closed")
	}
	out := make([][]float32, len(images))
	var missing []int
	for i, img := range images {
		if vec, ok := o.cache.lookup(img.Key()); ok {
			out[i] = vec
			continue
		}
		missing = append(missing, i)
	}
	if len(missing) == 0 {
		return out, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sampleLen := o.enc.SampleLen()
	pixels := make([]float32, 0, len(missing)*sampleLen)
	for _, i := range missing {
		px, err := images[i].Pixels()
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", images[i].Key(), err)
		}
		if len(px) != sampleLen {
			return nil, fmt.Errorf("decode %s: got %d values, want %d", images[i].Key(), len(px), sampleLen)
		}
		pixels = append(pixels, px...)
	}
	vecs, err := o.enc.Encode(pixels, len(missing))
	if err != nil {
		return nil, fmt.Errorf("backbone %s: %w", o.cfg.ModelID, err)
	}
	for j, i := range missing {
		if len(vecs[j]) != o.cfg.FeatureDim {
			return nil, fmt.Errorf("backbone %s: output width %d, configured %d", o.cfg.ModelID, len(vecs[j]), o.cfg.FeatureDim)
		}
		o.cache.store(images[i].Key(), vecs[j])
		out[i] = vecs[j]
	}
	return out, nil
}
