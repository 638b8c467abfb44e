// Package emb runs an ONNX image network up to a chosen node and returns the
// flattened activations per sample.
package emb

import (
	"errors"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// Config describes the model and the tensor names to bind.
type Config struct {
	OrtDLL     string
	ModelPath  string
	InputName  string
	OutputName string
	// Channels, Height and Width give the NCHW input geometry.
	Channels int
	Height   int
	Width    int
}

// Encoder wraps one ORT session. It is safe for concurrent use.
type Encoder struct {
	mu      sync.Mutex
	cfg     Config
	session *ort.DynamicAdvancedSession
}

var envOnce struct {
	sync.Mutex
	refs int
}

// Init loads the shared library (once per process) and opens the session.
func (e *Encoder) Init(cfg Config) error {
	if cfg.ModelPath == "" {
		return errors.New("model path is required")
	}
	if cfg.InputName == "" || cfg.OutputName == "" {
		return errors.New("input and output names are required")
	}
	if cfg.Channels <= 0 || cfg.Height <= 0 || cfg.Width <= 0 {
		return fmt.Errorf("invalid input geometry %dx%dx%d", cfg.Channels, cfg.Height, cfg.Width)
	}
	if err := acquireEnv(cfg.OrtDLL); err != nil {
		return err
	}
	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{cfg.InputName}, []string{cfg.OutputName}, nil)
	if err != nil {
		releaseEnv()
		return fmt.Errorf("open session %s: %w", cfg.ModelPath, err)
	}
	e.mu.Lock()
	e.cfg = cfg
	e.session = session
	e.mu.Unlock()
	return nil
}

// SampleLen is the number of float32 values one input sample occupies.
func (e *Encoder) SampleLen() int {
	return e.cfg.Channels * e.cfg.Height * e.cfg.Width
}

// Encode runs a batch given as concatenated NCHW samples.
func (e *Encoder) Encode(pixels []float32, batch int) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil, errors.New("encoder is not initialized")
	}
	if batch <= 0 || len(pixels) != batch*e.SampleLen() {
		return nil, fmt.Errorf("input has %d values, want %d", len(pixels), batch*e.SampleLen())
	}
	shape := ort.NewShape(int64(batch), int64(e.cfg.Channels), int64(e.cfg.Height), int64(e.cfg.Width))
	input, err := ort.NewTensor(shape, pixels)
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	defer input.Destroy()

	outputs := []ort.Value{nil}
	if err := e.session.Run([]ort.Value{input}, outputs); err != nil {
		return nil, fmt.Errorf("run session: %w", err)
	}
	defer outputs[0].Destroy()
	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("output %s is not a float32 tensor", e.cfg.OutputName)
	}
	data := out.GetData()
	if len(data)%batch != 0 {
		return nil, fmt.Errorf("output has %d values for batch %d", len(data), batch)
	}
	width := len(data) / batch
	vecs := make([][]float32, batch)
	for i := range vecs {
		vec := make([]float32, width)
		copy(vec, data[i*width:(i+1)*width])
		vecs[i] = vec
	}
	return vecs, nil
}

// Close destroys the session and releases the environment when unused.
func (e *Encoder) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return
	}
	_ = e.session.Destroy()
	e.session = nil
	releaseEnv()
}

func acquireEnv(dll string) error {
	envOnce.Lock()
	defer envOnce.Unlock()
	if envOnce.refs == 0 && !ort.IsInitialized() {
		if dll != "" {
			ort.SetSharedLibraryPath(dll)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("initialize onnxruntime: %w", err)
		}
	}
	envOnce.refs++
	return nil
}

func releaseEnv() {
	envOnce.Lock()
	defer envOnce.Unlock()
	envOnce.refs--
	if envOnce.refs <= 0 {
		envOnce.refs = 0
		_ = ort.DestroyEnvironment()
	}
}
