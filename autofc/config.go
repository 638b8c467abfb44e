package autofc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const defaultConfigFile = "config.json"

// Strategy selects the search driver.
type Strategy string

const (
	// StrategyBayesian runs Bayesian optimization over the numeric group
	// nested inside a grid over the categorical group.
	StrategyBayesian Strategy = "bayesian"
	// StrategyGrid runs the exhaustive nested grid.
	StrategyGrid Strategy = "grid"
)

// SpaceConfig declares the hyperparameter domain.
type SpaceConfig struct {
	Activations  []string  `json:"activations"`
	Initializers []string  `json:"initializers"`
	DropoutMin   float64   `json:"dropoutMin"`
	DropoutMax   float64   `json:"dropoutMax"`
	DropoutGrid  []float64 `json:"dropoutGrid"`
	Neurons      []int     `json:"neurons"`
	Layers       []int     `json:"layers"`
}

// BayesConfig tunes the Bayesian sub-loop.
type BayesConfig struct {
	MaxIter       int     `json:"maxIter"`
	InitialPoints int     `json:"initialPoints"`
	Candidates    int     `json:"candidates"`
	Xi            float64 `json:"xi"`
}

// GridConfig tunes the nested grid.
type GridConfig struct {
	// MaxCandidates caps how many stacks are explored; 0 means unlimited.
	MaxCandidates int `json:"maxCandidates"`
	PreviewRows   int `json:"previewRows"`
}

// EarlyStoppingConfig stops training when validation loss stops improving.
// Patience 0 disables it.
type EarlyStoppingConfig struct {
	Patience int     `json:"patience"`
	MinDelta float64 `json:"minDelta"`
}

// OptimizerConfig configures the Adagrad optimizer every head is compiled with.
type OptimizerConfig struct {
	LearningRate float64 `json:"learningRate"`
	Epsilon      float64 `json:"epsilon"`
}

// BackboneConfig wraps the configuration for the ORT backbone and its feature cache.
type BackboneConfig struct {
	OrtDLL     string     `json:"ortDll"`
	ModelPath  string     `json:"modelPath"`
	InputName  string     `json:"inputName"`
	OutputName string     `json:"outputName"`
	FeatureDim int        `json:"featureDim"`
	CacheDir   string     `json:"cacheDir"`
	ModelID    string     `json:"modelId"`
	Mean       [3]float32 `json:"mean"`
	Std        [3]float32 `json:"std"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `json:"addr"`
}

// Config aggregates run settings persisted to config.json.
type Config struct {
	Strategy      Strategy            `json:"strategy"`
	TrainDir      string              `json:"trainDir"`
	ValidDir      string              `json:"validDir"`
	TargetSize    int                 `json:"targetSize"`
	BatchSize     int                 `json:"batchSize"`
	Epochs        int                 `json:"epochs"`
	LogPath       string              `json:"logPath"`
	TrialsPath    string              `json:"trialsPath"`
	Seed          int64               `json:"seed"`
	Space         SpaceConfig         `json:"space"`
	Bayes         BayesConfig         `json:"bayes"`
	Grid          GridConfig          `json:"grid"`
	EarlyStopping EarlyStoppingConfig `json:"earlyStopping"`
	Optimizer     OptimizerConfig     `json:"optimizer"`
	Backbone      BackboneConfig      `json:"backbone"`
	Metrics       MetricsConfig       `json:"metrics"`
}

// DefaultConfig returns the configuration the search runs with when nothing is set.
func DefaultConfig() Config {
	var cfg Config
	cfg.ApplyDefaults()
	return cfg
}

// Clone creates a deep copy of the configuration so callers can mutate safely.
func (c Config) Clone() Config {
	buf, _ := json.Marshal(c)
	var out Config
	_ = json.Unmarshal(buf, &out)
	return out
}

// ApplyDefaults populates zero values with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.Strategy == "" {
		c.Strategy = StrategyBayesian
	}
	if c.TrainDir == "" {
		c.TrainDir = filepath.Join("Caltech101", "training")
	}
	if c.ValidDir == "" {
		c.ValidDir = filepath.Join("Caltech101", "validation")
	}
	if c.TargetSize <= 0 {
		c.TargetSize = 224
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.Epochs <= 0 {
		c.Epochs = 2
	}
	if c.LogPath == "" {
		if c.Strategy == StrategyGrid {
			c.LogPath = "AutoFC_ResNet_log_gridsearch_Caltech101.csv"
		} else {
			c.LogPath = "AutoFC_ResNet_log_bayesian_Caltech101.csv"
		}
	}
	c.Space.applyDefaults()
	if c.Bayes.MaxIter <= 0 {
		c.Bayes.MaxIter = 5
	}
	if c.Bayes.InitialPoints <= 0 {
		c.Bayes.InitialPoints = 5
	}
	if c.Bayes.Candidates <= 0 {
		c.Bayes.Candidates = 2000
	}
	if c.Bayes.Xi == 0 {
		c.Bayes.Xi = 0.01
	}
	if c.Grid.PreviewRows == 0 {
		c.Grid.PreviewRows = 5
	}
	if c.Optimizer.LearningRate <= 0 {
		c.Optimizer.LearningRate = 0.01
	}
	if c.Optimizer.Epsilon <= 0 {
		c.Optimizer.Epsilon = 1e-7
	}
	if c.Backbone.InputName == "" {
		c.Backbone.InputName = "input"
	}
	if c.Backbone.OutputName == "" {
		c.Backbone.OutputName = "avg_pool"
	}
	if c.Backbone.FeatureDim <= 0 {
		c.Backbone.FeatureDim = 2048
	}
	if c.Backbone.ModelID == "" && c.Backbone.ModelPath != "" {
		c.Backbone.ModelID = filepath.Base(c.Backbone.ModelPath)
	}
	if c.Backbone.Std == [3]float32{} {
		c.Backbone.Std = [3]float32{1, 1, 1}
	}
}

func (s *SpaceConfig) applyDefaults() {
	if len(s.Activations) == 0 {
		for _, a := range AllActivations() {
			s.Activations = append(s.Activations, string(a))
		}
	}
	if len(s.Initializers) == 0 {
		for _, i := range AllInitializers() {
			s.Initializers = append(s.Initializers, string(i))
		}
	}
	if s.DropoutMax == 0 && s.DropoutMin == 0 {
		s.DropoutMax = 0.99
	}
	if len(s.DropoutGrid) == 0 {
		for i := 0; i < 10; i++ {
			s.DropoutGrid = append(s.DropoutGrid, float64(i)/10)
		}
	}
	if len(s.Neurons) == 0 {
		s.Neurons = []int{32, 64, 128}
	}
	if len(s.Layers) == 0 {
		s.Layers = []int{1, 2, 3, 4}
	}
}

// LoadConfig loads configuration from the given path or the default config.json.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		path = defaultConfigFile
	}
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg.ApplyDefaults()
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	cfg.ApplyDefaults()
	if cfg.Backbone.CacheDir != "" {
		if err := os.MkdirAll(cfg.Backbone.CacheDir, 0o755); err != nil {
			return cfg, fmt.Errorf("create cache dir: %w", err)
		}
	}
	return cfg, nil
}

// SaveConfig persists configuration to disk.
func SaveConfig(path string, cfg Config) error {
	if path == "" {
		path = defaultConfigFile
	}
	cfg.ApplyDefaults()
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	err = replaceFile(path, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
	if err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}
