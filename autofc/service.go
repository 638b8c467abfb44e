package autofc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Deps are the external collaborators a Service runs on.
type Deps struct {
	Backbone Backbone
	Engine   Engine
	Train    BatchSource
	Valid    BatchSource
	Recorder Recorder
}

// Service loads the result log and runs the configured search strategy.
type Service struct {
	cfgMu sync.RWMutex
	cfg   Config

	space   Space
	env     *Env
	results *ResultLog

	runMu  sync.Mutex
	logger *log.Logger
}

// NewService validates cfg and loads the result log at cfg.LogPath. A log
// that exists but cannot be parsed is fatal.
func NewService(cfg Config, deps Deps, logger *log.Logger) (*Service, error) {
	if deps.Backbone == nil {
		return nil, errors.New("backbone is required")
	}
	if deps.Engine == nil {
		return nil, errors.New("engine is required")
	}
	cfg.ApplyDefaults()
	switch cfg.Strategy {
	case StrategyBayesian, StrategyGrid:
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrInvalidConfig, cfg.Strategy)
	}
	space, err := NewSpace(cfg.Space)
	if err != nil {
		return nil, err
	}
	results, err := LoadResultLog(cfg.LogPath)
	if err != nil {
		return nil, err
	}
	env := &Env{
		Backbone:  deps.Backbone,
		Builder:   NewModelBuilder(deps.Engine, cfg.Optimizer),
		Evaluator: NewEvaluator(cfg.Epochs, cfg.EarlyStopping, logger),
		Train:     deps.Train,
		Valid:     deps.Valid,
		Logger:    logger,
		Recorder:  deps.Recorder,
	}
	if err := env.validate(); err != nil {
		return nil, err
	}
	s := &Service{
		cfg:     cfg,
		space:   space,
		env:     env,
		results: results,
		logger:  logger,
	}
	s.logf("Loaded result log %s (%d rows, %d columns)", cfg.LogPath, results.Len(), len(LogColumns()))
	return s, nil
}

// Config returns a copy of the current configuration.
func (s *Service) Config() Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg.Clone()
}

// Space returns the validated search domain.
func (s *Service) Space() Space {
	return s.space
}

// Log returns the live result log. It is safe to read while a run is in progress.
func (s *Service) Log() *ResultLog {
	return s.results
}

// Run executes the configured strategy to completion. Only one run may be
// active at a time.
func (s *Service) Run(ctx context.Context) (Summary, error) {
	if !s.runMu.TryLock() {
		return Summary{}, errors.New("a search is already running")
	}
	defer s.runMu.Unlock()

	cfg := s.Config()
	runID := uuid.NewString()
	s.logf("Search %s (%s) started at %s", runID, cfg.Strategy, time.Now().Format(time.RFC3339))
	s.logf("Training classes: %d, validation classes: %d", len(s.env.Train.Classes()), len(s.env.Valid.Classes()))

	var (
		sum Summary
		err error
	)
	switch cfg.Strategy {
	case StrategyGrid:
		var d *GridDriver
		if d, err = NewGridDriver(s.env, s.space, cfg.Grid, cfg.LogPath); err == nil {
			sum, err = d.Run(ctx, s.results)
		}
	default:
		var d *BayesianDriver
		if d, err = NewBayesianDriver(s.env, s.space, cfg.Bayes, cfg.Seed, cfg.LogPath, cfg.TrialsPath); err == nil {
			sum, err = d.Run(ctx, s.results)
		}
	}
	sum.RunID = runID
	s.logf("Search %s ended at %s: %d evaluated, %d skipped, %d logged; log shape (%d, %d)",
		runID, time.Now().Format(time.RFC3339), sum.Evaluated, sum.Skipped, sum.Logged, s.results.Len(), len(LogColumns()))
	if err != nil {
		return sum, fmt.Errorf("%s search: %w", cfg.Strategy, err)
	}
	if best, ok := s.results.Best(); ok {
		s.logf("Best so far: index %d %s objective=%.4f val_acc=%.4f", best.Index, best.Head, best.Objective, best.ValAcc)
	}
	return sum, nil
}

func (s *Service) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
