package autofc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// Recorder receives search progress. internal/metrics provides the Prometheus
// implementation; a nil Recorder is allowed everywhere.
type Recorder interface {
	ObserveEvaluation(strategy string, seconds, objective float64)
	ObserveSkip(strategy string)
	ObserveFailure(strategy, reason string)
	ObserveLog(strategy string, rows int, best float64)
}

// Summary reports what one driver run did.
type Summary struct {
	// RunID is assigned by Service.Run; drivers run directly leave it empty.
	RunID     string
	Strategy  Strategy
	Evaluated int
	Skipped   int
	Logged    int
	Best      EvalResult
	HasBest   bool
	Started   time.Time
	Finished  time.Time
}

// Env bundles the collaborators every search driver evaluates candidates with.
type Env struct {
	Backbone  Backbone
	Builder   *ModelBuilder
	Evaluator *Evaluator
	Train     BatchSource
	Valid     BatchSource
	Logger    *log.Logger
	Recorder  Recorder
}

func (e *Env) validate() error {
	switch {
	case e.Backbone == nil:
		return errors.New("backbone is required")
	case e.Builder == nil:
		return errors.New("model builder is required")
	case e.Evaluator == nil:
		return errors.New("evaluator is required")
	case e.Train == nil || e.Valid == nil:
		return errors.New("train and validation sources are required")
	case len(e.Train.Classes()) == 0:
		return fmt.Errorf("%w: training source has no classes", ErrInvalidConfig)
	}
	return nil
}

// evaluate builds a fresh model for head and trains it. The returned row has
// no index yet. Cancellation of ctx is not propagated: a candidate whose
// training started runs to completion, and drivers check ctx between
// candidates.
func (e *Env) evaluate(ctx context.Context, strategy Strategy, head HeadConfig) (EvalResult, error) {
	ctx = context.WithoutCancel(ctx)
	model, err := e.Builder.Build(e.Backbone, head, len(e.Train.Classes()))
	if err != nil {
		e.observeFailure(strategy, err)
		return EvalResult{}, err
	}
	res, err := e.Evaluator.Evaluate(ctx, model, e.Train, e.Valid)
	if err != nil {
		e.observeFailure(strategy, err)
		return EvalResult{}, fmt.Errorf("evaluate %s: %w", head, err)
	}
	res.Head = head.Clone()
	if e.Recorder != nil {
		e.Recorder.ObserveEvaluation(string(strategy), res.ElapsedSeconds, res.Objective)
	}
	return res, nil
}

func (e *Env) observeFailure(strategy Strategy, err error) {
	if e.Recorder == nil {
		return
	}
	reason := "other"
	switch {
	case errors.Is(err, ErrInvalidConfig):
		reason = "invalid_config"
	case errors.Is(err, ErrTrainingFailure):
		reason = "training"
	case errors.Is(err, ErrLogIO):
		reason = "log_io"
	}
	e.Recorder.ObserveFailure(string(strategy), reason)
}

// record appends res to results and persists the whole table.
func (e *Env) record(strategy Strategy, results *ResultLog, path string, res EvalResult) (EvalResult, error) {
	row := results.Append(res)
	if err := results.Persist(path); err != nil {
		e.observeFailure(strategy, err)
		return row, err
	}
	if e.Recorder != nil {
		best, _ := results.Best()
		e.Recorder.ObserveLog(string(strategy), results.Len(), best.Objective)
	}
	return row, nil
}

func (e *Env) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
	}
}

func (s *Summary) consider(r EvalResult) {
	if !s.HasBest || r.Objective < s.Best.Objective {
		s.Best = r
		s.HasBest = true
	}
}
