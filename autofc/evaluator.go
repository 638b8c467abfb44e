package autofc

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"
)

// Evaluator trains a built model for a fixed epoch budget and scores it.
type Evaluator struct {
	epochs int
	early  EarlyStoppingConfig
	logger *log.Logger
}

// NewEvaluator returns an evaluator running at most epochs training passes.
func NewEvaluator(epochs int, early EarlyStoppingConfig, logger *log.Logger) *Evaluator {
	if epochs < 1 {
		epochs = 1
	}
	return &Evaluator{epochs: epochs, early: early, logger: logger}
}

// Epochs returns the training budget.
func (e *Evaluator) Epochs() int {
	return e.epochs
}

// Evaluate trains model on train, validating against valid after each pass,
// then recomputes train and validation metrics in separate inference passes.
// ElapsedSeconds covers only the training phase. Any engine error, or a
// non-finite loss, is returned wrapped in ErrTrainingFailure.
func (e *Evaluator) Evaluate(ctx context.Context, model Model, train, valid BatchSource) (EvalResult, error) {
	var res EvalResult

	start := time.Now()
	bestVal := math.Inf(1)
	stale := 0
	for epoch := 1; epoch <= e.epochs; epoch++ {
		tm, err := model.TrainEpoch(ctx, train)
		if err != nil {
			return res, fmt.Errorf("%w: epoch %d: %w", ErrTrainingFailure, epoch, err)
		}
		vm, err := model.Evaluate(ctx, valid)
		if err != nil {
			return res, fmt.Errorf("%w: epoch %d validation: %w", ErrTrainingFailure, epoch, err)
		}
		if err := checkFinite(tm, vm); err != nil {
			return res, fmt.Errorf("%w: epoch %d: %w", ErrTrainingFailure, epoch, err)
		}
		e.logf("Epoch %d/%d - loss: %.4f - acc: %.4f - val_loss: %.4f - val_acc: %.4f",
			epoch, e.epochs, tm.Loss, tm.Accuracy, vm.Loss, vm.Accuracy)

		if e.early.Patience <= 0 {
			continue
		}
		if vm.Loss < bestVal-e.early.MinDelta {
			bestVal = vm.Loss
			stale = 0
			continue
		}
		stale++
		if stale >= e.early.Patience {
			e.logf("Early stopping after epoch %d (val_loss did not improve for %d epochs)", epoch, stale)
			break
		}
	}
	res.ElapsedSeconds = time.Since(start).Seconds()

	trainM, err := model.Evaluate(ctx, train)
	if err != nil {
		return res, fmt.Errorf("%w: evaluate train: %w", ErrTrainingFailure, err)
	}
	valM, err := model.Evaluate(ctx, valid)
	if err != nil {
		return res, fmt.Errorf("%w: evaluate validation: %w", ErrTrainingFailure, err)
	}
	if err := checkFinite(trainM, valM); err != nil {
		return res, fmt.Errorf("%w: final evaluation: %w", ErrTrainingFailure, err)
	}
	res.TrainLoss, res.TrainAcc = trainM.Loss, trainM.Accuracy
	res.ValLoss, res.ValAcc = valM.Loss, valM.Accuracy
	res.Objective = valM.Loss
	return res, nil
}

func checkFinite(ms ...Metrics) error {
	for _, m := range ms {
		if math.IsNaN(m.Loss) || math.IsInf(m.Loss, 0) {
			return fmt.Errorf("non-finite loss %v", m.Loss)
		}
	}
	return nil
}

func (e *Evaluator) logf(format string, args ...any) {
	if e.logger != nil {
		e.logger.Printf(format, args...)
	}
}
