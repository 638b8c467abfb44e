package autofc

import "errors"

var (
	// ErrInvalidConfig is returned when a candidate violates domain constraints.
	// It is raised before any training resource is allocated.
	ErrInvalidConfig = errors.New("autofc: invalid head config")

	// ErrTrainingFailure wraps a fatal error from the training engine.
	ErrTrainingFailure = errors.New("autofc: training failure")

	// ErrLogIO is returned when the result log cannot be read or persisted.
	ErrLogIO = errors.New("autofc: result log I/O failure")
)
