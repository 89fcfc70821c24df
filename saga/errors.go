package saga

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidSaga       = errors.New("invalid saga")
	ErrAlreadyExecuted   = errors.New("saga transaction already executed")
	ErrForwardDisabled   = errors.New("forward execution disabled")
	ErrInvalidTransition = errors.New("invalid saga status transition")
	ErrNotStep           = errors.New("resolved instance is not a saga step")

	// ErrNothingToRecover is returned by Recover for sagas already COMPLETED or FAILED.
	ErrNothingToRecover = errors.New("nothing to recover")

	// ErrSagaMismatch is returned when persisted state does not belong to
	// the saga definition used to recover it.
	ErrSagaMismatch = errors.New("persisted saga does not match definition")
)

// StepError is the root cause of a failed saga: the error a step's act
// returned. It is returned after compensation has run.
type StepError struct {
	SagaID string
	Step   string
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("saga %s: step %s failed: %v", e.SagaID, e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// CompensationError records a step whose compensation failed on every
// attempt. It is reported to the observer and the step log, never returned
// in place of the StepError that triggered compensation.
type CompensationError struct {
	SagaID   string
	Step     string
	Attempts int
	Err      error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("saga %s: compensation of %s failed after %d attempts: %v", e.SagaID, e.Step, e.Attempts, e.Err)
}

func (e *CompensationError) Unwrap() error {
	return e.Err
}
