package saga

import (
	"context"
	"errors"
)

var (
	ErrSagaNotFound = errors.New("saga not found")
	ErrSagaExists   = errors.New("saga already exists")
)

// Storage persists saga executions and their step logs.
//
// Every write is a checkpoint: once a call returns nil the change survives
// a crash. Implementations must be safe for concurrent use across sagas;
// writes for a single saga come from one goroutine at a time.
//
// Reference schema for relational backends:
//
//	saga_executions (id, name, status, context jsonb, created_at, updated_at)
//	saga_logs (id, saga_id, step_name, action, status, detail, created_at)
//	index saga_logs (saga_id, created_at)
type Storage interface {
	// CreateSaga inserts a PENDING execution. Returns ErrSagaExists if id is taken.
	CreateSaga(ctx context.Context, id, name string, sagaCtx map[string]any) error

	UpdateContext(ctx context.Context, id string, sagaCtx map[string]any) error

	UpdateStatus(ctx context.Context, id string, status Status) error

	// LogStep appends entry to the saga's history. A zero CreatedAt is set
	// to the current time.
	LogStep(ctx context.Context, entry LogEntry) error

	// LoadSagaState returns the execution with its history. When exclusive
	// is true the call blocks until it holds the saga's recovery lock (or
	// ctx ends) and the lock is kept until ReleaseSaga. A missing saga
	// returns ErrSagaNotFound and holds no lock.
	LoadSagaState(ctx context.Context, id string, exclusive bool) (State, error)

	// ReleaseSaga releases a lock taken by an exclusive load. Releasing an
	// unlocked saga is a no-op.
	ReleaseSaga(ctx context.Context, id string) error
}

// Finder is implemented by storages that can list executions by status.
type Finder interface {
	// FindSagas returns ids of sagas in any of statuses, oldest first.
	FindSagas(ctx context.Context, statuses ...Status) ([]string, error)
}
