package saga

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync/atomic"
	"time"

	"github.com/tailored-agentic-units/mediator/config"
	"github.com/tailored-agentic-units/mediator/container"
	"github.com/tailored-agentic-units/mediator/observability"
)

// Transaction executes a saga once.
type Transaction[C any] struct {
	saga     *Saga[C]
	storage  Storage
	resolver container.Resolver
	cfg      config.SagaConfig
	observer observability.Observer
	used     atomic.Bool
}

func NewTransaction[C any](s *Saga[C], storage Storage, resolver container.Resolver, cfg config.SagaConfig, opts ...Option) *Transaction[C] {
	o := newOptions(opts)
	return &Transaction[C]{
		saga:     s,
		storage:  storage,
		resolver: resolver,
		cfg:      cfg,
		observer: o.observer,
	}
}

// Execute returns a single-pass sequence that runs the saga as sagaID,
// yielding one StepResult per completed act.
//
// A failing act stops the sequence: completed steps are compensated, the
// saga ends FAILED and the final pair carries a *StepError. Breaking out of
// the loop early leaves the saga RUNNING for Recovery to resume. Iterating
// a second time yields ErrAlreadyExecuted.
func (t *Transaction[C]) Execute(ctx context.Context, sagaCtx C, sagaID string) iter.Seq2[StepResult, error] {
	return func(yield func(StepResult, error) bool) {
		if !t.used.CompareAndSwap(false, true) {
			yield(StepResult{}, fmt.Errorf("%w: %s", ErrAlreadyExecuted, sagaID))
			return
		}

		err := t.execute(ctx, sagaCtx, sagaID, yield)
		if err != nil && !errors.Is(err, errStopped) {
			yield(StepResult{}, err)
		}
	}
}

func (t *Transaction[C]) execute(ctx context.Context, sagaCtx C, sagaID string, yield func(StepResult, error) bool) error {
	if err := t.saga.Validate(); err != nil {
		return err
	}
	if sagaID == "" {
		return fmt.Errorf("%w: saga id is required", ErrInvalidSaga)
	}

	initial, err := ToMap(sagaCtx)
	if err != nil {
		return err
	}
	if err := t.storage.CreateSaga(ctx, sagaID, t.saga.name, initial); err != nil {
		return fmt.Errorf("failed to create saga %s: %w", sagaID, err)
	}

	r := &run[C]{
		saga:        t.saga,
		storage:     t.storage,
		resolver:    t.resolver,
		cfg:         t.cfg,
		observer:    t.observer,
		source:      "saga.Transaction",
		id:          sagaID,
		sagaCtx:     sagaCtx,
		status:      StatusPending,
		compensated: make(map[string]bool),
	}

	start := time.Now()
	r.emit(ctx, EventSagaStart, observability.LevelInfo, map[string]any{
		"steps": t.saga.Steps(),
	})

	if err := r.setStatus(ctx, StatusRunning); err != nil {
		return err
	}
	err = r.forward(ctx, 0, yield)

	data := map[string]any{
		"status":   string(r.status),
		"duration": time.Since(start),
	}
	level := observability.LevelInfo
	if err != nil && !errors.Is(err, errStopped) {
		data["error"] = err.Error()
		level = observability.LevelError
	}
	r.emit(ctx, EventSagaComplete, level, data)
	return err
}
