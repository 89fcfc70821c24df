package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tailored-agentic-units/mediator/config"
	"github.com/tailored-agentic-units/mediator/container"
	"github.com/tailored-agentic-units/mediator/observability"
)

// ContextBuilder rebuilds a saga context from its persisted form.
type ContextBuilder[C any] func(map[string]any) (C, error)

// Recovery resumes or unwinds sagas interrupted by a crash.
type Recovery[C any] struct {
	saga     *Saga[C]
	storage  Storage
	resolver container.Resolver
	build    ContextBuilder[C]
	cfg      config.SagaConfig
	observer observability.Observer
}

func NewRecovery[C any](s *Saga[C], storage Storage, resolver container.Resolver, build ContextBuilder[C], cfg config.SagaConfig, opts ...Option) *Recovery[C] {
	o := newOptions(opts)
	return &Recovery[C]{
		saga:     s,
		storage:  storage,
		resolver: resolver,
		build:    build,
		cfg:      cfg,
		observer: o.observer,
	}
}

// Recover takes the saga's exclusive lock and drives it to a terminal
// status.
//
// PENDING and RUNNING sagas resume forward after the last completed act
// and return the results of the steps run now. A RUNNING saga whose last
// act was logged FAILED is unwound instead. COMPENSATING sagas compensate
// the completed steps not yet compensated and return nil results. COMPLETED
// and FAILED sagas return ErrNothingToRecover.
//
// A failed lock release is reported as EventReleaseFailed and joined into
// the returned error.
func (rc *Recovery[C]) Recover(ctx context.Context, sagaID string) (results []StepResult, err error) {
	state, err := rc.storage.LoadSagaState(ctx, sagaID, true)
	if err != nil {
		return nil, fmt.Errorf("failed to load saga %s: %w", sagaID, err)
	}
	defer func() {
		if rerr := rc.storage.ReleaseSaga(context.WithoutCancel(ctx), sagaID); rerr != nil {
			rc.observer.OnEvent(ctx, observability.Event{
				Type:      EventReleaseFailed,
				Level:     observability.LevelError,
				Timestamp: time.Now(),
				Source:    "saga.Recovery",
				Data: map[string]any{
					"saga_id": sagaID,
					"error":   rerr.Error(),
				},
			})
			err = errors.Join(err, fmt.Errorf("failed to release saga %s: %w", sagaID, rerr))
		}
	}()

	if state.Status.Terminal() {
		return nil, fmt.Errorf("%w: saga %s is %s", ErrNothingToRecover, sagaID, state.Status)
	}
	if state.Name != rc.saga.name {
		return nil, fmt.Errorf("%w: saga %s is %q, not %q", ErrSagaMismatch, sagaID, state.Name, rc.saga.name)
	}

	sagaCtx, err := rc.build(state.Context)
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild context of saga %s: %w", sagaID, err)
	}

	r := &run[C]{
		saga:        rc.saga,
		storage:     rc.storage,
		resolver:    rc.resolver,
		cfg:         rc.cfg,
		observer:    rc.observer,
		source:      "saga.Recovery",
		id:          sagaID,
		sagaCtx:     sagaCtx,
		status:      state.Status,
		compensated: make(map[string]bool),
	}
	failed := r.replay(state.History)

	start := time.Now()
	r.emit(ctx, EventRecoverStart, observability.LevelInfo, map[string]any{
		"status":    string(state.Status),
		"completed": len(r.completed),
	})

	switch {
	case state.Status == StatusCompensating:
		err = r.unwind(ctx)
	case failed != nil && state.Status == StatusRunning:
		err = r.abort(ctx, &StepError{SagaID: sagaID, Step: failed.StepName, Err: errors.New(failed.Detail)})
	default:
		results, err = rc.resume(ctx, r)
	}

	data := map[string]any{
		"status":   string(r.status),
		"resumed":  len(results),
		"duration": time.Since(start),
	}
	level := observability.LevelInfo
	if err != nil {
		data["error"] = err.Error()
		level = observability.LevelError
	}
	r.emit(ctx, EventRecoverComplete, level, data)
	return results, err
}

func (rc *Recovery[C]) resume(ctx context.Context, r *run[C]) ([]StepResult, error) {
	next := 0
	for _, c := range r.completed {
		i := rc.saga.index(c.step)
		if i < 0 {
			return nil, fmt.Errorf("%w: saga %s completed unknown step %s", ErrSagaMismatch, r.id, c.step)
		}
		next = max(next, i+1)
	}

	if r.status == StatusPending {
		if err := r.setStatus(ctx, StatusRunning); err != nil {
			return nil, err
		}
	}

	var results []StepResult
	err := r.forward(ctx, next, func(res StepResult, _ error) bool {
		results = append(results, res)
		return true
	})
	return results, err
}
