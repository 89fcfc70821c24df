package mediator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/tailored-agentic-units/mediator/observability"
	"github.com/tailored-agentic-units/mediator/saga"
)

// StreamSaga starts s as sagaID, or as a new random id when sagaID is
// empty, and returns the id with the step result stream. Nothing runs until
// the stream is iterated.
func StreamSaga[C any](ctx context.Context, m *Mediator, s *saga.Saga[C], sagaCtx C, sagaID string) (string, iter.Seq2[saga.StepResult, error]) {
	if sagaID == "" {
		sagaID = saga.NewID()
	}
	tx := saga.NewTransaction(s, m.storage, m.resolver, m.cfg.Saga, saga.WithObserver(m.observer))
	return sagaID, tx.Execute(ctx, sagaCtx, sagaID)
}

// RecoverSaga resumes or unwinds sagaID with the mediator's storage.
func RecoverSaga[C any](ctx context.Context, m *Mediator, s *saga.Saga[C], build saga.ContextBuilder[C], sagaID string) ([]saga.StepResult, error) {
	rc := saga.NewRecovery(s, m.storage, m.resolver, build, m.cfg.Saga, saga.WithObserver(m.observer))
	return rc.Recover(ctx, sagaID)
}

// RecoverPending recovers every unfinished execution of s and returns the
// ids it drove to a terminal status. A saga that fails and compensates
// during recovery counts as recovered. Run it at startup, before new
// executions of s begin: a saga another process is still executing would be
// resumed concurrently with it.
func RecoverPending[C any](ctx context.Context, m *Mediator, s *saga.Saga[C], build saga.ContextBuilder[C]) ([]string, error) {
	finder, ok := m.storage.(saga.Finder)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrNotFinder, m.storage)
	}

	ids, err := finder.FindSagas(ctx, saga.StatusPending, saga.StatusRunning, saga.StatusCompensating)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var (
		recovered []string
		errs      []error
	)
	for _, id := range ids {
		state, err := m.storage.LoadSagaState(ctx, id, false)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if state.Name != s.Name() {
			continue
		}

		_, err = RecoverSaga(ctx, m, s, build, id)
		var stepErr *saga.StepError
		switch {
		case err == nil, errors.As(err, &stepErr):
			recovered = append(recovered, id)
		case errors.Is(err, saga.ErrNothingToRecover):
		default:
			errs = append(errs, fmt.Errorf("saga %s: %w", id, err))
			m.observer.OnEvent(ctx, observability.Event{
				Type:      EventRecoverFailed,
				Level:     observability.LevelError,
				Timestamp: time.Now(),
				Source:    "mediator.RecoverPending",
				Data:      map[string]any{"saga_id": id, "saga": s.Name(), "error": err.Error()},
			})
		}
	}

	m.observer.OnEvent(ctx, observability.Event{
		Type:      EventRecoverSweep,
		Level:     observability.LevelInfo,
		Timestamp: time.Now(),
		Source:    "mediator.RecoverPending",
		Data: map[string]any{
			"saga":      s.Name(),
			"found":     len(ids),
			"recovered": len(recovered),
			"failed":    len(errs),
			"duration":  time.Since(start),
		},
	})
	return recovered, errors.Join(errs...)
}
