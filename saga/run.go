package saga

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tailored-agentic-units/mediator/config"
	"github.com/tailored-agentic-units/mediator/container"
	"github.com/tailored-agentic-units/mediator/observability"
)

const fallbackPrefix = "fallback:"

// errStopped ends a run whose consumer stopped iterating.
var errStopped = errors.New("saga iteration stopped")

// Option configures a Transaction or a Recovery.
type Option func(*options)

type options struct {
	observer observability.Observer
}

func newOptions(opts []Option) options {
	o := options{observer: observability.NoOpObserver{}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithObserver overrides the default NoOpObserver.
func WithObserver(obs observability.Observer) Option {
	return func(o *options) { o.observer = obs }
}

type completion struct {
	step    string
	handler string
}

// run is the execution state shared by Transaction and Recovery.
type run[C any] struct {
	saga     *Saga[C]
	storage  Storage
	resolver container.Resolver
	cfg      config.SagaConfig
	observer observability.Observer
	source   string

	id          string
	sagaCtx     C
	status      Status
	completed   []completion
	compensated map[string]bool
}

func (r *run[C]) emit(ctx context.Context, typ observability.EventType, level observability.Level, data map[string]any) {
	if data == nil {
		data = make(map[string]any, 2)
	}
	data["saga_id"] = r.id
	data["saga"] = r.saga.name
	r.observer.OnEvent(ctx, observability.Event{
		Type:      typ,
		Level:     level,
		Timestamp: time.Now(),
		Source:    r.source,
		Data:      data,
	})
}

func (r *run[C]) log(ctx context.Context, step string, action Action, status StepStatus, detail string) error {
	err := r.storage.LogStep(ctx, LogEntry{
		SagaID:    r.id,
		StepName:  step,
		Action:    action,
		Status:    status,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to log %s %s %s: %w", step, action, status, err)
	}
	return nil
}

func (r *run[C]) setStatus(ctx context.Context, next Status) error {
	if !r.status.CanTransition(next) {
		return fmt.Errorf("%w: saga %s %s -> %s", ErrInvalidTransition, r.id, r.status, next)
	}
	if err := r.storage.UpdateStatus(ctx, r.id, next); err != nil {
		return fmt.Errorf("failed to checkpoint saga %s status %s: %w", r.id, next, err)
	}

	r.emit(ctx, EventStatus, observability.LevelVerbose, map[string]any{
		"from": string(r.status),
		"to":   string(next),
	})
	r.status = next
	return nil
}

func (r *run[C]) resolveStep(ctx context.Context, key string) (Step[C], error) {
	instance, err := r.resolver.Resolve(ctx, key)
	if err != nil {
		return nil, err
	}
	step, ok := instance.(Step[C])
	if !ok {
		return nil, fmt.Errorf("%w: %s is %T", ErrNotStep, key, instance)
	}
	return step, nil
}

// act runs the forward action of b and returns the key of the handler that
// produced the response.
func (r *run[C]) act(ctx context.Context, b binding) (any, string, error) {
	if b.fallback == nil {
		step, err := r.resolveStep(ctx, b.key)
		if err != nil {
			return nil, b.key, err
		}
		response, err := step.Act(ctx, r.sagaCtx)
		return response, b.key, err
	}

	result, err := b.fallback.Invoke(ctx, r.resolver, func(ctx context.Context, handler any) (any, error) {
		step, ok := handler.(Step[C])
		if !ok {
			return nil, fmt.Errorf("%w: %T", ErrNotStep, handler)
		}
		return step.Act(ctx, r.sagaCtx)
	})
	if err != nil {
		return nil, b.fallback.Primary, err
	}
	return result.Value, result.Handler, nil
}

// forward runs steps from index from onward, yielding each result. It
// returns errStopped if the consumer stops early, a *StepError if a step
// failed and compensation ran, or a storage error.
func (r *run[C]) forward(ctx context.Context, from int, yield func(StepResult, error) bool) error {
	for _, b := range r.saga.steps[from:] {
		if r.status != StatusRunning {
			return fmt.Errorf("%w: saga %s is %s", ErrForwardDisabled, r.id, r.status)
		}

		name := b.name()
		if err := r.log(ctx, name, ActionAct, StepStarted, ""); err != nil {
			return err
		}

		start := time.Now()
		response, handler, err := r.act(ctx, b)
		if err != nil {
			r.emit(ctx, EventStepFailed, observability.LevelWarning, map[string]any{
				"step":  name,
				"error": err.Error(),
			})
			return r.fail(ctx, name, err)
		}

		var detail string
		if handler != name {
			detail = fallbackPrefix + handler
			r.emit(ctx, EventStepFallback, observability.LevelWarning, map[string]any{
				"step":     name,
				"fallback": handler,
			})
		}
		if err := r.log(ctx, name, ActionAct, StepCompleted, detail); err != nil {
			return err
		}
		if err := r.checkpointContext(ctx); err != nil {
			return err
		}
		r.completed = append(r.completed, completion{step: name, handler: handler})

		r.emit(ctx, EventStepComplete, observability.LevelInfo, map[string]any{
			"step":     name,
			"handler":  handler,
			"duration": time.Since(start),
		})

		if !yield(StepResult{Step: name, Response: response}, nil) {
			return errStopped
		}
	}
	return r.setStatus(ctx, StatusCompleted)
}

func (r *run[C]) checkpointContext(ctx context.Context) error {
	m, err := ToMap(r.sagaCtx)
	if err != nil {
		return err
	}
	if err := r.storage.UpdateContext(ctx, r.id, m); err != nil {
		return fmt.Errorf("failed to checkpoint saga %s context: %w", r.id, err)
	}
	return nil
}

// fail records the failed act and unwinds the saga.
func (r *run[C]) fail(ctx context.Context, step string, cause error) error {
	stepErr := &StepError{SagaID: r.id, Step: step, Err: cause}
	if err := r.log(ctx, step, ActionAct, StepFailed, cause.Error()); err != nil {
		return errors.Join(stepErr, err)
	}
	return r.abort(ctx, stepErr)
}

// abort moves a RUNNING saga through compensation to FAILED and returns
// stepErr, joined with any storage error that interrupted the unwind.
func (r *run[C]) abort(ctx context.Context, stepErr *StepError) error {
	if err := r.setStatus(ctx, StatusCompensating); err != nil {
		return errors.Join(stepErr, err)
	}
	if err := r.unwind(ctx); err != nil {
		return errors.Join(stepErr, err)
	}
	return stepErr
}

// unwind compensates and moves a COMPENSATING saga to FAILED.
func (r *run[C]) unwind(ctx context.Context) error {
	if err := r.compensate(ctx); err != nil {
		return err
	}
	return r.setStatus(ctx, StatusFailed)
}

// compensate runs compensation for completed steps in reverse completion
// order, skipping steps already compensated. Exhausted retries are reported
// and the loop moves on; only storage errors stop it.
func (r *run[C]) compensate(ctx context.Context) error {
	for i := len(r.completed) - 1; i >= 0; i-- {
		c := r.completed[i]
		if r.compensated[c.step] {
			continue
		}

		err := r.compensateStep(ctx, c)
		var exhausted *CompensationError
		switch {
		case errors.As(err, &exhausted):
			r.emit(ctx, EventCompensateExhaust, observability.LevelError, map[string]any{
				"step":     c.step,
				"attempts": exhausted.Attempts,
				"error":    exhausted.Err.Error(),
			})
		case err != nil:
			return err
		default:
			r.compensated[c.step] = true
			r.emit(ctx, EventCompensateStep, observability.LevelInfo, map[string]any{
				"step":    c.step,
				"handler": c.handler,
			})
		}
	}
	return nil
}

func (r *run[C]) compensateStep(ctx context.Context, c completion) error {
	if err := r.log(ctx, c.step, ActionCompensate, StepStarted, ""); err != nil {
		return err
	}

	attempts := max(r.cfg.CompensationRetryCount, 1)
	var cause error
	for attempt := 1; attempt <= attempts; attempt++ {
		cause = r.compensateOnce(ctx, c.handler)
		if cause == nil {
			return r.log(ctx, c.step, ActionCompensate, StepCompleted, "")
		}

		detail := fmt.Sprintf("attempt %d/%d: %v", attempt, attempts, cause)
		if err := r.log(ctx, c.step, ActionCompensate, StepFailed, detail); err != nil {
			return err
		}
		if attempt == attempts {
			break
		}

		delay := r.cfg.RetryDelay(attempt)
		r.emit(ctx, EventCompensateRetry, observability.LevelWarning, map[string]any{
			"step":    c.step,
			"attempt": attempt,
			"delay":   delay,
			"error":   cause.Error(),
		})
		if err := sleep(ctx, delay); err != nil {
			cause = err
			break
		}
	}

	return &CompensationError{SagaID: r.id, Step: c.step, Attempts: attempts, Err: cause}
}

func (r *run[C]) compensateOnce(ctx context.Context, key string) error {
	step, err := r.resolveStep(ctx, key)
	if err != nil {
		return err
	}
	return step.Compensate(ctx, r.sagaCtx)
}

// replay rebuilds completion order and compensation progress from history.
// It returns the last act failure not followed by another act entry, if any.
func (r *run[C]) replay(history []LogEntry) (failed *LogEntry) {
	r.completed = r.completed[:0]
	done := make(map[string]bool)

	for i := range history {
		e := history[i]
		switch e.Action {
		case ActionAct:
			failed = nil
			switch e.Status {
			case StepCompleted:
				if done[e.StepName] {
					continue
				}
				done[e.StepName] = true
				handler := e.StepName
				if key, ok := strings.CutPrefix(e.Detail, fallbackPrefix); ok {
					handler = key
				}
				r.completed = append(r.completed, completion{step: e.StepName, handler: handler})
			case StepFailed:
				failed = &history[i]
			}
		case ActionCompensate:
			if e.Status == StepCompleted {
				r.compensated[e.StepName] = true
			}
		}
	}
	return failed
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
