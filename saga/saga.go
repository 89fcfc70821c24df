// Package saga runs multi-step transactions with compensating actions.
//
// A Saga is an ordered list of step keys resolved through a
// container.Resolver at execution time. A Transaction executes it once,
// checkpointing every status change, step log entry and context update to a
// Storage so that a Recovery can resume or unwind it after a crash.
//
// Compensation follows strict backward recovery: once any act fails, the
// saga compensates every completed step in reverse completion order and
// ends FAILED. No forward act runs after compensation starts.
package saga

import (
	"context"
	"fmt"

	"github.com/tailored-agentic-units/mediator/fallback"
)

// Step is one unit of saga work. C is the saga context, typically a pointer
// to a struct that steps read and mutate.
//
// Compensate must be idempotent: recovery may run it again for a step whose
// compensation was interrupted before it was logged.
type Step[C any] interface {
	Act(ctx context.Context, sagaCtx C) (any, error)
	Compensate(ctx context.Context, sagaCtx C) error
}

type binding struct {
	key      string
	fallback *fallback.Fallback
}

// name is the primary key; logs and results use it regardless of which
// handler ran.
func (b binding) name() string {
	if b.fallback != nil {
		return b.fallback.Primary
	}
	return b.key
}

// Saga is a named, ordered list of step bindings.
type Saga[C any] struct {
	name  string
	steps []binding
}

func New[C any](name string) *Saga[C] {
	return &Saga[C]{name: name}
}

// Step appends steps resolved by key.
func (s *Saga[C]) Step(keys ...string) *Saga[C] {
	for _, key := range keys {
		s.steps = append(s.steps, binding{key: key})
	}
	return s
}

// FallbackStep appends a step whose act runs fb.Primary and switches to
// fb.Fallback on a triggering error or an open circuit.
func (s *Saga[C]) FallbackStep(fb fallback.Fallback) *Saga[C] {
	s.steps = append(s.steps, binding{fallback: &fb})
	return s
}

func (s *Saga[C]) Name() string {
	return s.name
}

// Steps returns the step names in execution order.
func (s *Saga[C]) Steps() []string {
	names := make([]string, len(s.steps))
	for i, b := range s.steps {
		names[i] = b.name()
	}
	return names
}

// Validate rejects unnamed or empty sagas, blank keys, invalid fallbacks
// and duplicate step names.
func (s *Saga[C]) Validate() error {
	if s.name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidSaga)
	}
	if len(s.steps) == 0 {
		return fmt.Errorf("%w: %s has no steps", ErrInvalidSaga, s.name)
	}

	seen := make(map[string]bool, len(s.steps))
	for i, b := range s.steps {
		if b.fallback != nil {
			if err := b.fallback.Validate(); err != nil {
				return fmt.Errorf("%w: %s step %d: %v", ErrInvalidSaga, s.name, i, err)
			}
		}
		name := b.name()
		if name == "" {
			return fmt.Errorf("%w: %s step %d has no key", ErrInvalidSaga, s.name, i)
		}
		if seen[name] {
			return fmt.Errorf("%w: %s has duplicate step %s", ErrInvalidSaga, s.name, name)
		}
		seen[name] = true
	}
	return nil
}

func (s *Saga[C]) index(name string) int {
	for i, b := range s.steps {
		if b.name() == name {
			return i
		}
	}
	return -1
}
