// Package memory provides a process-local saga.Storage. State is lost when
// the process exits; exclusive loads only exclude callers in the same
// process.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/tailored-agentic-units/mediator/internal/keylock"
	"github.com/tailored-agentic-units/mediator/saga"
)

type Storage struct {
	mu    sync.RWMutex
	sagas map[string]*saga.State
	locks *keylock.Locker
}

func New() *Storage {
	return &Storage{
		sagas: make(map[string]*saga.State),
		locks: keylock.New(),
	}
}

func (s *Storage) CreateSaga(_ context.Context, id, name string, sagaCtx map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sagas[id]; exists {
		return fmt.Errorf("%w: %s", saga.ErrSagaExists, id)
	}

	now := time.Now().UTC()
	s.sagas[id] = &saga.State{
		ID:        id,
		Name:      name,
		Status:    saga.StatusPending,
		Context:   maps.Clone(sagaCtx),
		CreatedAt: now,
		UpdatedAt: now,
	}
	return nil
}

func (s *Storage) UpdateContext(_ context.Context, id string, sagaCtx map[string]any) error {
	return s.update(id, func(st *saga.State) {
		st.Context = maps.Clone(sagaCtx)
	})
}

func (s *Storage) UpdateStatus(_ context.Context, id string, status saga.Status) error {
	return s.update(id, func(st *saga.State) {
		st.Status = status
	})
}

func (s *Storage) LogStep(_ context.Context, entry saga.LogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	return s.update(entry.SagaID, func(st *saga.State) {
		st.History = append(st.History, entry)
	})
}

func (s *Storage) LoadSagaState(ctx context.Context, id string, exclusive bool) (saga.State, error) {
	if _, err := s.snapshot(id); err != nil {
		return saga.State{}, err
	}
	if exclusive {
		if err := s.locks.Lock(ctx, id); err != nil {
			return saga.State{}, fmt.Errorf("failed to lock saga %s: %w", id, err)
		}
	}
	return s.snapshot(id)
}

func (s *Storage) ReleaseSaga(_ context.Context, id string) error {
	s.locks.Unlock(id)
	return nil
}

// FindSagas implements saga.Finder.
func (s *Storage) FindSagas(_ context.Context, statuses ...saga.Status) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found []*saga.State
	for _, st := range s.sagas {
		if slices.Contains(statuses, st.Status) {
			found = append(found, st)
		}
	}
	slices.SortFunc(found, func(a, b *saga.State) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	ids := make([]string, len(found))
	for i, st := range found {
		ids[i] = st.ID
	}
	return ids, nil
}

func (s *Storage) update(id string, fn func(*saga.State)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, exists := s.sagas[id]
	if !exists {
		return fmt.Errorf("%w: %s", saga.ErrSagaNotFound, id)
	}
	fn(st)
	st.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Storage) snapshot(id string) (saga.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, exists := s.sagas[id]
	if !exists {
		return saga.State{}, fmt.Errorf("%w: %s", saga.ErrSagaNotFound, id)
	}

	out := *st
	out.Context = maps.Clone(st.Context)
	out.History = slices.Clone(st.History)
	return out, nil
}
