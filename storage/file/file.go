// Package file provides a saga.Storage that keeps each saga as a JSON
// document under a root directory. Writes replace the document atomically
// through a temporary file and rename. Exclusive loads only exclude callers
// in the same process.
package file

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/tailored-agentic-units/mediator/internal/keylock"
	"github.com/tailored-agentic-units/mediator/saga"
)

const ext = ".json"

var ErrInvalidID = errors.New("invalid saga id")

type Storage struct {
	root  string
	mu    sync.RWMutex
	locks *keylock.Locker
}

// New creates a Storage rooted at root. The directory is created on first
// write.
func New(root string) *Storage {
	return &Storage{root: root, locks: keylock.New()}
}

func (s *Storage) CreateSaga(_ context.Context, id, name string, sagaCtx map[string]any) error {
	path, err := s.path(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", saga.ErrSagaExists, id)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to stat saga %s: %w", id, err)
	}

	now := time.Now().UTC()
	return s.write(path, &saga.State{
		ID:        id,
		Name:      name,
		Status:    saga.StatusPending,
		Context:   sagaCtx,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

func (s *Storage) UpdateContext(_ context.Context, id string, sagaCtx map[string]any) error {
	return s.update(id, func(st *saga.State) {
		st.Context = sagaCtx
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
	path, err := s.path(id)
	if err != nil {
		return saga.State{}, err
	}
	if _, err := s.load(path, id); err != nil {
		return saga.State{}, err
	}
	if exclusive {
		if err := s.locks.Lock(ctx, id); err != nil {
			return saga.State{}, fmt.Errorf("failed to lock saga %s: %w", id, err)
		}
	}

	st, err := s.load(path, id)
	if err != nil {
		if exclusive {
			s.locks.Unlock(id)
		}
		return saga.State{}, err
	}
	return *st, nil
}

func (s *Storage) ReleaseSaga(_ context.Context, id string) error {
	s.locks.Unlock(id)
	return nil
}

// FindSagas implements saga.Finder by scanning the root directory.
func (s *Storage) FindSagas(_ context.Context, statuses ...saga.Status) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dir, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list sagas: %w", err)
	}

	var found []*saga.State
	for _, d := range dir {
		name := d.Name()
		if d.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ext) {
			continue
		}
		st, err := s.read(filepath.Join(s.root, name), strings.TrimSuffix(name, ext))
		if err != nil {
			return nil, err
		}
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

func (s *Storage) path(id string) (string, error) {
	if id == "" || strings.HasPrefix(id, ".") || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return filepath.Join(s.root, id+ext), nil
}

func (s *Storage) update(id string, fn func(*saga.State)) error {
	path, err := s.path(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.read(path, id)
	if err != nil {
		return err
	}
	fn(st)
	st.UpdatedAt = time.Now().UTC()
	return s.write(path, st)
}

func (s *Storage) load(path, id string) (*saga.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read(path, id)
}

func (s *Storage) read(path, id string) (*saga.State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", saga.ErrSagaNotFound, id)
		}
		return nil, fmt.Errorf("failed to read saga %s: %w", id, err)
	}

	var st saga.State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to decode saga %s: %w", id, err)
	}
	return &st, nil
}

func (s *Storage) write(path string, st *saga.State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode saga %s: %w", st.ID, err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to save saga %s: %w", st.ID, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to save saga %s: %w", st.ID, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to save saga %s: %w", st.ID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to save saga %s: %w", st.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to save saga %s: %w", st.ID, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to save saga %s: %w", st.ID, err)
	}
	return nil
}
