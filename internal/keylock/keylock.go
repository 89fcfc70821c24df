// Package keylock provides a context-aware mutex per string key.
package keylock

import (
	"context"
	"sync"
)

type entry struct {
	ch   chan struct{}
	refs int
}

// Locker holds one lock per key. Entries exist only while a key is held
// or awaited. The zero value is not usable; call New.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*entry
}

func New() *Locker {
	return &Locker{locks: make(map[string]*entry)}
}

// Lock blocks until key is acquired or ctx ends.
func (l *Locker) Lock(ctx context.Context, key string) error {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		l.drop(key, e)
		l.mu.Unlock()
		return ctx.Err()
	}
}

// Unlock releases key. Unlocking a key that is not held is a no-op.
func (l *Locker) Unlock(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.locks[key]
	if !ok {
		return
	}
	select {
	case <-e.ch:
		l.drop(key, e)
	default:
	}
}

// drop must be called with l.mu held.
func (l *Locker) drop(key string, e *entry) {
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}
