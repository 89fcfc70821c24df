// Package container resolves handler instances by a stable string key.
//
// Dispatch points (request mediator, event emitter, saga steps, fallback
// wrappers) depend only on the Resolver port. Container is the built-in
// implementation: an explicit registry of factories populated at bootstrap.
// Applications with their own DI framework implement Resolver instead.
package container

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Resolver returns a handler instance for key.
type Resolver interface {
	Resolve(ctx context.Context, key string) (any, error)
}

// Factory builds a handler instance. It is called on every resolution, so
// returning a fresh value gives per-dispatch handlers.
type Factory func(ctx context.Context) (any, error)

// Container is a concurrency-safe Resolver backed by a factory map.
type Container struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

// New returns an empty Container.
func New() *Container {
	return &Container{factories: make(map[string]Factory)}
}

// Register adds a factory under key. Returns ErrAlreadyExists if the key is
// taken; use Replace to swap an existing factory.
func (c *Container) Register(key string, factory Factory) error {
	if key == "" {
		return ErrEmptyKey
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.factories[key]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, key)
	}
	c.factories[key] = factory
	return nil
}

// Replace swaps the factory of an already registered key.
func (c *Container) Replace(key string, factory Factory) error {
	if key == "" {
		return ErrEmptyKey
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.factories[key]; !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	c.factories[key] = factory
	return nil
}

// Singleton registers a shared instance returned on every resolution.
func (c *Container) Singleton(key string, instance any) error {
	return c.Register(key, func(context.Context) (any, error) {
		return instance, nil
	})
}

// Transient registers a constructor called on every resolution.
func Transient[T any](c *Container, key string, build func() T) error {
	return c.Register(key, func(context.Context) (any, error) {
		return build(), nil
	})
}

func (c *Container) Resolve(ctx context.Context, key string) (any, error) {
	c.mu.RLock()
	factory, exists := c.factories[key]
	c.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	instance, err := factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to build handler %s: %w", key, err)
	}
	return instance, nil
}

// Keys returns the registered keys in sorted order.
func (c *Container) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.factories))
	for k := range c.factories {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Resolve resolves key through r and asserts the result to T.
func Resolve[T any](ctx context.Context, r Resolver, key string) (T, error) {
	var zero T

	instance, err := r.Resolve(ctx, key)
	if err != nil {
		return zero, err
	}

	typed, ok := instance.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s is %T", ErrTypeMismatch, key, instance)
	}
	return typed, nil
}
