package event

import (
	"fmt"
	"slices"
	"sync"

	"github.com/tailored-agentic-units/mediator/fallback"
)

// Binding is one entry in a Map: a handler key or a fallback pair.
type Binding struct {
	Key      string
	Fallback *fallback.Fallback
}

// Name returns the key the binding is known by: the handler key or the
// fallback's primary key.
func (b Binding) Name() string {
	if b.Fallback != nil {
		return b.Fallback.Primary
	}
	return b.Key
}

// Map binds event names to handler bindings. Bind order is invocation order.
// A Map is built at bootstrap and read concurrently afterwards.
type Map struct {
	bindings map[string][]Binding
	mu       sync.RWMutex
}

func NewMap() *Map {
	return &Map{bindings: make(map[string][]Binding)}
}

// Bind appends handler keys for the event name.
func (m *Map) Bind(name string, keys ...string) *Map {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		m.bindings[name] = append(m.bindings[name], Binding{Key: key})
	}
	return m
}

// BindFallback appends a fallback-wrapped handler pair for the event name.
func (m *Map) BindFallback(name string, fb fallback.Fallback) error {
	if err := fb.Validate(); err != nil {
		return fmt.Errorf("event %s: %w", name, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.bindings[name] = append(m.bindings[name], Binding{Fallback: &fb})
	return nil
}

// Bindings returns a copy of the bindings for name in invocation order.
func (m *Map) Bindings(name string) []Binding {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return slices.Clone(m.bindings[name])
}

// Names returns the bound event names in sorted order.
func (m *Map) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.bindings))
	for name := range m.bindings {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
