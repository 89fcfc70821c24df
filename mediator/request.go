package mediator

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/tailored-agentic-units/mediator/fallback"
)

// Request is a command or query routed by its stable name.
type Request interface {
	RequestName() string
}

// Handler handles one request type.
type Handler interface {
	Handle(ctx context.Context, req Request) (any, error)
}

// HandleFunc is the signature shared by handlers, chain continuations and
// middleware.
type HandleFunc func(ctx context.Context, req Request) (any, error)

func (f HandleFunc) Handle(ctx context.Context, req Request) (any, error) {
	return f(ctx, req)
}

// Link is one handler in a chain of responsibility. It either handles the
// request or passes it on by calling next.
type Link interface {
	Handle(ctx context.Context, req Request, next HandleFunc) (any, error)
}

type bindingKind int

const (
	bindHandler bindingKind = iota
	bindFallback
	bindChain
)

// ChainLink is one position in a chain of responsibility: either the key of
// a Link, or a Fallback whose primary and fallback keys both resolve to Links.
type ChainLink struct {
	Key      string
	Fallback *fallback.Fallback
}

// LinkKey is a chain position served by the Link registered under key.
func LinkKey(key string) ChainLink {
	return ChainLink{Key: key}
}

// LinkFallback is a chain position served through fb.
func LinkFallback(fb fallback.Fallback) ChainLink {
	return ChainLink{Fallback: &fb}
}

type requestBinding struct {
	kind     bindingKind
	key      string
	fallback fallback.Fallback
	chain    []ChainLink
}

// RequestMap binds request names to handler keys.
type RequestMap struct {
	mu       sync.RWMutex
	bindings map[string]requestBinding
}

func NewRequestMap() *RequestMap {
	return &RequestMap{bindings: make(map[string]requestBinding)}
}

// Bind routes name to the handler registered under key.
func (m *RequestMap) Bind(name, key string) error {
	if key == "" {
		return fmt.Errorf("%w: %s has no handler key", ErrInvalidBinding, name)
	}
	return m.set(name, requestBinding{kind: bindHandler, key: key})
}

// BindFallback routes name through fb.
func (m *RequestMap) BindFallback(name string, fb fallback.Fallback) error {
	if err := fb.Validate(); err != nil {
		return err
	}
	return m.set(name, requestBinding{kind: bindFallback, key: fb.Primary, fallback: fb})
}

// BindChain routes name through the Links registered under keys, in order.
func (m *RequestMap) BindChain(name string, keys ...string) error {
	links := make([]ChainLink, len(keys))
	for i, key := range keys {
		links[i] = LinkKey(key)
	}
	return m.BindChainLinks(name, links...)
}

// BindChainLinks routes name through links in order. A link built with
// LinkFallback switches to its fallback Link when the primary fails with a
// trigger error or its circuit is open.
func (m *RequestMap) BindChainLinks(name string, links ...ChainLink) error {
	if len(links) == 0 {
		return fmt.Errorf("%w: %s has an empty chain", ErrInvalidBinding, name)
	}
	for i, l := range links {
		switch {
		case l.Fallback != nil:
			if err := l.Fallback.Validate(); err != nil {
				return fmt.Errorf("%w: %s link %d: %v", ErrInvalidBinding, name, i, err)
			}
		case l.Key == "":
			return fmt.Errorf("%w: %s link %d has no key", ErrInvalidBinding, name, i)
		}
	}
	return m.set(name, requestBinding{kind: bindChain, chain: slices.Clone(links)})
}

// Names returns the bound request names in sorted order.
func (m *RequestMap) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.bindings))
	for name := range m.bindings {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *RequestMap) set(name string, b requestBinding) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.bindings[name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyBound, name)
	}
	m.bindings[name] = b
	return nil
}

func (m *RequestMap) lookup(name string) (requestBinding, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.bindings[name]
	return b, ok
}

// As asserts a Send response to R. It is meant to wrap the call directly:
//
//	receipt, err := mediator.As[*Receipt](m.Send(ctx, req))
func As[R any](resp any, err error) (R, error) {
	var zero R
	if err != nil {
		return zero, err
	}
	typed, ok := resp.(R)
	if !ok {
		return zero, fmt.Errorf("%w: got %T, want %T", ErrResponseType, resp, zero)
	}
	return typed, nil
}
