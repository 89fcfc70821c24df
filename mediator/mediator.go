// Package mediator routes requests to handlers, publishes the events they
// record and runs sagas, wiring storage, broker, circuit breaker and
// observer from configuration.
//
//	m, err := mediator.New(ctx, &cfg, c,
//		mediator.WithRequests(requests),
//		mediator.WithEvents(events),
//	)
//	receipt, err := mediator.As[*Receipt](m.Send(ctx, PlaceOrder{ID: "o-1"}))
package mediator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tailored-agentic-units/mediator/broker"
	"github.com/tailored-agentic-units/mediator/container"
	"github.com/tailored-agentic-units/mediator/event"
	"github.com/tailored-agentic-units/mediator/fallback"
	"github.com/tailored-agentic-units/mediator/observability"
	"github.com/tailored-agentic-units/mediator/saga"
)

// Option configures a Mediator. Options run before config-driven
// initialization; a subsystem set by an option is not created from config.
type Option func(*Mediator)

func WithRequests(r *RequestMap) Option {
	return func(m *Mediator) { m.requests = r }
}

func WithEvents(e *event.Map) Option {
	return func(m *Mediator) { m.events = e }
}

// WithStorage overrides the config-created saga storage.
func WithStorage(s saga.Storage) Option {
	return func(m *Mediator) { m.storage = s }
}

// WithBroker overrides the config-created broker.
func WithBroker(b broker.Broker) Option {
	return func(m *Mediator) { m.broker = b }
}

// WithObserver overrides the observer named in config.
func WithObserver(o observability.Observer) Option {
	return func(m *Mediator) { m.observer = o }
}

// WithMiddleware appends request middleware. The first is outermost.
func WithMiddleware(mw ...Middleware) Option {
	return func(m *Mediator) { m.middleware = append(m.middleware, mw...) }
}

// Mediator is the application entry point for requests, events and sagas.
type Mediator struct {
	cfg        Config
	resolver   container.Resolver
	requests   *RequestMap
	events     *event.Map
	storage    saga.Storage
	broker     broker.Broker
	observer   observability.Observer
	breaker    *fallback.Breaker
	processor  *event.Processor
	middleware []Middleware
	handle     HandleFunc
	closers    []func() error
}

// New creates a Mediator that resolves handlers, links and saga steps
// through resolver. Storage and broker connections named in cfg are opened
// here and closed by Close.
func New(ctx context.Context, cfg *Config, resolver container.Resolver, opts ...Option) (*Mediator, error) {
	m := &Mediator{cfg: *cfg, resolver: resolver}
	for _, opt := range opts {
		opt(m)
	}

	if m.requests == nil {
		m.requests = NewRequestMap()
	}
	if m.events == nil {
		m.events = event.NewMap()
	}

	if m.observer == nil {
		obs, err := observability.GetObserver(cfg.Observer)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve observer: %w", err)
		}
		m.observer = obs
	}

	if m.storage == nil {
		s, closeFn, err := OpenStorage(ctx, cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("failed to open storage: %w", err)
		}
		m.storage = s
		m.addCloser(closeFn)
	}

	if m.broker == nil {
		b, closeFn, err := OpenBroker(ctx, cfg.Broker)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("failed to open broker: %w", err)
		}
		m.broker = b
		m.addCloser(closeFn)
	}

	m.breaker = fallback.NewBreaker(
		fallback.SettingsFromConfig(&cfg.Breaker),
		fallback.WithObserver(m.observer),
	)

	eventOpts := []event.Option{event.WithObserver(m.observer)}
	if m.broker != nil {
		eventOpts = append(eventOpts, event.WithBroker(m.broker))
	}
	emitter := event.NewEmitter(m.events, resolver, eventOpts...)
	m.processor = event.NewProcessor(emitter, cfg.Events, eventOpts...)

	m.handle = chain(m.dispatch, m.middleware)
	return m, nil
}

// Breaker returns the circuit breaker built from the breaker config, for
// use in fallback bindings.
func (m *Mediator) Breaker() *fallback.Breaker {
	return m.breaker
}

func (m *Mediator) Storage() saga.Storage {
	return m.storage
}

func (m *Mediator) Observer() observability.Observer {
	return m.observer
}

// Send routes req to its bound handler through the middleware chain.
// Events recorded by the handlers that ran are published, with all their
// follow-ups, before Send returns.
func (m *Mediator) Send(ctx context.Context, req Request) (any, error) {
	return m.handle(ctx, req)
}

// Publish emits events and all their follow-ups.
func (m *Mediator) Publish(ctx context.Context, events ...event.Event) error {
	return m.processor.EmitEvents(ctx, events...)
}

// Close releases connections opened by New.
func (m *Mediator) Close() error {
	var errs []error
	for i := len(m.closers) - 1; i >= 0; i-- {
		if err := m.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	m.closers = nil
	return errors.Join(errs...)
}

func (m *Mediator) addCloser(fn func() error) {
	if fn != nil {
		m.closers = append(m.closers, fn)
	}
}

func (m *Mediator) dispatch(ctx context.Context, req Request) (any, error) {
	name := req.RequestName()
	b, ok := m.requests.lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnhandled, name)
	}

	var (
		resp    any
		err     error
		pending []event.Event
	)
	switch b.kind {
	case bindChain:
		resp, err = m.runChain(ctx, b.chain, req, &pending)
	case bindFallback:
		resp, err = m.runFallback(ctx, b.fallback, req, &pending, func(ctx context.Context, handler any, recorded *[]event.Event) (any, error) {
			return invoke(ctx, b.fallback.Primary+"/"+b.fallback.Fallback, handler, req, recorded)
		})
	default:
		resp, err = m.runHandler(ctx, b.key, req, &pending)
	}
	if err != nil {
		return nil, err
	}

	if err := m.processor.EmitEvents(ctx, pending...); err != nil {
		return resp, fmt.Errorf("request %s: failed to publish events: %w", name, err)
	}
	return resp, nil
}

func (m *Mediator) runHandler(ctx context.Context, key string, req Request, pending *[]event.Event) (any, error) {
	instance, err := m.resolver.Resolve(ctx, key)
	if err != nil {
		return nil, err
	}
	return invoke(ctx, key, instance, req, pending)
}

// runFallback dispatches through fb. Events recorded by a failed attempt are
// dropped; only the attempt that produced the response contributes to pending.
func (m *Mediator) runFallback(ctx context.Context, fb fallback.Fallback, req Request, pending *[]event.Event, call func(ctx context.Context, handler any, recorded *[]event.Event) (any, error)) (any, error) {
	result, err := fb.Invoke(ctx, m.resolver, func(ctx context.Context, handler any) (any, error) {
		var recorded []event.Event
		resp, err := call(ctx, handler, &recorded)
		if err == nil {
			*pending = append(*pending, recorded...)
		}
		return resp, err
	})
	if err != nil {
		return nil, err
	}

	if result.UsedFallback {
		m.observer.OnEvent(ctx, observability.Event{
			Type:      EventRequestFallback,
			Level:     observability.LevelWarning,
			Timestamp: time.Now(),
			Source:    "mediator.Send",
			Data: map[string]any{
				"request":  req.RequestName(),
				"primary":  fb.Primary,
				"fallback": fb.Fallback,
			},
		})
	}
	return result.Value, nil
}

// runChain resolves links lazily: a link after the one that handles the
// request is never resolved. A fallback link's failure includes any failure
// it returns from next.
func (m *Mediator) runChain(ctx context.Context, links []ChainLink, req Request, pending *[]event.Event) (any, error) {
	if len(links) == 0 {
		return nil, fmt.Errorf("%w: %s reached the end of its chain", ErrUnhandled, req.RequestName())
	}

	current, rest := links[0], links[1:]
	if current.Fallback != nil {
		return m.runFallback(ctx, *current.Fallback, req, pending, func(ctx context.Context, handler any, recorded *[]event.Event) (any, error) {
			next := func(ctx context.Context, req Request) (any, error) {
				return m.runChain(ctx, rest, req, recorded)
			}
			return handleLink(ctx, current.Fallback.Primary+"/"+current.Fallback.Fallback, handler, req, next, recorded)
		})
	}

	instance, err := m.resolver.Resolve(ctx, current.Key)
	if err != nil {
		return nil, err
	}
	next := func(ctx context.Context, req Request) (any, error) {
		return m.runChain(ctx, rest, req, pending)
	}
	return handleLink(ctx, current.Key, instance, req, next, pending)
}

func handleLink(ctx context.Context, key string, instance any, req Request, next HandleFunc, pending *[]event.Event) (any, error) {
	link, ok := instance.(Link)
	if !ok {
		return nil, fmt.Errorf("%w: %s is %T", ErrNotLink, key, instance)
	}
	resp, err := link.Handle(ctx, req, next)
	*pending = append(*pending, event.Take(link)...)
	return resp, err
}

func invoke(ctx context.Context, key string, instance any, req Request, pending *[]event.Event) (any, error) {
	h, ok := instance.(Handler)
	if !ok {
		return nil, fmt.Errorf("%w: %s is %T", ErrNotHandler, key, instance)
	}
	resp, err := h.Handle(ctx, req)
	*pending = append(*pending, event.Take(h)...)
	return resp, err
}
