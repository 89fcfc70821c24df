package event

import (
	"context"
	"fmt"
	"time"

	"github.com/tailored-agentic-units/mediator/broker"
	"github.com/tailored-agentic-units/mediator/container"
	"github.com/tailored-agentic-units/mediator/observability"
)

// Option configures an Emitter or a Processor.
type Option func(*options)

type options struct {
	broker   broker.Broker
	observer observability.Observer
}

func newOptions(opts []Option) options {
	o := options{observer: observability.NoOpObserver{}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithBroker sets the broker that receives notification events.
func WithBroker(b broker.Broker) Option {
	return func(o *options) { o.broker = b }
}

// WithObserver overrides the default NoOpObserver.
func WithObserver(obs observability.Observer) Option {
	return func(o *options) { o.observer = obs }
}

// Emitter dispatches a single event.
type Emitter struct {
	events   *Map
	resolver container.Resolver
	broker   broker.Broker
	observer observability.Observer
}

// NewEmitter creates an Emitter that resolves the handlers bound in events
// through resolver.
func NewEmitter(events *Map, resolver container.Resolver, opts ...Option) *Emitter {
	o := newOptions(opts)
	return &Emitter{
		events:   events,
		resolver: resolver,
		broker:   o.broker,
		observer: o.observer,
	}
}

// Emit dispatches evt and returns the follow-up events its handlers recorded.
//
// Notification events go to the broker and never produce follow-ups; with no
// broker configured Emit returns ErrBrokerUnavailable. Domain events run the
// bound handlers one after another in bind order. An event with no bound
// handlers is reported as EventUnhandled and yields nothing. The first
// handler error stops the dispatch.
func (e *Emitter) Emit(ctx context.Context, evt Event) ([]Event, error) {
	if n, ok := evt.(Notification); ok {
		return nil, e.notify(ctx, n)
	}

	bindings := e.events.Bindings(evt.EventName())
	if len(bindings) == 0 {
		e.observer.OnEvent(ctx, observability.Event{
			Type:      EventUnhandled,
			Level:     observability.LevelWarning,
			Timestamp: time.Now(),
			Source:    "event.Emitter",
			Data: map[string]any{
				"event_name": evt.EventName(),
				"event_id":   evt.EventID(),
			},
		})
		return nil, nil
	}

	var followUps []Event
	for _, b := range bindings {
		produced, err := e.dispatch(ctx, b, evt)
		if err != nil {
			return nil, fmt.Errorf("event %s handler %s: %w", evt.EventName(), b.Name(), err)
		}
		followUps = append(followUps, produced...)
	}

	e.observer.OnEvent(ctx, observability.Event{
		Type:      EventHandled,
		Level:     observability.LevelVerbose,
		Timestamp: time.Now(),
		Source:    "event.Emitter",
		Data: map[string]any{
			"event_name": evt.EventName(),
			"event_id":   evt.EventID(),
			"handlers":   len(bindings),
			"follow_ups": len(followUps),
		},
	})

	return followUps, nil
}

func (e *Emitter) dispatch(ctx context.Context, b Binding, evt Event) ([]Event, error) {
	if b.Fallback == nil {
		handler, err := e.resolver.Resolve(ctx, b.Key)
		if err != nil {
			return nil, err
		}
		return handle(ctx, handler, evt)
	}

	res, err := b.Fallback.Invoke(ctx, e.resolver, func(ctx context.Context, handler any) (any, error) {
		return handle(ctx, handler, evt)
	})
	if res.UsedFallback {
		e.observer.OnEvent(ctx, observability.Event{
			Type:      EventFallback,
			Level:     observability.LevelWarning,
			Timestamp: time.Now(),
			Source:    "event.Emitter",
			Data: map[string]any{
				"event_name": evt.EventName(),
				"primary":    b.Fallback.Primary,
				"fallback":   b.Fallback.Fallback,
				"failed":     err != nil,
			},
		})
	}
	if err != nil {
		return nil, err
	}

	produced, _ := res.Value.([]Event)
	return produced, nil
}

func handle(ctx context.Context, handler any, evt Event) ([]Event, error) {
	h, ok := handler.(Handler)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrNotHandler, handler)
	}
	err := h.Handle(ctx, evt)
	produced := Take(handler)
	if err != nil {
		return nil, err
	}
	return produced, nil
}

func (e *Emitter) notify(ctx context.Context, n Notification) error {
	if e.broker == nil {
		return fmt.Errorf("%w: %s", ErrBrokerUnavailable, n.EventName())
	}

	msg := broker.Message{
		Name:    n.EventName(),
		ID:      n.EventID(),
		Topic:   n.EventTopic(),
		Payload: n.EventPayload(),
	}
	if err := e.broker.Send(ctx, msg); err != nil {
		return fmt.Errorf("failed to send %s to %s: %w", msg.Name, msg.Topic, err)
	}

	e.observer.OnEvent(ctx, observability.Event{
		Type:      EventNotify,
		Level:     observability.LevelVerbose,
		Timestamp: time.Now(),
		Source:    "event.Emitter",
		Data: map[string]any{
			"event_name": msg.Name,
			"event_id":   msg.ID,
			"topic":      msg.Topic,
		},
	})
	return nil
}
