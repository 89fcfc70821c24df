package event

import (
	"context"
	"sync"
)

// Handler processes one domain event.
type Handler interface {
	Handle(ctx context.Context, evt Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, evt Event) error

func (f HandlerFunc) Handle(ctx context.Context, evt Event) error {
	return f(ctx, evt)
}

// Source is implemented by handlers that produce follow-up events.
// TakeEvents returns the pending events and clears them, so a shared handler
// instance never hands the same event out twice.
type Source interface {
	TakeEvents() []Event
}

// Recorder is an embeddable Source.
//
//	type ReserveHandler struct {
//	    event.Recorder
//	}
//
//	func (h *ReserveHandler) Handle(ctx context.Context, evt event.Event) error {
//	    h.Record(event.NewDomainEvent("stock.reserved", nil))
//	    return nil
//	}
type Recorder struct {
	pending []Event
	mu      sync.Mutex
}

// Record queues events for the next TakeEvents.
func (r *Recorder) Record(events ...Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending = append(r.pending, events...)
}

func (r *Recorder) TakeEvents() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	events := r.pending
	r.pending = nil
	return events
}

// Take drains handler's pending events if it is a Source.
func Take(handler any) []Event {
	if src, ok := handler.(Source); ok {
		return src.TakeEvents()
	}
	return nil
}
