package event_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tailored-agentic-units/mediator/config"
	"github.com/tailored-agentic-units/mediator/container"
	"github.com/tailored-agentic-units/mediator/event"
)

// trackingDispatcher records emit order and the peak number of concurrent
// emits. follow maps an event name to the names of its follow-ups.
type trackingDispatcher struct {
	follow   map[string][]string
	delay    time.Duration
	failOn   string
	mu       sync.Mutex
	order    []string
	inFlight atomic.Int32
	peak     atomic.Int32
	calls    atomic.Int32
}

var errDispatch = errors.New("dispatch failed")

func (d *trackingDispatcher) Emit(ctx context.Context, evt event.Event) ([]event.Event, error) {
	d.calls.Add(1)
	n := d.inFlight.Add(1)
	defer d.inFlight.Add(-1)
	for {
		p := d.peak.Load()
		if n <= p || d.peak.CompareAndSwap(p, n) {
			break
		}
	}

	if d.delay > 0 {
		time.Sleep(d.delay)
	}

	d.mu.Lock()
	d.order = append(d.order, evt.EventName())
	d.mu.Unlock()

	if evt.EventName() == d.failOn {
		return nil, errDispatch
	}

	var out []event.Event
	for _, name := range d.follow[evt.EventName()] {
		out = append(out, event.NewDomainEvent(name, nil))
	}
	return out, nil
}

func (d *trackingDispatcher) emitted() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.order)
}

func domainEvents(names ...string) []event.Event {
	events := make([]event.Event, len(names))
	for i, name := range names {
		events[i] = event.NewDomainEvent(name, nil)
	}
	return events
}

func modes() map[string]config.EventsConfig {
	return map[string]config.EventsConfig{
		"sequential": {Concurrent: false, MaxConcurrentHandlers: 1},
		"concurrent": {Concurrent: true, MaxConcurrentHandlers: 3},
	}
}

func TestProcessor_FollowUpChain(t *testing.T) {
	for name, cfg := range modes() {
		t.Run(name, func(t *testing.T) {
			d := &trackingDispatcher{follow: map[string][]string{"A": {"B"}, "B": {"C"}}}
			p := event.NewProcessor(d, cfg)

			if err := p.EmitEvents(context.Background(), domainEvents("A")...); err != nil {
				t.Fatalf("EmitEvents error = %v", err)
			}

			if got := d.calls.Load(); got != 3 {
				t.Errorf("emit calls = %d, want 3", got)
			}
			if got := d.emitted(); !slices.Equal(got, []string{"A", "B", "C"}) {
				t.Errorf("emit order = %v, want [A B C]", got)
			}
		})
	}
}

func TestProcessor_SequentialFIFO(t *testing.T) {
	d := &trackingDispatcher{follow: map[string][]string{"A": {"A1", "A2"}, "B": {"B1"}, "A1": {"A1x"}}}
	p := event.NewProcessor(d, config.EventsConfig{})

	if err := p.EmitEvents(context.Background(), domainEvents("A", "B")...); err != nil {
		t.Fatalf("EmitEvents error = %v", err)
	}

	want := []string{"A", "B", "A1", "A2", "B1", "A1x"}
	if got := d.emitted(); !slices.Equal(got, want) {
		t.Errorf("emit order = %v, want %v", got, want)
	}
}

func TestProcessor_ConcurrencyCeiling(t *testing.T) {
	d := &trackingDispatcher{delay: 20 * time.Millisecond}
	p := event.NewProcessor(d, config.EventsConfig{Concurrent: true, MaxConcurrentHandlers: 2})

	if err := p.EmitEvents(context.Background(), domainEvents("e1", "e2", "e3", "e4", "e5")...); err != nil {
		t.Fatalf("EmitEvents error = %v", err)
	}

	if got := d.calls.Load(); got != 5 {
		t.Errorf("emit calls = %d, want 5", got)
	}
	if got := d.peak.Load(); got > 2 {
		t.Errorf("peak in-flight emits = %d, want <= 2", got)
	}
	if got := d.inFlight.Load(); got != 0 {
		t.Errorf("in-flight after return = %d, want 0", got)
	}
}

func TestProcessor_ConcurrentFanOut(t *testing.T) {
	d := &trackingDispatcher{
		delay:  5 * time.Millisecond,
		follow: map[string][]string{"root": {"a", "b", "c"}, "a": {"a1"}, "b": {"b1", "b2"}},
	}
	p := event.NewProcessor(d, config.EventsConfig{Concurrent: true, MaxConcurrentHandlers: 2})

	if err := p.EmitEvents(context.Background(), domainEvents("root")...); err != nil {
		t.Fatalf("EmitEvents error = %v", err)
	}

	got := d.emitted()
	slices.Sort(got)
	want := []string{"a", "a1", "b", "b1", "b2", "c", "root"}
	if !slices.Equal(got, want) {
		t.Errorf("emitted = %v, want %v", got, want)
	}
}

func TestProcessor_Errors(t *testing.T) {
	for name, cfg := range modes() {
		t.Run(name, func(t *testing.T) {
			d := &trackingDispatcher{failOn: "B", follow: map[string][]string{"A": {"B"}}}
			p := event.NewProcessor(d, cfg)

			err := p.EmitEvents(context.Background(), domainEvents("A")...)
			if !errors.Is(err, errDispatch) {
				t.Errorf("EmitEvents error = %v, want errDispatch", err)
			}
		})
	}
}

func TestProcessor_EventLimit(t *testing.T) {
	for name, cfg := range modes() {
		t.Run(name, func(t *testing.T) {
			cfg.MaxEvents = 10
			d := &trackingDispatcher{follow: map[string][]string{"loop": {"loop"}}}
			p := event.NewProcessor(d, cfg)

			err := p.EmitEvents(context.Background(), domainEvents("loop")...)
			if !errors.Is(err, event.ErrEventLimit) {
				t.Fatalf("EmitEvents error = %v, want ErrEventLimit", err)
			}
			if got := d.calls.Load(); got != 10 {
				t.Errorf("emit calls = %d, want 10", got)
			}
		})
	}
}

func TestProcessor_WithEmitter(t *testing.T) {
	var log []string
	var mu sync.Mutex

	c := container.New()
	_ = container.Transient(c, "a", func() *recordingHandler {
		return &recordingHandler{name: "a", log: &log, mu: &mu,
			next: func(event.Event) []event.Event { return []event.Event{event.NewDomainEvent("B", nil)} }}
	})
	_ = container.Transient(c, "b", func() *recordingHandler {
		return &recordingHandler{name: "b", log: &log, mu: &mu,
			next: func(event.Event) []event.Event { return []event.Event{event.NewDomainEvent("C", nil)} }}
	})
	_ = container.Transient(c, "c", func() *recordingHandler {
		return &recordingHandler{name: "c", log: &log, mu: &mu}
	})

	m := event.NewMap().Bind("A", "a").Bind("B", "b").Bind("C", "c")
	obs := &captureObserver{}
	p := event.NewProcessor(event.NewEmitter(m, c), config.DefaultEventsConfig(), event.WithObserver(obs))

	if err := p.EmitEvents(context.Background(), domainEvents("A")...); err != nil {
		t.Fatalf("EmitEvents error = %v", err)
	}

	if want := []string{"a:A", "b:B", "c:C"}; !slices.Equal(log, want) {
		t.Errorf("handled = %v, want %v", log, want)
	}
	if obs.count(event.EventProcessStart) != 1 || obs.count(event.EventProcessFinish) != 1 {
		t.Errorf("process events = %d start, %d complete; want 1 each",
			obs.count(event.EventProcessStart), obs.count(event.EventProcessFinish))
	}
}

func TestProcessor_Empty(t *testing.T) {
	d := &trackingDispatcher{}
	if err := event.NewProcessor(d, config.DefaultEventsConfig()).EmitEvents(context.Background()); err != nil {
		t.Errorf("EmitEvents() error = %v, want nil", err)
	}
	if d.calls.Load() != 0 {
		t.Errorf("emit calls = %d, want 0", d.calls.Load())
	}
}
