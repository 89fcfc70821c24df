package event

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tailored-agentic-units/mediator/config"
	"github.com/tailored-agentic-units/mediator/observability"
)

// Dispatcher emits one event and returns its follow-ups. *Emitter is the
// production implementation.
type Dispatcher interface {
	Emit(ctx context.Context, evt Event) ([]Event, error)
}

// Processor drives events and all their follow-ups to completion.
type Processor struct {
	dispatcher Dispatcher
	cfg        config.EventsConfig
	observer   observability.Observer
}

// NewProcessor creates a Processor. cfg.Concurrent selects the scheduler;
// cfg.MaxConcurrentHandlers below 1 is treated as 1.
func NewProcessor(d Dispatcher, cfg config.EventsConfig, opts ...Option) *Processor {
	if cfg.MaxConcurrentHandlers < 1 {
		cfg.MaxConcurrentHandlers = 1
	}
	return &Processor{
		dispatcher: d,
		cfg:        cfg,
		observer:   newOptions(opts).observer,
	}
}

// EmitEvents returns once every event and every follow-up they produce has
// been emitted, or on the first emit error.
//
// Sequential mode keeps one FIFO queue: the front event is emitted and its
// follow-ups are appended to the back. Concurrent mode keeps up to
// MaxConcurrentHandlers emits in flight and refills the budget as soon as any
// one of them finishes; no ordering holds between events in that mode.
//
// When MaxEvents is set, a run that would emit more events than that fails
// with ErrEventLimit.
func (p *Processor) EmitEvents(ctx context.Context, events ...Event) error {
	if len(events) == 0 {
		return nil
	}

	mode := "sequential"
	if p.cfg.Concurrent {
		mode = "concurrent"
	}

	start := time.Now()
	p.observer.OnEvent(ctx, observability.Event{
		Type:      EventProcessStart,
		Level:     observability.LevelVerbose,
		Timestamp: start,
		Source:    "event.Processor",
		Data: map[string]any{
			"mode":   mode,
			"events": len(events),
		},
	})

	var (
		emitted int
		err     error
	)
	if p.cfg.Concurrent {
		emitted, err = p.drainConcurrent(ctx, events)
	} else {
		emitted, err = p.drainSequential(ctx, events)
	}

	level := observability.LevelVerbose
	if err != nil {
		level = observability.LevelError
	}
	p.observer.OnEvent(ctx, observability.Event{
		Type:      EventProcessFinish,
		Level:     level,
		Timestamp: time.Now(),
		Source:    "event.Processor",
		Data: map[string]any{
			"mode":     mode,
			"emitted":  emitted,
			"duration": time.Since(start),
			"error":    err != nil,
		},
	})

	return err
}

func (p *Processor) limitReached(emitted int) bool {
	return p.cfg.MaxEvents > 0 && emitted >= p.cfg.MaxEvents
}

func (p *Processor) drainSequential(ctx context.Context, initial []Event) (int, error) {
	queue := append([]Event(nil), initial...)
	emitted := 0

	for len(queue) > 0 {
		if p.limitReached(emitted) {
			return emitted, fmt.Errorf("%w: %d emitted, %d pending", ErrEventLimit, emitted, len(queue))
		}

		evt := queue[0]
		queue[0] = nil
		queue = queue[1:]

		followUps, err := p.dispatcher.Emit(ctx, evt)
		emitted++
		if err != nil {
			return emitted, err
		}
		queue = append(queue, followUps...)
	}

	return emitted, nil
}

type outcome struct {
	followUps []Event
	err       error
}

// drainConcurrent runs a fixed pool of workers fed by a coordinator loop.
// The coordinator owns the pending queue and never has more than workers
// events outstanding, so neither channel can fill up and block a worker.
func (p *Processor) drainConcurrent(ctx context.Context, initial []Event) (int, error) {
	workers := p.cfg.MaxConcurrentHandlers

	g, gctx := errgroup.WithContext(ctx)
	work := make(chan Event, workers)
	results := make(chan outcome, workers)

	for range workers {
		g.Go(func() error {
			for evt := range work {
				if err := gctx.Err(); err != nil {
					results <- outcome{err: err}
					continue
				}
				followUps, err := p.dispatcher.Emit(gctx, evt)
				results <- outcome{followUps: followUps, err: err}
				if err != nil {
					return err
				}
			}
			return nil
		})
	}

	pending := append([]Event(nil), initial...)
	emitted, outstanding := 0, 0
	var firstErr error

loop:
	for len(pending) > 0 || outstanding > 0 {
		var (
			send chan<- Event
			next Event
		)
		if len(pending) > 0 && outstanding < workers {
			if p.limitReached(emitted) {
				firstErr = fmt.Errorf("%w: %d emitted, %d pending", ErrEventLimit, emitted, len(pending))
				break loop
			}
			send = work
			next = pending[0]
		}

		select {
		case send <- next:
			pending[0] = nil
			pending = pending[1:]
			outstanding++
			emitted++
		case out := <-results:
			outstanding--
			if out.err != nil {
				firstErr = out.err
				break loop
			}
			pending = append(pending, out.followUps...)
		}
	}

	close(work)
	if err := g.Wait(); firstErr == nil {
		firstErr = err
	}
	return emitted, firstErr
}
