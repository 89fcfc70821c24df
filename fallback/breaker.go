package fallback

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/tailored-agentic-units/mediator/config"
	"github.com/tailored-agentic-units/mediator/observability"
)

// State is the position of one circuit.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}

// BreakerSettings configures every circuit a Breaker creates.
type BreakerSettings struct {
	// FailMax consecutive counted failures open a circuit. Values below 1 are treated as 1.
	FailMax int

	// Timeout is how long a circuit stays open before a half-open probe.
	// Zero uses gobreaker's default of 60s.
	Timeout time.Duration

	// Exclude lists errors that never count as failures (matched with errors.Is).
	Exclude []error
}

// SettingsFromConfig builds BreakerSettings from configuration.
func SettingsFromConfig(cfg *config.BreakerConfig, exclude ...error) BreakerSettings {
	return BreakerSettings{
		FailMax: cfg.FailMax,
		Timeout: cfg.Timeout.Std(),
		Exclude: exclude,
	}
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithObserver reports circuit state changes and short-circuits to o.
func WithObserver(o observability.Observer) BreakerOption {
	return func(b *Breaker) { b.observer = o }
}

// Breaker keeps one circuit per handler key. Circuits are created on first
// use and live as long as the Breaker; state for a key is only mutated by
// gobreaker under its own lock.
type Breaker struct {
	settings BreakerSettings
	observer observability.Observer
	circuits map[string]*gobreaker.CircuitBreaker[any]
	mu       sync.Mutex
}

// NewBreaker creates a Breaker with the given settings.
func NewBreaker(settings BreakerSettings, opts ...BreakerOption) *Breaker {
	if settings.FailMax < 1 {
		settings.FailMax = 1
	}

	b := &Breaker{
		settings: settings,
		observer: observability.NoOpObserver{},
		circuits: make(map[string]*gobreaker.CircuitBreaker[any]),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// State returns the circuit state for key. Keys never called are CLOSED.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	cb, exists := b.circuits[key]
	b.mu.Unlock()

	if !exists {
		return StateClosed
	}
	return fromGobreaker(cb.State())
}

func (b *Breaker) circuit(key string) *gobreaker.CircuitBreaker[any] {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, exists := b.circuits[key]; exists {
		return cb
	}

	failMax := uint32(b.settings.FailMax)
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    key,
		Timeout: b.settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failMax
		},
		IsSuccessful: func(err error) bool {
			var u *uncounted
			return err == nil || errors.As(err, &u)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.observer.OnEvent(context.Background(), observability.Event{
				Type:      EventStateChange,
				Level:     observability.LevelWarning,
				Timestamp: time.Now(),
				Source:    "fallback.Breaker",
				Data: map[string]any{
					"handler": name,
					"from":    fromGobreaker(from).String(),
					"to":      fromGobreaker(to).String(),
				},
			})
		},
	})
	b.circuits[key] = cb
	return cb
}

// uncounted carries an error through gobreaker without it being recorded
// as a failure.
type uncounted struct{ err error }

func (u *uncounted) Error() string { return u.err.Error() }
func (u *uncounted) Unwrap() error { return u.err }

// execute runs fn through the circuit for key. counts decides whether a
// non-nil error is a failure; excluded errors never are. An open circuit
// returns ErrCircuitOpen without calling fn.
func (b *Breaker) execute(ctx context.Context, key string, counts func(error) bool, fn func() (any, error)) (any, error) {
	result, err := b.circuit(key).Execute(func() (any, error) {
		v, err := fn()
		if err != nil && (!counts(err) || b.excluded(err)) {
			return v, &uncounted{err: err}
		}
		return v, err
	})

	var u *uncounted
	switch {
	case err == nil:
		return result, nil
	case errors.As(err, &u):
		return result, u.err
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		b.observer.OnEvent(ctx, observability.Event{
			Type:      EventShortCircuit,
			Level:     observability.LevelVerbose,
			Timestamp: time.Now(),
			Source:    "fallback.Breaker",
			Data:      map[string]any{"handler": key},
		})
		return nil, ErrCircuitOpen
	default:
		return result, err
	}
}

func (b *Breaker) excluded(err error) bool {
	for _, target := range b.settings.Exclude {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
