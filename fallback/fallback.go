// Package fallback wraps a primary handler with a fallback handler and an
// optional circuit breaker.
//
// The same wrapper serves every dispatch point: request handlers, event
// handlers, chain links and saga steps. The dispatch point supplies a Call
// that knows how to invoke its own handler contract; the wrapper decides
// which handler that Call runs against.
//
//	fb := fallback.Fallback{
//	    Primary:  "inventory.reserve",
//	    Fallback: "inventory.reserve-cached",
//	    Triggers: []error{context.DeadlineExceeded},
//	    Breaker:  fallback.NewBreaker(fallback.BreakerSettings{FailMax: 2, Timeout: time.Minute}),
//	}
package fallback

import (
	"context"
	"errors"
	"fmt"

	"github.com/tailored-agentic-units/mediator/container"
)

// Call invokes a resolved handler instance.
type Call func(ctx context.Context, handler any) (any, error)

// Fallback pairs a primary handler key with a fallback handler key.
type Fallback struct {
	Primary  string
	Fallback string

	// Triggers lists the errors (matched with errors.Is) that switch to the
	// fallback. Empty means any error does.
	Triggers []error

	// Breaker, when set, tracks the primary's failures under the Primary key.
	Breaker *Breaker
}

// Result reports which handler produced a value.
type Result struct {
	Value        any
	Handler      string
	UsedFallback bool
}

// Validate checks that both keys are set and distinct.
func (f Fallback) Validate() error {
	if f.Primary == "" || f.Fallback == "" {
		return fmt.Errorf("%w: primary and fallback keys are required", ErrInvalidFallback)
	}
	if f.Primary == f.Fallback {
		return fmt.Errorf("%w: primary and fallback are both %s", ErrInvalidFallback, f.Primary)
	}
	return nil
}

// Triggered reports whether err switches dispatch to the fallback.
func (f Fallback) Triggered(err error) bool {
	if err == nil {
		return false
	}
	if len(f.Triggers) == 0 {
		return true
	}
	for _, target := range f.Triggers {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Invoke runs call against the primary handler, switching to the fallback
// when the circuit is open or the primary fails with a trigger error.
// Errors outside the trigger set are returned unchanged.
func (f Fallback) Invoke(ctx context.Context, r container.Resolver, call Call) (Result, error) {
	if err := f.Validate(); err != nil {
		return Result{}, err
	}

	primary := func() (any, error) {
		handler, err := r.Resolve(ctx, f.Primary)
		if err != nil {
			return nil, err
		}
		return call(ctx, handler)
	}

	var (
		value any
		err   error
	)
	if f.Breaker != nil {
		value, err = f.Breaker.execute(ctx, f.Primary, f.Triggered, primary)
	} else {
		value, err = primary()
	}

	switch {
	case err == nil:
		return Result{Value: value, Handler: f.Primary}, nil
	case errors.Is(err, ErrCircuitOpen), f.Triggered(err):
		return f.invokeFallback(ctx, r, call, err)
	default:
		return Result{Handler: f.Primary}, err
	}
}

func (f Fallback) invokeFallback(ctx context.Context, r container.Resolver, call Call, cause error) (Result, error) {
	handler, err := r.Resolve(ctx, f.Fallback)
	if err == nil {
		var value any
		value, err = call(ctx, handler)
		if err == nil {
			return Result{Value: value, Handler: f.Fallback, UsedFallback: true}, nil
		}
	}

	return Result{Handler: f.Fallback, UsedFallback: true}, &Error{
		Primary:     f.Primary,
		Fallback:    f.Fallback,
		PrimaryErr:  cause,
		FallbackErr: err,
	}
}
