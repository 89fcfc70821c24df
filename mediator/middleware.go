package mediator

import (
	"context"
	"time"

	"github.com/tailored-agentic-units/mediator/observability"
)

// Middleware wraps request handling. The first middleware given to
// WithMiddleware is the outermost.
type Middleware func(next HandleFunc) HandleFunc

func chain(h HandleFunc, mw []Middleware) HandleFunc {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

// Logging reports each request's start and outcome to observer.
func Logging(observer observability.Observer) Middleware {
	return func(next HandleFunc) HandleFunc {
		return func(ctx context.Context, req Request) (any, error) {
			name := req.RequestName()
			observer.OnEvent(ctx, observability.Event{
				Type:      EventRequestStart,
				Level:     observability.LevelVerbose,
				Timestamp: time.Now(),
				Source:    "mediator.Send",
				Data:      map[string]any{"request": name},
			})

			start := time.Now()
			resp, err := next(ctx, req)

			data := map[string]any{
				"request":  name,
				"duration": time.Since(start),
			}
			level := observability.LevelInfo
			if err != nil {
				data["error"] = err.Error()
				level = observability.LevelError
			}
			observer.OnEvent(ctx, observability.Event{
				Type:      EventRequestComplete,
				Level:     level,
				Timestamp: time.Now(),
				Source:    "mediator.Send",
				Data:      data,
			})
			return resp, err
		}
	}
}
