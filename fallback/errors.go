package fallback

import (
	"errors"
	"fmt"
)

var (
	// ErrCircuitOpen is recorded as the primary cause when an open circuit
	// short-circuits a call to the fallback handler.
	ErrCircuitOpen = errors.New("circuit open")

	ErrInvalidFallback = errors.New("invalid fallback")
)

// Error reports that the fallback handler failed after the primary did.
// Both causes are reachable through errors.Is and errors.As.
type Error struct {
	Primary     string
	Fallback    string
	PrimaryErr  error
	FallbackErr error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fallback %s failed: %v (primary %s: %v)", e.Fallback, e.FallbackErr, e.Primary, e.PrimaryErr)
}

func (e *Error) Unwrap() []error {
	return []error{e.FallbackErr, e.PrimaryErr}
}
