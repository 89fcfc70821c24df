package event

import "errors"

var (
	// ErrBrokerUnavailable is returned when a notification event is emitted
	// and no broker is configured.
	ErrBrokerUnavailable = errors.New("no broker configured for notification events")

	// ErrEventLimit is returned when a processing run exceeds its configured
	// maximum number of emits.
	ErrEventLimit = errors.New("event limit exceeded")

	ErrNotHandler = errors.New("resolved instance is not an event handler")
)
