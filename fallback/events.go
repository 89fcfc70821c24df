package fallback

import "github.com/tailored-agentic-units/mediator/observability"

const (
	EventStateChange  observability.EventType = "breaker.state_change"
	EventShortCircuit observability.EventType = "breaker.short_circuit"
)
