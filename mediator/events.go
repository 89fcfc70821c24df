package mediator

import "github.com/tailored-agentic-units/mediator/observability"

const (
	EventRequestStart    observability.EventType = "mediator.request.start"
	EventRequestComplete observability.EventType = "mediator.request.complete"
	EventRequestFallback observability.EventType = "mediator.request.fallback"
	EventRecoverSweep    observability.EventType = "mediator.recover.sweep"
	EventRecoverFailed   observability.EventType = "mediator.recover.failed"
)
