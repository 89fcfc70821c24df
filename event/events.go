package event

import "github.com/tailored-agentic-units/mediator/observability"

const (
	EventUnhandled     observability.EventType = "event.unhandled"
	EventHandled       observability.EventType = "event.handled"
	EventFallback      observability.EventType = "event.fallback"
	EventNotify        observability.EventType = "event.notify"
	EventProcessStart  observability.EventType = "event.process.start"
	EventProcessFinish observability.EventType = "event.process.complete"
)
