package config

// EventsConfig controls how the event processor drains events and their
// follow-ups.
//
// Example JSON:
//
//	{
//	  "concurrent": true,
//	  "max_concurrent_event_handlers": 4,
//	  "max_events": 1000
//	}
type EventsConfig struct {
	// Concurrent selects the bounded parallel scheduler. When false, events
	// are processed one at a time in FIFO order.
	Concurrent bool `json:"concurrent"`

	// MaxConcurrentHandlers caps in-flight emits in concurrent mode.
	MaxConcurrentHandlers int `json:"max_concurrent_event_handlers"`

	// MaxEvents caps the number of emits in one processing run, including
	// follow-ups. Zero means unbounded.
	MaxEvents int `json:"max_events"`
}

// DefaultEventsConfig returns sequential processing with a concurrency
// budget of 10 ready for when concurrent mode is switched on.
func DefaultEventsConfig() EventsConfig {
	return EventsConfig{
		Concurrent:            false,
		MaxConcurrentHandlers: 10,
		MaxEvents:             0,
	}
}

func (c *EventsConfig) Merge(source *EventsConfig) {
	if source.Concurrent {
		c.Concurrent = true
	}
	if source.MaxConcurrentHandlers > 0 {
		c.MaxConcurrentHandlers = source.MaxConcurrentHandlers
	}
	if source.MaxEvents > 0 {
		c.MaxEvents = source.MaxEvents
	}
}
