// Package event carries domain and notification events from the handlers
// that produce them to the handlers and brokers that consume them.
//
// An Emitter dispatches one event: domain events go to the handlers bound in
// a Map, notification events go to the broker. A Processor drains a queue of
// events, feeding every follow-up event that handlers record back into the
// queue until nothing is left.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Event is an immutable, identity-bearing value. EventName is the stable
// type tag handlers are bound to in a Map.
type Event interface {
	EventID() string
	EventName() string
	EventTimestamp() time.Time
	EventPayload() map[string]any
}

// Notification is an event bound for an external broker. It is terminal:
// delivering it produces no follow-ups.
type Notification interface {
	Event
	EventTopic() string
}

// DomainEvent is processed in-process by the handlers bound to its name.
// Applications may embed it in their own event types.
type DomainEvent struct {
	ID        string         `json:"event_id"`
	Name      string         `json:"event_name"`
	Timestamp time.Time      `json:"event_timestamp"`
	Payload   map[string]any `json:"payload"`
}

// NewDomainEvent creates a DomainEvent with a fresh id and the current UTC time.
func NewDomainEvent(name string, payload map[string]any) DomainEvent {
	return DomainEvent{
		ID:        uuid.NewString(),
		Name:      name,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

func (e DomainEvent) EventID() string              { return e.ID }
func (e DomainEvent) EventName() string            { return e.Name }
func (e DomainEvent) EventTimestamp() time.Time    { return e.Timestamp }
func (e DomainEvent) EventPayload() map[string]any { return e.Payload }

// NotificationEvent is forwarded to the broker under Topic.
type NotificationEvent struct {
	ID        string         `json:"event_id"`
	Name      string         `json:"event_name"`
	Topic     string         `json:"topic"`
	Timestamp time.Time      `json:"event_timestamp"`
	Payload   map[string]any `json:"payload"`
}

// NewNotificationEvent creates a NotificationEvent with a fresh id and the
// current UTC time.
func NewNotificationEvent(name, topic string, payload map[string]any) NotificationEvent {
	return NotificationEvent{
		ID:        uuid.NewString(),
		Name:      name,
		Topic:     topic,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

func (e NotificationEvent) EventID() string              { return e.ID }
func (e NotificationEvent) EventName() string            { return e.Name }
func (e NotificationEvent) EventTopic() string           { return e.Topic }
func (e NotificationEvent) EventTimestamp() time.Time    { return e.Timestamp }
func (e NotificationEvent) EventPayload() map[string]any { return e.Payload }
