// Package broker defines the port through which notification events leave
// the process, and an in-memory implementation.
//
// Transport adapters live in subpackages (kafka, amqp, nats, cloudevents).
// Each one maps a Message onto its wire format; none of them retries or
// deduplicates, so delivery is at-least-once at best.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
)

// ErrNotConnected is returned by adapters whose Send is called before Connect.
var ErrNotConnected = errors.New("broker not connected")

// Message is the transport-neutral form of a notification event.
type Message struct {
	Name    string         `json:"name"`
	ID      string         `json:"id"`
	Topic   string         `json:"topic"`
	Payload map[string]any `json:"payload"`
}

// Body returns the JSON encoding of the whole message.
func (m Message) Body() ([]byte, error) {
	return json.Marshal(m)
}

// Broker sends messages to an external system.
type Broker interface {
	Send(ctx context.Context, msg Message) error
}

// Memory records every message it is sent. It is safe for concurrent use.
type Memory struct {
	messages []Message
	mu       sync.Mutex
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.messages = append(m.messages, msg)
	return nil
}

// Messages returns a copy of the messages sent so far.
func (m *Memory) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	return slices.Clone(m.messages)
}
