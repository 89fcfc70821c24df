// Package nats publishes notification events to NATS subjects. The message
// topic is the subject.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/tailored-agentic-units/mediator/broker"
)

// Config configures the NATS publisher.
type Config struct {
	URL string

	// ConnectTimeout defaults to 5s.
	ConnectTimeout time.Duration

	// FlushTimeout bounds the server round trip after each publish. Default 1s.
	FlushTimeout time.Duration

	Logger *slog.Logger
}

func (c Config) applyDefaults() Config {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Publisher implements broker.Broker over a NATS connection.
type Publisher struct {
	config Config
	conn   *nats.Conn
	mu     sync.Mutex
}

func NewPublisher(config Config) *Publisher {
	return &Publisher{config: config.applyDefaults()}
}

// Connect establishes the NATS connection.
func (p *Publisher) Connect(ctx context.Context) error {
	conn, err := nats.Connect(p.config.URL, nats.Timeout(p.config.ConnectTimeout))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
	return nil
}

// Send publishes msg and flushes so that a nil error means the server has
// the message.
func (p *Publisher) Send(ctx context.Context, msg broker.Message) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()

	if conn == nil {
		return broker.ErrNotConnected
	}

	nm, err := toNats(msg)
	if err != nil {
		return err
	}

	if err := conn.PublishMsg(nm); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", msg.Topic, err)
	}
	if err := conn.FlushTimeout(p.config.FlushTimeout); err != nil {
		return fmt.Errorf("failed to flush %s: %w", msg.Topic, err)
	}

	p.config.Logger.Debug("published notification", "subject", msg.Topic, "name", msg.Name, "id", msg.ID)
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	return nil
}

func toNats(msg broker.Message) (*nats.Msg, error) {
	if msg.Topic == "" {
		return nil, fmt.Errorf("notification %s has no subject", msg.Name)
	}

	body, err := msg.Body()
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", msg.Name, err)
	}

	nm := nats.NewMsg(msg.Topic)
	nm.Data = body
	nm.Header.Set("Event-Name", msg.Name)
	nm.Header.Set(nats.MsgIdHdr, msg.ID)
	return nm, nil
}
