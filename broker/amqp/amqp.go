// Package amqp publishes notification events to a RabbitMQ exchange. The
// message topic is the routing key.
package amqp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/tailored-agentic-units/mediator/broker"
)

// Config configures the AMQP publisher.
type Config struct {
	URL string

	// Exchange receives every message. Empty publishes to the default
	// exchange, where the routing key names a queue.
	Exchange string

	// ExchangeType, when set with Exchange, declares a durable exchange on Connect.
	ExchangeType string

	Logger *slog.Logger
}

func (c Config) applyDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Publisher implements broker.Broker over one AMQP channel.
type Publisher struct {
	config Config
	conn   *amqp.Connection
	ch     *amqp.Channel
	mu     sync.Mutex
}

func NewPublisher(config Config) *Publisher {
	return &Publisher{config: config.applyDefaults()}
}

// Connect dials the server and opens the publishing channel.
func (p *Publisher) Connect(ctx context.Context) error {
	conn, err := amqp.Dial(p.config.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	if p.config.Exchange != "" && p.config.ExchangeType != "" {
		if err := ch.ExchangeDeclare(p.config.Exchange, p.config.ExchangeType, true, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return fmt.Errorf("failed to declare exchange: %w", err)
		}
	}

	p.mu.Lock()
	p.conn = conn
	p.ch = ch
	p.mu.Unlock()
	return nil
}

func (p *Publisher) Send(ctx context.Context, msg broker.Message) error {
	p.mu.Lock()
	ch := p.ch
	p.mu.Unlock()

	if ch == nil {
		return broker.ErrNotConnected
	}

	pub, err := toPublishing(msg, time.Now())
	if err != nil {
		return err
	}

	if err := ch.PublishWithContext(ctx, p.config.Exchange, msg.Topic, false, false, pub); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", msg.Topic, err)
	}

	p.config.Logger.Debug("published notification", "routing_key", msg.Topic, "name", msg.Name, "id", msg.ID)
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	if p.ch != nil {
		err = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
		p.conn = nil
	}
	return err
}

func toPublishing(msg broker.Message, now time.Time) (amqp.Publishing, error) {
	body, err := msg.Body()
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to encode %s: %w", msg.Name, err)
	}

	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Type:         msg.Name,
		Timestamp:    now,
		Body:         body,
	}, nil
}
