// Package kafka publishes notification events to Kafka topics.
//
//	pub := kafka.NewPublisher(kafka.Config{Brokers: []string{"localhost:9092"}})
//	defer pub.Close()
//	err := pub.Send(ctx, msg)
//
// The message topic selects the Kafka topic, the event id is the partition
// key, and name/id travel as headers next to the JSON body.
package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/tailored-agentic-units/mediator/broker"
)

// Config configures the Kafka publisher.
type Config struct {
	Brokers []string

	// RequiredAcks defaults to kafka.RequireAll.
	RequiredAcks kafka.RequiredAcks

	// BatchTimeout bounds how long a partial batch waits. Default 10ms.
	BatchTimeout time.Duration

	Logger *slog.Logger
}

func (c Config) applyDefaults() Config {
	if c.RequiredAcks == 0 {
		c.RequiredAcks = kafka.RequireAll
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 10 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Publisher implements broker.Broker over a single kafka.Writer. The writer
// has no fixed topic; each message names its own.
type Publisher struct {
	config Config
	writer *kafka.Writer
}

func NewPublisher(config Config) *Publisher {
	config = config.applyDefaults()
	return &Publisher{
		config: config,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(config.Brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: config.RequiredAcks,
			BatchTimeout: config.BatchTimeout,
		},
	}
}

func (p *Publisher) Send(ctx context.Context, msg broker.Message) error {
	km, err := toKafka(msg)
	if err != nil {
		return err
	}

	if err := p.writer.WriteMessages(ctx, km); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", msg.Topic, err)
	}

	p.config.Logger.Debug("published notification", "topic", msg.Topic, "name", msg.Name, "id", msg.ID)
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

func toKafka(msg broker.Message) (kafka.Message, error) {
	if msg.Topic == "" {
		return kafka.Message{}, fmt.Errorf("notification %s has no topic", msg.Name)
	}

	body, err := msg.Body()
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to encode %s: %w", msg.Name, err)
	}

	return kafka.Message{
		Topic: msg.Topic,
		Key:   []byte(msg.ID),
		Value: body,
		Headers: []kafka.Header{
			{Key: "event_name", Value: []byte(msg.Name)},
			{Key: "event_id", Value: []byte(msg.ID)},
		},
	}, nil
}
