// Package cloudevents delivers notification events as CloudEvents over
// HTTP. The event name is the CloudEvents type, the topic is the subject.
package cloudevents

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/tailored-agentic-units/mediator/broker"
)

// Config configures the CloudEvents sender.
type Config struct {
	// Target is the receiving endpoint URL.
	Target string

	// Source is the CloudEvents source attribute. Default "mediator".
	Source string

	Logger *slog.Logger
}

func (c Config) applyDefaults() Config {
	if c.Source == "" {
		c.Source = "mediator"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Sender implements broker.Broker with the CloudEvents HTTP binding.
type Sender struct {
	config Config
	client cloudevents.Client
}

func NewSender(config Config) (*Sender, error) {
	config = config.applyDefaults()
	if config.Target == "" {
		return nil, fmt.Errorf("cloudevents target is required")
	}

	client, err := cloudevents.NewClientHTTP()
	if err != nil {
		return nil, fmt.Errorf("failed to create cloudevents client: %w", err)
	}
	return &Sender{config: config, client: client}, nil
}

func (s *Sender) Send(ctx context.Context, msg broker.Message) error {
	event, err := toCloudEvent(msg, s.config.Source, time.Now())
	if err != nil {
		return err
	}

	result := s.client.Send(cloudevents.ContextWithTarget(ctx, s.config.Target), event)
	if cloudevents.IsUndelivered(result) {
		return fmt.Errorf("failed to deliver %s: %w", msg.Name, result)
	}
	if !cloudevents.IsACK(result) {
		return fmt.Errorf("%s not acknowledged: %w", msg.Name, result)
	}

	s.config.Logger.Debug("delivered notification", "target", s.config.Target, "name", msg.Name, "id", msg.ID)
	return nil
}

func toCloudEvent(msg broker.Message, source string, now time.Time) (cloudevents.Event, error) {
	event := cloudevents.NewEvent()
	event.SetID(msg.ID)
	event.SetSource(source)
	event.SetType(msg.Name)
	event.SetSubject(msg.Topic)
	event.SetTime(now)

	if err := event.SetData(cloudevents.ApplicationJSON, msg.Payload); err != nil {
		return event, fmt.Errorf("failed to encode %s: %w", msg.Name, err)
	}
	if err := event.Validate(); err != nil {
		return event, fmt.Errorf("invalid cloudevent %s: %w", msg.Name, err)
	}
	return event, nil
}
