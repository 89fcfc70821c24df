package mediator

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tailored-agentic-units/mediator/broker"
	"github.com/tailored-agentic-units/mediator/broker/amqp"
	"github.com/tailored-agentic-units/mediator/broker/cloudevents"
	"github.com/tailored-agentic-units/mediator/broker/kafka"
	"github.com/tailored-agentic-units/mediator/broker/nats"
	"github.com/tailored-agentic-units/mediator/config"
	"github.com/tailored-agentic-units/mediator/saga"
	"github.com/tailored-agentic-units/mediator/storage/file"
	"github.com/tailored-agentic-units/mediator/storage/memory"
	"github.com/tailored-agentic-units/mediator/storage/postgres"
	"github.com/tailored-agentic-units/mediator/storage/redis"
)

// OpenStorage creates the saga storage named by cfg.Driver. The returned
// closer is nil for drivers holding no connections.
func OpenStorage(ctx context.Context, cfg config.StorageConfig) (saga.Storage, func() error, error) {
	switch cfg.Driver {
	case "", "memory":
		return memory.New(), nil, nil

	case "file":
		if cfg.Path == "" {
			return nil, nil, errors.New("file storage requires a path")
		}
		return file.New(cfg.Path), nil, nil

	case "postgres":
		s, err := postgres.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Migrate {
			if err := s.Migrate(ctx); err != nil {
				s.Close()
				return nil, nil, err
			}
		}
		return s, func() error { s.Close(); return nil }, nil

	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to reach redis: %w", err)
		}
		s := redis.New(client, redis.Config{
			Prefix:   cfg.Prefix,
			LockTTL:  cfg.LockTTL.Std(),
			LockPoll: cfg.LockPoll.Std(),
		})
		return s, client.Close, nil

	default:
		return nil, nil, fmt.Errorf("%w: storage %q", ErrUnknownDriver, cfg.Driver)
	}
}

// OpenBroker creates the notification broker named by cfg.Driver. An empty
// driver returns a nil broker.
func OpenBroker(ctx context.Context, cfg config.BrokerConfig) (broker.Broker, func() error, error) {
	switch cfg.Driver {
	case "":
		return nil, nil, nil

	case "memory":
		return broker.NewMemory(), nil, nil

	case "kafka":
		if len(cfg.Brokers) == 0 {
			return nil, nil, errors.New("kafka broker requires brokers")
		}
		p := kafka.NewPublisher(kafka.Config{Brokers: cfg.Brokers})
		return p, p.Close, nil

	case "amqp":
		p := amqp.NewPublisher(amqp.Config{
			URL:          cfg.URL,
			Exchange:     cfg.Exchange,
			ExchangeType: exchangeType(cfg.Exchange),
		})
		if err := p.Connect(ctx); err != nil {
			return nil, nil, err
		}
		return p, p.Close, nil

	case "nats":
		p := nats.NewPublisher(nats.Config{
			URL:            cfg.URL,
			ConnectTimeout: cfg.ConnectTimeout.Std(),
		})
		if err := p.Connect(ctx); err != nil {
			return nil, nil, err
		}
		return p, p.Close, nil

	case "cloudevents":
		s, err := cloudevents.NewSender(cloudevents.Config{
			Target: cfg.Target,
			Source: cfg.Source,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil

	default:
		return nil, nil, fmt.Errorf("%w: broker %q", ErrUnknownDriver, cfg.Driver)
	}
}

func exchangeType(exchange string) string {
	if exchange == "" {
		return ""
	}
	return "topic"
}
