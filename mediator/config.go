package mediator

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tailored-agentic-units/mediator/config"
)

// Config holds initialization parameters for every mediator subsystem.
type Config struct {
	// Observer names a registered observer ("slog", "noop", ...).
	Observer string `json:"observer"`

	Events  config.EventsConfig  `json:"events"`
	Saga    config.SagaConfig    `json:"saga"`
	Breaker config.BreakerConfig `json:"breaker"`
	Storage config.StorageConfig `json:"storage"`
	Broker  config.BrokerConfig  `json:"broker"`
}

func DefaultConfig() Config {
	return Config{
		Observer: "slog",
		Events:   config.DefaultEventsConfig(),
		Saga:     config.DefaultSagaConfig(),
		Breaker:  config.DefaultBreakerConfig(),
		Storage:  config.DefaultStorageConfig(),
		Broker:   config.DefaultBrokerConfig(),
	}
}

// Merge applies non-zero values from source into c, delegating to each
// section's Merge.
func (c *Config) Merge(source *Config) {
	if source.Observer != "" {
		c.Observer = source.Observer
	}
	c.Events.Merge(&source.Events)
	c.Saga.Merge(&source.Saga)
	c.Breaker.Merge(&source.Breaker)
	c.Storage.Merge(&source.Storage)
	c.Broker.Merge(&source.Broker)
}

// LoadConfig reads a JSON config file and merges it over DefaultConfig.
func LoadConfig(filename string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Merge(&loaded)
	return &cfg, nil
}
