package config

import "time"

// BrokerConfig selects the transport for notification events. An empty
// Driver means no broker: emitting a notification event is then an error.
//
// Drivers and the fields they read:
//   - "kafka": Brokers
//   - "amqp": URL, Exchange
//   - "nats": URL
//   - "cloudevents": Target, Source
//   - "memory": none
type BrokerConfig struct {
	Driver   string   `json:"driver"`
	Brokers  []string `json:"brokers,omitempty"`
	URL      string   `json:"url,omitempty"`
	Exchange string   `json:"exchange,omitempty"`
	Target   string   `json:"target,omitempty"`
	Source   string   `json:"source,omitempty"`

	ConnectTimeout Duration `json:"connect_timeout,omitempty"`
}

func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		Source:         "mediator",
		ConnectTimeout: Duration(5 * time.Second),
	}
}

func (c *BrokerConfig) Merge(source *BrokerConfig) {
	if source.Driver != "" {
		c.Driver = source.Driver
	}
	if len(source.Brokers) > 0 {
		c.Brokers = source.Brokers
	}
	if source.URL != "" {
		c.URL = source.URL
	}
	if source.Exchange != "" {
		c.Exchange = source.Exchange
	}
	if source.Target != "" {
		c.Target = source.Target
	}
	if source.Source != "" {
		c.Source = source.Source
	}
	if source.ConnectTimeout > 0 {
		c.ConnectTimeout = source.ConnectTimeout
	}
}
