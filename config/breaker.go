package config

import "time"

// BreakerConfig holds the defaults for circuit breakers built from
// configuration.
type BreakerConfig struct {
	// FailMax is the number of consecutive counted failures that opens the circuit.
	FailMax int `json:"fail_max"`

	// Timeout is how long an open circuit waits before letting a probe through.
	Timeout Duration `json:"timeout_duration"`
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailMax: 5,
		Timeout: Duration(60 * time.Second),
	}
}

func (c *BreakerConfig) Merge(source *BreakerConfig) {
	if source.FailMax > 0 {
		c.FailMax = source.FailMax
	}
	if source.Timeout > 0 {
		c.Timeout = source.Timeout
	}
}
