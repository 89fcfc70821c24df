package config

import "time"

// SagaConfig controls compensation retries in saga transactions.
//
// Attempt n (1-based) of a failing compensation waits
// CompensationRetryDelay * CompensationRetryBackoff^(n-1) before attempt n+1.
//
// Example JSON:
//
//	{
//	  "compensation_retry_count": 5,
//	  "compensation_retry_delay": "200ms",
//	  "compensation_retry_backoff": 1.5
//	}
type SagaConfig struct {
	// CompensationRetryCount is the total number of attempts per step.
	CompensationRetryCount int `json:"compensation_retry_count"`

	CompensationRetryDelay Duration `json:"compensation_retry_delay"`

	CompensationRetryBackoff float64 `json:"compensation_retry_backoff"`
}

func DefaultSagaConfig() SagaConfig {
	return SagaConfig{
		CompensationRetryCount:   3,
		CompensationRetryDelay:   Duration(time.Second),
		CompensationRetryBackoff: 2.0,
	}
}

func (c *SagaConfig) Merge(source *SagaConfig) {
	if source.CompensationRetryCount > 0 {
		c.CompensationRetryCount = source.CompensationRetryCount
	}
	if source.CompensationRetryDelay > 0 {
		c.CompensationRetryDelay = source.CompensationRetryDelay
	}
	if source.CompensationRetryBackoff > 0 {
		c.CompensationRetryBackoff = source.CompensationRetryBackoff
	}
}

// RetryDelay returns the wait after the given failed attempt (1-based).
func (c *SagaConfig) RetryDelay(attempt int) time.Duration {
	delay := float64(c.CompensationRetryDelay)
	for i := 1; i < attempt; i++ {
		delay *= c.CompensationRetryBackoff
	}
	return time.Duration(delay)
}
