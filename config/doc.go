// Package config holds the JSON configuration sections consumed by the
// mediator's subsystems.
//
// Each section follows the same shape: a struct with JSON tags, a
// DefaultXConfig constructor, and a Merge method that copies the non-zero
// fields of a loaded section over the defaults. Configuration is read once at
// initialization and then turned into domain objects; nothing here is
// consulted on the hot path.
//
//	cfg := config.DefaultSagaConfig()
//	cfg.Merge(&loaded.Saga)
package config
