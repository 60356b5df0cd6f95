// Package broadcast implements the Broadcast Router (C9): target selection
// over a Routed Message, parallel bounded-concurrency fan-out, ack tracking,
// and batch routing ordered by priority.
//
// Grounded on coordinator/coordinator.go's handler-map dispatch (selection by
// a discriminator, here target kind instead of message type) and
// worker/pool.go's bounded-worker-count shape, adapted from a fixed pool of
// long-lived workers to a per-call fan-out semaphore sized by configuration.
package broadcast

import (
	"time"

	"github.com/starforge/realmcore/config"
)

// Config configures the router's concurrency, statistics, and cleanup
// behavior.
type Config struct {
	FanoutConcurrency  int
	StatsAlpha         float64
	StaleReceiverMaxAge time.Duration
	CleanupInterval    time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FanoutConcurrency:   10,
		StatsAlpha:          0.1,
		StaleReceiverMaxAge: time.Hour,
		CleanupInterval:     5 * time.Minute,
	}
}

// ConfigFromEnv loads a Config from environment variables under prefix.
func ConfigFromEnv(prefix string) Config {
	env := config.NewEnvConfig(prefix)
	cfg := DefaultConfig()
	cfg.FanoutConcurrency = env.GetInt("BROADCAST_FANOUT_CONCURRENCY", cfg.FanoutConcurrency)
	cfg.StatsAlpha = env.GetFloat("BROADCAST_STATS_ALPHA", cfg.StatsAlpha)
	cfg.StaleReceiverMaxAge = env.GetDuration("BROADCAST_STALE_MAX_AGE", cfg.StaleReceiverMaxAge)
	cfg.CleanupInterval = env.GetDuration("BROADCAST_CLEANUP_INTERVAL", cfg.CleanupInterval)
	return cfg
}

// Validate enforces SPEC_FULL's config validation rules.
func (c Config) Validate() error {
	v := config.NewValidator()
	v.RequirePositiveInt("FanoutConcurrency", c.FanoutConcurrency)
	v.RequireRatio("StatsAlpha", c.StatsAlpha)
	v.RequirePositiveDuration("StaleReceiverMaxAge", c.StaleReceiverMaxAge)
	v.RequirePositiveDuration("CleanupInterval", c.CleanupInterval)
	return v.Validate()
}
