// Package txn implements the Distributed Transaction (C7): atomicity across
// the document store and the cache store for a bounded set of logical keys,
// built on the Distributed Lock (C3) for cross-key serialization and the
// Document Store Adapter's (C2) session/transaction API for document-side
// atomicity, with captured-previous-value compensation on the cache side.
//
// Grounded on db/repository/composite.go's multi-backend coordinate/
// compensate pattern (save-then-cache, best-effort cache update, logged
// failures) and statemanager/manager.go's record lifecycle (StartOperation/
// CompleteOperation/background eviction generalized to
// Active/Committing/Committed/RollingBack/RolledBack/Failed plus a
// background sweeper).
package txn

import (
	"time"

	"github.com/starforge/realmcore/config"
)

// Config configures transaction timeouts and the background sweeper.
type Config struct {
	DefaultTimeout time.Duration
	SweepInterval  time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 30 * time.Second,
		SweepInterval:  5 * time.Second,
	}
}

// ConfigFromEnv loads a Config from environment variables under prefix.
func ConfigFromEnv(prefix string) Config {
	env := config.NewEnvConfig(prefix)
	cfg := DefaultConfig()
	cfg.DefaultTimeout = env.GetDuration("TXN_DEFAULT_TIMEOUT", cfg.DefaultTimeout)
	cfg.SweepInterval = env.GetDuration("TXN_SWEEP_INTERVAL", cfg.SweepInterval)
	return cfg
}

// Validate enforces SPEC_FULL's config validation rules.
func (c Config) Validate() error {
	v := config.NewValidator()
	v.RequirePositiveDuration("DefaultTimeout", c.DefaultTimeout)
	v.RequirePositiveDuration("SweepInterval", c.SweepInterval)
	return v.Validate()
}
