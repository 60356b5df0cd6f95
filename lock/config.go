// Package lock implements the Distributed Lock (C3): fenced, TTL-bound mutual
// exclusion over the cache store, with background auto-renewal and
// compare-and-delete/compare-and-expire semantics enforced through Lua
// scripts so a lock can only be released or extended by the owner that
// currently holds it.
//
// Grounded on db/repository/redis.go's AcquireLock/ReleaseLock/IsLocked
// (SetNX + Del + Exists), generalized with owner-token fencing and scripted
// conditional operations, and on coordinator/coordinator.go's pingLoop
// (time.NewTicker + select over a cancelable context) for the renewal loop.
package lock

import (
	"time"

	"github.com/starforge/realmcore/config"
)

// Config configures lock acquisition and renewal behavior.
type Config struct {
	// DefaultTTL is used when callers don't specify one explicitly.
	DefaultTTL time.Duration

	// AutoRenewalRatio is the fraction of TTL elapsed at which a held lock's
	// background renewal loop refreshes its expiry. Must be in (0,1).
	AutoRenewalRatio float64

	// AcquireRetryInterval is the polling interval used by Manager.Lock (the
	// blocking variant) between TryLock attempts.
	AcquireRetryInterval time.Duration

	// DefaultTimeout bounds the total wall-clock time Lock spends retrying
	// before it gives up and returns a timeout-flavored LockContended.
	DefaultTimeout time.Duration

	// MaxRetries bounds the number of TryLock attempts Lock makes before
	// giving up, independent of DefaultTimeout.
	MaxRetries int

	// EnableAutoRenewal controls whether TryLock spawns a background
	// renewal loop for the lock it returns. When false, callers are
	// responsible for calling Renew themselves before the TTL elapses.
	EnableAutoRenewal bool

	// KeyPrefix namespaces lock keys in the cache store, independent of the
	// cache store's own category prefixing (§6: "lock keys take
	// <lock-prefix>:<logical-key>").
	KeyPrefix string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:           30 * time.Second,
		AutoRenewalRatio:     0.5,
		AcquireRetryInterval: 50 * time.Millisecond,
		DefaultTimeout:       5 * time.Second,
		MaxRetries:           100,
		EnableAutoRenewal:    true,
		KeyPrefix:            "lock",
	}
}

// ConfigFromEnv loads a Config from environment variables under prefix.
func ConfigFromEnv(prefix string) Config {
	env := config.NewEnvConfig(prefix)
	cfg := DefaultConfig()
	cfg.DefaultTTL = env.GetDuration("LOCK_DEFAULT_TTL", cfg.DefaultTTL)
	cfg.AutoRenewalRatio = env.GetFloat("LOCK_AUTO_RENEWAL_RATIO", cfg.AutoRenewalRatio)
	cfg.AcquireRetryInterval = env.GetDuration("LOCK_ACQUIRE_RETRY_INTERVAL", cfg.AcquireRetryInterval)
	cfg.DefaultTimeout = env.GetDuration("LOCK_DEFAULT_TIMEOUT", cfg.DefaultTimeout)
	cfg.MaxRetries = env.GetInt("LOCK_MAX_RETRIES", cfg.MaxRetries)
	cfg.EnableAutoRenewal = env.GetBool("LOCK_ENABLE_AUTO_RENEWAL", cfg.EnableAutoRenewal)
	cfg.KeyPrefix = env.GetString("LOCK_KEY_PREFIX", cfg.KeyPrefix)
	return cfg
}

// Validate enforces SPEC_FULL's config validation rules.
func (c Config) Validate() error {
	v := config.NewValidator()
	v.RequirePositiveDuration("DefaultTTL", c.DefaultTTL)
	v.RequireRatio("AutoRenewalRatio", c.AutoRenewalRatio)
	v.RequirePositiveDuration("AcquireRetryInterval", c.AcquireRetryInterval)
	v.RequirePositiveDuration("DefaultTimeout", c.DefaultTimeout)
	v.RequirePositiveInt("MaxRetries", c.MaxRetries)
	v.RequireString("KeyPrefix", c.KeyPrefix)
	return v.Validate()
}
