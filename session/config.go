// Package session implements the Session Registry (C8): the mapping from
// connection id to Session, with reverse indexes by principal id and by
// Broadcast Group key (scope:scope-id, scope in {room, area, role,
// principal}).
//
// Grounded directly on statemanager/manager.go (map + sync.RWMutex +
// capacity eviction + GetStats), re-keyed from operation id to connection id
// and extended with the principal/group reverse indexes C8 requires.
package session

import (
	"time"

	"github.com/starforge/realmcore/config"
)

// Config bounds the registry's capacity and idle-eviction behavior.
type Config struct {
	MaxSessions     int
	IdleTimeout     time.Duration
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxSessions:     50000,
		IdleTimeout:     10 * time.Minute,
		CleanupInterval: time.Minute,
	}
}

// ConfigFromEnv loads a Config from environment variables under prefix.
func ConfigFromEnv(prefix string) Config {
	env := config.NewEnvConfig(prefix)
	cfg := DefaultConfig()
	cfg.MaxSessions = env.GetInt("SESSION_MAX", cfg.MaxSessions)
	cfg.IdleTimeout = env.GetDuration("SESSION_IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.CleanupInterval = env.GetDuration("SESSION_CLEANUP_INTERVAL", cfg.CleanupInterval)
	return cfg
}

// Validate enforces SPEC_FULL's config validation rules.
func (c Config) Validate() error {
	v := config.NewValidator()
	v.RequirePositiveInt("MaxSessions", c.MaxSessions)
	v.RequirePositiveDuration("IdleTimeout", c.IdleTimeout)
	v.RequirePositiveDuration("CleanupInterval", c.CleanupInterval)
	return v.Validate()
}
