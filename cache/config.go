package cache

import (
	"time"

	"github.com/starforge/realmcore/config"
)

// Config configures the Cache Store Adapter's connection to the key-value
// store backing it (Redis/Valkey-compatible).
type Config struct {
	Addr     string
	Password string
	DB       int

	// KeyPrefix is prepended to every key as "<prefix>:<category>:<key>".
	KeyPrefix string

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// MaxRetries bounds retry attempts before a CacheUnavailable error
	// surfaces to the caller.
	MaxRetries     int
	RetryMinBackoff time.Duration
	RetryMaxBackoff time.Duration
}

// DefaultConfig returns sensible defaults for local development.
func DefaultConfig() Config {
	return Config{
		Addr:            "localhost:6379",
		DB:              0,
		KeyPrefix:       "game",
		DialTimeout:     5 * time.Second,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
		MaxRetries:      3,
		RetryMinBackoff: 50 * time.Millisecond,
		RetryMaxBackoff: 1 * time.Second,
	}
}

// ConfigFromEnv loads a Config from environment variables under prefix.
func ConfigFromEnv(prefix string) Config {
	env := config.NewEnvConfig(prefix)
	cfg := DefaultConfig()
	cfg.Addr = env.GetString("CACHE_ADDR", cfg.Addr)
	cfg.Password = env.GetString("CACHE_PASSWORD", cfg.Password)
	cfg.DB = env.GetInt("CACHE_DB", cfg.DB)
	cfg.KeyPrefix = env.GetString("CACHE_KEY_PREFIX", cfg.KeyPrefix)
	cfg.DialTimeout = env.GetDuration("CACHE_DIAL_TIMEOUT", cfg.DialTimeout)
	cfg.ReadTimeout = env.GetDuration("CACHE_READ_TIMEOUT", cfg.ReadTimeout)
	cfg.WriteTimeout = env.GetDuration("CACHE_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.MaxRetries = env.GetInt("CACHE_MAX_RETRIES", cfg.MaxRetries)
	cfg.RetryMinBackoff = env.GetDuration("CACHE_RETRY_MIN_BACKOFF", cfg.RetryMinBackoff)
	cfg.RetryMaxBackoff = env.GetDuration("CACHE_RETRY_MAX_BACKOFF", cfg.RetryMaxBackoff)
	return cfg
}

// Validate enforces SPEC_FULL's config validation rules.
func (c Config) Validate() error {
	v := config.NewValidator()
	v.RequireString("Addr", c.Addr)
	v.RequireString("KeyPrefix", c.KeyPrefix)
	v.RequirePositiveDuration("DialTimeout", c.DialTimeout)
	v.RequirePositiveDuration("ReadTimeout", c.ReadTimeout)
	v.RequirePositiveDuration("WriteTimeout", c.WriteTimeout)
	v.RequirePositiveInt("MaxRetries", c.MaxRetries)
	return v.Validate()
}
