// Package cachestrategy implements the Cache Strategy (C4): a unified cache
// facade over the Cache Store Adapter with category-driven default TTLs,
// LRU admission/eviction over a locally tracked access map, warmup, and
// moving-average statistics.
//
// Grounded on statemanager/manager.go's map+sync.RWMutex+capacity-eviction
// shape (evictOldest/GetStats translate directly into LRU eviction and
// Statistics here).
package cachestrategy

import (
	"time"

	"github.com/starforge/realmcore/config"
)

// Category names for the default TTL table (see DefaultConfig).
const (
	CategoryPlayerSession  = "player_session"
	CategoryPlayerState    = "player_state"
	CategoryPlayerPosition = "player_position"
	CategoryRoomState      = "room_state"
	CategoryRoomPlayers    = "room_players"
	CategoryMatchmaking    = "matchmaking_queue"
	CategoryChat           = "chat"
	CategorySystemConfig   = "system_config"
	CategoryTempVerify     = "temp_verification"
	CategoryRateLimit      = "rate_limit"
)

// Config configures the cache strategy's TTL table, LRU admission, and
// background cleanup.
type Config struct {
	// CategoryTTLs maps a category name to its default TTL. Categories not
	// present fall back to DefaultTTL.
	CategoryTTLs map[string]time.Duration
	DefaultTTL   time.Duration

	MaxCapacity       int
	EvictionThreshold float64 // fraction of MaxCapacity that triggers LRU eviction
	EvictionBatchSize int

	CleanupInterval  time.Duration
	EnableStatistics bool
}

// DefaultConfig returns a default per-category TTL table and conservative
// admission settings.
func DefaultConfig() Config {
	return Config{
		CategoryTTLs: map[string]time.Duration{
			CategoryPlayerSession:  2 * time.Hour,
			CategoryPlayerState:    35 * time.Minute,
			CategoryPlayerPosition: 18 * time.Minute,
			CategoryRoomState:      20 * time.Minute,
			CategoryRoomPlayers:    15 * time.Minute,
			CategoryMatchmaking:    6 * time.Minute,
			CategoryChat:           20 * time.Minute,
			CategorySystemConfig:   90 * time.Minute,
			CategoryTempVerify:     3 * time.Minute,
			CategoryRateLimit:      1 * time.Minute,
		},
		DefaultTTL:        15 * time.Minute,
		MaxCapacity:       100000,
		EvictionThreshold: 0.9,
		EvictionBatchSize: 100,
		CleanupInterval:   1 * time.Minute,
		EnableStatistics:  true,
	}
}

// ConfigFromEnv loads a Config from environment variables under prefix. The
// category TTL table keeps DefaultConfig's mapping; per-category overrides
// are a structural wiring decision made at construction time, not a runtime
// env knob.
func ConfigFromEnv(prefix string) Config {
	env := config.NewEnvConfig(prefix)
	cfg := DefaultConfig()
	cfg.DefaultTTL = env.GetDuration("CACHE_STRATEGY_DEFAULT_TTL", cfg.DefaultTTL)
	cfg.MaxCapacity = env.GetInt("CACHE_STRATEGY_MAX_CAPACITY", cfg.MaxCapacity)
	cfg.EvictionThreshold = env.GetFloat("CACHE_STRATEGY_EVICTION_THRESHOLD", cfg.EvictionThreshold)
	cfg.EvictionBatchSize = env.GetInt("CACHE_STRATEGY_EVICTION_BATCH_SIZE", cfg.EvictionBatchSize)
	cfg.CleanupInterval = env.GetDuration("CACHE_STRATEGY_CLEANUP_INTERVAL", cfg.CleanupInterval)
	cfg.EnableStatistics = env.GetBool("CACHE_STRATEGY_ENABLE_STATISTICS", cfg.EnableStatistics)
	return cfg
}

// Validate enforces SPEC_FULL's config validation rules.
func (c Config) Validate() error {
	v := config.NewValidator()
	v.RequirePositiveDuration("DefaultTTL", c.DefaultTTL)
	v.RequirePositiveInt("MaxCapacity", c.MaxCapacity)
	v.RequireRatio("EvictionThreshold", c.EvictionThreshold)
	v.RequirePositiveInt("EvictionBatchSize", c.EvictionBatchSize)
	v.RequirePositiveDuration("CleanupInterval", c.CleanupInterval)
	return v.Validate()
}

// ttlFor resolves the TTL to use for a category, falling back to DefaultTTL.
func (c Config) ttlFor(category string) time.Duration {
	if ttl, ok := c.CategoryTTLs[category]; ok {
		return ttl
	}
	return c.DefaultTTL
}
