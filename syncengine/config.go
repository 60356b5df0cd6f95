// Package syncengine implements the Sync Engine (C5): mediates between the
// Cache Store Adapter and the Document Store Adapter under write-through,
// write-behind, and cache-aside strategies, selected per entity kind.
//
// Grounded on db/repository/composite.go's cache-first GetAction (cache-aside)
// and coordinated multi-backend SaveAction (write-through), and on
// worker/pool.go's drain-loop Worker.Start/processNext (timed dequeue,
// mark-processing, complete/fail) for the write-behind flush loop.
package syncengine

import (
	"time"

	"github.com/starforge/realmcore/config"
	"github.com/starforge/realmcore/document"
)

// Strategy selects how a write reaches the document store.
type Strategy string

const (
	StrategyWriteThrough Strategy = "write_through"
	StrategyWriteBehind  Strategy = "write_behind"
	StrategyCacheAside   Strategy = "cache_aside"
)

// Config configures the sync engine's per-kind strategy selection and the
// write-behind flush loop.
type Config struct {
	StrategyByKind map[document.EntityKind]Strategy

	FlushInterval    time.Duration
	FlushBatchSize   int
	MaxPendingWrites int
}

// DefaultConfig maps Player to write-behind, Room and GameRecord to
// write-through, and Generic to cache-aside. Kinds missing from
// StrategyByKind fall back to write-through.
func DefaultConfig() Config {
	return Config{
		StrategyByKind: map[document.EntityKind]Strategy{
			document.EntityPlayer:     StrategyWriteBehind,
			document.EntityRoom:       StrategyWriteThrough,
			document.EntityGameRecord: StrategyWriteThrough,
			document.EntityGeneric:    StrategyCacheAside,
		},
		FlushInterval:    2 * time.Second,
		FlushBatchSize:   100,
		MaxPendingWrites: 1000,
	}
}

// ConfigFromEnv loads flush tuning from environment variables under prefix.
// Per-kind strategy selection is a structural wiring decision made at
// construction time, not a runtime env knob.
func ConfigFromEnv(prefix string) Config {
	env := config.NewEnvConfig(prefix)
	cfg := DefaultConfig()
	cfg.FlushInterval = env.GetDuration("SYNC_FLUSH_INTERVAL", cfg.FlushInterval)
	cfg.FlushBatchSize = env.GetInt("SYNC_FLUSH_BATCH_SIZE", cfg.FlushBatchSize)
	cfg.MaxPendingWrites = env.GetInt("SYNC_MAX_PENDING_WRITES", cfg.MaxPendingWrites)
	return cfg
}

// Validate enforces SPEC_FULL's config validation rules.
func (c Config) Validate() error {
	v := config.NewValidator()
	v.RequirePositiveDuration("FlushInterval", c.FlushInterval)
	v.RequirePositiveInt("FlushBatchSize", c.FlushBatchSize)
	v.RequirePositiveInt("MaxPendingWrites", c.MaxPendingWrites)
	return v.Validate()
}

func (c Config) strategyFor(kind document.EntityKind) Strategy {
	if s, ok := c.StrategyByKind[kind]; ok {
		return s
	}
	return StrategyWriteThrough
}
