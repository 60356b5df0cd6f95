package cachestrategy

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starforge/realmcore/cache"
	"github.com/starforge/realmcore/logging"
)

func newTestStrategy(t *testing.T, cfg Config) (*Strategy, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cacheCfg := cache.DefaultConfig()
	cacheCfg.Addr = mr.Addr()
	logger := logging.NewContextLogger(logging.New(logging.DefaultConfig("test")), nil)
	store := cache.NewFromClient(client, cacheCfg, logger)

	strat, err := New(store, cfg, logger)
	require.NoError(t, err)
	return strat, mr
}

func TestSetGetUsesCategoryDefaultTTL(t *testing.T) {
	strat, mr := newTestStrategy(t, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, strat.Set(ctx, CategoryPlayerState, "p1", []byte("x"), nil))

	val, found, err := strat.Get(ctx, CategoryPlayerState, "p1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("x"), val)

	ttl := mr.TTL(store_key(strat, CategoryPlayerState, "p1"))
	assert.Greater(t, ttl, time.Duration(0))
}

func store_key(s *Strategy, category, key string) string {
	return s.store.Key(category, key)
}

func TestGetTracksHitsAndMisses(t *testing.T) {
	strat, _ := newTestStrategy(t, DefaultConfig())
	ctx := context.Background()

	_, found, err := strat.Get(ctx, CategoryPlayerState, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, strat.Set(ctx, CategoryPlayerState, "p1", []byte("x"), nil))
	_, found, err = strat.Get(ctx, CategoryPlayerState, "p1")
	require.NoError(t, err)
	assert.True(t, found)

	stats := strat.Statistics(ctx)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestRemoveDeletesFromCacheAndAccessMap(t *testing.T) {
	strat, _ := newTestStrategy(t, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, strat.Set(ctx, CategoryRoomState, "r1", []byte("x"), nil))
	require.NoError(t, strat.Remove(ctx, CategoryRoomState, "r1"))

	_, found, err := strat.Get(ctx, CategoryRoomState, "r1")
	require.NoError(t, err)
	assert.False(t, found)

	stats := strat.Statistics(ctx)
	assert.Equal(t, 0, stats.KeyCount)
}

func TestWarmupOrdersByPriorityAndReturnsCounts(t *testing.T) {
	strat, _ := newTestStrategy(t, DefaultConfig())
	ctx := context.Background()

	result := strat.Warmup(ctx, []WarmupItem{
		{Category: CategorySystemConfig, Key: "low", Value: []byte("a"), Priority: 1},
		{Category: CategorySystemConfig, Key: "high", Value: []byte("b"), Priority: 10},
	})

	assert.Equal(t, 2, result.Succeeded)
	assert.Empty(t, result.Failed)

	_, found, err := strat.Get(ctx, CategorySystemConfig, "high")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestEvictLRURemovesOldestAccessedKeys(t *testing.T) {
	strat, _ := newTestStrategy(t, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, strat.Set(ctx, CategoryChat, "k1", []byte("a"), nil))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, strat.Set(ctx, CategoryChat, "k2", []byte("b"), nil))

	evicted := strat.EvictLRU(ctx, 1)
	assert.Equal(t, 1, evicted)

	_, found, err := strat.Get(ctx, CategoryChat, "k1")
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = strat.Get(ctx, CategoryChat, "k2")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestMaybeEvictTriggersWhenOverThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCapacity = 2
	cfg.EvictionThreshold = 0.5 // threshold = 1 key
	cfg.EvictionBatchSize = 1

	strat, mr := newTestStrategy(t, cfg)
	ctx := context.Background()

	require.NoError(t, strat.Set(ctx, CategoryChat, "k1", []byte("a"), nil))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, strat.Set(ctx, CategoryChat, "k2", []byte("b"), nil))
	time.Sleep(5 * time.Millisecond)
	// Two tracked keys exceed the threshold of 1, so this Set evicts k1.
	require.NoError(t, strat.Set(ctx, CategoryChat, "k3", []byte("c"), nil))

	stats := strat.Statistics(ctx)
	assert.LessOrEqual(t, stats.KeyCount, 2)
	assert.False(t, mr.Exists(store_key(strat, CategoryChat, "k1")))
}

func TestGetManyAndSetManyEmptyInputsPerformNoIO(t *testing.T) {
	strat, _ := newTestStrategy(t, DefaultConfig())
	ctx := context.Background()

	result, err := strat.GetMany(ctx, CategoryChat, nil)
	require.NoError(t, err)
	assert.Empty(t, result)

	assert.NoError(t, strat.SetMany(ctx, CategoryChat, nil))
}

func TestCleanupExpiredRemovesExpiredKeysFromAccessMap(t *testing.T) {
	strat, mr := newTestStrategy(t, DefaultConfig())
	ctx := context.Background()

	ttl := 10 * time.Millisecond
	require.NoError(t, strat.Set(ctx, CategoryTempVerify, "tmp", []byte("x"), &ttl))

	mr.FastForward(20 * time.Millisecond)

	removed := strat.CleanupExpired(ctx)
	assert.Equal(t, 1, removed)
}
