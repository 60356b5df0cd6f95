package cachestrategy

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/starforge/realmcore/cache"
	"github.com/starforge/realmcore/logging"
)

// Strategy is the unified cache facade with category-driven TTL and local
// LRU admission tracking.
type Strategy struct {
	store *cache.Store
	cfg   Config
	log   *logging.ContextLogger

	mu     sync.Mutex
	access map[accessKey]time.Time

	totalRequests atomic.Int64
	hits          atomic.Int64
	misses        atomic.Int64
	expiredCount  atomic.Int64

	statsMu       sync.Mutex
	avgResponseMs float64
	lastCleanup   time.Time
}

type accessKey struct {
	category string
	key      string
}

// New creates a Strategy bound to store.
func New(store *cache.Store, cfg Config, logger *logging.ContextLogger) (*Strategy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Strategy{
		store:  store,
		cfg:    cfg,
		log:    logger.WithField("component", "cachestrategy.Strategy"),
		access: make(map[accessKey]time.Time),
	}, nil
}

func (s *Strategy) record(fn func() error) error {
	start := time.Now()
	err := fn()
	if s.cfg.EnableStatistics {
		elapsed := float64(time.Since(start).Microseconds()) / 1000.0
		s.statsMu.Lock()
		if s.avgResponseMs == 0 {
			s.avgResponseMs = elapsed
		} else {
			s.avgResponseMs = 0.9*s.avgResponseMs + 0.1*elapsed
		}
		s.statsMu.Unlock()
	}
	return err
}

func (s *Strategy) touch(category, key string) {
	s.mu.Lock()
	s.access[accessKey{category, key}] = time.Now()
	s.mu.Unlock()
}

// Get returns the cached value for category/key, updating its access time on
// a hit.
func (s *Strategy) Get(ctx context.Context, category, key string) ([]byte, bool, error) {
	s.totalRequests.Add(1)
	var val []byte
	var found bool
	err := s.record(func() error {
		var err error
		val, found, err = s.store.Get(ctx, category, key)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if found {
		s.hits.Add(1)
		s.touch(category, key)
	} else {
		s.misses.Add(1)
	}
	return val, found, nil
}

// Set stores value under category/key. If ttl is nil, the category's
// configured default TTL is used. Admission control runs before the set: if
// the tracked key count exceeds MaxCapacity*EvictionThreshold, the
// EvictionBatchSize oldest-accessed keys are evicted first.
func (s *Strategy) Set(ctx context.Context, category, key string, value []byte, ttl *time.Duration) error {
	resolved := s.cfg.ttlFor(category)
	if ttl != nil {
		resolved = *ttl
	}

	s.maybeEvict(ctx)

	err := s.record(func() error {
		return s.store.Set(ctx, category, key, value, resolved)
	})
	if err != nil {
		return err
	}
	s.touch(category, key)
	return nil
}

// Remove deletes category/key from the cache and from the access map.
func (s *Strategy) Remove(ctx context.Context, category, key string) error {
	err := s.record(func() error {
		return s.store.Delete(ctx, category, key)
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.access, accessKey{category, key})
	s.mu.Unlock()
	return nil
}

// Exists reports whether category/key is present, updating its access time
// on a positive result.
func (s *Strategy) Exists(ctx context.Context, category, key string) (bool, error) {
	ok, err := s.store.Exists(ctx, category, key)
	if err != nil {
		return false, err
	}
	if ok {
		s.touch(category, key)
	}
	return ok, nil
}

// GetMany retrieves several keys in the same category, updating access times
// for every key found.
func (s *Strategy) GetMany(ctx context.Context, category string, keys []string) (map[string][]byte, error) {
	s.totalRequests.Add(int64(len(keys)))
	result, err := s.store.GetMany(ctx, category, keys)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	s.mu.Lock()
	for k := range result {
		s.access[accessKey{category, k}] = now
	}
	s.mu.Unlock()
	s.hits.Add(int64(len(result)))
	s.misses.Add(int64(len(keys) - len(result)))
	return result, nil
}

// SetManyItem is one entry of a SetMany batch; TTL is resolved from the
// category default when zero.
type SetManyItem struct {
	Key   string
	Value []byte
	TTL   time.Duration
}

// SetMany stores several items in the same category via a single pipeline.
func (s *Strategy) SetMany(ctx context.Context, category string, items []SetManyItem) error {
	if len(items) == 0 {
		return nil
	}
	s.maybeEvict(ctx)

	storeItems := make([]cache.SetManyItem, 0, len(items))
	for _, item := range items {
		ttl := item.TTL
		if ttl <= 0 {
			ttl = s.cfg.ttlFor(category)
		}
		storeItems = append(storeItems, cache.SetManyItem{Key: item.Key, Value: item.Value, TTL: ttl})
	}

	if err := s.store.SetMany(ctx, category, storeItems); err != nil {
		return err
	}

	now := time.Now()
	s.mu.Lock()
	for _, item := range items {
		s.access[accessKey{category, item.Key}] = now
	}
	s.mu.Unlock()
	return nil
}

// Refresh re-applies the category's default TTL to an existing key and
// updates its access time. Reports false if the key was absent.
func (s *Strategy) Refresh(ctx context.Context, category, key string) (bool, error) {
	ok, err := s.store.Expire(ctx, category, key, s.cfg.ttlFor(category))
	if err != nil {
		return false, err
	}
	if ok {
		s.touch(category, key)
	}
	return ok, nil
}

// WarmupItem is one entry of a Warmup batch.
type WarmupItem struct {
	Category string
	Key      string
	Value    []byte
	TTL      time.Duration // optional per-item override
	Priority int           // higher priority items are set first
}

// WarmupResult reports the outcome of a Warmup call.
type WarmupResult struct {
	Succeeded int
	Failed    []string
}

// Warmup sets a prioritized batch of items, highest priority first.
func (s *Strategy) Warmup(ctx context.Context, items []WarmupItem) WarmupResult {
	sorted := make([]WarmupItem, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })

	result := WarmupResult{}
	for _, item := range sorted {
		var ttl *time.Duration
		if item.TTL > 0 {
			ttl = &item.TTL
		}
		if err := s.Set(ctx, item.Category, item.Key, item.Value, ttl); err != nil {
			result.Failed = append(result.Failed, item.Key)
			continue
		}
		result.Succeeded++
	}
	return result
}

// maybeEvict evicts the oldest-accessed keys if the tracked key count
// exceeds MaxCapacity*EvictionThreshold.
func (s *Strategy) maybeEvict(ctx context.Context) {
	s.mu.Lock()
	count := len(s.access)
	s.mu.Unlock()

	threshold := int(float64(s.cfg.MaxCapacity) * s.cfg.EvictionThreshold)
	if count <= threshold {
		return
	}
	s.evictLRU(ctx, s.cfg.EvictionBatchSize)
}

// EvictLRU deletes the n oldest-accessed keys from the cache store and the
// access map.
func (s *Strategy) EvictLRU(ctx context.Context, n int) int {
	return s.evictLRU(ctx, n)
}

func (s *Strategy) evictLRU(ctx context.Context, n int) int {
	s.mu.Lock()
	type candidate struct {
		k accessKey
		t time.Time
	}
	candidates := make([]candidate, 0, len(s.access))
	for k, t := range s.access {
		candidates = append(candidates, candidate{k, t})
	}
	s.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].t.Before(candidates[j].t) })
	if n > len(candidates) {
		n = len(candidates)
	}

	evicted := 0
	for i := 0; i < n; i++ {
		k := candidates[i].k
		if err := s.store.Delete(ctx, k.category, k.key); err != nil {
			s.log.WithError(err).Warn("lru eviction delete failed")
			continue
		}
		s.mu.Lock()
		delete(s.access, k)
		s.mu.Unlock()
		evicted++
	}
	return evicted
}

// CleanupExpired scans the access map, removing entries whose store-side TTL
// has already expired, and triggers LRU eviction if still over threshold.
// Intended to be driven by a periodic background task; failures are logged
// and the scan continues rather than aborting.
func (s *Strategy) CleanupExpired(ctx context.Context) int {
	s.mu.Lock()
	keys := make([]accessKey, 0, len(s.access))
	for k := range s.access {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	removed := 0
	for _, k := range keys {
		ttl, err := s.store.TTL(ctx, k.category, k.key)
		if err != nil {
			s.log.WithError(err).Warn("cleanup ttl query failed")
			continue
		}
		if ttl <= 0 {
			s.mu.Lock()
			delete(s.access, k)
			s.mu.Unlock()
			removed++
			s.expiredCount.Add(1)
		}
	}

	s.statsMu.Lock()
	s.lastCleanup = time.Now()
	s.statsMu.Unlock()

	s.maybeEvict(ctx)
	return removed
}

// RunCleanupLoop runs CleanupExpired on cfg.CleanupInterval until ctx is
// done. Individual cleanup failures never stop the loop (§7 background-task
// policy); CleanupExpired itself already logs and continues on per-key
// errors.
func (s *Strategy) RunCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CleanupExpired(ctx)
		}
	}
}

// Statistics reports a snapshot of the strategy's counters.
type Statistics struct {
	TotalRequests   int64
	Hits            int64
	Misses          int64
	KeyCount        int
	ExpiredCount    int64
	LastCleanup     time.Time
	AvgResponseMs   float64
	MemoryUsageInfo string
}

// Statistics returns a snapshot, optionally querying the store's keyspace
// info for memory usage (best-effort; failures leave MemoryUsageInfo empty).
func (s *Strategy) Statistics(ctx context.Context) Statistics {
	s.mu.Lock()
	keyCount := len(s.access)
	s.mu.Unlock()

	s.statsMu.Lock()
	avg := s.avgResponseMs
	lastCleanup := s.lastCleanup
	s.statsMu.Unlock()

	info, err := s.store.Info(ctx, "memory")
	if err != nil {
		info = ""
	}

	return Statistics{
		TotalRequests:   s.totalRequests.Load(),
		Hits:            s.hits.Load(),
		Misses:          s.misses.Load(),
		KeyCount:        keyCount,
		ExpiredCount:    s.expiredCount.Load(),
		LastCleanup:     lastCleanup,
		AvgResponseMs:   avg,
		MemoryUsageInfo: info,
	}
}
