package syncengine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/starforge/realmcore/apperrors"
	"github.com/starforge/realmcore/cache"
	"github.com/starforge/realmcore/document"
	"github.com/starforge/realmcore/logging"
)

// pendingWrite is a Write-Behind Item: a queued deferred document write.
type pendingWrite struct {
	kind     document.EntityKind
	filter   bson.M
	doc      interface{}
	enqueued time.Time
}

// Engine mediates cache/document writes under a per-entity-kind strategy.
type Engine struct {
	cache *cache.Store
	doc   document.Interface
	cfg   Config
	log   *logging.ContextLogger

	mu      sync.Mutex
	pending []pendingWrite

	flushFailures atomic.Int64
	flushed       atomic.Int64
}

// New creates an Engine bound to the given cache and document stores.
func New(cacheStore *cache.Store, docStore document.Interface, cfg Config, logger *logging.ContextLogger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		cache: cacheStore,
		doc:   docStore,
		cfg:   cfg,
		log:   logger.WithField("component", "syncengine.Engine"),
	}, nil
}

// Write dispatches to the strategy configured for kind.
func (e *Engine) Write(ctx context.Context, kind document.EntityKind, category, key string, payload []byte, ttl time.Duration, filter bson.M, doc interface{}) error {
	switch e.cfg.strategyFor(kind) {
	case StrategyWriteBehind:
		return e.WriteBehind(ctx, kind, category, key, payload, ttl, filter, doc)
	case StrategyCacheAside:
		return e.cache.Set(ctx, category, key, payload, ttl)
	default:
		return e.WriteThrough(ctx, kind, category, key, payload, ttl, filter, doc)
	}
}

// WriteThrough sets the cache entry and upserts the document concurrently,
// succeeding only if both succeed.
func (e *Engine) WriteThrough(ctx context.Context, kind document.EntityKind, category, key string, payload []byte, ttl time.Duration, filter bson.M, doc interface{}) error {
	var cacheErr, docErr error
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		cacheErr = e.cache.Set(ctx, category, key, payload, ttl)
	}()
	go func() {
		defer wg.Done()
		docErr = e.doc.Upsert(ctx, kind, filter, doc)
	}()
	wg.Wait()

	if cacheErr != nil {
		return cacheErr
	}
	if docErr != nil {
		return docErr
	}
	return nil
}

// WriteBehind sets the cache entry immediately and enqueues the document
// write for later batched persistence. If the queue is at MaxPendingWrites,
// an immediate flush is triggered before the new item is admitted; the item
// is admitted only if the flush frees space.
func (e *Engine) WriteBehind(ctx context.Context, kind document.EntityKind, category, key string, payload []byte, ttl time.Duration, filter bson.M, doc interface{}) error {
	if err := e.cache.Set(ctx, category, key, payload, ttl); err != nil {
		return err
	}

	e.mu.Lock()
	full := len(e.pending) >= e.cfg.MaxPendingWrites
	e.mu.Unlock()

	if full {
		e.Flush(ctx)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.pending) >= e.cfg.MaxPendingWrites {
		return apperrors.New(apperrors.KindPoolFull, "write-behind queue at capacity").WithKey(key)
	}
	e.pending = append(e.pending, pendingWrite{kind: kind, filter: filter, doc: doc, enqueued: time.Now()})
	return nil
}

// CacheAside returns the cached value if present; otherwise invokes loader,
// sets the cache with the caller-supplied ttl, and returns the loaded value.
// The engine does not look up a per-category default TTL.
func (e *Engine) CacheAside(ctx context.Context, category, key string, ttl time.Duration, loader func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	val, found, err := e.cache.Get(ctx, category, key)
	if err != nil {
		return nil, err
	}
	if found {
		return val, nil
	}

	val, err = loader(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.cache.Set(ctx, category, key, val, ttl); err != nil {
		e.log.WithError(err).Warn("cache-aside backfill set failed")
	}
	return val, nil
}

// Delete removes category/key from the cache and the document collection
// matching filter.
func (e *Engine) Delete(ctx context.Context, kind document.EntityKind, category, key string, filter bson.M) error {
	if err := e.cache.Delete(ctx, category, key); err != nil {
		return err
	}
	return e.doc.Delete(ctx, kind, filter)
}

// Flush drains up to FlushBatchSize pending items, groups them by entity
// kind preserving FIFO order within each group, and upserts each group
// through the document store. The items of each kind group whose upsert
// fails are put back at the head of the queue and the failure counter is
// incremented once per failed group; groups that succeeded are not
// re-enqueued. Background callers (RunFlushLoop) never treat a flush failure
// as fatal.
func (e *Engine) Flush(ctx context.Context) {
	e.mu.Lock()
	n := e.cfg.FlushBatchSize
	if n > len(e.pending) {
		n = len(e.pending)
	}
	batch := e.pending[:n]
	e.pending = e.pending[n:]
	e.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	grouped := make(map[document.EntityKind][]document.BulkUpsertItem)
	var order []document.EntityKind
	for _, item := range batch {
		if _, ok := grouped[item.kind]; !ok {
			order = append(order, item.kind)
		}
		grouped[item.kind] = append(grouped[item.kind], document.BulkUpsertItem{Filter: item.filter, Doc: item.doc})
	}

	var failed []pendingWrite
	for _, kind := range order {
		if err := e.doc.BulkUpsert(ctx, kind, grouped[kind]); err != nil {
			e.log.WithError(err).WithField("kind", kind).Warn("write-behind flush failed, re-enqueuing batch")
			e.flushFailures.Add(1)
			for _, item := range batch {
				if item.kind == kind {
					failed = append(failed, item)
				}
			}
			continue
		}
		e.flushed.Add(int64(len(grouped[kind])))
	}

	if len(failed) > 0 {
		e.mu.Lock()
		e.pending = append(failed, e.pending...)
		e.mu.Unlock()
	}
}

// RunFlushLoop runs Flush on cfg.FlushInterval until ctx is done. Individual
// flush failures never stop the loop (§7 background-task policy).
func (e *Engine) RunFlushLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Flush(ctx)
		}
	}
}

// Shutdown attempts a final bounded flush of everything still pending.
func (e *Engine) Shutdown(ctx context.Context) {
	for {
		e.mu.Lock()
		remaining := len(e.pending)
		e.mu.Unlock()
		if remaining == 0 {
			return
		}
		e.Flush(ctx)
		if e.PendingCount() >= remaining {
			// No progress: every remaining group failed; stop instead of spinning.
			return
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// PendingCount reports the number of items currently queued for write-behind
// persistence.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Statistics reports write-behind flush counters.
type Statistics struct {
	Flushed        int64
	FlushFailures  int64
	PendingCount   int
}

// Statistics returns a snapshot of the engine's counters.
func (e *Engine) Statistics() Statistics {
	return Statistics{
		Flushed:       e.flushed.Load(),
		FlushFailures: e.flushFailures.Load(),
		PendingCount:  e.PendingCount(),
	}
}
