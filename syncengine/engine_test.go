package syncengine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/starforge/realmcore/cache"
	"github.com/starforge/realmcore/document"
	"github.com/starforge/realmcore/logging"
)

// fakeDocumentStore is a hand-rolled fake satisfying document.Interface,
// used in place of an embedded-MongoDB test harness.
type fakeDocumentStore struct {
	mu           sync.Mutex
	upserts      map[document.EntityKind][]document.BulkUpsertItem
	deletes      []bson.M
	bulkUpsertErr error
}

func newFakeDocumentStore() *fakeDocumentStore {
	return &fakeDocumentStore{upserts: make(map[document.EntityKind][]document.BulkUpsertItem)}
}

func (f *fakeDocumentStore) FindOne(ctx context.Context, kind document.EntityKind, filter bson.M, out interface{}) (bool, error) {
	return false, nil
}

func (f *fakeDocumentStore) Find(ctx context.Context, kind document.EntityKind, filter bson.M, out interface{}) error {
	return nil
}

func (f *fakeDocumentStore) Upsert(ctx context.Context, kind document.EntityKind, filter bson.M, doc interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts[kind] = append(f.upserts[kind], document.BulkUpsertItem{Filter: filter, Doc: doc})
	return nil
}

func (f *fakeDocumentStore) Delete(ctx context.Context, kind document.EntityKind, filter bson.M) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, filter)
	return nil
}

func (f *fakeDocumentStore) BulkUpsert(ctx context.Context, kind document.EntityKind, items []document.BulkUpsertItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bulkUpsertErr != nil {
		return f.bulkUpsertErr
	}
	f.upserts[kind] = append(f.upserts[kind], items...)
	return nil
}

func (f *fakeDocumentStore) StartSession(ctx context.Context) (*document.Session, error) {
	return nil, errors.New("not supported by fake")
}

func (f *fakeDocumentStore) count(kind document.EntityKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.upserts[kind])
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *fakeDocumentStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cacheCfg := cache.DefaultConfig()
	cacheCfg.Addr = mr.Addr()
	logger := logging.NewContextLogger(logging.New(logging.DefaultConfig("test")), nil)
	store := cache.NewFromClient(client, cacheCfg, logger)

	docStore := newFakeDocumentStore()
	engine, err := New(store, docStore, cfg, logger)
	require.NoError(t, err)
	return engine, docStore
}

func TestWriteThroughSucceedsOnlyWhenBothSucceed(t *testing.T) {
	engine, docStore := newTestEngine(t, DefaultConfig())
	ctx := context.Background()

	err := engine.WriteThrough(ctx, document.EntityRoom, "room_state", "r1", []byte("x"), time.Minute,
		bson.M{"_id": "r1"}, map[string]string{"id": "r1"})
	require.NoError(t, err)

	val, found, err := engine.cache.Get(ctx, "room_state", "r1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("x"), val)
	assert.Equal(t, 1, docStore.count(document.EntityRoom))
}

func TestWriteBehindSetsCacheImmediatelyAndQueues(t *testing.T) {
	engine, docStore := newTestEngine(t, DefaultConfig())
	ctx := context.Background()

	err := engine.WriteBehind(ctx, document.EntityPlayer, "player_state", "p1", []byte("x"), time.Minute,
		bson.M{"_id": "p1"}, map[string]string{"id": "p1"})
	require.NoError(t, err)

	val, found, err := engine.cache.Get(ctx, "player_state", "p1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("x"), val)

	assert.Equal(t, 1, engine.PendingCount())
	assert.Equal(t, 0, docStore.count(document.EntityPlayer))

	engine.Flush(ctx)
	assert.Equal(t, 0, engine.PendingCount())
	assert.Equal(t, 1, docStore.count(document.EntityPlayer))
}

func TestFlushReEnqueuesBatchOnFailure(t *testing.T) {
	engine, docStore := newTestEngine(t, DefaultConfig())
	ctx := context.Background()
	docStore.bulkUpsertErr = errors.New("boom")

	require.NoError(t, engine.WriteBehind(ctx, document.EntityPlayer, "player_state", "p1", []byte("x"), time.Minute,
		bson.M{"_id": "p1"}, map[string]string{"id": "p1"}))

	engine.Flush(ctx)
	assert.Equal(t, 1, engine.PendingCount())
	assert.Equal(t, int64(1), engine.Statistics().FlushFailures)

	docStore.bulkUpsertErr = nil
	engine.Flush(ctx)
	assert.Equal(t, 0, engine.PendingCount())
}

func TestCacheAsideLoadsOnMissAndBackfills(t *testing.T) {
	engine, _ := newTestEngine(t, DefaultConfig())
	ctx := context.Background()

	calls := 0
	loader := func(ctx context.Context) ([]byte, error) {
		calls++
		return []byte("loaded"), nil
	}

	val, err := engine.CacheAside(ctx, "system_config", "cfg1", time.Minute, loader)
	require.NoError(t, err)
	assert.Equal(t, []byte("loaded"), val)
	assert.Equal(t, 1, calls)

	val, err = engine.CacheAside(ctx, "system_config", "cfg1", time.Minute, loader)
	require.NoError(t, err)
	assert.Equal(t, []byte("loaded"), val)
	assert.Equal(t, 1, calls) // second call hit cache, loader not invoked again
}

func TestDeleteRemovesFromCacheAndDocumentStore(t *testing.T) {
	engine, docStore := newTestEngine(t, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, engine.cache.Set(ctx, "room_state", "r1", []byte("x"), time.Minute))
	require.NoError(t, engine.Delete(ctx, document.EntityRoom, "room_state", "r1", bson.M{"_id": "r1"}))

	_, found, err := engine.cache.Get(ctx, "room_state", "r1")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Len(t, docStore.deletes, 1)
}

func TestWriteBehindRejectsWhenQueueFullAndFlushDoesNotFreeSpace(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPendingWrites = 1
	cfg.FlushBatchSize = 1

	engine, docStore := newTestEngine(t, cfg)
	ctx := context.Background()
	docStore.bulkUpsertErr = errors.New("persist down")

	require.NoError(t, engine.WriteBehind(ctx, document.EntityPlayer, "player_state", "p1", []byte("a"), time.Minute,
		bson.M{"_id": "p1"}, map[string]string{"id": "p1"}))

	err := engine.WriteBehind(ctx, document.EntityPlayer, "player_state", "p2", []byte("b"), time.Minute,
		bson.M{"_id": "p2"}, map[string]string{"id": "p2"})
	require.Error(t, err)
}

func TestShutdownFlushesRemainingItems(t *testing.T) {
	engine, docStore := newTestEngine(t, DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, engine.WriteBehind(ctx, document.EntityPlayer, "player_state", "p", []byte("x"), time.Minute,
			bson.M{"_id": "p"}, map[string]string{"id": "p"}))
	}

	engine.Shutdown(ctx)
	assert.Equal(t, 0, engine.PendingCount())
	assert.Equal(t, 3, docStore.count(document.EntityPlayer))
}
