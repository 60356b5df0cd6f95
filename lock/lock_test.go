package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starforge/realmcore/apperrors"
	"github.com/starforge/realmcore/cache"
	"github.com/starforge/realmcore/logging"
)

func newTestManager(t *testing.T, cfg Config) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cacheCfg := cache.DefaultConfig()
	cacheCfg.Addr = mr.Addr()
	logger := logging.NewContextLogger(logging.New(logging.DefaultConfig("test")), nil)
	store := cache.NewFromClient(client, cacheCfg, logger)

	mgr, err := New(store, cfg, logger)
	require.NoError(t, err)
	return mgr, mr
}

func TestTryLockAcquiresUncontendedKey(t *testing.T) {
	mgr, _ := newTestManager(t, DefaultConfig())
	l, err := mgr.TryLock(context.Background(), "room:1", 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.NotEmpty(t, l.Owner())

	assert.NoError(t, l.Release(context.Background()))
}

func TestTryLockFailsWhenContended(t *testing.T) {
	mgr, _ := newTestManager(t, DefaultConfig())
	ctx := context.Background()

	l1, err := mgr.TryLock(ctx, "room:1", 5*time.Second)
	require.NoError(t, err)
	defer l1.Release(ctx)

	_, err = mgr.TryLock(ctx, "room:1", 5*time.Second)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindLockContended))
}

func TestReleaseAllowsReacquisition(t *testing.T) {
	mgr, _ := newTestManager(t, DefaultConfig())
	ctx := context.Background()

	l1, err := mgr.TryLock(ctx, "room:1", 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, l1.Release(ctx))

	l2, err := mgr.TryLock(ctx, "room:1", 5*time.Second)
	require.NoError(t, err)
	assert.NoError(t, l2.Release(ctx))
}

func TestReleaseDoesNotDropAnotherOwnersLock(t *testing.T) {
	mgr, mr := newTestManager(t, DefaultConfig())
	ctx := context.Background()

	l1, err := mgr.TryLock(ctx, "room:1", 5*time.Second)
	require.NoError(t, err)

	// Simulate owner token loss by forging a stale Lock with a fabricated
	// owner value that never matched the stored key.
	stale := &Lock{manager: mgr, key: "room:1", owner: "stale-owner", lost: make(chan struct{})}
	stale.cancel = func() {}
	err = stale.Release(ctx)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindLockLost))

	// The real owner's key must still be present.
	exists := mr.Exists(mgr.lockKey("room:1"))
	assert.True(t, exists)

	require.NoError(t, l1.Release(ctx))
}

func TestLockBlocksUntilReleased(t *testing.T) {
	mgr, _ := newTestManager(t, DefaultConfig())
	ctx := context.Background()

	l1, err := mgr.TryLock(ctx, "room:1", 5*time.Second)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		l2, err := mgr.Lock(ctx, "room:1", 5*time.Second)
		require.NoError(t, err)
		l2.Release(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, l1.Release(ctx))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("blocking Lock never acquired the key after release")
	}
}

func TestLockRespectsContextCancellation(t *testing.T) {
	mgr, _ := newTestManager(t, DefaultConfig())
	ctx := context.Background()

	l1, err := mgr.TryLock(ctx, "room:1", 30*time.Second)
	require.NoError(t, err)
	defer l1.Release(context.Background())

	cancelCtx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	_, err = mgr.Lock(cancelCtx, "room:1", 5*time.Second)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindLockContended))
}

func TestIsValidReportsOwnership(t *testing.T) {
	mgr, _ := newTestManager(t, DefaultConfig())
	ctx := context.Background()

	l1, err := mgr.TryLock(ctx, "room:1", 5*time.Second)
	require.NoError(t, err)

	valid, err := mgr.IsValid(ctx, l1)
	require.NoError(t, err)
	assert.True(t, valid)

	stale := &Lock{manager: mgr, key: "room:1", owner: "stale-owner", lost: make(chan struct{})}
	valid, err = mgr.IsValid(ctx, stale)
	require.NoError(t, err)
	assert.False(t, valid)

	require.NoError(t, l1.Release(ctx))

	valid, err = mgr.IsValid(ctx, l1)
	require.NoError(t, err)
	assert.False(t, valid, "a released lock's key no longer exists, so IsValid must report false")
}

func TestRenewExtendsTTLForOwner(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableAutoRenewal = false
	mgr, mr := newTestManager(t, cfg)
	ctx := context.Background()

	l1, err := mgr.TryLock(ctx, "room:1", 200*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, mgr.Renew(ctx, l1, 5*time.Second))
	mr.FastForward(500 * time.Millisecond)

	exists := mr.Exists(mgr.lockKey("room:1"))
	assert.True(t, exists, "Renew must extend the TTL past the lock's original expiry")

	require.NoError(t, l1.Release(ctx))
}

func TestRenewRejectsNonOwner(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableAutoRenewal = false
	mgr, _ := newTestManager(t, cfg)
	ctx := context.Background()

	l1, err := mgr.TryLock(ctx, "room:1", 5*time.Second)
	require.NoError(t, err)
	defer l1.Release(ctx)

	stale := &Lock{manager: mgr, key: "room:1", owner: "stale-owner", lost: make(chan struct{})}
	err = mgr.Renew(ctx, stale, 5*time.Second)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindLockLost))
}

func TestEnableAutoRenewalDisabledSkipsBackgroundLoop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableAutoRenewal = false
	mgr, mr := newTestManager(t, cfg)
	ctx := context.Background()

	l1, err := mgr.TryLock(ctx, "room:1", 100*time.Millisecond)
	require.NoError(t, err)
	defer func() { _ = l1 }()

	mr.FastForward(200 * time.Millisecond)
	exists := mr.Exists(mgr.lockKey("room:1"))
	assert.False(t, exists, "with auto-renewal disabled the key must expire on its own TTL")
}

func TestLockTimesOutAfterMaxRetries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AcquireRetryInterval = time.Millisecond
	cfg.MaxRetries = 3
	cfg.DefaultTimeout = time.Second
	mgr, _ := newTestManager(t, cfg)
	ctx := context.Background()

	l1, err := mgr.TryLock(ctx, "room:1", 5*time.Second)
	require.NoError(t, err)
	defer l1.Release(context.Background())

	_, err = mgr.Lock(ctx, "room:1", 5*time.Second)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindLockContended))
}

func TestKeyPrefixNamespacesLockKeys(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KeyPrefix = "custom-lock-prefix"
	mgr, mr := newTestManager(t, cfg)
	ctx := context.Background()

	l1, err := mgr.TryLock(ctx, "room:1", 5*time.Second)
	require.NoError(t, err)
	defer l1.Release(ctx)

	assert.True(t, mr.Exists("custom-lock-prefix:room:1"))
}

func TestStatsTracksAcquiredAndContended(t *testing.T) {
	mgr, _ := newTestManager(t, DefaultConfig())
	ctx := context.Background()

	l1, err := mgr.TryLock(ctx, "room:1", 5*time.Second)
	require.NoError(t, err)

	_, err = mgr.TryLock(ctx, "room:1", 5*time.Second)
	require.Error(t, err)

	stats := mgr.Stats()
	assert.Equal(t, int64(1), stats.Acquired)
	assert.Equal(t, int64(1), stats.Contended)

	require.NoError(t, l1.Release(ctx))
}
