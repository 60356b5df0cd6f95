package lock

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/starforge/realmcore/apperrors"
	"github.com/starforge/realmcore/cache"
	"github.com/starforge/realmcore/logging"
)

// compareAndDelete releases a lock only if it's still held by the owner that
// took it out, preventing a renewed/re-acquired lock from being dropped by a
// stale holder's deferred Release.
const compareAndDelete = `
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
else
  return 0
end`

// compareAndExpire extends a lock's TTL only if it's still held by the owner
// requesting the renewal.
const compareAndExpire = `
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("pexpire", KEYS[1], ARGV[2])
else
  return 0
end`

// Manager acquires and tracks fenced, TTL-bound locks over a cache.Store.
type Manager struct {
	store *cache.Store
	cfg   Config
	log   *logging.ContextLogger

	mu    sync.Mutex
	held  map[string]*Lock

	acquired  atomic.Int64
	contended atomic.Int64
	lost      atomic.Int64
}

// New creates a lock Manager bound to store.
func New(store *cache.Store, cfg Config, logger *logging.ContextLogger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{
		store: store,
		cfg:   cfg,
		log:   logger.WithField("component", "lock.Manager"),
		held:  make(map[string]*Lock),
	}, nil
}

// Lock represents a held fenced lock. When cfg.EnableAutoRenewal is set it
// auto-renews in the background until Release is called or renewal fails (in
// which case LockLost fires through the Lost channel).
type Lock struct {
	manager *Manager
	key     string
	owner   string
	ttl     time.Duration

	mu       sync.Mutex
	released bool
	lost     chan struct{}
	lostOnce sync.Once
	cancel   context.CancelFunc
}

// Key returns the logical key this lock guards.
func (l *Lock) Key() string { return l.key }

// Owner returns the fencing token identifying this lock instance.
func (l *Lock) Owner() string { return l.owner }

// Lost returns a channel closed when the manager detects this lock was lost
// (renewal failed because another owner holds the key, or the store is
// unavailable past TTL expiry). Release also closes it.
func (l *Lock) Lost() <-chan struct{} { return l.lost }

func newOwnerToken() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown-host"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString())
}

// lockKey namespaces key under the lock manager's own prefix (§6: "lock keys
// take <lock-prefix>:<logical-key>"), independent of the cache store's own
// category prefixing.
func (m *Manager) lockKey(key string) string {
	return m.cfg.KeyPrefix + ":" + key
}

// TryLock attempts to acquire key without blocking. It returns
// apperrors.ErrLockContended if another owner currently holds it. When
// cfg.EnableAutoRenewal is set, the returned Lock is kept alive by a
// background renewal loop until Release is called or renewal fails.
func (m *Manager) TryLock(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	if ttl <= 0 {
		ttl = m.cfg.DefaultTTL
	}
	owner := newOwnerToken()

	ok, err := m.store.RawClient().SetNX(ctx, m.lockKey(key), owner, ttl).Result()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindCacheUnavailable, "lock acquire failed", err).WithKey(key)
	}
	if !ok {
		m.contended.Add(1)
		return nil, apperrors.New(apperrors.KindLockContended, "lock held by another owner").WithKey(key)
	}

	lockCtx, cancel := context.WithCancel(context.Background())
	l := &Lock{
		manager: m,
		key:     key,
		owner:   owner,
		ttl:     ttl,
		lost:    make(chan struct{}),
		cancel:  cancel,
	}

	m.mu.Lock()
	m.held[key] = l
	m.mu.Unlock()

	m.acquired.Add(1)
	if m.cfg.EnableAutoRenewal {
		go m.renewLoop(lockCtx, l)
	}

	return l, nil
}

// Lock blocks, polling at AcquireRetryInterval, until key is acquired, ctx is
// done, cfg.DefaultTimeout elapses, or cfg.MaxRetries attempts are
// exhausted — whichever comes first — per §4.3's "retries try-acquire with
// configured interval and bounded retry count until success, elapsed wait,
// or cancellation; raises timeout on exhaustion."
func (m *Manager) Lock(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.DefaultTimeout)
	defer cancel()

	ticker := time.NewTicker(m.cfg.AcquireRetryInterval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		l, err := m.TryLock(ctx, key, ttl)
		if err == nil {
			return l, nil
		}
		if !apperrors.Is(err, apperrors.KindLockContended) {
			return nil, err
		}
		if attempt >= m.cfg.MaxRetries {
			return nil, apperrors.New(apperrors.KindLockContended, "lock acquire timed out after max retries").WithKey(key)
		}

		select {
		case <-ctx.Done():
			return nil, apperrors.Wrap(apperrors.KindLockContended, "lock acquire timed out", ctx.Err()).WithKey(key)
		case <-ticker.C:
		}
	}
}

// renewLoop refreshes the lock's TTL at AutoRenewalRatio of its lifetime
// until it's released or renewal fails.
func (m *Manager) renewLoop(ctx context.Context, l *Lock) {
	interval := time.Duration(float64(l.ttl) * m.cfg.AutoRenewalRatio)
	if interval <= 0 {
		interval = l.ttl / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			renewCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			ok, err := m.renew(renewCtx, l, l.ttl)
			cancel()
			if err != nil || !ok {
				m.lost.Add(1)
				m.markLost(l)
				return
			}
		}
	}
}

// renew performs the scripted compare-and-expire underlying both the
// background renewal loop and the public Renew operation.
func (m *Manager) renew(ctx context.Context, l *Lock, expiry time.Duration) (bool, error) {
	res, err := m.store.Eval(ctx, compareAndExpire, []string{m.lockKey(l.key)}, l.owner, expiry.Milliseconds())
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// Renew extends l's TTL to expiry, but only if l's owner token still holds
// the lock (§4.3: "only the owner may renew"; §8 invariant 2:
// the key's TTL is at least expiry minus renewal jitter afterwards). Returns
// apperrors.ErrLockLost if the lock was reacquired by another owner or has
// already expired.
func (m *Manager) Renew(ctx context.Context, l *Lock, expiry time.Duration) error {
	if expiry <= 0 {
		expiry = l.ttl
	}
	ok, err := m.renew(ctx, l, expiry)
	if err != nil {
		return apperrors.Wrap(apperrors.KindCacheUnavailable, "lock renew failed", err).WithKey(l.key)
	}
	if !ok {
		return apperrors.New(apperrors.KindLockLost, "lock no longer owned at renew time").WithKey(l.key)
	}
	l.mu.Lock()
	l.ttl = expiry
	l.mu.Unlock()
	return nil
}

// IsValid reports whether the cache store still holds l's owner token,
// i.e. whether it is safe for the caller to keep acting under l (§4.3:
// "is-valid(token): returns true iff the stored value still equals the
// owner token"). Unlike Lost(), which only fires once renewal has already
// failed, IsValid lets a caller that paused past its TTL check before
// acting again.
func (m *Manager) IsValid(ctx context.Context, l *Lock) (bool, error) {
	val, err := m.store.RawClient().Get(ctx, m.lockKey(l.key)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, apperrors.Wrap(apperrors.KindCacheUnavailable, "lock validity check failed", err).WithKey(l.key)
	}
	return val == l.owner, nil
}

func (m *Manager) markLost(l *Lock) {
	l.lostOnce.Do(func() { close(l.lost) })
	m.mu.Lock()
	if cur, ok := m.held[l.key]; ok && cur == l {
		delete(m.held, l.key)
	}
	m.mu.Unlock()
}

// Release drops the lock if this instance still owns it, via a scripted
// compare-and-delete so a lock another owner has since reacquired is never
// dropped out from under it.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return nil
	}
	l.released = true
	l.mu.Unlock()

	l.cancel()
	l.manager.markLost(l) // idempotent: closes Lost() and clears bookkeeping

	res, err := l.manager.store.Eval(ctx, compareAndDelete, []string{l.manager.lockKey(l.key)}, l.owner)
	if err != nil {
		return apperrors.Wrap(apperrors.KindCacheUnavailable, "lock release failed", err).WithKey(l.key)
	}
	n, _ := res.(int64)
	if n != 1 {
		return apperrors.New(apperrors.KindLockLost, "lock was not held by this owner at release time").WithKey(l.key)
	}
	return nil
}

// IsHeld reports whether key is currently locked by anyone.
func (m *Manager) IsHeld(ctx context.Context, key string) (bool, error) {
	n, err := m.store.RawClient().Exists(ctx, m.lockKey(key)).Result()
	if err != nil {
		return false, apperrors.Wrap(apperrors.KindCacheUnavailable, "lock existence check failed", err).WithKey(key)
	}
	return n > 0, nil
}

// Statistics reports lock-manager counters for observability.
type Statistics struct {
	Acquired     int64
	Contended    int64
	Lost         int64
	CurrentlyHeld int
}

// Stats returns a snapshot of the manager's counters.
func (m *Manager) Stats() Statistics {
	m.mu.Lock()
	held := len(m.held)
	m.mu.Unlock()

	return Statistics{
		Acquired:      m.acquired.Load(),
		Contended:     m.contended.Load(),
		Lost:          m.lost.Load(),
		CurrentlyHeld: held,
	}
}
