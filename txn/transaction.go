package txn

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/starforge/realmcore/apperrors"
	"github.com/starforge/realmcore/cache"
	"github.com/starforge/realmcore/document"
	"github.com/starforge/realmcore/lock"
	"github.com/starforge/realmcore/logging"
)

// Status tracks a Transaction Record's place in its lifecycle.
type Status string

const (
	StatusActive      Status = "active"
	StatusCommitting  Status = "committing"
	StatusCommitted   Status = "committed"
	StatusRollingBack Status = "rolling_back"
	StatusRolledBack  Status = "rolled_back"
	StatusFailed      Status = "failed" // TransactionPartial: document committed, cache phase failed
)

// CacheOpKind enumerates the cache mutations a transaction may register.
type CacheOpKind int

const (
	OpSet CacheOpKind = iota
	OpDelete
	OpHSet
	OpHDel
)

// CacheOp is one cache-side mutation registered During a transaction.
type CacheOp struct {
	Kind     CacheOpKind
	Category string
	Key      string
	Field    string // OpHSet/OpHDel only
	Value    []byte
	TTL      time.Duration
}

// appliedCacheOp captures the previous state of a key before a CacheOp is
// applied, so Commit's partial-failure path and Rollback can reverse-apply it.
type appliedCacheOp struct {
	op CacheOp

	hadValue bool
	prevVal  []byte
	prevTTL  time.Duration

	hadField bool
	prevField []byte
}

// Transaction is a handle to an in-flight distributed transaction spanning
// the document store and the cache store over a fixed set of logical keys.
type Transaction struct {
	id      string
	manager *Manager

	keys    []string
	locks   []*lock.Lock
	session *document.Session

	timeout   time.Duration
	startedAt time.Time

	mu      sync.Mutex
	status  Status
	ops     []CacheOp
	applied []appliedCacheOp
}

// ID returns the transaction's identifier.
func (t *Transaction) ID() string { return t.id }

// Status returns the transaction's current lifecycle state.
func (t *Transaction) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Context returns a context bound to the transaction's document session, so
// collection operations performed with it participate in the document
// transaction.
func (t *Transaction) Context(ctx context.Context) context.Context {
	return t.session.Context(ctx)
}

// RegisterCacheOp records a cache mutation to be applied at Commit time and
// captures the key's current value (or hash field) so Commit's partial-
// failure path and Rollback can reverse-apply it.
func (t *Transaction) RegisterCacheOp(ctx context.Context, op CacheOp) error {
	applied := appliedCacheOp{op: op}

	switch op.Kind {
	case OpSet, OpDelete:
		val, found, err := t.manager.cache.Get(ctx, op.Category, op.Key)
		if err != nil {
			return err
		}
		if found {
			applied.hadValue = true
			applied.prevVal = val
			ttl, err := t.manager.cache.TTL(ctx, op.Category, op.Key)
			if err == nil && ttl > 0 {
				applied.prevTTL = ttl
			}
		}
	case OpHSet, OpHDel:
		val, found, err := t.manager.cache.HGet(ctx, op.Category, op.Key, op.Field)
		if err != nil {
			return err
		}
		applied.hadField = found
		applied.prevField = val
	default:
		return apperrors.New(apperrors.KindInvalidArgument, "unsupported cache op kind")
	}

	t.mu.Lock()
	t.ops = append(t.ops, op)
	t.applied = append(t.applied, applied)
	t.mu.Unlock()
	return nil
}

// Manager coordinates distributed transactions across the document store and
// the cache store, serialized per key through lock.Manager.
type Manager struct {
	cache *cache.Store
	doc   document.Interface
	locks *lock.Manager
	cfg   Config
	log   *logging.ContextLogger

	mu     sync.Mutex
	active map[string]*Transaction

	started     atomic.Int64
	committed   atomic.Int64
	rolledBack  atomic.Int64
	timedOut    atomic.Int64
	partialFail atomic.Int64
}

// New creates a transaction Manager.
func New(cacheStore *cache.Store, docStore document.Interface, lockMgr *lock.Manager, cfg Config, logger *logging.ContextLogger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{
		cache:  cacheStore,
		doc:    docStore,
		locks:  lockMgr,
		cfg:    cfg,
		log:    logger.WithField("component", "txn.Manager"),
		active: make(map[string]*Transaction),
	}, nil
}

// Begin acquires locks on keys in lexicographic order (a fixed global
// ordering avoids cross-transaction deadlock), opens a document-store
// session and transaction, and creates an Active Transaction Record. On
// failure to acquire any lock, previously acquired locks are released and
// Begin returns the lock error.
func (m *Manager) Begin(ctx context.Context, keys []string, timeout time.Duration) (*Transaction, error) {
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}

	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)

	acquired := make([]*lock.Lock, 0, len(sorted))
	for _, k := range sorted {
		l, err := m.locks.Lock(ctx, k, 0)
		if err != nil {
			for i := len(acquired) - 1; i >= 0; i-- {
				_ = acquired[i].Release(ctx)
			}
			return nil, err
		}
		acquired = append(acquired, l)
	}

	sess, err := m.doc.StartSession(ctx)
	if err != nil {
		for i := len(acquired) - 1; i >= 0; i-- {
			_ = acquired[i].Release(ctx)
		}
		return nil, err
	}
	if err := sess.StartTransaction(); err != nil {
		for i := len(acquired) - 1; i >= 0; i-- {
			_ = acquired[i].Release(ctx)
		}
		sess.EndSession(ctx)
		return nil, err
	}

	tx := &Transaction{
		id:        uuid.NewString(),
		manager:   m,
		keys:      sorted,
		locks:     acquired,
		session:   sess,
		timeout:   timeout,
		startedAt: time.Now(),
		status:    StatusActive,
	}

	m.mu.Lock()
	m.active[tx.id] = tx
	m.mu.Unlock()
	m.started.Add(1)

	return tx, nil
}

// Result reports a Commit outcome.
type Result struct {
	TransactionID      string
	Status             Status
	Partial            bool
	ReconciliationKeys []string // keys whose compensation was attempted during a partial failure
}

// Commit commits the document transaction first, then applies the
// transaction's registered cache operations. If the cache phase fails after
// a successful document commit, the already-applied cache ops are
// reverse-compensated using their captured previous values, the Transaction
// Record moves to Failed, and the result is reported as Partial with the
// keys compensation was attempted against.
func (m *Manager) Commit(ctx context.Context, tx *Transaction) (*Result, error) {
	tx.mu.Lock()
	tx.status = StatusCommitting
	ops := append([]CacheOp(nil), tx.ops...)
	applied := append([]appliedCacheOp(nil), tx.applied...)
	tx.mu.Unlock()

	if err := tx.session.CommitTransaction(ctx); err != nil {
		tx.mu.Lock()
		tx.status = StatusRolledBack
		tx.mu.Unlock()
		m.cleanup(ctx, tx)
		m.rolledBack.Add(1)
		return &Result{TransactionID: tx.id, Status: StatusRolledBack}, err
	}

	var succeededIdx []int
	var opErr error
	for i, op := range ops {
		if err := m.applyCacheOp(ctx, op); err != nil {
			opErr = err
			break
		}
		succeededIdx = append(succeededIdx, i)
	}

	if opErr != nil {
		reconciled := m.compensate(ctx, applied, succeededIdx)

		tx.mu.Lock()
		tx.status = StatusFailed
		tx.mu.Unlock()
		m.cleanup(ctx, tx)
		m.partialFail.Add(1)

		return &Result{
			TransactionID:      tx.id,
			Status:             StatusFailed,
			Partial:            true,
			ReconciliationKeys: reconciled,
		}, apperrors.Wrap(apperrors.KindTransactionPartial, "cache phase failed after document commit", opErr).WithKey(tx.id)
	}

	tx.mu.Lock()
	tx.status = StatusCommitted
	tx.mu.Unlock()
	m.cleanup(ctx, tx)
	m.committed.Add(1)

	return &Result{TransactionID: tx.id, Status: StatusCommitted}, nil
}

func (m *Manager) applyCacheOp(ctx context.Context, op CacheOp) error {
	switch op.Kind {
	case OpSet:
		return m.cache.Set(ctx, op.Category, op.Key, op.Value, op.TTL)
	case OpDelete:
		return m.cache.Delete(ctx, op.Category, op.Key)
	case OpHSet:
		return m.cache.HSet(ctx, op.Category, op.Key, op.Field, op.Value)
	case OpHDel:
		return m.cache.HDel(ctx, op.Category, op.Key, op.Field)
	default:
		return apperrors.New(apperrors.KindInvalidArgument, "unsupported cache op kind")
	}
}

// compensate reverse-applies the captured previous values for the ops at
// succeededIdx, in reverse order, returning the keys it touched.
func (m *Manager) compensate(ctx context.Context, applied []appliedCacheOp, succeededIdx []int) []string {
	var keys []string
	for i := len(succeededIdx) - 1; i >= 0; i-- {
		a := applied[succeededIdx[i]]
		keys = append(keys, a.op.Key)

		var err error
		switch a.op.Kind {
		case OpSet, OpDelete:
			if a.hadValue {
				ttl := a.prevTTL
				if ttl <= 0 {
					ttl = m.cfg.DefaultTimeout
				}
				err = m.cache.Set(ctx, a.op.Category, a.op.Key, a.prevVal, ttl)
			} else {
				err = m.cache.Delete(ctx, a.op.Category, a.op.Key)
			}
		case OpHSet, OpHDel:
			if a.hadField {
				err = m.cache.HSet(ctx, a.op.Category, a.op.Key, a.op.Field, a.prevField)
			} else {
				err = m.cache.HDel(ctx, a.op.Category, a.op.Key, a.op.Field)
			}
		}
		if err != nil {
			m.log.WithError(err).WithField("key", a.op.Key).Warn("cache compensation failed")
		}
	}
	return keys
}

// Rollback aborts the document transaction. Cache operations are only ever
// applied during Commit (RegisterCacheOp merely captures the previous value
// for later compensation), so a Rollback before Commit never touches the
// cache store.
func (m *Manager) Rollback(ctx context.Context, tx *Transaction) error {
	tx.mu.Lock()
	tx.status = StatusRollingBack
	tx.mu.Unlock()

	abortErr := tx.session.AbortTransaction(ctx)

	tx.mu.Lock()
	tx.status = StatusRolledBack
	tx.mu.Unlock()
	m.cleanup(ctx, tx)
	m.rolledBack.Add(1)

	return abortErr
}

// cleanup releases all locks and disposes the document session. Safe to call
// from any terminal state.
func (m *Manager) cleanup(ctx context.Context, tx *Transaction) {
	for i := len(tx.locks) - 1; i >= 0; i-- {
		if err := tx.locks[i].Release(ctx); err != nil {
			m.log.WithError(err).WithField("key", tx.locks[i].Key()).Warn("lock release during transaction cleanup failed")
		}
	}
	if tx.session != nil {
		tx.session.EndSession(ctx)
	}

	m.mu.Lock()
	delete(m.active, tx.id)
	m.mu.Unlock()
}

// RunSweepLoop periodically rolls back Transaction Records whose age exceeds
// their configured timeout, until ctx is done.
func (m *Manager) RunSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	m.mu.Lock()
	var stale []*Transaction
	now := time.Now()
	for _, tx := range m.active {
		tx.mu.Lock()
		expired := tx.status == StatusActive && now.Sub(tx.startedAt) > tx.timeout
		tx.mu.Unlock()
		if expired {
			stale = append(stale, tx)
		}
	}
	m.mu.Unlock()

	for _, tx := range stale {
		m.log.WithField("transaction_id", tx.id).Warn("rolling back timed-out transaction")
		if err := m.Rollback(ctx, tx); err != nil {
			m.log.WithError(err).WithField("transaction_id", tx.id).Warn("timeout rollback failed")
		}
		m.timedOut.Add(1)
	}
}

// Statistics reports transaction-manager counters.
type Statistics struct {
	Started       int64
	Committed     int64
	RolledBack    int64
	TimedOut      int64
	PartialFailed int64
	ActiveCount   int
	SuccessRate   float64
}

// Stats returns a snapshot of the manager's counters.
func (m *Manager) Stats() Statistics {
	m.mu.Lock()
	active := len(m.active)
	m.mu.Unlock()

	started := m.started.Load()
	committed := m.committed.Load()
	var rate float64
	if started > 0 {
		rate = float64(committed) / float64(started)
	}

	return Statistics{
		Started:       started,
		Committed:     committed,
		RolledBack:    m.rolledBack.Load(),
		TimedOut:      m.timedOut.Load(),
		PartialFailed: m.partialFail.Load(),
		ActiveCount:   active,
		SuccessRate:   rate,
	}
}

