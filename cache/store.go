// Package cache implements the Cache Store Adapter (C1): a typed facade over
// a Redis/Valkey-compatible key-value store supporting string and hash
// get/set/delete with TTL, batched pipelines, and keyspace statistics.
//
// Grounded on db/repository/redis.go's SetNX/Get/Set/Del/Incr/Publish shape
// and queue/redis/queue.go's Config/NewX constructor convention from the
// teacher repository, generalized with TTL query/update, hash operations,
// pipelines, database selection, and connection-health events.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/starforge/realmcore/apperrors"
	"github.com/starforge/realmcore/logging"
)

// EventKind identifies a connection-health event emitted to upper layers.
type EventKind int

const (
	EventUnavailable EventKind = iota
	EventRestored
)

// Event is emitted whenever an operation fails because the store is
// unreachable (EventUnavailable). The adapter does not detect recovery:
// EventRestored is defined but never emitted.
type Event struct {
	Kind EventKind
	Err  error
}

// Store is the typed facade over the key-value store. It owns connection
// multiplexing, automatic reconnection (delegated to go-redis's client,
// which redials transparently), and emits an EventUnavailable to subscribers
// whenever an operation fails with a store error.
type Store struct {
	client *redis.Client
	cfg    Config
	log    *logging.ContextLogger

	events chan Event
}

// New creates a Store and verifies connectivity with a bounded retry.
func New(cfg Config, logger *logging.ContextLogger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   cfg.MaxRetries,
		MinRetryBackoff: cfg.RetryMinBackoff,
		MaxRetryBackoff: cfg.RetryMaxBackoff,
	})

	s := &Store{
		client: client,
		cfg:    cfg,
		log:    logger.WithField("component", "cache.Store"),
		events: make(chan Event, 16),
	}

	if err := s.ping(context.Background()); err != nil {
		return nil, apperrors.Wrap(apperrors.KindCacheUnavailable, "initial connect failed", err)
	}

	return s, nil
}

// NewFromClient wraps an already-constructed *redis.Client (used by tests
// against miniredis, where Addr alone isn't enough to express auth-less
// local servers).
func NewFromClient(client *redis.Client, cfg Config, logger *logging.ContextLogger) *Store {
	return &Store{client: client, cfg: cfg, log: logger.WithField("component", "cache.Store"), events: make(chan Event, 16)}
}

func (s *Store) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

// Events returns the channel on which connection-health events are emitted.
// Upper layers (cachestrategy, syncengine) may select on it to log or react.
func (s *Store) Events() <-chan Event {
	return s.events
}

func (s *Store) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		// Never block callers on a slow/absent subscriber.
	}
}

// key builds the namespaced key "<prefix>:<category>:<logical-key>" per §6.
func (s *Store) key(category, logicalKey string) string {
	if category == "" {
		return fmt.Sprintf("%s:%s", s.cfg.KeyPrefix, logicalKey)
	}
	return fmt.Sprintf("%s:%s:%s", s.cfg.KeyPrefix, category, logicalKey)
}

// Key exposes the namespaced key for a category/logical-key pair, for
// components (lock) that need to pass a raw key into RawClient calls this
// facade doesn't wrap directly.
func (s *Store) Key(category, logicalKey string) string {
	return s.key(category, logicalKey)
}

func (s *Store) wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	if err == redis.Nil {
		return err
	}
	s.emit(Event{Kind: EventUnavailable, Err: err})
	return apperrors.Wrap(apperrors.KindCacheUnavailable, msg, err)
}

// Get returns the raw bytes stored at category/key. When the key is absent
// it returns found=false with a nil error.
func (s *Store) Get(ctx context.Context, category, key string) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, s.key(category, key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, s.wrap(err, "get failed")
	}
	return data, true, nil
}

// Set stores value at category/key with the given TTL. TTL must be finite
// (§3 Cache Entry invariant); callers (cachestrategy) are responsible for
// resolving the category's default TTL before calling Set.
func (s *Store) Set(ctx context.Context, category, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return apperrors.New(apperrors.KindInvalidArgument, "ttl must be positive")
	}
	err := s.client.Set(ctx, s.key(category, key), value, ttl).Err()
	return s.wrap(err, "set failed")
}

// Delete removes category/key.
func (s *Store) Delete(ctx context.Context, category, key string) error {
	err := s.client.Del(ctx, s.key(category, key)).Err()
	return s.wrap(err, "delete failed")
}

// Exists reports whether category/key is present.
func (s *Store) Exists(ctx context.Context, category, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(category, key)).Result()
	if err != nil {
		return false, s.wrap(err, "exists failed")
	}
	return n > 0, nil
}

// TTL returns the remaining time-to-live for category/key.
func (s *Store) TTL(ctx context.Context, category, key string) (time.Duration, error) {
	d, err := s.client.TTL(ctx, s.key(category, key)).Result()
	if err != nil {
		return 0, s.wrap(err, "ttl query failed")
	}
	return d, nil
}

// Expire updates the TTL for an existing category/key.
func (s *Store) Expire(ctx context.Context, category, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.Expire(ctx, s.key(category, key), ttl).Result()
	if err != nil {
		return false, s.wrap(err, "expire failed")
	}
	return ok, nil
}

// HGet/HSet/HDel provide hash-field operations for structured cache entries
// (e.g. room player rosters keyed by connection id).

func (s *Store) HGet(ctx context.Context, category, key, field string) ([]byte, bool, error) {
	data, err := s.client.HGet(ctx, s.key(category, key), field).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, s.wrap(err, "hget failed")
	}
	return data, true, nil
}

func (s *Store) HSet(ctx context.Context, category, key, field string, value []byte) error {
	err := s.client.HSet(ctx, s.key(category, key), field, value).Err()
	return s.wrap(err, "hset failed")
}

func (s *Store) HDel(ctx context.Context, category, key, field string) error {
	err := s.client.HDel(ctx, s.key(category, key), field).Err()
	return s.wrap(err, "hdel failed")
}

// GetMany retrieves several keys in the same category via a single
// non-atomic pipeline round-trip. An empty input performs no I/O (§8
// boundary behavior).
func (s *Store) GetMany(ctx context.Context, category string, keys []string) (map[string][]byte, error) {
	result := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return result, nil
	}

	pipe := s.client.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(keys))
	for _, k := range keys {
		cmds[k] = pipe.Get(ctx, s.key(category, k))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, s.wrap(err, "get-many pipeline failed")
	}

	for k, cmd := range cmds {
		data, err := cmd.Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, s.wrap(err, "get-many decode failed")
		}
		result[k] = data
	}
	return result, nil
}

// SetManyItem is one entry of a SetMany batch.
type SetManyItem struct {
	Key   string
	Value []byte
	TTL   time.Duration
}

// SetMany stores several items in the same category via a single pipeline.
// An empty input performs no I/O (§8 boundary behavior). The pipeline is
// non-atomic: a partial failure leaves earlier items committed (§4.1
// guarantee).
func (s *Store) SetMany(ctx context.Context, category string, items []SetManyItem) error {
	if len(items) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, item := range items {
		ttl := item.TTL
		if ttl <= 0 {
			return apperrors.New(apperrors.KindInvalidArgument, "ttl must be positive for key "+item.Key)
		}
		pipe.Set(ctx, s.key(category, item.Key), item.Value, ttl)
	}
	_, err := pipe.Exec(ctx)
	return s.wrap(err, "set-many pipeline failed")
}

// Eval runs a server-side script (used by lock.Lock for compare-and-delete /
// compare-and-expire) and returns the raw result.
func (s *Store) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	res, err := s.client.Eval(ctx, script, keys, args...).Result()
	if err != nil && err != redis.Nil {
		return nil, s.wrap(err, "script eval failed")
	}
	return res, nil
}

// Increment/Decrement back rate-limit counters and similar monotonic state.
func (s *Store) Increment(ctx context.Context, category, key string) (int64, error) {
	n, err := s.client.Incr(ctx, s.key(category, key)).Result()
	if err != nil {
		return 0, s.wrap(err, "incr failed")
	}
	return n, nil
}

// Info returns keyspace/memory statistics reported by the store, used by
// cachestrategy.Strategy.Statistics() for memory-usage reporting.
func (s *Store) Info(ctx context.Context, section string) (string, error) {
	res, err := s.client.Info(ctx, section).Result()
	if err != nil {
		return "", s.wrap(err, "info failed")
	}
	return res, nil
}

// Database returns a Store bound to a different logical database index on
// the same server, mirroring the adapter's database(index) selector.
func (s *Store) Database(index int) *Store {
	opts := s.client.Options()
	clone := *opts
	clone.DB = index
	cfg := s.cfg
	cfg.DB = index
	return NewFromClient(redis.NewClient(&clone), cfg, s.log)
}

// Subscriber exposes pub/sub for components that need out-of-band
// notification (e.g. cross-node cache invalidation); the realtime hub itself
// does not use this — it fans out over its own connections via broadcast.Router.
type Subscriber struct {
	pubsub *redis.PubSub
}

// Subscribe opens a subscription on channel.
func (s *Store) Subscribe(ctx context.Context, channel string) (*Subscriber, error) {
	ps := s.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		return nil, s.wrap(err, "subscribe failed")
	}
	return &Subscriber{pubsub: ps}, nil
}

// Publish sends a message on channel.
func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	err := s.client.Publish(ctx, channel, payload).Err()
	return s.wrap(err, "publish failed")
}

// Channel returns the raw message channel for the subscription.
func (sub *Subscriber) Channel() <-chan *redis.Message {
	return sub.pubsub.Channel()
}

// Close ends the subscription.
func (sub *Subscriber) Close() error {
	return sub.pubsub.Close()
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// RawClient exposes the underlying *redis.Client for components (lock,
// syncengine) that need primitives this facade intentionally doesn't widen
// (e.g. SetNX, ZAdd for processing-set bookkeeping).
func (s *Store) RawClient() *redis.Client {
	return s.client
}
