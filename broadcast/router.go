package broadcast

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/starforge/realmcore/logging"
	"github.com/starforge/realmcore/session"
)

// TargetKind discriminates how a RoutedMessage's targets are resolved.
type TargetKind string

const (
	Unicast   TargetKind = "unicast"
	Multicast TargetKind = "multicast"
	Broadcast TargetKind = "broadcast"
	Room      TargetKind = "room"
	Area      TargetKind = "area"
	Role      TargetKind = "role"
)

// AckStatus discriminates a recorded delivery acknowledgement.
type AckStatus string

const (
	AckSuccess AckStatus = "success"
	AckFailed  AckStatus = "failed"
)

// Ack is one recorded delivery acknowledgement.
type Ack struct {
	MessageID   string
	ReceiverID  string
	Status      AckStatus
	ProcessedAt time.Time
}

// RoutedMessage is a typed payload carrying a routing descriptor.
type RoutedMessage struct {
	ID          string
	Kind        TargetKind
	TargetIDs   []string
	ExcludeIDs  []string
	RequireAck  bool
	MaxHops     int // 0 means unlimited
	CurrentHops int
	Deadline    time.Time // zero means no deadline
	Priority    int
	Payload     []byte
}

// Deliverer hands a payload to one receiver's transport. The realtime hub
// implements this over its live connections.
type Deliverer interface {
	Deliver(ctx context.Context, connectionID string, payload []byte) error
}

// RouteResult reports the outcome of routing one RoutedMessage.
type RouteResult struct {
	MessageID    string
	Sent         int
	Failed       int
	Acks         []Ack
	Rejected     bool
	RejectReason string
}

// Router selects targets from session.Registry's indexes and fans a message
// out to them with bounded concurrency.
type Router struct {
	registry   *session.Registry
	deliverer  Deliverer
	cfg        Config
	log        *logging.ContextLogger

	mu        sync.Mutex
	receivers map[string]receiverRecord

	processed atomic.Int64
	success   atomic.Int64
	failure   atomic.Int64
	rejected  atomic.Int64
	backlog   atomic.Int64

	statsMu   sync.Mutex
	avgLatMs  float64
	byKindMu  sync.Mutex
	byKind    map[TargetKind]int64
}

type receiverRecord struct {
	registeredAt time.Time
	online       bool
}

// New creates a Router bound to registry and deliverer.
func New(registry *session.Registry, deliverer Deliverer, cfg Config, logger *logging.ContextLogger) (*Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Router{
		registry:  registry,
		deliverer: deliverer,
		cfg:       cfg,
		log:       logger.WithField("component", "broadcast.Router"),
		receivers: make(map[string]receiverRecord),
		byKind:    make(map[TargetKind]int64),
	}, nil
}

// validate rejects a message whose hop count or deadline is already
// exhausted. Returns a non-empty reason when rejected.
func validate(msg RoutedMessage) string {
	if msg.MaxHops > 0 && msg.CurrentHops >= msg.MaxHops {
		return "max hops exceeded"
	}
	if !msg.Deadline.IsZero() && time.Now().After(msg.Deadline) {
		return "deadline exceeded"
	}
	if msg.ID == "" {
		return "missing message id"
	}
	return ""
}

func dedupExclude(ids []string, exclude []string) []string {
	excl := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		excl[id] = struct{}{}
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, skip := excl[id]; skip {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// selectTargets resolves msg's target kind to a concrete set of online
// connection ids.
func (r *Router) selectTargets(msg RoutedMessage) []string {
	switch msg.Kind {
	case Unicast, Multicast:
		online := make([]string, 0, len(msg.TargetIDs))
		for _, id := range msg.TargetIDs {
			if _, ok := r.registry.Get(id); ok {
				online = append(online, id)
			}
		}
		return dedupExclude(online, msg.ExcludeIDs)

	case Broadcast:
		return dedupExclude(r.registry.AllConnectionIDs(), msg.ExcludeIDs)

	case Room, Area, Role:
		scope := string(msg.Kind)
		var members []string
		for _, target := range msg.TargetIDs {
			for _, sess := range r.registry.SessionsInGroup(session.GroupKey(scope, target)) {
				members = append(members, sess.ConnectionID)
			}
		}
		return dedupExclude(members, msg.ExcludeIDs)

	default:
		return nil
	}
}

// Route validates msg, selects its targets, and fans delivery out with
// bounded concurrency (cfg.FanoutConcurrency).
func (r *Router) Route(ctx context.Context, msg RoutedMessage) *RouteResult {
	if reason := validate(msg); reason != "" {
		r.rejected.Add(1)
		return &RouteResult{MessageID: msg.ID, Rejected: true, RejectReason: reason, Failed: 1}
	}

	targets := r.selectTargets(msg)
	r.recordReceivers(targets)

	result := &RouteResult{MessageID: msg.ID}
	if len(targets) == 0 {
		r.processed.Add(1)
		r.recordByKind(msg.Kind)
		return result
	}

	sem := make(chan struct{}, r.cfg.FanoutConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, target := range targets {
		target := target
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			start := time.Now()
			err := r.deliverer.Deliver(ctx, target, msg.Payload)
			elapsed := time.Since(start)
			r.recordLatency(elapsed)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed++
				r.failure.Add(1)
				if msg.RequireAck {
					result.Acks = append(result.Acks, Ack{MessageID: msg.ID, ReceiverID: target, Status: AckFailed, ProcessedAt: time.Now()})
				}
				return
			}
			result.Sent++
			r.success.Add(1)
			if msg.RequireAck {
				result.Acks = append(result.Acks, Ack{MessageID: msg.ID, ReceiverID: target, Status: AckSuccess, ProcessedAt: time.Now()})
			}
		}()
	}
	wg.Wait()

	r.processed.Add(1)
	r.recordByKind(msg.Kind)
	return result
}

// RouteBatch groups messages by target kind, orders each group by descending
// priority, and routes them with bounded overall concurrency.
func (r *Router) RouteBatch(ctx context.Context, msgs []RoutedMessage) []*RouteResult {
	grouped := make(map[TargetKind][]RoutedMessage)
	var order []TargetKind
	for _, m := range msgs {
		if _, ok := grouped[m.Kind]; !ok {
			order = append(order, m.Kind)
		}
		grouped[m.Kind] = append(grouped[m.Kind], m)
	}

	var ordered []RoutedMessage
	for _, kind := range order {
		group := grouped[kind]
		sort.SliceStable(group, func(i, j int) bool { return group[i].Priority > group[j].Priority })
		ordered = append(ordered, group...)
	}

	results := make([]*RouteResult, len(ordered))
	sem := make(chan struct{}, r.cfg.FanoutConcurrency)
	var wg sync.WaitGroup

	r.backlog.Add(int64(len(ordered)))
	for i, m := range ordered {
		i, m := i, m
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			defer r.backlog.Add(-1)
			results[i] = r.Route(ctx, m)
		}()
	}
	wg.Wait()

	return results
}

func (r *Router) recordLatency(d time.Duration) {
	ms := float64(d.Milliseconds())
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	if r.avgLatMs == 0 {
		r.avgLatMs = ms
		return
	}
	r.avgLatMs = r.cfg.StatsAlpha*ms + (1-r.cfg.StatsAlpha)*r.avgLatMs
}

func (r *Router) recordByKind(kind TargetKind) {
	r.byKindMu.Lock()
	defer r.byKindMu.Unlock()
	r.byKind[kind]++
}

func (r *Router) recordReceivers(ids []string) {
	if len(ids) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for _, id := range ids {
		r.receivers[id] = receiverRecord{registeredAt: now, online: true}
	}
}

// MarkReceiverOffline flags a receiver's broadcast-router record as offline,
// so it becomes eligible for CleanupStaleReceivers once past the configured
// max age. The realtime hub calls this on disconnect.
func (r *Router) MarkReceiverOffline(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.receivers[connectionID]; ok {
		rec.online = false
		r.receivers[connectionID] = rec
	}
}

// CleanupStaleReceivers removes receiver records marked offline whose
// registration time exceeds cfg.StaleReceiverMaxAge.
func (r *Router) CleanupStaleReceivers() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.cfg.StaleReceiverMaxAge)
	var stale []string
	for id, rec := range r.receivers {
		if !rec.online && rec.registeredAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		delete(r.receivers, id)
	}
	return len(stale)
}

// RunCleanupLoop runs CleanupStaleReceivers on cfg.CleanupInterval until ctx
// is done.
func (r *Router) RunCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.CleanupStaleReceivers(); n > 0 {
				r.log.WithField("removed", n).Debug("stale receiver records cleaned up")
			}
		}
	}
}

// Statistics reports router counters for observability.
type Statistics struct {
	TotalProcessed int64
	Success        int64
	Failure        int64
	Rejected       int64
	AvgLatencyMs   float64
	ByKind         map[TargetKind]int64
	QueueBacklog   int64
}

// Stats returns a snapshot of the router's counters.
func (r *Router) Stats() Statistics {
	r.statsMu.Lock()
	avg := r.avgLatMs
	r.statsMu.Unlock()

	r.byKindMu.Lock()
	byKind := make(map[TargetKind]int64, len(r.byKind))
	for k, v := range r.byKind {
		byKind[k] = v
	}
	r.byKindMu.Unlock()

	return Statistics{
		TotalProcessed: r.processed.Load(),
		Success:        r.success.Load(),
		Failure:        r.failure.Load(),
		Rejected:       r.rejected.Load(),
		AvgLatencyMs:   avg,
		ByKind:         byKind,
		QueueBacklog:   r.backlog.Load(),
	}
}

