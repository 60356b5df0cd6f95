package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/starforge/realmcore/apperrors"
	"github.com/starforge/realmcore/logging"
)

// group-scoped metadata keys recognized as Broadcast Group scopes.
const (
	ScopeRoom      = "room"
	ScopeArea      = "area"
	ScopeRole      = "role"
	ScopePrincipal = "principal"
)

// GroupKey builds the "<scope>:<scope-id>" identity of a Broadcast Group.
func GroupKey(scope, scopeID string) string {
	return fmt.Sprintf("%s:%s", scope, scopeID)
}

// Session is one live client connection's record.
type Session struct {
	ConnectionID   string
	PrincipalID    string
	Metadata       map[string]string
	ConnectedAt    time.Time
	LastActiveAt   time.Time
	DisconnectedAt *time.Time
	Online         bool
}

// groupScopes lists the metadata keys the registry treats as group scopes,
// in addition to the always-present principal scope.
var groupScopes = []string{ScopeRoom, ScopeArea, ScopeRole}

// Registry owns the connection-id → Session map and its reverse indexes.
type Registry struct {
	cfg Config
	log *logging.ContextLogger

	mu          sync.RWMutex
	sessions    map[string]*Session
	byPrincipal map[string]map[string]struct{}
	groups      map[string]map[string]struct{} // group key -> connection ids

	registered atomic.Int64
	evicted    atomic.Int64
	refused    atomic.Int64
}

// New creates an empty Registry.
func New(cfg Config, logger *logging.ContextLogger) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Registry{
		cfg:         cfg,
		log:         logger.WithField("component", "session.Registry"),
		sessions:    make(map[string]*Session),
		byPrincipal: make(map[string]map[string]struct{}),
		groups:      make(map[string]map[string]struct{}),
	}, nil
}

// Register inserts a Session for connectionID. If the registry is at
// capacity, it first attempts a cleanup of expired Sessions; if still at
// capacity afterward, registration is refused.
func (r *Registry) Register(connectionID, principalID string, metadata map[string]string) (*Session, error) {
	r.mu.Lock()
	if len(r.sessions) >= r.cfg.MaxSessions {
		r.mu.Unlock()
		r.CleanupExpired(context.Background())
		r.mu.Lock()
		if len(r.sessions) >= r.cfg.MaxSessions {
			r.mu.Unlock()
			r.refused.Add(1)
			return nil, apperrors.New(apperrors.KindPoolFull, "session registry at capacity").WithKey(connectionID)
		}
	}
	defer r.mu.Unlock()

	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}

	now := time.Now()
	sess := &Session{
		ConnectionID: connectionID,
		PrincipalID:  principalID,
		Metadata:     meta,
		ConnectedAt:  now,
		LastActiveAt: now,
		Online:       true,
	}
	r.sessions[connectionID] = sess
	r.indexLocked(sess)
	r.registered.Add(1)

	return sess, nil
}

// indexLocked adds sess to the principal index and every group its metadata
// resolves to. Callers must hold r.mu.
func (r *Registry) indexLocked(sess *Session) {
	r.addToPrincipalLocked(sess.PrincipalID, sess.ConnectionID)
	r.addToGroupLocked(GroupKey(ScopePrincipal, sess.PrincipalID), sess.ConnectionID)
	for _, scope := range groupScopes {
		if id, ok := sess.Metadata[scope]; ok && id != "" {
			r.addToGroupLocked(GroupKey(scope, id), sess.ConnectionID)
		}
	}
}

func (r *Registry) addToPrincipalLocked(principalID, connectionID string) {
	set, ok := r.byPrincipal[principalID]
	if !ok {
		set = make(map[string]struct{})
		r.byPrincipal[principalID] = set
	}
	set[connectionID] = struct{}{}
}

func (r *Registry) addToGroupLocked(key, connectionID string) {
	set, ok := r.groups[key]
	if !ok {
		set = make(map[string]struct{})
		r.groups[key] = set
	}
	set[connectionID] = struct{}{}
}

func (r *Registry) removeFromGroupLocked(key, connectionID string) {
	set, ok := r.groups[key]
	if !ok {
		return
	}
	delete(set, connectionID)
	if len(set) == 0 {
		delete(r.groups, key)
	}
}

// deindexLocked removes sess from the principal index and every group it
// currently belongs to. Callers must hold r.mu.
func (r *Registry) deindexLocked(sess *Session) {
	if set, ok := r.byPrincipal[sess.PrincipalID]; ok {
		delete(set, sess.ConnectionID)
		if len(set) == 0 {
			delete(r.byPrincipal, sess.PrincipalID)
		}
	}
	r.removeFromGroupLocked(GroupKey(ScopePrincipal, sess.PrincipalID), sess.ConnectionID)
	for _, scope := range groupScopes {
		if id, ok := sess.Metadata[scope]; ok && id != "" {
			r.removeFromGroupLocked(GroupKey(scope, id), sess.ConnectionID)
		}
	}
}

// Unregister marks connectionID's Session disconnected and removes it from
// every group and index. Safe to call on an already-unregistered connection.
func (r *Registry) Unregister(connectionID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[connectionID]
	if !ok {
		return nil
	}

	r.deindexLocked(sess)
	delete(r.sessions, connectionID)

	now := time.Now()
	sess.Online = false
	sess.DisconnectedAt = &now

	r.log.WithField("connection_id", connectionID).WithField("reason", reason).Debug("session unregistered")
	return nil
}

// Touch updates connectionID's last-active instant.
func (r *Registry) Touch(connectionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[connectionID]
	if !ok {
		return apperrors.New(apperrors.KindInvalidArgument, "unknown connection").WithKey(connectionID)
	}
	sess.LastActiveAt = time.Now()
	return nil
}

// JoinGroup binds connectionID's Session to scope:scopeID, updating both its
// metadata and the group index. scope must be one of room, area, role.
func (r *Registry) JoinGroup(connectionID, scope, scopeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[connectionID]
	if !ok {
		return apperrors.New(apperrors.KindInvalidArgument, "unknown connection").WithKey(connectionID)
	}

	if prev, ok := sess.Metadata[scope]; ok && prev != "" {
		r.removeFromGroupLocked(GroupKey(scope, prev), connectionID)
	}
	sess.Metadata[scope] = scopeID
	r.addToGroupLocked(GroupKey(scope, scopeID), connectionID)
	return nil
}

// LeaveGroup removes connectionID's Session from the group it currently
// holds under scope (scope:<its current scopeID>), if any.
func (r *Registry) LeaveGroup(connectionID, scope string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[connectionID]
	if !ok {
		return apperrors.New(apperrors.KindInvalidArgument, "unknown connection").WithKey(connectionID)
	}

	if prev, ok := sess.Metadata[scope]; ok && prev != "" {
		r.removeFromGroupLocked(GroupKey(scope, prev), connectionID)
		delete(sess.Metadata, scope)
	}
	return nil
}

func copySession(sess *Session) *Session {
	cp := *sess
	cp.Metadata = make(map[string]string, len(sess.Metadata))
	for k, v := range sess.Metadata {
		cp.Metadata[k] = v
	}
	return &cp
}

// Get returns a copy of connectionID's Session, if online.
func (r *Registry) Get(connectionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[connectionID]
	if !ok {
		return nil, false
	}
	return copySession(sess), true
}

// SessionsByPrincipal returns every online Session for principalID.
func (r *Registry) SessionsByPrincipal(principalID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byPrincipal[principalID]
	out := make([]*Session, 0, len(ids))
	for id := range ids {
		if sess, ok := r.sessions[id]; ok {
			out = append(out, copySession(sess))
		}
	}
	return out
}

// SessionsInGroup returns every online Session whose membership matches
// groupKey ("<scope>:<scope-id>").
func (r *Registry) SessionsInGroup(groupKey string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.groups[groupKey]
	out := make([]*Session, 0, len(ids))
	for id := range ids {
		if sess, ok := r.sessions[id]; ok {
			out = append(out, copySession(sess))
		}
	}
	return out
}

// CleanupExpired evicts every Session whose last-active instant exceeds the
// configured idle timeout. Idempotent.
func (r *Registry) CleanupExpired(ctx context.Context) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.cfg.IdleTimeout)
	var stale []*Session
	for _, sess := range r.sessions {
		if sess.LastActiveAt.Before(cutoff) {
			stale = append(stale, sess)
		}
	}

	for _, sess := range stale {
		r.deindexLocked(sess)
		delete(r.sessions, sess.ConnectionID)
		r.evicted.Add(1)
	}

	return len(stale)
}

// RunCleanupLoop runs CleanupExpired on cfg.CleanupInterval until ctx is
// done.
func (r *Registry) RunCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.CleanupExpired(ctx); n > 0 {
				r.log.WithField("evicted", n).Debug("idle sessions cleaned up")
			}
		}
	}
}

// AllConnectionIDs returns every currently online connection id, used by the
// broadcast router's "broadcast" target kind (all online receivers minus
// exclusions).
func (r *Registry) AllConnectionIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	return out
}

// Statistics reports registry counters for observability.
type Statistics struct {
	Online     int
	Registered int64
	Evicted    int64
	Refused    int64
	GroupCount int
}

// Stats returns a snapshot of the registry's counters.
func (r *Registry) Stats() Statistics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Statistics{
		Online:     len(r.sessions),
		Registered: r.registered.Load(),
		Evicted:    r.evicted.Load(),
		Refused:    r.refused.Load(),
		GroupCount: len(r.groups),
	}
}
