// Package conflict implements the Conflict Detector (C6): optimistic
// concurrency over logical entities, backed by Version Records held in the
// cache store, resolved under a named policy.
//
// Grounded on statemanager/operation.go's small versioned-record shape
// (OperationState/Status enum) generalized to version numbers and payload
// digests, with the map+mutex bookkeeping delegated entirely to the cache
// store rather than held locally (the detector has no local state of its
// own; every Check reads and writes through cache.Store).
package conflict

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/starforge/realmcore/apperrors"
	"github.com/starforge/realmcore/cache"
	"github.com/starforge/realmcore/config"
	"github.com/starforge/realmcore/document"
	"github.com/starforge/realmcore/logging"
)

const category = "version"

// Policy names the conflict resolution strategy applied when a write's
// expected version doesn't match the stored version.
type Policy string

const (
	PolicyOptimisticLock Policy = "optimistic_lock"
	PolicyLastWriteWins  Policy = "last_write_wins"
	PolicyFirstWriteWins Policy = "first_write_wins"
	PolicyMerge          Policy = "merge"
	PolicyUserChoice     Policy = "user_choice"
)

// Resolution discriminates the outcome of a Check call.
type Resolution string

const (
	ResolutionAccepted Resolution = "accepted" // no conflict, write applied
	ResolutionRejected Resolution = "rejected" // OptimisticLock / failed Merge
	ResolutionOverwrite Resolution = "overwrite"
	ResolutionKept      Resolution = "kept"
	ResolutionMerged    Resolution = "merged"
	ResolutionDeferred  Resolution = "deferred" // UserChoice
)

// MergeFunc attempts a type-specific merge of stored against incoming,
// returning the merged payload and whether the merge succeeded. A false ok
// falls back to OptimisticLock (reject).
type MergeFunc func(stored, incoming []byte) ([]byte, bool)

// versionRecord is the persisted Version Record, serialized as JSON into the
// cache store under the "version" category.
type versionRecord struct {
	Version      int64     `json:"version"`
	Digest       string    `json:"digest"`
	WriterID     string    `json:"writer_id"`
	LastModified time.Time `json:"last_modified"`
	Payload      []byte    `json:"payload"`
}

// Result reports the outcome of a Check call.
type Result struct {
	HasConflict     bool
	Resolution      Resolution
	Version         int64
	Payload         []byte // the payload now considered authoritative (empty for Deferred)
	StoredPayload   []byte // populated for Deferred so the caller can present both
	IncomingPayload []byte
}

// Config configures the conflict detector.
type Config struct {
	// VersionTTL bounds how long a Version Record survives in the cache
	// store; Cache Entry TTLs are always finite (§3).
	VersionTTL time.Duration
}

// DefaultConfig returns a generous default TTL for version records.
func DefaultConfig() Config {
	return Config{VersionTTL: 24 * time.Hour}
}

// Validate enforces SPEC_FULL's config validation rules.
func (c Config) Validate() error {
	v := config.NewValidator()
	v.RequirePositiveDuration("VersionTTL", c.VersionTTL)
	return v.Validate()
}

// Detector resolves optimistic-concurrency conflicts over logical entities.
type Detector struct {
	store  *cache.Store
	cfg    Config
	log    *logging.ContextLogger
	merges map[document.EntityKind]MergeFunc
}

// New creates a Detector with the generic shallow-JSON-merge default
// registered for every entity kind; callers may override per kind with
// RegisterMerge.
func New(store *cache.Store, cfg Config, logger *logging.ContextLogger) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Detector{
		store:  store,
		cfg:    cfg,
		log:    logger.WithField("component", "conflict.Detector"),
		merges: make(map[document.EntityKind]MergeFunc),
	}
	for _, kind := range []document.EntityKind{document.EntityPlayer, document.EntityRoom, document.EntityGameRecord, document.EntityGeneric} {
		d.merges[kind] = shallowJSONMerge
	}
	return d, nil
}

// RegisterMerge installs a type-specific merge callback for kind, used when
// PolicyMerge is requested for that entity kind.
func (d *Detector) RegisterMerge(kind document.EntityKind, fn MergeFunc) {
	d.merges[kind] = fn
}

// shallowJSONMerge is the generic default: a shallow field union of two JSON
// objects favoring incoming on key conflicts. Returns ok=false if either
// payload doesn't decode as a JSON object.
func shallowJSONMerge(stored, incoming []byte) ([]byte, bool) {
	var storedObj, incomingObj map[string]interface{}
	if err := json.Unmarshal(stored, &storedObj); err != nil {
		return nil, false
	}
	if err := json.Unmarshal(incoming, &incomingObj); err != nil {
		return nil, false
	}

	merged := make(map[string]interface{}, len(storedObj)+len(incomingObj))
	for k, v := range storedObj {
		merged[k] = v
	}
	for k, v := range incomingObj {
		merged[k] = v
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return nil, false
	}
	return out, true
}

func digestOf(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func (d *Detector) read(ctx context.Context, key string) (*versionRecord, error) {
	data, found, err := d.store.Get(ctx, category, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	var rec versionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInvalidArgument, "version record decode failed", err).WithKey(key)
	}
	return &rec, nil
}

func (d *Detector) write(ctx context.Context, key string, rec versionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInvalidArgument, "version record encode failed", err).WithKey(key)
	}
	return d.store.Set(ctx, category, key, data, d.cfg.VersionTTL)
}

// Check performs an optimistic-concurrency check for key: if no Version
// Record exists, or its version equals expectedVersion, the write is
// accepted and the stored version increments. Otherwise the configured
// policy resolves the conflict. Callers needing cross-process serialization
// for the same key must wrap Check in a distributed lock (C3); the detector
// itself does no locking.
func (d *Detector) Check(ctx context.Context, kind document.EntityKind, key string, expectedVersion int64, incoming []byte, policy Policy, writerID string) (*Result, error) {
	stored, err := d.read(ctx, key)
	if err != nil {
		return nil, err
	}

	if stored == nil || stored.Version == expectedVersion {
		newVersion := expectedVersion + 1
		if stored == nil && expectedVersion == 0 {
			newVersion = 1
		}
		rec := versionRecord{
			Version:      newVersion,
			Digest:       digestOf(incoming),
			WriterID:     writerID,
			LastModified: time.Now(),
			Payload:      incoming,
		}
		if err := d.write(ctx, key, rec); err != nil {
			return nil, err
		}
		return &Result{HasConflict: false, Resolution: ResolutionAccepted, Version: newVersion, Payload: incoming}, nil
	}

	switch policy {
	case PolicyLastWriteWins:
		newVersion := stored.Version + 1
		rec := versionRecord{Version: newVersion, Digest: digestOf(incoming), WriterID: writerID, LastModified: time.Now(), Payload: incoming}
		if err := d.write(ctx, key, rec); err != nil {
			return nil, err
		}
		return &Result{HasConflict: true, Resolution: ResolutionOverwrite, Version: newVersion, Payload: incoming}, nil

	case PolicyFirstWriteWins:
		return &Result{HasConflict: true, Resolution: ResolutionKept, Version: stored.Version, Payload: stored.Payload}, nil

	case PolicyMerge:
		mergeFn, ok := d.merges[kind]
		if !ok {
			mergeFn = shallowJSONMerge
		}
		merged, ok := mergeFn(stored.Payload, incoming)
		if !ok {
			return &Result{HasConflict: true, Resolution: ResolutionRejected, Version: stored.Version, Payload: stored.Payload}, nil
		}
		newVersion := stored.Version + 1
		rec := versionRecord{Version: newVersion, Digest: digestOf(merged), WriterID: writerID, LastModified: time.Now(), Payload: merged}
		if err := d.write(ctx, key, rec); err != nil {
			return nil, err
		}
		return &Result{HasConflict: true, Resolution: ResolutionMerged, Version: newVersion, Payload: merged}, nil

	case PolicyUserChoice:
		return &Result{
			HasConflict:     true,
			Resolution:      ResolutionDeferred,
			Version:         stored.Version,
			StoredPayload:   stored.Payload,
			IncomingPayload: incoming,
		}, nil

	default: // PolicyOptimisticLock
		return &Result{HasConflict: true, Resolution: ResolutionRejected, Version: stored.Version, Payload: stored.Payload}, nil
	}
}
