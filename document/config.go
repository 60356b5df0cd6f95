// Package document implements the Document Store Adapter (C2): a typed
// collection accessor over MongoDB supporting filtered find, upsert, bulk
// write, session creation, and session-scoped transaction start/commit/abort.
//
// Grounded on db/repository/interfaces.go's DocumentRepository doc-comment
// style (Architecture/Implementation/Concurrency headers), with the backing
// store swapped from CouchDB to MongoDB: session-scoped transaction and
// bulk-upsert requirements map directly onto mongo.Session /
// session.StartTransaction / collection.BulkWrite, a semantic CouchDB's
// revision-based MVCC doesn't provide.
package document

import (
	"time"

	"github.com/starforge/realmcore/config"
)

// EntityKind is the closed tagged union of persisted entity types, replacing
// the reflection-driven per-type dispatch of the original system.
type EntityKind string

const (
	EntityPlayer     EntityKind = "player"
	EntityRoom       EntityKind = "room"
	EntityGameRecord EntityKind = "game_record"
	EntityGeneric    EntityKind = "generic"
)

// Consistency and Durability express the read/write levels §4.2 requires be
// configurable; they translate to mongo read/write concerns at Store
// construction time.
type Consistency string

const (
	ConsistencyLocal    Consistency = "local"
	ConsistencyMajority Consistency = "majority"
	ConsistencyLinear   Consistency = "linearizable"
)

type Durability string

const (
	DurabilityAcknowledged Durability = "acknowledged"
	DurabilityMajority     Durability = "majority"
)

// Config configures the connection to the document store.
type Config struct {
	URI      string
	Database string

	// Collections maps each entity kind to its backing collection name.
	Collections map[EntityKind]string

	ConnectTimeout   time.Duration
	OperationTimeout time.Duration

	ReadConsistency Consistency
	WriteDurability Durability
}

// DefaultConfig returns sensible defaults for local development, with the
// standard collection-per-kind layout.
func DefaultConfig() Config {
	return Config{
		URI:      "mongodb://localhost:27017",
		Database: "game",
		Collections: map[EntityKind]string{
			EntityPlayer:     "players",
			EntityRoom:       "rooms",
			EntityGameRecord: "game_records",
			EntityGeneric:    "documents",
		},
		ConnectTimeout:   10 * time.Second,
		OperationTimeout: 5 * time.Second,
		ReadConsistency:  ConsistencyLocal,
		WriteDurability:  DurabilityMajority,
	}
}

// ConfigFromEnv loads a Config from environment variables under prefix.
// Collections keep their DefaultConfig mapping; per-kind collection
// overrides are expected to be set programmatically, not via env, since
// they're a structural wiring decision rather than a deployment knob.
func ConfigFromEnv(prefix string) Config {
	env := config.NewEnvConfig(prefix)
	cfg := DefaultConfig()
	cfg.URI = env.GetString("DOCUMENT_URI", cfg.URI)
	cfg.Database = env.GetString("DOCUMENT_DATABASE", cfg.Database)
	cfg.ConnectTimeout = env.GetDuration("DOCUMENT_CONNECT_TIMEOUT", cfg.ConnectTimeout)
	cfg.OperationTimeout = env.GetDuration("DOCUMENT_OPERATION_TIMEOUT", cfg.OperationTimeout)
	return cfg
}

// Validate enforces SPEC_FULL's config validation rules.
func (c Config) Validate() error {
	v := config.NewValidator()
	v.RequireString("URI", c.URI)
	v.RequireString("Database", c.Database)
	v.RequirePositiveDuration("ConnectTimeout", c.ConnectTimeout)
	v.RequirePositiveDuration("OperationTimeout", c.OperationTimeout)
	if len(c.Collections) == 0 {
		v.RequireString("Collections", "")
	}
	return v.Validate()
}
