package document

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"github.com/starforge/realmcore/apperrors"
	"github.com/starforge/realmcore/logging"
)

// Store is the typed collection accessor bound to one Mongo database.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	cfg    Config
	log    *logging.ContextLogger
}

// New connects to the document store and verifies connectivity.
func New(ctx context.Context, cfg Config, logger *logging.ContextLogger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	opts := options.Client().ApplyURI(cfg.URI).
		SetReadConcern(readConcernFor(cfg.ReadConsistency)).
		SetWriteConcern(writeConcernFor(cfg.WriteDurability))

	client, err := mongo.Connect(connectCtx, opts)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindDocumentUnavailable, "connect failed", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		return nil, apperrors.Wrap(apperrors.KindDocumentUnavailable, "ping failed", err)
	}

	return &Store{
		client: client,
		db:     client.Database(cfg.Database),
		cfg:    cfg,
		log:    logger.WithField("component", "document.Store"),
	}, nil
}

func readConcernFor(c Consistency) *readconcern.ReadConcern {
	switch c {
	case ConsistencyMajority:
		return readconcern.Majority()
	case ConsistencyLinear:
		return readconcern.Linearizable()
	default:
		return readconcern.Local()
	}
}

func writeConcernFor(d Durability) *writeconcern.WriteConcern {
	if d == DurabilityMajority {
		return writeconcern.Majority()
	}
	return writeconcern.W1()
}

func (s *Store) wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return apperrors.Wrap(apperrors.KindDocumentUnavailable, msg, err)
}

// collection resolves the backing *mongo.Collection for an entity kind.
func (s *Store) collection(kind EntityKind) (*mongo.Collection, error) {
	name, ok := s.cfg.Collections[kind]
	if !ok {
		return nil, apperrors.New(apperrors.KindInvalidArgument, fmt.Sprintf("no collection configured for entity kind %q", kind))
	}
	return s.db.Collection(name), nil
}

// FindOne returns the first document matching filter, decoded into out.
// Reports found=false (no error) on a no-match.
func (s *Store) FindOne(ctx context.Context, kind EntityKind, filter bson.M, out interface{}) (bool, error) {
	coll, err := s.collection(kind)
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()

	err = coll.FindOne(ctx, filter).Decode(out)
	if err == mongo.ErrNoDocuments {
		return false, nil
	}
	if err != nil {
		return false, s.wrap(err, "find-one failed")
	}
	return true, nil
}

// Find returns every document matching filter, decoded into the slice
// pointed to by out (a pointer to a slice of the caller's document type).
func (s *Store) Find(ctx context.Context, kind EntityKind, filter bson.M, out interface{}) error {
	coll, err := s.collection(kind)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()

	cursor, err := coll.Find(ctx, filter)
	if err != nil {
		return s.wrap(err, "find failed")
	}
	defer cursor.Close(ctx)

	if err := cursor.All(ctx, out); err != nil {
		return s.wrap(err, "find decode failed")
	}
	return nil
}

// Upsert replaces the document matching filter with doc, creating it if
// absent.
func (s *Store) Upsert(ctx context.Context, kind EntityKind, filter bson.M, doc interface{}) error {
	coll, err := s.collection(kind)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()

	_, err = coll.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
	return s.wrap(err, "upsert failed")
}

// Delete removes every document matching filter.
func (s *Store) Delete(ctx context.Context, kind EntityKind, filter bson.M) error {
	coll, err := s.collection(kind)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()

	_, err = coll.DeleteMany(ctx, filter)
	return s.wrap(err, "delete failed")
}

// BulkUpsertItem is one entry of a BulkUpsert batch.
type BulkUpsertItem struct {
	Filter bson.M
	Doc    interface{}
}

// BulkUpsert performs an unordered bulk write of replace-with-upsert
// operations for the write-behind flush path (C5 groups items by payload
// type and calls this once per group).
func (s *Store) BulkUpsert(ctx context.Context, kind EntityKind, items []BulkUpsertItem) error {
	if len(items) == 0 {
		return nil
	}
	coll, err := s.collection(kind)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()

	models := make([]mongo.WriteModel, 0, len(items))
	for _, item := range items {
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(item.Filter).
			SetReplacement(item.Doc).
			SetUpsert(true))
	}

	_, err = coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	return s.wrap(err, "bulk upsert failed")
}

// EnsureIndex provisions an index on kind's collection, used at startup by
// persistence services that rely on bulk-query performance.
func (s *Store) EnsureIndex(ctx context.Context, kind EntityKind, model mongo.IndexModel) error {
	coll, err := s.collection(kind)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()

	_, err = coll.Indexes().CreateOne(ctx, model)
	return s.wrap(err, "index creation failed")
}

// Session wraps a mongo.Session for the explicit start/commit/abort sequence
// C7 requires (rather than the callback-style WithTransaction helper), since
// the transaction handle's lifetime spans a caller-driven Begin/During/
// Commit/Rollback cycle rather than a single closure.
type Session struct {
	raw mongo.Session
}

// StartSession opens a new document-store session.
func (s *Store) StartSession(ctx context.Context) (*Session, error) {
	raw, err := s.client.StartSession()
	if err != nil {
		return nil, s.wrap(err, "session start failed")
	}
	return &Session{raw: raw}, nil
}

// StartTransaction begins a transaction on this session.
func (sess *Session) StartTransaction() error {
	if err := sess.raw.StartTransaction(); err != nil {
		return apperrors.Wrap(apperrors.KindDocumentUnavailable, "transaction start failed", err)
	}
	return nil
}

// Context returns a context bound to this session, so collection operations
// performed with it participate in the transaction.
func (sess *Session) Context(ctx context.Context) context.Context {
	return mongo.NewSessionContext(ctx, sess.raw)
}

// CommitTransaction commits the session's transaction.
func (sess *Session) CommitTransaction(ctx context.Context) error {
	if err := sess.raw.CommitTransaction(ctx); err != nil {
		return apperrors.Wrap(apperrors.KindTransactionAborted, "commit failed", err)
	}
	return nil
}

// AbortTransaction rolls back the session's transaction.
func (sess *Session) AbortTransaction(ctx context.Context) error {
	if err := sess.raw.AbortTransaction(ctx); err != nil {
		return apperrors.Wrap(apperrors.KindTransactionAborted, "abort failed", err)
	}
	return nil
}

// EndSession releases the session's resources. Safe to call after commit or
// abort; idempotent per the driver's own contract.
func (sess *Session) EndSession(ctx context.Context) {
	sess.raw.EndSession(ctx)
}

// Close disconnects the underlying client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
