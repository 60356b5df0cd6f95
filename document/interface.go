package document

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
)

// Interface is the subset of Store's behavior that consuming components
// (syncengine, txn) depend on. Tests for those components substitute a
// hand-rolled fake satisfying this interface instead of a real MongoDB
// connection.
type Interface interface {
	FindOne(ctx context.Context, kind EntityKind, filter bson.M, out interface{}) (bool, error)
	Find(ctx context.Context, kind EntityKind, filter bson.M, out interface{}) error
	Upsert(ctx context.Context, kind EntityKind, filter bson.M, doc interface{}) error
	Delete(ctx context.Context, kind EntityKind, filter bson.M) error
	BulkUpsert(ctx context.Context, kind EntityKind, items []BulkUpsertItem) error
	StartSession(ctx context.Context) (*Session, error)
}

var _ Interface = (*Store)(nil)
