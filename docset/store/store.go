// Package store defines the narrow collection interface the ODM
// executes against, together with three engines implementing it: the
// mongo-driver binding, an in-process memory engine, and a JSON-file
// engine layered on the memory one. The query layer only ever talks to
// these interfaces, so every engine is exercised by the same tests.
package store

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/arthur-debert/docset/types"
)

// FindOptions carries the server-side execution hints of a find:
// sort specification, pagination bounds and projection. Nil pointers
// mean "no bound".
type FindOptions struct {
	Sort       []types.OrderClause
	Limit      *int64
	Skip       *int64
	Projection bson.M
}

// InsertOneResult reports a completed single insert.
type InsertOneResult struct {
	InsertedID interface{}
}

// UpdateResult reports a completed update. Zero matched documents is a
// valid, silent outcome for bulk updates.
type UpdateResult struct {
	MatchedCount  int64
	ModifiedCount int64
	UpsertedCount int64
	UpsertedID    interface{}
}

// DeleteResult reports a completed delete.
type DeleteResult struct {
	DeletedCount int64
}

// Cursor streams matching documents one at a time without
// materializing the full result set.
type Cursor interface {
	// Next advances the cursor; it returns false once exhausted or on
	// error, in which case Err reports the cause.
	Next(ctx context.Context) bool
	// Decode unmarshals the current document into out.
	Decode(out interface{}) error
	// Err returns the terminal error, if any.
	Err() error
	// Close releases the cursor's resources.
	Close(ctx context.Context) error
}

// Collection is the minimum store surface the query engine consumes.
// FindOne returns (nil, nil) when nothing matches; the caller decides
// whether absence is an error.
type Collection interface {
	Name() string

	InsertOne(ctx context.Context, doc bson.M) (*InsertOneResult, error)
	UpdateOne(ctx context.Context, filter, update bson.M) (*UpdateResult, error)
	UpdateMany(ctx context.Context, filter, update bson.M) (*UpdateResult, error)
	DeleteOne(ctx context.Context, filter bson.M) (*DeleteResult, error)
	DeleteMany(ctx context.Context, filter bson.M) (*DeleteResult, error)
	FindOneAndDelete(ctx context.Context, filter bson.M) (bson.M, error)

	Find(ctx context.Context, filter bson.M, opts FindOptions) (Cursor, error)
	FindOne(ctx context.Context, filter bson.M, opts FindOptions) (bson.M, error)
	CountDocuments(ctx context.Context, filter bson.M, limit int64) (int64, error)
	Distinct(ctx context.Context, field string, filter bson.M) ([]interface{}, error)
	Aggregate(ctx context.Context, pipeline []bson.M) (Cursor, error)

	ListIndexes(ctx context.Context) ([]bson.M, error)
	Drop(ctx context.Context) error
}

// Database is a named bucket of collections.
type Database interface {
	Name() string
	Collection(name string) Collection
	Drop(ctx context.Context) error
}

// Client owns the connection to one store and hands out databases.
type Client interface {
	Database(name string) Database
	Disconnect(ctx context.Context) error
}

// Session scopes a chain of operations to one transaction. Engines
// without transactions return a no-op session. The query layer calls
// Context before every store round-trip so the handle travels with the
// request context.
type Session interface {
	Context(parent context.Context) context.Context
	End(ctx context.Context)
}
