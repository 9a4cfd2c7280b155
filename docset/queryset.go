package docset

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/arthur-debert/docset/docset/store"
	"github.com/arthur-debert/docset/types"
)

// QuerySet is a lazy, immutable query over one entity collection.
// Builder methods return a modified copy and never touch the store;
// only terminal operations (All, Get, Count, Update, Delete, ...)
// execute. A builder error (from Exclude or RawQ composition) is
// carried along and surfaces at the terminal call.
type QuerySet[T any] struct {
	mgr   *Manager[T]
	query Q
	limit *int64
	skip  *int64
	sort  []types.OrderClause

	sess     store.Session
	db       store.Database
	collName string

	err error
}

func (qs *QuerySet[T]) clone() *QuerySet[T] {
	out := *qs
	out.query = qs.query.Copy()
	out.sort = append([]types.OrderClause(nil), qs.sort...)
	if qs.limit != nil {
		v := *qs.limit
		out.limit = &v
	}
	if qs.skip != nil {
		v := *qs.skip
		out.skip = &v
	}
	return &out
}

// Filter narrows the query with a keyword specification, deep-merging
// it into the accumulated expression.
func (qs *QuerySet[T]) Filter(kw Kw) *QuerySet[T] {
	out := qs.clone()
	out.query = out.query.And(NewQ(kw))
	return out
}

// Where is Filter under its other customary name.
func (qs *QuerySet[T]) Where(kw Kw) *QuerySet[T] {
	return qs.Filter(kw)
}

// FilterQ narrows the query with an already-composed expression.
func (qs *QuerySet[T]) FilterQ(q Q) *QuerySet[T] {
	out := qs.clone()
	out.query = out.query.And(q)
	return out
}

// Exclude narrows the query to documents NOT matching the keyword
// specification. Exclusion inverts each operator; patterns cannot be
// inverted, so a regex exclusion surfaces as an error at the terminal
// operation.
func (qs *QuerySet[T]) Exclude(kw Kw) *QuerySet[T] {
	out := qs.clone()
	inverted, err := NotQ(kw)
	if err != nil {
		out.err = err
		return out
	}
	out.query = out.query.And(inverted)
	return out
}

// Limit caps the number of documents terminal reads return. A negative
// bound is a validation error, surfaced at the terminal operation.
func (qs *QuerySet[T]) Limit(n int64) *QuerySet[T] {
	out := qs.clone()
	if n < 0 {
		out.err = fmt.Errorf("%w: negative limit %d", ErrInvalidArgument, n)
		return out
	}
	out.limit = &n
	return out
}

// Skip offsets terminal reads past the first n matches. A negative
// offset is a validation error, surfaced at the terminal operation.
func (qs *QuerySet[T]) Skip(n int64) *QuerySet[T] {
	out := qs.clone()
	if n < 0 {
		out.err = fmt.Errorf("%w: negative skip %d", ErrInvalidArgument, n)
		return out
	}
	out.skip = &n
	return out
}

// ClearLimit removes the limit bound.
func (qs *QuerySet[T]) ClearLimit() *QuerySet[T] {
	out := qs.clone()
	out.limit = nil
	return out
}

// ClearSkip removes the skip bound.
func (qs *QuerySet[T]) ClearSkip() *QuerySet[T] {
	out := qs.clone()
	out.skip = nil
	return out
}

// OrderBy replaces the sort specification. Each field may use the path
// DSL ("author__name") and a leading '-' for descending order.
func (qs *QuerySet[T]) OrderBy(fields ...string) *QuerySet[T] {
	out := qs.clone()
	dotted := make([]string, len(fields))
	for i, f := range fields {
		dotted[i] = strings.ReplaceAll(f, PathSeparator, ".")
	}
	out.sort = types.ParseOrdering(dotted)
	return out
}

// WithSession scopes every terminal operation of the chain to the
// given store session.
func (qs *QuerySet[T]) WithSession(sess store.Session) *QuerySet[T] {
	out := qs.clone()
	out.sess = sess
	return out
}

// WithDatabase retargets the chain at another database, bypassing the
// shared connection's working database.
func (qs *QuerySet[T]) WithDatabase(db store.Database) *QuerySet[T] {
	out := qs.clone()
	out.db = db
	return out
}

// Collection retargets the chain at another collection.
func (qs *QuerySet[T]) Collection(name string) *QuerySet[T] {
	out := qs.clone()
	out.collName = name
	return out
}

// Copy returns an independent clone of the whole chain.
func (qs *QuerySet[T]) Copy() *QuerySet[T] {
	return qs.clone()
}

// Fresh returns an empty query over the same manager, dropping every
// accumulated clause and bound but keeping session, database and
// collection targeting.
func (qs *QuerySet[T]) Fresh() *QuerySet[T] {
	out := qs.clone()
	out.query = Q{}
	out.limit = nil
	out.skip = nil
	out.sort = nil
	out.err = nil
	return out
}

// Query returns the accumulated filter expression.
func (qs *QuerySet[T]) Query() Q {
	return qs.query.Copy()
}

func (qs *QuerySet[T]) collection() (store.Collection, error) {
	db := qs.db
	if db == nil {
		var err error
		db, err = currentDatabase()
		if err != nil {
			return nil, err
		}
	}
	name := qs.collName
	if name == "" {
		name = qs.mgr.CollectionName()
	}
	return db.Collection(name), nil
}

func (qs *QuerySet[T]) ctxFor(ctx context.Context) context.Context {
	if qs.sess != nil {
		return qs.sess.Context(ctx)
	}
	return ctx
}

func (qs *QuerySet[T]) findOptions() store.FindOptions {
	return store.FindOptions{Sort: qs.sort, Limit: qs.limit, Skip: qs.skip}
}

// All materializes every matching entity, honoring sort, skip and
// limit.
func (qs *QuerySet[T]) All(ctx context.Context) ([]*T, error) {
	if qs.err != nil {
		return nil, qs.err
	}
	coll, err := qs.collection()
	if err != nil {
		return nil, err
	}
	cursor, err := coll.Find(qs.ctxFor(ctx), qs.query.Doc(), qs.findOptions())
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var out []*T
	for cursor.Next(qs.ctxFor(ctx)) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		entity := new(T)
		if err := loadModel(doc, entity); err != nil {
			return nil, err
		}
		out = append(out, entity)
	}
	return out, cursor.Err()
}

// Get returns the single entity the query matches, optionally narrowed
// by extra keyword filters first. Zero matches is a not-found error;
// more than one is an ambiguity error.
func (qs *QuerySet[T]) Get(ctx context.Context, extra ...Kw) (*T, error) {
	narrowed := qs
	for _, kw := range extra {
		narrowed = narrowed.Filter(kw)
	}
	matches, err := narrowed.Limit(2).All(ctx)
	if err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, &NotFoundError{Collection: narrowed.collectionName(), Filter: narrowed.query.Doc()}
	case 1:
		return matches[0], nil
	}
	return nil, &TooManyMatchesError{Collection: narrowed.collectionName(), Filter: narrowed.query.Doc()}
}

// First returns the first matching entity in the chain's order. Nothing
// matching is not an error: the result is simply nil. Callers that want
// the strict single-result contract use Get.
func (qs *QuerySet[T]) First(ctx context.Context) (*T, error) {
	matches, err := qs.Limit(1).All(ctx)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return matches[0], nil
}

func (qs *QuerySet[T]) collectionName() string {
	if qs.collName != "" {
		return qs.collName
	}
	return qs.mgr.CollectionName()
}

// Count returns the number of matching documents. A limit bound caps
// the count.
func (qs *QuerySet[T]) Count(ctx context.Context) (int64, error) {
	if qs.err != nil {
		return 0, qs.err
	}
	coll, err := qs.collection()
	if err != nil {
		return 0, err
	}
	var limit int64
	if qs.limit != nil {
		limit = *qs.limit
	}
	return coll.CountDocuments(qs.ctxFor(ctx), qs.query.Doc(), limit)
}

// Exists reports whether at least one document matches.
func (qs *QuerySet[T]) Exists(ctx context.Context) (bool, error) {
	count, err := qs.Limit(1).Count(ctx)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Create inserts the entity through the chain's collection targeting
// and assigns its new identity. An entity with an identity already set
// is inserted under that identity.
func (qs *QuerySet[T]) Create(ctx context.Context, entity *T) error {
	if qs.err != nil {
		return qs.err
	}
	doc, err := dumpModel(entity, qs.mgr.schema)
	if err != nil {
		return err
	}
	coll, err := qs.collection()
	if err != nil {
		return err
	}
	res, err := coll.InsertOne(qs.ctxFor(ctx), doc)
	if err != nil {
		return err
	}
	if id, ok := res.InsertedID.(primitive.ObjectID); ok {
		any(entity).(identified).setObjectID(id)
	}
	return nil
}

// Map streams every matching entity through fn without materializing
// the full result set. Fn returning an error stops the iteration.
func (qs *QuerySet[T]) Map(ctx context.Context, fn func(*T) error) error {
	if qs.err != nil {
		return qs.err
	}
	coll, err := qs.collection()
	if err != nil {
		return err
	}
	cursor, err := coll.Find(qs.ctxFor(ctx), qs.query.Doc(), qs.findOptions())
	if err != nil {
		return err
	}
	defer cursor.Close(ctx)
	for cursor.Next(qs.ctxFor(ctx)) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return err
		}
		entity := new(T)
		if err := loadModel(doc, entity); err != nil {
			return err
		}
		if err := fn(entity); err != nil {
			return err
		}
	}
	return cursor.Err()
}

// Delete removes every matching document and returns the count.
func (qs *QuerySet[T]) Delete(ctx context.Context) (int64, error) {
	if qs.err != nil {
		return 0, qs.err
	}
	coll, err := qs.collection()
	if err != nil {
		return 0, err
	}
	res, err := coll.DeleteMany(qs.ctxFor(ctx), qs.query.Doc())
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

// DeleteOne removes at most one matching document.
func (qs *QuerySet[T]) DeleteOne(ctx context.Context) error {
	if qs.err != nil {
		return qs.err
	}
	coll, err := qs.collection()
	if err != nil {
		return err
	}
	_, err = coll.DeleteOne(qs.ctxFor(ctx), qs.query.Doc())
	return err
}

// Pop atomically removes and returns one matching entity, or a
// not-found error when nothing matches.
func (qs *QuerySet[T]) Pop(ctx context.Context) (*T, error) {
	if qs.err != nil {
		return nil, qs.err
	}
	coll, err := qs.collection()
	if err != nil {
		return nil, err
	}
	doc, err := coll.FindOneAndDelete(qs.ctxFor(ctx), qs.query.Doc())
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, &NotFoundError{Collection: qs.collectionName(), Filter: qs.query.Doc()}
	}
	entity := new(T)
	if err := loadModel(doc, entity); err != nil {
		return nil, err
	}
	return entity, nil
}

// Update sets the given fields (path DSL keys) on every matching
// document and returns the modified count. Matching zero documents is
// a valid, silent outcome.
func (qs *QuerySet[T]) Update(ctx context.Context, fields Kw) (int64, error) {
	return qs.updateMany(ctx, bson.M{"$set": kwToDotted(fields)})
}

// Unset removes the given fields from every matching document.
func (qs *QuerySet[T]) Unset(ctx context.Context, fields ...string) (int64, error) {
	spec := bson.M{}
	for _, f := range fields {
		spec[strings.ReplaceAll(f, PathSeparator, ".")] = ""
	}
	return qs.updateMany(ctx, bson.M{"$unset": spec})
}

// Rename moves each field to its new key on every matching document.
func (qs *QuerySet[T]) Rename(ctx context.Context, renames map[string]string) (int64, error) {
	spec := bson.M{}
	for from, to := range renames {
		spec[strings.ReplaceAll(from, PathSeparator, ".")] = strings.ReplaceAll(to, PathSeparator, ".")
	}
	return qs.updateMany(ctx, bson.M{"$rename": spec})
}

func (qs *QuerySet[T]) updateMany(ctx context.Context, update bson.M) (int64, error) {
	if qs.err != nil {
		return 0, qs.err
	}
	coll, err := qs.collection()
	if err != nil {
		return 0, err
	}
	res, err := coll.UpdateMany(qs.ctxFor(ctx), qs.query.Doc(), update)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

// kwToDotted converts path-DSL keys into dotted storage paths.
func kwToDotted(kw Kw) bson.M {
	out := make(bson.M, len(kw))
	for key, value := range kw {
		out[strings.ReplaceAll(key, PathSeparator, ".")] = value
	}
	return out
}

// Sum aggregates the total of one numeric field over the matching
// window. Skip and limit apply before the aggregation, so a windowed
// sum covers exactly the window a matching All would return.
func (qs *QuerySet[T]) Sum(ctx context.Context, field string) (float64, error) {
	values, err := qs.accumulate(ctx, "$sum", field)
	if err != nil {
		return 0, err
	}
	return values[field], nil
}

// SumFields aggregates totals for several fields in one round-trip.
func (qs *QuerySet[T]) SumFields(ctx context.Context, fields ...string) (map[string]float64, error) {
	return qs.accumulate(ctx, "$sum", fields...)
}

// Avg aggregates the mean of one numeric field over the matching
// window. An empty window yields zero.
func (qs *QuerySet[T]) Avg(ctx context.Context, field string) (float64, error) {
	values, err := qs.accumulate(ctx, "$avg", field)
	if err != nil {
		return 0, err
	}
	return values[field], nil
}

// AvgFields aggregates means for several fields in one round-trip.
func (qs *QuerySet[T]) AvgFields(ctx context.Context, fields ...string) (map[string]float64, error) {
	return qs.accumulate(ctx, "$avg", fields...)
}

func (qs *QuerySet[T]) accumulate(ctx context.Context, op string, fields ...string) (map[string]float64, error) {
	if qs.err != nil {
		return nil, qs.err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: aggregation requires at least one field", ErrInvalidArgument)
	}
	group := bson.M{"_id": nil}
	for _, f := range fields {
		dotted := strings.ReplaceAll(f, PathSeparator, ".")
		group[f] = bson.M{op: "$" + dotted}
	}
	pipeline := append(qs.pipelineBasis(), bson.M{"$match": qs.query.Doc()}, bson.M{"$group": group})

	coll, err := qs.collection()
	if err != nil {
		return nil, err
	}
	cursor, err := coll.Aggregate(qs.ctxFor(ctx), pipeline)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	out := make(map[string]float64, len(fields))
	for _, f := range fields {
		out[f] = 0
	}
	if cursor.Next(qs.ctxFor(ctx)) {
		var row bson.M
		if err := cursor.Decode(&row); err != nil {
			return nil, err
		}
		for _, f := range fields {
			if n, ok := numeric(row[f]); ok {
				out[f] = n
			}
		}
	}
	return out, cursor.Err()
}

// pipelineBasis renders the chain's window as leading pipeline stages.
// The limit stage absorbs the skip so the window covers the same
// documents a find with the same bounds would.
func (qs *QuerySet[T]) pipelineBasis() []bson.M {
	var basis []bson.M
	if len(qs.sort) > 0 {
		sortSpec := bson.M{}
		for _, clause := range qs.sort {
			sortSpec[clause.Field] = clause.Direction()
		}
		basis = append(basis, bson.M{"$sort": sortSpec})
	}
	if qs.limit != nil {
		window := *qs.limit
		if qs.skip != nil {
			window += *qs.skip
		}
		basis = append(basis, bson.M{"$limit": window})
	}
	if qs.skip != nil {
		basis = append(basis, bson.M{"$skip": *qs.skip})
	}
	return basis
}

func numeric(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

// ValuesOptions shapes a ValuesList result.
type ValuesOptions struct {
	// Flat unwraps single-field rows into bare values. Flat with more
	// than one field is an error.
	Flat bool
	// NoID drops the identity key from the projected rows.
	NoID bool
}

// ValuesList projects the matching documents down to the given fields
// (path DSL keys). Each row is a document unless Flat is set, in which
// case the single projected field's values are returned bare.
func (qs *QuerySet[T]) ValuesList(ctx context.Context, opts ValuesOptions, fields ...string) ([]interface{}, error) {
	if qs.err != nil {
		return nil, qs.err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: values list requires at least one field", ErrInvalidArgument)
	}
	if opts.Flat && len(fields) > 1 {
		return nil, fmt.Errorf("%w: flat values list supports exactly one field, got %d", ErrInvalidArgument, len(fields))
	}
	projection := bson.M{}
	dotted := make([]string, len(fields))
	for i, f := range fields {
		dotted[i] = strings.ReplaceAll(f, PathSeparator, ".")
		projection[dotted[i]] = 1
	}
	if opts.NoID {
		projection["_id"] = 0
	}
	coll, err := qs.collection()
	if err != nil {
		return nil, err
	}
	findOpts := qs.findOptions()
	findOpts.Projection = projection
	cursor, err := coll.Find(qs.ctxFor(ctx), qs.query.Doc(), findOpts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []interface{}
	for cursor.Next(qs.ctxFor(ctx)) {
		var row bson.M
		if err := cursor.Decode(&row); err != nil {
			return nil, err
		}
		if opts.Flat {
			out = append(out, lookupDotted(row, dotted[0]))
			continue
		}
		out = append(out, row)
	}
	return out, cursor.Err()
}

func lookupDotted(doc bson.M, path string) interface{} {
	segments := strings.Split(path, ".")
	var current interface{} = doc
	for _, segment := range segments {
		node, ok := current.(bson.M)
		if !ok {
			if plain, isPlain := current.(map[string]interface{}); isPlain {
				node = bson.M(plain)
			} else {
				return nil
			}
		}
		current = node[segment]
	}
	return current
}

// Distinct returns the distinct values of one field (path DSL key)
// across the matching documents.
func (qs *QuerySet[T]) Distinct(ctx context.Context, field string) ([]interface{}, error) {
	if qs.err != nil {
		return nil, qs.err
	}
	coll, err := qs.collection()
	if err != nil {
		return nil, err
	}
	return coll.Distinct(qs.ctxFor(ctx), strings.ReplaceAll(field, PathSeparator, "."), qs.query.Doc())
}

// Indexes lists the collection's index specifications.
func (qs *QuerySet[T]) Indexes(ctx context.Context) ([]bson.M, error) {
	if qs.err != nil {
		return nil, qs.err
	}
	coll, err := qs.collection()
	if err != nil {
		return nil, err
	}
	return coll.ListIndexes(qs.ctxFor(ctx))
}

// Drop removes the whole collection.
func (qs *QuerySet[T]) Drop(ctx context.Context) error {
	if qs.err != nil {
		return qs.err
	}
	coll, err := qs.collection()
	if err != nil {
		return err
	}
	return coll.Drop(qs.ctxFor(ctx))
}
