package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/arthur-debert/docset/types"
)

// MemoryClient is a full in-process engine. It evaluates the same
// filter, update and aggregation documents the mongo binding sends to a
// server, which lets the entire query layer run against it unchanged.
// All operations are safe for concurrent use.
type MemoryClient struct {
	mu  sync.Mutex
	dbs map[string]*memoryDatabase
}

// NewMemoryClient returns an empty in-process store.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{dbs: map[string]*memoryDatabase{}}
}

func (c *MemoryClient) Database(name string) Database {
	c.mu.Lock()
	defer c.mu.Unlock()
	db, ok := c.dbs[name]
	if !ok {
		db = &memoryDatabase{name: name, colls: map[string]*memoryCollection{}}
		c.dbs[name] = db
	}
	return db
}

func (c *MemoryClient) Disconnect(context.Context) error { return nil }

// StartSession returns a no-op session; the memory engine has no
// transactions, so session-scoped chains degrade to plain execution.
func (c *MemoryClient) StartSession() (Session, error) {
	return noopSession{}, nil
}

type noopSession struct{}

func (noopSession) Context(parent context.Context) context.Context { return parent }
func (noopSession) End(context.Context)                            {}

type memoryDatabase struct {
	mu    sync.Mutex
	name  string
	colls map[string]*memoryCollection
}

func (d *memoryDatabase) Name() string { return d.name }

func (d *memoryDatabase) Collection(name string) Collection {
	d.mu.Lock()
	defer d.mu.Unlock()
	coll, ok := d.colls[name]
	if !ok {
		coll = &memoryCollection{name: name}
		d.colls[name] = coll
	}
	return coll
}

func (d *memoryDatabase) Drop(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	// Clearing in place keeps previously handed-out collection handles
	// valid, pointing at now-empty collections.
	for _, coll := range d.colls {
		coll.mu.Lock()
		coll.docs = nil
		coll.mu.Unlock()
	}
	return nil
}

type memoryCollection struct {
	mu   sync.RWMutex
	name string
	docs []bson.M
}

func (c *memoryCollection) newCursor(docs []bson.M) *sliceCursor {
	return &sliceCursor{docs: docs, pos: -1}
}

// name is immutable after construction, so reads skip the lock.
func (c *memoryCollection) Name() string { return c.name }

func (c *memoryCollection) InsertOne(_ context.Context, doc bson.M) (*InsertOneResult, error) {
	stored := deepCopyDoc(doc)
	if _, ok := stored["_id"]; !ok {
		stored["_id"] = primitive.NewObjectID()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.docs {
		if valuesEqual(existing["_id"], stored["_id"]) {
			return nil, fmt.Errorf("duplicate key: _id %v already present", stored["_id"])
		}
	}
	c.docs = append(c.docs, stored)
	return &InsertOneResult{InsertedID: stored["_id"]}, nil
}

func (c *memoryCollection) UpdateOne(ctx context.Context, filter, update bson.M) (*UpdateResult, error) {
	return c.update(filter, update, 1)
}

func (c *memoryCollection) UpdateMany(ctx context.Context, filter, update bson.M) (*UpdateResult, error) {
	return c.update(filter, update, 0)
}

func (c *memoryCollection) update(filter, update bson.M, max int) (*UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := &UpdateResult{}
	for _, doc := range c.docs {
		ok, err := matchDocument(doc, filter)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		res.MatchedCount++
		modified, err := applyUpdate(doc, update)
		if err != nil {
			return nil, err
		}
		if modified {
			res.ModifiedCount++
		}
		if max > 0 && res.MatchedCount >= int64(max) {
			break
		}
	}
	return res, nil
}

func (c *memoryCollection) DeleteOne(_ context.Context, filter bson.M) (*DeleteResult, error) {
	return c.remove(filter, 1)
}

func (c *memoryCollection) DeleteMany(_ context.Context, filter bson.M) (*DeleteResult, error) {
	return c.remove(filter, 0)
}

func (c *memoryCollection) remove(filter bson.M, max int) (*DeleteResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := &DeleteResult{}
	kept := c.docs[:0]
	for i, doc := range c.docs {
		if max > 0 && res.DeletedCount >= int64(max) {
			kept = append(kept, c.docs[i:]...)
			break
		}
		ok, err := matchDocument(doc, filter)
		if err != nil {
			return nil, err
		}
		if ok {
			res.DeletedCount++
			continue
		}
		kept = append(kept, doc)
	}
	c.docs = kept
	return res, nil
}

func (c *memoryCollection) FindOneAndDelete(_ context.Context, filter bson.M) (bson.M, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, doc := range c.docs {
		ok, err := matchDocument(doc, filter)
		if err != nil {
			return nil, err
		}
		if ok {
			c.docs = append(c.docs[:i], c.docs[i+1:]...)
			return deepCopyDoc(doc), nil
		}
	}
	return nil, nil
}

func (c *memoryCollection) Find(_ context.Context, filter bson.M, opts FindOptions) (Cursor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	matched, err := c.matching(filter)
	if err != nil {
		return nil, err
	}
	matched = applyFindOptions(matched, opts)
	return c.newCursor(matched), nil
}

func (c *memoryCollection) FindOne(_ context.Context, filter bson.M, opts FindOptions) (bson.M, error) {
	one := int64(1)
	opts.Limit = &one
	c.mu.RLock()
	defer c.mu.RUnlock()
	matched, err := c.matching(filter)
	if err != nil {
		return nil, err
	}
	matched = applyFindOptions(matched, opts)
	if len(matched) == 0 {
		return nil, nil
	}
	return matched[0], nil
}

func (c *memoryCollection) CountDocuments(_ context.Context, filter bson.M, limit int64) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var count int64
	for _, doc := range c.docs {
		ok, err := matchDocument(doc, filter)
		if err != nil {
			return 0, err
		}
		if ok {
			count++
			if limit > 0 && count >= limit {
				break
			}
		}
	}
	return count, nil
}

func (c *memoryCollection) Distinct(_ context.Context, field string, filter bson.M) ([]interface{}, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var values []interface{}
	for _, doc := range c.docs {
		ok, err := matchDocument(doc, filter)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		value, exists := resolvePath(doc, field)
		if !exists {
			continue
		}
		seen := false
		for _, v := range values {
			if valuesEqual(v, value) {
				seen = true
				break
			}
		}
		if !seen {
			values = append(values, copyStoredValue(value))
		}
	}
	return values, nil
}

func (c *memoryCollection) Aggregate(_ context.Context, pipeline []bson.M) (Cursor, error) {
	c.mu.RLock()
	docs := make([]bson.M, len(c.docs))
	for i, doc := range c.docs {
		docs[i] = deepCopyDoc(doc)
	}
	c.mu.RUnlock()
	out, err := runPipeline(docs, pipeline)
	if err != nil {
		return nil, err
	}
	return c.newCursor(out), nil
}

func (c *memoryCollection) ListIndexes(context.Context) ([]bson.M, error) {
	// Only the implicit identity index exists in this engine.
	return []bson.M{{"v": int32(2), "key": bson.M{"_id": int32(1)}, "name": "_id_"}}, nil
}

func (c *memoryCollection) Drop(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs = nil
	return nil
}

// matching returns deep copies of every document the filter accepts, in
// insertion order. Callers hold at least the read lock.
func (c *memoryCollection) matching(filter bson.M) ([]bson.M, error) {
	var matched []bson.M
	for _, doc := range c.docs {
		ok, err := matchDocument(doc, filter)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, deepCopyDoc(doc))
		}
	}
	return matched, nil
}

func applyFindOptions(docs []bson.M, opts FindOptions) []bson.M {
	sortDocs(docs, opts.Sort)
	docs = paginate(docs, opts.Skip, opts.Limit)
	if len(opts.Projection) > 0 {
		for i, doc := range docs {
			docs[i] = projectDoc(doc, opts.Projection)
		}
	}
	return docs
}

// sortDocs orders documents by the clauses in significance order.
// Missing values sort before present ones, matching server behavior
// closely enough for the supported types.
func sortDocs(docs []bson.M, clauses []types.OrderClause) {
	if len(clauses) == 0 {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		for _, clause := range clauses {
			av, aok := resolvePath(docs[i], clause.Field)
			bv, bok := resolvePath(docs[j], clause.Field)
			var cmp int
			switch {
			case !aok && !bok:
				continue
			case !aok:
				cmp = -1
			case !bok:
				cmp = 1
			default:
				ordered, comparable := compareValues(av, bv)
				if !comparable || ordered == 0 {
					continue
				}
				cmp = ordered
			}
			if clause.Descending {
				cmp = -cmp
			}
			return cmp < 0
		}
		return false
	})
}

func paginate(docs []bson.M, skip, limit *int64) []bson.M {
	if skip != nil {
		n := int(*skip)
		if n >= len(docs) {
			return nil
		}
		docs = docs[n:]
	}
	if limit != nil && *limit > 0 && int64(len(docs)) > *limit {
		docs = docs[:*limit]
	}
	return docs
}

// projectDoc applies inclusion or exclusion projection over top-level
// keys. A projection with any truthy value is an inclusion ( _id rides
// along unless explicitly suppressed); an all-falsy projection is an
// exclusion.
func projectDoc(doc, projection bson.M) bson.M {
	include := false
	for key, v := range projection {
		if key == "_id" {
			continue
		}
		if truthy(v) {
			include = true
			break
		}
	}
	out := bson.M{}
	if include {
		for key, v := range projection {
			if !truthy(v) {
				continue
			}
			if value, ok := resolvePath(doc, key); ok {
				setPath(out, key, value)
			}
		}
		if id, ok := doc["_id"]; ok {
			if v, set := projection["_id"]; !set || truthy(v) {
				out["_id"] = id
			}
		}
		return out
	}
	for key, value := range doc {
		out[key] = value
	}
	for key, v := range projection {
		if !truthy(v) {
			deletePath(out, key)
		}
	}
	return out
}

func truthy(v interface{}) bool {
	switch n := v.(type) {
	case bool:
		return n
	default:
		if f, ok := asFloat(v); ok {
			return f != 0
		}
	}
	return false
}

// applyUpdate executes the supported update operators against the
// document in place and reports whether anything changed.
func applyUpdate(doc, update bson.M) (bool, error) {
	modified := false
	for op, spec := range update {
		fields, ok := asFilterDoc(spec)
		if !ok {
			return modified, fmt.Errorf("%s expects a field document, got %T", op, spec)
		}
		switch op {
		case "$set":
			for path, value := range fields {
				current, exists := resolvePath(doc, path)
				if !exists || !valuesEqual(current, value) {
					setPath(doc, path, copyStoredValue(value))
					modified = true
				}
			}
		case "$unset":
			for path := range fields {
				if deletePath(doc, path) {
					modified = true
				}
			}
		case "$rename":
			for path, target := range fields {
				name, ok := target.(string)
				if !ok {
					return modified, fmt.Errorf("$rename expects a string target, got %T", target)
				}
				value, exists := resolvePath(doc, path)
				if !exists {
					continue
				}
				deletePath(doc, path)
				setPath(doc, name, value)
				modified = true
			}
		case "$inc":
			for path, delta := range fields {
				amount, ok := asFloat(delta)
				if !ok {
					return modified, fmt.Errorf("$inc expects a numeric delta, got %T", delta)
				}
				current, exists := resolvePath(doc, path)
				base := 0.0
				if exists {
					base, ok = asFloat(current)
					if !ok {
						return modified, fmt.Errorf("$inc target %q is not numeric", path)
					}
				}
				setPath(doc, path, base+amount)
				modified = true
			}
		default:
			return modified, fmt.Errorf("unsupported update operator %q", op)
		}
	}
	return modified, nil
}

// setPath writes value at a dotted path, creating intermediate
// documents as needed. A non-document intermediate is replaced.
func setPath(doc bson.M, path string, value interface{}) {
	segments := strings.Split(path, ".")
	node := doc
	for _, segment := range segments[:len(segments)-1] {
		next, ok := asFilterDoc(node[segment])
		if !ok {
			next = bson.M{}
			node[segment] = next
		}
		node = next
	}
	node[segments[len(segments)-1]] = value
}

func deletePath(doc bson.M, path string) bool {
	segments := strings.Split(path, ".")
	node := doc
	for _, segment := range segments[:len(segments)-1] {
		next, ok := asFilterDoc(node[segment])
		if !ok {
			return false
		}
		node = next
	}
	leaf := segments[len(segments)-1]
	if _, ok := node[leaf]; !ok {
		return false
	}
	delete(node, leaf)
	return true
}

func deepCopyDoc(doc bson.M) bson.M {
	out := make(bson.M, len(doc))
	for k, v := range doc {
		out[k] = copyStoredValue(v)
	}
	return out
}

func copyStoredValue(v interface{}) interface{} {
	switch val := v.(type) {
	case bson.M:
		return deepCopyDoc(val)
	case map[string]interface{}:
		return deepCopyDoc(bson.M(val))
	case bson.A:
		out := make(bson.A, len(val))
		for i, item := range val {
			out[i] = copyStoredValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = copyStoredValue(item)
		}
		return out
	case []bson.M:
		out := make([]bson.M, len(val))
		for i, item := range val {
			out[i] = deepCopyDoc(item)
		}
		return out
	}
	return v
}

// sliceCursor walks an already-materialized result set.
type sliceCursor struct {
	docs []bson.M
	pos  int
}

func (c *sliceCursor) Next(context.Context) bool {
	if c.pos+1 >= len(c.docs) {
		return false
	}
	c.pos++
	return true
}

func (c *sliceCursor) Decode(out interface{}) error {
	if c.pos < 0 || c.pos >= len(c.docs) {
		return fmt.Errorf("cursor is not positioned on a document")
	}
	raw, err := bson.Marshal(c.docs[c.pos])
	if err != nil {
		return err
	}
	return bson.Unmarshal(raw, out)
}

func (c *sliceCursor) Err() error                  { return nil }
func (c *sliceCursor) Close(context.Context) error { return nil }
