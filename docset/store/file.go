package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"go.mongodb.org/mongo-driver/bson"
)

// FileClient persists the memory engine to a single extended-JSON file.
// The whole store loads on open and is rewritten after every mutating
// operation, guarded by an OS-level file lock so concurrent processes
// cannot interleave writes.
type FileClient struct {
	path string
	lock *flock.Flock
	mem  *MemoryClient
}

// OpenFile opens (or creates) the store file at path and takes the
// exclusive lock for the lifetime of the client.
func OpenFile(path string) (*FileClient, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking store file: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("store file %s is locked by another process", path)
	}
	c := &FileClient{path: path, lock: lock, mem: NewMemoryClient()}
	if err := c.load(); err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	return c, nil
}

func (c *FileClient) Database(name string) Database {
	return &fileDatabase{client: c, db: c.mem.Database(name)}
}

func (c *FileClient) Disconnect(ctx context.Context) error {
	if err := c.flush(); err != nil {
		_ = c.lock.Unlock()
		return err
	}
	return c.lock.Unlock()
}

// StartSession returns a no-op session, like the memory engine.
func (c *FileClient) StartSession() (Session, error) {
	return noopSession{}, nil
}

func (c *FileClient) load() (err error) {
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading store file: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	// Canonical extended JSON keeps number widths and ids intact
	// across the round trip.
	var snapshot bson.M
	if err := bson.UnmarshalExtJSON(data, true, &snapshot); err != nil {
		return fmt.Errorf("parsing store file %s: %w", c.path, err)
	}
	databases, _ := asFilterDoc(snapshot["databases"])
	for dbName, collsRaw := range databases {
		colls, ok := asFilterDoc(collsRaw)
		if !ok {
			return fmt.Errorf("store file %s: database %q is not a document", c.path, dbName)
		}
		db := c.mem.Database(dbName).(*memoryDatabase)
		for collName, docsRaw := range colls {
			coll := db.Collection(collName).(*memoryCollection)
			for _, item := range docList(docsRaw) {
				doc, ok := asFilterDoc(item)
				if !ok {
					return fmt.Errorf("store file %s: %s.%s holds a non-document entry", c.path, dbName, collName)
				}
				coll.docs = append(coll.docs, doc)
			}
		}
	}
	return nil
}

func docList(v interface{}) []interface{} {
	switch list := v.(type) {
	case bson.A:
		return []interface{}(list)
	case []interface{}:
		return list
	}
	return nil
}

// flush serializes the whole store and atomically replaces the file.
func (c *FileClient) flush() error {
	databases := bson.M{}
	c.mem.mu.Lock()
	for dbName, db := range c.mem.dbs {
		colls := bson.M{}
		db.mu.Lock()
		for collName, coll := range db.colls {
			coll.mu.RLock()
			docs := make(bson.A, len(coll.docs))
			for i, doc := range coll.docs {
				docs[i] = doc
			}
			coll.mu.RUnlock()
			colls[collName] = docs
		}
		db.mu.Unlock()
		databases[dbName] = colls
	}
	c.mem.mu.Unlock()

	data, err := bson.MarshalExtJSON(bson.M{"databases": databases}, true, false)
	if err != nil {
		return fmt.Errorf("serializing store: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing store file: %w", err)
	}
	return os.Rename(tmp, c.path)
}

type fileDatabase struct {
	client *FileClient
	db     Database
}

func (d *fileDatabase) Name() string { return d.db.Name() }

func (d *fileDatabase) Collection(name string) Collection {
	return &fileCollection{client: d.client, coll: d.db.Collection(name)}
}

func (d *fileDatabase) Drop(ctx context.Context) error {
	if err := d.db.Drop(ctx); err != nil {
		return err
	}
	return d.client.flush()
}

// fileCollection delegates to the memory collection and flushes the
// backing file after every mutation.
type fileCollection struct {
	client *FileClient
	coll   Collection
}

func (c *fileCollection) Name() string { return c.coll.Name() }

func (c *fileCollection) InsertOne(ctx context.Context, doc bson.M) (*InsertOneResult, error) {
	res, err := c.coll.InsertOne(ctx, doc)
	if err != nil {
		return nil, err
	}
	return res, c.client.flush()
}

func (c *fileCollection) UpdateOne(ctx context.Context, filter, update bson.M) (*UpdateResult, error) {
	res, err := c.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return nil, err
	}
	return res, c.client.flush()
}

func (c *fileCollection) UpdateMany(ctx context.Context, filter, update bson.M) (*UpdateResult, error) {
	res, err := c.coll.UpdateMany(ctx, filter, update)
	if err != nil {
		return nil, err
	}
	return res, c.client.flush()
}

func (c *fileCollection) DeleteOne(ctx context.Context, filter bson.M) (*DeleteResult, error) {
	res, err := c.coll.DeleteOne(ctx, filter)
	if err != nil {
		return nil, err
	}
	return res, c.client.flush()
}

func (c *fileCollection) DeleteMany(ctx context.Context, filter bson.M) (*DeleteResult, error) {
	res, err := c.coll.DeleteMany(ctx, filter)
	if err != nil {
		return nil, err
	}
	return res, c.client.flush()
}

func (c *fileCollection) FindOneAndDelete(ctx context.Context, filter bson.M) (bson.M, error) {
	doc, err := c.coll.FindOneAndDelete(ctx, filter)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, nil
	}
	return doc, c.client.flush()
}

func (c *fileCollection) Find(ctx context.Context, filter bson.M, opts FindOptions) (Cursor, error) {
	return c.coll.Find(ctx, filter, opts)
}

func (c *fileCollection) FindOne(ctx context.Context, filter bson.M, opts FindOptions) (bson.M, error) {
	return c.coll.FindOne(ctx, filter, opts)
}

func (c *fileCollection) CountDocuments(ctx context.Context, filter bson.M, limit int64) (int64, error) {
	return c.coll.CountDocuments(ctx, filter, limit)
}

func (c *fileCollection) Distinct(ctx context.Context, field string, filter bson.M) ([]interface{}, error) {
	return c.coll.Distinct(ctx, field, filter)
}

func (c *fileCollection) Aggregate(ctx context.Context, pipeline []bson.M) (Cursor, error) {
	return c.coll.Aggregate(ctx, pipeline)
}

func (c *fileCollection) ListIndexes(ctx context.Context) ([]bson.M, error) {
	return c.coll.ListIndexes(ctx)
}

func (c *fileCollection) Drop(ctx context.Context) error {
	if err := c.coll.Drop(ctx); err != nil {
		return err
	}
	return c.client.flush()
}
