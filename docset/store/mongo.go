package store

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/arthur-debert/docset/types"
)

// MongoClient binds the store interfaces to a live mongo deployment
// through the official driver.
type MongoClient struct {
	client *mongo.Client
}

// DialMongo connects to the deployment at uri and verifies the
// connection with a ping.
func DialMongo(ctx context.Context, uri string) (*MongoClient, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return &MongoClient{client: client}, nil
}

func (c *MongoClient) Database(name string) Database {
	return &mongoDatabase{db: c.client.Database(name)}
}

func (c *MongoClient) Disconnect(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

// StartSession opens a driver session usable with QuerySet.WithSession.
func (c *MongoClient) StartSession() (Session, error) {
	sess, err := c.client.StartSession()
	if err != nil {
		return nil, err
	}
	return &mongoSession{sess: sess}, nil
}

type mongoSession struct {
	sess mongo.Session
}

func (s *mongoSession) Context(parent context.Context) context.Context {
	return mongo.NewSessionContext(parent, s.sess)
}

func (s *mongoSession) End(ctx context.Context) {
	s.sess.EndSession(ctx)
}

type mongoDatabase struct {
	db *mongo.Database
}

func (d *mongoDatabase) Name() string { return d.db.Name() }

func (d *mongoDatabase) Collection(name string) Collection {
	return &mongoCollection{coll: d.db.Collection(name)}
}

func (d *mongoDatabase) Drop(ctx context.Context) error {
	return d.db.Drop(ctx)
}

type mongoCollection struct {
	coll *mongo.Collection
}

func (c *mongoCollection) Name() string { return c.coll.Name() }

func (c *mongoCollection) InsertOne(ctx context.Context, doc bson.M) (*InsertOneResult, error) {
	res, err := c.coll.InsertOne(ctx, doc)
	if err != nil {
		return nil, err
	}
	return &InsertOneResult{InsertedID: res.InsertedID}, nil
}

func (c *mongoCollection) UpdateOne(ctx context.Context, filter, update bson.M) (*UpdateResult, error) {
	res, err := c.coll.UpdateOne(ctx, filter, update)
	return convertUpdateResult(res, err)
}

func (c *mongoCollection) UpdateMany(ctx context.Context, filter, update bson.M) (*UpdateResult, error) {
	res, err := c.coll.UpdateMany(ctx, filter, update)
	return convertUpdateResult(res, err)
}

func convertUpdateResult(res *mongo.UpdateResult, err error) (*UpdateResult, error) {
	if err != nil {
		return nil, err
	}
	return &UpdateResult{
		MatchedCount:  res.MatchedCount,
		ModifiedCount: res.ModifiedCount,
		UpsertedCount: res.UpsertedCount,
		UpsertedID:    res.UpsertedID,
	}, nil
}

func (c *mongoCollection) DeleteOne(ctx context.Context, filter bson.M) (*DeleteResult, error) {
	res, err := c.coll.DeleteOne(ctx, filter)
	if err != nil {
		return nil, err
	}
	return &DeleteResult{DeletedCount: res.DeletedCount}, nil
}

func (c *mongoCollection) DeleteMany(ctx context.Context, filter bson.M) (*DeleteResult, error) {
	res, err := c.coll.DeleteMany(ctx, filter)
	if err != nil {
		return nil, err
	}
	return &DeleteResult{DeletedCount: res.DeletedCount}, nil
}

func (c *mongoCollection) FindOneAndDelete(ctx context.Context, filter bson.M) (bson.M, error) {
	var doc bson.M
	err := c.coll.FindOneAndDelete(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (c *mongoCollection) Find(ctx context.Context, filter bson.M, opts FindOptions) (Cursor, error) {
	findOpts := options.Find()
	if sort := sortDocument(opts.Sort); sort != nil {
		findOpts.SetSort(sort)
	}
	if opts.Limit != nil {
		findOpts.SetLimit(*opts.Limit)
	}
	if opts.Skip != nil {
		findOpts.SetSkip(*opts.Skip)
	}
	if opts.Projection != nil {
		findOpts.SetProjection(opts.Projection)
	}
	cursor, err := c.coll.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, err
	}
	return &mongoCursor{cursor: cursor}, nil
}

func (c *mongoCollection) FindOne(ctx context.Context, filter bson.M, opts FindOptions) (bson.M, error) {
	findOpts := options.FindOne()
	if sort := sortDocument(opts.Sort); sort != nil {
		findOpts.SetSort(sort)
	}
	if opts.Skip != nil {
		findOpts.SetSkip(*opts.Skip)
	}
	if opts.Projection != nil {
		findOpts.SetProjection(opts.Projection)
	}
	var doc bson.M
	err := c.coll.FindOne(ctx, filter, findOpts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (c *mongoCollection) CountDocuments(ctx context.Context, filter bson.M, limit int64) (int64, error) {
	countOpts := options.Count()
	if limit > 0 {
		countOpts.SetLimit(limit)
	}
	return c.coll.CountDocuments(ctx, filter, countOpts)
}

func (c *mongoCollection) Distinct(ctx context.Context, field string, filter bson.M) ([]interface{}, error) {
	return c.coll.Distinct(ctx, field, filter)
}

func (c *mongoCollection) Aggregate(ctx context.Context, pipeline []bson.M) (Cursor, error) {
	stages := make(mongo.Pipeline, 0, len(pipeline))
	for _, stage := range pipeline {
		doc := bson.D{}
		for k, v := range stage {
			doc = append(doc, bson.E{Key: k, Value: v})
		}
		stages = append(stages, doc)
	}
	cursor, err := c.coll.Aggregate(ctx, stages)
	if err != nil {
		return nil, err
	}
	return &mongoCursor{cursor: cursor}, nil
}

func (c *mongoCollection) ListIndexes(ctx context.Context) ([]bson.M, error) {
	cursor, err := c.coll.Indexes().List(ctx)
	if err != nil {
		return nil, err
	}
	var indexes []bson.M
	if err := cursor.All(ctx, &indexes); err != nil {
		return nil, err
	}
	return indexes, nil
}

func (c *mongoCollection) Drop(ctx context.Context) error {
	return c.coll.Drop(ctx)
}

// sortDocument renders order clauses as a driver sort document,
// preserving clause order.
func sortDocument(clauses []types.OrderClause) bson.D {
	if len(clauses) == 0 {
		return nil
	}
	sort := make(bson.D, 0, len(clauses))
	for _, clause := range clauses {
		sort = append(sort, bson.E{Key: clause.Field, Value: clause.Direction()})
	}
	return sort
}

type mongoCursor struct {
	cursor *mongo.Cursor
}

func (c *mongoCursor) Next(ctx context.Context) bool { return c.cursor.Next(ctx) }
func (c *mongoCursor) Decode(out interface{}) error  { return c.cursor.Decode(out) }
func (c *mongoCursor) Err() error                    { return c.cursor.Err() }
func (c *mongoCursor) Close(ctx context.Context) error {
	return c.cursor.Close(ctx)
}
