package store

import (
	"context"
	"path/filepath"
	"testing"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.json")

	client, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	coll := client.Database("library").Collection("books")
	res, err := coll.InsertOne(ctx, bson.M{"title": "Dune", "pages": int64(412)})
	if err != nil {
		t.Fatalf("InsertOne: %v", err)
	}
	id := res.InsertedID.(primitive.ObjectID)
	if _, err := coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"pages": int64(500)}}); err != nil {
		t.Fatalf("UpdateOne: %v", err)
	}
	if err := client.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	reopened, err := OpenFile(path)
	if err != nil {
		t.Fatalf("reopening: %v", err)
	}
	defer func() { _ = reopened.Disconnect(ctx) }()

	doc, err := reopened.Database("library").Collection("books").FindOne(ctx, bson.M{"_id": id}, FindOptions{})
	if err != nil {
		t.Fatalf("FindOne: %v", err)
	}
	if doc == nil {
		t.Fatal("document did not survive the round trip")
	}
	if doc["title"] != "Dune" {
		t.Errorf("title = %v", doc["title"])
	}
	if pages, ok := doc["pages"].(int64); !ok || pages != 500 {
		t.Errorf("pages = %v (%T), want int64 500", doc["pages"], doc["pages"])
	}
}

func TestFileStoreLockExcludesSecondOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	client, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer func() { _ = client.Disconnect(context.Background()) }()

	if _, err := OpenFile(path); err == nil {
		t.Fatal("second open should fail while the lock is held")
	}
}

func TestFileStoreStartsEmpty(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.json")
	client, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer func() { _ = client.Disconnect(ctx) }()

	count, err := client.Database("d").Collection("c").CountDocuments(ctx, bson.M{}, 0)
	if err != nil {
		t.Fatalf("CountDocuments: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0", count)
	}
}
