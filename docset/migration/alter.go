package migration

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/arthur-debert/docset/docset"
)

// AlterField returns a reversible task renaming a field across every
// document of a collection.
func AlterField(collection, from, to string, dependsOn ...string) Task {
	return Task{
		Name:      fmt.Sprintf("%s: rename %s to %s", collection, from, to),
		DependsOn: dependsOn,
		Apply:     renameStep(collection, from, to),
		Revert:    renameStep(collection, to, from),
	}
}

// RemoveField returns a task unsetting a field across every document
// of a collection. Removal destroys data, so there is no revert.
func RemoveField(collection, field string, dependsOn ...string) Task {
	return Task{
		Name:      fmt.Sprintf("%s: remove %s", collection, field),
		DependsOn: dependsOn,
		Apply: func(ctx context.Context) error {
			coll, err := docset.Collection(collection)
			if err != nil {
				return err
			}
			_, err = coll.UpdateMany(ctx, bson.M{field: bson.M{"$exists": true}}, bson.M{"$unset": bson.M{field: ""}})
			return err
		},
	}
}

// SetDefault returns a task backfilling a field's value on every
// document missing it, with a revert that unsets exactly the documents
// holding the backfilled value.
func SetDefault(collection, field string, value interface{}, dependsOn ...string) Task {
	return Task{
		Name:      fmt.Sprintf("%s: default %s", collection, field),
		DependsOn: dependsOn,
		Apply: func(ctx context.Context) error {
			coll, err := docset.Collection(collection)
			if err != nil {
				return err
			}
			_, err = coll.UpdateMany(ctx, bson.M{field: bson.M{"$exists": false}}, bson.M{"$set": bson.M{field: value}})
			return err
		},
		Revert: func(ctx context.Context) error {
			coll, err := docset.Collection(collection)
			if err != nil {
				return err
			}
			_, err = coll.UpdateMany(ctx, bson.M{field: bson.M{"$eq": value}}, bson.M{"$unset": bson.M{field: ""}})
			return err
		},
	}
}

func renameStep(collection, from, to string) func(context.Context) error {
	return func(ctx context.Context) error {
		coll, err := docset.Collection(collection)
		if err != nil {
			return err
		}
		_, err = coll.UpdateMany(ctx, bson.M{from: bson.M{"$exists": true}}, bson.M{"$rename": bson.M{from: to}})
		return err
	}
}
