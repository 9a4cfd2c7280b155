package docset

import (
	"fmt"
	"reflect"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/arthur-debert/docset/types"
)

// Document is the embeddable base of every persisted entity. It
// carries the storage identity and an optional back-reference to the
// enclosing entity for nested documents. Embed it by value with the
// inline tag:
//
//	type Book struct {
//	    docset.Document `bson:",inline"`
//	    Title string    `bson:"title"`
//	}
type Document struct {
	ID primitive.ObjectID `bson:"_id,omitempty"`

	// parent is the enclosing entity for nested documents, populated
	// by MarkParents. Never serialized.
	parent interface{}
}

// Saved reports whether the entity has a storage identity, i.e. it has
// been inserted (or loaded) at least once.
func (d *Document) Saved() bool {
	return !d.ID.IsZero()
}

// Parent returns the enclosing entity recorded by MarkParents, or nil
// for top-level documents.
func (d *Document) Parent() interface{} {
	return d.parent
}

func (d *Document) setParent(p interface{}) {
	d.parent = p
}

func (d *Document) objectID() primitive.ObjectID {
	return d.ID
}

func (d *Document) setObjectID(id primitive.ObjectID) {
	d.ID = id
}

type parentSetter interface {
	setParent(interface{})
}

// identified is the accessor surface every entity gains by embedding
// Document; the manager reaches identity state through it.
type identified interface {
	Saved() bool
	objectID() primitive.ObjectID
	setObjectID(primitive.ObjectID)
}

// MarkParents walks the entity's nested documents depth-first and
// records each one's enclosing struct as its parent, so nested values
// can reach their owner after a load. Pointers, slices and arrays of
// document-embedding structs are followed; the back-references are
// process-local and never persisted.
func MarkParents(model interface{}) {
	v := reflect.ValueOf(model)
	if v.Kind() != reflect.Ptr || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return
	}
	markChildren(v)
}

func markChildren(parent reflect.Value) {
	elem := parent.Elem()
	t := elem.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() || field.Anonymous {
			continue
		}
		markValue(parent.Interface(), elem.Field(i))
	}
}

func markValue(owner interface{}, v reflect.Value) {
	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() || v.Elem().Kind() != reflect.Struct {
			return
		}
		adopt(owner, v)
	case reflect.Struct:
		if !v.CanAddr() {
			return
		}
		adopt(owner, v.Addr())
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			markValue(owner, v.Index(i))
		}
	}
}

// adopt sets the parent on ptr when its struct embeds Document, then
// recurses into its own children with ptr as the new owner.
func adopt(owner interface{}, ptr reflect.Value) {
	setter, ok := ptr.Interface().(parentSetter)
	if !ok {
		return
	}
	setter.setParent(owner)
	markChildren(ptr)
}

// dumpModel serializes the entity into its storage document, dropping
// fields the schema marks as local. Aliasing is delegated to the bson
// tags, so the document's keys are already storage keys.
func dumpModel(model interface{}, schema *types.Schema) (bson.M, error) {
	raw, err := bson.Marshal(model)
	if err != nil {
		return nil, fmt.Errorf("serializing %s: %w", schema.Name, err)
	}
	var doc bson.M
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("serializing %s: %w", schema.Name, err)
	}
	stripLocal(doc, schema)
	return doc, nil
}

// stripLocal removes storage-local fields from the document in place,
// recursing into nested documents and document lists.
func stripLocal(doc bson.M, schema *types.Schema) {
	for _, field := range schema.Fields {
		if field.HasMark(types.MarkLocal) {
			delete(doc, field.Key)
			continue
		}
		if field.Nested == nil {
			continue
		}
		switch nested := doc[field.Key].(type) {
		case bson.M:
			stripLocal(nested, field.Nested)
		case map[string]interface{}:
			stripLocal(bson.M(nested), field.Nested)
		case bson.A:
			for _, item := range nested {
				if m, ok := item.(bson.M); ok {
					stripLocal(m, field.Nested)
				}
			}
		case []interface{}:
			for _, item := range nested {
				if m, ok := item.(bson.M); ok {
					stripLocal(m, field.Nested)
				}
			}
		}
	}
}

// loadModel materializes a storage document into the entity pointer
// and wires nested parent references.
func loadModel(doc bson.M, model interface{}) error {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return fmt.Errorf("decoding document: %w", err)
	}
	if err := bson.Unmarshal(raw, model); err != nil {
		return fmt.Errorf("decoding document: %w", err)
	}
	MarkParents(model)
	return nil
}
