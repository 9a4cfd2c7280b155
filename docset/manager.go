package docset

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/arthur-debert/docset/internal/logging"
	"github.com/arthur-debert/docset/types"
)

// Settings configures a registered manager.
type Settings struct {
	// Collection overrides the default collection name (the lowercased,
	// pluralized type name).
	Collection string
}

// Option mutates manager settings at registration time.
type Option func(*Settings)

// WithCollectionName sets the collection the manager operates on.
func WithCollectionName(name string) Option {
	return func(s *Settings) { s.Collection = name }
}

// Manager is the typed gateway for one entity type: it owns the
// entity's schema, its collection binding and the persistence verbs.
// Queries start from Objects. A manager is safe for concurrent use.
type Manager[T any] struct {
	mu       sync.RWMutex
	schema   *types.Schema
	collName string
	log      zerolog.Logger
}

// Register builds the manager for T. T must be a struct embedding
// Document; its schema is computed once and cached.
func Register[T any](opts ...Option) (*Manager[T], error) {
	var zero T
	if _, ok := any(&zero).(identified); !ok {
		return nil, fmt.Errorf("%w: %T does not embed docset.Document", ErrInvalidArgument, zero)
	}
	schema, err := SchemaOf(&zero)
	if err != nil {
		return nil, err
	}
	var settings Settings
	for _, opt := range opts {
		opt(&settings)
	}
	if settings.Collection == "" {
		settings.Collection = defaultCollectionName(schema.Name)
	}
	return &Manager[T]{
		schema:   schema,
		collName: settings.Collection,
		log:      logging.Logger("manager").With().Str("entity", schema.Name).Logger(),
	}, nil
}

// MustRegister is Register for package-level manager variables; it
// panics on registration errors, which are always programming errors.
func MustRegister[T any](opts ...Option) *Manager[T] {
	m, err := Register[T](opts...)
	if err != nil {
		panic(err)
	}
	return m
}

// defaultCollectionName derives the conventional collection name from
// the entity type name.
func defaultCollectionName(typeName string) string {
	name := strings.ToLower(typeName)
	if strings.HasSuffix(name, "s") || strings.HasSuffix(name, "x") {
		return name + "es"
	}
	return name + "s"
}

// Schema returns the entity's base schema descriptor.
func (m *Manager[T]) Schema() *types.Schema {
	return m.schema
}

// CollectionName returns the collection the manager currently targets.
func (m *Manager[T]) CollectionName() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collName
}

// WithCollection runs fn with the manager temporarily retargeted to
// another collection, restoring the original binding afterwards even
// when fn fails.
func (m *Manager[T]) WithCollection(name string, fn func() error) error {
	m.mu.Lock()
	previous := m.collName
	m.collName = name
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.collName = previous
		m.mu.Unlock()
	}()
	return fn()
}

// Objects returns a fresh, unfiltered query over the manager's
// collection.
func (m *Manager[T]) Objects() *QuerySet[T] {
	return &QuerySet[T]{mgr: m}
}

// SaveResult reports how a save resolved.
type SaveResult struct {
	// Created is true when the save inserted a new document rather than
	// updating an existing one.
	Created bool
	ID      primitive.ObjectID
	// Matched and Modified carry the update counters for the
	// non-created path.
	Matched  int64
	Modified int64
}

// Save persists the entity: an insert when it has no identity yet
// (assigning the new id to the entity), a full-document update
// otherwise.
func (m *Manager[T]) Save(ctx context.Context, entity *T) (*SaveResult, error) {
	doc, err := dumpModel(entity, m.schema)
	if err != nil {
		return nil, err
	}
	ident := any(entity).(identified)
	if !ident.Saved() {
		return m.insert(ctx, entity, doc)
	}
	id := ident.objectID()
	delete(doc, "_id")
	coll, err := m.Objects().collection()
	if err != nil {
		return nil, err
	}
	res, err := coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": doc})
	if err != nil {
		return nil, err
	}
	m.log.Debug().Str("id", id.Hex()).Int64("modified", res.ModifiedCount).Msg("saved")
	return &SaveResult{ID: id, Matched: res.MatchedCount, Modified: res.ModifiedCount}, nil
}

// Commit saves the entity and hands it back, for call sites that want
// the instance rather than the save result.
func (m *Manager[T]) Commit(ctx context.Context, entity *T) (*T, error) {
	if _, err := m.Save(ctx, entity); err != nil {
		return nil, err
	}
	return entity, nil
}

// Create inserts the entity as a new document regardless of its current
// identity: an unsaved entity gets a store-generated id, a saved one is
// force-inserted under the id it carries.
func (m *Manager[T]) Create(ctx context.Context, entity *T) error {
	doc, err := dumpModel(entity, m.schema)
	if err != nil {
		return err
	}
	_, err = m.insert(ctx, entity, doc)
	return err
}

// insert relies on the identity field's omitempty serialization: an
// unsaved entity's document carries no _id, so the store assigns one.
func (m *Manager[T]) insert(ctx context.Context, entity *T, doc bson.M) (*SaveResult, error) {
	coll, err := m.Objects().collection()
	if err != nil {
		return nil, err
	}
	res, err := coll.InsertOne(ctx, doc)
	if err != nil {
		return nil, err
	}
	id, ok := res.InsertedID.(primitive.ObjectID)
	if !ok {
		return nil, fmt.Errorf("store returned a non-ObjectID identity %T", res.InsertedID)
	}
	any(entity).(identified).setObjectID(id)
	m.log.Debug().Str("id", id.Hex()).Msg("inserted")
	return &SaveResult{Created: true, ID: id}, nil
}

// Delete removes the entity's document and clears its identity. An
// entity that was never saved is a silent no-op, so delete is
// idempotent.
func (m *Manager[T]) Delete(ctx context.Context, entity *T) error {
	ident := any(entity).(identified)
	if !ident.Saved() {
		return nil
	}
	coll, err := m.Objects().collection()
	if err != nil {
		return err
	}
	id := ident.objectID()
	if _, err := coll.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return err
	}
	ident.setObjectID(primitive.NilObjectID)
	m.log.Debug().Str("id", id.Hex()).Msg("deleted")
	return nil
}

// Fetch returns a fresh instance holding the entity's current stored
// state, leaving the receiver untouched.
func (m *Manager[T]) Fetch(ctx context.Context, entity *T) (*T, error) {
	ident := any(entity).(identified)
	if !ident.Saved() {
		return nil, fmt.Errorf("%w: fetch requires a saved entity", ErrNotSaved)
	}
	return m.Objects().Filter(Kw{"_id": ident.objectID()}).Get(ctx)
}

// Reload replaces the entity's fields with its current stored state.
func (m *Manager[T]) Reload(ctx context.Context, entity *T) error {
	fresh, err := m.Fetch(ctx, entity)
	if err != nil {
		return err
	}
	*entity = *fresh
	MarkParents(entity)
	return nil
}

// Update assigns the given top-level fields (keyed by field name or
// storage key) to the entity after validating them against the
// updater schema variant: private and read-only fields are rejected by
// omission, value types must match. The entity is modified in memory
// only; persist with Save.
func (m *Manager[T]) Update(entity *T, fields map[string]interface{}) error {
	updater := Derive(m.schema, DeriveOptions{
		Role:         "Updater",
		ExcludeMarks: []types.Mark{types.MarkPrivate, types.MarkReadOnly},
		Optional:     true,
	})
	if err := updater.Validate(fields); err != nil {
		return err
	}
	v := reflect.ValueOf(entity).Elem()
	for key, value := range fields {
		field, ok := updater.Field(key)
		if !ok {
			field, ok = updater.FieldByKey(key)
		}
		if !ok {
			return fmt.Errorf("%w: unknown or immutable field %q", ErrInvalidArgument, key)
		}
		if err := assignField(v, field, value); err != nil {
			return err
		}
	}
	return nil
}

// DeepUpdate merges a nested partial payload into the entity. For a
// nested document field, an explicit null resets it to its zero value,
// an empty document leaves it untouched, and a non-empty document
// recurses field by field. Absent keys are never touched. The entity
// is modified in memory only; persist with Save.
func (m *Manager[T]) DeepUpdate(entity *T, fields map[string]interface{}) error {
	updater := Derive(m.schema, DeriveOptions{
		Role:         "Updater",
		ExcludeMarks: []types.Mark{types.MarkPrivate, types.MarkReadOnly},
		Optional:     true,
	})
	if err := updater.Validate(fields); err != nil {
		return err
	}
	return deepAssign(reflect.ValueOf(entity).Elem(), updater, fields)
}

func deepAssign(v reflect.Value, schema *types.Schema, fields map[string]interface{}) error {
	for key, value := range fields {
		field, ok := schema.Field(key)
		if !ok {
			field, ok = schema.FieldByKey(key)
		}
		if !ok {
			return fmt.Errorf("%w: unknown or immutable field %q", ErrInvalidArgument, key)
		}
		target := fieldValue(v, field)
		if value == nil {
			target.Set(reflect.Zero(target.Type()))
			continue
		}
		nested, isDoc := value.(map[string]interface{})
		if field.Nested != nil && isDoc {
			if len(nested) == 0 {
				continue
			}
			inner := target
			if inner.Kind() == reflect.Ptr {
				if inner.IsNil() {
					inner.Set(reflect.New(inner.Type().Elem()))
				}
				inner = inner.Elem()
			}
			if err := deepAssign(inner, field.Nested, nested); err != nil {
				return err
			}
			continue
		}
		if err := assignField(v, field, value); err != nil {
			return err
		}
	}
	return nil
}

func fieldValue(v reflect.Value, field types.Field) reflect.Value {
	return v.FieldByIndex(field.Index)
}

// assignField sets a leaf field, converting compatible value types and
// boxing into pointer fields. An explicit null resets the field to its
// zero value.
func assignField(v reflect.Value, field types.Field, value interface{}) error {
	target := fieldValue(v, field)
	if value == nil {
		target.Set(reflect.Zero(target.Type()))
		return nil
	}
	rv := reflect.ValueOf(value)
	ft := target.Type()
	boxed := false
	if ft.Kind() == reflect.Ptr && rv.Type() != ft {
		ft = ft.Elem()
		boxed = true
	}
	switch {
	case rv.Type() == ft:
	case rv.Type().AssignableTo(ft):
	case rv.Type().ConvertibleTo(ft):
		rv = rv.Convert(ft)
	default:
		return fmt.Errorf("%w: cannot assign %T to field %s (%s)", ErrInvalidArgument, value, field.Name, ft)
	}
	if boxed {
		ptr := reflect.New(ft)
		ptr.Elem().Set(rv)
		target.Set(ptr)
		return nil
	}
	target.Set(rv)
	return nil
}
