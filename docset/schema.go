package docset

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/arthur-debert/docset/types"
)

// ExcludeAll marks every field of a schema in a derivation exclusion
// list, pruning the whole branch from the derived variant.
const ExcludeAll = "*"

var (
	schemaCache sync.Map // reflect.Type -> *types.Schema
	deriveCache sync.Map // string key -> *types.Schema

	documentType = reflect.TypeOf(Document{})
	timeType     = reflect.TypeOf(time.Time{})
	objectIDType = reflect.TypeOf(primitive.ObjectID{})
)

// SchemaOf builds (or returns the cached) schema descriptor for the
// given model value or pointer. Field storage keys come from bson
// tags; marks come from the docset tag ("private", "readonly",
// "local"). Struct-typed fields carry a recursively built nested
// schema so derivation can walk the whole tree.
func SchemaOf(model interface{}) (*types.Schema, error) {
	t := reflect.TypeOf(model)
	if t == nil {
		return nil, fmt.Errorf("%w: cannot build a schema from nil", ErrInvalidArgument)
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: expected struct model, got %s", ErrInvalidArgument, t.Kind())
	}
	if cached, ok := schemaCache.Load(t); ok {
		return cached.(*types.Schema), nil
	}
	schema, err := buildSchema(t, map[reflect.Type]bool{})
	if err != nil {
		return nil, err
	}
	schemaCache.Store(t, schema)
	return schema, nil
}

func buildSchema(t reflect.Type, visiting map[reflect.Type]bool) (*types.Schema, error) {
	visiting[t] = true
	defer delete(visiting, t)

	schema := &types.Schema{Name: t.Name(), Type: t}
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		if field.Anonymous && field.Type == documentType {
			// The embedded Document contributes the identity field:
			// aliased to the storage key, optional until first insert,
			// and read-only from the caller's point of view.
			schema.Fields = append(schema.Fields, types.Field{
				Name:     "ID",
				Key:      "_id",
				Type:     objectIDType,
				Index:    append(field.Index, 0),
				Optional: true,
				Marks:    []types.Mark{types.MarkReadOnly},
			})
			continue
		}

		key, skip := storageKey(field)
		marks := parseMarks(field.Tag.Get("docset"))
		if skip {
			marks = appendMark(marks, types.MarkLocal)
		}

		spec := types.Field{
			Name:     field.Name,
			Key:      key,
			Type:     field.Type,
			Index:    field.Index,
			Required: field.Type.Kind() != reflect.Ptr,
			Optional: field.Type.Kind() == reflect.Ptr,
			Marks:    marks,
		}

		if nested := nestedStructType(field.Type); nested != nil && !visiting[nested] {
			sub, err := buildSchema(nested, visiting)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", field.Name, err)
			}
			spec.Nested = sub
		}
		schema.Fields = append(schema.Fields, spec)
	}
	return schema, nil
}

// storageKey resolves the key a field is stored under. The bson tag
// alias wins; "-" means the field is never persisted; otherwise the
// driver's lowercased-name default applies.
func storageKey(field reflect.StructField) (key string, local bool) {
	tag := field.Tag.Get("bson")
	if tag == "" {
		return strings.ToLower(field.Name), false
	}
	name := strings.Split(tag, ",")[0]
	switch name {
	case "-":
		return strings.ToLower(field.Name), true
	case "":
		return strings.ToLower(field.Name), false
	}
	return name, false
}

func parseMarks(tag string) []types.Mark {
	if tag == "" {
		return nil
	}
	var marks []types.Mark
	for _, part := range strings.Split(tag, ",") {
		switch types.Mark(strings.TrimSpace(part)) {
		case types.MarkPrivate:
			marks = appendMark(marks, types.MarkPrivate)
		case types.MarkReadOnly:
			marks = appendMark(marks, types.MarkReadOnly)
		case types.MarkLocal:
			marks = appendMark(marks, types.MarkLocal)
		}
	}
	return marks
}

func appendMark(marks []types.Mark, m types.Mark) []types.Mark {
	for _, existing := range marks {
		if existing == m {
			return marks
		}
	}
	return append(marks, m)
}

// nestedStructType unwraps pointers and slices down to a plain struct
// type worth recursing into, or nil for leaf types.
func nestedStructType(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Ptr || t.Kind() == reflect.Slice || t.Kind() == reflect.Array {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil
	}
	if t == timeType || t == objectIDType || t == documentType {
		return nil
	}
	return t
}

// DeriveOptions parameterizes a schema derivation.
type DeriveOptions struct {
	// Role suffixes the derived schema's name ("Reader", "Updater",
	// "PartialUpdate"). Derivation is cached per (base, options) key.
	Role string
	// Name, when set, overrides the role-suffixed naming entirely.
	Name string
	// ExcludeMarks drops any field carrying one of these marks.
	ExcludeMarks []types.Mark
	// Exclude drops named fields per owning schema name; the value
	// ExcludeAll drops every field of that schema.
	Exclude map[string][]string
	// Optional re-declares every retained field as optional with no
	// default, allowing partial payloads to omit untouched fields.
	Optional bool
}

func (o DeriveOptions) cacheKey(base *types.Schema) string {
	marks := make([]string, 0, len(o.ExcludeMarks))
	for _, m := range o.ExcludeMarks {
		marks = append(marks, string(m))
	}
	sort.Strings(marks)
	var excl []string
	for schema, fields := range o.Exclude {
		excl = append(excl, schema+":"+strings.Join(fields, "+"))
	}
	sort.Strings(excl)
	return fmt.Sprintf("%s|%s|%s|%s|%s|%t", base.Name, o.Role, o.Name, strings.Join(marks, ","), strings.Join(excl, ","), o.Optional)
}

// Derive synthesizes a restricted variant of the base schema by
// recursively filtering fields and optionally relaxing requiredness.
// Storage-local fields never survive derivation. The result is
// deterministic for a given (base, options) pair and cached, so
// repeated derivation is cheap and structurally stable.
func Derive(base *types.Schema, opts DeriveOptions) *types.Schema {
	key := opts.cacheKey(base)
	if cached, ok := deriveCache.Load(key); ok {
		return cached.(*types.Schema)
	}
	derived := deriveSchema(base, opts)
	switch {
	case opts.Name != "":
		derived.Name = opts.Name
	case opts.Role != "":
		derived.Name = base.Name + opts.Role
	}
	deriveCache.Store(key, derived)
	return derived
}

func deriveSchema(base *types.Schema, opts DeriveOptions) *types.Schema {
	out := &types.Schema{Name: base.Name, Type: base.Type}
	excluded := opts.Exclude[base.Name]
	for _, field := range base.Fields {
		if field.HasMark(types.MarkLocal) || field.HasAnyMark(opts.ExcludeMarks) {
			continue
		}
		if nameExcluded(excluded, field.Name) {
			continue
		}
		kept := field
		if opts.Optional {
			kept.Required = false
			kept.Optional = true
		}
		if field.Nested != nil {
			kept.Nested = deriveSchema(field.Nested, opts)
		}
		out.Fields = append(out.Fields, kept)
	}
	return out
}

func nameExcluded(excluded []string, name string) bool {
	for _, e := range excluded {
		if e == ExcludeAll || e == name {
			return true
		}
	}
	return false
}

// Reader derives the read-facing variant of a model's schema: every
// field except those marked private.
func Reader(model interface{}) (*types.Schema, error) {
	base, err := SchemaOf(model)
	if err != nil {
		return nil, err
	}
	return Derive(base, DeriveOptions{
		Role:         "Reader",
		ExcludeMarks: []types.Mark{types.MarkPrivate},
	}), nil
}

// Updater derives the write-facing variant: private and read-only
// fields removed and every retained field optional, so partial update
// payloads may omit whatever they leave untouched.
func Updater(model interface{}) (*types.Schema, error) {
	base, err := SchemaOf(model)
	if err != nil {
		return nil, err
	}
	return Derive(base, DeriveOptions{
		Role:         "Updater",
		ExcludeMarks: []types.Mark{types.MarkPrivate, types.MarkReadOnly},
		Optional:     true,
	}), nil
}

// Partial derives a named variant keeping only the listed fields, all
// optional when optional is set. Useful for hand-tailored payloads a
// route layer accepts for one endpoint.
func Partial(name string, model interface{}, fields []string, optional bool) (*types.Schema, error) {
	base, err := SchemaOf(model)
	if err != nil {
		return nil, err
	}
	keep := map[string]bool{}
	for _, f := range fields {
		keep[f] = true
	}
	var drop []string
	for _, f := range base.Fields {
		if !keep[f.Name] {
			drop = append(drop, f.Name)
		}
	}
	return Derive(base, DeriveOptions{
		Name:     name,
		Exclude:  map[string][]string{base.Name: drop},
		Optional: optional,
	}), nil
}
