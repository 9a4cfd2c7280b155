package types

import (
	"fmt"
	"reflect"
)

// Mark is a per-field annotation controlling which derived schema
// variants expose the field.
type Mark string

const (
	// MarkPrivate hides the field from every derived variant.
	MarkPrivate Mark = "private"
	// MarkReadOnly keeps the field in reader variants but removes it
	// from updater variants.
	MarkReadOnly Mark = "readonly"
	// MarkLocal keeps the field in memory only: it is never persisted
	// and never exposed through a derived variant.
	MarkLocal Mark = "local"
)

// Field describes one declared field of a schema: its Go name, the key
// it is stored under (the bson alias when one is declared), its type,
// requiredness and marks. Struct-typed fields carry their own nested
// schema so derivation can recurse.
type Field struct {
	Name     string
	Key      string
	Type     reflect.Type
	Index    []int
	Required bool
	Optional bool
	Marks    []Mark
	Nested   *Schema
}

// HasMark reports whether the field carries the given mark.
func (f Field) HasMark(m Mark) bool {
	for _, mark := range f.Marks {
		if mark == m {
			return true
		}
	}
	return false
}

// HasAnyMark reports whether the field carries any of the given marks.
func (f Field) HasAnyMark(marks []Mark) bool {
	for _, m := range marks {
		if f.HasMark(m) {
			return true
		}
	}
	return false
}

// Aliased reports whether the field's storage key differs from its
// declared name.
func (f Field) Aliased() bool {
	return f.Key != f.Name
}

// Schema is a concrete descriptor of a document type: an ordered list
// of declared fields keyed by name. Derived variants are plain Schema
// values too; no runtime type creation is involved.
type Schema struct {
	Name   string
	Type   reflect.Type
	Fields []Field
}

// Field returns the declared field with the given Go name.
func (s *Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// FieldByKey returns the declared field stored under the given key.
func (s *Schema) FieldByKey(key string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Key == key {
			return f, true
		}
	}
	return Field{}, false
}

// FieldNames returns the declared field names in declaration order.
func (s *Schema) FieldNames() []string {
	names := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		names = append(names, f.Name)
	}
	return names
}

// ValidationError reports a document payload that failed validation
// against a schema.
type ValidationError struct {
	Schema string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s.%s: %s", e.Schema, e.Field, e.Reason)
}

// Validate checks a partial document payload (keyed by field name or
// storage key) against the schema: every known field's value must be
// assignable or convertible to the declared type. Unknown keys are
// ignored, mirroring the permissive input handling of the document
// layer. Nested payloads are validated recursively.
func (s *Schema) Validate(data map[string]interface{}) error {
	for key, value := range data {
		field, ok := s.Field(key)
		if !ok {
			field, ok = s.FieldByKey(key)
		}
		if !ok {
			continue
		}
		if err := s.validateValue(field, value); err != nil {
			return err
		}
	}
	return nil
}

func (s *Schema) validateValue(field Field, value interface{}) error {
	if value == nil {
		if field.Required && !field.Optional {
			return &ValidationError{Schema: s.Name, Field: field.Name, Reason: "null not allowed for required field"}
		}
		return nil
	}
	if field.Nested != nil {
		nested, ok := value.(map[string]interface{})
		if !ok {
			// A fully-typed nested value is accepted as-is.
			if reflect.TypeOf(value).AssignableTo(field.Type) {
				return nil
			}
			return &ValidationError{Schema: s.Name, Field: field.Name, Reason: fmt.Sprintf("expected nested document, got %T", value)}
		}
		return field.Nested.Validate(nested)
	}
	vt := reflect.TypeOf(value)
	ft := field.Type
	if ft.Kind() == reflect.Ptr {
		ft = ft.Elem()
	}
	// Plain ConvertibleTo is too permissive here: it would let numbers
	// convert to strings. Accept assignability, or conversion between
	// numeric kinds only.
	if vt.AssignableTo(ft) || (numericKind(vt.Kind()) && numericKind(ft.Kind()) && vt.ConvertibleTo(ft)) {
		return nil
	}
	return &ValidationError{
		Schema: s.Name,
		Field:  field.Name,
		Reason: fmt.Sprintf("value of type %s is not assignable to %s", vt, ft),
	}
}

func numericKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
