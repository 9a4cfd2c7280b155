package docset

import (
	"fmt"
	"reflect"
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/arthur-debert/docset/types"
)

// PathSeparator is the delimiter splitting keyword filter keys into
// path segments, e.g. "author__name__regex".
const PathSeparator = "__"

// Kw is a keyword filter specification: keys follow the path DSL
// ("field", "field__gt", "nested__field__in"), values are the raw
// payloads handed to the matching operator.
type Kw map[string]interface{}

// Q is a filter expression wrapping a native filter document. Builder
// methods never mutate the receiver: each returns an independent copy,
// so expressions can be shared and recombined freely.
type Q struct {
	doc bson.M
}

// NewQ compiles a keyword specification into a filter expression.
// NewQ(nil) is the empty expression matching every document.
func NewQ(kw Kw) Q {
	doc, err := convertKeywords(kw, false)
	if err != nil {
		// Without inversion no operator can fail to render.
		panic(fmt.Sprintf("docset: keyword conversion failed unexpectedly: %v", err))
	}
	return Q{doc: doc}
}

// NotQ compiles a keyword specification with inversion semantics: every
// plain literal becomes an implicit equality first, then each operator
// renders its inverted form. Inverting a regex clause is an error.
func NotQ(kw Kw) (Q, error) {
	doc, err := convertKeywords(kw, true)
	if err != nil {
		return Q{}, err
	}
	return Q{doc: doc}, nil
}

// RawQ wraps an already-native filter document verbatim.
func RawQ(doc bson.M) (Q, error) {
	if doc == nil {
		return Q{}, fmt.Errorf("%w: raw filter requires a document, got nil", ErrInvalidArgument)
	}
	return Q{doc: copyDoc(doc)}, nil
}

// Copy returns a structurally independent clone of the expression.
func (q Q) Copy() Q {
	return Q{doc: copyDoc(q.doc)}
}

// IsEmpty reports whether the expression contains no clauses.
func (q Q) IsEmpty() bool {
	return len(q.doc) == 0
}

// Equal reports structural equality of the native forms.
func (q Q) Equal(other Q) bool {
	if q.IsEmpty() && other.IsEmpty() {
		return true
	}
	return reflect.DeepEqual(q.doc, other.doc)
}

// Doc returns a copy of the native filter document. An empty
// expression yields an empty document, which matches every record.
func (q Q) Doc() bson.M {
	if q.doc == nil {
		return bson.M{}
	}
	return copyDoc(q.doc)
}

// And deep-merges the other expression into a copy of this one.
// Clauses for the same leaf path are unioned into a single clause map;
// a key present on both sides resolves to the most recently merged
// value, recursively at every depth. This is field-level merging, not
// boolean wrapping; see StrictAnd for the latter.
func (q Q) And(other Q) Q {
	merged := q.Doc()
	deepMerge(merged, other.Doc(), mergeValues)
	return Q{doc: merged}
}

// Or wraps both expressions' native forms under a single $or umbrella.
func (q Q) Or(other Q) Q {
	return Q{doc: bson.M{"$or": []bson.M{q.Doc(), other.Doc()}}}
}

// StrictAnd wraps both expressions under $and without merging leaves,
// preserving each side's clauses even when they target the same path.
func (q Q) StrictAnd(other Q) Q {
	return Q{doc: bson.M{"$and": []bson.M{q.Doc(), other.Doc()}}}
}

func (q Q) String() string {
	return fmt.Sprintf("<Q: %v>", q.doc)
}

// convertKeywords compiles each DSL entry into a nested filter
// fragment and deep-merges the fragments with clause-union semantics.
func convertKeywords(kw Kw, invert bool) (bson.M, error) {
	query := bson.M{}
	for key, value := range kw {
		path, converted, err := applyKeywords(value, strings.Split(key, PathSeparator), invert)
		if err != nil {
			return nil, err
		}
		deepMerge(query, docPath(path, converted), mergeValues)
	}
	return query, nil
}

// applyKeywords scans the path segments right to left for a recognized
// operator token. When one is found it is stripped from the path and
// the value is rendered through the operator's criteria; otherwise the
// whole segment list is a plain field path holding the literal value.
// In invert mode a plain literal renders through an implicit equality
// so the usual operator inversion applies.
func applyKeywords(value interface{}, segments []string, invert bool) ([]string, interface{}, error) {
	for i := len(segments) - 1; i >= 0; i-- {
		if len(segments) == 1 {
			// A lone operator token has no field path to attach to;
			// treat it as a literal field name.
			break
		}
		op, ok := types.LookupOperator(segments[i])
		if !ok {
			continue
		}
		clause, err := types.Criteria{Op: op, Value: value}.Clause(invert)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
		}
		path := make([]string, 0, len(segments)-1)
		path = append(path, segments[:i]...)
		path = append(path, segments[i+1:]...)
		return path, clause, nil
	}
	if invert {
		clause, err := types.Criteria{Op: types.OpEqual, Value: value}.Clause(true)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
		}
		return segments, clause, nil
	}
	return segments, value, nil
}

// docPath constructs a nested document holding value at the given
// path: docPath(["a","b"], 42) == {"a": {"b": 42}}.
func docPath(path []string, value interface{}) bson.M {
	out := bson.M{}
	node := out
	for _, segment := range path[:len(path)-1] {
		next := bson.M{}
		node[segment] = next
		node = next
	}
	node[path[len(path)-1]] = value
	return out
}

// conflictFunc resolves a key present both in the target and in the
// incoming source during a deep merge.
type conflictFunc func(key string, target interface{}, source interface{}) interface{}

// mergeValues is the clause-union policy used for filter expressions.
// A literal source wins outright. A mapping source folds into the
// target per-key, last-wins; a literal target under a non-operator key
// is first promoted to an implicit equality clause so the fold has a
// clause map to land in.
func mergeValues(key string, target interface{}, source interface{}) interface{} {
	sm, ok := asMap(source)
	if !ok {
		return source
	}
	m, ok := asMap(target)
	if !ok {
		if strings.HasPrefix(key, "$") {
			m = bson.M{}
		} else {
			m = bson.M{"$eq": target}
		}
	}
	for k, v := range sm {
		m[k] = v
	}
	return m
}

// deepMerge folds source into target in place. Keys present in both
// with mapping values on both sides merge recursively; any other
// collision goes through the conflict policy.
func deepMerge(target, source bson.M, onConflict conflictFunc) bson.M {
	for key, sv := range source {
		tv, exists := target[key]
		if !exists {
			target[key] = sv
			continue
		}
		tm, tok := asMap(tv)
		sm, sok := asMap(sv)
		if tok && sok {
			target[key] = deepMerge(tm, sm, onConflict)
			continue
		}
		target[key] = onConflict(key, tv, sv)
	}
	return target
}

// asMap normalizes the two mapping representations that occur in
// filter documents.
func asMap(v interface{}) (bson.M, bool) {
	switch m := v.(type) {
	case bson.M:
		return m, true
	case map[string]interface{}:
		return bson.M(m), true
	}
	return nil, false
}

// copyDoc deep-copies a filter document, including nested maps and
// document slices.
func copyDoc(doc bson.M) bson.M {
	out := make(bson.M, len(doc))
	for k, v := range doc {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case bson.M:
		return copyDoc(val)
	case map[string]interface{}:
		return copyDoc(bson.M(val))
	case []bson.M:
		out := make([]bson.M, len(val))
		for i, item := range val {
			out[i] = copyDoc(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	}
	return v
}
