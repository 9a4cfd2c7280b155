package store

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// matchDocument evaluates a native filter document against one stored
// document. The supported operator surface is the one the query layer
// emits: comparison and membership operators, $exists, $regex, and the
// $or/$and logical umbrellas, with dotted-path field resolution and
// implicit equality for literal values.
func matchDocument(doc, filter bson.M) (bool, error) {
	for key, condition := range filter {
		switch key {
		case "$or":
			ok, err := matchAny(doc, condition)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		case "$and":
			ok, err := matchAll(doc, condition)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		default:
			value, exists := resolvePath(doc, key)
			ok, err := matchField(value, exists, condition)
			if err != nil {
				return false, fmt.Errorf("field %q: %w", key, err)
			}
			if !ok {
				return false, nil
			}
		}
	}
	return true, nil
}

func matchAny(doc bson.M, condition interface{}) (bool, error) {
	branches, err := filterList(condition, "$or")
	if err != nil {
		return false, err
	}
	for _, branch := range branches {
		ok, err := matchDocument(doc, branch)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func matchAll(doc bson.M, condition interface{}) (bool, error) {
	branches, err := filterList(condition, "$and")
	if err != nil {
		return false, err
	}
	for _, branch := range branches {
		ok, err := matchDocument(doc, branch)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func filterList(condition interface{}, op string) ([]bson.M, error) {
	switch list := condition.(type) {
	case []bson.M:
		return list, nil
	case bson.A:
		return coerceFilterList([]interface{}(list), op)
	case []interface{}:
		return coerceFilterList(list, op)
	}
	return nil, fmt.Errorf("%s expects an array of filter documents, got %T", op, condition)
}

func coerceFilterList(list []interface{}, op string) ([]bson.M, error) {
	out := make([]bson.M, 0, len(list))
	for _, item := range list {
		m, ok := asFilterDoc(item)
		if !ok {
			return nil, fmt.Errorf("%s expects filter documents, got %T", op, item)
		}
		out = append(out, m)
	}
	return out, nil
}

func asFilterDoc(v interface{}) (bson.M, bool) {
	switch m := v.(type) {
	case bson.M:
		return m, true
	case map[string]interface{}:
		return bson.M(m), true
	}
	return nil, false
}

// matchField evaluates one field condition. A mapping whose keys all
// start with '$' is a clause map of operators; a mapping with plain
// keys descends into the field's sub-document and matches field-wise
// (the shape the keyword DSL compiles nested paths into); anything
// else is an implicit equality against the literal.
func matchField(value interface{}, exists bool, condition interface{}) (bool, error) {
	clauses, ok := asFilterDoc(condition)
	if ok && isClauseMap(clauses) {
		for op, operand := range clauses {
			ok, err := matchOperator(value, exists, op, operand)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	}
	if ok && len(clauses) > 0 {
		sub, isDoc := asFilterDoc(value)
		if exists && isDoc {
			return matchDocument(sub, clauses)
		}
	}
	if !exists {
		return false, nil
	}
	return equalsOrContains(value, condition), nil
}

func isClauseMap(m bson.M) bool {
	if len(m) == 0 {
		return false
	}
	for key := range m {
		if !strings.HasPrefix(key, "$") {
			return false
		}
	}
	return true
}

func matchOperator(value interface{}, exists bool, op string, operand interface{}) (bool, error) {
	switch op {
	case "$eq":
		return exists && equalsOrContains(value, operand), nil
	case "$ne":
		return !exists || !equalsOrContains(value, operand), nil
	case "$in":
		return exists && memberOf(operand, value), nil
	case "$nin":
		return !exists || !memberOf(operand, value), nil
	case "$gt", "$gte", "$lt", "$lte":
		if !exists {
			return false, nil
		}
		cmp, ok := compareValues(value, operand)
		if !ok {
			return false, nil
		}
		switch op {
		case "$gt":
			return cmp > 0, nil
		case "$gte":
			return cmp >= 0, nil
		case "$lt":
			return cmp < 0, nil
		default:
			return cmp <= 0, nil
		}
	case "$exists":
		want, ok := operand.(bool)
		if !ok {
			return false, fmt.Errorf("$exists expects a bool, got %T", operand)
		}
		return exists == want, nil
	case "$regex":
		if !exists {
			return false, nil
		}
		return matchRegex(value, operand)
	}
	return false, fmt.Errorf("unsupported operator %q", op)
}

func matchRegex(value, operand interface{}) (bool, error) {
	var pattern string
	switch p := operand.(type) {
	case string:
		pattern = p
	case primitive.Regex:
		pattern = p.Pattern
	default:
		return false, fmt.Errorf("$regex expects a string pattern, got %T", operand)
	}
	str, ok := value.(string)
	if !ok {
		return false, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return re.MatchString(str), nil
}

// memberOf reports whether value (or, for array fields, any of its
// elements) equals one of the operand list's members.
func memberOf(operand, value interface{}) bool {
	list := reflect.ValueOf(operand)
	if list.Kind() != reflect.Slice && list.Kind() != reflect.Array {
		return false
	}
	for i := 0; i < list.Len(); i++ {
		if equalsOrContains(value, list.Index(i).Interface()) {
			return true
		}
	}
	return false
}

// equalsOrContains mirrors native equality: a scalar matches directly,
// and an array field matches when any element equals the operand.
func equalsOrContains(value, operand interface{}) bool {
	if valuesEqual(value, operand) {
		return true
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		for i := 0; i < rv.Len(); i++ {
			if valuesEqual(rv.Index(i).Interface(), operand) {
				return true
			}
		}
	}
	return false
}

func valuesEqual(a, b interface{}) bool {
	if cmp, ok := compareValues(a, b); ok {
		return cmp == 0
	}
	return reflect.DeepEqual(a, b)
}

// compareValues totally orders two values of compatible kinds:
// numbers (any width), strings, booleans, timestamps and object ids.
// The second return is false for incomparable pairs.
func compareValues(a, b interface{}) (int, bool) {
	if af, ok := asFloat(a); ok {
		bf, ok := asFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case av == bv:
			return 0, true
		case bv:
			return -1, true
		}
		return 1, true
	case time.Time:
		bv, ok := asTime(b)
		if !ok {
			return 0, false
		}
		return av.Compare(bv), true
	case primitive.DateTime:
		bv, ok := asTime(b)
		if !ok {
			return 0, false
		}
		return av.Time().Compare(bv), true
	case primitive.ObjectID:
		bv, ok := b.(primitive.ObjectID)
		if !ok {
			return 0, false
		}
		return strings.Compare(av.Hex(), bv.Hex()), true
	}
	return 0, false
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func asTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case primitive.DateTime:
		return t.Time(), true
	}
	return time.Time{}, false
}

// resolvePath walks a dotted field path through nested documents.
func resolvePath(doc bson.M, path string) (interface{}, bool) {
	segments := strings.Split(path, ".")
	var current interface{} = doc
	for _, segment := range segments {
		node, ok := asFilterDoc(current)
		if !ok {
			return nil, false
		}
		current, ok = node[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
