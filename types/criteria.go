// Package types holds the shared leaf types of docset: comparison
// operators, ordering clauses and schema descriptors. It has no
// dependency on the query or store layers so both can consume it.
package types

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

// Operator identifies one comparison semantics used when compiling a
// keyword filter into a native clause.
type Operator uint8

const (
	OpEqual Operator = iota + 1
	OpNotEqual
	OpIn
	OpNotIn
	OpGreaterThan
	OpLessThan
	OpGreaterOrEqual
	OpLessOrEqual
	OpExists
	OpRegex
)

// ErrUnsupportedInversion is returned when an operator with no defined
// inversion (currently only OpRegex) is rendered with invert set.
var ErrUnsupportedInversion = fmt.Errorf("operator has no defined inversion")

// keywords maps DSL tokens to operators. Unknown tokens are not an
// error: the path parser falls back to treating them as field names.
var keywords = map[string]Operator{
	"eq":     OpEqual,
	"neq":    OpNotEqual,
	"ne":     OpNotEqual,
	"in":     OpIn,
	"nin":    OpNotIn,
	"gt":     OpGreaterThan,
	"lt":     OpLessThan,
	"gte":    OpGreaterOrEqual,
	"lte":    OpLessOrEqual,
	"exists": OpExists,
	"regex":  OpRegex,
}

// LookupOperator resolves a DSL token to its operator. The second
// return reports whether the token is a recognized operator keyword.
func LookupOperator(token string) (Operator, bool) {
	op, ok := keywords[token]
	return op, ok
}

var operatorKeys = map[Operator]string{
	OpEqual:          "$eq",
	OpNotEqual:       "$ne",
	OpIn:             "$in",
	OpNotIn:          "$nin",
	OpGreaterThan:    "$gt",
	OpLessThan:       "$lt",
	OpGreaterOrEqual: "$gte",
	OpLessOrEqual:    "$lte",
	OpExists:         "$exists",
	OpRegex:          "$regex",
}

var invertedPairs = map[Operator]Operator{
	OpEqual:          OpNotEqual,
	OpNotEqual:       OpEqual,
	OpIn:             OpNotIn,
	OpNotIn:          OpIn,
	OpGreaterThan:    OpLessOrEqual,
	OpLessOrEqual:    OpGreaterThan,
	OpLessThan:       OpGreaterOrEqual,
	OpGreaterOrEqual: OpLessThan,
}

// Key returns the canonical native filter key for the operator.
func (op Operator) Key() string {
	return operatorKeys[op]
}

// String returns the native key, which doubles as a readable name.
func (op Operator) String() string {
	if k := op.Key(); k != "" {
		return k
	}
	return fmt.Sprintf("Operator(%d)", uint8(op))
}

// Render produces the native filter key and transformed value for the
// operator applied to value. With invert set, paired operators swap to
// their partner's key with the value unchanged, Exists negates the
// boolean value itself, and Regex fails with ErrUnsupportedInversion.
func (op Operator) Render(value interface{}, invert bool) (string, interface{}, error) {
	if !invert {
		return op.Key(), value, nil
	}
	switch op {
	case OpExists:
		b, ok := value.(bool)
		if !ok {
			return "", nil, fmt.Errorf("$exists expects a bool value, got %T", value)
		}
		return op.Key(), !b, nil
	case OpRegex:
		return "", nil, fmt.Errorf("cannot invert %s: %w", op, ErrUnsupportedInversion)
	}
	pair, ok := invertedPairs[op]
	if !ok {
		return "", nil, fmt.Errorf("cannot invert %s: %w", op, ErrUnsupportedInversion)
	}
	return pair.Key(), value, nil
}

// Criteria is a transient pairing of an operator and its raw payload,
// constructed while a keyword filter is compiled and discarded after.
type Criteria struct {
	Op    Operator
	Value interface{}
}

// Clause renders the criteria as a single native comparison clause,
// e.g. {"$gt": 10}.
func (c Criteria) Clause(invert bool) (bson.M, error) {
	key, value, err := c.Op.Render(c.Value, invert)
	if err != nil {
		return nil, err
	}
	return bson.M{key: value}, nil
}
