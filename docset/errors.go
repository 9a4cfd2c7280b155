// Package docset is a small object-document mapper: declarative model
// structs bound to collections, a lazily evaluated chainable QuerySet,
// and a schema-derivation engine producing restricted reader/updater
// views of a model's fields.
package docset

import (
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/arthur-debert/docset/types"
)

var (
	// ErrNotSaved is returned by operations that require an identity
	// (Fetch, Reload, Get by identity) when the document has none.
	ErrNotSaved = errors.New("document has not been saved")

	// ErrNotFound is returned by Get when no document matches.
	ErrNotFound = errors.New("document not found")

	// ErrTooManyMatches is returned by Get when more than one document
	// matches; a get-by-unique-key query must never legitimately hit it.
	ErrTooManyMatches = errors.New("too many matching documents")

	// ErrNotConnected is returned when a store operation is attempted
	// with no active client.
	ErrNotConnected = errors.New("not connected: call Connect before using collections")

	// ErrInvalidArgument covers contract violations: negative limits,
	// non-map raw filters, flat value lists over multiple fields.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUnsupportedInversion mirrors the operator-level error for
	// callers that do not import types directly.
	ErrUnsupportedInversion = types.ErrUnsupportedInversion
)

// NotFoundError wraps ErrNotFound with the filter that matched nothing,
// for diagnostics at the call site.
type NotFoundError struct {
	Collection string
	Filter     bson.M
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("document not found in %q with filter %v", e.Collection, e.Filter)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// TooManyMatchesError wraps ErrTooManyMatches with the offending filter.
type TooManyMatchesError struct {
	Collection string
	Filter     bson.M
}

func (e *TooManyMatchesError) Error() string {
	return fmt.Sprintf("more than one document in %q matches filter %v", e.Collection, e.Filter)
}

func (e *TooManyMatchesError) Unwrap() error { return ErrTooManyMatches }
