// Package store defines the remote document store contract used by the sync
// core and provides two implementations: a SQL-backed store (GORM) with an
// in-process subscription hub, and a Cloud Firestore adapter.
//
// Documents are schemaless maps addressed by (collection path, id).
// Collection paths may nest, e.g. "chatRooms/r1/messages".
package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("store: document not found")
	// ErrAlreadyExists is returned by Create when the id is taken.
	ErrAlreadyExists = errors.New("store: document already exists")
)

// Document is one stored document.
type Document struct {
	ID   string
	Data map[string]any
}

// Op is a filter operator.
type Op string

const (
	OpEqual         Op = "=="
	OpNotEqual      Op = "!="
	OpArrayContains Op = "array-contains"
)

// Filter restricts a query to documents whose Field satisfies Op against
// Value. Documents that lack Field never match.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Where builds a Filter.
func Where(field string, op Op, value any) Filter {
	return Filter{Field: field, Op: op, Value: value}
}

// Order sorts query results by Field.
type Order struct {
	Field string
	Desc  bool
}

// Query selects documents of one collection.
type Query struct {
	Filters []Filter
	OrderBy []Order
	Limit   int
}

// UpdateFunc computes the fields to merge into the current version of a
// document. Returning an error aborts the update.
type UpdateFunc func(current Document) (map[string]any, error)

// Unsubscribe stops a subscription. Calling it more than once is a no-op.
type Unsubscribe func()

// Store is the document store consumed by the sync core.
type Store interface {
	// Put writes fields into collection/id and returns the id. An empty id
	// generates a new one. With merge, fields are merged into the existing
	// document; otherwise the document is replaced.
	Put(ctx context.Context, collection, id string, fields map[string]any, merge bool) (string, error)
	// Create writes a new document and fails with ErrAlreadyExists if the id
	// is taken.
	Create(ctx context.Context, collection, id string, fields map[string]any) error
	// Get reads one document or returns ErrNotFound.
	Get(ctx context.Context, collection, id string) (Document, error)
	// Query returns the documents matching q.
	Query(ctx context.Context, collection string, q Query) ([]Document, error)
	// Update atomically reads collection/id, calls fn and merges its result.
	// It returns the document as written, or ErrNotFound.
	Update(ctx context.Context, collection, id string, fn UpdateFunc) (Document, error)
	// Subscribe delivers the full result of q once, then again after every
	// change to the collection, until ctx is done or the returned function
	// is called. Deliveries for one subscription never overlap.
	Subscribe(ctx context.Context, collection string, q Query, fn func([]Document)) (Unsubscribe, error)
}

type serverTimestamp struct{}

type deleteField struct{}

type increment struct{ n int64 }

type arrayUnion struct{ values []any }

type arrayRemove struct{ values []any }

// ServerTimestamp is replaced by the commit time of the write.
var ServerTimestamp any = serverTimestamp{}

// Delete removes the field from the document.
var Delete any = deleteField{}

// Increment adds n to a numeric field (missing fields count as 0).
func Increment(n int64) any { return increment{n: n} }

// ArrayUnion adds values to an array field, skipping ones already present.
func ArrayUnion(values ...any) any { return arrayUnion{values: values} }

// ArrayRemove removes every occurrence of values from an array field.
func ArrayRemove(values ...any) any { return arrayRemove{values: values} }
