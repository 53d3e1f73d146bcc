// Package store defines the keyed document collections the warehouse is
// loaded into, plus an in-memory implementation used by tests and dry runs.
// Durable drivers live in the postgres and sqlite subpackages.
package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrNotFound          = errors.New("document not found")
	ErrInvalidCollection = errors.New("invalid collection name")
	ErrInvalidField      = errors.New("invalid field name")
	ErrMissingKey        = errors.New("document is missing its key field")
	ErrClosed            = errors.New("store is closed")
)

// Driver names accepted by configuration.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Document is a single row of a collection: field name to value.
type Document map[string]any

// Filter selects documents whose fields equal every given value. An empty
// filter matches all documents. A nil value matches an explicit null.
type Filter map[string]any

// Clone returns a shallow copy of the document.
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Collection is a named set of documents.
type Collection interface {
	Name() string
	// FindOne returns the first document matching filter, or ErrNotFound.
	FindOne(ctx context.Context, filter Filter) (Document, error)
	// Find returns matching documents in insertion order.
	Find(ctx context.Context, filter Filter, limit, offset int) ([]Document, error)
	InsertOne(ctx context.Context, doc Document) error
	// InsertIfAbsent inserts doc unless a document with the same value in
	// keyField already exists. The check and the insert are one atomic step.
	InsertIfAbsent(ctx context.Context, keyField string, doc Document) (bool, error)
	CountDocuments(ctx context.Context, filter Filter) (int64, error)
}

// Store hands out collections over a single shared connection.
type Store interface {
	Collection(name string) Collection
	Ping(ctx context.Context) error
	Driver() string
	Close() error
}

var namePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// ValidateName checks a collection or field name against the identifier
// pattern shared by every driver. Names are interpolated into SQL, so this is
// the only thing standing between configuration and the query text.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidCollection, name)
	}
	return nil
}

// ValidateFilter checks every field name in the filter.
func ValidateFilter(f Filter) error {
	for k := range f {
		if !namePattern.MatchString(k) {
			return fmt.Errorf("%w: %q", ErrInvalidField, k)
		}
	}
	return nil
}

// DedupKey is the value stored in the unique dedup column by drivers that
// implement InsertIfAbsent with a unique index.
func DedupKey(keyField string, doc Document) (string, error) {
	v, ok := doc[keyField]
	if !ok || v == nil {
		return "", fmt.Errorf("%w: %s", ErrMissingKey, keyField)
	}
	return fmt.Sprintf("%s:%v", keyField, v), nil
}
