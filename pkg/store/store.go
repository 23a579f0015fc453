// Package store provides the namespaced key/value abstraction the broker
// keeps all cross-request state in: connections, sessions, codes and tokens.
//
// Records are opaque byte slices with optional per-record TTL and secondary
// indexes. Two backends are provided: an in-memory store for development and
// tests, and a Redis store for horizontally scaled deployments. Both enforce
// TTL expiry themselves so the broker never has to.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when no live record exists under the key.
var ErrNotFound = errors.New("record not found")

// Index is a secondary index entry attached to a record at Put time.
// Records are later retrievable by (Name, Value) via GetByIndex.
type Index struct {
	Name  string
	Value string
}

// PageOptions controls pagination for GetByIndex and GetAll. A zero Limit
// means no limit. PageToken is reserved for backends with cursor semantics.
type PageOptions struct {
	Offset    int
	Limit     int
	PageToken string
}

// Records is a page of raw record values.
type Records struct {
	Data      [][]byte
	PageToken string
}

// KV is the storage contract consumed by the broker. Implementations must
// provide atomic single-key read/write and store-enforced TTL cleanup.
type KV interface {
	// Get returns the live record under (namespace, key), or ErrNotFound.
	Get(ctx context.Context, namespace, key string) ([]byte, error)

	// Put stores a record, replacing any previous value and its indexes.
	// A zero ttl means the record does not expire.
	Put(ctx context.Context, namespace, key string, value []byte, ttl time.Duration, indexes ...Index) error

	// Delete removes the record and its index entries. Deleting an absent
	// key is not an error.
	Delete(ctx context.Context, namespace, key string) error

	// GetByIndex returns records whose indexes match (idx.Name, idx.Value),
	// ordered by key for stable pagination.
	GetByIndex(ctx context.Context, namespace string, idx Index, page PageOptions) (Records, error)

	// GetAll returns all live records in the namespace, ordered by key.
	GetAll(ctx context.Context, namespace string, page PageOptions) (Records, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// page applies offset/limit to an ordered slice of values.
func page(values [][]byte, opts PageOptions) Records {
	if opts.Offset >= len(values) {
		return Records{}
	}
	values = values[opts.Offset:]
	if opts.Limit > 0 && opts.Limit < len(values) {
		values = values[:opts.Limit]
	}
	return Records{Data: values}
}
