// Package queue provides the queue-store client used by the drain pipeline.
// The store is an ordered list per key; producers append JSON-encoded records
// and the pipeline drains entire keys atomically. The production backend is
// Redis (lists + MULTI/EXEC); tests run against miniredis.
package queue

import (
	"context"
	"errors"
)

// ErrTransient marks network-level or server-side store failures. Callers
// classify with errors.Is(err, ErrTransient); transient failures are retried
// on the next scheduler cycle, never in-call.
var ErrTransient = errors.New("queue: transient store error")

// Store is the capability interface the pipeline consumes. Entries are
// opaque strings (UTF-8 JSON, one record per entry, contract with producers).
type Store interface {
	// Len returns the number of entries queued at key.
	Len(ctx context.Context, key string) (int64, error)

	// AppendMany pushes entries to the tail of the list at key, preserving
	// slice order. Used by producers and by tests seeding scenarios.
	AppendMany(ctx context.Context, key string, entries []string) error

	// ReadAll returns every entry at key, oldest first, without removing them.
	ReadAll(ctx context.Context, key string) ([]string, error)

	// DeleteAll removes the key and all its entries.
	DeleteAll(ctx context.Context, key string) error

	// DrainAll returns every entry at key, oldest first, and empties the key
	// in a single observable action. Entries appended concurrently with the
	// drain either appear in the returned slice or remain queued for the
	// next drain — never both, never neither.
	DrainAll(ctx context.Context, key string) ([]string, error)
}
