// Package persist stores versioned state records in Redis, falling back to
// an in-process MemoryStore whenever the network store is unreachable.
//
// Every record carries a version that starts at 1 and grows by exactly one
// per successful save. Saves may assert the version they expect; a mismatch
// fails with *OptimisticLockError and is never retried.
package persist

import (
	"context"
	"time"
)

// Store is the persistence contract shared by RedisStore and MemoryStore.
// Values are JSON-encoded; use the generic helpers (GetState, SaveState,
// Get, MGet) for typed access.
type Store interface {
	// Get decodes the payload of key into dst and reports whether it exists.
	Get(ctx context.Context, key string, dst any) (bool, error)
	// Set saves value under key. ttl <= 0 keeps it forever.
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Clear removes every record owned by the store.
	Clear(ctx context.Context) error
	// Keys lists record ids matching a glob pattern ("*" when empty).
	Keys(ctx context.Context, pattern string) ([]string, error)

	// GetState returns the record for id or ErrNotFound. The returned
	// AccessCount includes this read.
	GetState(ctx context.Context, id string) (*RawState, error)
	// SaveState creates or updates id and returns the stored record.
	SaveState(ctx context.Context, id string, value any, opts ...SaveOption) (*RawState, error)

	// MGet returns one slot per id; missing records are nil.
	MGet(ctx context.Context, ids []string) ([]*RawState, error)
	MSet(ctx context.Context, items []Item) error
	MDel(ctx context.Context, ids []string) error

	IsConnected() bool
}
