package cache

import (
	"context"

	"github.com/IvanBrykalov/tierstore/lifecycle"
	"github.com/IvanBrykalov/tierstore/tier"
)

// Cache is a sharded, tiered, in-memory entry index keyed by string.
// All methods are safe for concurrent use by multiple goroutines.
//
// Cache also satisfies lifecycle.Accessor, so a lifecycle.Manager can expire,
// evict and migrate its entries.
type Cache[V any] interface {
	// Add inserts key→v into the Transient tier only if key is not present.
	Add(key string, v V) bool

	// Set inserts key→v into the Transient tier, or updates the value of an
	// existing entry in place (its tier and access history are kept).
	Set(key string, v V)

	// SetIn inserts or updates key→v and places it in tier t.
	SetIn(key string, v V, t tier.Tier) error

	// Get returns the value for key. A hit counts as an access: it bumps
	// the access count and last-access time and is reported to OnAccess.
	Get(key string) (V, bool)

	// Peek returns a copy of the entry without counting an access.
	Peek(key string) (tier.Entry[V], bool)

	// Remove deletes key if present and returns true on success.
	Remove(key string) bool

	// Len returns the number of resident entries across all tiers.
	Len() int

	// Counts returns the number of entries per tier.
	Counts() tier.Counts

	// GetOrLoad returns the value for key, loading it via Options.Loader on
	// miss. Concurrent loads for the same key are coalesced.
	GetOrLoad(ctx context.Context, key string) (V, error)

	// Stats returns cumulative hit/miss/eviction counters.
	Stats() Stats

	// Close marks the cache closed; later writes are ignored and reads miss.
	Close() error

	lifecycle.Accessor
}
