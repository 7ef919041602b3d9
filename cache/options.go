package cache

import (
	"context"

	"github.com/IvanBrykalov/tierstore/monitor"
	"github.com/IvanBrykalov/tierstore/tier"
)

// EvictReason explains why an entry was removed.
type EvictReason int

const (
	// EvictCapacity means the entry was dropped to satisfy Capacity.
	EvictCapacity EvictReason = iota
	// EvictLifecycle means a lifecycle pass (expiry or LRU pressure)
	// removed the entry through Delete.
	EvictLifecycle
)

func (r EvictReason) String() string {
	switch r {
	case EvictCapacity:
		return "capacity"
	case EvictLifecycle:
		return "lifecycle"
	default:
		return "unknown"
	}
}

// Options configures the cache. Zero values are safe; defaults are applied
// in New():
//   - Capacity <= 0 => unbounded
//   - Shards <= 0   => auto (rounded up to power of two)
//   - nil Recorder  => monitor.Noop
//   - nil Clock     => tier.SystemClock
type Options[V any] struct {
	// Capacity is a hard entry limit across all tiers. Shards split it
	// evenly and drop their least recently used entry when full.
	Capacity int

	// Shards defines the number of shards. If 0, an automatic value is
	// chosen (≈ 2*GOMAXPROCS) and rounded to the next power of two.
	Shards int

	// Loader fetches a value on miss. Used by GetOrLoad; loaded values land
	// in the Transient tier.
	Loader func(ctx context.Context, key string) (V, error)

	// OnEvict is called under the shard lock for capacity and lifecycle
	// removals; keep it lightweight.
	OnEvict func(e tier.Entry[V], reason EvictReason)

	// OnAccess is called after every Get hit, outside any lock.
	OnAccess func(m tier.Meta)

	// Recorder receives per-tier reads, writes, evictions and sizes.
	Recorder monitor.Recorder

	Clock tier.Clock
}
