// Package cache provides a sharded, tiered, in-memory entry index. Every
// entry lives in one of the tiers of package tier and carries the metadata
// (creation time, last access, access count) that the lifecycle policies
// decide on.
//
// Design
//
//   - Concurrency: the index is split into shards, each protected by an
//     RWMutex. The default shard count is about 2*GOMAXPROCS rounded to a
//     power of two.
//
//   - Storage: each shard keeps a map[string]*node for lookups and an
//     intrusive MRU↔LRU doubly linked list used to enforce Capacity.
//
//   - Tiers: Add, Set and GetOrLoad place new entries in Transient; SetIn
//     places them anywhere. Only Migrate moves entries afterwards, one step
//     at a time.
//
//   - Lifecycle: the cache implements lifecycle.Accessor. Expiry, pressure
//     eviction and migration are decided by a lifecycle.Manager and applied
//     through Entries, Delete and Migrate.
//
//   - GetOrLoad: coalesces concurrent loads for the same key using
//     golang.org/x/sync/singleflight. If Loader is nil, GetOrLoad returns
//     ErrNoLoader.
//
//   - Metrics: Options.Recorder receives per-tier reads, writes, capacity
//     evictions and sizes; monitor.Monitor and metrics/prom implement it.
//
// Basic usage
//
//	c := cache.New[[]byte](cache.Options[[]byte]{Capacity: 10_000})
//	c.Set("a", []byte("1"))
//	if v, ok := c.Get("a"); ok {
//	    _ = v
//	}
//
// Read-through from a persistence store
//
//	c := cache.New[Profile](cache.Options[Profile]{
//	    Loader: func(ctx context.Context, k string) (Profile, error) {
//	        p, ok, err := persist.Get[Profile](ctx, store, k)
//	        if err == nil && !ok {
//	            err = persist.ErrNotFound
//	        }
//	        return p, err
//	    },
//	})
//
// Driving the lifecycle
//
//	lm := lifecycle.New(c, lifecycle.DefaultConfig())
//	lm.Start()
//	defer lm.Stop()
package cache
