package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/IvanBrykalov/tierstore/internal/util"
	"github.com/IvanBrykalov/tierstore/monitor"
	"github.com/IvanBrykalov/tierstore/policy/migration"
	"github.com/IvanBrykalov/tierstore/tier"
)

var (
	// ErrNoLoader is returned by GetOrLoad when no Loader was configured.
	ErrNoLoader = errors.New("cache: no Loader provided")
	// ErrNotFound is returned by Migrate for unknown keys.
	ErrNotFound = errors.New("cache: key not found")
	// ErrClosed is returned by the Accessor methods after Close.
	ErrClosed = errors.New("cache: closed")
)

// Stats holds cumulative counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions uint64
	Len       int
}

// cache is a sharded tiered entry index.
type cache[V any] struct {
	shards []*shard[V]
	closed atomic.Bool

	opt   Options[V]
	rec   monitor.Recorder
	clock tier.Clock
	sizes sizes

	// coalesces concurrent loads in GetOrLoad.
	sf singleflight.Group
}

// New constructs a cache with the provided Options.
func New[V any](opt Options[V]) Cache[V] {
	c := &cache[V]{
		opt:   opt,
		rec:   monitor.OrNoop(opt.Recorder),
		clock: tier.OrSystem(opt.Clock),
	}

	sh := util.StripeCount(opt.Shards)
	perShardCap := 0
	if opt.Capacity > 0 {
		perShardCap = (opt.Capacity + sh - 1) / sh // ceil
	}
	c.shards = make([]*shard[V], sh)
	for i := range c.shards {
		c.shards[i] = newShard(perShardCap, c)
	}
	return c
}

// ---- Cache[V] implementation ----

func (c *cache[V]) Add(key string, v V) bool {
	if c.closed.Load() {
		return false
	}
	start := time.Now()
	ok := c.getShard(key).add(key, v, tier.Transient)
	if ok {
		c.rec.RecordWrite(tier.Transient, time.Since(start))
	}
	return ok
}

func (c *cache[V]) Set(key string, v V) {
	if c.closed.Load() {
		return
	}
	start := time.Now()
	c.getShard(key).set(key, v, tier.Transient, true)
	c.rec.RecordWrite(tier.Transient, time.Since(start))
}

func (c *cache[V]) SetIn(key string, v V, t tier.Tier) error {
	if !t.Valid() {
		return fmt.Errorf("cache: set %q: invalid tier %d", key, uint8(t))
	}
	if c.closed.Load() {
		return ErrClosed
	}
	start := time.Now()
	c.getShard(key).set(key, v, t, false)
	c.rec.RecordWrite(t, time.Since(start))
	return nil
}

// Get reports a miss against the Transient tier, the first one consulted.
func (c *cache[V]) Get(key string) (V, bool) {
	if c.closed.Load() {
		var zero V
		return zero, false
	}
	start := time.Now()
	m, v, ok := c.getShard(key).get(key)
	if !ok {
		c.rec.RecordRead(tier.Transient, false, time.Since(start))
		return v, false
	}
	c.rec.RecordRead(m.Tier, true, time.Since(start))
	if cb := c.opt.OnAccess; cb != nil {
		cb(m)
	}
	return v, true
}

func (c *cache[V]) Peek(key string) (tier.Entry[V], bool) {
	if c.closed.Load() {
		return tier.Entry[V]{}, false
	}
	return c.getShard(key).peek(key)
}

func (c *cache[V]) Remove(key string) bool {
	if c.closed.Load() {
		return false
	}
	_, ok := c.getShard(key).remove(key, false)
	return ok
}

func (c *cache[V]) Len() int {
	total := 0
	for _, s := range c.shards {
		total += s.Len()
	}
	return total
}

func (c *cache[V]) Counts() tier.Counts {
	var out tier.Counts
	for _, s := range c.shards {
		sc := s.counts()
		for i := range out {
			out[i] += sc[i]
		}
	}
	return out
}

func (c *cache[V]) Stats() Stats {
	var st Stats
	for _, s := range c.shards {
		st.Hits += s.hits.Load()
		st.Misses += s.misses.Load()
		st.Evictions += s.evicts.Load()
		st.Len += s.Len()
	}
	return st
}

// Close marks the cache as closed. Future operations are ignored.
func (c *cache[V]) Close() error {
	c.closed.Store(true)
	return nil
}

// GetOrLoad returns the value for key; on miss it loads via Options.Loader,
// coalescing concurrent loads for the same key. A caller whose ctx ends
// stops waiting; the shared load keeps running for the others.
func (c *cache[V]) GetOrLoad(ctx context.Context, key string) (V, error) {
	var zero V
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	if c.opt.Loader == nil {
		return zero, ErrNoLoader
	}

	ch := c.sf.DoChan(key, func() (any, error) {
		// double-check after joining the flight
		if e, ok := c.Peek(key); ok {
			return e.Value, nil
		}
		v, err := c.opt.Loader(context.WithoutCancel(ctx), key)
		if err == nil {
			c.Add(key, v)
		}
		return v, err
	})
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return zero, r.Err
		}
		v, _ := r.Val.(V)
		return v, nil
	}
}

// ---- lifecycle.Accessor ----

// Entries returns the metadata of every entry, shard by shard, each shard
// in recency order.
func (c *cache[V]) Entries(ctx context.Context) ([]tier.Meta, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	out := make([]tier.Meta, 0, c.Len())
	for _, s := range c.shards {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out = s.metas(out)
	}
	return out, nil
}

// Delete removes key and reports it to OnEvict. Deleting a missing key is
// not an error.
func (c *cache[V]) Delete(_ context.Context, key string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.getShard(key).remove(key, true)
	return nil
}

// Migrate moves key one step to tier to. Non-adjacent moves fail with an
// error matching migration.ErrInvalidMigrationPath.
func (c *cache[V]) Migrate(_ context.Context, key string, to tier.Tier) error {
	if c.closed.Load() {
		return ErrClosed
	}
	_, ok, err := c.getShard(key).migrate(key, to)
	if err != nil {
		return fmt.Errorf("cache: migrate %q: %w", key, err)
	}
	if !ok {
		return fmt.Errorf("cache: migrate %q: %w", key, ErrNotFound)
	}
	return nil
}

// ---- helpers ----

// getShard picks a shard by hashing the key; len(c.shards) is a power of two.
func (c *cache[V]) getShard(key string) *shard[V] {
	return c.shards[util.Stripe(key, len(c.shards))]
}

func invalidPath(from, to tier.Tier) error {
	return &migration.InvalidPathError{From: from, To: to}
}
