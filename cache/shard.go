package cache

import (
	"sync"

	"github.com/IvanBrykalov/tierstore/internal/util"
	"github.com/IvanBrykalov/tierstore/monitor"
	"github.com/IvanBrykalov/tierstore/tier"
)

// sizes holds the global per-tier entry counts shared by all shards.
type sizes [tier.Count]util.PaddedAtomicInt64

// shard is an independent partition of the cache with its own lock, map,
// and an intrusive doubly linked list (head=MRU, tail=LRU).
type shard[V any] struct {
	// ---- guarded by mu ----
	mu   sync.RWMutex
	m    map[string]*node[V]
	head *node[V] // MRU
	tail *node[V] // LRU
	len  int
	cap  int // 0 = unbounded

	opt   *Options[V]
	rec   monitor.Recorder
	clock tier.Clock
	sizes *sizes

	// ---- hot counters (separate cache lines to avoid false sharing) ----
	hits   util.PaddedAtomicInt64
	misses util.PaddedAtomicInt64
	evicts util.PaddedAtomicUint64
}

func newShard[V any](capacity int, c *cache[V]) *shard[V] {
	hint := capacity
	if hint <= 0 {
		hint = 64
	}
	return &shard[V]{
		m:     make(map[string]*node[V], hint),
		cap:   capacity,
		opt:   &c.opt,
		rec:   c.rec,
		clock: c.clock,
		sizes: &c.sizes,
	}
}

// add inserts a new entry in tier t. Returns false if key exists.
func (s *shard[V]) add(key string, v V, t tier.Tier) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[key]; ok {
		return false
	}
	s.insertLocked(key, v, t)
	return true
}

// set inserts or updates key. With keepTier an existing entry stays in its
// tier; otherwise it moves to t.
func (s *shard[V]) set(key string, v V, t tier.Tier, keepTier bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.m[key]
	if !ok {
		s.insertLocked(key, v, t)
		return
	}
	n.Value = v
	n.LastAccessed = s.clock.Now()
	if !keepTier && n.Tier != t {
		s.retierLocked(n, t)
	}
	s.moveToFront(n)
}

// get returns the value and records an access on hit.
func (s *shard[V]) get(key string) (tier.Meta, V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.m[key]
	if !ok {
		s.misses.Add(1)
		var zero V
		return tier.Meta{}, zero, false
	}
	n.AccessCount++
	n.LastAccessed = s.clock.Now()
	s.moveToFront(n)
	s.hits.Add(1)
	return n.Meta, n.Value, true
}

func (s *shard[V]) peek(key string) (tier.Entry[V], bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.m[key]
	if !ok {
		return tier.Entry[V]{}, false
	}
	return n.Entry, true
}

// remove deletes key; evict reports the removal to OnEvict and the
// recorder as an eviction.
func (s *shard[V]) remove(key string, evict bool) (tier.Tier, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.m[key]
	if !ok {
		return 0, false
	}
	if evict {
		s.evictNode(n, EvictLifecycle)
	} else {
		s.dropLocked(n)
	}
	return n.Tier, true
}

// migrate moves key to tier to; from is the tier it was in.
func (s *shard[V]) migrate(key string, to tier.Tier) (from tier.Tier, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.m[key]
	if !ok {
		return 0, false, nil
	}
	from = n.Tier
	if !tier.Adjacent(from, to) {
		return from, true, invalidPath(from, to)
	}
	s.retierLocked(n, to)
	return from, true, nil
}

func (s *shard[V]) metas(dst []tier.Meta) []tier.Meta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for n := s.head; n != nil; n = n.next {
		dst = append(dst, n.Meta)
	}
	return dst
}

func (s *shard[V]) counts() tier.Counts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var c tier.Counts
	for _, n := range s.m {
		c[n.Tier]++
	}
	return c
}

// Len returns the number of resident entries in this shard.
func (s *shard[V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.len
}

// -------------------- internals (mu held) --------------------

func (s *shard[V]) insertLocked(key string, v V, t tier.Tier) {
	now := s.clock.Now()
	n := &node[V]{Entry: tier.Entry[V]{
		Meta: tier.Meta{
			Key:          key,
			Tier:         t,
			Timestamp:    now,
			LastAccessed: now,
		},
		Value: v,
	}}
	s.m[key] = n
	s.insertFront(n)
	s.resize(t, 1)
	s.enforceLimitsLocked()
}

func (s *shard[V]) retierLocked(n *node[V], to tier.Tier) {
	s.resize(n.Tier, -1)
	n.Tier = to
	s.resize(to, 1)
}

// resize applies delta to the shared count of t and publishes it. Shards
// publish concurrently, so a publisher repeats until the count it sent is
// still current; the last value published is always the latest count.
func (s *shard[V]) resize(t tier.Tier, delta int64) {
	n := s.sizes[t].Add(delta)
	for {
		s.rec.UpdateSize(t, int(n))
		cur := s.sizes[t].Load()
		if cur == n {
			return
		}
		n = cur
	}
}

// insertFront inserts n at MRU in O(1).
func (s *shard[V]) insertFront(n *node[V]) {
	n.prev = nil
	n.next = s.head
	if s.head != nil {
		s.head.prev = n
	}
	s.head = n
	if s.tail == nil {
		s.tail = n
	}
	s.len++
}

// moveToFront promotes n to MRU in O(1).
func (s *shard[V]) moveToFront(n *node[V]) {
	if n == s.head {
		return
	}
	s.unlink(n)
	n.next = s.head
	if s.head != nil {
		s.head.prev = n
	}
	s.head = n
	if s.tail == nil {
		s.tail = n
	}
}

func (s *shard[V]) unlink(n *node[V]) {
	if n.prev != nil {
		n.prev.next = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	}
	if s.head == n {
		s.head = n.next
	}
	if s.tail == n {
		s.tail = n.prev
	}
	n.prev, n.next = nil, nil
}

// dropLocked removes n from the list, the map and the tier counters.
func (s *shard[V]) dropLocked(n *node[V]) {
	s.unlink(n)
	s.len--
	delete(s.m, n.Key)
	s.resize(n.Tier, -1)
}

// evictNode removes n, updates counters and calls OnEvict.
func (s *shard[V]) evictNode(n *node[V], reason EvictReason) {
	s.dropLocked(n)
	s.evicts.Add(1)
	// Lifecycle removals are reported by the lifecycle manager itself.
	if reason == EvictCapacity {
		s.rec.RecordEviction(n.Tier)
	}
	if cb := s.opt.OnEvict; cb != nil {
		cb(n.Entry, reason)
	}
}

// enforceLimitsLocked evicts LRU entries until the count limit holds.
func (s *shard[V]) enforceLimitsLocked() {
	if s.cap <= 0 {
		return
	}
	for s.len > s.cap && s.tail != nil {
		s.evictNode(s.tail, EvictCapacity)
	}
}
