package persist

import (
	"context"
	"maps"
	"path"
	"slices"
	"sync"
	"time"

	"github.com/IvanBrykalov/tierstore/internal/util"
	"github.com/IvanBrykalov/tierstore/tier"
)

type memRecord struct {
	stored     []byte
	compressed bool
	size       int
	version    int64
	access     int64
	created    time.Time
	updated    time.Time
	expires    time.Time // zero: never
}

func (r *memRecord) expired(now time.Time) bool {
	return !r.expires.IsZero() && !now.Before(r.expires)
}

// MemoryStore is an in-process Store. Writes to the same id are serialized
// by a striped lock so the version check and the write are atomic. Expired
// records are dropped lazily on access.
//
// A MemoryStore serving as the fallback of a RedisStore with a Redis
// client also remembers the ids it wrote or deleted since the last
// MarkClean, so RedisStore can reconcile after an outage. Standalone stores
// track nothing.
type MemoryStore struct {
	locks []sync.Mutex

	mu    sync.RWMutex
	recs  map[string]*memRecord
	dirty map[string]struct{}
	track bool

	codec codec
	clock tier.Clock
}

// NewMemoryStore returns an empty store. It honors WithClock, WithLogger,
// WithCompressThreshold and WithStripes.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := buildOptions(opts)
	return &MemoryStore{
		locks: make([]sync.Mutex, util.StripeCount(o.stripes)),
		recs:  make(map[string]*memRecord),
		dirty: make(map[string]struct{}),
		codec: codec{threshold: o.threshold, log: o.log},
		clock: o.clock,
	}
}

func (m *MemoryStore) lockFor(id string) *sync.Mutex {
	return &m.locks[util.Stripe(id, len(m.locks))]
}

// lookup returns the live record for id, dropping it if it has expired.
func (m *MemoryStore) lookup(id string, now time.Time) *memRecord {
	m.mu.RLock()
	r := m.recs[id]
	m.mu.RUnlock()
	if r == nil {
		return nil
	}
	if r.expired(now) {
		m.mu.Lock()
		if cur := m.recs[id]; cur == r {
			delete(m.recs, id)
		}
		m.mu.Unlock()
		return nil
	}
	return r
}

func (m *MemoryStore) toRaw(id string, r *memRecord, access int64) (*RawState, error) {
	data, err := m.codec.decode(r.stored, r.compressed)
	if err != nil {
		return nil, err
	}
	return &RawState{
		ID:          id,
		Data:        data,
		Version:     r.version,
		CreatedAt:   r.created,
		UpdatedAt:   r.updated,
		AccessCount: access,
		Size:        r.size,
		Compressed:  r.compressed,
		ExpiresAt:   r.expires,
	}, nil
}

func (m *MemoryStore) GetState(_ context.Context, id string) (*RawState, error) {
	mu := m.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	r := m.lookup(id, m.clock.Now())
	if r == nil {
		return nil, ErrNotFound
	}
	m.mu.Lock()
	r.access++
	n := r.access
	m.mu.Unlock()
	return m.toRaw(id, r, n)
}

// peek returns the record without counting an access.
func (m *MemoryStore) peek(id string) (*RawState, time.Duration, error) {
	now := m.clock.Now()
	r := m.lookup(id, now)
	if r == nil {
		return nil, 0, ErrNotFound
	}
	var ttl time.Duration
	if !r.expires.IsZero() {
		ttl = r.expires.Sub(now)
	}
	m.mu.RLock()
	access := r.access
	m.mu.RUnlock()
	raw, err := m.toRaw(id, r, access)
	return raw, ttl, err
}

func (m *MemoryStore) SaveState(_ context.Context, id string, value any, opts ...SaveOption) (*RawState, error) {
	payload, err := marshal(value)
	if err != nil {
		return nil, err
	}
	return m.save(id, payload, applySaveOptions(opts))
}

func (m *MemoryStore) save(id string, payload []byte, o saveOptions) (*RawState, error) {
	enc := m.codec.encode(payload, o.compress)

	mu := m.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	now := m.clock.Now()
	prev := m.lookup(id, now)
	var version, access int64
	created := now
	if prev != nil {
		m.mu.RLock()
		version, access, created = prev.version, prev.access, prev.created
		m.mu.RUnlock()
	}
	if o.hasExpected && version != o.expected {
		return nil, &OptimisticLockError{ID: id, Expected: o.expected, Actual: version}
	}
	r := &memRecord{
		stored:     enc.stored,
		compressed: enc.compressed,
		size:       enc.size,
		version:    version + 1,
		access:     access + 1,
		created:    created,
		updated:    now,
	}
	if o.ttl > 0 {
		r.expires = now.Add(o.ttl)
	}
	m.mu.Lock()
	m.recs[id] = r
	m.markLocked(id)
	m.mu.Unlock()
	return &RawState{
		ID:          id,
		Data:        payload,
		Version:     r.version,
		CreatedAt:   r.created,
		UpdatedAt:   r.updated,
		AccessCount: r.access,
		Size:        r.size,
		Compressed:  r.compressed,
		ExpiresAt:   r.expires,
	}, nil
}

func (m *MemoryStore) Get(ctx context.Context, key string, dst any) (bool, error) {
	return getInto(ctx, m, key, dst)
}

func (m *MemoryStore) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	_, err := m.SaveState(ctx, key, value, WithTTL(ttl))
	return err
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	mu := m.lockFor(key)
	mu.Lock()
	defer mu.Unlock()
	m.mu.Lock()
	delete(m.recs, key)
	// The id may exist only in Redis, so a tracked delete is recorded even
	// when no local record was removed.
	m.markLocked(key)
	m.mu.Unlock()
	return nil
}

// trackDirty turns on dirty tracking. RedisStore calls it on its fallback.
func (m *MemoryStore) trackDirty() {
	m.mu.Lock()
	m.track = true
	m.mu.Unlock()
}

func (m *MemoryStore) markLocked(id string) {
	if m.track {
		m.dirty[id] = struct{}{}
	}
}

// Clear drops every record and forgets the dirty set.
func (m *MemoryStore) Clear(context.Context) error {
	m.mu.Lock()
	clear(m.recs)
	clear(m.dirty)
	m.mu.Unlock()
	return nil
}

// Keys returns the sorted ids of live records matching pattern (path.Match
// syntax).
func (m *MemoryStore) Keys(_ context.Context, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "*"
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, err
	}
	now := m.clock.Now()
	m.mu.RLock()
	var out []string
	for id, r := range m.recs {
		if r.expired(now) {
			continue
		}
		if ok, _ := path.Match(pattern, id); ok {
			out = append(out, id)
		}
	}
	m.mu.RUnlock()
	slices.Sort(out)
	return out, nil
}

// MGet does not count accesses.
func (m *MemoryStore) MGet(_ context.Context, ids []string) ([]*RawState, error) {
	out := make([]*RawState, len(ids))
	for i, id := range ids {
		if r, _, err := m.peek(id); err == nil {
			out[i] = r
		}
	}
	return out, nil
}

func (m *MemoryStore) MSet(_ context.Context, items []Item) error {
	for _, it := range items {
		payload, err := marshal(it.Value)
		if err != nil {
			return &tier.KeyError{Key: it.ID, Op: "mset", Err: err}
		}
		if _, err := m.save(it.ID, payload, saveOptions{ttl: it.TTL}); err != nil {
			return &tier.KeyError{Key: it.ID, Op: "mset", Err: err}
		}
	}
	return nil
}

func (m *MemoryStore) MDel(ctx context.Context, ids []string) error {
	for _, id := range ids {
		_ = m.Delete(ctx, id)
	}
	return nil
}

// IsConnected is always true.
func (m *MemoryStore) IsConnected() bool { return true }

// Len returns the number of stored records, expired ones included until
// they are swept.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.recs)
}

// Sweep removes expired records and returns how many were dropped.
func (m *MemoryStore) Sweep() int {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	maps.DeleteFunc(m.recs, func(_ string, r *memRecord) bool {
		if r.expired(now) {
			n++
			return true
		}
		return false
	})
	return n
}

// Dirty returns the sorted ids written or deleted since the last MarkClean.
// It is always empty unless the store is a RedisStore fallback.
func (m *MemoryStore) Dirty() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.dirty))
}

// MarkClean removes ids from the dirty set; with no ids it empties it.
func (m *MemoryStore) MarkClean(ids ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(ids) == 0 {
		clear(m.dirty)
		return
	}
	for _, id := range ids {
		delete(m.dirty, id)
	}
}

var _ Store = (*MemoryStore)(nil)

// drop removes id and its dirty mark once it has been reconciled.
func (m *MemoryStore) drop(id string) {
	mu := m.lockFor(id)
	mu.Lock()
	defer mu.Unlock()
	m.mu.Lock()
	delete(m.recs, id)
	delete(m.dirty, id)
	m.mu.Unlock()
}
