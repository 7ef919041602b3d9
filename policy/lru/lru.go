// Package lru tracks access frequency and chooses eviction victims under
// memory pressure.
//
// Each key carries an access record {count, last access}. Its weight decays
// linearly from count to count*0.1 over one hour of inactivity. Eviction
// ranks entries by a priority score and removes the lowest first.
package lru

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/IvanBrykalov/tierstore/hook"
	"github.com/IvanBrykalov/tierstore/policy"
	"github.com/IvanBrykalov/tierstore/policy/migration"
	"github.com/IvanBrykalov/tierstore/tier"
)

const (
	decayWindow = time.Hour
	decayFloor  = 0.1
	// pressureTarget is the share of the threshold usage is brought down to.
	pressureTarget = 0.8
	weightBonus    = 5
	// DefaultRecordMaxAge is used by CleanupRecords when maxAge <= 0.
	DefaultRecordMaxAge = 24 * time.Hour
)

var tierBonus = [tier.Count]float64{
	tier.Transient: 500,
	tier.Staging:   300,
	tier.Archive:   0,
}

// Record is the access bookkeeping of one key.
type Record struct {
	Count      int64
	LastAccess time.Time
}

// MemoryPressure is the outcome of a pressure check.
type MemoryPressure struct {
	UsedRatio          float64
	UnderPressure      bool
	SuggestedEvictions int
}

// DeleteFunc removes an evicted entry from its owner.
type DeleteFunc func(ctx context.Context, key string) error

// EvictOptions parameterizes Evict. Count <= 0 uses the suggested count.
type EvictOptions struct {
	Count  int
	Reason string
	Delete DeleteFunc
}

// EvictionResult summarizes an eviction round.
type EvictionResult struct {
	Evicted     int
	EvictedKeys []string
	Pressure    MemoryPressure
	Errors      []error
}

// Err joins the per-key errors.
func (r EvictionResult) Err() error { return errors.Join(r.Errors...) }

// HotKey names the most accessed key.
type HotKey struct {
	Key   string
	Count int64
}

// Stats summarizes the manager.
type Stats struct {
	Policy        policy.LRUPolicy
	UsedEntries   int
	TotalCapacity int
	TotalRecords  int
	TotalAccesses int64
	AverageWeight float64
	Hottest       *HotKey
	Pressure      MemoryPressure
}

// Manager tracks access records. Safe for concurrent use.
type Manager struct {
	mu      sync.RWMutex
	p       policy.LRUPolicy
	records map[string]*Record
	used    int
	total   int

	clock tier.Clock
	hooks *hook.Manager
	log   *slog.Logger
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(c tier.Clock) Option { return func(m *Manager) { m.clock = c } }

// WithHooks routes OnEvict notifications to h.
func WithHooks(h *hook.Manager) Option { return func(m *Manager) { m.hooks = h } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.log = l } }

// New returns a Manager for p. Capacity starts at p.MaxEntries.
func New(p policy.LRUPolicy, opts ...Option) *Manager {
	m := &Manager{p: p, records: make(map[string]*Record), total: p.MaxEntries}
	for _, o := range opts {
		o(m)
	}
	m.clock = tier.OrSystem(m.clock)
	if m.log == nil {
		m.log = slog.New(slog.DiscardHandler)
	}
	return m
}

// Policy returns the active snapshot.
func (m *Manager) Policy() policy.LRUPolicy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.p
}

// SetPolicy replaces the snapshot and resets capacity to p.MaxEntries.
func (m *Manager) SetPolicy(p policy.LRUPolicy) {
	m.mu.Lock()
	m.p = p
	m.total = p.MaxEntries
	m.mu.Unlock()
}

// RecordAccess counts one access to key.
func (m *Manager) RecordAccess(key string) {
	now := m.clock.Now()
	m.mu.Lock()
	m.touch(key, now)
	m.mu.Unlock()
}

// BatchRecordAccess counts one access to each key.
func (m *Manager) BatchRecordAccess(keys []string) {
	now := m.clock.Now()
	m.mu.Lock()
	for _, k := range keys {
		m.touch(k, now)
	}
	m.mu.Unlock()
}

func (m *Manager) touch(key string, now time.Time) {
	r, ok := m.records[key]
	if !ok {
		r = &Record{}
		m.records[key] = r
	}
	r.Count++
	r.LastAccess = now
}

// AccessCount returns the recorded count for key, 0 if untracked.
func (m *Manager) AccessCount(key string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.records[key]; ok {
		return r.Count
	}
	return 0
}

// Record returns a copy of key's access record.
func (m *Manager) Record(key string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[key]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// Weight returns the time-decayed access weight of key.
func (m *Manager) Weight(key string) float64 {
	r, ok := m.Record(key)
	if !ok {
		return 0
	}
	return weight(r, m.clock.Now())
}

func weight(r Record, now time.Time) float64 {
	idle := now.Sub(r.LastAccess)
	decay := math.Max(decayFloor, 1-float64(idle)/float64(decayWindow))
	return float64(r.Count) * decay
}

// UpdateMemoryStats records current usage; total <= 0 keeps the capacity.
func (m *Manager) UpdateMemoryStats(used, total int) {
	m.mu.Lock()
	m.used = used
	if total > 0 {
		m.total = total
	}
	m.mu.Unlock()
}

// CheckMemoryPressure evaluates used against the capacity. A negative used
// falls back to the last value passed to UpdateMemoryStats.
func (m *Manager) CheckMemoryPressure(used int) MemoryPressure {
	m.mu.RLock()
	p, total := m.p, m.total
	if used < 0 {
		used = m.used
	}
	m.mu.RUnlock()
	return pressure(p, used, total)
}

func pressure(p policy.LRUPolicy, used, total int) MemoryPressure {
	var mp MemoryPressure
	if total > 0 {
		mp.UsedRatio = float64(used) / float64(total)
	}
	mp.UnderPressure = mp.UsedRatio >= p.MemoryPressureThreshold
	if !mp.UnderPressure {
		return mp
	}
	target := int(math.Floor(float64(total) * p.MemoryPressureThreshold * pressureTarget))
	n := max(int(math.Floor(float64(used)*p.EvictionRatio)), used-target)
	n = min(n, used-p.MinEntries)
	mp.SuggestedEvictions = max(0, n)
	return mp
}

// PriorityScore ranks e for eviction; lower is evicted first. It extends the
// migration score with a tier bonus and, when enabled, the access weight.
func (m *Manager) PriorityScore(e tier.Meta) float64 {
	now := m.clock.Now()
	m.mu.RLock()
	weighted := m.p.UseWeightedAccess
	r, tracked := m.records[e.Key]
	var rec Record
	if tracked {
		rec = *r
	}
	m.mu.RUnlock()
	return score(e, rec, tracked, weighted, now)
}

func score(e tier.Meta, rec Record, tracked, weighted bool, now time.Time) float64 {
	if tracked {
		e.AccessCount = rec.Count
	}
	s := migration.PriorityScore(e, now)
	if e.Tier.Valid() {
		s += tierBonus[e.Tier]
	}
	if weighted && tracked {
		s += weight(rec, now) * weightBonus
	}
	return s
}

// SelectForEviction returns up to count entries, lowest score first.
func (m *Manager) SelectForEviction(entries []tier.Meta, count int) []tier.Meta {
	if count <= 0 || len(entries) == 0 {
		return nil
	}
	now := m.clock.Now()

	type candidate struct {
		e tier.Meta
		s float64
	}
	cands := make([]candidate, len(entries))
	m.mu.RLock()
	weighted := m.p.UseWeightedAccess
	for i, e := range entries {
		var rec Record
		r, ok := m.records[e.Key]
		if ok {
			rec = *r
		}
		cands[i] = candidate{e: e, s: score(e, rec, ok, weighted, now)}
	}
	m.mu.RUnlock()

	slices.SortStableFunc(cands, func(a, b candidate) int {
		switch {
		case a.s < b.s:
			return -1
		case a.s > b.s:
			return 1
		}
		return 0
	})
	out := make([]tier.Meta, min(count, len(cands)))
	for i := range out {
		out[i] = cands[i].e
	}
	return out
}

// Evict removes the lowest-scored entries among entries. Each success drops
// the access record and fires OnEvict; failures are collected per key.
func (m *Manager) Evict(ctx context.Context, entries []tier.Meta, opt EvictOptions) EvictionResult {
	res := EvictionResult{Pressure: m.CheckMemoryPressure(len(entries))}
	count := opt.Count
	if count <= 0 {
		count = res.Pressure.SuggestedEvictions
	}
	if count <= 0 {
		return res
	}
	reason := opt.Reason
	if reason == "" {
		reason = "lru"
	}

	for _, e := range m.SelectForEviction(entries, count) {
		if ctx.Err() != nil {
			res.Errors = append(res.Errors, ctx.Err())
			break
		}
		if opt.Delete != nil {
			if err := opt.Delete(ctx, e.Key); err != nil {
				res.Errors = append(res.Errors, &tier.KeyError{Key: e.Key, Op: "evict", Err: err})
				m.log.Warn("lru.evict_failed", "key", e.Key, "err", err)
				continue
			}
		}
		m.mu.Lock()
		delete(m.records, e.Key)
		m.mu.Unlock()
		res.Evicted++
		res.EvictedKeys = append(res.EvictedKeys, e.Key)
		m.emitEvict(ctx, e, reason)
	}

	m.mu.Lock()
	m.used = max(0, m.used-res.Evicted)
	m.mu.Unlock()
	if res.Evicted > 0 {
		m.log.Debug("lru.evict", "evicted", res.Evicted, "reason", reason, "used_ratio", res.Pressure.UsedRatio)
	}
	return res
}

func (m *Manager) emitEvict(ctx context.Context, e tier.Meta, reason string) {
	if m.hooks == nil {
		return
	}
	m.hooks.Emit(ctx, hook.OnEvict, hook.EvictContext{
		Context: hook.Context{Key: e.Key, Tier: e.Tier, Timestamp: m.clock.Now()},
		Reason:  reason,
	})
}

// Forget drops key's access record.
func (m *Manager) Forget(key string) {
	m.mu.Lock()
	delete(m.records, key)
	m.mu.Unlock()
}

// CleanupRecords drops records idle for longer than maxAge and returns how
// many were removed.
func (m *Manager) CleanupRecords(maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = DefaultRecordMaxAge
	}
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, r := range m.records {
		if now.Sub(r.LastAccess) > maxAge {
			delete(m.records, k)
			n++
		}
	}
	return n
}

// Reset drops every access record.
func (m *Manager) Reset() {
	m.mu.Lock()
	clear(m.records)
	m.mu.Unlock()
}

// Stats returns a snapshot of the manager.
func (m *Manager) Stats() Stats {
	now := m.clock.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Stats{
		Policy:        m.p,
		UsedEntries:   m.used,
		TotalCapacity: m.total,
		TotalRecords:  len(m.records),
		Pressure:      pressure(m.p, m.used, m.total),
	}
	var sumW float64
	for k, r := range m.records {
		st.TotalAccesses += r.Count
		sumW += weight(*r, now)
		if st.Hottest == nil || r.Count > st.Hottest.Count ||
			(r.Count == st.Hottest.Count && k < st.Hottest.Key) {
			st.Hottest = &HotKey{Key: k, Count: r.Count}
		}
	}
	if st.TotalRecords > 0 {
		st.AverageWeight = sumW / float64(st.TotalRecords)
	}
	return st
}
