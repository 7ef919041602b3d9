// Package monitor counts per-tier hits, misses, latency and evictions.
package monitor

import (
	"sync"
	"time"

	"github.com/IvanBrykalov/tierstore/internal/util"
	"github.com/IvanBrykalov/tierstore/tier"
)

type tierStats struct {
	size      util.PaddedAtomicInt64
	hits      util.PaddedAtomicUint64
	misses    util.PaddedAtomicUint64
	evictions util.PaddedAtomicUint64
	ops       util.PaddedAtomicUint64
	latencyNS util.PaddedAtomicInt64
}

// TierMetrics is the per-tier part of a snapshot.
type TierMetrics struct {
	Size       int64         `json:"size"`
	Hits       uint64        `json:"hits"`
	Misses     uint64        `json:"misses"`
	HitRate    float64       `json:"hitRate"`
	Evictions  uint64        `json:"evictions"`
	AvgLatency time.Duration `json:"avgLatencyNs"`
}

// Overall aggregates every tier.
type Overall struct {
	Reads      uint64        `json:"reads"`
	Writes     uint64        `json:"writes"`
	HitRate    float64       `json:"hitRate"`
	AvgLatency time.Duration `json:"avgLatencyNs"`
}

// Metrics is a point-in-time snapshot.
type Metrics struct {
	Tiers   map[tier.Tier]TierMetrics `json:"tiers"`
	Overall Overall                   `json:"overall"`
	Uptime  time.Duration             `json:"uptimeNs"`
}

// Monitor implements Recorder with lock-free counters and forwards every
// observation to the configured exporters.
type Monitor struct {
	tiers  [tier.Count]tierStats
	reads  util.PaddedAtomicUint64
	writes util.PaddedAtomicUint64

	mu        sync.RWMutex
	start     time.Time
	exporters []Recorder
	clock     tier.Clock
}

// New returns a Monitor forwarding to exporters (nil entries are skipped).
func New(clock tier.Clock, exporters ...Recorder) *Monitor {
	m := &Monitor{clock: tier.OrSystem(clock)}
	for _, e := range exporters {
		if e != nil {
			m.exporters = append(m.exporters, e)
		}
	}
	m.start = m.clock.Now()
	return m
}

func (m *Monitor) stats(t tier.Tier) *tierStats {
	if !t.Valid() {
		return nil
	}
	return &m.tiers[t]
}

// RecordRead counts a read of t and its latency.
func (m *Monitor) RecordRead(t tier.Tier, hit bool, d time.Duration) {
	s := m.stats(t)
	if s == nil {
		return
	}
	if hit {
		s.hits.Add(1)
	} else {
		s.misses.Add(1)
	}
	s.ops.Add(1)
	s.latencyNS.Add(int64(d))
	m.reads.Add(1)
	for _, e := range m.exporters {
		e.RecordRead(t, hit, d)
	}
}

// RecordWrite counts a write to t and its latency.
func (m *Monitor) RecordWrite(t tier.Tier, d time.Duration) {
	s := m.stats(t)
	if s == nil {
		return
	}
	s.ops.Add(1)
	s.latencyNS.Add(int64(d))
	m.writes.Add(1)
	for _, e := range m.exporters {
		e.RecordWrite(t, d)
	}
}

// RecordEviction counts one entry removed from t.
func (m *Monitor) RecordEviction(t tier.Tier) {
	s := m.stats(t)
	if s == nil {
		return
	}
	s.evictions.Add(1)
	for _, e := range m.exporters {
		e.RecordEviction(t)
	}
}

// UpdateSize sets the occupancy of t.
func (m *Monitor) UpdateSize(t tier.Tier, n int) {
	s := m.stats(t)
	if s == nil {
		return
	}
	s.size.Store(int64(n))
	for _, e := range m.exporters {
		e.UpdateSize(t, n)
	}
}

// UpdateCounts sets the occupancy of every tier.
func (m *Monitor) UpdateCounts(c tier.Counts) {
	for _, t := range tier.All {
		m.UpdateSize(t, c[t])
	}
}

// Metrics returns a snapshot. Counters are read individually, so a snapshot
// taken under load may mix values from adjacent instants.
func (m *Monitor) Metrics() Metrics {
	out := Metrics{Tiers: make(map[tier.Tier]TierMetrics, tier.Count), Uptime: m.Uptime()}
	var hits, misses, ops uint64
	var lat int64
	for _, t := range tier.All {
		s := &m.tiers[t]
		tm := TierMetrics{
			Size:      s.size.Load(),
			Hits:      s.hits.Load(),
			Misses:    s.misses.Load(),
			Evictions: s.evictions.Load(),
		}
		tm.HitRate = ratio(tm.Hits, tm.Hits+tm.Misses)
		o, l := s.ops.Load(), s.latencyNS.Load()
		if o > 0 {
			tm.AvgLatency = time.Duration(l / int64(o))
		}
		out.Tiers[t] = tm
		hits += tm.Hits
		misses += tm.Misses
		ops += o
		lat += l
	}
	out.Overall = Overall{
		Reads:   m.reads.Load(),
		Writes:  m.writes.Load(),
		HitRate: ratio(hits, hits+misses),
	}
	if ops > 0 {
		out.Overall.AvgLatency = time.Duration(lat / int64(ops))
	}
	return out
}

func ratio(a, b uint64) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}

// Uptime returns the time since New or the last Reset.
func (m *Monitor) Uptime() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clock.Now().Sub(m.start)
}

// Reset zeroes every counter. Exporters are not reset.
func (m *Monitor) Reset() {
	for i := range m.tiers {
		s := &m.tiers[i]
		s.size.Store(0)
		s.hits.Store(0)
		s.misses.Store(0)
		s.evictions.Store(0)
		s.ops.Store(0)
		s.latencyNS.Store(0)
	}
	m.reads.Store(0)
	m.writes.Store(0)
	m.mu.Lock()
	m.start = m.clock.Now()
	m.mu.Unlock()
}

var _ Recorder = (*Monitor)(nil)
