// Package prom exports monitor observations as Prometheus metrics.
package prom

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/IvanBrykalov/tierstore/monitor"
	"github.com/IvanBrykalov/tierstore/tier"
)

// Adapter implements monitor.Recorder and exports Prometheus counters,
// gauges and a latency histogram, all labelled by tier.
// Safe for concurrent use; all Prometheus metric types are goroutine-safe.
type Adapter struct {
	reads   *prometheus.CounterVec
	writes  *prometheus.CounterVec
	evicts  *prometheus.CounterVec
	size    *prometheus.GaugeVec
	latency *prometheus.HistogramVec
}

// New constructs a Prometheus adapter.
//   - reg:          registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &Adapter{
		reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "reads_total",
			Help:        "Tier reads by result (hit/miss)",
			ConstLabels: constLabels,
		}, []string{"tier", "result"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "writes_total",
			Help:        "Tier writes",
			ConstLabels: constLabels,
		}, []string{"tier"}),
		evicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "evictions_total",
			Help:        "Entries removed by expiry or eviction",
			ConstLabels: constLabels,
		}, []string{"tier"}),
		size: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "size_entries",
			Help:        "Number of resident entries",
			ConstLabels: constLabels,
		}, []string{"tier"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "op_duration_seconds",
			Help:        "Read/write latency",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(0.00001, 4, 10),
		}, []string{"tier", "op"}),
	}
	reg.MustRegister(a.reads, a.writes, a.evicts, a.size, a.latency)
	return a
}

// RecordRead counts a read and observes its latency.
func (a *Adapter) RecordRead(t tier.Tier, hit bool, d time.Duration) {
	a.reads.WithLabelValues(t.String(), result(hit)).Inc()
	a.latency.WithLabelValues(t.String(), "read").Observe(d.Seconds())
}

// RecordWrite counts a write and observes its latency.
func (a *Adapter) RecordWrite(t tier.Tier, d time.Duration) {
	a.writes.WithLabelValues(t.String()).Inc()
	a.latency.WithLabelValues(t.String(), "write").Observe(d.Seconds())
}

// RecordEviction increments the eviction counter of t.
func (a *Adapter) RecordEviction(t tier.Tier) { a.evicts.WithLabelValues(t.String()).Inc() }

// UpdateSize sets the occupancy gauge of t.
func (a *Adapter) UpdateSize(t tier.Tier, n int) { a.size.WithLabelValues(t.String()).Set(float64(n)) }

func result(hit bool) string {
	if hit {
		return "hit"
	}
	return "miss"
}

// Compile-time check: ensure Adapter implements monitor.Recorder.
var _ monitor.Recorder = (*Adapter)(nil)
