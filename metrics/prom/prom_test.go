package prom

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IvanBrykalov/tierstore/monitor"
	"github.com/IvanBrykalov/tierstore/tier"
)

// sample returns the value of the series name{labels...}; counters, gauges
// and histogram sample counts are supported.
func sample(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue next
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return 0
}

func TestAdapter_ExportsThroughMonitor(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	a := New(reg, "tsa", "test", nil)
	m := monitor.New(nil, a)

	m.RecordRead(tier.Transient, true, time.Millisecond)
	m.RecordRead(tier.Transient, false, time.Millisecond)
	m.RecordRead(tier.Staging, true, time.Millisecond)
	m.RecordWrite(tier.Archive, time.Millisecond)
	m.RecordEviction(tier.Archive)
	m.UpdateSize(tier.Staging, 7)

	assert.Equal(t, 1.0, sample(t, reg, "tsa_test_reads_total", map[string]string{"tier": "transient", "result": "hit"}))
	assert.Equal(t, 1.0, sample(t, reg, "tsa_test_reads_total", map[string]string{"tier": "transient", "result": "miss"}))
	assert.Equal(t, 1.0, sample(t, reg, "tsa_test_writes_total", map[string]string{"tier": "archive"}))
	assert.Equal(t, 1.0, sample(t, reg, "tsa_test_evictions_total", map[string]string{"tier": "archive"}))
	assert.Equal(t, 7.0, sample(t, reg, "tsa_test_size_entries", map[string]string{"tier": "staging"}))
	assert.Equal(t, 2.0, sample(t, reg, "tsa_test_op_duration_seconds", map[string]string{"tier": "transient", "op": "read"}))
}

func TestNew_DuplicateRegistrationPanics(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	_ = New(reg, "tsa", "dup", nil)
	assert.Panics(t, func() { _ = New(reg, "tsa", "dup", nil) })
}
