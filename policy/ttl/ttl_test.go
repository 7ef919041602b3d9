package ttl

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IvanBrykalov/tierstore/hook"
	"github.com/IvanBrykalov/tierstore/policy"
	"github.com/IvanBrykalov/tierstore/tier"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func TestTTL_Priority(t *testing.T) {
	t.Parallel()
	p := policy.DefaultTTLPolicy()
	delete(p.TierTTL, tier.Staging)
	m := New(p)

	assert.Equal(t, 5*time.Minute, m.TTL("a", tier.Transient), "tier policy")
	assert.Equal(t, time.Hour, m.TTL("a", tier.Staging), "falls back to default")
	assert.Equal(t, policy.NoExpiry, m.TTL("a", tier.Archive))

	require.NoError(t, m.SetTTL("a", 42*time.Second))
	assert.Equal(t, 42*time.Second, m.TTL("a", tier.Archive), "override wins")
	assert.True(t, m.ClearTTL("a"))
	assert.False(t, m.ClearTTL("a"))
}

func TestSetTTL_Validation(t *testing.T) {
	t.Parallel()
	m := New(policy.DefaultTTLPolicy())

	assert.ErrorIs(t, m.SetTTL("k", -2*time.Second), ErrInvalidTTL)
	assert.NoError(t, m.SetTTL("k", policy.NoExpiry))
	assert.NoError(t, m.SetTTL("k", 0))

	ok, failed := m.BatchSetTTL(map[string]time.Duration{"b": time.Second, "a": time.Minute, "bad": -time.Hour})
	assert.Equal(t, []string{"a", "b"}, ok)
	assert.Equal(t, []string{"bad"}, failed)
	assert.Equal(t, 3, m.Stats().CustomTTLCount)
	assert.Equal(t, 3, m.ClearAll())
}

func TestIsExpired_100ms(t *testing.T) {
	t.Parallel()
	clk := newClock()
	m := New(policy.DefaultTTLPolicy(), WithClock(clk))

	e := tier.Meta{Key: "k", Tier: tier.Transient, Timestamp: clk.Now()}
	require.NoError(t, m.SetTTL("k", 100*time.Millisecond))
	d := m.TTL("k", e.Tier)

	clk.Advance(50 * time.Millisecond)
	assert.False(t, m.IsExpired(e, d))
	rem, ok := m.Remaining(e)
	assert.True(t, ok)
	assert.Equal(t, 50*time.Millisecond, rem)

	clk.Advance(100 * time.Millisecond)
	assert.True(t, m.IsExpired(e, d))
	rem, _ = m.Remaining(e)
	assert.Zero(t, rem)

	at, ok := m.Expiration(e, d)
	assert.True(t, ok)
	assert.Equal(t, e.Timestamp.Add(100*time.Millisecond), at)

	_, ok = m.Expiration(e, policy.NoExpiry)
	assert.False(t, ok)
	assert.False(t, m.IsExpired(e, policy.NoExpiry))
}

func TestDynamicTTL(t *testing.T) {
	t.Parallel()
	p := policy.DefaultTTLPolicy()
	p.EnableDynamicTTL = true
	p.DynamicFactor = 0.5
	m := New(p)

	// 10 accesses: min(10m, 1h/2) * 0.5 = 5m on top of 1h.
	e := tier.Meta{Key: "k", Tier: tier.Staging, AccessCount: 10}
	assert.Equal(t, 65*time.Minute, m.DynamicTTL(e))

	// bonus is capped at half the base.
	e.AccessCount = 1000
	assert.Equal(t, 75*time.Minute, m.DynamicTTL(e))

	e.Tier = tier.Archive
	assert.Equal(t, policy.NoExpiry, m.DynamicTTL(e), "never stays never")

	p.EnableDynamicTTL = false
	m.SetPolicy(p)
	e.Tier = tier.Staging
	assert.Equal(t, time.Hour, m.DynamicTTL(e))
}

func TestScanExpired(t *testing.T) {
	t.Parallel()
	clk := newClock()
	hooks := hook.New(policy.DefaultHookConfig())
	var expired []hook.ExpireContext
	var mu sync.Mutex
	_, err := hooks.OnExpireFunc(func(_ context.Context, c hook.ExpireContext) error {
		mu.Lock()
		expired = append(expired, c)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	m := New(policy.DefaultTTLPolicy(), WithClock(clk), WithHooks(hooks))
	start := clk.Now()
	entries := []tier.Meta{
		{Key: "old", Tier: tier.Transient, Timestamp: start.Add(-10 * time.Minute)},
		{Key: "fresh", Tier: tier.Transient, Timestamp: start},
		{Key: "broken", Tier: tier.Transient, Timestamp: start.Add(-10 * time.Minute)},
		{Key: "forever", Tier: tier.Archive, Timestamp: start.Add(-1000 * time.Hour)},
	}

	var deleted []string
	del := func(_ context.Context, key string) error {
		if key == "broken" {
			return errors.New("disk on fire")
		}
		deleted = append(deleted, key)
		return nil
	}

	res := m.ScanExpired(context.Background(), entries, 0, del)
	assert.Equal(t, 4, res.Scanned)
	assert.Equal(t, []string{"old", "broken"}, res.Expired)
	assert.Equal(t, 1, res.Cleaned)
	assert.Equal(t, []string{"old"}, deleted)
	require.Len(t, res.Errors, 1)
	var ke *tier.KeyError
	require.ErrorAs(t, res.Err(), &ke)
	assert.Equal(t, "broken", ke.Key)

	require.Len(t, expired, 1)
	assert.Equal(t, "old", expired[0].Key)
	assert.Equal(t, 5*time.Minute, expired[0].TTL)
}

func TestScanExpired_MaxScanAndReportOnly(t *testing.T) {
	t.Parallel()
	clk := newClock()
	m := New(policy.DefaultTTLPolicy(), WithClock(clk))
	old := clk.Now().Add(-time.Hour)
	entries := []tier.Meta{
		{Key: "a", Tier: tier.Transient, Timestamp: old},
		{Key: "b", Tier: tier.Transient, Timestamp: old},
		{Key: "c", Tier: tier.Transient, Timestamp: old},
	}

	res := m.ScanExpired(context.Background(), entries, 2, nil)
	assert.Equal(t, 2, res.Scanned)
	assert.Equal(t, []string{"a", "b"}, res.Expired)
	assert.Zero(t, res.Cleaned)
	assert.NoError(t, res.Err())
}
