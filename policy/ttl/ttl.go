// Package ttl resolves entry lifetimes and sweeps expired entries.
//
// The effective TTL of a key is, in priority order: an explicit per-key
// override, the per-tier policy value, the policy default. policy.NoExpiry
// (any negative duration) means the entry never expires.
package ttl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/IvanBrykalov/tierstore/hook"
	"github.com/IvanBrykalov/tierstore/policy"
	"github.com/IvanBrykalov/tierstore/tier"
)

// ErrInvalidTTL is returned for negative TTLs other than policy.NoExpiry.
var ErrInvalidTTL = errors.New("ttl: must be >= 0 or NoExpiry")

// accessBonusStep is the lifetime bonus granted per recorded access.
const accessBonusStep = time.Minute

// DeleteFunc removes an expired entry from its owner.
type DeleteFunc func(ctx context.Context, key string) error

// ScanResult summarizes a sweep. Errors holds one *tier.KeyError per failed
// delete; the sweep never stops early because of them.
type ScanResult struct {
	Scanned int
	Expired []string
	Cleaned int
	Errors  []error
}

// Err joins the per-key errors.
func (r ScanResult) Err() error { return errors.Join(r.Errors...) }

// Stats describes the manager's state.
type Stats struct {
	CustomTTLCount   int
	DefaultTTL       time.Duration
	TierTTL          map[tier.Tier]time.Duration
	DynamicTTLEnable bool
}

// Manager tracks TTL overrides. Safe for concurrent use.
type Manager struct {
	mu     sync.RWMutex
	p      policy.TTLPolicy
	custom map[string]time.Duration

	clock tier.Clock
	hooks *hook.Manager
	log   *slog.Logger
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(c tier.Clock) Option { return func(m *Manager) { m.clock = c } }

// WithHooks routes OnExpire notifications to h.
func WithHooks(h *hook.Manager) Option { return func(m *Manager) { m.hooks = h } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.log = l } }

// New returns a Manager for p.
func New(p policy.TTLPolicy, opts ...Option) *Manager {
	m := &Manager{p: p.Clone(), custom: make(map[string]time.Duration)}
	for _, o := range opts {
		o(m)
	}
	m.clock = tier.OrSystem(m.clock)
	if m.log == nil {
		m.log = slog.New(slog.DiscardHandler)
	}
	return m
}

// Policy returns a copy of the active snapshot.
func (m *Manager) Policy() policy.TTLPolicy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.p.Clone()
}

// SetPolicy replaces the active snapshot. Per-key overrides survive.
func (m *Manager) SetPolicy(p policy.TTLPolicy) {
	p = p.Clone()
	m.mu.Lock()
	m.p = p
	m.mu.Unlock()
}

// SetTTL installs a per-key override.
func (m *Manager) SetTTL(key string, d time.Duration) error {
	if d < 0 && d != policy.NoExpiry {
		return fmt.Errorf("%w: %s for %q", ErrInvalidTTL, d, key)
	}
	m.mu.Lock()
	m.custom[key] = d
	m.mu.Unlock()
	return nil
}

// BatchSetTTL applies every override it can. Both result slices are sorted.
func (m *Manager) BatchSetTTL(ttls map[string]time.Duration) (ok, failed []string) {
	for k, d := range ttls {
		if err := m.SetTTL(k, d); err != nil {
			failed = append(failed, k)
			continue
		}
		ok = append(ok, k)
	}
	slices.Sort(ok)
	slices.Sort(failed)
	return ok, failed
}

// ClearTTL removes a per-key override and reports whether one existed.
func (m *Manager) ClearTTL(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.custom[key]
	delete(m.custom, key)
	return ok
}

// ClearAll removes every override and returns how many there were.
func (m *Manager) ClearAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.custom)
	clear(m.custom)
	return n
}

// TTL returns the effective base TTL for key stored in t.
func (m *Manager) TTL(key string, t tier.Tier) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if d, ok := m.custom[key]; ok {
		return d
	}
	if d, ok := m.p.TierTTL[t]; ok {
		return d
	}
	return m.p.DefaultTTL
}

// DynamicTTL returns the base TTL of e extended by its access bonus when
// dynamic TTL is enabled: min(accesses*1m, base/2) * factor.
func (m *Manager) DynamicTTL(e tier.Meta) time.Duration {
	base := m.TTL(e.Key, e.Tier)
	m.mu.RLock()
	on, factor := m.p.EnableDynamicTTL, m.p.DynamicFactor
	m.mu.RUnlock()
	if !on || base < 0 {
		return base
	}
	bonus := min(time.Duration(e.AccessCount)*accessBonusStep, base/2)
	return base + time.Duration(float64(bonus)*factor)
}

// IsExpired reports whether e has outlived ttl. Negative TTLs never expire.
func (m *Manager) IsExpired(e tier.Meta, ttl time.Duration) bool {
	if ttl < 0 {
		return false
	}
	return e.Age(m.clock.Now()) > ttl
}

// Expiration returns the instant e expires under ttl; false means never.
func (m *Manager) Expiration(e tier.Meta, ttl time.Duration) (time.Time, bool) {
	if ttl < 0 {
		return time.Time{}, false
	}
	return e.Timestamp.Add(ttl), true
}

// Remaining returns the lifetime left for e under its effective base TTL,
// floored at zero; false means never.
func (m *Manager) Remaining(e tier.Meta) (time.Duration, bool) {
	ttl := m.TTL(e.Key, e.Tier)
	if ttl < 0 {
		return 0, false
	}
	return max(0, ttl-e.Age(m.clock.Now())), true
}

// ScanExpired walks at most maxScan entries (all when maxScan <= 0) and
// deletes those past their dynamic TTL through del. A nil del only reports.
// Each cleaned entry fires OnExpire and drops its per-key override.
func (m *Manager) ScanExpired(ctx context.Context, entries []tier.Meta, maxScan int, del DeleteFunc) ScanResult {
	var res ScanResult
	if maxScan > 0 && maxScan < len(entries) {
		entries = entries[:maxScan]
	}
	for _, e := range entries {
		if ctx.Err() != nil {
			res.Errors = append(res.Errors, ctx.Err())
			break
		}
		res.Scanned++
		d := m.DynamicTTL(e)
		if !m.IsExpired(e, d) {
			continue
		}
		res.Expired = append(res.Expired, e.Key)
		if del == nil {
			continue
		}
		if err := del(ctx, e.Key); err != nil {
			res.Errors = append(res.Errors, &tier.KeyError{Key: e.Key, Op: "expire", Err: err})
			m.log.Warn("ttl.delete_failed", "key", e.Key, "err", err)
			continue
		}
		res.Cleaned++
		m.ClearTTL(e.Key)
		m.emitExpire(ctx, e, d)
	}
	if res.Cleaned > 0 {
		m.log.Debug("ttl.scan", "scanned", res.Scanned, "expired", len(res.Expired), "cleaned", res.Cleaned)
	}
	return res
}

func (m *Manager) emitExpire(ctx context.Context, e tier.Meta, d time.Duration) {
	if m.hooks == nil {
		return
	}
	now := m.clock.Now()
	m.hooks.Emit(ctx, hook.OnExpire, hook.ExpireContext{
		Context:   hook.Context{Key: e.Key, Tier: e.Tier, Timestamp: now},
		ExpiredAt: now,
		TTL:       d,
	})
}

// Stats returns a snapshot of the manager's state.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p := m.p.Clone()
	return Stats{
		CustomTTLCount:   len(m.custom),
		DefaultTTL:       p.DefaultTTL,
		TierTTL:          p.TierTTL,
		DynamicTTLEnable: p.EnableDynamicTTL,
	}
}
