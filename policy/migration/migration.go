// Package migration decides when entries move between tiers.
//
// Decisions are pure functions of an entry's metadata, the current tier
// occupancy and the active MigrationPolicy. Nothing here performs I/O.
package migration

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/IvanBrykalov/tierstore/policy"
	"github.com/IvanBrykalov/tierstore/tier"
)

// Promotion thresholds.
const (
	archivePromoteAccesses = 5
	stagingPromoteAccesses = 10
	stagingPromoteIdle     = 60 * time.Second
)

// ErrInvalidMigrationPath is matched by every *InvalidPathError.
var ErrInvalidMigrationPath = errors.New("migration: invalid migration path")

// InvalidPathError reports a transition that is not a single adjacent step.
type InvalidPathError struct {
	From, To tier.Tier
}

func (e *InvalidPathError) Error() string {
	return fmt.Sprintf("migration: invalid migration path %s -> %s", e.From, e.To)
}

// Is makes errors.Is(err, ErrInvalidMigrationPath) hold.
func (e *InvalidPathError) Is(target error) bool { return target == ErrInvalidMigrationPath }

// Result is the outcome of a single migration request.
type Result struct {
	Key      string
	From, To tier.Tier
	// Err is nil on success, *InvalidPathError for non-adjacent edges.
	Err error
}

// OK reports whether the migration was accepted.
func (r Result) OK() bool { return r.Err == nil }

// Migrator evaluates a MigrationPolicy. Safe for concurrent use.
type Migrator struct {
	mu      sync.RWMutex
	p       policy.MigrationPolicy
	promote bool
	demote  bool
	clock   tier.Clock
}

// Option customizes a Migrator.
type Option func(*Migrator)

// WithClock overrides the time source.
func WithClock(c tier.Clock) Option { return func(m *Migrator) { m.clock = c } }

// WithPromotion toggles promotion decisions (on by default).
func WithPromotion(on bool) Option { return func(m *Migrator) { m.promote = on } }

// WithDemotion toggles demotion decisions (on by default).
func WithDemotion(on bool) Option { return func(m *Migrator) { m.demote = on } }

// New returns a Migrator for p.
func New(p policy.MigrationPolicy, opts ...Option) *Migrator {
	m := &Migrator{p: p, promote: true, demote: true}
	for _, o := range opts {
		o(m)
	}
	m.clock = tier.OrSystem(m.clock)
	return m
}

// Policy returns the active snapshot.
func (m *Migrator) Policy() policy.MigrationPolicy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.p
}

// SetPolicy replaces the active snapshot.
func (m *Migrator) SetPolicy(p policy.MigrationPolicy) {
	m.mu.Lock()
	m.p = p
	m.mu.Unlock()
}

// Clock returns the Migrator's time source.
func (m *Migrator) Clock() tier.Clock { return m.clock }

// ShouldPromote reports whether e should move one tier hotter given the
// current occupancy of the target tier.
func (m *Migrator) ShouldPromote(e tier.Meta, targetTierSize int) bool {
	m.mu.RLock()
	p, on := m.p, m.promote
	m.mu.RUnlock()
	if !on {
		return false
	}
	switch e.Tier {
	case tier.Archive:
		return e.AccessCount > archivePromoteAccesses && targetTierSize < p.StagingMaxSize
	case tier.Staging:
		return e.AccessCount > stagingPromoteAccesses &&
			e.Inactive(m.clock.Now()) < stagingPromoteIdle &&
			targetTierSize < p.TransientMaxSize
	}
	return false
}

// ShouldDemote reports whether e should move one tier colder given the
// current occupancy of its own tier.
func (m *Migrator) ShouldDemote(e tier.Meta, ownTierSize int) bool {
	m.mu.RLock()
	p, on := m.p, m.demote
	m.mu.RUnlock()
	if !on {
		return false
	}
	idle := e.Inactive(m.clock.Now())
	switch e.Tier {
	case tier.Transient:
		return idle > p.TransientTTL || ownTierSize > p.TransientMaxSize
	case tier.Staging:
		return idle > p.StagingTTL || ownTierSize > p.StagingMaxSize
	}
	return false
}

// IsExpired compares the entry age against its tier TTL. A non-positive
// TTL never expires.
func (m *Migrator) IsExpired(e tier.Meta) bool {
	ttl := m.Policy().TierTTL(e.Tier)
	if ttl <= 0 {
		return false
	}
	return e.Age(m.clock.Now()) > ttl
}

// PromotionTier returns the next hotter tier, or false at the top.
func (m *Migrator) PromotionTier(t tier.Tier) (tier.Tier, bool) { return t.Hotter() }

// DemotionTier returns the next colder tier, or false at the bottom.
func (m *Migrator) DemotionTier(t tier.Tier) (tier.Tier, bool) { return t.Colder() }

// PriorityScore ranks e; higher means more valuable. Frequently, recently
// created and recently accessed entries score highest.
func PriorityScore(e tier.Meta, now time.Time) float64 {
	score := float64(e.AccessCount) * 100
	score += max(0, 10000-float64(e.Age(now).Milliseconds())/1000)
	score += max(0, 10000-float64(e.Inactive(now).Milliseconds())/1000)
	return score
}

// PriorityScore is the method form using the Migrator's clock.
func (m *Migrator) PriorityScore(e tier.Meta) float64 { return PriorityScore(e, m.clock.Now()) }

// SelectForEviction returns up to count entries with the lowest score first.
func (m *Migrator) SelectForEviction(entries []tier.Meta, count int) []tier.Meta {
	if count <= 0 || len(entries) == 0 {
		return nil
	}
	now := m.clock.Now()
	type scored struct {
		m tier.Meta
		s float64
	}
	buf := make([]scored, len(entries))
	for i, e := range entries {
		buf[i] = scored{e, PriorityScore(e, now)}
	}
	slices.SortStableFunc(buf, func(a, b scored) int {
		switch {
		case a.s < b.s:
			return -1
		case a.s > b.s:
			return 1
		}
		return 0
	})
	n := min(count, len(buf))
	out := make([]tier.Meta, n)
	for i := range out {
		out[i] = buf[i].m
	}
	return out
}

// Migrate validates a transition. It never panics and never returns a
// separate error; failures are reported in Result.Err.
func (m *Migrator) Migrate(key string, from, to tier.Tier) Result {
	r := Result{Key: key, From: from, To: to}
	if !tier.Adjacent(from, to) {
		r.Err = &InvalidPathError{From: from, To: to}
	}
	return r
}
