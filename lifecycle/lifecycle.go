// Package lifecycle schedules expiry, eviction and tier migration over an
// entry index it does not own.
//
// The Manager runs two independent timers (cleanup and migration). Each timer
// re-arms only after its tick has finished, so ticks of the same kind never
// overlap. Decisions come from the ttl, lru and migration packages; they are
// applied through the caller's Accessor.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IvanBrykalov/tierstore/hook"
	"github.com/IvanBrykalov/tierstore/monitor"
	"github.com/IvanBrykalov/tierstore/policy"
	"github.com/IvanBrykalov/tierstore/policy/lru"
	"github.com/IvanBrykalov/tierstore/policy/migration"
	"github.com/IvanBrykalov/tierstore/policy/ttl"
	"github.com/IvanBrykalov/tierstore/tier"
)

// Config controls the scheduler. Zero intervals and limits are replaced by
// the defaults in New; the Enable flags are taken as given.
type Config struct {
	CleanupInterval     time.Duration `yaml:"cleanup_interval"`
	MigrationInterval   time.Duration `yaml:"migration_interval"`
	EnableAutoCleanup   bool          `yaml:"enable_auto_cleanup"`
	EnableAutoMigration bool          `yaml:"enable_auto_migration"`
	// EnableAutoEviction adds a memory-pressure LRU pass to every cleanup.
	EnableAutoEviction bool `yaml:"enable_auto_eviction"`
	MaxCleanupPerRun   int  `yaml:"max_cleanup_per_run"`
	MaxMigrationPerRun int  `yaml:"max_migration_per_run"`
	// MaxScanPerRun bounds the TTL sweep of a cleanup tick.
	MaxScanPerRun int `yaml:"max_scan_per_run"`
}

// DefaultConfig returns the stock scheduler configuration.
func DefaultConfig() Config {
	return Config{
		CleanupInterval:     60 * time.Second,
		MigrationInterval:   30 * time.Second,
		EnableAutoCleanup:   true,
		EnableAutoMigration: true,
		EnableAutoEviction:  true,
		MaxCleanupPerRun:    100,
		MaxMigrationPerRun:  50,
		MaxScanPerRun:       500,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = d.CleanupInterval
	}
	if c.MigrationInterval <= 0 {
		c.MigrationInterval = d.MigrationInterval
	}
	if c.MaxCleanupPerRun <= 0 {
		c.MaxCleanupPerRun = d.MaxCleanupPerRun
	}
	if c.MaxMigrationPerRun <= 0 {
		c.MaxMigrationPerRun = d.MaxMigrationPerRun
	}
	if c.MaxScanPerRun <= 0 {
		c.MaxScanPerRun = d.MaxScanPerRun
	}
	return c
}

// CleanupResult summarizes one cleanup tick.
type CleanupResult struct {
	Cleaned int
	Expired []string
	TTL     ttl.ScanResult
	// Eviction is nil when auto eviction is off.
	Eviction *lru.EvictionResult
	Errors   []error
}

// Err joins every error of the tick, including those of the TTL sweep and
// the eviction pass.
func (r CleanupResult) Err() error { return errors.Join(r.Errors...) }

// MigrationReport summarizes one migration tick.
type MigrationReport struct {
	Promoted     int
	Demoted      int
	PromotedKeys []string
	DemotedKeys  []string
	Errors       []error
}

// Err joins the per-entry errors.
func (r MigrationReport) Err() error { return errors.Join(r.Errors...) }

// Stats is a snapshot of the scheduler and its managers.
type Stats struct {
	Config        Config
	Running       bool
	CleanupRuns   uint64
	MigrationRuns uint64
	TTL           ttl.Stats
	LRU           lru.Stats
	Hooks         int
}

// Manager is the lifecycle scheduler. Safe for concurrent use.
type Manager struct {
	acc Accessor

	migrator *migration.Migrator
	ttl      *ttl.Manager
	lru      *lru.Manager
	hooks    *hook.Manager
	mon      monitor.Recorder
	clock    tier.Clock
	log      *slog.Logger

	mu      sync.Mutex
	cfg     Config
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	evMu     sync.RWMutex
	handlers map[EventType][]subscription

	cleanupRuns   atomic.Uint64
	migrationRuns atomic.Uint64
}

// Option customizes a Manager.
type Option func(*Manager)

// WithMigrator supplies the migration policy evaluator.
func WithMigrator(mg *migration.Migrator) Option { return func(m *Manager) { m.migrator = mg } }

// WithTTL supplies the TTL manager.
func WithTTL(t *ttl.Manager) Option { return func(m *Manager) { m.ttl = t } }

// WithLRU supplies the LRU manager.
func WithLRU(l *lru.Manager) Option { return func(m *Manager) { m.lru = l } }

// WithHooks supplies the hook manager.
func WithHooks(h *hook.Manager) Option { return func(m *Manager) { m.hooks = h } }

// WithMonitor routes eviction counts and tier sizes to r.
func WithMonitor(r monitor.Recorder) Option { return func(m *Manager) { m.mon = r } }

// WithClock overrides the time source of the default managers.
func WithClock(c tier.Clock) Option { return func(m *Manager) { m.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.log = l } }

// New returns a stopped Manager driving acc. Managers not supplied through
// options are built from the default policies and share one hook manager.
func New(acc Accessor, cfg Config, opts ...Option) *Manager {
	if acc == nil {
		panic("lifecycle: nil Accessor")
	}
	m := &Manager{
		acc:      acc,
		cfg:      cfg.withDefaults(),
		handlers: make(map[EventType][]subscription),
	}
	for _, o := range opts {
		o(m)
	}
	m.clock = tier.OrSystem(m.clock)
	if m.log == nil {
		m.log = slog.New(slog.DiscardHandler)
	}
	if m.hooks == nil {
		m.hooks = hook.New(policy.DefaultHookConfig(), hook.WithLogger(m.log))
	}
	if m.migrator == nil {
		m.migrator = migration.New(policy.DefaultMigrationPolicy(), migration.WithClock(m.clock))
	}
	if m.ttl == nil {
		m.ttl = ttl.New(policy.DefaultTTLPolicy(),
			ttl.WithClock(m.clock), ttl.WithHooks(m.hooks), ttl.WithLogger(m.log))
	}
	if m.lru == nil {
		m.lru = lru.New(policy.DefaultLRUPolicy(),
			lru.WithClock(m.clock), lru.WithHooks(m.hooks), lru.WithLogger(m.log))
	}
	m.mon = monitor.OrNoop(m.mon)
	return m
}

// Migrator returns the migration policy evaluator.
func (m *Manager) Migrator() *migration.Migrator { return m.migrator }

// TTL returns the TTL manager.
func (m *Manager) TTL() *ttl.Manager { return m.ttl }

// LRU returns the LRU manager.
func (m *Manager) LRU() *lru.Manager { return m.lru }

// Hooks returns the hook manager.
func (m *Manager) Hooks() *hook.Manager { return m.hooks }

// Config returns the active configuration.
func (m *Manager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Running reports whether the timers are armed.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Start arms the enabled timers. Calling Start on a running Manager is a
// no-op.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.running = true

	cfg := m.cfg
	if cfg.EnableAutoCleanup {
		m.wg.Add(1)
		go m.loop(ctx, "cleanup", cfg.CleanupInterval, func(ctx context.Context) {
			res := m.RunCleanup(ctx)
			if err := res.Err(); err != nil {
				m.log.Warn("lifecycle.cleanup", "cleaned", res.Cleaned, "err", err)
			}
		})
	}
	if cfg.EnableAutoMigration {
		m.wg.Add(1)
		go m.loop(ctx, "migration", cfg.MigrationInterval, func(ctx context.Context) {
			rep := m.RunMigration(ctx)
			if err := rep.Err(); err != nil {
				m.log.Warn("lifecycle.migration", "promoted", rep.Promoted, "demoted", rep.Demoted, "err", err)
			}
		})
	}
	m.log.Info("lifecycle.start", "cleanup", cfg.EnableAutoCleanup, "migration", cfg.EnableAutoMigration)
}

// loop runs tick every interval. The timer is re-armed only after tick
// returns. An in-flight tick runs to completion with a context detached from
// Stop.
func (m *Manager) loop(ctx context.Context, name string, interval time.Duration, tick func(context.Context)) {
	defer m.wg.Done()
	t := time.NewTimer(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if ctx.Err() != nil {
			return
		}
		m.runTick(context.WithoutCancel(ctx), name, tick)
		t.Reset(interval)
	}
}

func (m *Manager) runTick(ctx context.Context, name string, tick func(context.Context)) {
	defer func() {
		if p := recover(); p != nil {
			m.log.Error("lifecycle.tick_panic", "timer", name, "panic", p)
		}
	}()
	tick(ctx)
}

// Stop disarms both timers and waits for in-flight ticks. No tick starts
// after Stop returns.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
	m.log.Info("lifecycle.stop")
}

// UpdateConfig replaces the configuration, restarting the timers when they
// were running.
func (m *Manager) UpdateConfig(cfg Config) {
	was := m.Running()
	if was {
		m.Stop()
	}
	m.mu.Lock()
	m.cfg = cfg.withDefaults()
	m.mu.Unlock()
	if was {
		m.Start()
	}
}

// SetTTL installs a per-key TTL override.
func (m *Manager) SetTTL(key string, d time.Duration) error { return m.ttl.SetTTL(key, d) }

// RecordAccess feeds the LRU tracker and fires OnAccess.
func (m *Manager) RecordAccess(ctx context.Context, key string, t tier.Tier) {
	m.lru.RecordAccess(key)
	if !m.hooks.Has(hook.OnAccess) {
		return
	}
	rec, _ := m.lru.Record(key)
	now := m.clock.Now()
	m.hooks.Emit(ctx, hook.OnAccess, hook.AccessContext{
		Context:      hook.Context{Key: key, Tier: t, Timestamp: now},
		AccessCount:  rec.Count,
		LastAccessed: rec.LastAccess,
	})
}

// RunCleanup performs one cleanup pass: a bounded TTL sweep, then removal of
// entries past their tier TTL, then (if enabled) memory-pressure eviction.
// Per-entry failures are collected; the pass never stops early for them.
func (m *Manager) RunCleanup(ctx context.Context) CleanupResult {
	m.cleanupRuns.Add(1)
	cfg := m.Config()
	var res CleanupResult

	metas, err := m.acc.Entries(ctx)
	if err != nil {
		res.Errors = append(res.Errors, err)
		m.reportError(ctx, "", tier.Transient, "cleanup", err)
		return res
	}

	tiers := make(map[string]tier.Tier, len(metas))
	for _, e := range metas {
		tiers[e.Key] = e.Tier
	}
	removed := make(map[string]struct{})

	res.TTL = m.ttl.ScanExpired(ctx, metas, cfg.MaxScanPerRun, func(ctx context.Context, key string) error {
		if err := m.acc.Delete(ctx, key); err != nil {
			return err
		}
		t := tiers[key]
		removed[key] = struct{}{}
		m.lru.Forget(key)
		m.mon.RecordEviction(t)
		m.emit(Event{Type: EventExpire, Key: key, From: t})
		return nil
	})
	res.Cleaned += res.TTL.Cleaned
	res.Expired = append(res.Expired, res.TTL.Expired...)
	m.collect(ctx, &res.Errors, res.TTL.Errors, tiers, "expire")

	seen := make(map[string]struct{}, len(res.TTL.Expired))
	for _, k := range res.TTL.Expired {
		seen[k] = struct{}{}
	}
	cleaned := 0
	for _, e := range metas {
		if cleaned >= cfg.MaxCleanupPerRun {
			break
		}
		if _, ok := seen[e.Key]; ok {
			continue
		}
		if !m.migrator.IsExpired(e) {
			continue
		}
		if err := m.acc.Delete(ctx, e.Key); err != nil {
			kerr := &tier.KeyError{Key: e.Key, Op: "cleanup", Err: err}
			res.Errors = append(res.Errors, kerr)
			m.reportError(ctx, e.Key, e.Tier, "cleanup", err)
			continue
		}
		cleaned++
		removed[e.Key] = struct{}{}
		res.Expired = append(res.Expired, e.Key)
		m.lru.Forget(e.Key)
		m.ttl.ClearTTL(e.Key)
		m.mon.RecordEviction(e.Tier)
		m.emit(Event{Type: EventCleanup, Key: e.Key, From: e.Tier})
	}
	res.Cleaned += cleaned

	remaining := make([]tier.Meta, 0, len(metas)-len(removed))
	for _, e := range metas {
		if _, ok := removed[e.Key]; !ok {
			remaining = append(remaining, e)
		}
	}

	if cfg.EnableAutoEviction {
		m.lru.UpdateMemoryStats(len(remaining), 0)
		ev := m.lru.Evict(ctx, remaining, lru.EvictOptions{
			Reason: "memory_pressure",
			Delete: func(ctx context.Context, key string) error {
				if err := m.acc.Delete(ctx, key); err != nil {
					return err
				}
				t := tiers[key]
				removed[key] = struct{}{}
				m.ttl.ClearTTL(key)
				m.mon.RecordEviction(t)
				m.emit(Event{Type: EventLRUEvict, Key: key, From: t, Metadata: map[string]any{"reason": "memory_pressure"}})
				return nil
			},
		})
		res.Eviction = &ev
		m.collect(ctx, &res.Errors, ev.Errors, tiers, "evict")
		if ev.Evicted > 0 {
			kept := remaining[:0]
			for _, e := range remaining {
				if _, ok := removed[e.Key]; !ok {
					kept = append(kept, e)
				}
			}
			remaining = kept
		}
	}

	m.lru.CleanupRecords(0)
	m.updateSizes(tier.CountMetas(remaining))
	if res.Cleaned > 0 || len(res.Errors) > 0 {
		m.log.Debug("lifecycle.cleanup", "scanned", res.TTL.Scanned, "cleaned", res.Cleaned, "errors", len(res.Errors))
	}
	return res
}

// RunMigration performs one migration pass. Every entry is checked for
// promotion first; only entries not promoted are checked for demotion. At
// most MaxMigrationPerRun moves are applied.
func (m *Manager) RunMigration(ctx context.Context) MigrationReport {
	m.migrationRuns.Add(1)
	cfg := m.Config()
	var rep MigrationReport

	metas, err := m.acc.Entries(ctx)
	if err != nil {
		rep.Errors = append(rep.Errors, err)
		m.reportError(ctx, "", tier.Transient, "migration", err)
		return rep
	}
	sizes := tier.CountMetas(metas)

	for _, e := range metas {
		if rep.Promoted+rep.Demoted >= cfg.MaxMigrationPerRun {
			break
		}
		if ctx.Err() != nil {
			rep.Errors = append(rep.Errors, ctx.Err())
			break
		}
		if to, ok := m.migrator.PromotionTier(e.Tier); ok && m.migrator.ShouldPromote(e, sizes[to]) {
			if m.apply(ctx, e, to, "promote", &rep.Errors) {
				rep.Promoted++
				rep.PromotedKeys = append(rep.PromotedKeys, e.Key)
				sizes[e.Tier]--
				sizes[to]++
				m.emit(Event{Type: EventPromotion, Key: e.Key, From: e.Tier, To: to})
			}
			continue
		}
		if to, ok := m.migrator.DemotionTier(e.Tier); ok && m.migrator.ShouldDemote(e, sizes[e.Tier]) {
			if m.apply(ctx, e, to, "demote", &rep.Errors) {
				rep.Demoted++
				rep.DemotedKeys = append(rep.DemotedKeys, e.Key)
				sizes[e.Tier]--
				sizes[to]++
				m.emit(Event{Type: EventDemotion, Key: e.Key, From: e.Tier, To: to})
			}
		}
	}

	m.updateSizes(sizes)
	if rep.Promoted+rep.Demoted > 0 {
		m.log.Debug("lifecycle.migration", "promoted", rep.Promoted, "demoted", rep.Demoted, "errors", len(rep.Errors))
	}
	return rep
}

// apply validates and performs one move, firing OnMigrate on success.
func (m *Manager) apply(ctx context.Context, e tier.Meta, to tier.Tier, op string, errs *[]error) bool {
	r := m.migrator.Migrate(e.Key, e.Tier, to)
	err := r.Err
	if err == nil {
		err = m.acc.Migrate(ctx, e.Key, to)
	}
	if err != nil {
		*errs = append(*errs, &tier.KeyError{Key: e.Key, Op: op, Err: err})
		m.reportError(ctx, e.Key, e.Tier, op, err)
		return false
	}
	m.hooks.Emit(ctx, hook.OnMigrate, hook.MigrateContext{
		Context: hook.Context{Key: e.Key, Tier: to, Timestamp: m.clock.Now()},
		From:    e.Tier,
		To:      to,
	})
	return true
}

// collect appends batch errors to dst and reports the per-key ones.
func (m *Manager) collect(ctx context.Context, dst *[]error, errs []error, tiers map[string]tier.Tier, op string) {
	for _, err := range errs {
		*dst = append(*dst, err)
		var ke *tier.KeyError
		if errors.As(err, &ke) {
			m.reportError(ctx, ke.Key, tiers[ke.Key], op, ke.Err)
		}
	}
}

func (m *Manager) reportError(ctx context.Context, key string, t tier.Tier, op string, err error) {
	if !m.hooks.Has(hook.OnError) {
		return
	}
	m.hooks.Emit(ctx, hook.OnError, hook.ErrorContext{
		Context:   hook.Context{Key: key, Tier: t, Timestamp: m.clock.Now()},
		Err:       err,
		Operation: op,
	})
}

// updateSizes publishes tier occupancy. Live counts from the accessor win
// over the tick's snapshot, which may already be stale.
func (m *Manager) updateSizes(c tier.Counts) {
	if lc, ok := m.acc.(Counter); ok {
		c = lc.Counts()
	}
	for _, t := range tier.All {
		m.mon.UpdateSize(t, c[t])
	}
}

// Stats returns a snapshot of the scheduler.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	cfg, running := m.cfg, m.running
	m.mu.Unlock()
	n := 0
	for _, t := range hook.Types {
		n += m.hooks.Count(t)
	}
	return Stats{
		Config:        cfg,
		Running:       running,
		CleanupRuns:   m.cleanupRuns.Load(),
		MigrationRuns: m.migrationRuns.Load(),
		TTL:           m.ttl.Stats(),
		LRU:           m.lru.Stats(),
		Hooks:         n,
	}
}

// Close stops the timers and drops every subscription, hook, access record
// and TTL override.
func (m *Manager) Close() error {
	m.Stop()
	m.evMu.Lock()
	clear(m.handlers)
	m.evMu.Unlock()
	m.hooks.Clear()
	m.lru.Reset()
	m.ttl.ClearAll()
	return nil
}
