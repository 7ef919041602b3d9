// Package hook dispatches lifecycle notifications to registered observers.
//
// Observers never fail the operation that triggered them: every execution is
// reported back as a Result, including failures, panics and timeouts.
//
// Timeouts are best-effort. A hook that overruns is marked failed and its
// context is cancelled, but Go cannot preempt a goroutine, so a hook that
// ignores its context keeps running in the background until it returns.
package hook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/tierstore/policy"
	"github.com/IvanBrykalov/tierstore/tier"
)

// Type is a hook category.
type Type uint8

const (
	OnPersist Type = iota
	OnRestore
	OnEvict
	OnError
	OnExpire
	OnAccess
	OnMigrate

	numTypes
)

// Types lists every hook category.
var Types = []Type{OnPersist, OnRestore, OnEvict, OnError, OnExpire, OnAccess, OnMigrate}

var typeNames = [numTypes]string{"onPersist", "onRestore", "onEvict", "onError", "onExpire", "onAccess", "onMigrate"}

func (t Type) String() string {
	if t >= numTypes {
		return fmt.Sprintf("hook(%d)", uint8(t))
	}
	return typeNames[t]
}

// Valid reports whether t is a known category.
func (t Type) Valid() bool { return t < numTypes }

var (
	ErrUnknownType = errors.New("hook: unknown hook type")
	ErrNilFunc     = errors.New("hook: nil hook func")
	ErrTimeout     = errors.New("hook: timed out")
	ErrPanic       = errors.New("hook: panicked")
)

// Func receives the event payload: one of the *Context types below.
type Func func(ctx context.Context, payload any) error

// Result records one hook execution.
type Result struct {
	Type     Type
	ID       uuid.UUID
	Success  bool
	Duration time.Duration
	Err      error
}

// Err joins the errors of all failed results, or returns nil.
func Err(results []Result) error {
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", r.Type, r.ID, r.Err))
		}
	}
	return errors.Join(errs...)
}

type registration struct {
	id uuid.UUID
	fn Func
}

// Manager holds the registered hooks. Safe for concurrent use.
type Manager struct {
	mu    sync.RWMutex
	hooks [numTypes][]registration
	cfg   policy.HookConfig
	log   *slog.Logger
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the logger used for hook failures.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.log = l } }

// New returns a Manager. A zero Timeout falls back to the default.
func New(cfg policy.HookConfig, opts ...Option) *Manager {
	m := &Manager{cfg: normalize(cfg)}
	for _, o := range opts {
		o(m)
	}
	if m.log == nil {
		m.log = slog.New(slog.DiscardHandler)
	}
	return m
}

func normalize(cfg policy.HookConfig) policy.HookConfig {
	if cfg.Timeout <= 0 {
		cfg.Timeout = policy.DefaultHookConfig().Timeout
	}
	return cfg
}

// Register adds fn under t and returns a func that removes it again.
// Calling the returned func more than once is a no-op.
func (m *Manager) Register(t Type, fn Func) (func(), error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, uint8(t))
	}
	if fn == nil {
		return nil, ErrNilFunc
	}
	id := uuid.New()
	m.mu.Lock()
	m.hooks[t] = append(m.hooks[t], registration{id: id, fn: fn})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.hooks[t] = slices.DeleteFunc(m.hooks[t], func(r registration) bool { return r.id == id })
		})
	}, nil
}

// RegisterAll registers every entry of fns and returns one func removing all
// of them. On error nothing stays registered.
func (m *Manager) RegisterAll(fns map[Type]Func) (func(), error) {
	var undo []func()
	unregister := func() {
		for _, u := range undo {
			u()
		}
	}
	for t, fn := range fns {
		u, err := m.Register(t, fn)
		if err != nil {
			unregister()
			return nil, err
		}
		undo = append(undo, u)
	}
	return unregister, nil
}

// Has reports whether any hook is registered under t.
func (m *Manager) Has(t Type) bool { return m.Count(t) > 0 }

// Count returns the number of hooks registered under t.
func (m *Manager) Count(t Type) int {
	if !t.Valid() {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.hooks[t])
}

// ClearType removes every hook registered under t.
func (m *Manager) ClearType(t Type) {
	if !t.Valid() {
		return
	}
	m.mu.Lock()
	m.hooks[t] = nil
	m.mu.Unlock()
}

// Clear removes all hooks.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.hooks = [numTypes][]registration{}
	m.mu.Unlock()
}

// Config returns the active dispatch configuration.
func (m *Manager) Config() policy.HookConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// SetConfig replaces the dispatch configuration for subsequent emits.
func (m *Manager) SetConfig(cfg policy.HookConfig) {
	m.mu.Lock()
	m.cfg = normalize(cfg)
	m.mu.Unlock()
}

// Emit runs every hook registered under t and returns one Result per hook
// that was started. Serial mode with ContinueOnError=false stops at the first
// failure; parallel mode always runs all hooks.
func (m *Manager) Emit(ctx context.Context, t Type, payload any) []Result {
	if !t.Valid() {
		return nil
	}
	m.mu.RLock()
	hs := slices.Clone(m.hooks[t])
	cfg := m.cfg
	m.mu.RUnlock()
	if len(hs) == 0 {
		return nil
	}

	if cfg.Parallel {
		results := make([]Result, len(hs))
		var g errgroup.Group
		for i, h := range hs {
			g.Go(func() error {
				results[i] = m.run(ctx, t, h, payload, cfg.Timeout)
				return nil
			})
		}
		_ = g.Wait()
		return results
	}

	results := make([]Result, 0, len(hs))
	for _, h := range hs {
		r := m.run(ctx, t, h, payload, cfg.Timeout)
		results = append(results, r)
		if !r.Success && !cfg.ContinueOnError {
			break
		}
	}
	return results
}

func (m *Manager) run(ctx context.Context, t Type, h registration, payload any, timeout time.Duration) Result {
	start := time.Now()
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("%w: %v", ErrPanic, p)
			}
		}()
		done <- h.fn(hctx, payload)
	}()

	var err error
	select {
	case err = <-done:
	case <-hctx.Done():
		if errors.Is(hctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w after %s", ErrTimeout, timeout)
		} else {
			err = hctx.Err()
		}
	}

	r := Result{Type: t, ID: h.id, Success: err == nil, Duration: time.Since(start), Err: err}
	if err != nil {
		m.log.Warn("hook.failed", "type", t.String(), "id", h.id, "err", err, "duration", r.Duration)
	}
	return r
}

// Context is the part shared by every payload.
type Context struct {
	Key       string
	Tier      tier.Tier
	Timestamp time.Time
	Metadata  map[string]any
}

// PersistContext is passed to OnPersist hooks.
type PersistContext struct {
	Context
	Value      any
	TargetTier tier.Tier
}

// RestoreContext is passed to OnRestore hooks.
type RestoreContext struct {
	Context
	Value      any
	SourceTier tier.Tier
}

// EvictContext is passed to OnEvict hooks.
type EvictContext struct {
	Context
	Reason string
	Value  any
}

// ErrorContext is passed to OnError hooks.
type ErrorContext struct {
	Context
	Err       error
	Operation string
}

// ExpireContext is passed to OnExpire hooks.
type ExpireContext struct {
	Context
	ExpiredAt time.Time
	TTL       time.Duration
}

// AccessContext is passed to OnAccess hooks.
type AccessContext struct {
	Context
	AccessCount  int64
	LastAccessed time.Time
}

// MigrateContext is passed to OnMigrate hooks.
type MigrateContext struct {
	Context
	From, To tier.Tier
	Value    any
}
