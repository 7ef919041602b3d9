// Package policy holds the immutable configuration snapshots consumed by the
// lifecycle components. A snapshot is a plain value: components copy it on
// SetPolicy and never mutate it afterwards, so replacing a policy at runtime
// is a single swap under the owner's lock.
package policy

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/IvanBrykalov/tierstore/tier"
)

// NoExpiry is the TTL sentinel for "never expires".
const NoExpiry time.Duration = -1

// MigrationPolicy bounds tier sizes and ages for promotion/demotion/expiry.
// ArchiveTTL <= 0 means archived entries never expire.
type MigrationPolicy struct {
	TransientMaxSize int           `yaml:"transient_max_size"`
	StagingMaxSize   int           `yaml:"staging_max_size"`
	TransientTTL     time.Duration `yaml:"transient_ttl"`
	StagingTTL       time.Duration `yaml:"staging_ttl"`
	ArchiveTTL       time.Duration `yaml:"archive_ttl"`
}

// DefaultMigrationPolicy returns the stock migration policy.
func DefaultMigrationPolicy() MigrationPolicy {
	return MigrationPolicy{
		TransientMaxSize: 1000,
		StagingMaxSize:   10000,
		TransientTTL:     5 * time.Minute,
		StagingTTL:       time.Hour,
		ArchiveTTL:       NoExpiry,
	}
}

// TierTTL returns the TTL the migration policy assigns to t.
func (p MigrationPolicy) TierTTL(t tier.Tier) time.Duration {
	switch t {
	case tier.Transient:
		return p.TransientTTL
	case tier.Staging:
		return p.StagingTTL
	default:
		return p.ArchiveTTL
	}
}

// Validate reports configuration errors.
func (p MigrationPolicy) Validate() error {
	var errs []error
	if p.TransientMaxSize <= 0 {
		errs = append(errs, errors.New("transient_max_size must be > 0"))
	}
	if p.StagingMaxSize <= 0 {
		errs = append(errs, errors.New("staging_max_size must be > 0"))
	}
	if p.TransientTTL <= 0 {
		errs = append(errs, errors.New("transient_ttl must be > 0"))
	}
	if p.StagingTTL <= 0 {
		errs = append(errs, errors.New("staging_ttl must be > 0"))
	}
	return wrap("migration policy", errs)
}

// TTLPolicy resolves entry lifetimes. A tier missing from TierTTL falls back
// to DefaultTTL.
type TTLPolicy struct {
	DefaultTTL       time.Duration
	TierTTL          map[tier.Tier]time.Duration
	EnableDynamicTTL bool
	// DynamicFactor scales the access bonus, 0..1.
	DynamicFactor float64
}

// DefaultTTLPolicy returns the stock TTL policy.
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{
		DefaultTTL: time.Hour,
		TierTTL: map[tier.Tier]time.Duration{
			tier.Transient: 5 * time.Minute,
			tier.Staging:   time.Hour,
			tier.Archive:   NoExpiry,
		},
		EnableDynamicTTL: false,
		DynamicFactor:    0.5,
	}
}

// Clone returns a deep copy so the caller cannot alias the TierTTL map.
func (p TTLPolicy) Clone() TTLPolicy {
	p.TierTTL = maps.Clone(p.TierTTL)
	return p
}

// Validate reports configuration errors.
func (p TTLPolicy) Validate() error {
	var errs []error
	if p.DefaultTTL < 0 && p.DefaultTTL != NoExpiry {
		errs = append(errs, errors.New("default ttl must be >= 0 or NoExpiry"))
	}
	for t, d := range p.TierTTL {
		if d < 0 && d != NoExpiry {
			errs = append(errs, fmt.Errorf("%s ttl must be >= 0 or NoExpiry", t))
		}
	}
	if p.DynamicFactor < 0 || p.DynamicFactor > 1 {
		errs = append(errs, errors.New("dynamic factor must be within [0,1]"))
	}
	return wrap("ttl policy", errs)
}

// LRUPolicy drives memory-pressure eviction.
type LRUPolicy struct {
	MaxEntries int `yaml:"max_entries"`
	MinEntries int `yaml:"min_entries"`
	// MemoryPressureThreshold is the used/total ratio (0..1) at which eviction starts.
	MemoryPressureThreshold float64 `yaml:"memory_pressure_threshold"`
	// EvictionRatio is the minimum share of used entries evicted per round (0..1).
	EvictionRatio     float64 `yaml:"eviction_ratio"`
	UseWeightedAccess bool    `yaml:"use_weighted_access"`
}

// DefaultLRUPolicy returns the stock LRU policy.
func DefaultLRUPolicy() LRUPolicy {
	return LRUPolicy{
		MaxEntries:              10000,
		MinEntries:              100,
		MemoryPressureThreshold: 0.8,
		EvictionRatio:           0.1,
		UseWeightedAccess:       true,
	}
}

// Validate reports configuration errors.
func (p LRUPolicy) Validate() error {
	var errs []error
	if p.MaxEntries <= 0 {
		errs = append(errs, errors.New("max_entries must be > 0"))
	}
	if p.MinEntries < 0 || p.MinEntries > p.MaxEntries {
		errs = append(errs, errors.New("min_entries must be within [0,max_entries]"))
	}
	if p.MemoryPressureThreshold <= 0 || p.MemoryPressureThreshold > 1 {
		errs = append(errs, errors.New("memory_pressure_threshold must be within (0,1]"))
	}
	if p.EvictionRatio < 0 || p.EvictionRatio > 1 {
		errs = append(errs, errors.New("eviction_ratio must be within [0,1]"))
	}
	return wrap("lru policy", errs)
}

// HookConfig controls hook dispatch.
type HookConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	ContinueOnError bool          `yaml:"continue_on_error"`
	Parallel        bool          `yaml:"parallel"`
}

// DefaultHookConfig returns the stock hook configuration.
func DefaultHookConfig() HookConfig {
	return HookConfig{
		Timeout:         5 * time.Second,
		ContinueOnError: true,
		Parallel:        false,
	}
}

func wrap(what string, errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%s: %w", what, errors.Join(errs...))
}
