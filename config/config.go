// Package config loads the daemon configuration from a YAML file and the
// environment.
//
// Loading starts from Default, overlays the YAML document (keys that are
// absent keep their default), then applies environment overrides: REDIS_*
// for the persistence store and LOG_LEVEL/LOG_FORMAT for logging.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	ilog "github.com/IvanBrykalov/tierstore/internal/log"
	"github.com/IvanBrykalov/tierstore/lifecycle"
	"github.com/IvanBrykalov/tierstore/persist"
	"github.com/IvanBrykalov/tierstore/policy"
	"github.com/IvanBrykalov/tierstore/tier"
)

// Config is the full daemon configuration.
type Config struct {
	Log       ilog.Config            `yaml:"log"`
	HTTP      HTTP                   `yaml:"http"`
	Redis     persist.Config         `yaml:"redis"`
	Cache     Cache                  `yaml:"cache"`
	Lifecycle lifecycle.Config       `yaml:"lifecycle"`
	Migration policy.MigrationPolicy `yaml:"migration"`
	TTL       TTL                    `yaml:"ttl"`
	LRU       policy.LRUPolicy       `yaml:"lru"`
	Hooks     policy.HookConfig      `yaml:"hooks"`
	Metrics   Metrics                `yaml:"metrics"`
}

// HTTP configures the API listener.
type HTTP struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Cache sizes the in-memory entry index.
type Cache struct {
	Capacity int `yaml:"capacity"`
	Shards   int `yaml:"shards"`
}

// Metrics names the Prometheus series.
type Metrics struct {
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

// TTL is the file form of policy.TTLPolicy, keyed by tier name. A negative
// duration means "never expires".
type TTL struct {
	Default       time.Duration            `yaml:"default"`
	Tiers         map[string]time.Duration `yaml:"tiers"`
	EnableDynamic bool                     `yaml:"enable_dynamic"`
	DynamicFactor float64                  `yaml:"dynamic_factor"`
}

// Policy converts t into a policy.TTLPolicy.
func (t TTL) Policy() (policy.TTLPolicy, error) {
	p := policy.TTLPolicy{
		DefaultTTL:       normalizeTTL(t.Default),
		TierTTL:          make(map[tier.Tier]time.Duration, len(t.Tiers)),
		EnableDynamicTTL: t.EnableDynamic,
		DynamicFactor:    t.DynamicFactor,
	}
	for name, d := range t.Tiers {
		tr, err := tier.ParseTier(name)
		if err != nil {
			return policy.TTLPolicy{}, fmt.Errorf("ttl.tiers: %w", err)
		}
		p.TierTTL[tr] = normalizeTTL(d)
	}
	return p, p.Validate()
}

// normalizeTTL maps any negative duration to policy.NoExpiry so files can
// say "-1s".
func normalizeTTL(d time.Duration) time.Duration {
	if d < 0 {
		return policy.NoExpiry
	}
	return d
}

func ttlFromPolicy(p policy.TTLPolicy) TTL {
	t := TTL{
		Default:       p.DefaultTTL,
		Tiers:         make(map[string]time.Duration, len(p.TierTTL)),
		EnableDynamic: p.EnableDynamicTTL,
		DynamicFactor: p.DynamicFactor,
	}
	for tr, d := range p.TierTTL {
		t.Tiers[tr.String()] = d
	}
	return t
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		Log:       ilog.Config{Level: "info", Format: "text"},
		HTTP:      HTTP{Addr: ":8080", ShutdownTimeout: 5 * time.Second},
		Redis:     persist.DefaultConfig(),
		Cache:     Cache{Capacity: 100_000},
		Lifecycle: lifecycle.DefaultConfig(),
		Migration: policy.DefaultMigrationPolicy(),
		TTL:       ttlFromPolicy(policy.DefaultTTLPolicy()),
		LRU:       policy.DefaultLRUPolicy(),
		Hooks:     policy.DefaultHookConfig(),
		Metrics:   Metrics{Namespace: "tierstore"},
	}
}

// Parse overlays the YAML document in r on Default and validates the
// result. Unknown keys are rejected.
func Parse(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Load reads path (skipped when empty), then applies the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		if cfg, err = Parse(bytes.NewReader(b)); err != nil {
			return Config{}, err
		}
	}
	return cfg.ApplyEnv(os.LookupEnv)
}

// ApplyEnv overlays environment variables using lookup.
func (c Config) ApplyEnv(lookup func(string) (string, bool)) (Config, error) {
	redis, err := c.Redis.ApplyEnv(lookup)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	c.Redis = redis
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.Log.Level = v
	}
	if v, ok := lookup("LOG_FORMAT"); ok && v != "" {
		c.Log.Format = v
	}
	if v, ok := lookup("TIERSTORE_HTTP_ADDR"); ok && v != "" {
		c.HTTP.Addr = v
	}
	return c, c.Validate()
}

// Validate checks every policy section.
func (c Config) Validate() error {
	var errs []error
	if err := c.Migration.Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.TTL.Policy(); err != nil {
		errs = append(errs, err)
	}
	if err := c.LRU.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Cache.Capacity < 0 {
		errs = append(errs, fmt.Errorf("cache.capacity must be >= 0, got %d", c.Cache.Capacity))
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr must not be empty"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
