package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IvanBrykalov/tierstore/policy"
	"github.com/IvanBrykalov/tierstore/tier"
)

const sample = `
log:
  level: debug
  format: json
http:
  addr: ":9090"
redis:
  url: redis://localhost:6379/1
  key_prefix: "app:"
  reconcile_on_recover: true
  reconnect_interval: 500ms
lifecycle:
  cleanup_interval: 10s
  enable_auto_eviction: false
migration:
  transient_max_size: 50
ttl:
  default: 30m
  tiers:
    transient: 1m
    archive: -1s
lru:
  max_entries: 2000
`

func TestParse_OverlaysDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, 5*time.Second, cfg.HTTP.ShutdownTimeout, "absent keys keep defaults")

	assert.Equal(t, "redis://localhost:6379/1", cfg.Redis.URL)
	assert.Equal(t, "app:", cfg.Redis.KeyPrefix)
	assert.True(t, cfg.Redis.ReconcileOnRecover)
	assert.True(t, cfg.Redis.AutoReconnect)
	assert.Equal(t, 500*time.Millisecond, cfg.Redis.ReconnectInterval)

	assert.Equal(t, 10*time.Second, cfg.Lifecycle.CleanupInterval)
	assert.Equal(t, 30*time.Second, cfg.Lifecycle.MigrationInterval)
	assert.False(t, cfg.Lifecycle.EnableAutoEviction)

	assert.Equal(t, 50, cfg.Migration.TransientMaxSize)
	assert.Equal(t, 10000, cfg.Migration.StagingMaxSize)
	assert.Equal(t, 2000, cfg.LRU.MaxEntries)

	p, err := cfg.TTL.Policy()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, p.DefaultTTL)
	assert.Equal(t, time.Minute, p.TierTTL[tier.Transient])
	assert.Equal(t, time.Hour, p.TierTTL[tier.Staging], "default tier TTL survives the merge")
	assert.Equal(t, policy.NoExpiry, p.TierTTL[tier.Archive])
}

func TestParse_Errors(t *testing.T) {
	t.Parallel()

	_, err := Parse(strings.NewReader("nope: 1\n"))
	assert.Error(t, err, "unknown keys are rejected")

	_, err = Parse(strings.NewReader("ttl:\n  tiers:\n    lukewarm: 1m\n"))
	assert.ErrorContains(t, err, "lukewarm")

	_, err = Parse(strings.NewReader("lru:\n  eviction_ratio: 3\n"))
	assert.Error(t, err)

	cfg, err := Parse(strings.NewReader(""))
	require.NoError(t, err, "empty document means defaults")
	assert.Equal(t, Default().HTTP, cfg.HTTP)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tierstore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	t.Setenv("REDIS_URL", "redis://override:6379")
	t.Setenv("REDIS_RECONNECT_INTERVAL", "250")
	t.Setenv("LOG_LEVEL", "error")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "redis://override:6379", cfg.Redis.URL)
	assert.Equal(t, 250*time.Millisecond, cfg.Redis.ReconnectInterval)
	assert.Equal(t, "error", cfg.Log.Level)
	assert.Equal(t, "app:", cfg.Redis.KeyPrefix)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestApplyEnv_BadValue(t *testing.T) {
	t.Parallel()
	env := map[string]string{"REDIS_MAX_RETRIES": "lots"}
	_, err := Default().ApplyEnv(func(k string) (string, bool) { v, ok := env[k]; return v, ok })
	assert.ErrorContains(t, err, "REDIS_MAX_RETRIES")
}
