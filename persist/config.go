package persist

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config configures a RedisStore. Zero values are replaced by the defaults
// of DefaultConfig in NewRedisStore, except URL: an empty URL runs the store
// on its memory fallback only.
type Config struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
	DB    int    `yaml:"db"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// MaxRetries bounds both client command retries and WATCH conflict
	// retries in SaveState.
	MaxRetries    int           `yaml:"max_retries"`
	RetryInterval time.Duration `yaml:"retry_interval"`

	AutoReconnect        bool          `yaml:"auto_reconnect"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`

	KeyPrefix string `yaml:"key_prefix"`
	// CompressThreshold is the payload size in bytes above which records
	// are gzipped. Negative disables compression.
	CompressThreshold int `yaml:"compress_threshold"`

	// ReconcileOnRecover replays records written to the fallback while
	// Redis was down as soon as the connection recovers.
	ReconcileOnRecover bool `yaml:"reconcile_on_recover"`
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:       5 * time.Second,
		MaxRetries:           3,
		RetryInterval:        time.Second,
		AutoReconnect:        true,
		ReconnectInterval:    2 * time.Second,
		MaxReconnectAttempts: 10,
		KeyPrefix:            "tsa:state:",
		CompressThreshold:    1024,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = d.RetryInterval
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = d.ReconnectInterval
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = d.KeyPrefix
	}
	if c.CompressThreshold == 0 {
		c.CompressThreshold = d.CompressThreshold
	}
	return c
}

// ApplyEnv overlays REDIS_* environment variables on c. Durations are
// integer milliseconds. lookup defaults to os.LookupEnv.
func (c Config) ApplyEnv(lookup func(string) (string, bool)) (Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	ms := func(name string, dst *time.Duration) {
		n := -1
		num(name, &n)
		if n > 0 {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(name); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = b
		}
	}

	str("REDIS_URL", &c.URL)
	str("REDIS_TOKEN", &c.Token)
	num("REDIS_DB", &c.DB)
	ms("REDIS_CONNECT_TIMEOUT", &c.ConnectTimeout)
	num("REDIS_MAX_RETRIES", &c.MaxRetries)
	ms("REDIS_RETRY_INTERVAL", &c.RetryInterval)
	boolean("REDIS_AUTO_RECONNECT", &c.AutoReconnect)
	ms("REDIS_RECONNECT_INTERVAL", &c.ReconnectInterval)
	num("REDIS_MAX_RECONNECT_ATTEMPTS", &c.MaxReconnectAttempts)
	str("REDIS_KEY_PREFIX", &c.KeyPrefix)
	num("REDIS_COMPRESS_THRESHOLD", &c.CompressThreshold)
	boolean("REDIS_RECONCILE_ON_RECOVER", &c.ReconcileOnRecover)

	if len(errs) > 0 {
		return c, fmt.Errorf("persist: env: %w", errors.Join(errs...))
	}
	return c, nil
}
