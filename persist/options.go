package persist

import (
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/IvanBrykalov/tierstore/tier"
)

// Option configures a RedisStore or a MemoryStore.
type Option func(*options)

type options struct {
	clock     tier.Clock
	log       *slog.Logger
	tp        trace.TracerProvider
	fallback  *MemoryStore
	threshold int
	stripes   int
}

// WithClock sets the time source used for record timestamps and TTLs.
func WithClock(c tier.Clock) Option { return func(o *options) { o.clock = c } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.log = l } }

// WithTracerProvider sets the provider spans are created from. The global
// provider is used by default.
func WithTracerProvider(tp trace.TracerProvider) Option { return func(o *options) { o.tp = tp } }

// WithFallback makes a RedisStore use m as its fallback store.
func WithFallback(m *MemoryStore) Option { return func(o *options) { o.fallback = m } }

// WithCompressThreshold sets the MemoryStore compression threshold.
// RedisStore takes it from Config instead.
func WithCompressThreshold(n int) Option { return func(o *options) { o.threshold = n } }

// WithStripes sets the number of MemoryStore key lock stripes.
func WithStripes(n int) Option { return func(o *options) { o.stripes = n } }

func buildOptions(opts []Option) options {
	o := options{threshold: DefaultConfig().CompressThreshold}
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	o.clock = tier.OrSystem(o.clock)
	if o.log == nil {
		o.log = slog.New(slog.DiscardHandler)
	}
	return o
}
