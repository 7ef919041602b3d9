// Command tsad serves the tiered state store over HTTP.
//
// Records live in Redis (or the in-memory fallback while Redis is away);
// an in-memory tiered index over the hot records drives expiry, promotion
// and demotion.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/IvanBrykalov/tierstore/cache"
	"github.com/IvanBrykalov/tierstore/config"
	"github.com/IvanBrykalov/tierstore/hook"
	"github.com/IvanBrykalov/tierstore/internal/log"
	"github.com/IvanBrykalov/tierstore/internal/server"
	"github.com/IvanBrykalov/tierstore/lifecycle"
	pmet "github.com/IvanBrykalov/tierstore/metrics/prom"
	"github.com/IvanBrykalov/tierstore/monitor"
	"github.com/IvanBrykalov/tierstore/persist"
	"github.com/IvanBrykalov/tierstore/policy/lru"
	"github.com/IvanBrykalov/tierstore/policy/migration"
	"github.com/IvanBrykalov/tierstore/policy/ttl"
	"github.com/IvanBrykalov/tierstore/tier"
)

func main() {
	cfgPath := flag.String("config", "", "path to a YAML config file (optional)")
	flag.Parse()

	if err := run(*cfgPath); err != nil {
		fmt.Fprintln(os.Stderr, "tsad:", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	logger := log.New(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- persistence ----
	store, err := persist.NewRedisStore(cfg.Redis, persist.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	if !store.Connect(ctx) {
		logger.Warn("tsad.redis_unavailable", "fallback", true, "err", store.LastError())
	}
	store.OnStateChange(func(st persist.ConnState) {
		logger.Info("tsad.redis_state", "state", st.String())
	})

	// ---- metrics ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mon := monitor.New(nil, pmet.New(reg, cfg.Metrics.Namespace, cfg.Metrics.Subsystem, nil))

	// ---- policies ----
	ttlPolicy, err := cfg.TTL.Policy()
	if err != nil {
		return err
	}
	hooks := hook.New(cfg.Hooks, hook.WithLogger(logger))
	_, _ = hooks.OnErrorFunc(func(_ context.Context, c hook.ErrorContext) error {
		logger.Warn("tsad.lifecycle_error", "key", c.Key, "op", c.Operation, "err", c.Err)
		return nil
	})

	// ---- index + lifecycle ----
	var lm *lifecycle.Manager
	idx := cache.New(cache.Options[*persist.RawState]{
		Capacity: cfg.Cache.Capacity,
		Shards:   cfg.Cache.Shards,
		Recorder: mon,
		Loader:   server.NewLoader(store, hooks, nil),
		OnAccess: func(m tier.Meta) {
			lm.RecordAccess(context.Background(), m.Key, m.Tier)
		},
	})
	defer func() { _ = idx.Close() }()

	lm = lifecycle.New(idx, cfg.Lifecycle,
		lifecycle.WithHooks(hooks),
		lifecycle.WithMigrator(migration.New(cfg.Migration)),
		lifecycle.WithTTL(ttl.New(ttlPolicy, ttl.WithHooks(hooks), ttl.WithLogger(logger))),
		lifecycle.WithLRU(lru.New(cfg.LRU, lru.WithHooks(hooks), lru.WithLogger(logger))),
		lifecycle.WithMonitor(mon),
		lifecycle.WithLogger(logger),
	)
	defer func() { _ = lm.Close() }()
	for _, t := range []lifecycle.EventType{lifecycle.EventPromotion, lifecycle.EventDemotion, lifecycle.EventExpire} {
		lm.On(t, func(ev lifecycle.Event) {
			logger.Debug("tsad.lifecycle_event", "type", string(ev.Type), "key", ev.Key, "from", ev.From.String())
		})
	}
	lm.Start()

	// ---- http ----
	srv := server.New(server.Options{
		Store:     store,
		Cache:     idx,
		Lifecycle: lm,
		Monitor:   mon,
		Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Logger:    logger,
	})
	httpSrv := &http.Server{Addr: cfg.HTTP.Addr, Handler: srv}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("tsad.listening", "addr", cfg.HTTP.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("tsad.shutdown")
	srv.SetDraining(true)
	lm.Stop()
	sctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return httpSrv.Shutdown(sctx)
}
