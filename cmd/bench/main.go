// Command bench runs a synthetic workload against the tiered index with the
// lifecycle scheduler running, and exposes optional pprof/Prometheus endpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/IvanBrykalov/tierstore/cache"
	"github.com/IvanBrykalov/tierstore/lifecycle"
	pmet "github.com/IvanBrykalov/tierstore/metrics/prom"
	"github.com/IvanBrykalov/tierstore/monitor"
	"github.com/IvanBrykalov/tierstore/policy"
	"github.com/IvanBrykalov/tierstore/policy/migration"
	"github.com/IvanBrykalov/tierstore/tier"
)

func main() {
	// ---- Flags ----
	var (
		capacity = flag.Int("cap", 100_000, "index capacity (entries)")
		shards   = flag.Int("shards", 0, "number of shards (0=auto)")

		workers  = flag.Int("workers", 2*runtime.GOMAXPROCS(0), "number of worker goroutines")
		duration = flag.Duration("duration", 10*time.Second, "benchmark duration")
		readPct  = flag.Int("reads", 80, "read percentage [0..100]")

		keys    = flag.Int("keys", 1_000_000, "keyspace size")
		zipfS   = flag.Float64("zipf_s", 1.1, "Zipf s > 1 (skew)")
		zipfV   = flag.Float64("zipf_v", 1.0, "Zipf v")
		seed    = flag.Int64("seed", time.Now().UnixNano(), "random seed")
		preload = flag.Int("preload", 0, "preload entries (0 = cap/2)")

		migrateEvery = flag.Duration("migrate", time.Second, "migration interval (0 = disabled)")
		cleanupEvery = flag.Duration("cleanup", 2*time.Second, "cleanup interval (0 = disabled)")
		transientTTL = flag.Duration("transient_ttl", 5*time.Second, "transient tier TTL")

		pprofAddr   = flag.String("pprof", "", "serve pprof at addr (e.g. :6060); empty = disabled")
		metricsAddr = flag.String("http", ":8080", "serve Prometheus metrics at addr")
	)
	flag.Parse()

	// ---- pprof server (on DefaultServeMux) ----
	if *pprofAddr != "" {
		go func() {
			log.Printf("pprof: serving at %s", *pprofAddr)
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	// ---- Prometheus metrics (on DefaultServeMux) ----
	mon := monitor.New(nil, pmet.New(nil, "tierstore", "bench", nil))
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		log.Printf("metrics: serving at %s", *metricsAddr)
		log.Println(http.ListenAndServe(*metricsAddr, nil))
	}()

	// ---- Build index + lifecycle ----
	var lm *lifecycle.Manager
	c := cache.New(cache.Options[string]{
		Capacity: *capacity,
		Shards:   *shards,
		Recorder: mon,
		OnAccess: func(m tier.Meta) { lm.RecordAccess(context.Background(), m.Key, m.Tier) },
	})
	defer func() { _ = c.Close() }()

	mp := policy.DefaultMigrationPolicy()
	mp.TransientTTL = *transientTTL
	mp.TransientMaxSize = max(1, *capacity/10)
	mp.StagingMaxSize = max(1, *capacity/2)
	lcfg := lifecycle.DefaultConfig()
	lcfg.MigrationInterval = *migrateEvery
	lcfg.CleanupInterval = *cleanupEvery
	lcfg.EnableAutoMigration = *migrateEvery > 0
	lcfg.EnableAutoCleanup = *cleanupEvery > 0
	lcfg.EnableAutoEviction = false
	lcfg.MaxMigrationPerRun = 1000
	lcfg.MaxCleanupPerRun = 1000
	lcfg.MaxScanPerRun = 10_000

	var promoted, demoted, expired atomic.Uint64
	lm = lifecycle.New(c, lcfg, lifecycle.WithMigrator(migration.New(mp)), lifecycle.WithMonitor(mon))
	lm.On(lifecycle.EventPromotion, func(lifecycle.Event) { promoted.Add(1) })
	lm.On(lifecycle.EventDemotion, func(lifecycle.Event) { demoted.Add(1) })
	lm.On(lifecycle.EventCleanup, func(lifecycle.Event) { expired.Add(1) })
	lm.On(lifecycle.EventExpire, func(lifecycle.Event) { expired.Add(1) })
	lm.Start()
	defer func() { _ = lm.Close() }()

	// ---- Preload half capacity to get a realistic hit-rate ----
	pl := *preload
	if pl == 0 {
		pl = *capacity / 2
	}
	for i := 0; i < pl; i++ {
		k := "k:" + strconv.Itoa(i)
		c.Set(k, "v"+strconv.Itoa(i))
	}

	// ---- Snapshot flags for goroutines ----
	readPctVal := *readPct
	keysMax := uint64(*keys - 1)
	seedBase := *seed
	zipfSVal := *zipfS
	zipfVVal := *zipfV
	workersN := *workers
	if workersN <= 0 {
		workersN = 1
	}

	// ---- Load generation ----
	var reads, writes, hits, misses, total atomic.Uint64
	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(workersN)
	for w := 0; w < workersN; w++ {
		go func(id int) {
			defer wg.Done()

			// Each worker gets its own RNG + Zipf (rand.Rand is NOT goroutine-safe).
			localR := rand.New(rand.NewSource(seedBase + int64(id)*9973))
			localZipf := rand.NewZipf(localR, zipfSVal, zipfVVal, keysMax)

			keyByZipf := func() string {
				return "k:" + strconv.FormatUint(localZipf.Uint64(), 10)
			}

			for {
				select {
				case <-ctx.Done():
					return
				default:
				}

				total.Add(1)
				if int(localR.Int31n(100)) < readPctVal {
					reads.Add(1)
					if _, ok := c.Get(keyByZipf()); ok {
						hits.Add(1)
					} else {
						misses.Add(1)
					}
				} else {
					writes.Add(1)
					c.Set(keyByZipf(), "v"+strconv.Itoa(localR.Int()))
				}
			}
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)
	lm.Stop()

	// ---- Report ----
	ops := total.Load()
	readsN := reads.Load()
	hitsN := hits.Load()

	hitRate := 0.0
	if readsN > 0 {
		hitRate = float64(hitsN) / float64(readsN) * 100
	}
	counts := c.Counts()

	fmt.Printf("cap=%d shards=%d workers=%d keys=%d dur=%v seed=%d\n",
		*capacity, *shards, workersN, *keys, elapsed, seedBase)
	fmt.Printf("ops=%d (%.0f ops/s)  reads=%d  writes=%d\n",
		ops, float64(ops)/elapsed.Seconds(), readsN, writes.Load())
	fmt.Printf("hits=%d  misses=%d  hit-rate=%.2f%%\n", hitsN, misses.Load(), hitRate)
	fmt.Printf("Len()=%d  transient=%d  staging=%d  archive=%d\n",
		c.Len(), counts[tier.Transient], counts[tier.Staging], counts[tier.Archive])
	st := lm.Stats()
	fmt.Printf("migration runs=%d promoted=%d demoted=%d  cleanup runs=%d expired=%d\n",
		st.MigrationRuns, promoted.Load(), demoted.Load(), st.CleanupRuns, expired.Load())
}
