package cache

import (
	"context"
	"math/rand"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IvanBrykalov/tierstore/monitor"
	"github.com/IvanBrykalov/tierstore/tier"
)

// A mixed workload of concurrent Set/Get/SetIn/Remove/Migrate/Entries on
// random keys. Should pass under `-race` without detector reports, and the
// per-tier counts and published size gauges must agree with the resident
// entries afterwards.
func TestRace_Mixed(t *testing.T) {
	mon := monitor.New(nil)
	c := New[[]byte](Options[[]byte]{
		Capacity: 8_192,
		Shards:   32,
		Recorder: mon,
	})
	t.Cleanup(func() { _ = c.Close() })

	ctx := context.Background()
	workers := 4 * runtime.GOMAXPROCS(0)
	keyspace := 50_000
	deadline := time.Now().Add(time.Second)

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := range workers {
		go func(id int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)*9973))
			for time.Now().Before(deadline) {
				k := "k:" + strconv.Itoa(r.Intn(keyspace))
				switch n := r.Intn(100); {
				case n < 5:
					c.Remove(k)
				case n < 10:
					_ = c.SetIn(k, []byte("x"), tier.All[r.Intn(tier.Count)])
				case n < 15:
					_ = c.Migrate(ctx, k, tier.All[r.Intn(tier.Count)])
				case n < 16:
					_, _ = c.Entries(ctx)
				case n < 26:
					c.Set(k, []byte("x"))
				default:
					c.Get(k)
				}
			}
		}(w)
	}
	wg.Wait()

	counts := c.Counts()
	if counts.Total() != c.Len() {
		t.Fatalf("counts %v disagree with Len %d", counts, c.Len())
	}
	if c.Len() > 8_192 {
		t.Fatalf("capacity exceeded: %d", c.Len())
	}
	snap := mon.Metrics()
	for _, tr := range tier.All {
		if got := snap.Tiers[tr].Size; got != int64(counts[tr]) {
			t.Fatalf("%s size gauge %d, want %d", tr, got, counts[tr])
		}
	}
}

// One hundred goroutines call GetOrLoad on the same key concurrently.
// The Loader should run at most once (singleflight coalescing).
func TestRace_GetOrLoad(t *testing.T) {
	var calls int64

	c := New[string](Options[string]{
		Capacity: 1024,
		Loader: func(_ context.Context, k string) (string, error) {
			atomic.AddInt64(&calls, 1)
			time.Sleep(2 * time.Millisecond) // simulate I/O
			return "v:" + k, nil
		},
	})
	t.Cleanup(func() { _ = c.Close() })

	const goroutines = 100
	key := "same-key"

	start := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(goroutines)

	for range goroutines {
		go func() {
			defer wg.Done()
			<-start
			v, err := c.GetOrLoad(context.Background(), key)
			if err != nil {
				t.Errorf("GetOrLoad error: %v", err)
				return
			}
			if v != "v:"+key {
				t.Errorf("unexpected value: %q", v)
			}
		}()
	}

	close(start)
	wg.Wait()

	if got := atomic.LoadInt64(&calls); got > 1 {
		t.Fatalf("loader should run at most once, got %d", got)
	}

	if v, err := c.GetOrLoad(context.Background(), key); err != nil || v != "v:"+key {
		t.Fatalf("second GetOrLoad failed: v=%q err=%v", v, err)
	}
}
