package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/tierstore/lifecycle"
	"github.com/IvanBrykalov/tierstore/monitor"
	"github.com/IvanBrykalov/tierstore/policy/migration"
	"github.com/IvanBrykalov/tierstore/tier"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) add(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

// Compile-time check: the cache can back a lifecycle manager.
var _ lifecycle.Accessor = New[int](Options[int]{})

// Basic Add/Set/Get/Remove semantics.
// Add inserts only if key is absent; Set updates; Remove deletes.
func TestCache_BasicAddSetGetRemove(t *testing.T) {
	t.Parallel()

	c := New[int](Options[int]{Capacity: 8})
	t.Cleanup(func() { _ = c.Close() })

	if !c.Add("a", 1) {
		t.Fatal("Add a=1 must be true")
	}
	if c.Add("a", 2) {
		t.Fatal("Add duplicate must be false")
	}

	c.Set("a", 11)
	if v, ok := c.Get("a"); !ok || v != 11 {
		t.Fatalf("Get a want 11, got %v ok=%v", v, ok)
	}

	if !c.Remove("a") {
		t.Fatal("Remove a must be true")
	}
	if _, ok := c.Get("a"); ok {
		t.Fatal("a must be absent after Remove")
	}
	if c.Remove("a") {
		t.Fatal("second Remove must be false")
	}
}

// Get counts accesses; Peek does not.
func TestCache_AccessBookkeeping(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	var seen []tier.Meta
	c := New[string](Options[string]{
		Clock:    clk,
		OnAccess: func(m tier.Meta) { seen = append(seen, m) },
	})

	c.Set("k", "v")
	created := clk.Now()
	clk.add(time.Minute)
	c.Get("k")
	c.Get("k")

	e, ok := c.Peek("k")
	if !ok {
		t.Fatal("Peek miss")
	}
	if e.AccessCount != 2 {
		t.Fatalf("AccessCount want 2, got %d", e.AccessCount)
	}
	if !e.Timestamp.Equal(created) || !e.LastAccessed.Equal(created.Add(time.Minute)) {
		t.Fatalf("timestamps: created=%v last=%v", e.Timestamp, e.LastAccessed)
	}
	if e.Tier != tier.Transient {
		t.Fatalf("new entries start in transient, got %v", e.Tier)
	}
	if len(seen) != 2 || seen[1].AccessCount != 2 {
		t.Fatalf("OnAccess calls: %+v", seen)
	}

	// Set on an existing key keeps tier and history.
	if err := c.Migrate(context.Background(), "k", tier.Staging); err != nil {
		t.Fatal(err)
	}
	c.Set("k", "v2")
	e, _ = c.Peek("k")
	if e.Tier != tier.Staging || e.AccessCount != 2 || e.Value != "v2" {
		t.Fatalf("after Set: %+v", e)
	}
}

func TestCache_SetInAndCounts(t *testing.T) {
	t.Parallel()

	c := New[int](Options[int]{})
	c.Set("t1", 1)
	c.Set("t2", 1)
	if err := c.SetIn("s1", 1, tier.Staging); err != nil {
		t.Fatal(err)
	}
	if err := c.SetIn("a1", 1, tier.Archive); err != nil {
		t.Fatal(err)
	}
	if err := c.SetIn("x", 1, tier.Tier(9)); err == nil {
		t.Fatal("invalid tier must fail")
	}

	want := tier.Counts{2, 1, 1}
	if got := c.Counts(); got != want {
		t.Fatalf("Counts want %v, got %v", want, got)
	}
	if c.Len() != 4 {
		t.Fatalf("Len want 4, got %d", c.Len())
	}

	// SetIn moves an existing entry.
	if err := c.SetIn("t1", 2, tier.Archive); err != nil {
		t.Fatal(err)
	}
	want = tier.Counts{1, 1, 2}
	if got := c.Counts(); got != want {
		t.Fatalf("Counts after SetIn want %v, got %v", want, got)
	}
}

func TestCache_MigrateAdjacencyOnly(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := New[int](Options[int]{})
	c.Set("k", 1)

	err := c.Migrate(ctx, "k", tier.Archive)
	if !errors.Is(err, migration.ErrInvalidMigrationPath) {
		t.Fatalf("transient->archive must be rejected, got %v", err)
	}
	if e, _ := c.Peek("k"); e.Tier != tier.Transient {
		t.Fatalf("rejected migration moved the entry to %v", e.Tier)
	}

	if err := c.Migrate(ctx, "k", tier.Staging); err != nil {
		t.Fatal(err)
	}
	if err := c.Migrate(ctx, "k", tier.Archive); err != nil {
		t.Fatal(err)
	}
	if err := c.Migrate(ctx, "k", tier.Archive); !errors.Is(err, migration.ErrInvalidMigrationPath) {
		t.Fatalf("self migration must be rejected, got %v", err)
	}
	if err := c.Migrate(ctx, "nope", tier.Staging); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown key: %v", err)
	}
}

func TestCache_AccessorEntriesAndDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	var evicted []string
	c := New[int](Options[int]{
		OnEvict: func(e tier.Entry[int], r EvictReason) {
			if r == EvictLifecycle {
				evicted = append(evicted, e.Key)
			}
		},
		Shards: 1,
	})
	for _, k := range []string{"a", "b", "c"} {
		c.Set(k, 1)
	}

	metas, err := c.Entries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(metas) != 3 || metas[0].Key != "c" {
		t.Fatalf("Entries want MRU first, got %+v", metas)
	}

	if err := c.Delete(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	if err := c.Delete(ctx, "missing"); err != nil {
		t.Fatalf("deleting a missing key is not an error: %v", err)
	}
	if len(evicted) != 1 || evicted[0] != "b" {
		t.Fatalf("OnEvict: %v", evicted)
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := c.Entries(cctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled Entries: %v", err)
	}

	_ = c.Close()
	if _, err := c.Entries(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("closed Entries: %v", err)
	}
}

// Deterministic LRU capacity eviction: single shard, small capacity.
// Accessing "a" promotes it; inserting "c" evicts LRU ("b").
func TestCache_CapacityEvictsLRU(t *testing.T) {
	t.Parallel()

	var reasons []EvictReason
	c := New[int](Options[int]{
		Capacity: 2,
		Shards:   1, // force a single shard so LRU is global
		OnEvict:  func(_ tier.Entry[int], r EvictReason) { reasons = append(reasons, r) },
	})
	t.Cleanup(func() { _ = c.Close() })

	c.Set("a", 1) // LRU = a
	c.Set("b", 2) // MRU = b

	if _, ok := c.Get("a"); !ok { // promote a -> MRU
		t.Fatal("expect hit for a")
	}
	c.Set("c", 3) // overflow -> evict LRU (b)

	if _, ok := c.Peek("b"); ok {
		t.Fatal("b must be evicted")
	}
	if _, ok := c.Peek("a"); !ok {
		t.Fatal("a must survive (promoted)")
	}
	if len(reasons) != 1 || reasons[0] != EvictCapacity {
		t.Fatalf("reasons: %v", reasons)
	}
	if st := c.Stats(); st.Evictions != 1 || st.Hits != 1 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestCache_RecorderSeesTiers(t *testing.T) {
	t.Parallel()

	mon := monitor.New(nil)
	c := New[int](Options[int]{Recorder: mon})
	c.Set("a", 1)
	if err := c.SetIn("b", 1, tier.Archive); err != nil {
		t.Fatal(err)
	}
	c.Get("a")
	c.Get("b")
	c.Get("missing")

	m := mon.Metrics()
	tr := m.Tiers[tier.Transient]
	if tr.Hits != 1 || tr.Misses != 1 || tr.Size != 1 {
		t.Fatalf("transient: %+v", tr)
	}
	ar := m.Tiers[tier.Archive]
	if ar.Hits != 1 || ar.Size != 1 {
		t.Fatalf("archive: %+v", ar)
	}

	if err := c.Migrate(context.Background(), "b", tier.Staging); err != nil {
		t.Fatal(err)
	}
	m = mon.Metrics()
	if m.Tiers[tier.Archive].Size != 0 || m.Tiers[tier.Staging].Size != 1 {
		t.Fatalf("sizes after migrate: %+v", m.Tiers)
	}
}

// Singleflight test: concurrent GetOrLoad calls for the same key
// should trigger the Loader at most once; subsequent calls are cache hits.
func TestCache_GetOrLoad_Singleflight(t *testing.T) {
	t.Parallel()
	var calls int64

	c := New[string](Options[string]{
		Capacity: 64,
		Loader: func(_ context.Context, k string) (string, error) {
			atomic.AddInt64(&calls, 1)
			time.Sleep(5 * time.Millisecond) // simulate I/O
			return "v:" + k, nil
		},
	})
	t.Cleanup(func() { _ = c.Close() })

	const N = 64
	var g errgroup.Group
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for range N {
		g.Go(func() error {
			v, err := c.GetOrLoad(ctx, "k")
			if err != nil {
				return err
			}
			if v != "v:k" {
				return fmt.Errorf("got %q", v)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("loader must run exactly once, got %d", got)
	}

	if v, err := c.GetOrLoad(context.Background(), "k"); err != nil || v != "v:k" {
		t.Fatalf("second GetOrLoad failed: v=%q err=%v", v, err)
	}
}

func TestCache_GetOrLoad_Errors(t *testing.T) {
	t.Parallel()

	c := New[string](Options[string]{})
	if _, err := c.GetOrLoad(context.Background(), "k"); !errors.Is(err, ErrNoLoader) {
		t.Fatalf("want ErrNoLoader, got %v", err)
	}

	boom := errors.New("boom")
	c = New[string](Options[string]{
		Loader: func(context.Context, string) (string, error) { return "", boom },
	})
	if _, err := c.GetOrLoad(context.Background(), "k"); !errors.Is(err, boom) {
		t.Fatalf("want loader error, got %v", err)
	}
	if c.Len() != 0 {
		t.Fatal("failed load must not insert")
	}

	block := make(chan struct{})
	c = New[string](Options[string]{
		Loader: func(context.Context, string) (string, error) { <-block; return "late", nil },
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := c.GetOrLoad(ctx, "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline, got %v", err)
	}
	close(block)
}
