package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IvanBrykalov/tierstore/cache"
	"github.com/IvanBrykalov/tierstore/hook"
	"github.com/IvanBrykalov/tierstore/lifecycle"
	"github.com/IvanBrykalov/tierstore/monitor"
	"github.com/IvanBrykalov/tierstore/persist"
	"github.com/IvanBrykalov/tierstore/policy"
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

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

type fixture struct {
	srv   *Server
	store *persist.MemoryStore
	cache cache.Cache[*persist.RawState]
	lm    *lifecycle.Manager
	clk   *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	store := persist.NewMemoryStore(persist.WithClock(clk))
	mon := monitor.New(clk)
	hooks := hook.New(policy.DefaultHookConfig())
	c := cache.New(cache.Options[*persist.RawState]{
		Capacity: 128,
		Clock:    clk,
		Recorder: mon,
		Loader:   NewLoader(store, hooks, clk),
	})
	lm := lifecycle.New(c, lifecycle.DefaultConfig(),
		lifecycle.WithClock(clk),
		lifecycle.WithMonitor(mon),
		lifecycle.WithHooks(hooks),
	)
	t.Cleanup(func() {
		_ = lm.Close()
		_ = c.Close()
	})
	return &fixture{
		srv:   New(Options{Store: store, Cache: c, Lifecycle: lm, Monitor: mon, Clock: clk}),
		store: store,
		cache: c,
		lm:    lm,
		clk:   clk,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var env struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env.Data
}

func decodeErr(t *testing.T, rec *httptest.ResponseRecorder) AppError {
	t.Helper()
	var env struct {
		Error AppError `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env.Error
}

func TestHealth_Draining(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	f.srv.SetDraining(true)
	rec = f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestState_PutGetDelete(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/v1/state/user:1", map[string]any{"data": map[string]int{"n": 1}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	put := decodeData[stateDTO](t, rec)
	assert.EqualValues(t, 1, put.Version)
	assert.JSONEq(t, `{"n":1}`, string(put.Data))
	require.NotNil(t, put.Tier)
	assert.Equal(t, tier.Transient, *put.Tier)

	rec = f.do(t, http.MethodGet, "/v1/state/user:1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeData[stateDTO](t, rec)
	assert.EqualValues(t, 1, got.Version)
	assert.JSONEq(t, `{"n":1}`, string(got.Data))

	rec = f.do(t, http.MethodDelete, "/v1/state/user:1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	_, ok := f.cache.Peek("user:1")
	assert.False(t, ok, "delete drops the cached entry")

	rec = f.do(t, http.MethodGet, "/v1/state/user:1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeNotFound, decodeErr(t, rec).Code)
}

func TestState_GetLoadsFromStore(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.SaveState(ctx, "cold", map[string]string{"v": "x"})
	require.NoError(t, err)
	_, ok := f.cache.Peek("cold")
	require.False(t, ok)

	rec := f.do(t, http.MethodGet, "/v1/state/cold", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decodeData[stateDTO](t, rec)
	assert.JSONEq(t, `{"v":"x"}`, string(got.Data))
	_, ok = f.cache.Peek("cold")
	assert.True(t, ok, "loaded into the index")
}

func TestState_OptimisticLockConflict(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/v1/state/k", map[string]any{"data": 1, "expectedVersion": 0})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPut, "/v1/state/k", map[string]any{"data": 2, "expectedVersion": 0})
	require.Equal(t, http.StatusConflict, rec.Code)
	appErr := decodeErr(t, rec)
	assert.Equal(t, CodeConflict, appErr.Code)
	assert.Equal(t, map[string]any{"expected": float64(0), "actual": float64(1)}, appErr.Meta)

	rec = f.do(t, http.MethodPut, "/v1/state/k", map[string]any{"data": 2, "expectedVersion": 1})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decodeData[stateDTO](t, rec).Version)
}

func TestState_BadRequests(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	cases := []struct {
		name string
		body string
		code string
	}{
		{"empty", "", CodeInvalidJSON},
		{"malformed", "{", CodeInvalidJSON},
		{"unknown field", `{"data":1,"bogus":true}`, CodeInvalidJSON},
		{"missing data", `{"ttlMs":10}`, CodeBadRequest},
		{"negative ttl", `{"data":1,"ttlMs":-5}`, CodeBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPut, "/v1/state/x", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tc.code, decodeErr(t, rec).Code)
		})
	}
}

func TestState_TTLExpiresCachedRecord(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/v1/state/s1", `{"data":1,"ttlMs":100}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 100*time.Millisecond, f.lm.TTL().TTL("s1", tier.Transient), "scheduler follows the store deadline")

	rec = f.do(t, http.MethodGet, "/v1/state/s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	f.clk.Advance(200 * time.Millisecond)

	rec = f.do(t, http.MethodGet, "/v1/state/s1", nil)
	require.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())
	assert.Equal(t, CodeNotFound, decodeErr(t, rec).Code)
	_, ok := f.cache.Peek("s1")
	assert.False(t, ok, "expired entry dropped from the index")

	rec = f.do(t, http.MethodDelete, "/v1/state/s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, f.lm.TTL().ClearTTL("s1"), "delete clears the override")
}

func TestState_AccessCountCountsIndexHits(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/v1/state/k", map[string]any{"data": 1})
	require.Equal(t, http.StatusOK, rec.Code)
	last := decodeData[stateDTO](t, rec).AccessCount

	for range 3 {
		rec = f.do(t, http.MethodGet, "/v1/state/k", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		got := decodeData[stateDTO](t, rec).AccessCount
		assert.Equal(t, last+1, got)
		last = got
	}
}

func TestState_PersistAndRestoreHooks(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	var (
		mu       sync.Mutex
		persists []hook.PersistContext
		restores []hook.RestoreContext
	)
	_, err := f.lm.Hooks().OnPersistFunc(func(_ context.Context, c hook.PersistContext) error {
		mu.Lock()
		persists = append(persists, c)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	_, err = f.lm.Hooks().OnRestoreFunc(func(_ context.Context, c hook.RestoreContext) error {
		mu.Lock()
		restores = append(restores, c)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPut, "/v1/state/p", map[string]any{"data": "v"})
	require.Equal(t, http.StatusOK, rec.Code)

	_, err = f.store.SaveState(ctx, "cold", 7)
	require.NoError(t, err)
	rec = f.do(t, http.MethodGet, "/v1/state/cold", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	// A hit is served by the index and restores nothing.
	rec = f.do(t, http.MethodGet, "/v1/state/cold", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, persists, 1)
	assert.Equal(t, "p", persists[0].Key)
	assert.Equal(t, tier.Transient, persists[0].TargetTier)
	assert.Equal(t, f.clk.Now(), persists[0].Timestamp)
	raw, ok := persists[0].Value.(*persist.RawState)
	require.True(t, ok)
	assert.JSONEq(t, `"v"`, string(raw.Data))

	require.Len(t, restores, 1)
	assert.Equal(t, "cold", restores[0].Key)
	assert.Equal(t, tier.Archive, restores[0].SourceTier)
	assert.Equal(t, tier.Transient, restores[0].Tier)
	raw, ok = restores[0].Value.(*persist.RawState)
	require.True(t, ok)
	assert.JSONEq(t, `7`, string(raw.Data))
}

func TestKeys_Pattern(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	for _, k := range []string{"user:1", "user:2", "order:1"} {
		rec := f.do(t, http.MethodPut, "/v1/state/"+k, map[string]any{"data": k})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := f.do(t, http.MethodGet, "/v1/keys?pattern=user:*", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeData[map[string][]string](t, rec)
	assert.Equal(t, []string{"user:1", "user:2"}, got["keys"])

	rec = f.do(t, http.MethodGet, "/v1/keys?pattern=none:*", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeData[map[string][]string](t, rec)["keys"])
}

func TestLifecycle_TTLAndCleanup(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	for _, k := range []string{"a", "b"} {
		rec := f.do(t, http.MethodPut, "/v1/state/"+k, map[string]any{"data": k})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := f.do(t, http.MethodPut, "/v1/ttl/a", map[string]any{"ttlMs": 1000})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = f.do(t, http.MethodPut, "/v1/ttl/b", map[string]any{"ttlMs": -7})
	require.Equal(t, http.StatusOK, rec.Code, "negative means never expires")

	f.clk.Advance(2 * time.Minute)

	rec = f.do(t, http.MethodPost, "/v1/lifecycle/cleanup", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeData[cleanupDTO](t, rec)
	assert.Equal(t, []string{"a"}, res.Expired)
	assert.Empty(t, res.Errors)

	_, ok := f.cache.Peek("a")
	assert.False(t, ok, "expired from the index")
	_, ok = f.cache.Peek("b")
	assert.True(t, ok, "still within the tier TTL")

	// The durable record outlives the index entry and reloads on read.
	rec = f.do(t, http.MethodGet, "/v1/state/a", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLifecycle_Migrate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/v1/state/k", map[string]any{"data": 1})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/lifecycle/migrate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rep := decodeData[migrationDTO](t, rec)
	assert.NotNil(t, rep.PromotedKeys)
	assert.NotNil(t, rep.DemotedKeys)
}

func TestStats(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/v1/state/k", map[string]any{"data": 1})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodGet, "/v1/state/k", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decodeData[statsDTO](t, rec)
	assert.Nil(t, st.Store, "memory store reports no connection status")
	require.NotNil(t, st.Cache)
	assert.Equal(t, 1, st.Cache.Len)
	assert.Equal(t, 1, st.Cache.Tiers["transient"])
	assert.EqualValues(t, 1, st.Cache.Hits)
	require.NotNil(t, st.Lifecycle)
	assert.False(t, st.Lifecycle.Running)
	require.NotNil(t, st.Monitor)
}

func TestStoreOnly(t *testing.T) {
	t.Parallel()
	srv := New(Options{Store: persist.NewMemoryStore()})

	req := httptest.NewRequest(http.MethodPut, "/v1/state/k", bytes.NewBufferString(`{"data":"v"}`))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/state/k", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/lifecycle/cleanup", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code, "lifecycle routes need a manager")
}
