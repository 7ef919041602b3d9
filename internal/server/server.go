// Package server exposes the store, the entry index and the lifecycle
// scheduler over HTTP.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/IvanBrykalov/tierstore/cache"
	"github.com/IvanBrykalov/tierstore/hook"
	"github.com/IvanBrykalov/tierstore/lifecycle"
	"github.com/IvanBrykalov/tierstore/monitor"
	"github.com/IvanBrykalov/tierstore/persist"
	"github.com/IvanBrykalov/tierstore/policy"
	"github.com/IvanBrykalov/tierstore/tier"
)

// StatusReporter is implemented by stores that expose connection health,
// such as *persist.RedisStore.
type StatusReporter interface {
	Status() persist.Status
}

// Options wires the server. Only Store is required. When Cache is set its
// Loader must read from Store (see NewLoader); reads then go through the
// cache and writes update both.
type Options struct {
	Store     persist.Store
	Cache     cache.Cache[*persist.RawState]
	Lifecycle *lifecycle.Manager
	Monitor   *monitor.Monitor
	// Hooks receives OnPersist after every write. Defaults to the
	// lifecycle's hook manager.
	Hooks *hook.Manager
	// Metrics serves GET /metrics (e.g. promhttp.Handler()).
	Metrics http.Handler
	Logger  *slog.Logger
	Clock   tier.Clock
}

// Server is an http.Handler.
type Server struct {
	opt      Options
	log      *slog.Logger
	clock    tier.Clock
	draining atomic.Bool
	mux      chi.Router
}

// New builds the router.
func New(opt Options) *Server {
	if opt.Store == nil {
		panic("server: Store is required")
	}
	s := &Server{opt: opt, log: opt.Logger, clock: tier.OrSystem(opt.Clock)}
	if s.log == nil {
		s.log = slog.New(slog.DiscardHandler)
	}
	if s.opt.Hooks == nil && opt.Lifecycle != nil {
		s.opt.Hooks = opt.Lifecycle.Hooks()
	}

	r := chi.NewRouter()
	r.Use(RequestID(), Recover(s.log), AccessLog(s.log))
	r.Get("/health", s.health)
	if opt.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opt.Metrics)
	}
	r.Route("/v1", func(r chi.Router) {
		r.Get("/stats", wrap(s.stats))
		r.Get("/keys", wrap(s.keys))
		r.Get("/state/{id}", wrap(s.getState))
		r.Put("/state/{id}", wrap(s.putState))
		r.Delete("/state/{id}", wrap(s.deleteState))
		if opt.Lifecycle != nil {
			r.Put("/ttl/{id}", wrap(s.setTTL))
			r.Post("/lifecycle/cleanup", wrap(s.runCleanup))
			r.Post("/lifecycle/migrate", wrap(s.runMigration))
		}
	})
	s.mux = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// SetDraining makes /health answer 503 so load balancers stop routing.
func (s *Server) SetDraining(v bool) { s.draining.Store(v) }

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	if s.draining.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- state ---

type stateDTO struct {
	ID          string          `json:"id"`
	Data        json.RawMessage `json:"data"`
	Version     int64           `json:"version"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	AccessCount int64           `json:"accessCount"`
	Size        int             `json:"size"`
	Compressed  bool            `json:"compressed"`
	Tier        *tier.Tier      `json:"tier,omitempty"`
}

func (s *Server) toDTO(r *persist.RawState) stateDTO {
	d := stateDTO{
		ID:          r.ID,
		Data:        r.Data,
		Version:     r.Version,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		AccessCount: r.AccessCount,
		Size:        r.Size,
		Compressed:  r.Compressed,
	}
	if s.opt.Cache != nil {
		if e, ok := s.opt.Cache.Peek(r.ID); ok && e.Value == r {
			t := e.Tier
			d.Tier = &t
			// Index hits never reach the store, which only counts loads.
			d.AccessCount += e.AccessCount
		}
	}
	return d
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request) error {
	id := chi.URLParam(r, "id")
	if id == "" {
		return BadRequest("empty id")
	}
	var (
		raw *persist.RawState
		err error
	)
	if c := s.opt.Cache; c != nil {
		// The index keeps no deadline of its own; a record past its store
		// TTL is dropped and read through, which yields not found.
		if e, ok := c.Peek(id); ok && e.Value.Expired(s.clock.Now()) {
			c.Remove(id)
		}
		raw, err = c.GetOrLoad(r.Context(), id)
	} else {
		raw, err = s.opt.Store.GetState(r.Context(), id)
	}
	if err != nil {
		return err
	}
	if raw == nil {
		return NotFound("not found")
	}
	writeSuccess(w, http.StatusOK, s.toDTO(raw))
	return nil
}

type putStateRequest struct {
	Data            json.RawMessage `json:"data"`
	ExpectedVersion *int64          `json:"expectedVersion,omitempty"`
	TTLMs           int64           `json:"ttlMs,omitempty"`
}

func (s *Server) putState(w http.ResponseWriter, r *http.Request) error {
	id := chi.URLParam(r, "id")
	if id == "" {
		return BadRequest("empty id")
	}
	var req putStateRequest
	if err := DecodeJSON(r, &req); err != nil {
		return err
	}
	if len(req.Data) == 0 {
		return BadRequest("data is required")
	}
	if req.TTLMs < 0 {
		return BadRequest("ttlMs must be >= 0")
	}
	ttl := time.Duration(req.TTLMs) * time.Millisecond
	opts := []persist.SaveOption{persist.WithTTL(ttl)}
	if req.ExpectedVersion != nil {
		opts = append(opts, persist.WithExpectedVersion(*req.ExpectedVersion))
	}
	raw, err := s.opt.Store.SaveState(r.Context(), id, req.Data, opts...)
	if err != nil {
		return err
	}
	target := tier.Transient
	if c := s.opt.Cache; c != nil {
		c.Set(id, raw)
		if e, ok := c.Peek(id); ok {
			target = e.Tier
		}
	}
	if ttl > 0 && s.opt.Lifecycle != nil {
		// Keep the scheduler's deadline in step with the store's.
		if err := s.opt.Lifecycle.SetTTL(id, ttl); err != nil {
			s.log.Warn("set ttl", "key", id, "err", err)
		}
	}
	if s.opt.Hooks != nil {
		s.opt.Hooks.Emit(r.Context(), hook.OnPersist, hook.PersistContext{
			Context:    hook.Context{Key: id, Tier: target, Timestamp: s.clock.Now()},
			Value:      raw,
			TargetTier: target,
		})
	}
	writeSuccess(w, http.StatusOK, s.toDTO(raw))
	return nil
}

func (s *Server) deleteState(w http.ResponseWriter, r *http.Request) error {
	id := chi.URLParam(r, "id")
	if id == "" {
		return BadRequest("empty id")
	}
	if err := s.opt.Store.Delete(r.Context(), id); err != nil {
		return err
	}
	if s.opt.Cache != nil {
		s.opt.Cache.Remove(id)
	}
	if s.opt.Lifecycle != nil {
		s.opt.Lifecycle.TTL().ClearTTL(id)
	}
	writeSuccess(w, http.StatusOK, map[string]string{"id": id})
	return nil
}

func (s *Server) keys(w http.ResponseWriter, r *http.Request) error {
	keys, err := s.opt.Store.Keys(r.Context(), r.URL.Query().Get("pattern"))
	if err != nil {
		return BadRequest(err.Error())
	}
	if keys == nil {
		keys = []string{}
	}
	writeSuccess(w, http.StatusOK, map[string]any{"keys": keys})
	return nil
}

// --- lifecycle ---

type ttlRequest struct {
	// TTLMs < 0 means "never expires".
	TTLMs int64 `json:"ttlMs"`
}

func (s *Server) setTTL(w http.ResponseWriter, r *http.Request) error {
	id := chi.URLParam(r, "id")
	var req ttlRequest
	if err := DecodeJSON(r, &req); err != nil {
		return err
	}
	d := time.Duration(req.TTLMs) * time.Millisecond
	if req.TTLMs < 0 {
		d = policy.NoExpiry
	}
	if err := s.opt.Lifecycle.SetTTL(id, d); err != nil {
		return BadRequest(err.Error())
	}
	writeSuccess(w, http.StatusOK, map[string]any{"id": id, "ttlMs": req.TTLMs})
	return nil
}

type cleanupDTO struct {
	Cleaned int      `json:"cleaned"`
	Expired []string `json:"expired"`
	Evicted int      `json:"evicted"`
	Errors  []string `json:"errors,omitempty"`
}

func (s *Server) runCleanup(w http.ResponseWriter, r *http.Request) error {
	res := s.opt.Lifecycle.RunCleanup(r.Context())
	out := cleanupDTO{Cleaned: res.Cleaned, Expired: res.Expired, Errors: errStrings(res.Errors)}
	if out.Expired == nil {
		out.Expired = []string{}
	}
	if res.Eviction != nil {
		out.Evicted = res.Eviction.Evicted
	}
	writeSuccess(w, http.StatusOK, out)
	return nil
}

type migrationDTO struct {
	Promoted     int      `json:"promoted"`
	Demoted      int      `json:"demoted"`
	PromotedKeys []string `json:"promotedKeys"`
	DemotedKeys  []string `json:"demotedKeys"`
	Errors       []string `json:"errors,omitempty"`
}

func (s *Server) runMigration(w http.ResponseWriter, r *http.Request) error {
	rep := s.opt.Lifecycle.RunMigration(r.Context())
	out := migrationDTO{
		Promoted:     rep.Promoted,
		Demoted:      rep.Demoted,
		PromotedKeys: nonNil(rep.PromotedKeys),
		DemotedKeys:  nonNil(rep.DemotedKeys),
		Errors:       errStrings(rep.Errors),
	}
	writeSuccess(w, http.StatusOK, out)
	return nil
}

// --- stats ---

type cacheStatsDTO struct {
	Len       int            `json:"len"`
	Tiers     map[string]int `json:"tiers"`
	Hits      int64          `json:"hits"`
	Misses    int64          `json:"misses"`
	Evictions uint64         `json:"evictions"`
}

type lifecycleStatsDTO struct {
	Running       bool   `json:"running"`
	CleanupRuns   uint64 `json:"cleanupRuns"`
	MigrationRuns uint64 `json:"migrationRuns"`
	TrackedKeys   int    `json:"trackedKeys"`
	CustomTTLs    int    `json:"customTtls"`
	Hooks         int    `json:"hooks"`
}

type statsDTO struct {
	Store     *persist.Status    `json:"store,omitempty"`
	Monitor   *monitor.Metrics   `json:"monitor,omitempty"`
	Cache     *cacheStatsDTO     `json:"cache,omitempty"`
	Lifecycle *lifecycleStatsDTO `json:"lifecycle,omitempty"`
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) error {
	var out statsDTO
	if sr, ok := s.opt.Store.(StatusReporter); ok {
		st := sr.Status()
		out.Store = &st
	}
	if s.opt.Monitor != nil {
		m := s.opt.Monitor.Metrics()
		out.Monitor = &m
	}
	if c := s.opt.Cache; c != nil {
		st := c.Stats()
		counts := c.Counts()
		tiers := make(map[string]int, tier.Count)
		for _, t := range tier.All {
			tiers[t.String()] = counts[t]
		}
		out.Cache = &cacheStatsDTO{Len: c.Len(), Tiers: tiers, Hits: st.Hits, Misses: st.Misses, Evictions: st.Evictions}
	}
	if lm := s.opt.Lifecycle; lm != nil {
		st := lm.Stats()
		out.Lifecycle = &lifecycleStatsDTO{
			Running:       st.Running,
			CleanupRuns:   st.CleanupRuns,
			MigrationRuns: st.MigrationRuns,
			TrackedKeys:   st.LRU.TotalRecords,
			CustomTTLs:    st.TTL.CustomTTLCount,
			Hooks:         st.Hooks,
		}
	}
	writeSuccess(w, http.StatusOK, out)
	return nil
}

func errStrings(errs []error) []string {
	if len(errs) == 0 {
		return nil
	}
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Error()
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
