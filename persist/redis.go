package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/IvanBrykalov/tierstore/tier"
)

const tracerName = "github.com/IvanBrykalov/tierstore/persist"

// Hash fields of a stored record.
const (
	fData       = "data"
	fVersion    = "version"
	fCreated    = "created"
	fUpdated    = "updated"
	fAccess     = "access"
	fSize       = "size"
	fCompressed = "compressed"
	fExpires    = "expires"
)

// scanBatch is the COUNT hint for SCAN and the DEL batch size of Clear.
const scanBatch = 500

// RedisStore is a Store backed by Redis hashes. Connection-class failures
// switch it to its MemoryStore fallback immediately; the failing call is
// answered by the fallback. A fixed-interval reconnect loop brings it back.
type RedisStore struct {
	cfg      Config
	client   *redis.Client // nil: fallback only
	fallback *MemoryStore
	codec    codec
	clock    tier.Clock
	log      *slog.Logger
	tracer   trace.Tracer

	ctx    context.Context // cancelled by Close
	cancel context.CancelFunc
	bg     sync.WaitGroup

	mu           sync.RWMutex
	state        ConnState
	useFallback  bool
	closed       bool
	lastErr      error
	attempts     int
	reconnecting bool
	listeners    map[uuid.UUID]func(ConnState)
}

// NewRedisStore builds a store from cfg. It does not dial; call Connect.
// With an empty cfg.URL the store serves everything from its fallback and
// reports itself connected.
func NewRedisStore(cfg Config, opts ...Option) (*RedisStore, error) {
	cfg = cfg.withDefaults()
	o := buildOptions(opts)
	if o.tp == nil {
		o.tp = otel.GetTracerProvider()
	}
	if o.fallback == nil {
		o.fallback = NewMemoryStore(WithClock(o.clock), WithLogger(o.log), WithCompressThreshold(cfg.CompressThreshold))
	}

	s := &RedisStore{
		cfg:       cfg,
		fallback:  o.fallback,
		codec:     codec{threshold: cfg.CompressThreshold, log: o.log},
		clock:     o.clock,
		log:       o.log,
		tracer:    o.tp.Tracer(tracerName),
		listeners: make(map[uuid.UUID]func(ConnState)),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if cfg.URL == "" {
		s.useFallback = true
		s.state = StateConnected
		return s, nil
	}
	ro, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("persist: parse redis url: %w", err)
	}
	if cfg.Token != "" {
		ro.Password = cfg.Token
	}
	if cfg.DB != 0 {
		ro.DB = cfg.DB
	}
	ro.DialTimeout = cfg.ConnectTimeout
	ro.MaxRetries = cfg.MaxRetries
	ro.MinRetryBackoff = min(cfg.RetryInterval, 5*time.Second)
	ro.MaxRetryBackoff = 5 * time.Second
	s.client = redis.NewClient(ro)
	s.fallback.trackDirty()
	return s, nil
}

// Connect pings Redis. On success the store leaves fallback mode; on
// failure it stays on the fallback and, with AutoReconnect, keeps trying in
// the background.
func (s *RedisStore) Connect(ctx context.Context) bool {
	s.mu.RLock()
	closed, client, st, fb := s.closed, s.client, s.state, s.useFallback
	s.mu.RUnlock()
	switch {
	case closed:
		return false
	case client == nil:
		return true
	case st == StateConnected && !fb:
		return true
	}

	s.transition(StateConnecting, nil)
	if err := s.ping(ctx); err != nil {
		s.transition(StateError, func() {
			s.useFallback = true
			s.lastErr = err
		})
		s.log.Warn("persist.connect_failed", "err", err)
		s.scheduleReconnect()
		return false
	}
	s.recovered()
	return true
}

// RetryConnection resets the reconnect budget and connects again. It is the
// way back after the reconnect loop gave up.
func (s *RedisStore) RetryConnection(ctx context.Context) bool {
	s.mu.Lock()
	if !s.useFallback && s.state == StateConnected {
		s.mu.Unlock()
		return true
	}
	s.attempts = 0
	s.mu.Unlock()
	return s.Connect(ctx)
}

// ForceFallback routes every operation to the fallback until the next
// successful Connect or reconnect.
func (s *RedisStore) ForceFallback() {
	s.mu.Lock()
	s.useFallback = true
	s.mu.Unlock()
	s.log.Info("persist.fallback_forced")
}

func (s *RedisStore) IsUsingFallback() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.useFallback
}

func (s *RedisStore) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateConnected
}

func (s *RedisStore) State() ConnState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// LastError returns the last connection error, nil once connected.
func (s *RedisStore) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

func (s *RedisStore) ReconnectStatus() ReconnectStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ReconnectStatus{
		Attempts:     s.attempts,
		MaxAttempts:  s.cfg.MaxReconnectAttempts,
		Reconnecting: s.reconnecting,
		State:        s.state,
	}
}

// Fallback returns the memory store used while Redis is unavailable.
func (s *RedisStore) Fallback() *MemoryStore { return s.fallback }

// OnStateChange registers fn for state transitions and returns a func that
// removes it. fn runs synchronously on the goroutine causing the change.
func (s *RedisStore) OnStateChange(fn func(ConnState)) func() {
	if fn == nil {
		return func() {}
	}
	id := uuid.New()
	s.mu.Lock()
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// transition applies mutate and moves to state to under the lock, then
// notifies listeners outside it. Nothing leaves StateClosed.
func (s *RedisStore) transition(to ConnState, mutate func()) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	if mutate != nil {
		mutate()
	}
	changed := s.state != to
	s.state = to
	ls := slices.Collect(maps.Values(s.listeners))
	s.mu.Unlock()
	if !changed {
		return
	}
	for _, fn := range ls {
		s.notify(fn, to)
	}
}

func (s *RedisStore) notify(fn func(ConnState), st ConnState) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("persist.listener_panic", "state", st.String(), "err", fmt.Sprint(p))
		}
	}()
	fn(st)
}

func (s *RedisStore) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) recovered() {
	s.transition(StateConnected, func() {
		s.useFallback = false
		s.attempts = 0
		s.lastErr = nil
	})
	s.log.Info("persist.connected")
	if !s.cfg.ReconcileOnRecover {
		return
	}
	res, err := s.Reconcile(s.ctx)
	if err != nil {
		s.log.Warn("persist.reconcile_failed", "err", err)
		return
	}
	s.log.Info("persist.reconciled", "replayed", res.Replayed, "deleted", res.Deleted, "errors", len(res.Errors))
}

// degrade switches to the fallback when err is connection-class and
// reports whether it did.
func (s *RedisStore) degrade(op string, err error) bool {
	if !isConnError(err) {
		return false
	}
	s.transition(StateError, func() {
		s.useFallback = true
		s.lastErr = err
	})
	s.log.Warn("persist.fallback", "op", op, "err", err)
	s.scheduleReconnect()
	return true
}

func (s *RedisStore) scheduleReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.reconnecting || s.client == nil || !s.cfg.AutoReconnect {
		return
	}
	if s.attempts >= s.cfg.MaxReconnectAttempts {
		return
	}
	s.reconnecting = true
	s.bg.Add(1)
	go s.reconnectLoop()
}

func (s *RedisStore) reconnectLoop() {
	defer s.bg.Done()

	t := time.NewTicker(s.cfg.ReconnectInterval)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			s.setReconnecting(false)
			return
		case <-t.C:
		}

		s.mu.Lock()
		if !s.useFallback {
			s.reconnecting = false
			s.mu.Unlock()
			return
		}
		if s.attempts >= s.cfg.MaxReconnectAttempts {
			s.reconnecting = false
			s.mu.Unlock()
			s.log.Error("persist.reconnect_exhausted", "attempts", s.cfg.MaxReconnectAttempts)
			return
		}
		s.attempts++
		n := s.attempts
		s.mu.Unlock()

		s.transition(StateReconnecting, nil)
		err := s.ping(s.ctx)
		if err == nil {
			s.setReconnecting(false)
			s.recovered()
			return
		}
		s.transition(StateError, func() { s.lastErr = err })
		s.log.Warn("persist.reconnect_failed", "attempt", n, "err", err)
	}
}

func (s *RedisStore) setReconnecting(v bool) {
	s.mu.Lock()
	s.reconnecting = v
	s.mu.Unlock()
}

// online reports whether operations should go to Redis.
func (s *RedisStore) online() (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrClosed
	}
	return s.client != nil && !s.useFallback, nil
}

func (s *RedisStore) key(id string) string { return s.cfg.KeyPrefix + id }

func (s *RedisStore) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "persist."+op, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil && !errors.Is(err, ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// --- state operations ---

func (s *RedisStore) GetState(ctx context.Context, id string) (_ *RawState, err error) {
	on, err := s.online()
	if err != nil {
		return nil, err
	}
	if !on {
		return s.fallback.GetState(ctx, id)
	}
	ctx, span := s.start(ctx, "GetState", attribute.String("persist.id", id))
	defer func() { endSpan(span, err) }()

	key := s.key(id)
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		if s.degrade("get_state", err) {
			return s.fallback.GetState(ctx, id)
		}
		return nil, fmt.Errorf("persist: get %q: %w", id, err)
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}
	r, err := s.parse(id, vals)
	if err != nil {
		return nil, err
	}
	r.AccessCount++
	s.bumpAccess(key)
	return r, nil
}

// bumpAccess increments the stored access counter in the background,
// skipping keys that vanished in the meantime.
func (s *RedisStore) bumpAccess(key string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ConnectTimeout)
		defer cancel()
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			n, err := tx.Exists(ctx, key).Result()
			if err != nil || n == 0 {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.HIncrBy(ctx, key, fAccess, 1)
				return nil
			})
			return err
		}, key)
		if err != nil && !errors.Is(err, redis.TxFailedErr) && !errors.Is(err, context.Canceled) {
			s.log.Debug("persist.access_bump_failed", "key", key, "err", err)
		}
	}()
}

func (s *RedisStore) SaveState(ctx context.Context, id string, value any, opts ...SaveOption) (_ *RawState, err error) {
	payload, err := marshal(value)
	if err != nil {
		return nil, err
	}
	o := applySaveOptions(opts)

	on, err := s.online()
	if err != nil {
		return nil, err
	}
	if !on {
		return s.fallback.save(id, payload, o)
	}
	ctx, span := s.start(ctx, "SaveState",
		attribute.String("persist.id", id),
		attribute.Int("persist.size", len(payload)))
	defer func() { endSpan(span, err) }()

	r, err := s.saveRedis(ctx, id, payload, o)
	if err != nil && s.degrade("save_state", err) {
		return s.fallback.save(id, payload, o)
	}
	return r, err
}

// saveRedis runs the WATCH/HMGET/MULTI/EXEC cycle. A lost WATCH race is
// retried up to MaxRetries times; with an expected version the re-read then
// fails the check, so lock conflicts are never retried past it.
func (s *RedisStore) saveRedis(ctx context.Context, id string, payload []byte, o saveOptions) (*RawState, error) {
	enc := s.codec.encode(payload, o.compress)
	key := s.key(id)

	var out *RawState
	txf := func(tx *redis.Tx) error {
		cur, err := tx.HMGet(ctx, key, fVersion, fCreated, fAccess).Result()
		if err != nil {
			return err
		}
		version, exists := toInt(cur[0])
		created, _ := toInt(cur[1])
		access, _ := toInt(cur[2])
		if o.hasExpected && version != o.expected {
			return &OptimisticLockError{ID: id, Expected: o.expected, Actual: version}
		}
		now := s.clock.Now().UnixMilli()
		if !exists {
			created = now
		}
		var expires int64
		if o.ttl > 0 {
			expires = now + o.ttl.Milliseconds()
		}
		next := &RawState{
			ID:          id,
			Data:        payload,
			Version:     version + 1,
			CreatedAt:   time.UnixMilli(created),
			UpdatedAt:   time.UnixMilli(now),
			AccessCount: access + 1,
			Size:        enc.size,
			Compressed:  enc.compressed,
			ExpiresAt:   unixMilliOrZero(expires),
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key,
				fData, enc.stored,
				fVersion, next.Version,
				fCreated, created,
				fUpdated, now,
				fAccess, next.AccessCount,
				fSize, enc.size,
				fCompressed, enc.compressed,
				fExpires, expires,
			)
			if o.ttl > 0 {
				p.PExpire(ctx, key, o.ttl)
			} else {
				p.Persist(ctx, key)
			}
			return nil
		})
		if err == nil {
			out = next
		}
		return err
	}

	for attempt := 0; ; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return out, nil
		}
		var lockErr *OptimisticLockError
		switch {
		case errors.As(err, &lockErr):
			return nil, err
		case errors.Is(err, redis.TxFailedErr):
			if attempt < s.cfg.MaxRetries {
				continue
			}
			return nil, fmt.Errorf("persist: save %q: %w", id, ErrConcurrentModification)
		default:
			return nil, fmt.Errorf("persist: save %q: %w", id, err)
		}
	}
}

func (s *RedisStore) parse(id string, vals map[string]string) (*RawState, error) {
	compressed := vals[fCompressed] == "1"
	data, err := s.codec.decode([]byte(vals[fData]), compressed)
	if err != nil {
		return nil, fmt.Errorf("persist: %q: %w", id, err)
	}
	num := func(f string) int64 {
		n, _ := strconv.ParseInt(vals[f], 10, 64)
		return n
	}
	return &RawState{
		ID:          id,
		Data:        data,
		Version:     num(fVersion),
		CreatedAt:   time.UnixMilli(num(fCreated)),
		UpdatedAt:   time.UnixMilli(num(fUpdated)),
		AccessCount: num(fAccess),
		Size:        int(num(fSize)),
		Compressed:  compressed,
		ExpiresAt:   unixMilliOrZero(num(fExpires)),
	}, nil
}

func unixMilliOrZero(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func toInt(v any) (int64, bool) {
	str, ok := v.(string)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(str, 10, 64)
	return n, err == nil
}

// --- key/value surface ---

func (s *RedisStore) Get(ctx context.Context, key string, dst any) (bool, error) {
	return getInto(ctx, s, key, dst)
}

func (s *RedisStore) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	_, err := s.SaveState(ctx, key, value, WithTTL(ttl))
	return err
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	on, err := s.online()
	if err != nil {
		return err
	}
	if !on {
		return s.fallback.Delete(ctx, key)
	}
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		if s.degrade("delete", err) {
			return s.fallback.Delete(ctx, key)
		}
		return fmt.Errorf("persist: delete %q: %w", key, err)
	}
	return nil
}

// Clear deletes every key under the configured prefix from the active
// backend.
func (s *RedisStore) Clear(ctx context.Context) error {
	on, err := s.online()
	if err != nil {
		return err
	}
	if !on {
		return s.fallback.Clear(ctx)
	}
	keys, err := s.scan(ctx, "*", false)
	if err == nil {
		for chunk := range slices.Chunk(keys, scanBatch) {
			if err = s.client.Del(ctx, chunk...).Err(); err != nil {
				break
			}
		}
	}
	if err != nil {
		if s.degrade("clear", err) {
			return s.fallback.Clear(ctx)
		}
		return fmt.Errorf("persist: clear: %w", err)
	}
	return nil
}

// Keys lists ids matching a Redis glob pattern, sorted.
func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "*"
	}
	on, err := s.online()
	if err != nil {
		return nil, err
	}
	if !on {
		return s.fallback.Keys(ctx, pattern)
	}
	ids, err := s.scan(ctx, pattern, true)
	if err != nil {
		if s.degrade("keys", err) {
			return s.fallback.Keys(ctx, pattern)
		}
		return nil, fmt.Errorf("persist: keys: %w", err)
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *RedisStore) scan(ctx context.Context, pattern string, strip bool) ([]string, error) {
	var out []string
	it := s.client.Scan(ctx, 0, s.cfg.KeyPrefix+pattern, scanBatch).Iterator()
	for it.Next(ctx) {
		k := it.Val()
		if strip {
			k = k[len(s.cfg.KeyPrefix):]
		}
		out = append(out, k)
	}
	return out, it.Err()
}

// --- batch operations ---

// MGet reads every id in one pipeline. It does not count accesses.
func (s *RedisStore) MGet(ctx context.Context, ids []string) (_ []*RawState, err error) {
	if len(ids) == 0 {
		return nil, nil
	}
	on, err := s.online()
	if err != nil {
		return nil, err
	}
	if !on {
		return s.fallback.MGet(ctx, ids)
	}
	ctx, span := s.start(ctx, "MGet", attribute.Int("persist.count", len(ids)))
	defer func() { endSpan(span, err) }()

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, s.key(id))
		}
		return nil
	})
	if err != nil {
		if s.degrade("mget", err) {
			return s.fallback.MGet(ctx, ids)
		}
		return nil, fmt.Errorf("persist: mget: %w", err)
	}
	out := make([]*RawState, len(ids))
	for i, c := range cmds {
		vals := c.Val()
		if len(vals) == 0 {
			continue
		}
		if r, perr := s.parse(ids[i], vals); perr == nil {
			out[i] = r
		}
	}
	return out, nil
}

// MSet writes every item in one MULTI/EXEC. Versions still grow by one per
// write; there is no optimistic check.
func (s *RedisStore) MSet(ctx context.Context, items []Item) (err error) {
	if len(items) == 0 {
		return nil
	}
	type prepared struct {
		key string
		enc encoded
		ttl time.Duration
	}
	batch := make([]prepared, len(items))
	for i, it := range items {
		payload, err := marshal(it.Value)
		if err != nil {
			return &tier.KeyError{Key: it.ID, Op: "mset", Err: err}
		}
		batch[i] = prepared{key: s.key(it.ID), enc: s.codec.encode(payload, nil), ttl: it.TTL}
	}

	on, err := s.online()
	if err != nil {
		return err
	}
	if !on {
		return s.fallback.MSet(ctx, items)
	}
	ctx, span := s.start(ctx, "MSet", attribute.Int("persist.count", len(items)))
	defer func() { endSpan(span, err) }()

	now := s.clock.Now().UnixMilli()
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, b := range batch {
			p.HIncrBy(ctx, b.key, fVersion, 1)
			p.HSetNX(ctx, b.key, fCreated, now)
			p.HSetNX(ctx, b.key, fAccess, 0)
			var expires int64
			if b.ttl > 0 {
				expires = now + b.ttl.Milliseconds()
			}
			p.HSet(ctx, b.key,
				fData, b.enc.stored,
				fUpdated, now,
				fSize, b.enc.size,
				fCompressed, b.enc.compressed,
				fExpires, expires,
			)
			if b.ttl > 0 {
				p.PExpire(ctx, b.key, b.ttl)
			} else {
				p.Persist(ctx, b.key)
			}
		}
		return nil
	})
	if err != nil {
		if s.degrade("mset", err) {
			return s.fallback.MSet(ctx, items)
		}
		return fmt.Errorf("persist: mset: %w", err)
	}
	return nil
}

// MDel removes every id with a single DEL.
func (s *RedisStore) MDel(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	on, err := s.online()
	if err != nil {
		return err
	}
	if !on {
		return s.fallback.MDel(ctx, ids)
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		if s.degrade("mdel", err) {
			return s.fallback.MDel(ctx, ids)
		}
		return fmt.Errorf("persist: mdel: %w", err)
	}
	return nil
}

// Close stops the reconnect loop, waits for background access bumps and
// closes the client. Further calls fail with ErrClosed.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.bg.Wait()
	var err error
	if s.client != nil {
		err = s.client.Close()
	}
	s.transition(StateClosed, nil)
	s.mu.Lock()
	clear(s.listeners)
	s.mu.Unlock()
	_ = s.fallback.Clear(context.Background())
	return err
}

var _ Store = (*RedisStore)(nil)
