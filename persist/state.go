package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// RawState is a stored record with its payload still JSON-encoded.
type RawState struct {
	ID          string          `json:"id"`
	Data        json.RawMessage `json:"data"`
	Version     int64           `json:"version"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	AccessCount int64           `json:"accessCount"`
	// Size is the uncompressed payload length in bytes.
	Size       int  `json:"size"`
	Compressed bool `json:"compressed"`
	// ExpiresAt is zero for records without a TTL.
	ExpiresAt time.Time `json:"expiresAt,omitzero"`
}

// Expired reports whether r has a TTL that ran out at or before now.
func (r *RawState) Expired(now time.Time) bool {
	return r != nil && !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// StateWrapper is a decoded record.
type StateWrapper[T any] struct {
	ID          string    `json:"id"`
	Data        T         `json:"data"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	AccessCount int64     `json:"accessCount"`
	Size        int       `json:"size"`
	Compressed  bool      `json:"compressed"`
	ExpiresAt   time.Time `json:"expiresAt,omitzero"`
}

// Decode unmarshals r into a StateWrapper[T].
func Decode[T any](r *RawState) (*StateWrapper[T], error) {
	if r == nil {
		return nil, ErrNotFound
	}
	w := &StateWrapper[T]{
		ID:          r.ID,
		Version:     r.Version,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		AccessCount: r.AccessCount,
		Size:        r.Size,
		Compressed:  r.Compressed,
		ExpiresAt:   r.ExpiresAt,
	}
	if err := json.Unmarshal(r.Data, &w.Data); err != nil {
		return nil, fmt.Errorf("persist: decode %q: %w", r.ID, err)
	}
	return w, nil
}

// SaveOption tunes a single SaveState call.
type SaveOption func(*saveOptions)

type saveOptions struct {
	expected    int64
	hasExpected bool
	ttl         time.Duration
	compress    *bool
}

// WithExpectedVersion makes the save fail with *OptimisticLockError unless
// the stored version equals v. A missing record has version 0.
func WithExpectedVersion(v int64) SaveOption {
	return func(o *saveOptions) {
		o.expected = v
		o.hasExpected = true
	}
}

// WithTTL expires the record after d. d <= 0 keeps it forever.
func WithTTL(d time.Duration) SaveOption {
	return func(o *saveOptions) { o.ttl = d }
}

// WithCompression forces compression on or off regardless of the
// configured threshold.
func WithCompression(on bool) SaveOption {
	return func(o *saveOptions) { o.compress = &on }
}

func applySaveOptions(opts []SaveOption) saveOptions {
	var o saveOptions
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}

// Item is one element of an MSet batch.
type Item struct {
	ID    string
	Value any
	TTL   time.Duration
}

// GetState loads id and decodes its payload into T.
func GetState[T any](ctx context.Context, s Store, id string) (*StateWrapper[T], error) {
	r, err := s.GetState(ctx, id)
	if err != nil {
		return nil, err
	}
	return Decode[T](r)
}

// SaveState stores value under id and returns the decoded new record.
func SaveState[T any](ctx context.Context, s Store, id string, value T, opts ...SaveOption) (*StateWrapper[T], error) {
	r, err := s.SaveState(ctx, id, value, opts...)
	if err != nil {
		return nil, err
	}
	return Decode[T](r)
}

// Get loads the payload of key. The second result is false when the key is
// missing.
func Get[T any](ctx context.Context, s Store, key string) (T, bool, error) {
	var v T
	ok, err := s.Get(ctx, key, &v)
	return v, ok, err
}

// MGet loads ids in one round trip. Missing or undecodable records are nil.
func MGet[T any](ctx context.Context, s Store, ids []string) ([]*StateWrapper[T], error) {
	raws, err := s.MGet(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]*StateWrapper[T], len(raws))
	for i, r := range raws {
		if r == nil {
			continue
		}
		w, err := Decode[T](r)
		if err != nil {
			continue
		}
		out[i] = w
	}
	return out, nil
}

// getInto is the shared Get implementation on top of GetState.
func getInto(ctx context.Context, s Store, key string, dst any) (bool, error) {
	r, err := s.GetState(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(r.Data, dst); err != nil {
		return false, fmt.Errorf("persist: decode %q: %w", key, err)
	}
	return true, nil
}
