package persist

import (
	"context"
	"errors"
	"fmt"

	"github.com/IvanBrykalov/tierstore/tier"
)

// ReconcileResult summarizes one Reconcile pass.
type ReconcileResult struct {
	// Replayed counts records written back to Redis.
	Replayed int
	// Deleted counts ids deleted from Redis because they were deleted (or
	// expired) in the fallback.
	Deleted int
	Errors  []error
}

// Err joins the per-id failures.
func (r ReconcileResult) Err() error { return errors.Join(r.Errors...) }

// Reconcile replays the fallback's dirty ids to Redis with last-writer-wins
// semantics and removes them from the fallback. It stops early if Redis
// drops again; ids not yet replayed stay dirty.
func (s *RedisStore) Reconcile(ctx context.Context) (res ReconcileResult, err error) {
	on, err := s.online()
	if err != nil {
		return res, err
	}
	if !on {
		return res, ErrFallbackActive
	}
	ids := s.fallback.Dirty()
	if len(ids) == 0 {
		return res, nil
	}
	ctx, span := s.start(ctx, "Reconcile")
	defer func() { endSpan(span, err) }()

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		raw, ttl, perr := s.fallback.peek(id)
		var opErr error
		switch {
		case errors.Is(perr, ErrNotFound):
			opErr = s.client.Del(ctx, s.key(id)).Err()
			if opErr == nil {
				res.Deleted++
			}
		case perr != nil:
			opErr = perr
		default:
			_, opErr = s.saveRedis(ctx, id, raw.Data, saveOptions{ttl: ttl})
			if opErr == nil {
				res.Replayed++
			}
		}
		if opErr == nil {
			s.fallback.drop(id)
			continue
		}
		if s.degrade("reconcile", opErr) {
			return res, fmt.Errorf("persist: reconcile interrupted: %w", opErr)
		}
		res.Errors = append(res.Errors, &tier.KeyError{Key: id, Op: "reconcile", Err: opErr})
	}
	return res, nil
}
