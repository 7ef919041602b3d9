package server

import (
	"context"

	"github.com/IvanBrykalov/tierstore/hook"
	"github.com/IvanBrykalov/tierstore/persist"
	"github.com/IvanBrykalov/tierstore/tier"
)

// NewLoader returns a cache.Options.Loader that reads records from store.
// Every successful load is reported to OnRestore with the durable store as
// the source tier (Archive, the coldest one) and Transient as the tier the
// record lands in. hooks may be nil.
func NewLoader(store persist.Store, hooks *hook.Manager, clock tier.Clock) func(context.Context, string) (*persist.RawState, error) {
	clock = tier.OrSystem(clock)
	return func(ctx context.Context, key string) (*persist.RawState, error) {
		raw, err := store.GetState(ctx, key)
		if err != nil {
			return nil, err
		}
		if hooks != nil {
			hooks.Emit(ctx, hook.OnRestore, hook.RestoreContext{
				Context:    hook.Context{Key: key, Tier: tier.Transient, Timestamp: clock.Now()},
				Value:      raw,
				SourceTier: tier.Archive,
			})
		}
		return raw, nil
	}
}
