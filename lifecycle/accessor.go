package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/IvanBrykalov/tierstore/tier"
)

// Accessor is the contract the Manager needs from whoever owns the entry
// index. Implementations must be safe for concurrent use; every method may
// block.
type Accessor interface {
	// Entries returns a snapshot of the metadata of every stored entry.
	Entries(ctx context.Context) ([]tier.Meta, error)
	// Delete removes key.
	Delete(ctx context.Context, key string) error
	// Migrate moves key to tier to.
	Migrate(ctx context.Context, key string, to tier.Tier) error
}

// Counter is implemented by accessors that track live per-tier counts.
type Counter interface {
	Counts() tier.Counts
}

// AccessorFuncs adapts plain callbacks to Accessor. A nil EntriesFunc
// reports no entries; nil DeleteFunc or MigrateFunc fail with
// errors.ErrUnsupported.
type AccessorFuncs struct {
	EntriesFunc func(ctx context.Context) ([]tier.Meta, error)
	DeleteFunc  func(ctx context.Context, key string) error
	MigrateFunc func(ctx context.Context, key string, to tier.Tier) error
}

func (f AccessorFuncs) Entries(ctx context.Context) ([]tier.Meta, error) {
	if f.EntriesFunc == nil {
		return nil, nil
	}
	return f.EntriesFunc(ctx)
}

func (f AccessorFuncs) Delete(ctx context.Context, key string) error {
	if f.DeleteFunc == nil {
		return fmt.Errorf("lifecycle: delete: %w", errors.ErrUnsupported)
	}
	return f.DeleteFunc(ctx, key)
}

func (f AccessorFuncs) Migrate(ctx context.Context, key string, to tier.Tier) error {
	if f.MigrateFunc == nil {
		return fmt.Errorf("lifecycle: migrate: %w", errors.ErrUnsupported)
	}
	return f.MigrateFunc(ctx, key, to)
}

var _ Accessor = AccessorFuncs{}
