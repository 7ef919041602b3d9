package hook

import (
	"context"
	"fmt"
)

// Typed adapts a handler for a concrete payload type into a Func.
// Both C and *C payloads are accepted; anything else is an error.
func Typed[C any](fn func(context.Context, C) error) Func {
	return func(ctx context.Context, payload any) error {
		switch p := payload.(type) {
		case C:
			return fn(ctx, p)
		case *C:
			if p == nil {
				return fmt.Errorf("hook: nil %T payload", p)
			}
			return fn(ctx, *p)
		default:
			var zero C
			return fmt.Errorf("hook: payload %T, want %T", payload, zero)
		}
	}
}

func (m *Manager) OnPersistFunc(fn func(context.Context, PersistContext) error) (func(), error) {
	return m.Register(OnPersist, Typed(fn))
}

func (m *Manager) OnRestoreFunc(fn func(context.Context, RestoreContext) error) (func(), error) {
	return m.Register(OnRestore, Typed(fn))
}

func (m *Manager) OnEvictFunc(fn func(context.Context, EvictContext) error) (func(), error) {
	return m.Register(OnEvict, Typed(fn))
}

func (m *Manager) OnErrorFunc(fn func(context.Context, ErrorContext) error) (func(), error) {
	return m.Register(OnError, Typed(fn))
}

func (m *Manager) OnExpireFunc(fn func(context.Context, ExpireContext) error) (func(), error) {
	return m.Register(OnExpire, Typed(fn))
}

func (m *Manager) OnAccessFunc(fn func(context.Context, AccessContext) error) (func(), error) {
	return m.Register(OnAccess, Typed(fn))
}

func (m *Manager) OnMigrateFunc(fn func(context.Context, MigrateContext) error) (func(), error) {
	return m.Register(OnMigrate, Typed(fn))
}
