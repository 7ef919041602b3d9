package persist

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a record does not exist or has expired.
	ErrNotFound = errors.New("persist: not found")
	// ErrOptimisticLock matches every *OptimisticLockError.
	ErrOptimisticLock = errors.New("persist: optimistic lock failed")
	// ErrConcurrentModification is returned when a save without an expected
	// version keeps losing the WATCH race after MaxRetries attempts.
	ErrConcurrentModification = errors.New("persist: concurrent modification")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("persist: store closed")
	// ErrFallbackActive is returned by Reconcile while Redis is unavailable.
	ErrFallbackActive = errors.New("persist: network store unavailable")
)

// OptimisticLockError reports a version mismatch on SaveState. Actual is 0
// when the record does not exist.
type OptimisticLockError struct {
	ID       string
	Expected int64
	Actual   int64
}

func (e *OptimisticLockError) Error() string {
	return fmt.Sprintf("persist: optimistic lock failed for %q: expected version %d, got %d", e.ID, e.Expected, e.Actual)
}

// Is makes errors.Is(err, ErrOptimisticLock) hold.
func (e *OptimisticLockError) Is(target error) bool { return target == ErrOptimisticLock }
