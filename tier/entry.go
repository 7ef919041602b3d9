package tier

import (
	"fmt"
	"time"
)

// Meta is the lifecycle metadata of a stored record. Scheduling decisions
// (expiry, promotion, demotion, eviction) only ever look at Meta.
type Meta struct {
	Key          string
	Tier         Tier
	Timestamp    time.Time // creation time
	LastAccessed time.Time
	AccessCount  int64
}

// Age returns how long ago the record was created.
func (m Meta) Age(now time.Time) time.Duration { return now.Sub(m.Timestamp) }

// Inactive returns how long the record has gone without an access.
func (m Meta) Inactive(now time.Time) time.Duration { return now.Sub(m.LastAccessed) }

// Entry is a record together with its value. The owning index mutates
// LastAccessed/AccessCount on every access; only migrations change Tier.
type Entry[V any] struct {
	Meta
	Value V
}

// Counts holds per-tier occupancy, indexed by Tier.
type Counts [Count]int

// Total returns the sum over all tiers.
func (c Counts) Total() int { return c[Transient] + c[Staging] + c[Archive] }

// CountMetas tallies entries per tier. Invalid tiers are ignored.
func CountMetas(metas []Meta) Counts {
	var c Counts
	for _, m := range metas {
		if m.Tier.Valid() {
			c[m.Tier]++
		}
	}
	return c
}

// Clock provides the current time; useful for deterministic tests.
type Clock interface{ Now() time.Time }

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// OrSystem returns c, or SystemClock when c is nil.
func OrSystem(c Clock) Clock {
	if c == nil {
		return SystemClock{}
	}
	return c
}

// KeyError records the failure of a single key inside a batch operation.
// Batches never abort on a KeyError; they collect it and move on.
type KeyError struct {
	Key string
	Op  string
	Err error
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
}

func (e *KeyError) Unwrap() error { return e.Err }
