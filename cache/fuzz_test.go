package cache

import (
	"context"
	"strings"
	"testing"

	"github.com/IvanBrykalov/tierstore/tier"
)

// Fuzz basic Set/Get/Remove/Migrate semantics under arbitrary string inputs.
// Guards against panics and ensures core invariants hold.
func FuzzCache_SetGetRemove(f *testing.F) {
	f.Add("", "", uint8(0))
	f.Add("a", "1", uint8(1))
	f.Add("αβγ", "δ", uint8(2))
	f.Add("emoji🙂", "🙂🙂", uint8(7))
	f.Add("long", strings.Repeat("x", 1024), uint8(1))

	f.Fuzz(func(t *testing.T, k, v string, to uint8) {
		// Cap lengths to keep memory bounded during fuzzing.
		const limit = 1 << 12
		if len(k) > limit {
			k = k[:limit]
		}
		if len(v) > limit {
			v = v[:limit]
		}

		c := New[string](Options[string]{Capacity: 16})
		t.Cleanup(func() { _ = c.Close() })

		c.Set(k, v)
		got, ok := c.Get(k)
		if !ok || got != v {
			t.Fatalf("after Set/Get: want %q, got %q ok=%v", v, got, ok)
		}

		if ok := c.Add(k, "other"); ok {
			t.Fatalf("Add duplicate returned true")
		}

		// A migration either succeeds on an adjacent edge or leaves the
		// entry where it was.
		target := tier.Tier(to)
		err := c.Migrate(context.Background(), k, target)
		e, _ := c.Peek(k)
		if tier.Adjacent(tier.Transient, target) {
			if err != nil || e.Tier != target {
				t.Fatalf("adjacent migrate to %v: err=%v tier=%v", target, err, e.Tier)
			}
		} else if err == nil || e.Tier != tier.Transient {
			t.Fatalf("non-adjacent migrate to %v: err=%v tier=%v", target, err, e.Tier)
		}
		if got := c.Counts().Total(); got != 1 {
			t.Fatalf("Counts total want 1, got %d", got)
		}

		if !c.Remove(k) {
			t.Fatalf("Remove must return true")
		}
		if _, ok := c.Get(k); ok {
			t.Fatalf("key must be absent after Remove")
		}
		if ok := c.Add(k, v); !ok {
			t.Fatalf("Add after Remove must return true")
		}
	})
}
