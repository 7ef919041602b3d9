package util

import "testing"

func TestNextPow2(t *testing.T) {
	t.Parallel()
	cases := map[uint64]uint64{0: 1, 1: 1, 2: 2, 3: 4, 17: 32, 1 << 40: 1 << 40, 1<<63 + 1: 1 << 63}
	for in, want := range cases {
		if got := NextPow2(in); got != want {
			t.Errorf("NextPow2(%d)=%d want %d", in, got, want)
		}
	}
}

func TestStripeCount(t *testing.T) {
	t.Parallel()
	if got := StripeCount(5); got != 8 {
		t.Fatalf("StripeCount(5)=%d", got)
	}
	if got := StripeCount(10_000); got != 256 {
		t.Fatalf("clamp: %d", got)
	}
	if got := StripeCount(0); got < 1 || got&(got-1) != 0 {
		t.Fatalf("auto count must be a power of two, got %d", got)
	}
}

func TestStripe_StableAndInRange(t *testing.T) {
	t.Parallel()
	for _, k := range []string{"", "a", "state:42", "some/longer/key"} {
		i := Stripe(k, 16)
		if i < 0 || i >= 16 || i != Stripe(k, 16) {
			t.Fatalf("Stripe(%q)=%d", k, i)
		}
	}
	if Stripe("x", 1) != 0 {
		t.Fatal("single stripe")
	}
	// FNV-1a of the empty string is the offset basis.
	if HashKey("") != fnvOffset64 {
		t.Fatal("hash of empty key")
	}
}
