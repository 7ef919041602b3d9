package util

import "runtime"

// NextPow2 returns the smallest power of two >= x; 0 and 1 map to 1 and
// values past 1<<63 clamp to 1<<63.
func NextPow2(x uint64) uint64 {
	if x <= 1 {
		return 1
	}
	x--
	x |= x >> 1
	x |= x >> 2
	x |= x >> 4
	x |= x >> 8
	x |= x >> 16
	x |= x >> 32
	x++
	if x == 0 {
		return 1 << 63
	}
	return x
}

// StripeCount normalizes a requested shard/stripe count to a power of two.
// n <= 0 picks nextPow2(2*GOMAXPROCS); the result is clamped to [1..256].
func StripeCount(n int) int {
	if n <= 0 {
		n = 2 * max(1, runtime.GOMAXPROCS(0))
	}
	return min(int(NextPow2(uint64(n))), 256)
}

// Stripe maps key to an index in [0, n) where n is a power of two.
func Stripe(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(HashKey(key) & uint64(n-1))
}
