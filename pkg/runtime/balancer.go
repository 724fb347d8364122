package runtime

import "sync/atomic"

// RoundRobinBalancer selects indices into a backend set with a lock-free
// atomic counter. The counter is monotonic and never resets when the
// backend count changes, so ordering is preserved across churn.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

// NewRoundRobinBalancer creates a balancer starting at index 0.
func NewRoundRobinBalancer() *RoundRobinBalancer {
	return &RoundRobinBalancer{}
}

// Next returns the next index modulo count, or false when count is zero.
func (b *RoundRobinBalancer) Next(count int) (int, bool) {
	if count <= 0 {
		return 0, false
	}
	idx := b.counter.Add(1) - 1
	return int(idx % uint64(count)), true
}

// Reset zeroes the counter. Intended for tests.
func (b *RoundRobinBalancer) Reset() {
	b.counter.Store(0)
}

// Current returns the counter value, for diagnostics.
func (b *RoundRobinBalancer) Current() uint64 {
	return b.counter.Load()
}
