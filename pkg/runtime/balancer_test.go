package runtime

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundRobinCyclesThroughIndices(t *testing.T) {
	b := NewRoundRobinBalancer()

	for _, want := range []int{0, 1, 2, 0, 1} {
		got, ok := b.Next(3)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
}

func TestRoundRobinZeroCount(t *testing.T) {
	b := NewRoundRobinBalancer()
	_, ok := b.Next(0)
	assert.False(t, ok)
}

func TestRoundRobinSingleBackend(t *testing.T) {
	b := NewRoundRobinBalancer()
	for i := 0; i < 10; i++ {
		got, ok := b.Next(1)
		require.True(t, ok)
		assert.Equal(t, 0, got)
	}
}

// Over N requests to K backends every backend receives between ⌊N/K⌋ and
// ⌈N/K⌉ selections.
func TestRoundRobinFairness(t *testing.T) {
	b := NewRoundRobinBalancer()
	const n, k = 103, 4

	counts := make(map[int]int)
	for i := 0; i < n; i++ {
		idx, ok := b.Next(k)
		require.True(t, ok)
		counts[idx]++
	}

	floor, ceil := n/k, (n+k-1)/k
	for idx := 0; idx < k; idx++ {
		assert.GreaterOrEqual(t, counts[idx], floor, "backend %d", idx)
		assert.LessOrEqual(t, counts[idx], ceil, "backend %d", idx)
	}
}

// The counter survives backend churn without reset.
func TestRoundRobinAdaptsToChangingCount(t *testing.T) {
	b := NewRoundRobinBalancer()

	next := func(count int) int {
		idx, ok := b.Next(count)
		require.True(t, ok)
		return idx
	}

	assert.Equal(t, 0, next(2))
	assert.Equal(t, 1, next(2))
	// Pool grows to 4.
	assert.Equal(t, 2, next(4))
	assert.Equal(t, 3, next(4))
	assert.Equal(t, 0, next(4))
	// Pool shrinks to 2.
	assert.Equal(t, 1, next(2))
}

func TestRoundRobinReset(t *testing.T) {
	b := NewRoundRobinBalancer()
	b.Next(3)
	b.Next(3)
	assert.Equal(t, uint64(2), b.Current())

	b.Reset()
	assert.Equal(t, uint64(0), b.Current())
	idx, _ := b.Next(3)
	assert.Equal(t, 0, idx)
}

func TestRoundRobinConcurrentSafety(t *testing.T) {
	b := NewRoundRobinBalancer()

	var wg sync.WaitGroup
	results := make(chan int, 400)
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				idx, ok := b.Next(4)
				if ok {
					results <- idx
				}
			}
		}()
	}
	wg.Wait()
	close(results)

	total := 0
	for idx := range results {
		assert.Less(t, idx, 4)
		total++
	}
	assert.Equal(t, 400, total)
	assert.Equal(t, uint64(400), b.Current())
}
