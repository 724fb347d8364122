package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLimiterAllowsGrowthWithinLimit(t *testing.T) {
	l := NewLimiter(1024, 100)
	assert.True(t, l.MemoryGrowing(0, 512))
	assert.Equal(t, uint64(512), l.MemoryUsed())
}

func TestLimiterDeniesGrowthBeyondLimit(t *testing.T) {
	l := NewLimiter(1024, 100)
	assert.False(t, l.MemoryGrowing(0, 2048))
	// Denied growth leaves tracked usage untouched.
	assert.Equal(t, uint64(0), l.MemoryUsed())
}

func TestLimiterTableGrowth(t *testing.T) {
	l := NewLimiter(1024, 100)
	assert.True(t, l.TableGrowing(0, 50))
	assert.False(t, l.TableGrowing(50, 200))
}

func TestLimiterDefaults(t *testing.T) {
	l := NewDefaultLimiter()
	assert.Equal(t, uint64(64*1024*1024), l.MemoryLimit())
}

func TestLimiterTracksUsage(t *testing.T) {
	l := NewLimiter(1<<20, 100)
	l.MemoryGrowing(0, 1024)
	assert.Equal(t, uint64(1024), l.MemoryUsed())
	l.MemoryGrowing(1024, 4096)
	assert.Equal(t, uint64(4096), l.MemoryUsed())
}
