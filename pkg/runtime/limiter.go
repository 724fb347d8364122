package runtime

import (
	"sync/atomic"

	"github.com/warpgrid/warpgrid/pkg/log"
	"github.com/warpgrid/warpgrid/pkg/metrics"
)

// Limiter holds per-instance memory and table caps.
//
// MemoryGrowing/TableGrowing deny growth beyond the configured limits and
// log the denial with current/requested/limit values. Guest growth
// requests are not routed through them: guest memory is capped by the
// engine's page limit set in newInstance, and the table cap is not
// applied to guest tables. Current usage is tracked for observability.
type Limiter struct {
	memoryLimit uint64
	tableLimit  uint32
	memoryUsed  atomic.Uint64
}

// NewLimiter creates a limiter with explicit caps.
func NewLimiter(memoryLimit uint64, tableLimit uint32) *Limiter {
	return &Limiter{memoryLimit: memoryLimit, tableLimit: tableLimit}
}

// NewDefaultLimiter uses the defaults: 64 MiB memory, 10 000 table elements.
func NewDefaultLimiter() *Limiter {
	return NewLimiter(DefaultMemoryLimit, DefaultTableLimit)
}

// MemoryGrowing reports whether a growth from current to desired bytes is
// allowed. Denials are logged and counted.
func (l *Limiter) MemoryGrowing(current, desired uint64) bool {
	if desired > l.memoryLimit {
		log.Logger.Warn().
			Uint64("current", current).
			Uint64("desired", desired).
			Uint64("limit", l.memoryLimit).
			Msg("memory growth denied")
		metrics.MemoryDenials.Inc()
		return false
	}
	l.memoryUsed.Store(desired)
	return true
}

// TableGrowing reports whether a table growth to desired elements is allowed.
func (l *Limiter) TableGrowing(current, desired uint32) bool {
	if desired > l.tableLimit {
		log.Logger.Warn().
			Uint32("current", current).
			Uint32("desired", desired).
			Uint32("limit", l.tableLimit).
			Msg("table growth denied")
		metrics.MemoryDenials.Inc()
		return false
	}
	return true
}

// MemoryUsed returns the tracked memory usage in bytes.
func (l *Limiter) MemoryUsed() uint64 {
	return l.memoryUsed.Load()
}

// SetMemoryUsed records an observed usage sample (from the engine).
func (l *Limiter) SetMemoryUsed(bytes uint64) {
	l.memoryUsed.Store(bytes)
}

// MemoryLimit returns the configured memory cap in bytes.
func (l *Limiter) MemoryLimit() uint64 {
	return l.memoryLimit
}
