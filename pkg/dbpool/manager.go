package dbpool

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/warpgrid/warpgrid/pkg/errdefs"
	"github.com/warpgrid/warpgrid/pkg/log"
	"github.com/warpgrid/warpgrid/pkg/metrics"
)

// Config bounds a pool manager.
type Config struct {
	// MaxSize is the per-key connection cap.
	MaxSize int
	// ConnectTimeout bounds the wait for a free slot. Dials are bounded
	// by the Factory, not by this value.
	ConnectTimeout time.Duration
	// IdleTimeout evicts connections idle for longer.
	IdleTimeout time.Duration
	// HealthCheckInterval bounds probe frequency; recently-used
	// connections are not re-probed.
	HealthCheckInterval time.Duration
	// DrainTimeout bounds the graceful drain wait.
	DrainTimeout time.Duration
	// SweepInterval is the idle sweeper cadence.
	SweepInterval time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:             10,
		ConnectTimeout:      5 * time.Second,
		IdleTimeout:         300 * time.Second,
		HealthCheckInterval: 30 * time.Second,
		DrainTimeout:        10 * time.Second,
		SweepInterval:       30 * time.Second,
	}
}

// conn is one pooled connection. The manager's lock covers membership in
// the handle table and idle sets; the conn's own mutex serializes I/O so
// the manager lock can be released across backend calls.
type conn struct {
	handle  uint64
	key     PoolKey
	backend ConnectionBackend

	ioMu      sync.Mutex
	lastUsed  time.Time
	lastProbe time.Time
	unhealthy bool
}

// pool is the per-key state.
type pool struct {
	idle    []*conn
	total   int
	waiters []chan struct{}
}

// Manager owns every open connection, partitioned by pool key.
//
// The internal mutex guards only the handle table, the idle sets, and the
// per-key counters; it is released across backend I/O so multiple
// connections to the same key can transmit simultaneously.
type Manager struct {
	cfg     Config
	factory Factory
	logger  zerolog.Logger

	mu         sync.Mutex
	pools      map[PoolKey]*pool
	active     map[uint64]*conn
	nextHandle uint64
	draining   bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewManager creates a pool manager with the given factory.
func NewManager(cfg Config, factory Factory) *Manager {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultConfig().MaxSize
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	return &Manager{
		cfg:     cfg,
		factory: factory,
		logger:  log.WithComponent("dbpool"),
		pools:   make(map[PoolKey]*pool),
		active:  make(map[uint64]*conn),
		stopCh:  make(chan struct{}),
	}
}

// StartSweeper launches the background idle sweeper. Stopped by Drain or
// StopSweeper.
func (m *Manager) StartSweeper() {
	go func() {
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sweep()
			case <-m.stopCh:
				return
			}
		}
	}()
}

// StopSweeper stops the background sweeper. Idempotent.
func (m *Manager) StopSweeper() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Manager) poolFor(key PoolKey) *pool {
	p, ok := m.pools[key]
	if !ok {
		p = &pool{}
		m.pools[key] = p
	}
	return p
}

// Checkout returns a handle on a connection for key. An idle connection
// is reused when present; otherwise a new one is opened if under
// capacity; otherwise the call blocks up to ConnectTimeout for a release
// and then fails with ResourceExhausted.
func (m *Manager) Checkout(key PoolKey, password string) (uint64, error) {
	deadline := time.Now().Add(m.cfg.ConnectTimeout)

	for {
		m.mu.Lock()
		if m.draining {
			m.mu.Unlock()
			return 0, errdefs.Unavailablef("pool draining")
		}
		p := m.poolFor(key)

		// Reuse an idle connection.
		if n := len(p.idle); n > 0 {
			c := p.idle[n-1]
			p.idle = p.idle[:n-1]
			m.nextHandle++
			c.handle = m.nextHandle
			m.active[c.handle] = c
			m.mu.Unlock()

			c.ioMu.Lock()
			c.lastUsed = time.Now()
			c.ioMu.Unlock()
			return c.handle, nil
		}

		// Open a new connection if under capacity. The slot is reserved
		// before the dial so the cap holds while the lock is released.
		if p.total < m.cfg.MaxSize {
			p.total++
			m.mu.Unlock()

			backend, err := m.factory.Connect(key, password)
			if err != nil {
				m.mu.Lock()
				p.total--
				m.notifyWaiter(p)
				m.mu.Unlock()
				return 0, errdefs.Unavailablef("%v: %w", err, errdefs.ErrConnectionFailed)
			}

			now := time.Now()
			c := &conn{key: key, backend: backend, lastUsed: now, lastProbe: now}

			m.mu.Lock()
			m.nextHandle++
			c.handle = m.nextHandle
			m.active[c.handle] = c
			m.mu.Unlock()

			m.logger.Debug().Str("key", key.String()).Uint64("handle", c.handle).Msg("opened connection")
			return c.handle, nil
		}

		// At capacity: wait for a release.
		wait := make(chan struct{}, 1)
		p.waiters = append(p.waiters, wait)
		m.mu.Unlock()

		metrics.PoolCheckoutWaits.Inc()
		remaining := time.Until(deadline)
		if remaining <= 0 {
			m.removeWaiter(key, wait)
			return 0, errdefs.ResourceExhaustedf("pool %s at capacity (%d)", key, m.cfg.MaxSize)
		}

		timer := time.NewTimer(remaining)
		select {
		case <-wait:
			timer.Stop()
			// Loop and retry the acquire.
		case <-timer.C:
			m.removeWaiter(key, wait)
			return 0, errdefs.ResourceExhaustedf("pool %s at capacity (%d)", key, m.cfg.MaxSize)
		}
	}
}

func (m *Manager) removeWaiter(key PoolKey, wait chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.poolFor(key)
	for i, w := range p.waiters {
		if w == wait {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
}

// notifyWaiter wakes one blocked checkout. Caller holds m.mu.
func (m *Manager) notifyWaiter(p *pool) {
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		select {
		case w <- struct{}{}:
		default:
		}
	}
}

// Release returns the connection behind handle to the idle set if a
// liveness probe succeeds (or was run recently); otherwise the connection
// is destroyed. The handle becomes invalid either way.
func (m *Manager) Release(handle uint64) error {
	m.mu.Lock()
	c, ok := m.active[handle]
	if !ok {
		m.mu.Unlock()
		return errdefs.FailedPreconditionf("invalid handle %d", handle)
	}
	delete(m.active, handle)
	m.mu.Unlock()

	healthy := true
	c.ioMu.Lock()
	if c.unhealthy {
		healthy = false
	} else if time.Since(c.lastProbe) >= m.cfg.HealthCheckInterval {
		healthy = c.backend.Ping()
		c.lastProbe = time.Now()
	}
	c.lastUsed = time.Now()
	c.ioMu.Unlock()

	m.mu.Lock()
	draining := m.draining
	p := m.poolFor(c.key)
	if healthy && !draining {
		p.idle = append(p.idle, c)
	} else {
		p.total--
	}
	m.notifyWaiter(p)
	m.mu.Unlock()

	if !healthy || draining {
		c.ioMu.Lock()
		c.backend.Close()
		c.ioMu.Unlock()
	}

	if !healthy {
		m.logger.Debug().Str("key", c.key.String()).Msg("destroyed unhealthy connection on release")
	}
	return nil
}

// lookup fetches an active connection without holding the manager lock
// across the caller's I/O.
func (m *Manager) lookup(handle uint64) (*conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.active[handle]
	if !ok {
		return nil, errdefs.FailedPreconditionf("invalid handle %d", handle)
	}
	return c, nil
}

// Send proxies bytes to the backend, returning the sent count. A failed
// send marks the connection unhealthy; the handle remains invalid after
// the caller releases or closes it.
func (m *Manager) Send(handle uint64, data []byte) (int, error) {
	c, err := m.lookup(handle)
	if err != nil {
		return 0, err
	}

	c.ioMu.Lock()
	defer c.ioMu.Unlock()
	n, err := c.backend.Send(data)
	c.lastUsed = time.Now()
	if err != nil {
		c.unhealthy = true
		return 0, errdefs.Unavailablef("send on %s: %v: %w", c.key, err, errdefs.ErrQueryFailed)
	}
	return n, nil
}

// Recv proxies a read from the backend, up to maxBytes.
func (m *Manager) Recv(handle uint64, maxBytes int) ([]byte, error) {
	c, err := m.lookup(handle)
	if err != nil {
		return nil, err
	}

	c.ioMu.Lock()
	defer c.ioMu.Unlock()
	data, err := c.backend.Recv(maxBytes)
	c.lastUsed = time.Now()
	if err != nil {
		c.unhealthy = true
		return nil, errdefs.Unavailablef("recv on %s: %v: %w", c.key, err, errdefs.ErrQueryFailed)
	}
	return data, nil
}

// Close force-destroys the connection behind handle.
func (m *Manager) Close(handle uint64) error {
	m.mu.Lock()
	c, ok := m.active[handle]
	if !ok {
		m.mu.Unlock()
		return errdefs.FailedPreconditionf("invalid handle %d", handle)
	}
	delete(m.active, handle)
	p := m.poolFor(c.key)
	p.total--
	m.notifyWaiter(p)
	m.mu.Unlock()

	c.ioMu.Lock()
	c.backend.Close()
	c.ioMu.Unlock()
	return nil
}

// sweep closes idle connections past IdleTimeout and re-probes those
// approaching it.
func (m *Manager) sweep() {
	now := time.Now()
	approaching := m.cfg.IdleTimeout * 3 / 4

	var toClose, toProbe []*conn

	m.mu.Lock()
	for _, p := range m.pools {
		kept := p.idle[:0]
		for _, c := range p.idle {
			idleFor := now.Sub(c.lastUsed)
			switch {
			case idleFor > m.cfg.IdleTimeout:
				toClose = append(toClose, c)
				p.total--
			case idleFor > approaching && now.Sub(c.lastProbe) >= m.cfg.HealthCheckInterval:
				// Pull it out for probing; re-admitted below if alive.
				toProbe = append(toProbe, c)
				p.total--
			default:
				kept = append(kept, c)
			}
		}
		p.idle = kept
		m.notifyWaiter(p)
	}
	m.mu.Unlock()

	for _, c := range toClose {
		c.backend.Close()
		m.logger.Debug().Str("key", c.key.String()).Msg("evicted idle connection")
	}

	for _, c := range toProbe {
		c.ioMu.Lock()
		alive := c.backend.Ping()
		c.lastProbe = time.Now()
		if !alive {
			c.backend.Close()
		}
		c.ioMu.Unlock()

		if alive {
			m.mu.Lock()
			p := m.poolFor(c.key)
			p.idle = append(p.idle, c)
			p.total++
			m.mu.Unlock()
		} else {
			m.logger.Debug().Str("key", c.key.String()).Msg("evicted dead idle connection")
		}
	}
}

// Drain stops new checkouts, waits up to DrainTimeout for in-flight
// handles to release, then force-closes the remainder. Returns the number
// of connections that were force-closed.
func (m *Manager) Drain() int {
	m.mu.Lock()
	m.draining = true
	// Close everything idle immediately.
	var idle []*conn
	for _, p := range m.pools {
		idle = append(idle, p.idle...)
		p.total -= len(p.idle)
		p.idle = nil
		for _, w := range p.waiters {
			select {
			case w <- struct{}{}:
			default:
			}
		}
		p.waiters = nil
	}
	m.mu.Unlock()

	m.StopSweeper()
	for _, c := range idle {
		c.backend.Close()
	}

	deadline := time.Now().Add(m.cfg.DrainTimeout)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		remaining := len(m.active)
		m.mu.Unlock()
		if remaining == 0 {
			return 0
		}
		time.Sleep(10 * time.Millisecond)
	}

	m.mu.Lock()
	var forced []*conn
	for h, c := range m.active {
		forced = append(forced, c)
		delete(m.active, h)
		m.poolFor(c.key).total--
	}
	m.mu.Unlock()

	for _, c := range forced {
		c.ioMu.Lock()
		c.backend.Close()
		c.ioMu.Unlock()
	}
	if len(forced) > 0 {
		m.logger.Warn().Int("count", len(forced)).Msg("force-closed connections on drain")
	}
	return len(forced)
}

// Idle returns the idle count for key.
func (m *Manager) Idle(key PoolKey) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[key]; ok {
		return len(p.idle)
	}
	return 0
}

// Active returns the checked-out count for key.
func (m *Manager) Active(key PoolKey) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.active {
		if c.key == key {
			n++
		}
	}
	return n
}

// Total returns idle + active for key.
func (m *Manager) Total(key PoolKey) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[key]; ok {
		return p.total
	}
	return 0
}
