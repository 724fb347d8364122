package dbpool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warpgrid/warpgrid/pkg/errdefs"
)

// mockBackend is a scripted in-memory connection.
type mockBackend struct {
	mu      sync.Mutex
	healthy bool
	closed  bool
	lastSent []byte
	replies [][]byte
}

func newMockBackend() *mockBackend {
	return &mockBackend{healthy: true}
}

func (b *mockBackend) Send(data []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, assert.AnError
	}
	b.lastSent = append([]byte(nil), data...)
	return len(data), nil
}

func (b *mockBackend) Recv(maxBytes int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, assert.AnError
	}
	if len(b.replies) == 0 {
		return []byte{0x42}, nil
	}
	reply := b.replies[0]
	b.replies = b.replies[1:]
	if len(reply) > maxBytes {
		reply = reply[:maxBytes]
	}
	return reply, nil
}

func (b *mockBackend) Ping() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.healthy && !b.closed
}

func (b *mockBackend) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

// mockFactory counts connects and hands out fresh mock backends.
type mockFactory struct {
	connects atomic.Int64
	mu       sync.Mutex
	backends []*mockBackend
}

func (f *mockFactory) Connect(key PoolKey, password string) (ConnectionBackend, error) {
	f.connects.Add(1)
	b := newMockBackend()
	f.mu.Lock()
	f.backends = append(f.backends, b)
	f.mu.Unlock()
	return b, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxSize = 2
	cfg.ConnectTimeout = 100 * time.Millisecond
	cfg.HealthCheckInterval = 0 // probe on every release
	return cfg
}

func pgKey() PoolKey {
	return PoolKey{Protocol: "postgres", Host: "db", Port: 5432, Database: "app", User: "svc"}
}

func TestCheckoutSendRecvRelease(t *testing.T) {
	factory := &mockFactory{}
	m := NewManager(testConfig(), factory)

	handle, err := m.Checkout(pgKey(), "secret")
	require.NoError(t, err)
	require.NotZero(t, handle)

	n, err := m.Send(handle, []byte("SELECT 1"))
	require.NoError(t, err)
	assert.Equal(t, 8, n)

	data, err := m.Recv(handle, 16)
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	require.NoError(t, m.Release(handle))
	assert.Equal(t, 1, m.Idle(pgKey()))
	assert.Equal(t, 0, m.Active(pgKey()))
}

func TestCheckoutReusesIdleConnection(t *testing.T) {
	factory := &mockFactory{}
	m := NewManager(testConfig(), factory)

	h1, err := m.Checkout(pgKey(), "")
	require.NoError(t, err)
	require.NoError(t, m.Release(h1))

	h2, err := m.Checkout(pgKey(), "")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2, "handles are fresh even when the connection is reused")
	assert.Equal(t, int64(1), factory.connects.Load())
}

func TestPoolExhaustionTimesOut(t *testing.T) {
	factory := &mockFactory{}
	m := NewManager(testConfig(), factory)

	h1, err := m.Checkout(pgKey(), "")
	require.NoError(t, err)
	h2, err := m.Checkout(pgKey(), "")
	require.NoError(t, err)

	start := time.Now()
	_, err = m.Checkout(pgKey(), "")
	elapsed := time.Since(start)

	assert.True(t, errdefs.IsResourceExhausted(err))
	assert.GreaterOrEqual(t, elapsed, 90*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)

	// A release frees the slot for the next checkout.
	require.NoError(t, m.Release(h1))
	h3, err := m.Checkout(pgKey(), "")
	require.NoError(t, err)
	require.NotZero(t, h3)

	_ = m.Release(h2)
	_ = m.Release(h3)
}

func TestCheckoutWakesBlockedWaiter(t *testing.T) {
	factory := &mockFactory{}
	cfg := testConfig()
	cfg.ConnectTimeout = 2 * time.Second
	m := NewManager(cfg, factory)

	h1, err := m.Checkout(pgKey(), "")
	require.NoError(t, err)
	h2, err := m.Checkout(pgKey(), "")
	require.NoError(t, err)

	done := make(chan uint64, 1)
	go func() {
		h, err := m.Checkout(pgKey(), "")
		if err == nil {
			done <- h
		}
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, m.Release(h1))

	select {
	case h, ok := <-done:
		require.True(t, ok)
		assert.NotZero(t, h)
	case <-time.After(time.Second):
		t.Fatal("blocked checkout was not woken by release")
	}
	_ = m.Release(h2)
}

// Pool integrity: idle + active = total ≤ max, per key.
func TestPoolIntegrityInvariant(t *testing.T) {
	factory := &mockFactory{}
	m := NewManager(testConfig(), factory)
	key := pgKey()

	h1, _ := m.Checkout(key, "")
	assert.Equal(t, m.Total(key), m.Idle(key)+m.Active(key))

	h2, _ := m.Checkout(key, "")
	assert.Equal(t, m.Total(key), m.Idle(key)+m.Active(key))
	assert.LessOrEqual(t, m.Total(key), 2)

	_ = m.Release(h1)
	assert.Equal(t, m.Total(key), m.Idle(key)+m.Active(key))

	_ = m.Close(h2)
	assert.Equal(t, m.Total(key), m.Idle(key)+m.Active(key))
}

// Distinct pool keys never share connections.
func TestPoolKeyIsolation(t *testing.T) {
	factory := &mockFactory{}
	m := NewManager(testConfig(), factory)

	pg := pgKey()
	redis := PoolKey{Protocol: "redis", Host: "db", Port: 5432}

	hPG, err := m.Checkout(pg, "")
	require.NoError(t, err)
	require.NoError(t, m.Release(hPG))
	require.Equal(t, int64(1), factory.connects.Load())

	// Same host/port but different protocol: a new connection is dialed
	// and the postgres idle connection stays put.
	_, err = m.Checkout(redis, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), factory.connects.Load())
	assert.Equal(t, 1, m.Idle(pg))

	// Any differing tuple field partitions as well.
	otherUser := pg
	otherUser.User = "admin"
	_, err = m.Checkout(otherUser, "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), factory.connects.Load())
}

func TestReleaseDestroysUnhealthyConnection(t *testing.T) {
	factory := &mockFactory{}
	m := NewManager(testConfig(), factory)

	handle, err := m.Checkout(pgKey(), "")
	require.NoError(t, err)

	factory.mu.Lock()
	factory.backends[0].healthy = false
	factory.mu.Unlock()

	require.NoError(t, m.Release(handle))
	assert.Equal(t, 0, m.Idle(pgKey()))
	assert.Equal(t, 0, m.Total(pgKey()))

	// Next checkout dials a fresh connection.
	_, err = m.Checkout(pgKey(), "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), factory.connects.Load())
}

func TestInvalidHandles(t *testing.T) {
	m := NewManager(testConfig(), &mockFactory{})

	_, err := m.Send(999, []byte("x"))
	assert.True(t, errdefs.IsFailedPrecondition(err))
	_, err = m.Recv(999, 1)
	assert.True(t, errdefs.IsFailedPrecondition(err))
	assert.True(t, errdefs.IsFailedPrecondition(m.Release(999)))
	assert.True(t, errdefs.IsFailedPrecondition(m.Close(999)))
}

func TestHandleInvalidAfterClose(t *testing.T) {
	m := NewManager(testConfig(), &mockFactory{})

	handle, err := m.Checkout(pgKey(), "")
	require.NoError(t, err)
	require.NoError(t, m.Close(handle))

	_, err = m.Send(handle, []byte("x"))
	assert.True(t, errdefs.IsFailedPrecondition(err))
	assert.True(t, errdefs.IsFailedPrecondition(m.Close(handle)))
}

func TestSendFailureMarksConnectionUnhealthy(t *testing.T) {
	factory := &mockFactory{}
	m := NewManager(testConfig(), factory)

	handle, err := m.Checkout(pgKey(), "")
	require.NoError(t, err)

	factory.mu.Lock()
	factory.backends[0].closed = true
	factory.mu.Unlock()

	_, err = m.Send(handle, []byte("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrQueryFailed)

	// Releasing the failed handle destroys the connection.
	require.NoError(t, m.Release(handle))
	assert.Equal(t, 0, m.Total(pgKey()))
}

func TestDrainRejectsNewCheckouts(t *testing.T) {
	factory := &mockFactory{}
	cfg := testConfig()
	cfg.DrainTimeout = 50 * time.Millisecond
	m := NewManager(cfg, factory)

	handle, err := m.Checkout(pgKey(), "")
	require.NoError(t, err)

	done := make(chan int, 1)
	go func() { done <- m.Drain() }()

	time.Sleep(10 * time.Millisecond)
	_, err = m.Checkout(pgKey(), "")
	assert.True(t, errdefs.IsUnavailable(err))

	forceClosed := <-done
	assert.Equal(t, 1, forceClosed, "the in-flight handle is force-closed at the deadline")
	_ = handle
}

func TestDrainWaitsForRelease(t *testing.T) {
	factory := &mockFactory{}
	cfg := testConfig()
	cfg.DrainTimeout = time.Second
	m := NewManager(cfg, factory)

	handle, err := m.Checkout(pgKey(), "")
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = m.Release(handle)
	}()

	forceClosed := m.Drain()
	assert.Equal(t, 0, forceClosed)
}
