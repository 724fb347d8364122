package shim

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warpgrid/warpgrid/pkg/dbpool"
	"github.com/warpgrid/warpgrid/pkg/errdefs"
)

// scriptedBackend replays canned responses and records everything sent,
// verifying bytes pass through the proxy untouched.
type scriptedBackend struct {
	mu      sync.Mutex
	sent    [][]byte
	replies [][]byte
}

func (b *scriptedBackend) Send(data []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, append([]byte(nil), data...))
	return len(data), nil
}

func (b *scriptedBackend) Recv(maxBytes int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.replies) == 0 {
		return nil, nil
	}
	reply := b.replies[0]
	b.replies = b.replies[1:]
	if len(reply) > maxBytes {
		reply = reply[:maxBytes]
	}
	return reply, nil
}

func (b *scriptedBackend) Ping() bool { return true }
func (b *scriptedBackend) Close()    {}

type scriptedFactory struct {
	mu       sync.Mutex
	backends map[string]*scriptedBackend
}

func (f *scriptedFactory) Connect(key dbpool.PoolKey, password string) (dbpool.ConnectionBackend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.backends[key.Protocol]; ok {
		return b, nil
	}
	return &scriptedBackend{}, nil
}

func testProxy(t *testing.T, factory dbpool.Factory) *DBProxy {
	t.Helper()
	cfg := dbpool.DefaultConfig()
	cfg.ConnectTimeout = 100 * time.Millisecond
	cfg.HealthCheckInterval = time.Hour // don't re-probe under test
	return NewDBProxy(dbpool.NewManager(cfg, factory))
}

func TestProxyDisabledShim(t *testing.T) {
	hs := NewHostState(&Config{})
	assert.Nil(t, hs.DBProxy)
}

func TestProxyInvalidHandle(t *testing.T) {
	proxy := testProxy(t, &scriptedFactory{})
	_, err := proxy.Send(12345, []byte("x"))
	assert.True(t, errdefs.IsFailedPrecondition(err))
}

// Cache-aside round trip: a redis miss, a postgres query, then a redis
// fill. Every payload crosses the proxy byte-for-byte.
func TestCacheAsideRoundTrip(t *testing.T) {
	redisBackend := &scriptedBackend{replies: [][]byte{
		[]byte("$-1\r\n"), // GET miss
		[]byte("+OK\r\n"), // SET
	}}
	pgBackend := &scriptedBackend{replies: [][]byte{
		{'R', 0, 0, 0, 8, 0, 0, 0, 0, 'Z', 0, 0, 0, 5, 'I'}, // AuthOk + ReadyForQuery
		[]byte("T...D...C...Z"),                              // row data (opaque to the proxy)
	}}
	factory := &scriptedFactory{backends: map[string]*scriptedBackend{
		"redis":    redisBackend,
		"postgres": pgBackend,
	}}
	proxy := testProxy(t, factory)

	// Redis: connect, GET miss.
	redisHandle, err := proxy.Connect(ConnectConfig{Protocol: "redis", Host: "cache", Port: 6379})
	require.NoError(t, err)

	getCmd := []byte("*2\r\n$3\r\nGET\r\n$6\r\nuser:1\r\n")
	sent, err := proxy.Send(redisHandle, getCmd)
	require.NoError(t, err)
	assert.Equal(t, uint32(len(getCmd)), sent)

	miss, err := proxy.Recv(redisHandle, 64)
	require.NoError(t, err)
	assert.Equal(t, "$-1\r\n", string(miss))

	// Postgres: connect, startup, query.
	pgHandle, err := proxy.Connect(ConnectConfig{Protocol: "postgres", Host: "db", Port: 5432, Database: "app", User: "svc", Password: "secret"})
	require.NoError(t, err)

	startup := []byte{0, 0, 0, 8, 4, 210, 22, 47}
	_, err = proxy.Send(pgHandle, startup)
	require.NoError(t, err)
	authOK, err := proxy.Recv(pgHandle, 64)
	require.NoError(t, err)
	assert.Equal(t, byte('R'), authOK[0])

	query := []byte("Q\x00\x00\x00\x1dSELECT * FROM users WHERE id=1\x00")
	_, err = proxy.Send(pgHandle, query)
	require.NoError(t, err)
	rows, err := proxy.Recv(pgHandle, 1024)
	require.NoError(t, err)
	assert.NotEmpty(t, rows)

	// Redis: SET on the original handle.
	setCmd := []byte("*3\r\n$3\r\nSET\r\n$6\r\nuser:1\r\n$4\r\ndata\r\n")
	_, err = proxy.Send(redisHandle, setCmd)
	require.NoError(t, err)
	ok, err := proxy.Recv(redisHandle, 64)
	require.NoError(t, err)
	assert.Equal(t, "+OK\r\n", string(ok))

	// Everything the guest sent arrived untouched.
	assert.Equal(t, [][]byte{getCmd, setCmd}, redisBackend.sent)
	assert.Equal(t, [][]byte{startup, query}, pgBackend.sent)

	require.NoError(t, proxy.Close(redisHandle))
	require.NoError(t, proxy.Close(pgHandle))
}

func TestProxyKeysPartitionByProtocol(t *testing.T) {
	factory := &scriptedFactory{backends: map[string]*scriptedBackend{}}
	proxy := testProxy(t, factory)

	h1, err := proxy.Connect(ConnectConfig{Protocol: "postgres", Host: "h", Port: 9, Database: "d", User: "u"})
	require.NoError(t, err)
	h2, err := proxy.Connect(ConnectConfig{Protocol: "redis", Host: "h", Port: 9})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}
