// Package dbpool implements the protocol-agnostic connection pool behind
// the database-proxy shim.
//
// Pools are partitioned by the 5-tuple (protocol, host, port, database,
// user); distinct keys never share connections. Traffic is passed through
// byte-for-byte — the only protocol awareness lives in the per-protocol
// liveness probes.
package dbpool

import (
	"fmt"
	"net"
	"time"
)

// PoolKey partitions the connection cache. Every field participates in
// equality; the struct is used directly as a map key.
type PoolKey struct {
	Protocol string
	Host     string
	Port     uint16
	Database string
	User     string
}

// String renders the key for logging.
func (k PoolKey) String() string {
	return fmt.Sprintf("%s://%s@%s:%d/%s", k.Protocol, k.User, k.Host, k.Port, k.Database)
}

// Addr returns the dial target.
func (k PoolKey) Addr() string {
	return fmt.Sprintf("%s:%d", k.Host, k.Port)
}

// ConnectionBackend is a single open connection to a database target.
// Send and Recv are raw byte passthrough; Ping is the protocol-specific
// liveness probe.
type ConnectionBackend interface {
	Send(data []byte) (int, error)
	Recv(maxBytes int) ([]byte, error)
	Ping() bool
	Close()
}

// Factory opens new connections. Injected so tests can substitute a mock.
type Factory interface {
	Connect(key PoolKey, password string) (ConnectionBackend, error)
}

// TCPBackend is a ConnectionBackend over a plain TCP stream.
type TCPBackend struct {
	conn        net.Conn
	recvTimeout time.Duration
}

// NewTCPBackend wraps an established connection.
func NewTCPBackend(conn net.Conn, recvTimeout time.Duration) *TCPBackend {
	return &TCPBackend{conn: conn, recvTimeout: recvTimeout}
}

// Send writes data to the stream, returning the byte count.
func (b *TCPBackend) Send(data []byte) (int, error) {
	return b.conn.Write(data)
}

// Recv reads up to maxBytes from the stream.
func (b *TCPBackend) Recv(maxBytes int) ([]byte, error) {
	if b.recvTimeout > 0 {
		_ = b.conn.SetReadDeadline(time.Now().Add(b.recvTimeout))
	}
	buf := make([]byte, maxBytes)
	n, err := b.conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// Ping on a bare TCP backend only verifies the stream is writable.
func (b *TCPBackend) Ping() bool {
	_, err := b.conn.Write(nil)
	return err == nil
}

// Close closes the stream.
func (b *TCPBackend) Close() {
	_ = b.conn.Close()
}

// TCPFactory dials plain TCP connections and wraps them in the
// protocol-specific probe backend selected by the pool key.
type TCPFactory struct {
	ConnectTimeout time.Duration
	RecvTimeout    time.Duration
}

// Connect dials the key's target and attaches the matching probe wrapper.
func (f *TCPFactory) Connect(key PoolKey, password string) (ConnectionBackend, error) {
	conn, err := net.DialTimeout("tcp", key.Addr(), f.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	base := NewTCPBackend(conn, f.RecvTimeout)

	switch key.Protocol {
	case "postgres", "postgresql":
		return &PostgresBackend{inner: base}, nil
	case "mysql":
		return &MySQLBackend{inner: base}, nil
	case "redis":
		return &RedisBackend{inner: base}, nil
	default:
		return base, nil
	}
}
