package dbpool

import "bytes"

// Protocol probe wrappers. Everything except Ping delegates to the inner
// backend: the guest owns the wire protocol, the pool only needs to know
// whether an idle connection is still alive.

// MySQL COM_PING: 3-byte little-endian payload length (1), sequence id 0,
// command byte 0x0e. The server answers with a packet whose payload starts
// with 0x00 (OK) or 0xff (ERR).
const mysqlComPing = 0x0e

var mysqlPingPacket = []byte{0x01, 0x00, 0x00, 0x00, mysqlComPing}

const mysqlHeaderSize = 4

// MySQLBackend adds COM_PING health checking to a raw stream.
type MySQLBackend struct {
	inner ConnectionBackend
}

func (b *MySQLBackend) Send(data []byte) (int, error)    { return b.inner.Send(data) }
func (b *MySQLBackend) Recv(maxBytes int) ([]byte, error) { return b.inner.Recv(maxBytes) }
func (b *MySQLBackend) Close()                            { b.inner.Close() }

func (b *MySQLBackend) Ping() bool {
	if _, err := b.inner.Send(mysqlPingPacket); err != nil {
		return false
	}
	data, err := b.inner.Recv(mysqlHeaderSize + 1)
	if err != nil || len(data) <= mysqlHeaderSize {
		return false
	}
	return data[mysqlHeaderSize] == 0x00
}

// RedisBackend probes with inline PING, expecting +PONG.
type RedisBackend struct {
	inner ConnectionBackend
}

func (b *RedisBackend) Send(data []byte) (int, error)    { return b.inner.Send(data) }
func (b *RedisBackend) Recv(maxBytes int) ([]byte, error) { return b.inner.Recv(maxBytes) }
func (b *RedisBackend) Close()                            { b.inner.Close() }

func (b *RedisBackend) Ping() bool {
	if _, err := b.inner.Send([]byte("PING\r\n")); err != nil {
		return false
	}
	data, err := b.inner.Recv(16)
	if err != nil {
		return false
	}
	return bytes.HasPrefix(data, []byte("+PONG"))
}

// PostgresBackend probes with the minimal simple-query message: 'Q',
// int32 length, ";" terminated. Any non-empty response counts as alive —
// the response bytes themselves are not interpreted.
type PostgresBackend struct {
	inner ConnectionBackend
}

func (b *PostgresBackend) Send(data []byte) (int, error)    { return b.inner.Send(data) }
func (b *PostgresBackend) Recv(maxBytes int) ([]byte, error) { return b.inner.Recv(maxBytes) }
func (b *PostgresBackend) Close()                            { b.inner.Close() }

func (b *PostgresBackend) Ping() bool {
	// 'Q' + length(4) + ";\x00": length covers itself plus the payload.
	msg := []byte{'Q', 0x00, 0x00, 0x00, 0x06, ';', 0x00}
	if _, err := b.inner.Send(msg); err != nil {
		return false
	}
	data, err := b.inner.Recv(64)
	return err == nil && len(data) > 0
}
