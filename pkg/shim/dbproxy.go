package shim

import (
	"github.com/warpgrid/warpgrid/pkg/dbpool"
	"github.com/warpgrid/warpgrid/pkg/log"
)

// ConnectConfig is the guest-supplied connection target.
type ConnectConfig struct {
	Protocol string
	Host     string
	Port     uint16
	Database string
	User     string
	Password string
}

// DBProxy is the database-proxy shim. Every operation delegates to the
// shared connection pool manager; the shim performs no protocol parsing —
// bytes on the wire are opaque.
type DBProxy struct {
	pool *dbpool.Manager
}

// NewDBProxy wraps the given pool manager.
func NewDBProxy(pool *dbpool.Manager) *DBProxy {
	return &DBProxy{pool: pool}
}

// Connect checks a connection out of the pool and returns its handle.
func (p *DBProxy) Connect(cfg ConnectConfig) (uint64, error) {
	log.Logger.Debug().
		Str("host", cfg.Host).
		Uint16("port", cfg.Port).
		Str("database", cfg.Database).
		Str("user", cfg.User).
		Msg("db_proxy: connect")

	key := dbpool.PoolKey{
		Protocol: cfg.Protocol,
		Host:     cfg.Host,
		Port:     cfg.Port,
		Database: cfg.Database,
		User:     cfg.User,
	}
	return p.pool.Checkout(key, cfg.Password)
}

// Send proxies bytes to the backend, returning the sent count.
func (p *DBProxy) Send(handle uint64, data []byte) (uint32, error) {
	n, err := p.pool.Send(handle, data)
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}

// Recv proxies a read of up to maxBytes.
func (p *DBProxy) Recv(handle uint64, maxBytes uint32) ([]byte, error) {
	return p.pool.Recv(handle, int(maxBytes))
}

// Close releases the connection back to the pool (or destroys it if the
// liveness probe fails).
func (p *DBProxy) Close(handle uint64) error {
	return p.pool.Release(handle)
}
