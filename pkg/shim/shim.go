// Package shim implements the host-side interfaces a Wasm guest imports
// for side-effectful I/O: filesystem, DNS, signals, threading declaration,
// and the database proxy.
//
// Every instance owns an isolated HostState. Shims are enabled per
// deployment; invoking a disabled shim yields a FailedPrecondition error.
package shim

import (
	"net"

	"github.com/warpgrid/warpgrid/pkg/dbpool"
	"github.com/warpgrid/warpgrid/pkg/errdefs"
	"github.com/warpgrid/warpgrid/pkg/log"
)

// Config selects and parameterizes the shims bound to an instance.
type Config struct {
	// Enablement flags, one per shim.
	Filesystem    bool
	DevUrandom    bool
	DNS           bool
	Signals       bool
	DatabaseProxy bool
	Threading     bool

	// Timezone is the zone whose data the filesystem shim serves.
	Timezone string
	// Nameserver appears in the virtual /etc/resolv.conf.
	Nameserver string
	// HostsEntries are extra lines for the virtual /etc/hosts.
	HostsEntries []string
	// ServiceRegistry maps hostnames to addresses, consulted first by
	// the DNS shim and injected into /etc/hosts.
	ServiceRegistry map[string][]net.IP

	// Pool is the shared connection pool manager behind the database
	// proxy shim.
	Pool *dbpool.Manager
}

// ThreadingModel is the guest's declared threading contract.
type ThreadingModel struct {
	ParallelRequired bool
	Cooperative      bool
}

// HostState is the per-instance shim container. It is exclusively owned
// by its instance; nothing here is shared across instances.
type HostState struct {
	Filesystem *Filesystem
	DNS        *Resolver
	Signals    *SignalQueue
	DBProxy    *DBProxy

	threadingEnabled bool
	Threading        *ThreadingModel
}

// NewHostState builds the host state for one instance from the shim
// config. Disabled shims are left nil and answered with typed errors by
// the accessor methods.
func NewHostState(cfg *Config) *HostState {
	hs := &HostState{threadingEnabled: cfg.Threading}

	if cfg.Filesystem || cfg.DevUrandom || cfg.Timezone != "" {
		hs.Filesystem = NewFilesystem(cfg)
	}
	if cfg.DNS {
		hs.DNS = NewResolver(cfg.ServiceRegistry, hostsContent(cfg), cfg.Nameserver)
	}
	if cfg.Signals {
		hs.Signals = NewSignalQueue()
	}
	if cfg.DatabaseProxy && cfg.Pool != nil {
		hs.DBProxy = NewDBProxy(cfg.Pool)
	}
	return hs
}

// DeclareThreadingModel records the guest's threading contract. The
// declaration is observational: the host logs it and may refuse placement
// decisions that violate it.
func (hs *HostState) DeclareThreadingModel(model ThreadingModel) error {
	if !hs.threadingEnabled {
		return errdefs.FailedPreconditionf("threading shim not enabled")
	}
	hs.Threading = &model
	log.Logger.Info().
		Bool("parallel_required", model.ParallelRequired).
		Bool("cooperative", model.Cooperative).
		Msg("guest declared threading model")
	return nil
}
