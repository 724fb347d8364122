package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/warpgrid/warpgrid/pkg/api"
	"github.com/warpgrid/warpgrid/pkg/cluster"
	"github.com/warpgrid/warpgrid/pkg/dbpool"
	"github.com/warpgrid/warpgrid/pkg/health"
	"github.com/warpgrid/warpgrid/pkg/log"
	"github.com/warpgrid/warpgrid/pkg/manager"
	"github.com/warpgrid/warpgrid/pkg/membership"
	"github.com/warpgrid/warpgrid/pkg/metrics"
	"github.com/warpgrid/warpgrid/pkg/runtime"
	"github.com/warpgrid/warpgrid/pkg/scheduler"
	"github.com/warpgrid/warpgrid/pkg/source"
	"github.com/warpgrid/warpgrid/pkg/types"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the WarpGrid control plane",
	Long: `Run the control plane: the replicated state store, the scheduler,
membership and health monitoring, the cluster RPC endpoint, and the
HTTP API. With --standalone the node also runs workloads itself.`,
	RunE: runServer,
}

func init() {
	serverCmd.Flags().String("node-id", "", "Node ID (defaults to hostname)")
	serverCmd.Flags().String("data-dir", "", "Data directory (defaults to WARPGRID_DATA_DIR or ./warpgrid-data)")
	serverCmd.Flags().String("raft-bind", "127.0.0.1:7700", "Raft bind address")
	serverCmd.Flags().String("listen", ":7720", "HTTP listen address (API + cluster RPC)")
	serverCmd.Flags().Bool("bootstrap", false, "Bootstrap a new single-node cluster")
	serverCmd.Flags().Bool("standalone", false, "Also run workloads on this node (embedded agent)")
	serverCmd.Flags().Uint64("memory-capacity", 8<<30, "Advertised memory capacity in bytes (standalone)")
	serverCmd.Flags().Uint32("cpu-capacity", 1000, "Advertised CPU weight capacity (standalone)")
}

// shutdownSignal is a broadcast shutdown with an idempotent setter.
// runServer waits on it and then stops the long-running loops one by one.
type shutdownSignal struct {
	ch   chan struct{}
	once sync.Once
}

func newShutdownSignal() *shutdownSignal {
	return &shutdownSignal{ch: make(chan struct{})}
}

func (s *shutdownSignal) Trigger()              { s.once.Do(func() { close(s.ch) }) }
func (s *shutdownSignal) Done() <-chan struct{} { return s.ch }

func runServer(cmd *cobra.Command, args []string) error {
	nodeID, _ := cmd.Flags().GetString("node-id")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	raftBind, _ := cmd.Flags().GetString("raft-bind")
	listen, _ := cmd.Flags().GetString("listen")
	bootstrap, _ := cmd.Flags().GetBool("bootstrap")
	standalone, _ := cmd.Flags().GetBool("standalone")
	memCapacity, _ := cmd.Flags().GetUint64("memory-capacity")
	cpuCapacity, _ := cmd.Flags().GetUint32("cpu-capacity")

	if nodeID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("failed to determine node id: %w", err)
		}
		nodeID = hostname
	}
	if dataDir == "" {
		dataDir = os.Getenv("WARPGRID_DATA_DIR")
	}
	if dataDir == "" {
		dataDir = "./warpgrid-data"
	}

	metrics.Register()
	logger := log.WithComponent("server")

	mgr, err := manager.NewManager(&manager.Config{
		NodeID:   nodeID,
		BindAddr: raftBind,
		DataDir:  dataDir,
	})
	if err != nil {
		// State-store or consensus storage failure at startup is fatal.
		return err
	}

	if bootstrap {
		if err := mgr.Bootstrap(); err != nil {
			return err
		}
	} else {
		if err := mgr.Join(); err != nil {
			return err
		}
	}

	member := membership.NewManager(mgr)
	member.StartReaper()

	// Workload execution plane, shared by standalone mode.
	pool := dbpool.NewManager(dbpool.DefaultConfig(), &dbpool.TCPFactory{
		ConnectTimeout: 5 * time.Second,
		RecvTimeout:    30 * time.Second,
	})
	pool.StartSweeper()

	var executor scheduler.LocalExecutor
	var rt *runtime.Runtime
	localNode := nodeID
	if standalone {
		rt, err = runtime.New()
		if err != nil {
			return fmt.Errorf("engine configuration failed: %w", err)
		}
		executor = scheduler.NewExecutor(rt, source.NewFetcher(), pool)

		if bootstrap {
			// Register this node as a schedulable member immediately.
			// The scheduler materializes assignments for this member id
			// as local instance pools.
			host, portStr, err := net.SplitHostPort(listen)
			if err != nil {
				return fmt.Errorf("bad listen address %q: %w", listen, err)
			}
			if host == "" {
				host = "127.0.0.1"
			}
			var port uint16
			fmt.Sscanf(portStr, "%d", &port)
			selfID, err := member.Join(host, port, map[string]string{"role": "control-plane"}, memCapacity, cpuCapacity)
			if err != nil {
				logger.Warn().Err(err).Msg("standalone self-join failed; this node is not registered as a member")
			} else {
				localNode = selfID
			}
		}
	}

	sched := scheduler.New(mgr, member, localNode, executor)
	sched.Start()

	monitor := health.NewMonitor(mgr).WithCallback(sched.ReplaceUnhealthy)
	startMonitorSync(mgr, monitor)

	collector := metrics.NewCollector(mgr.Store(), mgr)
	collector.Start()

	// HTTP surface: control-plane API + cluster RPC on one listener.
	apiServer := api.NewServer(mgr, member)
	clusterServer := cluster.NewServer(member, sched)

	root := chi.NewRouter()
	root.Mount("/", apiServer.Handler())
	root.Mount("/v1/cluster", clusterServer.Routes())

	httpServer := &http.Server{Addr: listen, Handler: root}

	shutdown := newShutdownSignal()
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info().Msg("shutdown signal received")
		shutdown.Trigger()
	}()

	go func() {
		logger.Info().Str("listen", listen).Str("node_id", nodeID).Msg("warpgrid control plane listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server failed")
			shutdown.Trigger()
		}
	}()

	<-shutdown.Done()

	// Cooperative teardown: stop accepting work, let in-flight requests
	// finish, then release resources.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctx)

	sched.Stop()
	monitor.StopAll()
	collector.Stop()
	member.Stop()
	forceClosed := pool.Drain()
	if forceClosed > 0 {
		logger.Warn().Int("count", forceClosed).Msg("connections force-closed during drain")
	}
	if rt != nil {
		_ = rt.Close(context.Background())
	}
	if err := mgr.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("manager shutdown failed")
	}
	logger.Info().Msg("warpgrid stopped")
	return nil
}

// startMonitorSync keeps health monitors aligned with deployments: every
// cycle it starts monitors for deployments that have a health config and
// a routable instance, and stops those whose deployment is gone.
func startMonitorSync(mgr *manager.Manager, monitor *health.Monitor) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		active := make(map[string]string) // deployment id → probed address
		for range ticker.C {
			deployments, err := mgr.ListDeployments()
			if err != nil {
				continue
			}
			seen := make(map[string]bool)
			for _, spec := range deployments {
				key := spec.Key()
				seen[key] = true
				if spec.Health == nil {
					continue
				}
				instances, err := mgr.ListInstancesByDeployment(key)
				if err != nil {
					continue
				}
				addr := ""
				for _, inst := range instances {
					if inst.Address != "" && inst.Status == types.InstanceRunning {
						addr = inst.Address
						break
					}
				}
				if addr == "" || active[key] == addr {
					continue
				}
				monitor.StartMonitor(key, spec.Health, addr)
				active[key] = addr
			}
			for key := range active {
				if !seen[key] {
					monitor.StopMonitor(key)
					delete(active, key)
				}
			}
		}
	}()
}
