package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/warpgrid/warpgrid/pkg/cluster"
	"github.com/warpgrid/warpgrid/pkg/dbpool"
	"github.com/warpgrid/warpgrid/pkg/log"
	"github.com/warpgrid/warpgrid/pkg/runtime"
	"github.com/warpgrid/warpgrid/pkg/scheduler"
	"github.com/warpgrid/warpgrid/pkg/source"
	"github.com/warpgrid/warpgrid/pkg/types"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run a WarpGrid node agent",
	Long: `Join the cluster as a workload node: heartbeat to the control
plane, receive schedule commands, and run Wasm instances locally.`,
	RunE: runAgent,
}

func init() {
	agentCmd.Flags().String("control-plane", "http://127.0.0.1:7720", "Control plane base URL")
	agentCmd.Flags().String("advertise", "127.0.0.1", "Advertised address")
	agentCmd.Flags().Uint16("port", 7730, "Advertised port")
	agentCmd.Flags().StringToString("labels", nil, "Node labels for scheduling affinity")
	agentCmd.Flags().Uint64("memory-capacity", 8<<30, "Total memory capacity in bytes")
	agentCmd.Flags().Uint32("cpu-capacity", 1000, "Total CPU weight capacity")
}

func runAgent(cmd *cobra.Command, args []string) error {
	controlPlane, _ := cmd.Flags().GetString("control-plane")
	advertise, _ := cmd.Flags().GetString("advertise")
	port, _ := cmd.Flags().GetUint16("port")
	labels, _ := cmd.Flags().GetStringToString("labels")
	memCapacity, _ := cmd.Flags().GetUint64("memory-capacity")
	cpuCapacity, _ := cmd.Flags().GetUint32("cpu-capacity")

	logger := log.WithComponent("agent-main")

	rt, err := runtime.New()
	if err != nil {
		return fmt.Errorf("engine configuration failed: %w", err)
	}
	pool := dbpool.NewManager(dbpool.DefaultConfig(), &dbpool.TCPFactory{
		ConnectTimeout: 5 * time.Second,
		RecvTimeout:    30 * time.Second,
	})
	pool.StartSweeper()
	executor := scheduler.NewExecutor(rt, source.NewFetcher(), pool)

	agent := cluster.NewAgent(cluster.AgentConfig{
		ControlPlaneAddr:    controlPlane,
		Address:             advertise,
		Port:                port,
		Labels:              labels,
		CapacityMemoryBytes: memCapacity,
		CapacityCPUWeight:   cpuCapacity,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info().Msg("shutdown signal received")
		cancel()
	}()

	nodeID, err := agent.Join(ctx)
	if err != nil {
		return err
	}
	logger.Info().Str("node_id", nodeID).Msg("agent joined cluster")

	// Deployment specs arrive by id inside schedule commands; the agent
	// fetches them lazily from the control plane API.
	specs := newSpecCache(controlPlane)

	usage := func() (uint64, uint32, uint32) {
		return executor.Usage()
	}
	handler := func(cmdMsg cluster.Command) {
		if cmdMsg.CommandType != scheduler.CommandSchedule {
			logger.Warn().Str("command_type", cmdMsg.CommandType).Msg("unknown command type")
			return
		}
		var payload scheduler.SchedulePayload
		if err := json.Unmarshal(cmdMsg.PayloadJSON, &payload); err != nil {
			logger.Error().Err(err).Msg("bad schedule payload")
			return
		}
		if payload.InstanceCount == 0 {
			executor.RemovePool(payload.DeploymentID)
			return
		}
		spec, err := specs.get(ctx, payload.DeploymentID)
		if err != nil {
			logger.Error().Err(err).Str("deployment_id", payload.DeploymentID).Msg("failed to fetch deployment spec")
			return
		}
		if err := executor.EnsurePool(spec, payload.InstanceCount); err != nil {
			logger.Error().Err(err).Str("deployment_id", payload.DeploymentID).Msg("failed to ensure pool")
		}
	}

	err = agent.RunHeartbeat(ctx, usage, handler)

	// Graceful leave on shutdown; in-flight work was already cut off by
	// the context.
	leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer leaveCancel()
	if leaveErr := agent.Leave(leaveCtx); leaveErr != nil {
		logger.Warn().Err(leaveErr).Msg("leave failed")
	}
	pool.Drain()
	_ = rt.Close(context.Background())
	return err
}

// specCache fetches deployment specs from the control plane by key.
type specCache struct {
	controlPlane string
	cache        map[string]*types.DeploymentSpec
}

func newSpecCache(controlPlane string) *specCache {
	return &specCache{
		controlPlane: controlPlane,
		cache:        make(map[string]*types.DeploymentSpec),
	}
}

func (c *specCache) get(ctx context.Context, deploymentID string) (*types.DeploymentSpec, error) {
	if spec, ok := c.cache[deploymentID]; ok {
		return spec, nil
	}
	spec, err := fetchDeployment(ctx, c.controlPlane, deploymentID)
	if err != nil {
		return nil, err
	}
	c.cache[deploymentID] = spec
	return spec, nil
}
