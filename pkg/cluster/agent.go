package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/warpgrid/warpgrid/pkg/errdefs"
	"github.com/warpgrid/warpgrid/pkg/log"
)

// AgentConfig configures a node agent.
type AgentConfig struct {
	// ControlPlaneAddr is the base URL of the control plane, e.g.
	// "http://10.0.0.1:7720".
	ControlPlaneAddr string
	// Address and Port this node advertises.
	Address string
	Port    uint16
	// Labels for scheduling affinity.
	Labels map[string]string
	// CapacityMemoryBytes and CapacityCPUWeight advertise total capacity.
	CapacityMemoryBytes uint64
	CapacityCPUWeight   uint32
}

// UsageFunc samples this node's live resource usage for heartbeats.
type UsageFunc func() (usedMemory uint64, usedCPU uint32, activeInstances uint32)

// CommandHandler processes a command delivered in a heartbeat response.
type CommandHandler func(cmd Command)

// Agent maintains this node's cluster membership: join, periodic
// heartbeats, graceful leave.
type Agent struct {
	cfg    AgentConfig
	client *http.Client
	logger zerolog.Logger

	nodeID            string
	heartbeatInterval time.Duration
}

// NewAgent creates an agent.
func NewAgent(cfg AgentConfig) *Agent {
	return &Agent{
		cfg:               cfg,
		client:            &http.Client{Timeout: 10 * time.Second},
		logger:            log.WithComponent("agent"),
		heartbeatInterval: 5 * time.Second,
	}
}

// NodeID returns the id assigned at join time.
func (a *Agent) NodeID() string { return a.nodeID }

// Join registers this node with the control plane. Transient errors are
// retried with bounded backoff.
func (a *Agent) Join(ctx context.Context) (string, error) {
	req := JoinRequest{
		Address:             a.cfg.Address,
		Port:                a.cfg.Port,
		Labels:              a.cfg.Labels,
		CapacityMemoryBytes: a.cfg.CapacityMemoryBytes,
		CapacityCPUWeight:   a.cfg.CapacityCPUWeight,
	}

	var resp JoinResponse
	backoff := time.Second
	for attempt := 0; ; attempt++ {
		err := a.post(ctx, "/v1/cluster/join", req, &resp)
		if err == nil {
			break
		}
		if attempt >= 4 || !errdefs.IsUnavailable(err) {
			return "", err
		}
		a.logger.Warn().Err(err).Dur("backoff", backoff).Msg("join failed, retrying")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		backoff *= 2
	}

	a.nodeID = resp.NodeID
	if resp.HeartbeatIntervalSecs > 0 {
		a.heartbeatInterval = time.Duration(resp.HeartbeatIntervalSecs) * time.Second
	}

	a.logger.Info().
		Str("node_id", resp.NodeID).
		Int("members", len(resp.Members)).
		Dur("heartbeat_interval", a.heartbeatInterval).
		Msg("joined cluster")
	return resp.NodeID, nil
}

// Leave deregisters this node.
func (a *Agent) Leave(ctx context.Context) error {
	if a.nodeID == "" {
		return errdefs.FailedPreconditionf("not joined")
	}
	var resp LeaveResponse
	if err := a.post(ctx, "/v1/cluster/leave", LeaveRequest{NodeID: a.nodeID}, &resp); err != nil {
		return err
	}
	a.logger.Info().Str("node_id", a.nodeID).Msg("left cluster")
	return nil
}

// GetMembers fetches the current membership.
func (a *Agent) GetMembers(ctx context.Context) (*MembersResponse, error) {
	var resp MembersResponse
	if err := a.get(ctx, "/v1/cluster/members", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RunHeartbeat sends heartbeats at the control plane's interval until
// ctx is cancelled, handing received commands to handler. usage is
// sampled fresh at every beat.
func (a *Agent) RunHeartbeat(ctx context.Context, usage UsageFunc, handler CommandHandler) error {
	if a.nodeID == "" {
		return errdefs.FailedPreconditionf("not joined")
	}

	a.logger.Info().Str("node_id", a.nodeID).Dur("interval", a.heartbeatInterval).Msg("heartbeat loop started")

	ticker := time.NewTicker(a.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info().Str("node_id", a.nodeID).Msg("heartbeat loop shutting down")
			return nil
		case <-ticker.C:
		}

		usedMem, usedCPU, activeInstances := usage()
		req := HeartbeatRequest{
			NodeID:          a.nodeID,
			UsedMemoryBytes: usedMem,
			UsedCPUWeight:   usedCPU,
			ActiveInstances: activeInstances,
		}

		var resp HeartbeatResponse
		if err := a.post(ctx, "/v1/cluster/heartbeat", req, &resp); err != nil {
			a.logger.Warn().Err(err).Msg("heartbeat failed")
			continue
		}
		if !resp.Acknowledged {
			// The control plane lost our record (e.g. we were reaped);
			// rejoin to obtain a fresh id.
			a.logger.Warn().Str("node_id", a.nodeID).Msg("heartbeat not acknowledged, rejoining")
			if _, err := a.Join(ctx); err != nil {
				a.logger.Error().Err(err).Msg("rejoin failed")
			}
			continue
		}

		for _, cmd := range resp.Commands {
			a.logger.Info().Str("command_type", cmd.CommandType).Msg("received command from control plane")
			if handler != nil {
				handler(cmd)
			}
		}
	}
}

func (a *Agent) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.ControlPlaneAddr+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return a.do(req, out)
}

func (a *Agent) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.ControlPlaneAddr+path, nil)
	if err != nil {
		return err
	}
	return a.do(req, out)
}

func (a *Agent) do(req *http.Request, out any) error {
	resp, err := a.client.Do(req)
	if err != nil {
		return errdefs.Unavailablef("control plane unreachable: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var eb struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&eb)
		msg := eb.Error
		if msg == "" {
			msg = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
		switch resp.StatusCode {
		case http.StatusNotFound:
			return errdefs.NotFoundf("%s", msg)
		case http.StatusBadRequest:
			return errdefs.InvalidArgumentf("%s", msg)
		case http.StatusServiceUnavailable:
			return errdefs.Unavailablef("%s", msg)
		default:
			return fmt.Errorf("%s: %w", msg, errdefs.ErrInternal)
		}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
