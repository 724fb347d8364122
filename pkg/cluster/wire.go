// Package cluster implements the cluster RPC boundary: the control-plane
// server answering join/heartbeat/leave/members, and the node agent that
// calls it. Requests and responses are JSON over HTTP. Consensus RPCs
// (append-entries, vote, install-snapshot) ride the Raft transport and
// never appear here.
package cluster

import (
	"encoding/json"

	"github.com/warpgrid/warpgrid/pkg/membership"
)

// JoinRequest registers a node with the control plane.
type JoinRequest struct {
	Address             string            `json:"address"`
	Port                uint16            `json:"port"`
	Labels              map[string]string `json:"labels,omitempty"`
	CapacityMemoryBytes uint64            `json:"capacity_memory_bytes"`
	CapacityCPUWeight   uint32            `json:"capacity_cpu_weight"`
}

// JoinResponse carries the assigned node id, the current membership, and
// the heartbeat cadence the agent must follow.
type JoinResponse struct {
	NodeID                string               `json:"node_id"`
	Members               []*membership.Member `json:"members"`
	HeartbeatIntervalSecs uint32               `json:"heartbeat_interval_secs"`
}

// HeartbeatRequest reports a node's live resource usage.
type HeartbeatRequest struct {
	NodeID          string `json:"node_id"`
	UsedMemoryBytes uint64 `json:"used_memory_bytes"`
	UsedCPUWeight   uint32 `json:"used_cpu_weight"`
	ActiveInstances uint32 `json:"active_instances"`
}

// HeartbeatResponse acknowledges the heartbeat and delivers pending
// commands for the node.
type HeartbeatResponse struct {
	Acknowledged bool      `json:"acknowledged"`
	Commands     []Command `json:"commands,omitempty"`
}

// Command is an instruction for an agent. The only command type defined
// at this level is "schedule".
type Command struct {
	NodeID      string          `json:"node_id"`
	CommandType string          `json:"command_type"`
	PayloadJSON json.RawMessage `json:"payload_json"`
}

// LeaveRequest removes a node from the cluster.
type LeaveRequest struct {
	NodeID string `json:"node_id"`
}

// LeaveResponse reports whether the node existed.
type LeaveResponse struct {
	Success bool `json:"success"`
}

// MembersResponse lists the current membership.
type MembersResponse struct {
	Members []*membership.Member `json:"members"`
}
