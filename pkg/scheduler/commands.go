package scheduler

import (
	"encoding/json"
	"sync"
)

// CommandSchedule is the only command type defined at this level.
const CommandSchedule = "schedule"

// Command is an instruction delivered to an agent node in its next
// heartbeat response.
type Command struct {
	NodeID      string          `json:"node_id"`
	CommandType string          `json:"command_type"`
	PayloadJSON json.RawMessage `json:"payload_json"`
}

// SchedulePayload is the payload of a "schedule" command.
type SchedulePayload struct {
	DeploymentID  string `json:"deployment_id"`
	InstanceCount uint32 `json:"instance_count"`
}

// commandQueue holds pending per-node commands until the node's next
// heartbeat drains them.
type commandQueue struct {
	mu      sync.Mutex
	pending map[string][]Command
}

func newCommandQueue() *commandQueue {
	return &commandQueue{pending: make(map[string][]Command)}
}

// enqueueSchedule queues a schedule command, replacing any earlier
// schedule command for the same deployment on the same node.
func (q *commandQueue) enqueueSchedule(nodeID, deploymentID string, count uint32) {
	payload, _ := json.Marshal(SchedulePayload{DeploymentID: deploymentID, InstanceCount: count})
	cmd := Command{NodeID: nodeID, CommandType: CommandSchedule, PayloadJSON: payload}

	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.pending[nodeID][:0]
	for _, existing := range q.pending[nodeID] {
		if existing.CommandType == CommandSchedule {
			var p SchedulePayload
			if json.Unmarshal(existing.PayloadJSON, &p) == nil && p.DeploymentID == deploymentID {
				continue
			}
		}
		kept = append(kept, existing)
	}
	q.pending[nodeID] = append(kept, cmd)
}

// drain removes and returns every pending command for the node.
func (q *commandQueue) drain(nodeID string) []Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	cmds := q.pending[nodeID]
	delete(q.pending, nodeID)
	return cmds
}
