package types

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// DeploymentSpec describes a deployed Wasm workload. Specs are created by
// the API, mutated only through consensus, and destroyed by an explicit
// undeploy.
type DeploymentSpec struct {
	ID        string            `json:"id"`
	Namespace string            `json:"namespace"`
	Name      string            `json:"name"`
	Source    string            `json:"source"`
	Trigger   TriggerConfig     `json:"trigger"`
	Instances InstanceRange     `json:"instances"`
	Resources ResourceLimits    `json:"resources"`
	Scaling   *ScalingConfig    `json:"scaling,omitempty"`
	Health    *HealthConfig     `json:"health,omitempty"`
	Shims     ShimsEnabled      `json:"shims"`
	Env       map[string]string `json:"env,omitempty"`
	Priority  uint32            `json:"priority"`
	CreatedAt int64             `json:"created_at"`
	UpdatedAt int64             `json:"updated_at"`
}

// TriggerType identifies how a deployment is invoked.
type TriggerType string

const (
	TriggerHTTP  TriggerType = "http"
	TriggerCron  TriggerType = "cron"
	TriggerQueue TriggerType = "queue"
)

// TriggerConfig is a tagged union: exactly one trigger per deployment.
type TriggerConfig struct {
	Type     TriggerType `json:"type"`
	Port     uint16      `json:"port,omitempty"`     // http
	Schedule string      `json:"schedule,omitempty"` // cron
	Topic    string      `json:"topic,omitempty"`    // queue
}

// InstanceRange bounds the instance count for a deployment.
type InstanceRange struct {
	Min uint32 `json:"min"`
	Max uint32 `json:"max"`
}

// ResourceLimits caps a single instance.
type ResourceLimits struct {
	MemoryBytes uint64 `json:"memory_bytes"`
	CPUWeight   uint32 `json:"cpu_weight"`
}

// ScalingConfig drives the autoscaler policy surface.
type ScalingConfig struct {
	Metric          string  `json:"metric"`
	TargetValue     float64 `json:"target_value"`
	ScaleUpWindow   string  `json:"scale_up_window"`
	ScaleDownWindow string  `json:"scale_down_window"`
}

// HealthConfig configures the HTTP health probe for a deployment.
type HealthConfig struct {
	Endpoint           string `json:"endpoint"`
	Interval           string `json:"interval"`
	Timeout            string `json:"timeout"`
	UnhealthyThreshold uint32 `json:"unhealthy_threshold"`
}

// ShimsEnabled selects which host shims a deployment's instances import.
type ShimsEnabled struct {
	Timezone      bool `json:"timezone,omitempty"`
	DevUrandom    bool `json:"dev_urandom,omitempty"`
	DNS           bool `json:"dns,omitempty"`
	Signals       bool `json:"signals,omitempty"`
	DatabaseProxy bool `json:"database_proxy,omitempty"`
	Threading     bool `json:"threading,omitempty"`
}

// InstanceStatus is the lifecycle state of a Wasm instance.
type InstanceStatus string

const (
	InstanceStarting  InstanceStatus = "starting"
	InstanceRunning   InstanceStatus = "running"
	InstanceUnhealthy InstanceStatus = "unhealthy"
	InstanceStopping  InstanceStatus = "stopping"
	InstanceStopped   InstanceStatus = "stopped"
)

// HealthStatus is the probe-derived health of an instance.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// InstanceState is the runtime record for a single instance. Created by
// the scheduler after placement, mutated by the health monitor and the
// node agent, destroyed on scale-down or undeploy.
type InstanceState struct {
	ID           string         `json:"id"`
	DeploymentID string         `json:"deployment_id"`
	NodeID       string         `json:"node_id"`
	Address      string         `json:"address,omitempty"`
	Status       InstanceStatus `json:"status"`
	Health       HealthStatus   `json:"health"`
	RestartCount uint32         `json:"restart_count"`
	MemoryBytes  uint64         `json:"memory_bytes"`
	// Reschedule marks an instance whose node was reaped; the record
	// stays in the store until the scheduler replaces it.
	Reschedule bool  `json:"reschedule,omitempty"`
	StartedAt  int64 `json:"started_at"`
	UpdatedAt  int64 `json:"updated_at"`
}

// NodeInfo is the membership record for a cluster node. Created on join,
// mutated by every heartbeat, destroyed by leave or dead-node reaping.
type NodeInfo struct {
	ID                  string            `json:"id"`
	Address             string            `json:"address"`
	Port                uint16            `json:"port"`
	CapacityMemoryBytes uint64            `json:"capacity_memory_bytes"`
	CapacityCPUWeight   uint32            `json:"capacity_cpu_weight"`
	UsedMemoryBytes     uint64            `json:"used_memory_bytes"`
	UsedCPUWeight       uint32            `json:"used_cpu_weight"`
	Labels              map[string]string `json:"labels,omitempty"`
	Draining            bool              `json:"draining,omitempty"`
	LastHeartbeat       int64             `json:"last_heartbeat"`
}

// ServiceEndpoints lists backend addresses for internal routing and DNS
// injection.
type ServiceEndpoints struct {
	Namespace string   `json:"namespace"`
	Service   string   `json:"service"`
	Endpoints []string `json:"endpoints"`
	UpdatedAt int64    `json:"updated_at"`
}

// MetricsSnapshot is a point-in-time per-deployment aggregate. Append-only.
type MetricsSnapshot struct {
	DeploymentID     string  `json:"deployment_id"`
	Epoch            int64   `json:"epoch"`
	RPS              float64 `json:"rps"`
	LatencyP50Ms     float64 `json:"latency_p50_ms"`
	LatencyP99Ms     float64 `json:"latency_p99_ms"`
	ErrorRate        float64 `json:"error_rate"`
	TotalMemoryBytes uint64  `json:"total_memory_bytes"`
	ActiveInstances  uint32  `json:"active_instances"`
}

// DeploymentKey builds the deployments table key: {namespace}/{name}.
func DeploymentKey(namespace, name string) string {
	return namespace + "/" + name
}

// Key returns the composite table key for the spec.
func (d *DeploymentSpec) Key() string {
	return DeploymentKey(d.Namespace, d.Name)
}

// InstanceKey builds the instances table key: {deployment_id}:{instance_id}.
func InstanceKey(deploymentID, instanceID string) string {
	return deploymentID + ":" + instanceID
}

// Key returns the composite table key for the instance.
func (i *InstanceState) Key() string {
	return InstanceKey(i.DeploymentID, i.ID)
}

// InstancePrefix is the range-scan prefix for all instances of a deployment.
func InstancePrefix(deploymentID string) string {
	return deploymentID + ":"
}

// ServiceKey builds the services table key: {namespace}/{service}.
func ServiceKey(namespace, service string) string {
	return namespace + "/" + service
}

// Key returns the composite table key for the endpoint set.
func (s *ServiceEndpoints) Key() string {
	return ServiceKey(s.Namespace, s.Service)
}

// Key returns the metrics table key: {deployment_id}:{epoch}.
func (m *MetricsSnapshot) Key() string {
	return m.DeploymentID + ":" + strconv.FormatInt(m.Epoch, 10)
}

// MetricsPrefix is the range-scan prefix for a deployment's snapshots.
func MetricsPrefix(deploymentID string) string {
	return deploymentID + ":"
}

// Validate checks the structural invariants of a deployment spec.
func (d *DeploymentSpec) Validate() error {
	if d.Namespace == "" || d.Name == "" {
		return fmt.Errorf("namespace and name are required")
	}
	if d.Source == "" {
		return fmt.Errorf("source is required")
	}
	if d.Instances.Min > d.Instances.Max {
		return fmt.Errorf("instances.min (%d) exceeds instances.max (%d)", d.Instances.Min, d.Instances.Max)
	}
	if d.Resources.MemoryBytes == 0 {
		return fmt.Errorf("resources.memory_bytes must be positive")
	}
	return d.Trigger.Validate()
}

// Validate checks that exactly one trigger variant is populated.
func (t *TriggerConfig) Validate() error {
	switch t.Type {
	case TriggerHTTP:
		if t.Schedule != "" || t.Topic != "" {
			return fmt.Errorf("http trigger must not set schedule or topic")
		}
	case TriggerCron:
		if t.Schedule == "" {
			return fmt.Errorf("cron trigger requires a schedule")
		}
		if t.Port != 0 || t.Topic != "" {
			return fmt.Errorf("cron trigger must not set port or topic")
		}
	case TriggerQueue:
		if t.Topic == "" {
			return fmt.Errorf("queue trigger requires a topic")
		}
		if t.Port != 0 || t.Schedule != "" {
			return fmt.Errorf("queue trigger must not set port or schedule")
		}
	default:
		return fmt.Errorf("unknown trigger type: %q", t.Type)
	}
	return nil
}

// Clone returns a deep copy via JSON round-trip. Used where a record is
// handed to another goroutine.
func (d *DeploymentSpec) Clone() *DeploymentSpec {
	data, _ := json.Marshal(d)
	var out DeploymentSpec
	_ = json.Unmarshal(data, &out)
	return &out
}
