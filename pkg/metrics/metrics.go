package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Cluster metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warpgrid_nodes_total",
			Help: "Total number of nodes by status",
		},
		[]string{"status"},
	)

	DeploymentsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warpgrid_deployments_total",
			Help: "Total number of deployments",
		},
	)

	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warpgrid_instances_total",
			Help: "Total number of instances by status",
		},
		[]string{"status"},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warpgrid_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warpgrid_raft_peers_total",
			Help: "Total number of Raft peers in the cluster",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warpgrid_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	RaftCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "warpgrid_raft_commit_duration_seconds",
			Help:    "Raft command commit duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "warpgrid_scheduling_latency_seconds",
			Help:    "Time to place an instance in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	InstancesScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warpgrid_instances_scheduled_total",
			Help: "Total number of instances scheduled",
		},
	)

	InstancesFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warpgrid_instances_failed_total",
			Help: "Total number of instance scheduling failures",
		},
	)

	PreemptionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warpgrid_preemptions_total",
			Help: "Total number of preemption decisions executed",
		},
	)

	// Connection pool metrics
	PoolConnectionsIdle = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warpgrid_pool_connections_idle",
			Help: "Idle connections per pool key",
		},
		[]string{"protocol", "host"},
	)

	PoolConnectionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warpgrid_pool_connections_active",
			Help: "Checked-out connections per pool key",
		},
		[]string{"protocol", "host"},
	)

	PoolCheckoutWaits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warpgrid_pool_checkout_waits_total",
			Help: "Checkouts that had to wait for a release",
		},
	)

	// Runtime metrics
	ModulesCompiled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warpgrid_modules_compiled_total",
			Help: "Total number of Wasm modules compiled",
		},
	)

	MemoryDenials = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warpgrid_memory_growth_denied_total",
			Help: "Guest memory or table growth requests denied by the limiter",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warpgrid_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "warpgrid_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Health metrics
	HealthProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warpgrid_health_probes_total",
			Help: "Health probes by result",
		},
		[]string{"result"},
	)
)

// Register registers all collectors with the default registry. Call once
// at startup.
func Register() {
	prometheus.MustRegister(
		NodesTotal,
		DeploymentsTotal,
		InstancesTotal,
		RaftLeader,
		RaftPeers,
		RaftAppliedIndex,
		RaftCommitDuration,
		SchedulingLatency,
		InstancesScheduled,
		InstancesFailed,
		PreemptionsTotal,
		PoolConnectionsIdle,
		PoolConnectionsActive,
		PoolCheckoutWaits,
		ModulesCompiled,
		MemoryDenials,
		APIRequestsTotal,
		APIRequestDuration,
		HealthProbesTotal,
	)
}

// Timer measures a duration for a histogram observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time on the given histogram.
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}
