// Package health runs HTTP health probes against instance endpoints with
// configurable thresholds and exponential backoff.
package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/warpgrid/warpgrid/pkg/errdefs"
	"github.com/warpgrid/warpgrid/pkg/metrics"
	"github.com/warpgrid/warpgrid/pkg/types"
)

// ProbeResult classifies one probe attempt.
type ProbeResult string

const (
	// ProbeHealthy: the endpoint returned 2xx.
	ProbeHealthy ProbeResult = "healthy"
	// ProbeUnhealthy: the endpoint answered with non-2xx.
	ProbeUnhealthy ProbeResult = "unhealthy"
	// ProbeFailed: the probe could not be executed (connection error or
	// timeout).
	ProbeFailed ProbeResult = "failed"
)

// maxBackoff caps the exponential probe backoff.
const maxBackoff = 60 * time.Second

// HTTPProbe performs one GET against http://address{path}.
func HTTPProbe(ctx context.Context, address, path string, timeout time.Duration) ProbeResult {
	client := &http.Client{Timeout: timeout}

	url := fmt.Sprintf("http://%s%s", address, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ProbeFailed
	}
	req.Header.Set("User-Agent", "warpgrid-health/1.0")

	resp, err := client.Do(req)
	if err != nil {
		metrics.HealthProbesTotal.WithLabelValues(string(ProbeFailed)).Inc()
		return ProbeFailed
	}
	defer resp.Body.Close()

	result := ProbeUnhealthy
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		result = ProbeHealthy
	}
	metrics.HealthProbesTotal.WithLabelValues(string(result)).Inc()
	return result
}

// Tracker accumulates consecutive probe results for one deployment and
// derives its health status and next probe interval.
type Tracker struct {
	status               types.HealthStatus
	consecutiveFailures  uint32
	consecutiveSuccesses uint32
	unhealthyThreshold   uint32
	healthyThreshold     uint32
	currentBackoff       time.Duration
	baseInterval         time.Duration
}

// NewTracker builds a tracker from a deployment's health config.
func NewTracker(cfg *types.HealthConfig) *Tracker {
	interval, err := ParseDuration(cfg.Interval)
	if err != nil {
		interval = 5 * time.Second
	}
	threshold := cfg.UnhealthyThreshold
	if threshold == 0 {
		threshold = 3
	}
	return NewTrackerWithThresholds(threshold, 1, interval)
}

// NewTrackerWithThresholds builds a tracker with explicit thresholds.
func NewTrackerWithThresholds(unhealthyThreshold, healthyThreshold uint32, interval time.Duration) *Tracker {
	return &Tracker{
		status:             types.HealthUnknown,
		unhealthyThreshold: unhealthyThreshold,
		healthyThreshold:   healthyThreshold,
		currentBackoff:     interval,
		baseInterval:       interval,
	}
}

// Record folds one probe result into the tracker and returns the new
// status. Successes reset the failure counter and restore the base
// interval; failures double the next-probe interval up to the cap.
func (t *Tracker) Record(result ProbeResult) types.HealthStatus {
	switch result {
	case ProbeHealthy:
		t.consecutiveFailures = 0
		t.consecutiveSuccesses++
		t.currentBackoff = t.baseInterval
		if t.consecutiveSuccesses >= t.healthyThreshold {
			t.status = types.HealthHealthy
		}
	case ProbeUnhealthy, ProbeFailed:
		t.consecutiveSuccesses = 0
		t.consecutiveFailures++
		t.currentBackoff *= 2
		if t.currentBackoff > maxBackoff {
			t.currentBackoff = maxBackoff
		}
		if t.consecutiveFailures >= t.unhealthyThreshold {
			t.status = types.HealthUnhealthy
		}
	}
	return t.status
}

// Status returns the current derived health.
func (t *Tracker) Status() types.HealthStatus { return t.status }

// ConsecutiveFailures returns the current failure streak.
func (t *Tracker) ConsecutiveFailures() uint32 { return t.consecutiveFailures }

// NextInterval returns the backoff-adjusted wait before the next probe.
func (t *Tracker) NextInterval() time.Duration { return t.currentBackoff }

// NeedsReplacement reports whether the deployment's instances should be
// replaced.
func (t *Tracker) NeedsReplacement() bool { return t.status == types.HealthUnhealthy }

// ParseDuration parses config strings like "500ms", "5s", "2m".
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, errdefs.InvalidArgumentf("empty duration")
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		// Bare numbers mean seconds.
		d2, err2 := time.ParseDuration(s + "s")
		if err2 != nil {
			return 0, errdefs.InvalidArgumentf("bad duration %q", s)
		}
		return d2, nil
	}
	return d, nil
}
