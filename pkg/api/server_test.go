package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warpgrid/warpgrid/pkg/errdefs"
	"github.com/warpgrid/warpgrid/pkg/types"
)

func apiSpec() *types.DeploymentSpec {
	return &types.DeploymentSpec{
		Namespace: "prod",
		Name:      "api",
		Source:    "oci://registry.example.com/api:v1",
		Trigger:   types.TriggerConfig{Type: types.TriggerHTTP, Port: 8080},
		Instances: types.InstanceRange{Min: 1, Max: 3},
		Resources: types.ResourceLimits{MemoryBytes: 64 << 20, CPUWeight: 100},
	}
}

func TestValidateSpecAccepts(t *testing.T) {
	assert.NoError(t, validateSpec(apiSpec()))
}

func TestValidateSpecRejectsBadScheme(t *testing.T) {
	spec := apiSpec()
	spec.Source = "ftp://example.com/x.wasm"
	err := validateSpec(spec)
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestValidateSpecRejectsBadCron(t *testing.T) {
	spec := apiSpec()
	spec.Trigger = types.TriggerConfig{Type: types.TriggerCron, Schedule: "not a schedule"}
	err := validateSpec(spec)
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestValidateSpecAcceptsStandardCron(t *testing.T) {
	spec := apiSpec()
	spec.Trigger = types.TriggerConfig{Type: types.TriggerCron, Schedule: "*/5 * * * *"}
	assert.NoError(t, validateSpec(spec))
}

func TestValidateSpecRejectsBadHealthDuration(t *testing.T) {
	spec := apiSpec()
	spec.Health = &types.HealthConfig{Endpoint: "/healthz", Interval: "soon", Timeout: "2s", UnhealthyThreshold: 3}
	err := validateSpec(spec)
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestRolloutTrackerConflict(t *testing.T) {
	tracker := newRolloutTracker(nil)

	require.NoError(t, tracker.begin("prod/api"))

	err := tracker.begin("prod/api")
	require.Error(t, err)
	assert.True(t, errdefs.IsConflict(err))

	// A different deployment is unaffected.
	assert.NoError(t, tracker.begin("prod/other"))

	// Finishing frees the slot.
	tracker.finish("prod/api")
	assert.NoError(t, tracker.begin("prod/api"))
}
