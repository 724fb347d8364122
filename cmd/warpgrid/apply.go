package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/warpgrid/warpgrid/pkg/errdefs"
	"github.com/warpgrid/warpgrid/pkg/types"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a deployment manifest",
	Long: `Apply a WarpGrid deployment from a YAML manifest.

Examples:
  # Deploy an HTTP-triggered component
  warpgrid apply -f api.yaml

  # Target a remote control plane
  warpgrid apply -f api.yaml --server http://10.0.0.1:7720`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML manifest to apply (required)")
	applyCmd.Flags().String("server", "http://127.0.0.1:7720", "Control plane address")
	_ = applyCmd.MarkFlagRequired("file")
}

// manifest is the YAML shape of a deployment spec.
type manifest struct {
	APIVersion string         `yaml:"apiVersion"`
	Kind       string         `yaml:"kind"`
	Metadata   manifestMeta   `yaml:"metadata"`
	Spec       deploymentSpec `yaml:"spec"`
}

type manifestMeta struct {
	Namespace string `yaml:"namespace"`
	Name      string `yaml:"name"`
}

type deploymentSpec struct {
	Source  string `yaml:"source"`
	Trigger struct {
		Type     string `yaml:"type"`
		Port     uint16 `yaml:"port"`
		Schedule string `yaml:"schedule"`
		Topic    string `yaml:"topic"`
	} `yaml:"trigger"`
	Instances struct {
		Min uint32 `yaml:"min"`
		Max uint32 `yaml:"max"`
	} `yaml:"instances"`
	Resources struct {
		MemoryBytes uint64 `yaml:"memoryBytes"`
		CPUWeight   uint32 `yaml:"cpuWeight"`
	} `yaml:"resources"`
	Shims struct {
		Timezone      bool `yaml:"timezone"`
		DevUrandom    bool `yaml:"devUrandom"`
		DNS           bool `yaml:"dns"`
		Signals       bool `yaml:"signals"`
		DatabaseProxy bool `yaml:"databaseProxy"`
		Threading     bool `yaml:"threading"`
	} `yaml:"shims"`
	Health *struct {
		Endpoint           string `yaml:"endpoint"`
		Interval           string `yaml:"interval"`
		Timeout            string `yaml:"timeout"`
		UnhealthyThreshold uint32 `yaml:"unhealthyThreshold"`
	} `yaml:"health"`
	Env      map[string]string `yaml:"env"`
	Priority uint32            `yaml:"priority"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	server, _ := cmd.Flags().GetString("server")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %v", err)
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return errdefs.InvalidArgumentf("failed to parse YAML: %v", err)
	}
	if m.Kind != "Deployment" {
		return errdefs.InvalidArgumentf("unsupported kind %q", m.Kind)
	}
	namespace := m.Metadata.Namespace
	if namespace == "" {
		namespace = "default"
	}

	spec := types.DeploymentSpec{
		Namespace: namespace,
		Name:      m.Metadata.Name,
		Source:    m.Spec.Source,
		Trigger: types.TriggerConfig{
			Type:     types.TriggerType(m.Spec.Trigger.Type),
			Port:     m.Spec.Trigger.Port,
			Schedule: m.Spec.Trigger.Schedule,
			Topic:    m.Spec.Trigger.Topic,
		},
		Instances: types.InstanceRange{Min: m.Spec.Instances.Min, Max: m.Spec.Instances.Max},
		Resources: types.ResourceLimits{MemoryBytes: m.Spec.Resources.MemoryBytes, CPUWeight: m.Spec.Resources.CPUWeight},
		Shims: types.ShimsEnabled{
			Timezone:      m.Spec.Shims.Timezone,
			DevUrandom:    m.Spec.Shims.DevUrandom,
			DNS:           m.Spec.Shims.DNS,
			Signals:       m.Spec.Shims.Signals,
			DatabaseProxy: m.Spec.Shims.DatabaseProxy,
			Threading:     m.Spec.Shims.Threading,
		},
		Env:      m.Spec.Env,
		Priority: m.Spec.Priority,
	}
	if m.Spec.Health != nil {
		spec.Health = &types.HealthConfig{
			Endpoint:           m.Spec.Health.Endpoint,
			Interval:           m.Spec.Health.Interval,
			Timeout:            m.Spec.Health.Timeout,
			UnhealthyThreshold: m.Spec.Health.UnhealthyThreshold,
		}
	}

	client := newAPIClient(server)
	ctx := context.Background()

	var created types.DeploymentSpec
	path := fmt.Sprintf("/v1/namespaces/%s/deployments/", namespace)
	err = client.do(ctx, http.MethodPost, path, &spec, &created)
	if errdefs.IsConflict(err) {
		// Already exists: update in place.
		updatePath := fmt.Sprintf("/v1/namespaces/%s/deployments/%s", namespace, spec.Name)
		if err = client.do(ctx, http.MethodPut, updatePath, &spec, &created); err != nil {
			return err
		}
		fmt.Printf("deployment %s configured\n", created.Key())
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("deployment %s created\n", created.Key())
	return nil
}
