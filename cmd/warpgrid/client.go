package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/warpgrid/warpgrid/pkg/errdefs"
	"github.com/warpgrid/warpgrid/pkg/types"
)

// apiClient is the thin HTTP client the operator commands use.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errdefs.Unavailablef("control plane unreachable: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
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
		case http.StatusConflict:
			return errdefs.Conflictf("%s", msg)
		case http.StatusBadRequest:
			return errdefs.InvalidArgumentf("%s", msg)
		case http.StatusServiceUnavailable:
			return errdefs.Unavailablef("%s", msg)
		default:
			return fmt.Errorf("%s: %w", msg, errdefs.ErrInternal)
		}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// fetchDeployment resolves a {namespace}/{name} deployment id against
// the control-plane API.
func fetchDeployment(ctx context.Context, base, deploymentID string) (*types.DeploymentSpec, error) {
	namespace, name, ok := strings.Cut(deploymentID, "/")
	if !ok {
		return nil, errdefs.InvalidArgumentf("bad deployment id %q", deploymentID)
	}
	var spec types.DeploymentSpec
	client := newAPIClient(base)
	if err := client.do(ctx, http.MethodGet, fmt.Sprintf("/v1/namespaces/%s/deployments/%s", namespace, name), nil, &spec); err != nil {
		return nil, err
	}
	return &spec, nil
}
