// Package monitor renders a live terminal dashboard of a running txcored.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	adminhttp "github.com/fyrsmithlabs/txcore/internal/http"
)

// StatusClient reads the admin API of a running daemon.
type StatusClient struct {
	baseURL string
	client  *http.Client
}

// NewStatusClient creates a client for the admin API at baseURL.
func NewStatusClient(baseURL string) *StatusClient {
	return &StatusClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 2 * time.Second,
		},
	}
}

// Status fetches GET /api/v1/status. A 503 still carries a body describing
// a daemon whose transaction manager is down, so it is not an error.
func (c *StatusClient) Status(ctx context.Context) (adminhttp.StatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/status", nil)
	if err != nil {
		return adminhttp.StatusResponse{}, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return adminhttp.StatusResponse{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return adminhttp.StatusResponse{}, fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}

	var status adminhttp.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return adminhttp.StatusResponse{}, fmt.Errorf("failed to decode response: %w", err)
	}
	return status, nil
}
