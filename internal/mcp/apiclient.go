package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sekia-ai/mailwatch/pkg/protocol"
)

// WatcherAPI reads the watcher's status API.
// Implemented by APIClient; tests can provide a mock.
type WatcherAPI interface {
	GetStatus(ctx context.Context) (*protocol.StatusResponse, error)
	GetServices(ctx context.Context) (*protocol.ServicesResponse, error)
}

// APIClient talks to the watcher's HTTP API.
type APIClient struct {
	baseURL string
	client  *http.Client
}

// NewAPIClient creates an APIClient for the watcher listening at addr.
func NewAPIClient(addr string) *APIClient {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &APIClient{
		baseURL: strings.TrimRight(addr, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *APIClient) GetStatus(ctx context.Context) (*protocol.StatusResponse, error) {
	var resp protocol.StatusResponse
	if err := c.getJSON(ctx, "/api/v1/status", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *APIClient) GetServices(ctx context.Context) (*protocol.ServicesResponse, error) {
	var resp protocol.ServicesResponse
	if err := c.getJSON(ctx, "/api/v1/services", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *APIClient) getJSON(ctx context.Context, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}
