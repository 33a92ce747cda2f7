package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/fyrsmithlabs/phasegate/internal/checkpoint"
)

// Source loads the current run state.
type Source interface {
	Load(ctx context.Context) (*checkpoint.RunState, error)
	// Describe names the source for display.
	Describe() string
}

// FileSource reads a run state file.
type FileSource struct {
	Path string
}

// Load reads the state file.
func (s FileSource) Load(context.Context) (*checkpoint.RunState, error) {
	return checkpoint.ReadState(s.Path)
}

// Describe returns the file path.
func (s FileSource) Describe() string {
	return s.Path
}

// StatusClient queries a running phasegate status server.
type StatusClient struct {
	baseURL string
	client  *http.Client
}

// NewStatusClient creates a client for the server at baseURL.
func NewStatusClient(baseURL string) *StatusClient {
	return &StatusClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 2 * time.Second,
		},
	}
}

type statusBody struct {
	Run *checkpoint.RunState `json:"run"`
}

// Load fetches GET /status.
func (c *StatusClient) Load(ctx context.Context) (*checkpoint.RunState, error) {
	u, err := url.JoinPath(c.baseURL, "status")
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}

	var body statusBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if body.Run == nil {
		return nil, fmt.Errorf("response carries no run state")
	}
	return body.Run, nil
}

// Describe returns the server URL.
func (c *StatusClient) Describe() string {
	return c.baseURL
}
