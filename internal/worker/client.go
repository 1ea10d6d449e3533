// Package worker is the out-of-band HTTP client for the remote scraping
// worker: stop notifications and interactive session opening.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harvester/internal/interfaces"
	"github.com/ternarybob/harvester/internal/models"
)

// Client talks to the worker's HTTP API alongside its event connection.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     arbor.ILogger
}

// New creates a worker API client.
func New(baseURL string, logger arbor.ILogger) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

var _ interfaces.WorkerService = (*Client)(nil)

// NotifyStop sends the out-of-band stop command for a correlation id.
// Best-effort: callers treat failures as warnings, not blockers.
func (c *Client) NotifyStop(ctx context.Context, correlationID string) error {
	payload, _ := json.Marshal(map[string]string{"session_id": correlationID})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/stop-scraping", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", models.ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: stop notification: %v", models.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: stop returned %d", models.ErrRemote, resp.StatusCode)
	}
	return nil
}

// OpenSession opens an interactive worker session (two-phase tools) and
// returns the server-assigned session id.
func (c *Client) OpenSession(ctx context.Context, params map[string]string) (string, error) {
	payload, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("%w: encode session params: %v", models.ErrTransport, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/open-session", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", models.ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: open session: %v", models.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: open session returned %d", models.ErrRemote, resp.StatusCode)
	}

	var body struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: decode session response: %v", models.ErrRemote, err)
	}
	if body.SessionID == "" {
		return "", fmt.Errorf("%w: open session returned empty session id", models.ErrRemote)
	}

	c.logger.Info().Str("session_id", body.SessionID).Msg("Interactive session opened")
	return body.SessionID, nil
}
