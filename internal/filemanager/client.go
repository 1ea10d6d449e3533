// Package filemanager is the HTTP client for the file manager service that
// owns every job's scraped output files.
package filemanager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harvester/internal/interfaces"
	"github.com/ternarybob/harvester/internal/models"
)

// Client talks to the file manager service. All failures wrap
// models.ErrTransport (network) or models.ErrRemote (explicit service
// error) so callers can classify without parsing messages.
type Client struct {
	baseURL     string
	downloadDir string
	httpClient  *http.Client
	logger      arbor.ILogger
}

// New creates a client for the service at baseURL. Merged artifacts are
// written under downloadDir.
func New(baseURL, downloadDir string, timeout time.Duration, logger arbor.ILogger) *Client {
	return &Client{
		baseURL:     baseURL,
		downloadDir: downloadDir,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      logger,
	}
}

var _ interfaces.FileManagerService = (*Client)(nil)

// ListFiles returns the authoritative file list for a correlation id.
func (c *Client) ListFiles(ctx context.Context, correlationID string) ([]string, error) {
	endpoint := fmt.Sprintf("%s/api/files/%s", c.baseURL, url.PathEscape(correlationID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", models.ErrTransport, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: list files: %v", models.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: list files returned %d", models.ErrRemote, resp.StatusCode)
	}

	var body struct {
		Files []string `json:"files"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decode file list: %v", models.ErrRemote, err)
	}
	return body.Files, nil
}

// DeleteFile removes one file scoped by correlation id.
func (c *Client) DeleteFile(ctx context.Context, correlationID, filename string) error {
	endpoint := fmt.Sprintf("%s/api/files/%s/%s", c.baseURL, url.PathEscape(correlationID), url.PathEscape(filename))

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", models.ErrTransport, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: delete file: %v", models.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("%w: delete returned %d", models.ErrRemote, resp.StatusCode)
	}
	return nil
}

// MergeDownload requests the server-side merge for a correlation id,
// streams the artifact to the download directory, and reads the
// persistence metadata from the X-DB-* response headers.
func (c *Client) MergeDownload(ctx context.Context, correlationID string) (*models.MergeResult, error) {
	endpoint := fmt.Sprintf("%s/api/merge-download/%s", c.baseURL, url.PathEscape(correlationID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", models.ErrTransport, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: merge download: %v", models.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: merge returned %d", models.ErrRemote, resp.StatusCode)
	}

	artifactPath, err := c.saveArtifact(correlationID, resp.Body)
	if err != nil {
		return nil, err
	}

	result := c.resultFromHeaders(resp.Header)
	result.ArtifactPath = artifactPath

	c.logger.Info().
		Str("correlation_id", correlationID).
		Str("artifact", artifactPath).
		Int("records_inserted", result.RecordsInserted).
		Msg("Merged artifact downloaded")
	return result, nil
}

// MergeGlobal submits the cross-job file sets under a fresh correlation id,
// then downloads the combined artifact.
func (c *Client) MergeGlobal(ctx context.Context, correlationID string, files map[string][]string) (*models.MergeResult, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"session_id": correlationID,
		"files":      files,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encode merge payload: %v", models.ErrTransport, err)
	}

	endpoint := c.baseURL + "/api/merge-global"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", models.ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: global merge: %v", models.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: global merge returned %d", models.ErrRemote, resp.StatusCode)
	}

	result := c.resultFromHeaders(resp.Header)
	io.Copy(io.Discard, resp.Body)

	downloadURL := fmt.Sprintf("%s/api/download-global-merge/%s", c.baseURL, url.PathEscape(correlationID))
	dlReq, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", models.ErrTransport, err)
	}
	dlResp, err := c.httpClient.Do(dlReq)
	if err != nil {
		return nil, fmt.Errorf("%w: download global merge: %v", models.ErrTransport, err)
	}
	defer dlResp.Body.Close()

	if dlResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: global merge download returned %d", models.ErrRemote, dlResp.StatusCode)
	}

	artifactPath, err := c.saveArtifact(correlationID, dlResp.Body)
	if err != nil {
		return nil, err
	}
	result.ArtifactPath = artifactPath
	return result, nil
}

// resultFromHeaders reads the persistence metadata the service reports via
// response headers.
func (c *Client) resultFromHeaders(header http.Header) *models.MergeResult {
	result := &models.MergeResult{
		DBStatus: header.Get("X-DB-Status"),
		DBError:  header.Get("X-DB-Error"),
	}
	if v := header.Get("X-DB-Records-Inserted"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			result.RecordsInserted = n
		}
	}
	return result
}

func (c *Client) saveArtifact(correlationID string, body io.Reader) (string, error) {
	if err := os.MkdirAll(c.downloadDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create download directory: %w", err)
	}

	artifactPath := filepath.Join(c.downloadDir, fmt.Sprintf("merged_data_%s.csv", correlationID))
	f, err := os.Create(artifactPath)
	if err != nil {
		return "", fmt.Errorf("failed to create artifact file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, body); err != nil {
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	return artifactPath, nil
}
