package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"benchmate/pkg/api"
)

// BenchClient handles API calls to the benchmate daemon.
type BenchClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewBenchClient creates a new client with the given base URL. The timeout
// leaves room for the daemon's longest job long-poll.
func NewBenchClient(baseURL string) *BenchClient {
	return &BenchClient{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 90 * time.Second,
		},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

func (c *BenchClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(bodyBytes)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	var envelope api.RawResponse
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		if resp.StatusCode >= 400 {
			return &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
		}
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.StatusCode >= 400 || !envelope.Success {
		return &APIError{StatusCode: resp.StatusCode, Message: envelope.Message}
	}

	if out == nil || len(envelope.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func (c *BenchClient) job(ctx context.Context, method, path string, body any) (*api.JobResponse, error) {
	var job api.JobResponse
	if err := c.do(ctx, method, path, body, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// StartBench sends POST /benches/{bench}/start.
func (c *BenchClient) StartBench(ctx context.Context, bench string) (*api.JobResponse, error) {
	return c.job(ctx, http.MethodPost, "/benches/"+url.PathEscape(bench)+"/start", nil)
}

// StopBench sends POST /benches/{bench}/stop.
func (c *BenchClient) StopBench(ctx context.Context, bench string) (*api.JobResponse, error) {
	return c.job(ctx, http.MethodPost, "/benches/"+url.PathEscape(bench)+"/stop", nil)
}

// CreateSite sends POST /benches/{bench}/sites.
func (c *BenchClient) CreateSite(ctx context.Context, bench, site string) (*api.JobResponse, error) {
	return c.job(ctx, http.MethodPost, "/benches/"+url.PathEscape(bench)+"/sites", api.CreateSiteRequest{SiteName: site})
}

// DropSite sends DELETE /benches/{bench}/sites/{site}.
func (c *BenchClient) DropSite(ctx context.Context, bench, site string) (*api.JobResponse, error) {
	return c.job(ctx, http.MethodDelete, sitePath(bench, site), nil)
}

// BackupSite sends POST /benches/{bench}/sites/{site}/backup.
func (c *BenchClient) BackupSite(ctx context.Context, bench, site string) (*api.JobResponse, error) {
	return c.job(ctx, http.MethodPost, sitePath(bench, site)+"/backup", nil)
}

// RestoreSite sends POST /benches/{bench}/sites/{site}/restore.
func (c *BenchClient) RestoreSite(ctx context.Context, bench, site string, req api.RestoreSiteRequest) (*api.JobResponse, error) {
	return c.job(ctx, http.MethodPost, sitePath(bench, site)+"/restore", req)
}

// Sync sends POST /sync.
func (c *BenchClient) Sync(ctx context.Context) (*api.JobResponse, error) {
	return c.job(ctx, http.MethodPost, "/sync", nil)
}

// GetJob sends GET /jobs/{id}. A positive wait asks the daemon to hold the
// request until the job is terminal or the wait elapses.
func (c *BenchClient) GetJob(ctx context.Context, id string, wait time.Duration) (*api.JobResponse, error) {
	path := "/jobs/" + url.PathEscape(id)
	if wait > 0 {
		path += "?wait=" + url.QueryEscape(wait.String())
	}
	return c.job(ctx, http.MethodGet, path, nil)
}

// CancelJob sends POST /jobs/{id}/cancel.
func (c *BenchClient) CancelJob(ctx context.Context, id string) (*api.JobResponse, error) {
	return c.job(ctx, http.MethodPost, "/jobs/"+url.PathEscape(id)+"/cancel", nil)
}

// ListJobs sends GET /jobs with the given filters.
func (c *BenchClient) ListJobs(ctx context.Context, filter url.Values) ([]api.JobResponse, error) {
	path := "/jobs"
	if len(filter) > 0 {
		path += "?" + filter.Encode()
	}
	var result api.ListJobsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return result.Jobs, nil
}

// GetLogs sends GET /jobs/{id}/logs.
func (c *BenchClient) GetLogs(ctx context.Context, id string) ([]api.LogEntry, error) {
	var result api.GetLogsResponse
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id)+"/logs", nil, &result); err != nil {
		return nil, err
	}
	return result.Logs, nil
}

// ListBenches sends GET /benches.
func (c *BenchClient) ListBenches(ctx context.Context) ([]api.BenchResponse, error) {
	var result api.ListBenchesResponse
	if err := c.do(ctx, http.MethodGet, "/benches", nil, &result); err != nil {
		return nil, err
	}
	return result.Benches, nil
}

// GetBench sends GET /benches/{bench}.
func (c *BenchClient) GetBench(ctx context.Context, bench string) (*api.BenchResponse, error) {
	var result api.BenchResponse
	if err := c.do(ctx, http.MethodGet, "/benches/"+url.PathEscape(bench), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RegisterBench sends PUT /benches/{bench}.
func (c *BenchClient) RegisterBench(ctx context.Context, bench, path string) (*api.BenchResponse, error) {
	var result api.BenchResponse
	if err := c.do(ctx, http.MethodPut, "/benches/"+url.PathEscape(bench), api.RegisterBenchRequest{Path: path}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListLocks sends GET /locks.
func (c *BenchClient) ListLocks(ctx context.Context) ([]api.LockResponse, error) {
	var result api.ListLocksResponse
	if err := c.do(ctx, http.MethodGet, "/locks", nil, &result); err != nil {
		return nil, err
	}
	return result.Locks, nil
}

func sitePath(bench, site string) string {
	return "/benches/" + url.PathEscape(bench) + "/sites/" + url.PathEscape(site)
}
