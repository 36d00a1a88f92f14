// Package workerclient is the orchestrator's HTTP client for a worker's
// surface: job submission, remote status, concurrency config, and health.
package workerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"mediaforge/internal/models"
)

// ErrJobNotFound marks a worker responding 404 for a remote job id. After a
// worker restart this is the expected signal that the job's in-memory record
// is gone for good.
var ErrJobNotFound = errors.New("remote job not found")

const defaultTimeout = 10 * time.Second

type statusError struct {
	code    int
	message string
}

// StatusCode extracts the HTTP status from an error returned by this package.
// It reports false for transport failures that never produced a response.
func StatusCode(err error) (int, bool) {
	var httpErr *statusError
	if errors.As(err, &httpErr) {
		return httpErr.code, true
	}
	return 0, false
}

func (e *statusError) Error() string {
	return fmt.Sprintf("worker returned status %d: %s", e.code, e.message)
}

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func New(baseURL string) *Client {
	return &Client{BaseURL: baseURL}
}

// SubmitResult is the worker's acknowledgement of an accepted job.
type SubmitResult struct {
	QueryID         string    `json:"queryId"`
	Status          string    `json:"status"`
	ProgressMessage string    `json:"progressMessage"`
	CreatedAt       time.Time `json:"createdAt"`
}

// RemoteStatus mirrors the worker's job summary payload.
type RemoteStatus struct {
	QueryID         string            `json:"queryId"`
	Ref             string            `json:"ref"`
	Status          string            `json:"status"`
	ProgressMessage string            `json:"progressMessage"`
	SanitizedRef    string            `json:"sanitizedRef"`
	SourceURL       string            `json:"sourceUrl"`
	Result          *models.JobResult `json:"result"`
	Error           string            `json:"error"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

// Config is the worker's observed runtime configuration.
type Config struct {
	Concurrency int `json:"concurrency"`
	QueueSize   int `json:"queueSize"`
	ActiveJobs  int `json:"activeJobs"`
}

// Health is the worker's liveness payload.
type Health struct {
	Status    string  `json:"status"`
	Service   string  `json:"service"`
	Uptime    float64 `json:"uptime"`
	Timestamp string  `json:"timestamp"`
}

func (c *Client) Submit(ctx context.Context, ref string) (SubmitResult, error) {
	var result SubmitResult
	err := c.do(ctx, http.MethodPost, "/media/download", map[string]string{"ref": ref}, &result)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("submit job: %w", err)
	}
	return result, nil
}

// JobStatus fetches the remote job summary. A 404 response is returned as
// ErrJobNotFound so callers can distinguish a lost job from transport errors.
func (c *Client) JobStatus(ctx context.Context, queryID string) (RemoteStatus, error) {
	var status RemoteStatus
	err := c.do(ctx, http.MethodGet, "/media/download/"+queryID+"/status", nil, &status)
	if err != nil {
		var httpErr *statusError
		if errors.As(err, &httpErr) && httpErr.code == http.StatusNotFound {
			return RemoteStatus{}, ErrJobNotFound
		}
		return RemoteStatus{}, fmt.Errorf("fetch job status: %w", err)
	}
	return status, nil
}

func (c *Client) GetConfig(ctx context.Context) (Config, error) {
	var cfg Config
	if err := c.do(ctx, http.MethodGet, "/config", nil, &cfg); err != nil {
		return Config{}, fmt.Errorf("fetch worker config: %w", err)
	}
	return cfg, nil
}

// PutConfig pushes a new concurrency limit and returns the worker's applied
// configuration.
func (c *Client) PutConfig(ctx context.Context, concurrency int) (Config, error) {
	var cfg Config
	err := c.do(ctx, http.MethodPut, "/config", map[string]int{"concurrency": concurrency}, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("push worker config: %w", err)
	}
	return cfg, nil
}

func (c *Client) GetHealth(ctx context.Context) (Health, error) {
	var health Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, &health); err != nil {
		return Health{}, fmt.Errorf("fetch worker health: %w", err)
	}
	return health, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any, dest any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(encoded)
	}

	url := strings.TrimRight(c.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		message := strings.TrimSpace(string(detail))
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return &statusError{code: resp.StatusCode, message: message}
	}

	if dest == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode worker response: %w", err)
	}
	return nil
}
