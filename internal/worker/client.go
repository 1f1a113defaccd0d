package worker

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/llathrop/ansible-simpleweb-sub000/internal/models"
)

// Per-call deadlines for the worker-primary API
const (
	timeoutHealth   = 10 * time.Second
	timeoutRegister = 30 * time.Second
	timeoutCheckin  = 30 * time.Second
	timeoutPoll     = 30 * time.Second
	timeoutStart    = 30 * time.Second
	timeoutStream   = 10 * time.Second
	timeoutComplete = 60 * time.Second
	timeoutManifest = 30 * time.Second
	timeoutArchive  = 120 * time.Second
	timeoutFile     = 60 * time.Second
)

// APIError carries the status code and message of a rejected call
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("primary returned %d: %s", e.StatusCode, e.Message)
}

// IsAuthError reports whether the primary rejected our credentials
func IsAuthError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden
	}
	return false
}

// Client talks to the primary's worker API. WorkerID is attached as the
// X-Worker-Id header once registration assigns it.
type Client struct {
	baseURL  string
	workerID string
	http     *http.Client
	logger   arbor.ILogger
}

// NewClient builds the API client, honoring the ssl_verify setting
func NewClient(cfg *Config, logger arbor.ILogger) (*Client, error) {
	tlsConfig, err := buildTLSConfig(cfg.SSLVerify)
	if err != nil {
		return nil, err
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConfig

	return &Client{
		baseURL: strings.TrimRight(cfg.ServerURL, "/"),
		http:    &http.Client{Transport: transport},
		logger:  logger,
	}, nil
}

// buildTLSConfig maps the ssl_verify setting onto a TLS client config:
// "true" uses system roots, "false" disables verification, any other value
// is read as a CA bundle path.
func buildTLSConfig(sslVerify string) (*tls.Config, error) {
	switch sslVerify {
	case "", "true":
		return nil, nil
	case "false":
		return &tls.Config{InsecureSkipVerify: true}, nil
	default:
		pem, err := os.ReadFile(sslVerify)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA bundle %s: %w", sslVerify, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in CA bundle %s", sslVerify)
		}
		return &tls.Config{RootCAs: pool}, nil
	}
}

// SetWorkerID records the registry-assigned identity
func (c *Client) SetWorkerID(id string) {
	c.workerID = id
}

// WorkerID returns the registered identity, empty before registration
func (c *Client) WorkerID() string {
	return c.workerID
}

// NotifyURL derives the ws:// endpoint of the sync notification socket
func (c *Client) NotifyURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = "/api/workers/notify"
	return u.String(), nil
}

// Health probes GET /health
func (c *Client) Health(ctx context.Context) error {
	return c.call(ctx, timeoutHealth, "GET", "/health", nil, nil)
}

// Register posts the registration request and records the assigned id
func (c *Client) Register(ctx context.Context, req *models.RegisterRequest) (*models.RegisterResponse, error) {
	var resp models.RegisterResponse
	if err := c.call(ctx, timeoutRegister, "POST", "/api/workers/register", req, &resp); err != nil {
		return nil, err
	}
	c.workerID = resp.WorkerID
	return &resp, nil
}

// Checkin posts the periodic heartbeat
func (c *Client) Checkin(ctx context.Context, req *models.CheckinRequest) (*models.CheckinResponse, error) {
	var resp models.CheckinResponse
	path := fmt.Sprintf("/api/workers/%s/checkin", url.PathEscape(c.workerID))
	if err := c.call(ctx, timeoutCheckin, "POST", path, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PollJobs fetches the jobs currently assigned to this worker
func (c *Client) PollJobs(ctx context.Context) ([]*models.Job, error) {
	var resp models.JobListResponse
	path := fmt.Sprintf("/api/workers/%s/jobs?status=assigned", url.PathEscape(c.workerID))
	if err := c.call(ctx, timeoutPoll, "GET", path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// StartJob reports the assigned -> running transition with the final log name
func (c *Client) StartJob(ctx context.Context, jobID, logFile string) error {
	path := fmt.Sprintf("/api/jobs/%s/start", url.PathEscape(jobID))
	return c.call(ctx, timeoutStart, "POST", path, &models.StartJobRequest{
		WorkerID: c.workerID,
		LogFile:  logFile,
	}, nil)
}

// StreamLog pushes one chunk of playbook output
func (c *Client) StreamLog(ctx context.Context, jobID, content string, append bool) error {
	path := fmt.Sprintf("/api/jobs/%s/log/stream", url.PathEscape(jobID))
	return c.call(ctx, timeoutStream, "POST", path, &models.LogStreamRequest{
		WorkerID: c.workerID,
		Content:  content,
		Append:   append,
	}, nil)
}

// Complete reports the job outcome
func (c *Client) Complete(ctx context.Context, jobID string, req *models.CompleteRequest) (*models.CompleteResponse, error) {
	var resp models.CompleteResponse
	path := fmt.Sprintf("/api/jobs/%s/complete", url.PathEscape(jobID))
	if err := c.call(ctx, timeoutComplete, "POST", path, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Revision fetches the primary's current content revision
func (c *Client) Revision(ctx context.Context) (*models.RevisionInfo, error) {
	var resp models.RevisionInfo
	if err := c.call(ctx, timeoutManifest, "GET", "/api/sync/revision", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Manifest fetches the content manifest together with its revision
func (c *Client) Manifest(ctx context.Context) (string, models.Manifest, error) {
	var resp struct {
		Revision string          `json:"revision"`
		Files    models.Manifest `json:"files"`
	}
	if err := c.call(ctx, timeoutManifest, "GET", "/api/sync/manifest", nil, &resp); err != nil {
		return "", nil, err
	}
	return resp.Revision, resp.Files, nil
}

// DownloadArchive streams the bundle tar.gz into dst
func (c *Client) DownloadArchive(ctx context.Context, dst io.Writer) error {
	return c.download(ctx, timeoutArchive, "/api/sync/archive", dst)
}

// DownloadFile streams one bundle file into dst
func (c *Client) DownloadFile(ctx context.Context, rel string, dst io.Writer) error {
	escaped := url.PathEscape(rel)
	escaped = strings.ReplaceAll(escaped, "%2F", "/")
	return c.download(ctx, timeoutFile, "/api/sync/file/"+escaped, dst)
}

// call performs one JSON request/response exchange
func (c *Client) call(ctx context.Context, timeout time.Duration, method, path string, body, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.workerID != "" {
		req.Header.Set("X-Worker-Id", c.workerID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.apiError(resp)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}
	return nil
}

// download performs one binary GET, copying the body into dst
func (c *Client) download(ctx context.Context, timeout time.Duration, path string, dst io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.workerID != "" {
		req.Header.Set("X-Worker-Id", c.workerID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.apiError(resp)
	}

	if _, err := io.Copy(dst, resp.Body); err != nil {
		return fmt.Errorf("download of %s interrupted: %w", path, err)
	}
	return nil
}

// apiError extracts the primary's error envelope from a failed response
func (c *Client) apiError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}

	var envelope struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error != "" {
		apiErr.Message = envelope.Error
	} else {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
