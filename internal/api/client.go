package api

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/perceptr/perceptr-go/internal/model"
	"github.com/perceptr/perceptr-go/internal/telemetry"
)

// Environment selects the control plane host.
type Environment string

const (
	EnvLocal Environment = "local"
	EnvDev   Environment = "dev"
	EnvStg   Environment = "stg"
	EnvProd  Environment = "prod"
)

// BaseURL returns the control plane host for the environment. Unknown values
// fall back to production.
func (e Environment) BaseURL() string {
	switch e {
	case EnvLocal:
		return "http://localhost:8000"
	case EnvDev:
		return "https://api-dev.perceptr.io"
	case EnvStg:
		return "https://api-stg.perceptr.io"
	default:
		return "https://api.perceptr.io"
	}
}

// processingStartedDetail is the 400 body detail that marks a session as
// already terminal on the server; uploads for it are skipped, not failed.
const processingStartedDetail = "processing already started"

// Config holds the settings needed to construct a Client.
type Config struct {
	ProjectID   string
	Environment Environment

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Compress gzips batch payloads before the PUT.
	Compress bool
}

// Client talks to the Perceptr control plane and the pre-signed upload URLs it
// issues. All methods are safe for concurrent use.
type Client struct {
	baseURL   string
	projectID string
	client    *http.Client
	compress  bool
	logger    *slog.Logger
	tracer    oteltrace.Tracer
}

// NewClient creates a Client from the given configuration.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("api: ProjectID is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Client{
		baseURL:   cfg.Environment.BaseURL(),
		projectID: cfg.ProjectID,
		client:    httpClient,
		compress:  cfg.Compress,
		logger:    logger,
		tracer:    telemetry.Tracer("perceptr/api"),
	}, nil
}

// BaseURL returns the resolved control plane host.
func (c *Client) BaseURL() string { return c.baseURL }

// CheckValidProjectID verifies the project credential. Any error — transport
// or server — reads as invalid.
func (c *Client) CheckValidProjectID(ctx context.Context) bool {
	var resp struct {
		Success bool `json:"success"`
	}
	path := fmt.Sprintf("/api/v1/per/%s/check", c.projectID)
	if err := c.get(ctx, path, &resp); err != nil {
		c.logger.Warn("api: project check failed", "error", err)
		return false
	}
	return resp.Success
}

// GetUploadBufferURL obtains a pre-signed upload URL for one batch of the
// session. Returns "" with a nil error when the server reports the session as
// already processing — the terminal state; callers skip the upload.
func (c *Client) GetUploadBufferURL(ctx context.Context, sessionID string) (string, error) {
	var resp struct {
		URL string `json:"url"`
	}
	path := fmt.Sprintf("/api/v1/per/%s/r/%s/batch", c.projectID, sessionID)
	err := c.get(ctx, path, &resp)
	if err != nil {
		var apiErr *Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusBadRequest && apiErr.Detail == processingStartedDetail {
			return "", nil
		}
		return "", err
	}
	return resp.URL, nil
}

// SendEvents uploads one batch: fetch the pre-signed URL, PUT the batch JSON
// (gzipped when configured), and — for the terminal batch — trigger processing
// best-effort. The server deduplicates by batchId and by session.
func (c *Client) SendEvents(ctx context.Context, batch *model.Batch) error {
	ctx, span := c.tracer.Start(ctx, "perceptr.upload_batch", oteltrace.WithAttributes(
		attribute.String("session.id", batch.SessionID),
		attribute.String("batch.id", batch.BatchID),
		attribute.Int("batch.event_count", len(batch.Data)),
		attribute.Bool("batch.session_ended", batch.IsSessionEnded),
	))
	defer span.End()

	uploadURL, err := c.GetUploadBufferURL(ctx, batch.SessionID)
	if err != nil {
		return fmt.Errorf("api: get upload url: %w", err)
	}
	if uploadURL == "" {
		c.logger.Info("api: session already processing, skipping upload",
			"session_id", batch.SessionID, "batch_id", batch.BatchID)
		return nil
	}

	batch.Metadata.Compressed = c.compress
	payload, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("api: marshal batch: %w", err)
	}

	body, encoding, err := c.encodeBody(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("api: create upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("api: upload batch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return readError(resp)
	}

	if batch.IsSessionEnded {
		c.triggerProcessing(ctx, batch.SessionID)
	}
	return nil
}

// triggerProcessing fires the terminal process trigger. Errors are logged and
// swallowed: the server deduplicates by session, and a missed trigger is
// retried by the next terminal batch.
func (c *Client) triggerProcessing(ctx context.Context, sessionID string) {
	path := fmt.Sprintf("/api/v1/per/%s/r/%s/process", c.projectID, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		c.logger.Warn("api: create process request failed", "error", err)
		return
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("api: process trigger failed", "session_id", sessionID, "error", err)
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 400 {
		c.logger.Warn("api: process trigger rejected", "session_id", sessionID, "status", resp.StatusCode)
	}
}

// encodeBody gzips payload when compression is on. A compression failure falls
// back to the uncompressed payload rather than failing the upload.
func (c *Client) encodeBody(payload []byte) ([]byte, string, error) {
	if !c.compress {
		return payload, "", nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		c.logger.Warn("api: gzip failed, uploading uncompressed", "error", err)
		return payload, "", nil
	}
	if err := zw.Close(); err != nil {
		c.logger.Warn("api: gzip close failed, uploading uncompressed", "error", err)
		return payload, "", nil
	}
	return buf.Bytes(), "gzip", nil
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("api: create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return readError(resp)
	}
	if dest == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("api: decode response: %w", err)
	}
	return nil
}

// readError converts a non-2xx response into an *Error, pulling the detail
// field from the body when present.
func readError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &Error{StatusCode: resp.StatusCode}
	if err == nil {
		var envelope struct {
			Detail string `json:"detail"`
		}
		if json.Unmarshal(body, &envelope) == nil && envelope.Detail != "" {
			apiErr.Detail = envelope.Detail
		} else {
			apiErr.Detail = string(body)
		}
	}
	return apiErr
}
