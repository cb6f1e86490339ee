// Package client provides an HTTP client for the kbchat backend.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/raphaelgruber/kbchat/internal/metrics"
	"github.com/raphaelgruber/kbchat/internal/models"
)

// Client is an HTTP client for the kbchat backend.
type Client struct {
	endpoint   string
	token      string
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token attached to every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the underlying HTTP client. The client is copied,
// so a timeout set on the kbchat client never changes hc.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the overall request timeout, including streamed bodies.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithLogger sets the logger used for stream diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a new backend client.
// If endpoint is empty, uses KBCHAT_SERVER_URL env var or defaults to localhost:8585.
// Timeout defaults to KBCHAT_CLIENT_TIMEOUT, or 10m for long answers.
func New(endpoint string, opts ...Option) *Client {
	if endpoint == "" {
		endpoint = os.Getenv("KBCHAT_SERVER_URL")
	}
	if endpoint == "" {
		endpoint = "http://localhost:8585"
	}

	timeout := 10 * time.Minute
	if t := os.Getenv("KBCHAT_CLIENT_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}

	c := &Client{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{},
		timeout:    timeout,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	hc := *c.httpClient
	hc.Timeout = c.timeout
	c.httpClient = &hc
	return c
}

// Endpoint returns the base URL requests are sent to.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// newRequest builds a request with JSON body and auth headers.
func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// do sends a JSON request and decodes the JSON response into result.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(resp.StatusCode, data)
	}

	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// =============================================================================
// TOPICS
// =============================================================================

// ListTopics returns all topics available for chat.
func (c *Client) ListTopics(ctx context.Context) ([]models.Topic, error) {
	var result struct {
		Data []models.Topic `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/topics", nil, &result); err != nil {
		return nil, err
	}
	return result.Data, nil
}

// Stats returns the backend's in-memory runtime statistics.
func (c *Client) Stats(ctx context.Context) (*metrics.Snapshot, error) {
	var snap metrics.Snapshot
	if err := c.do(ctx, http.MethodGet, "/stats", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// =============================================================================
// HISTORY & FEEDBACK
// =============================================================================

// SaveHistory persists a completed question/answer exchange.
func (c *Client) SaveHistory(ctx context.Context, input models.HistoryInput) (*models.HistoryRecord, error) {
	var record models.HistoryRecord
	if err := c.do(ctx, http.MethodPost, "/history", input, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// SubmitFeedback replaces the feedback on a persisted exchange and returns the
// row as stored by the backend.
func (c *Client) SubmitFeedback(ctx context.Context, historyID int64, input models.FeedbackInput) (*models.HistoryRecord, error) {
	path := "/history/" + strconv.FormatInt(historyID, 10) + "/feedback"

	var record models.HistoryRecord
	if err := c.do(ctx, http.MethodPatch, path, input, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// ListHistory returns persisted exchanges for a session, oldest first.
func (c *Client) ListHistory(ctx context.Context, sessionID string) ([]models.HistoryRecord, error) {
	path := "/history?session_id=" + url.QueryEscape(sessionID)

	var result struct {
		Data []models.HistoryRecord `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return result.Data, nil
}

// =============================================================================
// STREAMING
// =============================================================================

// StreamAnswer posts a question and invokes onEvent for each SSE frame in
// arrival order. It returns nil after a done or error frame, ErrStreamEnded
// if the body ends first, or the transport error that interrupted reading.
func (c *Client) StreamAnswer(ctx context.Context, input models.StreamRequest, onEvent StreamCallback) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/rag/stream", input)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return newAPIError(resp.StatusCode, data)
	}

	return NewStreamReader(c.logger).Read(ctx, resp.Body, onEvent)
}
