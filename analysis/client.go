// Package analysis wraps the two remote collaborators: the vision-model
// analysis endpoint and the ad archive persistence endpoint.
//
// The analysis endpoint is probed before every model call so an unreachable
// service is reported cheaply instead of burning a model invocation. The
// archive endpoint is strictly fire-and-forget: its failures are logged and
// swallowed, never surfaced to the flow the user is waiting on.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/adscope/adscope/record"
)

// Timeouts per call layer. The analyze timeout sits inside the popup's 45s
// watchdog so a slow network fails here first.
const (
	ProbeTimeout   = 5 * time.Second
	AnalyzeTimeout = 20 * time.Second
)

// maxResponseBody bounds analysis endpoint reads.
const maxResponseBody = 4 << 20

// ErrUnreachable reports a failed reachability probe.
var ErrUnreachable = errors.New("analysis: service unreachable")

// ErrTimedOut reports a call that exceeded its budget. Callers map this to
// a timeout-specific user message.
var ErrTimedOut = errors.New("analysis: request timed out")

// RemoteError is a non-2xx or malformed reply from the analysis endpoint.
type RemoteError struct {
	Status int
	Body   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("analysis: remote error (status %d): %s", e.Status, e.Body)
}

// Client calls the analysis endpoint.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
	probeT  time.Duration
	callT   time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// WithTimeouts overrides the probe and analyze budgets.
func WithTimeouts(probe, analyze time.Duration) ClientOption {
	return func(c *Client) {
		if probe > 0 {
			c.probeT = probe
		}
		if analyze > 0 {
			c.callT = analyze
		}
	}
}

// NewClient creates a Client for the analysis service at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{},
		logger:  slog.Default(),
		probeT:  ProbeTimeout,
		callT:   AnalyzeTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Probe checks endpoint reachability with a short GET /health-check.
// Any transport failure or non-2xx maps to ErrUnreachable.
func (c *Client) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.probeT)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health-check", nil)
	if err != nil {
		return fmt.Errorf("analysis: probe request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: health-check status %d", ErrUnreachable, resp.StatusCode)
	}
	return nil
}

// analyzeRequest is the wire shape of POST /analyze.
type analyzeRequest struct {
	Type      string          `json:"type"`
	Data      *record.Capture `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// analyzeResponse is the wire shape of a successful reply.
type analyzeResponse struct {
	Analysis       string            `json:"analysis"`
	StructuredData map[string]string `json:"structuredData"`
	RawResponse    string            `json:"rawResponse"`
	ModelUsed      string            `json:"modelUsed"`
}

// Reply is the decoded analysis endpoint response.
type Reply struct {
	Analysis       string
	StructuredData map[string]string
	RawResponse    string
	ModelUsed      string
}

// Analyze sends the capture to the model endpoint and decodes the reply.
// A budget overrun returns ErrTimedOut; a non-2xx returns *RemoteError.
func (c *Client) Analyze(ctx context.Context, capture *record.Capture) (*Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callT)
	defer cancel()

	body, err := json.Marshal(analyzeRequest{
		Type:      "analyze_screenshot",
		Data:      capture,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("analysis: encode request: %w", err)
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("analysis: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrTimedOut, time.Since(start).Round(time.Millisecond))
		}
		return nil, fmt.Errorf("analysis: call: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("analysis: read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &RemoteError{Status: resp.StatusCode, Body: truncate(string(raw), 512)}
	}

	var decoded analyzeResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, &RemoteError{Status: resp.StatusCode, Body: "malformed reply: " + err.Error()}
	}

	c.logger.Debug("analysis: call ok",
		"duration_ms", time.Since(start).Milliseconds(),
		"response_bytes", len(raw),
		"model", decoded.ModelUsed)

	return &Reply{
		Analysis:       decoded.Analysis,
		StructuredData: decoded.StructuredData,
		RawResponse:    decoded.RawResponse,
		ModelUsed:      decoded.ModelUsed,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
