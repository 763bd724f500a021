package popup

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/adscope/adscope/message"
	"github.com/adscope/adscope/record"
)

// HTTPBackend drives a daemon over its HTTP API. It implements Backend.
type HTTPBackend struct {
	baseURL  string
	username string
	password string
	client   *http.Client
}

// HTTPOption configures an HTTPBackend.
type HTTPOption func(*HTTPBackend)

// WithBasicAuth sends credentials with every request.
func WithBasicAuth(username, password string) HTTPOption {
	return func(b *HTTPBackend) {
		b.username = username
		b.password = password
	}
}

// WithClient replaces the HTTP client.
func WithClient(c *http.Client) HTTPOption {
	return func(b *HTTPBackend) { b.client = c }
}

// NewHTTPBackend points a backend at a daemon base URL.
func NewHTTPBackend(baseURL string, opts ...HTTPOption) *HTTPBackend {
	b := &HTTPBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *HTTPBackend) do(ctx context.Context, method, path string, body []byte) ([]byte, int, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, rd)
	if err != nil {
		return nil, 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.username != "" {
		req.SetBasicAuth(b.username, b.password)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("popup: daemon request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return raw, resp.StatusCode, nil
}

// Send posts one protocol message and returns the reply envelope.
func (b *HTTPBackend) Send(ctx context.Context, msg *message.Message) (message.Response, error) {
	raw, err := message.Encode(msg)
	if err != nil {
		return message.Response{}, err
	}
	body, status, err := b.do(ctx, http.MethodPost, "/api/message", raw)
	if err != nil {
		return message.Response{}, err
	}
	var resp message.Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return message.Response{}, fmt.Errorf("popup: decode reply (status %d): %w", status, err)
	}
	return resp, nil
}

// state mirrors the daemon's /api/state reply.
type state struct {
	Capturing      bool             `json:"capturing"`
	LatestCapture  *record.Capture  `json:"latestCapture"`
	LatestAnalysis *record.Analysis `json:"latestAnalysis"`
	Settings       record.Settings  `json:"settings"`
	CaptureCount   int              `json:"captureCount"`
}

func (b *HTTPBackend) state(ctx context.Context) (*state, error) {
	body, status, err := b.do(ctx, http.MethodGet, "/api/state", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("popup: state request failed with status %d", status)
	}
	var st state
	if err := json.Unmarshal(body, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// LatestCapture returns the most recent capture record.
func (b *HTTPBackend) LatestCapture(ctx context.Context) (*record.Capture, error) {
	st, err := b.state(ctx)
	if err != nil {
		return nil, err
	}
	if st.LatestCapture == nil {
		return nil, fmt.Errorf("popup: no captures yet")
	}
	return st.LatestCapture, nil
}

// LatestAnalysis returns the most recent analysis result.
func (b *HTTPBackend) LatestAnalysis(ctx context.Context) (*record.Analysis, error) {
	st, err := b.state(ctx)
	if err != nil {
		return nil, err
	}
	if st.LatestAnalysis == nil {
		return nil, fmt.Errorf("popup: no analysis yet")
	}
	return st.LatestAnalysis, nil
}

// State returns the full daemon snapshot.
func (b *HTTPBackend) State(ctx context.Context) (capturing bool, captures int, set record.Settings, err error) {
	st, err := b.state(ctx)
	if err != nil {
		return false, 0, record.Settings{}, err
	}
	return st.Capturing, st.CaptureCount, st.Settings, nil
}

// PutSettings replaces the daemon settings.
func (b *HTTPBackend) PutSettings(ctx context.Context, set record.Settings) error {
	raw, err := json.Marshal(set)
	if err != nil {
		return err
	}
	body, status, err := b.do(ctx, http.MethodPut, "/api/settings", raw)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		var resp message.Response
		if json.Unmarshal(body, &resp) == nil && resp.Error != "" {
			return fmt.Errorf("popup: settings update: %s", resp.Error)
		}
		return fmt.Errorf("popup: settings update failed with status %d", status)
	}
	return nil
}

// OpenTab asks the daemon to open a browser tab on url and returns the new
// tab's target ID for follow-up capture requests.
func (b *HTTPBackend) OpenTab(ctx context.Context, url string) (string, error) {
	raw, err := json.Marshal(map[string]string{"url": url})
	if err != nil {
		return "", err
	}
	body, status, err := b.do(ctx, http.MethodPost, "/api/open", raw)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		var resp message.Response
		if json.Unmarshal(body, &resp) == nil && resp.Error != "" {
			return "", fmt.Errorf("popup: open tab: %s", resp.Error)
		}
		return "", fmt.Errorf("popup: open tab failed with status %d", status)
	}
	var reply struct {
		TargetID string `json:"targetId"`
	}
	if err := json.Unmarshal(body, &reply); err != nil {
		return "", err
	}
	return reply.TargetID, nil
}

// Events subscribes to the daemon's notification feed and invokes handle for
// every protocol message until ctx ends or the stream breaks.
func (b *HTTPBackend) Events(ctx context.Context, handle func(*message.Message)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/api/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if b.username != "" {
		req.SetBasicAuth(b.username, b.password)
	}

	// Streaming: no client timeout.
	client := &http.Client{Transport: b.client.Transport}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("popup: event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("popup: event stream failed with status %d", resp.StatusCode)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64<<10), 64<<20)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		msg, err := message.Decode([]byte(strings.TrimPrefix(line, "data: ")))
		if err != nil {
			continue
		}
		handle(msg)
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("popup: event stream read: %w", err)
	}
	return nil
}
