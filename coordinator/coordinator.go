// Package coordinator is the long-lived core of adscope. It owns the single
// piece of mutable state — whether a capture is in flight — and orchestrates
// everything around it: strategy selection, overlay hand-off, persistence,
// the analysis chain and result broadcasting.
//
// Concurrency model: one cooperative lock (the capture session) guarded by a
// mutex. Every path that acquires it releases it on every exit, including
// internal failure. Concurrent capture requests are rejected, never queued.
package coordinator

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/adscope/adscope/analysis"
	"github.com/adscope/adscope/browser"
	"github.com/adscope/adscope/message"
	"github.com/adscope/adscope/parse"
	"github.com/adscope/adscope/record"
	"github.com/adscope/adscope/store"
)

// ErrAlreadyCapturing rejects a capture start while one is active. The text
// is part of the wire contract.
var ErrAlreadyCapturing = errors.New("Already capturing")

// User-facing analysis failure texts. The popup maps these to distinct
// messages, so they stay stable.
const (
	errTextUnreachable = "Cannot connect to analysis service"
	errTextTimeout     = "Analysis request timed out"
)

// Launcher initiates capture attempts. Implemented by browser.CaptureLauncher
// in production and by fakes in tests.
type Launcher interface {
	Launch(ctx context.Context, req browser.LaunchRequest) (*browser.LaunchResult, error)
}

// Config wires a Coordinator.
type Config struct {
	Store    *store.Store
	Client   *analysis.Client
	Archive  *analysis.Archive
	Launcher Launcher
	// Platform and UserID are stamped onto archived ads.
	Platform string
	UserID   string
	// SelectionDeadline bounds the user's drag. Zero uses the overlay default.
	SelectionDeadline time.Duration
	Logger            *slog.Logger
	// Now is the clock, overridable in tests.
	Now func() time.Time
}

func (c *Config) defaults() error {
	if c.Store == nil {
		return errors.New("coordinator: Store is required")
	}
	if c.Launcher == nil {
		return errors.New("coordinator: Launcher is required")
	}
	if c.Platform == "" {
		c.Platform = "web"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return nil
}

// session is the in-flight capture. At most one exists process-wide.
type session struct {
	tabID   string
	release func()
}

// Coordinator orchestrates captures and analysis.
type Coordinator struct {
	cfg   Config
	bcast *Broadcaster

	mu      sync.Mutex
	session *session

	// lifecycleCtx parents background work (selection waits, analysis
	// chains) so it survives the request contexts that started it.
	lifecycleCtx    context.Context
	lifecycleCancel context.CancelFunc
	wg              sync.WaitGroup
}

// New creates a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if err := cfg.defaults(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:             cfg,
		bcast:           NewBroadcaster(cfg.Logger),
		lifecycleCtx:    ctx,
		lifecycleCancel: cancel,
	}, nil
}

// Broadcaster exposes the notification fan-out for listener attachment.
func (c *Coordinator) Broadcaster() *Broadcaster { return c.bcast }

// Capturing reports whether a capture session is active.
func (c *Coordinator) Capturing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

// Close stops background work and waits for it to finish.
func (c *Coordinator) Close() {
	c.StopCapture()
	c.lifecycleCancel()
	c.wg.Wait()
}

// StartCapture begins a capture against tabID. It returns once the overlay
// hand-off is initiated; the pixels arrive later via the broadcast feed. A
// second call while a session is active is rejected immediately.
func (c *Coordinator) StartCapture(ctx context.Context, tabID string) message.Response {
	c.mu.Lock()
	if c.session != nil {
		c.mu.Unlock()
		return message.Failure(ErrAlreadyCapturing)
	}
	sess := &session{tabID: tabID}
	c.session = sess
	c.mu.Unlock()

	settings, err := c.cfg.Store.Settings(ctx)
	if err != nil {
		c.cfg.Logger.Warn("coordinator: settings read failed, using defaults", "error", err)
		settings = record.DefaultSettings()
	}

	res, err := c.cfg.Launcher.Launch(ctx, browser.LaunchRequest{
		TabID:    tabID,
		Format:   settings.CaptureFormat,
		Deadline: c.cfg.SelectionDeadline,
	})
	if err != nil {
		c.clearSessionIf(sess)
		c.cfg.Logger.Error("coordinator: capture launch failed", "tab", tabID, "error", err)
		return message.Failure(err)
	}

	// The lock is not held across Launch, so a StopCapture meanwhile may
	// have freed the slot for a newer session. Only the session this call
	// installed may proceed; a superseded launch is torn down here.
	c.mu.Lock()
	if c.session != sess {
		c.mu.Unlock()
		res.Release()
		c.cfg.Logger.Info("coordinator: capture stopped during launch", "tab", tabID)
		return message.Failure(errors.New("capture stopped before overlay arming"))
	}
	sess.release = res.Release
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.awaitSelection(sess, res)
	}()

	c.cfg.Logger.Info("coordinator: capture started", "tab", tabID, "method", res.Method)
	return message.Response{Success: true, Method: res.Method}
}

// awaitSelection blocks on the overlay and routes its outcome. The session
// lock is cleared on every branch, but only for the session that owns it.
func (c *Coordinator) awaitSelection(sess *session, res *browser.LaunchResult) {
	rec, err := res.Wait(c.lifecycleCtx)
	if err != nil {
		c.clearSessionIf(sess)
		c.cfg.Logger.Info("coordinator: capture ended without selection", "reason", err)
		return
	}
	c.captureFinished(c.lifecycleCtx, sess, rec)
}

// OnCaptureFinished persists a completed selection against the currently
// active session, broadcasts it, and chains into analysis when autoAnalyze
// is on.
func (c *Coordinator) OnCaptureFinished(ctx context.Context, rec *record.Capture) {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	c.captureFinished(ctx, sess, rec)
}

// captureFinished is the shared completion path. The session lock release
// is unconditional for the owning session: a deferred clear backs up the
// explicit one before the analysis chain starts.
func (c *Coordinator) captureFinished(ctx context.Context, sess *session, rec *record.Capture) {
	defer c.clearSessionIf(sess)

	if rec.CaptureID == "" {
		rec.CaptureID = record.NewCaptureID(c.cfg.Now())
	}
	if rec.Status == "" {
		rec.Status = record.StatusCaptured
	}

	if err := c.cfg.Store.PutCapture(ctx, rec); err != nil {
		c.cfg.Logger.Error("coordinator: persist capture failed",
			"capture", rec.CaptureID, "error", err)
		return
	}
	if _, err := c.cfg.Store.IncrementCaptureCount(ctx); err != nil {
		c.cfg.Logger.Warn("coordinator: capture counter failed", "error", err)
	}

	c.bcast.Notify(ctx, message.Captured(rec))
	c.cfg.Logger.Info("coordinator: capture stored",
		"capture", rec.CaptureID, "source", rec.SourceURL)

	settings, err := c.cfg.Store.Settings(ctx)
	if err != nil {
		c.cfg.Logger.Warn("coordinator: settings read failed", "error", err)
		return
	}
	if !settings.AutoAnalyze {
		return
	}

	// Analysis runs outside the capture session: release first, then chain.
	c.clearSessionIf(sess)
	c.goAnalyze(rec)
}

// goAnalyze runs Analyze on the lifecycle context in the background.
func (c *Coordinator) goAnalyze(rec *record.Capture) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.Analyze(c.lifecycleCtx, rec)
	}()
}

// Analyze runs the full analysis chain for one capture: reachability probe,
// model call, response parsing, record update, broadcast, archive hand-off.
// Failures are recorded and broadcast, never returned as errors — the
// returned Analysis always reflects the outcome.
func (c *Coordinator) Analyze(ctx context.Context, rec *record.Capture) *record.Analysis {
	result := &record.Analysis{
		CaptureID: rec.CaptureID,
		Timestamp: c.cfg.Now().UnixMilli(),
	}

	if c.cfg.Client == nil {
		return c.failAnalysis(ctx, result, errTextUnreachable,
			errors.New("no analysis client configured"))
	}

	if err := c.cfg.Client.Probe(ctx); err != nil {
		return c.failAnalysis(ctx, result, errTextUnreachable, err)
	}

	reply, err := c.cfg.Client.Analyze(ctx, rec)
	if err != nil {
		text := err.Error()
		switch {
		case errors.Is(err, analysis.ErrTimedOut):
			text = errTextTimeout
		case errors.Is(err, analysis.ErrUnreachable):
			text = errTextUnreachable
		}
		return c.failAnalysis(ctx, result, text, err)
	}

	result.Analysis = reply.Analysis
	result.StructuredData = reply.StructuredData
	result.RawResponse = reply.RawResponse
	result.ModelUsed = reply.ModelUsed

	// Endpoints that pass the raw model text through leave the structured
	// fields to us.
	if len(result.StructuredData) == 0 || result.Analysis == "" {
		parsed := parse.Parse(firstNonEmpty(reply.RawResponse, reply.Analysis))
		if result.Analysis == "" {
			result.Analysis = parsed.Analysis
		}
		if len(result.StructuredData) == 0 {
			result.StructuredData = parsed.Structured
		}
	}
	result.Status = record.AnalysisCompleted

	rec.Status = record.StatusAnalyzed
	rec.Analysis = result
	if err := c.cfg.Store.PutCapture(ctx, rec); err != nil {
		c.cfg.Logger.Error("coordinator: update capture failed",
			"capture", rec.CaptureID, "error", err)
	}
	if err := c.cfg.Store.PutAnalysis(ctx, result); err != nil {
		c.cfg.Logger.Error("coordinator: persist analysis failed",
			"capture", rec.CaptureID, "error", err)
	}

	c.bcast.Notify(ctx, message.Analyzed(result))
	c.cfg.Logger.Info("coordinator: analysis complete",
		"capture", rec.CaptureID, "model", result.ModelUsed,
		"fields", len(result.StructuredData))

	if c.cfg.Archive != nil {
		c.cfg.Archive.SaveAd(ctx, analysis.Flatten(rec, result, c.cfg.Platform, c.cfg.UserID))
	}
	return result
}

// failAnalysis records and broadcasts an analysis failure.
func (c *Coordinator) failAnalysis(ctx context.Context, result *record.Analysis, text string, err error) *record.Analysis {
	result.Status = record.AnalysisError
	result.Error = text
	if result.StructuredData == nil {
		result.StructuredData = map[string]string{}
	}

	if perr := c.cfg.Store.PutAnalysis(ctx, result); perr != nil {
		c.cfg.Logger.Error("coordinator: persist analysis failure failed", "error", perr)
	}
	c.bcast.Notify(ctx, message.AnalysisFailed(text))
	c.cfg.Logger.Warn("coordinator: analysis failed",
		"capture", result.CaptureID, "reason", text, "error", err)
	return result
}

// StopCapture cancels the in-flight capture, if any. Safe without one.
func (c *Coordinator) StopCapture() {
	c.mu.Lock()
	sess := c.session
	var release func()
	if sess != nil {
		release = sess.release
	}
	c.mu.Unlock()

	if sess == nil {
		return
	}
	if release != nil {
		release()
	}
	// The overlay wait observes the release and clears the session, but a
	// session that never armed has no waiter, so clear here too.
	c.clearSessionIf(sess)
}

// clearSessionIf releases the capture lock, but only while sess still holds
// it. A stale clear from a stopped session must not free a successor's lock.
func (c *Coordinator) clearSessionIf(sess *session) {
	c.mu.Lock()
	if c.session == sess {
		c.session = nil
	}
	c.mu.Unlock()
}

// HandleMessage dispatches one protocol message and returns its reply
// envelope. Long-running work (analysis) is acknowledged immediately and
// completed in the background; results arrive via broadcast and store.
func (c *Coordinator) HandleMessage(ctx context.Context, msg *message.Message) message.Response {
	switch msg.Type {
	case message.StartScreenshotCapture:
		return c.StartCapture(ctx, msg.TabID)

	case message.StopCapture:
		c.StopCapture()
		return message.Response{Success: true}

	case message.GetSettings:
		settings, err := c.cfg.Store.Settings(ctx)
		if err != nil {
			return message.Failure(err)
		}
		return message.Response{Success: true, Settings: &settings}

	case message.AnalyzeScreenshot:
		rec, err := msg.CaptureData()
		if err != nil {
			return message.Failure(err)
		}
		c.goAnalyze(rec)
		return message.Response{Success: true}

	case message.ScreenshotSelected:
		rec, err := msg.CaptureData()
		if err != nil {
			return message.Failure(err)
		}
		c.OnCaptureFinished(ctx, rec)
		return message.Response{Success: true}

	case message.StartScreenCapture:
		return c.startScreenCapture(ctx, msg)

	default:
		// Notification kinds are coordinator-to-listener only.
		return message.Failure(fmt.Errorf("coordinator: %s is not a request", msg.Type))
	}
}

// startScreenCapture handles the two START_SCREEN_CAPTURE variants: a
// client-supplied raster (imageData) stored as a whole-image capture, or a
// browser target (streamId) captured like a tab.
func (c *Coordinator) startScreenCapture(ctx context.Context, msg *message.Message) message.Response {
	if msg.StreamID != "" {
		return c.StartCapture(ctx, msg.StreamID)
	}

	rec, err := captureFromImage(msg.ImageData, c.cfg.Now())
	if err != nil {
		return message.Failure(err)
	}
	c.OnCaptureFinished(ctx, rec)
	return message.Response{Success: true, Method: "client"}
}

// captureFromImage builds a whole-image capture record from a client raster.
func captureFromImage(imageData string, now time.Time) (*record.Capture, error) {
	payload := imageData
	if i := strings.Index(payload, "base64,"); i >= 0 {
		payload = payload[i+len("base64,"):]
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("coordinator: decode imageData: %w", err)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("coordinator: decode image: %w", err)
	}

	return &record.Capture{
		CaptureID: record.NewCaptureID(now),
		ImageData: imageData,
		Dimensions: record.Dimensions{
			Width:          cfg.Width,
			Height:         cfg.Height,
			OriginalWidth:  cfg.Width,
			OriginalHeight: cfg.Height,
		},
		Selection: record.Selection{Width: cfg.Width, Height: cfg.Height},
		Timestamp: now.UnixMilli(),
		Status:    record.StatusCaptured,
	}, nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
