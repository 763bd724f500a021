// Package popup implements the capture session controller behind the
// operator-facing surfaces (CLI, HTTP state endpoint). It tracks one capture
// flow as a small state machine, resumes in-flight sessions on reattach, and
// maps backend failures to stable operator-facing texts.
package popup

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/adscope/adscope/message"
	"github.com/adscope/adscope/record"
)

// Timing limits of a capture session as seen from the operator side.
const (
	// StartTimeout bounds capture initiation. A start acknowledgement
	// slower than this counts as a failed capture.
	StartTimeout = 15 * time.Second
	// WatchdogTimeout is the end-to-end ceiling: selection plus analysis.
	// A session with no terminal event by then surfaces a timeout status.
	WatchdogTimeout = 45 * time.Second
	// RecencyWindow is how far back a reattaching session looks for an
	// in-flight capture to resume.
	RecencyWindow = 30 * time.Second
)

// Status is the controller's phase.
type Status int

const (
	StatusIdle Status = iota
	StatusSelecting
	StatusAnalyzing
	StatusComplete
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusSelecting:
		return "selecting"
	case StatusAnalyzing:
		return "analyzing"
	case StatusComplete:
		return "complete"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Operator-facing failure texts, keyed off backend error content.
const (
	textTimeout     = "Analysis timed out - please try again"
	textUnreachable = "Analysis service unavailable - check the daemon configuration"
	textPermission  = "Screen capture was not permitted on this page"
	textBusy        = "A capture is already in progress"
)

// Backend is the daemon surface the controller drives.
type Backend interface {
	Send(ctx context.Context, msg *message.Message) (message.Response, error)
	LatestCapture(ctx context.Context) (*record.Capture, error)
	LatestAnalysis(ctx context.Context) (*record.Analysis, error)
}

// Snapshot is the controller state handed to the UI.
type Snapshot struct {
	Status     Status
	StatusText string
	Capture    *record.Capture
	Analysis   *record.Analysis
}

// Config wires a Controller.
type Config struct {
	Backend Backend
	Logger  *slog.Logger
	Now     func() time.Time
	// OnChange, when set, observes every snapshot transition.
	OnChange func(Snapshot)
	// StartTimeout, WatchdogTimeout and RecencyWindow override the package
	// defaults. Zero means the default; tests shrink them.
	StartTimeout    time.Duration
	WatchdogTimeout time.Duration
	RecencyWindow   time.Duration
}

func (c *Config) defaults() error {
	if c.Backend == nil {
		return errors.New("popup: Backend is required")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = StartTimeout
	}
	if c.WatchdogTimeout <= 0 {
		c.WatchdogTimeout = WatchdogTimeout
	}
	if c.RecencyWindow <= 0 {
		c.RecencyWindow = RecencyWindow
	}
	return nil
}

// Controller tracks one capture session.
type Controller struct {
	cfg Config

	mu       sync.Mutex
	snap     Snapshot
	watchdog *time.Timer
}

// New creates a Controller in the idle state.
func New(cfg Config) (*Controller, error) {
	if err := cfg.defaults(); err != nil {
		return nil, err
	}
	return &Controller{
		cfg:  cfg,
		snap: Snapshot{Status: StatusIdle, StatusText: "Ready"},
	}, nil
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// Close stops the watchdog.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopWatchdogLocked()
}

// StartCapture asks the daemon to begin a capture and arms the watchdog.
// Initiation is bounded by the start timeout regardless of the caller's
// context.
func (c *Controller) StartCapture(ctx context.Context, tabID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.StartTimeout)
	defer cancel()

	c.transition(StatusSelecting, "Select a region on the page", nil, nil)

	resp, err := c.cfg.Backend.Send(ctx, &message.Message{
		Type:  message.StartScreenshotCapture,
		TabID: tabID,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = errors.New("capture failed to start in time")
		}
		c.fail(mapError(err.Error()))
		return err
	}
	if !resp.Success {
		c.fail(mapError(resp.Error))
		return errors.New(resp.Error)
	}

	c.armWatchdog()
	return nil
}

// HandleEvent consumes one daemon notification and advances the session.
func (c *Controller) HandleEvent(msg *message.Message) {
	switch msg.Type {
	case message.ScreenshotCaptured:
		rec, err := msg.CaptureData()
		if err != nil {
			c.cfg.Logger.Warn("popup: bad capture event", "error", err)
			return
		}
		c.transition(StatusAnalyzing, "Analyzing capture", rec, nil)
		c.armWatchdog()

	case message.AnalysisComplete:
		a, err := msg.AnalysisData()
		if err != nil {
			c.cfg.Logger.Warn("popup: bad analysis event", "error", err)
			return
		}
		c.mu.Lock()
		rec := c.snap.Capture
		c.mu.Unlock()
		c.transition(StatusComplete, "Analysis complete", rec, a)

	case message.AnalysisError:
		c.fail(mapError(msg.Error))
	}
}

// Resume reattaches to an in-flight session. A capture newer than
// RecencyWindow that has not been analyzed puts the controller back into
// the analyzing state with a fresh watchdog; an analyzed one shows its
// result. Anything older leaves the controller idle.
func (c *Controller) Resume(ctx context.Context) error {
	rec, err := c.cfg.Backend.LatestCapture(ctx)
	if err != nil {
		return nil // nothing to resume
	}

	age := c.cfg.Now().Sub(time.UnixMilli(rec.Timestamp))
	if age > c.cfg.RecencyWindow || age < 0 {
		return nil
	}

	if rec.Status == record.StatusAnalyzed {
		a := rec.Analysis
		if a == nil {
			a, _ = c.cfg.Backend.LatestAnalysis(ctx)
		}
		c.transition(StatusComplete, "Analysis complete", rec, a)
		return nil
	}

	c.cfg.Logger.Info("popup: resuming capture session",
		"capture", rec.CaptureID, "age", age)
	c.transition(StatusAnalyzing, "Analyzing capture", rec, nil)
	c.armWatchdog()
	return nil
}

// Reset returns the controller to idle.
func (c *Controller) Reset() {
	c.transition(StatusIdle, "Ready", nil, nil)
}

func (c *Controller) fail(text string) {
	c.transition(StatusError, text, nil, nil)
}

// transition swaps the snapshot and notifies the UI. Terminal states stop
// the watchdog.
func (c *Controller) transition(st Status, text string, rec *record.Capture, a *record.Analysis) {
	c.mu.Lock()
	if st == StatusComplete || st == StatusError || st == StatusIdle {
		c.stopWatchdogLocked()
	}
	c.snap = Snapshot{Status: st, StatusText: text, Capture: rec, Analysis: a}
	snap := c.snap
	onChange := c.cfg.OnChange
	c.mu.Unlock()

	if onChange != nil {
		onChange(snap)
	}
}

// armWatchdog (re)starts the end-to-end timer. Firing while the session is
// still live resets the controller to idle with the timeout text, so a
// stalled daemon never leaves the operator stuck mid-session.
func (c *Controller) armWatchdog() {
	c.mu.Lock()
	c.stopWatchdogLocked()
	c.watchdog = time.AfterFunc(c.cfg.WatchdogTimeout, func() {
		c.mu.Lock()
		live := c.snap.Status == StatusSelecting || c.snap.Status == StatusAnalyzing
		c.mu.Unlock()
		if live {
			c.cfg.Logger.Warn("popup: session watchdog fired")
			c.transition(StatusIdle, textTimeout, nil, nil)
		}
	})
	c.mu.Unlock()
}

func (c *Controller) stopWatchdogLocked() {
	if c.watchdog != nil {
		c.watchdog.Stop()
		c.watchdog = nil
	}
}

// mapError converts a backend failure text to its operator-facing form.
// Unrecognized texts pass through untouched.
func mapError(text string) string {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "timed out") || strings.Contains(lower, "deadline"):
		return textTimeout
	case strings.Contains(lower, "cannot connect") || strings.Contains(lower, "unreachable"):
		return textUnreachable
	case strings.Contains(lower, "permission") || strings.Contains(lower, "not allowed"):
		return textPermission
	case strings.Contains(lower, "already capturing"):
		return textBusy
	case text == "":
		return "Capture failed"
	default:
		return text
	}
}
