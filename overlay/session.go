// Package overlay implements the in-page region selection: a state machine
// driven by pointer events forwarded from the injected page layer, and the
// crop of the captured raster down to the selected rectangle.
//
// One Session is created per capture attempt. It resolves with exactly one
// capture record, or aborts (Escape, sub-minimum selection, deadline) with
// none. Teardown of the injected page resources is guaranteed on every exit
// path via Close.
package overlay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adscope/adscope/record"
)

// MinSelection is the minimum selection edge in CSS pixels. A drag below
// this on either axis aborts without emitting.
const MinSelection = 10

// DefaultDeadline bounds how long a session waits for the user to finish
// selecting. The overlay must never wait unboundedly on a coordinator that
// disappeared.
const DefaultDeadline = 2 * time.Minute

// State of a selection session.
type State int

const (
	StateIdle State = iota
	StateArmed
	StateSelecting
	StateResolved
	StateEmitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateSelecting:
		return "selecting"
	case StateResolved:
		return "resolved"
	case StateEmitted:
		return "emitted"
	case StateAborted:
		return "aborted"
	}
	return "unknown"
}

// ErrAborted is returned by Wait when the selection was cancelled or too
// small to emit.
var ErrAborted = errors.New("overlay: selection aborted")

// ErrDeadline is returned by Wait when no resolution arrived in time.
var ErrDeadline = errors.New("overlay: selection deadline exceeded")

// PageContext carries the source-page metadata attached to the emitted
// capture record.
type PageContext struct {
	SourceURL   string
	PageTitle   string
	PageExcerpt string
}

// Config configures a Session.
type Config struct {
	Raster *Raster
	Page   PageContext
	// Format is the crop encoding, record.FormatPNG or record.FormatJPEG.
	Format string
	// Deadline bounds Wait. Default: DefaultDeadline.
	Deadline time.Duration
	// Release is called exactly once on teardown, regardless of outcome.
	// The browser layer uses it to remove the injected DOM and bindings.
	Release func()
	Logger  *slog.Logger
	// Now is the clock, overridable in tests.
	Now func() time.Time
}

func (c *Config) defaults() {
	if c.Format == "" {
		c.Format = record.FormatPNG
	}
	if c.Deadline <= 0 {
		c.Deadline = DefaultDeadline
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Session is one selection attempt. Pointer methods are safe for concurrent
// use with Wait.
type Session struct {
	cfg Config

	mu       sync.Mutex
	state    State
	x0, y0   int
	x1, y1   int
	captured *record.Capture
	err      error
	done     chan struct{}
	released bool
}

// NewSession creates an armed session over the given raster.
func NewSession(cfg Config) *Session {
	cfg.defaults()
	return &Session{
		cfg:   cfg,
		state: StateArmed,
		done:  make(chan struct{}),
	}
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Selection returns the current selection rectangle, normalised so width and
// height are non-negative regardless of drag direction.
func (s *Session) Selection() record.Selection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectionLocked()
}

func (s *Session) selectionLocked() record.Selection {
	return record.Selection{
		Left:   min(s.x0, s.x1),
		Top:    min(s.y0, s.y1),
		Width:  abs(s.x1 - s.x0),
		Height: abs(s.y1 - s.y0),
	}
}

// PointerDown starts the drag. Ignored unless the session is armed.
func (s *Session) PointerDown(x, y int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateArmed {
		return
	}
	s.state = StateSelecting
	s.x0, s.y0 = x, y
	s.x1, s.y1 = x, y
}

// PointerMove updates the selection rectangle during a drag.
func (s *Session) PointerMove(x, y int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateSelecting {
		return
	}
	s.x1, s.y1 = x, y
}

// PointerUp ends the drag. A selection meeting MinSelection on both axes
// resolves and emits a capture record; anything smaller aborts.
func (s *Session) PointerUp(x, y int) {
	s.mu.Lock()
	if s.state != StateSelecting {
		s.mu.Unlock()
		return
	}
	s.x1, s.y1 = x, y
	sel := s.selectionLocked()

	if sel.Width < MinSelection || sel.Height < MinSelection {
		s.abortLocked(fmt.Errorf("%w: selection %dx%d below minimum %d",
			ErrAborted, sel.Width, sel.Height, MinSelection))
		return
	}
	s.state = StateResolved
	s.mu.Unlock()

	s.emit(sel)
}

// Cancel aborts the session from any non-terminal state. This is the Escape
// key path; it is also safe to call after resolution, where it is a no-op.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.state == StateEmitted || s.state == StateAborted || s.state == StateIdle {
		s.mu.Unlock()
		return
	}
	s.abortLocked(fmt.Errorf("%w: cancelled", ErrAborted))
}

// abortLocked finalises an abort. Called with s.mu held; releases it.
func (s *Session) abortLocked(err error) {
	s.state = StateAborted
	s.err = err
	close(s.done)
	s.mu.Unlock()
	s.release()
}

// emit crops the raster and finalises the session with a capture record.
// Crop failure aborts instead.
func (s *Session) emit(sel record.Selection) {
	imageData, dims, err := Crop(s.cfg.Raster, sel, s.cfg.Format)

	s.mu.Lock()
	if s.state != StateResolved {
		// Cancelled while cropping.
		s.mu.Unlock()
		return
	}
	if err != nil {
		s.abortLocked(fmt.Errorf("%w: crop: %v", ErrAborted, err))
		return
	}

	now := s.cfg.Now()
	s.captured = &record.Capture{
		CaptureID:   record.NewCaptureID(now),
		ImageData:   imageData,
		Dimensions:  dims,
		Selection:   sel,
		SourceURL:   s.cfg.Page.SourceURL,
		PageTitle:   s.cfg.Page.PageTitle,
		PageExcerpt: s.cfg.Page.PageExcerpt,
		Timestamp:   now.UnixMilli(),
		Status:      record.StatusCaptured,
	}
	s.state = StateEmitted
	close(s.done)
	s.mu.Unlock()
	s.release()
}

// Wait blocks until the session emits, aborts, the deadline passes, or ctx
// is cancelled. It returns the capture record on emission.
func (s *Session) Wait(ctx context.Context) (*record.Capture, error) {
	timer := time.NewTimer(s.cfg.Deadline)
	defer timer.Stop()

	select {
	case <-s.done:
	case <-timer.C:
		s.Cancel()
		return nil, ErrDeadline
	case <-ctx.Done():
		s.Cancel()
		return nil, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateEmitted {
		return s.captured, nil
	}
	return nil, s.err
}

// Close tears the session down. Idempotent; aborts if still in flight.
func (s *Session) Close() {
	s.Cancel()
	s.release()
	s.mu.Lock()
	if s.state == StateEmitted || s.state == StateAborted {
		s.state = StateIdle
	}
	s.mu.Unlock()
}

// release runs the Release hook exactly once.
func (s *Session) release() {
	s.mu.Lock()
	done := s.released
	s.released = true
	s.mu.Unlock()
	if done || s.cfg.Release == nil {
		return
	}
	s.cfg.Release()
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
