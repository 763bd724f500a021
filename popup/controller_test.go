package popup

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/adscope/adscope/message"
	"github.com/adscope/adscope/record"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// fakeBackend scripts the daemon side of the controller.
type fakeBackend struct {
	mu       sync.Mutex
	sendResp message.Response
	sendErr  error
	sent     []*message.Message
	capture  *record.Capture
	analysis *record.Analysis
}

func (f *fakeBackend) Send(_ context.Context, msg *message.Message) (message.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return f.sendResp, f.sendErr
}

func (f *fakeBackend) LatestCapture(_ context.Context) (*record.Capture, error) {
	if f.capture == nil {
		return nil, errors.New("no captures yet")
	}
	return f.capture, nil
}

func (f *fakeBackend) LatestAnalysis(_ context.Context) (*record.Analysis, error) {
	if f.analysis == nil {
		return nil, errors.New("no analysis yet")
	}
	return f.analysis, nil
}

func newTestController(t *testing.T, backend Backend, now func() time.Time) *Controller {
	t.Helper()
	ctrl, err := New(Config{Backend: backend, Logger: testLogger(), Now: now})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	t.Cleanup(ctrl.Close)
	return ctrl
}

func TestController_CaptureFlow(t *testing.T) {
	backend := &fakeBackend{sendResp: message.Response{Success: true, Method: "surface"}}
	ctrl := newTestController(t, backend, nil)
	ctx := context.Background()

	if err := ctrl.StartCapture(ctx, "tab-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if s := ctrl.Snapshot(); s.Status != StatusSelecting {
		t.Fatalf("status: got %v, want selecting", s.Status)
	}

	rec := &record.Capture{CaptureID: "capture_1", Status: record.StatusCaptured}
	ctrl.HandleEvent(message.Captured(rec))
	if s := ctrl.Snapshot(); s.Status != StatusAnalyzing {
		t.Fatalf("status: got %v, want analyzing", s.Status)
	}

	a := &record.Analysis{
		Analysis:  "a shoe ad",
		Status:    record.AnalysisCompleted,
		CaptureID: "capture_1",
	}
	ctrl.HandleEvent(message.Analyzed(a))
	s := ctrl.Snapshot()
	if s.Status != StatusComplete {
		t.Fatalf("status: got %v, want complete", s.Status)
	}
	if s.Analysis == nil || s.Analysis.Analysis != "a shoe ad" {
		t.Errorf("analysis: got %+v", s.Analysis)
	}
	if s.Capture == nil || s.Capture.CaptureID != "capture_1" {
		t.Errorf("capture carried through: got %+v", s.Capture)
	}
}

func TestController_StartRejected(t *testing.T) {
	backend := &fakeBackend{sendResp: message.Response{Success: false, Error: "Already capturing"}}
	ctrl := newTestController(t, backend, nil)

	err := ctrl.StartCapture(context.Background(), "")
	if err == nil {
		t.Fatal("start: want error")
	}
	s := ctrl.Snapshot()
	if s.Status != StatusError {
		t.Fatalf("status: got %v, want error", s.Status)
	}
	if s.StatusText != "A capture is already in progress" {
		t.Errorf("status text: got %q", s.StatusText)
	}
}

func TestController_AnalysisErrorMapping(t *testing.T) {
	cases := []struct {
		name  string
		event string
		want  string
	}{
		{"timeout", "Analysis request timed out", "Analysis timed out - please try again"},
		{"unreachable", "Cannot connect to analysis service", "Analysis service unavailable - check the daemon configuration"},
		{"permission", "screen capture permission denied by the page", "Screen capture was not permitted on this page"},
		{"generic", "disk exploded", "disk exploded"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctrl := newTestController(t, &fakeBackend{}, nil)
			ctrl.HandleEvent(message.AnalysisFailed(tc.event))
			s := ctrl.Snapshot()
			if s.Status != StatusError {
				t.Fatalf("status: got %v, want error", s.Status)
			}
			if s.StatusText != tc.want {
				t.Errorf("text: got %q, want %q", s.StatusText, tc.want)
			}
		})
	}
}

func TestController_WatchdogResetsStalledSession(t *testing.T) {
	backend := &fakeBackend{sendResp: message.Response{Success: true, Method: "surface"}}
	ctrl, err := New(Config{
		Backend:         backend,
		Logger:          testLogger(),
		WatchdogTimeout: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer ctrl.Close()

	if err := ctrl.StartCapture(context.Background(), "tab-1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	// No terminal event arrives; the watchdog must put the session back to
	// idle with the timeout text.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if ctrl.Snapshot().Status == StatusIdle {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	s := ctrl.Snapshot()
	if s.Status != StatusIdle {
		t.Fatalf("status: got %v, want idle after watchdog", s.Status)
	}
	if s.StatusText != textTimeout {
		t.Errorf("status text: got %q, want %q", s.StatusText, textTimeout)
	}
}

func TestController_WatchdogStoppedByCompletion(t *testing.T) {
	backend := &fakeBackend{sendResp: message.Response{Success: true}}
	ctrl, err := New(Config{
		Backend:         backend,
		Logger:          testLogger(),
		WatchdogTimeout: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer ctrl.Close()

	if err := ctrl.StartCapture(context.Background(), ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctrl.HandleEvent(message.Captured(&record.Capture{CaptureID: "c"}))
	ctrl.HandleEvent(message.Analyzed(&record.Analysis{Analysis: "done", Status: record.AnalysisCompleted}))

	time.Sleep(60 * time.Millisecond)
	if s := ctrl.Snapshot(); s.Status != StatusComplete {
		t.Errorf("status: got %v, want complete to survive the watchdog", s.Status)
	}
}

func TestController_ResumeRecentCapture(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	backend := &fakeBackend{capture: &record.Capture{
		CaptureID: "capture_1",
		Timestamp: now.Add(-10 * time.Second).UnixMilli(),
		Status:    record.StatusCaptured,
	}}
	ctrl := newTestController(t, backend, func() time.Time { return now })

	if err := ctrl.Resume(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if s := ctrl.Snapshot(); s.Status != StatusAnalyzing {
		t.Errorf("status: got %v, want analyzing", s.Status)
	}
}

func TestController_ResumeStaleCapture(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	backend := &fakeBackend{capture: &record.Capture{
		CaptureID: "capture_1",
		Timestamp: now.Add(-31 * time.Second).UnixMilli(),
		Status:    record.StatusCaptured,
	}}
	ctrl := newTestController(t, backend, func() time.Time { return now })

	if err := ctrl.Resume(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if s := ctrl.Snapshot(); s.Status != StatusIdle {
		t.Errorf("status: got %v, want idle for stale capture", s.Status)
	}
}

func TestController_ResumeAnalyzedCapture(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	a := &record.Analysis{Analysis: "done", Status: record.AnalysisCompleted}
	backend := &fakeBackend{capture: &record.Capture{
		CaptureID: "capture_1",
		Timestamp: now.Add(-5 * time.Second).UnixMilli(),
		Status:    record.StatusAnalyzed,
		Analysis:  a,
	}}
	ctrl := newTestController(t, backend, func() time.Time { return now })

	if err := ctrl.Resume(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	s := ctrl.Snapshot()
	if s.Status != StatusComplete {
		t.Fatalf("status: got %v, want complete", s.Status)
	}
	if s.Analysis == nil || s.Analysis.Analysis != "done" {
		t.Errorf("analysis: got %+v", s.Analysis)
	}
}

func TestController_ResumeNothingStored(t *testing.T) {
	ctrl := newTestController(t, &fakeBackend{}, nil)
	if err := ctrl.Resume(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if s := ctrl.Snapshot(); s.Status != StatusIdle {
		t.Errorf("status: got %v, want idle", s.Status)
	}
}

func TestController_OnChangeObservesTransitions(t *testing.T) {
	backend := &fakeBackend{sendResp: message.Response{Success: true}}
	var mu sync.Mutex
	var seen []Status
	ctrl, err := New(Config{
		Backend: backend,
		Logger:  testLogger(),
		OnChange: func(s Snapshot) {
			mu.Lock()
			seen = append(seen, s.Status)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer ctrl.Close()

	_ = ctrl.StartCapture(context.Background(), "")
	ctrl.HandleEvent(message.Captured(&record.Capture{CaptureID: "c"}))
	ctrl.HandleEvent(message.AnalysisFailed("boom"))

	mu.Lock()
	defer mu.Unlock()
	want := []Status{StatusSelecting, StatusAnalyzing, StatusError}
	if len(seen) != len(want) {
		t.Fatalf("transitions: got %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition %d: got %v, want %v", i, seen[i], want[i])
		}
	}
}

func TestMapError(t *testing.T) {
	if got := mapError(""); got != "Capture failed" {
		t.Errorf("empty: got %q", got)
	}
	if got := mapError("context deadline exceeded"); got != textTimeout {
		t.Errorf("deadline: got %q", got)
	}
}
