package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/adscope/adscope/browser"
	"github.com/adscope/adscope/coordinator"
	"github.com/adscope/adscope/dbopen"
	"github.com/adscope/adscope/record"
	"github.com/adscope/adscope/store"
	_ "modernc.org/sqlite"
)

// idleLauncher satisfies the coordinator without a browser. Launches park
// until released.
type idleLauncher struct{}

func (idleLauncher) Launch(_ context.Context, _ browser.LaunchRequest) (*browser.LaunchResult, error) {
	done := make(chan struct{})
	return &browser.LaunchResult{
		Method: "idle",
		Wait: func(ctx context.Context) (*record.Capture, error) {
			select {
			case <-done:
				return nil, context.Canceled
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
		Release: func() {
			select {
			case <-done:
			default:
				close(done)
			}
		},
	}, nil
}

func newTestServer(t *testing.T, users map[string]string) (*httptest.Server, *store.Store) {
	srv, st, _ := newTestServerCoord(t, users)
	return srv, st
}

// fakeTabs replaces the browser manager behind the open endpoint.
type fakeTabs struct {
	mu     sync.Mutex
	opened []string
}

func (f *fakeTabs) OpenTab(_ context.Context, url string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, url)
	return fmt.Sprintf("target-%d", len(f.opened)), nil
}

func newTestServerTabs(t *testing.T, tabs TabOpener) *httptest.Server {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
	st := store.New(db)
	coord, err := coordinator.New(coordinator.Config{
		Store:    st,
		Launcher: idleLauncher{},
		Logger:   slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(coord.Close)

	api, err := New(Config{
		Coordinator: coord,
		Store:       st,
		Tabs:        tabs,
		Logger:      slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	return srv
}

func newTestServerCoord(t *testing.T, users map[string]string) (*httptest.Server, *store.Store, *coordinator.Coordinator) {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
	st := store.New(db)
	coord, err := coordinator.New(coordinator.Config{
		Store:    st,
		Launcher: idleLauncher{},
		Logger:   slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(coord.Close)

	api, err := New(Config{
		Coordinator: coord,
		Store:       st,
		Users:       users,
		Logger:      slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	return srv, st, coord
}

func TestServer_Healthz(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
}

func TestServer_MessageGetSettings(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, err := http.Post(srv.URL+"/api/message", "application/json",
		strings.NewReader(`{"type":"GET_SETTINGS"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d", resp.StatusCode)
	}

	var body struct {
		Success  bool             `json:"success"`
		Settings *record.Settings `json:"settings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if !body.Success || body.Settings == nil || !body.Settings.AutoAnalyze {
		t.Errorf("reply: got %+v", body)
	}
}

func TestServer_MessageUnknownKind(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, err := http.Post(srv.URL+"/api/message", "application/json",
		strings.NewReader(`{"type":"NOT_A_THING"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", resp.StatusCode)
	}
}

func TestServer_State(t *testing.T) {
	srv, st := newTestServer(t, nil)
	ctx := context.Background()

	rec := &record.Capture{
		CaptureID: record.NewCaptureID(time.UnixMilli(1700000000000)),
		Timestamp: 1700000000000,
		Status:    record.StatusCaptured,
	}
	if err := st.PutCapture(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if _, err := st.IncrementCaptureCount(ctx); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(srv.URL + "/api/state")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body struct {
		Capturing     bool            `json:"capturing"`
		LatestCapture *record.Capture `json:"latestCapture"`
		CaptureCount  int             `json:"captureCount"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Capturing {
		t.Error("capturing: got true, want false")
	}
	if body.LatestCapture == nil || body.LatestCapture.CaptureID != rec.CaptureID {
		t.Errorf("latest: got %+v", body.LatestCapture)
	}
	if body.CaptureCount != 1 {
		t.Errorf("count: got %d, want 1", body.CaptureCount)
	}
}

func TestServer_CaptureNotFound(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	resp, err := http.Get(srv.URL + "/api/captures/capture_9999")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status: got %d, want 404", resp.StatusCode)
	}
}

func TestServer_PutSettingsValidation(t *testing.T) {
	srv, st := newTestServer(t, nil)

	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/settings",
		strings.NewReader(`{"autoAnalyze":false,"captureFormat":"bmp"}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad format: got %d, want 400", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodPut, srv.URL+"/api/settings",
		strings.NewReader(`{"autoAnalyze":false,"captureFormat":"jpeg"}`))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("valid settings: got %d, want 200", resp.StatusCode)
	}

	set, err := st.Settings(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if set.AutoAnalyze || set.CaptureFormat != record.FormatJPEG {
		t.Errorf("stored settings: got %+v", set)
	}
}

func TestServer_OpenTab(t *testing.T) {
	tabs := &fakeTabs{}
	srv := newTestServerTabs(t, tabs)

	resp, err := http.Post(srv.URL+"/api/open", "application/json",
		strings.NewReader(`{"url":"https://example.com/ad"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d, want 200", resp.StatusCode)
	}

	var reply struct {
		TargetID string `json:"targetId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		t.Fatal(err)
	}
	if reply.TargetID != "target-1" {
		t.Errorf("target: got %q, want target-1", reply.TargetID)
	}
	if len(tabs.opened) != 1 || tabs.opened[0] != "https://example.com/ad" {
		t.Errorf("opened: got %v", tabs.opened)
	}
}

func TestServer_OpenTabRejectsNonHTTP(t *testing.T) {
	srv := newTestServerTabs(t, &fakeTabs{})

	resp, err := http.Post(srv.URL+"/api/open", "application/json",
		strings.NewReader(`{"url":"file:///etc/passwd"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", resp.StatusCode)
	}
}

func TestServer_OpenTabWithoutBrowser(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, err := http.Post(srv.URL+"/api/open", "application/json",
		strings.NewReader(`{"url":"https://example.com"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status: got %d, want 503", resp.StatusCode)
	}
}

func TestServer_BasicAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	srv, _ := newTestServer(t, map[string]string{"ops": string(hash)})

	// No credentials.
	resp, err := http.Get(srv.URL + "/api/state")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no auth: got %d, want 401", resp.StatusCode)
	}

	// Wrong password.
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/state", nil)
	req.SetBasicAuth("ops", "wrong")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong password: got %d, want 401", resp.StatusCode)
	}

	// Correct credentials.
	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/api/state", nil)
	req.SetBasicAuth("ops", "hunter2")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("good auth: got %d, want 200", resp.StatusCode)
	}

	// Health stays open.
	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz: got %d, want 200", resp.StatusCode)
	}
}
