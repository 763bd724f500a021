package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/adscope/adscope/dbopen"
	"github.com/adscope/adscope/record"
	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	return New(db)
}

func TestStore_GetSet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get missing: got %v, want ErrNotFound", err)
	}

	if err := s.Set(ctx, "k", "v1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set(ctx, "k", "v2"); err != nil {
		t.Fatalf("set overwrite: %v", err)
	}
	got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "v2" {
		t.Errorf("get: got %q, want v2", got)
	}

	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("get after delete: got %v, want ErrNotFound", err)
	}
}

func testCapture(ts time.Time) *record.Capture {
	return &record.Capture{
		CaptureID: record.NewCaptureID(ts),
		ImageData: "data:image/png;base64,xxxx",
		Selection: record.Selection{Left: 1, Top: 2, Width: 100, Height: 50},
		SourceURL: "https://example.com/page",
		Timestamp: ts.UnixMilli(),
		Status:    record.StatusCaptured,
	}
}

func TestStore_PutCapture(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec := testCapture(time.UnixMilli(1700000000000))
	if err := s.PutCapture(ctx, rec); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.Capture(ctx, rec.CaptureID)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if got.SourceURL != rec.SourceURL || got.Selection != rec.Selection {
		t.Errorf("capture: got %+v, want %+v", got, rec)
	}

	latest, err := s.LatestCapture(ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.CaptureID != rec.CaptureID {
		t.Errorf("latest: got %s, want %s", latest.CaptureID, rec.CaptureID)
	}
}

func TestStore_PutAnalysis(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a := &record.Analysis{
		Analysis:       "narrative",
		StructuredData: map[string]string{record.FieldHeadline: "Sale"},
		Status:         record.AnalysisCompleted,
		Timestamp:      42,
		CaptureID:      "capture_42",
	}
	if err := s.PutAnalysis(ctx, a); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.LatestAnalysis(ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if got.Analysis != "narrative" || got.StructuredData[record.FieldHeadline] != "Sale" {
		t.Errorf("latest: got %+v", got)
	}
}

func TestStore_CaptureCount(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if n, err := s.CaptureCount(ctx); err != nil || n != 0 {
		t.Fatalf("initial count: got %d, %v, want 0, nil", n, err)
	}
	for i := 1; i <= 3; i++ {
		n, err := s.IncrementCaptureCount(ctx)
		if err != nil {
			t.Fatalf("increment: %v", err)
		}
		if n != i {
			t.Errorf("increment: got %d, want %d", n, i)
		}
	}
	if n, _ := s.CaptureCount(ctx); n != 3 {
		t.Errorf("count: got %d, want 3", n)
	}
}

func TestStore_SettingsDefaults(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	set, err := s.Settings(ctx)
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	if !set.AutoAnalyze {
		t.Error("default auto-analyze: got false, want true")
	}
	if set.CaptureFormat != record.FormatPNG {
		t.Errorf("default format: got %q, want png", set.CaptureFormat)
	}

	set.AutoAnalyze = false
	set.CaptureFormat = record.FormatJPEG
	if err := s.SetSettings(ctx, set); err != nil {
		t.Fatalf("set settings: %v", err)
	}
	got, err := s.Settings(ctx)
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	if got.AutoAnalyze || got.CaptureFormat != record.FormatJPEG {
		t.Errorf("settings: got %+v", got)
	}
}

func TestStore_SettingsIgnoresBadFormat(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.Set(ctx, KeyCaptureFormat, "bmp"); err != nil {
		t.Fatal(err)
	}
	set, err := s.Settings(ctx)
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	if set.CaptureFormat != record.FormatPNG {
		t.Errorf("format: got %q, want png fallback", set.CaptureFormat)
	}
}

func TestStore_CaptureKeysNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	base := time.UnixMilli(1700000000000)
	for i := 0; i < 5; i++ {
		if err := s.PutCapture(ctx, testCapture(base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	keys, err := s.CaptureKeys(ctx)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 5 {
		t.Fatalf("keys: got %d, want 5", len(keys))
	}
	for i := 1; i < len(keys); i++ {
		if captureTimestamp(keys[i-1]) < captureTimestamp(keys[i]) {
			t.Errorf("keys not newest-first: %v", keys)
		}
	}
}

func TestStore_EvictOldCaptures(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	base := time.UnixMilli(1700000000000)
	var ids []string
	for i := 0; i < 8; i++ {
		rec := testCapture(base.Add(time.Duration(i) * time.Second))
		ids = append(ids, rec.CaptureID)
		if err := s.PutCapture(ctx, rec); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	removed, err := s.EvictOldCaptures(ctx, 5)
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if removed != 3 {
		t.Errorf("removed: got %d, want 3", removed)
	}

	// The three oldest are gone, the five newest survive.
	for i, id := range ids {
		_, err := s.Capture(ctx, id)
		if i < 3 && !errors.Is(err, ErrNotFound) {
			t.Errorf("old capture %s: got %v, want ErrNotFound", id, err)
		}
		if i >= 3 && err != nil {
			t.Errorf("recent capture %s: %v", id, err)
		}
	}

	// Below the limit nothing is evicted.
	removed, err = s.EvictOldCaptures(ctx, 5)
	if err != nil {
		t.Fatalf("evict again: %v", err)
	}
	if removed != 0 {
		t.Errorf("removed: got %d, want 0", removed)
	}
}

func TestStore_KeysPrefix(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i := 0; i < 3; i++ {
		if err := s.Set(ctx, fmt.Sprintf("capture_%d", i), "{}"); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Set(ctx, "other", "x"); err != nil {
		t.Fatal(err)
	}

	keys, err := s.Keys(ctx, record.CaptureKeyPrefix)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 3 {
		t.Errorf("keys: got %d, want 3", len(keys))
	}
}
