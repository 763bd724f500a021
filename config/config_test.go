package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Listen != "127.0.0.1:8790" {
		t.Errorf("listen: got %q", cfg.Listen)
	}
	if cfg.DBPath != "adscope.db" {
		t.Errorf("db path: got %q", cfg.DBPath)
	}
	if !cfg.Browser.Headless {
		t.Error("headless: got false, want true")
	}
	if cfg.Analysis.AnalyzeTimeout != 20*time.Second {
		t.Errorf("analyze timeout: got %v", cfg.Analysis.AnalyzeTimeout)
	}
	if cfg.Analysis.ProbeTimeout != 5*time.Second {
		t.Errorf("probe timeout: got %v", cfg.Analysis.ProbeTimeout)
	}
	if cfg.Retention.Interval != time.Hour {
		t.Errorf("retention interval: got %v", cfg.Retention.Interval)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "adscope.yaml")
	doc := `
listen: ":9999"
db_path: /tmp/captures.db
browser:
  remote_url: ws://127.0.0.1:9222
  headless: false
analysis:
  base_url: http://127.0.0.1:5000
  analyze_timeout: 45000000000
archive:
  base_url: http://archive.internal
  platform: instagram
  user_id: ops
users:
  ops: $2a$10$abcdefghijklmnopqrstuv
mcp: true
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != ":9999" {
		t.Errorf("listen: got %q", cfg.Listen)
	}
	if cfg.Browser.RemoteURL != "ws://127.0.0.1:9222" || cfg.Browser.Headless {
		t.Errorf("browser: got %+v", cfg.Browser)
	}
	if cfg.Analysis.AnalyzeTimeout != 45*time.Second {
		t.Errorf("analyze timeout: got %v", cfg.Analysis.AnalyzeTimeout)
	}
	// Unset values fall back to defaults.
	if cfg.Analysis.ProbeTimeout != 5*time.Second {
		t.Errorf("probe timeout default: got %v", cfg.Analysis.ProbeTimeout)
	}
	if cfg.Archive.Platform != "instagram" {
		t.Errorf("platform: got %q", cfg.Archive.Platform)
	}
	if cfg.Users["ops"] == "" {
		t.Error("users: missing ops entry")
	}
	if !cfg.MCP {
		t.Error("mcp: got false, want true")
	}
}

func TestLoadFile_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("listen: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatal("malformed yaml: want error")
	}
}

func TestLoadFile_Missing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("missing file: want error")
	}
}
