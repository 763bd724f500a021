// Package config holds the daemon configuration and its YAML loader.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all adscoped configuration.
type Config struct {
	// Listen is the HTTP API bind address.
	Listen string `yaml:"listen"`
	// DBPath is the capture store location.
	DBPath string `yaml:"db_path"`

	Browser   BrowserConfig   `yaml:"browser"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Capture   CaptureConfig   `yaml:"capture"`
	Retention RetentionConfig `yaml:"retention"`

	// Users maps login names to bcrypt hashes for the HTTP API. Empty
	// disables authentication.
	Users map[string]string `yaml:"users"`

	// MCP enables the stdio MCP tool surface.
	MCP bool `yaml:"mcp"`
}

// BrowserConfig controls the Chromium attachment.
type BrowserConfig struct {
	// RemoteURL attaches to a running browser's DevTools endpoint. Empty
	// launches a managed instance.
	RemoteURL string `yaml:"remote_url"`
	Headless  bool   `yaml:"headless"`
}

// AnalysisConfig points at the analysis endpoint.
type AnalysisConfig struct {
	BaseURL        string        `yaml:"base_url"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	AnalyzeTimeout time.Duration `yaml:"analyze_timeout"`
}

// ArchiveConfig points at the ad archive service.
type ArchiveConfig struct {
	BaseURL  string `yaml:"base_url"`
	Platform string `yaml:"platform"`
	UserID   string `yaml:"user_id"`
}

// CaptureConfig controls capture sessions.
type CaptureConfig struct {
	// SelectionDeadline bounds one selection drag.
	SelectionDeadline time.Duration `yaml:"selection_deadline"`
}

// RetentionConfig controls the capture retention sweep.
type RetentionConfig struct {
	Interval time.Duration `yaml:"interval"`
}

func (c *Config) defaults() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8790"
	}
	if c.DBPath == "" {
		c.DBPath = "adscope.db"
	}
	if c.Analysis.ProbeTimeout <= 0 {
		c.Analysis.ProbeTimeout = 5 * time.Second
	}
	if c.Analysis.AnalyzeTimeout <= 0 {
		c.Analysis.AnalyzeTimeout = 20 * time.Second
	}
	if c.Archive.Platform == "" {
		c.Archive.Platform = "web"
	}
	if c.Capture.SelectionDeadline <= 0 {
		c.Capture.SelectionDeadline = 2 * time.Minute
	}
	if c.Retention.Interval <= 0 {
		c.Retention.Interval = time.Hour
	}
}

// Default returns the configuration used without a config file.
func Default() *Config {
	cfg := &Config{Browser: BrowserConfig{Headless: true}}
	cfg.defaults()
	return cfg
}

// LoadFile reads a YAML config file and applies defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{Browser: BrowserConfig{Headless: true}}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.defaults()
	return cfg, nil
}
