// Package browser drives the Chromium instance adscope captures from. It
// owns the browser lifecycle, resolves capture targets, executes the capture
// strategies and injects the selection overlay into target pages.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// Config configures the browser Manager.
type Config struct {
	// RemoteURL is the WebSocket URL of an already-running Chrome. Empty
	// launches a local instance via the rod launcher.
	RemoteURL string
	// Headless controls local launches. Captures of interactive selections
	// normally want a headful browser.
	Headless bool
	Logger   *slog.Logger
}

func (c *Config) defaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager manages the Chromium connection.
type Manager struct {
	cfg Config

	mu      sync.RWMutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	closed  bool
}

// NewManager creates a Manager. Call Start to launch or connect.
func NewManager(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{cfg: cfg}
}

// Start launches Chrome (or connects to RemoteURL) and returns the rod
// handle.
func (m *Manager) Start(ctx context.Context) (*rod.Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("browser: manager is closed")
	}

	wsURL := m.cfg.RemoteURL
	if wsURL == "" {
		l := launcher.New().
			Headless(m.cfg.Headless).
			Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		m.lnch = l
		m.cfg.Logger.Info("browser: launched local chrome",
			"url", wsURL, "headless", m.cfg.Headless)
	} else {
		m.cfg.Logger.Info("browser: connecting to remote", "url", wsURL)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	m.browser = b
	return b, nil
}

// Browser returns the current rod handle, or nil before Start.
func (m *Manager) Browser() *rod.Browser {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser
}

// Page resolves a capture target. An empty tabID returns the most recently
// focused page; otherwise the page whose CDP target ID matches. Targets not
// in the page list (stream IDs naming a target the browser never surfaced
// as a tab) are attached to directly.
func (m *Manager) Page(ctx context.Context, tabID string) (*rod.Page, error) {
	b := m.Browser()
	if b == nil {
		return nil, fmt.Errorf("browser: not started")
	}

	pages, err := b.Pages()
	if err != nil {
		return nil, fmt.Errorf("browser: list pages: %w", err)
	}

	if tabID == "" {
		if len(pages) == 0 {
			return nil, fmt.Errorf("browser: no open pages")
		}
		return pages.First(), nil
	}
	for _, p := range pages {
		if string(p.TargetID) == tabID {
			return p, nil
		}
	}
	return m.PageFromTarget(tabID)
}

// OpenPage opens a new stealth tab and navigates it to url.
func (m *Manager) OpenPage(ctx context.Context, url string) (*rod.Page, error) {
	b := m.Browser()
	if b == nil {
		return nil, fmt.Errorf("browser: not started")
	}

	page, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}
	if err := page.Context(ctx).Navigate(url); err != nil {
		page.Close()
		return nil, fmt.Errorf("browser: navigate %s: %w", url, err)
	}
	if err := page.Context(ctx).WaitLoad(); err != nil {
		m.cfg.Logger.Warn("browser: wait load timeout", "url", url, "error", err)
	}
	return page, nil
}

// OpenTab opens a stealth tab on url and returns its CDP target ID, the
// form capture requests address tabs by.
func (m *Manager) OpenTab(ctx context.Context, url string) (string, error) {
	page, err := m.OpenPage(ctx, url)
	if err != nil {
		return "", err
	}
	return string(page.TargetID), nil
}

// PageFromTarget attaches to an existing CDP target that the page list does
// not surface.
func (m *Manager) PageFromTarget(targetID string) (*rod.Page, error) {
	b := m.Browser()
	if b == nil {
		return nil, fmt.Errorf("browser: not started")
	}
	page, err := b.PageFromTarget(proto.TargetTargetID(targetID))
	if err != nil {
		return nil, fmt.Errorf("browser: attach target %s: %w", targetID, err)
	}
	return page, nil
}

// Close shuts the browser down.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.browser != nil {
		m.browser.Close()
		m.browser = nil
	}
	if m.lnch != nil {
		m.lnch.Cleanup()
		m.lnch = nil
	}
	return nil
}
