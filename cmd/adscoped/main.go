// Command adscoped is the ad capture daemon. It attaches to (or launches) a
// Chromium instance, serves the capture protocol over HTTP, streams capture
// and analysis events, and optionally exposes MCP tools on stdio.
//
// Usage:
//
//	adscoped                          # defaults, managed headless browser
//	adscoped -config adscope.yaml    # full configuration
//	adscoped -remote ws://...        # attach to a running browser
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/adscope/adscope/analysis"
	"github.com/adscope/adscope/browser"
	"github.com/adscope/adscope/config"
	"github.com/adscope/adscope/coordinator"
	"github.com/adscope/adscope/httpapi"
	"github.com/adscope/adscope/store"
)

func main() {
	configPath := flag.String("config", "", "path to adscope.yaml config file")
	listen := flag.String("listen", "", "HTTP bind address (overrides config)")
	remote := flag.String("remote", "", "DevTools URL of a running browser (overrides config)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *listen, *remote); err != nil {
		logger.Error("adscoped: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath, listen, remote string) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.LoadFile(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if remote != "" {
		cfg.Browser.RemoteURL = remote
	}

	st, db, err := store.Open(cfg.DBPath, store.WithLogger(logger))
	if err != nil {
		return err
	}
	defer db.Close()

	mgr := browser.NewManager(browser.Config{
		RemoteURL: cfg.Browser.RemoteURL,
		Headless:  cfg.Browser.Headless,
		Logger:    logger,
	})
	if _, err := mgr.Start(ctx); err != nil {
		return err
	}
	defer mgr.Close()

	launcher := browser.NewCaptureLauncher(mgr, browser.WithLauncherLogger(logger))

	var client *analysis.Client
	if cfg.Analysis.BaseURL != "" {
		client = analysis.NewClient(cfg.Analysis.BaseURL,
			analysis.WithLogger(logger),
			analysis.WithTimeouts(cfg.Analysis.ProbeTimeout, cfg.Analysis.AnalyzeTimeout))
	}

	archive := analysis.NewArchive(cfg.Archive.BaseURL, analysis.WithArchiveLogger(logger))

	coord, err := coordinator.New(coordinator.Config{
		Store:             st,
		Client:            client,
		Archive:           archive,
		Launcher:          launcher,
		Platform:          cfg.Archive.Platform,
		UserID:            cfg.Archive.UserID,
		SelectionDeadline: cfg.Capture.SelectionDeadline,
		Logger:            logger,
	})
	if err != nil {
		return err
	}
	defer coord.Close()

	go coord.RunCleanup(ctx, cfg.Retention.Interval)

	// Surface writes from other connections (a second daemon, manual
	// sqlite3 edits) in the debug log.
	go func() {
		for range st.Watch(ctx, 2*time.Second) {
			logger.Debug("adscoped: capture store changed externally")
		}
	}()

	if cfg.MCP {
		mcpSrv := mcp.NewServer(&mcp.Implementation{
			Name:    "adscope",
			Version: "1.0.0",
		}, nil)
		coord.RegisterMCP(mcpSrv)
		go func() {
			logger.Info("adscoped: MCP stdio starting")
			if err := mcpSrv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				logger.Error("adscoped: MCP stdio", "error", err)
			}
		}()
	}

	api, err := httpapi.New(httpapi.Config{
		Coordinator: coord,
		Store:       st,
		Tabs:        mgr,
		Users:       cfg.Users,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("adscoped: listening", "addr", cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		logger.Info("adscoped: stopped")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
