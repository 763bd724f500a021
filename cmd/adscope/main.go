// Command adscope is the operator CLI for the capture daemon.
//
// Usage:
//
//	adscope capture [-tab id]        # start a capture and follow it
//	adscope open -url https://...    # open a tab, print its target ID
//	adscope status                   # daemon state snapshot
//	adscope watch                    # stream capture/analysis events
//	adscope settings [...]           # read or update settings
//	adscope image -file ad.png [...] # submit a local image for analysis
package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/adscope/adscope/browser"
	"github.com/adscope/adscope/message"
	"github.com/adscope/adscope/popup"
	"github.com/adscope/adscope/record"
)

func main() {
	daemon := flag.String("daemon", "http://127.0.0.1:8790", "daemon base URL")
	user := flag.String("user", "", "basic auth user")
	pass := flag.String("pass", "", "basic auth password")
	logLevel := flag.String("log-level", "warn", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelWarn
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var opts []popup.HTTPOption
	if *user != "" {
		opts = append(opts, popup.WithBasicAuth(*user, *pass))
	}
	backend := popup.NewHTTPBackend(*daemon, opts...)

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: adscope [flags] capture|open|status|watch|settings|image [args]")
		os.Exit(1)
	}

	var err error
	switch args[0] {
	case "capture":
		err = runCapture(ctx, logger, backend, args[1:])
	case "open":
		err = runOpen(ctx, backend, args[1:])
	case "status":
		err = runStatus(ctx, backend)
	case "watch":
		err = runWatch(ctx, backend)
	case "settings":
		err = runSettings(ctx, backend, args[1:])
	case "image":
		err = runImage(ctx, backend, args[1:])
	default:
		err = fmt.Errorf("unknown command %q", args[0])
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "adscope:", err)
		os.Exit(1)
	}
}

// runCapture starts a capture and follows the session through the event
// stream until it reaches a terminal state.
func runCapture(ctx context.Context, logger *slog.Logger, backend *popup.HTTPBackend, args []string) error {
	fs := flag.NewFlagSet("capture", flag.ExitOnError)
	tab := fs.String("tab", "", "target tab ID (empty for active tab)")
	_ = fs.Parse(args)

	done := make(chan struct{})
	ctrl, err := popup.New(popup.Config{
		Backend: backend,
		Logger:  logger,
		OnChange: func(s popup.Snapshot) {
			fmt.Printf("[%s] %s\n", s.Status, s.StatusText)
			// An idle transition mid-wait is the watchdog resetting a
			// stalled session; it ends the wait like the terminal states.
			if s.Status == popup.StatusComplete || s.Status == popup.StatusError || s.Status == popup.StatusIdle {
				select {
				case <-done:
				default:
					close(done)
				}
			}
		},
	})
	if err != nil {
		return err
	}
	defer ctrl.Close()

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := backend.Events(streamCtx, ctrl.HandleEvent); err != nil && streamCtx.Err() == nil {
			logger.Warn("event stream ended", "error", err)
		}
	}()

	// Reattach to an in-flight session before starting a new one.
	if err := ctrl.Resume(ctx); err == nil {
		if s := ctrl.Snapshot(); s.Status == popup.StatusAnalyzing {
			fmt.Printf("[%s] resuming previous capture\n", s.Status)
			return waitDone(ctx, ctrl, done)
		}
	}

	if err := ctrl.StartCapture(ctx, *tab); err != nil {
		return err
	}
	return waitDone(ctx, ctrl, done)
}

// runOpen opens a tab on the daemon's browser and prints its target ID, the
// value capture -tab takes.
func runOpen(ctx context.Context, backend *popup.HTTPBackend, args []string) error {
	fs := flag.NewFlagSet("open", flag.ExitOnError)
	url := fs.String("url", "", "page to open (http or https)")
	_ = fs.Parse(args)
	if *url == "" {
		return fmt.Errorf("open: -url is required")
	}

	targetID, err := backend.OpenTab(ctx, *url)
	if err != nil {
		return err
	}
	fmt.Println(targetID)
	return nil
}

func waitDone(ctx context.Context, ctrl *popup.Controller, done chan struct{}) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}

	s := ctrl.Snapshot()
	if s.Status == popup.StatusError || s.Status == popup.StatusIdle {
		return fmt.Errorf("%s", s.StatusText)
	}
	if s.Analysis != nil {
		printAnalysis(s.Analysis)
	}
	return nil
}

func printAnalysis(a *record.Analysis) {
	fmt.Println()
	fmt.Println(a.Analysis)
	if len(a.StructuredData) > 0 {
		fmt.Println()
		for _, f := range []string{
			record.FieldAdvertiserName, record.FieldHeadline,
			record.FieldDescription, record.FieldCallToAction,
			record.FieldProductService,
		} {
			if v, ok := a.StructuredData[f]; ok {
				fmt.Printf("  %-16s %s\n", f, v)
			}
		}
	}
}

func runStatus(ctx context.Context, backend *popup.HTTPBackend) error {
	capturing, count, set, err := backend.State(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("capturing:     %v\n", capturing)
	fmt.Printf("captures:      %d\n", count)
	fmt.Printf("auto-analyze:  %v\n", set.AutoAnalyze)
	fmt.Printf("format:        %s\n", set.CaptureFormat)

	if a, err := backend.LatestAnalysis(ctx); err == nil {
		fmt.Printf("last analysis: %s (%s)\n",
			time.UnixMilli(a.Timestamp).Format(time.RFC3339), a.Status)
	}
	return nil
}

func runWatch(ctx context.Context, backend *popup.HTTPBackend) error {
	fmt.Fprintln(os.Stderr, "watching events (ctrl-c to stop)")
	return backend.Events(ctx, func(msg *message.Message) {
		switch msg.Type {
		case message.ScreenshotCaptured:
			if rec, err := msg.CaptureData(); err == nil {
				fmt.Printf("%s captured %s %dx%d %s\n",
					time.Now().Format(time.TimeOnly), rec.CaptureID,
					rec.Selection.Width, rec.Selection.Height, rec.SourceURL)
			}
		case message.AnalysisComplete:
			if a, err := msg.AnalysisData(); err == nil {
				fmt.Printf("%s analyzed %s fields=%d\n",
					time.Now().Format(time.TimeOnly), a.CaptureID, len(a.StructuredData))
			}
		case message.AnalysisError:
			fmt.Printf("%s analysis failed: %s\n",
				time.Now().Format(time.TimeOnly), msg.Error)
		}
	})
}

func runSettings(ctx context.Context, backend *popup.HTTPBackend, args []string) error {
	fs := flag.NewFlagSet("settings", flag.ExitOnError)
	autoAnalyze := fs.String("auto-analyze", "", "true or false")
	format := fs.String("format", "", "png or jpeg")
	_ = fs.Parse(args)

	_, _, set, err := backend.State(ctx)
	if err != nil {
		return err
	}

	if *autoAnalyze == "" && *format == "" {
		fmt.Printf("auto-analyze: %v\n", set.AutoAnalyze)
		fmt.Printf("format:       %s\n", set.CaptureFormat)
		return nil
	}

	if *autoAnalyze != "" {
		set.AutoAnalyze = *autoAnalyze == "true"
	}
	if *format != "" {
		set.CaptureFormat = *format
	}
	if err := backend.PutSettings(ctx, set); err != nil {
		return err
	}
	fmt.Println("settings updated")
	return nil
}

// runImage submits a local image as a whole-frame capture. With -url the
// source page title is fetched so the stored record carries provenance.
func runImage(ctx context.Context, backend *popup.HTTPBackend, args []string) error {
	fs := flag.NewFlagSet("image", flag.ExitOnError)
	file := fs.String("file", "", "image file (png or jpeg)")
	pageURL := fs.String("url", "", "source page URL for provenance")
	_ = fs.Parse(args)
	if *file == "" {
		return fmt.Errorf("image: -file is required")
	}

	raw, err := os.ReadFile(*file)
	if err != nil {
		return err
	}
	mt := mime.TypeByExtension(filepath.Ext(*file))
	if mt == "" {
		mt = "image/png"
	}
	dataURL := "data:" + mt + ";base64," + base64.StdEncoding.EncodeToString(raw)

	// Without provenance the daemon builds the record itself.
	if *pageURL == "" {
		resp, err := backend.Send(ctx, &message.Message{
			Type: message.StartScreenCapture, ImageData: dataURL,
		})
		if err != nil {
			return err
		}
		if !resp.Success {
			return fmt.Errorf("%s", resp.Error)
		}
		fmt.Println("image submitted")
		return nil
	}

	// With provenance, build the full record here so it arrives in one piece.
	imgCfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("image: decode %s: %w", *file, err)
	}
	title, err := browser.FetchTitle(ctx, nil, *pageURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, "adscope: title fetch failed:", err)
	}

	rec := &record.Capture{
		ImageData: dataURL,
		Dimensions: record.Dimensions{
			Width:          imgCfg.Width,
			Height:         imgCfg.Height,
			OriginalWidth:  imgCfg.Width,
			OriginalHeight: imgCfg.Height,
		},
		Selection: record.Selection{Width: imgCfg.Width, Height: imgCfg.Height},
		SourceURL: *pageURL,
		PageTitle: title,
		Timestamp: time.Now().UnixMilli(),
		Status:    record.StatusCaptured,
	}

	resp, err := backend.Send(ctx, message.Selected(rec))
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%s", resp.Error)
	}
	fmt.Printf("image submitted with provenance: %s\n", *pageURL)
	return nil
}
