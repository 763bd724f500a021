package browser

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adscope/adscope/overlay"
	"github.com/adscope/adscope/record"
)

// RasterTimeout bounds capture initiation: resolving the target page, taking
// the screenshot and injecting the overlay. The popup treats initiation
// slower than this as a capture failure.
const RasterTimeout = 15 * time.Second

// LaunchRequest asks for one capture attempt.
type LaunchRequest struct {
	// TabID selects the target page; empty means the active page.
	TabID string
	// Format is the crop encoding for the emitted record.
	Format string
	// Deadline bounds the user's selection. Zero uses the overlay default.
	Deadline time.Duration
}

// LaunchResult is a capture attempt in flight. Wait blocks for the user's
// selection; Release tears the attempt down and is safe to call at any time.
type LaunchResult struct {
	// Method names the strategy that produced the raster.
	Method  string
	Wait    func(ctx context.Context) (*record.Capture, error)
	Release func()
}

// CaptureLauncher runs the full capture hand-off: strategy selection, page
// metadata, overlay injection.
type CaptureLauncher struct {
	mgr        *Manager
	strategies []Strategy
	logger     *slog.Logger
}

// LauncherOption configures a CaptureLauncher.
type LauncherOption func(*CaptureLauncher)

// WithStrategies overrides the strategy order.
func WithStrategies(s ...Strategy) LauncherOption {
	return func(l *CaptureLauncher) { l.strategies = s }
}

// WithLauncherLogger sets a custom logger.
func WithLauncherLogger(log *slog.Logger) LauncherOption {
	return func(l *CaptureLauncher) { l.logger = log }
}

// NewCaptureLauncher creates a launcher over the browser manager.
func NewCaptureLauncher(mgr *Manager, opts ...LauncherOption) *CaptureLauncher {
	l := &CaptureLauncher{
		mgr:        mgr,
		strategies: DefaultStrategies(),
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Launch initiates one capture attempt. It returns once the overlay is armed
// on the target page; pixels arrive later through Wait.
func (l *CaptureLauncher) Launch(ctx context.Context, req LaunchRequest) (*LaunchResult, error) {
	initCtx, cancel := context.WithTimeout(ctx, RasterTimeout)
	defer cancel()

	page, err := l.mgr.Page(initCtx, req.TabID)
	if err != nil {
		return nil, err
	}

	raster, method, err := CaptureRaster(initCtx, page, l.strategies)
	if err != nil {
		return nil, err
	}
	l.logger.Info("browser: raster captured",
		"method", method,
		"raster", fmt.Sprintf("%dx%d", raster.Width, raster.Height),
		"viewport", fmt.Sprintf("%dx%d", raster.ViewportWidth, raster.ViewportHeight))

	pc := PageContext(initCtx, page)

	// The overlay release hook is wired after ArmOverlay returns it; the
	// indirection keeps teardown on every session exit path.
	var release func()
	sess := overlay.NewSession(overlay.Config{
		Raster:   raster,
		Page:     pc,
		Format:   req.Format,
		Deadline: req.Deadline,
		Logger:   l.logger,
		Release: func() {
			if release != nil {
				release()
			}
		},
	})

	release, err = ArmOverlay(initCtx, page, sess, l.logger)
	if err != nil {
		sess.Close()
		return nil, err
	}

	return &LaunchResult{
		Method:  method,
		Wait:    sess.Wait,
		Release: sess.Close,
	}, nil
}
