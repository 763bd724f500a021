package browser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/png"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/adscope/adscope/overlay"
)

// Strategy is one way of obtaining a source raster from a page. Strategies
// are tried in order; the first success wins.
type Strategy interface {
	Name() string
	Try(ctx context.Context, page *rod.Page) (*overlay.Raster, error)
}

// DefaultStrategies returns the production strategy order: surface capture
// first, visible-viewport raster as fallback.
func DefaultStrategies() []Strategy {
	return []Strategy{SurfaceStrategy{}, ViewportStrategy{}}
}

// CaptureRaster runs strategies in order against the page. On total failure
// it returns an error aggregating every strategy's failure reason, and the
// name of no strategy; on success it returns the raster and the winning
// strategy's name.
func CaptureRaster(ctx context.Context, page *rod.Page, strategies []Strategy) (*overlay.Raster, string, error) {
	if len(strategies) == 0 {
		return nil, "", fmt.Errorf("browser: no capture strategies configured")
	}

	var failures []error
	for _, s := range strategies {
		raster, err := s.Try(ctx, page)
		if err == nil {
			return raster, s.Name(), nil
		}
		failures = append(failures, fmt.Errorf("%s: %w", s.Name(), err))
	}
	return nil, "", fmt.Errorf("browser: all capture strategies failed: %w", errors.Join(failures...))
}

// SurfaceStrategy captures from the display surface, the closest CDP analog
// of the interactive desktop-picker capture. It fails when the target has no
// visible surface (occluded or headless without compositing).
type SurfaceStrategy struct{}

func (SurfaceStrategy) Name() string { return "surface" }

func (SurfaceStrategy) Try(ctx context.Context, page *rod.Page) (*overlay.Raster, error) {
	data, err := page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format:      proto.PageCaptureScreenshotFormatPng,
		FromSurface: true,
	})
	if err != nil {
		return nil, fmt.Errorf("surface screenshot: %w", err)
	}
	return buildRaster(ctx, page, data)
}

// ViewportStrategy rasterises the visible tab contents without touching the
// display surface. This is the fallback: it works headless but misses
// anything composited outside the page (e.g. native video overlays).
type ViewportStrategy struct{}

func (ViewportStrategy) Name() string { return "viewport" }

func (ViewportStrategy) Try(ctx context.Context, page *rod.Page) (*overlay.Raster, error) {
	data, err := page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format:      proto.PageCaptureScreenshotFormatPng,
		FromSurface: false,
	})
	if err != nil {
		return nil, fmt.Errorf("viewport screenshot: %w", err)
	}
	return buildRaster(ctx, page, data)
}

// buildRaster pairs the screenshot bytes with its pixel and CSS dimensions.
func buildRaster(ctx context.Context, page *rod.Page, data []byte) (*overlay.Raster, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}

	metrics, err := proto.PageGetLayoutMetrics{}.Call(page.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("layout metrics: %w", err)
	}
	vp := metrics.CSSLayoutViewport
	if vp == nil || vp.ClientWidth <= 0 || vp.ClientHeight <= 0 {
		return nil, fmt.Errorf("no usable viewport metrics")
	}

	return &overlay.Raster{
		Data:           data,
		Width:          cfg.Width,
		Height:         cfg.Height,
		ViewportWidth:  vp.ClientWidth,
		ViewportHeight: vp.ClientHeight,
	}, nil
}
