package browser

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-rod/rod"
	"github.com/ysmood/gson"

	"github.com/adscope/adscope/overlay"
)

// overlayJS dims the page and forwards drag and Escape events through the
// exposed binding. The cleanup function tears everything down; it is also
// invoked defensively if the layer is injected twice.
const overlayJS = `() => {
	if (window.__adscopeOverlayCleanup) window.__adscopeOverlayCleanup();

	const layer = document.createElement('div');
	layer.id = '__adscope-overlay';
	layer.style.cssText =
		'position:fixed;inset:0;z-index:2147483647;cursor:crosshair;' +
		'background:rgba(0,0,0,0.35);';
	document.documentElement.appendChild(layer);

	const box = document.createElement('div');
	box.style.cssText =
		'position:fixed;border:2px dashed #fff;background:rgba(255,255,255,0.15);' +
		'display:none;pointer-events:none;';
	layer.appendChild(box);

	const emit = (type, e) =>
		window.__adscopeEmit({type, x: Math.round(e.clientX), y: Math.round(e.clientY)});

	let dragging = false, sx = 0, sy = 0;
	const down = (e) => {
		dragging = true; sx = e.clientX; sy = e.clientY;
		box.style.display = 'block';
		emit('down', e);
		e.preventDefault();
	};
	const move = (e) => {
		if (!dragging) return;
		box.style.left = Math.min(sx, e.clientX) + 'px';
		box.style.top = Math.min(sy, e.clientY) + 'px';
		box.style.width = Math.abs(e.clientX - sx) + 'px';
		box.style.height = Math.abs(e.clientY - sy) + 'px';
		emit('move', e);
	};
	const up = (e) => {
		if (!dragging) return;
		dragging = false;
		emit('up', e);
	};
	const key = (e) => {
		if (e.key === 'Escape') {
			window.__adscopeEmit({type: 'cancel', x: 0, y: 0});
		}
	};

	layer.addEventListener('mousedown', down);
	layer.addEventListener('mousemove', move);
	layer.addEventListener('mouseup', up);
	document.addEventListener('keydown', key, true);

	window.__adscopeOverlayCleanup = () => {
		document.removeEventListener('keydown', key, true);
		layer.remove();
		delete window.__adscopeOverlayCleanup;
	};
}`

const overlayCleanupJS = `() => {
	if (window.__adscopeOverlayCleanup) window.__adscopeOverlayCleanup();
}`

// ArmOverlay injects the selection layer into the page and wires its pointer
// events into the session. The returned release removes the layer and the
// binding; it is safe to call more than once and is also registered as the
// session's Release hook by the coordinator.
func ArmOverlay(ctx context.Context, page *rod.Page, session *overlay.Session, logger *slog.Logger) (func(), error) {
	if logger == nil {
		logger = slog.Default()
	}

	stop, err := page.Expose("__adscopeEmit", func(j gson.JSON) (interface{}, error) {
		x, y := j.Get("x").Int(), j.Get("y").Int()
		switch j.Get("type").Str() {
		case "down":
			session.PointerDown(x, y)
		case "move":
			session.PointerMove(x, y)
		case "up":
			session.PointerUp(x, y)
		case "cancel":
			session.Cancel()
		default:
			logger.Debug("browser: overlay emitted unknown event", "event", j.Get("type").Str())
		}
		return nil, nil
	})
	if err != nil {
		return nil, fmt.Errorf("browser: expose overlay binding: %w", err)
	}

	release := func() {
		if _, err := page.Eval(overlayCleanupJS); err != nil {
			logger.Debug("browser: overlay cleanup eval failed", "error", err)
		}
		if err := stop(); err != nil {
			logger.Debug("browser: overlay binding stop failed", "error", err)
		}
	}

	if _, err := page.Context(ctx).Eval(overlayJS); err != nil {
		release()
		return nil, fmt.Errorf("browser: inject overlay: %w", err)
	}
	return release, nil
}
