package coordinator

import (
	"context"
	"time"

	"github.com/adscope/adscope/record"
)

// CleanupInterval is how often retention is enforced.
const CleanupInterval = time.Hour

// RunCleanup enforces the capture retention limit until ctx is done. It runs
// once immediately, then on every interval tick. Failures are logged and the
// loop keeps going; the next tick retries.
func (c *Coordinator) RunCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = CleanupInterval
	}

	c.cleanupOnce(ctx)

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.cleanupOnce(ctx)
		}
	}
}

func (c *Coordinator) cleanupOnce(ctx context.Context) {
	removed, err := c.cfg.Store.EvictOldCaptures(ctx, record.RetentionLimit)
	if err != nil {
		c.cfg.Logger.Warn("coordinator: retention sweep failed", "error", err)
		return
	}
	if removed > 0 {
		c.cfg.Logger.Info("coordinator: retention sweep", "removed", removed,
			"keep", record.RetentionLimit)
	}
}
