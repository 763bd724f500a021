package store

import (
	"context"
	"time"
)

// Watch polls PRAGMA data_version on the database at the given interval and
// sends on the returned channel whenever the version changes, meaning any
// write occurred. data_version is auto-incremented by SQLite on every write,
// so no triggers are needed.
//
// This is the durable change feed popups rely on: a listener that did not
// exist when an event was broadcast still observes the state change on its
// next poll tick. The channel is closed when ctx is cancelled. Notifications
// are coalesced: a slow receiver sees at most one pending notification.
func (s *Store) Watch(ctx context.Context, interval time.Duration) <-chan struct{} {
	ch := make(chan struct{}, 1)

	go func() {
		defer close(ch)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var last int64
		if err := s.db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&last); err != nil {
			s.logger.Warn("store: initial data_version poll failed", "error", err)
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				var ver int64
				if err := s.db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&ver); err != nil {
					s.logger.Warn("store: data_version poll failed", "error", err)
					continue
				}
				if ver == last {
					continue
				}
				last = ver
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}
	}()

	return ch
}
