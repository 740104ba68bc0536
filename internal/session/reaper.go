package session

import (
	"context"
	"log/slog"
	"time"
)

const defaultReapInterval = time.Minute

// StartReaper runs a background goroutine that periodically removes failed
// sessions and, when idleTimeout is positive, sessions stuck before READY.
func StartReaper(ctx context.Context, reg *Registry, interval, idleTimeout time.Duration) {
	if interval <= 0 {
		interval = defaultReapInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Session reaper started", "interval", interval, "idle_timeout", idleTimeout)

		for {
			select {
			case now := <-ticker.C:
				reap(reg, now, idleTimeout)
			case <-ctx.Done():
				slog.Info("Session reaper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func reap(reg *Registry, now time.Time, idleTimeout time.Duration) []string {
	removed := reg.Sweep(now, idleTimeout)
	if len(removed) > 0 {
		slog.Info("Session reaper removed sessions", "count", len(removed), "session_ids", removed)
	}
	return removed
}
