package store

import (
	"context"
	"log/slog"
	"time"
)

// Pruner is the subset of Repository used by the retention worker.
type Pruner interface {
	PruneBatches(ctx context.Context, retention time.Duration) (int64, error)
}

// StartRetentionWorker deletes batch records older than retention on every tick.
// A non-positive retention disables the worker.
func StartRetentionWorker(ctx context.Context, repo Pruner, interval, retention time.Duration) {
	if retention <= 0 {
		slog.Info("Batch retention disabled")
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		slog.Info("Batch retention worker started", "interval", interval, "retention", retention)
		for {
			select {
			case <-ctx.Done():
				slog.Info("Batch retention worker stopped")
				return
			case <-ticker.C:
				prune(ctx, repo, retention)
			}
		}
	}()
}

func prune(ctx context.Context, repo Pruner, retention time.Duration) {
	deleted, err := repo.PruneBatches(ctx, retention)
	if err != nil {
		slog.Error("Failed to prune batch records", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("Pruned batch records", "count", deleted)
	}
}
