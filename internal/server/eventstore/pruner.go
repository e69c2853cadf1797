package eventstore

import (
	"context"
	"log/slog"
	"time"
)

// RunPruner deletes events older than the retention window on a fixed
// interval until ctx is cancelled. A retention of 0 disables pruning.
func RunPruner(ctx context.Context, store *Store, interval, retention time.Duration) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)
			n, err := store.PruneBefore(ctx, cutoff)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("event retention prune failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("pruned old events", "count", n, "cutoff", cutoff)
			}
		}
	}
}
