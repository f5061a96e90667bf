package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/file-converter/internal/storage"
)

// runSweeper periodically fails jobs stuck in PROCESSING, e.g. after a crash
func (w *Worker) runSweeper(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()

	w.sweep(ctx)
	for {
		select {
		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

// sweep fails jobs whose heartbeat stopped. Without a message source the in-memory queue is the
// only place a claimed job waits, so jobs claimed before this worker existed were lost with the
// previous process.
func (w *Worker) sweep(ctx context.Context) int {
	q := storage.StaleQuery{After: w.staleAfter}
	if w.source == nil {
		q.ClaimedBefore = w.createdAt
	}

	ids, err := w.storage.FailStaleJobs(ctx, q, StaleDetail)
	if err != nil {
		w.logger.Error("Stale job sweep failed", slog.Any("error", err))
	}
	if len(ids) > 0 {
		w.logger.Warn("Failed stale jobs",
			slog.Int("count", len(ids)),
			slog.Any("job_ids", ids),
			slog.Duration("stale_after", w.staleAfter),
		)
	}
	return len(ids)
}
