// Package retention purges soft-deleted uploads once their retention
// window lapses. Deletion through the API is a flag; this worker is
// what actually removes rows and staged files.
package retention

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/claimlens/claimlens/internal/log"
	"github.com/claimlens/claimlens/internal/store"
)

// minInterval floors the sweep cadence so a misconfigured interval
// cannot hammer the store.
const minInterval = 60 * time.Second

// Worker sweeps expired soft-deleted records on a timer.
type Worker struct {
	store      store.Store
	uploadsDir string
	days       int
	interval   time.Duration
	logger     log.Logger

	// wake forces an immediate sweep; capacity-1, never blocks.
	wake chan struct{}
}

// Options wires a Worker.
type Options struct {
	Store      store.Store
	UploadsDir string

	// RetentionDays is how long a soft-deleted record survives.
	RetentionDays int

	// CleanupInterval is the sweep cadence, floored at one minute.
	CleanupInterval time.Duration

	Logger log.Logger
}

// New builds a retention worker.
func New(opts Options) *Worker {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	interval := opts.CleanupInterval
	if interval < minInterval {
		interval = minInterval
	}
	return &Worker{
		store:      opts.Store,
		uploadsDir: opts.UploadsDir,
		days:       opts.RetentionDays,
		interval:   interval,
		logger:     logger.With("component", "retention"),
		wake:       make(chan struct{}, 1),
	}
}

// Wake requests an immediate sweep. Non-blocking.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run sweeps until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("retention worker started",
		"retention_days", w.days, "interval", w.interval)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("retention worker stopped")
			return
		case <-w.wake:
		case <-ticker.C:
		}
		w.Sweep(ctx)
	}
}

// SweepStats summarizes one purge pass.
type SweepStats struct {
	Scanned  int
	Eligible int
	Deleted  int
	Failed   int
}

// Sweep purges every record soft-deleted longer ago than the retention
// window. One failing record does not stop the pass.
func (w *Worker) Sweep(ctx context.Context) SweepStats {
	cutoff := time.Now().AddDate(0, 0, -w.days)

	var stats SweepStats
	expired, err := w.store.ListExpiredDeleted(ctx, cutoff)
	if err != nil {
		w.logger.Warn("retention listing failed", "error", err)
		return stats
	}
	stats.Scanned = len(expired)
	stats.Eligible = len(expired)

	for _, rec := range expired {
		if err := w.store.PermanentDelete(ctx, rec.UploadID); err != nil {
			stats.Failed++
			w.logger.Warn("retention purge failed",
				"upload_id", rec.UploadID, "error", err)
			continue
		}
		stats.Deleted++
		dir := filepath.Join(w.uploadsDir, rec.UploadID)
		if err := os.RemoveAll(dir); err != nil {
			w.logger.Warn("retention temp cleanup failed",
				"upload_id", rec.UploadID, "error", err)
		}
	}

	if stats.Scanned > 0 {
		w.logger.Info("retention sweep",
			"scanned", stats.Scanned, "eligible", stats.Eligible,
			"deleted", stats.Deleted, "failed", stats.Failed)
	}
	return stats
}
