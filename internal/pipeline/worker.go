package pipeline

import (
	"context"
	"os"
	"time"

	"github.com/claimlens/claimlens/internal/apperr"
	"github.com/claimlens/claimlens/internal/extract"
	"github.com/claimlens/claimlens/internal/model"
	"github.com/claimlens/claimlens/internal/ocr"
)

// RunWorker drains the queue until ctx is cancelled. One job is in
// flight at a time; cross-process safety comes from the store's atomic
// claim, not from this loop.
func (p *Pipeline) RunWorker(ctx context.Context) {
	p.logger.Info("worker started",
		"lease_ttl", p.leaseTTL, "reconcile_interval", p.reconcileInterval)

	ticker := time.NewTicker(p.reconcileInterval)
	defer ticker.Stop()

	p.reconcile(ctx)
	for {
		worked := p.processNext(ctx)
		if ctx.Err() != nil {
			p.logger.Info("worker stopped")
			return
		}
		if worked {
			// Drain without waiting while jobs remain.
			continue
		}
		select {
		case <-ctx.Done():
			p.logger.Info("worker stopped")
			return
		case <-p.wake:
		case <-ticker.C:
			p.reconcile(ctx)
		}
	}
}

// reconcile requeues expired claims and fails stale orphans. Errors
// are logged and swallowed; the loop must keep going.
func (p *Pipeline) reconcile(ctx context.Context) {
	requeued, failedStale, err := p.store.ReconcileQueueState(ctx, p.staleAfter)
	if err != nil {
		p.logger.Warn("queue reconcile failed", "error", err)
		return
	}
	if requeued > 0 || failedStale > 0 {
		p.logger.Info("queue reconciled", "requeued", requeued, "failed_stale", failedStale)
	}
}

// processNext claims and processes one job. Returns false when the
// queue was empty or the claim failed.
func (p *Pipeline) processNext(ctx context.Context) bool {
	rec, err := p.store.ClaimNextPendingJob(ctx, p.leaseTTL)
	if err != nil {
		p.logger.Warn("claim failed", "error", err)
		return false
	}
	if rec == nil {
		return false
	}

	logger := p.logger.With("upload_id", rec.UploadID)
	logger.Info("processing upload", "hospital", rec.HospitalName)

	start := time.Now()
	if err := p.process(ctx, rec); err != nil {
		logger.Error("processing failed", "error", err, "elapsed", time.Since(start))
		if markErr := p.store.MarkFailed(ctx, rec.UploadID, err.Error()); markErr != nil {
			logger.Error("mark failed errored", "error", markErr)
		}
	} else {
		logger.Info("processing complete", "elapsed", time.Since(start))
	}
	return true
}

// process drives one claimed job through OCR, extraction, and
// verification. The staging dir is removed on both paths.
func (p *Pipeline) process(ctx context.Context, rec *model.UploadRecord) error {
	defer func() {
		if err := os.RemoveAll(p.StagingDir(rec.UploadID)); err != nil {
			p.logger.Warn("staging cleanup failed", "upload_id", rec.UploadID, "error", err)
		}
	}()

	pages, err := p.engine.ExtractPages(ctx, p.stagedPDF(rec.UploadID))
	if err != nil {
		return err
	}
	if ocr.AllPagesEmpty(pages) {
		return apperr.Newf(apperr.CodeOcrFailure, "pipeline.process",
			"ocr produced no text on any of %d pages", len(pages))
	}

	bill := extract.Bill(pages)
	if err := p.store.CompleteBill(ctx, rec.UploadID, bill); err != nil {
		return err
	}
	p.heartbeat(ctx, rec.UploadID)

	if err := p.store.SetVerificationProcessing(ctx, rec.UploadID); err != nil {
		return err
	}
	p.heartbeat(ctx, rec.UploadID)

	// Verify what was persisted: CompleteBill filters artifacts, and
	// the verifier must see the same bill later reads will.
	saved, err := p.store.GetUpload(ctx, rec.UploadID)
	if err != nil {
		return err
	}
	return p.verifyAndSave(ctx, saved, saved.Extracted)
}

// heartbeat extends the claim lease between stages so a slow
// (but live) job is not requeued under the worker.
func (p *Pipeline) heartbeat(ctx context.Context, uploadID string) {
	if err := p.store.ExtendLease(ctx, uploadID, p.leaseTTL); err != nil {
		p.logger.Warn("lease extension failed", "upload_id", uploadID, "error", err)
	}
}
