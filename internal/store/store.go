// Package store persists upload records and implements the durable job
// queue on top of them. The store is the queue: PENDING records with a
// queue position are the backlog, and claiming is an atomic status
// transition with a lease, so multiple worker processes coordinate
// through the database alone.
//
// Two implementations exist: Postgres for deployments and Memory for
// development and tests. Both satisfy the same conformance suite.
package store

import (
	"context"
	"time"

	"github.com/claimlens/claimlens/internal/model"
)

// maxErrorMessage bounds persisted failure messages.
const maxErrorMessage = 500

// DefaultListLimit applies when a filter does not set one.
const DefaultListLimit = 50

// MaxListLimit caps a single listing.
const MaxListLimit = 500

// StaleProcessingMessage is recorded on jobs failed by the reconciler
// for running unleased past the stale window.
const StaleProcessingMessage = "Recovered stale processing job after service restart"

// ListFilter narrows ListUploads. Zero values mean "no constraint".
type ListFilter struct {
	Status         string
	Hospital       string
	From           time.Time
	To             time.Time
	IncludeDeleted bool
	Limit          int
}

// EffectiveLimit clamps the limit into [1, MaxListLimit].
func (f ListFilter) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultListLimit
	case f.Limit > MaxListLimit:
		return MaxListLimit
	default:
		return f.Limit
	}
}

// Store is the state-store contract the pipeline, API and workers
// share. Every mutation bumps the record's UpdatedAt.
type Store interface {
	// CreateUploadRecord inserts exactly one record. When the record
	// carries an IngestionRequestID that an existing non-FAILED record
	// already holds, the existing record is returned with existing set
	// and nothing is written.
	CreateUploadRecord(ctx context.Context, rec *model.UploadRecord) (saved *model.UploadRecord, existing bool, err error)

	// GetUpload returns the record, soft-deleted or not. NotFound when
	// absent.
	GetUpload(ctx context.Context, uploadID string) (*model.UploadRecord, error)

	// ListUploads returns records ordered by UpdatedAt descending.
	ListUploads(ctx context.Context, filter ListFilter) ([]*model.UploadRecord, error)

	// EnqueueUploadJob moves the record to PENDING at the queue tail
	// and returns its position. Already-PENDING records keep their
	// position.
	EnqueueUploadJob(ctx context.Context, uploadID string) (int, error)

	// ClaimNextPendingJob atomically claims the PENDING record with
	// the lowest queue position, skipping soft-deleted records. The
	// claim sets PROCESSING, a lease of leaseTTL, and
	// ProcessingStartedAt. Returns nil when the queue is empty.
	ClaimNextPendingJob(ctx context.Context, leaseTTL time.Duration) (*model.UploadRecord, error)

	// ExtendLease refreshes a PROCESSING record's lease.
	ExtendLease(ctx context.Context, uploadID string, leaseTTL time.Duration) error

	// MarkProcessing is the direct-caller transition PENDING/FAILED →
	// PROCESSING. Calling it on a PROCESSING record is a no-op;
	// ProcessingStartedAt is set on the first call only.
	MarkProcessing(ctx context.Context, uploadID string) error

	// CompleteBill transitions to COMPLETED and persists the extracted
	// bill with artifact rows filtered out. Completing an already
	// COMPLETED record is a no-op.
	CompleteBill(ctx context.Context, uploadID string, bill *model.ExtractedBill) error

	// MarkFailed transitions to FAILED with a truncated message,
	// clearing the lease and queue position.
	MarkFailed(ctx context.Context, uploadID, message string) error

	// SetVerificationProcessing starts the verification sub-state.
	// Fails NotReady unless extraction is COMPLETED.
	SetVerificationProcessing(ctx context.Context, uploadID string) error

	// SaveVerificationResult persists the structured result and its
	// rendered text, completing the verification sub-state.
	SaveVerificationResult(ctx context.Context, uploadID string, result *model.VerificationResult, text string) error

	// SetVerificationFailed fails the verification sub-state.
	SetVerificationFailed(ctx context.Context, uploadID, message string) error

	// SaveLineItemEdits replaces the edits array. The extracted bill
	// is never mutated.
	SaveLineItemEdits(ctx context.Context, uploadID string, edits []model.LineItemEdit) error

	// SoftDelete flags the record deleted. Fails AlreadyDeleted on a
	// deleted record. A PENDING record leaves the queue.
	SoftDelete(ctx context.Context, uploadID, deletedBy string) error

	// Restore clears the deleted flag. Fails NotDeleted on a live
	// record. A PENDING record rejoins the queue at the tail.
	Restore(ctx context.Context, uploadID string) error

	// PermanentDelete removes the row. NotFound when absent. Temp-file
	// cleanup is the caller's responsibility.
	PermanentDelete(ctx context.Context, uploadID string) error

	// HardDelete removes the row regardless of state; absent rows are
	// not an error.
	HardDelete(ctx context.Context, uploadID string) error

	// RecomputePendingQueuePositions renumbers the PENDING queue
	// contiguously from 1, preserving order.
	RecomputePendingQueuePositions(ctx context.Context) error

	// ReconcileQueueState recovers the queue: PROCESSING records with
	// an expired lease return to PENDING at the tail; unleased
	// PROCESSING records older than staleAfter fail as stale.
	ReconcileQueueState(ctx context.Context, staleAfter time.Duration) (requeued, failedStale int, err error)

	// ListExpiredDeleted returns soft-deleted records whose DeletedAt
	// is at or before the cutoff, for the retention worker.
	ListExpiredDeleted(ctx context.Context, cutoff time.Time) ([]*model.UploadRecord, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// TruncateError bounds a failure message for persistence.
func TruncateError(message string) string {
	if len(message) <= maxErrorMessage {
		return message
	}
	return message[:maxErrorMessage]
}
