// Package model defines the types shared across the claimlens core: the
// upload record and its lifecycle, extracted bills, rate sheets, and
// verification results. Everything here is plain data; behavior lives in
// the packages that operate on it.
package model

import "time"

// Upload lifecycle status values.
const (
	StatusPending    = "PENDING"    // Accepted and queued, not yet claimed
	StatusProcessing = "PROCESSING" // Claimed by a worker, extraction running
	StatusCompleted  = "COMPLETED"  // Extracted bill persisted
	StatusFailed     = "FAILED"     // A pipeline step failed; see ErrorMessage
)

// validStatuses is the set of allowed status values.
var validStatuses = map[string]bool{
	StatusPending:    true,
	StatusProcessing: true,
	StatusCompleted:  true,
	StatusFailed:     true,
}

// ValidStatus reports whether s is a known lifecycle status.
func ValidStatus(s string) bool { return validStatuses[s] }

// Verification sub-state values. Verification runs after extraction and
// has its own lifecycle on the same record.
const (
	VerificationNone       = "NONE"
	VerificationProcessing = "PROCESSING"
	VerificationCompleted  = "COMPLETED"
	VerificationFailed     = "FAILED"
)

// CanTransition reports whether the lifecycle permits moving from one
// status to another. Forward-only, except that reconcile may return an
// expired PROCESSING claim to PENDING and a FAILED record may be
// reprocessed.
func CanTransition(from, to string) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusFailed
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed || to == StatusPending
	case StatusFailed:
		return to == StatusProcessing || to == StatusPending
	case StatusCompleted:
		return false
	default:
		return false
	}
}

// UploadRecord is one document per submitted PDF, keyed by UploadID.
type UploadRecord struct {
	// UploadID is a random 128-bit hex string, immutable once written.
	UploadID string `json:"upload_id"`

	// IngestionRequestID enables idempotent retries: a duplicate of an
	// existing non-failed record returns that record instead of
	// creating a new one. Empty means no idempotency key was supplied.
	IngestionRequestID string `json:"ingestion_request_id,omitempty"`

	// EmployeeID is exactly 8 decimal digits.
	EmployeeID string `json:"employee_id"`

	// HospitalName is the caller-asserted hospital, matched against the
	// catalog during verification.
	HospitalName string `json:"hospital_name"`

	// InvoiceDate is an optional ISO date. Supplied by the caller or
	// promoted from the extracted bill header when absent.
	InvoiceDate string `json:"invoice_date,omitempty"`

	OriginalFilename string `json:"original_filename"`
	FileSizeBytes    int64  `json:"file_size_bytes"`
	PageCount        int    `json:"page_count,omitempty"`

	// Status tracks extraction lifecycle. See Status* constants.
	Status string `json:"status"`

	// VerificationStatus tracks the verification sub-state.
	VerificationStatus string `json:"verification_status"`

	// QueuePosition orders PENDING records; 0 means not queued.
	QueuePosition int `json:"queue_position,omitempty"`

	// QueueLeaseExpiresAt bounds a worker's claim. Nil means no active
	// lease; reconcile returns expired claims to the queue.
	QueueLeaseExpiresAt *time.Time `json:"queue_lease_expires_at,omitempty"`

	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	ErrorMessage        string     `json:"error_message,omitempty"`

	// Soft-delete. Deleted records vanish from listings and are purged
	// by the retention worker after the retention window.
	IsDeleted bool       `json:"is_deleted"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	DeletedBy string     `json:"deleted_by,omitempty"`

	// Extracted is set when Status reaches COMPLETED.
	Extracted *ExtractedBill `json:"extracted_bill,omitempty"`

	// Result and ResultText are set when verification completes.
	Result     *VerificationResult `json:"verification_result,omitempty"`
	ResultText string              `json:"result_text,omitempty"`

	// Edits holds manual line-item corrections; they never mutate
	// Extracted.
	Edits []LineItemEdit `json:"line_item_edits,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Processing stages derived for status reporting. Unlike Status, a
// stage is never stored; it is computed from the record.
const (
	StageQueued       = "QUEUED"
	StageExtract      = "EXTRACT"
	StageVerify       = "VERIFY"
	StageFormatResult = "FORMAT_RESULT"
	StageDone         = "DONE"
	StageFailed       = "FAILED"
)

// DetailsReady reports whether the record can serve a full details
// fetch: extraction and verification both complete, rendered text
// present.
func (r *UploadRecord) DetailsReady() bool {
	return r.Status == StatusCompleted &&
		r.VerificationStatus == VerificationCompleted &&
		r.ResultText != ""
}

// Stage derives the reporting stage from the record's state.
func (r *UploadRecord) Stage() string {
	switch r.Status {
	case StatusPending:
		return StageQueued
	case StatusProcessing:
		return StageExtract
	case StatusFailed:
		return StageFailed
	case StatusCompleted:
		switch r.VerificationStatus {
		case VerificationCompleted:
			if r.ResultText == "" {
				return StageFormatResult
			}
			return StageDone
		case VerificationFailed:
			return StageFailed
		default:
			return StageVerify
		}
	default:
		return StageQueued
	}
}

// ReportedStatus is the status shown to callers. A record whose
// extraction finished but whose details are not yet servable reads as
// PROCESSING so clients keep polling.
func (r *UploadRecord) ReportedStatus() string {
	switch r.Status {
	case StatusPending, StatusFailed:
		return r.Status
	case StatusCompleted:
		if r.VerificationStatus == VerificationFailed {
			return StatusFailed
		}
		if r.DetailsReady() {
			return StatusCompleted
		}
		return StatusProcessing
	default:
		return StatusProcessing
	}
}
