package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/claimlens/claimlens/internal/apperr"
	"github.com/claimlens/claimlens/internal/log"
	"github.com/claimlens/claimlens/internal/model"
	"github.com/claimlens/claimlens/internal/normalize"
)

// queueLockID keys the advisory lock that serializes queue-position
// assignment across processes.
const queueLockID = 0x636c6c71 // "cllq"

const uniqueViolation = "23505"

// Postgres is the durable Store. The upload_records table holds both
// the record and its queue state; workers claim jobs with
// FOR UPDATE SKIP LOCKED so multiple workers never double-claim.
type Postgres struct {
	pool   *pgxpool.Pool
	logger log.Logger
}

// NewPostgres connects to databaseURL and verifies the connection.
func NewPostgres(ctx context.Context, databaseURL string, logger log.Logger) (*Postgres, error) {
	if logger == nil {
		logger = log.Default()
	}
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, apperr.WrapOp(apperr.CodeStoreUnavailable, "store.connect", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, apperr.WrapOp(apperr.CodeStoreUnavailable, "store.connect", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, apperr.WrapOp(apperr.CodeStoreUnavailable, "store.connect", err)
	}
	return &Postgres{pool: pool, logger: logger.With("component", "store")}, nil
}

const recordColumns = `upload_id, ingestion_request_id, employee_id, hospital_name,
	invoice_date, original_filename, file_size_bytes, page_count,
	status, verification_status, queue_position, queue_lease_expires_at,
	processing_started_at, completed_at, error_message,
	is_deleted, deleted_at, deleted_by,
	extracted_bill, verification_result, result_text, line_item_edits,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*model.UploadRecord, error) {
	var (
		r          model.UploadRecord
		billJSON   []byte
		resultJSON []byte
		editsJSON  []byte
	)
	err := row.Scan(
		&r.UploadID, &r.IngestionRequestID, &r.EmployeeID, &r.HospitalName,
		&r.InvoiceDate, &r.OriginalFilename, &r.FileSizeBytes, &r.PageCount,
		&r.Status, &r.VerificationStatus, &r.QueuePosition, &r.QueueLeaseExpiresAt,
		&r.ProcessingStartedAt, &r.CompletedAt, &r.ErrorMessage,
		&r.IsDeleted, &r.DeletedAt, &r.DeletedBy,
		&billJSON, &resultJSON, &r.ResultText, &editsJSON,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(billJSON) > 0 {
		if err := json.Unmarshal(billJSON, &r.Extracted); err != nil {
			return nil, fmt.Errorf("decode extracted bill: %w", err)
		}
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &r.Result); err != nil {
			return nil, fmt.Errorf("decode verification result: %w", err)
		}
	}
	if len(editsJSON) > 0 {
		if err := json.Unmarshal(editsJSON, &r.Edits); err != nil {
			return nil, fmt.Errorf("decode edits: %w", err)
		}
	}
	return &r, nil
}

func marshalJSONB(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// CreateUploadRecord implements Store. Duplicate detection uses a
// partial unique index on ingestion_request_id that excludes FAILED
// rows; a concurrent duplicate insert surfaces as a unique violation
// and resolves to the winning row.
func (p *Postgres) CreateUploadRecord(ctx context.Context, rec *model.UploadRecord) (*model.UploadRecord, bool, error) {
	const op = "store.create_upload_record"

	if rec.IngestionRequestID != "" {
		existing, err := p.liveByIngestionID(ctx, rec.IngestionRequestID)
		if err != nil {
			return nil, false, apperr.WrapOp(apperr.CodeStoreUnavailable, op, err)
		}
		if existing != nil {
			return existing, true, nil
		}
	}

	saved := *rec
	if saved.UploadID == "" {
		saved.UploadID = model.NewUploadID()
	}
	now := time.Now().UTC()
	saved.CreatedAt = now
	saved.UpdatedAt = now
	if saved.Status == "" {
		saved.Status = model.StatusPending
	}
	if saved.VerificationStatus == "" {
		saved.VerificationStatus = model.VerificationNone
	}

	_, err := p.pool.Exec(ctx, `
		INSERT INTO upload_records (
			upload_id, ingestion_request_id, employee_id, hospital_name,
			invoice_date, original_filename, file_size_bytes,
			status, verification_status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`,
		saved.UploadID, saved.IngestionRequestID, saved.EmployeeID, saved.HospitalName,
		saved.InvoiceDate, saved.OriginalFilename, saved.FileSizeBytes,
		saved.Status, saved.VerificationStatus, now,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && rec.IngestionRequestID != "" {
			existing, serr := p.liveByIngestionID(ctx, rec.IngestionRequestID)
			if serr == nil && existing != nil {
				return existing, true, nil
			}
		}
		return nil, false, apperr.WrapOp(apperr.CodeStoreUnavailable, op, err)
	}
	return &saved, false, nil
}

func (p *Postgres) liveByIngestionID(ctx context.Context, ingestionID string) (*model.UploadRecord, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT `+recordColumns+` FROM upload_records
		WHERE ingestion_request_id = $1 AND status <> 'FAILED'`,
		ingestionID,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// GetUpload implements Store.
func (p *Postgres) GetUpload(ctx context.Context, uploadID string) (*model.UploadRecord, error) {
	const op = "store.get_upload"
	row := p.pool.QueryRow(ctx, `
		SELECT `+recordColumns+` FROM upload_records WHERE upload_id = $1`,
		uploadID,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.Newf(apperr.CodeNotFound, op, "upload %s not found", uploadID)
	}
	if err != nil {
		return nil, apperr.WrapOp(apperr.CodeStoreUnavailable, op, err)
	}
	return rec, nil
}

// ListUploads implements Store.
func (p *Postgres) ListUploads(ctx context.Context, filter ListFilter) ([]*model.UploadRecord, error) {
	const op = "store.list_uploads"

	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if !filter.IncludeDeleted {
		where = append(where, "NOT is_deleted")
	}
	if filter.Status != "" {
		where = append(where, "status = "+arg(filter.Status))
	}
	if !filter.From.IsZero() {
		where = append(where, "created_at >= "+arg(filter.From))
	}
	if !filter.To.IsZero() {
		where = append(where, "created_at <= "+arg(filter.To))
	}

	query := `SELECT ` + recordColumns + ` FROM upload_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC, upload_id"

	// Hospital names match on normalized form, which the database
	// cannot compute; filter in Go and cap afterwards.
	hospitalKey := ""
	if filter.Hospital != "" {
		hospitalKey = normalize.Key(filter.Hospital)
	} else {
		query += " LIMIT " + arg(filter.EffectiveLimit())
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apperr.WrapOp(apperr.CodeStoreUnavailable, op, err)
	}
	defer rows.Close()

	limit := filter.EffectiveLimit()
	var out []*model.UploadRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, apperr.WrapOp(apperr.CodeStoreUnavailable, op, err)
		}
		if hospitalKey != "" && normalize.Key(rec.HospitalName) != hospitalKey {
			continue
		}
		out = append(out, rec)
		if len(out) >= limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.WrapOp(apperr.CodeStoreUnavailable, op, err)
	}
	return out, nil
}

// EnqueueUploadJob implements Store. An advisory lock serializes
// position assignment so concurrent submissions never share a slot.
func (p *Postgres) EnqueueUploadJob(ctx context.Context, uploadID string) (int, error) {
	const op = "store.enqueue_upload_job"

	var position int
	err := p.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", queueLockID); err != nil {
			return err
		}
		var status string
		var current int
		err := tx.QueryRow(ctx,
			"SELECT status, queue_position FROM upload_records WHERE upload_id = $1 FOR UPDATE",
			uploadID,
		).Scan(&status, &current)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.Newf(apperr.CodeNotFound, op, "upload %s not found", uploadID)
		}
		if err != nil {
			return err
		}
		if status == model.StatusPending && current > 0 {
			position = current
			return nil
		}
		err = tx.QueryRow(ctx, `
			UPDATE upload_records SET
				status = 'PENDING',
				queue_position = (
					SELECT COALESCE(MAX(queue_position), 0) + 1
					FROM upload_records WHERE status = 'PENDING'
				),
				queue_lease_expires_at = NULL,
				error_message = '',
				updated_at = now()
			WHERE upload_id = $1
			RETURNING queue_position`,
			uploadID,
		).Scan(&position)
		return err
	})
	if err != nil {
		if apperr.IsCode(err, apperr.CodeNotFound) {
			return 0, err
		}
		return 0, apperr.WrapOp(apperr.CodeStoreUnavailable, op, err)
	}
	return position, nil
}

// ClaimNextPendingJob implements Store. SKIP LOCKED keeps concurrent
// workers from blocking on or double-claiming the same row; records
// requeued with position 0 sort after positioned ones.
func (p *Postgres) ClaimNextPendingJob(ctx context.Context, leaseTTL time.Duration) (*model.UploadRecord, error) {
	const op = "store.claim_next_pending_job"

	var claimed *model.UploadRecord
	err := p.inTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			WITH next AS (
				SELECT upload_id FROM upload_records
				WHERE status = 'PENDING' AND NOT is_deleted
				  AND (queue_lease_expires_at IS NULL OR queue_lease_expires_at <= now())
				ORDER BY (queue_position = 0), queue_position, updated_at
				LIMIT 1
				FOR UPDATE SKIP LOCKED
			)
			UPDATE upload_records r SET
				status = 'PROCESSING',
				queue_lease_expires_at = now() + make_interval(secs => $1),
				processing_started_at = now(),
				queue_position = 0,
				updated_at = now()
			FROM next WHERE r.upload_id = next.upload_id
			RETURNING `+recordColumns,
			leaseTTL.Seconds(),
		)
		rec, err := scanRecord(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		claimed = rec
		return renumberTx(ctx, tx)
	})
	if err != nil {
		return nil, apperr.WrapOp(apperr.CodeStoreUnavailable, op, err)
	}
	return claimed, nil
}

// renumberTx reassigns contiguous 1-based positions to live PENDING
// records. Requeued rows (position 0) land at the tail in update order.
func renumberTx(ctx context.Context, tx pgx.Tx) error {
	_, err := tx.Exec(ctx, `
		WITH ordered AS (
			SELECT upload_id, ROW_NUMBER() OVER (
				ORDER BY (queue_position = 0), queue_position, updated_at
			) AS pos
			FROM upload_records
			WHERE status = 'PENDING' AND NOT is_deleted
		)
		UPDATE upload_records r SET queue_position = ordered.pos
		FROM ordered
		WHERE r.upload_id = ordered.upload_id AND r.queue_position <> ordered.pos`)
	return err
}

// ExtendLease implements Store.
func (p *Postgres) ExtendLease(ctx context.Context, uploadID string, leaseTTL time.Duration) error {
	const op = "store.extend_lease"
	_, err := p.pool.Exec(ctx, `
		UPDATE upload_records SET
			queue_lease_expires_at = now() + make_interval(secs => $2),
			updated_at = now()
		WHERE upload_id = $1 AND status = 'PROCESSING'`,
		uploadID, leaseTTL.Seconds(),
	)
	if err != nil {
		return apperr.WrapOp(apperr.CodeStoreUnavailable, op, err)
	}
	return nil
}

// MarkProcessing implements Store.
func (p *Postgres) MarkProcessing(ctx context.Context, uploadID string) error {
	const op = "store.mark_processing"
	return p.inTx(ctx, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx,
			"SELECT status FROM upload_records WHERE upload_id = $1 FOR UPDATE",
			uploadID,
		).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.Newf(apperr.CodeNotFound, op, "upload %s not found", uploadID)
		}
		if err != nil {
			return apperr.WrapOp(apperr.CodeStoreUnavailable, op, err)
		}
		switch status {
		case model.StatusProcessing:
			return nil
		case model.StatusPending, model.StatusFailed:
		default:
			return apperr.Newf(apperr.CodeNotReady, op,
				"upload %s is %s, cannot reprocess", uploadID, status)
		}
		_, err = tx.Exec(ctx, `
			UPDATE upload_records SET
				status = 'PROCESSING',
				processing_started_at = COALESCE(processing_started_at, now()),
				queue_position = 0,
				error_message = '',
				updated_at = now()
			WHERE upload_id = $1`,
			uploadID,
		)
		if err != nil {
			return apperr.WrapOp(apperr.CodeStoreUnavailable, op, err)
		}
		return renumberTx(ctx, tx)
	})
}

// CompleteBill implements Store.
func (p *Postgres) CompleteBill(ctx context.Context, uploadID string, bill *model.ExtractedBill) error {
	const op = "store.complete_bill"

	filtered, removed := FilterArtifacts(bill)
	if removed > 0 {
		p.logger.Info("filtered artifact rows before persistence",
			"upload_id", uploadID, "removed", removed)
	}
	if residual := CountResidualArtifacts(filtered); residual > 0 {
		p.logger.Warn("residual artifact-like rows persisted",
			"upload_id", uploadID, "rows", residual)
	}
	billJSON, err := marshalJSONB(filtered)
	if err != nil {
		return apperr.WrapOp(apperr.CodeInternal, op, err)
	}
	pages := pageCount(filtered, 0)

	return p.inTx(ctx, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx,
			"SELECT status FROM upload_records WHERE upload_id = $1 FOR UPDATE",
			uploadID,
		).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.Newf(apperr.CodeNotFound, op, "upload %s not found", uploadID)
		}
		if err != nil {
			return apperr.WrapOp(apperr.CodeStoreUnavailable, op, err)
		}
		if status == model.StatusCompleted {
			return nil
		}
		if !model.CanTransition(status, model.StatusCompleted) {
			return apperr.Newf(apperr.CodeNotReady, op,
				"upload %s is %s, cannot complete", uploadID, status)
		}
		_, err = tx.Exec(ctx, `
			UPDATE upload_records SET
				status = 'COMPLETED',
				extracted_bill = $2,
				page_count = GREATEST(page_count, $3),
				invoice_date = CASE WHEN invoice_date = '' THEN $4 ELSE invoice_date END,
				completed_at = now(),
				queue_lease_expires_at = NULL,
				queue_position = 0,
				error_message = '',
				updated_at = now()
			WHERE upload_id = $1`,
			uploadID, billJSON, pages, filtered.Header.BillingDate,
		)
		if err != nil {
			return apperr.WrapOp(apperr.CodeStoreUnavailable, op, err)
		}
		return nil
	})
}

// MarkFailed implements Store.
func (p *Postgres) MarkFailed(ctx context.Context, uploadID, message string) error {
	const op = "store.mark_failed"
	return p.inTx(ctx, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx,
			"SELECT status FROM upload_records WHERE upload_id = $1 FOR UPDATE",
			uploadID,
		).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.Newf(apperr.CodeNotFound, op, "upload %s not found", uploadID)
		}
		if err != nil {
			return apperr.WrapOp(apperr.CodeStoreUnavailable, op, err)
		}
		if status == model.StatusFailed {
			return nil
		}
		if !model.CanTransition(status, model.StatusFailed) {
			// A completed bill keeps its result; the late failure from
			// a racing worker is dropped.
			p.logger.Warn("ignoring failure for settled upload",
				"upload_id", uploadID, "status", status)
			return nil
		}

		if _, err := tx.Exec(ctx, `
			UPDATE upload_records SET
				status = 'FAILED',
				error_message = $2,
				completed_at = now(),
				queue_lease_expires_at = NULL,
				queue_position = 0,
				updated_at = now()
			WHERE upload_id = $1`,
			uploadID, TruncateError(message),
		); err != nil {
			return apperr.WrapOp(apperr.CodeStoreUnavailable, op, err)
		}
		return renumberTx(ctx, tx)
	})
}

// SetVerificationProcessing implements Store.
func (p *Postgres) SetVerificationProcessing(ctx context.Context, uploadID string) error {
	const op = "store.set_verification_processing"
	tag, err := p.pool.Exec(ctx, `
		UPDATE upload_records SET
			verification_status = 'PROCESSING',
			updated_at = now()
		WHERE upload_id = $1 AND status = 'COMPLETED' AND extracted_bill IS NOT NULL`,
		uploadID,
	)
	if err != nil {
		return apperr.WrapOp(apperr.CodeStoreUnavailable, op, err)
	}
	if tag.RowsAffected() == 0 {
		return p.notReadyOrMissing(ctx, op, uploadID, "has no extracted bill")
	}
	return nil
}

// SaveVerificationResult implements Store.
func (p *Postgres) SaveVerificationResult(ctx context.Context, uploadID string, result *model.VerificationResult, text string) error {
	const op = "store.save_verification_result"
	resultJSON, err := marshalJSONB(result)
	if err != nil {
		return apperr.WrapOp(apperr.CodeInternal, op, err)
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE upload_records SET
			verification_result = $2,
			result_text = $3,
			verification_status = 'COMPLETED',
			updated_at = now()
		WHERE upload_id = $1 AND extracted_bill IS NOT NULL`,
		uploadID, resultJSON, text,
	)
	if err != nil {
		return apperr.WrapOp(apperr.CodeStoreUnavailable, op, err)
	}
	if tag.RowsAffected() == 0 {
		return p.notReadyOrMissing(ctx, op, uploadID, "has no extracted bill")
	}
	return nil
}

// SetVerificationFailed implements Store.
func (p *Postgres) SetVerificationFailed(ctx context.Context, uploadID, message string) error {
	const op = "store.set_verification_failed"
	tag, err := p.pool.Exec(ctx, `
		UPDATE upload_records SET
			verification_status = 'FAILED',
			error_message = $2,
			updated_at = now()
		WHERE upload_id = $1`,
		uploadID, TruncateError(message),
	)
	if err != nil {
		return apperr.WrapOp(apperr.CodeStoreUnavailable, op, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Newf(apperr.CodeNotFound, op, "upload %s not found", uploadID)
	}
	return nil
}

// SaveLineItemEdits implements Store.
func (p *Postgres) SaveLineItemEdits(ctx context.Context, uploadID string, edits []model.LineItemEdit) error {
	const op = "store.save_line_item_edits"
	editsJSON, err := marshalJSONB(edits)
	if err != nil {
		return apperr.WrapOp(apperr.CodeInternal, op, err)
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE upload_records SET
			line_item_edits = $2,
			updated_at = now()
		WHERE upload_id = $1`,
		uploadID, editsJSON,
	)
	if err != nil {
		return apperr.WrapOp(apperr.CodeStoreUnavailable, op, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Newf(apperr.CodeNotFound, op, "upload %s not found", uploadID)
	}
	return nil
}

// SoftDelete implements Store.
func (p *Postgres) SoftDelete(ctx context.Context, uploadID, deletedBy string) error {
	const op = "store.soft_delete"
	return p.inTx(ctx, func(tx pgx.Tx) error {
		var deleted bool
		err := tx.QueryRow(ctx,
			"SELECT is_deleted FROM upload_records WHERE upload_id = $1 FOR UPDATE",
			uploadID,
		).Scan(&deleted)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.Newf(apperr.CodeNotFound, op, "upload %s not found", uploadID)
		}
		if err != nil {
			return apperr.WrapOp(apperr.CodeStoreUnavailable, op, err)
		}
		if deleted {
			return apperr.Newf(apperr.CodeAlreadyDeleted, op,
				"upload %s is already deleted", uploadID)
		}
		_, err = tx.Exec(ctx, `
			UPDATE upload_records SET
				is_deleted = TRUE,
				deleted_at = now(),
				deleted_by = $2,
				queue_position = 0,
				updated_at = now()
			WHERE upload_id = $1`,
			uploadID, deletedBy,
		)
		if err != nil {
			return apperr.WrapOp(apperr.CodeStoreUnavailable, op, err)
		}
		return renumberTx(ctx, tx)
	})
}

// Restore implements Store.
func (p *Postgres) Restore(ctx context.Context, uploadID string) error {
	const op = "store.restore"
	return p.inTx(ctx, func(tx pgx.Tx) error {
		var deleted bool
		err := tx.QueryRow(ctx,
			"SELECT is_deleted FROM upload_records WHERE upload_id = $1 FOR UPDATE",
			uploadID,
		).Scan(&deleted)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.Newf(apperr.CodeNotFound, op, "upload %s not found", uploadID)
		}
		if err != nil {
			return apperr.WrapOp(apperr.CodeStoreUnavailable, op, err)
		}
		if !deleted {
			return apperr.Newf(apperr.CodeNotDeleted, op,
				"upload %s is not deleted", uploadID)
		}
		_, err = tx.Exec(ctx, `
			UPDATE upload_records SET
				is_deleted = FALSE,
				deleted_at = NULL,
				deleted_by = '',
				queue_position = 0,
				updated_at = now()
			WHERE upload_id = $1`,
			uploadID,
		)
		if err != nil {
			return apperr.WrapOp(apperr.CodeStoreUnavailable, op, err)
		}
		return renumberTx(ctx, tx)
	})
}

// PermanentDelete implements Store.
func (p *Postgres) PermanentDelete(ctx context.Context, uploadID string) error {
	const op = "store.permanent_delete"
	tag, err := p.pool.Exec(ctx,
		"DELETE FROM upload_records WHERE upload_id = $1", uploadID)
	if err != nil {
		return apperr.WrapOp(apperr.CodeStoreUnavailable, op, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Newf(apperr.CodeNotFound, op, "upload %s not found", uploadID)
	}
	return nil
}

// HardDelete implements Store.
func (p *Postgres) HardDelete(ctx context.Context, uploadID string) error {
	const op = "store.hard_delete"
	_, err := p.pool.Exec(ctx,
		"DELETE FROM upload_records WHERE upload_id = $1", uploadID)
	if err != nil {
		return apperr.WrapOp(apperr.CodeStoreUnavailable, op, err)
	}
	return nil
}

// RecomputePendingQueuePositions implements Store.
func (p *Postgres) RecomputePendingQueuePositions(ctx context.Context) error {
	const op = "store.recompute_queue_positions"
	err := p.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", queueLockID); err != nil {
			return err
		}
		return renumberTx(ctx, tx)
	})
	if err != nil {
		return apperr.WrapOp(apperr.CodeStoreUnavailable, op, err)
	}
	return nil
}

// ReconcileQueueState implements Store. Expired leases return to the
// queue tail; PROCESSING rows with no lease at all are orphans from a
// crashed process and fail permanently once older than staleAfter.
func (p *Postgres) ReconcileQueueState(ctx context.Context, staleAfter time.Duration) (int, int, error) {
	const op = "store.reconcile_queue_state"

	var requeued, failedStale int
	err := p.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE upload_records SET
				status = 'PENDING',
				queue_lease_expires_at = NULL,
				queue_position = 0,
				updated_at = now()
			WHERE status = 'PROCESSING'
			  AND queue_lease_expires_at IS NOT NULL
			  AND queue_lease_expires_at <= now()`)
		if err != nil {
			return err
		}
		requeued = int(tag.RowsAffected())

		tag, err = tx.Exec(ctx, `
			UPDATE upload_records SET
				status = 'FAILED',
				error_message = $1,
				completed_at = now(),
				updated_at = now()
			WHERE status = 'PROCESSING'
			  AND queue_lease_expires_at IS NULL
			  AND processing_started_at IS NOT NULL
			  AND processing_started_at < now() - make_interval(secs => $2)`,
			StaleProcessingMessage, staleAfter.Seconds(),
		)
		if err != nil {
			return err
		}
		failedStale = int(tag.RowsAffected())

		if requeued > 0 || failedStale > 0 {
			return renumberTx(ctx, tx)
		}
		return nil
	})
	if err != nil {
		return 0, 0, apperr.WrapOp(apperr.CodeStoreUnavailable, op, err)
	}
	return requeued, failedStale, nil
}

// ListExpiredDeleted implements Store.
func (p *Postgres) ListExpiredDeleted(ctx context.Context, cutoff time.Time) ([]*model.UploadRecord, error) {
	const op = "store.list_expired_deleted"
	rows, err := p.pool.Query(ctx, `
		SELECT `+recordColumns+` FROM upload_records
		WHERE is_deleted AND deleted_at IS NOT NULL AND deleted_at <= $1
		ORDER BY upload_id`,
		cutoff,
	)
	if err != nil {
		return nil, apperr.WrapOp(apperr.CodeStoreUnavailable, op, err)
	}
	defer rows.Close()

	var out []*model.UploadRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, apperr.WrapOp(apperr.CodeStoreUnavailable, op, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.WrapOp(apperr.CodeStoreUnavailable, op, err)
	}
	return out, nil
}

// Ping implements Store.
func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return apperr.WrapOp(apperr.CodeStoreUnavailable, "store.ping", err)
	}
	return nil
}

// Close implements Store.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// notReadyOrMissing distinguishes a missing record from one in the
// wrong state after a conditional update matched no rows.
func (p *Postgres) notReadyOrMissing(ctx context.Context, op, uploadID, detail string) error {
	var exists bool
	err := p.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM upload_records WHERE upload_id = $1)",
		uploadID,
	).Scan(&exists)
	if err != nil {
		return apperr.WrapOp(apperr.CodeStoreUnavailable, op, err)
	}
	if !exists {
		return apperr.Newf(apperr.CodeNotFound, op, "upload %s not found", uploadID)
	}
	return apperr.Newf(apperr.CodeNotReady, op, "upload %s %s", uploadID, detail)
}

func (p *Postgres) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return apperr.WrapOp(apperr.CodeStoreUnavailable, "store.begin_tx", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
