package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/claimlens/claimlens/internal/apperr"
	"github.com/claimlens/claimlens/internal/log"
	"github.com/claimlens/claimlens/internal/model"
	"github.com/claimlens/claimlens/internal/normalize"
)

// Memory is the in-process Store for development and tests. Nothing
// survives a restart; the serve command warns when it is selected.
type Memory struct {
	logger log.Logger

	mu      sync.Mutex
	records map[string]*model.UploadRecord
}

// NewMemory returns an empty in-memory store.
func NewMemory(logger log.Logger) *Memory {
	if logger == nil {
		logger = log.Default()
	}
	return &Memory{
		logger:  logger.With("component", "store"),
		records: make(map[string]*model.UploadRecord),
	}
}

// cloneRecord deep-copies a record through JSON so callers can never
// reach the store's internal state.
func cloneRecord(r *model.UploadRecord) *model.UploadRecord {
	data, err := json.Marshal(r)
	if err != nil {
		// The record is plain data; marshal cannot fail at runtime.
		panic(err)
	}
	var out model.UploadRecord
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	return &out
}

func (m *Memory) get(op, uploadID string) (*model.UploadRecord, error) {
	r, ok := m.records[uploadID]
	if !ok {
		return nil, apperr.Newf(apperr.CodeNotFound, op, "upload %s not found", uploadID)
	}
	return r, nil
}

// CreateUploadRecord implements Store.
func (m *Memory) CreateUploadRecord(_ context.Context, rec *model.UploadRecord) (*model.UploadRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.IngestionRequestID != "" {
		for _, existing := range m.records {
			if existing.IngestionRequestID == rec.IngestionRequestID && existing.Status != model.StatusFailed {
				return cloneRecord(existing), true, nil
			}
		}
	}

	saved := cloneRecord(rec)
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

	m.records[saved.UploadID] = saved
	return cloneRecord(saved), false, nil
}

// GetUpload implements Store.
func (m *Memory) GetUpload(_ context.Context, uploadID string) (*model.UploadRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.get("store.get_upload", uploadID)
	if err != nil {
		return nil, err
	}
	return cloneRecord(r), nil
}

// ListUploads implements Store.
func (m *Memory) ListUploads(_ context.Context, filter ListFilter) ([]*model.UploadRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*model.UploadRecord
	for _, r := range m.records {
		if r.IsDeleted && !filter.IncludeDeleted {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.Hospital != "" && normalize.Key(r.HospitalName) != normalize.Key(filter.Hospital) {
			continue
		}
		if !filter.From.IsZero() && r.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && r.CreatedAt.After(filter.To) {
			continue
		}
		out = append(out, cloneRecord(r))
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].UploadID < out[j].UploadID
	})

	if limit := filter.EffectiveLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// EnqueueUploadJob implements Store.
func (m *Memory) EnqueueUploadJob(_ context.Context, uploadID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.get("store.enqueue_upload_job", uploadID)
	if err != nil {
		return 0, err
	}
	if r.Status == model.StatusPending && r.QueuePosition > 0 {
		return r.QueuePosition, nil
	}

	r.Status = model.StatusPending
	r.QueuePosition = m.maxQueuePosition() + 1
	r.QueueLeaseExpiresAt = nil
	r.ErrorMessage = ""
	r.UpdatedAt = time.Now().UTC()
	return r.QueuePosition, nil
}

func (m *Memory) maxQueuePosition() int {
	maxPos := 0
	for _, r := range m.records {
		if r.Status == model.StatusPending && r.QueuePosition > maxPos {
			maxPos = r.QueuePosition
		}
	}
	return maxPos
}

// pendingInOrder returns live PENDING records ordered by queue
// position; records requeued with position 0 sort to the tail by
// update time.
func (m *Memory) pendingInOrder() []*model.UploadRecord {
	var pending []*model.UploadRecord
	for _, r := range m.records {
		if r.Status == model.StatusPending && !r.IsDeleted {
			pending = append(pending, r)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		pi, pj := pending[i].QueuePosition, pending[j].QueuePosition
		if (pi > 0) != (pj > 0) {
			return pi > 0
		}
		if pi != pj {
			return pi < pj
		}
		return pending[i].UpdatedAt.Before(pending[j].UpdatedAt)
	})
	return pending
}

func (m *Memory) renumber() {
	now := time.Now().UTC()
	for i, r := range m.pendingInOrder() {
		if r.QueuePosition != i+1 {
			r.QueuePosition = i + 1
			r.UpdatedAt = now
		}
	}
}

// ClaimNextPendingJob implements Store.
func (m *Memory) ClaimNextPendingJob(_ context.Context, leaseTTL time.Duration) (*model.UploadRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	for _, r := range m.pendingInOrder() {
		if r.QueueLeaseExpiresAt != nil && r.QueueLeaseExpiresAt.After(now) {
			continue
		}
		lease := now.Add(leaseTTL)
		r.Status = model.StatusProcessing
		r.QueueLeaseExpiresAt = &lease
		started := now
		r.ProcessingStartedAt = &started
		r.QueuePosition = 0
		r.UpdatedAt = now
		m.renumber()
		return cloneRecord(r), nil
	}
	return nil, nil
}

// ExtendLease implements Store.
func (m *Memory) ExtendLease(_ context.Context, uploadID string, leaseTTL time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.get("store.extend_lease", uploadID)
	if err != nil {
		return err
	}
	if r.Status != model.StatusProcessing {
		return nil
	}
	lease := time.Now().UTC().Add(leaseTTL)
	r.QueueLeaseExpiresAt = &lease
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkProcessing implements Store.
func (m *Memory) MarkProcessing(_ context.Context, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.get("store.mark_processing", uploadID)
	if err != nil {
		return err
	}
	switch r.Status {
	case model.StatusProcessing:
		return nil
	case model.StatusPending, model.StatusFailed:
		now := time.Now().UTC()
		r.Status = model.StatusProcessing
		if r.ProcessingStartedAt == nil {
			r.ProcessingStartedAt = &now
		}
		r.QueuePosition = 0
		r.ErrorMessage = ""
		r.UpdatedAt = now
		m.renumber()
		return nil
	default:
		return apperr.Newf(apperr.CodeNotReady, "store.mark_processing",
			"upload %s is %s, cannot reprocess", uploadID, r.Status)
	}
}

// CompleteBill implements Store.
func (m *Memory) CompleteBill(_ context.Context, uploadID string, bill *model.ExtractedBill) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.get("store.complete_bill", uploadID)
	if err != nil {
		return err
	}
	if r.Status == model.StatusCompleted {
		return nil
	}
	if !model.CanTransition(r.Status, model.StatusCompleted) {
		return apperr.Newf(apperr.CodeNotReady, "store.complete_bill",
			"upload %s is %s, cannot complete", uploadID, r.Status)
	}

	filtered, removed := FilterArtifacts(bill)
	if removed > 0 {
		m.logger.Info("filtered artifact rows before persistence",
			"upload_id", uploadID, "removed", removed)
	}
	if residual := CountResidualArtifacts(filtered); residual > 0 {
		m.logger.Warn("residual artifact-like rows persisted",
			"upload_id", uploadID, "rows", residual)
	}

	now := time.Now().UTC()
	r.Status = model.StatusCompleted
	r.Extracted = filtered
	r.PageCount = pageCount(filtered, r.PageCount)
	r.CompletedAt = &now
	r.QueueLeaseExpiresAt = nil
	r.QueuePosition = 0
	r.ErrorMessage = ""
	if r.InvoiceDate == "" && filtered.Header.BillingDate != "" {
		r.InvoiceDate = filtered.Header.BillingDate
	}
	r.UpdatedAt = now
	return nil
}

// pageCount keeps the larger of the recorded page count and the
// highest page any extracted row references.
func pageCount(bill *model.ExtractedBill, current int) int {
	maxPage := current
	for _, cat := range bill.Categories {
		for _, item := range cat.Items {
			if item.Page > maxPage {
				maxPage = item.Page
			}
		}
	}
	return maxPage
}

// MarkFailed implements Store.
func (m *Memory) MarkFailed(_ context.Context, uploadID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.get("store.mark_failed", uploadID)
	if err != nil {
		return err
	}
	if r.Status == model.StatusFailed {
		return nil
	}
	if !model.CanTransition(r.Status, model.StatusFailed) {
		// A completed bill keeps its result; the late failure from a
		// racing worker is dropped.
		m.logger.Warn("ignoring failure for settled upload",
			"upload_id", uploadID, "status", r.Status)
		return nil
	}
	now := time.Now().UTC()
	r.Status = model.StatusFailed
	r.ErrorMessage = TruncateError(message)
	r.CompletedAt = &now
	r.QueueLeaseExpiresAt = nil
	r.QueuePosition = 0
	r.UpdatedAt = now
	m.renumber()
	return nil
}

// SetVerificationProcessing implements Store.
func (m *Memory) SetVerificationProcessing(_ context.Context, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.get("store.set_verification_processing", uploadID)
	if err != nil {
		return err
	}
	if r.Status != model.StatusCompleted || r.Extracted == nil {
		return apperr.Newf(apperr.CodeNotReady, "store.set_verification_processing",
			"upload %s has no extracted bill", uploadID)
	}
	r.VerificationStatus = model.VerificationProcessing
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// SaveVerificationResult implements Store.
func (m *Memory) SaveVerificationResult(_ context.Context, uploadID string, result *model.VerificationResult, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.get("store.save_verification_result", uploadID)
	if err != nil {
		return err
	}
	if r.Extracted == nil {
		return apperr.Newf(apperr.CodeNotReady, "store.save_verification_result",
			"upload %s has no extracted bill", uploadID)
	}
	r.Result = result
	r.ResultText = text
	r.VerificationStatus = model.VerificationCompleted
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// SetVerificationFailed implements Store.
func (m *Memory) SetVerificationFailed(_ context.Context, uploadID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.get("store.set_verification_failed", uploadID)
	if err != nil {
		return err
	}
	r.VerificationStatus = model.VerificationFailed
	r.ErrorMessage = TruncateError(message)
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// SaveLineItemEdits implements Store.
func (m *Memory) SaveLineItemEdits(_ context.Context, uploadID string, edits []model.LineItemEdit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.get("store.save_line_item_edits", uploadID)
	if err != nil {
		return err
	}
	r.Edits = append([]model.LineItemEdit(nil), edits...)
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// SoftDelete implements Store.
func (m *Memory) SoftDelete(_ context.Context, uploadID, deletedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.get("store.soft_delete", uploadID)
	if err != nil {
		return err
	}
	if r.IsDeleted {
		return apperr.Newf(apperr.CodeAlreadyDeleted, "store.soft_delete",
			"upload %s is already deleted", uploadID)
	}
	now := time.Now().UTC()
	r.IsDeleted = true
	r.DeletedAt = &now
	r.DeletedBy = deletedBy
	r.QueuePosition = 0
	r.UpdatedAt = now
	m.renumber()
	return nil
}

// Restore implements Store.
func (m *Memory) Restore(_ context.Context, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.get("store.restore", uploadID)
	if err != nil {
		return err
	}
	if !r.IsDeleted {
		return apperr.Newf(apperr.CodeNotDeleted, "store.restore",
			"upload %s is not deleted", uploadID)
	}
	r.IsDeleted = false
	r.DeletedAt = nil
	r.DeletedBy = ""
	r.UpdatedAt = time.Now().UTC()
	if r.Status == model.StatusPending {
		r.QueuePosition = 0
		m.renumber()
	}
	return nil
}

// PermanentDelete implements Store.
func (m *Memory) PermanentDelete(_ context.Context, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.get("store.permanent_delete", uploadID); err != nil {
		return err
	}
	delete(m.records, uploadID)
	m.renumber()
	return nil
}

// HardDelete implements Store.
func (m *Memory) HardDelete(_ context.Context, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records, uploadID)
	m.renumber()
	return nil
}

// RecomputePendingQueuePositions implements Store.
func (m *Memory) RecomputePendingQueuePositions(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.renumber()
	return nil
}

// ReconcileQueueState implements Store.
func (m *Memory) ReconcileQueueState(_ context.Context, staleAfter time.Duration) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	requeued, failedStale := 0, 0

	for _, r := range m.records {
		if r.Status != model.StatusProcessing {
			continue
		}
		switch {
		case r.QueueLeaseExpiresAt != nil && !r.QueueLeaseExpiresAt.After(now):
			r.Status = model.StatusPending
			r.QueueLeaseExpiresAt = nil
			r.QueuePosition = 0
			r.UpdatedAt = now
			requeued++
		case r.QueueLeaseExpiresAt == nil &&
			r.ProcessingStartedAt != nil &&
			now.Sub(*r.ProcessingStartedAt) > staleAfter:
			r.Status = model.StatusFailed
			r.ErrorMessage = StaleProcessingMessage
			r.CompletedAt = &now
			r.UpdatedAt = now
			failedStale++
		}
	}

	if requeued > 0 || failedStale > 0 {
		m.renumber()
	}
	return requeued, failedStale, nil
}

// ListExpiredDeleted implements Store.
func (m *Memory) ListExpiredDeleted(_ context.Context, cutoff time.Time) ([]*model.UploadRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*model.UploadRecord
	for _, r := range m.records {
		if r.IsDeleted && r.DeletedAt != nil && !r.DeletedAt.After(cutoff) {
			out = append(out, cloneRecord(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.Compare(out[i].UploadID, out[j].UploadID) < 0
	})
	return out, nil
}

// Ping implements Store.
func (m *Memory) Ping(context.Context) error { return nil }

// Close implements Store.
func (m *Memory) Close() error { return nil }
