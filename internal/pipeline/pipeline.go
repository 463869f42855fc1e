// Package pipeline drives an upload from acceptance through OCR,
// extraction, and verification. Acceptance is synchronous and ends at
// the queue; a single worker goroutine per process drains it.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/claimlens/claimlens/internal/apperr"
	"github.com/claimlens/claimlens/internal/catalog"
	"github.com/claimlens/claimlens/internal/log"
	"github.com/claimlens/claimlens/internal/model"
	"github.com/claimlens/claimlens/internal/normalize"
	"github.com/claimlens/claimlens/internal/ocr"
	"github.com/claimlens/claimlens/internal/render"
	"github.com/claimlens/claimlens/internal/store"
	"github.com/claimlens/claimlens/internal/verify"
)

// Options wires a Pipeline.
type Options struct {
	Store    store.Store
	Catalog  *catalog.Service
	Engine   ocr.Engine
	Verifier *verify.Verifier

	UploadsDir string

	LeaseTTL             time.Duration
	ReconcileInterval    time.Duration
	StaleProcessingAfter time.Duration

	Logger log.Logger
}

// Pipeline owns the staging directory, the queue wake channel, and the
// worker loop.
type Pipeline struct {
	store    store.Store
	catalog  *catalog.Service
	engine   ocr.Engine
	verifier *verify.Verifier

	uploadsDir string

	leaseTTL          time.Duration
	reconcileInterval time.Duration
	staleAfter        time.Duration

	logger log.Logger

	// wake is capacity-1; Wake never blocks.
	wake chan struct{}
}

// New builds a Pipeline from Options.
func New(opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Pipeline{
		store:             opts.Store,
		catalog:           opts.Catalog,
		engine:            opts.Engine,
		verifier:          opts.Verifier,
		uploadsDir:        opts.UploadsDir,
		leaseTTL:          opts.LeaseTTL,
		reconcileInterval: opts.ReconcileInterval,
		staleAfter:        opts.StaleProcessingAfter,
		logger:            logger.With("component", "pipeline"),
		wake:              make(chan struct{}, 1),
	}
}

// Wake nudges the worker. Non-blocking: a pending wake is enough.
func (p *Pipeline) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// SubmitRequest is one upload acceptance call.
type SubmitRequest struct {
	Content          []byte
	OriginalFilename string
	EmployeeID       string
	HospitalName     string

	// InvoiceDate is optional; ISO form when present.
	InvoiceDate string

	// ClientRequestID is the caller's idempotency key; empty derives
	// one from the submission itself.
	ClientRequestID string
}

// Submit validates and accepts an upload: create the record, stage the
// PDF, enqueue, wake the worker. A duplicate submission returns the
// existing record with existing=true and changes nothing.
func (p *Pipeline) Submit(ctx context.Context, req SubmitRequest) (*model.UploadRecord, bool, error) {
	const op = "pipeline.submit"

	if len(req.Content) == 0 {
		return nil, false, apperr.New(apperr.CodeInvalidInput, op, "Uploaded PDF is empty")
	}
	if err := model.ValidateEmployeeID(req.EmployeeID); err != nil {
		return nil, false, apperr.New(apperr.CodeInvalidInput, op, err.Error())
	}
	if req.HospitalName == "" {
		return nil, false, apperr.New(apperr.CodeInvalidInput, op, "hospital_name is required")
	}
	cat := p.catalog.Current()
	if cat == nil {
		return nil, false, apperr.New(apperr.CodeCatalogLoad, op, "catalog not loaded")
	}
	if _, err := cat.Hospital(req.HospitalName); err != nil {
		return nil, false, apperr.Newf(apperr.CodeInvalidInput, op,
			"hospital %q is not a tie-up hospital", req.HospitalName)
	}
	if req.InvoiceDate != "" {
		if _, err := time.Parse("2006-01-02", req.InvoiceDate); err != nil {
			return nil, false, apperr.New(apperr.CodeInvalidInput, op,
				"invoice_date must be in YYYY-MM-DD format")
		}
	}

	rec := &model.UploadRecord{
		IngestionRequestID: ingestionRequestID(req),
		EmployeeID:         req.EmployeeID,
		HospitalName:       req.HospitalName,
		InvoiceDate:        req.InvoiceDate,
		OriginalFilename:   filepath.Base(req.OriginalFilename),
		FileSizeBytes:      int64(len(req.Content)),
	}
	saved, existing, err := p.store.CreateUploadRecord(ctx, rec)
	if err != nil {
		return nil, false, err
	}
	if existing {
		p.logger.Info("duplicate upload request, returning existing record",
			"upload_id", saved.UploadID, "ingestion_request_id", saved.IngestionRequestID)
		return saved, true, nil
	}

	if err := p.stage(saved.UploadID, req.Content); err != nil {
		// The record exists but has no file; fail it rather than leave
		// a job the worker can never process.
		_ = p.store.MarkFailed(ctx, saved.UploadID, err.Error())
		return nil, false, apperr.WrapOp(apperr.CodeInternal, op, err)
	}

	position, err := p.store.EnqueueUploadJob(ctx, saved.UploadID)
	if err != nil {
		return nil, false, err
	}
	saved.Status = model.StatusPending
	saved.QueuePosition = position

	p.Wake()
	p.logger.Info("upload accepted",
		"upload_id", saved.UploadID, "employee_id", saved.EmployeeID,
		"hospital", saved.HospitalName, "queue_position", position)
	return saved, false, nil
}

// ingestionRequestID returns the caller's idempotency key, or derives
// one from the submission identity and content digest.
func ingestionRequestID(req SubmitRequest) string {
	if req.ClientRequestID != "" {
		return req.ClientRequestID
	}
	content := sha256.Sum256(req.Content)
	h := sha256.New()
	h.Write([]byte(req.EmployeeID))
	h.Write([]byte{0})
	h.Write([]byte(req.HospitalName))
	h.Write([]byte{0})
	h.Write(content[:])
	return hex.EncodeToString(h.Sum(nil))
}

// StagingDir returns the temp directory for one upload.
func (p *Pipeline) StagingDir(uploadID string) string {
	return filepath.Join(p.uploadsDir, uploadID)
}

func (p *Pipeline) stagedPDF(uploadID string) string {
	return filepath.Join(p.StagingDir(uploadID), "original.pdf")
}

func (p *Pipeline) stage(uploadID string, content []byte) error {
	dir := p.StagingDir(uploadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	if err := os.WriteFile(p.stagedPDF(uploadID), content, 0o644); err != nil {
		return fmt.Errorf("stage pdf: %w", err)
	}
	return nil
}

// VerifyAgain re-runs verification for an extracted bill, applying any
// saved line-item edits to a copy first. The stored bill is never
// mutated.
func (p *Pipeline) VerifyAgain(ctx context.Context, uploadID string) (*model.UploadRecord, error) {
	const op = "pipeline.verify_again"

	rec, err := p.store.GetUpload(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if rec.Status != model.StatusCompleted || rec.Extracted == nil {
		return nil, apperr.Newf(apperr.CodeNotReady, op,
			"upload %s has no extracted bill to verify", uploadID)
	}

	if err := p.store.SetVerificationProcessing(ctx, uploadID); err != nil {
		return nil, err
	}

	bill := ApplyEdits(rec.Extracted, rec.Edits)
	if err := p.verifyAndSave(ctx, rec, bill); err != nil {
		_ = p.store.SetVerificationFailed(ctx, uploadID, err.Error())
		return nil, err
	}
	return p.store.GetUpload(ctx, uploadID)
}

// verifyAndSave runs verification, validates and renders the result,
// and persists both.
func (p *Pipeline) verifyAndSave(ctx context.Context, rec *model.UploadRecord, bill *model.ExtractedBill) error {
	cat := p.catalog.Current()
	if cat == nil {
		return apperr.New(apperr.CodeCatalogLoad, "pipeline.verify", "catalog not loaded")
	}

	result := p.verifier.VerifyBill(ctx, cat, rec.HospitalName, bill)

	for _, diag := range render.Validate(bill, result) {
		p.logger.Error("verification validator finding",
			"upload_id", rec.UploadID, "diagnostic", diag)
		result.Diagnostics = append(result.Diagnostics, diag)
	}

	text := render.Text(result)
	return p.store.SaveVerificationResult(ctx, rec.UploadID, result, text)
}

// ApplyEdits returns a deep copy of the bill with the saved line-item
// edits applied. Qty and rate edits recompute the row amount when both
// sides are known; tieup_rate edits only mark the row for the
// verifier's price check. Invalid edits are skipped.
func ApplyEdits(bill *model.ExtractedBill, edits []model.LineItemEdit) *model.ExtractedBill {
	out := *bill
	out.Categories = make([]model.BillCategory, len(bill.Categories))
	for i, cat := range bill.Categories {
		out.Categories[i] = cat
		out.Categories[i].Items = append([]model.ItemRow(nil), cat.Items...)
	}

	for _, edit := range edits {
		if edit.Validate(&out) != nil {
			continue
		}
		for i := range out.Categories {
			cat := &out.Categories[i]
			if !equalCategory(cat.CategoryName, edit.CategoryName) || edit.ItemIndex >= len(cat.Items) {
				continue
			}
			item := &cat.Items[edit.ItemIndex]
			if edit.Qty != nil {
				item.Quantity = *edit.Qty
			}
			if edit.Rate != nil {
				item.Rate = *edit.Rate
			}
			if edit.TieupRate != nil {
				item.TieupRate = *edit.TieupRate
			}
			if (edit.Qty != nil || edit.Rate != nil) && item.Rate > 0 {
				qty := item.Quantity
				if qty <= 0 {
					qty = 1
				}
				item.Amount = item.Rate * qty
			}
			break
		}
	}
	return &out
}

func equalCategory(a, b string) bool {
	return normalize.CategoryKey(a) == normalize.CategoryKey(b)
}
