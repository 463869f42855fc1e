package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claimlens/claimlens/internal/apperr"
	"github.com/claimlens/claimlens/internal/catalog"
	"github.com/claimlens/claimlens/internal/config"
	"github.com/claimlens/claimlens/internal/embed"
	"github.com/claimlens/claimlens/internal/log"
	"github.com/claimlens/claimlens/internal/model"
	"github.com/claimlens/claimlens/internal/ocr"
	"github.com/claimlens/claimlens/internal/store"
	"github.com/claimlens/claimlens/internal/verify"
)

const apolloSheet = `{
  "hospital_name": "Apollo Hospital",
  "categories": [
    {"category_name": "Consultation", "items": [
      {"item_name": "General Consultation", "rate": 600, "type": "service"}
    ]},
    {"category_name": "Pharmacy", "items": [
      {"item_name": "Paracetamol 500mg Tablet", "rate": 2.5, "type": "unit"}
    ]}
  ]
}`

// passDecider accepts every arbitration question.
type passDecider struct{}

func (passDecider) Decide(context.Context, string, string) verify.Verdict {
	return verify.Verdict{Match: true, Confidence: 0.9, Model: "test"}
}

func testCatalog(t *testing.T) *catalog.Service {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "apollo.json"), []byte(apolloSheet), 0o644))
	svc := catalog.NewService(dir, embed.Deterministic{}, log.NewNoop())
	_, err := svc.Load(context.Background())
	require.NoError(t, err)
	return svc
}

func newTestPipeline(t *testing.T, engine ocr.Engine) (*Pipeline, store.Store) {
	t.Helper()
	st := store.NewMemory(log.NewNoop())
	verifier := verify.New(config.DefaultVerification(), embed.Deterministic{}, passDecider{}, log.NewNoop())
	p := New(Options{
		Store:                st,
		Catalog:              testCatalog(t),
		Engine:               engine,
		Verifier:             verifier,
		UploadsDir:           t.TempDir(),
		LeaseTTL:             30 * time.Second,
		ReconcileInterval:    30 * time.Second,
		StaleProcessingAfter: 30 * time.Second,
		Logger:               log.NewNoop(),
	})
	return p, st
}

func validSubmit() SubmitRequest {
	return SubmitRequest{
		Content:          []byte("%PDF-1.4 test body"),
		OriginalFilename: "bill.pdf",
		EmployeeID:       "10042678",
		HospitalName:     "Apollo Hospital",
	}
}

func TestSubmitValidation(t *testing.T) {
	p, _ := newTestPipeline(t, &ocr.Fake{})
	ctx := context.Background()

	cases := []struct {
		name    string
		mutate  func(*SubmitRequest)
		message string
	}{
		{"empty content", func(r *SubmitRequest) { r.Content = nil }, "Uploaded PDF is empty"},
		{"missing employee", func(r *SubmitRequest) { r.EmployeeID = "" }, "employee_id is required"},
		{"alpha employee", func(r *SubmitRequest) { r.EmployeeID = "10042abc" }, "employee_id must be numeric only"},
		{"short employee", func(r *SubmitRequest) { r.EmployeeID = "1234" }, "employee_id must contain exactly 8 digits"},
		{"missing hospital", func(r *SubmitRequest) { r.HospitalName = "" }, "hospital_name is required"},
		{"unknown hospital", func(r *SubmitRequest) { r.HospitalName = "Nope Clinic" }, `hospital "Nope Clinic" is not a tie-up hospital`},
		{"bad invoice date", func(r *SubmitRequest) { r.InvoiceDate = "14/02/2026" }, "invoice_date must be in YYYY-MM-DD format"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validSubmit()
			tc.mutate(&req)
			_, _, err := p.Submit(ctx, req)
			require.Error(t, err)
			assert.True(t, apperr.IsCode(err, apperr.CodeInvalidInput), "code = %v", apperr.CodeOf(err))
			assert.Contains(t, err.Error(), tc.message)
		})
	}
}

func TestSubmitAcceptsAndStages(t *testing.T) {
	p, st := newTestPipeline(t, &ocr.Fake{})
	ctx := context.Background()

	req := validSubmit()
	req.InvoiceDate = "2026-02-14"
	rec, existing, err := p.Submit(ctx, req)
	require.NoError(t, err)
	assert.False(t, existing)
	assert.True(t, model.IsValidUploadID(rec.UploadID))
	assert.Equal(t, model.StatusPending, rec.Status)
	assert.Equal(t, 1, rec.QueuePosition)
	assert.Equal(t, "bill.pdf", rec.OriginalFilename)
	assert.Equal(t, int64(len(req.Content)), rec.FileSizeBytes)
	assert.Equal(t, "2026-02-14", rec.InvoiceDate)

	staged, err := os.ReadFile(p.stagedPDF(rec.UploadID))
	require.NoError(t, err)
	assert.Equal(t, req.Content, staged)

	// The worker was nudged.
	select {
	case <-p.wake:
	default:
		t.Fatal("expected a pending wake after submit")
	}

	saved, err := st.GetUpload(ctx, rec.UploadID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, saved.Status)
}

func TestSubmitDuplicateReturnsExisting(t *testing.T) {
	p, _ := newTestPipeline(t, &ocr.Fake{})
	ctx := context.Background()

	req := validSubmit()
	req.ClientRequestID = "req-abc-123"
	first, existing, err := p.Submit(ctx, req)
	require.NoError(t, err)
	require.False(t, existing)

	second, existing, err := p.Submit(ctx, req)
	require.NoError(t, err)
	assert.True(t, existing)
	assert.Equal(t, first.UploadID, second.UploadID)
}

func TestSubmitDerivedIngestionID(t *testing.T) {
	p, _ := newTestPipeline(t, &ocr.Fake{})
	ctx := context.Background()

	first, existing, err := p.Submit(ctx, validSubmit())
	require.NoError(t, err)
	require.False(t, existing)

	// Same employee, hospital, and bytes collapse onto one record.
	dup, existing, err := p.Submit(ctx, validSubmit())
	require.NoError(t, err)
	assert.True(t, existing)
	assert.Equal(t, first.UploadID, dup.UploadID)

	// Different content is a new upload.
	other := validSubmit()
	other.Content = []byte("%PDF-1.4 different body")
	second, existing, err := p.Submit(ctx, other)
	require.NoError(t, err)
	assert.False(t, existing)
	assert.NotEqual(t, first.UploadID, second.UploadID)
}

func editBill() *model.ExtractedBill {
	return &model.ExtractedBill{
		Categories: []model.BillCategory{
			{CategoryName: "Pharmacy", Items: []model.ItemRow{
				{ItemName: "Paracetamol 500mg Tablet", Quantity: 10, Rate: 2.5, Amount: 25},
			}},
		},
	}
}

func TestApplyEditsRecomputesAmount(t *testing.T) {
	bill := editBill()
	qty := 20.0
	out := ApplyEdits(bill, []model.LineItemEdit{
		{CategoryName: "Pharmacy", ItemIndex: 0, Qty: &qty},
	})

	assert.Equal(t, 20.0, out.Categories[0].Items[0].Quantity)
	assert.Equal(t, 50.0, out.Categories[0].Items[0].Amount)
	// The source bill is untouched.
	assert.Equal(t, 10.0, bill.Categories[0].Items[0].Quantity)
	assert.Equal(t, 25.0, bill.Categories[0].Items[0].Amount)
}

func TestApplyEditsTieupRate(t *testing.T) {
	rate := 2.0
	out := ApplyEdits(editBill(), []model.LineItemEdit{
		{CategoryName: "pharmacy", ItemIndex: 0, TieupRate: &rate},
	})

	item := out.Categories[0].Items[0]
	assert.Equal(t, 2.0, item.TieupRate)
	// A tieup override alone leaves the billed amount alone.
	assert.Equal(t, 25.0, item.Amount)
}

func TestApplyEditsSkipsInvalid(t *testing.T) {
	qty := 3.0
	out := ApplyEdits(editBill(), []model.LineItemEdit{
		{CategoryName: "Radiology", ItemIndex: 0, Qty: &qty},
		{CategoryName: "Pharmacy", ItemIndex: 9, Qty: &qty},
	})
	assert.Equal(t, 10.0, out.Categories[0].Items[0].Quantity)
}

// billPages is OCR output that extracts into a bill the test catalog
// can verify.
func billPages() []ocr.Page {
	return []ocr.Page{{
		Page: 1,
		Text: strings.Join([]string{
			"Apollo Hospital",
			"Bill No: INV-2026-0099",
			"Date: 14/02/2026",
			"",
			"CONSULTATION",
			"General Consultation 600.00",
			"",
			"PHARMACY",
			"Paracetamol 500mg Tablet 10 x 2.50 25.00",
			"",
			"Grand Total 625.00",
		}, "\n"),
	}}
}

func TestWorkerProcessesUpload(t *testing.T) {
	p, st := newTestPipeline(t, &ocr.Fake{Pages: billPages()})
	ctx := context.Background()

	rec, _, err := p.Submit(ctx, validSubmit())
	require.NoError(t, err)

	require.True(t, p.processNext(ctx))

	saved, err := st.GetUpload(ctx, rec.UploadID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, saved.Status)
	assert.Equal(t, model.VerificationCompleted, saved.VerificationStatus)
	assert.True(t, saved.DetailsReady())
	require.NotNil(t, saved.Extracted)
	assert.Equal(t, "Apollo Hospital", saved.Extracted.Header.HospitalName)
	require.NotNil(t, saved.Result)
	assert.NotEmpty(t, saved.ResultText)
	assert.Contains(t, saved.ResultText, "Overall Summary")

	// Staging files are gone either way.
	_, err = os.Stat(p.StagingDir(rec.UploadID))
	assert.True(t, os.IsNotExist(err))

	// Queue drained.
	assert.False(t, p.processNext(ctx))
}

func TestWorkerFailsWhenOCRYieldsNothing(t *testing.T) {
	engine := &ocr.Fake{Pages: []ocr.Page{{Page: 1}, {Page: 2, Text: "   "}}}
	p, st := newTestPipeline(t, engine)
	ctx := context.Background()

	rec, _, err := p.Submit(ctx, validSubmit())
	require.NoError(t, err)

	require.True(t, p.processNext(ctx))

	saved, err := st.GetUpload(ctx, rec.UploadID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, saved.Status)
	assert.Contains(t, saved.ErrorMessage, "ocr produced no text")
	_, err = os.Stat(p.StagingDir(rec.UploadID))
	assert.True(t, os.IsNotExist(err))
}

func TestWorkerFailsOnOCRError(t *testing.T) {
	engine := &ocr.Fake{Err: apperr.New(apperr.CodeOcrFailure, "ocr.extract", "sidecar unreachable")}
	p, st := newTestPipeline(t, engine)
	ctx := context.Background()

	rec, _, err := p.Submit(ctx, validSubmit())
	require.NoError(t, err)

	require.True(t, p.processNext(ctx))

	saved, err := st.GetUpload(ctx, rec.UploadID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, saved.Status)
	assert.Contains(t, saved.ErrorMessage, "sidecar unreachable")
}

func TestVerifyAgainNotReady(t *testing.T) {
	p, _ := newTestPipeline(t, &ocr.Fake{})
	ctx := context.Background()

	rec, _, err := p.Submit(ctx, validSubmit())
	require.NoError(t, err)

	_, err = p.VerifyAgain(ctx, rec.UploadID)
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeNotReady))
}

func TestVerifyAgainAppliesSavedEdits(t *testing.T) {
	p, st := newTestPipeline(t, &ocr.Fake{Pages: billPages()})
	ctx := context.Background()

	rec, _, err := p.Submit(ctx, validSubmit())
	require.NoError(t, err)
	require.True(t, p.processNext(ctx))

	qty := 4.0
	require.NoError(t, st.SaveLineItemEdits(ctx, rec.UploadID, []model.LineItemEdit{
		{CategoryName: "Pharmacy", ItemIndex: 0, Qty: &qty},
	}))

	saved, err := p.VerifyAgain(ctx, rec.UploadID)
	require.NoError(t, err)
	assert.Equal(t, model.VerificationCompleted, saved.VerificationStatus)
	require.NotNil(t, saved.Result)

	// The stored bill itself keeps the as-extracted quantity; only the
	// verification input was edited.
	assert.Equal(t, 10.0, pharmacyRow(t, saved.Extracted).Quantity)
}

func pharmacyRow(t *testing.T, bill *model.ExtractedBill) model.ItemRow {
	t.Helper()
	for _, cat := range bill.Categories {
		if cat.CategoryName == "Pharmacy" {
			require.NotEmpty(t, cat.Items)
			return cat.Items[0]
		}
	}
	t.Fatal("no Pharmacy category in extracted bill")
	return model.ItemRow{}
}
