package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/claimlens/claimlens/internal/apperr"
	"github.com/claimlens/claimlens/internal/model"
	"github.com/claimlens/claimlens/internal/pipeline"
	"github.com/claimlens/claimlens/internal/render"
	"github.com/claimlens/claimlens/internal/store"
)

type uploadResponse struct {
	UploadID         string    `json:"upload_id"`
	HospitalName     string    `json:"hospital_name"`
	EmployeeID       string    `json:"employee_id"`
	Message          string    `json:"message"`
	Status           string    `json:"status"`
	QueuePosition    int       `json:"queue_position,omitempty"`
	Existing         bool      `json:"existing"`
	OriginalFilename string    `json:"original_filename,omitempty"`
	FileSizeBytes    int64     `json:"file_size_bytes"`
	CreatedAt        time.Time `json:"created_at"`
}

func (s *Server) uploadBill(w http.ResponseWriter, r *http.Request) {
	const op = "api.upload"

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		s.writeError(w, r, apperr.Wrap(apperr.CodeInvalidInput, op, "multipart form required", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, r, apperr.New(apperr.CodeInvalidInput, op, "file is required"))
		return
	}
	defer file.Close()
	content, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, r, apperr.Wrap(apperr.CodeInvalidInput, op, "reading uploaded file", err))
		return
	}

	rec, existing, err := s.pipeline.Submit(r.Context(), pipeline.SubmitRequest{
		Content:          content,
		OriginalFilename: header.Filename,
		EmployeeID:       r.FormValue("employee_id"),
		HospitalName:     r.FormValue("hospital_name"),
		InvoiceDate:      r.FormValue("invoice_date"),
		ClientRequestID:  r.FormValue("client_request_id"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	message := "Bill accepted for processing"
	if existing {
		message = "Duplicate request, returning existing upload"
	}
	writeJSON(w, http.StatusAccepted, uploadResponse{
		UploadID:         rec.UploadID,
		HospitalName:     rec.HospitalName,
		EmployeeID:       rec.EmployeeID,
		Message:          message,
		Status:           strings.ToLower(rec.ReportedStatus()),
		QueuePosition:    rec.QueuePosition,
		Existing:         existing,
		OriginalFilename: rec.OriginalFilename,
		FileSizeBytes:    rec.FileSizeBytes,
		CreatedAt:        rec.CreatedAt,
	})
}

type statusResponse struct {
	UploadID         string `json:"upload_id"`
	Exists           bool   `json:"exists"`
	Status           string `json:"status"`
	ProcessingStage  string `json:"processing_stage"`
	DetailsReady     bool   `json:"details_ready"`
	Message          string `json:"message"`
	HospitalName     string `json:"hospital_name,omitempty"`
	EmployeeID       string `json:"employee_id,omitempty"`
	QueuePosition    int    `json:"queue_position,omitempty"`
	PageCount        int    `json:"page_count,omitempty"`
	OriginalFilename string `json:"original_filename,omitempty"`
	FileSizeBytes    int64  `json:"file_size_bytes,omitempty"`
	ErrorMessage     string `json:"error_message,omitempty"`
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.liveRecord(r, "api.status")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	message := "Bill found"
	if rec.Status == model.StatusFailed {
		message = "Bill processing failed"
	}
	writeJSON(w, http.StatusOK, statusResponse{
		UploadID:         rec.UploadID,
		Exists:           true,
		Status:           strings.ToLower(rec.ReportedStatus()),
		ProcessingStage:  rec.Stage(),
		DetailsReady:     rec.DetailsReady(),
		Message:          message,
		HospitalName:     rec.HospitalName,
		EmployeeID:       rec.EmployeeID,
		QueuePosition:    rec.QueuePosition,
		PageCount:        rec.PageCount,
		OriginalFilename: rec.OriginalFilename,
		FileSizeBytes:    rec.FileSizeBytes,
		ErrorMessage:     rec.ErrorMessage,
	})
}

// listQuery binds and validates GET /bills query params.
type listQuery struct {
	Status         string `validate:"omitempty,oneof=PENDING PROCESSING COMPLETED FAILED"`
	Hospital       string
	From           string `validate:"omitempty,datetime=2006-01-02"`
	To             string `validate:"omitempty,datetime=2006-01-02"`
	Limit          int    `validate:"omitempty,min=1,max=500"`
	IncludeDeleted bool
}

type billListItem struct {
	UploadID         string     `json:"upload_id"`
	HospitalName     string     `json:"hospital_name"`
	EmployeeID       string     `json:"employee_id"`
	Status           string     `json:"status"`
	ProcessingStage  string     `json:"processing_stage"`
	GrandTotal       float64    `json:"grand_total"`
	PageCount        int        `json:"page_count,omitempty"`
	OriginalFilename string     `json:"original_filename,omitempty"`
	FileSizeBytes    int64      `json:"file_size_bytes,omitempty"`
	IsDeleted        bool       `json:"is_deleted,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	DeletedAt        *time.Time `json:"deleted_at,omitempty"`
}

func (s *Server) listBills(w http.ResponseWriter, r *http.Request) {
	const op = "api.list_bills"

	q := r.URL.Query()
	query := listQuery{
		Status:         strings.ToUpper(strings.TrimSpace(q.Get("status"))),
		Hospital:       q.Get("hospital"),
		From:           q.Get("from"),
		To:             q.Get("to"),
		IncludeDeleted: q.Get("include_deleted") == "true",
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, r, apperr.New(apperr.CodeInvalidInput, op, "limit must be an integer"))
			return
		}
		query.Limit = n
	}
	if err := s.validate.Struct(query); err != nil {
		s.writeError(w, r, apperr.Wrap(apperr.CodeInvalidInput, op, "invalid query parameters", err))
		return
	}

	filter := store.ListFilter{
		Status:         query.Status,
		Hospital:       query.Hospital,
		IncludeDeleted: query.IncludeDeleted,
		Limit:          query.Limit,
	}
	if query.From != "" {
		filter.From, _ = time.Parse("2006-01-02", query.From)
	}
	if query.To != "" {
		// To is inclusive of the whole day.
		t, _ := time.Parse("2006-01-02", query.To)
		filter.To = t.Add(24*time.Hour - time.Nanosecond)
	}

	recs, err := s.store.ListUploads(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	items := make([]billListItem, 0, len(recs))
	for _, rec := range recs {
		item := billListItem{
			UploadID:         rec.UploadID,
			HospitalName:     rec.HospitalName,
			EmployeeID:       rec.EmployeeID,
			Status:           strings.ToLower(rec.ReportedStatus()),
			ProcessingStage:  rec.Stage(),
			PageCount:        rec.PageCount,
			OriginalFilename: rec.OriginalFilename,
			FileSizeBytes:    rec.FileSizeBytes,
			IsDeleted:        rec.IsDeleted,
			CreatedAt:        rec.CreatedAt,
			UpdatedAt:        rec.UpdatedAt,
			DeletedAt:        rec.DeletedAt,
		}
		if rec.Extracted != nil {
			item.GrandTotal = rec.Extracted.GrandTotal
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"bills": items, "count": len(items)})
}

type billDetailResponse struct {
	BillID             string                    `json:"billId"`
	UploadID           string                    `json:"upload_id"`
	Status             string                    `json:"status"`
	ProcessingStage    string                    `json:"processing_stage"`
	HospitalName       string                    `json:"hospital_name"`
	EmployeeID         string                    `json:"employee_id"`
	InvoiceDate        string                    `json:"invoice_date,omitempty"`
	Bill               *model.ExtractedBill      `json:"bill"`
	Verification       *model.VerificationResult `json:"verification"`
	VerificationResult string                    `json:"verificationResult"`
	FormatVersion      string                    `json:"formatVersion"`
	FinancialTotals    map[string]float64        `json:"financial_totals"`
	LineItemEdits      []model.LineItemEdit      `json:"line_item_edits,omitempty"`
}

func (s *Server) getBillDetails(w http.ResponseWriter, r *http.Request) {
	const op = "api.bill_details"

	rec, err := s.liveRecord(r, op)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !rec.DetailsReady() {
		s.writeError(w, r, apperr.Newf(apperr.CodeNotReady, op,
			"upload %s is not ready, current status: %s", rec.UploadID, strings.ToLower(rec.ReportedStatus())))
		return
	}

	writeJSON(w, http.StatusOK, billDetailResponse{
		BillID:             rec.UploadID,
		UploadID:           rec.UploadID,
		Status:             strings.ToLower(rec.ReportedStatus()),
		ProcessingStage:    rec.Stage(),
		HospitalName:       rec.HospitalName,
		EmployeeID:         rec.EmployeeID,
		InvoiceDate:        rec.InvoiceDate,
		Bill:               rec.Extracted,
		Verification:       rec.Result,
		VerificationResult: rec.ResultText,
		FormatVersion:      render.FormatVersion,
		FinancialTotals: map[string]float64{
			"total_billed":       rec.Result.Totals.Bill,
			"total_allowed":      rec.Result.Totals.Allowed,
			"total_extra":        rec.Result.Totals.Extra,
			"total_unclassified": rec.Result.Totals.Unclassified,
		},
		LineItemEdits: rec.Edits,
	})
}

// lineItemEditsRequest is the PATCH /line-items payload.
type lineItemEditsRequest struct {
	Edits []lineItemEdit `json:"edits" validate:"required,min=1,dive"`
}

type lineItemEdit struct {
	CategoryName string   `json:"category_name" validate:"required"`
	ItemIndex    int      `json:"item_index" validate:"min=0"`
	Qty          *float64 `json:"qty" validate:"omitempty,gte=0"`
	Rate         *float64 `json:"rate" validate:"omitempty,gte=0"`
	TieupRate    *float64 `json:"tieup_rate" validate:"omitempty,gte=0"`
}

func (s *Server) patchLineItems(w http.ResponseWriter, r *http.Request) {
	const op = "api.patch_line_items"

	rec, err := s.liveRecord(r, op)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rec.Status != model.StatusCompleted || rec.Extracted == nil {
		s.writeError(w, r, apperr.Newf(apperr.CodeNotReady, op,
			"upload %s has no extracted bill to edit", rec.UploadID))
		return
	}

	var req lineItemEditsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, apperr.Wrap(apperr.CodeInvalidEdit, op, "malformed JSON body", err))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, r, apperr.Wrap(apperr.CodeInvalidEdit, op, "invalid edits payload", err))
		return
	}

	edits := make([]model.LineItemEdit, 0, len(req.Edits))
	for _, e := range req.Edits {
		edit := model.LineItemEdit{
			CategoryName: e.CategoryName,
			ItemIndex:    e.ItemIndex,
			Qty:          e.Qty,
			Rate:         e.Rate,
			TieupRate:    e.TieupRate,
		}
		if err := edit.Validate(rec.Extracted); err != nil {
			s.writeError(w, r, apperr.Wrap(apperr.CodeInvalidEdit, op, "invalid edit", err))
			return
		}
		edits = append(edits, edit)
	}

	if err := s.store.SaveLineItemEdits(r.Context(), rec.UploadID, edits); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"upload_id":   rec.UploadID,
		"saved_edits": len(edits),
		"message":     "Line-item edits saved, run verify to apply",
	})
}

func (s *Server) verifyBill(w http.ResponseWriter, r *http.Request) {
	rec, err := s.pipeline.VerifyAgain(r.Context(), chi.URLParam(r, "upload_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"upload_id":           rec.UploadID,
		"hospital_name":       rec.HospitalName,
		"verification_status": strings.ToLower(rec.VerificationStatus),
		"verification":        rec.Result,
		"verificationResult":  rec.ResultText,
		"formatVersion":       render.FormatVersion,
	})
}

func (s *Server) deleteBill(w http.ResponseWriter, r *http.Request) {
	const op = "api.delete_bill"
	uploadID := chi.URLParam(r, "upload_id")

	if r.URL.Query().Get("permanent") == "true" {
		if err := s.store.PermanentDelete(r.Context(), uploadID); err != nil {
			s.writeError(w, r, err)
			return
		}
		if s.pipeline != nil {
			if err := os.RemoveAll(s.pipeline.StagingDir(uploadID)); err != nil {
				s.logger.Warn("staging cleanup failed", "upload_id", uploadID, "error", err)
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":   true,
			"upload_id": uploadID,
			"message":   "Bill permanently deleted",
		})
		return
	}

	if err := s.store.SoftDelete(r.Context(), uploadID, r.URL.Query().Get("deleted_by")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"upload_id": uploadID,
		"message":   "Bill deleted successfully",
	})
}

func (s *Server) restoreBill(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "upload_id")
	if err := s.store.Restore(r.Context(), uploadID); err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.store.GetUpload(r.Context(), uploadID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"upload_id":      uploadID,
		"status":         strings.ToLower(rec.ReportedStatus()),
		"queue_position": rec.QueuePosition,
		"message":        "Bill restored",
	})
}

// liveRecord loads the record behind the upload_id path param, mapping
// soft-deleted records to NotFound the way external reads expect.
func (s *Server) liveRecord(r *http.Request, op string) (*model.UploadRecord, error) {
	uploadID := chi.URLParam(r, "upload_id")
	rec, err := s.store.GetUpload(r.Context(), uploadID)
	if err != nil {
		var appErr *apperr.Error
		if errors.As(err, &appErr) {
			return nil, err
		}
		return nil, apperr.WrapOp(apperr.CodeInternal, op, err)
	}
	if rec.IsDeleted {
		return nil, apperr.Newf(apperr.CodeNotFound, op, "upload %s not found", uploadID)
	}
	return rec, nil
}
