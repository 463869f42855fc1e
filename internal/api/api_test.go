package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claimlens/claimlens/internal/catalog"
	"github.com/claimlens/claimlens/internal/config"
	"github.com/claimlens/claimlens/internal/embed"
	"github.com/claimlens/claimlens/internal/log"
	"github.com/claimlens/claimlens/internal/model"
	"github.com/claimlens/claimlens/internal/ocr"
	"github.com/claimlens/claimlens/internal/pipeline"
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

type okDecider struct{}

func (okDecider) Decide(context.Context, string, string) verify.Verdict {
	return verify.Verdict{Match: true, Confidence: 0.9, Model: "test"}
}

type testEnv struct {
	server   *Server
	handler  http.Handler
	pipeline *pipeline.Pipeline
	store    store.Store
	catalog  *catalog.Service
}

func newTestEnv(t *testing.T, engine ocr.Engine) *testEnv {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "apollo.json"), []byte(apolloSheet), 0o644))
	svc := catalog.NewService(dir, embed.Deterministic{}, log.NewNoop())
	_, err := svc.Load(context.Background())
	require.NoError(t, err)

	st := store.NewMemory(log.NewNoop())
	verifier := verify.New(config.DefaultVerification(), embed.Deterministic{}, okDecider{}, log.NewNoop())
	p := pipeline.New(pipeline.Options{
		Store:                st,
		Catalog:              svc,
		Engine:               engine,
		Verifier:             verifier,
		UploadsDir:           t.TempDir(),
		LeaseTTL:             30 * time.Second,
		ReconcileInterval:    50 * time.Millisecond,
		StaleProcessingAfter: 30 * time.Second,
		Logger:               log.NewNoop(),
	})

	srv := New(Options{
		Store:          st,
		Pipeline:       p,
		Catalog:        svc,
		AllowedOrigins: []string{"http://localhost:3000"},
		Logger:         log.NewNoop(),
	})
	return &testEnv{server: srv, handler: srv.Router(), pipeline: p, store: st, catalog: svc}
}

// runWorker drains the queue in the background for the test's duration.
func (env *testEnv) runWorker(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		env.pipeline.RunWorker(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (env *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func uploadRequest(t *testing.T, fields map[string]string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if content != nil {
		fw, err := mw.CreateFormFile("file", "bill.pdf")
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/bills/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), "body: %s", rec.Body.String())
	return body
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, rec)
	errObj, ok := body["error"].(map[string]any)
	require.True(t, ok, "no error object in %s", rec.Body.String())
	code, _ := errObj["code"].(string)
	return code
}

func validFields() map[string]string {
	return map[string]string{
		"employee_id":   "10042678",
		"hospital_name": "Apollo Hospital",
	}
}

func billPage() []ocr.Page {
	return []ocr.Page{{
		Page: 1,
		Text: strings.Join([]string{
			"Apollo Hospital",
			"Bill No: INV-2026-0101",
			"Date: 14/02/2026",
			"",
			"CONSULTATION",
			"General Consultation 600.00",
			"",
			"Grand Total 600.00",
		}, "\n"),
	}}
}

func TestUploadAccepted(t *testing.T) {
	env := newTestEnv(t, &ocr.Fake{Pages: billPage()})

	rec := env.do(t, uploadRequest(t, validFields(), []byte("%PDF-1.4 body")))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	assert.NotEmpty(t, body["upload_id"])
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, float64(1), body["queue_position"])
	assert.Equal(t, false, body["existing"])
	assert.Equal(t, "Apollo Hospital", body["hospital_name"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestUploadValidationErrors(t *testing.T) {
	env := newTestEnv(t, &ocr.Fake{})

	cases := []struct {
		name    string
		fields  map[string]string
		content []byte
		message string
	}{
		{"no file", validFields(), nil, "file is required"},
		{"empty employee", map[string]string{"hospital_name": "Apollo Hospital"}, []byte("x"), "employee_id is required"},
		{"unknown hospital", map[string]string{"employee_id": "10042678", "hospital_name": "Nope"}, []byte("x"), "not a tie-up hospital"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, uploadRequest(t, tc.fields, tc.content))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "invalid_input", errorCode(t, rec))
			assert.Contains(t, rec.Body.String(), tc.message)
		})
	}
}

func TestUploadDuplicate(t *testing.T) {
	env := newTestEnv(t, &ocr.Fake{Pages: billPage()})

	fields := validFields()
	fields["client_request_id"] = "req-777"
	first := decodeBody(t, env.do(t, uploadRequest(t, fields, []byte("%PDF"))))
	second := env.do(t, uploadRequest(t, fields, []byte("%PDF")))
	require.Equal(t, http.StatusAccepted, second.Code)
	body := decodeBody(t, second)
	assert.Equal(t, first["upload_id"], body["upload_id"])
	assert.Equal(t, true, body["existing"])
}

func TestInvalidUploadIDParam(t *testing.T) {
	env := newTestEnv(t, &ocr.Fake{})
	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/bills/not-an-id/status", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid upload_id format")
}

func TestStatusNotFound(t *testing.T) {
	env := newTestEnv(t, &ocr.Fake{})
	rec := env.do(t, httptest.NewRequest(http.MethodGet,
		"/api/v1/bills/0123456789abcdef0123456789abcdef/status", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", errorCode(t, rec))
}

func TestStatusLifecycle(t *testing.T) {
	env := newTestEnv(t, &ocr.Fake{Pages: billPage()})

	up := decodeBody(t, env.do(t, uploadRequest(t, validFields(), []byte("%PDF"))))
	uploadID := up["upload_id"].(string)

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/bills/"+uploadID+"/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, model.StageQueued, body["processing_stage"])
	assert.Equal(t, false, body["details_ready"])

	env.runWorker(t)
	require.Eventually(t, func() bool {
		body := decodeBody(t, env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/bills/"+uploadID+"/status", nil)))
		return body["processing_stage"] == model.StageDone
	}, 5*time.Second, 20*time.Millisecond)

	body = decodeBody(t, env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/bills/"+uploadID+"/status", nil)))
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, true, body["details_ready"])
}

// uploadProcessed submits one bill and waits until it is fully done.
func uploadProcessed(t *testing.T, env *testEnv) string {
	t.Helper()
	up := decodeBody(t, env.do(t, uploadRequest(t, validFields(), []byte("%PDF"))))
	uploadID := up["upload_id"].(string)
	env.runWorker(t)
	require.Eventually(t, func() bool {
		rec, err := env.store.GetUpload(context.Background(), uploadID)
		return err == nil && rec.DetailsReady()
	}, 5*time.Second, 20*time.Millisecond)
	return uploadID
}

func TestBillDetails(t *testing.T) {
	env := newTestEnv(t, &ocr.Fake{Pages: billPage()})
	uploadID := uploadProcessed(t, env)

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/bills/"+uploadID, nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, uploadID, body["billId"])
	assert.Equal(t, "v1", body["formatVersion"])
	assert.Contains(t, body["verificationResult"], "Overall Summary")
	assert.NotNil(t, body["bill"])
	assert.NotNil(t, body["verification"])
	totals, ok := body["financial_totals"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, totals, "total_billed")
}

func TestBillDetailsNotReady(t *testing.T) {
	env := newTestEnv(t, &ocr.Fake{Pages: billPage()})
	up := decodeBody(t, env.do(t, uploadRequest(t, validFields(), []byte("%PDF"))))
	uploadID := up["upload_id"].(string)

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/bills/"+uploadID, nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "not_ready", errorCode(t, rec))
}

func TestPatchLineItemsAndVerify(t *testing.T) {
	env := newTestEnv(t, &ocr.Fake{Pages: billPage()})
	uploadID := uploadProcessed(t, env)

	payload := `{"edits": [{"category_name": "Consultation", "item_index": 0, "qty": 2}]}`
	req := httptest.NewRequest(http.MethodPatch, "/api/v1/bills/"+uploadID+"/line-items", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := env.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(1), decodeBody(t, rec)["saved_edits"])

	rec = env.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/bills/"+uploadID+"/verify", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "completed", body["verification_status"])
	assert.Equal(t, "v1", body["formatVersion"])
}

func TestPatchLineItemsInvalidEdit(t *testing.T) {
	env := newTestEnv(t, &ocr.Fake{Pages: billPage()})
	uploadID := uploadProcessed(t, env)

	cases := []struct {
		name    string
		payload string
	}{
		{"unknown category", `{"edits": [{"category_name": "Radiology", "item_index": 0, "qty": 2}]}`},
		{"no fields set", `{"edits": [{"category_name": "Consultation", "item_index": 0}]}`},
		{"empty edits", `{"edits": []}`},
		{"bad json", `{"edits": `},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPatch, "/api/v1/bills/"+uploadID+"/line-items", strings.NewReader(tc.payload))
			req.Header.Set("Content-Type", "application/json")
			rec := env.do(t, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "invalid_edit", errorCode(t, rec))
		})
	}
}

func TestDeleteRestoreCycle(t *testing.T) {
	env := newTestEnv(t, &ocr.Fake{Pages: billPage()})
	uploadID := uploadProcessed(t, env)

	del := func() *httptest.ResponseRecorder {
		return env.do(t, httptest.NewRequest(http.MethodDelete, "/api/v1/bills/"+uploadID+"?deleted_by=10042678", nil))
	}

	require.Equal(t, http.StatusOK, del().Code)

	// Deleted records vanish from reads.
	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/bills/"+uploadID+"/status", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Double delete conflicts.
	rec = del()
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_deleted", errorCode(t, rec))

	rec = env.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/bills/"+uploadID+"/restore", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/bills/"+uploadID+"/restore", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "not_deleted", errorCode(t, rec))

	// Permanent delete removes the record outright.
	rec = env.do(t, httptest.NewRequest(http.MethodDelete, "/api/v1/bills/"+uploadID+"?permanent=true", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/bills/"+uploadID+"/status", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListBills(t *testing.T) {
	env := newTestEnv(t, &ocr.Fake{Pages: billPage()})
	uploadID := uploadProcessed(t, env)

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/bills", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["count"])
	bills := body["bills"].([]any)
	first := bills[0].(map[string]any)
	assert.Equal(t, uploadID, first["upload_id"])
	assert.Equal(t, float64(600), first["grand_total"])

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/bills?status=FAILED", nil))
	assert.Equal(t, float64(0), decodeBody(t, rec)["count"])

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/bills?status=bogus", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/bills?limit=oops", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListHospitals(t *testing.T) {
	env := newTestEnv(t, &ocr.Fake{})
	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/hospitals", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["count"])
	hospitals := body["hospitals"].([]any)
	first := hospitals[0].(map[string]any)
	assert.Equal(t, "Apollo Hospital", first["name"])
	assert.Equal(t, float64(2), first["total_items"])
}

func TestReloadCatalog(t *testing.T) {
	env := newTestEnv(t, &ocr.Fake{})
	rec := env.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/catalog/reload", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["hospital_count"])
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, &ocr.Fake{})
	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "ok", body["store"])
	cat := body["catalog"].(map[string]any)
	assert.Equal(t, true, cat["loaded"])
}

func TestCORSHeaders(t *testing.T) {
	env := newTestEnv(t, &ocr.Fake{})
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/bills", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "GET")
	rec := env.do(t, req)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestUploadTooLarge(t *testing.T) {
	env := newTestEnv(t, &ocr.Fake{})
	big := bytes.Repeat([]byte("a"), maxUploadBytes+1024)
	rec := env.do(t, uploadRequest(t, validFields(), big))
	assert.Equal(t, http.StatusBadRequest, rec.Code, fmt.Sprintf("code=%d", rec.Code))
}
