package functional

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cucumber/godog"

	"github.com/claimlens/claimlens/internal/model"
	"github.com/claimlens/claimlens/internal/ocr"
)

// aHospitalWithItems writes a rate sheet from the step table
// (category | item | rate) and reloads the catalog.
func aHospitalWithItems(ctx context.Context, name string, table *godog.Table) (context.Context, error) {
	state := getState(ctx)
	if state == nil {
		return ctx, fmt.Errorf("no test state; is the Before hook running?")
	}

	sheet := &model.RateSheet{HospitalName: name}
	byCategory := map[string]int{}
	for i, row := range table.Rows {
		if i == 0 {
			continue // header row
		}
		if len(row.Cells) != 3 {
			return ctx, fmt.Errorf("row %d: want 3 cells (category, item, rate), got %d", i, len(row.Cells))
		}
		category := row.Cells[0].Value
		item := row.Cells[1].Value
		rate, err := strconv.ParseFloat(row.Cells[2].Value, 64)
		if err != nil {
			return ctx, fmt.Errorf("row %d: bad rate %q: %w", i, row.Cells[2].Value, err)
		}

		idx, ok := byCategory[category]
		if !ok {
			idx = len(sheet.Categories)
			byCategory[category] = idx
			sheet.Categories = append(sheet.Categories, model.RateCategory{CategoryName: category})
		}
		sheet.Categories[idx].Items = append(sheet.Categories[idx].Items,
			model.TieUpItem{ItemName: item, Rate: rate})
	}

	data, err := json.MarshalIndent(sheet, "", "  ")
	if err != nil {
		return ctx, err
	}
	path := filepath.Join(state.catalogDir, "sheet.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return ctx, err
	}
	if _, err := state.catalog.Reload(ctx); err != nil {
		return ctx, err
	}
	return ctx, nil
}

// theOCRSidecarReads scripts the fake engine with a single page.
func theOCRSidecarReads(ctx context.Context, text *godog.DocString) (context.Context, error) {
	state := getState(ctx)
	if state == nil {
		return ctx, fmt.Errorf("no test state")
	}
	state.fake.Pages = []ocr.Page{{Page: 1, Text: text.Content}}
	return ctx, nil
}

func iUploadABill(ctx context.Context, employee, hospital string) (context.Context, error) {
	return upload(ctx, employee, hospital, "")
}

func iUploadABillWithRequestID(ctx context.Context, employee, hospital, requestID string) (context.Context, error) {
	return upload(ctx, employee, hospital, requestID)
}

func upload(ctx context.Context, employee, hospital, requestID string) (context.Context, error) {
	state := getState(ctx)
	if state == nil {
		return ctx, fmt.Errorf("no test state")
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "bill.pdf")
	if err != nil {
		return ctx, err
	}
	if _, err := fw.Write([]byte("%PDF-1.4 functional fixture")); err != nil {
		return ctx, err
	}
	_ = mw.WriteField("employee_id", employee)
	_ = mw.WriteField("hospital_name", hospital)
	if requestID != "" {
		_ = mw.WriteField("client_request_id", requestID)
	}
	if err := mw.Close(); err != nil {
		return ctx, err
	}

	resp, err := http.Post(state.server.URL+"/api/v1/bills/upload", mw.FormDataContentType(), &buf)
	if err != nil {
		return ctx, err
	}
	defer resp.Body.Close()

	body := map[string]any{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return ctx, err
	}
	state.lastStatus = resp.StatusCode
	state.lastBody = body
	if id, ok := body["upload_id"].(string); ok {
		state.prevUploadID = state.uploadID
		state.uploadID = id
	}
	return ctx, nil
}

func theUploadIsAccepted(ctx context.Context) error {
	state := getState(ctx)
	if state.lastStatus != http.StatusAccepted {
		return fmt.Errorf("want 202 Accepted, got %d: %v", state.lastStatus, state.lastBody)
	}
	if state.uploadID == "" {
		return fmt.Errorf("no upload_id in response: %v", state.lastBody)
	}
	return nil
}

// aWorkerClaimsAndDies claims the pending job with a lease that
// expires almost immediately and never finishes it. Reconcile must
// hand the job back to the queue.
func aWorkerClaimsAndDies(ctx context.Context) error {
	state := getState(ctx)
	rec, err := state.store.ClaimNextPendingJob(ctx, 50*time.Millisecond)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("no pending job to claim")
	}
	time.Sleep(60 * time.Millisecond)
	return nil
}

func processingCompletes(ctx context.Context) error {
	state := getState(ctx)
	state.startWorker()
	state.pipeline.Wake()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		status, err := fetchStatus(state)
		if err != nil {
			return err
		}
		ready, _ := status["details_ready"].(bool)
		if ready {
			return nil
		}
		if s, _ := status["status"].(string); s == "failed" {
			return fmt.Errorf("processing failed: %v", status["error_message"])
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("timed out waiting for processing to complete")
}

func theBillStatusIs(ctx context.Context, want string) error {
	state := getState(ctx)
	status, err := fetchStatus(state)
	if err != nil {
		return err
	}
	if got, _ := status["status"].(string); got != want {
		return fmt.Errorf("want status %q, got %q", want, got)
	}
	return nil
}

func theSameUploadIDIsReturned(ctx context.Context) error {
	state := getState(ctx)
	if state.prevUploadID == "" {
		return fmt.Errorf("no previous upload to compare against")
	}
	if state.uploadID != state.prevUploadID {
		return fmt.Errorf("upload ids differ: %s vs %s", state.uploadID, state.prevUploadID)
	}
	existing, _ := state.lastBody["existing"].(bool)
	if !existing {
		return fmt.Errorf("duplicate upload not flagged as existing: %v", state.lastBody)
	}
	return nil
}

func exactlyOneBillExists(ctx context.Context) error {
	state := getState(ctx)
	resp, err := http.Get(state.server.URL + "/api/v1/bills")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var body struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return err
	}
	if body.Count != 1 {
		return fmt.Errorf("want exactly 1 bill, got %d", body.Count)
	}
	return nil
}

func itemIsClassified(ctx context.Context, itemName, want string) error {
	item, err := findItem(ctx, itemName)
	if err != nil {
		return err
	}
	if item.Status != want {
		return fmt.Errorf("item %q: want status %s, got %s (reason %s, best %q %.2f)",
			itemName, want, item.Status, item.FailureReason, item.BestMatch, item.BestSimilarity)
	}
	return nil
}

func itemIsClassifiedWithReason(ctx context.Context, itemName, wantStatus, wantReason string) error {
	if err := itemIsClassified(ctx, itemName, wantStatus); err != nil {
		return err
	}
	item, err := findItem(ctx, itemName)
	if err != nil {
		return err
	}
	if item.FailureReason != wantReason {
		return fmt.Errorf("item %q: want reason %s, got %s", itemName, wantReason, item.FailureReason)
	}
	return nil
}

func itemHasAmounts(ctx context.Context, itemName string, allowed, extra float64) error {
	item, err := findItem(ctx, itemName)
	if err != nil {
		return err
	}
	if math.Abs(item.AllowedAmount-allowed) > 0.01 {
		return fmt.Errorf("item %q: want allowed %.2f, got %.2f", itemName, allowed, item.AllowedAmount)
	}
	if math.Abs(item.ExtraAmount-extra) > 0.01 {
		return fmt.Errorf("item %q: want extra %.2f, got %.2f", itemName, extra, item.ExtraAmount)
	}
	return nil
}

func theUnclassifiedTotalIs(ctx context.Context, want float64) error {
	details, err := fetchDetails(getState(ctx))
	if err != nil {
		return err
	}
	got := details.FinancialTotals["total_unclassified"]
	if math.Abs(got-want) > 0.01 {
		return fmt.Errorf("want unclassified total %.2f, got %.2f", want, got)
	}
	return nil
}

func theFinancialTotalsBalance(ctx context.Context) error {
	details, err := fetchDetails(getState(ctx))
	if err != nil {
		return err
	}
	if details.Verification == nil {
		return fmt.Errorf("no verification result in details")
	}
	if !details.Verification.FinancialsBalanced {
		return fmt.Errorf("totals do not balance: %+v", details.Verification.Totals)
	}
	return nil
}

type detailsDoc struct {
	BillID          string                    `json:"billId"`
	Status          string                    `json:"status"`
	Verification    *model.VerificationResult `json:"verification"`
	FinancialTotals map[string]float64        `json:"financial_totals"`
}

func fetchStatus(state *testState) (map[string]any, error) {
	resp, err := http.Get(state.server.URL + "/api/v1/bills/" + state.uploadID + "/status")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body := map[string]any{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status request failed: %d: %v", resp.StatusCode, body)
	}
	return body, nil
}

func fetchDetails(state *testState) (*detailsDoc, error) {
	resp, err := http.Get(state.server.URL + "/api/v1/bills/" + state.uploadID)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("details request failed: %d", resp.StatusCode)
	}
	var doc detailsDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func findItem(ctx context.Context, itemName string) (*model.ItemResult, error) {
	details, err := fetchDetails(getState(ctx))
	if err != nil {
		return nil, err
	}
	if details.Verification == nil {
		return nil, fmt.Errorf("no verification result in details")
	}
	for _, cat := range details.Verification.Categories {
		for i := range cat.Items {
			if cat.Items[i].ItemName == itemName {
				return &cat.Items[i], nil
			}
		}
	}
	return nil, fmt.Errorf("item %q not found in verification result", itemName)
}
