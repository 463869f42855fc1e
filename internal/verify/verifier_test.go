package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/claimlens/claimlens/internal/catalog"
	"github.com/claimlens/claimlens/internal/config"
	"github.com/claimlens/claimlens/internal/log"
	"github.com/claimlens/claimlens/internal/model"
)

// stubEmbedder hands out fixed vectors keyed by normalized text, so
// semantic scores in these tests are chosen, not emergent. Unknown
// texts get the zero vector and score 0 against everything.
type stubEmbedder struct {
	vectors map[string][]float32
}

func (s stubEmbedder) ModelID() string { return "stub" }

func (s stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if v, ok := s.vectors[text]; ok {
			out[i] = v
		} else {
			out[i] = make([]float32, 8)
		}
	}
	return out, nil
}

// axis returns the unit vector along the given axis.
func axis(i int) []float32 {
	v := make([]float32, 8)
	v[i] = 1
	return v
}

// lean returns a unit vector whose dot product with axis(i) is exactly
// a; the remainder sits on the last axis, which no catalog node uses.
// Dyadic values of a (0.5, 0.6875, 0.75, 0.875) survive the float32
// round trip, making threshold comparisons in these tests exact.
func lean(i int, a float64) []float32 {
	v := make([]float32, 8)
	v[i] = float32(a)
	v[7] = float32(math.Sqrt(1 - a*a))
	return v
}

// scriptedDecider is a canned arbiter.
type scriptedDecider struct {
	verdict Verdict
	calls   int
}

func (d *scriptedDecider) Decide(_ context.Context, _, _ string) Verdict {
	d.calls++
	return d.verdict
}

// apolloSheet is the shared fixture: one hospital, consultation and
// radiology categories, a bundle-only health check.
func apolloSheet() *model.RateSheet {
	return &model.RateSheet{
		HospitalName: "Apollo Hospital",
		Categories: []model.RateCategory{
			{
				CategoryName: "Consultation",
				Items: []model.TieUpItem{
					{ItemName: "Consultation", Rate: 1500, Type: model.TypeService},
				},
			},
			{
				CategoryName: "Radiology",
				Items: []model.TieUpItem{
					{ItemName: "MRI Brain", Rate: 8500, Type: model.TypeService},
					{ItemName: "Health Check Package", Rate: 4000, Type: model.TypeBundle},
				},
			},
		},
	}
}

// baseVectors maps the fixture's catalog nodes onto separate axes.
// "consultation" serves as both a category and an item name; sharing
// one vector is harmless because the two indices are disjoint.
func baseVectors() map[string][]float32 {
	return map[string][]float32{
		"apollo hospital":      axis(0),
		"consultation":         axis(1),
		"radiology":            axis(2),
		"mri brain":            axis(4),
		"health check package": axis(5),
	}
}

// loadCatalog writes the sheet into a temp dir and loads it with the
// stub embedder.
func loadCatalog(t *testing.T, sheet *model.RateSheet, embedder stubEmbedder) *catalog.Catalog {
	t.Helper()
	dir := t.TempDir()
	data, err := json.Marshal(sheet)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "apollo_hospital.json"), data, 0o644); err != nil {
		t.Fatal(err)
	}
	cat, err := catalog.Load(context.Background(), dir, embedder)
	if err != nil {
		t.Fatalf("loading catalog: %v", err)
	}
	return cat
}

func newVerifier(embedder stubEmbedder, arbiter Decider) *Verifier {
	return New(config.DefaultVerification(), embedder, arbiter, log.NewNoop())
}

func billWith(category string, items ...model.ItemRow) *model.ExtractedBill {
	return &model.ExtractedBill{
		Categories: []model.BillCategory{{CategoryName: category, Items: items}},
	}
}

func singleItem(t *testing.T, result *model.VerificationResult) model.ItemResult {
	t.Helper()
	if len(result.Categories) != 1 || len(result.Categories[0].Items) != 1 {
		t.Fatalf("result shape: %d categories", len(result.Categories))
	}
	return result.Categories[0].Items[0]
}

// Consultation billed at exactly the tie-up rate, with serial and
// doctor noise in the bill text, comes out GREEN.
func TestVerifyBillGreenConsultation(t *testing.T) {
	vectors := baseVectors()
	vectors["consultation first visit"] = lean(1, 0.875)
	embedder := stubEmbedder{vectors}
	cat := loadCatalog(t, apolloSheet(), embedder)

	v := newVerifier(embedder, nil)
	bill := billWith("Consultation",
		model.ItemRow{ItemName: "1. CONSULTATION - FIRST VISIT | Dr. A. Kumar", Amount: 1500})
	result := v.VerifyBill(context.Background(), cat, "Apollo Hospital", bill)

	if !result.HospitalMatch.Matched {
		t.Fatalf("hospital not matched: %+v", result.HospitalMatch)
	}
	item := singleItem(t, result)
	if item.Status != model.ItemGreen {
		t.Fatalf("status = %s, want GREEN (candidates %+v)", item.Status, item.Candidates)
	}
	if item.AllowedAmount != 1500 || item.ExtraAmount != 0 {
		t.Errorf("allowed=%v extra=%v", item.AllowedAmount, item.ExtraAmount)
	}
	if item.ItemName != "1. CONSULTATION - FIRST VISIT | Dr. A. Kumar" {
		t.Errorf("original text not preserved: %q", item.ItemName)
	}
	if result.Summary.Green != 1 || result.Totals.Bill != 1500 || result.Totals.Allowed != 1500 {
		t.Errorf("summary=%+v totals=%+v", result.Summary, result.Totals)
	}
	if !result.FinancialsBalanced {
		t.Error("financials not balanced")
	}
}

// MRI billed above the tie-up rate comes out RED with the delta.
func TestVerifyBillRedMRI(t *testing.T) {
	embedder := stubEmbedder{baseVectors()}
	cat := loadCatalog(t, apolloSheet(), embedder)

	v := newVerifier(embedder, nil)
	bill := billWith("Radiology",
		model.ItemRow{ItemName: "MRI BRAIN | Dr. X", Amount: 10770})
	result := v.VerifyBill(context.Background(), cat, "Apollo Hospital", bill)

	item := singleItem(t, result)
	if item.Status != model.ItemRed {
		t.Fatalf("status = %s, want RED (candidates %+v)", item.Status, item.Candidates)
	}
	if item.AllowedAmount != 8500 || item.ExtraAmount != 2270 {
		t.Errorf("allowed=%v extra=%v, want 8500/2270", item.AllowedAmount, item.ExtraAmount)
	}
	if item.BestMatch != "MRI Brain" {
		t.Errorf("best match = %q", item.BestMatch)
	}
	if result.Totals.Extra != 2270 || !result.FinancialsBalanced {
		t.Errorf("totals=%+v balanced=%v", result.Totals, result.FinancialsBalanced)
	}
}

// A registration fee with no tie-up counterpart is an admin charge,
// not an unmatched item, and its amount lands in the unclassified
// total.
func TestVerifyBillAdminCharge(t *testing.T) {
	embedder := stubEmbedder{baseVectors()}
	cat := loadCatalog(t, apolloSheet(), embedder)

	v := newVerifier(embedder, nil)
	bill := billWith("Consultation",
		model.ItemRow{ItemName: "Registration Fee", Amount: 200})
	result := v.VerifyBill(context.Background(), cat, "Apollo Hospital", bill)

	item := singleItem(t, result)
	if item.Status != model.ItemAllowedNotComparable {
		t.Fatalf("status = %s, want ALLOWED_NOT_COMPARABLE", item.Status)
	}
	if item.FailureReason != model.ReasonAdminCharge {
		t.Errorf("reason = %s", item.FailureReason)
	}
	if result.Totals.Unclassified != 200 || !result.FinancialsBalanced {
		t.Errorf("totals=%+v", result.Totals)
	}
}

// An item whose best candidate scores well below the floor is
// NOT_IN_TIEUP and carries no best candidate.
func TestVerifyBillNotInTieup(t *testing.T) {
	vectors := baseVectors()
	vectors["experimental treatment"] = lean(1, 0.25)
	embedder := stubEmbedder{vectors}
	cat := loadCatalog(t, apolloSheet(), embedder)

	v := newVerifier(embedder, nil)
	bill := billWith("Consultation",
		model.ItemRow{ItemName: "Experimental Treatment", Amount: 10000})
	result := v.VerifyBill(context.Background(), cat, "Apollo Hospital", bill)

	item := singleItem(t, result)
	if item.Status != model.ItemUnclassified || item.FailureReason != model.ReasonNotInTieup {
		t.Fatalf("status=%s reason=%s", item.Status, item.FailureReason)
	}
	if item.BestMatch != "" {
		t.Errorf("best match should be omitted, got %q", item.BestMatch)
	}
	if result.Totals.Unclassified != 10000 {
		t.Errorf("unclassified total = %v", result.Totals.Unclassified)
	}
}

// Hospital similarity exactly at the threshold is a miss: every item
// is UNCLASSIFIED with HOSPITAL_NOT_MATCHED.
func TestVerifyBillHospitalThresholdBoundary(t *testing.T) {
	vectors := baseVectors()
	vectors["some other hospital"] = lean(0, 0.5)
	embedder := stubEmbedder{vectors}
	cat := loadCatalog(t, apolloSheet(), embedder)

	v := newVerifier(embedder, nil)
	bill := billWith("Consultation",
		model.ItemRow{ItemName: "Consultation", Amount: 1500})
	result := v.VerifyBill(context.Background(), cat, "Some Other Hospital", bill)

	if result.HospitalMatch.Matched {
		t.Fatal("hospital should not match at similarity 0.50")
	}
	item := singleItem(t, result)
	if item.Status != model.ItemUnclassified || item.FailureReason != model.ReasonHospitalNotMatched {
		t.Fatalf("status=%s reason=%s", item.Status, item.FailureReason)
	}
	if result.Summary.Unclassified != 1 || result.Totals.Unclassified != 1500 {
		t.Errorf("summary=%+v totals=%+v", result.Summary, result.Totals)
	}
}

// A borderline semantic score with no lexical overlap consults the
// arbiter; a confident yes accepts the candidate.
func TestVerifyBillArbiterAccepts(t *testing.T) {
	vectors := baseVectors()
	// 0.75 is inside the [0.70, 0.85) band; disjoint tokens keep the
	// hybrid gates closed.
	vectors["cranial scan"] = lean(4, 0.75)
	embedder := stubEmbedder{vectors}
	cat := loadCatalog(t, apolloSheet(), embedder)

	decider := &scriptedDecider{verdict: Verdict{Match: true, Confidence: 0.9, Model: "ollama"}}
	v := newVerifier(embedder, decider)
	bill := billWith("Radiology",
		model.ItemRow{ItemName: "Cranial Scan", Amount: 8000})
	result := v.VerifyBill(context.Background(), cat, "Apollo Hospital", bill)

	item := singleItem(t, result)
	if decider.calls != 1 {
		t.Fatalf("arbiter called %d times, want 1", decider.calls)
	}
	if !item.ArbiterUsed {
		t.Error("ArbiterUsed not set")
	}
	if item.Status != model.ItemGreen {
		t.Fatalf("status = %s, want GREEN via arbiter", item.Status)
	}
}

// The same borderline score with an arbiter no leaves the item
// unclassified as LOW_SIMILARITY.
func TestVerifyBillArbiterDeclines(t *testing.T) {
	vectors := baseVectors()
	vectors["cranial scan"] = lean(4, 0.75)
	embedder := stubEmbedder{vectors}
	cat := loadCatalog(t, apolloSheet(), embedder)

	decider := &scriptedDecider{verdict: Verdict{Match: false, Confidence: 0.9}}
	v := newVerifier(embedder, decider)
	bill := billWith("Radiology",
		model.ItemRow{ItemName: "Cranial Scan", Amount: 8000})
	result := v.VerifyBill(context.Background(), cat, "Apollo Hospital", bill)

	item := singleItem(t, result)
	if item.Status != model.ItemUnclassified || item.FailureReason != model.ReasonLowSimilarity {
		t.Fatalf("status=%s reason=%s", item.Status, item.FailureReason)
	}
}

// Below the band floor the arbiter is never consulted.
func TestVerifyBillBelowBandSkipsArbiter(t *testing.T) {
	vectors := baseVectors()
	vectors["cranial scan"] = lean(4, 0.6875)
	embedder := stubEmbedder{vectors}
	cat := loadCatalog(t, apolloSheet(), embedder)

	decider := &scriptedDecider{verdict: Verdict{Match: true, Confidence: 0.9}}
	v := newVerifier(embedder, decider)
	bill := billWith("Radiology",
		model.ItemRow{ItemName: "Cranial Scan", Amount: 8000})
	v.VerifyBill(context.Background(), cat, "Apollo Hospital", bill)

	if decider.calls != 0 {
		t.Errorf("arbiter called %d times below the band", decider.calls)
	}
}

// The semantic floor gates arbitration independently of the band: a
// config that widens the band downward still never sends scores under
// the floor to the LLM.
func TestVerifyBillSemanticFloorGatesArbiter(t *testing.T) {
	cfg := config.DefaultVerification()
	cfg.LLMBandLow = 0.40

	run := func(similarity float64) (*scriptedDecider, model.ItemResult) {
		vectors := baseVectors()
		vectors["cranial scan"] = lean(4, similarity)
		embedder := stubEmbedder{vectors}
		cat := loadCatalog(t, apolloSheet(), embedder)

		decider := &scriptedDecider{verdict: Verdict{Match: true, Confidence: 0.9}}
		v := New(cfg, embedder, decider, log.NewNoop())
		bill := billWith("Radiology",
			model.ItemRow{ItemName: "Cranial Scan", Amount: 8000})
		result := v.VerifyBill(context.Background(), cat, "Apollo Hospital", bill)
		return decider, singleItem(t, result)
	}

	decider, item := run(0.5)
	if decider.calls != 0 {
		t.Errorf("arbiter called %d times below the semantic floor", decider.calls)
	}
	if item.ArbiterUsed || item.Status == model.ItemGreen {
		t.Errorf("item accepted below the floor: %+v", item)
	}

	decider, item = run(0.5625)
	if decider.calls != 1 {
		t.Fatalf("arbiter called %d times above the floor, want 1", decider.calls)
	}
	if item.Status != model.ItemGreen {
		t.Errorf("status = %s, want GREEN via arbiter", item.Status)
	}
}

// A rejected item whose best candidate is bundle-only is a MISMATCH.
func TestVerifyBillPackageOnly(t *testing.T) {
	vectors := baseVectors()
	// Semantic 0.5 keeps the best candidate above the not-in-tieup
	// floor while the 2/3 token overlap leaves the hybrid short of
	// acceptance: 0.6·0.5 + 0.3·(2/3) + 0.1·(2/3) ≈ 0.57.
	vectors["health check"] = lean(5, 0.5)
	embedder := stubEmbedder{vectors}
	cat := loadCatalog(t, apolloSheet(), embedder)

	v := newVerifier(embedder, nil)
	bill := billWith("Radiology",
		model.ItemRow{ItemName: "Health Check", Amount: 5000})
	result := v.VerifyBill(context.Background(), cat, "Apollo Hospital", bill)

	item := singleItem(t, result)
	if item.Status != model.ItemMismatch || item.FailureReason != model.ReasonPackageOnly {
		t.Fatalf("status=%s reason=%s (candidates %+v)", item.Status, item.FailureReason, item.Candidates)
	}
	if item.BestMatch != "Health Check Package" {
		t.Errorf("best match = %q", item.BestMatch)
	}
}

// A category scoring below the soft floor widens item search to the
// hospital-wide union index and records the union flag.
func TestVerifyBillUnionSearchOnWeakCategory(t *testing.T) {
	vectors := baseVectors()
	vectors["imaging"] = lean(2, 0.25)
	vectors["mri brain scan"] = lean(4, 0.75)
	embedder := stubEmbedder{vectors}
	cat := loadCatalog(t, apolloSheet(), embedder)

	v := newVerifier(embedder, nil)
	bill := billWith("Imaging",
		model.ItemRow{ItemName: "MRI Brain Scan", Amount: 8000})
	result := v.VerifyBill(context.Background(), cat, "Apollo Hospital", bill)

	if len(result.Categories) != 1 || !result.Categories[0].UnionSearch {
		t.Fatalf("union search flag not set: %+v", result.Categories)
	}
	// Containment 1.0 against "mri brain" opens the hybrid gate, so
	// the union hit is accepted without arbitration.
	item := singleItem(t, result)
	if item.Status != model.ItemGreen {
		t.Fatalf("status = %s, want GREEN from union index (candidates %+v)", item.Status, item.Candidates)
	}
}

// failSingleEmbedder errors on one-text batches, which only the
// category lookup issues. The item batch keeps working.
type failSingleEmbedder struct {
	stubEmbedder
}

func (f failSingleEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 1 {
		return nil, errors.New("connection refused")
	}
	return f.stubEmbedder.Embed(ctx, texts)
}

// A dead embedding backend at category lookup degrades to the union
// index with a warning instead of silently losing the vector.
func TestVerifyBillCategoryEmbedFailureWarns(t *testing.T) {
	embedder := stubEmbedder{baseVectors()}
	cat := loadCatalog(t, apolloSheet(), embedder)

	var buf bytes.Buffer
	logger := log.NewText(&buf, slog.LevelWarn)
	v := New(config.DefaultVerification(), failSingleEmbedder{embedder}, nil, logger)

	bill := billWith("Consultation",
		model.ItemRow{ItemName: "1. CONSULTATION - FIRST VISIT | Dr. A. Kumar", Amount: 1500})
	result := v.VerifyBill(context.Background(), cat, "Apollo Hospital", bill)

	if !strings.Contains(buf.String(), "embedding backend unavailable") {
		t.Errorf("missing degradation warning, log: %s", buf.String())
	}
	if len(result.Categories) != 1 || !result.Categories[0].UnionSearch {
		t.Fatalf("expected union fallback: %+v", result.Categories)
	}
	// Item vectors came through the batch path, so the item still
	// resolves against the union index.
	item := singleItem(t, result)
	if item.Status != model.ItemGreen {
		t.Fatalf("status = %s, want GREEN (candidates %+v)", item.Status, item.Candidates)
	}
}

// Zero-amount artifacts under a hospital header category are ignored
// and excluded from totals.
func TestVerifyBillIgnoresArtifacts(t *testing.T) {
	embedder := stubEmbedder{baseVectors()}
	cat := loadCatalog(t, apolloSheet(), embedder)

	v := newVerifier(embedder, nil)
	bill := billWith("Hospital",
		model.ItemRow{ItemName: "UNKNOWN", Amount: 0})
	result := v.VerifyBill(context.Background(), cat, "Apollo Hospital", bill)

	item := singleItem(t, result)
	if item.Status != model.ItemIgnoredArtifact {
		t.Fatalf("status = %s, want IGNORED_ARTIFACT", item.Status)
	}
	if result.Summary.IgnoredArtifact != 1 || result.Totals.Bill != 0 {
		t.Errorf("summary=%+v totals=%+v", result.Summary, result.Totals)
	}
	if !result.FinancialsBalanced {
		t.Error("financials not balanced")
	}
}

// Output preserves input order and cardinality across categories.
func TestVerifyBillPreservesOrderAndCardinality(t *testing.T) {
	embedder := stubEmbedder{baseVectors()}
	cat := loadCatalog(t, apolloSheet(), embedder)

	v := newVerifier(embedder, nil)
	bill := &model.ExtractedBill{
		Categories: []model.BillCategory{
			{CategoryName: "Radiology", Items: []model.ItemRow{
				{ItemName: "MRI BRAIN", Amount: 9000},
				{ItemName: "Something Unknown", Amount: 100},
			}},
			{CategoryName: "Consultation", Items: []model.ItemRow{
				{ItemName: "Consultation", Amount: 1500},
			}},
		},
	}
	result := v.VerifyBill(context.Background(), cat, "Apollo Hospital", bill)

	if len(result.Categories) != 2 {
		t.Fatalf("categories = %d", len(result.Categories))
	}
	if result.Categories[0].CategoryName != "Radiology" || result.Categories[1].CategoryName != "Consultation" {
		t.Errorf("category order changed")
	}
	if len(result.Categories[0].Items) != 2 || len(result.Categories[1].Items) != 1 {
		t.Errorf("cardinality changed")
	}
	if result.Categories[0].Items[0].ItemName != "MRI BRAIN" {
		t.Errorf("item order changed")
	}
	if got := result.Summary.Total(); got != 3 {
		t.Errorf("summary total = %d, want 3", got)
	}
	if result.Summary.Red != 1 || result.Summary.Green != 1 || result.Summary.Unclassified != 1 {
		t.Errorf("summary = %+v", result.Summary)
	}
	if !result.FinancialsBalanced {
		t.Errorf("totals = %+v", result.Totals)
	}
}
