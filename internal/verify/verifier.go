// Package verify implements the semantic verification engine: hospital
// and category resolution, per-item matching against the tie-up
// catalog with LLM arbitration for the borderline band, price
// classification, and the financial-reconciliation invariants.
//
// The verifier is pure given a catalog snapshot: it holds no state
// between bills and every side effect is a log line or a memoized
// arbiter verdict.
package verify

import (
	"context"
	"time"

	"github.com/claimlens/claimlens/internal/artifact"
	"github.com/claimlens/claimlens/internal/catalog"
	"github.com/claimlens/claimlens/internal/config"
	"github.com/claimlens/claimlens/internal/embed"
	"github.com/claimlens/claimlens/internal/log"
	"github.com/claimlens/claimlens/internal/match"
	"github.com/claimlens/claimlens/internal/model"
	"github.com/claimlens/claimlens/internal/normalize"
)

// topK is how many candidates the matcher returns per item.
const topK = 3

// Gates for the hybrid acceptance rule: a hybrid score above the accept
// threshold only counts when one of the lexical signals backs it up.
const (
	tokenOverlapGate = 0.5
	containmentGate  = 0.7
)

// notInTieupFloor separates "this item is not in the tie-up at all"
// from "something similar exists but not similar enough".
const notInTieupFloor = 0.50

// Decider is the arbitration hook. *Arbiter satisfies it; tests script
// it directly.
type Decider interface {
	Decide(ctx context.Context, billItem, tieupItem string) Verdict
}

// Verifier matches one extracted bill against the rate catalog.
type Verifier struct {
	cfg      config.Verification
	embedder embed.Embedder
	arbiter  Decider
	logger   log.Logger
}

// New builds a verifier. A nil arbiter disables the LLM band: items in
// it are rejected on the scorer's verdict alone.
func New(cfg config.Verification, embedder embed.Embedder, arbiter Decider, logger log.Logger) *Verifier {
	if logger == nil {
		logger = log.Default()
	}
	return &Verifier{
		cfg:      cfg,
		embedder: embedder,
		arbiter:  arbiter,
		logger:   logger.With("component", "verifier"),
	}
}

// preparedItem carries one bill row with its query variants.
type preparedItem struct {
	row        model.ItemRow
	normalized string
	queries    []match.Query
}

// VerifyBill runs the four stages against a catalog snapshot. It never
// fails: embedding outages degrade scores to zero and surface as
// unmatched items, and reconciliation problems become diagnostics on
// the returned result.
func (v *Verifier) VerifyBill(ctx context.Context, cat *catalog.Catalog, hospitalName string, bill *model.ExtractedBill) *model.VerificationResult {
	weights := match.Weights{
		Semantic:    v.cfg.WeightSemantic,
		Token:       v.cfg.WeightToken,
		Containment: v.cfg.WeightContainment,
	}

	hospQuery, prepared := v.prepare(ctx, hospitalName, bill)

	result := &model.VerificationResult{VerifiedAt: time.Now().UTC()}

	// Stage 1: hospital.
	hospital := v.matchHospital(cat, hospQuery, result)
	if hospital == nil {
		for ci, billCat := range bill.Categories {
			cr := model.CategoryResult{CategoryName: billCat.CategoryName}
			for _, p := range prepared[ci] {
				item := model.ItemResult{ItemName: p.row.ItemName}
				ClassifyUnmatched(&item, p.row, model.ReasonHospitalNotMatched)
				cr.Items = append(cr.Items, item)
			}
			result.Categories = append(result.Categories, cr)
		}
		v.aggregate(result)
		return result
	}

	// Stages 2 and 3 per input category, preserving order.
	for ci, billCat := range bill.Categories {
		cr := v.verifyCategory(ctx, hospital, billCat, prepared[ci], weights)
		result.Categories = append(result.Categories, cr)
	}

	v.aggregate(result)
	return result
}

// prepare normalizes and embeds every query text in one batch: the
// hospital name first, then per item the normalized text and, when
// present, the medical core.
func (v *Verifier) prepare(ctx context.Context, hospitalName string, bill *model.ExtractedBill) (match.Query, [][]preparedItem) {
	texts := []string{normalize.Normalized(hospitalName)}
	type slot struct{ norm, core string }
	slots := make([][]slot, len(bill.Categories))

	for ci, cat := range bill.Categories {
		slots[ci] = make([]slot, len(cat.Items))
		for ii, row := range cat.Items {
			r := normalize.Text(row.ItemName)
			slots[ci][ii] = slot{norm: r.Normalized, core: r.MedicalCore}
			texts = append(texts, r.Normalized)
			if r.MedicalCore != "" {
				texts = append(texts, r.MedicalCore)
			}
		}
	}

	vecs := embed.EmbedSafe(ctx, v.embedder, v.logger, texts)

	hospQuery := match.Query{
		Tokens: normalize.ContentTokens(texts[0]),
		Vector: vecs[0],
	}

	next := 1
	prepared := make([][]preparedItem, len(bill.Categories))
	for ci, cat := range bill.Categories {
		prepared[ci] = make([]preparedItem, len(cat.Items))
		for ii, row := range cat.Items {
			s := slots[ci][ii]
			p := preparedItem{
				row:        row,
				normalized: s.norm,
				queries: []match.Query{{
					Tokens: normalize.ContentTokens(s.norm),
					Vector: vecs[next],
				}},
			}
			next++
			if s.core != "" {
				p.queries = append(p.queries, match.Query{
					Tokens: normalize.ContentTokens(s.core),
					Vector: vecs[next],
				})
				next++
			}
			prepared[ci][ii] = p
		}
	}
	return hospQuery, prepared
}

// matchHospital resolves stage 1. A similarity at or below the
// threshold leaves every item unclassifiable, so nil is returned and
// only the best guess is recorded for diagnostics.
func (v *Verifier) matchHospital(cat *catalog.Catalog, q match.Query, result *model.VerificationResult) *catalog.Hospital {
	best, ok := cat.HospitalIndex().Nearest(q)
	if !ok {
		v.logger.Warn("hospital match skipped: catalog is empty")
		return nil
	}

	result.HospitalMatch = model.HospitalMatch{
		Name:       best.Entry.Name,
		Similarity: best.Semantic,
	}
	if best.Semantic <= v.cfg.HospitalThreshold {
		v.logger.Warn("hospital below similarity threshold, all items unclassified",
			"asserted", best.Entry.Name,
			"similarity", best.Semantic,
			"threshold", v.cfg.HospitalThreshold)
		return nil
	}
	result.HospitalMatch.Matched = true
	return cat.HospitalByRef(best.Entry.Ref)
}

// verifyCategory resolves stage 2 for one input category and runs
// stage 3 over its items.
func (v *Verifier) verifyCategory(ctx context.Context, hospital *catalog.Hospital, billCat model.BillCategory, items []preparedItem, weights match.Weights) model.CategoryResult {
	cr := model.CategoryResult{CategoryName: billCat.CategoryName}

	catNorm := normalize.Normalized(billCat.CategoryName)
	catQuery := match.Query{
		Tokens: normalize.ContentTokens(catNorm),
	}
	catQuery.Vector = embed.EmbedSafe(ctx, v.embedder, v.logger, []string{catNorm})[0]

	index := hospital.UnionIndex()
	if best, ok := hospital.CategoryIndex().Nearest(catQuery); ok {
		cr.MatchedCategory = best.Entry.Name
		cr.Similarity = best.Semantic

		switch {
		case best.Semantic >= v.cfg.CategoryStrong:
			if ix, ok := hospital.ItemIndex(best.Entry.Name); ok {
				index = ix
			}
		case best.Semantic >= v.cfg.CategorySoft:
			// Soft band: trust the category anyway, but leave a trace.
			v.logger.Warn("category matched below strong threshold",
				"category", billCat.CategoryName,
				"matched", best.Entry.Name,
				"similarity", best.Semantic)
			if ix, ok := hospital.ItemIndex(best.Entry.Name); ok {
				index = ix
			}
		default:
			cr.UnionSearch = true
			v.logger.Debug("category below soft threshold, searching all categories",
				"category", billCat.CategoryName,
				"best_guess", best.Entry.Name,
				"similarity", best.Semantic)
		}
	}

	for _, p := range items {
		cr.Items = append(cr.Items, v.verifyItem(ctx, hospital, index, billCat.CategoryName, p, weights))
	}
	return cr
}

// verifyItem runs stage 3 for one bill row.
func (v *Verifier) verifyItem(ctx context.Context, hospital *catalog.Hospital, index *match.Index, categoryName string, p preparedItem, weights match.Weights) model.ItemResult {
	out := model.ItemResult{ItemName: p.row.ItemName}

	if artifact.IsArtifact(categoryName, p.row.ItemName, p.row.Amount, p.row.Amount) {
		out.Status = model.ItemIgnoredArtifact
		return out
	}

	results := index.TopK(p.queries, topK, weights)
	if len(results) == 0 {
		reason := model.ReasonNotInTieup
		if artifact.IsAdminCharge(p.row.ItemName) {
			reason = model.ReasonAdminCharge
		}
		ClassifyUnmatched(&out, p.row, reason)
		return out
	}

	for _, r := range results {
		out.Candidates = append(out.Candidates, model.CandidateScore{
			ItemName:     r.Entry.Name,
			Semantic:     r.Semantic,
			TokenOverlap: r.TokenOverlap,
			Containment:  r.Containment,
			Hybrid:       r.Hybrid,
		})
	}

	best := results[0]
	accepted := best.Semantic >= v.cfg.SemanticAccept ||
		(best.Hybrid >= v.cfg.HybridAccept &&
			(best.TokenOverlap >= tokenOverlapGate || best.Containment >= containmentGate))

	if !accepted && v.arbiter != nil &&
		best.Semantic >= v.cfg.SemanticMinForLLM &&
		best.Semantic >= v.cfg.LLMBandLow && best.Semantic < v.cfg.LLMBandHigh {
		verdict := v.arbiter.Decide(ctx, p.normalized, best.Entry.Normalized)
		out.ArbiterUsed = true
		if verdict.Err != "" {
			v.logger.Warn("arbitration unavailable, item left to scorer verdict",
				"item", p.normalized,
				"error", verdict.Err)
		}
		accepted = verdict.Match && verdict.Confidence >= v.cfg.MinLLMConfidence
	}

	if accepted {
		item := hospital.Item(best.Entry.Ref)
		out.BestMatch = item.Name
		out.BestSimilarity = best.Hybrid
		ClassifyMatched(&out, p.row, item)
		return out
	}

	reason := v.rejectionReason(hospital, best, p.row.ItemName)
	ClassifyUnmatched(&out, p.row, reason)
	if reason != model.ReasonNotInTieup {
		out.BestMatch = best.Entry.Name
		out.BestSimilarity = best.Hybrid
	}
	return out
}

// rejectionReason picks the failure reason for a rejected item. Admin
// phrases win over similarity grades: a registration fee scoring 0.3
// against anything is still an admin charge, not a missing tie-up.
func (v *Verifier) rejectionReason(hospital *catalog.Hospital, best match.Result, itemName string) string {
	if artifact.IsAdminCharge(itemName) {
		return model.ReasonAdminCharge
	}
	if hospital.Item(best.Entry.Ref).Type == model.TypeBundle {
		return model.ReasonPackageOnly
	}
	if best.Semantic < notInTieupFloor {
		return model.ReasonNotInTieup
	}
	return model.ReasonLowSimilarity
}

// aggregate runs stage 4: counts, totals, and the reconciliation
// invariant.
func (v *Verifier) aggregate(result *model.VerificationResult) {
	for _, cr := range result.Categories {
		for _, item := range cr.Items {
			switch item.Status {
			case model.ItemGreen:
				result.Summary.Green++
				result.Totals.Allowed += item.AllowedAmount
			case model.ItemRed:
				result.Summary.Red++
				result.Totals.Allowed += item.AllowedAmount
				result.Totals.Extra += item.ExtraAmount
			case model.ItemUnclassified:
				result.Summary.Unclassified++
				result.Totals.Unclassified += item.BillAmount
			case model.ItemAllowedNotComparable:
				result.Summary.AllowedNotComparable++
				result.Totals.Unclassified += item.BillAmount
			case model.ItemMismatch:
				result.Summary.Mismatch++
				result.Totals.Unclassified += item.BillAmount
			case model.ItemIgnoredArtifact:
				result.Summary.IgnoredArtifact++
				continue
			}
			result.Totals.Bill += item.BillAmount
		}
	}

	result.FinancialsBalanced = result.Totals.Balanced()
	if !result.FinancialsBalanced {
		result.Diagnostics = append(result.Diagnostics, model.DiagReconciliationImbalance)
		v.logger.Error("financial totals do not reconcile",
			"bill", result.Totals.Bill,
			"allowed", result.Totals.Allowed,
			"extra", result.Totals.Extra,
			"unclassified", result.Totals.Unclassified)
	}
}
