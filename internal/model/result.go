package model

import "time"

// Per-item verification status values.
const (
	ItemGreen                = "GREEN"                  // matched, within allowed limit
	ItemRed                  = "RED"                    // matched, billed above allowed
	ItemUnclassified         = "UNCLASSIFIED"           // no acceptable match
	ItemAllowedNotComparable = "ALLOWED_NOT_COMPARABLE" // administrative, nothing to compare against
	ItemMismatch             = "MISMATCH"               // best match is claimable only as a package
	ItemIgnoredArtifact      = "IGNORED_ARTIFACT"       // OCR/header fragment, not a billable row
)

// Failure reasons attached to non-GREEN/RED items.
const (
	ReasonNotInTieup         = "NOT_IN_TIEUP"
	ReasonLowSimilarity      = "LOW_SIMILARITY"
	ReasonAdminCharge        = "ADMIN_CHARGE"
	ReasonPackageOnly        = "PACKAGE_ONLY"
	ReasonHospitalNotMatched = "HOSPITAL_NOT_MATCHED"
)

// Diagnostic markers recorded on a VerificationResult. These are
// findings, not failures: the result is still returned and persisted.
const (
	DiagCompletenessViolation   = "COMPLETENESS_VIOLATION"
	DiagCounterViolation        = "COUNTER_VIOLATION"
	DiagReconciliationImbalance = "RECONCILIATION_IMBALANCE"
)

// VerificationResult is the full outcome of verifying one bill against
// the catalog.
type VerificationResult struct {
	HospitalMatch HospitalMatch    `json:"hospital_match"`
	Categories    []CategoryResult `json:"categories"`
	Summary       StatusCounts     `json:"summary"`
	Totals        FinancialTotals  `json:"totals"`

	// FinancialsBalanced holds when total_bill equals
	// allowed + extra + unclassified within a paisa.
	FinancialsBalanced bool `json:"financials_balanced"`

	// Diagnostics records non-fatal validation findings
	// (completeness, counter, reconciliation). Never raised to callers.
	Diagnostics []string `json:"diagnostics,omitempty"`

	VerifiedAt time.Time `json:"verified_at"`
}

// HospitalMatch records how the asserted hospital resolved against the
// catalog's hospital index.
type HospitalMatch struct {
	// Name is the matched catalog hospital, empty when below threshold.
	Name       string  `json:"name,omitempty"`
	Similarity float64 `json:"similarity"`
	Matched    bool    `json:"matched"`
}

// CategoryResult carries one input category's items, in input order.
type CategoryResult struct {
	CategoryName string `json:"category_name"`

	// MatchedCategory is the catalog category the item search used, or
	// the best guess when similarity fell below the soft floor.
	MatchedCategory string  `json:"matched_category,omitempty"`
	Similarity      float64 `json:"similarity,omitempty"`

	// UnionSearch is set when the category similarity fell below 0.50
	// and item matching widened to all of the hospital's categories.
	UnionSearch bool `json:"union_search,omitempty"`

	Items []ItemResult `json:"items"`
}

// ItemResult is the verdict for one bill line.
type ItemResult struct {
	// ItemName is the original bill text, unmodified.
	ItemName string `json:"item_name"`

	Status        string  `json:"status"`
	BillAmount    float64 `json:"bill_amount"`
	AllowedAmount float64 `json:"allowed_amount"`
	ExtraAmount   float64 `json:"extra_amount"`

	// FailureReason is set for non-GREEN/RED items. See Reason* constants.
	FailureReason string `json:"failure_reason,omitempty"`

	// BestMatch and BestSimilarity describe the winning (or closest)
	// tie-up candidate. Empty when nothing plausible was found.
	BestMatch      string  `json:"best_match,omitempty"`
	BestSimilarity float64 `json:"best_similarity,omitempty"`

	// ArbiterUsed marks items whose acceptance went through the LLM.
	ArbiterUsed bool `json:"arbiter_used,omitempty"`

	// Candidates holds the top-K scoring detail for the debug view.
	Candidates []CandidateScore `json:"candidates,omitempty"`
}

// CandidateScore is one matcher candidate with its score breakdown.
type CandidateScore struct {
	ItemName     string  `json:"item_name"`
	Semantic     float64 `json:"semantic"`
	TokenOverlap float64 `json:"token_overlap"`
	Containment  float64 `json:"containment"`
	Hybrid       float64 `json:"hybrid"`
}

// StatusCounts tallies items by status.
type StatusCounts struct {
	Green                int `json:"green"`
	Red                  int `json:"red"`
	Unclassified         int `json:"unclassified"`
	AllowedNotComparable int `json:"allowed_not_comparable"`
	Mismatch             int `json:"mismatch"`
	IgnoredArtifact      int `json:"ignored_artifact"`
}

// Total returns the sum across all statuses.
func (c StatusCounts) Total() int {
	return c.Green + c.Red + c.Unclassified + c.AllowedNotComparable + c.Mismatch + c.IgnoredArtifact
}

// FinancialTotals aggregates bill money movement.
type FinancialTotals struct {
	// Bill is the sum of all item bill amounts.
	Bill float64 `json:"bill"`

	// Allowed sums allowed amounts over GREEN and RED items.
	Allowed float64 `json:"allowed"`

	// Extra sums the over-billed delta over RED items.
	Extra float64 `json:"extra"`

	// Unclassified sums bill amounts over UNCLASSIFIED, MISMATCH and
	// ALLOWED_NOT_COMPARABLE items.
	Unclassified float64 `json:"unclassified"`
}

// Balanced reports whether the totals reconcile within a paisa.
func (t FinancialTotals) Balanced() bool {
	diff := t.Bill - (t.Allowed + t.Extra + t.Unclassified)
	return diff < 0.01 && diff > -0.01
}
