// Package render formats verification results as the stable v1 text
// view that clients parse, plus a debug view with full scoring detail.
// It also hosts the post-verification validators whose findings become
// result diagnostics.
package render

import (
	"fmt"
	"strings"

	"github.com/claimlens/claimlens/internal/model"
)

// FormatVersion identifies the text contract. Bump only with a new
// parser-visible format.
const FormatVersion = "v1"

const notAvailable = "N/A"

// Text renders the stable v1 view. IGNORED_ARTIFACT items are left
// out entirely; Total Items counts the remaining statuses.
func Text(result *model.VerificationResult) string {
	var b strings.Builder

	s := result.Summary
	totalItems := s.Green + s.Red + s.Unclassified + s.Mismatch + s.AllowedNotComparable

	b.WriteString("Overall Summary\n")
	fmt.Fprintf(&b, "Total Items: %d\n", totalItems)
	fmt.Fprintf(&b, "GREEN: %d\n", s.Green)
	fmt.Fprintf(&b, "RED: %d\n", s.Red)
	fmt.Fprintf(&b, "UNCLASSIFIED: %d\n", s.Unclassified)
	fmt.Fprintf(&b, "MISMATCH: %d\n", s.Mismatch)
	fmt.Fprintf(&b, "ALLOWED_NOT_COMPARABLE: %d\n", s.AllowedNotComparable)
	b.WriteString("\n")

	b.WriteString("Financial Summary\n")
	fmt.Fprintf(&b, "Total Bill Amount: %.2f\n", result.Totals.Bill)
	fmt.Fprintf(&b, "Total Allowed Amount: %.2f\n", result.Totals.Allowed)
	fmt.Fprintf(&b, "Total Extra Amount: %.2f\n", result.Totals.Extra)
	fmt.Fprintf(&b, "Total Unclassified Amount: %.2f\n", result.Totals.Unclassified)
	b.WriteString("\n")

	for _, cat := range result.Categories {
		for _, item := range cat.Items {
			if item.Status == model.ItemIgnoredArtifact {
				continue
			}
			writeItem(&b, cat.CategoryName, item)
		}
	}

	return strings.TrimRight(b.String(), "\n") + "\n"
}

func writeItem(b *strings.Builder, category string, item model.ItemResult) {
	fmt.Fprintf(b, "Category: %s\n", orNA(category))
	fmt.Fprintf(b, "Bill Item: %s\n", orNA(item.ItemName))
	fmt.Fprintf(b, "Best Match: %s\n", orNA(item.BestMatch))

	if item.BestSimilarity > 0 {
		fmt.Fprintf(b, "Similarity: %.2f%%\n", item.BestSimilarity*100)
	} else {
		fmt.Fprintf(b, "Similarity: %s\n", notAvailable)
	}

	fmt.Fprintf(b, "Allowed: %s\n", moneyOrNA(item.AllowedAmount, item.Status))
	fmt.Fprintf(b, "Billed: %.2f\n", item.BillAmount)
	fmt.Fprintf(b, "Extra: %s\n", moneyOrNA(item.ExtraAmount, item.Status))
	fmt.Fprintf(b, "Decision: %s\n", strings.ToLower(item.Status))
	fmt.Fprintf(b, "Reason: %s\n", reason(item))
	b.WriteString("\n")
}

// moneyOrNA hides a zero amount behind N/A for statuses where zero
// means "not applicable" rather than "free".
func moneyOrNA(amount float64, status string) string {
	switch status {
	case model.ItemUnclassified, model.ItemMismatch, model.ItemAllowedNotComparable:
		if amount == 0 {
			return notAvailable
		}
	}
	return fmt.Sprintf("%.2f", amount)
}

func reason(item model.ItemResult) string {
	if item.FailureReason != "" {
		return item.FailureReason
	}
	if item.Status == model.ItemGreen {
		return "Match within allowed limit"
	}
	return notAvailable
}

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return notAvailable
	}
	return s
}

// Debug renders everything Text hides: artifact rows, arbiter usage,
// hospital match detail, diagnostics, and per-candidate score
// breakdowns. The format is for humans and carries no stability
// promise.
func Debug(result *model.VerificationResult) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Hospital: %s (similarity %.4f, matched=%v)\n",
		orNA(result.HospitalMatch.Name), result.HospitalMatch.Similarity, result.HospitalMatch.Matched)
	fmt.Fprintf(&b, "Balanced: %v\n", result.FinancialsBalanced)
	for _, d := range result.Diagnostics {
		fmt.Fprintf(&b, "Diagnostic: %s\n", d)
	}
	b.WriteString("\n")

	for _, cat := range result.Categories {
		fmt.Fprintf(&b, "Category: %s", cat.CategoryName)
		if cat.MatchedCategory != "" {
			fmt.Fprintf(&b, " -> %s (%.4f)", cat.MatchedCategory, cat.Similarity)
		}
		if cat.UnionSearch {
			b.WriteString(" [union search]")
		}
		b.WriteString("\n")

		for _, item := range cat.Items {
			fmt.Fprintf(&b, "  %s: %s", item.Status, item.ItemName)
			if item.ArbiterUsed {
				b.WriteString(" [arbiter]")
			}
			b.WriteString("\n")
			fmt.Fprintf(&b, "    billed=%.2f allowed=%.2f extra=%.2f", item.BillAmount, item.AllowedAmount, item.ExtraAmount)
			if item.FailureReason != "" {
				fmt.Fprintf(&b, " reason=%s", item.FailureReason)
			}
			b.WriteString("\n")
			for _, c := range item.Candidates {
				fmt.Fprintf(&b, "    candidate %s: semantic=%.4f token=%.4f containment=%.4f hybrid=%.4f\n",
					c.ItemName, c.Semantic, c.TokenOverlap, c.Containment, c.Hybrid)
			}
		}
		b.WriteString("\n")
	}

	return strings.TrimRight(b.String(), "\n") + "\n"
}
