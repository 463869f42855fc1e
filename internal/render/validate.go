package render

import (
	"github.com/claimlens/claimlens/internal/artifact"
	"github.com/claimlens/claimlens/internal/model"
)

// Validate cross-checks a verification result against the bill it was
// computed from. Findings come back as diagnostic constants; callers
// log them and attach them to the result, nothing is ever rejected.
func Validate(bill *model.ExtractedBill, result *model.VerificationResult) []string {
	var diags []string
	if !complete(bill, result) {
		diags = append(diags, model.DiagCompletenessViolation)
	}
	if !countersConsistent(result) {
		diags = append(diags, model.DiagCounterViolation)
	}
	return diags
}

// complete verifies that every non-artifact input item appears exactly
// once in its category's results, with the original text intact, and
// that nothing extra was invented.
func complete(bill *model.ExtractedBill, result *model.VerificationResult) bool {
	if len(bill.Categories) != len(result.Categories) {
		return false
	}
	for i, cat := range bill.Categories {
		out := result.Categories[i]
		if out.CategoryName != cat.CategoryName {
			return false
		}

		var want []string
		for _, item := range cat.Items {
			if artifact.IsArtifact(cat.CategoryName, item.ItemName, item.Amount, item.Amount) {
				continue
			}
			want = append(want, item.ItemName)
		}
		var got []string
		for _, item := range out.Items {
			if item.Status == model.ItemIgnoredArtifact {
				continue
			}
			got = append(got, item.ItemName)
		}

		if len(want) != len(got) {
			return false
		}
		for j := range want {
			if want[j] != got[j] {
				return false
			}
		}
	}
	return true
}

// countersConsistent checks that the summary tallies add up to the
// number of item verdicts.
func countersConsistent(result *model.VerificationResult) bool {
	items := 0
	counted := make(map[string]int)
	for _, cat := range result.Categories {
		for _, item := range cat.Items {
			items++
			counted[item.Status]++
		}
	}
	s := result.Summary
	return s.Total() == items &&
		s.Green == counted[model.ItemGreen] &&
		s.Red == counted[model.ItemRed] &&
		s.Unclassified == counted[model.ItemUnclassified] &&
		s.AllowedNotComparable == counted[model.ItemAllowedNotComparable] &&
		s.Mismatch == counted[model.ItemMismatch] &&
		s.IgnoredArtifact == counted[model.ItemIgnoredArtifact]
}
