// Package artifact classifies bill rows that are OCR or header debris
// rather than billable services. Artifacts are filtered before
// persistence and excluded from completeness validation; the matcher
// never sees them.
package artifact

import (
	"regexp"
	"strings"

	"github.com/claimlens/claimlens/internal/normalize"
)

// Header categories whose empty rows are table furniture, not charges.
var headerCategories = map[string]bool{
	"hospital":        true,
	"hospitalization": true,
	"hospitalcharges": true,
}

// Unknown-item placeholders emitted by extraction.
var unknownNames = map[string]bool{
	"":        true,
	"unknown": true,
}

var (
	pureNumberRe = regexp.MustCompile(`^\d+$`)
	codeRe       = regexp.MustCompile(`^[a-z0-9]{6,}$`)
	lotBatchRe   = regexp.MustCompile(`^(?:lot|batch|b\.?\s?no|exp|expiry|mfg|mfd)\b`)
)

// IsArtifact reports whether a (category, item, amount, final_amount)
// row is a non-billable fragment. Two shapes qualify:
//
//   - a zero-amount row under a hospital header category whose item
//     name is empty or a placeholder
//   - a zero-amount row whose name is nothing but a number, an
//     inventory code, or a lot/batch/expiry marker
func IsArtifact(categoryName, itemName string, amount, finalAmount float64) bool {
	if amount != 0 || finalAmount != 0 {
		return false
	}

	name := normalize.Key(itemName)

	if headerCategories[normalize.CategoryKey(categoryName)] && unknownNames[name] {
		return true
	}

	if name == "" {
		return false
	}
	if pureNumberRe.MatchString(name) {
		return true
	}
	if lotBatchRe.MatchString(name) {
		return true
	}
	// Single-token mixed code like "ZX99812".
	if !strings.Contains(name, " ") && codeRe.MatchString(name) && hasDigit(name) && hasLetter(name) {
		return true
	}
	return false
}

// Administrative charge phrases. Matched against the normalized item
// text; any hit marks the row non-comparable rather than unmatched.
var adminPhrases = []string{
	"registration",
	"admission fee",
	"admission charge",
	"processing fee",
	"processing charge",
	"service charge",
	"admin charge",
	"administrative",
	"deposit",
	"advance",
	"mrd",
	"medical record",
	"file charge",
	"token",
	"caution money",
}

// IsAdminCharge reports whether the item text names an administrative
// levy with no tie-up counterpart.
func IsAdminCharge(itemName string) bool {
	name := normalize.Key(itemName)
	if name == "" {
		return false
	}
	for _, phrase := range adminPhrases {
		if strings.Contains(name, phrase) {
			return true
		}
	}
	return false
}

func hasDigit(s string) bool {
	for _, c := range s {
		if c >= '0' && c <= '9' {
			return true
		}
	}
	return false
}

func hasLetter(s string) bool {
	for _, c := range s {
		if c >= 'a' && c <= 'z' {
			return true
		}
	}
	return false
}
