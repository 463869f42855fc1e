// Package normalize turns free-text bill lines and catalog names into
// comparable forms. Two outputs matter: the normalized text used for
// embedding and token scoring, and an optional "medical core"
// (substance + strength) extracted when the text carries a recognized
// strength pattern.
//
// The rules are generic by design: no hospital- or drug-specific lists,
// only structural noise (serials, doctor attributions, lot/batch
// markers, inventory codes, dates, pack quantities).
package normalize

import (
	"regexp"
	"strings"
)

// Result carries both normalized forms of one input.
type Result struct {
	// Normalized is the cleaned, lowercased, whitespace-collapsed text.
	Normalized string

	// MedicalCore is "<substance> <strength><unit>" when the text
	// contains a strength pattern and the core differs from Normalized.
	// Empty otherwise.
	MedicalCore string
}

// Removal patterns, applied in order. Doctor segments are cut before
// inline token removal so credentials never leak into the token stream.
var (
	// Leading serial numbers: "1.", "23)", "a.".
	serialPrefixRe = regexp.MustCompile(`^\s*(?:\d{1,3}|[A-Za-z])[.)]\s+`)

	// Doctor names: "Dr. A. Kumar", "Prof Mehta". Up to three trailing
	// name tokens so multi-part names go with the title. Only dr/prof:
	// broader titles collide with real item words (MS Surgery).
	doctorRe = regexp.MustCompile(`(?i)\b(?:dr|prof)\.?\s+[A-Za-z][A-Za-z.]*(?:\s+[A-Za-z][A-Za-z.]*){0,3}`)

	// Medical credentials that ride along with doctor names.
	credentialRe = regexp.MustCompile(`(?i)\b(?:mbbs|md|dnb|mch|dm|frcs|mrcp|bds|mds|dgo|dch|dortho)\b[.,]?`)

	// Lot/batch/expiry markers with their values. The boundary after
	// the marker keeps words like "explorative" intact.
	lotBatchRe = regexp.MustCompile(`(?i)\b(?:lot|batch|b\.?\s?no|exp|expiry|mfg|mfd)\b\.?\s*:?\s*[A-Za-z0-9/-]*`)

	// Numeric dates: "14.02.26", "14/2/2026", "2026-02-14".
	dateRe = regexp.MustCompile(`\b\d{1,4}[./-]\d{1,2}[./-]\d{1,4}\b`)

	// Pack quantities: "10s", "10 strips", "x10", "2 tabs". Strengths
	// like "5mg" are preserved by the unit list.
	quantityRe = regexp.MustCompile(`(?i)\b(?:\d+\s*(?:'s|s|no|nos|strip|strips|pc|pcs|unit|units|tab|tabs|tablet|tablets|cap|caps|capsule|capsules)|x\s*\d+)\b`)

	// Candidate inventory codes: alphanumeric runs of six or more.
	// Only runs mixing letters and digits, or all digits (HSN style),
	// are removed; plain words and strengths survive.
	longTokenRe = regexp.MustCompile(`\b[A-Za-z0-9]{6,}\b`)

	// Strength pattern, both as a whole token ("500mg") and in running
	// text ("500 mg").
	strengthTokenRe = regexp.MustCompile(`(?i)^\d+(?:\.\d+)?(?:mg|mcg|ml|g|iu|%)$`)
	strengthTextRe  = regexp.MustCompile(`\b(\d+(?:\.\d+)?)\s*(mg|mcg|ml|g|iu|%)`)

	// Separators converted to spaces before collapsing.
	separatorRe = regexp.MustCompile(`[|:\-]+`)
	spaceRe     = regexp.MustCompile(`\s+`)
)

// Dosage-form words stripped from the front of a medical core.
var formWords = map[string]bool{
	"tab": true, "tabs": true, "tablet": true, "tablets": true,
	"cap": true, "caps": true, "capsule": true, "capsules": true,
	"inj": true, "injection": true, "syp": true, "syrup": true,
	"susp": true, "suspension": true, "oint": true, "ointment": true,
	"cream": true, "gel": true, "drop": true, "drops": true,
}

// Text normalizes one input through both stages.
func Text(raw string) Result {
	s := serialPrefixRe.ReplaceAllString(raw, "")
	s = dropDoctorSegments(s)
	s = doctorRe.ReplaceAllString(s, " ")
	s = credentialRe.ReplaceAllString(s, " ")
	s = lotBatchRe.ReplaceAllString(s, " ")
	s = dateRe.ReplaceAllString(s, " ")
	s = stripCodes(s)
	s = quantityRe.ReplaceAllString(s, " ")
	s = separatorRe.ReplaceAllString(s, " ")
	s = strings.ToLower(s)
	s = strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))

	return Result{
		Normalized:  s,
		MedicalCore: medicalCore(s),
	}
}

// Normalized is a convenience wrapper returning only the first stage.
func Normalized(raw string) string {
	return Text(raw).Normalized
}

// dropDoctorSegments splits on "|" and " - " and removes segments that
// are doctor attributions ("... | Dr. A. Kumar"). Non-doctor segments
// are kept in order.
func dropDoctorSegments(s string) string {
	var kept []string
	for _, seg := range strings.Split(s, "|") {
		for _, sub := range strings.Split(seg, " - ") {
			if isDoctorSegment(sub) {
				continue
			}
			kept = append(kept, sub)
		}
	}
	return strings.Join(kept, " ")
}

var doctorLeadRe = regexp.MustCompile(`(?i)^\s*(?:by\s+)?(?:dr|prof)\.?\s`)

func isDoctorSegment(seg string) bool {
	trimmed := strings.TrimSpace(seg)
	if trimmed == "" {
		return false
	}
	if doctorLeadRe.MatchString(trimmed) {
		return true
	}
	// A segment that is nothing but doctor tokens and credentials.
	rest := doctorRe.ReplaceAllString(trimmed, "")
	rest = credentialRe.ReplaceAllString(rest, "")
	rest = strings.TrimSpace(strings.Trim(rest, ".,"))
	return rest == ""
}

// stripCodes removes inventory-style tokens: six or more characters,
// mixing letters and digits or all digits. Strength tokens are kept.
func stripCodes(s string) string {
	return longTokenRe.ReplaceAllStringFunc(s, func(tok string) string {
		if strengthTokenRe.MatchString(tok) {
			return tok
		}
		hasDigit, hasLetter := false, false
		for _, c := range tok {
			switch {
			case c >= '0' && c <= '9':
				hasDigit = true
			default:
				hasLetter = true
			}
		}
		if hasDigit && !hasLetter {
			return "" // HSN-style numeric code
		}
		if hasDigit && hasLetter {
			return "" // SKU-style mixed code
		}
		return tok
	})
}

// medicalCore extracts "<substance> <strength><unit>" from a normalized
// string. Returns empty when no strength is present, no substance words
// remain after form stripping, or the core equals the input.
func medicalCore(normalized string) string {
	loc := strengthTextRe.FindStringSubmatchIndex(normalized)
	if loc == nil {
		return ""
	}

	number := normalized[loc[2]:loc[3]]
	unit := normalized[loc[4]:loc[5]]

	var substance []string
	for _, word := range strings.Fields(normalized[:loc[0]]) {
		if formWords[word] {
			continue
		}
		substance = append(substance, word)
	}
	if len(substance) == 0 {
		return ""
	}

	core := strings.Join(substance, " ") + " " + number + unit
	if core == normalized {
		return ""
	}
	return core
}
