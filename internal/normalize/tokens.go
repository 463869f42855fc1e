package normalize

import (
	"regexp"
	"sort"
	"strings"
)

// stopwords excluded from content-token sets. Generic English only;
// domain words stay so they can carry match signal.
var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "of": true, "and": true,
	"or": true, "for": true, "with": true, "to": true, "in": true,
	"on": true, "by": true, "at": true, "as": true, "is": true,
	"are": true, "was": true, "were": true, "be": true, "from": true,
	"per": true, "each": true, "other": true, "etc": true,
}

var wordRe = regexp.MustCompile(`[a-z0-9]+`)
var pureNumberRe = regexp.MustCompile(`^\d+$`)

// ContentTokens returns the sorted, de-duplicated content-word set of
// s: lowercased, stopwords and pure-number tokens removed, tokens
// shorter than two characters discarded.
func ContentTokens(s string) []string {
	seen := make(map[string]bool)
	for _, tok := range wordRe.FindAllString(strings.ToLower(s), -1) {
		if len(tok) < 2 || stopwords[tok] || pureNumberRe.MatchString(tok) {
			continue
		}
		seen[tok] = true
	}
	out := make([]string, 0, len(seen))
	for tok := range seen {
		out = append(out, tok)
	}
	sort.Strings(out)
	return out
}

// Key is the lookup form used for hospital and category equality:
// lowercased with whitespace collapsed and punctuation-free edges.
func Key(s string) string {
	s = strings.ToLower(s)
	s = separatorRe.ReplaceAllString(s, " ")
	s = spaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

var catStripRe = regexp.MustCompile(`[\s_-]+`)

// CategoryKey is the category-name equality form: lowercased with
// spaces, hyphens, and underscores removed, so "Hospital Charges" and
// "hospital-charges" compare equal.
func CategoryKey(s string) string {
	return catStripRe.ReplaceAllString(strings.ToLower(s), "")
}

var slugStripRe = regexp.MustCompile(`[^a-z0-9]+`)

// Slug renders a hospital name as a file-safe identifier:
// "Apollo Hospital" becomes "apollo_hospital".
func Slug(s string) string {
	s = strings.ToLower(s)
	s = slugStripRe.ReplaceAllString(s, "_")
	return strings.Trim(s, "_")
}

// UnSlug recovers a display name from a slug stem: underscores become
// spaces and each word is title-cased. Used for sheets that omit
// hospital_name.
func UnSlug(slug string) string {
	words := strings.Split(slug, "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.TrimSpace(strings.Join(words, " "))
}
