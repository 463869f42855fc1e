// Package extract turns OCR page text into a structured bill. The
// walk is line-based: header fields are read off the first page,
// category headings open item groups, and rows with a trailing amount
// become line items. Extraction never fails on malformed rows; it
// records a warning and moves on.
package extract

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/claimlens/claimlens/internal/model"
	"github.com/claimlens/claimlens/internal/ocr"
)

var (
	amountRowRe  = regexp.MustCompile(`(?i)^(.*?)(?:\s+(\d+(?:\.\d+)?)\s*(?:x|×|@)\s*([\d,]+(?:\.\d+)?))?\s+(?:rs\.?|inr|₹)?\s*([\d,]+(?:\.\d+)?)\s*$`)
	grandTotalRe = regexp.MustCompile(`(?i)^(?:grand\s+total|net\s+(?:amount|payable)|total\s+(?:amount|payable)|amount\s+payable)\b`)
	subtotalRe   = regexp.MustCompile(`(?i)^(?:sub\s*-?\s*)?total\b`)
	paymentRe    = regexp.MustCompile(`(?i)^(?:advance|amount\s+paid|paid|discount|insurance|tpa)\b`)
	billNumberRe = regexp.MustCompile(`(?i)(?:bill|invoice|receipt)\s*(?:no|number|#)\s*[.:]?\s*([A-Za-z0-9/-]+)`)
	patientRe    = regexp.MustCompile(`(?i)(?:patient(?:\s+name)?|name\s+of\s+patient)\s*[.:]\s*(.+)`)
	dateLabelRe  = regexp.MustCompile(`(?i)(?:bill(?:ing)?|invoice|admission)?\s*\bdate\s*[.:]\s*(.+)`)
	hospitalKwRe = regexp.MustCompile(`(?i)\b(?:hospital|clinic|medical|centre|center|institute|healthcare|nursing\s+home)\b`)
	currencyRe   = regexp.MustCompile(`(?i)\brs\.?\s*\d`)
)

// dateLayouts are tried in order when normalizing a recognized date.
// Day-first forms come before month-first; the bills this system sees
// write 14/02/2026.
var dateLayouts = []string{
	"2006-01-02",
	"02/01/2006",
	"02-01-2006",
	"02.01.2006",
	"2/1/2006",
	"2 Jan 2006",
	"02 Jan 2006",
	"2 January 2006",
	"Jan 2, 2006",
}

// Bill walks the OCR pages and assembles the structured bill. Pages
// with no text add a warning; rows the parser cannot read add a
// warning and are skipped. The result is never nil.
func Bill(pages []ocr.Page) *model.ExtractedBill {
	bill := &model.ExtractedBill{}
	w := &walker{bill: bill}

	for _, page := range pages {
		if page.Text == "" {
			bill.Warnings = append(bill.Warnings,
				fmt.Sprintf("page %d produced no text", page.Page))
		}
		for _, raw := range strings.Split(page.Text, "\n") {
			line := strings.TrimSpace(raw)
			if line == "" {
				continue
			}
			w.consume(line, page.Page)
		}
		// Header fields live on the first page only.
		w.headerDone = true
	}

	w.flush()
	return bill
}

// walker carries the parse state across lines.
type walker struct {
	bill *model.ExtractedBill

	// headerDone flips after the first page; header fields are only
	// read while it is false.
	headerDone bool
	lineNo     int

	current model.BillCategory

	hospitalName  string
	hospitalScore int
}

func (w *walker) consume(line string, page int) {
	w.lineNo++

	if !w.headerDone && w.readHeaderField(line) {
		return
	}

	if grandTotalRe.MatchString(line) {
		if amount, ok := trailingAmount(line); ok {
			w.bill.GrandTotal = amount
		}
		return
	}

	if paymentRe.MatchString(line) {
		if amount, ok := trailingAmount(line); ok {
			mode := strings.TrimSpace(trimTrailingAmount(line))
			w.bill.Payments = append(w.bill.Payments, model.Payment{Mode: mode, Amount: amount})
			return
		}
	}

	if item, ok := parseItemRow(line, page); ok {
		// Category subtotals repeat what their rows already say.
		if subtotalRe.MatchString(item.ItemName) {
			return
		}
		w.addItem(item)
		return
	}

	if isHeading(line) {
		w.startCategory(line)
		return
	}

	// A line with currency marks but no parseable amount is a row the
	// scan mangled; surface it.
	if strings.Contains(line, "₹") || currencyRe.MatchString(line) {
		w.bill.Warnings = append(w.bill.Warnings,
			fmt.Sprintf("page %d: unparseable row %q", page, truncateLine(line)))
	}
}

// readHeaderField consumes first-page metadata lines. Returns true
// when the line was a header field.
func (w *walker) readHeaderField(line string) bool {
	if m := billNumberRe.FindStringSubmatch(line); m != nil {
		if w.bill.Header.BillNumber == "" {
			w.bill.Header.BillNumber = m[1]
		}
		return true
	}
	if m := patientRe.FindStringSubmatch(line); m != nil {
		if w.bill.Patient.Name == "" {
			w.bill.Patient.Name = strings.TrimSpace(m[1])
		}
		return true
	}
	if m := dateLabelRe.FindStringSubmatch(line); m != nil {
		if w.bill.Header.BillingDate == "" {
			if iso, ok := NormalizeDate(strings.TrimSpace(m[1])); ok {
				w.bill.Header.BillingDate = iso
			}
		}
		return true
	}

	// Hospital name: scored over the first few lines rather than taken
	// from a fixed position, since letterheads vary. A hospital-ish
	// keyword is required so department headings never win.
	if w.lineNo <= 8 && hospitalKwRe.MatchString(line) {
		if _, hasAmount := trailingAmount(line); !hasAmount {
			score := 2
			if line == strings.ToUpper(line) && strings.ContainsAny(line, "ABCDEFGHIJKLMNOPQRSTUVWXYZ") {
				score++
			}
			if w.lineNo <= 3 {
				score++
			}
			if score > w.hospitalScore {
				w.hospitalScore = score
				w.hospitalName = strings.TrimSpace(line)
				w.bill.Header.HospitalName = w.hospitalName
				return true
			}
		}
	}
	return false
}

func (w *walker) startCategory(name string) {
	w.flush()
	w.current = model.BillCategory{
		CategoryName: strings.TrimSuffix(strings.TrimSpace(name), ":"),
	}
}

func (w *walker) addItem(item model.ItemRow) {
	if w.current.CategoryName == "" {
		w.current.CategoryName = "General"
	}
	item.Category = w.current.CategoryName
	w.current.Items = append(w.current.Items, item)
}

// flush closes the open category. Headings that gathered no items are
// dropped.
func (w *walker) flush() {
	if len(w.current.Items) > 0 {
		w.bill.Categories = append(w.bill.Categories, w.current)
	}
	w.current = model.BillCategory{}
}

// parseItemRow reads "name [qty x rate] amount" rows.
func parseItemRow(line string, page int) (model.ItemRow, bool) {
	m := amountRowRe.FindStringSubmatch(line)
	if m == nil || strings.TrimSpace(m[1]) == "" {
		return model.ItemRow{}, false
	}
	amount, err := parseAmount(m[4])
	if err != nil {
		return model.ItemRow{}, false
	}
	item := model.ItemRow{
		ItemName: strings.TrimSpace(strings.Trim(strings.TrimSpace(m[1]), "-|")),
		Amount:   amount,
		Page:     page,
	}
	if m[2] != "" {
		if qty, err := strconv.ParseFloat(m[2], 64); err == nil {
			item.Quantity = qty
		}
		if rate, err := parseAmount(m[3]); err == nil {
			item.Rate = rate
		}
	}
	if item.ItemName == "" {
		return model.ItemRow{}, false
	}
	return item, true
}

// isHeading recognizes category headings: short amount-free lines that
// are either colon-terminated or cased like a title.
func isHeading(line string) bool {
	if len(line) > 48 {
		return false
	}
	if _, hasAmount := trailingAmount(line); hasAmount {
		return false
	}
	if strings.HasSuffix(line, ":") {
		return true
	}
	words := strings.Fields(line)
	if len(words) == 0 || len(words) > 5 {
		return false
	}
	for _, word := range words {
		r := rune(word[0])
		if r >= 'a' && r <= 'z' {
			return false
		}
	}
	return true
}

func trailingAmount(line string) (float64, bool) {
	m := amountRowRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	amount, err := parseAmount(m[4])
	if err != nil {
		return 0, false
	}
	return amount, true
}

func trimTrailingAmount(line string) string {
	m := amountRowRe.FindStringSubmatch(line)
	if m == nil {
		return line
	}
	return m[1]
}

func parseAmount(s string) (float64, error) {
	s = strings.ReplaceAll(s, ",", "")
	return strconv.ParseFloat(s, 64)
}

// NormalizeDate parses a recognized date string into ISO 2006-01-02
// form. Day-first layouts are preferred.
func NormalizeDate(s string) (string, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), true
		}
	}
	return "", false
}

func truncateLine(s string) string {
	if len(s) <= 80 {
		return s
	}
	return s[:80] + "…"
}
