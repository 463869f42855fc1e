package model

import (
	"fmt"
	"strings"
)

// ExtractedBill is the structured form of one bill, produced by the
// extraction step from OCR text. Categories keep their input order; the
// verifier and renderer both depend on that.
type ExtractedBill struct {
	Patient    Patient        `json:"patient"`
	Header     BillHeader     `json:"header"`
	Categories []BillCategory `json:"categories"`
	Payments   []Payment      `json:"payments,omitempty"`
	GrandTotal float64        `json:"grand_total"`

	// Warnings records recoverable extraction issues (dropped pages,
	// unparseable rows). Never fatal.
	Warnings []string `json:"extraction_warnings,omitempty"`
}

// Patient holds whatever identity details the bill itself exposes.
type Patient struct {
	Name string `json:"name,omitempty"`
}

// BillHeader holds bill-level fields read from the document header.
type BillHeader struct {
	HospitalName string `json:"hospital_name,omitempty"`
	BillNumber   string `json:"bill_number,omitempty"`

	// BillingDate is ISO formatted (2006-01-02) when the extractor
	// recognized a date, otherwise empty.
	BillingDate string `json:"billing_date,omitempty"`
}

// BillCategory groups the bill's line items under one heading, in
// document order.
type BillCategory struct {
	CategoryName string    `json:"category_name"`
	Items        []ItemRow `json:"items"`
}

// ItemRow is one free-text bill line. Amount is the final billed value
// for the row. Quantity and Rate are optional; zero means absent.
type ItemRow struct {
	ItemName string  `json:"item_name"`
	Amount   float64 `json:"amount"`
	Quantity float64 `json:"quantity,omitempty"`
	Rate     float64 `json:"rate,omitempty"`
	Page     int     `json:"page,omitempty"`

	// Category is derived during extraction; items inside a
	// BillCategory inherit its name here for standalone use.
	Category string `json:"category,omitempty"`

	// TieupRate overrides the catalog rate during verification. Set
	// only when a line-item edit is applied; zero means no override.
	TieupRate float64 `json:"tieup_rate,omitempty"`
}

// Payment is a settlement row (advance, discount, insurer share).
type Payment struct {
	Mode   string  `json:"mode,omitempty"`
	Amount float64 `json:"amount"`
}

// LineItemEdit is one manual correction applied on top of the extracted
// bill. Pointers distinguish "not edited" from "edited to zero".
type LineItemEdit struct {
	CategoryName string   `json:"category_name"`
	ItemIndex    int      `json:"item_index"`
	Qty          *float64 `json:"qty,omitempty"`
	Rate         *float64 `json:"rate,omitempty"`
	TieupRate    *float64 `json:"tieup_rate,omitempty"`
}

// Validate checks an edit against the bill it targets.
func (e *LineItemEdit) Validate(bill *ExtractedBill) error {
	var errs []string

	if strings.TrimSpace(e.CategoryName) == "" {
		errs = append(errs, "category_name must not be empty")
	}
	if e.ItemIndex < 0 {
		errs = append(errs, fmt.Sprintf("item_index must not be negative, got %d", e.ItemIndex))
	}
	if e.Qty == nil && e.Rate == nil && e.TieupRate == nil {
		errs = append(errs, "edit must set at least one of qty, rate, tieup_rate")
	}
	if e.Qty != nil && *e.Qty < 0 {
		errs = append(errs, fmt.Sprintf("qty must not be negative, got %v", *e.Qty))
	}
	if e.Rate != nil && *e.Rate < 0 {
		errs = append(errs, fmt.Sprintf("rate must not be negative, got %v", *e.Rate))
	}
	if e.TieupRate != nil && *e.TieupRate < 0 {
		errs = append(errs, fmt.Sprintf("tieup_rate must not be negative, got %v", *e.TieupRate))
	}

	if bill != nil && len(errs) == 0 {
		found := false
		for _, cat := range bill.Categories {
			if !strings.EqualFold(strings.TrimSpace(cat.CategoryName), strings.TrimSpace(e.CategoryName)) {
				continue
			}
			found = true
			if e.ItemIndex >= len(cat.Items) {
				errs = append(errs, fmt.Sprintf("item_index %d out of range for category %q (%d items)", e.ItemIndex, cat.CategoryName, len(cat.Items)))
			}
			break
		}
		if !found {
			errs = append(errs, fmt.Sprintf("category %q not present in bill", e.CategoryName))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid line item edit: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ItemCount returns the total number of line items across categories.
func (b *ExtractedBill) ItemCount() int {
	n := 0
	for _, cat := range b.Categories {
		n += len(cat.Items)
	}
	return n
}

// Category returns the named category, matching case-insensitively on
// trimmed names. Returns nil when absent.
func (b *ExtractedBill) Category(name string) *BillCategory {
	for i := range b.Categories {
		if strings.EqualFold(strings.TrimSpace(b.Categories[i].CategoryName), strings.TrimSpace(name)) {
			return &b.Categories[i]
		}
	}
	return nil
}
