package store

import (
	"github.com/claimlens/claimlens/internal/artifact"
	"github.com/claimlens/claimlens/internal/model"
	"github.com/claimlens/claimlens/internal/normalize"
)

// FilterArtifacts returns a copy of the bill with artifact rows
// removed and categories that end up empty dropped. The input bill is
// not modified. removed counts the rows filtered out.
func FilterArtifacts(bill *model.ExtractedBill) (*model.ExtractedBill, int) {
	out := *bill
	out.Categories = nil
	removed := 0

	for _, cat := range bill.Categories {
		kept := make([]model.ItemRow, 0, len(cat.Items))
		for _, item := range cat.Items {
			if artifact.IsArtifact(cat.CategoryName, item.ItemName, item.Amount, item.Amount) {
				removed++
				continue
			}
			kept = append(kept, item)
		}
		if len(kept) == 0 && len(cat.Items) > 0 {
			continue
		}
		out.Categories = append(out.Categories, model.BillCategory{
			CategoryName: cat.CategoryName,
			Items:        kept,
		})
	}
	return &out, removed
}

// CountResidualArtifacts scans a bill that already went through
// FilterArtifacts for rows that look like header debris the strict
// predicate did not catch: zero-amount rows with empty or placeholder
// names under any category. Callers log hits but never reject the
// bill.
func CountResidualArtifacts(bill *model.ExtractedBill) int {
	n := 0
	for _, cat := range bill.Categories {
		for _, item := range cat.Items {
			if item.Amount != 0 {
				continue
			}
			name := normalize.Key(item.ItemName)
			if name == "" || name == "unknown" {
				n++
			}
		}
	}
	return n
}
