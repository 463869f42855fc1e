package verify

import (
	"github.com/claimlens/claimlens/internal/catalog"
	"github.com/claimlens/claimlens/internal/model"
)

// AllowedAmount computes what the tie-up permits for one bill row.
// Unit-priced items multiply by quantity (default 1); service and
// bundle items are flat.
func AllowedAmount(item catalog.Item, quantity float64) float64 {
	if item.Type != model.TypeUnit {
		return item.Rate
	}
	if quantity <= 0 {
		quantity = 1
	}
	return item.Rate * quantity
}

// ClassifyMatched fills status and money fields for a row that matched
// a tie-up item: GREEN when billed within the allowed amount, RED with
// the over-billed delta otherwise.
func ClassifyMatched(out *model.ItemResult, row model.ItemRow, item catalog.Item) {
	if row.TieupRate > 0 {
		item.Rate = row.TieupRate
	}
	allowed := AllowedAmount(item, row.Quantity)
	out.BillAmount = row.Amount
	out.AllowedAmount = allowed
	if row.Amount <= allowed {
		out.Status = model.ItemGreen
		out.ExtraAmount = 0
		return
	}
	out.Status = model.ItemRed
	out.ExtraAmount = row.Amount - allowed
}

// ClassifyUnmatched fills status and failure reason for a row no
// tie-up item was accepted for. The reason decides the status:
// PACKAGE_ONLY renders as MISMATCH, ADMIN_CHARGE as
// ALLOWED_NOT_COMPARABLE, everything else as UNCLASSIFIED. Allowed and
// extra stay zero; the bill amount flows into the unclassified total.
func ClassifyUnmatched(out *model.ItemResult, row model.ItemRow, reason string) {
	out.BillAmount = row.Amount
	out.AllowedAmount = 0
	out.ExtraAmount = 0
	out.FailureReason = reason
	switch reason {
	case model.ReasonPackageOnly:
		out.Status = model.ItemMismatch
	case model.ReasonAdminCharge:
		out.Status = model.ItemAllowedNotComparable
	default:
		out.Status = model.ItemUnclassified
	}
}
