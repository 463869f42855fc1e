package model

import (
	"fmt"
	"strings"
)

// Tie-up item pricing types.
const (
	TypeUnit    = "unit"    // rate × quantity
	TypeService = "service" // flat rate
	TypeBundle  = "bundle"  // flat rate, claimable only as a package
)

// validItemTypes is the set of allowed pricing types.
var validItemTypes = map[string]bool{
	TypeUnit:    true,
	TypeService: true,
	TypeBundle:  true,
}

// RateSheet is one hospital's negotiated price list, loaded from a JSON
// file named after the hospital slug.
type RateSheet struct {
	// SchemaVersion gates loading: sheets with a major version other
	// than the supported one are rejected. Empty means "1.0.0".
	SchemaVersion string `json:"schema_version,omitempty"`

	HospitalName string `json:"hospital_name"`

	// Currency is informational; amounts are compared numerically.
	Currency string `json:"currency,omitempty"`

	// EffectiveFrom is an ISO date, informational.
	EffectiveFrom string `json:"effective_from,omitempty"`

	// Categories keep file order; the item indices are built per
	// category.
	Categories []RateCategory `json:"categories"`
}

// RateCategory groups tie-up items under one heading.
type RateCategory struct {
	CategoryName string      `json:"category_name"`
	Items        []TieUpItem `json:"items"`
}

// TieUpItem is one canonical billable entry.
type TieUpItem struct {
	ItemName string  `json:"item_name"`
	Rate     float64 `json:"rate"`

	// Type selects the pricing rule. Empty defaults to service.
	Type string `json:"type,omitempty"`
}

// EffectiveType returns the pricing type with the default applied.
func (t *TieUpItem) EffectiveType() string {
	if t.Type == "" {
		return TypeService
	}
	return t.Type
}

// Validate checks the sheet's structural constraints. It returns an
// error describing all violations found, or nil if the sheet is valid.
func (rs *RateSheet) Validate() error {
	var errs []string

	if strings.TrimSpace(rs.HospitalName) == "" {
		errs = append(errs, "hospital_name must not be empty")
	}
	if len(rs.Categories) == 0 {
		errs = append(errs, "categories must not be empty")
	}

	seen := make(map[string]bool)
	for ci, cat := range rs.Categories {
		if strings.TrimSpace(cat.CategoryName) == "" {
			errs = append(errs, fmt.Sprintf("categories[%d]: category_name must not be empty", ci))
			continue
		}
		key := strings.ToLower(strings.TrimSpace(cat.CategoryName))
		if seen[key] {
			errs = append(errs, fmt.Sprintf("categories[%d]: duplicate category %q", ci, cat.CategoryName))
		}
		seen[key] = true

		if len(cat.Items) == 0 {
			errs = append(errs, fmt.Sprintf("categories[%d] (%s): items must not be empty", ci, cat.CategoryName))
		}
		for ii, item := range cat.Items {
			if strings.TrimSpace(item.ItemName) == "" {
				errs = append(errs, fmt.Sprintf("categories[%d].items[%d]: item_name must not be empty", ci, ii))
			}
			if item.Rate < 0 {
				errs = append(errs, fmt.Sprintf("categories[%d].items[%d] (%s): rate must not be negative, got %v", ci, ii, item.ItemName, item.Rate))
			}
			if item.Type != "" && !validItemTypes[item.Type] {
				errs = append(errs, fmt.Sprintf("categories[%d].items[%d] (%s): invalid type %q", ci, ii, item.ItemName, item.Type))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid rate sheet: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ItemCount returns the total number of tie-up items across categories.
func (rs *RateSheet) ItemCount() int {
	n := 0
	for _, cat := range rs.Categories {
		n += len(cat.Items)
	}
	return n
}
