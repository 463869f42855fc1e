package model

import (
	"strings"
	"testing"
)

func sampleBill() *ExtractedBill {
	return &ExtractedBill{
		Header: BillHeader{HospitalName: "Apollo Hospital", BillingDate: "2026-02-14"},
		Categories: []BillCategory{
			{
				CategoryName: "Consultation",
				Items: []ItemRow{
					{ItemName: "CONSULTATION - FIRST VISIT", Amount: 1500},
				},
			},
			{
				CategoryName: "Radiology",
				Items: []ItemRow{
					{ItemName: "MRI BRAIN", Amount: 10770},
					{ItemName: "X-RAY CHEST", Amount: 800},
				},
			},
		},
		GrandTotal: 13070,
	}
}

func TestItemCount(t *testing.T) {
	if got := sampleBill().ItemCount(); got != 3 {
		t.Errorf("ItemCount() = %d, want 3", got)
	}
	empty := &ExtractedBill{}
	if got := empty.ItemCount(); got != 0 {
		t.Errorf("ItemCount() on empty bill = %d, want 0", got)
	}
}

func TestCategoryLookup(t *testing.T) {
	bill := sampleBill()

	if cat := bill.Category("radiology"); cat == nil || cat.CategoryName != "Radiology" {
		t.Errorf("Category lookup should be case-insensitive, got %+v", cat)
	}
	if cat := bill.Category("  Consultation  "); cat == nil {
		t.Error("Category lookup should trim whitespace")
	}
	if cat := bill.Category("Pharmacy"); cat != nil {
		t.Errorf("Category(Pharmacy) = %+v, want nil", cat)
	}
}

func TestLineItemEditValidate(t *testing.T) {
	bill := sampleBill()
	qty := 2.0
	negative := -1.0

	tests := []struct {
		name    string
		edit    LineItemEdit
		wantErr string
	}{
		{
			name: "valid edit",
			edit: LineItemEdit{CategoryName: "Radiology", ItemIndex: 1, Qty: &qty},
		},
		{
			name:    "empty category",
			edit:    LineItemEdit{ItemIndex: 0, Qty: &qty},
			wantErr: "category_name",
		},
		{
			name:    "negative index",
			edit:    LineItemEdit{CategoryName: "Radiology", ItemIndex: -1, Qty: &qty},
			wantErr: "item_index",
		},
		{
			name:    "no fields set",
			edit:    LineItemEdit{CategoryName: "Radiology", ItemIndex: 0},
			wantErr: "at least one",
		},
		{
			name:    "negative qty",
			edit:    LineItemEdit{CategoryName: "Radiology", ItemIndex: 0, Qty: &negative},
			wantErr: "qty",
		},
		{
			name:    "index out of range",
			edit:    LineItemEdit{CategoryName: "Consultation", ItemIndex: 5, Qty: &qty},
			wantErr: "out of range",
		},
		{
			name:    "unknown category",
			edit:    LineItemEdit{CategoryName: "Pharmacy", ItemIndex: 0, Qty: &qty},
			wantErr: "not present",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.edit.Validate(bill)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() failed: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate() succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLineItemEditValidateWithoutBill(t *testing.T) {
	qty := 1.0
	edit := LineItemEdit{CategoryName: "Anything", ItemIndex: 3, Qty: &qty}
	if err := edit.Validate(nil); err != nil {
		t.Errorf("Validate(nil) should only check structure, got %v", err)
	}
}
