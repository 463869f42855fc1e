package model

import "testing"

func TestStatusCountsTotal(t *testing.T) {
	c := StatusCounts{Green: 3, Red: 2, Unclassified: 1, AllowedNotComparable: 1, Mismatch: 1, IgnoredArtifact: 2}
	if got := c.Total(); got != 10 {
		t.Errorf("Total() = %d, want 10", got)
	}
	if (StatusCounts{}).Total() != 0 {
		t.Error("empty counts should total 0")
	}
}

func TestFinancialTotalsBalanced(t *testing.T) {
	tests := []struct {
		name   string
		totals FinancialTotals
		want   bool
	}{
		{
			name:   "exact",
			totals: FinancialTotals{Bill: 13070, Allowed: 10000, Extra: 2270, Unclassified: 800},
			want:   true,
		},
		{
			name:   "within tolerance",
			totals: FinancialTotals{Bill: 100.009, Allowed: 100, Extra: 0, Unclassified: 0},
			want:   true,
		},
		{
			name:   "off by a paisa",
			totals: FinancialTotals{Bill: 100.02, Allowed: 100, Extra: 0, Unclassified: 0},
			want:   false,
		},
		{
			name:   "short",
			totals: FinancialTotals{Bill: 99, Allowed: 100, Extra: 0, Unclassified: 0},
			want:   false,
		},
		{
			name:   "all zero",
			totals: FinancialTotals{},
			want:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.totals.Balanced(); got != tt.want {
				t.Errorf("Balanced() = %v, want %v", got, tt.want)
			}
		})
	}
}
