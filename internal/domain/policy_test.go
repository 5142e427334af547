package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestDefaultPolicyTiers(t *testing.T) {
	p := DefaultPolicy()

	sizes := []struct {
		leverage int
		want     int64
	}{
		{1, 5_000_000},
		{2, 10_000_000},
		{9, 10_000_000},
		{10, 50_000_000},
		{49, 50_000_000},
		{50, 100_000_000},
		{125, 100_000_000},
	}
	for _, tt := range sizes {
		if got := p.MaxPositionSize(tt.leverage); !got.Equal(decimal.NewFromInt(tt.want)) {
			t.Errorf("MaxPositionSize(%d) = %s, want %d", tt.leverage, got, tt.want)
		}
	}

	fees := []struct {
		leverage int
		want     string
	}{
		{2, "0.003"},
		{9, "0.003"},
		{10, "0.002"},
		{30, "0.002"},
		{31, "0.003"},
		{100, "0.003"},
	}
	for _, tt := range fees {
		if got := p.OriginationFeeRate(tt.leverage); !got.Equal(d(tt.want)) {
			t.Errorf("OriginationFeeRate(%d) = %s, want %s", tt.leverage, got, tt.want)
		}
	}
}

func TestTierTableSortsInput(t *testing.T) {
	table := NewTierTable(decimal.NewFromInt(1),
		LeverageTier{MinLeverage: 20, Value: decimal.NewFromInt(3)},
		LeverageTier{MinLeverage: 5, Value: decimal.NewFromInt(2)},
	)
	if got := table.Lookup(4); !got.Equal(decimal.NewFromInt(1)) {
		t.Errorf("Lookup(4) = %s, want default", got)
	}
	if got := table.Lookup(7); !got.Equal(decimal.NewFromInt(2)) {
		t.Errorf("Lookup(7) = %s, want 2", got)
	}
	if got := table.Lookup(20); !got.Equal(decimal.NewFromInt(3)) {
		t.Errorf("Lookup(20) = %s, want 3", got)
	}
}
