package domain

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// LeverageTier maps every leverage at or above MinLeverage (up to the next
// tier) to Value.
type LeverageTier struct {
	MinLeverage int
	Value       decimal.Decimal
}

// TierTable is a leverage-banded lookup. Lookup picks the tier with the
// greatest MinLeverage not exceeding the requested leverage.
type TierTable struct {
	Tiers   []LeverageTier
	Default decimal.Decimal
}

// NewTierTable returns a table with tiers sorted by MinLeverage.
func NewTierTable(def decimal.Decimal, tiers ...LeverageTier) TierTable {
	sorted := make([]LeverageTier, len(tiers))
	copy(sorted, tiers)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].MinLeverage < sorted[j].MinLeverage
	})
	return TierTable{Tiers: sorted, Default: def}
}

// Lookup returns the value for leverage, or Default when no tier matches.
func (t TierTable) Lookup(leverage int) decimal.Decimal {
	val := t.Default
	for _, tier := range t.Tiers {
		if leverage >= tier.MinLeverage {
			val = tier.Value
		}
	}
	return val
}

// Policy holds every tunable business constant of the position engine.
type Policy struct {
	MinLeverage          int
	MaxLeverage          int
	MarginCallThreshold  decimal.Decimal
	LiquidationThreshold decimal.Decimal
	PlatformFeeRate      decimal.Decimal
	DedupBucket          time.Duration
	MaxPositionSizes     TierTable
	OriginationFees      TierTable
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		MinLeverage:          2,
		MaxLeverage:          100,
		MarginCallThreshold:  decimal.RequireFromString("0.8"),
		LiquidationThreshold: one,
		PlatformFeeRate:      decimal.RequireFromString("0.2"),
		DedupBucket:          5 * time.Second,
		MaxPositionSizes: NewTierTable(decimal.NewFromInt(5_000_000),
			LeverageTier{MinLeverage: 2, Value: decimal.NewFromInt(10_000_000)},
			LeverageTier{MinLeverage: 10, Value: decimal.NewFromInt(50_000_000)},
			LeverageTier{MinLeverage: 50, Value: decimal.NewFromInt(100_000_000)},
		),
		OriginationFees: NewTierTable(decimal.RequireFromString("0.003"),
			LeverageTier{MinLeverage: 2, Value: decimal.RequireFromString("0.003")},
			LeverageTier{MinLeverage: 10, Value: decimal.RequireFromString("0.002")},
			LeverageTier{MinLeverage: 31, Value: decimal.RequireFromString("0.003")},
		),
	}
}

// MaxPositionSize returns the notional cap for leverage, in numeraire units.
func (p Policy) MaxPositionSize(leverage int) decimal.Decimal {
	return p.MaxPositionSizes.Lookup(leverage)
}

// OriginationFeeRate returns the fraction of notional charged at open.
func (p Policy) OriginationFeeRate(leverage int) decimal.Decimal {
	return p.OriginationFees.Lookup(leverage)
}
