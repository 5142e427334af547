package domain

import "github.com/shopspring/decimal"

var (
	one  = decimal.NewFromInt(1)
	zero = decimal.Zero
)

// MarginRatioPlaces is the scale margin ratios are rounded to before they are
// compared with thresholds. Entry, quantity and collateral are each rounded
// divisions, so an exact hit on the liquidation price can otherwise land a
// few units in the 16th place short of 1.
const MarginRatioPlaces int32 = 10

// Phase selects which side of the delayed-execution protocol a sampling
// window belongs to.
type Phase string

const (
	PhaseOpen  Phase = "open"
	PhaseClose Phase = "close"
)

// ComputeLiquidationPrice returns the price at which a 1/leverage move
// against the position consumes all collateral.
func ComputeLiquidationPrice(entry decimal.Decimal, dir Direction, leverage int) decimal.Decimal {
	lev := decimal.NewFromInt(int64(leverage))
	move := entry.Div(lev)
	if dir == DirectionShort {
		return entry.Add(move)
	}
	return entry.Sub(move)
}

// ComputeMarginCallPrice returns the price that sits threshold of the way
// from entry to liquidation.
func ComputeMarginCallPrice(entry, liquidation decimal.Decimal, dir Direction, threshold decimal.Decimal) decimal.Decimal {
	if dir == DirectionShort {
		return entry.Add(threshold.Mul(liquidation.Sub(entry)))
	}
	return entry.Sub(threshold.Mul(entry.Sub(liquidation)))
}

// ComputeUnrealizedPnl returns P&L in numeraire units. marginQty is the
// unleveraged quantity (collateral / entry price); multiplying by leverage
// yields the full exposure.
func ComputeUnrealizedPnl(dir Direction, marginQty decimal.Decimal, leverage int, entry, current decimal.Decimal) decimal.Decimal {
	exposure := marginQty.Mul(decimal.NewFromInt(int64(leverage)))
	if dir == DirectionShort {
		return entry.Sub(current).Mul(exposure)
	}
	return current.Sub(entry).Mul(exposure)
}

// ComputeMarginRatio returns the fraction of collateral consumed by an
// unrealized loss, rounded to MarginRatioPlaces and clamped to [0, 1].
func ComputeMarginRatio(pnlNumeraire, collateral, rate decimal.Decimal) decimal.Decimal {
	if rate.Sign() <= 0 || collateral.Sign() <= 0 {
		return one
	}
	pnl := pnlNumeraire.Div(rate)
	if pnl.Sign() >= 0 {
		return zero
	}
	ratio := pnl.Abs().Div(collateral).Round(MarginRatioPlaces)
	if ratio.GreaterThan(one) {
		return one
	}
	return ratio
}

// SelectWorstPrice picks the least favourable sample for the position owner.
// Buying (open long, close short) takes the maximum; selling takes the
// minimum. It returns false when samples is empty.
func SelectWorstPrice(samples []PriceSample, dir Direction, phase Phase) (decimal.Decimal, bool) {
	if len(samples) == 0 {
		return decimal.Decimal{}, false
	}
	buying := (dir == DirectionLong) == (phase == PhaseOpen)
	worst := samples[0].Price
	for _, s := range samples[1:] {
		if buying && s.Price.GreaterThan(worst) {
			worst = s.Price
		}
		if !buying && s.Price.LessThan(worst) {
			worst = s.Price
		}
	}
	return worst, true
}

// Settlement is the outcome of closing a position.
type Settlement struct {
	TotalReturn decimal.Decimal
	Fee         decimal.Decimal
	Payout      decimal.Decimal
}

// Settle computes the platform fee and the amount credited back to the
// account. The fee applies to the entire return (collateral plus P&L), not
// only to profit. A non-positive return pays nothing and charges nothing.
func Settle(collateral, pnlNumeraire, rate, feeRate decimal.Decimal) Settlement {
	total := collateral
	if rate.Sign() > 0 {
		total = collateral.Add(pnlNumeraire.Div(rate))
	}
	if total.Sign() <= 0 {
		return Settlement{TotalReturn: total, Fee: zero, Payout: zero}
	}
	fee := total.Mul(feeRate)
	return Settlement{TotalReturn: total, Fee: fee, Payout: total.Sub(fee)}
}

// Valuation is the verdict of a single mark-to-market pass.
type Valuation struct {
	Pnl         decimal.Decimal
	MarginRatio decimal.Decimal
}

// ValuatePosition marks p to the given price. It has no side effects.
func ValuatePosition(p Position, price, rate decimal.Decimal) Valuation {
	pnl := ComputeUnrealizedPnl(p.Direction, p.MarginQuantity(), p.Leverage, p.EntryPrice, price)
	return Valuation{
		Pnl:         pnl,
		MarginRatio: ComputeMarginRatio(pnl, p.Collateral, rate),
	}
}

// LimitTriggered reports whether a pending limit position's target has been
// touched: longs buy at or below the target, shorts sell at or above it.
func LimitTriggered(p Position, price decimal.Decimal) bool {
	if !p.TargetPrice.Valid {
		return false
	}
	if p.Direction == DirectionShort {
		return price.GreaterThanOrEqual(p.TargetPrice.Decimal)
	}
	return price.LessThanOrEqual(p.TargetPrice.Decimal)
}

// ExitTriggered reports whether a take-profit or stop-loss level has been
// crossed at price.
func ExitTriggered(p Position, price decimal.Decimal) (CloseReason, bool) {
	long := p.Direction == DirectionLong
	if p.TakeProfit.Valid {
		tp := p.TakeProfit.Decimal
		if (long && price.GreaterThanOrEqual(tp)) || (!long && price.LessThanOrEqual(tp)) {
			return CloseReasonTakeProfit, true
		}
	}
	if p.StopLoss.Valid {
		sl := p.StopLoss.Decimal
		if (long && price.LessThanOrEqual(sl)) || (!long && price.GreaterThanOrEqual(sl)) {
			return CloseReasonStopLoss, true
		}
	}
	return CloseReasonNone, false
}
