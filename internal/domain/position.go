package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of a leveraged position.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionLong || d == DirectionShort
}

// OrderKind distinguishes immediate fills from price-triggered fills.
type OrderKind string

const (
	OrderKindMarket OrderKind = "market"
	OrderKindLimit  OrderKind = "limit"
)

// Valid reports whether k is a known order kind.
func (k OrderKind) Valid() bool {
	return k == OrderKindMarket || k == OrderKindLimit
}

// PositionStatus is the lifecycle state of a position.
type PositionStatus string

const (
	PositionStatusPending    PositionStatus = "pending"
	PositionStatusOpening    PositionStatus = "opening"
	PositionStatusOpen       PositionStatus = "open"
	PositionStatusClosing    PositionStatus = "closing"
	PositionStatusClosed     PositionStatus = "closed"
	PositionStatusLiquidated PositionStatus = "liquidated"
	PositionStatusCancelled  PositionStatus = "cancelled"
)

// ActiveStatuses are the states that count towards the one-active-position
// per (account, instrument) rule.
var ActiveStatuses = []PositionStatus{
	PositionStatusPending,
	PositionStatusOpening,
	PositionStatusOpen,
	PositionStatusClosing,
}

// transitions lists every allowed edge of the lifecycle graph.
var transitions = map[PositionStatus][]PositionStatus{
	PositionStatusPending: {PositionStatusOpening, PositionStatusCancelled},
	PositionStatusOpening: {PositionStatusOpen},
	PositionStatusOpen:    {PositionStatusClosing, PositionStatusLiquidated},
	PositionStatusClosing: {PositionStatusClosed},
}

// CanTransition reports whether a position may move from one status to another.
func CanTransition(from, to PositionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s PositionStatus) IsTerminal() bool {
	switch s {
	case PositionStatusClosed, PositionStatusLiquidated, PositionStatusCancelled:
		return true
	}
	return false
}

// IsActive reports whether s is one of ActiveStatuses.
func (s PositionStatus) IsActive() bool {
	for _, a := range ActiveStatuses {
		if s == a {
			return true
		}
	}
	return false
}

// CloseReason records why a position left the open state.
type CloseReason string

const (
	CloseReasonNone        CloseReason = ""
	CloseReasonManual      CloseReason = "manual"
	CloseReasonTakeProfit  CloseReason = "take_profit"
	CloseReasonStopLoss    CloseReason = "stop_loss"
	CloseReasonLiquidation CloseReason = "liquidation"
	CloseReasonCancelled   CloseReason = "cancelled"
)

// Position is a single leveraged position and its full lifecycle record.
//
// Collateral, OriginationFee, PlatformFee and Payout are in collateral-asset
// units (the unit the ledger holds). NotionalValue and P&L are in numeraire
// units.
type Position struct {
	ID               string              `json:"id"`
	AccountID        string              `json:"account_id"`
	InstrumentID     string              `json:"instrument_id"`
	Direction        Direction           `json:"direction"`
	OrderKind        OrderKind           `json:"order_kind"`
	EntryPrice       decimal.Decimal     `json:"entry_price"`
	TargetPrice      decimal.NullDecimal `json:"target_price"`
	Quantity         decimal.Decimal     `json:"quantity"`
	Leverage         int                 `json:"leverage"`
	Collateral       decimal.Decimal     `json:"collateral"`
	OriginationFee   decimal.Decimal     `json:"origination_fee"`
	NotionalValue    decimal.Decimal     `json:"notional_value"`
	StopLoss         decimal.NullDecimal `json:"stop_loss"`
	TakeProfit       decimal.NullDecimal `json:"take_profit"`
	Status           PositionStatus      `json:"status"`
	LiquidationPrice decimal.Decimal     `json:"liquidation_price"`
	MarginCallPrice  decimal.Decimal     `json:"margin_call_price"`
	MarginCallFired  bool                `json:"margin_call_fired"`
	UnrealizedPnl    decimal.Decimal     `json:"unrealized_pnl"`
	MarginRatio      decimal.Decimal     `json:"margin_ratio"`
	ClosePrice       decimal.NullDecimal `json:"close_price"`
	CloseReason      CloseReason         `json:"close_reason,omitempty"`
	RealizedPnl      decimal.NullDecimal `json:"realized_pnl"`
	PlatformFee      decimal.Decimal     `json:"platform_fee"`
	Payout           decimal.Decimal     `json:"payout"`
	RequestHash      string              `json:"request_hash"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
	OpenedAt         *time.Time          `json:"opened_at,omitempty"`
	ClosedAt         *time.Time          `json:"closed_at,omitempty"`
}

// MarginQuantity is the unleveraged quantity backing the position, i.e. the
// amount the collateral alone would buy at the entry price.
func (p Position) MarginQuantity() decimal.Decimal {
	return p.Quantity.Div(decimal.NewFromInt(int64(p.Leverage)))
}

// LockedAmount is what was debited at creation and what a cancel refunds.
func (p Position) LockedAmount() decimal.Decimal {
	return p.Collateral.Add(p.OriginationFee)
}

// PositionPatch carries the fields written together with a status change.
// Nil fields are left untouched.
type PositionPatch struct {
	EntryPrice       *decimal.Decimal
	Quantity         *decimal.Decimal
	LiquidationPrice *decimal.Decimal
	MarginCallPrice  *decimal.Decimal
	UnrealizedPnl    *decimal.Decimal
	MarginRatio      *decimal.Decimal
	ClosePrice       *decimal.Decimal
	CloseReason      *CloseReason
	RealizedPnl      *decimal.Decimal
	PlatformFee      *decimal.Decimal
	Payout           *decimal.Decimal
	OpenedAt         *time.Time
	ClosedAt         *time.Time
}

// Apply copies the non-nil patch fields onto p.
func (pp PositionPatch) Apply(p *Position) {
	if pp.EntryPrice != nil {
		p.EntryPrice = *pp.EntryPrice
	}
	if pp.Quantity != nil {
		p.Quantity = *pp.Quantity
	}
	if pp.LiquidationPrice != nil {
		p.LiquidationPrice = *pp.LiquidationPrice
	}
	if pp.MarginCallPrice != nil {
		p.MarginCallPrice = *pp.MarginCallPrice
	}
	if pp.UnrealizedPnl != nil {
		p.UnrealizedPnl = *pp.UnrealizedPnl
	}
	if pp.MarginRatio != nil {
		p.MarginRatio = *pp.MarginRatio
	}
	if pp.ClosePrice != nil {
		p.ClosePrice = decimal.NewNullDecimal(*pp.ClosePrice)
	}
	if pp.CloseReason != nil {
		p.CloseReason = *pp.CloseReason
	}
	if pp.RealizedPnl != nil {
		p.RealizedPnl = decimal.NewNullDecimal(*pp.RealizedPnl)
	}
	if pp.PlatformFee != nil {
		p.PlatformFee = *pp.PlatformFee
	}
	if pp.Payout != nil {
		p.Payout = *pp.Payout
	}
	if pp.OpenedAt != nil {
		t := *pp.OpenedAt
		p.OpenedAt = &t
	}
	if pp.ClosedAt != nil {
		t := *pp.ClosedAt
		p.ClosedAt = &t
	}
}

// PriceSample is one observation collected during a sampling window.
type PriceSample struct {
	Price      decimal.Decimal
	ObservedAt time.Time
}

// AccountBalance is the ledger's view of one account.
type AccountBalance struct {
	AccountID string          `json:"account_id"`
	Balance   decimal.Decimal `json:"balance"`
	UpdatedAt time.Time       `json:"updated_at"`
}
