package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CreateRequest is a caller's instruction to open a leveraged position.
type CreateRequest struct {
	AccountID    string              `json:"account_id"`
	InstrumentID string              `json:"instrument_id"`
	Direction    Direction           `json:"direction"`
	OrderKind    OrderKind           `json:"order_kind"`
	Quantity     decimal.Decimal     `json:"quantity"`
	Leverage     int                 `json:"leverage"`
	TargetPrice  decimal.NullDecimal `json:"target_price"`
	StopLoss     decimal.NullDecimal `json:"stop_loss"`
	TakeProfit   decimal.NullDecimal `json:"take_profit"`
}

// Validate checks the request against policy limits that do not depend on
// market data. The notional cap is checked once the price is known.
func (r CreateRequest) Validate(p Policy) error {
	if strings.TrimSpace(r.AccountID) == "" {
		return Invalidf("account_id is required")
	}
	if strings.TrimSpace(r.InstrumentID) == "" {
		return Invalidf("instrument_id is required")
	}
	if !r.Direction.Valid() {
		return Invalidf("unknown direction %q", r.Direction)
	}
	if !r.OrderKind.Valid() {
		return Invalidf("unknown order kind %q", r.OrderKind)
	}
	if r.Quantity.Sign() <= 0 {
		return Invalidf("quantity must be positive")
	}
	if r.Leverage < p.MinLeverage {
		return Invalidf("leverage %d below minimum %d", r.Leverage, p.MinLeverage)
	}
	if p.MaxLeverage > 0 && r.Leverage > p.MaxLeverage {
		return Invalidf("leverage %d above maximum %d", r.Leverage, p.MaxLeverage)
	}
	switch r.OrderKind {
	case OrderKindLimit:
		if !r.TargetPrice.Valid || r.TargetPrice.Decimal.Sign() <= 0 {
			return Invalidf("limit orders need a positive target_price")
		}
	case OrderKindMarket:
		if r.TargetPrice.Valid {
			return Invalidf("target_price is only allowed on limit orders")
		}
	}
	if r.StopLoss.Valid && r.StopLoss.Decimal.Sign() <= 0 {
		return Invalidf("stop_loss must be positive")
	}
	if r.TakeProfit.Valid && r.TakeProfit.Decimal.Sign() <= 0 {
		return Invalidf("take_profit must be positive")
	}
	return nil
}

// Hash returns the deduplication key of the request. Requests with the same
// economic parameters submitted within the same bucket share a hash.
func (r CreateRequest) Hash(at time.Time, bucket time.Duration) string {
	var slot int64
	if ms := bucket.Milliseconds(); ms > 0 {
		slot = at.UnixMilli() / ms
	}
	parts := []string{
		r.AccountID,
		r.InstrumentID,
		string(r.Direction),
		string(r.OrderKind),
		r.Quantity.String(),
		strconv.Itoa(r.Leverage),
		strconv.FormatInt(slot, 10),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
