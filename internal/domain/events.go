package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Channel and stream names on the signal bus.
const (
	ChannelPositions = "positions"
	ChannelPrices    = "prices"
	ChannelAlerts    = "alerts"
	StreamPositions  = "stream:positions"
)

// PositionEvent names a lifecycle step.
type PositionEvent string

const (
	EventPositionCreated    PositionEvent = "position_created"
	EventPositionTriggered  PositionEvent = "position_triggered"
	EventPositionOpened     PositionEvent = "position_opened"
	EventCloseRequested     PositionEvent = "close_requested"
	EventPositionClosed     PositionEvent = "position_closed"
	EventPositionLiquidated PositionEvent = "position_liquidated"
	EventPositionCancelled  PositionEvent = "position_cancelled"
	EventMarginCall         PositionEvent = "margin_call"
)

// PositionEnvelope is the bus payload for a lifecycle event.
type PositionEnvelope struct {
	Event    PositionEvent `json:"event"`
	Position Position      `json:"position"`
	At       time.Time     `json:"at"`
}

// Tick is one price observation delivered by a market feed.
type Tick struct {
	InstrumentID string          `json:"instrument_id"`
	Price        decimal.Decimal `json:"price"`
	Timestamp    time.Time       `json:"timestamp"`
}

// AlertKind classifies operational alerts.
type AlertKind string

const (
	AlertMarginCall       AlertKind = "margin_call"
	AlertLiquidation      AlertKind = "liquidation"
	AlertSamplerEmpty     AlertKind = "sampler_empty"
	AlertSettlementFailed AlertKind = "settlement_failed"
)

// Alert is an operator-facing notification about a position.
type Alert struct {
	Kind         AlertKind `json:"kind"`
	PositionID   string    `json:"position_id"`
	AccountID    string    `json:"account_id"`
	InstrumentID string    `json:"instrument_id"`
	Message      string    `json:"message"`
	At           time.Time `json:"at"`
}
