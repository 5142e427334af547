package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PriceCache provides fast access to the latest instrument prices.
type PriceCache interface {
	SetPrice(ctx context.Context, instrumentID string, price decimal.Decimal, ts time.Time) error
	GetPrice(ctx context.Context, instrumentID string) (decimal.Decimal, time.Time, error)
	GetPrices(ctx context.Context, instrumentIDs []string) (map[string]decimal.Decimal, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string `json:"id"`
	Payload []byte `json:"payload"`
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// PriceOracle answers current prices for the engine.
type PriceOracle interface {
	// GetCurrentPrice fails with ErrPriceUnavailable when no fresh price exists.
	GetCurrentPrice(ctx context.Context, instrumentID string) (decimal.Decimal, error)
	// NumerairePerCollateralRate is the price of one collateral unit in the numeraire.
	NumerairePerCollateralRate(ctx context.Context) (decimal.Decimal, error)
}
