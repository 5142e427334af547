package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/leverbot/internal/domain"
)

// PriceService takes ticks from the market feed, stores them in the price
// cache the oracle reads, and fans them out on the "prices" channel.
type PriceService struct {
	priceCache domain.PriceCache
	bus        domain.SignalBus
	logger     *slog.Logger
}

// NewPriceService creates a PriceService.
func NewPriceService(priceCache domain.PriceCache, bus domain.SignalBus, logger *slog.Logger) *PriceService {
	return &PriceService{
		priceCache: priceCache,
		bus:        bus,
		logger:     logger.With(slog.String("component", "price_service")),
	}
}

// HandleTick records one observation. Non-positive prices are rejected so a
// bad print can never reach the oracle.
func (s *PriceService) HandleTick(ctx context.Context, tick domain.Tick) error {
	if tick.InstrumentID == "" {
		return fmt.Errorf("price_service: %w", domain.Invalidf("tick without instrument"))
	}
	if tick.Price.Sign() <= 0 {
		return fmt.Errorf("price_service: %s: %w", tick.InstrumentID, domain.Invalidf("non-positive price %s", tick.Price))
	}
	if tick.Timestamp.IsZero() {
		tick.Timestamp = time.Now().UTC()
	}

	if err := s.priceCache.SetPrice(ctx, tick.InstrumentID, tick.Price, tick.Timestamp); err != nil {
		return fmt.Errorf("price_service: set price for %q: %w", tick.InstrumentID, err)
	}
	TicksReceived.WithLabelValues(tick.InstrumentID).Inc()

	if s.bus == nil {
		return nil
	}
	evt, _ := json.Marshal(tick)
	if err := s.bus.Publish(ctx, domain.ChannelPrices, evt); err != nil {
		s.logger.WarnContext(ctx, "publish tick failed",
			slog.String("instrument_id", tick.InstrumentID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// GetPrice returns the latest cached price and its timestamp.
func (s *PriceService) GetPrice(ctx context.Context, instrumentID string) (decimal.Decimal, time.Time, error) {
	price, ts, err := s.priceCache.GetPrice(ctx, instrumentID)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("price_service: get price for %q: %w", instrumentID, err)
	}
	return price, ts, nil
}

// GetPrices returns the latest cached prices; missing instruments are omitted.
func (s *PriceService) GetPrices(ctx context.Context, instrumentIDs []string) (map[string]decimal.Decimal, error) {
	prices, err := s.priceCache.GetPrices(ctx, instrumentIDs)
	if err != nil {
		return nil, fmt.Errorf("price_service: get prices: %w", err)
	}
	return prices, nil
}
