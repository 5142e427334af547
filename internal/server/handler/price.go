package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// PriceReader reads the latest cached price.
type PriceReader interface {
	GetPrice(ctx context.Context, instrumentID string) (decimal.Decimal, time.Time, error)
}

// PriceHandler serves the latest price of an instrument.
type PriceHandler struct {
	prices PriceReader
	logger *slog.Logger
}

// NewPriceHandler creates a PriceHandler.
func NewPriceHandler(prices PriceReader, logger *slog.Logger) *PriceHandler {
	return &PriceHandler{prices: prices, logger: logHandler(logger, "prices")}
}

// GetPrice GET /api/prices/{instrument}
func (h *PriceHandler) GetPrice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("instrument")
	price, ts, err := h.prices.GetPrice(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"instrument_id": id,
		"price":         price,
		"timestamp":     ts.UTC().Format(time.RFC3339Nano),
	})
}
