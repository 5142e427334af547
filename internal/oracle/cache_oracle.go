// Package oracle answers current prices for the position engine from the
// shared price cache that the market feed keeps up to date.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/leverbot/internal/domain"
)

// Config configures a CacheOracle.
type Config struct {
	// MaxAge is the oldest cached price still considered current. Zero
	// disables the staleness check.
	MaxAge time.Duration
	// CollateralAsset is the unit the ledger holds, e.g. "USD" or "BTC".
	CollateralAsset string
	// Numeraire is the unit instrument prices are quoted in.
	Numeraire string
}

// CacheOracle implements domain.PriceOracle over a domain.PriceCache.
type CacheOracle struct {
	cache domain.PriceCache
	cfg   Config
	now   func() time.Time
}

// NewCacheOracle creates a CacheOracle.
func NewCacheOracle(cache domain.PriceCache, cfg Config) *CacheOracle {
	return &CacheOracle{cache: cache, cfg: cfg, now: time.Now}
}

// GetCurrentPrice returns the cached price for instrumentID. Missing, stale
// or non-positive prices yield domain.ErrPriceUnavailable.
func (o *CacheOracle) GetCurrentPrice(ctx context.Context, instrumentID string) (decimal.Decimal, error) {
	price, ts, err := o.cache.GetPrice(ctx, instrumentID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return decimal.Zero, fmt.Errorf("oracle: %s: %w", instrumentID, domain.ErrPriceUnavailable)
		}
		return decimal.Zero, fmt.Errorf("oracle: %s: %w: %v", instrumentID, domain.ErrPriceUnavailable, err)
	}
	if o.cfg.MaxAge > 0 && o.now().Sub(ts) > o.cfg.MaxAge {
		return decimal.Zero, fmt.Errorf("oracle: %s: stale since %s: %w",
			instrumentID, ts.Format(time.RFC3339), domain.ErrPriceUnavailable)
	}
	if price.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("oracle: %s: non-positive price %s: %w",
			instrumentID, price, domain.ErrPriceUnavailable)
	}
	return price, nil
}

// NumerairePerCollateralRate returns how many numeraire units one unit of
// collateral is worth. It is 1 when both are the same asset; otherwise it
// reads the "<collateral>-<numeraire>" instrument from the cache.
func (o *CacheOracle) NumerairePerCollateralRate(ctx context.Context) (decimal.Decimal, error) {
	if o.cfg.CollateralAsset == "" || strings.EqualFold(o.cfg.CollateralAsset, o.cfg.Numeraire) {
		return decimal.NewFromInt(1), nil
	}
	return o.GetCurrentPrice(ctx, RateInstrument(o.cfg.CollateralAsset, o.cfg.Numeraire))
}

// RateInstrument names the cache entry holding the collateral rate.
func RateInstrument(collateral, numeraire string) string {
	return strings.ToUpper(collateral) + "-" + strings.ToUpper(numeraire)
}

var _ domain.PriceOracle = (*CacheOracle)(nil)
