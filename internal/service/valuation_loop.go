package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/leverbot/internal/domain"
)

const valuationLockKey = "valuation-loop"

// ValuationLoop periodically marks every open position to market, persists
// P&L and margin ratio, and reacts to the verdict: margin call, liquidation,
// take-profit or stop-loss. It also fires pending limit orders whose target
// has been touched.
type ValuationLoop struct {
	engine      *PositionEngine
	positions   domain.PositionStore
	oracle      domain.PriceOracle
	locks       domain.LockManager
	interval    time.Duration
	concurrency int
	logger      *slog.Logger
}

// NewValuationLoop creates a loop. locks may be nil when a single replica
// runs the loop.
func NewValuationLoop(
	engine *PositionEngine,
	positions domain.PositionStore,
	oracle domain.PriceOracle,
	locks domain.LockManager,
	interval time.Duration,
	concurrency int,
	logger *slog.Logger,
) *ValuationLoop {
	if interval <= 0 {
		interval = time.Second
	}
	if concurrency <= 0 {
		concurrency = 16
	}
	return &ValuationLoop{
		engine:      engine,
		positions:   positions,
		oracle:      oracle,
		locks:       locks,
		interval:    interval,
		concurrency: concurrency,
		logger:      logger.With(slog.String("component", "valuation_loop")),
	}
}

// Run ticks until ctx is cancelled. A failed pass is logged and the next
// tick proceeds normally.
func (l *ValuationLoop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := l.Tick(ctx); err != nil {
				l.logger.ErrorContext(ctx, "valuation pass failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Tick performs a single valuation pass.
func (l *ValuationLoop) Tick(ctx context.Context) error {
	if l.locks != nil {
		unlock, err := l.locks.Acquire(ctx, valuationLockKey, l.interval)
		if errors.Is(err, domain.ErrLockHeld) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("valuation: acquire lock: %w", err)
		}
		defer unlock()
	}

	start := time.Now()
	defer func() { ValuationTickDuration.Observe(time.Since(start).Seconds()) }()

	ps, err := l.positions.ListByStatus(ctx, domain.PositionStatusPending, domain.PositionStatusOpen)
	if err != nil {
		return fmt.Errorf("valuation: list positions: %w", err)
	}
	if len(ps) == 0 {
		return nil
	}
	rate, err := l.oracle.NumerairePerCollateralRate(ctx)
	if err != nil {
		return fmt.Errorf("valuation: collateral rate: %w", err)
	}
	prices := l.fetchPrices(ctx, ps)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.concurrency)
	for _, p := range ps {
		price, ok := prices[p.InstrumentID]
		if !ok {
			continue
		}
		g.Go(func() error {
			l.evaluate(gctx, p, price, rate)
			return nil
		})
	}
	return g.Wait()
}

func (l *ValuationLoop) fetchPrices(ctx context.Context, ps []domain.Position) map[string]decimal.Decimal {
	prices := make(map[string]decimal.Decimal)
	missing := make(map[string]bool)
	for _, p := range ps {
		if _, seen := prices[p.InstrumentID]; seen || missing[p.InstrumentID] {
			continue
		}
		price, err := l.oracle.GetCurrentPrice(ctx, p.InstrumentID)
		if err != nil {
			missing[p.InstrumentID] = true
			ValuationErrors.WithLabelValues("price").Inc()
			l.logger.WarnContext(ctx, "no price, skipping instrument this tick",
				slog.String("instrument_id", p.InstrumentID),
				slog.String("error", err.Error()),
			)
			continue
		}
		prices[p.InstrumentID] = price
	}
	return prices
}

// evaluate handles one position. Failures and panics stay confined to it.
func (l *ValuationLoop) evaluate(ctx context.Context, p domain.Position, price, rate decimal.Decimal) {
	defer func() {
		if rec := recover(); rec != nil {
			ValuationErrors.WithLabelValues("panic").Inc()
			l.logger.ErrorContext(ctx, "valuation panicked",
				slog.String("position_id", p.ID),
				slog.Any("panic", rec),
			)
		}
	}()

	if err := l.apply(ctx, p, price, rate); err != nil {
		ValuationErrors.WithLabelValues("apply").Inc()
		l.logger.ErrorContext(ctx, "valuation failed",
			slog.String("position_id", p.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (l *ValuationLoop) apply(ctx context.Context, p domain.Position, price, rate decimal.Decimal) error {
	policy := l.engine.Policy()

	switch p.Status {
	case domain.PositionStatusPending:
		if p.OrderKind == domain.OrderKindLimit && domain.LimitTriggered(p, price) {
			return l.engine.TriggerLimitFill(ctx, p.ID)
		}
		return nil
	case domain.PositionStatusOpen:
	default:
		return nil
	}

	v := l.engine.ValuatePosition(p, price, rate)
	if v.MarginRatio.GreaterThanOrEqual(policy.LiquidationThreshold) {
		return l.engine.TriggerLiquidation(ctx, p.ID, price)
	}

	ok, err := l.positions.UpdateValuation(ctx, p.ID, v.Pnl, v.MarginRatio)
	if err != nil {
		return fmt.Errorf("update valuation: %w", err)
	}
	if !ok {
		// Left open between listing and now.
		return nil
	}

	if !p.MarginCallFired && v.MarginRatio.GreaterThanOrEqual(policy.MarginCallThreshold) {
		if err := l.engine.TriggerMarginCall(ctx, p.ID); err != nil {
			return err
		}
	}
	if reason, hit := domain.ExitTriggered(p, price); hit {
		return l.engine.RequestClose(ctx, p.ID, reason)
	}
	return nil
}
