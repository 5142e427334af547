package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/leverbot/internal/domain"
	"github.com/alanyoungcy/leverbot/internal/executor"
)

// Alerter delivers operator-facing alerts (Discord, Telegram, ...).
type Alerter interface {
	Alert(ctx context.Context, a domain.Alert) error
}

// EngineConfig holds the engine's tunables.
type EngineConfig struct {
	Policy   domain.Policy
	Sampling executor.SamplerConfig
	// RetryDelay is the pause before a sampling window is repeated after it
	// gathered no prices, or before a failed settlement is retried.
	RetryDelay time.Duration
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// DefaultEngineConfig returns production defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Policy:     domain.DefaultPolicy(),
		Sampling:   executor.DefaultSamplerConfig(),
		RetryDelay: 2 * time.Second,
	}
}

// EngineDeps are the collaborators of a PositionEngine. Audit and Alerts may
// be nil.
type EngineDeps struct {
	Positions domain.PositionStore
	Tx        domain.TxRunner
	Oracle    domain.PriceOracle
	Bus       domain.SignalBus
	Audit     domain.AuditStore
	Alerts    Alerter
}

// PositionEngine owns the position lifecycle: creation with collateral
// debit, the delayed open and close windows, margin calls, liquidation and
// settlement. All status changes are compare-and-swap writes, so concurrent
// callers racing on one position produce exactly one winner.
type PositionEngine struct {
	positions domain.PositionStore
	tx        domain.TxRunner
	oracle    domain.PriceOracle
	bus       domain.SignalBus
	audit     domain.AuditStore
	alerts    Alerter

	policy     domain.Policy
	sampler    *executor.Sampler
	tasks      *executor.Registry
	claims     *executor.Dedup
	retryDelay time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// NewPositionEngine wires an engine. Call Start before creating positions so
// that sampling windows can be scheduled.
func NewPositionEngine(deps EngineDeps, cfg EngineConfig, logger *slog.Logger) *PositionEngine {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.Policy.DedupBucket <= 0 {
		cfg.Policy.DedupBucket = 5 * time.Second
	}
	logger = logger.With(slog.String("component", "position_engine"))
	return &PositionEngine{
		positions:  deps.Positions,
		tx:         deps.Tx,
		oracle:     deps.Oracle,
		bus:        deps.Bus,
		audit:      deps.Audit,
		alerts:     deps.Alerts,
		policy:     cfg.Policy,
		sampler:    executor.NewSampler(deps.Oracle, cfg.Sampling, logger),
		tasks:      executor.NewRegistry(logger),
		claims:     executor.NewDedup(cfg.Policy.DedupBucket),
		retryDelay: cfg.RetryDelay,
		now:        cfg.Clock,
		logger:     logger,
	}
}

// Policy returns the engine's business constants.
func (e *PositionEngine) Policy() domain.Policy {
	return e.policy
}

// Start enables task scheduling and resumes any sampling windows that were
// interrupted by a previous shutdown.
func (e *PositionEngine) Start(ctx context.Context) error {
	e.tasks.Start(ctx)
	e.tasks.Go("dedup-cleanup", e.cleanupClaims)

	inflight, err := e.positions.ListByStatus(ctx, domain.PositionStatusOpening, domain.PositionStatusClosing)
	if err != nil {
		return fmt.Errorf("position_engine: recover in-flight positions: %w", err)
	}
	for _, p := range inflight {
		switch p.Status {
		case domain.PositionStatusOpening:
			e.scheduleOpen(p.ID)
		case domain.PositionStatusClosing:
			e.scheduleClose(p.ID)
		}
	}
	if len(inflight) > 0 {
		e.logger.InfoContext(ctx, "resumed sampling windows", slog.Int("count", len(inflight)))
	}
	return nil
}

// Stop cancels every running sampling window and waits for it to return.
// Positions left in opening or closing are resumed by the next Start.
func (e *PositionEngine) Stop(ctx context.Context) error {
	if err := e.tasks.Stop(ctx); err != nil {
		return fmt.Errorf("position_engine: stop: %w", err)
	}
	return nil
}

// InFlight returns the number of running background tasks.
func (e *PositionEngine) InFlight() int {
	return e.tasks.Len()
}

// CreatePosition validates req, prices it, debits collateral plus the
// origination fee and inserts the position in one transaction. Market
// orders start their open window immediately; limit orders wait in pending
// until the valuation loop sees the target touched.
func (e *PositionEngine) CreatePosition(ctx context.Context, req domain.CreateRequest) (domain.Position, error) {
	if err := req.Validate(e.policy); err != nil {
		CreateRejected.WithLabelValues("validation").Inc()
		return domain.Position{}, fmt.Errorf("position_engine: create: %w", err)
	}

	now := e.now().UTC()
	hash := req.Hash(now, e.policy.DedupBucket)
	if !e.claims.Claim(hash) {
		CreateRejected.WithLabelValues("duplicate").Inc()
		return domain.Position{}, fmt.Errorf("position_engine: create: %w", domain.ErrDuplicateRequest)
	}
	committed := false
	defer func() {
		if !committed {
			e.claims.Release(hash)
		}
	}()

	// Replays that reach another replica, or this one after a restart, miss
	// the in-process claim but still find the row written for the hash.
	if _, err := e.positions.FindByRequestHash(ctx, hash); err == nil {
		CreateRejected.WithLabelValues("duplicate").Inc()
		return domain.Position{}, fmt.Errorf("position_engine: create: %w", domain.ErrDuplicateRequest)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.Position{}, fmt.Errorf("position_engine: create: find request: %w", err)
	}

	if _, err := e.positions.FindActive(ctx, req.AccountID, req.InstrumentID); err == nil {
		CreateRejected.WithLabelValues("active_position").Inc()
		return domain.Position{}, fmt.Errorf("position_engine: create: %w", domain.ErrActivePosition)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.Position{}, fmt.Errorf("position_engine: create: find active: %w", err)
	}

	quote := req.TargetPrice.Decimal
	if req.OrderKind == domain.OrderKindMarket {
		price, err := e.oracle.GetCurrentPrice(ctx, req.InstrumentID)
		if err != nil {
			CreateRejected.WithLabelValues("price_unavailable").Inc()
			return domain.Position{}, fmt.Errorf("position_engine: create: %w", err)
		}
		quote = price
	}
	rate, err := e.oracle.NumerairePerCollateralRate(ctx)
	if err != nil {
		CreateRejected.WithLabelValues("price_unavailable").Inc()
		return domain.Position{}, fmt.Errorf("position_engine: create: collateral rate: %w", err)
	}

	notional := req.Quantity.Mul(quote)
	if limit := e.policy.MaxPositionSize(req.Leverage); notional.GreaterThan(limit) {
		CreateRejected.WithLabelValues("max_size").Inc()
		return domain.Position{}, fmt.Errorf("position_engine: create: %w",
			domain.Invalidf("notional %s exceeds %s for %dx", notional.StringFixed(2), limit, req.Leverage))
	}

	lev := decimal.NewFromInt(int64(req.Leverage))
	notionalCollateral := notional.Div(rate)
	liq := domain.ComputeLiquidationPrice(quote, req.Direction, req.Leverage)

	status := domain.PositionStatusPending
	if req.OrderKind == domain.OrderKindMarket {
		status = domain.PositionStatusOpening
	}
	p := domain.Position{
		ID:               uuid.NewString(),
		AccountID:        req.AccountID,
		InstrumentID:     req.InstrumentID,
		Direction:        req.Direction,
		OrderKind:        req.OrderKind,
		EntryPrice:       quote,
		TargetPrice:      req.TargetPrice,
		Quantity:         req.Quantity,
		Leverage:         req.Leverage,
		Collateral:       notionalCollateral.Div(lev),
		OriginationFee:   notionalCollateral.Mul(e.policy.OriginationFeeRate(req.Leverage)),
		NotionalValue:    notional,
		StopLoss:         req.StopLoss,
		TakeProfit:       req.TakeProfit,
		Status:           status,
		LiquidationPrice: liq,
		MarginCallPrice:  domain.ComputeMarginCallPrice(quote, liq, req.Direction, e.policy.MarginCallThreshold),
		RequestHash:      hash,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err = e.tx.InTx(ctx, func(s domain.Stores) error {
		if _, err := s.Ledger.Debit(ctx, p.AccountID, p.LockedAmount(), "open:"+hash); err != nil {
			return err
		}
		return s.Positions.Create(ctx, p)
	})
	if err != nil {
		CreateRejected.WithLabelValues(rejectReason(err)).Inc()
		return domain.Position{}, fmt.Errorf("position_engine: create: %w", err)
	}
	committed = true

	PositionsCreated.WithLabelValues(string(p.Direction), string(p.OrderKind)).Inc()
	e.logger.InfoContext(ctx, "position created",
		slog.String("position_id", p.ID),
		slog.String("account_id", p.AccountID),
		slog.String("instrument_id", p.InstrumentID),
		slog.String("status", string(p.Status)),
		slog.String("collateral", p.Collateral.String()),
	)
	e.emit(ctx, domain.EventPositionCreated, p, map[string]any{
		"debited":    p.LockedAmount().String(),
		"notional":   p.NotionalValue.String(),
		"request_id": hash,
	})

	if p.Status == domain.PositionStatusOpening {
		e.scheduleOpen(p.ID)
	}
	return p, nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, domain.ErrDuplicateRequest):
		return "duplicate"
	case errors.Is(err, domain.ErrValidation):
		return "validation"
	default:
		return "internal"
	}
}

// TriggerLimitFill moves a pending limit position to opening and starts its
// open window. It is a no-op if the position has already moved on.
func (e *PositionEngine) TriggerLimitFill(ctx context.Context, positionID string) error {
	ok, err := e.positions.CompareAndSwapStatus(ctx, positionID,
		domain.PositionStatusPending, domain.PositionStatusOpening, domain.PositionPatch{})
	if err != nil {
		return fmt.Errorf("position_engine: trigger fill %s: %w", positionID, err)
	}
	if !ok {
		e.lostRace(ctx, "trigger_fill", positionID)
		return nil
	}
	if p, err := e.positions.Get(ctx, positionID); err == nil {
		e.emit(ctx, domain.EventPositionTriggered, p, nil)
	}
	e.scheduleOpen(positionID)
	return nil
}

// CancelPosition cancels a pending limit position and refunds collateral and
// origination fee in the same transaction.
func (e *PositionEngine) CancelPosition(ctx context.Context, positionID string) error {
	p, err := e.positions.Get(ctx, positionID)
	if err != nil {
		return fmt.Errorf("position_engine: cancel %s: %w", positionID, err)
	}
	switch p.Status {
	case domain.PositionStatusCancelled:
		return nil
	case domain.PositionStatusPending:
	default:
		return fmt.Errorf("position_engine: cancel %s: %w",
			positionID, domain.Invalidf("cannot cancel a position in status %s", p.Status))
	}

	now := e.now().UTC()
	reason := domain.CloseReasonCancelled
	patch := domain.PositionPatch{CloseReason: &reason, ClosedAt: &now}
	won := false
	err = e.tx.InTx(ctx, func(s domain.Stores) error {
		ok, err := s.Positions.CompareAndSwapStatus(ctx, p.ID,
			domain.PositionStatusPending, domain.PositionStatusCancelled, patch)
		if err != nil || !ok {
			return err
		}
		won = true
		_, err = s.Ledger.Credit(ctx, p.AccountID, p.LockedAmount(), "refund:"+p.ID)
		return err
	})
	if err != nil {
		return fmt.Errorf("position_engine: cancel %s: %w", positionID, err)
	}
	if !won {
		e.lostRace(ctx, "cancel", positionID)
		return nil
	}
	patch.Apply(&p)
	p.Status = domain.PositionStatusCancelled
	e.emit(ctx, domain.EventPositionCancelled, p, map[string]any{"refunded": p.LockedAmount().String()})
	return nil
}

// RequestClose moves an open position to closing and starts the close
// window. Calling it on a position that is already closing is a no-op.
func (e *PositionEngine) RequestClose(ctx context.Context, positionID string, reason domain.CloseReason) error {
	switch reason {
	case domain.CloseReasonNone:
		reason = domain.CloseReasonManual
	case domain.CloseReasonManual, domain.CloseReasonTakeProfit, domain.CloseReasonStopLoss:
	default:
		return fmt.Errorf("position_engine: close %s: %w", positionID, domain.Invalidf("unsupported close reason %q", reason))
	}

	p, err := e.positions.Get(ctx, positionID)
	if err != nil {
		return fmt.Errorf("position_engine: close %s: %w", positionID, err)
	}
	switch p.Status {
	case domain.PositionStatusClosing:
		return nil
	case domain.PositionStatusOpen:
	default:
		return fmt.Errorf("position_engine: close %s: %w",
			positionID, domain.Invalidf("cannot close a position in status %s", p.Status))
	}

	ok, err := e.positions.CompareAndSwapStatus(ctx, positionID,
		domain.PositionStatusOpen, domain.PositionStatusClosing, domain.PositionPatch{CloseReason: &reason})
	if err != nil {
		return fmt.Errorf("position_engine: close %s: %w", positionID, err)
	}
	if !ok {
		e.lostRace(ctx, "request_close", positionID)
		return nil
	}
	p.Status = domain.PositionStatusClosing
	p.CloseReason = reason
	e.emit(ctx, domain.EventCloseRequested, p, map[string]any{"reason": string(reason)})
	e.scheduleClose(positionID)
	return nil
}

// ValuatePosition marks p to price. It has no side effects.
func (e *PositionEngine) ValuatePosition(p domain.Position, price, rate decimal.Decimal) domain.Valuation {
	return domain.ValuatePosition(p, price, rate)
}

// TriggerMarginCall latches the margin-call flag of an open position and
// raises an alert. Repeated calls, and calls on positions that are no longer
// open, do nothing.
func (e *PositionEngine) TriggerMarginCall(ctx context.Context, positionID string) error {
	p, fired, err := e.positions.MarkMarginCallFired(ctx, positionID)
	if err != nil {
		return fmt.Errorf("position_engine: margin call %s: %w", positionID, err)
	}
	if !fired {
		return nil
	}
	e.logger.WarnContext(ctx, "margin call",
		slog.String("position_id", p.ID),
		slog.String("margin_ratio", p.MarginRatio.String()),
	)
	e.emit(ctx, domain.EventMarginCall, p, map[string]any{"margin_ratio": p.MarginRatio.String()})
	e.alert(ctx, domain.AlertMarginCall, p,
		fmt.Sprintf("margin call on %s %s %dx: margin ratio %s, liquidation at %s",
			p.InstrumentID, p.Direction, p.Leverage, p.MarginRatio.StringFixed(4), p.LiquidationPrice))
	return nil
}

// TriggerLiquidation forfeits the collateral of an open position at price.
// The user receives nothing and no fee is recorded. Positions that are not
// open are left alone.
func (e *PositionEngine) TriggerLiquidation(ctx context.Context, positionID string, price decimal.Decimal) error {
	p, err := e.positions.Get(ctx, positionID)
	if err != nil {
		return fmt.Errorf("position_engine: liquidate %s: %w", positionID, err)
	}
	if p.Status != domain.PositionStatusOpen {
		return nil
	}

	now := e.now().UTC()
	pnl := domain.ComputeUnrealizedPnl(p.Direction, p.MarginQuantity(), p.Leverage, p.EntryPrice, price)
	reason := domain.CloseReasonLiquidation
	zero := decimal.Zero
	ratio := decimal.NewFromInt(1)
	patch := domain.PositionPatch{
		UnrealizedPnl: &pnl,
		MarginRatio:   &ratio,
		ClosePrice:    &price,
		CloseReason:   &reason,
		RealizedPnl:   &pnl,
		PlatformFee:   &zero,
		Payout:        &zero,
		ClosedAt:      &now,
	}
	ok, err := e.positions.CompareAndSwapStatus(ctx, positionID,
		domain.PositionStatusOpen, domain.PositionStatusLiquidated, patch)
	if err != nil {
		return fmt.Errorf("position_engine: liquidate %s: %w", positionID, err)
	}
	if !ok {
		e.lostRace(ctx, "liquidate", positionID)
		return nil
	}
	patch.Apply(&p)
	p.Status = domain.PositionStatusLiquidated

	e.logger.WarnContext(ctx, "position liquidated",
		slog.String("position_id", p.ID),
		slog.String("price", price.String()),
		slog.String("collateral", p.Collateral.String()),
	)
	e.emit(ctx, domain.EventPositionLiquidated, p, map[string]any{"price": price.String(), "payout": "0"})
	e.alert(ctx, domain.AlertLiquidation, p,
		fmt.Sprintf("liquidated %s %s %dx at %s, collateral %s forfeited",
			p.InstrumentID, p.Direction, p.Leverage, price, p.Collateral))
	return nil
}

// GetPosition returns one position.
func (e *PositionEngine) GetPosition(ctx context.Context, positionID string) (domain.Position, error) {
	p, err := e.positions.Get(ctx, positionID)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_engine: get %s: %w", positionID, err)
	}
	return p, nil
}

// ListPositions returns an account's positions, newest first.
func (e *PositionEngine) ListPositions(ctx context.Context, accountID string, opts domain.ListOpts) ([]domain.Position, error) {
	ps, err := e.positions.ListByAccount(ctx, accountID, opts)
	if err != nil {
		return nil, fmt.Errorf("position_engine: list %s: %w", accountID, err)
	}
	return ps, nil
}

func (e *PositionEngine) scheduleOpen(positionID string) {
	if !e.tasks.Go(positionID, func(ctx context.Context) { e.runOpen(ctx, positionID) }) {
		e.logger.Warn("open window not scheduled", slog.String("position_id", positionID))
	}
}

func (e *PositionEngine) scheduleClose(positionID string) {
	if !e.tasks.Go(positionID, func(ctx context.Context) { e.runClose(ctx, positionID) }) {
		e.logger.Warn("close window not scheduled", slog.String("position_id", positionID))
	}
}

// collect runs one sampling window for p and returns the worst price for
// the owner. It returns false when the window yielded nothing usable; the
// caller retries after retryDelay unless ctx is done.
func (e *PositionEngine) collect(ctx context.Context, p domain.Position, phase domain.Phase) (decimal.Decimal, bool) {
	ActiveTasks.Inc()
	samples, err := e.sampler.Collect(ctx, p.InstrumentID)
	ActiveTasks.Dec()
	if err != nil {
		return decimal.Zero, false
	}
	SamplesPerWindow.Observe(float64(len(samples)))

	price, ok := domain.SelectWorstPrice(samples, p.Direction, phase)
	if !ok {
		SamplerWindows.WithLabelValues(string(phase), "empty").Inc()
		e.logger.ErrorContext(ctx, "sampling window gathered no prices",
			slog.String("position_id", p.ID),
			slog.String("instrument_id", p.InstrumentID),
			slog.String("phase", string(phase)),
		)
		e.alert(ctx, domain.AlertSamplerEmpty, p,
			fmt.Sprintf("%s window for %s gathered no prices; retrying", phase, p.InstrumentID))
		return decimal.Zero, false
	}
	SamplerWindows.WithLabelValues(string(phase), "ok").Inc()
	return price, true
}

func (e *PositionEngine) wait(ctx context.Context) bool {
	t := time.NewTimer(e.retryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (e *PositionEngine) runOpen(ctx context.Context, positionID string) {
	for ctx.Err() == nil {
		p, err := e.positions.Get(ctx, positionID)
		if err != nil {
			e.logger.ErrorContext(ctx, "open window: load position",
				slog.String("position_id", positionID), slog.String("error", err.Error()))
			if !e.wait(ctx) {
				return
			}
			continue
		}
		if p.Status != domain.PositionStatusOpening {
			e.lostRace(ctx, "open_window", positionID)
			return
		}

		entry, ok := e.collect(ctx, p, domain.PhaseOpen)
		if !ok {
			if !e.wait(ctx) {
				return
			}
			continue
		}
		if err := e.completeOpen(ctx, p, entry); err != nil {
			e.logger.ErrorContext(ctx, "open window: commit",
				slog.String("position_id", positionID), slog.String("error", err.Error()))
			if !e.wait(ctx) {
				return
			}
			continue
		}
		return
	}
}

// completeOpen fixes the entry at the sampled price. Notional, and with it
// the locked collateral, stays as quoted; quantity absorbs the difference.
func (e *PositionEngine) completeOpen(ctx context.Context, p domain.Position, entry decimal.Decimal) error {
	now := e.now().UTC()
	qty := p.NotionalValue.Div(entry)
	liq := domain.ComputeLiquidationPrice(entry, p.Direction, p.Leverage)
	mc := domain.ComputeMarginCallPrice(entry, liq, p.Direction, e.policy.MarginCallThreshold)
	patch := domain.PositionPatch{
		EntryPrice:       &entry,
		Quantity:         &qty,
		LiquidationPrice: &liq,
		MarginCallPrice:  &mc,
		OpenedAt:         &now,
	}

	ok, err := e.positions.CompareAndSwapStatus(ctx, p.ID, domain.PositionStatusOpening, domain.PositionStatusOpen, patch)
	if err != nil {
		return err
	}
	if !ok {
		e.lostRace(ctx, "complete_open", p.ID)
		return nil
	}
	patch.Apply(&p)
	p.Status = domain.PositionStatusOpen

	e.logger.InfoContext(ctx, "position opened",
		slog.String("position_id", p.ID),
		slog.String("entry_price", entry.String()),
		slog.String("liquidation_price", liq.String()),
	)
	e.emit(ctx, domain.EventPositionOpened, p, map[string]any{"entry_price": entry.String()})
	return nil
}

func (e *PositionEngine) runClose(ctx context.Context, positionID string) {
	for ctx.Err() == nil {
		p, err := e.positions.Get(ctx, positionID)
		if err != nil {
			e.logger.ErrorContext(ctx, "close window: load position",
				slog.String("position_id", positionID), slog.String("error", err.Error()))
			if !e.wait(ctx) {
				return
			}
			continue
		}
		if p.Status != domain.PositionStatusClosing {
			e.lostRace(ctx, "close_window", positionID)
			return
		}

		price, ok := e.collect(ctx, p, domain.PhaseClose)
		if !ok {
			if !e.wait(ctx) {
				return
			}
			continue
		}
		if err := e.settle(ctx, p, price); err != nil {
			e.logger.ErrorContext(ctx, "settlement failed",
				slog.String("position_id", positionID), slog.String("error", err.Error()))
			e.alert(ctx, domain.AlertSettlementFailed, p, "settlement failed: "+err.Error())
			if !e.wait(ctx) {
				return
			}
			continue
		}
		return
	}
}

// settle computes the fee and payout at price and, in one transaction, moves
// the position to closed and credits the payout.
func (e *PositionEngine) settle(ctx context.Context, p domain.Position, price decimal.Decimal) error {
	rate, err := e.oracle.NumerairePerCollateralRate(ctx)
	if err != nil {
		return fmt.Errorf("collateral rate: %w", err)
	}

	now := e.now().UTC()
	pnl := domain.ComputeUnrealizedPnl(p.Direction, p.MarginQuantity(), p.Leverage, p.EntryPrice, price)
	st := domain.Settle(p.Collateral, pnl, rate, e.policy.PlatformFeeRate)
	patch := domain.PositionPatch{
		UnrealizedPnl: &pnl,
		ClosePrice:    &price,
		RealizedPnl:   &pnl,
		PlatformFee:   &st.Fee,
		Payout:        &st.Payout,
		ClosedAt:      &now,
	}

	won := false
	err = e.tx.InTx(ctx, func(s domain.Stores) error {
		ok, err := s.Positions.CompareAndSwapStatus(ctx, p.ID, domain.PositionStatusClosing, domain.PositionStatusClosed, patch)
		if err != nil || !ok {
			return err
		}
		won = true
		if st.Payout.Sign() > 0 {
			if _, err := s.Ledger.Credit(ctx, p.AccountID, st.Payout, "settle:"+p.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !won {
		e.lostRace(ctx, "settle", p.ID)
		return nil
	}
	patch.Apply(&p)
	p.Status = domain.PositionStatusClosed

	e.logger.InfoContext(ctx, "position closed",
		slog.String("position_id", p.ID),
		slog.String("close_price", price.String()),
		slog.String("pnl", pnl.String()),
		slog.String("fee", st.Fee.String()),
		slog.String("payout", st.Payout.String()),
	)
	e.emit(ctx, domain.EventPositionClosed, p, map[string]any{
		"close_price": price.String(),
		"fee":         st.Fee.String(),
		"payout":      st.Payout.String(),
		"reason":      string(p.CloseReason),
	})
	return nil
}

func (e *PositionEngine) lostRace(ctx context.Context, op, positionID string) {
	CASConflicts.WithLabelValues(op).Inc()
	e.logger.InfoContext(ctx, "position already moved on, skipping",
		slog.String("operation", op),
		slog.String("position_id", positionID),
		slog.String("error", domain.ErrConcurrencyConflict.Error()),
	)
}

// emit publishes a lifecycle event on the bus and records it in the audit
// log. Failures are logged; the committed state change stands regardless.
func (e *PositionEngine) emit(ctx context.Context, event domain.PositionEvent, p domain.Position, detail map[string]any) {
	LifecycleEvents.WithLabelValues(string(event)).Inc()

	if e.bus != nil {
		payload, err := json.Marshal(domain.PositionEnvelope{Event: event, Position: p, At: e.now().UTC()})
		if err == nil {
			if err := e.bus.Publish(ctx, domain.ChannelPositions, payload); err != nil {
				e.logger.WarnContext(ctx, "publish event failed",
					slog.String("event", string(event)), slog.String("error", err.Error()))
			}
			if err := e.bus.StreamAppend(ctx, domain.StreamPositions, payload); err != nil {
				e.logger.WarnContext(ctx, "stream event failed",
					slog.String("event", string(event)), slog.String("error", err.Error()))
			}
		}
	}

	if e.audit != nil {
		if detail == nil {
			detail = map[string]any{}
		}
		detail["position_id"] = p.ID
		detail["account_id"] = p.AccountID
		detail["instrument_id"] = p.InstrumentID
		detail["status"] = string(p.Status)
		if err := e.audit.Log(ctx, string(event), detail); err != nil {
			e.logger.WarnContext(ctx, "audit log failed",
				slog.String("event", string(event)), slog.String("error", err.Error()))
		}
	}
}

func (e *PositionEngine) alert(ctx context.Context, kind domain.AlertKind, p domain.Position, msg string) {
	a := domain.Alert{
		Kind:         kind,
		PositionID:   p.ID,
		AccountID:    p.AccountID,
		InstrumentID: p.InstrumentID,
		Message:      msg,
		At:           e.now().UTC(),
	}
	if e.bus != nil {
		if payload, err := json.Marshal(a); err == nil {
			if err := e.bus.Publish(ctx, domain.ChannelAlerts, payload); err != nil {
				e.logger.WarnContext(ctx, "publish alert failed",
					slog.String("kind", string(kind)), slog.String("error", err.Error()))
			}
		}
	}
	if e.alerts == nil {
		return
	}
	if err := e.alerts.Alert(ctx, a); err != nil {
		e.logger.WarnContext(ctx, "alert delivery failed",
			slog.String("kind", string(kind)), slog.String("error", err.Error()))
	}
}

func (e *PositionEngine) cleanupClaims(ctx context.Context) {
	t := time.NewTicker(e.policy.DedupBucket)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.claims.Cleanup()
		}
	}
}
