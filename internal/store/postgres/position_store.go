package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/leverbot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	db dbtx
}

// NewPositionStore creates a PositionStore on db.
func NewPositionStore(db dbtx) *PositionStore {
	return &PositionStore{db: db}
}

const positionSelectCols = `id, account_id, instrument_id, direction, order_kind,
	entry_price, target_price, quantity, leverage, collateral, origination_fee,
	notional_value, stop_loss, take_profit, status, liquidation_price,
	margin_call_price, margin_call_fired, unrealized_pnl, margin_ratio,
	close_price, close_reason, realized_pnl, platform_fee, payout, request_hash,
	created_at, updated_at, opened_at, closed_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var direction, kind, status, reason string

	err := row.Scan(
		&p.ID, &p.AccountID, &p.InstrumentID, &direction, &kind,
		&p.EntryPrice, &p.TargetPrice, &p.Quantity, &p.Leverage, &p.Collateral, &p.OriginationFee,
		&p.NotionalValue, &p.StopLoss, &p.TakeProfit, &status, &p.LiquidationPrice,
		&p.MarginCallPrice, &p.MarginCallFired, &p.UnrealizedPnl, &p.MarginRatio,
		&p.ClosePrice, &reason, &p.RealizedPnl, &p.PlatformFee, &p.Payout, &p.RequestHash,
		&p.CreatedAt, &p.UpdatedAt, &p.OpenedAt, &p.ClosedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Direction = domain.Direction(direction)
	p.OrderKind = domain.OrderKind(kind)
	p.Status = domain.PositionStatus(status)
	p.CloseReason = domain.CloseReason(reason)
	return p, nil
}

func scanPositions(rows pgx.Rows) ([]domain.Position, error) {
	defer rows.Close()
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Create inserts a new position. Unique violations map to
// domain.ErrActivePosition or domain.ErrDuplicateRequest.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const q = `
		INSERT INTO positions (
			id, account_id, instrument_id, direction, order_kind,
			entry_price, target_price, quantity, leverage, collateral, origination_fee,
			notional_value, stop_loss, take_profit, status, liquidation_price,
			margin_call_price, margin_call_fired, unrealized_pnl, margin_ratio,
			close_reason, platform_fee, payout, request_hash,
			created_at, updated_at, opened_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16,
			$17, $18, $19, $20,
			$21, $22, $23, $24,
			$25, $25, $26
		)`

	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, q,
		p.ID, p.AccountID, p.InstrumentID, string(p.Direction), string(p.OrderKind),
		p.EntryPrice, p.TargetPrice, p.Quantity, p.Leverage, p.Collateral, p.OriginationFee,
		p.NotionalValue, p.StopLoss, p.TakeProfit, string(p.Status), p.LiquidationPrice,
		p.MarginCallPrice, p.MarginCallFired, p.UnrealizedPnl, p.MarginRatio,
		string(p.CloseReason), p.PlatformFee, p.Payout, p.RequestHash,
		created, p.OpenedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, mapError(err))
	}
	return nil
}

// Get retrieves a single position by ID.
func (s *PositionStore) Get(ctx context.Context, id string) (domain.Position, error) {
	p, err := scanPosition(s.db.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id))
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, mapError(err))
	}
	return p, nil
}

// FindActive returns the account's active position on the instrument.
func (s *PositionStore) FindActive(ctx context.Context, accountID, instrumentID string) (domain.Position, error) {
	p, err := scanPosition(s.db.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE account_id = $1 AND instrument_id = $2 AND status = ANY($3)`,
		accountID, instrumentID, statusStrings(domain.ActiveStatuses)))
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: find active position %s/%s: %w", accountID, instrumentID, mapError(err))
	}
	return p, nil
}

// FindByRequestHash returns the position created for hash, whatever its status.
func (s *PositionStore) FindByRequestHash(ctx context.Context, hash string) (domain.Position, error) {
	p, err := scanPosition(s.db.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE request_hash = $1`, hash))
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: find position by request %s: %w", hash, mapError(err))
	}
	return p, nil
}

// CompareAndSwapStatus moves the row from expected to next in one UPDATE
// guarded on the current status. Patch fields ride along in the same write.
func (s *PositionStore) CompareAndSwapStatus(ctx context.Context, id string, expected, next domain.PositionStatus, patch domain.PositionPatch) (bool, error) {
	q := newQuery(`UPDATE positions SET status = $1, updated_at = NOW()`, string(next))
	for _, a := range patchAssignments(patch) {
		q.raw(", " + a.column + " = " + q.next(a.value))
	}
	q.raw(" WHERE id = " + q.next(id) + " AND status = " + q.next(string(expected)))

	tag, err := s.db.Exec(ctx, q.sql, q.args...)
	if err != nil {
		return false, fmt.Errorf("postgres: cas position %s %s->%s: %w", id, expected, next, mapError(err))
	}
	return tag.RowsAffected() == 1, nil
}

type assignment struct {
	column string
	value  any
}

// patchAssignments lists the columns a patch writes, in a fixed order.
func patchAssignments(pp domain.PositionPatch) []assignment {
	var out []assignment
	addDec := func(col string, v *decimal.Decimal) {
		if v != nil {
			out = append(out, assignment{col, *v})
		}
	}
	addDec("entry_price", pp.EntryPrice)
	addDec("quantity", pp.Quantity)
	addDec("liquidation_price", pp.LiquidationPrice)
	addDec("margin_call_price", pp.MarginCallPrice)
	addDec("unrealized_pnl", pp.UnrealizedPnl)
	addDec("margin_ratio", pp.MarginRatio)
	addDec("close_price", pp.ClosePrice)
	if pp.CloseReason != nil {
		out = append(out, assignment{"close_reason", string(*pp.CloseReason)})
	}
	addDec("realized_pnl", pp.RealizedPnl)
	addDec("platform_fee", pp.PlatformFee)
	addDec("payout", pp.Payout)
	if pp.OpenedAt != nil {
		out = append(out, assignment{"opened_at", *pp.OpenedAt})
	}
	if pp.ClosedAt != nil {
		out = append(out, assignment{"closed_at", *pp.ClosedAt})
	}
	return out
}

// ListByStatus returns every position in one of the given statuses, oldest first.
func (s *PositionStore) ListByStatus(ctx context.Context, statuses ...domain.PositionStatus) ([]domain.Position, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE status = ANY($1) ORDER BY created_at`, statusStrings(statuses))
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions by status: %w", err)
	}
	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions by status: %w", err)
	}
	return positions, nil
}

// ListByAccount returns the account's positions newest first.
func (s *PositionStore) ListByAccount(ctx context.Context, accountID string, opts domain.ListOpts) ([]domain.Position, error) {
	q := newQuery(`SELECT `+positionSelectCols+` FROM positions WHERE account_id = $1`, accountID)
	if opts.Since != nil {
		q.where("created_at >= %s", *opts.Since)
	}
	if opts.Until != nil {
		q.where("created_at <= %s", *opts.Until)
	}
	q.raw(" ORDER BY created_at DESC")
	q.page(opts)

	rows, err := s.db.Query(ctx, q.sql, q.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions for %s: %w", accountID, err)
	}
	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions for %s: %w", accountID, err)
	}
	return positions, nil
}

// UpdateValuation writes the latest mark; it is a no-op unless the position is open.
func (s *PositionStore) UpdateValuation(ctx context.Context, id string, pnl, ratio decimal.Decimal) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE positions
		   SET unrealized_pnl = $2, margin_ratio = $3, updated_at = NOW()
		 WHERE id = $1 AND status = 'open'`, id, pnl, ratio)
	if err != nil {
		return false, fmt.Errorf("postgres: update valuation %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkMarginCallFired flips the latch once per position and returns the
// updated row. A position that is not open or already latched yields false.
func (s *PositionStore) MarkMarginCallFired(ctx context.Context, id string) (domain.Position, bool, error) {
	p, err := scanPosition(s.db.QueryRow(ctx, `
		UPDATE positions
		   SET margin_call_fired = TRUE, updated_at = NOW()
		 WHERE id = $1 AND status = 'open' AND NOT margin_call_fired
		RETURNING `+positionSelectCols, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, false, nil
	}
	if err != nil {
		return domain.Position{}, false, fmt.Errorf("postgres: mark margin call %s: %w", id, err)
	}
	return p, true, nil
}

// ListArchivable returns terminal positions closed before the cutoff that
// have not yet been archived.
func (s *PositionStore) ListArchivable(ctx context.Context, before time.Time, limit int) ([]domain.Position, error) {
	q := newQuery(`SELECT `+positionSelectCols+` FROM positions
		 WHERE archived_at IS NULL AND status IN ('closed', 'liquidated', 'cancelled')`)
	q.where("COALESCE(closed_at, updated_at) < %s", before)
	q.raw(" ORDER BY COALESCE(closed_at, updated_at)")
	q.page(domain.ListOpts{Limit: limit})

	rows, err := s.db.Query(ctx, q.sql, q.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list archivable positions: %w", err)
	}
	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan archivable positions: %w", err)
	}
	return positions, nil
}

// MarkArchived stamps archived_at on the given positions.
func (s *PositionStore) MarkArchived(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.db.Exec(ctx,
		`UPDATE positions SET archived_at = NOW() WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("postgres: mark %d positions archived: %w", len(ids), err)
	}
	return nil
}

func statusStrings(statuses []domain.PositionStatus) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

var _ domain.PositionStore = (*PositionStore)(nil)
