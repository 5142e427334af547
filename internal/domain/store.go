package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists positions. Status changes go exclusively through
// CompareAndSwapStatus so that concurrent writers cannot both win.
type PositionStore interface {
	Create(ctx context.Context, p Position) error
	Get(ctx context.Context, id string) (Position, error)
	// FindActive returns the active position for the pair, or ErrNotFound.
	FindActive(ctx context.Context, accountID, instrumentID string) (Position, error)
	// FindByRequestHash returns the position created for a request hash, in
	// any status, or ErrNotFound.
	FindByRequestHash(ctx context.Context, hash string) (Position, error)
	// CompareAndSwapStatus moves id from expected to next and applies patch in
	// the same write. It returns false when the current status is not expected.
	CompareAndSwapStatus(ctx context.Context, id string, expected, next PositionStatus, patch PositionPatch) (bool, error)
	ListByStatus(ctx context.Context, statuses ...PositionStatus) ([]Position, error)
	ListByAccount(ctx context.Context, accountID string, opts ListOpts) ([]Position, error)
	// UpdateValuation stores the latest mark while the position is open.
	UpdateValuation(ctx context.Context, id string, pnl, ratio decimal.Decimal) (bool, error)
	// MarkMarginCallFired latches the margin-call flag and returns the row as
	// written. The bool is true only for the call that flipped it.
	MarkMarginCallFired(ctx context.Context, id string) (Position, bool, error)
	// ListArchivable returns terminal, not yet archived positions closed
	// before the cutoff.
	ListArchivable(ctx context.Context, before time.Time, limit int) ([]Position, error)
	MarkArchived(ctx context.Context, ids []string) error
}

// BalanceLedger holds account collateral balances. Every mutation carries an
// idempotency key; reusing a key fails with ErrDuplicateRequest.
type BalanceLedger interface {
	// Debit removes amount if the balance covers it, else ErrInsufficientBalance.
	Debit(ctx context.Context, accountID string, amount decimal.Decimal, idempotencyKey string) (decimal.Decimal, error)
	Credit(ctx context.Context, accountID string, amount decimal.Decimal, idempotencyKey string) (decimal.Decimal, error)
	Balance(ctx context.Context, accountID string) (AccountBalance, error)
}

// Stores groups the repositories that share one transaction.
type Stores struct {
	Positions PositionStore
	Ledger    BalanceLedger
}

// TxRunner executes fn inside a single transaction. If fn returns an error
// every write made through the supplied Stores is rolled back.
type TxRunner interface {
	InTx(ctx context.Context, fn func(Stores) error) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
