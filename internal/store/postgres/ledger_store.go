package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/leverbot/internal/domain"
)

// LedgerStore implements domain.BalanceLedger. Every mutation updates the
// account row under its row lock and records a ledger entry whose unique
// idempotency key rejects replays. Both happen in one savepoint, so a
// rejected mutation leaves no trace.
type LedgerStore struct {
	db dbtx
}

// NewLedgerStore creates a LedgerStore on db.
func NewLedgerStore(db dbtx) *LedgerStore {
	return &LedgerStore{db: db}
}

// Debit removes amount from the account when the balance covers it.
func (s *LedgerStore) Debit(ctx context.Context, accountID string, amount decimal.Decimal, key string) (decimal.Decimal, error) {
	if amount.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("postgres: debit %s: %w", accountID, domain.Invalidf("amount must be positive"))
	}
	var balance decimal.Decimal
	err := withTx(ctx, s.db, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			UPDATE accounts
			   SET balance = balance - $2, updated_at = NOW()
			 WHERE account_id = $1 AND balance >= $2
			RETURNING balance`,
			accountID, amount,
		).Scan(&balance)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrInsufficientBalance
		}
		if err != nil {
			return err
		}
		return recordEntry(ctx, tx, accountID, amount.Neg(), balance, key)
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: debit %s: %w", accountID, mapError(err))
	}
	return balance, nil
}

// Credit adds amount to the account, creating it on first credit.
func (s *LedgerStore) Credit(ctx context.Context, accountID string, amount decimal.Decimal, key string) (decimal.Decimal, error) {
	if amount.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("postgres: credit %s: %w", accountID, domain.Invalidf("amount must be positive"))
	}
	var balance decimal.Decimal
	err := withTx(ctx, s.db, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO accounts (account_id, balance) VALUES ($1, $2)
			ON CONFLICT (account_id) DO UPDATE
			   SET balance = accounts.balance + EXCLUDED.balance, updated_at = NOW()
			RETURNING balance`,
			accountID, amount,
		).Scan(&balance)
		if err != nil {
			return err
		}
		return recordEntry(ctx, tx, accountID, amount, balance, key)
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: credit %s: %w", accountID, mapError(err))
	}
	return balance, nil
}

// withTx runs fn in a transaction, or a savepoint when db is already one.
// It commits when fn succeeds and rolls back otherwise.
func withTx(ctx context.Context, db dbtx, fn func(pgx.Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return tx.Commit(ctx)
}

func recordEntry(ctx context.Context, tx pgx.Tx, accountID string, amount, balanceAfter decimal.Decimal, key string) error {
	tag, err := tx.Exec(ctx, `
		INSERT INTO ledger_entries (account_id, amount, balance_after, idempotency_key)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		accountID, amount, balanceAfter, key,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrDuplicateRequest
	}
	return nil
}

// Balance returns the account balance or domain.ErrNotFound.
func (s *LedgerStore) Balance(ctx context.Context, accountID string) (domain.AccountBalance, error) {
	b := domain.AccountBalance{AccountID: accountID}
	err := s.db.QueryRow(ctx,
		`SELECT balance, updated_at FROM accounts WHERE account_id = $1`, accountID,
	).Scan(&b.Balance, &b.UpdatedAt)
	if err != nil {
		return domain.AccountBalance{}, fmt.Errorf("postgres: balance %s: %w", accountID, mapError(err))
	}
	return b, nil
}

var _ domain.BalanceLedger = (*LedgerStore)(nil)
