package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/leverbot/internal/domain"
)

// Store bundles the repositories that share a pool and implements
// domain.TxRunner.
type Store struct {
	pool      *pgxpool.Pool
	Positions *PositionStore
	Ledger    *LedgerStore
	Audit     *AuditStore
}

// NewStore builds every repository on the client's pool.
func NewStore(c *Client) *Store {
	pool := c.Pool()
	return &Store{
		pool:      pool,
		Positions: NewPositionStore(pool),
		Ledger:    NewLedgerStore(pool),
		Audit:     NewAuditStore(pool),
	}
}

// InTx runs fn in one transaction. Returning an error from fn rolls back
// every write made through the supplied stores.
func (s *Store) InTx(ctx context.Context, fn func(domain.Stores) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(domain.Stores{
			Positions: &PositionStore{db: tx},
			Ledger:    &LedgerStore{db: tx},
		})
	})
}

var _ domain.TxRunner = (*Store)(nil)
