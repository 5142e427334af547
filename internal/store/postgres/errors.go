package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/alanyoungcy/leverbot/internal/domain"
)

const uniqueViolation = "23505"

// Constraint names from migrations/.
const (
	constraintActivePosition = "positions_one_active_per_instrument"
	constraintRequestHash    = "positions_request_hash_key"
	constraintIdempotencyKey = "ledger_entries_idempotency_key_key"
)

// mapError translates driver errors into domain sentinels. Unknown errors
// pass through unchanged.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		switch pgErr.ConstraintName {
		case constraintActivePosition:
			return domain.ErrActivePosition
		case constraintRequestHash, constraintIdempotencyKey:
			return domain.ErrDuplicateRequest
		default:
			return domain.ErrAlreadyExists
		}
	}
	return err
}
