package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrWSDisconnect  = errors.New("websocket disconnected")
	ErrLockHeld      = errors.New("lock already held")

	ErrValidation          = errors.New("validation failed")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrDuplicateRequest    = errors.New("duplicate request")
	ErrPriceUnavailable    = errors.New("price unavailable")
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrActivePosition is returned when the account already holds an
	// active position on the instrument.
	ErrActivePosition = fmt.Errorf("%w: active position exists for instrument", ErrValidation)
)

// Invalidf builds an error that matches ErrValidation.
func Invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
