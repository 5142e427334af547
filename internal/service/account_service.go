package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/leverbot/internal/domain"
)

// AccountService exposes ledger reads and deposits to the API.
type AccountService struct {
	ledger domain.BalanceLedger
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewAccountService creates an AccountService. audit may be nil.
func NewAccountService(ledger domain.BalanceLedger, audit domain.AuditStore, logger *slog.Logger) *AccountService {
	return &AccountService{
		ledger: ledger,
		audit:  audit,
		logger: logger.With(slog.String("component", "account_service")),
	}
}

// Balance returns the account's collateral balance.
func (s *AccountService) Balance(ctx context.Context, accountID string) (domain.AccountBalance, error) {
	b, err := s.ledger.Balance(ctx, accountID)
	if err != nil {
		return domain.AccountBalance{}, fmt.Errorf("account_service: balance %s: %w", accountID, err)
	}
	return b, nil
}

// Deposit credits amount under the caller's idempotency key. Replaying the
// same key fails with domain.ErrDuplicateRequest.
func (s *AccountService) Deposit(ctx context.Context, accountID string, amount decimal.Decimal, key string) (decimal.Decimal, error) {
	if strings.TrimSpace(accountID) == "" {
		return decimal.Zero, fmt.Errorf("account_service: %w", domain.Invalidf("account id is required"))
	}
	if amount.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("account_service: %w", domain.Invalidf("deposit amount must be positive"))
	}
	if strings.TrimSpace(key) == "" {
		return decimal.Zero, fmt.Errorf("account_service: %w", domain.Invalidf("idempotency key is required"))
	}

	bal, err := s.ledger.Credit(ctx, accountID, amount, "deposit:"+key)
	if err != nil {
		return decimal.Zero, fmt.Errorf("account_service: deposit %s: %w", accountID, err)
	}
	s.logger.InfoContext(ctx, "deposit credited",
		slog.String("account_id", accountID),
		slog.String("amount", amount.String()),
		slog.String("balance", bal.String()),
	)
	if s.audit != nil {
		detail := map[string]any{"account_id": accountID, "amount": amount.String(), "key": key}
		if err := s.audit.Log(ctx, "deposit", detail); err != nil {
			s.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}
	}
	return bal, nil
}
