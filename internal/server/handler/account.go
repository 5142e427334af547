package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/leverbot/internal/domain"
)

// AccountService reads and funds collateral balances.
type AccountService interface {
	Balance(ctx context.Context, accountID string) (domain.AccountBalance, error)
	Deposit(ctx context.Context, accountID string, amount decimal.Decimal, key string) (decimal.Decimal, error)
}

// AccountHandler serves account endpoints.
type AccountHandler struct {
	svc    AccountService
	logger *slog.Logger
}

// NewAccountHandler creates an AccountHandler.
func NewAccountHandler(svc AccountService, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{svc: svc, logger: logHandler(logger, "accounts")}
}

// GetBalance returns the account's collateral balance.
// GET /api/accounts/{id}/balance
func (h *AccountHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	b, err := h.svc.Balance(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type depositRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// Deposit credits collateral. Replaying an idempotency key returns 409.
// POST /api/accounts/{id}/deposit
func (h *AccountHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	accountID := r.PathValue("id")
	balance, err := h.svc.Deposit(r.Context(), accountID, req.Amount, req.IdempotencyKey)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.AccountBalance{AccountID: accountID, Balance: balance})
}
