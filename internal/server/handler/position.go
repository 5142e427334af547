package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/leverbot/internal/domain"
)

// PositionService is the engine surface the position routes need.
type PositionService interface {
	CreatePosition(ctx context.Context, req domain.CreateRequest) (domain.Position, error)
	GetPosition(ctx context.Context, positionID string) (domain.Position, error)
	ListPositions(ctx context.Context, accountID string, opts domain.ListOpts) ([]domain.Position, error)
	RequestClose(ctx context.Context, positionID string, reason domain.CloseReason) error
	CancelPosition(ctx context.Context, positionID string) error
}

// PositionHandler serves position endpoints.
type PositionHandler struct {
	svc    PositionService
	logger *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(svc PositionService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{svc: svc, logger: logHandler(logger, "positions")}
}

// CreatePosition validates and opens a position. Market orders come back in
// "opening"; the fill happens after the sampling window.
// POST /api/positions
func (h *PositionHandler) CreatePosition(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	req.Direction = domain.Direction(strings.ToLower(string(req.Direction)))
	req.OrderKind = domain.OrderKind(strings.ToLower(string(req.OrderKind)))

	p, err := h.svc.CreatePosition(r.Context(), req)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// ListPositions lists an account's positions, newest first.
// GET /api/positions?account_id=
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	accountID := strings.TrimSpace(r.URL.Query().Get("account_id"))
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}
	opts, err := parseListOpts(r)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	positions, err := h.svc.ListPositions(r.Context(), accountID, opts)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"positions": positions,
		"limit":     opts.Limit,
		"offset":    opts.Offset,
	})
}

// GetPosition returns one position.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.GetPosition(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ClosePosition asks the engine to close an open position. The close
// settles asynchronously, so the response is 202.
// POST /api/positions/{id}/close
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	id, err := requirePath(r, "id")
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if err := h.svc.RequestClose(r.Context(), id, domain.CloseReasonManual); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": string(domain.PositionStatusClosing)})
}

// CancelPosition cancels a pending limit order and refunds it.
// POST /api/positions/{id}/cancel
func (h *PositionHandler) CancelPosition(w http.ResponseWriter, r *http.Request) {
	id, err := requirePath(r, "id")
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if err := h.svc.CancelPosition(r.Context(), id); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	p, err := h.svc.GetPosition(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
