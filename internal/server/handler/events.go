package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/leverbot/internal/domain"
)

// StreamReader replays a durable stream.
type StreamReader interface {
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error)
}

// AuditReader lists audit log entries.
type AuditReader interface {
	List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error)
}

// EventHandler serves lifecycle event replay and the audit log.
type EventHandler struct {
	stream StreamReader
	audit  AuditReader
	logger *slog.Logger
}

// NewEventHandler creates an EventHandler.
func NewEventHandler(stream StreamReader, audit AuditReader, logger *slog.Logger) *EventHandler {
	return &EventHandler{stream: stream, audit: audit, logger: logHandler(logger, "events")}
}

type streamEvent struct {
	ID    string          `json:"id"`
	Event json.RawMessage `json:"event"`
}

// ListEvents replays position lifecycle events after the given stream id.
// Pass the returned "next" as ?after= to continue.
// GET /api/events?after=&limit=
func (h *EventHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	after := r.URL.Query().Get("after")
	if after == "" {
		after = "0"
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, 1000)
	}

	msgs, err := h.stream.StreamRead(r.Context(), domain.StreamPositions, after, limit)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	events := make([]streamEvent, 0, len(msgs))
	next := after
	for _, m := range msgs {
		if !json.Valid(m.Payload) {
			h.logger.WarnContext(r.Context(), "skipping malformed stream entry", slog.String("id", m.ID))
			next = m.ID
			continue
		}
		events = append(events, streamEvent{ID: m.ID, Event: m.Payload})
		next = m.ID
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "next": next})
}

// ListAudit returns audit log entries, newest first.
// GET /api/audit
func (h *EventHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	entries, err := h.audit.List(r.Context(), opts)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
