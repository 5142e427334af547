package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/leverbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakePositions struct {
	created   domain.CreateRequest
	createErr error
	positions map[string]domain.Position
	closed    []string
	cancelled []string
	actionErr error
	listOpts  domain.ListOpts
}

func (f *fakePositions) CreatePosition(_ context.Context, req domain.CreateRequest) (domain.Position, error) {
	f.created = req
	if f.createErr != nil {
		return domain.Position{}, f.createErr
	}
	return domain.Position{ID: "p-1", AccountID: req.AccountID, Status: domain.PositionStatusOpening}, nil
}

func (f *fakePositions) GetPosition(_ context.Context, id string) (domain.Position, error) {
	p, ok := f.positions[id]
	if !ok {
		return domain.Position{}, fmt.Errorf("get %s: %w", id, domain.ErrNotFound)
	}
	return p, nil
}

func (f *fakePositions) ListPositions(_ context.Context, accountID string, opts domain.ListOpts) ([]domain.Position, error) {
	f.listOpts = opts
	var out []domain.Position
	for _, p := range f.positions {
		if p.AccountID == accountID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakePositions) RequestClose(_ context.Context, id string, _ domain.CloseReason) error {
	if f.actionErr != nil {
		return f.actionErr
	}
	f.closed = append(f.closed, id)
	return nil
}

func (f *fakePositions) CancelPosition(_ context.Context, id string) error {
	if f.actionErr != nil {
		return f.actionErr
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

func serve(t *testing.T, pattern string, h http.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(pattern, h)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.Invalidf("leverage out of range"), http.StatusBadRequest},
		{fmt.Errorf("wrap: %w", domain.ErrInsufficientBalance), http.StatusUnprocessableEntity},
		{domain.ErrDuplicateRequest, http.StatusConflict},
		{domain.ErrActivePosition, http.StatusConflict},
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.ErrPriceUnavailable, http.StatusServiceUnavailable},
		{domain.ErrRateLimited, http.StatusTooManyRequests},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestCreatePosition(t *testing.T) {
	svc := &fakePositions{}
	h := NewPositionHandler(svc, testLogger())

	body := `{"account_id":"acct-1","instrument_id":"BTC-USD","direction":"LONG","order_kind":"market","quantity":"2","leverage":5}`
	req := httptest.NewRequest(http.MethodPost, "/api/positions", strings.NewReader(body))
	rec := serve(t, "POST /api/positions", h.CreatePosition, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if svc.created.Direction != domain.DirectionLong {
		t.Errorf("direction = %q, want lowercased long", svc.created.Direction)
	}
	if !svc.created.Quantity.Equal(decimal.NewFromInt(2)) || svc.created.Leverage != 5 {
		t.Errorf("request = %+v", svc.created)
	}
	var p domain.Position
	decodeBody(t, rec, &p)
	if p.Status != domain.PositionStatusOpening {
		t.Errorf("status = %q", p.Status)
	}
}

func TestCreatePositionErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"unknown field", `{"account_id":"a","bogus":1}`, nil, http.StatusBadRequest},
		{"trailing data", `{"account_id":"a"}{}`, nil, http.StatusBadRequest},
		{"insufficient", `{"account_id":"a"}`, domain.ErrInsufficientBalance, http.StatusUnprocessableEntity},
		{"duplicate", `{"account_id":"a"}`, domain.ErrDuplicateRequest, http.StatusConflict},
		{"no price", `{"account_id":"a"}`, domain.ErrPriceUnavailable, http.StatusServiceUnavailable},
		{"internal", `{"account_id":"a"}`, errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewPositionHandler(&fakePositions{createErr: tt.err}, testLogger())
			req := httptest.NewRequest(http.MethodPost, "/api/positions", strings.NewReader(tt.body))
			rec := serve(t, "POST /api/positions", h.CreatePosition, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
			if tt.want == http.StatusInternalServerError && strings.Contains(rec.Body.String(), "db down") {
				t.Error("internal error detail leaked to client")
			}
		})
	}
}

func TestListPositions(t *testing.T) {
	svc := &fakePositions{positions: map[string]domain.Position{
		"p-1": {ID: "p-1", AccountID: "acct-1"},
		"p-2": {ID: "p-2", AccountID: "acct-2"},
	}}
	h := NewPositionHandler(svc, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/positions?account_id=acct-1&limit=10&offset=5", nil)
	rec := serve(t, "GET /api/positions", h.ListPositions, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Positions []domain.Position `json:"positions"`
	}
	decodeBody(t, rec, &resp)
	if len(resp.Positions) != 1 || resp.Positions[0].ID != "p-1" {
		t.Errorf("positions = %+v", resp.Positions)
	}
	if svc.listOpts.Limit != 10 || svc.listOpts.Offset != 5 {
		t.Errorf("opts = %+v", svc.listOpts)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/positions", nil)
	if rec := serve(t, "GET /api/positions", h.ListPositions, req); rec.Code != http.StatusBadRequest {
		t.Errorf("missing account_id status = %d", rec.Code)
	}
}

func TestParseListOpts(t *testing.T) {
	tests := []struct {
		query   string
		limit   int
		wantErr bool
	}{
		{"", 50, false},
		{"limit=9999", 500, false},
		{"limit=0", 0, true},
		{"offset=-1", 0, true},
		{"since=2026-01-02T00:00:00Z", 50, false},
		{"until=yesterday", 0, true},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/?"+tt.query, nil)
		opts, err := parseListOpts(r)
		if (err != nil) != tt.wantErr {
			t.Errorf("%q: err = %v", tt.query, err)
			continue
		}
		if err == nil && opts.Limit != tt.limit {
			t.Errorf("%q: limit = %d, want %d", tt.query, opts.Limit, tt.limit)
		}
		if err != nil && !errors.Is(err, domain.ErrValidation) {
			t.Errorf("%q: error %v is not a validation error", tt.query, err)
		}
	}
}

func TestGetPositionNotFound(t *testing.T) {
	h := NewPositionHandler(&fakePositions{}, testLogger())
	req := httptest.NewRequest(http.MethodGet, "/api/positions/missing", nil)
	rec := serve(t, "GET /api/positions/{id}", h.GetPosition, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestClosePosition(t *testing.T) {
	svc := &fakePositions{}
	h := NewPositionHandler(svc, testLogger())
	req := httptest.NewRequest(http.MethodPost, "/api/positions/p-9/close", nil)
	rec := serve(t, "POST /api/positions/{id}/close", h.ClosePosition, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(svc.closed) != 1 || svc.closed[0] != "p-9" {
		t.Errorf("closed = %v", svc.closed)
	}

	svc.actionErr = fmt.Errorf("close: %w", domain.Invalidf("position is pending"))
	rec = serve(t, "POST /api/positions/{id}/close", h.ClosePosition, httptest.NewRequest(http.MethodPost, "/api/positions/p-9/close", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid close status = %d", rec.Code)
	}
}

func TestCancelPosition(t *testing.T) {
	svc := &fakePositions{positions: map[string]domain.Position{
		"p-3": {ID: "p-3", Status: domain.PositionStatusCancelled},
	}}
	h := NewPositionHandler(svc, testLogger())
	req := httptest.NewRequest(http.MethodPost, "/api/positions/p-3/cancel", nil)
	rec := serve(t, "POST /api/positions/{id}/cancel", h.CancelPosition, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var p domain.Position
	decodeBody(t, rec, &p)
	if p.Status != domain.PositionStatusCancelled {
		t.Errorf("status = %q", p.Status)
	}
}

type fakeAccounts struct {
	balances map[string]decimal.Decimal
	keys     map[string]bool
}

func (f *fakeAccounts) Balance(_ context.Context, id string) (domain.AccountBalance, error) {
	b, ok := f.balances[id]
	if !ok {
		return domain.AccountBalance{}, domain.ErrNotFound
	}
	return domain.AccountBalance{AccountID: id, Balance: b}, nil
}

func (f *fakeAccounts) Deposit(_ context.Context, id string, amount decimal.Decimal, key string) (decimal.Decimal, error) {
	if amount.Sign() <= 0 {
		return decimal.Zero, domain.Invalidf("amount must be positive")
	}
	if f.keys[key] {
		return decimal.Zero, domain.ErrDuplicateRequest
	}
	f.keys[key] = true
	f.balances[id] = f.balances[id].Add(amount)
	return f.balances[id], nil
}

func TestAccountDeposit(t *testing.T) {
	svc := &fakeAccounts{balances: map[string]decimal.Decimal{}, keys: map[string]bool{}}
	h := NewAccountHandler(svc, testLogger())

	deposit := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/accounts/acct-1/deposit",
			strings.NewReader(`{"amount":"250.5","idempotency_key":"dep-1"}`))
		return serve(t, "POST /api/accounts/{id}/deposit", h.Deposit, req)
	}

	rec := deposit()
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	var b domain.AccountBalance
	decodeBody(t, rec, &b)
	if !b.Balance.Equal(decimal.RequireFromString("250.5")) {
		t.Errorf("balance = %s", b.Balance)
	}
	if rec := deposit(); rec.Code != http.StatusConflict {
		t.Errorf("replayed deposit status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/accounts/acct-1/balance", nil)
	rec = serve(t, "GET /api/accounts/{id}/balance", h.GetBalance, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("balance status = %d", rec.Code)
	}
	req = httptest.NewRequest(http.MethodGet, "/api/accounts/nobody/balance", nil)
	if rec := serve(t, "GET /api/accounts/{id}/balance", h.GetBalance, req); rec.Code != http.StatusNotFound {
		t.Errorf("unknown account status = %d", rec.Code)
	}
}

type fakeStream struct {
	msgs   []domain.StreamMessage
	lastID string
	count  int
}

func (f *fakeStream) StreamRead(_ context.Context, stream, lastID string, count int) ([]domain.StreamMessage, error) {
	if stream != domain.StreamPositions {
		return nil, fmt.Errorf("unexpected stream %q", stream)
	}
	f.lastID, f.count = lastID, count
	return f.msgs, nil
}

type fakeAudit struct{ entries []domain.AuditEntry }

func (f *fakeAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return f.entries, nil
}

func TestListEvents(t *testing.T) {
	stream := &fakeStream{msgs: []domain.StreamMessage{
		{ID: "1-0", Payload: []byte(`{"event":"opened"}`)},
		{ID: "2-0", Payload: []byte(`not json`)},
		{ID: "3-0", Payload: []byte(`{"event":"closed"}`)},
	}}
	h := NewEventHandler(stream, &fakeAudit{}, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/events?after=0-5&limit=3", nil)
	rec := serve(t, "GET /api/events", h.ListEvents, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Events []streamEvent `json:"events"`
		Next   string        `json:"next"`
	}
	decodeBody(t, rec, &resp)
	if len(resp.Events) != 2 || resp.Next != "3-0" {
		t.Errorf("events = %+v next = %q", resp.Events, resp.Next)
	}
	if stream.lastID != "0-5" || stream.count != 3 {
		t.Errorf("read after %q count %d", stream.lastID, stream.count)
	}
}

func TestListAudit(t *testing.T) {
	audit := &fakeAudit{entries: []domain.AuditEntry{{ID: 7, Event: "position.opened", CreatedAt: time.Now()}}}
	h := NewEventHandler(&fakeStream{}, audit, testLogger())
	rec := serve(t, "GET /api/audit", h.ListAudit, httptest.NewRequest(http.MethodGet, "/api/audit", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Entries []domain.AuditEntry `json:"entries"`
	}
	decodeBody(t, rec, &resp)
	if len(resp.Entries) != 1 || resp.Entries[0].Event != "position.opened" {
		t.Errorf("entries = %+v", resp.Entries)
	}
}

func TestHealthCheck(t *testing.T) {
	ok := func(context.Context) error { return nil }
	bad := func(context.Context) error { return errors.New("connection refused") }

	tests := []struct {
		name   string
		checks map[string]Check
		want   int
	}{
		{"healthy", map[string]Check{"postgres": ok, "redis": ok}, http.StatusOK},
		{"degraded", map[string]Check{"postgres": ok, "redis": bad}, http.StatusServiceUnavailable},
		{"no checks", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(tt.checks, testLogger())
			rec := serve(t, "GET /api/health", h.HealthCheck, httptest.NewRequest(http.MethodGet, "/api/health", nil))
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

type fakePrices map[string]decimal.Decimal

func (f fakePrices) GetPrice(_ context.Context, id string) (decimal.Decimal, time.Time, error) {
	p, ok := f[id]
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrPriceUnavailable
	}
	return p, time.Unix(1_700_000_000, 0), nil
}

func TestGetPrice(t *testing.T) {
	h := NewPriceHandler(fakePrices{"BTC-USD": decimal.NewFromInt(65000)}, testLogger())
	rec := serve(t, "GET /api/prices/{instrument}", h.GetPrice, httptest.NewRequest(http.MethodGet, "/api/prices/BTC-USD", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	rec = serve(t, "GET /api/prices/{instrument}", h.GetPrice, httptest.NewRequest(http.MethodGet, "/api/prices/ETH-USD", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("missing price status = %d", rec.Code)
	}
}
