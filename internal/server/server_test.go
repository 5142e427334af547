package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/leverbot/internal/domain"
	"github.com/alanyoungcy/leverbot/internal/server/handler"
)

type countingLimiter struct {
	mu   sync.Mutex
	hits map[string]int
}

func (l *countingLimiter) Allow(_ context.Context, key string, limit int, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hits[key]++
	return l.hits[key] <= limit, nil
}

func newTestHandler(cfg Config, limiter *countingLimiter) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHandler(cfg, Handlers{
		Health: handler.NewHealthHandler(nil, logger),
	}, nil, limiter, logger)
}

func TestAuth(t *testing.T) {
	h := newTestHandler(Config{APIKey: "secret"}, &countingLimiter{hits: map[string]int{}})

	tests := []struct {
		name   string
		path   string
		header map[string]string
		want   int
	}{
		{"health is public", "/api/health", nil, http.StatusOK},
		{"metrics is public", "/metrics", nil, http.StatusOK},
		{"missing token", "/api/positions", nil, http.StatusUnauthorized},
		{"wrong token", "/api/positions", map[string]string{"X-API-Key": "nope"}, http.StatusUnauthorized},
		{"bearer token", "/api/unknown", map[string]string{"Authorization": "Bearer secret"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	h := newTestHandler(Config{CORSOrigins: []string{"https://app.example.com"}}, &countingLimiter{hits: map[string]int{}})

	req := httptest.NewRequest(http.MethodOptions, "/api/positions", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("allow origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/positions", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("disallowed origin echoed: %q", got)
	}
}

type stubAccounts struct{}

func (stubAccounts) Balance(_ context.Context, id string) (domain.AccountBalance, error) {
	return domain.AccountBalance{AccountID: id, Balance: decimal.NewFromInt(10)}, nil
}

func (stubAccounts) Deposit(context.Context, string, decimal.Decimal, string) (decimal.Decimal, error) {
	return decimal.NewFromInt(10), nil
}

func TestRateLimitAppliesToMutatingRoutes(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	limiter := &countingLimiter{hits: map[string]int{}}
	h := NewHandler(Config{RateLimit: 2, RateWindow: time.Second}, Handlers{
		Accounts: handler.NewAccountHandler(stubAccounts{}, logger),
	}, nil, limiter, logger)

	deposit := func() int {
		req := httptest.NewRequest(http.MethodPost, "/api/accounts/a/deposit",
			strings.NewReader(`{"amount":"1","idempotency_key":"k"}`))
		req.RemoteAddr = "10.0.0.1:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	for i := 0; i < 2; i++ {
		if code := deposit(); code != http.StatusOK {
			t.Fatalf("deposit %d status = %d", i, code)
		}
	}
	if code := deposit(); code != http.StatusTooManyRequests {
		t.Fatalf("third deposit status = %d, want 429", code)
	}

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/accounts/a/balance", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("balance read %d status = %d", i, rec.Code)
		}
	}
	if n := limiter.hits["ratelimit:api:10.0.0.1"]; n != 3 {
		t.Errorf("limiter hits = %d, want 3", n)
	}
}
