package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/leverbot/internal/domain"
)

type memPriceCache struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	stamps map[string]time.Time
}

func newMemPriceCache() *memPriceCache {
	return &memPriceCache{prices: map[string]decimal.Decimal{}, stamps: map[string]time.Time{}}
}

func (c *memPriceCache) SetPrice(_ context.Context, id string, p decimal.Decimal, ts time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[id], c.stamps[id] = p, ts
	return nil
}

func (c *memPriceCache) GetPrice(_ context.Context, id string) (decimal.Decimal, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.prices[id]
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	return p, c.stamps[id], nil
}

func (c *memPriceCache) GetPrices(_ context.Context, ids []string) (map[string]decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := map[string]decimal.Decimal{}
	for _, id := range ids {
		if p, ok := c.prices[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func TestPriceServiceHandleTick(t *testing.T) {
	cache := newMemPriceCache()
	bus := newFakeBus()
	svc := NewPriceService(cache, bus, discardLogger())
	ctx := context.Background()
	ts := time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC)

	if err := svc.HandleTick(ctx, domain.Tick{InstrumentID: "BTC-USD", Price: d("64000.5"), Timestamp: ts}); err != nil {
		t.Fatalf("HandleTick: %v", err)
	}
	price, gotTS, err := svc.GetPrice(ctx, "BTC-USD")
	if err != nil || !price.Equal(d("64000.5")) || !gotTS.Equal(ts) {
		t.Fatalf("GetPrice = %s %s %v", price, gotTS, err)
	}
	if bus.count(domain.ChannelPrices) != 1 {
		t.Fatalf("published %d ticks", bus.count(domain.ChannelPrices))
	}
	var tick domain.Tick
	if err := json.Unmarshal(bus.published[domain.ChannelPrices][0], &tick); err != nil {
		t.Fatalf("decode published tick: %v", err)
	}
	if tick.InstrumentID != "BTC-USD" || !tick.Price.Equal(d("64000.5")) {
		t.Errorf("published tick = %+v", tick)
	}

	bad := []domain.Tick{
		{InstrumentID: "", Price: d("1")},
		{InstrumentID: "BTC-USD", Price: decimal.Zero},
		{InstrumentID: "BTC-USD", Price: d("-3")},
	}
	for _, tk := range bad {
		if err := svc.HandleTick(ctx, tk); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("HandleTick(%+v) err = %v", tk, err)
		}
	}
	if price, _, _ := svc.GetPrice(ctx, "BTC-USD"); !price.Equal(d("64000.5")) {
		t.Errorf("bad tick overwrote price: %s", price)
	}

	prices, err := svc.GetPrices(ctx, []string{"BTC-USD", "ETH-USD"})
	if err != nil || len(prices) != 1 {
		t.Errorf("GetPrices = %v, %v", prices, err)
	}
}

func TestAccountServiceDeposit(t *testing.T) {
	store := newMemStore()
	audit := &fakeAudit{}
	svc := NewAccountService(store, audit, discardLogger())
	ctx := context.Background()

	if _, err := svc.Balance(ctx, "acct-9"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("balance of unknown account err = %v", err)
	}
	bal, err := svc.Deposit(ctx, "acct-9", d("250"), "wire-001")
	if err != nil || !bal.Equal(d("250")) {
		t.Fatalf("Deposit = %s, %v", bal, err)
	}
	if _, err := svc.Deposit(ctx, "acct-9", d("250"), "wire-001"); !errors.Is(err, domain.ErrDuplicateRequest) {
		t.Fatalf("replayed deposit err = %v", err)
	}
	got, err := svc.Balance(ctx, "acct-9")
	if err != nil || !got.Balance.Equal(d("250")) {
		t.Fatalf("Balance = %+v, %v", got, err)
	}

	invalid := []struct {
		account, amount, key string
	}{
		{"", "1", "k"},
		{"acct-9", "0", "k"},
		{"acct-9", "-5", "k"},
		{"acct-9", "1", " "},
	}
	for _, tt := range invalid {
		if _, err := svc.Deposit(ctx, tt.account, d(tt.amount), tt.key); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("Deposit(%q, %s, %q) err = %v", tt.account, tt.amount, tt.key, err)
		}
	}
	if len(audit.events) != 1 {
		t.Errorf("audit events = %v", audit.events)
	}
}
