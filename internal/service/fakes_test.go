package service

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/leverbot/internal/domain"
	"github.com/alanyoungcy/leverbot/internal/executor"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ---------------------------------------------------------------------------
// memStore: positions + ledger + transactions
// ---------------------------------------------------------------------------

type memStore struct {
	mu        sync.Mutex
	txMu      sync.Mutex
	positions map[string]domain.Position
	balances  map[string]decimal.Decimal
	keys      map[string]decimal.Decimal // idempotency key -> amount
	credits   []string                   // every committed credit key, in order
	updateErr map[string]error
	getErr    map[string]error
}

func newMemStore() *memStore {
	return &memStore{
		positions: make(map[string]domain.Position),
		balances:  make(map[string]decimal.Decimal),
		keys:      make(map[string]decimal.Decimal),
		updateErr: make(map[string]error),
		getErr:    make(map[string]error),
	}
}

func (m *memStore) fund(account, amount string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[account] = d(amount)
}

func (m *memStore) balance(account string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[account]
}

func (m *memStore) creditsWithPrefix(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, k := range m.credits {
		if strings.HasPrefix(k, prefix) {
			n++
		}
	}
	return n
}

func (m *memStore) put(p domain.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[p.ID] = p
}

func (m *memStore) InTx(ctx context.Context, fn func(domain.Stores) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	positions := make(map[string]domain.Position, len(m.positions))
	for k, v := range m.positions {
		positions[k] = v
	}
	balances := make(map[string]decimal.Decimal, len(m.balances))
	for k, v := range m.balances {
		balances[k] = v
	}
	keys := make(map[string]decimal.Decimal, len(m.keys))
	for k, v := range m.keys {
		keys[k] = v
	}
	credits := append([]string(nil), m.credits...)
	m.mu.Unlock()

	if err := fn(domain.Stores{Positions: m, Ledger: m}); err != nil {
		m.mu.Lock()
		m.positions, m.balances, m.keys, m.credits = positions, balances, keys, credits
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *memStore) Create(_ context.Context, p domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.positions {
		if other.RequestHash == p.RequestHash {
			return domain.ErrDuplicateRequest
		}
		if other.AccountID == p.AccountID && other.InstrumentID == p.InstrumentID && other.Status.IsActive() {
			return domain.ErrActivePosition
		}
	}
	m.positions[p.ID] = p
	return nil
}

func (m *memStore) Get(_ context.Context, id string) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.getErr[id]; err != nil {
		return domain.Position{}, err
	}
	p, ok := m.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (m *memStore) FindByRequestHash(_ context.Context, hash string) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.positions {
		if p.RequestHash == hash {
			return p, nil
		}
	}
	return domain.Position{}, domain.ErrNotFound
}

func (m *memStore) FindActive(_ context.Context, accountID, instrumentID string) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.positions {
		if p.AccountID == accountID && p.InstrumentID == instrumentID && p.Status.IsActive() {
			return p, nil
		}
	}
	return domain.Position{}, domain.ErrNotFound
}

func (m *memStore) CompareAndSwapStatus(_ context.Context, id string, expected, next domain.PositionStatus, patch domain.PositionPatch) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if p.Status != expected {
		return false, nil
	}
	patch.Apply(&p)
	p.Status = next
	p.UpdatedAt = time.Now().UTC()
	m.positions[id] = p
	return true, nil
}

func (m *memStore) ListByStatus(_ context.Context, statuses ...domain.PositionStatus) ([]domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Position
	for _, p := range m.positions {
		for _, s := range statuses {
			if p.Status == s {
				out = append(out, p)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) ListByAccount(_ context.Context, accountID string, opts domain.ListOpts) ([]domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Position
	for _, p := range m.positions {
		if p.AccountID == accountID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if opts.Offset > 0 && opts.Offset < len(out) {
		out = out[opts.Offset:]
	} else if opts.Offset >= len(out) && opts.Offset > 0 {
		out = nil
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *memStore) UpdateValuation(_ context.Context, id string, pnl, ratio decimal.Decimal) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.updateErr[id]; err != nil {
		return false, err
	}
	p, ok := m.positions[id]
	if !ok || p.Status != domain.PositionStatusOpen {
		return false, nil
	}
	p.UnrealizedPnl, p.MarginRatio = pnl, ratio
	m.positions[id] = p
	return true, nil
}

func (m *memStore) MarkMarginCallFired(_ context.Context, id string) (domain.Position, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok || p.Status != domain.PositionStatusOpen || p.MarginCallFired {
		return domain.Position{}, false, nil
	}
	p.MarginCallFired = true
	p.UpdatedAt = time.Now().UTC()
	m.positions[id] = p
	return p, true, nil
}

func (m *memStore) ListArchivable(_ context.Context, before time.Time, limit int) ([]domain.Position, error) {
	return nil, nil
}

func (m *memStore) MarkArchived(_ context.Context, ids []string) error { return nil }

func (m *memStore) Debit(_ context.Context, accountID string, amount decimal.Decimal, key string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.keys[key]; dup {
		return decimal.Zero, domain.ErrDuplicateRequest
	}
	bal := m.balances[accountID]
	if bal.LessThan(amount) {
		return decimal.Zero, domain.ErrInsufficientBalance
	}
	m.keys[key] = amount.Neg()
	m.balances[accountID] = bal.Sub(amount)
	return m.balances[accountID], nil
}

func (m *memStore) Credit(_ context.Context, accountID string, amount decimal.Decimal, key string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.keys[key]; dup {
		return decimal.Zero, domain.ErrDuplicateRequest
	}
	m.keys[key] = amount
	m.credits = append(m.credits, key)
	m.balances[accountID] = m.balances[accountID].Add(amount)
	return m.balances[accountID], nil
}

func (m *memStore) Balance(_ context.Context, accountID string) (domain.AccountBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bal, ok := m.balances[accountID]
	if !ok {
		return domain.AccountBalance{}, domain.ErrNotFound
	}
	return domain.AccountBalance{AccountID: accountID, Balance: bal}, nil
}

// ---------------------------------------------------------------------------
// collaborators
// ---------------------------------------------------------------------------

type fakeOracle struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	seq    map[string][]decimal.Decimal
	rate   decimal.Decimal
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{
		prices: make(map[string]decimal.Decimal),
		seq:    make(map[string][]decimal.Decimal),
		rate:   decimal.NewFromInt(1),
	}
}

func (o *fakeOracle) set(id, price string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[id] = d(price)
}

func (o *fakeOracle) clear(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.prices, id)
}

// sequence makes the next GetCurrentPrice calls for id return prices in
// order; after that the static price applies.
func (o *fakeOracle) sequence(id string, prices ...string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, p := range prices {
		o.seq[id] = append(o.seq[id], d(p))
	}
}

func (o *fakeOracle) GetCurrentPrice(_ context.Context, id string) (decimal.Decimal, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if q := o.seq[id]; len(q) > 0 {
		o.seq[id] = q[1:]
		return q[0], nil
	}
	p, ok := o.prices[id]
	if !ok {
		return decimal.Zero, domain.ErrPriceUnavailable
	}
	return p, nil
}

func (o *fakeOracle) NumerairePerCollateralRate(context.Context) (decimal.Decimal, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.rate, nil
}

type fakeBus struct {
	mu         sync.Mutex
	published  map[string][][]byte
	stream     [][]byte
	publishErr error
}

func newFakeBus() *fakeBus {
	return &fakeBus{published: make(map[string][][]byte)}
}

func (b *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *fakeBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (b *fakeBus) StreamAppend(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stream = append(b.stream, payload)
	return nil
}

func (b *fakeBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *fakeBus) count(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published[channel])
}

type fakeAudit struct {
	mu     sync.Mutex
	events []string
}

func (a *fakeAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *fakeAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

type fakeAlerts struct {
	mu     sync.Mutex
	alerts []domain.Alert
}

func (f *fakeAlerts) Alert(_ context.Context, a domain.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, a)
	return nil
}

func (f *fakeAlerts) count(kind domain.AlertKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.alerts {
		if a.Kind == kind {
			n++
		}
	}
	return n
}

type heldLock struct{}

func (heldLock) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, domain.ErrLockHeld
}

// ---------------------------------------------------------------------------
// harness
// ---------------------------------------------------------------------------

type harness struct {
	engine *PositionEngine
	loop   *ValuationLoop
	store  *memStore
	oracle *fakeOracle
	bus    *fakeBus
	audit  *fakeAudit
	alerts *fakeAlerts
}

func testEngineConfig() EngineConfig {
	cfg := DefaultEngineConfig()
	cfg.Sampling = executor.SamplerConfig{
		Window:       30 * time.Millisecond,
		Interval:     10 * time.Millisecond,
		FetchTimeout: 10 * time.Millisecond,
	}
	cfg.RetryDelay = 10 * time.Millisecond
	return cfg
}

func newHarness(t *testing.T, mutate ...func(*EngineConfig)) *harness {
	t.Helper()
	cfg := testEngineConfig()
	for _, fn := range mutate {
		fn(&cfg)
	}

	h := &harness{
		store:  newMemStore(),
		oracle: newFakeOracle(),
		bus:    newFakeBus(),
		audit:  &fakeAudit{},
		alerts: &fakeAlerts{},
	}
	h.store.fund("acct-1", "1000")
	h.engine = NewPositionEngine(EngineDeps{
		Positions: h.store,
		Tx:        h.store,
		Oracle:    h.oracle,
		Bus:       h.bus,
		Audit:     h.audit,
		Alerts:    h.alerts,
	}, cfg, discardLogger())
	h.loop = NewValuationLoop(h.engine, h.store, h.oracle, nil, time.Second, 4, discardLogger())

	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.engine.Stop(ctx)
	})
	return h
}

func marketLong(instrument, qty string, leverage int) domain.CreateRequest {
	return domain.CreateRequest{
		AccountID:    "acct-1",
		InstrumentID: instrument,
		Direction:    domain.DirectionLong,
		OrderKind:    domain.OrderKindMarket,
		Quantity:     d(qty),
		Leverage:     leverage,
	}
}

// openPosition creates a market position at price and waits for it to fill.
func (h *harness) openPosition(t *testing.T, req domain.CreateRequest, price string) domain.Position {
	t.Helper()
	h.oracle.set(req.InstrumentID, price)
	p, err := h.engine.CreatePosition(context.Background(), req)
	if err != nil {
		t.Fatalf("CreatePosition: %v", err)
	}
	return h.waitStatus(t, p.ID, domain.PositionStatusOpen)
}

func (h *harness) get(t *testing.T, id string) domain.Position {
	t.Helper()
	p, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return p
}

func (h *harness) waitStatus(t *testing.T, id string, want domain.PositionStatus) domain.Position {
	t.Helper()
	var p domain.Position
	waitFor(t, func() bool {
		p = h.get(t, id)
		return p.Status == want
	}, "position %s to reach %s (last %s)", id, want, func() domain.PositionStatus { return p.Status })
	return p
}

func waitFor(t *testing.T, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	for i, a := range args {
		if fn, ok := a.(func() domain.PositionStatus); ok {
			args[i] = fn()
		}
	}
	t.Fatalf("timed out waiting for "+format, args...)
}
