package feed

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/leverbot/internal/domain"
)

type recordingHandler struct {
	mu    sync.Mutex
	ticks []domain.Tick
}

func (h *recordingHandler) HandleTick(_ context.Context, tick domain.Tick) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ticks = append(h.ticks, tick)
	return nil
}

func (h *recordingHandler) snapshot() []domain.Tick {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.Tick(nil), h.ticks...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// tickerServer upgrades every request, records the subscribe frame and sends
// frames. When hangUp is set it closes the connection after sending.
func tickerServer(t *testing.T, frames []string, hangUp bool, subs chan<- subscribeCommand, conns *atomic.Int32) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conns.Add(1)

		var sub subscribeCommand
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		select {
		case subs <- sub:
		default:
		}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		if hangUp {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func TestTickerFeedDispatchesTicks(t *testing.T) {
	subs := make(chan subscribeCommand, 1)
	var conns atomic.Int32
	srv := tickerServer(t, []string{
		`{"type":"subscribed"}`,
		`{"type":"tick","instrument_id":"BTC-USD","price":"101.5","timestamp":"2026-03-01T12:00:00Z"}`,
		`not json`,
		`{"instrument_id":"ETH-USD","price":2500}`,
	}, false, subs, &conns)
	defer srv.Close()

	h := &recordingHandler{}
	f := NewTickerFeed(Config{URL: wsURL(srv), Instruments: []string{"BTC-USD", "ETH-USD"}}, h, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- f.Run(ctx) }()

	select {
	case sub := <-subs:
		if sub.Type != "subscribe" || strings.Join(sub.Instruments, ",") != "BTC-USD,ETH-USD" {
			t.Errorf("subscribe = %+v", sub)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no subscribe frame")
	}

	waitFor(t, "two ticks", func() bool { return len(h.snapshot()) == 2 })
	ticks := h.snapshot()
	if ticks[0].InstrumentID != "BTC-USD" || !ticks[0].Price.Equal(decimal.RequireFromString("101.5")) {
		t.Errorf("tick[0] = %+v", ticks[0])
	}
	if want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC); !ticks[0].Timestamp.Equal(want) {
		t.Errorf("tick[0].Timestamp = %v, want %v", ticks[0].Timestamp, want)
	}
	if ticks[1].InstrumentID != "ETH-USD" || !ticks[1].Price.Equal(decimal.NewFromInt(2500)) {
		t.Errorf("tick[1] = %+v", ticks[1])
	}

	cancel()
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestTickerFeedReconnects(t *testing.T) {
	subs := make(chan subscribeCommand, 8)
	var conns atomic.Int32
	srv := tickerServer(t, []string{
		`{"instrument_id":"BTC-USD","price":"100"}`,
	}, true, subs, &conns)
	defer srv.Close()

	h := &recordingHandler{}
	f := NewTickerFeed(Config{
		URL:               wsURL(srv),
		Instruments:       []string{"BTC-USD"},
		ReconnectDelay:    5 * time.Millisecond,
		MaxReconnectDelay: 20 * time.Millisecond,
	}, h, discardLogger())

	errc := make(chan error, 1)
	go func() { errc <- f.Run(context.Background()) }()

	waitFor(t, "three connections", func() bool { return conns.Load() >= 3 })
	waitFor(t, "a tick per connection", func() bool { return len(h.snapshot()) >= 2 })

	f.Close()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run() after Close = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestTickerFeedNoInstruments(t *testing.T) {
	f := NewTickerFeed(Config{URL: "ws://127.0.0.1:1"}, &recordingHandler{}, discardLogger())
	if err := f.Run(context.Background()); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
}

func TestParseTick(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		wantOK  bool
		wantErr bool
		price   string
	}{
		{name: "string price", frame: `{"instrument_id":"A","price":"1.25"}`, wantOK: true, price: "1.25"},
		{name: "number price", frame: `{"type":"tick","instrument_id":"A","price":3}`, wantOK: true, price: "3"},
		{name: "ack frame", frame: `{"type":"subscribed","instruments":["A"]}`},
		{name: "missing instrument", frame: `{"price":"1"}`, wantErr: true},
		{name: "bad timestamp", frame: `{"instrument_id":"A","price":"1","timestamp":"yesterday"}`, wantErr: true},
		{name: "not json", frame: `{`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tick, ok, err := parseTick([]byte(tt.frame))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && !tick.Price.Equal(decimal.RequireFromString(tt.price)) {
				t.Errorf("price = %s, want %s", tick.Price, tt.price)
			}
		})
	}
}

func TestSubscribeCommandShape(t *testing.T) {
	raw, _ := json.Marshal(subscribeCommand{Type: "subscribe", Instruments: []string{"X"}})
	if string(raw) != `{"type":"subscribe","instruments":["X"]}` {
		t.Errorf("subscribe frame = %s", raw)
	}
}
