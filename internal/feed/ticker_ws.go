// Package feed connects to an upstream market-data WebSocket and turns its
// price messages into domain ticks.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/leverbot/internal/domain"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 60 * time.Second
)

// TickHandler consumes ticks. PriceService implements it.
type TickHandler interface {
	HandleTick(ctx context.Context, tick domain.Tick) error
}

// Config configures a TickerFeed.
type Config struct {
	URL         string
	Instruments []string
	// ReconnectDelay is the first backoff step; it doubles up to MaxReconnectDelay.
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
}

// subscribeCommand is the first frame sent after connecting.
type subscribeCommand struct {
	Type        string   `json:"type"`
	Instruments []string `json:"instruments"`
}

// tickMessage is the upstream frame. Price accepts both JSON numbers and
// strings; Timestamp is RFC 3339 or empty.
type tickMessage struct {
	Type         string          `json:"type"`
	InstrumentID string          `json:"instrument_id"`
	Price        decimal.Decimal `json:"price"`
	Timestamp    string          `json:"timestamp"`
}

// TickerFeed streams ticks for a fixed instrument set into a TickHandler and
// reconnects with exponential backoff whenever the connection drops.
type TickerFeed struct {
	cfg     Config
	handler TickHandler
	logger  *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewTickerFeed creates a feed. Zero delays take the package defaults.
func NewTickerFeed(cfg Config, handler TickHandler, logger *slog.Logger) *TickerFeed {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = reconnectDelay
	}
	if cfg.MaxReconnectDelay < cfg.ReconnectDelay {
		cfg.MaxReconnectDelay = maxReconnectDelay
	}
	return &TickerFeed{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With(slog.String("component", "ticker_feed")),
		done:    make(chan struct{}),
	}
}

// Run connects, subscribes and dispatches ticks until ctx is cancelled or
// Close is called.
func (f *TickerFeed) Run(ctx context.Context) error {
	if len(f.cfg.Instruments) == 0 {
		f.logger.Info("no instruments to subscribe, exiting")
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-f.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	delay := f.cfg.ReconnectDelay
	for {
		connected, err := f.runConnection(ctx)
		if ctx.Err() != nil {
			select {
			case <-f.done:
				return nil
			default:
				return ctx.Err()
			}
		}
		if connected {
			delay = f.cfg.ReconnectDelay
		}
		f.logger.WarnContext(ctx, "ticker feed disconnected, reconnecting",
			slog.String("error", errString(err)),
			slog.Duration("backoff", delay),
		)
		select {
		case <-ctx.Done():
			continue
		case <-time.After(delay):
		}
		delay *= 2
		if delay > f.cfg.MaxReconnectDelay {
			delay = f.cfg.MaxReconnectDelay
		}
	}
}

// runConnection serves one connection. connected reports whether the
// subscription succeeded, which resets the backoff.
func (f *TickerFeed) runConnection(ctx context.Context) (connected bool, err error) {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("feed: connect: %w", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	var writeMu sync.Mutex
	write := func(messageType int, data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(messageType, data)
	}

	sub, _ := json.Marshal(subscribeCommand{Type: "subscribe", Instruments: f.cfg.Instruments})
	if err := write(websocket.TextMessage, sub); err != nil {
		return false, fmt.Errorf("feed: subscribe: %w", err)
	}
	f.logger.InfoContext(ctx, "ticker feed subscribed", slog.Int("instruments", len(f.cfg.Instruments)))

	connDone := make(chan struct{})
	defer close(connDone)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				// Unblocks ReadMessage below.
				writeMu.Lock()
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				writeMu.Unlock()
				conn.Close()
				return
			case <-connDone:
				return
			case <-ticker.C:
				if err := write(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, ctx.Err()
			}
			return true, fmt.Errorf("feed: read: %w: %w", domain.ErrWSDisconnect, err)
		}
		f.dispatch(ctx, data)
	}
}

func (f *TickerFeed) dispatch(ctx context.Context, data []byte) {
	tick, ok, err := parseTick(data)
	if err != nil {
		f.logger.DebugContext(ctx, "ticker feed: bad frame",
			slog.String("error", err.Error()),
			slog.Int("payload_len", len(data)),
		)
		return
	}
	if !ok {
		return
	}
	if err := f.handler.HandleTick(ctx, tick); err != nil {
		f.logger.WarnContext(ctx, "ticker feed: tick rejected",
			slog.String("instrument_id", tick.InstrumentID),
			slog.String("error", err.Error()),
		)
	}
}

// parseTick decodes one frame. ok is false for non-tick frames such as
// subscription acknowledgements.
func parseTick(data []byte) (domain.Tick, bool, error) {
	var msg tickMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return domain.Tick{}, false, err
	}
	if msg.Type != "" && msg.Type != "tick" {
		return domain.Tick{}, false, nil
	}
	id := strings.TrimSpace(msg.InstrumentID)
	if id == "" {
		return domain.Tick{}, false, errors.New("missing instrument_id")
	}
	ts := time.Now().UTC()
	if msg.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339Nano, msg.Timestamp)
		if err != nil {
			return domain.Tick{}, false, fmt.Errorf("timestamp: %w", err)
		}
		ts = parsed.UTC()
	}
	return domain.Tick{InstrumentID: id, Price: msg.Price, Timestamp: ts}, true, nil
}

// Close stops the feed.
func (f *TickerFeed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
