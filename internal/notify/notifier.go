// Package notify forwards engine alerts to operator chat channels. Alerts are
// delivered to every configured sender and can be filtered by kind.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/leverbot/internal/domain"
)

// Sender delivers one alert to a single channel.
type Sender interface {
	Send(ctx context.Context, alert domain.Alert) error
	Name() string
}

// Notifier fans alerts out to its senders. Only kinds in the allowed set are
// forwarded; an empty set allows every kind.
type Notifier struct {
	senders []Sender
	kinds   map[domain.AlertKind]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier for the given senders and allowed kinds.
func NewNotifier(senders []Sender, kinds []string, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.AlertKind]bool, len(kinds))
	for _, k := range kinds {
		if k = strings.TrimSpace(k); k != "" {
			allowed[domain.AlertKind(k)] = true
		}
	}
	return &Notifier{
		senders: senders,
		kinds:   allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Alert implements the engine's Alerter. A failing sender does not stop
// delivery to the others; all failures are joined into the returned error.
func (n *Notifier) Alert(ctx context.Context, alert domain.Alert) error {
	if len(n.kinds) > 0 && !n.kinds[alert.Kind] {
		n.logger.DebugContext(ctx, "alert filtered out", slog.String("kind", string(alert.Kind)))
		return nil
	}

	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, alert); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("kind", string(alert.Kind)),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "alert sent",
			slog.String("sender", s.Name()),
			slog.String("position_id", alert.PositionID),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %w", errors.Join(errs...))
	}
	return nil
}

// Len reports how many senders are configured.
func (n *Notifier) Len() int {
	return len(n.senders)
}

// title renders the headline shared by every sender.
func title(alert domain.Alert) string {
	words := strings.Split(string(alert.Kind), "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

// describe renders the alert's identifying fields as "key: value" lines.
func describe(alert domain.Alert) [][2]string {
	var rows [][2]string
	add := func(k, v string) {
		if v != "" {
			rows = append(rows, [2]string{k, v})
		}
	}
	add("Position", alert.PositionID)
	add("Account", alert.AccountID)
	add("Instrument", alert.InstrumentID)
	return rows
}
