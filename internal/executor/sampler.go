// Package executor runs the timed parts of the position lifecycle: the
// delayed-execution price sampling windows, the registry that owns those
// background tasks, and the in-flight request claims used for deduplication.
package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/leverbot/internal/domain"
)

// PriceSource is the subset of the price oracle a sampler needs.
type PriceSource interface {
	GetCurrentPrice(ctx context.Context, instrumentID string) (decimal.Decimal, error)
}

// SamplerConfig controls the cadence of a sampling window.
type SamplerConfig struct {
	// Window is the total duration; a final sample is taken when it ends.
	Window time.Duration
	// Interval is the spacing between samples inside the window.
	Interval time.Duration
	// FetchTimeout bounds each individual price fetch.
	FetchTimeout time.Duration
}

// DefaultSamplerConfig returns the 10s / 2s production cadence.
func DefaultSamplerConfig() SamplerConfig {
	return SamplerConfig{
		Window:       10 * time.Second,
		Interval:     2 * time.Second,
		FetchTimeout: time.Second,
	}
}

// Sampler collects price observations for one instrument across a window.
type Sampler struct {
	src    PriceSource
	cfg    SamplerConfig
	logger *slog.Logger
}

// NewSampler creates a Sampler reading from src.
func NewSampler(src PriceSource, cfg SamplerConfig, logger *slog.Logger) *Sampler {
	if cfg.Interval <= 0 {
		cfg.Interval = cfg.Window
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = cfg.Interval
	}
	return &Sampler{
		src:    src,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "sampler")),
	}
}

// Collect samples instrumentID immediately, then every Interval while inside
// the window, then once more when the window closes. Failed fetches are
// skipped. The window is a hard deadline: Collect returns at its end with
// whatever was gathered, or early with ctx.Err() if ctx is cancelled.
func (s *Sampler) Collect(ctx context.Context, instrumentID string) ([]domain.PriceSample, error) {
	start := time.Now()
	samples := make([]domain.PriceSample, 0, int(s.cfg.Window/s.cfg.Interval)+2)

	take := func() {
		fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
		defer cancel()
		price, err := s.src.GetCurrentPrice(fetchCtx, instrumentID)
		if err != nil {
			s.logger.DebugContext(ctx, "sample skipped",
				slog.String("instrument_id", instrumentID),
				slog.String("error", err.Error()),
			)
			return
		}
		samples = append(samples, domain.PriceSample{Price: price, ObservedAt: time.Now()})
	}

	take()

	timer := time.NewTimer(s.cfg.Interval)
	defer timer.Stop()
	for offset := s.cfg.Interval; ; offset += s.cfg.Interval {
		final := offset >= s.cfg.Window
		if final {
			offset = s.cfg.Window
		}
		timer.Reset(time.Until(start.Add(offset)))

		select {
		case <-ctx.Done():
			return samples, ctx.Err()
		case <-timer.C:
		}
		take()
		if final {
			return samples, nil
		}
	}
}
