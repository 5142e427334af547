package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/leverbot/internal/executor"
	"github.com/alanyoungcy/leverbot/internal/feed"
	"github.com/alanyoungcy/leverbot/internal/server"
	"github.com/alanyoungcy/leverbot/internal/server/handler"
	"github.com/alanyoungcy/leverbot/internal/server/ws"
	"github.com/alanyoungcy/leverbot/internal/service"
)

const shutdownTimeout = 10 * time.Second

// run starts the goroutines of the configured mode. The engine's task
// registry runs in every mode so positions created over HTTP get their
// sampling windows; the valuation loop, price feed and archive only run in
// engine and full mode.
func (a *App) run(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)

	engine := a.newEngine(deps)
	if err := engine.Start(ctx); err != nil {
		return err
	}
	g.Go(func() error {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return engine.Stop(stopCtx)
	})

	priceSvc := service.NewPriceService(deps.PriceCache, deps.SignalBus, a.logger)

	if a.cfg.RunsEngine() {
		a.startEngineLoops(ctx, g, deps, engine, priceSvc)
	}
	if a.cfg.RunsAPI() {
		a.startHTTPServer(ctx, g, deps, engine, priceSvc)
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) newEngine(deps *Dependencies) *service.PositionEngine {
	ec := a.cfg.Engine
	return service.NewPositionEngine(service.EngineDeps{
		Positions: deps.Positions,
		Tx:        deps.Store,
		Oracle:    deps.Oracle,
		Bus:       deps.SignalBus,
		Audit:     deps.Audit,
		Alerts:    deps.Notifier,
	}, service.EngineConfig{
		Policy: ec.Policy(),
		Sampling: executor.SamplerConfig{
			Window:       ec.SamplingWindow.Duration,
			Interval:     ec.SamplingInterval.Duration,
			FetchTimeout: ec.SampleFetchTimeout.Duration,
		},
		RetryDelay: ec.SamplerRetryDelay.Duration,
	}, a.logger)
}

func (a *App) startEngineLoops(ctx context.Context, g *errgroup.Group, deps *Dependencies, engine *service.PositionEngine, priceSvc *service.PriceService) {
	valuation := service.NewValuationLoop(
		engine,
		deps.Positions,
		deps.Oracle,
		deps.LockManager,
		a.cfg.Engine.ValuationInterval.Duration,
		a.cfg.Engine.MaxConcurrency,
		a.logger,
	)
	g.Go(func() error {
		return valuation.Run(ctx)
	})

	if a.cfg.Feed.Enabled {
		tickerFeed := feed.NewTickerFeed(feed.Config{
			URL:               a.cfg.Feed.URL,
			Instruments:       a.cfg.Feed.Instruments,
			ReconnectDelay:    a.cfg.Feed.ReconnectDelay.Duration,
			MaxReconnectDelay: a.cfg.Feed.MaxReconnectDelay.Duration,
		}, priceSvc, a.logger)
		g.Go(func() error {
			defer tickerFeed.Close()
			return tickerFeed.Run(ctx)
		})
	} else {
		a.logger.InfoContext(ctx, "feed disabled; prices must be written to the cache externally")
	}

	if deps.Archiver != nil {
		g.Go(func() error {
			return a.runArchive(ctx, deps)
		})
	}
}

// runArchive exports settled positions older than the retention period on
// every archive interval.
func (a *App) runArchive(ctx context.Context, deps *Dependencies) error {
	interval := a.cfg.Archive.Interval.Duration
	retention := a.cfg.Archive.Retention.Duration

	runOnce := func() {
		cutoff := time.Now().UTC().Add(-retention)
		n, err := deps.Archiver.ArchivePositions(ctx, cutoff)
		if err != nil {
			a.logger.ErrorContext(ctx, "archive run failed",
				slog.Time("cutoff", cutoff),
				slog.String("error", err.Error()),
			)
			return
		}
		a.logger.InfoContext(ctx, "archive run complete",
			slog.Int64("archived", n),
			slog.Time("cutoff", cutoff),
		)
	}

	runOnce()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			runOnce()
		}
	}
}

func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, engine *service.PositionEngine, priceSvc *service.PriceService) {
	checks := make(map[string]handler.Check, len(deps.Checks))
	for name, fn := range deps.Checks {
		checks[name] = fn
	}

	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: time.Now().UTC(),
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	accounts := service.NewAccountService(deps.Ledger, deps.Audit, a.logger)
	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, server.Handlers{
		Health:    handler.NewHealthHandler(checks, a.logger),
		Positions: handler.NewPositionHandler(engine, a.logger),
		Accounts:  handler.NewAccountHandler(accounts, a.logger),
		Events:    handler.NewEventHandler(deps.SignalBus, deps.Audit, a.logger),
		Prices:    handler.NewPriceHandler(priceSvc, a.logger),
	}, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

