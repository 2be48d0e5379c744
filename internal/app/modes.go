package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/triggerbot/internal/copytrade"
	"github.com/alanyoungcy/triggerbot/internal/domain"
	"github.com/alanyoungcy/triggerbot/internal/executor"
	"github.com/alanyoungcy/triggerbot/internal/feed"
	"github.com/alanyoungcy/triggerbot/internal/server"
	"github.com/alanyoungcy/triggerbot/internal/server/handler"
	"github.com/alanyoungcy/triggerbot/internal/server/ws"
	"github.com/alanyoungcy/triggerbot/internal/service"
	"github.com/alanyoungcy/triggerbot/internal/strategy"
)

// EngineMode runs the scheduler loop, the dispatcher and the price feeds
// without the HTTP API.
func (a *App) EngineMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting engine mode")
	g, ctx := errgroup.WithContext(ctx)

	events := service.NewEventService(deps.SignalBus, deps.Notifier, a.logger)
	if _, err := a.startEngine(ctx, g, deps, events); err != nil {
		return err
	}
	return g.Wait()
}

// ServerMode serves the HTTP API only. Strategies created here are picked
// up by an engine process sharing the same Postgres and Redis.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")
	g, ctx := errgroup.WithContext(ctx)

	events := service.NewEventService(deps.SignalBus, deps.Notifier, a.logger)
	a.startHTTPServer(ctx, g, deps, events, nil)
	return g.Wait()
}

// FullMode runs the engine and the HTTP API in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")
	g, ctx := errgroup.WithContext(ctx)

	events := service.NewEventService(deps.SignalBus, deps.Notifier, a.logger)
	engine, err := a.startEngine(ctx, g, deps, events)
	if err != nil {
		return err
	}
	a.startHTTPServer(ctx, g, deps, events, engine)
	return g.Wait()
}

// startEngine wires the trigger pipeline, resumes strategies left triggered
// by a previous run and starts the loops on g.
func (a *App) startEngine(ctx context.Context, g *errgroup.Group, deps *Dependencies, events *service.EventService) (*strategy.Engine, error) {
	cfg := a.cfg

	queue := executor.NewWalletQueue(deps.Locks, cfg.Executor.WalletLockTTL.Duration, deps.Metrics, a.logger)
	dispatcher := executor.NewDispatcher(deps.Strategies, deps.Executions, deps.Submitter, queue, executor.Config{
		Backoff: executor.BackoffPolicy{
			MaxAttempts: cfg.Executor.MaxAttempts,
			BaseDelay:   cfg.Executor.BaseDelay.Duration,
			Multiplier:  cfg.Executor.Multiplier,
			MaxDelay:    cfg.Executor.MaxDelay.Duration,
		},
		SubmitTimeout: cfg.Executor.SubmitTimeout.Duration,
		BucketSize:    cfg.Engine.PriceBucket,
		ProgramID:     cfg.Ledger.ProgramID,
	}, deps.Metrics, a.logger)
	if deps.Signer != nil {
		dispatcher.SetSigner(deps.Signer)
	}
	dispatcher.SetEventPublisher(events)

	lot, _ := decimal.NewFromString(cfg.CopyTrade.LotSize) // checked by Validate
	replicator := copytrade.NewReplicator(deps.Positions, deps.Cursors, deps.Executions, deps.Capacity, copytrade.Config{
		LotSize:        lot,
		ClipPolicy:     copytrade.ClipPolicy(cfg.CopyTrade.ClipPolicy),
		MirrorExisting: cfg.CopyTrade.MirrorExisting,
	}, deps.Metrics, a.logger)
	dispatcher.SetMirrorCommitter(replicator)

	resumed, err := dispatcher.Recover(ctx)
	if err != nil {
		return nil, err
	}
	if resumed > 0 {
		a.logger.InfoContext(ctx, "resumed triggered strategies", slog.Int("count", resumed))
	}

	engine := strategy.NewEngine(
		deps.Strategies,
		feed.NewCachedPriceFeed(deps.Prices, cfg.Engine.StalePriceAge.Duration),
		strategy.NewEvaluator(strategy.DefaultRegistry()),
		dispatcher,
		replicator,
		strategy.EngineConfig{
			TickInterval: cfg.Engine.TickInterval.Duration,
			MaxParallel:  cfg.Engine.MaxParallel,
		},
		deps.Metrics,
		a.logger,
	)

	g.Go(func() error { return dispatcher.Run(ctx) })
	g.Go(func() error { return engine.Run(ctx) })

	// Leader positions always arrive on the bus; prices come from the bus
	// or from the websocket stream.
	if cfg.Feed.Source != "none" {
		ingestor := feed.NewBusIngestor(deps.SignalBus, deps.Prices, deps.Positions, a.logger)
		g.Go(func() error { return ingestor.Run(ctx) })
	}
	if cfg.Feed.Source == "websocket" {
		stream := feed.NewStreamFeed(cfg.Feed.WSURL, activePairs(deps.Strategies), deps.Prices, cfg.Feed.PairRefresh.Duration, a.logger)
		g.Go(func() error { return stream.Run(ctx) })
	}

	return engine, nil
}

// activePairs lists the distinct (token, market) groups of the active
// strategies. Copy trades are included so their mirrors carry a reference
// price.
func activePairs(store domain.StrategyStore) feed.PairSource {
	return func(ctx context.Context) ([]domain.MarketKey, error) {
		active, err := store.ListActive(ctx)
		if err != nil {
			return nil, err
		}
		seen := make(map[domain.MarketKey]bool, len(active))
		var keys []domain.MarketKey
		for _, s := range active {
			if k := s.Key(); !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
		return keys, nil
	}
}

// startHTTPServer serves the API and the WebSocket hub on g. engine is nil
// when this process does not run the scheduler.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, events *service.EventService, engine *strategy.Engine) {
	startedAt := time.Now().UTC()

	var archiver domain.StrategyArchiver
	var archive handler.ArchiveLoader
	if deps.Archiver != nil {
		archiver = deps.Archiver
		archive = deps.Archiver
	}
	strategies := service.NewStrategyService(deps.Strategies, deps.Executions, deps.Audit, events, archiver, deps.Metrics, a.logger)

	var triggers handler.TriggerSource
	if engine != nil {
		triggers = engine
	}

	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Channels:  []string{service.StrategyChannel, feed.PricesChannel},
		Mode:      a.cfg.Mode,
		StartedAt: startedAt,
	})
	g.Go(func() error { return hub.Run(ctx) })

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
	}, server.Handlers{
		Health:   handler.NewHealthHandler(deps.Checks, a.logger),
		Strategy: handler.NewStrategyHandler(strategies, archive, a.logger),
		Status:   handler.NewStatusHandler(a.cfg.Mode, startedAt, triggers, events, a.logger),
		Metrics:  deps.Metrics.Handler(),
	}, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
