package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"trade-sentinel/internal/api"
	"trade-sentinel/internal/balance"
	"trade-sentinel/internal/engine"
	"trade-sentinel/internal/events"
	"trade-sentinel/internal/ledger"
	"trade-sentinel/internal/monitor"
	"trade-sentinel/internal/order"
	"trade-sentinel/internal/persistence"
	"trade-sentinel/internal/reconciliation"
	"trade-sentinel/internal/risk"
	"trade-sentinel/internal/scheduler"
	"trade-sentinel/internal/strategy"
	"trade-sentinel/internal/trigger"
	"trade-sentinel/pkg/cache"
	"trade-sentinel/pkg/config"
	"trade-sentinel/pkg/db"
	futures "trade-sentinel/pkg/exchanges/binance/futures_usdt"
	exchange "trade-sentinel/pkg/exchanges/common"
	"trade-sentinel/pkg/exchanges/paper"
	"trade-sentinel/pkg/logger"
	"trade-sentinel/pkg/retry"
)

var log = logrus.WithField("component", "main")

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}
	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	}); err != nil {
		logrus.Fatalf("init logger: %v", err)
	}

	// `trade-sentinel token [subject]` prints an API token and exits.
	if len(os.Args) > 1 && os.Args[1] == "token" {
		subject := "operator"
		if len(os.Args) > 2 {
			subject = os.Args[2]
		}
		tok, err := api.GenerateToken(subject, cfg.API.JWTSecret, 30*24*time.Hour)
		if err != nil {
			log.Fatalf("generate token: %v", err)
		}
		fmt.Println(tok)
		return
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		log.Fatalf("%v", err)
	}
	log.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config) error {
	database, err := db.New(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	store := database.Store()
	bus := events.NewBus()

	gateway, venue := newGateway(ctx, cfg)
	log.WithFields(logrus.Fields{
		"venue": venue, "db": cfg.Storage.DBPath, "auto_execute": cfg.Trading.AutoExecute,
		"instruments": cfg.Trading.Instruments,
	}).Info("starting trade-sentinel")

	retryCfg := retry.Default()
	retryCfg.MaxAttempts = cfg.Exchange.MaxRetries
	executor := order.NewExecutor(store, gateway, bus, order.Config{
		Timeout: cfg.Exchange.RequestTimeout,
		Retry:   retryCfg,
	})

	book := ledger.New(store, bus, cfg.Trading.QuoteAsset)
	if err := book.Load(ctx); err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	marks := persistence.NewBatchWriter(store, 100, cfg.Monitor.FlushInterval)
	defer marks.Close()
	book.SetMarkSink(marks)

	prices := cache.NewPrices()
	mon := trigger.NewMonitor(trigger.Config{
		ReconcileInterval: cfg.Monitor.ReconcileInterval,
		ErrorBackoff:      cfg.Monitor.ErrorBackoff,
		StopTimeout:       cfg.Monitor.StopTimeout,
		IngestBuffer:      cfg.Monitor.IngestBuffer,
		CloseWorkers:      cfg.Monitor.CloseWorkers,
	}, gateway, book, prices, bus)
	mon.SetMarker(book)
	defer mon.Stop()

	riskMgr := risk.NewManager(risk.Limits{
		MaxLeverage:      cfg.Risk.MaxLeverage,
		MaxRiskPct:       cfg.Risk.MaxRiskPct,
		MaxOpenPositions: cfg.Risk.MaxOpenPositions,
		MaxDailyLoss:     cfg.Risk.MaxDailyLoss,
		MinQuantity:      cfg.Risk.MinQuantity,
	}, book)
	balances := balance.NewManager(executor, cfg.Trading.QuoteAsset, cfg.Scheduler.BalanceInterval)

	coord := engine.New(engine.Config{
		Executor:        executor,
		Ledger:          book,
		Monitor:         mon,
		Risk:            riskMgr,
		Balances:        balances,
		Bus:             bus,
		AutoExecute:     cfg.Trading.AutoExecute,
		QuoteAsset:      cfg.Trading.QuoteAsset,
		DefaultLeverage: cfg.Trading.DefaultLeverage,
		DefaultRiskPct:  cfg.Trading.DefaultRiskPct,
	})

	if err := mon.Start(ctx, cfg.Trading.Instruments); err != nil {
		log.WithError(err).Warn("trigger monitor not started; the portfolio job will retry")
	}

	relay := &monitor.Relay{Bus: bus, Sinks: []monitor.AlertSink{monitor.LogSink{}}}
	relay.Start(ctx)

	deps := scheduler.Deps{
		Engine:   coord,
		Ledger:   book,
		Balances: balances,
		Orders:   reconciliation.NewService(executor, store, bus, 24*time.Hour),
		Monitor:  mon,
	}
	if cfg.Scheduler.DecisionsFile != "" {
		deps.Decisions = strategy.NewFileProvider(cfg.Scheduler.DecisionsFile)
	}
	sched := scheduler.New(scheduler.Standard(deps, scheduler.Intervals{
		Portfolio: cfg.Scheduler.PortfolioInterval,
		Balances:  cfg.Scheduler.BalanceInterval,
		OrderSync: cfg.Scheduler.OrderSyncInterval,
		Rollup:    cfg.Scheduler.RollupInterval,
		Prune:     cfg.Scheduler.PruneInterval,
		Decisions: cfg.Scheduler.DecisionInterval,
	})...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	if cfg.API.Enabled {
		server := api.NewServer(api.Options{
			Engine:    coord,
			Risk:      riskMgr,
			Balances:  balances,
			Bus:       bus,
			JWTSecret: cfg.API.JWTSecret,
			RateLimit: cfg.API.RateLimit,
			RateBurst: cfg.API.RateBurst,
			Version:   version(),
		})
		if cfg.API.JWTSecret == "" {
			log.Warn("JWT_SECRET is empty; API routes are unauthenticated")
		}
		g.Go(func() error { return server.Run(gctx, ":"+cfg.API.Port) })
	}

	err = g.Wait()
	mon.Stop()
	return err
}

// newGateway selects the paper simulator or Binance USDT-M futures.
func newGateway(ctx context.Context, cfg *config.Config) (exchange.Gateway, string) {
	if cfg.Exchange.Paper {
		ex := paper.New(paper.Config{
			Asset:       cfg.Trading.QuoteAsset,
			Balance:     cfg.Exchange.PaperBalance,
			FeeRate:     0.0004,
			SlippageBps: 2,
			LatencyMin:  20 * time.Millisecond,
			LatencyMax:  80 * time.Millisecond,
		})
		go seedPaperPrices(ctx, ex, cfg)
		return ex, "paper"
	}
	client := futures.NewClient(futures.Config{
		APIKey:     cfg.Exchange.APIKey,
		APISecret:  cfg.Exchange.APISecret,
		BaseURL:    cfg.Exchange.BaseURL,
		StreamURL:  cfg.Exchange.StreamURL,
		RecvWindow: cfg.Exchange.RecvWindow,
		Timeout:    cfg.Exchange.RequestTimeout,
	})
	client.StartTimeSync(ctx)
	venue := "binance-usdtfut"
	if cfg.Exchange.Testnet {
		venue += "-testnet"
	}
	return client, venue
}

// seedPaperPrices mirrors public Binance prices into the simulator so paper
// fills track the market. Public endpoints need no credentials.
func seedPaperPrices(ctx context.Context, ex *paper.Exchange, cfg *config.Config) {
	public := futures.NewClient(futures.Config{
		BaseURL:   cfg.Exchange.BaseURL,
		StreamURL: cfg.Exchange.StreamURL,
		Timeout:   cfg.Exchange.RequestTimeout,
	})
	for {
		stream, err := public.StreamTicker(ctx, cfg.Trading.Instruments)
		if err != nil {
			log.WithError(err).Warn("paper price feed unavailable")
		} else {
			for t := range stream.C() {
				ex.SetPrice(t.Symbol, t.Price)
			}
			if err := stream.Err(); err != nil {
				log.WithError(err).Warn("paper price feed dropped")
			}
			stream.Close()
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(cfg.Monitor.ErrorBackoff):
		}
	}
}

func version() string {
	if v := os.Getenv("APP_VERSION"); v != "" {
		return v
	}
	return "dev"
}
