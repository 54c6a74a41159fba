package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/vitos/dex_execution_engine/internal/config"
	"github.com/vitos/dex_execution_engine/internal/domain"
	"github.com/vitos/dex_execution_engine/internal/infrastructure/exchange"
	"github.com/vitos/dex_execution_engine/internal/infrastructure/logger"
	"github.com/vitos/dex_execution_engine/internal/infrastructure/metrics"
	"github.com/vitos/dex_execution_engine/internal/infrastructure/storage"
	"github.com/vitos/dex_execution_engine/internal/usecase"
	"github.com/vitos/dex_execution_engine/internal/web"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config")
	envFile := flag.String("env", ".env", "optional env file loaded before config expansion")
	flag.Parse()

	// 1. Load Config
	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Init Logger
	log, err := logger.NewLogger(cfg.Logging.Level, cfg.Logging.Encoding)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	auditLog := log
	if cfg.Logging.AuditFile != "" {
		auditLog, err = logger.NewFileLogger(cfg.Logging.AuditFile, cfg.Logging.Level)
		if err != nil {
			log.Error("Failed to init trade audit logger, using default", zap.Error(err))
			auditLog = log
		} else {
			defer auditLog.Sync()
		}
	}

	if err := run(cfg, log, auditLog); err != nil {
		log.Error("Engine stopped with error", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}
	log.Info("Engine stopped")
}

func run(cfg *config.Config, log, auditLog *zap.Logger) (err error) {
	// 3. Init Storage
	store, err := storage.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("init sqlite: %w", err)
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close storage: %w", cerr))
		}
	}()

	// 4. Init Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector, err := metrics.NewCollector(reg)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	// 5. Init Services
	books := usecase.NewOrderBookStore(cfg.OrderBookConfig(), log.Named("orderbook"), collector)
	positions := usecase.NewPositionManager(cfg.PositionConfig(), store, log.Named("positions"), collector)
	portfolio := usecase.NewPositionPortfolio(cfg.Portfolio.ID, decimal.NewFromFloat(cfg.Portfolio.Cash), positions)
	validator := usecase.NewRiskValidator(cfg.RiskConfig(), books.MidPrices, log.Named("risk"), collector)
	positions.OnMutation(validator.Invalidate)

	relay := exchange.NewRelayClient(cfg.Relay.ClientConfig())
	bundles := usecase.NewBundleOptimizer(cfg.BundleConfig(), relay, log.Named("bundle"), collector)

	gateways := make(map[string]domain.VenueGateway, len(cfg.Venues))
	feeds := make([]*exchange.WSFeed, 0, len(cfg.Venues))
	for _, v := range cfg.Venues {
		gateways[v.Name] = exchange.NewGatewayClient(v.RPC.ClientConfig())
		feeds = append(feeds, exchange.NewWSFeed(v.FeedConfig(), log.Named("feed")))
	}

	executor := usecase.NewTradeExecutor(cfg.ExecutorConfig(), usecase.TradeExecutorDeps{
		Validator: validator,
		Books:     books,
		Bundles:   bundles,
		Gateway:   exchange.NewGatewayRouter(gateways),
		Positions: positions,
		Trades:    store,
		Portfolio: portfolio,
		Logger:    auditLog,
		Metrics:   collector,
	})

	// 6. Init Web Server
	server := web.NewServer(cfg.Server.Port, web.ServerDeps{
		Books:     books,
		Positions: positions,
		Validator: validator,
		Executor:  executor,
		Trades:    store,
		History:   store,
		Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	}, log.Named("web"))

	// 7. Run until a signal arrives or a component fails
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return books.Run(gctx) })
	for _, feed := range feeds {
		g.Go(func() error { return feed.Run(gctx, books) })
	}
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	log.Info("Engine started",
		zap.Int("venues", len(cfg.Venues)),
		zap.Int("port", cfg.Server.Port),
		zap.String("portfolio", portfolio.ID()))

	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	// 8. Close open positions
	log.Info("Shutting down, closing open positions", zap.Int("open", positions.Count()))
	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if cerr := positions.CloseAll(closeCtx); cerr != nil {
		log.Error("Failed to close positions", zap.Errors("errors", multierr.Errors(cerr)))
		runErr = multierr.Append(runErr, cerr)
	}
	return runErr
}
