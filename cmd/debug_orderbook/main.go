package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitos/dex_execution_engine/internal/config"
	"github.com/vitos/dex_execution_engine/internal/domain"
	"github.com/vitos/dex_execution_engine/internal/infrastructure/exchange"
	"github.com/vitos/dex_execution_engine/internal/infrastructure/logger"
	"github.com/vitos/dex_execution_engine/internal/usecase"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config")
	venue := flag.String("venue", "", "venue to stream (default: first configured)")
	size := flag.Float64("size", 1, "order size used for best-execution estimates")
	every := flag.Duration("every", 2*time.Second, "report interval")
	flag.Parse()

	cfg, err := config.Load(*configPath, ".env")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.NewLogger("debug", "console")
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	var vc *config.VenueConfig
	for i := range cfg.Venues {
		if *venue == "" || cfg.Venues[i].Name == *venue {
			vc = &cfg.Venues[i]
			break
		}
	}
	if vc == nil {
		log.Fatal("Venue not configured", zap.String("venue", *venue))
	}

	books := usecase.NewOrderBookStore(cfg.OrderBookConfig(), log, nil)
	feed := exchange.NewWSFeed(vc.FeedConfig(), log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return feed.Run(gctx, books) })
	g.Go(func() error {
		ticker := time.NewTicker(*every)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				for _, pair := range vc.Pairs {
					report(log, books, pair, decimal.NewFromFloat(*size))
				}
			}
		}
	})

	log.Info("Streaming order books", zap.String("venue", vc.Name), zap.Strings("pairs", vc.Pairs))
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Fatal("Order book stream failed", zap.Error(err))
	}
}

func report(log *zap.Logger, books *usecase.OrderBookStore, pair string, size decimal.Decimal) {
	snaps := books.Snapshots(pair)
	if len(snaps) == 0 {
		log.Info("No book yet", zap.String("pair", pair))
		return
	}
	for _, snap := range snaps {
		spread, _ := snap.Spread()
		log.Info("Book",
			zap.String("pair", pair),
			zap.String("venue", snap.Venue),
			zap.Int("bids", len(snap.Bids)),
			zap.Int("asks", len(snap.Asks)),
			zap.String("spread", spread.String()),
			zap.Duration("age", time.Since(snap.Timestamp)))
	}

	for _, side := range []domain.Side{domain.SideBuy, domain.SideSell} {
		order, err := domain.NewOrder(domain.TradeRequest{
			Pair:     pair,
			Side:     side,
			Size:     size,
			Slippage: decimal.NewFromInt(5),
		}, time.Now())
		if err != nil {
			log.Warn("Invalid estimate order", zap.Error(err))
			return
		}
		plan, err := books.GetBestExecution(order)
		if err != nil {
			log.Info("No execution", zap.String("pair", pair), zap.String("side", string(side)), zap.Error(err))
			continue
		}
		venues := make([]string, len(plan.Steps))
		for i, step := range plan.Steps {
			venues[i] = step.Venue
		}
		log.Info("Best execution",
			zap.String("pair", pair),
			zap.String("side", string(side)),
			zap.Strings("venues", venues),
			zap.String("avg_price", plan.EstimatedPrice.String()),
			zap.String("impact_pct", plan.TotalPriceImpact.String()),
			zap.Duration("est_latency", plan.EstimatedExecutionTime))
	}
}
