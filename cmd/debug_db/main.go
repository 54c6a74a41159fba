package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/vitos/dex_execution_engine/internal/infrastructure/storage"
)

func main() {
	dbPath := flag.String("db", "engine.db", "path to the engine database")
	limit := flag.Int("limit", 20, "rows per table")
	flag.Parse()

	store, err := storage.NewSQLiteStore(*dbPath)
	if err != nil {
		fmt.Printf("Failed to init sqlite: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()
	trades, err := store.ListTrades(ctx, *limit)
	if err != nil {
		fmt.Printf("Failed to list trades: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Found %d trades:\n", len(trades))
	for _, t := range trades {
		fmt.Printf("- %s %s %s %s @ %s on %s (tx %s, %d attempts, %s, mev %s)\n",
			t.ExecutedAt.Format("2006-01-02 15:04:05"), t.Side, t.Size, t.Pair, t.Price,
			t.Venue, t.TransactionID, t.Attempts, t.ExecutionTime, t.MEVValue)
	}

	history, err := store.ListPositionHistory(ctx, *limit)
	if err != nil {
		fmt.Printf("Failed to list position history: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\nFound %d closed positions:\n", len(history))
	for _, h := range history {
		fmt.Printf("- %s %s size=%s entry=%s exit=%s pnl=%s%% (%s) max_dd=%s%%\n",
			h.ClosedAt.Format("2006-01-02 15:04:05"), h.Pair, h.Size, h.EntryPrice, h.ExitPrice,
			h.RealizedPnL.StringFixed(2), h.RealizedPnLValue.StringFixed(2), h.MaxDrawdown.StringFixed(2))
	}
}
