package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// Portfolio is the portfolio/persistence collaborator consulted by the risk
// validator. Values are in quote currency.
type Portfolio interface {
	ID() string
	CurrentPortfolioValue(ctx context.Context, prices map[string]decimal.Decimal) (decimal.Decimal, error)
	CurrentExposure(ctx context.Context) (decimal.Decimal, error)
	PositionCount(ctx context.Context) (int, error)
}

// VenueGateway submits single transactions directly to a venue.
type VenueGateway interface {
	SubmitTransaction(ctx context.Context, tx Transaction) (string, error)
	TransactionStatus(ctx context.Context, txID string) (StatusReport, error)
}

// BundleRelay submits bundles to a priority-inclusion endpoint.
type BundleRelay interface {
	SubmitBundle(ctx context.Context, bundle Bundle) (string, error)
	BundleStatus(ctx context.Context, bundleID string) (StatusReport, error)
}

// SnapshotSink receives validated snapshots from market-data feeds.
type SnapshotSink interface {
	Update(snapshot *OrderBookSnapshot) error
}

// MarketDataFeed is implemented per venue. Venue-specific parsing stays
// behind this boundary.
type MarketDataFeed interface {
	Venue() string
	Run(ctx context.Context, sink SnapshotSink) error
}

// TradeRepository defines storage operations for trades.
type TradeRepository interface {
	SaveTrade(ctx context.Context, result TradeResult) error
	ListTrades(ctx context.Context, limit int) ([]TradeResult, error)
}

// PositionHistoryRepository stores finalized position records.
type PositionHistoryRepository interface {
	SavePositionHistory(ctx context.Context, history *PositionHistory) error
	ListPositionHistory(ctx context.Context, limit int) ([]*PositionHistory, error)
}
