package storage

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/dex_execution_engine/internal/domain"
)

func newMemoryStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_Trades(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	first := domain.TradeResult{
		TradeID:       "t-1",
		OrderID:       "o-1",
		Pair:          "SOL/USDC",
		Venue:         "raydium",
		Side:          domain.SideBuy,
		Size:          decimal.RequireFromString("1.5"),
		Price:         decimal.RequireFromString("23.550000001"),
		TransactionID: "sig-1",
		ExecutionTime: 120 * time.Millisecond,
		MEVValue:      decimal.RequireFromString("0.0125"),
		Attempts:      2,
		ExecutedAt:    at,
	}
	second := first
	second.TradeID = "t-2"
	second.BundleID = "b-2"
	second.Side = domain.SideSell

	require.NoError(t, store.SaveTrade(ctx, first))
	require.NoError(t, store.SaveTrade(ctx, second))
	assert.Error(t, store.SaveTrade(ctx, first), "trade ids are unique")

	trades, err := store.ListTrades(ctx, 10)
	require.NoError(t, err)
	require.Len(t, trades, 2)

	assert.Equal(t, "t-2", trades[0].TradeID, "newest first")
	assert.Equal(t, domain.SideSell, trades[0].Side)
	assert.Equal(t, "b-2", trades[0].BundleID)

	got := trades[1]
	assert.True(t, got.Price.Equal(first.Price), "price %s", got.Price)
	assert.True(t, got.MEVValue.Equal(first.MEVValue))
	assert.Equal(t, 120*time.Millisecond, got.ExecutionTime)
	assert.Equal(t, 2, got.Attempts)
	assert.True(t, got.ExecutedAt.Equal(at))

	limited, err := store.ListTrades(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSQLiteStore_PositionHistory(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	opened := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	h := &domain.PositionHistory{
		PositionID:       "p-1",
		Pair:             "SOL/USDC",
		Size:             decimal.RequireFromString("10"),
		EntryPrice:       decimal.RequireFromString("100"),
		ExitPrice:        decimal.RequireFromString("110"),
		RealizedPnL:      decimal.RequireFromString("10"),
		RealizedPnLValue: decimal.RequireFromString("100"),
		MaxDrawdown:      decimal.RequireFromString("2.5"),
		Status:           domain.PositionClosed,
		OpenedAt:         opened,
		ClosedAt:         opened.Add(time.Hour),
	}
	require.NoError(t, store.SavePositionHistory(ctx, h))
	assert.NotZero(t, h.ID)

	list, err := store.ListPositionHistory(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	got := list[0]
	assert.Equal(t, h.ID, got.ID)
	assert.Equal(t, "p-1", got.PositionID)
	assert.Equal(t, domain.PositionClosed, got.Status)
	assert.True(t, got.RealizedPnLValue.Equal(h.RealizedPnLValue))
	assert.True(t, got.MaxDrawdown.Equal(h.MaxDrawdown))
	assert.True(t, got.ClosedAt.Equal(h.ClosedAt))
}

func TestSQLiteStore_RespectsContext(t *testing.T) {
	store := newMemoryStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.SaveTrade(ctx, domain.TradeResult{TradeID: "t-1", ExecutedAt: time.Now()})
	assert.Error(t, err)
}
