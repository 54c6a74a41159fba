package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/vitos/dex_execution_engine/internal/domain"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func lvl(price, volume string) domain.OrderBookEntry {
	return domain.OrderBookEntry{Price: d(price), Volume: d(volume)}
}

func mustSnapshot(t *testing.T, pair, venue string, bids, asks []domain.OrderBookEntry, ts time.Time) *domain.OrderBookSnapshot {
	t.Helper()
	snap, err := domain.NewOrderBookSnapshot(pair, venue, bids, asks, ts)
	require.NoError(t, err)
	return snap
}

// clock is a manually advanced time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: baseTime} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(by time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(by)
	c.mu.Unlock()
}

// MockPortfolio is a static portfolio with call counting and an optional
// artificial delay on the value lookup.
type MockPortfolio struct {
	mu         sync.Mutex
	id         string
	Value      decimal.Decimal
	Exposure   decimal.Decimal
	Positions  int
	Delay      time.Duration
	ValueErr   error
	valueCalls int
}

func (m *MockPortfolio) ID() string { return m.id }

func (m *MockPortfolio) CurrentPortfolioValue(ctx context.Context, prices map[string]decimal.Decimal) (decimal.Decimal, error) {
	m.mu.Lock()
	m.valueCalls++
	delay, v, err := m.Delay, m.Value, m.ValueErr
	m.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return decimal.Zero, ctx.Err()
		}
	}
	return v, err
}

func (m *MockPortfolio) CurrentExposure(ctx context.Context) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Exposure, nil
}

func (m *MockPortfolio) PositionCount(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Positions, nil
}

func (m *MockPortfolio) SetExposure(v decimal.Decimal) {
	m.mu.Lock()
	m.Exposure = v
	m.mu.Unlock()
}

func (m *MockPortfolio) ValueCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.valueCalls
}

// recordingMetrics counts a subset of metric events.
type recordingMetrics struct {
	NopMetrics
	mu        sync.Mutex
	conflicts int
	trips     map[string]int
	retries   int
	persist   map[string]int
	outcomes  map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{trips: map[string]int{}, persist: map[string]int{}, outcomes: map[string]int{}}
}

func (r *recordingMetrics) BookConflict(string) {
	r.mu.Lock()
	r.conflicts++
	r.mu.Unlock()
}

func (r *recordingMetrics) BreakerTripped(name string) {
	r.mu.Lock()
	r.trips[name]++
	r.mu.Unlock()
}

func (r *recordingMetrics) TradeRetry(string) {
	r.mu.Lock()
	r.retries++
	r.mu.Unlock()
}

func (r *recordingMetrics) PersistFailed(kind string) {
	r.mu.Lock()
	r.persist[kind]++
	r.mu.Unlock()
}

func (r *recordingMetrics) TradeCompleted(_ string, outcome string, _ time.Duration) {
	r.mu.Lock()
	r.outcomes[outcome]++
	r.mu.Unlock()
}
