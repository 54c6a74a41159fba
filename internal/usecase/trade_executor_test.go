package usecase

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/dex_execution_engine/internal/domain"
	"github.com/vitos/dex_execution_engine/internal/retry"
	"go.uber.org/zap"
)

// MockGateway confirms every transaction unless told otherwise.
type MockGateway struct {
	mu          sync.Mutex
	FailSubmits map[string]int // venue -> failures before success
	Pending     bool           // never confirm
	Block       chan struct{}  // when set, submissions wait for it
	submits     map[string]int
	started     int
}

func (g *MockGateway) SubmitTransaction(ctx context.Context, tx domain.Transaction) (string, error) {
	g.mu.Lock()
	g.started++
	block := g.Block
	g.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.submits == nil {
		g.submits = map[string]int{}
	}
	g.submits[tx.Venue]++
	if g.submits[tx.Venue] <= g.FailSubmits[tx.Venue] {
		return "", fmt.Errorf("%w: %s rpc returned 503", domain.ErrSubmissionFailed, tx.Venue)
	}
	return "sig-" + tx.ID, nil
}

func (g *MockGateway) TransactionStatus(ctx context.Context, id string) (domain.StatusReport, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Pending {
		return domain.StatusReport{Status: domain.StatusPending}, nil
	}
	return domain.StatusReport{Status: domain.StatusConfirmed, TransactionID: id}, nil
}

func (g *MockGateway) Started() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.started
}

func (g *MockGateway) Submits(venue string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.submits[venue]
}

func (g *MockGateway) TotalSubmits() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, v := range g.submits {
		n += v
	}
	return n
}

type MockTrades struct {
	mu    sync.Mutex
	saved []domain.TradeResult
	Err   error
}

func (r *MockTrades) SaveTrade(ctx context.Context, t domain.TradeResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.saved = append(r.saved, t)
	return nil
}

func (r *MockTrades) ListTrades(ctx context.Context, limit int) ([]domain.TradeResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.TradeResult(nil), r.saved...), nil
}

type executorFixture struct {
	exec      *TradeExecutor
	books     *OrderBookStore
	validator *RiskValidator
	positions *PositionManager
	gateway   *MockGateway
	relay     *MockRelay
	trades    *MockTrades
	portfolio *MockPortfolio
	metrics   *recordingMetrics
}

// directConfig never bundles, retries fast and keeps a generous budget.
func directConfig() ExecutorConfig {
	cfg := DefaultExecutorConfig()
	cfg.MEVEnabled = false
	cfg.LargeTradeThreshold = d("1000000000")
	cfg.PollInterval = time.Millisecond
	cfg.Timeout = 2 * time.Second
	cfg.Retry = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}
	return cfg
}

func newExecutorFixture(t *testing.T, cfg ExecutorConfig) *executorFixture {
	t.Helper()
	c := newClock()
	f := &executorFixture{
		books:     newTestStore(c),
		validator: newTestValidator(c),
		positions: newTestManager(nil),
		gateway:   &MockGateway{},
		relay:     &MockRelay{},
		trades:    &MockTrades{},
		portfolio: &MockPortfolio{id: "main", Value: d("10000")},
		metrics:   newRecordingMetrics(),
	}
	require.NoError(t, f.books.Update(mustSnapshot(t, "SOL/USDC", "raydium",
		[]domain.OrderBookEntry{lvl("99", "10")},
		[]domain.OrderBookEntry{lvl("100", "10"), lvl("101", "10")}, baseTime)))
	require.NoError(t, f.books.Update(mustSnapshot(t, "SOL/USDC", "orca",
		[]domain.OrderBookEntry{lvl("98.5", "10")},
		[]domain.OrderBookEntry{lvl("100.5", "10")}, baseTime)))

	f.exec = NewTradeExecutor(cfg, TradeExecutorDeps{
		Validator: f.validator,
		Books:     f.books,
		Bundles:   NewBundleOptimizer(fastBundleConfig(), f.relay, zap.NewNop(), nil),
		Gateway:   f.gateway,
		Positions: f.positions,
		Trades:    f.trades,
		Portfolio: f.portfolio,
		Logger:    zap.NewNop(),
		Metrics:   f.metrics,
	})
	return f
}

func buy(size string) domain.TradeRequest {
	return domain.TradeRequest{Pair: "SOL/USDC", Side: domain.SideBuy, Size: d(size), Slippage: d("1")}
}

func TestTradeExecutor_DirectExecution(t *testing.T) {
	f := newExecutorFixture(t, directConfig())

	res, err := f.exec.Execute(context.Background(), buy("1"))
	require.NoError(t, err)

	assert.Equal(t, "SOL/USDC", res.Pair)
	assert.Equal(t, "raydium", res.Venue)
	assert.True(t, res.Price.Equal(d("100")))
	assert.Equal(t, 1, res.Attempts)
	assert.NotEmpty(t, res.TransactionID)
	assert.Empty(t, res.BundleID)
	assert.Equal(t, 1, f.gateway.Submits("raydium"))
	assert.Equal(t, 0, f.relay.Submits())

	pos, ok := f.positions.Get("SOL/USDC")
	require.True(t, ok)
	assert.True(t, pos.Size.Equal(d("1")))
	assert.True(t, pos.EntryPrice.Equal(d("100")))

	saved, err := f.trades.ListTrades(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, res.TradeID, saved[0].TradeID)
	assert.Equal(t, 0, f.validator.CacheLen(), "fills invalidate cached validations")
	assert.Equal(t, 1, f.metrics.outcomes["executed"])
}

func TestTradeExecutor_BundlesWhenMEVWorthIt(t *testing.T) {
	cfg := directConfig()
	cfg.MEVEnabled = true
	f := newExecutorFixture(t, cfg)

	// 15 units cross two venues: 10 @ 100 raydium, 5 @ 100.5 orca.
	res, err := f.exec.Execute(context.Background(), buy("15"))
	require.NoError(t, err)

	assert.NotEmpty(t, res.BundleID)
	assert.Equal(t, "raydium,orca", res.Venue)
	assert.True(t, res.MEVValue.IsPositive())
	assert.Equal(t, 1, f.relay.Submits())
	assert.Equal(t, 0, f.gateway.TotalSubmits())

	f.relay.mu.Lock()
	bundle := f.relay.last
	f.relay.mu.Unlock()
	require.Len(t, bundle.Transactions, 2)
	assert.Greater(t, bundle.PriorityFee, DefaultBundleConfig().MinPriorityFee)

	// The orca leg fills 0.5 above the best ask, raydium fills at it.
	assert.Equal(t, "orca", bundle.Transactions[0].Venue)
	assert.True(t, bundle.Transactions[0].ImpactValue.Equal(d("2.5")), bundle.Transactions[0].ImpactValue.String())
	assert.True(t, bundle.Transactions[1].ImpactValue.IsZero())
}

func TestTradeExecutor_WideRouteSubmitsDirectly(t *testing.T) {
	cfg := directConfig()
	cfg.MEVEnabled = true
	f := newExecutorFixture(t, cfg)
	for i, venue := range []string{"jupiter", "meteora", "phoenix", "lifinity"} {
		ask := d("100.1").Add(d("0.1").Mul(d(fmt.Sprint(i))))
		require.NoError(t, f.books.Update(mustSnapshot(t, "SOL/USDC", venue,
			[]domain.OrderBookEntry{lvl("99", "1")},
			[]domain.OrderBookEntry{{Price: ask, Volume: d("1")}}, baseTime)))
	}

	// 10 raydium + 1 on each of the four thin venues + 1 orca: six legs.
	res, err := f.exec.Execute(context.Background(), buy("15"))
	require.NoError(t, err)

	assert.Empty(t, res.BundleID)
	assert.Equal(t, 0, f.relay.Submits())
	assert.Equal(t, 6, f.gateway.TotalSubmits())
	assert.Equal(t, "raydium,jupiter,meteora,phoenix,lifinity,orca", res.Venue)
	assert.Equal(t, BreakerClosed, f.exec.Breaker().Mode())
}

func TestTradeExecutor_SkipsBundleBelowMinimumMEV(t *testing.T) {
	cfg := directConfig()
	cfg.MEVEnabled = true
	f := newExecutorFixture(t, cfg)

	// A single level fill has no price impact, so there is nothing to protect.
	res, err := f.exec.Execute(context.Background(), buy("1"))
	require.NoError(t, err)
	assert.Empty(t, res.BundleID)
	assert.Equal(t, 0, f.relay.Submits())
	assert.Equal(t, 1, f.gateway.Submits("raydium"))
}

func TestTradeExecutor_RetriesTransientFailures(t *testing.T) {
	f := newExecutorFixture(t, directConfig())
	f.gateway.FailSubmits = map[string]int{"raydium": 2}

	res, err := f.exec.Execute(context.Background(), buy("1"))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 2, f.metrics.retries)
}

func TestTradeExecutor_ResumesAfterPartialRoute(t *testing.T) {
	f := newExecutorFixture(t, directConfig())
	f.gateway.FailSubmits = map[string]int{"orca": 1}

	res, err := f.exec.Execute(context.Background(), buy("15"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 1, f.gateway.Submits("raydium"), "confirmed legs are not resubmitted")
	assert.Equal(t, 2, f.gateway.Submits("orca"))
}

func TestTradeExecutor_Exhaustion(t *testing.T) {
	f := newExecutorFixture(t, directConfig())
	f.gateway.FailSubmits = map[string]int{"raydium": 100}

	_, err := f.exec.Execute(context.Background(), buy("1"))
	require.ErrorIs(t, err, domain.ErrTradeExecutionFailed)
	assert.ErrorIs(t, err, domain.ErrSubmissionFailed)

	var terr *domain.TradeError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, PhaseSubmitting, terr.Phase)
	assert.Equal(t, 3, terr.Attempts)
	assert.Equal(t, 3, f.gateway.Submits("raydium"))
	assert.Equal(t, int64(1), f.exec.Breaker().State().Counter)

	_, ok := f.positions.Get("SOL/USDC")
	assert.False(t, ok)
}

func TestTradeExecutor_TimeoutBoundary(t *testing.T) {
	cfg := directConfig()
	cfg.Timeout = 80 * time.Millisecond
	f := newExecutorFixture(t, cfg)
	f.gateway.Pending = true

	start := time.Now()
	_, err := f.exec.Execute(context.Background(), buy("1"))
	elapsed := time.Since(start)

	require.ErrorIs(t, err, domain.ErrTimeout)
	var terr *domain.TradeError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, PhaseConfirming, terr.Phase)
	assert.GreaterOrEqual(t, elapsed, cfg.Timeout)
	assert.Less(t, elapsed, cfg.Timeout+100*time.Millisecond)
	assert.Equal(t, 1, f.metrics.outcomes["timed_out"])
}

func TestTradeExecutor_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cfg := directConfig()
	cfg.Retry.MaxAttempts = 1
	f := newExecutorFixture(t, cfg)
	f.gateway.FailSubmits = map[string]int{"raydium": 1000}

	for i := 0; i < 10; i++ {
		_, err := f.exec.Execute(context.Background(), buy("1"))
		require.ErrorIs(t, err, domain.ErrTradeExecutionFailed)
	}
	assert.Equal(t, BreakerOpen, f.exec.Breaker().Mode())
	assert.Equal(t, 1, f.metrics.trips[ExecutorBreakerName])

	before := f.gateway.TotalSubmits()
	_, err := f.exec.Execute(context.Background(), buy("1"))
	require.ErrorIs(t, err, domain.ErrCircuitBreakerTriggered)
	var terr *domain.TradeError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, PhaseAdmission, terr.Phase)
	assert.Equal(t, before, f.gateway.TotalSubmits(), "open breaker short-circuits before the network")
}

func TestTradeExecutor_ConcurrencyCap(t *testing.T) {
	cfg := directConfig()
	cfg.MaxConcurrent = 2
	f := newExecutorFixture(t, cfg)
	release := make(chan struct{})
	f.gateway.Block = release

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.exec.Execute(context.Background(), buy("1"))
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return f.exec.InFlight() == 2 }, time.Second, time.Millisecond)

	_, err := f.exec.Execute(context.Background(), buy("1"))
	require.ErrorIs(t, err, domain.ErrTooManyExecutions)

	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int64(0), f.exec.InFlight())
	assert.Equal(t, BreakerClosed, f.exec.Breaker().Mode())
}

func TestTradeExecutor_RiskRejectionSkipsNetwork(t *testing.T) {
	f := newExecutorFixture(t, directConfig())
	f.portfolio.Value = d("200")

	_, err := f.exec.Execute(context.Background(), buy("1"))
	require.ErrorIs(t, err, domain.ErrPositionLimitExceeded)

	var terr *domain.TradeError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, PhaseValidating, terr.Phase)
	assert.Equal(t, 0, f.gateway.TotalSubmits())
	assert.Equal(t, 0, f.relay.Submits())
	assert.Equal(t, int64(0), f.exec.Breaker().State().Counter, "risk rejections do not count as executor failures")
	assert.Equal(t, 1, f.metrics.outcomes["rejected"])
}

func TestTradeExecutor_RejectsTradesOnInactivePosition(t *testing.T) {
	f := newExecutorFixture(t, directConfig())
	_, err := f.positions.Open("SOL/USDC", d("1"), d("100"))
	require.NoError(t, err)
	require.ErrorIs(t, f.positions.Update("SOL/USDC", d("1"), d("70")), domain.ErrEmergencyClosure)

	_, err = f.exec.Execute(context.Background(), buy("2"))
	require.ErrorIs(t, err, domain.ErrPositionInactive)
	assert.False(t, domain.IsRetryable(err))

	var terr *domain.TradeError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, PhaseValidating, terr.Phase)
	assert.Equal(t, 0, f.gateway.Started())
	assert.Equal(t, int64(0), f.exec.Breaker().State().Counter)

	pos, ok := f.positions.Get("SOL/USDC")
	require.True(t, ok)
	assert.Equal(t, domain.PositionEmergencyClosing, pos.Status)
	assert.True(t, pos.Size.Equal(d("1")))
}

func TestTradeExecutor_SurfacesFillThePositionRejects(t *testing.T) {
	f := newExecutorFixture(t, directConfig())
	_, err := f.positions.Open("SOL/USDC", d("1"), d("100"))
	require.NoError(t, err)
	release := make(chan struct{})
	f.gateway.Block = release

	type outcome struct {
		res domain.TradeResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := f.exec.Execute(context.Background(), buy("1"))
		done <- outcome{res, err}
	}()
	require.Eventually(t, func() bool { return f.gateway.Started() == 1 }, time.Second, time.Millisecond)

	// The position turns inactive while the trade is on the wire.
	require.ErrorIs(t, f.positions.Update("SOL/USDC", d("1"), d("70")), domain.ErrEmergencyClosure)
	close(release)

	out := <-done
	require.ErrorIs(t, out.err, domain.ErrPositionInactive)
	assert.NotEmpty(t, out.res.TradeID, "the executed trade is still reported")
	assert.Equal(t, 1, f.metrics.persist["position_fill"])

	saved, err := f.trades.ListTrades(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, saved, 1)
}

func TestTradeExecutor_HalfOpenAdmitsOneTrade(t *testing.T) {
	cfg := directConfig()
	cfg.Retry.MaxAttempts = 1
	cfg.Breaker = FailureBreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, CoolDown: time.Second}
	f := newExecutorFixture(t, cfg)
	c := newClock()
	f.exec.breaker.timeNow = c.Now
	f.gateway.FailSubmits = map[string]int{"raydium": 1}

	_, err := f.exec.Execute(context.Background(), buy("1"))
	require.ErrorIs(t, err, domain.ErrTradeExecutionFailed)
	require.Equal(t, BreakerOpen, f.exec.Breaker().Mode())
	c.Advance(2 * time.Second)

	// A risk rejection hands the probe slot back.
	_, err = f.exec.Execute(context.Background(), buy("30"))
	require.ErrorIs(t, err, domain.ErrPositionLimitExceeded)

	release := make(chan struct{})
	f.gateway.Block = release
	done := make(chan error, 1)
	go func() {
		_, err := f.exec.Execute(context.Background(), buy("1"))
		done <- err
	}()
	require.Eventually(t, func() bool { return f.gateway.Started() == 2 }, time.Second, time.Millisecond)

	_, err = f.exec.Execute(context.Background(), buy("1"))
	require.ErrorIs(t, err, domain.ErrCircuitBreakerTriggered)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, BreakerClosed, f.exec.Breaker().Mode())
}

func TestTradeExecutor_InvalidRequest(t *testing.T) {
	f := newExecutorFixture(t, directConfig())

	_, err := f.exec.Execute(context.Background(), domain.TradeRequest{Pair: "SOL/USDC", Size: d("0")})
	assert.ErrorIs(t, err, domain.ErrInvalidSize)

	_, err = f.exec.Execute(context.Background(), domain.TradeRequest{Pair: "JUP/USDC", Size: d("1")})
	assert.ErrorIs(t, err, domain.ErrNoBook)
	assert.Equal(t, 0, f.gateway.TotalSubmits())
}

func TestTradeExecutor_PersistFailureKeepsResult(t *testing.T) {
	f := newExecutorFixture(t, directConfig())
	f.trades.Err = fmt.Errorf("database is locked")

	res, err := f.exec.Execute(context.Background(), buy("1"))
	require.NoError(t, err)
	assert.NotEmpty(t, res.TradeID)
	assert.Equal(t, 1, f.metrics.persist["trade"])
}
