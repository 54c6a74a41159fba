package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vitos/dex_execution_engine/internal/domain"
	"github.com/vitos/dex_execution_engine/internal/retry"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Executor phases, reported in domain.TradeError and phase metrics.
const (
	PhaseAdmission  = "admission"
	PhaseValidating = "validating"
	PhaseRouting    = "routing"
	PhaseBundling   = "bundling"
	PhaseSubmitting = "submitting"
	PhaseConfirming = "confirming"
)

// Footprint of a single AMM swap leg, used for the bundle ordering heuristic.
const (
	swapAccountCount     = 8
	swapInstructionCount = 2
)

type ExecutorConfig struct {
	Timeout             time.Duration // end-to-end budget, measured from validation
	MaxConcurrent       int64
	LargeTradeThreshold decimal.Decimal // notional at which bundling is considered
	MEVEnabled          bool
	MinMEVProfit        decimal.Decimal // quote currency
	PollInterval        time.Duration
	Retry               retry.Policy
	Breaker             FailureBreakerConfig
}

func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		Timeout:             500 * time.Millisecond,
		MaxConcurrent:       50,
		LargeTradeThreshold: decimal.NewFromInt(10_000),
		MEVEnabled:          true,
		MinMEVProfit:        decimal.NewFromFloat(0.001),
		PollInterval:        50 * time.Millisecond,
		Retry:               retry.DefaultPolicy(),
		Breaker:             DefaultFailureBreakerConfig(),
	}
}

// TradeExecutorDeps are the collaborators of a TradeExecutor. Bundles,
// Trades and Portfolio may be nil.
type TradeExecutorDeps struct {
	Validator *RiskValidator
	Books     *OrderBookStore
	Bundles   *BundleOptimizer
	Gateway   domain.VenueGateway
	Positions *PositionManager
	Trades    domain.TradeRepository
	Portfolio domain.Portfolio // used when a request carries none
	Logger    *zap.Logger
	Metrics   Metrics
}

// cashAdjuster is implemented by portfolios that track a settled balance.
type cashAdjuster interface {
	AdjustCash(delta decimal.Decimal)
}

// TradeExecutor runs one trade end to end: validate, route, optionally
// bundle, submit, confirm, then record the fill.
type TradeExecutor struct {
	cfg       ExecutorConfig
	validator *RiskValidator
	books     *OrderBookStore
	bundles   *BundleOptimizer
	gateway   domain.VenueGateway
	positions *PositionManager
	trades    domain.TradeRepository
	portfolio domain.Portfolio
	breaker   *FailureBreaker
	inflight  *semaphore.Weighted
	active    atomic.Int64
	logger    *zap.Logger
	metrics   Metrics
	timeNow   func() time.Time
}

func NewTradeExecutor(cfg ExecutorConfig, deps TradeExecutorDeps) *TradeExecutor {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	metrics := metricsOrNop(deps.Metrics)
	return &TradeExecutor{
		cfg:       cfg,
		validator: deps.Validator,
		books:     deps.Books,
		bundles:   deps.Bundles,
		gateway:   deps.Gateway,
		positions: deps.Positions,
		trades:    deps.Trades,
		portfolio: deps.Portfolio,
		breaker:   NewFailureBreaker(cfg.Breaker, deps.Logger, metrics),
		inflight:  semaphore.NewWeighted(cfg.MaxConcurrent),
		logger:    deps.Logger,
		metrics:   metrics,
		timeNow:   time.Now,
	}
}

func (e *TradeExecutor) Breaker() *FailureBreaker { return e.breaker }

// InFlight returns the number of executions currently running.
func (e *TradeExecutor) InFlight() int64 { return e.active.Load() }

// execution carries the per-trade state through the phases.
type execution struct {
	order     *domain.Order
	plan      domain.ExecutionPlan
	notional  decimal.Decimal
	mevValue  decimal.Decimal
	useBundle bool
	phase     string
	attempts  int
	bundleID  string
	txIDs     []string
	realized  decimal.Decimal // MEV value reported by the relay
}

// Execute runs req within the execution budget. Risk rejections and
// admission failures never reach the network.
func (e *TradeExecutor) Execute(ctx context.Context, req domain.TradeRequest) (domain.TradeResult, error) {
	start := e.timeNow()

	releaseProbe, err := e.breaker.Admit()
	if err != nil {
		e.metrics.TradeCompleted(req.Pair, "breaker_open", 0)
		return domain.TradeResult{}, &domain.TradeError{Pair: req.Pair, Venue: req.Venue, Phase: PhaseAdmission, Err: err}
	}
	// Executions that end without a breaker outcome hand the probe back.
	defer releaseProbe()

	if !e.inflight.TryAcquire(1) {
		e.metrics.TradeCompleted(req.Pair, "rejected", 0)
		return domain.TradeResult{}, &domain.TradeError{
			Pair:  req.Pair,
			Venue: req.Venue,
			Phase: PhaseAdmission,
			Err:   fmt.Errorf("%w: limit %d", domain.ErrTooManyExecutions, e.cfg.MaxConcurrent),
		}
	}
	e.active.Add(1)
	defer func() {
		e.active.Add(-1)
		e.inflight.Release(1)
	}()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	order, err := domain.NewOrder(req, start)
	if err != nil {
		e.metrics.TradeCompleted(req.Pair, "invalid", 0)
		return domain.TradeResult{}, &domain.TradeError{Pair: req.Pair, Venue: req.Venue, Phase: PhaseValidating, Err: err}
	}
	ex := &execution{order: order, phase: PhaseValidating}
	e.transition(order, domain.OrderValidating)

	if err := e.checkPosition(order.Pair); err != nil {
		return domain.TradeResult{}, e.fail(ex, start, err, false)
	}
	if err := e.validate(ctx, ex, req.Portfolio); err != nil {
		// Risk rejections are the validator's concern, not an executor fault.
		return domain.TradeResult{}, e.fail(ex, start, err, false)
	}

	ex.phase = PhaseRouting
	phaseStart := e.timeNow()
	plan, err := e.books.GetBestExecution(order)
	if err != nil {
		return domain.TradeResult{}, e.fail(ex, start, err, true)
	}
	ex.plan = plan
	e.metrics.PhaseDuration(PhaseRouting, e.timeNow().Sub(phaseStart))
	e.transition(order, domain.OrderExecuting)

	ex.phase = PhaseBundling
	e.decideBundling(ex)

	if err := e.submitWithRetry(ctx, ex); err != nil {
		return domain.TradeResult{}, e.fail(ex, start, err, true)
	}

	e.transition(order, domain.OrderExecuted)
	e.breaker.RecordSuccess()
	return e.complete(ctx, ex, start, req.Portfolio)
}

// checkPosition rejects trades on a pair whose position can no longer take
// fills, e.g. one awaiting emergency closure.
func (e *TradeExecutor) checkPosition(pair string) error {
	if e.positions == nil {
		return nil
	}
	pos, ok := e.positions.Get(pair)
	if !ok || pos.Status.Active() || pos.Status == domain.PositionClosed {
		return nil
	}
	return fmt.Errorf("%w: %s position is %s", domain.ErrPositionInactive, pair, pos.Status)
}

func (e *TradeExecutor) validate(ctx context.Context, ex *execution, portfolio domain.Portfolio) error {
	start := e.timeNow()
	order := ex.order

	price := order.Price
	if !price.IsPositive() {
		mid, ok := e.books.MidPrice(order.Pair)
		if !ok {
			return fmt.Errorf("%w: no fresh mid price for %s", domain.ErrNoBook, order.Pair)
		}
		price = mid
	}
	ex.notional = order.Size.Mul(price)

	if portfolio == nil {
		portfolio = e.portfolio
	}
	if portfolio == nil {
		return fmt.Errorf("%w: no portfolio for %s", domain.ErrInvalidOrder, order.Pair)
	}
	if _, err := e.validator.Validate(ctx, portfolio, ex.notional, order.Pair); err != nil {
		return err
	}
	e.metrics.PhaseDuration(PhaseValidating, e.timeNow().Sub(start))
	return nil
}

// decideBundling bundles large trades, or every trade when MEV protection is
// on, as long as the estimated MEV value clears the minimum and the route
// fits in one bundle.
func (e *TradeExecutor) decideBundling(ex *execution) {
	ex.mevValue = ex.notional.Mul(ex.plan.TotalPriceImpact).Div(hundred)
	if e.bundles == nil {
		return
	}
	wanted := e.cfg.MEVEnabled || ex.notional.GreaterThanOrEqual(e.cfg.LargeTradeThreshold)
	if !wanted {
		return
	}
	if limit := e.bundles.MaxBundleSize(); len(ex.plan.Steps) > limit {
		e.logger.Debug("Route too wide for a bundle, submitting directly",
			zap.String("order_id", ex.order.ID),
			zap.Int("legs", len(ex.plan.Steps)),
			zap.Int("max_bundle_size", limit))
		return
	}
	if ex.mevValue.LessThan(e.cfg.MinMEVProfit) {
		e.logger.Debug("MEV opportunity below minimum, submitting directly",
			zap.String("order_id", ex.order.ID),
			zap.String("mev_value", ex.mevValue.String()))
		return
	}
	ex.useBundle = true
}

func (e *TradeExecutor) transactions(ex *execution) []domain.Transaction {
	tolerance := ex.order.Slippage.Div(hundred)
	txs := make([]domain.Transaction, 0, len(ex.plan.Steps))
	for _, step := range ex.plan.Steps {
		limit := step.Price.Mul(decimal.NewFromInt(1).Add(tolerance))
		if ex.order.Side == domain.SideSell {
			limit = step.Price.Mul(decimal.NewFromInt(1).Sub(tolerance))
		}
		txs = append(txs, domain.Transaction{
			ID:               uuid.NewString(),
			Venue:            step.Venue,
			Pair:             ex.order.Pair,
			Side:             ex.order.Side,
			Amount:           step.Amount,
			LimitPrice:       limit,
			AccountCount:     swapAccountCount,
			InstructionCount: swapInstructionCount,
			ImpactValue:      step.Amount.Mul(step.Price.Sub(ex.plan.ReferencePrice).Abs()),
		})
	}
	return txs
}

// submitWithRetry runs submit+confirm attempts under the retry policy. Legs
// confirmed by an earlier attempt are not resubmitted.
func (e *TradeExecutor) submitWithRetry(ctx context.Context, ex *execution) error {
	txs := e.transactions(ex)
	confirmed := make(map[int]string, len(txs))
	priorityFee := uint64(ex.mevValue.Mul(decimal.NewFromInt(1_000_000)).IntPart())

	attempts, err := retry.Do(ctx, e.cfg.Retry, func(ctx context.Context, attempt int) error {
		if ex.useBundle {
			return e.attemptBundle(ctx, ex, txs, priorityFee)
		}
		return e.attemptDirect(ctx, ex, txs, confirmed)
	},
		retry.RetryIf(domain.IsRetryable),
		retry.OnRetry(func(attempt int, err error, delay time.Duration) {
			e.metrics.TradeRetry(ex.order.Pair)
			e.logger.Warn("Retrying trade execution",
				zap.String("order_id", ex.order.ID),
				zap.String("pair", ex.order.Pair),
				zap.String("phase", ex.phase),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", delay),
				zap.Error(err))
		}))
	ex.attempts = attempts
	if err == nil {
		if !ex.useBundle {
			ex.txIDs = ex.txIDs[:0]
			for i := range txs {
				ex.txIDs = append(ex.txIDs, confirmed[i])
			}
		}
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s budget spent after %d attempt(s): %w", domain.ErrTimeout, e.cfg.Timeout, attempts, err)
	}
	return fmt.Errorf("%w: %w", domain.ErrTradeExecutionFailed, err)
}

func (e *TradeExecutor) attemptBundle(ctx context.Context, ex *execution, txs []domain.Transaction, priorityFee uint64) error {
	ex.phase = PhaseBundling
	bundle, err := e.bundles.CreateBundle(txs, priorityFee)
	if err != nil {
		return err
	}

	ex.phase = PhaseSubmitting
	start := e.timeNow()
	id, err := e.bundles.Submit(ctx, bundle)
	if err != nil {
		return err
	}
	e.metrics.PhaseDuration(PhaseSubmitting, e.timeNow().Sub(start))

	ex.phase = PhaseConfirming
	start = e.timeNow()
	report, err := e.bundles.AwaitConfirmation(ctx, id)
	if err != nil {
		return err
	}
	e.metrics.PhaseDuration(PhaseConfirming, e.timeNow().Sub(start))
	ex.bundleID = id
	ex.txIDs = []string{report.TransactionID}
	ex.realized = report.MEVValue
	return nil
}

func (e *TradeExecutor) attemptDirect(ctx context.Context, ex *execution, txs []domain.Transaction, confirmed map[int]string) error {
	if e.gateway == nil {
		return fmt.Errorf("%w: no venue gateway configured", domain.ErrTradeExecutionFailed)
	}
	for i, tx := range txs {
		if _, ok := confirmed[i]; ok {
			continue
		}

		ex.phase = PhaseSubmitting
		start := e.timeNow()
		id, err := e.gateway.SubmitTransaction(ctx, tx)
		if err != nil {
			return fmt.Errorf("submit %s leg on %s: %w", tx.Pair, tx.Venue, err)
		}
		e.metrics.PhaseDuration(PhaseSubmitting, e.timeNow().Sub(start))

		ex.phase = PhaseConfirming
		start = e.timeNow()
		report, err := awaitStatus(ctx, e.cfg.PollInterval, func(ctx context.Context) (domain.StatusReport, error) {
			return e.gateway.TransactionStatus(ctx, id)
		})
		if err != nil {
			return fmt.Errorf("confirm %s leg on %s: %w", tx.Pair, tx.Venue, err)
		}
		e.metrics.PhaseDuration(PhaseConfirming, e.timeNow().Sub(start))
		if report.TransactionID == "" {
			report.TransactionID = id
		}
		confirmed[i] = report.TransactionID
	}
	return nil
}

func (e *TradeExecutor) complete(ctx context.Context, ex *execution, start time.Time, portfolio domain.Portfolio) (domain.TradeResult, error) {
	order := ex.order
	now := e.timeNow()

	venues := make([]string, 0, len(ex.plan.Steps))
	for _, s := range ex.plan.Steps {
		venues = append(venues, s.Venue)
	}
	mev := ex.realized
	if mev.IsZero() {
		mev = ex.mevValue
	}
	result := domain.TradeResult{
		TradeID:       uuid.NewString(),
		OrderID:       order.ID,
		Pair:          order.Pair,
		Venue:         strings.Join(venues, ","),
		Side:          order.Side,
		Size:          order.Size,
		Price:         ex.plan.EstimatedPrice,
		TransactionID: strings.Join(ex.txIDs, ","),
		BundleID:      ex.bundleID,
		ExecutionTime: now.Sub(start),
		MEVValue:      mev,
		Attempts:      ex.attempts,
		ExecutedAt:    now,
	}

	// Bookkeeping must not be cut short by the execution budget.
	bookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()

	var postErr error
	if e.positions != nil {
		if _, err := e.positions.ApplyFill(bookCtx, order.Pair, order.Side, order.Size, ex.plan.EstimatedPrice); err != nil {
			var emergency *domain.EmergencyClosureError
			if errors.As(err, &emergency) {
				postErr = fmt.Errorf("trade %s executed: %w", result.TradeID, err)
			} else {
				// The fill happened on-chain; the caller must reconcile the position.
				e.metrics.PersistFailed("position_fill")
				e.logger.Error("Failed to apply fill to position",
					zap.String("pair", order.Pair),
					zap.String("trade_id", result.TradeID),
					zap.Error(err))
				postErr = fmt.Errorf("trade %s executed but position not updated: %w", result.TradeID, err)
			}
		}
	}
	if portfolio == nil {
		portfolio = e.portfolio
	}
	if cash, ok := portfolio.(cashAdjuster); ok {
		notional := ex.plan.Notional()
		if order.Side == domain.SideBuy {
			notional = notional.Neg()
		}
		cash.AdjustCash(notional)
	}
	e.validator.Invalidate()

	if e.trades != nil {
		if err := e.trades.SaveTrade(bookCtx, result); err != nil {
			e.metrics.PersistFailed("trade")
			e.logger.Error("Failed to persist trade result",
				zap.String("trade_id", result.TradeID),
				zap.String("pair", result.Pair),
				zap.Error(err))
		}
	}

	e.metrics.MEVValue(order.Pair, mev.InexactFloat64())
	e.metrics.TradeCompleted(order.Pair, "executed", result.ExecutionTime)
	e.logger.Info("Trade executed",
		zap.String("trade_id", result.TradeID),
		zap.String("order_id", order.ID),
		zap.String("pair", order.Pair),
		zap.String("side", string(order.Side)),
		zap.String("size", order.Size.String()),
		zap.String("price", result.Price.String()),
		zap.String("venue", result.Venue),
		zap.Bool("bundled", ex.useBundle),
		zap.Int("attempts", ex.attempts),
		zap.Duration("execution_time", result.ExecutionTime))
	return result, postErr
}

// fail finalizes a failed execution. countFailure feeds the executor breaker.
func (e *TradeExecutor) fail(ex *execution, start time.Time, err error, countFailure bool) error {
	e.transition(ex.order, domain.OrderFailed)
	if countFailure {
		e.breaker.RecordFailure()
	}

	outcome := "failed"
	if errors.Is(err, domain.ErrTimeout) {
		outcome = "timed_out"
	} else if ex.phase == PhaseValidating {
		outcome = "rejected"
	}
	elapsed := e.timeNow().Sub(start)
	e.metrics.TradeCompleted(ex.order.Pair, outcome, elapsed)

	terr := &domain.TradeError{
		OrderID:  ex.order.ID,
		Pair:     ex.order.Pair,
		Venue:    ex.order.Venue,
		Phase:    ex.phase,
		Attempts: ex.attempts,
		Err:      err,
	}
	fields := []zap.Field{
		zap.String("order_id", ex.order.ID),
		zap.String("pair", ex.order.Pair),
		zap.String("phase", ex.phase),
		zap.String("outcome", outcome),
		zap.Int("attempts", ex.attempts),
		zap.Duration("elapsed", elapsed),
		zap.Error(err),
	}
	if outcome == "rejected" {
		e.logger.Warn("Trade rejected", fields...)
	} else {
		e.logger.Error("Trade execution failed", fields...)
	}
	return terr
}

func (e *TradeExecutor) transition(order *domain.Order, to domain.OrderStatus) {
	if err := order.Transition(to, e.timeNow()); err != nil {
		e.logger.Error("Invalid order transition", zap.String("order_id", order.ID), zap.Error(err))
	}
}
