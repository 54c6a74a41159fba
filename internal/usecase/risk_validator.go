package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitos/dex_execution_engine/internal/domain"
	"go.uber.org/zap"
)

var hundred = decimal.NewFromInt(100)

type RiskConfig struct {
	MaxPositionFraction decimal.Decimal // trade value / portfolio value
	MaxExposureFraction decimal.Decimal // (exposure + trade value) / portfolio value
	MinTradeValue       decimal.Decimal
	MaxTradeValue       decimal.Decimal
	MaxPositionCount    int
	Timeout             time.Duration // portfolio lookups
	CacheTTL            time.Duration
	CacheSize           int
	Breaker             ExposureBreakerConfig
}

func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		MaxPositionFraction: decimal.NewFromFloat(0.20),
		MaxExposureFraction: decimal.NewFromFloat(0.80),
		MinTradeValue:       decimal.NewFromInt(10),
		MaxTradeValue:       decimal.NewFromInt(100_000),
		MaxPositionCount:    10,
		Timeout:             100 * time.Millisecond,
		CacheTTL:            100 * time.Millisecond,
		CacheSize:           1024,
		Breaker:             DefaultExposureBreakerConfig(),
	}
}

// PriceSource supplies current prices per pair for portfolio valuation.
type PriceSource func() map[string]decimal.Decimal

type validationKey struct {
	portfolio string
	size      string
	pair      string
}

type cachedValidation struct {
	result  domain.ValidationResult
	stored  time.Time
	expires time.Time
}

type portfolioState struct {
	value     decimal.Decimal
	exposure  decimal.Decimal
	positions int
}

// RiskValidator gates every trade against position, exposure and count
// limits, behind the exposure circuit breaker.
type RiskValidator struct {
	cfg     RiskConfig
	logger  *zap.Logger
	metrics Metrics
	breaker *ExposureBreaker
	prices  PriceSource
	timeNow func() time.Time

	cacheMu    sync.Mutex
	cache      map[validationKey]cachedValidation
	generation uint64
}

func NewRiskValidator(cfg RiskConfig, prices PriceSource, logger *zap.Logger, metrics Metrics) *RiskValidator {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1
	}
	metrics = metricsOrNop(metrics)
	return &RiskValidator{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		breaker: NewExposureBreaker(cfg.Breaker, logger, metrics),
		prices:  prices,
		timeNow: time.Now,
		cache:   make(map[validationKey]cachedValidation),
	}
}

// Breaker exposes the exposure breaker for status reporting.
func (v *RiskValidator) Breaker() *ExposureBreaker {
	return v.breaker
}

// Validate checks a trade of tradeValue (quote currency) on pair against
// portfolio. Limit rejections return the computed result alongside a
// *domain.RiskError.
func (v *RiskValidator) Validate(ctx context.Context, portfolio domain.Portfolio, tradeValue decimal.Decimal, pair string) (result domain.ValidationResult, err error) {
	start := v.timeNow()
	cached := false
	defer func() {
		outcome := "valid"
		if err != nil {
			outcome = validationOutcome(err)
			v.logger.Warn("Trade validation rejected",
				zap.String("pair", pair),
				zap.String("trade_value", tradeValue.String()),
				zap.String("outcome", outcome),
				zap.Error(err))
		}
		v.metrics.ValidationObserved(v.timeNow().Sub(start), outcome, cached)
	}()

	if err := v.breaker.Allow(); err != nil {
		return domain.ValidationResult{}, err
	}

	if tradeValue.LessThan(v.cfg.MinTradeValue) {
		return domain.ValidationResult{}, &domain.RiskError{Reason: domain.ErrInvalidTradeSize, Pair: pair, Value: tradeValue, Limit: v.cfg.MinTradeValue}
	}
	if tradeValue.GreaterThan(v.cfg.MaxTradeValue) {
		return domain.ValidationResult{}, &domain.RiskError{Reason: domain.ErrInvalidTradeSize, Pair: pair, Value: tradeValue, Limit: v.cfg.MaxTradeValue}
	}

	key := validationKey{portfolio: portfolio.ID(), size: tradeValue.String(), pair: pair}
	if res, ok := v.lookup(key, start); ok {
		cached = true
		return res, nil
	}
	v.cacheMu.Lock()
	gen := v.generation
	v.cacheMu.Unlock()

	state, err := v.fetch(ctx, portfolio, pair)
	if err != nil {
		return domain.ValidationResult{}, err
	}

	if !state.value.IsPositive() {
		return domain.ValidationResult{}, &domain.RiskError{Reason: domain.ErrPositionLimitExceeded, Pair: pair, Value: tradeValue, Limit: decimal.Zero}
	}
	exposureFrac := state.exposure.Div(state.value)
	if err := v.breaker.Observe(exposureFrac); err != nil {
		return domain.ValidationResult{}, err
	}

	result = domain.ValidationResult{Valid: true, Timestamp: start}
	positionFrac := tradeValue.Div(state.value)
	newExposureFrac := state.exposure.Add(tradeValue).Div(state.value)
	result.AddMetric(percentMetric("position_size_pct", positionFrac, v.cfg.MaxPositionFraction))
	result.AddMetric(percentMetric("exposure_pct", newExposureFrac, v.cfg.MaxExposureFraction))
	result.AddMetric(percentMetric("breaker_exposure_pct", exposureFrac, v.cfg.Breaker.Threshold))
	result.AddMetric(domain.ValidationMetric{
		Name:      "position_count",
		Value:     decimal.NewFromInt(int64(state.positions)),
		Threshold: decimal.NewFromInt(int64(v.cfg.MaxPositionCount)),
		Severity:  severity(decimal.NewFromInt(int64(state.positions+1)), decimal.NewFromInt(int64(v.cfg.MaxPositionCount))),
	})

	switch {
	case positionFrac.GreaterThan(v.cfg.MaxPositionFraction):
		err = &domain.RiskError{Reason: domain.ErrPositionLimitExceeded, Pair: pair, Value: positionFrac, Limit: v.cfg.MaxPositionFraction}
	case newExposureFrac.GreaterThan(v.cfg.MaxExposureFraction):
		err = &domain.RiskError{Reason: domain.ErrExposureLimitExceeded, Pair: pair, Value: newExposureFrac, Limit: v.cfg.MaxExposureFraction}
	case v.cfg.MaxPositionCount > 0 && state.positions >= v.cfg.MaxPositionCount:
		err = &domain.RiskError{
			Reason: fmt.Errorf("%w: position count", domain.ErrPositionLimitExceeded),
			Pair:   pair,
			Value:  decimal.NewFromInt(int64(state.positions)),
			Limit:  decimal.NewFromInt(int64(v.cfg.MaxPositionCount)),
		}
	}
	if err != nil {
		result.Fail(err.Error())
		return result, err
	}

	v.store(key, result, gen)
	return result, nil
}

// fetch reads the portfolio under the validation timeout. The lookup runs in
// its own goroutine so a collaborator that ignores ctx cannot stall the caller.
func (v *RiskValidator) fetch(ctx context.Context, portfolio domain.Portfolio, pair string) (portfolioState, error) {
	ctx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()

	type fetched struct {
		state portfolioState
		err   error
	}
	done := make(chan fetched, 1)
	go func() {
		var prices map[string]decimal.Decimal
		if v.prices != nil {
			prices = v.prices()
		}
		var f fetched
		f.state.value, f.err = portfolio.CurrentPortfolioValue(ctx, prices)
		if f.err != nil {
			f.err = fmt.Errorf("portfolio value for %s: %w", pair, f.err)
			done <- f
			return
		}
		f.state.exposure, f.err = portfolio.CurrentExposure(ctx)
		if f.err != nil {
			f.err = fmt.Errorf("portfolio exposure for %s: %w", pair, f.err)
			done <- f
			return
		}
		f.state.positions, f.err = portfolio.PositionCount(ctx)
		if f.err != nil {
			f.err = fmt.Errorf("position count for %s: %w", pair, f.err)
		}
		done <- f
	}()

	select {
	case f := <-done:
		if f.err != nil && errors.Is(f.err, context.DeadlineExceeded) && ctx.Err() != nil {
			return portfolioState{}, fmt.Errorf("%w: %v", domain.ErrValidationTimeout, f.err)
		}
		return f.state, f.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return portfolioState{}, fmt.Errorf("%w: portfolio lookup for %s exceeded %s", domain.ErrValidationTimeout, pair, v.cfg.Timeout)
		}
		return portfolioState{}, ctx.Err()
	}
}

func (v *RiskValidator) lookup(key validationKey, now time.Time) (domain.ValidationResult, bool) {
	v.cacheMu.Lock()
	defer v.cacheMu.Unlock()
	e, ok := v.cache[key]
	if !ok {
		return domain.ValidationResult{}, false
	}
	if !now.Before(e.expires) {
		delete(v.cache, key)
		return domain.ValidationResult{}, false
	}
	res := e.result
	res.Metrics = append([]domain.ValidationMetric(nil), e.result.Metrics...)
	return res, true
}

// store caches a valid result unless the cache was invalidated while it was
// being computed.
func (v *RiskValidator) store(key validationKey, result domain.ValidationResult, gen uint64) {
	v.cacheMu.Lock()
	defer v.cacheMu.Unlock()
	if gen != v.generation {
		return
	}
	now := v.timeNow()
	if len(v.cache) >= v.cfg.CacheSize {
		v.evictLocked(now)
	}
	v.cache[key] = cachedValidation{result: result, stored: now, expires: now.Add(v.cfg.CacheTTL)}
}

func (v *RiskValidator) evictLocked(now time.Time) {
	var oldestKey validationKey
	var oldest time.Time
	for k, e := range v.cache {
		if !now.Before(e.expires) {
			delete(v.cache, k)
			continue
		}
		if oldest.IsZero() || e.stored.Before(oldest) {
			oldest, oldestKey = e.stored, k
		}
	}
	if len(v.cache) >= v.cfg.CacheSize {
		delete(v.cache, oldestKey)
	}
}

// Invalidate drops every cached result. Called on any position or balance
// mutation.
func (v *RiskValidator) Invalidate() {
	v.cacheMu.Lock()
	v.cache = make(map[validationKey]cachedValidation)
	v.generation++
	v.cacheMu.Unlock()
}

func (v *RiskValidator) CacheLen() int {
	v.cacheMu.Lock()
	defer v.cacheMu.Unlock()
	return len(v.cache)
}

func percentMetric(name string, frac, limit decimal.Decimal) domain.ValidationMetric {
	return domain.ValidationMetric{
		Name:      name,
		Value:     frac.Mul(hundred).Round(4),
		Threshold: limit.Mul(hundred),
		Severity:  severity(frac, limit),
	}
}

// severity is critical above the limit and a warning past 80% of it.
func severity(value, limit decimal.Decimal) domain.Severity {
	switch {
	case value.GreaterThan(limit):
		return domain.SeverityCritical
	case value.GreaterThan(limit.Mul(decimal.NewFromFloat(0.8))):
		return domain.SeverityWarning
	default:
		return domain.SeverityInfo
	}
}

func validationOutcome(err error) string {
	switch {
	case errors.Is(err, domain.ErrCircuitBreakerTriggered):
		return "breaker_open"
	case errors.Is(err, domain.ErrValidationTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrPositionLimitExceeded):
		return "position_limit"
	case errors.Is(err, domain.ErrExposureLimitExceeded):
		return "exposure_limit"
	case errors.Is(err, domain.ErrInvalidTradeSize):
		return "trade_size"
	default:
		return "error"
	}
}
