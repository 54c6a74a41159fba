package usecase

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitos/dex_execution_engine/internal/domain"
	"go.uber.org/zap"
)

const (
	ExposureBreakerName = "exposure"
	ExecutorBreakerName = "executor"
)

type ExposureBreakerConfig struct {
	Threshold decimal.Decimal // exposure / portfolio value
	CoolDown  time.Duration
}

func DefaultExposureBreakerConfig() ExposureBreakerConfig {
	return ExposureBreakerConfig{
		Threshold: decimal.NewFromFloat(0.95),
		CoolDown:  60 * time.Second,
	}
}

// ExposureBreaker guards the risk domain. It trips when the observed exposure
// fraction reaches Threshold and only closes again when an observation made
// after CoolDown is back under it.
type ExposureBreaker struct {
	cfg     ExposureBreakerConfig
	logger  *zap.Logger
	metrics Metrics
	timeNow func() time.Time

	mu       sync.Mutex
	open     bool
	counter  int64
	lastTrip time.Time
}

func NewExposureBreaker(cfg ExposureBreakerConfig, logger *zap.Logger, metrics Metrics) *ExposureBreaker {
	return &ExposureBreaker{
		cfg:     cfg,
		logger:  logger,
		metrics: metricsOrNop(metrics),
		timeNow: time.Now,
	}
}

func (b *ExposureBreaker) errLocked() error {
	return &domain.CircuitBreakerError{Breaker: ExposureBreakerName, Counter: b.counter, LastTrip: b.lastTrip}
}

// Allow fails fast while the breaker is open and still cooling down. Once the
// cool-down has elapsed the caller may observe fresh exposure.
func (b *ExposureBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open && b.timeNow().Sub(b.lastTrip) < b.cfg.CoolDown {
		return b.errLocked()
	}
	return nil
}

// Observe records an exposure fraction. It trips the breaker at or above the
// threshold and resets it when a post-cool-down observation is healthy.
func (b *ExposureBreaker) Observe(fraction decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.timeNow()

	if fraction.GreaterThanOrEqual(b.cfg.Threshold) {
		b.open = true
		b.counter++
		b.lastTrip = now
		b.metrics.BreakerTripped(ExposureBreakerName)
		b.logger.Error("Circuit breaker tripped",
			zap.String("breaker", ExposureBreakerName),
			zap.String("exposure", fraction.StringFixed(4)),
			zap.String("threshold", b.cfg.Threshold.String()),
			zap.Int64("counter", b.counter))
		return b.errLocked()
	}

	if b.open {
		if now.Sub(b.lastTrip) < b.cfg.CoolDown {
			return b.errLocked()
		}
		b.open = false
		b.counter = 0
		b.logger.Info("Circuit breaker reset",
			zap.String("breaker", ExposureBreakerName),
			zap.String("exposure", fraction.StringFixed(4)))
	}
	return nil
}

func (b *ExposureBreaker) State() domain.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return domain.BreakerState{
		Name:      ExposureBreakerName,
		Open:      b.open,
		Counter:   b.counter,
		LastTrip:  b.lastTrip,
		Threshold: b.cfg.Threshold.InexactFloat64(),
	}
}

// BreakerMode is the FailureBreaker state.
type BreakerMode int

const (
	BreakerClosed BreakerMode = iota
	BreakerOpen
	BreakerHalfOpen
)

func (m BreakerMode) String() string {
	switch m {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

type FailureBreakerConfig struct {
	FailureThreshold int // consecutive failures before opening
	SuccessThreshold int // probe successes before closing
	CoolDown         time.Duration
}

func DefaultFailureBreakerConfig() FailureBreakerConfig {
	return FailureBreakerConfig{
		FailureThreshold: 10,
		SuccessThreshold: 1,
		CoolDown:         30 * time.Second,
	}
}

// FailureBreaker guards the executor domain by counting consecutive terminal
// trade failures. Safe for concurrent use.
type FailureBreaker struct {
	cfg     FailureBreakerConfig
	logger  *zap.Logger
	metrics Metrics
	timeNow func() time.Time

	mu           sync.Mutex
	mode         BreakerMode
	failureCount int
	successCount int
	lastTrip     time.Time
	probing      bool   // a half-open probe is in flight
	probeSeq     uint64 // identifies the current probe for Admit releases
}

func NewFailureBreaker(cfg FailureBreakerConfig, logger *zap.Logger, metrics Metrics) *FailureBreaker {
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 1
	}
	return &FailureBreaker{
		cfg:     cfg,
		logger:  logger,
		metrics: metricsOrNop(metrics),
		timeNow: time.Now,
	}
}

// Allow rejects new trades while open. After CoolDown the breaker moves to
// half-open and admits one probe at a time until the probe's outcome is
// recorded.
func (b *FailureBreaker) Allow() error {
	_, err := b.admit()
	return err
}

// Admit is Allow for callers that may finish without recording an outcome.
// The returned release frees the half-open probe slot if this call took it
// and neither RecordSuccess nor RecordFailure has run since. It is safe to
// call release more than once.
func (b *FailureBreaker) Admit() (release func(), err error) {
	seq, err := b.admit()
	if err != nil {
		return func() {}, err
	}
	return func() {
		if seq == 0 {
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.probing && b.probeSeq == seq {
			b.probing = false
		}
	}, nil
}

// admit returns the probe sequence when the caller was admitted as the
// half-open probe, zero otherwise.
func (b *FailureBreaker) admit() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.mode {
	case BreakerOpen:
		if b.timeNow().Sub(b.lastTrip) < b.cfg.CoolDown {
			return 0, b.errLocked()
		}
		b.mode = BreakerHalfOpen
		b.successCount = 0
		b.probing = false
		b.logger.Info("Circuit breaker transitioning to HALF_OPEN", zap.String("breaker", ExecutorBreakerName))
		fallthrough
	case BreakerHalfOpen:
		if b.probing {
			return 0, b.errLocked()
		}
		b.probing = true
		b.probeSeq++
		return b.probeSeq, nil
	default:
		return 0, nil
	}
}

func (b *FailureBreaker) errLocked() error {
	return &domain.CircuitBreakerError{Breaker: ExecutorBreakerName, Counter: int64(b.failureCount), LastTrip: b.lastTrip}
}

func (b *FailureBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.mode {
	case BreakerClosed:
		b.failureCount = 0
	case BreakerHalfOpen:
		b.probing = false
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.mode = BreakerClosed
			b.failureCount = 0
			b.successCount = 0
			b.logger.Info("Circuit breaker CLOSED (recovered)", zap.String("breaker", ExecutorBreakerName))
		}
	}
}

func (b *FailureBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.timeNow()
	switch b.mode {
	case BreakerClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.tripLocked(now)
			b.logger.Warn("Circuit breaker OPEN (failures exceeded threshold)",
				zap.String("breaker", ExecutorBreakerName),
				zap.Int("failures", b.failureCount))
		}
	case BreakerHalfOpen:
		b.probing = false
		b.failureCount++
		b.tripLocked(now)
		b.logger.Warn("Circuit breaker OPEN (half-open probe failed)", zap.String("breaker", ExecutorBreakerName))
	}
}

func (b *FailureBreaker) tripLocked(now time.Time) {
	b.mode = BreakerOpen
	b.successCount = 0
	b.lastTrip = now
	b.metrics.BreakerTripped(ExecutorBreakerName)
}

func (b *FailureBreaker) Mode() BreakerMode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mode
}

func (b *FailureBreaker) State() domain.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return domain.BreakerState{
		Name:      ExecutorBreakerName,
		Open:      b.mode != BreakerClosed,
		Counter:   int64(b.failureCount),
		LastTrip:  b.lastTrip,
		Threshold: float64(b.cfg.FailureThreshold),
	}
}

// Reset forces the breaker closed.
func (b *FailureBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.mode = BreakerClosed
	b.failureCount = 0
	b.successCount = 0
	b.probing = false
	b.logger.Info("Circuit breaker RESET", zap.String("breaker", ExecutorBreakerName))
}
