package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Validation errors. Never retried.
var (
	ErrInvalidOrder          = errors.New("invalid order")
	ErrInvalidSize           = errors.New("invalid size")
	ErrInvalidPrice          = errors.New("invalid price")
	ErrInvalidTradeSize      = errors.New("trade size outside allowed bounds")
	ErrPositionLimitExceeded = errors.New("position limit exceeded")
	ErrExposureLimitExceeded = errors.New("portfolio exposure limit exceeded")
	ErrOrderTerminal         = errors.New("order is terminal")
	ErrInvalidTransition     = errors.New("invalid state transition")
)

// Staleness and routing errors. Not retried by the engine.
var (
	ErrInvalidSnapshot = errors.New("invalid order book snapshot")
	ErrCrossedBook     = errors.New("crossed order book")
	ErrStaleData       = errors.New("stale market data")
	ErrUpdateThrottled = errors.New("order book update throttled")
	ErrNoBook          = errors.New("no order book")
	ErrNoRoute         = errors.New("no route within slippage tolerance")
)

// Transient execution errors. Retried up to the attempt cap.
var (
	ErrSubmissionFailed = errors.New("submission failed")
	ErrPoolExhausted    = errors.New("connection pool exhausted")
	ErrBundleFailed     = errors.New("bundle failed on chain")
)

// Terminal errors.
var (
	ErrTimeout                 = errors.New("execution timeout")
	ErrTradeExecutionFailed    = errors.New("trade execution failed")
	ErrValidationTimeout       = errors.New("validation timeout")
	ErrCircuitBreakerTriggered = errors.New("circuit breaker triggered")
	ErrTooManyExecutions       = errors.New("too many concurrent executions")
	ErrEmergencyClosure        = errors.New("emergency closure triggered")
	ErrBundleTooLarge          = errors.New("bundle too large")
	ErrEmptyBundle             = errors.New("empty bundle")
	ErrPositionNotFound        = errors.New("position not found")
	ErrPositionExists          = errors.New("position already open")
	ErrPositionInactive        = errors.New("position not active")
)

// IsRetryable reports whether err is a transient execution failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSubmissionFailed) ||
		errors.Is(err, ErrPoolExhausted) ||
		errors.Is(err, ErrBundleFailed)
}

// RiskError carries the limit that rejected a trade.
type RiskError struct {
	Reason error
	Pair   string
	Value  decimal.Decimal
	Limit  decimal.Decimal
}

func (e *RiskError) Error() string {
	return fmt.Sprintf("%s: %s value %s exceeds limit %s", e.Reason, e.Pair, e.Value.StringFixed(4), e.Limit.StringFixed(4))
}

func (e *RiskError) Unwrap() error { return e.Reason }

// CircuitBreakerError names the breaker that rejected the call.
type CircuitBreakerError struct {
	Breaker  string
	Counter  int64
	LastTrip time.Time
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("%s: %s breaker open (count %d, last trip %s)", ErrCircuitBreakerTriggered, e.Breaker, e.Counter, e.LastTrip.Format(time.RFC3339Nano))
}

func (e *CircuitBreakerError) Unwrap() error { return ErrCircuitBreakerTriggered }

// EmergencyClosureError is returned by a position update that breached the
// drawdown threshold. The position must be closed explicitly.
type EmergencyClosureError struct {
	Pair      string
	Drawdown  decimal.Decimal
	Threshold decimal.Decimal
}

func (e *EmergencyClosureError) Error() string {
	return fmt.Sprintf("%s: %s drawdown %s%% >= %s%%", ErrEmergencyClosure, e.Pair, e.Drawdown.StringFixed(2), e.Threshold.StringFixed(2))
}

func (e *EmergencyClosureError) Unwrap() error { return ErrEmergencyClosure }

// TradeError wraps a terminal executor failure with the context needed to
// diagnose it.
type TradeError struct {
	OrderID  string
	Pair     string
	Venue    string
	Phase    string
	Attempts int
	Err      error
}

func (e *TradeError) Error() string {
	venue := e.Venue
	if venue == "" {
		venue = "*"
	}
	return fmt.Sprintf("trade %s %s@%s failed in %s after %d attempt(s): %v", e.OrderID, e.Pair, venue, e.Phase, e.Attempts, e.Err)
}

func (e *TradeError) Unwrap() error { return e.Err }
