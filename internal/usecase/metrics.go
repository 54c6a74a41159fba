package usecase

import "time"

// Metrics is the observability handle injected into every component.
// Implementations must be safe for concurrent use.
type Metrics interface {
	BookUpdated(pair, venue string, d time.Duration)
	BookRejected(pair, reason string)
	BookConflict(pair string)
	BooksEvicted(n int)
	StaleBooks(n int)

	ValidationObserved(d time.Duration, outcome string, cached bool)
	BreakerTripped(breaker string)

	PositionUpdated(pair string, unrealizedPnL, drawdown float64, d time.Duration)
	PositionEmergency(pair string)
	PositionClosed(pair string, realizedPnL float64)

	PhaseDuration(phase string, d time.Duration)
	TradeRetry(pair string)
	TradeCompleted(pair, outcome string, d time.Duration)
	MEVValue(pair string, v float64)
	BundleSubmitted(outcome string, attempts int)
	PersistFailed(kind string)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) BookUpdated(string, string, time.Duration) {}
func (NopMetrics) BookRejected(string, string) {}
func (NopMetrics) BookConflict(string) {}
func (NopMetrics) BooksEvicted(int) {}
func (NopMetrics) StaleBooks(int) {}
func (NopMetrics) ValidationObserved(time.Duration, string, bool) {}
func (NopMetrics) BreakerTripped(string) {}
func (NopMetrics) PositionUpdated(string, float64, float64, time.Duration) {}
func (NopMetrics) PositionEmergency(string) {}
func (NopMetrics) PositionClosed(string, float64) {}
func (NopMetrics) PhaseDuration(string, time.Duration) {}
func (NopMetrics) TradeRetry(string) {}
func (NopMetrics) TradeCompleted(string, string, time.Duration) {}
func (NopMetrics) MEVValue(string, float64) {}
func (NopMetrics) BundleSubmitted(string, int) {}
func (NopMetrics) PersistFailed(string) {}

func metricsOrNop(m Metrics) Metrics {
	if m == nil {
		return NopMetrics{}
	}
	return m
}
