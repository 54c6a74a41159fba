package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/vitos/dex_execution_engine/internal/usecase"
)

const namespace = "dex"

var _ usecase.Metrics = (*Collector)(nil)

// Collector implements usecase.Metrics on a Prometheus registry.
type Collector struct {
	bookUpdates     *prometheus.HistogramVec
	bookRejections  *prometheus.CounterVec
	bookConflicts   *prometheus.CounterVec
	booksEvicted    prometheus.Counter
	staleBooks      prometheus.Gauge
	validations     *prometheus.HistogramVec
	breakerTrips    *prometheus.CounterVec
	positionPnL     *prometheus.GaugeVec
	positionDD      *prometheus.GaugeVec
	positionUpdates *prometheus.HistogramVec
	emergencies     *prometheus.CounterVec
	realizedPnL     *prometheus.CounterVec
	phaseDuration   *prometheus.HistogramVec
	tradeRetries    *prometheus.CounterVec
	tradeResults    *prometheus.CounterVec
	tradeDuration   *prometheus.HistogramVec
	mevValue        *prometheus.CounterVec
	bundles         *prometheus.CounterVec
	bundleAttempts  prometheus.Histogram
	persistFailures *prometheus.CounterVec
}

// latencyBuckets run from 1ms to ~0.5s, the span of one execution budget.
var latencyBuckets = prometheus.ExponentialBuckets(0.001, 2, 10)

func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		bookUpdates: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "orderbook", Name: "update_seconds",
			Help:    "Order book update latency.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 8),
		}, []string{"pair", "venue"}),
		bookRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "orderbook", Name: "rejections_total",
			Help: "Order book updates rejected, by reason.",
		}, []string{"pair", "reason"}),
		bookConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "orderbook", Name: "conflicts_total",
			Help: "Concurrent writers racing on the same pair.",
		}, []string{"pair"}),
		booksEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "orderbook", Name: "evicted_total",
			Help: "Expired books removed by the sweeper.",
		}),
		staleBooks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "orderbook", Name: "stale_books",
			Help: "Books older than the freshness limit at the last health check.",
		}),
		validations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "risk", Name: "validation_seconds",
			Help:    "Risk validation latency by outcome.",
			Buckets: latencyBuckets,
		}, []string{"outcome", "cached"}),
		breakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "risk", Name: "breaker_trips_total",
			Help: "Circuit breaker trips.",
		}, []string{"breaker"}),
		positionPnL: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "position", Name: "unrealized_pnl_pct",
			Help: "Unrealized PnL in percent.",
		}, []string{"pair"}),
		positionDD: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "position", Name: "drawdown_pct",
			Help: "Drawdown from the high-water mark in percent.",
		}, []string{"pair"}),
		positionUpdates: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "position", Name: "update_seconds",
			Help:    "Position update latency.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 8),
		}, []string{"pair"}),
		emergencies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "position", Name: "emergency_closures_total",
			Help: "Updates that breached the drawdown threshold.",
		}, []string{"pair"}),
		realizedPnL: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "position", Name: "closed_total",
			Help: "Closed positions.",
		}, []string{"pair", "result"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "trade", Name: "phase_seconds",
			Help:    "Trade execution latency breakdown by phase.",
			Buckets: latencyBuckets,
		}, []string{"phase"}),
		tradeRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "trade", Name: "retries_total",
			Help: "Submit/confirm retries.",
		}, []string{"pair"}),
		tradeResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "trade", Name: "results_total",
			Help: "Trade outcomes.",
		}, []string{"pair", "result"}),
		tradeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "trade", Name: "execution_seconds",
			Help:    "End-to-end trade latency.",
			Buckets: latencyBuckets,
		}, []string{"pair"}),
		mevValue: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "trade", Name: "mev_value_total",
			Help: "Captured MEV value in quote currency.",
		}, []string{"pair"}),
		bundles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bundle", Name: "submissions_total",
			Help: "Bundle submissions by outcome.",
		}, []string{"outcome"}),
		bundleAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "bundle", Name: "attempts",
			Help:    "Relay attempts per bundle submission.",
			Buckets: prometheus.LinearBuckets(1, 1, 5),
		}),
		persistFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "persist_failures_total",
			Help: "Records that could not be written to storage.",
		}, []string{"kind"}),
	}

	for _, col := range []prometheus.Collector{
		c.bookUpdates, c.bookRejections, c.bookConflicts, c.booksEvicted, c.staleBooks,
		c.validations, c.breakerTrips,
		c.positionPnL, c.positionDD, c.positionUpdates, c.emergencies, c.realizedPnL,
		c.phaseDuration, c.tradeRetries, c.tradeResults, c.tradeDuration, c.mevValue,
		c.bundles, c.bundleAttempts, c.persistFailures,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collector) BookUpdated(pair, venue string, d time.Duration) {
	c.bookUpdates.WithLabelValues(pair, venue).Observe(d.Seconds())
}

func (c *Collector) BookRejected(pair, reason string) {
	c.bookRejections.WithLabelValues(pair, reason).Inc()
}

func (c *Collector) BookConflict(pair string) {
	c.bookConflicts.WithLabelValues(pair).Inc()
}

func (c *Collector) BooksEvicted(n int) {
	c.booksEvicted.Add(float64(n))
}

func (c *Collector) StaleBooks(n int) {
	c.staleBooks.Set(float64(n))
}

func (c *Collector) ValidationObserved(d time.Duration, outcome string, cached bool) {
	label := "false"
	if cached {
		label = "true"
	}
	c.validations.WithLabelValues(outcome, label).Observe(d.Seconds())
}

func (c *Collector) BreakerTripped(breaker string) {
	c.breakerTrips.WithLabelValues(breaker).Inc()
}

func (c *Collector) PositionUpdated(pair string, unrealizedPnL, drawdown float64, d time.Duration) {
	c.positionPnL.WithLabelValues(pair).Set(unrealizedPnL)
	c.positionDD.WithLabelValues(pair).Set(drawdown)
	c.positionUpdates.WithLabelValues(pair).Observe(d.Seconds())
}

func (c *Collector) PositionEmergency(pair string) {
	c.emergencies.WithLabelValues(pair).Inc()
}

func (c *Collector) PositionClosed(pair string, realizedPnL float64) {
	result := "loss"
	if realizedPnL >= 0 {
		result = "win"
	}
	c.realizedPnL.WithLabelValues(pair, result).Inc()
	c.positionPnL.DeleteLabelValues(pair)
	c.positionDD.DeleteLabelValues(pair)
}

func (c *Collector) PhaseDuration(phase string, d time.Duration) {
	c.phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

func (c *Collector) TradeRetry(pair string) {
	c.tradeRetries.WithLabelValues(pair).Inc()
}

func (c *Collector) TradeCompleted(pair, outcome string, d time.Duration) {
	c.tradeResults.WithLabelValues(pair, outcome).Inc()
	if d > 0 {
		c.tradeDuration.WithLabelValues(pair).Observe(d.Seconds())
	}
}

func (c *Collector) MEVValue(pair string, v float64) {
	if v > 0 {
		c.mevValue.WithLabelValues(pair).Add(v)
	}
}

func (c *Collector) BundleSubmitted(outcome string, attempts int) {
	c.bundles.WithLabelValues(outcome).Inc()
	c.bundleAttempts.Observe(float64(attempts))
}

func (c *Collector) PersistFailed(kind string) {
	c.persistFailures.WithLabelValues(kind).Inc()
}
