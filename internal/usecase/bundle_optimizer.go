package usecase

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/vitos/dex_execution_engine/internal/domain"
	"github.com/vitos/dex_execution_engine/internal/retry"
	"go.uber.org/zap"
)

type BundleConfig struct {
	MaxBundleSize  int
	MinPriorityFee uint64 // lamports
	Timeout        time.Duration
	PollInterval   time.Duration
	Retry          retry.Policy
}

func DefaultBundleConfig() BundleConfig {
	return BundleConfig{
		MaxBundleSize:  5,
		MinPriorityFee: 10_000,
		Timeout:        500 * time.Millisecond,
		PollInterval:   50 * time.Millisecond,
		Retry:          retry.DefaultPolicy(),
	}
}

// BundleOptimizer packages transactions into priority bundles and drives
// their submission through a BundleRelay.
type BundleOptimizer struct {
	cfg     BundleConfig
	relay   domain.BundleRelay
	logger  *zap.Logger
	metrics Metrics
	timeNow func() time.Time
}

func NewBundleOptimizer(cfg BundleConfig, relay domain.BundleRelay, logger *zap.Logger, metrics Metrics) *BundleOptimizer {
	return &BundleOptimizer{
		cfg:     cfg,
		relay:   relay,
		logger:  logger,
		metrics: metricsOrNop(metrics),
		timeNow: time.Now,
	}
}

// MaxBundleSize is the largest number of transactions CreateBundle accepts.
func (o *BundleOptimizer) MaxBundleSize() int { return o.cfg.MaxBundleSize }

// CreateBundle orders txs by estimated MEV value, highest first. Fees below
// the floor are raised to it.
func (o *BundleOptimizer) CreateBundle(txs []domain.Transaction, priorityFee uint64) (domain.Bundle, error) {
	if len(txs) == 0 {
		return domain.Bundle{}, domain.ErrEmptyBundle
	}
	if len(txs) > o.cfg.MaxBundleSize {
		return domain.Bundle{}, fmt.Errorf("%w: %d transactions, max %d", domain.ErrBundleTooLarge, len(txs), o.cfg.MaxBundleSize)
	}

	ordered := make([]domain.Transaction, len(txs))
	copy(ordered, txs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].MoreMEVThan(ordered[j])
	})

	if priorityFee < o.cfg.MinPriorityFee {
		priorityFee = o.cfg.MinPriorityFee
	}
	return domain.Bundle{
		ID:           uuid.NewString(),
		Transactions: ordered,
		PriorityFee:  priorityFee,
		Timeout:      o.cfg.Timeout,
		CreatedAt:    o.timeNow(),
	}, nil
}

// Submit sends the bundle, retrying transient relay failures under the retry
// policy. Every failure is reported as ErrSubmissionFailed.
func (o *BundleOptimizer) Submit(ctx context.Context, bundle domain.Bundle) (string, error) {
	id, attempts, err := retry.DoValue(ctx, o.cfg.Retry, func(ctx context.Context, attempt int) (string, error) {
		return o.relay.SubmitBundle(ctx, bundle)
	},
		retry.RetryIf(domain.IsRetryable),
		retry.OnRetry(func(attempt int, err error, delay time.Duration) {
			o.logger.Warn("Bundle submission failed, retrying",
				zap.String("bundle_id", bundle.ID),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", delay),
				zap.Error(err))
		}))
	if err != nil {
		o.metrics.BundleSubmitted("failed", attempts)
		return "", fmt.Errorf("%w: bundle %s: %w", domain.ErrSubmissionFailed, bundle.ID, err)
	}
	o.metrics.BundleSubmitted("submitted", attempts)
	o.logger.Info("Bundle submitted",
		zap.String("bundle_id", bundle.ID),
		zap.String("relay_id", id),
		zap.Int("transactions", len(bundle.Transactions)),
		zap.Uint64("priority_fee", bundle.PriorityFee),
		zap.Int("attempts", attempts))
	return id, nil
}

func (o *BundleOptimizer) PollStatus(ctx context.Context, bundleID string) (domain.StatusReport, error) {
	return o.relay.BundleStatus(ctx, bundleID)
}

// AwaitConfirmation polls until the bundle lands or fails, or ctx ends.
func (o *BundleOptimizer) AwaitConfirmation(ctx context.Context, bundleID string) (domain.StatusReport, error) {
	return awaitStatus(ctx, o.cfg.PollInterval, func(ctx context.Context) (domain.StatusReport, error) {
		return o.PollStatus(ctx, bundleID)
	})
}

// awaitStatus polls until a terminal status. A Failed status is returned as
// ErrBundleFailed so callers treat it as transient.
func awaitStatus(ctx context.Context, interval time.Duration, poll func(ctx context.Context) (domain.StatusReport, error)) (domain.StatusReport, error) {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		report, err := poll(ctx)
		switch {
		case err != nil && !domain.IsRetryable(err):
			return report, err
		case err != nil:
			// transient poll failure; try again next tick
		case report.Status == domain.StatusConfirmed:
			return report, nil
		case report.Status == domain.StatusFailed:
			return report, fmt.Errorf("%w: %s", domain.ErrBundleFailed, report.Reason)
		}

		select {
		case <-ctx.Done():
			return report, ctx.Err()
		case <-ticker.C:
		}
	}
}
