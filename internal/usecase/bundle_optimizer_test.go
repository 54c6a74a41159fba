package usecase

import (
	"context"
	"errors"
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

// MockRelay fails the first FailSubmits submissions and reports Statuses in
// order, repeating the last one.
type MockRelay struct {
	mu          sync.Mutex
	FailSubmits int
	SubmitErr   error
	Statuses    []domain.StatusReport
	submits     int
	polls       int
	last        domain.Bundle
}

func (r *MockRelay) SubmitBundle(ctx context.Context, b domain.Bundle) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submits++
	r.last = b
	if r.submits <= r.FailSubmits {
		err := r.SubmitErr
		if err == nil {
			err = fmt.Errorf("%w: relay returned 503", domain.ErrSubmissionFailed)
		}
		return "", err
	}
	return "relay-" + b.ID, nil
}

func (r *MockRelay) BundleStatus(ctx context.Context, id string) (domain.StatusReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.polls++
	if len(r.Statuses) == 0 {
		return domain.StatusReport{Status: domain.StatusConfirmed, TransactionID: "sig-" + id}, nil
	}
	i := r.polls - 1
	if i >= len(r.Statuses) {
		i = len(r.Statuses) - 1
	}
	return r.Statuses[i], nil
}

func (r *MockRelay) Submits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.submits
}

func fastBundleConfig() BundleConfig {
	cfg := DefaultBundleConfig()
	cfg.PollInterval = time.Millisecond
	cfg.Retry = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}
	return cfg
}

func txs(n int) []domain.Transaction {
	out := make([]domain.Transaction, n)
	for i := range out {
		out[i] = domain.Transaction{ID: fmt.Sprintf("tx-%d", i), AccountCount: i, InstructionCount: 1}
	}
	return out
}

func TestBundleOptimizer_SizeCap(t *testing.T) {
	o := NewBundleOptimizer(DefaultBundleConfig(), &MockRelay{}, zap.NewNop(), nil)

	_, err := o.CreateBundle(txs(6), 50_000)
	assert.ErrorIs(t, err, domain.ErrBundleTooLarge)

	for n := 1; n <= 5; n++ {
		b, err := o.CreateBundle(txs(n), 50_000)
		require.NoError(t, err)
		assert.Len(t, b.Transactions, n)
	}

	_, err = o.CreateBundle(nil, 50_000)
	assert.ErrorIs(t, err, domain.ErrEmptyBundle)
}

func TestBundleOptimizer_OrdersByMEVValueAndFloorsFee(t *testing.T) {
	o := NewBundleOptimizer(DefaultBundleConfig(), &MockRelay{}, zap.NewNop(), nil)
	in := []domain.Transaction{
		{ID: "low", AccountCount: 1, InstructionCount: 1},     // 1.0
		{ID: "high", AccountCount: 10, InstructionCount: 5},   // 7.0
		{ID: "mid", AccountCount: 5, InstructionCount: 2},     // 3.2
		{ID: "mid-tie", AccountCount: 5, InstructionCount: 2}, // 3.2
	}

	b, err := o.CreateBundle(in, 10)
	require.NoError(t, err)

	ids := make([]string, len(b.Transactions))
	for i, tx := range b.Transactions {
		ids[i] = tx.ID
	}
	assert.Equal(t, []string{"high", "mid", "mid-tie", "low"}, ids)
	assert.Equal(t, uint64(10_000), b.PriorityFee)
	assert.Equal(t, "low", in[0].ID, "input is not reordered in place")
	assert.NotEmpty(t, b.ID)
	assert.Equal(t, 500*time.Millisecond, b.Timeout)

	b, err = o.CreateBundle(in[:1], 25_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(25_000), b.PriorityFee)

	// Impact value outranks the footprint score.
	b, err = o.CreateBundle([]domain.Transaction{
		{ID: "wide", AccountCount: 10, InstructionCount: 5},
		{ID: "valuable", AccountCount: 1, InstructionCount: 1, ImpactValue: d("3")},
		{ID: "less-valuable", AccountCount: 8, InstructionCount: 2, ImpactValue: d("0.5")},
	}, 10)
	require.NoError(t, err)
	ids = ids[:0]
	for _, tx := range b.Transactions {
		ids = append(ids, tx.ID)
	}
	assert.Equal(t, []string{"valuable", "less-valuable", "wide"}, ids)
}

func TestBundleOptimizer_SubmitRetriesTransientFailures(t *testing.T) {
	relay := &MockRelay{FailSubmits: 2}
	o := NewBundleOptimizer(fastBundleConfig(), relay, zap.NewNop(), nil)
	b, err := o.CreateBundle(txs(2), 0)
	require.NoError(t, err)

	id, err := o.Submit(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, "relay-"+b.ID, id)
	assert.Equal(t, 3, relay.Submits())
}

func TestBundleOptimizer_SubmitExhaustion(t *testing.T) {
	relay := &MockRelay{FailSubmits: 10}
	o := NewBundleOptimizer(fastBundleConfig(), relay, zap.NewNop(), nil)
	b, err := o.CreateBundle(txs(1), 0)
	require.NoError(t, err)

	_, err = o.Submit(context.Background(), b)
	require.ErrorIs(t, err, domain.ErrSubmissionFailed)
	var exhausted *retry.ExhaustedError
	assert.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, relay.Submits())
}

func TestBundleOptimizer_SubmitDoesNotRetryPermanentErrors(t *testing.T) {
	relay := &MockRelay{FailSubmits: 10, SubmitErr: errors.New("bundle rejected: invalid signature")}
	o := NewBundleOptimizer(fastBundleConfig(), relay, zap.NewNop(), nil)
	b, err := o.CreateBundle(txs(1), 0)
	require.NoError(t, err)

	_, err = o.Submit(context.Background(), b)
	assert.ErrorIs(t, err, domain.ErrSubmissionFailed)
	assert.Equal(t, 1, relay.Submits())
}

func TestBundleOptimizer_AwaitConfirmation(t *testing.T) {
	relay := &MockRelay{Statuses: []domain.StatusReport{
		{Status: domain.StatusPending},
		{Status: domain.StatusPending},
		{Status: domain.StatusConfirmed, TransactionID: "sig-1"},
	}}
	o := NewBundleOptimizer(fastBundleConfig(), relay, zap.NewNop(), nil)

	report, err := o.AwaitConfirmation(context.Background(), "b-1")
	require.NoError(t, err)
	assert.Equal(t, "sig-1", report.TransactionID)

	failing := &MockRelay{Statuses: []domain.StatusReport{{Status: domain.StatusFailed, Reason: "dropped"}}}
	o = NewBundleOptimizer(fastBundleConfig(), failing, zap.NewNop(), nil)
	_, err = o.AwaitConfirmation(context.Background(), "b-2")
	assert.ErrorIs(t, err, domain.ErrBundleFailed)

	pending := &MockRelay{Statuses: []domain.StatusReport{{Status: domain.StatusPending}}}
	o = NewBundleOptimizer(fastBundleConfig(), pending, zap.NewNop(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = o.AwaitConfirmation(ctx, "b-3")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
