package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/dex_execution_engine/internal/domain"
)

func TestConnPool_FailsFastWhenExhausted(t *testing.T) {
	pool := NewConnPool(2, 10*time.Millisecond)
	ctx := context.Background()

	r1, err := pool.Acquire(ctx)
	require.NoError(t, err)
	r2, err := pool.Acquire(ctx)
	require.NoError(t, err)

	start := time.Now()
	_, err = pool.Acquire(ctx)
	assert.ErrorIs(t, err, domain.ErrPoolExhausted)
	assert.True(t, domain.IsRetryable(err))
	assert.Less(t, time.Since(start), 200*time.Millisecond)

	r1()
	r3, err := pool.Acquire(ctx)
	require.NoError(t, err)
	r2()
	r3()
}

func TestConnPool_HonorsCallerContext(t *testing.T) {
	pool := NewConnPool(1, time.Second)
	release, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pool.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRelayClient_SubmitAndStatus(t *testing.T) {
	var got bundleRequest
	mux := http.NewServeMux()
	mux.HandleFunc("POST /bundles", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-API-KEY"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"bundle_id":"relay-1"}`))
	})
	mux.HandleFunc("GET /bundles/{id}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "relay-1", r.PathValue("id"))
		w.Write([]byte(`{"status":"CONFIRMED","transaction_id":"sig-9","mev_value":"0.25"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewRelayClient(ClientConfig{BaseURL: srv.URL, APIKey: "secret", PoolSize: 2})
	id, err := c.SubmitBundle(context.Background(), domain.Bundle{
		ID:           "b-1",
		Transactions: []domain.Transaction{{ID: "tx-1", Venue: "raydium", Amount: decimal.NewFromInt(3)}},
		PriorityFee:  25_000,
		Timeout:      500 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, "relay-1", id)
	assert.Equal(t, "b-1", got.ID)
	assert.Equal(t, uint64(25_000), got.PriorityFee)
	assert.Equal(t, int64(500), got.TimeoutMs)
	require.Len(t, got.Transactions, 1)
	assert.True(t, got.Transactions[0].Amount.Equal(decimal.NewFromInt(3)))

	report, err := c.BundleStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, report.Status)
	assert.Equal(t, "sig-9", report.TransactionID)
	assert.True(t, report.MEVValue.Equal(decimal.RequireFromString("0.25")))
}

func TestGatewayClient_ErrorClassification(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			http.Error(w, "node is behind", http.StatusServiceUnavailable)
		case 2:
			http.Error(w, "slow down", http.StatusTooManyRequests)
		case 3:
			http.Error(w, "invalid instruction", http.StatusBadRequest)
		default:
			w.Write([]byte(`{"transaction_id":"sig-1"}`))
		}
	}))
	defer srv.Close()

	c := NewGatewayClient(ClientConfig{BaseURL: srv.URL})
	ctx := context.Background()

	_, err := c.SubmitTransaction(ctx, domain.Transaction{ID: "tx"})
	assert.ErrorIs(t, err, domain.ErrSubmissionFailed)
	assert.True(t, domain.IsRetryable(err))

	_, err = c.SubmitTransaction(ctx, domain.Transaction{ID: "tx"})
	assert.True(t, domain.IsRetryable(err))

	_, err = c.SubmitTransaction(ctx, domain.Transaction{ID: "tx"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.False(t, domain.IsRetryable(err))

	id, err := c.SubmitTransaction(ctx, domain.Transaction{ID: "tx"})
	require.NoError(t, err)
	assert.Equal(t, "sig-1", id)
}

func TestGatewayClient_UnknownStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"FINALIZING"}`))
	}))
	defer srv.Close()

	c := NewGatewayClient(ClientConfig{BaseURL: srv.URL})
	_, err := c.TransactionStatus(context.Background(), "sig-1")
	assert.ErrorIs(t, err, errUnknownStatus)
}

func TestGatewayClient_ContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	c := NewGatewayClient(ClientConfig{BaseURL: srv.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := c.TransactionStatus(ctx, "sig-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, domain.IsRetryable(err))
}

type stubGateway struct {
	venue string
}

func (g stubGateway) SubmitTransaction(ctx context.Context, tx domain.Transaction) (string, error) {
	return g.venue + "-" + tx.ID, nil
}

func (g stubGateway) TransactionStatus(ctx context.Context, id string) (domain.StatusReport, error) {
	return domain.StatusReport{Status: domain.StatusConfirmed, TransactionID: id}, nil
}

func TestGatewayRouter_DispatchesByVenue(t *testing.T) {
	r := NewGatewayRouter(map[string]domain.VenueGateway{
		"raydium": stubGateway{venue: "raydium"},
		"orca":    stubGateway{venue: "orca"},
	})
	ctx := context.Background()

	id, err := r.SubmitTransaction(ctx, domain.Transaction{ID: "tx-1", Venue: "orca"})
	require.NoError(t, err)
	assert.Equal(t, "orca-tx-1", id)

	report, err := r.TransactionStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, report.Status)

	_, err = r.TransactionStatus(ctx, id)
	assert.ErrorIs(t, err, errUnknownVenue, "terminal statuses are forgotten")

	_, err = r.SubmitTransaction(ctx, domain.Transaction{ID: "tx-2", Venue: "phoenix"})
	assert.ErrorIs(t, err, errUnknownVenue)
}
