package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/vitos/dex_execution_engine/internal/domain"
	"golang.org/x/sync/semaphore"
)

// ConnPool bounds the number of in-flight requests to one endpoint. Callers
// that cannot get a slot within the acquire timeout fail with ErrPoolExhausted.
type ConnPool struct {
	sem            *semaphore.Weighted
	size           int
	acquireTimeout time.Duration
}

func NewConnPool(size int, acquireTimeout time.Duration) *ConnPool {
	if size < 1 {
		size = 1
	}
	return &ConnPool{
		sem:            semaphore.NewWeighted(int64(size)),
		size:           size,
		acquireTimeout: acquireTimeout,
	}
}

func (p *ConnPool) Size() int { return p.size }

// Acquire returns a release func for the slot.
func (p *ConnPool) Acquire(ctx context.Context) (func(), error) {
	if p.sem.TryAcquire(1) {
		return func() { p.sem.Release(1) }, nil
	}
	if p.acquireTimeout <= 0 {
		return nil, fmt.Errorf("%w: %d connections busy", domain.ErrPoolExhausted, p.size)
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
	defer cancel()
	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %d connections busy for %s", domain.ErrPoolExhausted, p.size, p.acquireTimeout)
	}
	return func() { p.sem.Release(1) }, nil
}

// ClientConfig configures an RPC endpoint.
type ClientConfig struct {
	BaseURL        string
	APIKey         string
	PoolSize       int
	AcquireTimeout time.Duration
	RequestTimeout time.Duration
}

// rpcClient speaks JSON over HTTP through a bounded pool.
type rpcClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	pool    *ConnPool
}

func newRPCClient(cfg ClientConfig) *rpcClient {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	poolSize := cfg.PoolSize
	if poolSize < 1 {
		poolSize = 16
	}
	return &rpcClient{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: poolSize,
				MaxConnsPerHost:     poolSize,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		pool: NewConnPool(poolSize, cfg.AcquireTimeout),
	}
}

// do sends payload (if any) and decodes the response into out. Transport
// failures, 429 and 5xx responses are reported as ErrSubmissionFailed so the
// executor retries them; other 4xx responses are permanent.
func (c *rpcClient) do(ctx context.Context, method, path string, payload, out any) error {
	release, err := c.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-KEY", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %s %s: %w", domain.ErrSubmissionFailed, method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read %s %s: %w", domain.ErrSubmissionFailed, method, path, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s %s: status %d: %s", domain.ErrSubmissionFailed, method, path, resp.StatusCode, bytes.TrimSpace(respBody))
	case resp.StatusCode >= 400:
		return &APIError{Method: method, Path: path, Status: resp.StatusCode, Body: string(bytes.TrimSpace(respBody))}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// APIError is a permanent rejection from a venue or relay.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

var (
	errUnknownStatus = errors.New("unknown submission status")
	errUnknownVenue  = errors.New("no gateway for venue")
)

func checkStatus(report domain.StatusReport) (domain.StatusReport, error) {
	switch report.Status {
	case domain.StatusPending, domain.StatusConfirmed, domain.StatusFailed:
		return report, nil
	}
	return report, fmt.Errorf("%w: %q", errUnknownStatus, report.Status)
}

// RelayClient submits bundles to a priority-inclusion relay.
type RelayClient struct {
	rpc *rpcClient
}

var _ domain.BundleRelay = (*RelayClient)(nil)

func NewRelayClient(cfg ClientConfig) *RelayClient {
	return &RelayClient{rpc: newRPCClient(cfg)}
}

type bundleRequest struct {
	ID           string               `json:"id"`
	Transactions []domain.Transaction `json:"transactions"`
	PriorityFee  uint64               `json:"priority_fee"`
	TimeoutMs    int64                `json:"timeout_ms"`
}

func (c *RelayClient) SubmitBundle(ctx context.Context, b domain.Bundle) (string, error) {
	var resp struct {
		BundleID string `json:"bundle_id"`
	}
	err := c.rpc.do(ctx, http.MethodPost, "/bundles", bundleRequest{
		ID:           b.ID,
		Transactions: b.Transactions,
		PriorityFee:  b.PriorityFee,
		TimeoutMs:    b.Timeout.Milliseconds(),
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.BundleID == "" {
		return "", fmt.Errorf("%w: relay returned no bundle id", domain.ErrSubmissionFailed)
	}
	return resp.BundleID, nil
}

func (c *RelayClient) BundleStatus(ctx context.Context, bundleID string) (domain.StatusReport, error) {
	var report domain.StatusReport
	if err := c.rpc.do(ctx, http.MethodGet, "/bundles/"+url.PathEscape(bundleID), nil, &report); err != nil {
		return report, err
	}
	return checkStatus(report)
}

// GatewayClient submits single transactions directly to a venue RPC.
type GatewayClient struct {
	rpc *rpcClient
}

var _ domain.VenueGateway = (*GatewayClient)(nil)

func NewGatewayClient(cfg ClientConfig) *GatewayClient {
	return &GatewayClient{rpc: newRPCClient(cfg)}
}

func (c *GatewayClient) SubmitTransaction(ctx context.Context, tx domain.Transaction) (string, error) {
	var resp struct {
		TransactionID string `json:"transaction_id"`
	}
	if err := c.rpc.do(ctx, http.MethodPost, "/transactions", tx, &resp); err != nil {
		return "", err
	}
	if resp.TransactionID == "" {
		return "", fmt.Errorf("%w: gateway returned no transaction id", domain.ErrSubmissionFailed)
	}
	return resp.TransactionID, nil
}

func (c *GatewayClient) TransactionStatus(ctx context.Context, txID string) (domain.StatusReport, error) {
	var report domain.StatusReport
	if err := c.rpc.do(ctx, http.MethodGet, "/transactions/"+url.PathEscape(txID), nil, &report); err != nil {
		return report, err
	}
	return checkStatus(report)
}

// GatewayRouter dispatches transactions to the gateway of their venue and
// remembers which venue owns each submitted transaction for status polls.
type GatewayRouter struct {
	gateways map[string]domain.VenueGateway
	owners   sync.Map // transaction id -> venue
}

var _ domain.VenueGateway = (*GatewayRouter)(nil)

func NewGatewayRouter(gateways map[string]domain.VenueGateway) *GatewayRouter {
	return &GatewayRouter{gateways: gateways}
}

func (r *GatewayRouter) SubmitTransaction(ctx context.Context, tx domain.Transaction) (string, error) {
	gw, ok := r.gateways[tx.Venue]
	if !ok {
		return "", fmt.Errorf("%w: venue %q", errUnknownVenue, tx.Venue)
	}
	id, err := gw.SubmitTransaction(ctx, tx)
	if err != nil {
		return "", err
	}
	r.owners.Store(id, tx.Venue)
	return id, nil
}

func (r *GatewayRouter) TransactionStatus(ctx context.Context, txID string) (domain.StatusReport, error) {
	venue, ok := r.owners.Load(txID)
	if !ok {
		return domain.StatusReport{}, fmt.Errorf("%w: transaction %s", errUnknownVenue, txID)
	}
	report, err := r.gateways[venue.(string)].TransactionStatus(ctx, txID)
	if err == nil && report.Status != domain.StatusPending {
		r.owners.Delete(txID)
	}
	return report, err
}
