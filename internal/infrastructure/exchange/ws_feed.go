package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/vitos/dex_execution_engine/internal/domain"
	"github.com/vitos/dex_execution_engine/internal/retry"
	"go.uber.org/zap"
)

const bookTopicPrefix = "book."

type WSFeedConfig struct {
	Venue       string
	URL         string
	Pairs       []string
	ReadTimeout time.Duration // no message for this long drops the connection
	Reconnect   retry.Policy  // only the backoff curve is used; reconnects are unbounded
}

// WSFeed streams order book snapshots for one venue and pushes them into a
// SnapshotSink. It reconnects with backoff until ctx is cancelled.
type WSFeed struct {
	cfg     WSFeedConfig
	dialer  *websocket.Dialer
	logger  *zap.Logger
	timeNow func() time.Time
}

var _ domain.MarketDataFeed = (*WSFeed)(nil)

func NewWSFeed(cfg WSFeedConfig, logger *zap.Logger) *WSFeed {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	return &WSFeed{
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		logger:  logger.With(zap.String("venue", cfg.Venue)),
		timeNow: time.Now,
	}
}

func (f *WSFeed) Venue() string { return f.cfg.Venue }

// Run blocks until ctx is done. Connection failures are logged and retried.
func (f *WSFeed) Run(ctx context.Context, sink domain.SnapshotSink) error {
	failures := 0
	for {
		received, err := f.session(ctx, sink)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if received > 0 {
			failures = 0
		}
		delay := f.cfg.Reconnect.Backoff(failures)
		failures++
		f.logger.Warn("Market data connection lost, reconnecting",
			zap.Int("attempt", failures),
			zap.Int("snapshots", received),
			zap.Duration("backoff", delay),
			zap.Error(err))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// session runs one connection and returns how many snapshots it accepted.
func (f *WSFeed) session(ctx context.Context, sink domain.SnapshotSink) (int, error) {
	conn, _, err := f.dialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("dial %s: %w", f.cfg.URL, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := f.subscribe(conn); err != nil {
		return 0, err
	}
	f.logger.Info("Subscribed to order books", zap.Strings("pairs", f.cfg.Pairs))

	received := 0
	for {
		conn.SetReadDeadline(f.timeNow().Add(f.cfg.ReadTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			return received, fmt.Errorf("read: %w", err)
		}

		snap, err := f.parse(message)
		if err != nil {
			f.logger.Debug("Skipping market data message", zap.Error(err))
			continue
		}
		if snap == nil {
			continue
		}
		if err := sink.Update(snap); err != nil {
			f.logUpdateError(snap, err)
			continue
		}
		received++
	}
}

func (f *WSFeed) subscribe(conn *websocket.Conn) error {
	if len(f.cfg.Pairs) == 0 {
		return nil
	}
	args := make([]string, len(f.cfg.Pairs))
	for i, p := range f.cfg.Pairs {
		args[i] = bookTopicPrefix + p
	}
	subMsg := map[string]any{
		"op":   "subscribe",
		"args": args,
	}
	if err := conn.WriteJSON(subMsg); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

type bookMessage struct {
	Topic string `json:"topic"`
	TS    int64  `json:"ts"` // unix millis
	Data  struct {
		B [][2]decimal.Decimal `json:"b"`
		A [][2]decimal.Decimal `json:"a"`
	} `json:"data"`
}

// parse decodes a book message. Non-book messages (acks, heartbeats) yield
// a nil snapshot.
func (f *WSFeed) parse(message []byte) (*domain.OrderBookSnapshot, error) {
	var msg bookMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	if !strings.HasPrefix(msg.Topic, bookTopicPrefix) {
		return nil, nil
	}
	pair := strings.TrimPrefix(msg.Topic, bookTopicPrefix)

	ts := f.timeNow()
	if msg.TS > 0 {
		ts = time.UnixMilli(msg.TS)
	}
	if len(msg.Data.B) > domain.MaxBookDepth || len(msg.Data.A) > domain.MaxBookDepth {
		f.logger.Debug("Book deeper than kept depth, truncating",
			zap.String("pair", pair),
			zap.Int("bids", len(msg.Data.B)),
			zap.Int("asks", len(msg.Data.A)),
			zap.Int("max_depth", domain.MaxBookDepth))
	}
	return domain.NewOrderBookSnapshot(pair, f.cfg.Venue, levels(msg.Data.B), levels(msg.Data.A), ts)
}

func levels(raw [][2]decimal.Decimal) []domain.OrderBookEntry {
	out := make([]domain.OrderBookEntry, 0, len(raw))
	for _, l := range raw {
		out = append(out, domain.OrderBookEntry{Price: l[0], Volume: l[1]})
	}
	return out
}

func (f *WSFeed) logUpdateError(snap *domain.OrderBookSnapshot, err error) {
	switch {
	case errors.Is(err, domain.ErrUpdateThrottled):
		// expected at feed rates above the store's update interval
	case errors.Is(err, domain.ErrStaleData):
		f.logger.Warn("Dropping stale snapshot",
			zap.String("pair", snap.Pair),
			zap.Time("timestamp", snap.Timestamp),
			zap.Error(err))
	default:
		f.logger.Warn("Snapshot rejected", zap.String("pair", snap.Pair), zap.Error(err))
	}
}
