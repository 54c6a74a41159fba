package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/vitos/dex_execution_engine/internal/domain"
)

// SQLiteStore persists trade results and closed positions. Decimal columns are
// stored as TEXT so no precision is lost.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	// A single writer avoids SQLITE_BUSY under concurrent executions, and
	// keeps every statement on the same :memory: database.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trade_id TEXT NOT NULL UNIQUE,
			order_id TEXT NOT NULL,
			pair TEXT NOT NULL,
			venue TEXT NOT NULL,
			side TEXT NOT NULL,
			size TEXT NOT NULL,
			price TEXT NOT NULL,
			transaction_id TEXT NOT NULL,
			bundle_id TEXT NOT NULL DEFAULT '',
			execution_time_ns INTEGER NOT NULL,
			mev_value TEXT NOT NULL DEFAULT '0',
			attempts INTEGER NOT NULL,
			executed_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_pair ON trades(pair);`,
		`CREATE TABLE IF NOT EXISTS position_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			position_id TEXT NOT NULL,
			pair TEXT NOT NULL,
			size TEXT NOT NULL,
			entry_price TEXT NOT NULL,
			exit_price TEXT NOT NULL,
			realized_pnl TEXT NOT NULL,
			realized_pnl_value TEXT NOT NULL,
			max_drawdown TEXT NOT NULL,
			status TEXT NOT NULL,
			opened_at DATETIME NOT NULL,
			closed_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_position_history_pair ON position_history(pair);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// TradeRepository Implementation

func (s *SQLiteStore) SaveTrade(ctx context.Context, t domain.TradeResult) error {
	query := `INSERT INTO trades (trade_id, order_id, pair, venue, side, size, price, transaction_id, bundle_id, execution_time_ns, mev_value, attempts, executed_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		t.TradeID, t.OrderID, t.Pair, t.Venue, string(t.Side), t.Size, t.Price,
		t.TransactionID, t.BundleID, int64(t.ExecutionTime), t.MEVValue, t.Attempts, t.ExecutedAt.UTC())
	if err != nil {
		return fmt.Errorf("save trade %s: %w", t.TradeID, err)
	}
	return nil
}

func (s *SQLiteStore) ListTrades(ctx context.Context, limit int) ([]domain.TradeResult, error) {
	query := `SELECT trade_id, order_id, pair, venue, side, size, price, transaction_id, bundle_id, execution_time_ns, mev_value, attempts, executed_at
			  FROM trades ORDER BY id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []domain.TradeResult
	for rows.Next() {
		var (
			t    domain.TradeResult
			side string
			ns   int64
		)
		if err := rows.Scan(&t.TradeID, &t.OrderID, &t.Pair, &t.Venue, &side, &t.Size, &t.Price,
			&t.TransactionID, &t.BundleID, &ns, &t.MEVValue, &t.Attempts, &t.ExecutedAt); err != nil {
			return nil, err
		}
		t.Side = domain.Side(side)
		t.ExecutionTime = time.Duration(ns)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// PositionHistoryRepository Implementation

func (s *SQLiteStore) SavePositionHistory(ctx context.Context, h *domain.PositionHistory) error {
	query := `INSERT INTO position_history (position_id, pair, size, entry_price, exit_price, realized_pnl, realized_pnl_value, max_drawdown, status, opened_at, closed_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query,
		h.PositionID, h.Pair, h.Size, h.EntryPrice, h.ExitPrice, h.RealizedPnL, h.RealizedPnLValue,
		h.MaxDrawdown, string(h.Status), h.OpenedAt.UTC(), h.ClosedAt.UTC())
	if err != nil {
		return fmt.Errorf("save position history %s: %w", h.PositionID, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		h.ID = id
	}
	return nil
}

func (s *SQLiteStore) ListPositionHistory(ctx context.Context, limit int) ([]*domain.PositionHistory, error) {
	query := `SELECT id, position_id, pair, size, entry_price, exit_price, realized_pnl, realized_pnl_value, max_drawdown, status, opened_at, closed_at
			  FROM position_history ORDER BY id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []*domain.PositionHistory
	for rows.Next() {
		var (
			h      domain.PositionHistory
			status string
		)
		if err := rows.Scan(&h.ID, &h.PositionID, &h.Pair, &h.Size, &h.EntryPrice, &h.ExitPrice,
			&h.RealizedPnL, &h.RealizedPnLValue, &h.MaxDrawdown, &status, &h.OpenedAt, &h.ClosedAt); err != nil {
			return nil, err
		}
		h.Status = domain.PositionStatus(status)
		history = append(history, &h)
	}
	return history, rows.Err()
}
