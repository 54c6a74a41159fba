package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// PositionStatus tracks the lifecycle of a position.
type PositionStatus string

const (
	PositionOpening          PositionStatus = "OPENING"
	PositionOpen             PositionStatus = "OPEN"
	PositionClosing          PositionStatus = "CLOSING"
	PositionClosed           PositionStatus = "CLOSED"
	PositionEmergencyClosing PositionStatus = "EMERGENCY_CLOSING"
	PositionError            PositionStatus = "ERROR"
)

// Active reports whether the position still accepts updates.
func (s PositionStatus) Active() bool {
	return s == PositionOpening || s == PositionOpen
}

// PositionMetrics is the performance view of a position. Percentages are in
// percent units (20 means 20%).
type PositionMetrics struct {
	EntryValue    decimal.Decimal `json:"entry_value"`
	CurrentValue  decimal.Decimal `json:"current_value"`
	PeakValue     decimal.Decimal `json:"peak_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	Drawdown      decimal.Decimal `json:"drawdown"`
	MaxDrawdown   decimal.Decimal `json:"max_drawdown"`
	UpdateCount   uint64          `json:"update_count"`
	LastUpdate    time.Time       `json:"last_update"`
}

// Position is a point-in-time copy of a managed position.
type Position struct {
	ID           string          `json:"id"`
	Pair         string          `json:"pair"`
	Size         decimal.Decimal `json:"size"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	Status       PositionStatus  `json:"status"`
	Metrics      PositionMetrics `json:"metrics"`
	OpenedAt     time.Time       `json:"opened_at"`
	ClosedAt     *time.Time      `json:"closed_at,omitempty"`
}

// Value returns size * current price.
func (p Position) Value() decimal.Decimal {
	return p.Size.Mul(p.CurrentPrice)
}

// PositionHistory is the finalized record of a closed position.
type PositionHistory struct {
	ID               int64           `json:"id"`
	PositionID       string          `json:"position_id"`
	Pair             string          `json:"pair"`
	Size             decimal.Decimal `json:"size"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	ExitPrice        decimal.Decimal `json:"exit_price"`
	RealizedPnL      decimal.Decimal `json:"realized_pnl"`       // percent
	RealizedPnLValue decimal.Decimal `json:"realized_pnl_value"` // quote currency
	MaxDrawdown      decimal.Decimal `json:"max_drawdown"`
	Status           PositionStatus  `json:"status"`
	OpenedAt         time.Time       `json:"opened_at"`
	ClosedAt         time.Time       `json:"closed_at"`
}
