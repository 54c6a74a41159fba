package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is an unsigned venue instruction set. Signing happens behind
// the VenueGateway/BundleRelay implementations.
type Transaction struct {
	ID               string          `json:"id"`
	Venue            string          `json:"venue"`
	Pair             string          `json:"pair"`
	Side             Side            `json:"side"`
	Amount           decimal.Decimal `json:"amount"`
	LimitPrice       decimal.Decimal `json:"limit_price"`
	AccountCount     int             `json:"account_count"`
	InstructionCount int             `json:"instruction_count"`
	// ImpactValue is the quote value this leg moves away from the reference
	// price, i.e. what a sandwich around it could extract.
	ImpactValue decimal.Decimal `json:"impact_value"`
}

const (
	accountWeight     = 0.4
	instructionWeight = 0.6
)

// EstimatedMEVValue scores a transaction by its account and instruction
// footprint. Higher scores go first in a bundle.
func (t Transaction) EstimatedMEVValue() float64 {
	return float64(t.AccountCount)*accountWeight + float64(t.InstructionCount)*instructionWeight
}

// MoreMEVThan orders transactions for a bundle: larger impact value first,
// then the larger footprint score.
func (t Transaction) MoreMEVThan(o Transaction) bool {
	if c := t.ImpactValue.Cmp(o.ImpactValue); c != 0 {
		return c > 0
	}
	return t.EstimatedMEVValue() > o.EstimatedMEVValue()
}

// Bundle is an ordered batch submitted together for priority inclusion.
type Bundle struct {
	ID           string        `json:"id"`
	Transactions []Transaction `json:"transactions"`
	PriorityFee  uint64        `json:"priority_fee"`
	Timeout      time.Duration `json:"timeout"`
	CreatedAt    time.Time     `json:"created_at"`
}

// SubmissionStatus is the on-chain state of a bundle or direct transaction.
type SubmissionStatus string

const (
	StatusPending   SubmissionStatus = "PENDING"
	StatusConfirmed SubmissionStatus = "CONFIRMED"
	StatusFailed    SubmissionStatus = "FAILED"
)

// StatusReport is what relays and gateways return when polled.
type StatusReport struct {
	Status        SubmissionStatus `json:"status"`
	TransactionID string           `json:"transaction_id"`
	MEVValue      decimal.Decimal  `json:"mev_value"`
	Reason        string           `json:"reason,omitempty"`
}

// TradeResult is the terminal output of one successful execution.
type TradeResult struct {
	TradeID       string          `json:"trade_id"`
	OrderID       string          `json:"order_id"`
	Pair          string          `json:"pair"`
	Venue         string          `json:"venue"`
	Side          Side            `json:"side"`
	Size          decimal.Decimal `json:"size"`
	Price         decimal.Decimal `json:"price"`
	TransactionID string          `json:"transaction_id"`
	BundleID      string          `json:"bundle_id,omitempty"`
	ExecutionTime time.Duration   `json:"execution_time"`
	MEVValue      decimal.Decimal `json:"mev_value"`
	Attempts      int             `json:"attempts"`
	ExecutedAt    time.Time       `json:"executed_at"`
}
