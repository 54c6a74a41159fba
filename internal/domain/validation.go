package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

type ValidationMetric struct {
	Name      string          `json:"name"`
	Value     decimal.Decimal `json:"value"`
	Threshold decimal.Decimal `json:"threshold"`
	Severity  Severity        `json:"severity"`
}

// ValidationResult is the outcome of one risk validation.
type ValidationResult struct {
	Valid         bool               `json:"valid"`
	Metrics       []ValidationMetric `json:"metrics"`
	FailureReason string             `json:"failure_reason,omitempty"`
	Timestamp     time.Time          `json:"timestamp"`
}

func (r *ValidationResult) AddMetric(m ValidationMetric) {
	r.Metrics = append(r.Metrics, m)
}

func (r *ValidationResult) Fail(reason string) {
	r.Valid = false
	r.FailureReason = reason
}

// BreakerState is a read-only view of a circuit breaker.
type BreakerState struct {
	Name      string    `json:"name"`
	Open      bool      `json:"open"`
	Counter   int64     `json:"counter"`
	LastTrip  time.Time `json:"last_trip"`
	Threshold float64   `json:"threshold"`
}
