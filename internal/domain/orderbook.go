package domain

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// MaxBookDepth caps the number of levels kept per side.
const MaxBookDepth = 500

type OrderBookEntry struct {
	Price  decimal.Decimal `json:"price"`
	Volume decimal.Decimal `json:"volume"`
}

// OrderBookSnapshot is an immutable point-in-time book for one pair at one
// venue. Bids are sorted descending, asks ascending.
type OrderBookSnapshot struct {
	Pair      string           `json:"pair"`
	Venue     string           `json:"venue"`
	Bids      []OrderBookEntry `json:"bids"`
	Asks      []OrderBookEntry `json:"asks"`
	Timestamp time.Time        `json:"timestamp"`
}

// NewOrderBookSnapshot validates and normalizes raw levels. Duplicate prices
// are merged, zero-volume levels dropped and a crossed book rejected. Each
// side keeps only its best MaxBookDepth levels, so routing never sees
// liquidity beyond that depth.
func NewOrderBookSnapshot(pair, venue string, bids, asks []OrderBookEntry, ts time.Time) (*OrderBookSnapshot, error) {
	if pair == "" || venue == "" {
		return nil, fmt.Errorf("%w: pair and venue are required", ErrInvalidSnapshot)
	}
	b, err := normalizeSide(bids, true)
	if err != nil {
		return nil, fmt.Errorf("%s@%s bids: %w", pair, venue, err)
	}
	a, err := normalizeSide(asks, false)
	if err != nil {
		return nil, fmt.Errorf("%s@%s asks: %w", pair, venue, err)
	}
	if len(b) > 0 && len(a) > 0 && b[0].Price.GreaterThanOrEqual(a[0].Price) {
		return nil, fmt.Errorf("%w: %s@%s best bid %s >= best ask %s", ErrCrossedBook, pair, venue, b[0].Price, a[0].Price)
	}
	return &OrderBookSnapshot{
		Pair:      pair,
		Venue:     venue,
		Bids:      b,
		Asks:      a,
		Timestamp: ts,
	}, nil
}

func normalizeSide(levels []OrderBookEntry, descending bool) ([]OrderBookEntry, error) {
	merged := make(map[string]OrderBookEntry, len(levels))
	for _, l := range levels {
		if !l.Price.IsPositive() {
			return nil, fmt.Errorf("%w: price %s", ErrInvalidSnapshot, l.Price)
		}
		if l.Volume.IsNegative() {
			return nil, fmt.Errorf("%w: volume %s", ErrInvalidSnapshot, l.Volume)
		}
		if l.Volume.IsZero() {
			continue
		}
		key := l.Price.String()
		if prev, ok := merged[key]; ok {
			l.Volume = l.Volume.Add(prev.Volume)
		}
		merged[key] = l
	}

	out := make([]OrderBookEntry, 0, len(merged))
	for _, l := range merged {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	if len(out) > MaxBookDepth {
		out = out[:MaxBookDepth]
	}
	return out, nil
}

func (s *OrderBookSnapshot) BestBid() (OrderBookEntry, bool) {
	if len(s.Bids) == 0 {
		return OrderBookEntry{}, false
	}
	return s.Bids[0], true
}

func (s *OrderBookSnapshot) BestAsk() (OrderBookEntry, bool) {
	if len(s.Asks) == 0 {
		return OrderBookEntry{}, false
	}
	return s.Asks[0], true
}

// Spread returns best ask minus best bid. ok is false when a side is empty.
func (s *OrderBookSnapshot) Spread() (spread decimal.Decimal, ok bool) {
	bid, okBid := s.BestBid()
	ask, okAsk := s.BestAsk()
	if !okBid || !okAsk {
		return decimal.Zero, false
	}
	return ask.Price.Sub(bid.Price), true
}

// Mid returns the midpoint of the touch, or the only available side.
func (s *OrderBookSnapshot) Mid() (decimal.Decimal, bool) {
	bid, okBid := s.BestBid()
	ask, okAsk := s.BestAsk()
	switch {
	case okBid && okAsk:
		return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2)), true
	case okBid:
		return bid.Price, true
	case okAsk:
		return ask.Price, true
	}
	return decimal.Zero, false
}

// Levels returns the side an order of the given side consumes.
func (s *OrderBookSnapshot) Levels(side Side) []OrderBookEntry {
	if side == SideSell {
		return s.Bids
	}
	return s.Asks
}

// Age returns how old the snapshot is at now.
func (s *OrderBookSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.Timestamp)
}

// ExecutionStep is one venue leg of a route.
type ExecutionStep struct {
	Venue  string          `json:"venue"`
	Amount decimal.Decimal `json:"amount"`
	Price  decimal.Decimal `json:"price"` // volume-weighted average for this leg
}

// ExecutionPlan is the routing decision for a single order.
type ExecutionPlan struct {
	OrderID                string          `json:"order_id"`
	Pair                   string          `json:"pair"`
	Side                   Side            `json:"side"`
	Steps                  []ExecutionStep `json:"steps"`
	ReferencePrice         decimal.Decimal `json:"reference_price"`
	EstimatedPrice         decimal.Decimal `json:"estimated_price"`
	TotalPriceImpact       decimal.Decimal `json:"total_price_impact"` // percent
	EstimatedExecutionTime time.Duration   `json:"estimated_execution_time"`
	CreatedAt              time.Time       `json:"created_at"`
}

// Notional returns size * estimated price.
func (p ExecutionPlan) Notional() decimal.Decimal {
	total := decimal.Zero
	for _, s := range p.Steps {
		total = total.Add(s.Amount.Mul(s.Price))
	}
	return total
}
