package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OrderKind string

const (
	OrderMarket     OrderKind = "MARKET"
	OrderLimit      OrderKind = "LIMIT"
	OrderStopLoss   OrderKind = "STOP_LOSS"
	OrderTakeProfit OrderKind = "TAKE_PROFIT"
)

func (k OrderKind) Valid() bool {
	switch k {
	case OrderMarket, OrderLimit, OrderStopLoss, OrderTakeProfit:
		return true
	}
	return false
}

type OrderStatus string

const (
	OrderPending    OrderStatus = "PENDING"
	OrderValidating OrderStatus = "VALIDATING"
	OrderExecuting  OrderStatus = "EXECUTING"
	OrderExecuted   OrderStatus = "EXECUTED"
	OrderFailed     OrderStatus = "FAILED"
	OrderCancelled  OrderStatus = "CANCELLED"
)

// Terminal reports whether no further transition is allowed.
func (s OrderStatus) Terminal() bool {
	return s == OrderExecuted || s == OrderFailed || s == OrderCancelled
}

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:    {OrderValidating, OrderCancelled, OrderFailed},
	OrderValidating: {OrderExecuting, OrderFailed, OrderCancelled},
	OrderExecuting:  {OrderExecuted, OrderFailed},
}

// TradeRequest is what the strategy/API layer hands to the executor.
type TradeRequest struct {
	Pair      string
	Venue     string // optional; empty routes across every venue with a book
	Side      Side
	Kind      OrderKind
	Price     decimal.Decimal // limit price, or reference price for market orders (zero = use book mid)
	Size      decimal.Decimal // base units
	Slippage  decimal.Decimal // tolerance in percent
	Portfolio Portfolio
}

// Order represents a trade being executed by the engine.
type Order struct {
	ID         string
	Pair       string
	Venue      string
	Side       Side
	Kind       OrderKind
	Price      decimal.Decimal
	Size       decimal.Decimal
	Slippage   decimal.Decimal
	Status     OrderStatus
	CreatedAt  time.Time
	ExecutedAt *time.Time
}

// NewOrder builds a pending order from a request.
func NewOrder(req TradeRequest, now time.Time) (*Order, error) {
	if req.Pair == "" {
		return nil, fmt.Errorf("%w: empty trading pair", ErrInvalidOrder)
	}
	side := req.Side
	if side == "" {
		side = SideBuy
	}
	if !side.Valid() {
		return nil, fmt.Errorf("%w: side %q", ErrInvalidOrder, req.Side)
	}
	kind := req.Kind
	if kind == "" {
		kind = OrderMarket
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: kind %q", ErrInvalidOrder, req.Kind)
	}
	if !req.Size.IsPositive() {
		return nil, fmt.Errorf("%w: size %s", ErrInvalidSize, req.Size)
	}
	if req.Price.IsNegative() || (kind != OrderMarket && !req.Price.IsPositive()) {
		return nil, fmt.Errorf("%w: price %s", ErrInvalidPrice, req.Price)
	}
	if req.Slippage.IsNegative() {
		return nil, fmt.Errorf("%w: slippage %s", ErrInvalidOrder, req.Slippage)
	}
	return &Order{
		ID:        uuid.NewString(),
		Pair:      req.Pair,
		Venue:     req.Venue,
		Side:      side,
		Kind:      kind,
		Price:     req.Price,
		Size:      req.Size,
		Slippage:  req.Slippage,
		Status:    OrderPending,
		CreatedAt: now,
	}, nil
}

// Transition moves the order to the next status.
func (o *Order) Transition(to OrderStatus, now time.Time) error {
	if o.Status.Terminal() {
		return fmt.Errorf("%w: order %s is %s", ErrOrderTerminal, o.ID, o.Status)
	}
	for _, next := range orderTransitions[o.Status] {
		if next == to {
			o.Status = to
			if to == OrderExecuted {
				o.ExecutedAt = &now
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, to)
}
