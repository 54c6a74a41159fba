package usecase

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// PositionPortfolio values a cash balance plus the positions held by a
// PositionManager. It is the engine's default portfolio collaborator.
type PositionPortfolio struct {
	id        string
	positions *PositionManager

	mu   sync.RWMutex
	cash decimal.Decimal
}

func NewPositionPortfolio(id string, cash decimal.Decimal, positions *PositionManager) *PositionPortfolio {
	return &PositionPortfolio{id: id, cash: cash, positions: positions}
}

func (p *PositionPortfolio) ID() string { return p.id }

func (p *PositionPortfolio) Cash() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cash
}

// AdjustCash applies a settled trade to the cash balance.
func (p *PositionPortfolio) AdjustCash(delta decimal.Decimal) {
	p.mu.Lock()
	p.cash = p.cash.Add(delta)
	p.mu.Unlock()
}

// CurrentPortfolioValue marks every position at prices[pair], falling back
// to the position's last mark when no price is supplied.
func (p *PositionPortfolio) CurrentPortfolioValue(ctx context.Context, prices map[string]decimal.Decimal) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	total := p.Cash()
	for _, pos := range p.positions.List() {
		price := pos.CurrentPrice
		if px, ok := prices[pos.Pair]; ok && px.IsPositive() {
			price = px
		}
		total = total.Add(pos.Size.Mul(price))
	}
	return total, nil
}

// CurrentExposure is the marked value committed to positions.
func (p *PositionPortfolio) CurrentExposure(ctx context.Context) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	exposure := decimal.Zero
	for _, pos := range p.positions.List() {
		exposure = exposure.Add(pos.Value())
	}
	return exposure, nil
}

func (p *PositionPortfolio) PositionCount(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return p.positions.Count(), nil
}
