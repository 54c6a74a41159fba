package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vitos/dex_execution_engine/internal/domain"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type PositionConfig struct {
	MinSize              decimal.Decimal
	MaxSize              decimal.Decimal
	EmergencyDrawdownPct decimal.Decimal // percent from the high-water mark
	ValuePrecision       int32
}

func DefaultPositionConfig() PositionConfig {
	return PositionConfig{
		MinSize:              decimal.NewFromFloat(0.001),
		MaxSize:              decimal.NewFromInt(1_000_000),
		EmergencyDrawdownPct: decimal.NewFromInt(20),
		ValuePrecision:       6,
	}
}

type managedPosition struct {
	mu  sync.Mutex
	pos domain.Position
}

// PositionManager owns every open position, keyed by pair. Mutations of a
// single position are serialized on its own lock.
type PositionManager struct {
	cfg     PositionConfig
	logger  *zap.Logger
	metrics Metrics
	history domain.PositionHistoryRepository
	timeNow func() time.Time

	mu         sync.RWMutex
	positions  map[string]*managedPosition
	onMutation func()
}

func NewPositionManager(cfg PositionConfig, history domain.PositionHistoryRepository, logger *zap.Logger, metrics Metrics) *PositionManager {
	return &PositionManager{
		cfg:       cfg,
		logger:    logger,
		metrics:   metricsOrNop(metrics),
		history:   history,
		timeNow:   time.Now,
		positions: make(map[string]*managedPosition),
	}
}

// OnMutation registers a hook run after every state change, e.g. to
// invalidate cached risk validations.
func (m *PositionManager) OnMutation(fn func()) {
	m.mu.Lock()
	m.onMutation = fn
	m.mu.Unlock()
}

func (m *PositionManager) notify() {
	m.mu.RLock()
	fn := m.onMutation
	m.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (m *PositionManager) validate(size, price decimal.Decimal) error {
	if size.LessThan(m.cfg.MinSize) || size.GreaterThan(m.cfg.MaxSize) {
		return fmt.Errorf("%w: %s outside [%s, %s]", domain.ErrInvalidSize, size, m.cfg.MinSize, m.cfg.MaxSize)
	}
	if !price.IsPositive() {
		return fmt.Errorf("%w: %s must be positive", domain.ErrInvalidPrice, price)
	}
	return nil
}

// Open creates a position for pair.
func (m *PositionManager) Open(pair string, size, entryPrice decimal.Decimal) (domain.Position, error) {
	if err := m.validate(size, entryPrice); err != nil {
		return domain.Position{}, err
	}
	now := m.timeNow()
	entryValue := size.Mul(entryPrice).Round(m.cfg.ValuePrecision)

	m.mu.Lock()
	if existing, ok := m.positions[pair]; ok {
		existing.mu.Lock()
		status := existing.pos.Status
		existing.mu.Unlock()
		if status != domain.PositionClosed {
			m.mu.Unlock()
			return domain.Position{}, fmt.Errorf("%w: %s is %s", domain.ErrPositionExists, pair, status)
		}
	}
	mp := &managedPosition{pos: domain.Position{
		ID:           uuid.NewString(),
		Pair:         pair,
		Size:         size,
		EntryPrice:   entryPrice,
		CurrentPrice: entryPrice,
		Status:       domain.PositionOpen,
		OpenedAt:     now,
		Metrics: domain.PositionMetrics{
			EntryValue:   entryValue,
			CurrentValue: entryValue,
			PeakValue:    entryValue,
			LastUpdate:   now,
		},
	}}
	m.positions[pair] = mp
	pos := mp.pos
	m.mu.Unlock()

	m.logger.Info("Position opened",
		zap.String("pair", pair),
		zap.String("id", pos.ID),
		zap.String("size", size.String()),
		zap.String("entry_price", entryPrice.String()))
	m.notify()
	return pos, nil
}

func (m *PositionManager) entry(pair string) (*managedPosition, error) {
	m.mu.RLock()
	mp, ok := m.positions[pair]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrPositionNotFound, pair)
	}
	return mp, nil
}

// Update applies a new size and mark price. A drawdown at or above the
// emergency threshold fails the update, leaves the position in
// EmergencyClosing and does not apply the new values.
func (m *PositionManager) Update(pair string, size, price decimal.Decimal) error {
	if err := m.validate(size, price); err != nil {
		return err
	}
	mp, err := m.entry(pair)
	if err != nil {
		return err
	}

	mp.mu.Lock()
	err = m.applyLocked(mp, size, price, mp.pos.EntryPrice)
	mp.mu.Unlock()
	if err == nil {
		m.notify()
	}
	return err
}

func (m *PositionManager) applyLocked(mp *managedPosition, size, price, entryPrice decimal.Decimal) error {
	start := m.timeNow()
	p := &mp.pos
	if !p.Status.Active() {
		return fmt.Errorf("%w: %s is %s", domain.ErrPositionInactive, p.Pair, p.Status)
	}

	entryValue := size.Mul(entryPrice).Round(m.cfg.ValuePrecision)
	current := size.Mul(price).Round(m.cfg.ValuePrecision)

	peak := p.Metrics.PeakValue
	if !size.Equal(p.Size) && p.Size.IsPositive() {
		// Keep the high-water mark comparable with the new size.
		peak = peak.Mul(size).Div(p.Size).Round(m.cfg.ValuePrecision)
	}
	if current.GreaterThan(peak) {
		peak = current
	}
	drawdown := decimal.Zero
	if peak.IsPositive() {
		drawdown = peak.Sub(current).Div(peak).Mul(hundred)
	}

	if drawdown.GreaterThanOrEqual(m.cfg.EmergencyDrawdownPct) {
		p.Status = domain.PositionEmergencyClosing
		m.metrics.PositionEmergency(p.Pair)
		m.logger.Error("Emergency closure triggered",
			zap.String("pair", p.Pair),
			zap.String("drawdown", drawdown.StringFixed(2)),
			zap.String("threshold", m.cfg.EmergencyDrawdownPct.String()))
		return &domain.EmergencyClosureError{Pair: p.Pair, Drawdown: drawdown, Threshold: m.cfg.EmergencyDrawdownPct}
	}

	unrealized := decimal.Zero
	if entryValue.IsPositive() {
		unrealized = current.Sub(entryValue).Div(entryValue).Mul(hundred)
	}

	p.Size = size
	p.EntryPrice = entryPrice
	p.CurrentPrice = price
	p.Metrics.EntryValue = entryValue
	p.Metrics.CurrentValue = current
	p.Metrics.PeakValue = peak
	p.Metrics.UnrealizedPnL = unrealized
	p.Metrics.Drawdown = drawdown
	if drawdown.GreaterThan(p.Metrics.MaxDrawdown) {
		p.Metrics.MaxDrawdown = drawdown
	}
	p.Metrics.UpdateCount++
	p.Metrics.LastUpdate = start

	m.metrics.PositionUpdated(p.Pair, unrealized.InexactFloat64(), drawdown.InexactFloat64(), m.timeNow().Sub(start))
	return nil
}

// ApplyFill folds an executed trade into the pair's position. Buys open or
// grow the position at a volume-weighted entry price; sells shrink it and
// close it once the remainder drops below the minimum size.
func (m *PositionManager) ApplyFill(ctx context.Context, pair string, side domain.Side, size, price decimal.Decimal) (domain.Position, error) {
	for {
		mp, err := m.entry(pair)
		if err != nil {
			if side == domain.SideSell {
				return domain.Position{}, err
			}
			pos, err := m.Open(pair, size, price)
			if errors.Is(err, domain.ErrPositionExists) {
				// A concurrent fill opened it first; fold into that one.
				continue
			}
			return pos, err
		}

		mp.mu.Lock()
		if mp.pos.Status == domain.PositionClosed && side == domain.SideBuy {
			// Archived between lookup and lock.
			mp.mu.Unlock()
			pos, err := m.Open(pair, size, price)
			if errors.Is(err, domain.ErrPositionExists) {
				continue
			}
			return pos, err
		}
		return m.fillLocked(ctx, mp, pair, side, size, price)
	}
}

// fillLocked applies a fill to mp, whose lock is held on entry and released
// before returning.
func (m *PositionManager) fillLocked(ctx context.Context, mp *managedPosition, pair string, side domain.Side, size, price decimal.Decimal) (domain.Position, error) {
	cur := mp.pos
	var newSize, entryPrice decimal.Decimal
	if side == domain.SideSell {
		newSize = cur.Size.Sub(size)
		entryPrice = cur.EntryPrice
	} else {
		newSize = cur.Size.Add(size)
		entryPrice = cur.Size.Mul(cur.EntryPrice).Add(size.Mul(price)).Div(newSize)
	}

	if newSize.LessThan(m.cfg.MinSize) {
		if price.IsPositive() {
			m.markLocked(mp, price)
		}
		mp.mu.Unlock()
		return m.Close(ctx, pair)
	}
	if err := m.validate(newSize, price); err != nil {
		mp.mu.Unlock()
		return domain.Position{}, err
	}
	err := m.applyLocked(mp, newSize, price, entryPrice)
	pos := mp.pos
	mp.mu.Unlock()
	if err == nil {
		m.notify()
	}
	return pos, err
}

// markLocked records the exit price of a position being closed by a fill.
// The drawdown gate does not apply since the loss is already realized.
func (m *PositionManager) markLocked(mp *managedPosition, price decimal.Decimal) {
	p := &mp.pos
	current := p.Size.Mul(price).Round(m.cfg.ValuePrecision)
	p.CurrentPrice = price
	p.Metrics.CurrentValue = current
	if p.Metrics.EntryValue.IsPositive() {
		p.Metrics.UnrealizedPnL = current.Sub(p.Metrics.EntryValue).Div(p.Metrics.EntryValue).Mul(hundred)
	}
	p.Metrics.LastUpdate = m.timeNow()
}

func (mp *managedPosition) snapshot() domain.Position {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.pos
}

// Close finalizes the position: realized PnL takes the last unrealized PnL,
// the record is persisted and the position is archived. When persistence
// fails the position stays in the Error state and can be closed again.
func (m *PositionManager) Close(ctx context.Context, pair string) (domain.Position, error) {
	mp, err := m.entry(pair)
	if err != nil {
		return domain.Position{}, err
	}

	mp.mu.Lock()
	p := &mp.pos
	if p.Status == domain.PositionClosed {
		mp.mu.Unlock()
		return domain.Position{}, fmt.Errorf("%w: %s already closed", domain.ErrPositionInactive, pair)
	}
	now := m.timeNow()
	p.Status = domain.PositionClosing
	p.Metrics.RealizedPnL = p.Metrics.UnrealizedPnL

	record := &domain.PositionHistory{
		PositionID:       p.ID,
		Pair:             p.Pair,
		Size:             p.Size,
		EntryPrice:       p.EntryPrice,
		ExitPrice:        p.CurrentPrice,
		RealizedPnL:      p.Metrics.RealizedPnL,
		RealizedPnLValue: p.Metrics.CurrentValue.Sub(p.Metrics.EntryValue),
		MaxDrawdown:      p.Metrics.MaxDrawdown,
		Status:           domain.PositionClosed,
		OpenedAt:         p.OpenedAt,
		ClosedAt:         now,
	}
	if m.history != nil {
		if err := m.history.SavePositionHistory(ctx, record); err != nil {
			p.Status = domain.PositionError
			pos := *p
			mp.mu.Unlock()
			m.metrics.PersistFailed("position_history")
			m.logger.Error("Failed to persist closed position",
				zap.String("pair", pair),
				zap.String("id", pos.ID),
				zap.Error(err))
			return pos, fmt.Errorf("persist position history for %s: %w", pair, err)
		}
	}

	p.Status = domain.PositionClosed
	p.ClosedAt = &now
	pos := *p
	mp.mu.Unlock()

	m.mu.Lock()
	if m.positions[pair] == mp {
		delete(m.positions, pair)
	}
	m.mu.Unlock()

	m.metrics.PositionClosed(pair, pos.Metrics.RealizedPnL.InexactFloat64())
	m.logger.Info("Position closed",
		zap.String("pair", pair),
		zap.String("id", pos.ID),
		zap.String("realized_pnl_pct", pos.Metrics.RealizedPnL.StringFixed(4)),
		zap.String("max_drawdown_pct", pos.Metrics.MaxDrawdown.StringFixed(4)))
	m.notify()
	return pos, nil
}

// CloseAll closes every position. Individual failures are logged and
// combined into the returned error.
func (m *PositionManager) CloseAll(ctx context.Context) error {
	var errs error
	for _, p := range m.List() {
		if _, err := m.Close(ctx, p.Pair); err != nil {
			m.logger.Error("Failed to close position on shutdown", zap.String("pair", p.Pair), zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (m *PositionManager) Get(pair string) (domain.Position, bool) {
	mp, err := m.entry(pair)
	if err != nil {
		return domain.Position{}, false
	}
	return mp.snapshot(), true
}

// List returns copies of every managed position sorted by pair.
func (m *PositionManager) List() []domain.Position {
	m.mu.RLock()
	entries := make([]*managedPosition, 0, len(m.positions))
	for _, mp := range m.positions {
		entries = append(entries, mp)
	}
	m.mu.RUnlock()

	out := make([]domain.Position, 0, len(entries))
	for _, mp := range entries {
		out = append(out, mp.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pair < out[j].Pair })
	return out
}

func (m *PositionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.positions)
}
