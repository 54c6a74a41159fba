package usecase

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitos/dex_execution_engine/internal/domain"
	"go.uber.org/zap"
)

type OrderBookConfig struct {
	UpdateInterval  time.Duration
	MaxAge          time.Duration
	MaxClockSkew    time.Duration
	CleanupInterval time.Duration
	HealthInterval  time.Duration
	StepLatency     time.Duration
}

func DefaultOrderBookConfig() OrderBookConfig {
	return OrderBookConfig{
		UpdateInterval:  100 * time.Millisecond,
		MaxAge:          5 * time.Second,
		MaxClockSkew:    250 * time.Millisecond,
		CleanupInterval: 60 * time.Second,
		HealthInterval:  time.Second,
		StepLatency:     75 * time.Millisecond,
	}
}

type venueBooks map[string]*domain.OrderBookSnapshot

// bookEntry holds every venue's book for one pair. Writers serialize on mu
// and publish a fresh map; readers only ever load the pointer.
type bookEntry struct {
	mu       sync.Mutex
	dead     bool
	accepted map[string]time.Time // venue -> wall time of last accepted update
	books    atomic.Pointer[venueBooks]
}

// OrderBookStore is the concurrent per-pair book cache used for routing.
type OrderBookStore struct {
	cfg     OrderBookConfig
	logger  *zap.Logger
	metrics Metrics
	timeNow func() time.Time

	entries   sync.Map // pair -> *bookEntry
	conflicts atomic.Int64
}

func NewOrderBookStore(cfg OrderBookConfig, logger *zap.Logger, metrics Metrics) *OrderBookStore {
	return &OrderBookStore{
		cfg:     cfg,
		logger:  logger,
		metrics: metricsOrNop(metrics),
		timeNow: time.Now,
	}
}

func (s *OrderBookStore) checkFresh(snap *domain.OrderBookSnapshot, now time.Time) error {
	age := snap.Age(now)
	if age > s.cfg.MaxAge {
		return fmt.Errorf("%w: %s@%s is %s old (max %s)", domain.ErrStaleData, snap.Pair, snap.Venue, age.Truncate(time.Millisecond), s.cfg.MaxAge)
	}
	if -age > s.cfg.MaxClockSkew {
		return fmt.Errorf("%w: %s@%s timestamp %s ahead of local clock", domain.ErrStaleData, snap.Pair, snap.Venue, (-age).Truncate(time.Millisecond))
	}
	return nil
}

// Update installs a snapshot for its (pair, venue). Sequential updates within
// UpdateInterval are throttled. A writer that raced another writer for the
// same pair skips the throttle and overwrites (last writer wins).
func (s *OrderBookStore) Update(snap *domain.OrderBookSnapshot) error {
	if snap == nil {
		return fmt.Errorf("%w: nil snapshot", domain.ErrInvalidSnapshot)
	}
	start := s.timeNow()
	if err := s.checkFresh(snap, start); err != nil {
		s.metrics.BookRejected(snap.Pair, "stale")
		return err
	}

	for {
		v, _ := s.entries.LoadOrStore(snap.Pair, &bookEntry{accepted: make(map[string]time.Time)})
		entry := v.(*bookEntry)

		raced := false
		if !entry.mu.TryLock() {
			raced = true
			s.conflicts.Add(1)
			s.metrics.BookConflict(snap.Pair)
			entry.mu.Lock()
		}
		if entry.dead {
			// Evicted by a sweep between load and lock.
			entry.mu.Unlock()
			continue
		}

		now := s.timeNow()
		if last, ok := entry.accepted[snap.Venue]; ok && !raced && now.Sub(last) < s.cfg.UpdateInterval {
			entry.mu.Unlock()
			s.metrics.BookRejected(snap.Pair, "throttled")
			return fmt.Errorf("%w: %s@%s updated %s ago", domain.ErrUpdateThrottled, snap.Pair, snap.Venue, now.Sub(last).Truncate(time.Millisecond))
		}

		next := make(venueBooks, 4)
		if cur := entry.books.Load(); cur != nil {
			for venue, b := range *cur {
				next[venue] = b
			}
		}
		next[snap.Venue] = snap
		entry.books.Store(&next)
		entry.accepted[snap.Venue] = now
		entry.mu.Unlock()
		break
	}

	d := s.timeNow().Sub(start)
	s.metrics.BookUpdated(snap.Pair, snap.Venue, d)
	s.logger.Debug("Order book updated",
		zap.String("pair", snap.Pair),
		zap.String("venue", snap.Venue),
		zap.Duration("duration", d))
	return nil
}

func (s *OrderBookStore) load(pair string) venueBooks {
	v, ok := s.entries.Load(pair)
	if !ok {
		return nil
	}
	books := v.(*bookEntry).books.Load()
	if books == nil {
		return nil
	}
	return *books
}

// Snapshot returns the current book for (pair, venue) regardless of age.
func (s *OrderBookStore) Snapshot(pair, venue string) (*domain.OrderBookSnapshot, bool) {
	b, ok := s.load(pair)[venue]
	return b, ok
}

// Snapshots returns every venue book for pair, sorted by venue.
func (s *OrderBookStore) Snapshots(pair string) []*domain.OrderBookSnapshot {
	books := s.load(pair)
	out := make([]*domain.OrderBookSnapshot, 0, len(books))
	for _, b := range books {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Venue < out[j].Venue })
	return out
}

// Pairs lists the pairs with at least one book.
func (s *OrderBookStore) Pairs() []string {
	var pairs []string
	s.entries.Range(func(k, _ any) bool {
		pairs = append(pairs, k.(string))
		return true
	})
	sort.Strings(pairs)
	return pairs
}

// Conflicts returns how many concurrent same-pair writes were observed.
func (s *OrderBookStore) Conflicts() int64 {
	return s.conflicts.Load()
}

// MidPrice averages the mid of every fresh venue book for pair.
func (s *OrderBookStore) MidPrice(pair string) (decimal.Decimal, bool) {
	now := s.timeNow()
	sum := decimal.Zero
	n := int64(0)
	for _, b := range s.Snapshots(pair) {
		if s.checkFresh(b, now) != nil {
			continue
		}
		if mid, ok := b.Mid(); ok {
			sum = sum.Add(mid)
			n++
		}
	}
	if n == 0 {
		return decimal.Zero, false
	}
	return sum.Div(decimal.NewFromInt(n)), true
}

// MidPrices returns MidPrice for every known pair that has one.
func (s *OrderBookStore) MidPrices() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, pair := range s.Pairs() {
		if mid, ok := s.MidPrice(pair); ok {
			out[pair] = mid
		}
	}
	return out
}

type routeLevel struct {
	venue  string
	price  decimal.Decimal
	volume decimal.Decimal
}

// GetBestExecution routes order across every fresh eligible venue book. The
// route must fill the whole size within the order's slippage tolerance.
func (s *OrderBookStore) GetBestExecution(order *domain.Order) (domain.ExecutionPlan, error) {
	start := s.timeNow()
	books := s.load(order.Pair)
	if len(books) == 0 {
		return domain.ExecutionPlan{}, fmt.Errorf("%w for %s", domain.ErrNoBook, order.Pair)
	}

	var eligible []*domain.OrderBookSnapshot
	stale := 0
	for venue, b := range books {
		if order.Venue != "" && venue != order.Venue {
			continue
		}
		if s.checkFresh(b, start) != nil {
			stale++
			continue
		}
		eligible = append(eligible, b)
	}
	if len(eligible) == 0 {
		if stale > 0 {
			return domain.ExecutionPlan{}, fmt.Errorf("%w: every %s book is older than %s", domain.ErrStaleData, order.Pair, s.cfg.MaxAge)
		}
		return domain.ExecutionPlan{}, fmt.Errorf("%w for %s@%s", domain.ErrNoBook, order.Pair, order.Venue)
	}

	plan, err := s.route(order, eligible)
	if err != nil {
		return domain.ExecutionPlan{}, err
	}
	plan.CreatedAt = start
	s.metrics.PhaseDuration("routing_calc", s.timeNow().Sub(start))
	return plan, nil
}

func (s *OrderBookStore) route(order *domain.Order, books []*domain.OrderBookSnapshot) (domain.ExecutionPlan, error) {
	better := func(a, b decimal.Decimal) bool {
		if order.Side == domain.SideSell {
			return a.GreaterThan(b)
		}
		return a.LessThan(b)
	}

	var levels []routeLevel
	var ref decimal.Decimal
	for _, b := range books {
		for _, l := range b.Levels(order.Side) {
			if ref.IsZero() || better(l.Price, ref) {
				ref = l.Price
			}
			if order.Kind == domain.OrderLimit && better(order.Price, l.Price) {
				// Beyond the limit price; deeper levels are worse still.
				break
			}
			levels = append(levels, routeLevel{venue: b.Venue, price: l.Price, volume: l.Volume})
		}
	}
	if ref.IsZero() {
		return domain.ExecutionPlan{}, fmt.Errorf("%w: %s has no %s liquidity", domain.ErrNoRoute, order.Pair, order.Side)
	}
	sort.SliceStable(levels, func(i, j int) bool {
		if levels[i].price.Equal(levels[j].price) {
			return levels[i].venue < levels[j].venue
		}
		return better(levels[i].price, levels[j].price)
	})

	type leg struct {
		amount decimal.Decimal
		cost   decimal.Decimal
	}
	legs := make(map[string]*leg)
	var venueOrder []string
	remaining := order.Size
	totalCost := decimal.Zero
	for _, l := range levels {
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(remaining, l.volume)
		lg, ok := legs[l.venue]
		if !ok {
			lg = &leg{}
			legs[l.venue] = lg
			venueOrder = append(venueOrder, l.venue)
		}
		lg.amount = lg.amount.Add(take)
		lg.cost = lg.cost.Add(take.Mul(l.price))
		totalCost = totalCost.Add(take.Mul(l.price))
		remaining = remaining.Sub(take)
	}
	if remaining.IsPositive() {
		return domain.ExecutionPlan{}, fmt.Errorf("%w: %s liquidity fills %s of %s", domain.ErrNoRoute, order.Pair, order.Size.Sub(remaining), order.Size)
	}

	avg := totalCost.Div(order.Size)
	impact := avg.Sub(ref).Abs().Div(ref).Mul(decimal.NewFromInt(100))
	if impact.GreaterThan(order.Slippage) {
		return domain.ExecutionPlan{}, fmt.Errorf("%w: %s impact %s%% exceeds tolerance %s%%", domain.ErrNoRoute, order.Pair, impact.StringFixed(4), order.Slippage.StringFixed(4))
	}

	steps := make([]domain.ExecutionStep, 0, len(venueOrder))
	for _, venue := range venueOrder {
		lg := legs[venue]
		steps = append(steps, domain.ExecutionStep{
			Venue:  venue,
			Amount: lg.amount,
			Price:  lg.cost.Div(lg.amount),
		})
	}
	return domain.ExecutionPlan{
		OrderID:                order.ID,
		Pair:                   order.Pair,
		Side:                   order.Side,
		Steps:                  steps,
		ReferencePrice:         ref,
		EstimatedPrice:         avg,
		TotalPriceImpact:       impact,
		EstimatedExecutionTime: s.cfg.StepLatency * time.Duration(len(steps)),
	}, nil
}

// Sweep evicts venue books older than MaxAge and drops pairs left empty.
// It returns the number of evicted books.
func (s *OrderBookStore) Sweep() int {
	now := s.timeNow()
	evicted := 0
	s.entries.Range(func(k, v any) bool {
		entry := v.(*bookEntry)
		entry.mu.Lock()
		defer entry.mu.Unlock()

		cur := entry.books.Load()
		if cur == nil {
			return true
		}
		next := make(venueBooks, len(*cur))
		for venue, b := range *cur {
			if b.Age(now) > s.cfg.MaxAge {
				delete(entry.accepted, venue)
				evicted++
				continue
			}
			next[venue] = b
		}
		if len(next) == 0 {
			entry.dead = true
			s.entries.Delete(k)
			return true
		}
		entry.books.Store(&next)
		return true
	})
	if evicted > 0 {
		s.metrics.BooksEvicted(evicted)
		s.logger.Info("Evicted stale order books", zap.Int("count", evicted))
	}
	return evicted
}

// CheckHealth logs every stale book and returns how many there are.
func (s *OrderBookStore) CheckHealth() int {
	now := s.timeNow()
	stale := 0
	for _, pair := range s.Pairs() {
		for _, b := range s.Snapshots(pair) {
			if age := b.Age(now); age > s.cfg.MaxAge {
				stale++
				s.logger.Warn("Stale order book detected",
					zap.String("pair", pair),
					zap.String("venue", b.Venue),
					zap.Duration("age", age))
			}
		}
	}
	s.metrics.StaleBooks(stale)
	return stale
}

// Run drives the cleanup and health loops until ctx is done. Neither loop
// touches the request path beyond the per-pair writer lock.
func (s *OrderBookStore) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	loop := func(interval time.Duration, fn func()) {
		defer wg.Done()
		if interval <= 0 {
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn()
			case <-ctx.Done():
				return
			}
		}
	}

	wg.Add(2)
	go loop(s.cfg.CleanupInterval, func() { s.Sweep() })
	go loop(s.cfg.HealthInterval, func() { s.CheckHealth() })
	wg.Wait()
	return nil
}
