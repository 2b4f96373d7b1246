// Package memory is an in-process Repository used by tests and local dry runs.
// InTx snapshots state and restores it when fn fails.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"tradeengine/internal/models"
	"tradeengine/internal/repository"
)

type Store struct {
	txMu sync.Mutex
	mu   sync.Mutex

	strategies map[uint64]models.Strategy
	trades     map[uint64]models.Trade
	orders     map[uint64]models.Order
	brokers    map[uint64]models.Broker
	daily      map[string]models.DailyProfit
	nextID     uint64

	// FailCloses makes the next n CloseTradesTx calls fail.
	FailCloses int
}

var _ repository.Repository = (*Store)(nil)

func New() *Store {
	return &Store{
		strategies: map[uint64]models.Strategy{},
		trades:     map[uint64]models.Trade{},
		orders:     map[uint64]models.Order{},
		brokers:    map[uint64]models.Broker{},
		daily:      map[string]models.DailyProfit{},
	}
}

type snapshot struct {
	strategies map[uint64]models.Strategy
	trades     map[uint64]models.Trade
	orders     map[uint64]models.Order
	brokers    map[uint64]models.Broker
	daily      map[string]models.DailyProfit
	nextID     uint64
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (s *Store) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snap := snapshot{
		strategies: cloneMap(s.strategies),
		trades:     cloneMap(s.trades),
		orders:     cloneMap(s.orders),
		brokers:    cloneMap(s.brokers),
		daily:      cloneMap(s.daily),
		nextID:     s.nextID,
	}
	s.mu.Unlock()

	if err := fn(nil); err != nil {
		s.mu.Lock()
		s.strategies, s.trades, s.orders = snap.strategies, snap.trades, snap.orders
		s.brokers, s.daily, s.nextID = snap.brokers, snap.daily, snap.nextID
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Store) id() uint64 {
	s.nextID++
	return s.nextID
}

// --- strategies -------------------------------------------------------------

func (s *Store) ListStrategies(ctx context.Context) ([]models.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Strategy, 0, len(s.strategies))
	for _, item := range s.strategies {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetStrategy(ctx context.Context, id uint64) (*models.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.strategies[id]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (s *Store) CreateStrategy(ctx context.Context, item *models.Strategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item.ID == 0 {
		item.ID = s.id()
	} else if item.ID > s.nextID {
		s.nextID = item.ID
	}
	if item.InitialFunds.IsZero() {
		item.InitialFunds = item.Funds
	}
	if item.InitialFutureFunds.IsZero() {
		item.InitialFutureFunds = item.FutureFunds
	}
	s.strategies[item.ID] = *item
	return nil
}

func (s *Store) AddStrategyFundsTx(ctx context.Context, tx *gorm.DB, id uint64, funds, futureFunds decimal.Decimal) (*models.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.strategies[id]
	if !ok {
		return nil, fmt.Errorf("strategy %d: %w", id, gorm.ErrRecordNotFound)
	}
	item.Funds = item.Funds.Add(funds)
	item.FutureFunds = item.FutureFunds.Add(futureFunds)
	s.strategies[id] = item
	return &item, nil
}

// --- trades -----------------------------------------------------------------

func (s *Store) CreateTradeTx(ctx context.Context, tx *gorm.DB, item *models.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item.ID = s.id()
	item.CreatedAt = time.Now().UTC()
	s.trades[item.ID] = *item
	return nil
}

func (s *Store) CloseTradesTx(ctx context.Context, tx *gorm.DB, exits []models.TradeExit) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailCloses > 0 {
		s.FailCloses--
		return 0, fmt.Errorf("injected close failure")
	}
	var n int64
	for _, e := range exits {
		t, ok := s.trades[e.TradeID]
		if !ok || t.ExitReceivedAt != nil {
			continue
		}
		received, placed := e.ExitReceivedAt, e.ExitPlacedAt
		t.ExitPrice = e.ExitPrice
		t.FutureExitPrice = e.FutureExitPrice
		t.ExitReceivedAt = &received
		t.ExitPlacedAt = &placed
		t.Profit = e.Profit
		t.FutureProfit = e.FutureProfit
		s.trades[e.TradeID] = t
		n++
	}
	return n, nil
}

func (s *Store) ReconcileExitTx(ctx context.Context, tx *gorm.DB, exit models.TradeExit) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trades[exit.TradeID]
	if !ok || t.ExitReceivedAt == nil || t.ExitPrice != nil {
		return 0, nil
	}
	t.ExitPrice = exit.ExitPrice
	t.FutureExitPrice = exit.FutureExitPrice
	t.Profit = exit.Profit
	t.FutureProfit = exit.FutureProfit
	s.trades[exit.TradeID] = t
	return 1, nil
}

func (s *Store) sortedTrades(keep func(models.Trade) bool) []models.Trade {
	out := []models.Trade{}
	for _, t := range s.trades {
		if keep(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) ListOpenTrades(ctx context.Context, params repository.ListTradesParams) ([]models.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedTrades(func(t models.Trade) bool {
		if params.StrategyID != nil && *params.StrategyID > 0 && t.StrategyID != *params.StrategyID {
			return false
		}
		return t.ExitReceivedAt == nil
	}), nil
}

func (s *Store) ListTradesByIDs(ctx context.Context, ids []uint64) ([]models.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := map[uint64]bool{}
	for _, id := range ids {
		want[id] = true
	}
	return s.sortedTrades(func(t models.Trade) bool { return want[t.ID] }), nil
}

func (s *Store) ListClosedTrades(ctx context.Context, params repository.ListClosedTradesParams) ([]models.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedTrades(func(t models.Trade) bool {
		if t.StrategyID != params.StrategyID || t.ExitReceivedAt == nil {
			return false
		}
		at := *t.ExitReceivedAt
		return !at.Before(params.Since) && at.Before(params.Until)
	}), nil
}

func (s *Store) ListUnpricedExits(ctx context.Context, strategyID uint64) ([]models.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedTrades(func(t models.Trade) bool {
		return t.StrategyID == strategyID && t.ExitReceivedAt != nil && t.ExitPrice == nil
	}), nil
}

// Trades returns every trade of a strategy, open or closed.
func (s *Store) Trades(strategyID uint64) []models.Trade {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedTrades(func(t models.Trade) bool { return t.StrategyID == strategyID })
}

// --- orders -----------------------------------------------------------------

func (s *Store) CreateOrderTx(ctx context.Context, tx *gorm.DB, item *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.UniqueOrderID == item.UniqueOrderID {
			return fmt.Errorf("duplicate unique_order_id %q", item.UniqueOrderID)
		}
	}
	item.ID = s.id()
	if item.Status == "" {
		item.Status = models.OrderStatusPlaced
	}
	s.orders[item.ID] = *item
	return nil
}

func (s *Store) findOrder(uniqueOrderID string) *models.Order {
	for _, o := range s.orders {
		if o.UniqueOrderID == uniqueOrderID {
			item := o
			return &item
		}
	}
	return nil
}

func (s *Store) GetOrderByUniqueID(ctx context.Context, uniqueOrderID string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findOrder(uniqueOrderID), nil
}

func (s *Store) LockOrderTx(ctx context.Context, tx *gorm.DB, uniqueOrderID string) (*models.Order, error) {
	return s.GetOrderByUniqueID(ctx, uniqueOrderID)
}

func (s *Store) UpdateOrderTx(ctx context.Context, tx *gorm.DB, item *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.orders[item.ID]
	if !ok {
		return fmt.Errorf("order %d: %w", item.ID, gorm.ErrRecordNotFound)
	}
	cur.Status = item.Status
	cur.StatusMessage = item.StatusMessage
	cur.FillPrice = item.FillPrice
	cur.FilledAt = item.FilledAt
	cur.TradeID = item.TradeID
	s.orders[item.ID] = cur
	return nil
}

func (s *Store) ListOrdersBySignal(ctx context.Context, signalID string) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.Order{}
	for _, o := range s.orders {
		if o.SignalID == signalID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Orders returns every order of a strategy.
func (s *Store) Orders(strategyID uint64) []models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.Order{}
	for _, o := range s.orders {
		if o.StrategyID == strategyID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// --- brokers ----------------------------------------------------------------

// PutBroker inserts or replaces a broker record.
func (s *Store) PutBroker(item models.Broker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item.ID == 0 {
		item.ID = s.id()
	}
	s.brokers[item.ID] = item
}

func (s *Store) GetBroker(ctx context.Context, id uint64) (*models.Broker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.brokers[id]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (s *Store) ListBrokers(ctx context.Context) ([]models.Broker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Broker, 0, len(s.brokers))
	for _, b := range s.brokers {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateBrokerSessionTx(ctx context.Context, tx *gorm.DB, id uint64, session repository.BrokerSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.brokers[id]
	if !ok {
		return fmt.Errorf("broker %d: %w", id, gorm.ErrRecordNotFound)
	}
	at := session.UpdatedAt
	item.AccessToken = session.AccessToken
	item.RefreshToken = session.RefreshToken
	item.FeedToken = session.FeedToken
	item.SessionUpdatedAt = &at
	s.brokers[id] = item
	return nil
}

// --- daily profit -----------------------------------------------------------

func (s *Store) UpsertDailyProfit(ctx context.Context, item *models.DailyProfit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fmt.Sprintf("%d/%s", item.StrategyID, item.Date.Format(time.DateOnly))
	if cur, ok := s.daily[key]; ok {
		item.ID = cur.ID
	} else {
		item.ID = s.id()
	}
	s.daily[key] = *item
	return nil
}

func (s *Store) ListDailyProfits(ctx context.Context, params repository.ListDailyProfitsParams) ([]models.DailyProfit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.DailyProfit{}
	for _, item := range s.daily {
		if params.StrategyID != nil && item.StrategyID != *params.StrategyID {
			continue
		}
		if params.Since != nil && item.Date.Before(*params.Since) {
			continue
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	return out, nil
}
