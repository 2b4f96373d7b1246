package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"tradeengine/internal/apperr"
	"tradeengine/internal/broker"
	"tradeengine/internal/models"
	"tradeengine/internal/position"
)

// OrderUpdate is the order-update callback posted by asynchronous brokers.
type OrderUpdate struct {
	OrderID       string          `json:"orderid"`
	UniqueOrderID string          `json:"uniqueorderid"`
	Status        string          `json:"orderstatus"`
	AveragePrice  decimal.Decimal `json:"averageprice"`
	Text          string          `json:"text"`
}

// Lifecycle completes orders placed on asynchronous brokers.
type Lifecycle struct {
	Dispatcher *Dispatcher

	// The webhook can beat the order row's commit; the row is looked up this many times.
	LookupAttempts int
	LookupInterval time.Duration
}

// HandleOrderUpdate applies one callback. Updates for an order already terminal are
// acknowledged without changes, so redelivery is safe.
func (l *Lifecycle) HandleOrderUpdate(ctx context.Context, u OrderUpdate) (string, error) {
	d := l.Dispatcher
	id := strings.TrimSpace(u.UniqueOrderID)
	if id == "" {
		id = strings.TrimSpace(u.OrderID)
	}
	if id == "" {
		return "", fmt.Errorf("%w: uniqueorderid is required", apperr.ErrInvalidInput)
	}
	status := strings.ToLower(strings.TrimSpace(u.Status))
	log := d.log().With(zap.String("unique_order_id", id), zap.String("order_status", status))

	switch status {
	case broker.StatusComplete, broker.StatusRejected, broker.StatusCancelled:
	default:
		log.Info("intermediate order status ignored")
		return msgOrderProcessed, nil
	}

	order, err := l.awaitOrder(ctx, id)
	if err != nil {
		return "", err
	}
	unlock, err := d.Locks.Lock(ctx, order.StrategyID)
	if err != nil {
		return "", err
	}
	defer unlock()

	if order, err = d.Repo.GetOrderByUniqueID(ctx, id); err != nil {
		return "", err
	}
	if order == nil {
		return "", fmt.Errorf("%w: order %s", apperr.ErrNotFound, id)
	}
	if order.Terminal() {
		log.Info("order already terminal, update ignored", zap.String("status", order.Status))
		return msgOrderProcessed, nil
	}
	log = log.With(zap.Uint64("strategy_id", order.StrategyID), zap.String("entry_exit", order.EntryExit))

	switch {
	case status != broker.StatusComplete:
		terminal := models.OrderStatusRejected
		if status == broker.StatusCancelled {
			terminal = models.OrderStatusCancelled
		}
		log.Warn("order did not fill", zap.String("text", u.Text))
		err = d.Repo.InTx(ctx, func(tx *gorm.DB) error {
			return l.markOrder(ctx, id, terminal, nil, u.Text)(tx, position.TxResult{})
		})
	case order.EntryExit == models.OrderEntry:
		err = l.fillEntry(ctx, order, u)
	default:
		err = l.fillExit(ctx, order, u, log)
	}
	if errors.Is(err, apperr.ErrDuplicate) {
		log.Info("concurrent update already applied")
		return msgOrderProcessed, nil
	}
	if err != nil {
		return "", err
	}
	return msgOrderProcessed, nil
}

func (l *Lifecycle) awaitOrder(ctx context.Context, uniqueOrderID string) (*models.Order, error) {
	attempts, interval := l.LookupAttempts, l.LookupInterval
	if attempts <= 0 {
		attempts = 10
	}
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	for i := 0; i < attempts; i++ {
		if i > 0 {
			t := time.NewTimer(interval)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}
		order, err := l.Dispatcher.Repo.GetOrderByUniqueID(ctx, uniqueOrderID)
		if err != nil {
			return nil, err
		}
		if order != nil {
			return order, nil
		}
	}
	return nil, fmt.Errorf("%w: order %s", apperr.ErrNotFound, uniqueOrderID)
}

// markOrder writes a terminal status onto the order inside the caller's transaction.
// An order that turned terminal in the meantime fails with apperr.ErrDuplicate.
func (l *Lifecycle) markOrder(ctx context.Context, uniqueOrderID, status string, price *decimal.Decimal, text string) position.Hook {
	d := l.Dispatcher
	return func(tx *gorm.DB, res position.TxResult) error {
		o, err := d.Repo.LockOrderTx(ctx, tx, uniqueOrderID)
		if err != nil {
			return err
		}
		if o == nil {
			return fmt.Errorf("%w: order %s", apperr.ErrNotFound, uniqueOrderID)
		}
		if o.Terminal() {
			return fmt.Errorf("%w: order %s is %s", apperr.ErrDuplicate, uniqueOrderID, o.Status)
		}
		o.Status = status
		o.StatusMessage = text
		o.FillPrice = price
		if status == models.OrderStatusFilled {
			now := d.now()
			o.FilledAt = &now
		}
		if res.Trade != nil {
			tradeID := res.Trade.ID
			o.TradeID = &tradeID
		}
		return d.Repo.UpdateOrderTx(ctx, tx, o)
	}
}

func (l *Lifecycle) fillEntry(ctx context.Context, order *models.Order, u OrderUpdate) error {
	d := l.Dispatcher
	st, err := d.Positions.Snapshot(ctx, order.StrategyID)
	if err != nil {
		return err
	}
	snap, err := order.SignalSnapshot()
	if err != nil {
		return fmt.Errorf("order %s signal: %w", order.UniqueOrderID, err)
	}

	price := u.AveragePrice
	if !price.IsPositive() && snap.Premium != nil {
		price = *snap.Premium
	}
	placedAt := order.CreatedAt
	if placedAt.IsZero() {
		placedAt = d.now()
	}
	trade := &models.Trade{
		Instrument:       order.Instrument,
		Quantity:         signedQuantity(order.Side, order.Quantity),
		EntryPrice:       price,
		FutureEntryPrice: snap.FuturePrice,
		EntryReceivedAt:  snap.ReceivedAt,
		EntryPlacedAt:    placedAt,
		Strike:           snap.Strike,
		Action:           snap.Action,
		BrokerOrderID:    order.OrderID,
	}
	if snap.OptionType != "" {
		optionType := snap.OptionType
		trade.OptionType = &optionType
	}
	if snap.Expiry != "" {
		expiry, err := time.Parse(time.DateOnly, snap.Expiry)
		if err != nil {
			return fmt.Errorf("order %s expiry %q: %w", order.UniqueOrderID, snap.Expiry, err)
		}
		trade.Expiry = &expiry
	}
	fillPrice := price
	return d.Positions.Open(ctx, st, trade, l.markOrder(ctx, order.UniqueOrderID, models.OrderStatusFilled, &fillPrice, u.Text))
}

func (l *Lifecycle) fillExit(ctx context.Context, order *models.Order, u OrderUpdate, log *zap.Logger) error {
	d := l.Dispatcher
	st, err := d.Positions.Snapshot(ctx, order.StrategyID)
	if err != nil {
		return err
	}
	snap, err := order.SignalSnapshot()
	if err != nil {
		return fmt.Errorf("order %s signal: %w", order.UniqueOrderID, err)
	}
	ids, err := order.ExitTradeIDs()
	if err != nil {
		return fmt.Errorf("order %s trade ids: %w", order.UniqueOrderID, err)
	}
	trades, err := d.Repo.ListTradesByIDs(ctx, ids)
	if err != nil {
		return err
	}

	var open []models.TradeSummary
	key := snap.PositionKey
	for _, t := range trades {
		if !t.IsOpen() {
			continue
		}
		open = append(open, models.SummaryOf(t))
		if key == "" {
			key = position.KeyOf(t)
		}
	}

	var exitPrice *decimal.Decimal
	if u.AveragePrice.IsPositive() {
		price := u.AveragePrice
		exitPrice = &price
	}
	mark := l.markOrder(ctx, order.UniqueOrderID, models.OrderStatusFilled, exitPrice, u.Text)

	if len(open) == 0 {
		log.Warn("exit filled but its trades are already closed")
		if err := d.Repo.InTx(ctx, func(tx *gorm.DB) error { return mark(tx, position.TxResult{}) }); err != nil {
			return err
		}
	} else {
		p, err := planFromSnapshot(order.SignalID, snap)
		if err != nil {
			return err
		}
		placedAt := order.CreatedAt
		if placedAt.IsZero() {
			placedAt = d.now()
		}
		exits := exitsFor(st, open, exitPrice, d.futurePriceNow(ctx, st, p), snap.ReceivedAt, placedAt)
		res, err := d.Positions.CloseAll(ctx, st, key, exits, mark)
		if err != nil {
			return err
		}
		log.Info("exit order filled", zap.Int("closed", res.Closed), zap.String("profit", res.Profit.StringFixed(2)))
	}

	l.continueSignal(ctx, order, snap, log)
	return nil
}

// continueSignal places the entry a signal implied once the last of its exit orders
// has filled. Failures are logged: the exits stand either way.
func (l *Lifecycle) continueSignal(ctx context.Context, order *models.Order, snap models.OrderSignal, log *zap.Logger) {
	d := l.Dispatcher
	if snap.EntryKey == "" {
		return
	}
	siblings, err := d.Repo.ListOrdersBySignal(ctx, order.SignalID)
	if err != nil {
		log.Error("list sibling orders failed", zap.Error(err))
		return
	}
	for _, s := range siblings {
		if s.EntryExit == models.OrderEntry {
			return
		}
		if s.UniqueOrderID != order.UniqueOrderID && s.Status == models.OrderStatusPlaced {
			log.Info("waiting for sibling exit orders", zap.String("pending", s.UniqueOrderID))
			return
		}
	}

	err = func() error {
		p, err := planFromSnapshot(order.SignalID, snap)
		if err != nil {
			return err
		}
		st, err := d.Positions.Snapshot(ctx, order.StrategyID)
		if err != nil {
			return err
		}
		client, err := d.Brokers.For(ctx, st.BrokerID)
		if err != nil {
			return err
		}
		leg, err := d.resolveEntry(ctx, st, p)
		if err != nil {
			return err
		}
		qty, err := size(st, decimal.Zero)
		if err != nil {
			return err
		}
		entry, trade, err := d.placeEntryOrder(ctx, st, client, p, leg, qty)
		if err != nil {
			return err
		}
		if trade != nil {
			log.Info("entry filled on placement", zap.Uint64("trade_id", trade.ID), zap.String("quantity", trade.Quantity.String()))
			return nil
		}
		log.Info("entry order placed", zap.String("entry_order", entry.UniqueOrderID), zap.String("quantity", qty.String()))
		return nil
	}()
	if err != nil {
		log.Error("entry after exit failed", zap.String("entry_key", snap.EntryKey), zap.Error(err))
	}
}
