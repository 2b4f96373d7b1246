package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradeengine/internal/apperr"
	"tradeengine/internal/broker"
	"tradeengine/internal/models"
)

// DirectSignal is a market order routed straight to a CFD or perpetual broker.
type DirectSignal struct {
	StrategyID uint64           `json:"strategy_id"`
	Action     string           `json:"action"`
	Quantity   *decimal.Decimal `json:"quantity,omitempty"`
	Instrument string           `json:"instrument,omitempty"`
}

type DirectFill struct {
	OrderID  string           `json:"order_id"`
	Side     string           `json:"side"`
	Quantity decimal.Decimal  `json:"quantity"`
	Status   string           `json:"status"`
	Price    *decimal.Decimal `json:"price,omitempty"`
}

type DirectResult struct {
	Broker     string      `json:"broker"`
	Instrument string      `json:"instrument"`
	Closed     *DirectFill `json:"closed,omitempty"`
	Opened     *DirectFill `json:"opened,omitempty"`
}

// DirectService trades the broker's own net position: an opposite position is closed
// first, then the new one opened. Nothing is recorded in the position store.
type DirectService struct {
	Dispatcher *Dispatcher
}

func (s *DirectService) Handle(ctx context.Context, kind string, sig DirectSignal) (DirectResult, error) {
	d := s.Dispatcher
	if sig.StrategyID == 0 {
		return DirectResult{}, fmt.Errorf("%w: strategy_id is required", apperr.ErrInvalidInput)
	}
	action := strings.ToLower(sig.Action)
	if action != models.ActionBuy && action != models.ActionSell {
		return DirectResult{}, fmt.Errorf("%w: action must be buy or sell, got %q", apperr.ErrInvalidInput, sig.Action)
	}

	unlock, err := d.Locks.Lock(ctx, sig.StrategyID)
	if err != nil {
		return DirectResult{}, err
	}
	defer unlock()

	st, err := d.Positions.Snapshot(ctx, sig.StrategyID)
	if err != nil {
		return DirectResult{}, err
	}
	client, err := d.Brokers.For(ctx, st.BrokerID)
	if err != nil {
		return DirectResult{}, err
	}
	if client.Name() != kind {
		return DirectResult{}, fmt.Errorf("%w: strategy %d trades on %s, not %s", apperr.ErrInvalidInput, st.ID, client.Name(), kind)
	}
	instrument := sig.Instrument
	if instrument == "" {
		instrument = st.Instrument
	}
	if instrument == "" {
		return DirectResult{}, fmt.Errorf("%w: strategy %d has no instrument", apperr.ErrInvalidInput, st.ID)
	}

	qty := decimal.Zero
	if sig.Quantity != nil {
		qty = *sig.Quantity
	}
	if !qty.IsPositive() {
		if qty, err = size(st, decimal.Zero); err != nil {
			return DirectResult{}, err
		}
	}

	log := d.log().With(zap.Uint64("strategy_id", st.ID), zap.String("broker", kind), zap.String("instrument", instrument))
	out := DirectResult{Broker: kind, Instrument: instrument}
	tag := clientOrderID(newSignalID())
	side := brokerSide(action)

	positions, err := client.Positions(ctx)
	if err != nil {
		return out, fmt.Errorf("positions: %w", err)
	}
	net := decimal.Zero
	for _, p := range positions {
		if p.Instrument == instrument {
			net = net.Add(p.Quantity)
		}
	}
	if (side == broker.SideBuy && net.IsNegative()) || (side == broker.SideSell && net.IsPositive()) {
		fill, err := broker.Submit(ctx, client, broker.OrderRequest{
			Side:          side,
			Instrument:    instrument,
			Quantity:      net.Abs(),
			OrderType:     broker.OrderTypeMarket,
			ClientOrderID: tag,
		}, d.submitOptions(nil))
		if err != nil {
			return out, fmt.Errorf("close %s: %w", instrument, err)
		}
		out.Closed = directFill(side, fill)
		log.Info("opposite position closed", zap.String("quantity", net.Abs().String()))
	}

	fill, err := broker.Submit(ctx, client, broker.OrderRequest{
		Side:          side,
		Instrument:    instrument,
		Quantity:      qty,
		OrderType:     broker.OrderTypeMarket,
		ClientOrderID: tag,
	}, d.submitOptions(d.resizer(st.ID)))
	if err != nil {
		return out, fmt.Errorf("open %s: %w", instrument, err)
	}
	out.Opened = directFill(side, fill)
	log.Info("position opened", zap.String("side", side), zap.String("quantity", fill.Quantity.String()))
	return out, nil
}

func directFill(side string, f broker.Fill) *DirectFill {
	return &DirectFill{
		OrderID:  f.OrderID,
		Side:     side,
		Quantity: f.Quantity,
		Status:   f.Status,
		Price:    f.Price,
	}
}
