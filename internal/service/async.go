package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"tradeengine/internal/broker"
	"tradeengine/internal/models"
	"tradeengine/internal/position"
)

// executeAsync places orders on a broker that confirms fills by webhook. Exits go out
// first, one order per instrument; the entry is placed by the order lifecycle once the
// last of them fills. With nothing to exit the entry is placed straight away, as it is
// when the broker reported every exit filled on the spot.
func (d *Dispatcher) executeAsync(ctx context.Context, st *models.Strategy, client broker.Client, p plan, log *zap.Logger) (string, error) {
	leg, err := d.resolveEntry(ctx, st, p)
	if err != nil {
		return "", err
	}

	var open []models.TradeSummary
	if p.ExitKey != "" {
		if open, err = d.Positions.OpenFor(ctx, st.ID, p.ExitKey); err != nil {
			return "", err
		}
	}
	if len(open) == 0 {
		qty, err := size(st, decimal.Zero)
		if err != nil {
			return "", err
		}
		return d.enterAsync(ctx, st, client, p, leg, qty, summary{}, log)
	}

	groups := groupExits(open)
	if err := d.quoteExits(ctx, st, p, groups); err != nil {
		return "", err
	}
	var sum summary
	for _, g := range groups {
		res, err := d.placeExitOrder(ctx, st, client, p, g)
		if err != nil {
			if !sum.placed && sum.closed == 0 {
				return "", err
			}
			log.Error("exit order failed after earlier exits went through",
				zap.Int("closed", sum.closed), zap.Bool("placed", sum.placed), zap.Error(err))
			sum.exitErr = err
			return sum.String(), nil
		}
		if res == nil {
			sum.placed = true
			continue
		}
		sum.closed += res.Closed
		sum.profit = sum.profit.Add(res.Profit)
	}
	if sum.placed {
		return sum.String(), nil
	}

	qty, err := size(st, sum.profit)
	if err != nil {
		log.Error("entry failed after exit", zap.Error(err))
		sum.entryErr = err
		return sum.String(), nil
	}
	return d.enterAsync(ctx, st, client, p, leg, qty, sum, log)
}

func (d *Dispatcher) enterAsync(ctx context.Context, st *models.Strategy, client broker.Client, p plan, leg entryLeg, qty decimal.Decimal, sum summary, log *zap.Logger) (string, error) {
	_, trade, err := d.placeEntryOrder(ctx, st, client, p, leg, qty)
	if err != nil {
		if sum.closed == 0 {
			return "", err
		}
		log.Error("entry failed after exit", zap.Error(err))
		sum.entryErr = err
		return sum.String(), nil
	}
	if trade != nil {
		sum.opened = trade
	} else {
		sum.placed = true
	}
	return sum.String(), nil
}

// placeExitOrder submits one exit group and records the order for the webhook. A fill
// the broker reported without an order to await closes the group's trades here, and
// the close is returned.
func (d *Dispatcher) placeExitOrder(ctx context.Context, st *models.Strategy, client broker.Client, p plan, g exitGroup) (*position.CloseResult, error) {
	placedAt := d.now()
	req := g.request(clientOrderID(p.SignalID))
	req.Side = brokerSide(g.Side)
	fill, err := broker.Submit(ctx, client, req, d.submitOptions(nil))
	if err != nil {
		return nil, exitFailed(g.Symbol, err)
	}
	if !fill.Placed() {
		price := g.Quote
		if fill.Price != nil {
			price = fill.Price
		}
		exits := exitsFor(st, g.Trades, price, d.futurePriceNow(ctx, st, p), p.ReceivedAt, placedAt)
		res, err := d.Positions.CloseAll(ctx, st, p.ExitKey, exits)
		if err != nil {
			return nil, err
		}
		return &res, nil
	}

	snap := p.snapshot()
	first := g.Trades[0]
	snap.Strike = first.Strike
	snap.OptionType = first.OptionType
	snap.Expiry = first.Expiry
	ids, err := json.Marshal(g.tradeIDs())
	if err != nil {
		return nil, err
	}
	order, err := d.newOrder(st, p, fill, req, models.OrderExit, snap)
	if err != nil {
		return nil, err
	}
	order.TradeIDs = datatypes.JSON(ids)
	return nil, d.Repo.InTx(ctx, func(tx *gorm.DB) error {
		return d.Repo.CreateOrderTx(ctx, tx, order)
	})
}

// placeEntryOrder submits the entry and records it for the webhook to complete. An
// entry the broker reported filled without an order to await is opened directly and
// returned as a trade instead.
func (d *Dispatcher) placeEntryOrder(ctx context.Context, st *models.Strategy, client broker.Client, p plan, leg entryLeg, qty decimal.Decimal) (*models.Order, *models.Trade, error) {
	placedAt := d.now()
	req := leg.request(qty, clientOrderID(p.SignalID))
	req.Side = brokerSide(leg.Side)
	fill, err := broker.Submit(ctx, client, req, d.submitOptions(d.resizer(st.ID)))
	if err != nil {
		return nil, nil, fmt.Errorf("entry %s: %w", leg.Symbol, err)
	}
	if !fill.Placed() {
		trade, err := d.openFilled(ctx, st, p, leg, fill, placedAt)
		return nil, trade, err
	}

	snap := p.snapshot()
	snap.Strike = leg.Strike
	snap.OptionType = leg.OptionType
	if leg.Expiry != nil {
		snap.Expiry = leg.Expiry.Format(time.DateOnly)
	}
	quote := leg.Quote
	snap.Premium = &quote
	if !snap.FuturePrice.IsPositive() {
		if fp := d.futurePriceFor(ctx, st, p); fp != nil {
			snap.FuturePrice = *fp
		}
	}
	order, err := d.newOrder(st, p, fill, req, models.OrderEntry, snap)
	if err != nil {
		return nil, nil, err
	}
	err = d.Repo.InTx(ctx, func(tx *gorm.DB) error {
		return d.Repo.CreateOrderTx(ctx, tx, order)
	})
	return order, nil, err
}

func (d *Dispatcher) newOrder(st *models.Strategy, p plan, fill broker.Fill, req broker.OrderRequest, kind string, snap models.OrderSignal) (*models.Order, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	unique := fill.UniqueOrderID
	if unique == "" {
		unique = fill.OrderID
	}
	if unique == "" {
		return nil, fmt.Errorf("broker returned no order id for %s %s", req.Side, req.Instrument)
	}
	return &models.Order{
		StrategyID:    st.ID,
		BrokerID:      st.BrokerID,
		OrderID:       fill.OrderID,
		UniqueOrderID: unique,
		SignalID:      p.SignalID,
		Instrument:    req.Instrument,
		Quantity:      fill.Quantity,
		Side:          req.Side,
		EntryExit:     kind,
		Status:        models.OrderStatusPlaced,
		Signal:        datatypes.JSON(raw),
	}, nil
}
