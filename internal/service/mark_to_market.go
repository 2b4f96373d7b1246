package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"tradeengine/internal/catalog"
	"tradeengine/internal/models"
	"tradeengine/internal/pnl"
	"tradeengine/internal/repository"
)

type MarkResult struct {
	Skipped    bool `json:"skipped"`
	Strategies int  `json:"strategies"`
	Reconciled int  `json:"reconciled"`
	Failed     int  `json:"failed"`
}

// MarkToMarket writes the daily profit row of every strategy: realized today plus the
// unrealized P/L of open trades at current quotes. Exits recorded without a fill price
// are priced first.
type MarkToMarket struct {
	Dispatcher *Dispatcher
	Workers    int
}

func (m *MarkToMarket) Run(ctx context.Context) (MarkResult, error) {
	d := m.Dispatcher
	now := d.now()
	if !d.Rules.TradingDay(now) {
		d.log().Info("daily profit skipped on non-trading day", zap.String("date", now.UTC().Format(time.DateOnly)))
		return MarkResult{Skipped: true}, nil
	}
	strategies, err := d.Repo.ListStrategies(ctx)
	if err != nil {
		return MarkResult{}, fmt.Errorf("list strategies: %w", err)
	}

	var mu sync.Mutex
	var errs []error
	out := MarkResult{Strategies: len(strategies)}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workersOr(m.Workers))
	for i := range strategies {
		st := strategies[i]
		g.Go(func() error {
			n, err := m.markStrategy(gctx, st.ID, now)
			mu.Lock()
			defer mu.Unlock()
			out.Reconciled += n
			if err != nil {
				out.Failed++
				errs = append(errs, fmt.Errorf("strategy %d: %w", st.ID, err))
			}
			return nil
		})
	}
	_ = g.Wait()
	d.log().Info("daily profit updated",
		zap.Int("strategies", out.Strategies),
		zap.Int("reconciled", out.Reconciled),
		zap.Int("failed", out.Failed),
	)
	return out, errors.Join(errs...)
}

func (m *MarkToMarket) markStrategy(ctx context.Context, strategyID uint64, now time.Time) (int, error) {
	d := m.Dispatcher
	unlock, err := d.Locks.Lock(ctx, strategyID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	st, err := d.Repo.GetStrategy(ctx, strategyID)
	if err != nil {
		return 0, err
	}
	if st == nil {
		return 0, nil
	}
	shadow := m.shadowPrice(ctx, st, now)

	reconciled, err := m.reconcile(ctx, st, shadow)
	if err != nil {
		return reconciled, err
	}

	day := utcDate(now)
	closed, err := d.Repo.ListClosedTrades(ctx, repository.ListClosedTradesParams{
		StrategyID: st.ID,
		Since:      day,
		Until:      day.Add(24 * time.Hour),
	})
	if err != nil {
		return reconciled, err
	}
	row := &models.DailyProfit{StrategyID: st.ID, Date: day}
	for _, t := range closed {
		if t.Profit != nil {
			row.Realized = row.Realized.Add(*t.Profit)
		}
		if t.FutureProfit != nil {
			row.FutureRealized = row.FutureRealized.Add(*t.FutureProfit)
		}
	}

	id := st.ID
	open, err := d.Repo.ListOpenTrades(ctx, repository.ListTradesParams{StrategyID: &id})
	if err != nil {
		return reconciled, err
	}
	row.OpenTrades = len(open)
	for _, t := range open {
		price, ok := m.markPrice(ctx, st, t)
		if !ok {
			continue
		}
		exit := pnl.ExitFor(pnl.ExitInput{
			Strategy:        *st,
			Trade:           models.SummaryOf(t),
			ExitPrice:       &price,
			FutureExitPrice: shadow,
		})
		if exit.Profit != nil {
			row.Unrealized = row.Unrealized.Add(*exit.Profit)
		}
		if exit.FutureProfit != nil {
			row.FutureUnrealized = row.FutureUnrealized.Add(*exit.FutureProfit)
		}
	}
	row.Total = row.Realized.Add(row.Unrealized)
	row.FutureTotal = row.FutureRealized.Add(row.FutureUnrealized)
	return reconciled, d.Repo.UpsertDailyProfit(ctx, row)
}

// reconcile prices close-partial trades and credits the profit they now carry.
func (m *MarkToMarket) reconcile(ctx context.Context, st *models.Strategy, shadow *decimal.Decimal) (int, error) {
	d := m.Dispatcher
	trades, err := d.Repo.ListUnpricedExits(ctx, st.ID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range trades {
		price, ok := m.markPrice(ctx, st, t)
		if !ok {
			d.log().Warn("unpriced exit still has no quote", zap.Uint64("trade_id", t.ID), zap.String("instrument", t.Instrument))
			continue
		}
		future := t.FutureExitPrice
		if future == nil {
			future = shadow
		}
		exit := pnl.ExitFor(pnl.ExitInput{
			Strategy:        *st,
			Trade:           models.SummaryOf(t),
			ExitPrice:       &price,
			FutureExitPrice: future,
			ReceivedAt:      *t.ExitReceivedAt,
		})
		// future profit already credited at close stays as it was
		futureDelta := decimal.Zero
		if t.FutureProfit != nil {
			exit.FutureProfit = t.FutureProfit
		} else if exit.FutureProfit != nil {
			futureDelta = *exit.FutureProfit
		}
		profit := decimal.Zero
		if exit.Profit != nil {
			profit = *exit.Profit
		}

		var rows int64
		err := d.Repo.InTx(ctx, func(tx *gorm.DB) error {
			var err error
			if rows, err = d.Repo.ReconcileExitTx(ctx, tx, exit); err != nil {
				return err
			}
			if rows == 0 {
				// priced since it was listed; its profit is already credited
				return nil
			}
			_, err = d.Repo.AddStrategyFundsTx(ctx, tx, st.ID, profit, futureDelta)
			return err
		})
		if err != nil {
			return n, fmt.Errorf("reconcile trade %d: %w", t.ID, err)
		}
		if rows == 0 {
			d.log().Info("unpriced exit already reconciled", zap.Uint64("trade_id", t.ID))
			continue
		}
		n++
	}
	if n > 0 {
		if _, err := d.Positions.RebuildStrategy(ctx, st.ID); err != nil {
			d.log().Warn("refresh strategy snapshot failed", zap.Uint64("strategy_id", st.ID), zap.Error(err))
		}
	}
	return n, nil
}

// markPrice is the current price of a trade's contract.
func (m *MarkToMarket) markPrice(ctx context.Context, st *models.Strategy, t models.Trade) (decimal.Decimal, bool) {
	d := m.Dispatcher
	var price decimal.Decimal
	var err error
	switch {
	case st.InstrumentClass == models.InstrumentClassCFD:
		price, err = d.cfdQuote(ctx, st)
	case t.IsOption() && t.Expiry != nil && t.Strike != nil:
		price, err = d.Chain.Price(ctx, st.Symbol, *t.Expiry, *t.OptionType, *t.Strike)
	case t.Expiry != nil:
		price, err = d.Chain.FuturePrice(ctx, st.Symbol, *t.Expiry)
	default:
		return price, false
	}
	return price, err == nil && price.IsPositive()
}

// shadowPrice is the current-expiry futures price the shadow P/L is marked at.
func (m *MarkToMarket) shadowPrice(ctx context.Context, st *models.Strategy, now time.Time) *decimal.Decimal {
	d := m.Dispatcher
	if st.InstrumentClass == models.InstrumentClassCFD {
		return nil
	}
	e, err := d.Catalog.NextExpiries(ctx, st.Symbol, catalog.ClassFutures, now)
	if err != nil {
		return nil
	}
	price, err := d.Chain.FuturePrice(ctx, st.Symbol, e.Current)
	if err != nil {
		return nil
	}
	return &price
}
