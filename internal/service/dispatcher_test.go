package service

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"tradeengine/internal/apperr"
	"tradeengine/internal/broker"
	"tradeengine/internal/catalog"
	"tradeengine/internal/models"
	"tradeengine/internal/pnl"
	"tradeengine/internal/position"
)

func buy(st *models.Strategy, futurePrice string) models.Signal {
	return models.Signal{StrategyID: st.ID, Action: models.ActionBuy, FuturePrice: dec(futurePrice)}
}

func sell(st *models.Strategy, futurePrice string) models.Signal {
	return models.Signal{StrategyID: st.ID, Action: models.ActionSell, FuturePrice: dec(futurePrice)}
}

func TestFirstOptionsEntry(t *testing.T) {
	h := newHarness(t, tuesday)
	st := h.strategy(t, nil)
	h.chain(t, week1, models.OptionCE, map[int64]string{43000: "700", 43500: "350", 44000: "150"})

	summary, err := h.d.HandleSignal(context.Background(), buy(st, "44300"))
	require.NoError(t, err)
	require.Equal(t, "opened CE 43500 x 15 @ 350", summary)

	trades := h.repo.Trades(st.ID)
	require.Len(t, trades, 1)
	tr := trades[0]
	require.Equal(t, models.OptionCE, *tr.OptionType)
	requireDec(t, dec("15"), tr.Quantity)
	requireDec(t, dec("350"), tr.EntryPrice)
	requireDec(t, dec("44300"), tr.FutureEntryPrice)
	require.Equal(t, catalog.OptionSymbol(symbol, week1, dec("43500"), models.OptionCE), tr.Instrument)
	require.Equal(t, tuesday, tr.EntryReceivedAt)

	items := h.openFor(t, st.ID, "2024-01-25 CE")
	require.Len(t, items, 1)
	require.Equal(t, tr.ID, items[0].ID)
}

func TestOppositeSignalClosesThenReenters(t *testing.T) {
	h := newHarness(t, tuesday)
	st := h.strategy(t, nil)
	for i := 0; i < 10; i++ {
		h.optionTrade(t, st, week1, models.OptionCE, 43500, "15", "350")
	}
	h.chain(t, week1, models.OptionCE, map[int64]string{43000: "750", 43500: "400", 44000: "200"})
	h.chain(t, week1, models.OptionPE, map[int64]string{43000: "150", 43500: "300", 44000: "700"})

	summary, err := h.d.HandleSignal(context.Background(), sell(st, "44300"))
	require.NoError(t, err)

	each := pnl.Close(pnl.KindOptions, true, dec("350"), dec("400"), dec("15"))
	total := each.Mul(decimal.NewFromInt(10))
	require.Equal(t, fmt.Sprintf("closed 10 trades (profit %s); opened PE 43500 x 15 @ 300", formatMoney(total)), summary)

	var closed int
	for _, tr := range h.repo.Trades(st.ID) {
		if tr.IsOpen() {
			continue
		}
		closed++
		requireDec(t, dec("400"), *tr.ExitPrice)
		requireDec(t, each, *tr.Profit)
	}
	require.Equal(t, 10, closed)

	fields, err := h.mr.HKeys(position.HashKey(st.ID))
	require.NoError(t, err)
	require.NotContains(t, fields, "2024-01-25 CE")
	pe := h.openFor(t, st.ID, "2024-01-25 PE")
	require.Len(t, pe, 1)
	requireDec(t, dec("15"), pe[0].Quantity)

	got, err := h.repo.GetStrategy(context.Background(), st.ID)
	require.NoError(t, err)
	requireDec(t, dec("200000").Add(total), got.Funds)
}

func TestFuturesFlipFromShort(t *testing.T) {
	h := newHarness(t, tuesday)
	st := h.strategy(t, func(s *models.Strategy) { s.InstrumentClass = models.InstrumentClassFutures })
	e := week1
	short := &models.Trade{
		Instrument:       catalog.FutureSymbol(symbol, week1),
		Quantity:         dec("-15"),
		EntryPrice:       dec("44000"),
		FutureEntryPrice: dec("44000"),
		EntryReceivedAt:  tuesday.Add(-time.Hour),
		EntryPlacedAt:    tuesday.Add(-time.Hour),
		Expiry:           &e,
		Action:           models.ActionSell,
	}
	require.NoError(t, h.d.Positions.Open(context.Background(), st, short))
	h.future(t, week1, "44200")

	summary, err := h.d.HandleSignal(context.Background(), buy(st, "44200"))
	require.NoError(t, err)
	require.Contains(t, summary, "closed 1 trades")
	require.Contains(t, summary, "opened LONG FUT x 15 @ 44200")

	closed := h.trade(t, short.ID)
	require.False(t, closed.IsOpen())
	want := pnl.Close(pnl.KindFutures, false, dec("44000"), dec("44200"), dec("15"))
	require.True(t, want.LessThan(dec("-3000")))
	requireDec(t, want, *closed.FutureProfit)
	requireDec(t, want, *closed.Profit)

	require.Empty(t, h.openFor(t, st.ID, "2024-01-25 SHORT FUT"))
	long := h.openFor(t, st.ID, "2024-01-25 LONG FUT")
	require.Len(t, long, 1)
	requireDec(t, dec("15"), long[0].Quantity)
	requireDec(t, dec("44200"), long[0].EntryPrice)
}

func TestSizingBelowMarginChangesNothing(t *testing.T) {
	h := newHarness(t, tuesday)
	st := h.strategy(t, func(s *models.Strategy) {
		s.Funds = dec("80000")
		s.FundsUsage = dec("1")
	})
	h.chain(t, week1, models.OptionCE, map[int64]string{43500: "350"})

	_, err := h.d.HandleSignal(context.Background(), buy(st, "44300"))
	require.ErrorIs(t, err, apperr.ErrSizingInvalid)
	require.Equal(t, http.StatusBadRequest, apperr.Status(err))
	require.Empty(t, h.repo.Trades(st.ID))
}

func TestCatalogMissLeavesPositionsOpen(t *testing.T) {
	h := newHarness(t, tuesday)
	st := h.strategy(t, nil)
	open := h.optionTrade(t, st, week1, models.OptionCE, 43500, "15", "350")
	h.chain(t, week1, models.OptionCE, map[int64]string{43500: "400"})
	// a strike the catalog does not carry
	h.chain(t, week1, models.OptionPE, map[int64]string{42000: "300"})

	_, err := h.d.HandleSignal(context.Background(), sell(st, "44300"))
	require.ErrorIs(t, err, apperr.ErrCatalogMiss)
	require.True(t, h.trade(t, open.ID).IsOpen())
	require.Len(t, h.openFor(t, st.ID, "2024-01-25 CE"), 1)
}

func TestShortBiasRollsAfterCutoffOnExpiryDay(t *testing.T) {
	now := time.Date(2024, 1, 25, 9, 46, 0, 0, time.UTC)
	h := newHarness(t, now)
	st := h.strategy(t, func(s *models.Strategy) { s.PositionBias = models.BiasShort })
	current := h.optionTrade(t, st, week1, models.OptionCE, 43500, "-15", "300")
	next := h.optionTrade(t, st, week2, models.OptionCE, 43500, "-15", "300")
	h.chain(t, week2, models.OptionCE, map[int64]string{43500: "250"})
	h.chain(t, week2, models.OptionPE, map[int64]string{43000: "150", 43500: "320", 44000: "650"})

	_, err := h.d.HandleSignal(context.Background(), buy(st, "44300"))
	require.NoError(t, err)

	require.True(t, h.trade(t, current.ID).IsOpen())
	exited := h.trade(t, next.ID)
	require.False(t, exited.IsOpen())
	requireDec(t, pnl.Close(pnl.KindOptions, false, dec("300"), dec("250"), dec("15")), *exited.Profit)

	pe := h.openFor(t, st.ID, "2024-02-01 PE")
	require.Len(t, pe, 1)
	requireDec(t, dec("-15"), pe[0].Quantity)
	requireDec(t, dec("320"), pe[0].EntryPrice)
	require.Equal(t, "2024-02-01", pe[0].Expiry)
}

func TestOnlyOnExpiryGate(t *testing.T) {
	h := newHarness(t, tuesday)
	st := h.strategy(t, func(s *models.Strategy) { s.OnlyOnExpiry = true })

	summary, err := h.d.HandleSignal(context.Background(), buy(st, "44300"))
	require.NoError(t, err)
	require.Equal(t, msgOnlyOnExpiry, summary)

	h.now = time.Date(2024, 1, 25, 10, 0, 0, 0, time.UTC)
	summary, err = h.d.HandleSignal(context.Background(), buy(st, "44300"))
	require.NoError(t, err)
	require.Equal(t, msgExpiryCutoff, summary)
	require.Empty(t, h.repo.Trades(st.ID))
}

func TestSignalValidation(t *testing.T) {
	h := newHarness(t, tuesday)
	st := h.strategy(t, nil)

	_, err := h.d.HandleSignal(context.Background(), models.Signal{StrategyID: st.ID, Action: "hold"})
	require.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = h.d.HandleSignal(context.Background(), models.Signal{StrategyID: 999, Action: models.ActionBuy})
	require.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = h.d.HandleCFDSignal(context.Background(), buy(st, "44300"))
	require.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestEntryFailureAfterExitIsReported(t *testing.T) {
	h := newHarness(t, tuesday)
	st := h.strategy(t, h.onBroker(3, &rejectEntries{fakeBroker: fakeBroker{name: "aliceblue"}}))
	h.optionTrade(t, st, week1, models.OptionCE, 43500, "15", "350")
	h.chain(t, week1, models.OptionCE, map[int64]string{43500: "400"})
	h.chain(t, week1, models.OptionPE, map[int64]string{43500: "300"})

	summary, err := h.d.HandleSignal(context.Background(), sell(st, "44300"))
	require.NoError(t, err)
	require.Contains(t, summary, "closed 1 trades")
	require.Contains(t, summary, "entry failed:")
	require.Empty(t, h.openTrades(t, st.ID))
}

// rejectEntries fills sells and rejects buys.
type rejectEntries struct {
	fakeBroker
}

func (r *rejectEntries) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	if req.Side == broker.SideBuy {
		return broker.OrderResult{}, &broker.RejectError{Reason: "REJECTED", Message: "order value exceeds limit"}
	}
	return r.fakeBroker.PlaceOrder(ctx, req)
}

// rejectSellsOf rejects sells of one instrument.
type rejectSellsOf struct {
	fakeBroker
	instrument string
}

func (r *rejectSellsOf) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	if req.Side == broker.SideSell && req.Instrument == r.instrument {
		return broker.OrderResult{}, &broker.RejectError{Reason: "REJECTED", Message: "instrument blocked"}
	}
	return r.fakeBroker.PlaceOrder(ctx, req)
}

func TestPartialExitFailureReportsWhatClosed(t *testing.T) {
	h := newHarness(t, tuesday)
	blocked := catalog.OptionSymbol(symbol, week1, dec("43500"), models.OptionCE)
	b := &rejectSellsOf{fakeBroker: fakeBroker{name: "aliceblue"}, instrument: blocked}
	st := h.strategy(t, h.onBroker(3, b))
	first := h.optionTrade(t, st, week1, models.OptionCE, 43000, "15", "700")
	kept := h.optionTrade(t, st, week1, models.OptionCE, 43500, "15", "350")
	h.chain(t, week1, models.OptionCE, map[int64]string{43000: "750", 43500: "400"})
	h.chain(t, week1, models.OptionPE, map[int64]string{43500: "300"})

	summary, err := h.d.HandleSignal(context.Background(), sell(st, "44300"))
	require.NoError(t, err)
	profit := pnl.Close(pnl.KindOptions, true, dec("700"), dec("750"), dec("15"))
	require.Contains(t, summary, fmt.Sprintf("closed 1 trades (profit %s)", formatMoney(profit)))
	require.Contains(t, summary, "exit "+blocked+" failed:")
	require.NotContains(t, summary, "opened")

	require.False(t, h.trade(t, first.ID).IsOpen())
	require.True(t, h.trade(t, kept.ID).IsOpen())
	ce := h.openFor(t, st.ID, "2024-01-25 CE")
	require.Len(t, ce, 1)
	require.Equal(t, kept.ID, ce[0].ID)
	require.Empty(t, h.openFor(t, st.ID, "2024-01-25 PE"))
	for _, o := range b.orders() {
		require.NotEqual(t, broker.SideBuy, o.Side)
	}
}

func TestFirstExitFailureChangesNothing(t *testing.T) {
	h := newHarness(t, tuesday)
	blocked := catalog.OptionSymbol(symbol, week1, dec("43500"), models.OptionCE)
	st := h.strategy(t, h.onBroker(3, &rejectSellsOf{fakeBroker: fakeBroker{name: "aliceblue"}, instrument: blocked}))
	kept := h.optionTrade(t, st, week1, models.OptionCE, 43500, "15", "350")
	h.chain(t, week1, models.OptionCE, map[int64]string{43500: "400"})
	h.chain(t, week1, models.OptionPE, map[int64]string{43500: "300"})

	_, err := h.d.HandleSignal(context.Background(), sell(st, "44300"))
	require.ErrorIs(t, err, apperr.ErrBrokerRejected)
	require.True(t, h.trade(t, kept.ID).IsOpen())
	require.Len(t, h.openFor(t, st.ID, "2024-01-25 CE"), 1)
}

func TestAsyncPartialExitFailureKeepsPlacedOrders(t *testing.T) {
	h := newHarness(t, tuesday)
	blocked := catalog.OptionSymbol(symbol, week1, dec("43500"), models.OptionCE)
	angel := &rejectSellsOf{fakeBroker: fakeBroker{name: "angelone", async: true}, instrument: blocked}
	st := h.strategy(t, h.onBroker(7, angel))
	first := h.optionTrade(t, st, week1, models.OptionCE, 43000, "15", "700")
	kept := h.optionTrade(t, st, week1, models.OptionCE, 43500, "15", "350")
	h.chain(t, week1, models.OptionCE, map[int64]string{43000: "750", 43500: "400"})
	h.chain(t, week1, models.OptionPE, map[int64]string{43500: "300"})

	summary, err := h.d.HandleSignal(context.Background(), sell(st, "44300"))
	require.NoError(t, err)
	require.Contains(t, summary, msgOrdersPlaced)
	require.Contains(t, summary, "exit "+blocked+" failed:")

	orders := h.repo.Orders(st.ID)
	require.Len(t, orders, 1)
	require.Equal(t, models.OrderExit, orders[0].EntryExit)
	require.Equal(t, catalog.OptionSymbol(symbol, week1, dec("43000"), models.OptionCE), orders[0].Instrument)
	require.True(t, h.trade(t, first.ID).IsOpen())
	require.True(t, h.trade(t, kept.ID).IsOpen())
}

// ambiguousFills answers every order with a 4xx while filling it at its reference price.
type ambiguousFills struct {
	fakeBroker
}

func (a *ambiguousFills) PlaceOrder(_ context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.placed = append(a.placed, req)
	qty := req.Quantity
	if req.Side == broker.SideSell {
		qty = qty.Neg()
	}
	a.positions = append(a.positions, broker.Position{Instrument: req.Instrument, Quantity: qty, AvgPrice: *req.ReferencePrice})
	return broker.OrderResult{}, &broker.APIError{Status: http.StatusBadRequest, Body: "duplicate order"}
}

func TestAsyncAmbiguousFillIsRecordedDirectly(t *testing.T) {
	h := newHarness(t, tuesday)
	angel := &ambiguousFills{fakeBroker: fakeBroker{name: "angelone", async: true}}
	st := h.strategy(t, h.onBroker(7, angel))
	old := h.optionTrade(t, st, week1, models.OptionCE, 43500, "15", "350")
	h.chain(t, week1, models.OptionCE, map[int64]string{43500: "400"})
	h.chain(t, week1, models.OptionPE, map[int64]string{43000: "150", 43500: "300", 44000: "700"})

	summary, err := h.d.HandleSignal(context.Background(), sell(st, "44300"))
	require.NoError(t, err)
	profit := pnl.Close(pnl.KindOptions, true, dec("350"), dec("400"), dec("15"))
	require.Equal(t, fmt.Sprintf("closed 1 trades (profit %s); opened PE 43500 x 15 @ 300", formatMoney(profit)), summary)

	require.Empty(t, h.repo.Orders(st.ID))
	closed := h.trade(t, old.ID)
	require.False(t, closed.IsOpen())
	requireDec(t, dec("400"), *closed.ExitPrice)
	require.Empty(t, h.openFor(t, st.ID, "2024-01-25 CE"))
	pe := h.openFor(t, st.ID, "2024-01-25 PE")
	require.Len(t, pe, 1)
	requireDec(t, dec("300"), pe[0].EntryPrice)
	require.Len(t, angel.orders(), 2)
}

func TestConcurrentSignalsOnOneStrategySerialize(t *testing.T) {
	h := newHarness(t, tuesday)
	b := &fakeBroker{name: "aliceblue"}
	st := h.strategy(t, h.onBroker(3, b))
	h.chain(t, week1, models.OptionCE, map[int64]string{43000: "700", 43500: "350", 44000: "150"})
	h.chain(t, week1, models.OptionPE, map[int64]string{43000: "150", 43500: "300", 44000: "700"})

	signals := []models.Signal{buy(st, "44300"), sell(st, "44300")}
	summaries := make([]string, len(signals))
	errs := make([]error, len(signals))
	var wg sync.WaitGroup
	for i := range signals {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			summaries[i], errs[i] = h.d.HandleSignal(context.Background(), signals[i])
		}(i)
	}
	wg.Wait()
	for i := range signals {
		require.NoError(t, errs[i])
	}

	// whichever ran second closed what the first opened
	var entriesOnly, closedThenOpened int
	for _, s := range summaries {
		switch {
		case strings.HasPrefix(s, "opened "):
			entriesOnly++
		case strings.HasPrefix(s, "closed 1 trades") && strings.Contains(s, "; opened "):
			closedThenOpened++
		}
	}
	require.Equal(t, 1, entriesOnly, summaries)
	require.Equal(t, 1, closedThenOpened, summaries)

	trades := h.repo.Trades(st.ID)
	require.Len(t, trades, 2)
	open := h.openTrades(t, st.ID)
	require.Len(t, open, 1)
	ce, pe := h.openFor(t, st.ID, "2024-01-25 CE"), h.openFor(t, st.ID, "2024-01-25 PE")
	require.Equal(t, 1, len(ce)+len(pe))
	require.Len(t, b.orders(), 3)
}

func TestCFDSignalsTrackPositions(t *testing.T) {
	h := newHarness(t, tuesday)
	st := h.strategy(t, func(s *models.Strategy) {
		s.InstrumentClass = models.InstrumentClassCFD
		s.Symbol = "EURUSD"
		s.Instrument = "EUR_USD"
		s.Funds = dec("10000")
		s.MinQuantity = dec("1000")
		s.MarginForMinQuantity = dec("1000")
		s.IncrementalStepSize = dec("1000")
	})

	summary, err := h.d.HandleCFDSignal(context.Background(), sell(st, "1.085"))
	require.NoError(t, err)
	require.Equal(t, "opened EUR_USD SHORT x 5000 @ 1.085", summary)
	require.Len(t, h.openFor(t, st.ID, "SHORT CFD"), 1)

	summary, err = h.d.HandleCFDSignal(context.Background(), buy(st, "1.08"))
	require.NoError(t, err)
	require.Contains(t, summary, "closed 1 trades (profit 25.00)")
	require.Empty(t, h.openFor(t, st.ID, "SHORT CFD"))
	require.Len(t, h.openFor(t, st.ID, "LONG CFD"), 1)

	_, err = h.d.HandleSignal(context.Background(), buy(st, "1.08"))
	require.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestFormatMoney(t *testing.T) {
	cases := map[string]string{
		"4110":      "4,110.00",
		"-3163.714": "-3,163.71",
		"999.5":     "999.50",
		"1234567":   "1,234,567.00",
		"0":         "0.00",
	}
	for in, want := range cases {
		if got := formatMoney(dec(in)); got != want {
			t.Fatalf("formatMoney(%s)=%s want=%s", in, got, want)
		}
	}
}
