package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tradeengine/internal/apperr"
	"tradeengine/internal/broker"
	"tradeengine/internal/models"
	"tradeengine/internal/pnl"
)

func newLifecycle(h *harness) *Lifecycle {
	return &Lifecycle{Dispatcher: h.d, LookupAttempts: 2, LookupInterval: time.Millisecond}
}

func complete(uniqueOrderID, price string) OrderUpdate {
	return OrderUpdate{UniqueOrderID: uniqueOrderID, Status: "complete", AveragePrice: dec(price)}
}

func TestWebhookFillIsIdempotent(t *testing.T) {
	h := newHarness(t, tuesday)
	angel := &fakeBroker{name: "angelone", async: true}
	st := h.strategy(t, h.onBroker(7, angel))
	h.chain(t, week1, models.OptionCE, map[int64]string{43000: "700", 43500: "350", 44000: "150"})

	summary, err := h.d.HandleSignal(context.Background(), buy(st, "44300"))
	require.NoError(t, err)
	require.Equal(t, msgOrdersPlaced, summary)
	require.Empty(t, h.repo.Trades(st.ID))

	orders := h.repo.Orders(st.ID)
	require.Len(t, orders, 1)
	entry := orders[0]
	require.Equal(t, models.OrderEntry, entry.EntryExit)
	require.Equal(t, models.OrderStatusPlaced, entry.Status)
	require.Equal(t, "u-ord-1", entry.UniqueOrderID)
	requireDec(t, dec("15"), entry.Quantity)

	lc := newLifecycle(h)
	var wg sync.WaitGroup
	results := make([]string, 3)
	errs := make([]error, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = lc.HandleOrderUpdate(context.Background(), complete("u-ord-1", "352"))
		}(i)
	}
	wg.Wait()
	for i := range results {
		require.NoError(t, errs[i])
		require.Equal(t, msgOrderProcessed, results[i])
	}

	trades := h.repo.Trades(st.ID)
	require.Len(t, trades, 1)
	requireDec(t, dec("352"), trades[0].EntryPrice)
	requireDec(t, dec("44300"), trades[0].FutureEntryPrice)
	require.Equal(t, models.OptionCE, *trades[0].OptionType)
	require.Len(t, h.openFor(t, st.ID, "2024-01-25 CE"), 1)

	filled := h.repo.Orders(st.ID)[0]
	require.Equal(t, models.OrderStatusFilled, filled.Status)
	require.NotNil(t, filled.TradeID)
	require.Equal(t, trades[0].ID, *filled.TradeID)
}

func TestWebhookExitThenEntry(t *testing.T) {
	h := newHarness(t, tuesday)
	angel := &fakeBroker{name: "angelone", async: true}
	st := h.strategy(t, h.onBroker(7, angel))
	a := h.optionTrade(t, st, week1, models.OptionCE, 43500, "15", "350")
	b := h.optionTrade(t, st, week1, models.OptionCE, 43500, "15", "350")
	h.chain(t, week1, models.OptionCE, map[int64]string{43500: "400"})
	h.chain(t, week1, models.OptionPE, map[int64]string{43000: "150", 43500: "300", 44000: "700"})

	summary, err := h.d.HandleSignal(context.Background(), sell(st, "44300"))
	require.NoError(t, err)
	require.Equal(t, msgOrdersPlaced, summary)

	placed := angel.orders()
	require.Len(t, placed, 1)
	require.Equal(t, broker.SideSell, placed[0].Side)
	requireDec(t, dec("30"), placed[0].Quantity)

	exit := h.repo.Orders(st.ID)[0]
	require.Equal(t, models.OrderExit, exit.EntryExit)
	var ids []uint64
	require.NoError(t, json.Unmarshal(exit.TradeIDs, &ids))
	require.ElementsMatch(t, []uint64{a.ID, b.ID}, ids)

	lc := newLifecycle(h)
	_, err = lc.HandleOrderUpdate(context.Background(), complete(exit.UniqueOrderID, "400"))
	require.NoError(t, err)
	require.False(t, h.trade(t, a.ID).IsOpen())
	require.False(t, h.trade(t, b.ID).IsOpen())
	requireDec(t, dec("400"), *h.trade(t, a.ID).ExitPrice)
	require.Empty(t, h.openFor(t, st.ID, "2024-01-25 CE"))

	placed = angel.orders()
	require.Len(t, placed, 2)
	require.Equal(t, broker.SideBuy, placed[1].Side)

	orders := h.repo.Orders(st.ID)
	require.Len(t, orders, 2)
	entry := orders[1]
	require.Equal(t, models.OrderEntry, entry.EntryExit)
	require.Equal(t, exit.SignalID, entry.SignalID)

	_, err = lc.HandleOrderUpdate(context.Background(), complete(entry.UniqueOrderID, "305"))
	require.NoError(t, err)
	pe := h.openFor(t, st.ID, "2024-01-25 PE")
	require.Len(t, pe, 1)
	requireDec(t, dec("305"), pe[0].EntryPrice)

	// a late duplicate of the exit fill does not place another entry
	_, err = lc.HandleOrderUpdate(context.Background(), complete(exit.UniqueOrderID, "400"))
	require.NoError(t, err)
	require.Len(t, angel.orders(), 2)
}

func TestWebhookExitQuotesFutureAtFill(t *testing.T) {
	h := newHarness(t, tuesday)
	angel := &fakeBroker{name: "angelone", async: true}
	st := h.strategy(t, h.onBroker(7, angel))
	tr := h.optionTrade(t, st, week1, models.OptionCE, 43500, "15", "350")
	h.chain(t, week1, models.OptionCE, map[int64]string{43500: "400"})
	h.chain(t, week1, models.OptionPE, map[int64]string{43500: "300"})

	summary, err := h.d.HandleSignal(context.Background(), sell(st, "44300"))
	require.NoError(t, err)
	require.Equal(t, msgOrdersPlaced, summary)
	exit := h.repo.Orders(st.ID)[0]

	// the future moved between placement and fill
	h.future(t, week1, "44450")
	_, err = newLifecycle(h).HandleOrderUpdate(context.Background(), complete(exit.UniqueOrderID, "400"))
	require.NoError(t, err)

	closed := h.trade(t, tr.ID)
	require.False(t, closed.IsOpen())
	require.NotNil(t, closed.FutureExitPrice)
	requireDec(t, dec("44450"), *closed.FutureExitPrice)
	requireDec(t, pnl.Close(pnl.KindFutures, true, dec("44300"), dec("44450"), dec("15")), *closed.FutureProfit)
}

func TestWebhookRejectedAndIntermediateStatuses(t *testing.T) {
	h := newHarness(t, tuesday)
	angel := &fakeBroker{name: "angelone", async: true}
	st := h.strategy(t, h.onBroker(7, angel))
	h.chain(t, week1, models.OptionCE, map[int64]string{43500: "350"})
	_, err := h.d.HandleSignal(context.Background(), buy(st, "44300"))
	require.NoError(t, err)
	lc := newLifecycle(h)

	msg, err := lc.HandleOrderUpdate(context.Background(), OrderUpdate{UniqueOrderID: "u-ord-1", Status: "open pending"})
	require.NoError(t, err)
	require.Equal(t, msgOrderProcessed, msg)
	require.Equal(t, models.OrderStatusPlaced, h.repo.Orders(st.ID)[0].Status)

	_, err = lc.HandleOrderUpdate(context.Background(), OrderUpdate{UniqueOrderID: "u-ord-1", Status: "rejected", Text: "margin shortfall"})
	require.NoError(t, err)
	order := h.repo.Orders(st.ID)[0]
	require.Equal(t, models.OrderStatusRejected, order.Status)
	require.Equal(t, "margin shortfall", order.StatusMessage)

	// a fill arriving after the reject is ignored
	_, err = lc.HandleOrderUpdate(context.Background(), complete("u-ord-1", "350"))
	require.NoError(t, err)
	require.Empty(t, h.repo.Trades(st.ID))

	_, err = lc.HandleOrderUpdate(context.Background(), complete("unknown", "350"))
	require.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = lc.HandleOrderUpdate(context.Background(), OrderUpdate{Status: "complete"})
	require.ErrorIs(t, err, apperr.ErrInvalidInput)
}
