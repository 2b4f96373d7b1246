package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"tradeengine/internal/broker"
	"tradeengine/internal/catalog"
	"tradeengine/internal/models"
	"tradeengine/internal/optionchain"
	"tradeengine/internal/position"
	"tradeengine/internal/repository/memory"
	"tradeengine/internal/strategylock"
)

const symbol = "BANKNIFTY"

var (
	week1  = time.Date(2024, 1, 25, 0, 0, 0, 0, time.UTC)
	week2  = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	month2 = time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)

	// a Tuesday two days before week1
	tuesday = time.Date(2024, 1, 23, 6, 0, 0, 0, time.UTC)
)

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func requireDec(t *testing.T, want, got decimal.Decimal) {
	t.Helper()
	require.True(t, want.Equal(got), "got=%s want=%s", got, want)
}

type harness struct {
	d    *Dispatcher
	repo *memory.Store
	mr   *miniredis.Miniredis
	now  time.Time
}

func newHarness(t *testing.T, now time.Time) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	repo := memory.New()

	h := &harness{repo: repo, mr: mr, now: now}
	h.d = &Dispatcher{
		Positions: &position.Store{Repo: repo, Redis: rdb},
		Catalog:   &catalog.Catalog{Redis: rdb},
		Chain:     &optionchain.View{Redis: rdb},
		Brokers:   &broker.Registry{Repo: repo, Paper: broker.NewPaper()},
		Locks:     &strategylock.Locker{},
		Repo:      repo,
		Rules:     DefaultExpiryRules(),
		Submit: broker.SubmitOptions{
			Sleep: func(context.Context, time.Duration) error { return nil },
		},
		Now: func() time.Time { return h.now },
	}
	h.seedCatalog(t)
	return h
}

func (h *harness) seedCatalog(t *testing.T) {
	t.Helper()
	var items []models.Instrument
	for _, exp := range []time.Time{week1, week2} {
		for _, s := range []int64{43000, 43500, 44000} {
			for _, ot := range []string{models.OptionCE, models.OptionPE} {
				strike := decimal.NewFromInt(s)
				items = append(items, models.Instrument{
					Token:         fmt.Sprintf("%s%d%s", exp.Format("0102"), s, ot),
					TradingSymbol: catalog.OptionSymbol(symbol, exp, strike, ot),
					Exchange:      "NFO",
					Expiry:        exp.Format(time.DateOnly),
					Strike:        &strike,
					OptionType:    ot,
					LotSize:       15,
				})
			}
		}
	}
	for _, exp := range []time.Time{week1, month2} {
		items = append(items, models.Instrument{
			Token:         exp.Format("0102") + "FUT",
			TradingSymbol: catalog.FutureSymbol(symbol, exp),
			Exchange:      "NFO",
			Expiry:        exp.Format(time.DateOnly),
			LotSize:       15,
		})
	}
	require.NoError(t, h.d.Catalog.Put(context.Background(), symbol, items))
}

// chain publishes strike -> premium for one expiry and option type.
func (h *harness) chain(t *testing.T, exp time.Time, optionType string, premiums map[int64]string) {
	t.Helper()
	quotes := make([]optionchain.Quote, 0, len(premiums))
	for s, p := range premiums {
		quotes = append(quotes, optionchain.Quote{Strike: decimal.NewFromInt(s), Premium: dec(p)})
	}
	require.NoError(t, h.d.Chain.PublishOptions(context.Background(), symbol, exp, optionType, quotes))
}

func (h *harness) future(t *testing.T, exp time.Time, price string) {
	t.Helper()
	require.NoError(t, h.d.Chain.PublishFuture(context.Background(), symbol, exp, dec(price)))
}

func (h *harness) strategy(t *testing.T, mutate func(*models.Strategy)) *models.Strategy {
	t.Helper()
	st := &models.Strategy{
		Name:                 "banknifty weekly",
		Symbol:               symbol,
		InstrumentClass:      models.InstrumentClassOptions,
		PositionBias:         models.BiasLong,
		PremiumTarget:        dec("400"),
		Funds:                dec("200000"),
		MinQuantity:          dec("15"),
		MarginForMinQuantity: dec("95000"),
		IncrementalStepSize:  dec("15"),
		Compounding:          true,
		FundsUsage:           dec("0.5"),
	}
	if mutate != nil {
		mutate(st)
	}
	require.NoError(t, h.repo.CreateStrategy(context.Background(), st))
	return st
}

func (h *harness) optionTrade(t *testing.T, st *models.Strategy, exp time.Time, optionType string, strike int64, qty, entry string) *models.Trade {
	t.Helper()
	s := decimal.NewFromInt(strike)
	e := exp
	ot := optionType
	action := models.ActionBuy
	if dec(qty).IsNegative() {
		action = models.ActionSell
	}
	trade := &models.Trade{
		Instrument:       catalog.OptionSymbol(symbol, exp, s, optionType),
		Quantity:         dec(qty),
		EntryPrice:       dec(entry),
		FutureEntryPrice: dec("44300"),
		EntryReceivedAt:  h.now.Add(-time.Hour),
		EntryPlacedAt:    h.now.Add(-time.Hour),
		Strike:           &s,
		OptionType:       &ot,
		Expiry:           &e,
		Action:           action,
	}
	require.NoError(t, h.d.Positions.Open(context.Background(), st, trade))
	return trade
}

func (h *harness) trade(t *testing.T, id uint64) models.Trade {
	t.Helper()
	trades, err := h.repo.ListTradesByIDs(context.Background(), []uint64{id})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	return trades[0]
}

func (h *harness) openTrades(t *testing.T, strategyID uint64) []models.Trade {
	t.Helper()
	var out []models.Trade
	for _, tr := range h.repo.Trades(strategyID) {
		if tr.IsOpen() {
			out = append(out, tr)
		}
	}
	return out
}

func (h *harness) openFor(t *testing.T, strategyID uint64, key string) []models.TradeSummary {
	t.Helper()
	items, err := h.d.Positions.OpenFor(context.Background(), strategyID, key)
	require.NoError(t, err)
	return items
}

// fakeBroker fills synchronous orders at their reference price, or at price when none
// is given. Asynchronous fakes only acknowledge.
type fakeBroker struct {
	mu        sync.Mutex
	name      string
	async     bool
	price     decimal.Decimal
	seq       int
	placed    []broker.OrderRequest
	positions []broker.Position
}

func (f *fakeBroker) Name() string { return f.name }
func (f *fakeBroker) Async() bool  { return f.async }

func (f *fakeBroker) PlaceOrder(_ context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.placed = append(f.placed, req)
	id := fmt.Sprintf("ord-%d", f.seq)
	res := broker.OrderResult{OrderID: id, UniqueOrderID: "u-" + id, Status: broker.StatusOpen}
	if !f.async {
		price := f.price
		if req.ReferencePrice != nil {
			price = *req.ReferencePrice
		}
		res.Status = broker.StatusComplete
		res.AvgPrice = &price
	}
	return res, nil
}

func (f *fakeBroker) OrderStatus(context.Context, string) (broker.OrderStatus, error) {
	return broker.OrderStatus{Status: broker.StatusOpen}, nil
}

func (f *fakeBroker) Positions(context.Context) ([]broker.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]broker.Position(nil), f.positions...), nil
}

func (f *fakeBroker) WorkingOrders(context.Context) ([]broker.WorkingOrder, error) {
	return nil, nil
}

func (f *fakeBroker) RefreshCredentials(context.Context) (broker.Session, error) {
	return broker.Session{}, nil
}

func (f *fakeBroker) orders() []broker.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]broker.OrderRequest(nil), f.placed...)
}

// onBroker routes a strategy to the client registered under id.
func (h *harness) onBroker(id uint64, c broker.Client) func(*models.Strategy) {
	h.d.Brokers.Put(id, c)
	return func(s *models.Strategy) { s.BrokerID = &id }
}
