package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradeengine/internal/apperr"
	"tradeengine/internal/broker"
	"tradeengine/internal/catalog"
	"tradeengine/internal/models"
	"tradeengine/internal/optionchain"
	"tradeengine/internal/pnl"
)

// entryLeg is a resolved entry contract with the quote it was priced at.
type entryLeg struct {
	Instrument models.Instrument
	Symbol     string
	Strike     *decimal.Decimal
	OptionType string
	Expiry     *time.Time
	Side       string
	Quote      decimal.Decimal
}

func (l entryLeg) request(qty decimal.Decimal, tag string) broker.OrderRequest {
	quote := l.Quote
	req := broker.OrderRequest{
		Side:          l.Side,
		Instrument:    l.Symbol,
		Token:         l.Instrument.Token,
		Exchange:      l.Instrument.Exchange,
		Quantity:      qty,
		OrderType:     broker.OrderTypeMarket,
		Product:       broker.ProductCarryOver,
		ClientOrderID: tag,
	}
	if quote.IsPositive() {
		req.ReferencePrice = &quote
	}
	return req
}

// resolveEntry picks the entry contract. Options use the signal's strike when it carries
// a positive one, otherwise the first strike within the premium target.
func (d *Dispatcher) resolveEntry(ctx context.Context, st *models.Strategy, p plan) (entryLeg, error) {
	leg := entryLeg{Side: entrySide(st, p.Action)}
	switch st.InstrumentClass {
	case models.InstrumentClassCFD:
		leg.Symbol = st.Instrument
		leg.Instrument = models.Instrument{TradingSymbol: st.Instrument}
		leg.Quote = p.FuturePrice
		if !leg.Quote.IsPositive() {
			q, err := d.cfdQuote(ctx, st)
			if err != nil {
				return leg, err
			}
			leg.Quote = q
		}
		return leg, nil

	case models.InstrumentClassOptions:
		var q optionchain.Quote
		if p.Strike != nil && p.Strike.IsPositive() {
			price, err := d.Chain.Price(ctx, st.Symbol, p.EntryExpiry, p.EntryOptionType, *p.Strike)
			if err != nil {
				return leg, err
			}
			q = optionchain.Quote{Strike: *p.Strike, Premium: price}
		} else {
			quotes, err := d.Chain.Strikes(ctx, st.Symbol, p.EntryExpiry, p.EntryOptionType)
			if err != nil {
				return leg, err
			}
			target := st.PremiumTarget
			if p.Premium != nil && p.Premium.IsPositive() {
				target = *p.Premium
			}
			if q, err = optionchain.SelectStrike(quotes, target); err != nil {
				return leg, err
			}
		}
		inst, err := d.Catalog.Lookup(ctx, catalog.LookupParams{
			Symbol:     st.Symbol,
			Expiry:     p.EntryExpiry,
			Strike:     &q.Strike,
			OptionType: p.EntryOptionType,
		})
		if err != nil {
			return leg, err
		}
		strike, expiry := q.Strike, p.EntryExpiry
		leg.Instrument = inst
		leg.Symbol = inst.TradingSymbol
		if leg.Symbol == "" {
			leg.Symbol = catalog.OptionSymbol(st.Symbol, expiry, strike, p.EntryOptionType)
		}
		leg.Strike = &strike
		leg.OptionType = p.EntryOptionType
		leg.Expiry = &expiry
		leg.Quote = q.Premium
		return leg, nil

	default:
		price, err := d.Chain.FuturePrice(ctx, st.Symbol, p.EntryExpiry)
		if err != nil {
			return leg, err
		}
		inst, err := d.Catalog.Lookup(ctx, catalog.LookupParams{Symbol: st.Symbol, Expiry: p.EntryExpiry, Future: true})
		if err != nil {
			return leg, err
		}
		expiry := p.EntryExpiry
		leg.Instrument = inst
		leg.Symbol = inst.TradingSymbol
		if leg.Symbol == "" {
			leg.Symbol = catalog.FutureSymbol(st.Symbol, expiry)
		}
		leg.Expiry = &expiry
		leg.Quote = price
		return leg, nil
	}
}

func (d *Dispatcher) cfdQuote(ctx context.Context, st *models.Strategy) (decimal.Decimal, error) {
	client, err := d.Brokers.For(ctx, st.BrokerID)
	if err != nil {
		return decimal.Zero, err
	}
	q, ok := client.(broker.Quoter)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no price for %s", apperr.ErrQuoteMissing, st.Instrument)
	}
	return q.Quote(ctx, st.Instrument)
}

// exitGroup is the open trades of one instrument under the exit key, closed by one order.
type exitGroup struct {
	Instrument models.Instrument
	Symbol     string
	Side       string
	Quantity   decimal.Decimal
	Trades     []models.TradeSummary
	Quote      *decimal.Decimal
}

func (g exitGroup) request(tag string) broker.OrderRequest {
	return broker.OrderRequest{
		Side:           g.Side,
		Instrument:     g.Symbol,
		Token:          g.Instrument.Token,
		Exchange:       g.Instrument.Exchange,
		Quantity:       g.Quantity,
		OrderType:      broker.OrderTypeMarket,
		Product:        broker.ProductCarryOver,
		ClientOrderID:  tag,
		ReferencePrice: g.Quote,
	}
}

func (g exitGroup) tradeIDs() []uint64 {
	ids := make([]uint64, 0, len(g.Trades))
	for _, t := range g.Trades {
		ids = append(ids, t.ID)
	}
	return ids
}

// groupExits groups summaries by instrument in order of first appearance. The exit side
// unwinds the sign of the position.
func groupExits(sums []models.TradeSummary) []exitGroup {
	var out []exitGroup
	index := map[string]int{}
	for _, s := range sums {
		i, ok := index[s.Instrument]
		if !ok {
			side := models.ActionSell
			if s.Quantity.IsNegative() {
				side = models.ActionBuy
			}
			out = append(out, exitGroup{Symbol: s.Instrument, Side: side})
			i = len(out) - 1
			index[s.Instrument] = i
		}
		out[i].Quantity = out[i].Quantity.Add(s.Quantity.Abs())
		out[i].Trades = append(out[i].Trades, s)
	}
	return out
}

// quoteExits prices each group. A missing option strike leaves the group unpriced; a
// missing futures quote fails the signal.
func (d *Dispatcher) quoteExits(ctx context.Context, st *models.Strategy, p plan, groups []exitGroup) error {
	for i := range groups {
		g := &groups[i]
		sum := g.Trades[0]
		switch {
		case st.InstrumentClass == models.InstrumentClassCFD:
			g.Instrument = models.Instrument{TradingSymbol: sum.Instrument}
			if p.FuturePrice.IsPositive() {
				price := p.FuturePrice
				g.Quote = &price
			} else if q, err := d.cfdQuote(ctx, st); err == nil {
				g.Quote = &q
			}

		case sum.OptionType != "":
			expiry, err := time.Parse(time.DateOnly, sum.Expiry)
			if err != nil {
				return fmt.Errorf("trade %d expiry %q: %w", sum.ID, sum.Expiry, err)
			}
			if sum.Strike == nil {
				return fmt.Errorf("trade %d has no strike", sum.ID)
			}
			g.Instrument = d.lookupOrBare(ctx, catalog.LookupParams{
				Symbol: st.Symbol, Expiry: expiry, Strike: sum.Strike, OptionType: sum.OptionType,
			}, sum.Instrument)
			price, err := d.Chain.Price(ctx, st.Symbol, expiry, sum.OptionType, *sum.Strike)
			if errors.Is(err, apperr.ErrQuoteMissing) {
				d.log().Warn("exit strike missing from option chain",
					zap.Uint64("strategy_id", st.ID),
					zap.String("instrument", sum.Instrument),
					zap.String("strike", sum.Strike.String()),
				)
				continue
			}
			if err != nil {
				return err
			}
			g.Quote = &price

		default:
			expiry, err := time.Parse(time.DateOnly, sum.Expiry)
			if err != nil {
				return fmt.Errorf("trade %d expiry %q: %w", sum.ID, sum.Expiry, err)
			}
			g.Instrument = d.lookupOrBare(ctx, catalog.LookupParams{Symbol: st.Symbol, Expiry: expiry, Future: true}, sum.Instrument)
			price, err := d.Chain.FuturePrice(ctx, st.Symbol, expiry)
			if err != nil {
				return err
			}
			g.Quote = &price
		}
	}
	return nil
}

// lookupOrBare returns the catalog record, or a bare one carrying only the symbol when
// the contract has left the catalog.
func (d *Dispatcher) lookupOrBare(ctx context.Context, params catalog.LookupParams, symbol string) models.Instrument {
	inst, err := d.Catalog.Lookup(ctx, params)
	if err != nil {
		d.log().Warn("exit instrument not in catalog", zap.String("instrument", symbol), zap.Error(err))
		return models.Instrument{TradingSymbol: symbol}
	}
	return inst
}

// futurePriceFor is the futures price the shadow P/L is taken at: the price
// the signal observed, else the current quote.
func (d *Dispatcher) futurePriceFor(ctx context.Context, st *models.Strategy, p plan) *decimal.Decimal {
	if st.InstrumentClass == models.InstrumentClassCFD {
		return nil
	}
	if p.FuturePrice.IsPositive() {
		price := p.FuturePrice
		return &price
	}
	if p.FutureExpiry.IsZero() {
		return nil
	}
	price, err := d.Chain.FuturePrice(ctx, st.Symbol, p.FutureExpiry)
	if err != nil {
		return nil
	}
	return &price
}

// futurePriceNow quotes the future as an exit fills, falling back to the price the
// signal observed.
func (d *Dispatcher) futurePriceNow(ctx context.Context, st *models.Strategy, p plan) *decimal.Decimal {
	if st.InstrumentClass == models.InstrumentClassCFD {
		return nil
	}
	if !p.FutureExpiry.IsZero() {
		if price, err := d.Chain.FuturePrice(ctx, st.Symbol, p.FutureExpiry); err == nil && price.IsPositive() {
			return &price
		}
	}
	return d.futurePriceFor(ctx, st, p)
}

func exitsFor(st *models.Strategy, trades []models.TradeSummary, exitPrice, futurePrice *decimal.Decimal, receivedAt, placedAt time.Time) []models.TradeExit {
	out := make([]models.TradeExit, 0, len(trades))
	for _, t := range trades {
		out = append(out, pnl.ExitFor(pnl.ExitInput{
			Strategy:        *st,
			Trade:           t,
			ExitPrice:       exitPrice,
			FutureExitPrice: futurePrice,
			ReceivedAt:      receivedAt,
			PlacedAt:        placedAt,
		}))
	}
	return out
}

// size returns the entry quantity for st carrying ongoing profit from a close.
func size(st *models.Strategy, ongoing decimal.Decimal) (decimal.Decimal, error) {
	lots, err := pnl.LotsToTrade(pnl.SizingFor(*st, ongoing))
	if err != nil {
		return decimal.Zero, err
	}
	qty := decimal.NewFromFloat(lots)
	if !qty.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: computed quantity %s", apperr.ErrSizingInvalid, qty)
	}
	return qty, nil
}

// resizer recomputes the entry after a RISK_CHECK rejection from the strategy's settled
// funds, always at least one step below the rejected quantity.
func (d *Dispatcher) resizer(strategyID uint64) func(ctx context.Context, rejected decimal.Decimal) (decimal.Decimal, error) {
	return func(ctx context.Context, rejected decimal.Decimal) (decimal.Decimal, error) {
		st, err := d.Repo.GetStrategy(ctx, strategyID)
		if err != nil {
			return decimal.Zero, err
		}
		if st == nil {
			return decimal.Zero, fmt.Errorf("%w: strategy %d", apperr.ErrNotFound, strategyID)
		}
		qty, err := size(st, decimal.Zero)
		if err != nil {
			return decimal.Zero, err
		}
		if qty.GreaterThanOrEqual(rejected) {
			qty = rejected.Sub(st.IncrementalStepSize)
		}
		if qty.LessThan(st.MinQuantity) {
			return decimal.Zero, fmt.Errorf("%w: resized quantity %s below minimum %s", apperr.ErrSizingInvalid, qty, st.MinQuantity)
		}
		return qty, nil
	}
}

func signedQuantity(side string, qty decimal.Decimal) decimal.Decimal {
	if side == models.ActionSell {
		return qty.Abs().Neg()
	}
	return qty.Abs()
}

func brokerSide(side string) string {
	if side == models.ActionSell {
		return broker.SideSell
	}
	return broker.SideBuy
}
