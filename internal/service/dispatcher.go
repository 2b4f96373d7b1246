package service

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradeengine/internal/apperr"
	"tradeengine/internal/broker"
	"tradeengine/internal/catalog"
	"tradeengine/internal/logger"
	"tradeengine/internal/models"
	"tradeengine/internal/optionchain"
	"tradeengine/internal/position"
	"tradeengine/internal/repository"
	"tradeengine/internal/strategylock"
)

// Dispatcher turns signals into exits and entries for one strategy at a time.
type Dispatcher struct {
	Positions *position.Store
	Catalog   *catalog.Catalog
	Chain     *optionchain.View
	Brokers   *broker.Registry
	Locks     *strategylock.Locker
	Repo      repository.Repository
	Rules     ExpiryRules
	Submit    broker.SubmitOptions
	Logger    *zap.Logger

	Now     func() time.Time
	Timeout time.Duration
}

func (d *Dispatcher) log() *zap.Logger {
	return logger.OrNop(d.Logger)
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Dispatcher) submitOptions(resize func(context.Context, decimal.Decimal) (decimal.Decimal, error)) broker.SubmitOptions {
	opts := d.Submit
	opts.Resize = resize
	if opts.Logger == nil {
		opts.Logger = d.Logger
	}
	return opts
}

// HandleSignal runs one futures or options signal: exit the opposing position key,
// then enter the key the signal implies. It returns a human readable summary.
func (d *Dispatcher) HandleSignal(ctx context.Context, sig models.Signal) (string, error) {
	return d.handle(ctx, sig, false)
}

// HandleCFDSignal is HandleSignal for strategies trading a single CFD instrument.
func (d *Dispatcher) HandleCFDSignal(ctx context.Context, sig models.Signal) (string, error) {
	return d.handle(ctx, sig, true)
}

func (d *Dispatcher) handle(ctx context.Context, sig models.Signal, cfd bool) (string, error) {
	if err := validateSignal(sig); err != nil {
		return "", err
	}
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	unlock, err := d.Locks.Lock(ctx, sig.StrategyID)
	if err != nil {
		return "", err
	}
	defer unlock()

	log := d.log().With(zap.Uint64("strategy_id", sig.StrategyID), zap.String("action", sig.Action))
	start := time.Now()
	log.Info("signal processing started")
	var outcome string
	defer func() {
		log.Info("signal processing finished", zap.String("outcome", outcome), zap.Duration("took", time.Since(start)))
	}()

	st, err := d.Positions.Snapshot(ctx, sig.StrategyID)
	if err != nil {
		outcome = err.Error()
		return "", err
	}
	if cfd != (st.InstrumentClass == models.InstrumentClassCFD) {
		err := fmt.Errorf("%w: strategy %d trades %s", apperr.ErrInvalidInput, st.ID, st.InstrumentClass)
		outcome = err.Error()
		return "", err
	}

	now := d.now()
	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = now
	}
	p, gate, err := d.planSignal(ctx, st, sig, now)
	if err != nil {
		outcome = err.Error()
		return "", err
	}
	if gate != "" {
		outcome = gate
		return gate, nil
	}
	log = log.With(zap.String("signal_id", p.SignalID), zap.String("exit_key", p.ExitKey), zap.String("entry_key", p.EntryKey))

	client, err := d.Brokers.For(ctx, st.BrokerID)
	if err != nil {
		outcome = err.Error()
		return "", err
	}
	summary, err := d.execute(ctx, st, client, p, log)
	if err != nil {
		outcome = err.Error()
		return "", err
	}
	outcome = summary
	return summary, nil
}

func (d *Dispatcher) execute(ctx context.Context, st *models.Strategy, client broker.Client, p plan, log *zap.Logger) (string, error) {
	if client.Async() {
		return d.executeAsync(ctx, st, client, p, log)
	}
	return d.executeSync(ctx, st, client, p, log)
}

// executeSync exits and enters against a broker that confirms fills inline. The entry
// contract is resolved first so a catalog miss leaves every position untouched.
func (d *Dispatcher) executeSync(ctx context.Context, st *models.Strategy, client broker.Client, p plan, log *zap.Logger) (string, error) {
	leg, err := d.resolveEntry(ctx, st, p)
	if err != nil {
		return "", err
	}

	var sum summary
	ongoing := decimal.Zero
	if p.ExitKey != "" {
		open, err := d.Positions.OpenFor(ctx, st.ID, p.ExitKey)
		if err != nil {
			return "", err
		}
		if len(open) > 0 {
			out, err := d.closeSync(ctx, st, client, p, open, log)
			if err != nil {
				return "", err
			}
			sum.closed, sum.profit = out.Closed, out.Profit
			ongoing = out.Profit
			if out.failed != nil {
				// the exit key still holds trades, entering now would stack both sides
				sum.exitErr = out.failed
				return sum.String(), nil
			}
		}
	}

	trade, err := d.enterSync(ctx, st, client, p, leg, ongoing)
	if err != nil {
		if sum.closed == 0 {
			return "", err
		}
		log.Error("entry failed after exit", zap.Error(err))
		sum.entryErr = err
		return sum.String(), nil
	}
	sum.opened = trade
	return sum.String(), nil
}

// closeOutcome is what closeSync made durable. failed is set when a later exit group
// was not filled after earlier ones were closed.
type closeOutcome struct {
	position.CloseResult
	failed error
}

// closeSync submits one order per instrument under the exit key and closes what filled.
// An error means nothing was closed; a group failing after others filled is reported
// in closeOutcome.failed next to the closes that stand.
func (d *Dispatcher) closeSync(ctx context.Context, st *models.Strategy, client broker.Client, p plan, open []models.TradeSummary, log *zap.Logger) (closeOutcome, error) {
	groups := groupExits(open)
	if err := d.quoteExits(ctx, st, p, groups); err != nil {
		return closeOutcome{}, err
	}
	_, paper := client.(*broker.Paper)
	futurePrice := d.futurePriceFor(ctx, st, p)

	var exits []models.TradeExit
	var failed error
	for _, g := range groups {
		placedAt := d.now()
		price := g.Quote
		if paper && price == nil {
			log.Warn("closing without a quote, exit price left for reconciliation", zap.String("instrument", g.Symbol))
		} else {
			req := g.request(clientOrderID(p.SignalID))
			req.Side = brokerSide(g.Side)
			fill, err := broker.Submit(ctx, client, req, d.submitOptions(nil))
			if err != nil {
				failed = exitFailed(g.Symbol, err)
				break
			}
			switch {
			case fill.Price != nil:
				price = fill.Price
			case fill.Status == broker.StatusAssumeFilled:
				price = nil
			}
		}
		exits = append(exits, exitsFor(st, g.Trades, price, futurePrice, p.ReceivedAt, placedAt)...)
	}
	if len(exits) == 0 {
		return closeOutcome{}, failed
	}

	res, err := d.Positions.CloseAll(ctx, st, p.ExitKey, exits)
	if err != nil {
		return closeOutcome{}, err
	}
	if failed != nil {
		log.Error("exit partially filled", zap.Int("closed", res.Closed), zap.Error(failed))
	}
	return closeOutcome{CloseResult: res, failed: failed}, nil
}

func exitFailed(instrument string, err error) error {
	return fmt.Errorf("exit %s failed: %w", instrument, err)
}

// enterSync sizes and submits the entry and records the trade. st is the strategy as it
// was before any exit of this signal; ongoing is the profit those exits realized.
func (d *Dispatcher) enterSync(ctx context.Context, st *models.Strategy, client broker.Client, p plan, leg entryLeg, ongoing decimal.Decimal) (*models.Trade, error) {
	qty, err := size(st, ongoing)
	if err != nil {
		return nil, err
	}
	placedAt := d.now()
	req := leg.request(qty, clientOrderID(p.SignalID))
	req.Side = brokerSide(leg.Side)
	fill, err := broker.Submit(ctx, client, req, d.submitOptions(d.resizer(st.ID)))
	if err != nil {
		return nil, fmt.Errorf("entry %s: %w", leg.Symbol, err)
	}

	return d.openFilled(ctx, st, p, leg, fill, placedAt)
}

// openFilled records an entry the broker already filled, at the fill price when it
// reported one and at the quote otherwise.
func (d *Dispatcher) openFilled(ctx context.Context, st *models.Strategy, p plan, leg entryLeg, fill broker.Fill, placedAt time.Time) (*models.Trade, error) {
	price := leg.Quote
	if fill.Price != nil {
		price = *fill.Price
	}
	trade := d.entryTrade(ctx, st, p, leg, fill.Quantity, price, placedAt)
	trade.BrokerOrderID = fill.OrderID
	if err := d.Positions.Open(ctx, st, trade); err != nil {
		return nil, err
	}
	return trade, nil
}

func (d *Dispatcher) entryTrade(ctx context.Context, st *models.Strategy, p plan, leg entryLeg, qty, price decimal.Decimal, placedAt time.Time) *models.Trade {
	t := &models.Trade{
		StrategyID:      st.ID,
		Instrument:      leg.Symbol,
		Quantity:        signedQuantity(leg.Side, qty),
		EntryPrice:      price,
		EntryReceivedAt: p.ReceivedAt,
		EntryPlacedAt:   placedAt,
		Strike:          leg.Strike,
		Expiry:          leg.Expiry,
		Action:          p.Action,
	}
	if leg.OptionType != "" {
		optionType := leg.OptionType
		t.OptionType = &optionType
	}
	if fp := d.futurePriceFor(ctx, st, p); fp != nil {
		t.FutureEntryPrice = *fp
	}
	return t
}
