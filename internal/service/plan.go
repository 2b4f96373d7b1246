package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradeengine/internal/apperr"
	"tradeengine/internal/catalog"
	"tradeengine/internal/models"
	"tradeengine/internal/position"
)

// plan is what a signal resolved to before any order is placed: the position key to
// exit and the entry to take afterwards.
type plan struct {
	SignalID    string
	Action      string
	ReceivedAt  time.Time
	FuturePrice decimal.Decimal
	Strike      *decimal.Decimal
	Premium     *decimal.Decimal

	FutureExpiry    time.Time
	ExitKey         string
	EntryKey        string
	EntryOptionType string
	EntryExpiry     time.Time
}

// OptionTypeFor maps bias and action to the option bought or written:
// long×buy=CE, long×sell=PE, short×buy=PE, short×sell=CE.
func OptionTypeFor(bias, action string) string {
	bullish := action == models.ActionBuy
	if bias == models.BiasShort {
		bullish = !bullish
	}
	if bullish {
		return models.OptionCE
	}
	return models.OptionPE
}

func Complement(optionType string) string {
	if optionType == models.OptionCE {
		return models.OptionPE
	}
	return models.OptionCE
}

// entrySide is the broker side of an entry: options follow the bias, everything else
// follows the action.
func entrySide(st *models.Strategy, action string) string {
	if st.IsOptions() {
		if st.IsLong() {
			return models.ActionBuy
		}
		return models.ActionSell
	}
	return action
}

func validateSignal(sig models.Signal) error {
	if sig.StrategyID == 0 {
		return fmt.Errorf("%w: strategy_id is required", apperr.ErrInvalidInput)
	}
	if sig.Action != models.ActionBuy && sig.Action != models.ActionSell {
		return fmt.Errorf("%w: action must be buy or sell, got %q", apperr.ErrInvalidInput, sig.Action)
	}
	if sig.FuturePrice.IsNegative() {
		return fmt.Errorf("%w: negative future price", apperr.ErrInvalidInput)
	}
	return nil
}

func newSignalID() string {
	return uuid.NewString()
}

// clientOrderID is a short tag accepted by every broker's order-tag field.
func clientOrderID(signalID string) string {
	id := strings.ReplaceAll(signalID, "-", "")
	if len(id) > 20 {
		id = id[:20]
	}
	return id
}

// planSignal resolves expiries, applies the expiry-day rules and the only-on-expiry gate
// and classifies the signal. A non-empty gate message ends the signal without trading.
func (d *Dispatcher) planSignal(ctx context.Context, st *models.Strategy, sig models.Signal, now time.Time) (plan, string, error) {
	p := plan{
		SignalID:    sig.ID,
		Action:      sig.Action,
		ReceivedAt:  sig.ReceivedAt,
		FuturePrice: sig.FuturePrice,
		Strike:      sig.Strike,
		Premium:     sig.Premium,
	}
	if p.SignalID == "" {
		p.SignalID = newSignalID()
	}

	if st.InstrumentClass == models.InstrumentClassCFD {
		dir := position.DirectionOfAction(sig.Action)
		p.EntryKey = position.CFDKey(dir)
		p.ExitKey = position.CFDKey(position.Opposite(dir))
		return p, "", nil
	}

	fut, err := d.Catalog.NextExpiries(ctx, st.Symbol, catalog.ClassFutures, now)
	if err != nil {
		return p, "", err
	}
	p.FutureExpiry = d.Rules.Effective(fut, false, false, now)

	if !st.IsOptions() {
		if gate := d.Rules.Gate(st.OnlyOnExpiry, false, fut, now); gate != "" {
			return p, gate, nil
		}
		dir := position.DirectionOfAction(sig.Action)
		p.EntryExpiry = p.FutureExpiry
		p.EntryKey = position.FutureKey(p.FutureExpiry, dir)
		p.ExitKey = position.FutureKey(p.FutureExpiry, position.Opposite(dir))
		return p, "", nil
	}

	opt, err := d.Catalog.NextExpiries(ctx, st.Symbol, catalog.ClassOptions, now)
	if err != nil {
		return p, "", err
	}
	if gate := d.Rules.Gate(st.OnlyOnExpiry, true, opt, now); gate != "" {
		return p, gate, nil
	}
	expiry := d.Rules.Effective(opt, true, st.IsLong(), now)
	optionType := OptionTypeFor(st.PositionBias, sig.Action)
	p.EntryOptionType = optionType
	p.EntryExpiry = expiry
	p.EntryKey = position.OptionKey(expiry, optionType)
	p.ExitKey = position.OptionKey(expiry, Complement(optionType))
	return p, "", nil
}

// snapshot records the plan on an order so the webhook can finish the signal.
func (p plan) snapshot() models.OrderSignal {
	s := models.OrderSignal{
		Action:          p.Action,
		ReceivedAt:      p.ReceivedAt,
		FuturePrice:     p.FuturePrice,
		Strike:          p.Strike,
		Premium:         p.Premium,
		PositionKey:     p.ExitKey,
		EntryOptionType: p.EntryOptionType,
		EntryKey:        p.EntryKey,
	}
	if !p.EntryExpiry.IsZero() {
		s.EntryExpiry = p.EntryExpiry.Format(time.DateOnly)
	}
	if !p.FutureExpiry.IsZero() {
		s.FutureExpiry = p.FutureExpiry.Format(time.DateOnly)
	}
	return s
}

func planFromSnapshot(signalID string, s models.OrderSignal) (plan, error) {
	p := plan{
		SignalID:        signalID,
		Action:          s.Action,
		ReceivedAt:      s.ReceivedAt,
		FuturePrice:     s.FuturePrice,
		Strike:          s.Strike,
		Premium:         s.Premium,
		ExitKey:         s.PositionKey,
		EntryKey:        s.EntryKey,
		EntryOptionType: s.EntryOptionType,
	}
	var err error
	if s.EntryExpiry != "" {
		if p.EntryExpiry, err = time.Parse(time.DateOnly, s.EntryExpiry); err != nil {
			return p, fmt.Errorf("entry expiry %q: %w", s.EntryExpiry, err)
		}
	}
	if s.FutureExpiry != "" {
		if p.FutureExpiry, err = time.Parse(time.DateOnly, s.FutureExpiry); err != nil {
			return p, fmt.Errorf("future expiry %q: %w", s.FutureExpiry, err)
		}
	}
	return p, nil
}
