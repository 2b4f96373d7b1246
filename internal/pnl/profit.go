package pnl

import (
	"time"

	"github.com/shopspring/decimal"

	"tradeengine/internal/models"
)

type Kind int

const (
	KindFutures Kind = iota
	KindOptions
	// KindCFD carries no exchange charges.
	KindCFD
)

// Profit is the net P/L of a position of |qty| closed at exit.
func Profit(long bool, entry, exit, qty, charges decimal.Decimal) decimal.Decimal {
	diff := exit.Sub(entry)
	if !long {
		diff = entry.Sub(exit)
	}
	return diff.Mul(qty.Abs()).Sub(charges)
}

// Close computes the net profit of a round trip, charging by kind.
func Close(kind Kind, long bool, entry, exit, qty decimal.Decimal) decimal.Decimal {
	buy, sell := entry, exit
	if !long {
		buy, sell = exit, entry
	}
	var charges decimal.Decimal
	switch kind {
	case KindOptions:
		charges = OptionsCharges(buy, sell, qty)
	case KindFutures:
		charges = FuturesCharges(buy, sell, qty)
	default:
		charges = decimal.Zero
	}
	return Profit(long, entry, exit, qty, charges)
}

type ExitInput struct {
	Strategy        models.Strategy
	Trade           models.TradeSummary
	ExitPrice       *decimal.Decimal
	FutureExitPrice *decimal.Decimal
	ReceivedAt      time.Time
	PlacedAt        time.Time
}

// ExitFor builds the exit data of one trade. Options follow the strategy bias, futures
// and cfd follow the trade's action. The futures shadow follows the signal action.
// A nil exit price yields a nil profit.
func ExitFor(in ExitInput) models.TradeExit {
	out := models.TradeExit{
		TradeID:         in.Trade.ID,
		ExitPrice:       in.ExitPrice,
		FutureExitPrice: in.FutureExitPrice,
		ExitReceivedAt:  in.ReceivedAt,
		ExitPlacedAt:    in.PlacedAt,
	}

	kind := KindFutures
	long := in.Trade.Action == models.ActionBuy
	switch {
	case in.Trade.OptionType != "":
		kind = KindOptions
		long = in.Strategy.IsLong()
	case in.Strategy.InstrumentClass == models.InstrumentClassCFD:
		kind = KindCFD
	}

	if in.ExitPrice != nil {
		p := Close(kind, long, in.Trade.EntryPrice, *in.ExitPrice, in.Trade.Quantity)
		out.Profit = &p
	}
	if in.FutureExitPrice != nil && kind != KindCFD {
		shadowLong := in.Trade.Action == models.ActionBuy
		fp := Close(KindFutures, shadowLong, in.Trade.FutureEntryPrice, *in.FutureExitPrice, in.Trade.Quantity)
		out.FutureProfit = &fp
	}
	return out
}

// Totals sums the profits of exits, skipping those without one.
func Totals(exits []models.TradeExit) (profit, futureProfit decimal.Decimal) {
	for _, e := range exits {
		if e.Profit != nil {
			profit = profit.Add(*e.Profit)
		}
		if e.FutureProfit != nil {
			futureProfit = futureProfit.Add(*e.FutureProfit)
		}
	}
	return profit, futureProfit
}
