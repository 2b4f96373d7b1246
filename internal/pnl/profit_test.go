package pnl

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradeengine/internal/models"
)

func TestOptionsCharges(t *testing.T) {
	got := OptionsCharges(d("350"), d("400"), d("15"))
	if !got.Equal(d("45.96")) {
		t.Fatalf("charges=%s want=45.96", got)
	}
}

func TestFuturesCharges(t *testing.T) {
	got := FuturesCharges(d("44200"), d("44000"), d("-15"))
	if !got.Equal(d("163.71")) {
		t.Fatalf("charges=%s want=163.71", got)
	}
}

func TestExitFor_LongOption(t *testing.T) {
	ce := models.OptionCE
	strategy := models.Strategy{InstrumentClass: models.InstrumentClassOptions, PositionBias: models.BiasLong}
	exit := d("400")
	out := ExitFor(ExitInput{
		Strategy: strategy,
		Trade: models.TradeSummary{
			ID:         7,
			Quantity:   d("15"),
			EntryPrice: d("350"),
			OptionType: ce,
			Action:     models.ActionBuy,
		},
		ExitPrice:  &exit,
		ReceivedAt: time.Now(),
	})
	if out.TradeID != 7 {
		t.Fatalf("trade id=%d want=7", out.TradeID)
	}
	if out.Profit == nil || !out.Profit.Equal(d("704.04")) {
		t.Fatalf("profit=%v want=704.04", out.Profit)
	}
	if out.FutureProfit != nil {
		t.Fatalf("future profit=%v want nil without a futures quote", out.FutureProfit)
	}
}

func TestExitFor_ShortFutureFlip(t *testing.T) {
	strategy := models.Strategy{InstrumentClass: models.InstrumentClassFutures}
	exit := d("44200")
	out := ExitFor(ExitInput{
		Strategy: strategy,
		Trade: models.TradeSummary{
			ID:               1,
			Quantity:         d("-15"),
			EntryPrice:       d("44000"),
			FutureEntryPrice: d("44000"),
			Action:           models.ActionSell,
		},
		ExitPrice:       &exit,
		FutureExitPrice: &exit,
	})
	want := d("-3163.71")
	if out.Profit == nil || !out.Profit.Equal(want) {
		t.Fatalf("profit=%v want=%s", out.Profit, want)
	}
	if out.FutureProfit == nil || !out.FutureProfit.Equal(want) {
		t.Fatalf("future profit=%v want=%s", out.FutureProfit, want)
	}
}

func TestExitFor_MissingPriceLeavesProfitNil(t *testing.T) {
	out := ExitFor(ExitInput{
		Strategy: models.Strategy{InstrumentClass: models.InstrumentClassOptions, PositionBias: models.BiasShort},
		Trade:    models.TradeSummary{ID: 3, Quantity: d("-15"), EntryPrice: d("120"), OptionType: models.OptionPE},
	})
	if out.Profit != nil || out.ExitPrice != nil {
		t.Fatalf("profit=%v exit=%v want nil", out.Profit, out.ExitPrice)
	}
}

func TestRoundTripReturnsFundsMinusCharges(t *testing.T) {
	entry := d("350")
	profit := Close(KindOptions, true, entry, entry, d("15"))
	charges := OptionsCharges(entry, entry, d("15"))
	if !profit.Equal(charges.Neg()) {
		t.Fatalf("profit=%s want=-%s", profit, charges)
	}
}

func TestTotals(t *testing.T) {
	a, b := d("10.5"), d("-2")
	profit, future := Totals([]models.TradeExit{
		{Profit: &a, FutureProfit: &b},
		{Profit: &a},
		{},
	})
	if !profit.Equal(d("21")) || !future.Equal(decimal.NewFromInt(-2)) {
		t.Fatalf("profit=%s future=%s", profit, future)
	}
}
