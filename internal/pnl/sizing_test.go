package pnl

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"tradeengine/internal/apperr"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func niftyInput(funds string) SizingInput {
	return SizingInput{
		Funds:       d(funds),
		Margin:      d("95000"),
		MinQuantity: d("15"),
		Step:        d("15"),
		Compounding: true,
		FundsUsage:  d("1"),
	}
}

func TestLotsToTrade(t *testing.T) {
	cases := []struct {
		name string
		in   func() SizingInput
		want float64
	}{
		{"half of funds in use", func() SizingInput {
			in := niftyInput("200000")
			in.FundsUsage = d("0.5")
			return in
		}, 15},
		{"all funds", func() SizingInput { return niftyInput("200000") }, 30},
		{"funds equal margin", func() SizingInput { return niftyInput("95000") }, 15},
		{"approximation on step boundary", func() SizingInput { return niftyInput("190000") }, 30},
		{"usable below margin forces one lot", func() SizingInput {
			in := niftyInput("100000")
			in.FundsUsage = d("0.5")
			return in
		}, 15},
		{"ongoing profit counts", func() SizingInput {
			in := niftyInput("150000")
			in.OngoingProfit = d("40000")
			return in
		}, 30},
		{"fixed contracts when affordable", func() SizingInput {
			in := niftyInput("400000")
			in.Compounding = false
			in.FixedContracts = d("45")
			return in
		}, 45},
		{"fixed contracts fall back to compounding", func() SizingInput {
			in := niftyInput("200000")
			in.Compounding = false
			in.FixedContracts = d("45")
			return in
		}, 30},
		{"fractional lots round down", func() SizingInput {
			return SizingInput{
				Funds:       d("1234.567"),
				Margin:      d("10"),
				MinQuantity: d("0.01"),
				Step:        d("0.01"),
				Compounding: true,
			}
		}, 1.23},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := LotsToTrade(tc.in())
			if err != nil {
				t.Fatalf("err=%v", err)
			}
			if got != tc.want {
				t.Fatalf("lots=%v want=%v", got, tc.want)
			}
		})
	}
}

func TestLotsToTrade_FundsBelowMargin(t *testing.T) {
	_, err := LotsToTrade(niftyInput("80000"))
	if !errors.Is(err, apperr.ErrSizingInvalid) {
		t.Fatalf("err=%v want sizing invalid", err)
	}
}

func TestLotsToTrade_DivisionByZero(t *testing.T) {
	in := niftyInput("200000")
	in.Margin = decimal.Zero
	if _, err := LotsToTrade(in); !errors.Is(err, apperr.ErrSizingInvalid) {
		t.Fatalf("zero margin err=%v", err)
	}
	in = niftyInput("200000")
	in.Step = decimal.Zero
	if _, err := LotsToTrade(in); !errors.Is(err, apperr.ErrSizingInvalid) {
		t.Fatalf("zero step err=%v", err)
	}
}

func TestLotsToTrade_Deterministic(t *testing.T) {
	in := niftyInput("987654.32")
	in.FundsUsage = d("0.73")
	first, err := LotsToTrade(in)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	for i := 0; i < 50; i++ {
		got, _ := LotsToTrade(in)
		if got != first {
			t.Fatalf("run %d lots=%v want=%v", i, got, first)
		}
	}
}
