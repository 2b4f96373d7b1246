package pnl

import (
	"fmt"

	"github.com/shopspring/decimal"

	"tradeengine/internal/apperr"
	"tradeengine/internal/models"
)

// divPrecision keeps intermediate quotients at 28 significant digits or more.
const divPrecision = 28

type SizingInput struct {
	Funds          decimal.Decimal
	OngoingProfit  decimal.Decimal
	Margin         decimal.Decimal
	MinQuantity    decimal.Decimal
	Step           decimal.Decimal
	Compounding    bool
	FixedContracts decimal.Decimal
	// FundsUsage is the fraction of funds put to work; zero means all of it.
	FundsUsage decimal.Decimal
}

// SizingFor builds the sizing input of a strategy carrying ongoingProfit from a preceding close.
func SizingFor(s models.Strategy, ongoingProfit decimal.Decimal) SizingInput {
	return SizingInput{
		Funds:          s.Funds,
		OngoingProfit:  ongoingProfit,
		Margin:         s.MarginForMinQuantity,
		MinQuantity:    s.MinQuantity,
		Step:           s.IncrementalStepSize,
		Compounding:    s.Compounding,
		FixedContracts: s.FixedContracts,
		FundsUsage:     s.FundsUsage,
	}
}

// LotsToTrade returns the quantity to trade for the given funds.
func LotsToTrade(in SizingInput) (float64, error) {
	if in.Margin.IsZero() || in.MinQuantity.IsZero() {
		return 0, fmt.Errorf("%w: division by zero (margin=%s min_quantity=%s)",
			apperr.ErrSizingInvalid, in.Margin, in.MinQuantity)
	}

	total := in.Funds.Add(in.OngoingProfit)
	if total.LessThan(in.Margin) {
		return 0, fmt.Errorf("%w: available funds %s below margin %s",
			apperr.ErrSizingInvalid, total.StringFixed(2), in.Margin.StringFixed(2))
	}

	usage := in.FundsUsage
	if !usage.IsPositive() {
		usage = decimal.NewFromInt(1)
	}
	usable := total.Mul(usage).Round(2)

	if usable.LessThan(in.Margin) {
		return in.MinQuantity.InexactFloat64(), nil
	}

	if !in.Compounding {
		required := in.Margin.Mul(in.FixedContracts).DivRound(in.MinQuantity, divPrecision)
		if usable.GreaterThanOrEqual(required) {
			return in.FixedContracts.InexactFloat64(), nil
		}
	}

	return compounded(usable, in)
}

func compounded(usable decimal.Decimal, in SizingInput) (float64, error) {
	if in.Step.IsZero() {
		return 0, fmt.Errorf("%w: division by zero (step=0)", apperr.ErrSizingInvalid)
	}
	approx := usable.Mul(in.MinQuantity).DivRound(in.Margin, divPrecision)
	closest := approx.DivRound(in.Step, divPrecision).Floor().Mul(in.Step)
	// an approximation landing exactly on a step boundary takes that step
	for closest.Add(in.Step).LessThanOrEqual(approx) {
		closest = closest.Add(in.Step)
	}
	return closest.RoundDown(2).InexactFloat64(), nil
}
