package position

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradeengine/internal/models"
)

// StrategyField is the hash field holding the strategy snapshot next to the position keys.
const StrategyField = "strategy"

const (
	Long  = "LONG"
	Short = "SHORT"
)

func HashKey(strategyID uint64) string {
	return fmt.Sprintf("strategy:%d", strategyID)
}

// OptionKey is "<YYYY-MM-DD> <CE|PE>".
func OptionKey(expiry time.Time, optionType string) string {
	return expiry.Format(time.DateOnly) + " " + strings.ToUpper(optionType)
}

// FutureKey is "<YYYY-MM-DD> <LONG|SHORT> FUT".
func FutureKey(expiry time.Time, direction string) string {
	return expiry.Format(time.DateOnly) + " " + direction + " FUT"
}

// CFDKey is "<LONG|SHORT> CFD".
func CFDKey(direction string) string {
	return direction + " CFD"
}

// DirectionOf maps a signed quantity to LONG or SHORT.
func DirectionOf(qty decimal.Decimal) string {
	if qty.IsPositive() {
		return Long
	}
	return Short
}

// DirectionOfAction maps buy to LONG and sell to SHORT.
func DirectionOfAction(action string) string {
	if action == models.ActionBuy {
		return Long
	}
	return Short
}

func Opposite(direction string) string {
	if direction == Long {
		return Short
	}
	return Long
}

// KeyOf derives the position key of a trade. Every trade has exactly one.
func KeyOf(t models.Trade) string {
	switch {
	case t.IsOption() && t.Expiry != nil:
		return OptionKey(*t.Expiry, *t.OptionType)
	case t.Expiry != nil:
		return FutureKey(*t.Expiry, DirectionOf(t.Quantity))
	default:
		return CFDKey(DirectionOf(t.Quantity))
	}
}

// ParsedKey is a decoded position key. Expiry is zero for cfd keys.
type ParsedKey struct {
	Expiry     time.Time
	OptionType string
	Direction  string
	Future     bool
	CFD        bool
}

func ParseKey(key string) (ParsedKey, bool) {
	parts := strings.Fields(key)
	switch {
	case len(parts) == 2 && parts[1] == "CFD":
		return ParsedKey{Direction: parts[0], CFD: true}, true
	case len(parts) == 2:
		expiry, err := time.Parse(time.DateOnly, parts[0])
		if err != nil || (parts[1] != models.OptionCE && parts[1] != models.OptionPE) {
			return ParsedKey{}, false
		}
		return ParsedKey{Expiry: expiry, OptionType: parts[1]}, true
	case len(parts) == 3 && parts[2] == "FUT":
		expiry, err := time.Parse(time.DateOnly, parts[0])
		if err != nil || (parts[1] != Long && parts[1] != Short) {
			return ParsedKey{}, false
		}
		return ParsedKey{Expiry: expiry, Direction: parts[1], Future: true}, true
	}
	return ParsedKey{}, false
}
