package service

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"tradeengine/internal/models"
	"tradeengine/internal/position"
)

// summary is the text a signal is answered with.
type summary struct {
	closed   int
	profit   decimal.Decimal
	opened   *models.Trade
	placed   bool
	exitErr  error
	entryErr error
}

func (s summary) String() string {
	var parts []string
	if s.closed > 0 {
		parts = append(parts, fmt.Sprintf("closed %d trades (profit %s)", s.closed, formatMoney(s.profit)))
	}
	if s.opened != nil {
		parts = append(parts, "opened "+describeTrade(*s.opened))
	}
	if s.placed {
		parts = append(parts, msgOrdersPlaced)
	}
	if s.exitErr != nil {
		parts = append(parts, s.exitErr.Error())
	}
	if s.entryErr != nil {
		parts = append(parts, "entry failed: "+s.entryErr.Error())
	}
	if len(parts) == 0 {
		return "no change"
	}
	return strings.Join(parts, "; ")
}

// describeTrade renders "PE 43500 x 15 @ 300", "LONG FUT x 15 @ 44200" or
// "EUR_USD SHORT x 1000 @ 1.0845".
func describeTrade(t models.Trade) string {
	qty := t.Quantity.Abs().String()
	price := t.EntryPrice.String()
	switch {
	case t.IsOption():
		strike := ""
		if t.Strike != nil {
			strike = " " + t.Strike.String()
		}
		return fmt.Sprintf("%s%s x %s @ %s", *t.OptionType, strike, qty, price)
	case t.Expiry != nil:
		return fmt.Sprintf("%s FUT x %s @ %s", position.DirectionOf(t.Quantity), qty, price)
	default:
		return fmt.Sprintf("%s %s x %s @ %s", t.Instrument, position.DirectionOf(t.Quantity), qty, price)
	}
}

// formatMoney renders v with two decimals and thousands separators.
func formatMoney(v decimal.Decimal) string {
	s := v.Abs().StringFixed(2)
	whole, frac, _ := strings.Cut(s, ".")
	var b strings.Builder
	if v.IsNegative() {
		b.WriteByte('-')
	}
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	b.WriteByte('.')
	b.WriteString(frac)
	return b.String()
}
