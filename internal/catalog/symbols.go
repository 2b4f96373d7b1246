package catalog

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OptionSymbol renders <SYMBOL><DDMONYY><STRIKE><CE|PE>, e.g. BANKNIFTY25JAN2443500CE.
func OptionSymbol(symbol string, expiry time.Time, strike decimal.Decimal, optionType string) string {
	return strings.ToUpper(symbol) + expiryCode(expiry) + strike.String() + strings.ToUpper(optionType)
}

// FutureSymbol renders <SYMBOL><DDMONYY>FUT.
func FutureSymbol(symbol string, expiry time.Time) string {
	return strings.ToUpper(symbol) + expiryCode(expiry) + "FUT"
}

func expiryCode(expiry time.Time) string {
	return strings.ToUpper(expiry.Format("02Jan06"))
}
