package pnl

import "github.com/shopspring/decimal"

var (
	brokerage = decimal.NewFromInt(30)
	pct       = decimal.NewFromInt(100)
	gstRate   = decimal.RequireFromString("0.18")
	// regulatory fee is 10 per crore of turnover
	regulatoryRate = decimal.NewFromInt(10).Div(decimal.NewFromInt(10_000_000))

	futuresSTT         = decimal.RequireFromString("0.0125").Div(pct)
	futuresTransaction = decimal.RequireFromString("0.0019").Div(pct)
	futuresStamp       = decimal.RequireFromString("0.002").Div(pct)

	optionsSTT         = decimal.RequireFromString("0.0625").Div(pct)
	optionsTransaction = decimal.RequireFromString("0.05").Div(pct)
	optionsStamp       = decimal.RequireFromString("0.003").Div(pct)
)

// FuturesCharges returns the round-trip charges of a futures trade, rounded to 2dp.
func FuturesCharges(buy, sell, qty decimal.Decimal) decimal.Decimal {
	qty = qty.Abs()
	turnover := buy.Add(sell).Mul(qty)
	stt := futuresSTT.Mul(sell).Mul(qty)
	transaction := futuresTransaction.Mul(turnover)
	regulatory := regulatoryRate.Mul(turnover)
	stamp := futuresStamp.Mul(buy).Mul(qty)
	gst := gstRate.Mul(brokerage.Add(transaction).Add(regulatory))
	return brokerage.
		Add(stt).
		Add(transaction).
		Add(regulatory.Mul(decimal.NewFromInt(2))).
		Add(stamp).
		Add(gst).
		Round(2)
}

// OptionsCharges returns the round-trip charges of an options trade, rounded to 2dp.
func OptionsCharges(buy, sell, qty decimal.Decimal) decimal.Decimal {
	qty = qty.Abs()
	turnover := buy.Add(sell).Mul(qty)
	transaction := optionsTransaction.Mul(turnover)
	stt := optionsSTT.Mul(sell).Mul(qty)
	regulatory := regulatoryRate.Mul(turnover)
	gst := gstRate.Mul(brokerage.Add(transaction).Add(regulatory))
	stamp := optionsStamp.Mul(buy).Mul(qty)
	return brokerage.
		Add(transaction).
		Add(stt).
		Add(regulatory).
		Add(gst).
		Add(stamp).
		Round(2)
}
