package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Instrument is a catalog record for one tradable contract.
type Instrument struct {
	Token         string           `json:"token"`
	TradingSymbol string           `json:"trading_symbol"`
	Name          string           `json:"name"`
	Exchange      string           `json:"exchange"`
	Expiry        string           `json:"expiry"`
	Strike        *decimal.Decimal `json:"strike,omitempty"`
	OptionType    string           `json:"option_type,omitempty"`
	LotSize       int              `json:"lot_size"`
	TickSize      decimal.Decimal  `json:"tick_size"`
}

func (i Instrument) IsFuture() bool {
	return i.OptionType == ""
}

// Signal is an inbound trading instruction.
type Signal struct {
	ID          string           `json:"id,omitempty"`
	StrategyID  uint64           `json:"strategy_id"`
	Action      string           `json:"action"`
	FuturePrice decimal.Decimal  `json:"future_entry_price_received"`
	ReceivedAt  time.Time        `json:"received_at"`
	Strike      *decimal.Decimal `json:"strike,omitempty"`
	Premium     *decimal.Decimal `json:"premium,omitempty"`
}
