package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	ActionBuy  = "buy"
	ActionSell = "sell"

	OptionCE = "CE"
	OptionPE = "PE"
)

// Trade is a single position. It is created on entry and mutated once on exit.
// A trade is open while ExitReceivedAt is nil; an exit recorded without a fill
// price keeps ExitPrice nil until mark-to-market reconciles it.
type Trade struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	StrategyID uint64 `gorm:"not null;index:idx_trades_strategy_open,priority:1" json:"strategy_id"`
	Instrument string `gorm:"type:varchar(60);not null" json:"instrument"`

	Quantity         decimal.Decimal `gorm:"type:numeric(30,10);not null" json:"quantity"`
	EntryPrice       decimal.Decimal `gorm:"type:numeric(30,10);not null" json:"entry_price"`
	FutureEntryPrice decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0" json:"future_entry_price"`
	EntryReceivedAt  time.Time       `gorm:"type:timestamptz;not null" json:"entry_received_at"`
	EntryPlacedAt    time.Time       `gorm:"type:timestamptz;not null" json:"entry_placed_at"`

	Strike     *decimal.Decimal `gorm:"type:numeric(30,10)" json:"strike,omitempty"`
	OptionType *string          `gorm:"type:varchar(2)" json:"option_type,omitempty"`
	Expiry     *time.Time       `gorm:"type:date" json:"expiry,omitempty"`
	Action     string           `gorm:"type:varchar(4);not null" json:"action"`

	ExitPrice       *decimal.Decimal `gorm:"type:numeric(30,10)" json:"exit_price,omitempty"`
	FutureExitPrice *decimal.Decimal `gorm:"type:numeric(30,10)" json:"future_exit_price,omitempty"`
	ExitReceivedAt  *time.Time       `gorm:"type:timestamptz;index:idx_trades_strategy_open,priority:2" json:"exit_received_at,omitempty"`
	ExitPlacedAt    *time.Time       `gorm:"type:timestamptz" json:"exit_placed_at,omitempty"`
	Profit          *decimal.Decimal `gorm:"type:numeric(30,10)" json:"profit,omitempty"`
	FutureProfit    *decimal.Decimal `gorm:"type:numeric(30,10)" json:"future_profit,omitempty"`

	BrokerOrderID string `gorm:"type:varchar(100)" json:"broker_order_id,omitempty"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime" json:"updated_at"`
}

func (Trade) TableName() string {
	return "trades"
}

func (t Trade) IsOpen() bool {
	return t.ExitReceivedAt == nil
}

func (t Trade) IsOption() bool {
	return t.OptionType != nil && *t.OptionType != ""
}

// TradeSummary is the projection element stored per position key.
type TradeSummary struct {
	ID               uint64           `json:"id"`
	Instrument       string           `json:"instrument"`
	Quantity         decimal.Decimal  `json:"quantity"`
	EntryPrice       decimal.Decimal  `json:"entry_price"`
	FutureEntryPrice decimal.Decimal  `json:"future_entry_price"`
	Strike           *decimal.Decimal `json:"strike,omitempty"`
	OptionType       string           `json:"option_type,omitempty"`
	Expiry           string           `json:"expiry,omitempty"`
	Action           string           `json:"action"`
	EntryReceivedAt  time.Time        `json:"entry_received_at"`
}

func SummaryOf(t Trade) TradeSummary {
	s := TradeSummary{
		ID:               t.ID,
		Instrument:       t.Instrument,
		Quantity:         t.Quantity,
		EntryPrice:       t.EntryPrice,
		FutureEntryPrice: t.FutureEntryPrice,
		Strike:           t.Strike,
		Action:           t.Action,
		EntryReceivedAt:  t.EntryReceivedAt,
	}
	if t.OptionType != nil {
		s.OptionType = *t.OptionType
	}
	if t.Expiry != nil {
		s.Expiry = t.Expiry.Format(time.DateOnly)
	}
	return s
}

// TradeExit carries the exit data written onto one trade by a close.
type TradeExit struct {
	TradeID         uint64
	ExitPrice       *decimal.Decimal
	FutureExitPrice *decimal.Decimal
	ExitReceivedAt  time.Time
	ExitPlacedAt    time.Time
	Profit          *decimal.Decimal
	FutureProfit    *decimal.Decimal
}
