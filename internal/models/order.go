package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	OrderStatusPlaced    = "placed"
	OrderStatusFilled    = "filled"
	OrderStatusRejected  = "rejected"
	OrderStatusCancelled = "cancelled"

	OrderEntry = "entry"
	OrderExit  = "exit"
)

// Order tracks a broker order that confirms asynchronously. UniqueOrderID is the idempotency key.
type Order struct {
	ID            uint64  `gorm:"primaryKey;autoIncrement" json:"id"`
	StrategyID    uint64  `gorm:"not null;index" json:"strategy_id"`
	BrokerID      *uint64 `gorm:"index" json:"broker_id,omitempty"`
	OrderID       string  `gorm:"type:varchar(100);index" json:"order_id"`
	UniqueOrderID string  `gorm:"type:varchar(100);uniqueIndex;not null" json:"unique_order_id"`
	SignalID      string  `gorm:"type:varchar(36);not null;index" json:"signal_id"`

	Instrument string          `gorm:"type:varchar(60);not null" json:"instrument"`
	Quantity   decimal.Decimal `gorm:"type:numeric(30,10);not null" json:"quantity"`
	Side       string          `gorm:"type:varchar(4);not null" json:"side"`
	EntryExit  string          `gorm:"type:varchar(5);not null" json:"entry_exit"`

	Status        string           `gorm:"type:varchar(20);not null;default:'placed';index" json:"status"`
	StatusMessage string           `gorm:"type:text" json:"status_message,omitempty"`
	FillPrice     *decimal.Decimal `gorm:"type:numeric(30,10)" json:"fill_price,omitempty"`
	FilledAt      *time.Time       `gorm:"type:timestamptz" json:"filled_at,omitempty"`

	Signal   datatypes.JSON `gorm:"type:jsonb;not null" json:"signal"`
	TradeIDs datatypes.JSON `gorm:"type:jsonb" json:"trade_ids,omitempty"`
	TradeID  *uint64        `json:"trade_id,omitempty"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime;index" json:"created_at"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime" json:"updated_at"`
}

func (Order) TableName() string {
	return "orders"
}

func (o Order) Terminal() bool {
	switch o.Status {
	case OrderStatusFilled, OrderStatusRejected, OrderStatusCancelled:
		return true
	}
	return false
}

// ExitTradeIDs decodes the ids of the trades an exit order closes.
func (o Order) ExitTradeIDs() ([]uint64, error) {
	if len(o.TradeIDs) == 0 {
		return nil, nil
	}
	var ids []uint64
	if err := json.Unmarshal(o.TradeIDs, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// SignalSnapshot decodes the signal the order was placed for.
func (o Order) SignalSnapshot() (OrderSignal, error) {
	var snap OrderSignal
	if len(o.Signal) == 0 {
		return snap, nil
	}
	err := json.Unmarshal(o.Signal, &snap)
	return snap, err
}

// OrderSignal is the snapshot of the signal an order was placed for.
type OrderSignal struct {
	Action      string           `json:"action"`
	ReceivedAt  time.Time        `json:"received_at"`
	FuturePrice decimal.Decimal  `json:"future_price"`
	Strike      *decimal.Decimal `json:"strike,omitempty"`
	Premium     *decimal.Decimal `json:"premium,omitempty"`
	OptionType  string           `json:"option_type,omitempty"`
	Expiry      string           `json:"expiry,omitempty"`
	PositionKey string           `json:"position_key"`

	// Entry phase implied by the signal, placed once every exit order has filled.
	EntryOptionType string `json:"entry_option_type,omitempty"`
	EntryExpiry     string `json:"entry_expiry,omitempty"`
	EntryKey        string `json:"entry_key,omitempty"`
	FutureExpiry    string `json:"future_expiry,omitempty"`
}
