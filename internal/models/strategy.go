package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	InstrumentClassFutures = "futures"
	InstrumentClassOptions = "options"
	InstrumentClassCFD     = "cfd"

	BiasLong  = "long"
	BiasShort = "short"
)

// Strategy is the unit of accounting and isolation. Funds move only when trades close.
type Strategy struct {
	ID              uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	Name            string `gorm:"type:varchar(100);not null" json:"name"`
	Symbol          string `gorm:"type:varchar(30);not null;index" json:"symbol"`
	InstrumentClass string `gorm:"type:varchar(20);not null" json:"instrument_class"`
	PositionBias    string `gorm:"type:varchar(10);not null;default:'long'" json:"position_bias"`
	// Instrument is the broker symbol traded by cfd and perp strategies.
	Instrument string `gorm:"type:varchar(50)" json:"instrument,omitempty"`

	PremiumTarget decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0" json:"premium_target"`

	Funds              decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0" json:"funds"`
	FutureFunds        decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0" json:"future_funds"`
	InitialFunds       decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0" json:"initial_funds"`
	InitialFutureFunds decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0" json:"initial_future_funds"`

	MinQuantity          decimal.Decimal `gorm:"type:numeric(30,10);not null" json:"min_quantity"`
	MarginForMinQuantity decimal.Decimal `gorm:"type:numeric(30,10);not null" json:"margin_for_min_quantity"`
	IncrementalStepSize  decimal.Decimal `gorm:"type:numeric(30,10);not null" json:"incremental_step_size"`
	Compounding          bool            `gorm:"not null;default:true" json:"compounding"`
	FixedContracts       decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0" json:"fixed_contracts"`
	FundsUsage           decimal.Decimal `gorm:"type:numeric(10,6);not null;default:1" json:"funds_usage"`
	OnlyOnExpiry         bool            `gorm:"not null;default:false" json:"only_on_expiry"`

	BrokerID *uint64 `gorm:"index" json:"broker_id,omitempty"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime" json:"updated_at"`
}

func (Strategy) TableName() string {
	return "strategies"
}

func (s Strategy) IsOptions() bool {
	return s.InstrumentClass == InstrumentClassOptions
}

func (s Strategy) IsLong() bool {
	return s.PositionBias == BiasLong
}
