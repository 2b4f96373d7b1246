package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type DailyProfit struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	StrategyID uint64    `gorm:"not null;uniqueIndex:uniq_daily_profit,priority:1" json:"strategy_id"`
	Date       time.Time `gorm:"type:date;not null;uniqueIndex:uniq_daily_profit,priority:2" json:"date"`

	Realized         decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0" json:"realized"`
	Unrealized       decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0" json:"unrealized"`
	Total            decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0" json:"total"`
	FutureRealized   decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0" json:"future_realized"`
	FutureUnrealized decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0" json:"future_unrealized"`
	FutureTotal      decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0" json:"future_total"`
	OpenTrades       int             `gorm:"not null;default:0" json:"open_trades"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime" json:"updated_at"`
}

func (DailyProfit) TableName() string {
	return "daily_profits"
}
