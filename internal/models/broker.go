package models

import "time"

const (
	BrokerPaper     = "paper"
	BrokerAliceBlue = "aliceblue"
	BrokerAngelOne  = "angelone"
	BrokerOanda     = "oanda"
	BrokerBinance   = "binance"
)

type Broker struct {
	ID      uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	Name    string `gorm:"type:varchar(100);not null" json:"name"`
	Kind    string `gorm:"type:varchar(20);not null;index" json:"kind"`
	BaseURL string `gorm:"type:varchar(255)" json:"base_url,omitempty"`

	ClientID   string `gorm:"type:varchar(100)" json:"client_id,omitempty"`
	AccountID  string `gorm:"type:varchar(100)" json:"account_id,omitempty"`
	APIKey     string `gorm:"type:text" json:"-"`
	APISecret  string `gorm:"type:text" json:"-"`
	Password   string `gorm:"type:text" json:"-"`
	TOTPSecret string `gorm:"type:text" json:"-"`

	AccessToken      string     `gorm:"type:text" json:"-"`
	RefreshToken     string     `gorm:"type:text" json:"-"`
	FeedToken        string     `gorm:"type:text" json:"-"`
	SessionUpdatedAt *time.Time `gorm:"type:timestamptz" json:"session_updated_at,omitempty"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime" json:"updated_at"`
}

func (Broker) TableName() string {
	return "brokers"
}
