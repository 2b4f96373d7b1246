package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"tradeengine/internal/models"
)

// Repository is the durable store. Methods suffixed Tx run on the given transaction,
// or on the default connection when tx is nil.
type Repository interface {
	InTx(ctx context.Context, fn func(tx *gorm.DB) error) error

	// strategies
	ListStrategies(ctx context.Context) ([]models.Strategy, error)
	GetStrategy(ctx context.Context, id uint64) (*models.Strategy, error)
	CreateStrategy(ctx context.Context, item *models.Strategy) error
	AddStrategyFundsTx(ctx context.Context, tx *gorm.DB, id uint64, funds, futureFunds decimal.Decimal) (*models.Strategy, error)

	// trades
	CreateTradeTx(ctx context.Context, tx *gorm.DB, item *models.Trade) error
	CloseTradesTx(ctx context.Context, tx *gorm.DB, exits []models.TradeExit) (int64, error)
	ReconcileExitTx(ctx context.Context, tx *gorm.DB, exit models.TradeExit) (int64, error)
	ListOpenTrades(ctx context.Context, params ListTradesParams) ([]models.Trade, error)
	ListTradesByIDs(ctx context.Context, ids []uint64) ([]models.Trade, error)
	ListClosedTrades(ctx context.Context, params ListClosedTradesParams) ([]models.Trade, error)
	ListUnpricedExits(ctx context.Context, strategyID uint64) ([]models.Trade, error)

	// orders
	CreateOrderTx(ctx context.Context, tx *gorm.DB, item *models.Order) error
	GetOrderByUniqueID(ctx context.Context, uniqueOrderID string) (*models.Order, error)
	LockOrderTx(ctx context.Context, tx *gorm.DB, uniqueOrderID string) (*models.Order, error)
	UpdateOrderTx(ctx context.Context, tx *gorm.DB, item *models.Order) error
	ListOrdersBySignal(ctx context.Context, signalID string) ([]models.Order, error)

	// brokers
	GetBroker(ctx context.Context, id uint64) (*models.Broker, error)
	ListBrokers(ctx context.Context) ([]models.Broker, error)
	UpdateBrokerSessionTx(ctx context.Context, tx *gorm.DB, id uint64, session BrokerSession) error

	// daily profit
	UpsertDailyProfit(ctx context.Context, item *models.DailyProfit) error
	ListDailyProfits(ctx context.Context, params ListDailyProfitsParams) ([]models.DailyProfit, error)
}

type ListTradesParams struct {
	StrategyID *uint64
	Limit      int
	Offset     int
	OrderBy    string
	Asc        *bool
}

type ListClosedTradesParams struct {
	StrategyID uint64
	Since      time.Time
	Until      time.Time
}

type ListDailyProfitsParams struct {
	StrategyID *uint64
	Since      *time.Time
	Limit      int
}

type BrokerSession struct {
	AccessToken  string
	RefreshToken string
	FeedToken    string
	UpdatedAt    time.Time
}
