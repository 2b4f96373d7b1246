package gormrepository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tradeengine/internal/models"
	"tradeengine/internal/repository"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(fn)
}

func (s *Store) conn(ctx context.Context, tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx.WithContext(ctx)
	}
	return s.db.WithContext(ctx)
}

// --- strategies -------------------------------------------------------------

func (s *Store) ListStrategies(ctx context.Context) ([]models.Strategy, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.Strategy
	if err := s.db.WithContext(ctx).
		Model(&models.Strategy{}).
		Order("id asc").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) GetStrategy(ctx context.Context, id uint64) (*models.Strategy, error) {
	if s == nil || s.db == nil || id == 0 {
		return nil, nil
	}
	var item models.Strategy
	err := s.db.WithContext(ctx).Model(&models.Strategy{}).Where("id = ?", id).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) CreateStrategy(ctx context.Context, item *models.Strategy) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

// AddStrategyFundsTx adds realized profit to the strategy's funds and returns the updated row.
func (s *Store) AddStrategyFundsTx(ctx context.Context, tx *gorm.DB, id uint64, funds, futureFunds decimal.Decimal) (*models.Strategy, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	db := s.conn(ctx, tx)
	res := db.Model(&models.Strategy{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"funds":        gorm.Expr("funds + ?", funds),
			"future_funds": gorm.Expr("future_funds + ?", futureFunds),
			"updated_at":   time.Now().UTC(),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("strategy %d: %w", id, gorm.ErrRecordNotFound)
	}
	var item models.Strategy
	if err := db.Where("id = ?", id).First(&item).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

// --- trades -----------------------------------------------------------------

func (s *Store) CreateTradeTx(ctx context.Context, tx *gorm.DB, item *models.Trade) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.conn(ctx, tx).Create(item).Error
}

// CloseTradesTx writes exit data onto every trade in one statement. Trades that are
// already closed are left untouched and not counted.
func (s *Store) CloseTradesTx(ctx context.Context, tx *gorm.DB, exits []models.TradeExit) (int64, error) {
	if s == nil || s.db == nil || len(exits) == 0 {
		return 0, nil
	}
	sql, args := compileCloseUpdate(exits, time.Now().UTC())
	res := s.conn(ctx, tx).Exec(sql, args...)
	return res.RowsAffected, res.Error
}

// compileCloseUpdate renders
//
//	UPDATE trades SET col = CASE id WHEN ? THEN ? ... END, ... WHERE id IN ? AND exit_received_at IS NULL
func compileCloseUpdate(exits []models.TradeExit, now time.Time) (string, []any) {
	type column struct {
		name  string
		cast  string
		value func(e models.TradeExit) any
	}
	columns := []column{
		{"exit_price", "numeric", func(e models.TradeExit) any { return decimalArg(e.ExitPrice) }},
		{"future_exit_price", "numeric", func(e models.TradeExit) any { return decimalArg(e.FutureExitPrice) }},
		{"exit_received_at", "timestamptz", func(e models.TradeExit) any { return e.ExitReceivedAt.UTC() }},
		{"exit_placed_at", "timestamptz", func(e models.TradeExit) any { return e.ExitPlacedAt.UTC() }},
		{"profit", "numeric", func(e models.TradeExit) any { return decimalArg(e.Profit) }},
		{"future_profit", "numeric", func(e models.TradeExit) any { return decimalArg(e.FutureProfit) }},
	}

	var b strings.Builder
	args := make([]any, 0, len(columns)*len(exits)*2+2)
	ids := make([]uint64, 0, len(exits))
	for _, e := range exits {
		ids = append(ids, e.TradeID)
	}

	b.WriteString("UPDATE trades SET ")
	for i, col := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(col.name)
		b.WriteString(" = CASE id")
		for _, e := range exits {
			b.WriteString(" WHEN ? THEN CAST(? AS ")
			b.WriteString(col.cast)
			b.WriteString(")")
			args = append(args, e.TradeID, col.value(e))
		}
		b.WriteString(" END")
	}
	b.WriteString(", updated_at = ? WHERE id IN ? AND exit_received_at IS NULL")
	args = append(args, now, ids)
	return b.String(), args
}

func decimalArg(v *decimal.Decimal) any {
	if v == nil {
		return nil
	}
	return v.String()
}

// ReconcileExitTx fills the price and profit of a trade that closed without a fill price.
func (s *Store) ReconcileExitTx(ctx context.Context, tx *gorm.DB, exit models.TradeExit) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	res := s.conn(ctx, tx).Model(&models.Trade{}).
		Where("id = ?", exit.TradeID).
		Where("exit_received_at IS NOT NULL AND exit_price IS NULL").
		Updates(map[string]any{
			"exit_price":        exit.ExitPrice,
			"future_exit_price": exit.FutureExitPrice,
			"profit":            exit.Profit,
			"future_profit":     exit.FutureProfit,
		})
	return res.RowsAffected, res.Error
}

func (s *Store) ListOpenTrades(ctx context.Context, params repository.ListTradesParams) ([]models.Trade, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.Trade{}).Where("exit_received_at IS NULL")
	if params.StrategyID != nil && *params.StrategyID > 0 {
		query = query.Where("strategy_id = ?", *params.StrategyID)
	}
	asc := params.Asc
	if asc == nil {
		t := true
		asc = &t
	}
	query = applyOrder(query, params.OrderBy, asc, "id")
	if params.Limit > 0 {
		query = query.Limit(normalizeLimit(params.Limit, 200)).Offset(normalizeOffset(params.Offset))
	}
	var items []models.Trade
	if err := query.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListTradesByIDs(ctx context.Context, ids []uint64) ([]models.Trade, error) {
	if s == nil || s.db == nil || len(ids) == 0 {
		return nil, nil
	}
	var items []models.Trade
	if err := s.db.WithContext(ctx).
		Model(&models.Trade{}).
		Where("id IN ?", ids).
		Order("id asc").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListClosedTrades(ctx context.Context, params repository.ListClosedTradesParams) ([]models.Trade, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.Trade
	if err := s.db.WithContext(ctx).
		Model(&models.Trade{}).
		Where("strategy_id = ?", params.StrategyID).
		Where("exit_received_at >= ? AND exit_received_at < ?", params.Since, params.Until).
		Order("id asc").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListUnpricedExits(ctx context.Context, strategyID uint64) ([]models.Trade, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.Trade
	if err := s.db.WithContext(ctx).
		Model(&models.Trade{}).
		Where("strategy_id = ?", strategyID).
		Where("exit_received_at IS NOT NULL AND exit_price IS NULL").
		Order("id asc").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// --- orders -----------------------------------------------------------------

func (s *Store) CreateOrderTx(ctx context.Context, tx *gorm.DB, item *models.Order) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.conn(ctx, tx).Create(item).Error
}

func (s *Store) GetOrderByUniqueID(ctx context.Context, uniqueOrderID string) (*models.Order, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	uniqueOrderID = strings.TrimSpace(uniqueOrderID)
	if uniqueOrderID == "" {
		return nil, nil
	}
	var item models.Order
	err := s.db.WithContext(ctx).Where("unique_order_id = ?", uniqueOrderID).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// LockOrderTx loads the order row with FOR UPDATE so concurrent webhook deliveries serialize.
func (s *Store) LockOrderTx(ctx context.Context, tx *gorm.DB, uniqueOrderID string) (*models.Order, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.Order
	err := s.conn(ctx, tx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("unique_order_id = ?", uniqueOrderID).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) UpdateOrderTx(ctx context.Context, tx *gorm.DB, item *models.Order) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.conn(ctx, tx).Model(&models.Order{}).
		Where("id = ?", item.ID).
		Updates(map[string]any{
			"status":         item.Status,
			"status_message": item.StatusMessage,
			"fill_price":     item.FillPrice,
			"filled_at":      item.FilledAt,
			"trade_id":       item.TradeID,
			"updated_at":     time.Now().UTC(),
		}).Error
}

func (s *Store) ListOrdersBySignal(ctx context.Context, signalID string) ([]models.Order, error) {
	if s == nil || s.db == nil || strings.TrimSpace(signalID) == "" {
		return nil, nil
	}
	var items []models.Order
	if err := s.db.WithContext(ctx).
		Where("signal_id = ?", signalID).
		Order("id asc").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// --- brokers ----------------------------------------------------------------

func (s *Store) GetBroker(ctx context.Context, id uint64) (*models.Broker, error) {
	if s == nil || s.db == nil || id == 0 {
		return nil, nil
	}
	var item models.Broker
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListBrokers(ctx context.Context) ([]models.Broker, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.Broker
	if err := s.db.WithContext(ctx).Order("id asc").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) UpdateBrokerSessionTx(ctx context.Context, tx *gorm.DB, id uint64, session repository.BrokerSession) error {
	if s == nil || s.db == nil {
		return nil
	}
	updatedAt := session.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	return s.conn(ctx, tx).Model(&models.Broker{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"access_token":       session.AccessToken,
			"refresh_token":      session.RefreshToken,
			"feed_token":         session.FeedToken,
			"session_updated_at": updatedAt,
		}).Error
}

// --- daily profit -----------------------------------------------------------

func (s *Store) UpsertDailyProfit(ctx context.Context, item *models.DailyProfit) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	// Uniqueness is enforced by uniq_daily_profit (strategy_id, date).
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "strategy_id"}, {Name: "date"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"realized",
			"unrealized",
			"total",
			"future_realized",
			"future_unrealized",
			"future_total",
			"open_trades",
			"updated_at",
		}),
	}).Create(item).Error
}

func (s *Store) ListDailyProfits(ctx context.Context, params repository.ListDailyProfitsParams) ([]models.DailyProfit, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.DailyProfit{})
	if params.StrategyID != nil && *params.StrategyID > 0 {
		query = query.Where("strategy_id = ?", *params.StrategyID)
	}
	if params.Since != nil && !params.Since.IsZero() {
		query = query.Where("date >= ?", *params.Since)
	}
	var items []models.DailyProfit
	if err := query.Order("date desc").Limit(normalizeLimit(params.Limit, 100)).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func applyOrder(query *gorm.DB, orderBy string, asc *bool, fallback string) *gorm.DB {
	column := strings.TrimSpace(orderBy)
	if column == "" {
		column = fallback
	}
	direction := "desc"
	if asc != nil && *asc {
		direction = "asc"
	}
	return query.Order(column + " " + direction)
}

func normalizeLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func normalizeOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}
