// Package position keeps the open-position set: trades in the durable store and a
// per-strategy projection in redis that indexes them by position key.
package position

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"tradeengine/internal/apperr"
	"tradeengine/internal/cache"
	"tradeengine/internal/logger"
	"tradeengine/internal/models"
	"tradeengine/internal/pnl"
	"tradeengine/internal/repository"
)

// Hook runs inside the durable transaction of Open or CloseAll.
type Hook func(tx *gorm.DB, result TxResult) error

// TxResult exposes what the transaction wrote so far to hooks.
type TxResult struct {
	Trade    *models.Trade
	Strategy *models.Strategy
}

type CloseResult struct {
	Closed       int
	Profit       decimal.Decimal
	FutureProfit decimal.Decimal
	Strategy     *models.Strategy
}

type Store struct {
	Repo   repository.Repository
	Redis  *redis.Client
	Logger *zap.Logger

	CloseAttempts int
	RetryDelay    time.Duration
}

func (s *Store) attempts() int {
	if s.CloseAttempts <= 0 {
		return 3
	}
	return s.CloseAttempts
}

// Open durably creates trade and appends its summary under its position key.
// Callers hold the strategy lock.
func (s *Store) Open(ctx context.Context, strategy *models.Strategy, trade *models.Trade, hooks ...Hook) error {
	trade.StrategyID = strategy.ID
	err := s.Repo.InTx(ctx, func(tx *gorm.DB) error {
		if err := s.Repo.CreateTradeTx(ctx, tx, trade); err != nil {
			return fmt.Errorf("create trade: %w", err)
		}
		for _, hook := range hooks {
			if err := hook(tx, TxResult{Trade: trade, Strategy: strategy}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	key := KeyOf(*trade)
	if err := s.retry(ctx, func() error { return s.appendSummary(ctx, strategy.ID, key, models.SummaryOf(*trade)) }); err != nil {
		s.healProjection(ctx, strategy.ID, "open", err)
	}
	return nil
}

func (s *Store) appendSummary(ctx context.Context, strategyID uint64, key string, summary models.TradeSummary) error {
	current, err := s.OpenFor(ctx, strategyID, key)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(append(current, summary))
	if err != nil {
		return err
	}
	return s.Redis.HSet(ctx, HashKey(strategyID), key, raw).Err()
}

// CloseAll durably closes the trades in exits, credits their profit to the strategy and
// removes them from the projection. The durable part is one transaction, retried as a
// whole; nothing is written to the projection unless it commits.
func (s *Store) CloseAll(ctx context.Context, strategy *models.Strategy, key string, exits []models.TradeExit, hooks ...Hook) (CloseResult, error) {
	if len(exits) == 0 {
		return CloseResult{Strategy: strategy}, nil
	}
	profit, futureProfit := pnl.Totals(exits)

	var updated *models.Strategy
	var lastErr error
	for attempt := 0; attempt < s.attempts(); attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, s.RetryDelay*time.Duration(attempt)); err != nil {
				return CloseResult{}, err
			}
		}
		lastErr = s.Repo.InTx(ctx, func(tx *gorm.DB) error {
			n, err := s.Repo.CloseTradesTx(ctx, tx, exits)
			if err != nil {
				return fmt.Errorf("close trades: %w", err)
			}
			if int(n) != len(exits) {
				return fmt.Errorf("%w: closed %d of %d trades under %q", apperr.ErrConflict, n, len(exits), key)
			}
			st, err := s.Repo.AddStrategyFundsTx(ctx, tx, strategy.ID, profit, futureProfit)
			if err != nil {
				return fmt.Errorf("update strategy funds: %w", err)
			}
			updated = st
			for _, hook := range hooks {
				if err := hook(tx, TxResult{Strategy: st}); err != nil {
					return err
				}
			}
			return nil
		})
		if lastErr == nil {
			break
		}
		// a conflict or a hook's duplicate will not change on retry
		if errors.Is(lastErr, apperr.ErrConflict) || errors.Is(lastErr, apperr.ErrDuplicate) || ctx.Err() != nil {
			return CloseResult{}, lastErr
		}
		logger.OrNop(s.Logger).Warn("close-all attempt failed",
			zap.Uint64("strategy_id", strategy.ID),
			zap.String("position_key", key),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr),
		)
	}
	if lastErr != nil {
		return CloseResult{}, lastErr
	}

	closed := map[uint64]bool{}
	for _, e := range exits {
		closed[e.TradeID] = true
	}
	if err := s.retry(ctx, func() error { return s.removeSummaries(ctx, updated, key, closed) }); err != nil {
		s.healProjection(ctx, strategy.ID, "close-all", err)
	}

	return CloseResult{
		Closed:       len(exits),
		Profit:       profit,
		FutureProfit: futureProfit,
		Strategy:     updated,
	}, nil
}

// removeSummaries refreshes the strategy snapshot and drops closed trades from key in
// one round trip. The key is deleted once it has no trades left.
func (s *Store) removeSummaries(ctx context.Context, strategy *models.Strategy, key string, closed map[uint64]bool) error {
	current, err := s.OpenFor(ctx, strategy.ID, key)
	if err != nil {
		return err
	}
	remaining := current[:0]
	for _, sum := range current {
		if !closed[sum.ID] {
			remaining = append(remaining, sum)
		}
	}
	snapshot, err := json.Marshal(strategy)
	if err != nil {
		return err
	}
	hash := HashKey(strategy.ID)
	_, err = s.Redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, hash, StrategyField, snapshot)
		if len(remaining) == 0 {
			pipe.HDel(ctx, hash, key)
			return nil
		}
		raw, err := json.Marshal(remaining)
		if err != nil {
			return err
		}
		pipe.HSet(ctx, hash, key, raw)
		return nil
	})
	return err
}

// OpenFor reads the trade summaries under key.
func (s *Store) OpenFor(ctx context.Context, strategyID uint64, key string) ([]models.TradeSummary, error) {
	var out []models.TradeSummary
	if _, err := cache.HGetJSON(ctx, s.Redis, HashKey(strategyID), key, &out); err != nil {
		return nil, fmt.Errorf("projection %d %q: %w", strategyID, key, err)
	}
	return out, nil
}

// Positions returns every position key of a strategy with its summaries.
func (s *Store) Positions(ctx context.Context, strategyID uint64) (map[string][]models.TradeSummary, error) {
	raw, err := s.Redis.HGetAll(ctx, HashKey(strategyID)).Result()
	if err != nil {
		return nil, fmt.Errorf("projection %d: %w", strategyID, err)
	}
	out := make(map[string][]models.TradeSummary, len(raw))
	for field, value := range raw {
		if field == StrategyField {
			continue
		}
		var items []models.TradeSummary
		if err := json.Unmarshal([]byte(value), &items); err != nil {
			return nil, fmt.Errorf("decode projection %d %q: %w", strategyID, field, err)
		}
		out[field] = items
	}
	return out, nil
}

// Snapshot returns the cached strategy, loading and caching it from the durable store on a miss.
func (s *Store) Snapshot(ctx context.Context, strategyID uint64) (*models.Strategy, error) {
	raw, err := s.Redis.HGet(ctx, HashKey(strategyID), StrategyField).Bytes()
	if err == nil {
		var st models.Strategy
		if err := json.Unmarshal(raw, &st); err == nil {
			return &st, nil
		}
	} else if err != redis.Nil {
		return nil, fmt.Errorf("strategy snapshot %d: %w", strategyID, err)
	}

	st, err := s.Repo.GetStrategy(ctx, strategyID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fmt.Errorf("%w: strategy %d", apperr.ErrNotFound, strategyID)
	}
	if err := s.CacheStrategy(ctx, st); err != nil {
		logger.OrNop(s.Logger).Warn("cache strategy snapshot failed", zap.Uint64("strategy_id", strategyID), zap.Error(err))
	}
	return st, nil
}

func (s *Store) CacheStrategy(ctx context.Context, st *models.Strategy) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.Redis.HSet(ctx, HashKey(st.ID), StrategyField, raw).Err()
}

func (s *Store) retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < s.attempts(); attempt++ {
		if attempt > 0 {
			if serr := sleep(ctx, s.RetryDelay*time.Duration(attempt)); serr != nil {
				return serr
			}
		}
		if err = fn(); err == nil {
			return nil
		}
	}
	return err
}

// healProjection rebuilds one strategy's projection from durable state after a failed
// projection write. Startup reconciliation covers the case where this fails too.
func (s *Store) healProjection(ctx context.Context, strategyID uint64, op string, cause error) {
	log := logger.OrNop(s.Logger).With(zap.Uint64("strategy_id", strategyID), zap.String("op", op))
	log.Error("projection update failed after commit", zap.Error(cause))
	if _, err := s.RebuildStrategy(ctx, strategyID); err != nil {
		log.Error("projection heal failed", zap.Error(err))
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
