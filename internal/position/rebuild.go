package position

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tradeengine/internal/logger"
	"tradeengine/internal/models"
	"tradeengine/internal/repository"
)

type RebuildResult struct {
	Strategies int
	Keys       int
	Drifted    int
}

// Rebuild overwrites every strategy's projection with the open set in the durable store.
func (s *Store) Rebuild(ctx context.Context) (RebuildResult, error) {
	strategies, err := s.Repo.ListStrategies(ctx)
	if err != nil {
		return RebuildResult{}, fmt.Errorf("list strategies: %w", err)
	}

	results := make([]RebuildResult, len(strategies))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i := range strategies {
		i := i
		g.Go(func() error {
			r, err := s.rebuild(gctx, &strategies[i])
			if err != nil {
				return fmt.Errorf("strategy %d: %w", strategies[i].ID, err)
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return RebuildResult{}, err
	}

	total := RebuildResult{Strategies: len(strategies)}
	for _, r := range results {
		total.Keys += r.Keys
		total.Drifted += r.Drifted
	}
	logger.OrNop(s.Logger).Info("projection rebuilt",
		zap.Int("strategies", total.Strategies),
		zap.Int("keys", total.Keys),
		zap.Int("drifted", total.Drifted),
	)
	return total, nil
}

// RebuildStrategy rebuilds a single strategy's projection.
func (s *Store) RebuildStrategy(ctx context.Context, strategyID uint64) (RebuildResult, error) {
	st, err := s.Repo.GetStrategy(ctx, strategyID)
	if err != nil {
		return RebuildResult{}, err
	}
	if st == nil {
		return RebuildResult{}, s.Redis.Del(ctx, HashKey(strategyID)).Err()
	}
	r, err := s.rebuild(ctx, st)
	r.Strategies = 1
	return r, err
}

func (s *Store) rebuild(ctx context.Context, st *models.Strategy) (RebuildResult, error) {
	id := st.ID
	trades, err := s.Repo.ListOpenTrades(ctx, repository.ListTradesParams{StrategyID: &id})
	if err != nil {
		return RebuildResult{}, err
	}
	want := map[string][]models.TradeSummary{}
	for _, t := range trades {
		key := KeyOf(t)
		want[key] = append(want[key], models.SummaryOf(t))
	}

	have, err := s.Positions(ctx, id)
	if err != nil {
		// undecodable projection counts as drift and is overwritten below
		have = nil
	}
	drifted := 0
	for key, items := range want {
		if !sameIDs(have[key], items) {
			drifted++
		}
	}
	for key := range have {
		if _, ok := want[key]; !ok {
			drifted++
		}
	}

	snapshot, err := json.Marshal(st)
	if err != nil {
		return RebuildResult{}, err
	}
	fields := map[string]any{StrategyField: snapshot}
	for key, items := range want {
		raw, err := json.Marshal(items)
		if err != nil {
			return RebuildResult{}, err
		}
		fields[key] = raw
	}
	hash := HashKey(id)
	if _, err := s.Redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, hash)
		pipe.HSet(ctx, hash, fields)
		return nil
	}); err != nil {
		return RebuildResult{}, err
	}
	if drifted > 0 {
		logger.OrNop(s.Logger).Warn("projection drift repaired", zap.Uint64("strategy_id", id), zap.Int("keys", drifted))
	}
	return RebuildResult{Keys: len(want), Drifted: drifted}, nil
}

func sameIDs(a, b []models.TradeSummary) bool {
	ids := func(in []models.TradeSummary) []uint64 {
		out := make([]uint64, len(in))
		for i, t := range in {
			out[i] = t.ID
		}
		return out
	}
	return reflect.DeepEqual(ids(a), ids(b))
}
