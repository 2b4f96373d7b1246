package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tradeengine/internal/broker"
	"tradeengine/internal/logger"
	"tradeengine/internal/models"
	"tradeengine/internal/repository"
)

// Credentials renews the session of every broker account ahead of the trading day.
type Credentials struct {
	Repo    repository.Repository
	Brokers *broker.Registry
	Logger  *zap.Logger
	Workers int
}

type RefreshResult struct {
	Refreshed int `json:"refreshed"`
	Failed    int `json:"failed"`
}

func (c *Credentials) RefreshAll(ctx context.Context) (RefreshResult, error) {
	log := logger.OrNop(c.Logger)
	brokers, err := c.Repo.ListBrokers(ctx)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("list brokers: %w", err)
	}

	var mu sync.Mutex
	var errs []error
	var out RefreshResult
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workersOr(c.Workers))
	for _, b := range brokers {
		if b.Kind == models.BrokerPaper {
			continue
		}
		id, kind := b.ID, b.Kind
		g.Go(func() error {
			err := c.Brokers.Refresh(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				out.Failed++
				errs = append(errs, err)
				log.Error("broker session refresh failed", zap.Uint64("broker_id", id), zap.String("kind", kind), zap.Error(err))
				return nil
			}
			out.Refreshed++
			return nil
		})
	}
	_ = g.Wait()
	log.Info("broker sessions refreshed", zap.Int("refreshed", out.Refreshed), zap.Int("failed", out.Failed))
	return out, errors.Join(errs...)
}
