package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tradeengine/internal/catalog"
	"tradeengine/internal/models"
	"tradeengine/internal/position"
)

type RolloverResult struct {
	Strategies int                 `json:"strategies"`
	Rolled     int                 `json:"rolled"`
	Failed     int                 `json:"failed"`
	Message    string              `json:"message,omitempty"`
	Summaries  map[uint64][]string `json:"summaries,omitempty"`
}

// Rollover moves positions expiring today onto the next expiry in the same direction.
type Rollover struct {
	Dispatcher *Dispatcher
	Workers    int
}

func (r *Rollover) Run(ctx context.Context) (RolloverResult, error) {
	d := r.Dispatcher
	strategies, err := d.Repo.ListStrategies(ctx)
	if err != nil {
		return RolloverResult{}, fmt.Errorf("list strategies: %w", err)
	}

	var mu sync.Mutex
	var errs []error
	out := RolloverResult{Summaries: map[uint64][]string{}}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workersOr(r.Workers))
	for _, st := range strategies {
		if st.InstrumentClass == models.InstrumentClassCFD {
			continue
		}
		id := st.ID
		out.Strategies++
		g.Go(func() error {
			summaries, err := r.rollStrategy(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			if len(summaries) > 0 {
				out.Summaries[id] = summaries
				out.Rolled += len(summaries)
			}
			if err != nil {
				out.Failed++
				errs = append(errs, fmt.Errorf("strategy %d: %w", id, err))
			}
			return nil
		})
	}
	_ = g.Wait()
	if out.Rolled == 0 && out.Failed == 0 {
		out.Message = msgNothingToRollOn
	}
	d.log().Info("rollover finished",
		zap.Int("strategies", out.Strategies),
		zap.Int("rolled", out.Rolled),
		zap.Int("failed", out.Failed),
	)
	return out, errors.Join(errs...)
}

func workersOr(n int) int {
	if n <= 0 {
		return 4
	}
	return n
}

func (r *Rollover) rollStrategy(ctx context.Context, strategyID uint64) ([]string, error) {
	d := r.Dispatcher
	unlock, err := d.Locks.Lock(ctx, strategyID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := d.now()
	today := utcDate(now)
	positions, err := d.Positions.Positions(ctx, strategyID)
	if err != nil {
		return nil, err
	}
	var due []string
	for key, sums := range positions {
		parsed, ok := position.ParseKey(key)
		if ok && !parsed.CFD && parsed.Expiry.Equal(today) && len(sums) > 0 {
			due = append(due, key)
		}
	}
	if len(due) == 0 {
		return nil, nil
	}
	sort.Strings(due)

	var out []string
	for _, key := range due {
		st, err := d.Positions.Snapshot(ctx, strategyID)
		if err != nil {
			return out, err
		}
		log := d.log().With(zap.Uint64("strategy_id", st.ID), zap.String("position_key", key))
		p, err := r.planRoll(ctx, st, key, positions[key])
		if err != nil {
			return out, err
		}
		client, err := d.Brokers.For(ctx, st.BrokerID)
		if err != nil {
			return out, err
		}
		log.Info("rolling position to next expiry", zap.String("entry_key", p.EntryKey))
		summary, err := d.execute(ctx, st, client, p, log)
		if err != nil {
			return out, fmt.Errorf("roll %q: %w", key, err)
		}
		out = append(out, key+": "+summary)
	}
	return out, nil
}

// planRoll exits key and re-enters the same option type or direction on the expiry
// after today.
func (r *Rollover) planRoll(ctx context.Context, st *models.Strategy, key string, sums []models.TradeSummary) (plan, error) {
	d := r.Dispatcher
	now := d.now()
	parsed, _ := position.ParseKey(key)
	p := plan{
		SignalID:   newSignalID(),
		Action:     sums[0].Action,
		ReceivedAt: now,
		ExitKey:    key,
	}

	fut, err := d.Catalog.NextExpiries(ctx, st.Symbol, catalog.ClassFutures, now)
	if err != nil {
		return p, err
	}
	p.FutureExpiry = nextAfterToday(fut)
	if price, err := d.Chain.FuturePrice(ctx, st.Symbol, p.FutureExpiry); err == nil {
		p.FuturePrice = price
	}

	if parsed.Future {
		p.Action = models.ActionSell
		if parsed.Direction == position.Long {
			p.Action = models.ActionBuy
		}
		p.EntryExpiry = p.FutureExpiry
		p.EntryKey = position.FutureKey(p.EntryExpiry, parsed.Direction)
		return p, nil
	}

	opt, err := d.Catalog.NextExpiries(ctx, st.Symbol, catalog.ClassOptions, now)
	if err != nil {
		return p, err
	}
	if p.Action == "" {
		p.Action = models.ActionBuy
	}
	p.EntryExpiry = nextAfterToday(opt)
	p.EntryOptionType = parsed.OptionType
	p.EntryKey = position.OptionKey(p.EntryExpiry, parsed.OptionType)
	return p, nil
}

func nextAfterToday(e catalog.Expiries) time.Time {
	if e.IsTodayExpiry {
		return e.Next
	}
	return e.Current
}
