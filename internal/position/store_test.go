package position

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"tradeengine/internal/models"
	"tradeengine/internal/repository/memory"
)

type fixture struct {
	store *Store
	repo  *memory.Store
	mr    *miniredis.Miniredis
	st    *models.Strategy
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	repo := memory.New()
	st := &models.Strategy{
		Symbol:          "BANKNIFTY",
		InstrumentClass: models.InstrumentClassOptions,
		PositionBias:    models.BiasLong,
		Funds:           decimal.NewFromInt(200000),
	}
	require.NoError(t, repo.CreateStrategy(context.Background(), st))
	return &fixture{
		store: &Store{Repo: repo, Redis: client, CloseAttempts: 3},
		repo:  repo,
		mr:    mr,
		st:    st,
	}
}

var expiry = time.Date(2024, 1, 25, 0, 0, 0, 0, time.UTC)

func optionTrade(entry int64) *models.Trade {
	ce := models.OptionCE
	strike := decimal.NewFromInt(43500)
	e := expiry
	return &models.Trade{
		Instrument: "BANKNIFTY25JAN2443500CE",
		Quantity:   decimal.NewFromInt(15),
		EntryPrice: decimal.NewFromInt(entry),
		Strike:     &strike,
		OptionType: &ce,
		Expiry:     &e,
		Action:     models.ActionBuy,
	}
}

func exitsFor(trades []models.TradeSummary, price int64) []models.TradeExit {
	out := make([]models.TradeExit, 0, len(trades))
	for _, tr := range trades {
		p := decimal.NewFromInt(price)
		profit := p.Sub(tr.EntryPrice).Mul(tr.Quantity)
		out = append(out, models.TradeExit{TradeID: tr.ID, ExitPrice: &p, Profit: &profit, ExitReceivedAt: time.Now()})
	}
	return out
}

func TestOpenAndCloseAll(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.store.Open(ctx, f.st, optionTrade(350)))
	}
	open, err := f.store.OpenFor(ctx, f.st.ID, "2024-01-25 CE")
	require.NoError(t, err)
	require.Len(t, open, 3)

	res, err := f.store.CloseAll(ctx, f.st, "2024-01-25 CE", exitsFor(open, 400))
	require.NoError(t, err)
	require.Equal(t, 3, res.Closed)
	require.True(t, res.Profit.Equal(decimal.NewFromInt(2250)), "profit=%s", res.Profit)

	open, err = f.store.OpenFor(ctx, f.st.ID, "2024-01-25 CE")
	require.NoError(t, err)
	require.Empty(t, open)
	require.Empty(t, f.mr.HGet(HashKey(f.st.ID), "2024-01-25 CE"))

	snap, err := f.store.Snapshot(ctx, f.st.ID)
	require.NoError(t, err)
	require.True(t, snap.Funds.Equal(decimal.NewFromInt(202250)), "funds=%s", snap.Funds)

	db, _ := f.repo.GetStrategy(ctx, f.st.ID)
	require.True(t, db.Funds.Equal(snap.Funds))
}

func TestCloseAllRetriesWholeClose(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.Open(ctx, f.st, optionTrade(350)))
	open, _ := f.store.OpenFor(ctx, f.st.ID, "2024-01-25 CE")

	f.repo.FailCloses = 2
	res, err := f.store.CloseAll(ctx, f.st, "2024-01-25 CE", exitsFor(open, 360))
	require.NoError(t, err)
	require.Equal(t, 1, res.Closed)

	db, _ := f.repo.GetStrategy(ctx, f.st.ID)
	require.True(t, db.Funds.Equal(decimal.NewFromInt(200150)), "funds credited once, got %s", db.Funds)
}

func TestCloseAllFailureLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.Open(ctx, f.st, optionTrade(350)))
	open, _ := f.store.OpenFor(ctx, f.st.ID, "2024-01-25 CE")

	f.repo.FailCloses = 5
	_, err := f.store.CloseAll(ctx, f.st, "2024-01-25 CE", exitsFor(open, 360))
	require.Error(t, err)

	still, _ := f.store.OpenFor(ctx, f.st.ID, "2024-01-25 CE")
	require.Len(t, still, 1)
	trades := f.repo.Trades(f.st.ID)
	require.Nil(t, trades[0].ExitReceivedAt)
	db, _ := f.repo.GetStrategy(ctx, f.st.ID)
	require.True(t, db.Funds.Equal(decimal.NewFromInt(200000)))
}

func TestCloseAllHookErrorRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.Open(ctx, f.st, optionTrade(350)))
	open, _ := f.store.OpenFor(ctx, f.st.ID, "2024-01-25 CE")

	hookErr := errors.New("order already terminal")
	_, err := f.store.CloseAll(ctx, f.st, "2024-01-25 CE", exitsFor(open, 360), func(tx *gorm.DB, _ TxResult) error {
		return hookErr
	})
	require.ErrorIs(t, err, hookErr)
	require.Nil(t, f.repo.Trades(f.st.ID)[0].ExitReceivedAt)
}

func TestRebuildRepairsDrift(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.Open(ctx, f.st, optionTrade(350)))
	require.NoError(t, f.store.Open(ctx, f.st, optionTrade(355)))

	// identity on a quiesced system
	res, err := f.store.Rebuild(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Strategies)
	require.Equal(t, 1, res.Keys)
	require.Equal(t, 0, res.Drifted)

	// stale key and lost trade
	f.mr.HSet(HashKey(f.st.ID), "2024-01-18 PE", `[{"id":999}]`)
	f.mr.HDel(HashKey(f.st.ID), "2024-01-25 CE")

	res, err = f.store.Rebuild(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.Drifted)

	positions, err := f.store.Positions(ctx, f.st.ID)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.Len(t, positions["2024-01-25 CE"], 2)
}

func TestSnapshotMissingStrategy(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.Snapshot(context.Background(), 4242)
	require.Error(t, err)
}
