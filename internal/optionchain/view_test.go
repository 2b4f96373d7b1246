package optionchain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"tradeengine/internal/apperr"
)

func newView(t *testing.T) *View {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return &View{Redis: client}
}

func q(strike, premium int64) Quote {
	return Quote{Strike: decimal.NewFromInt(strike), Premium: decimal.NewFromInt(premium)}
}

var expiry = time.Date(2024, 1, 25, 0, 0, 0, 0, time.UTC)

func TestStrikesOrdering(t *testing.T) {
	ctx := context.Background()
	v := newView(t)
	chain := []Quote{q(44000, 150), q(43000, 700), q(43500, 350), q(44500, 0)}
	if err := v.PublishOptions(ctx, "BANKNIFTY", expiry, "CE", chain); err != nil {
		t.Fatalf("publish err=%v", err)
	}
	if err := v.PublishOptions(ctx, "BANKNIFTY", expiry, "PE", chain); err != nil {
		t.Fatalf("publish err=%v", err)
	}

	ce, err := v.Strikes(ctx, "BANKNIFTY", expiry, "CE")
	if err != nil {
		t.Fatalf("strikes err=%v", err)
	}
	if len(ce) != 3 {
		t.Fatalf("ce quotes=%d want=3 (zero premium skipped)", len(ce))
	}
	if ce[0].Strike.IntPart() != 43000 || ce[2].Strike.IntPart() != 44000 {
		t.Fatalf("ce order=%v", ce)
	}

	pe, err := v.Strikes(ctx, "BANKNIFTY", expiry, "PE")
	if err != nil {
		t.Fatalf("strikes err=%v", err)
	}
	if pe[0].Strike.IntPart() != 44000 || pe[2].Strike.IntPart() != 43000 {
		t.Fatalf("pe order=%v", pe)
	}

	sel, err := SelectStrike(ce, decimal.NewFromInt(350))
	if err != nil || sel.Strike.IntPart() != 43500 {
		t.Fatalf("selected=%v err=%v", sel, err)
	}
	sel, _ = SelectStrike(ce, decimal.NewFromInt(100))
	if sel.Strike.IntPart() != 44000 {
		t.Fatalf("fallback selected=%v want cheapest", sel)
	}
}

func TestMissingQuotes(t *testing.T) {
	ctx := context.Background()
	v := newView(t)

	if _, err := v.Strikes(ctx, "NIFTY", expiry, "CE"); !errors.Is(err, apperr.ErrQuoteMissing) {
		t.Fatalf("err=%v want quote missing", err)
	}
	if _, err := v.FuturePrice(ctx, "NIFTY", expiry); !errors.Is(err, apperr.ErrFuturesQuoteMissing) {
		t.Fatalf("err=%v want futures quote missing", err)
	}
	if _, err := SelectStrike(nil, decimal.NewFromInt(1)); !errors.Is(err, apperr.ErrQuoteMissing) {
		t.Fatalf("err=%v want quote missing", err)
	}

	if err := v.PublishFuture(ctx, "NIFTY", expiry, decimal.RequireFromString("21500.5")); err != nil {
		t.Fatalf("publish err=%v", err)
	}
	price, err := v.FuturePrice(ctx, "NIFTY", expiry)
	if err != nil || !price.Equal(decimal.RequireFromString("21500.5")) {
		t.Fatalf("price=%s err=%v", price, err)
	}
	if _, err := v.Price(ctx, "NIFTY", expiry, "CE", decimal.NewFromInt(0)); !errors.Is(err, apperr.ErrQuoteMissing) {
		t.Fatalf("strike 0 err=%v want quote missing", err)
	}
}
