// Package optionchain reads last-traded prices published by the market-data ingester.
//
//	option_chain:<SYMBOL> <YYYY-MM-DD> <CE|PE>  hash  strike -> ltp
//	option_chain:<SYMBOL> <YYYY-MM-DD> FUT      string ltp
package optionchain

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"tradeengine/internal/apperr"
	"tradeengine/internal/models"
)

type Quote struct {
	Strike  decimal.Decimal
	Premium decimal.Decimal
}

type View struct {
	Redis *redis.Client
}

func OptionsKey(symbol string, expiry time.Time, optionType string) string {
	return "option_chain:" + strings.ToUpper(symbol) + " " + expiry.Format(time.DateOnly) + " " + strings.ToUpper(optionType)
}

func FuturesKey(symbol string, expiry time.Time) string {
	return "option_chain:" + strings.ToUpper(symbol) + " " + expiry.Format(time.DateOnly) + " FUT"
}

// Strikes returns quotes in iteration order: CE ascending by strike, PE descending.
// Zero premiums are skipped.
func (v *View) Strikes(ctx context.Context, symbol string, expiry time.Time, optionType string) ([]Quote, error) {
	key := OptionsKey(symbol, expiry, optionType)
	raw, err := v.Redis.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("option chain %s: %w", key, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: %s", apperr.ErrQuoteMissing, key)
	}
	quotes := make([]Quote, 0, len(raw))
	for s, p := range raw {
		strike, err := decimal.NewFromString(s)
		if err != nil {
			continue
		}
		premium, err := decimal.NewFromString(p)
		if err != nil || !premium.IsPositive() {
			continue
		}
		quotes = append(quotes, Quote{Strike: strike, Premium: premium})
	}
	desc := strings.EqualFold(optionType, models.OptionPE)
	sort.Slice(quotes, func(i, j int) bool {
		if desc {
			return quotes[i].Strike.GreaterThan(quotes[j].Strike)
		}
		return quotes[i].Strike.LessThan(quotes[j].Strike)
	})
	return quotes, nil
}

// Price returns the premium of one strike.
func (v *View) Price(ctx context.Context, symbol string, expiry time.Time, optionType string, strike decimal.Decimal) (decimal.Decimal, error) {
	key := OptionsKey(symbol, expiry, optionType)
	raw, err := v.Redis.HGet(ctx, key, strike.String()).Result()
	if err == redis.Nil {
		return decimal.Zero, fmt.Errorf("%w: %s strike %s", apperr.ErrQuoteMissing, key, strike)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("option chain %s: %w", key, err)
	}
	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("option chain %s strike %s: %w", key, strike, err)
	}
	return price, nil
}

// FuturePrice returns the futures quote. A missing quote is fatal for callers.
func (v *View) FuturePrice(ctx context.Context, symbol string, expiry time.Time) (decimal.Decimal, error) {
	key := FuturesKey(symbol, expiry)
	raw, err := v.Redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return decimal.Zero, fmt.Errorf("%w: %s", apperr.ErrFuturesQuoteMissing, key)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("futures quote %s: %w", key, err)
	}
	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("futures quote %s: %w", key, err)
	}
	return price, nil
}

// PublishOptions replaces the chain of one expiry and option type.
func (v *View) PublishOptions(ctx context.Context, symbol string, expiry time.Time, optionType string, quotes []Quote) error {
	key := OptionsKey(symbol, expiry, optionType)
	fields := make(map[string]any, len(quotes))
	for _, q := range quotes {
		fields[q.Strike.String()] = q.Premium.String()
	}
	_, err := v.Redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(fields) > 0 {
			pipe.HSet(ctx, key, fields)
		}
		return nil
	})
	return err
}

func (v *View) PublishFuture(ctx context.Context, symbol string, expiry time.Time, price decimal.Decimal) error {
	return v.Redis.Set(ctx, FuturesKey(symbol, expiry), price.String(), 0).Err()
}

// SelectStrike picks the first quote, in iteration order, whose premium does not exceed
// target. When every premium is above target the last (cheapest) quote is used.
func SelectStrike(quotes []Quote, target decimal.Decimal) (Quote, error) {
	if len(quotes) == 0 {
		return Quote{}, fmt.Errorf("%w: empty chain", apperr.ErrQuoteMissing)
	}
	for _, q := range quotes {
		if q.Premium.IsPositive() && q.Premium.LessThanOrEqual(target) {
			return q, nil
		}
	}
	return quotes[len(quotes)-1], nil
}
