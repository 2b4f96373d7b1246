// Package catalog resolves contract qualifiers to tradable instruments and expiry calendars.
//
// Layout in redis:
//
//	catalog:<SYMBOL>                   hash  "<YYYY-MM-DD> <STRIKE> <CE|PE>" | "<YYYY-MM-DD> FUT" -> instrument JSON
//	expiry:<SYMBOL>:<options|futures>  zset  "<YYYY-MM-DD>" scored YYYYMMDD
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"tradeengine/internal/apperr"
	"tradeengine/internal/models"
)

const (
	ClassOptions = "options"
	ClassFutures = "futures"
)

type Catalog struct {
	Redis *redis.Client
}

type LookupParams struct {
	Symbol     string
	Expiry     time.Time
	Strike     *decimal.Decimal
	OptionType string
	Future     bool
}

type Expiries struct {
	Current       time.Time
	Next          time.Time
	IsTodayExpiry bool
}

func InstrumentsKey(symbol string) string {
	return "catalog:" + strings.ToUpper(symbol)
}

func ExpiriesKey(symbol, class string) string {
	return "expiry:" + strings.ToUpper(symbol) + ":" + class
}

// Field is the hash field of a contract within its symbol's catalog.
func Field(expiry time.Time, strike *decimal.Decimal, optionType string, future bool) string {
	date := expiry.Format(time.DateOnly)
	if future {
		return date + " FUT"
	}
	s := ""
	if strike != nil {
		s = strike.String()
	}
	return date + " " + s + " " + strings.ToUpper(optionType)
}

func (c *Catalog) Lookup(ctx context.Context, p LookupParams) (models.Instrument, error) {
	if !p.Future && (p.Strike == nil || p.OptionType == "") {
		return models.Instrument{}, fmt.Errorf("%w: option lookup needs strike and option type", apperr.ErrInvalidInput)
	}
	field := Field(p.Expiry, p.Strike, p.OptionType, p.Future)
	raw, err := c.Redis.HGet(ctx, InstrumentsKey(p.Symbol), field).Bytes()
	if err == redis.Nil {
		return models.Instrument{}, fmt.Errorf("%w: %s %s", apperr.ErrCatalogMiss, p.Symbol, field)
	}
	if err != nil {
		return models.Instrument{}, fmt.Errorf("catalog lookup %s %s: %w", p.Symbol, field, err)
	}
	var inst models.Instrument
	if err := json.Unmarshal(raw, &inst); err != nil {
		return models.Instrument{}, fmt.Errorf("decode instrument %s %s: %w", p.Symbol, field, err)
	}
	return inst, nil
}

// NextExpiries returns the earliest expiry on or after now's UTC date and the one after it.
func (c *Catalog) NextExpiries(ctx context.Context, symbol, class string, now time.Time) (Expiries, error) {
	today := now.UTC().Truncate(24 * time.Hour)
	dates, err := c.Redis.ZRangeByScore(ctx, ExpiriesKey(symbol, class), &redis.ZRangeBy{
		Min:   strconv.Itoa(dateScore(today)),
		Max:   "+inf",
		Count: 2,
	}).Result()
	if err != nil {
		return Expiries{}, fmt.Errorf("expiries %s %s: %w", symbol, class, err)
	}
	if len(dates) < 2 {
		return Expiries{}, fmt.Errorf("%w: fewer than two %s expiries for %s", apperr.ErrCatalogMiss, class, symbol)
	}
	current, err := time.Parse(time.DateOnly, dates[0])
	if err != nil {
		return Expiries{}, err
	}
	next, err := time.Parse(time.DateOnly, dates[1])
	if err != nil {
		return Expiries{}, err
	}
	return Expiries{
		Current:       current,
		Next:          next,
		IsTodayExpiry: current.Equal(today),
	}, nil
}

// Put writes instruments and their expiries for one symbol, replacing what was there.
func (c *Catalog) Put(ctx context.Context, symbol string, items []models.Instrument) error {
	fields := make(map[string]any, len(items))
	options := map[string]struct{}{}
	futures := map[string]struct{}{}
	for _, item := range items {
		expiry, err := time.Parse(time.DateOnly, item.Expiry)
		if err != nil {
			return fmt.Errorf("instrument %s expiry %q: %w", item.TradingSymbol, item.Expiry, err)
		}
		raw, err := json.Marshal(item)
		if err != nil {
			return err
		}
		fields[Field(expiry, item.Strike, item.OptionType, item.IsFuture())] = raw
		if item.IsFuture() {
			futures[item.Expiry] = struct{}{}
		} else {
			options[item.Expiry] = struct{}{}
		}
	}

	_, err := c.Redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, InstrumentsKey(symbol), ExpiriesKey(symbol, ClassOptions), ExpiriesKey(symbol, ClassFutures))
		if len(fields) > 0 {
			pipe.HSet(ctx, InstrumentsKey(symbol), fields)
		}
		if z := expiryMembers(options); len(z) > 0 {
			pipe.ZAdd(ctx, ExpiriesKey(symbol, ClassOptions), z...)
		}
		if z := expiryMembers(futures); len(z) > 0 {
			pipe.ZAdd(ctx, ExpiriesKey(symbol, ClassFutures), z...)
		}
		return nil
	})
	return err
}

func expiryMembers(dates map[string]struct{}) []redis.Z {
	out := make([]redis.Z, 0, len(dates))
	for date := range dates {
		t, err := time.Parse(time.DateOnly, date)
		if err != nil {
			continue
		}
		out = append(out, redis.Z{Score: float64(dateScore(t)), Member: date})
	}
	return out
}

func dateScore(t time.Time) int {
	return t.Year()*10000 + int(t.Month())*100 + t.Day()
}
