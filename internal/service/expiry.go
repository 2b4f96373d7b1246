package service

import (
	"fmt"
	"time"

	"tradeengine/internal/catalog"
	"tradeengine/internal/config"
)

const (
	msgOnlyOnExpiry    = "Only on expiry"
	msgExpiryCutoff    = "Cannot Trade after 9:45AM GMT on Expiry"
	msgOrderProcessed  = "Order processed successfully"
	msgOrdersPlaced    = "orders placed"
	msgNothingToRollOn = "nothing to roll over"
)

// ExpiryRules decide when "current expiry" means the next one. Cutoffs are offsets
// from UTC midnight and compare strictly: a signal at exactly the cutoff does not roll.
type ExpiryRules struct {
	OptionsCutoff     time.Duration
	LongOptionsCutoff time.Duration
	FuturesCutoff     time.Duration
	Holidays          map[string]bool
}

func NewExpiryRules(cfg config.TradingConfig) (ExpiryRules, error) {
	var r ExpiryRules
	var err error
	if r.OptionsCutoff, err = config.ParseClock(cfg.OptionsCutoff); err != nil {
		return r, fmt.Errorf("options cutoff: %w", err)
	}
	if r.LongOptionsCutoff, err = config.ParseClock(cfg.LongOptionsCutoff); err != nil {
		return r, fmt.Errorf("long options cutoff: %w", err)
	}
	if r.FuturesCutoff, err = config.ParseClock(cfg.FuturesCutoff); err != nil {
		return r, fmt.Errorf("futures cutoff: %w", err)
	}
	r.Holidays = make(map[string]bool, len(cfg.Holidays))
	for _, day := range cfg.Holidays {
		r.Holidays[day] = true
	}
	return r, nil
}

// DefaultExpiryRules are 09:45 for short options and futures, 08:30 for long options.
func DefaultExpiryRules() ExpiryRules {
	return ExpiryRules{
		OptionsCutoff:     9*time.Hour + 45*time.Minute,
		LongOptionsCutoff: 8*time.Hour + 30*time.Minute,
		FuturesCutoff:     9*time.Hour + 45*time.Minute,
	}
}

func sinceMidnight(now time.Time) time.Duration {
	u := now.UTC()
	return u.Sub(u.Truncate(24 * time.Hour))
}

func (r ExpiryRules) cutoff(options, long bool) time.Duration {
	switch {
	case options && long:
		return r.LongOptionsCutoff
	case options:
		return r.OptionsCutoff
	}
	return r.FuturesCutoff
}

// Effective returns the expiry a signal at now trades.
func (r ExpiryRules) Effective(e catalog.Expiries, options, long bool, now time.Time) time.Time {
	if e.IsTodayExpiry && sinceMidnight(now) > r.cutoff(options, long) {
		return e.Next
	}
	return e.Current
}

// Gate applies only-on-expiry. It returns the message the signal is answered with, or "".
func (r ExpiryRules) Gate(onlyOnExpiry, options bool, e catalog.Expiries, now time.Time) string {
	if !onlyOnExpiry {
		return ""
	}
	if !e.IsTodayExpiry {
		return msgOnlyOnExpiry
	}
	if options && sinceMidnight(now) > r.OptionsCutoff {
		return msgExpiryCutoff
	}
	return ""
}

// TradingDay reports whether the exchange is open on now's UTC date.
func (r ExpiryRules) TradingDay(now time.Time) bool {
	u := now.UTC()
	if u.Weekday() == time.Saturday || u.Weekday() == time.Sunday {
		return false
	}
	return !r.Holidays[u.Format(time.DateOnly)]
}

func utcDate(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}
