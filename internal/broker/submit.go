package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradeengine/internal/apperr"
	"tradeengine/internal/config"
	"tradeengine/internal/logger"
)

// Fill is the outcome of Submit. Status is StatusPlaced for async brokers, StatusFilled
// when the broker or its positions confirmed a fill and StatusAssumeFilled for an
// unconfirmed sell.
type Fill struct {
	OrderID       string
	UniqueOrderID string
	Status        string
	Price         *decimal.Decimal
	Quantity      decimal.Decimal
}

func (f Fill) Placed() bool {
	return f.Status == StatusPlaced
}

type SubmitOptions struct {
	MaxAttempts  int
	BackoffBase  time.Duration
	PollAttempts int
	PollInterval time.Duration
	// Resize recomputes the quantity after a RISK_CHECK rejection. Nil keeps the quantity.
	Resize func(ctx context.Context, rejected decimal.Decimal) (decimal.Decimal, error)
	Logger *zap.Logger
	Sleep  func(ctx context.Context, d time.Duration) error
}

func OptionsFrom(cfg config.BrokersConfig) SubmitOptions {
	return SubmitOptions{
		MaxAttempts:  cfg.MaxAttempts,
		BackoffBase:  cfg.BackoffBase,
		PollAttempts: cfg.PollAttempts,
		PollInterval: cfg.PollInterval,
	}
}

func (o SubmitOptions) withDefaults() SubmitOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = defaultBackoffBase
	}
	if o.PollAttempts <= 0 {
		o.PollAttempts = 20
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.Sleep == nil {
		o.Sleep = sleepCtx
	}
	return o
}

// Submit places req and, for synchronous brokers, waits for its fill.
//
// THROTTLING rejections are retried with backoff, RISK_CHECK rejections are resized and
// retried, other rejections fail with apperr.ErrBrokerRejected. An ambiguous 4xx checks
// the broker's positions before surfacing the error; a fill found that way carries no
// order id and is reported as StatusFilled even for async brokers, so the caller records
// it directly. A buy that never fills fails with apperr.ErrBrokerUnfilled. A sell that
// never reports a fill is assumed filled with no price.
func Submit(ctx context.Context, c Client, req OrderRequest, opts SubmitOptions) (Fill, error) {
	opts = opts.withDefaults()
	log := logger.OrNop(opts.Logger).With(
		zap.String("broker", c.Name()),
		zap.String("instrument", req.Instrument),
		zap.String("side", req.Side),
	)

	// baseline for telling an ambiguous 4xx apart from a fill
	before, err := c.Positions(ctx)
	haveBaseline := err == nil
	if !haveBaseline {
		log.Warn("positions baseline unavailable, ambiguous errors will surface", zap.Error(err))
	}

	for attempt := 0; attempt < opts.MaxAttempts; attempt++ {
		if !req.Quantity.IsPositive() {
			return Fill{}, fmt.Errorf("%w: quantity %s", apperr.ErrSizingInvalid, req.Quantity)
		}
		res, err := c.PlaceOrder(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return Fill{}, ctx.Err()
			}
			var rej *RejectError
			if errors.As(err, &rej) {
				if retryErr := handleReject(ctx, rej, &req, attempt, opts, log); retryErr != nil {
					return Fill{}, retryErr
				}
				continue
			}
			if haveBaseline && isAmbiguous4xx(err) {
				if fill, ok := filledSince(ctx, c, req, before); ok {
					log.Warn("order error but position changed, treating as filled", zap.Error(err))
					return fill, nil
				}
			}
			return Fill{}, err
		}

		fill := Fill{
			OrderID:       res.OrderID,
			UniqueOrderID: res.UniqueOrderID,
			Status:        StatusPlaced,
			Price:         res.AvgPrice,
			Quantity:      req.Quantity,
		}
		if c.Async() {
			return fill, nil
		}
		if res.Status == StatusComplete && res.AvgPrice != nil {
			fill.Status = StatusFilled
			return fill, nil
		}

		polled, err := awaitFill(ctx, c, req, fill, opts)
		var rej *RejectError
		if errors.As(err, &rej) {
			if retryErr := handleReject(ctx, rej, &req, attempt, opts, log); retryErr != nil {
				return Fill{}, retryErr
			}
			continue
		}
		return polled, err
	}
	return Fill{}, fmt.Errorf("%w: %s %s after %d attempts", apperr.ErrBrokerThrottled, req.Side, req.Instrument, opts.MaxAttempts)
}

func handleReject(ctx context.Context, rej *RejectError, req *OrderRequest, attempt int, opts SubmitOptions, log *zap.Logger) error {
	switch rej.Reason {
	case ReasonThrottling:
		wait := opts.BackoffBase << attempt
		if wait <= 0 || wait > maxBackoff {
			wait = maxBackoff
		}
		log.Warn("order throttled", zap.Int("attempt", attempt+1), zap.Duration("wait", wait))
		return opts.Sleep(ctx, wait)
	case ReasonRiskCheck:
		if opts.Resize == nil {
			return rej
		}
		qty, err := opts.Resize(ctx, req.Quantity)
		if err != nil {
			return fmt.Errorf("resize after risk check: %w", err)
		}
		if !qty.LessThan(req.Quantity) {
			return rej
		}
		log.Warn("order failed risk check, resized",
			zap.String("from", req.Quantity.String()), zap.String("to", qty.String()))
		req.Quantity = qty
		return nil
	}
	return rej
}

func awaitFill(ctx context.Context, c Client, req OrderRequest, fill Fill, opts SubmitOptions) (Fill, error) {
	for i := 0; i < opts.PollAttempts; i++ {
		if i > 0 {
			if err := opts.Sleep(ctx, opts.PollInterval); err != nil {
				return Fill{}, err
			}
		}
		st, err := c.OrderStatus(ctx, fill.OrderID)
		if err != nil {
			if ctx.Err() != nil {
				return Fill{}, ctx.Err()
			}
			continue
		}
		switch st.Status {
		case StatusComplete:
			fill.Status = StatusFilled
			fill.Price = st.AvgPrice
			return fill, nil
		case StatusRejected, StatusCancelled:
			return Fill{}, reject(st.Reason)
		}
	}

	if req.Side == SideBuy {
		return Fill{}, fmt.Errorf("%w: %s %s order %s", apperr.ErrBrokerUnfilled, req.Side, req.Instrument, fill.OrderID)
	}
	// position averages are entry prices; mark-to-market prices the close later
	fill.Status = StatusAssumeFilled
	fill.Price = nil
	return fill, nil
}

// filledSince reports whether the broker's net position in req.Instrument moved by the
// order's quantity in the order's direction since before was taken.
func filledSince(ctx context.Context, c Client, req OrderRequest, before []Position) (Fill, bool) {
	after, err := c.Positions(ctx)
	if err != nil {
		return Fill{}, false
	}
	prev, now := netOf(before, req.Instrument), netOf(after, req.Instrument)
	moved := now.Quantity.Sub(prev.Quantity)
	if req.Side == SideSell {
		moved = moved.Neg()
	}
	if moved.LessThan(req.Quantity) {
		return Fill{}, false
	}
	fill := Fill{Status: StatusFilled, Quantity: req.Quantity}
	if now.AvgPrice.IsPositive() {
		price := now.AvgPrice
		fill.Price = &price
	}
	return fill, true
}

func netOf(positions []Position, instrument string) Position {
	out := Position{Instrument: instrument}
	for _, p := range positions {
		if p.Instrument == instrument {
			out.Quantity = out.Quantity.Add(p.Quantity)
			out.AvgPrice = p.AvgPrice
		}
	}
	return out
}
