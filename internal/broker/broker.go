// Package broker is the uniform contract over broker back-ends and the retry and
// fill-confirmation rules shared by all of them.
package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

const (
	SideBuy  = "buy"
	SideSell = "sell"

	OrderTypeMarket    = "MARKET"
	ProductCarryOver   = "CARRYFORWARD"
	StatusComplete     = "complete"
	StatusRejected     = "rejected"
	StatusCancelled    = "cancelled"
	StatusOpen         = "open"
	StatusPlaced       = "placed"
	StatusFilled       = "filled"
	StatusAssumeFilled = "assumed"
)

type OrderRequest struct {
	Side          string
	Instrument    string
	Token         string
	Exchange      string
	Quantity      decimal.Decimal
	OrderType     string
	Product       string
	ClientOrderID string
	// ReferencePrice is the quote the caller priced the order at. Paper fills use it.
	ReferencePrice *decimal.Decimal
}

type OrderResult struct {
	OrderID       string
	UniqueOrderID string
	Status        string
	AvgPrice      *decimal.Decimal
	Raw           json.RawMessage
}

type OrderStatus struct {
	Status   string
	AvgPrice *decimal.Decimal
	Reason   string
}

type Position struct {
	Instrument string
	Quantity   decimal.Decimal
	AvgPrice   decimal.Decimal
}

type WorkingOrder struct {
	OrderID    string
	Instrument string
	Side       string
	Status     string
	Quantity   decimal.Decimal
}

type Session struct {
	AccessToken  string
	RefreshToken string
	FeedToken    string
	IssuedAt     time.Time
}

// Client is one broker account.
type Client interface {
	Name() string
	// Async reports whether fills are confirmed later by webhook.
	Async() bool
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	OrderStatus(ctx context.Context, orderID string) (OrderStatus, error)
	Positions(ctx context.Context) ([]Position, error)
	WorkingOrders(ctx context.Context) ([]WorkingOrder, error)
	RefreshCredentials(ctx context.Context) (Session, error)
}

// Quoter is implemented by brokers that can price an instrument directly.
type Quoter interface {
	Quote(ctx context.Context, instrument string) (decimal.Decimal, error)
}

// Opposite returns the side that unwinds side.
func Opposite(side string) string {
	if side == SideBuy {
		return SideSell
	}
	return SideBuy
}
