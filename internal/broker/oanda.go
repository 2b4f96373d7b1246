package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradeengine/internal/config"
)

const oandaBaseURL = "https://api-fxtrade.oanda.com"

// Oanda trades CFDs through the v20 REST API. Market orders are fill-or-kill, so the
// placement response carries the fill.
type Oanda struct {
	*account
}

func NewOanda(creds Credentials, httpClient *http.Client, cfg config.BrokersConfig, log *zap.Logger) *Oanda {
	if creds.BaseURL == "" {
		creds.BaseURL = oandaBaseURL
	}
	if creds.Session.AccessToken == "" {
		creds.Session.AccessToken = creds.APIKey
	}
	c := &Oanda{account: newAccount(creds, httpClient, cfg, log)}
	c.transport.Authorize = func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+c.accessToken())
	}
	return c
}

func (c *Oanda) Name() string { return "oanda" }

func (c *Oanda) Async() bool { return false }

// RefreshCredentials returns the personal access token; it does not expire.
func (c *Oanda) RefreshCredentials(context.Context) (Session, error) {
	return c.current(), nil
}

func (c *Oanda) accountPath(suffix string) string {
	return "/v3/accounts/" + url.PathEscape(c.creds.AccountID) + suffix
}

func (c *Oanda) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	units := req.Quantity
	if req.Side == SideSell {
		units = units.Neg()
	}
	payload := map[string]any{"order": map[string]any{
		"type":         "MARKET",
		"instrument":   req.Instrument,
		"units":        units.String(),
		"timeInForce":  "FOK",
		"positionFill": "DEFAULT",
	}}
	raw, err := c.do(ctx, http.MethodPost, c.accountPath("/orders"), payload, nil)
	if err != nil {
		return OrderResult{}, err
	}
	var resp struct {
		OrderFillTransaction *struct {
			ID      string `json:"id"`
			OrderID string `json:"orderID"`
			Price   string `json:"price"`
		} `json:"orderFillTransaction"`
		OrderCancelTransaction *struct {
			OrderID string `json:"orderID"`
			Reason  string `json:"reason"`
		} `json:"orderCancelTransaction"`
		OrderCreateTransaction *struct {
			ID string `json:"id"`
		} `json:"orderCreateTransaction"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return OrderResult{}, fmt.Errorf("decode order: %w", err)
	}
	if cancel := resp.OrderCancelTransaction; cancel != nil {
		return OrderResult{}, reject(cancel.Reason)
	}
	if fill := resp.OrderFillTransaction; fill != nil {
		price, err := decimal.NewFromString(fill.Price)
		if err != nil {
			return OrderResult{}, fmt.Errorf("decode fill price %q: %w", fill.Price, err)
		}
		return OrderResult{OrderID: fill.OrderID, UniqueOrderID: fill.ID, Status: StatusComplete, AvgPrice: &price, Raw: raw}, nil
	}
	if create := resp.OrderCreateTransaction; create != nil {
		return OrderResult{OrderID: create.ID, UniqueOrderID: create.ID, Status: StatusOpen, Raw: raw}, nil
	}
	return OrderResult{}, fmt.Errorf("order id missing in response")
}

func (c *Oanda) OrderStatus(ctx context.Context, orderID string) (OrderStatus, error) {
	raw, err := c.do(ctx, http.MethodGet, c.accountPath("/orders/"+url.PathEscape(orderID)), nil, nil)
	if err != nil {
		return OrderStatus{}, err
	}
	var resp struct {
		Order map[string]any `json:"order"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return OrderStatus{}, fmt.Errorf("decode order: %w", err)
	}
	st := OrderStatus{Status: normalizeStatus(firstString(resp.Order, "state"))}
	if st.Status == StatusComplete {
		if fillID := firstString(resp.Order, "fillingTransactionID"); fillID != "" {
			st.AvgPrice = c.transactionPrice(ctx, fillID)
		}
	}
	if st.Status == StatusCancelled {
		st.Reason = firstString(resp.Order, "cancellingTransactionID")
	}
	return st, nil
}

func (c *Oanda) transactionPrice(ctx context.Context, id string) *decimal.Decimal {
	raw, err := c.do(ctx, http.MethodGet, c.accountPath("/transactions/"+url.PathEscape(id)), nil, nil)
	if err != nil {
		return nil
	}
	var resp struct {
		Transaction map[string]any `json:"transaction"`
	}
	if json.Unmarshal(raw, &resp) != nil {
		return nil
	}
	return priceOrNil(firstDecimal(resp.Transaction, "price"))
}

func (c *Oanda) Positions(ctx context.Context) ([]Position, error) {
	raw, err := c.do(ctx, http.MethodGet, c.accountPath("/openPositions"), nil, nil)
	if err != nil {
		return nil, err
	}
	type side struct {
		Units        string `json:"units"`
		AveragePrice string `json:"averagePrice"`
	}
	var resp struct {
		Positions []struct {
			Instrument string `json:"instrument"`
			Long       side   `json:"long"`
			Short      side   `json:"short"`
		} `json:"positions"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	var out []Position
	for _, p := range resp.Positions {
		for _, s := range []side{p.Long, p.Short} {
			units, err := decimal.NewFromString(s.Units)
			if err != nil || units.IsZero() {
				continue
			}
			avg, _ := decimal.NewFromString(s.AveragePrice)
			out = append(out, Position{Instrument: p.Instrument, Quantity: units, AvgPrice: avg})
		}
	}
	return out, nil
}

func (c *Oanda) WorkingOrders(ctx context.Context) ([]WorkingOrder, error) {
	raw, err := c.do(ctx, http.MethodGet, c.accountPath("/pendingOrders"), nil, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Orders []map[string]any `json:"orders"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode pending orders: %w", err)
	}
	out := make([]WorkingOrder, 0, len(resp.Orders))
	for _, o := range resp.Orders {
		units := firstDecimal(o, "units")
		side := SideBuy
		if units.IsNegative() {
			side = SideSell
		}
		out = append(out, WorkingOrder{
			OrderID:    firstString(o, "id"),
			Instrument: firstString(o, "instrument"),
			Side:       side,
			Status:     StatusOpen,
			Quantity:   units.Abs(),
		})
	}
	return out, nil
}

// Quote returns the mid of the best bid and ask.
func (c *Oanda) Quote(ctx context.Context, instrument string) (decimal.Decimal, error) {
	q := url.Values{"instruments": []string{instrument}}
	raw, err := c.do(ctx, http.MethodGet, c.accountPath("/pricing?"+q.Encode()), nil, nil)
	if err != nil {
		return decimal.Zero, err
	}
	type level struct {
		Price string `json:"price"`
	}
	var resp struct {
		Prices []struct {
			Bids []level `json:"bids"`
			Asks []level `json:"asks"`
		} `json:"prices"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("decode pricing: %w", err)
	}
	if len(resp.Prices) == 0 || len(resp.Prices[0].Bids) == 0 || len(resp.Prices[0].Asks) == 0 {
		return decimal.Zero, fmt.Errorf("no price for %s", instrument)
	}
	bid, err := decimal.NewFromString(resp.Prices[0].Bids[0].Price)
	if err != nil {
		return decimal.Zero, err
	}
	ask, err := decimal.NewFromString(resp.Prices[0].Asks[0].Price)
	if err != nil {
		return decimal.Zero, err
	}
	return bid.Add(ask).Div(decimal.NewFromInt(2)), nil
}

var (
	_ Client = (*Oanda)(nil)
	_ Quoter = (*Oanda)(nil)
)
