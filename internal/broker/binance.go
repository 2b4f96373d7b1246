package broker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradeengine/internal/config"
)

const (
	binanceBaseURL    = "https://fapi.binance.com"
	binanceRecvWindow = "5000"
)

// Binance trades USDⓈ-M perpetuals. Signed endpoints carry an HMAC-SHA256 of the
// query string.
type Binance struct {
	*account
}

func NewBinance(creds Credentials, httpClient *http.Client, cfg config.BrokersConfig, log *zap.Logger) *Binance {
	if creds.BaseURL == "" {
		creds.BaseURL = binanceBaseURL
	}
	c := &Binance{account: newAccount(creds, httpClient, cfg, log)}
	c.transport.Authorize = func(req *http.Request) {
		req.Header.Set("X-MBX-APIKEY", c.creds.APIKey)
	}
	return c
}

func (c *Binance) Name() string { return "binance" }

func (c *Binance) Async() bool { return false }

// RefreshCredentials is a no-op; API keys do not expire.
func (c *Binance) RefreshCredentials(context.Context) (Session, error) {
	return c.current(), nil
}

func (c *Binance) sign(q url.Values) string {
	q.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
	q.Set("recvWindow", binanceRecvWindow)
	payload := q.Encode()
	mac := hmac.New(sha256.New, []byte(c.creds.APISecret))
	_, _ = mac.Write([]byte(payload))
	return payload + "&signature=" + hex.EncodeToString(mac.Sum(nil))
}

func (c *Binance) signed(ctx context.Context, method, path string, q url.Values) ([]byte, error) {
	raw, err := c.do(ctx, method, path+"?"+c.sign(q), nil, nil)
	return raw, binanceError(err)
}

// binanceError turns the -2019 margin rejection, sent as a plain 400, into a risk check.
func binanceError(err error) error {
	var api *APIError
	if !errors.As(err, &api) {
		return err
	}
	var body struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if json.Unmarshal([]byte(api.Body), &body) != nil {
		return err
	}
	switch body.Code {
	case -2019, -2027, -2028:
		return &RejectError{Reason: ReasonRiskCheck, Message: body.Msg}
	case -1003, -1015:
		return &RejectError{Reason: ReasonThrottling, Message: body.Msg}
	}
	return err
}

// orderRef packs the symbol into the order id since status lookups need both.
func orderRef(symbol string, id int64) string {
	return symbol + ":" + strconv.FormatInt(id, 10)
}

func (c *Binance) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	q := url.Values{}
	q.Set("symbol", req.Instrument)
	q.Set("side", strings.ToUpper(req.Side))
	q.Set("type", "MARKET")
	q.Set("quantity", req.Quantity.String())
	q.Set("newOrderRespType", "RESULT")
	if req.ClientOrderID != "" {
		q.Set("newClientOrderId", req.ClientOrderID)
	}
	raw, err := c.signed(ctx, http.MethodPost, "/fapi/v1/order", q)
	if err != nil {
		return OrderResult{}, err
	}
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return OrderResult{}, fmt.Errorf("decode order: %w", err)
	}
	id, err := strconv.ParseInt(firstString(resp, "orderId"), 10, 64)
	if err != nil {
		return OrderResult{}, fmt.Errorf("order id missing in response")
	}
	ref := orderRef(req.Instrument, id)
	return OrderResult{
		OrderID:       ref,
		UniqueOrderID: ref,
		Status:        normalizeStatus(firstString(resp, "status")),
		AvgPrice:      priceOrNil(firstDecimal(resp, "avgPrice")),
		Raw:           raw,
	}, nil
}

func (c *Binance) OrderStatus(ctx context.Context, orderID string) (OrderStatus, error) {
	symbol, id, ok := strings.Cut(orderID, ":")
	if !ok {
		return OrderStatus{}, fmt.Errorf("malformed order ref %q", orderID)
	}
	q := url.Values{"symbol": []string{symbol}, "orderId": []string{id}}
	raw, err := c.signed(ctx, http.MethodGet, "/fapi/v1/order", q)
	if err != nil {
		return OrderStatus{}, err
	}
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return OrderStatus{}, fmt.Errorf("decode order: %w", err)
	}
	status := firstString(resp, "status")
	return OrderStatus{
		Status:   normalizeStatus(status),
		AvgPrice: priceOrNil(firstDecimal(resp, "avgPrice")),
		Reason:   status,
	}, nil
}

func (c *Binance) Positions(ctx context.Context) ([]Position, error) {
	raw, err := c.signed(ctx, http.MethodGet, "/fapi/v2/positionRisk", url.Values{})
	if err != nil {
		return nil, err
	}
	var rows []map[string]any
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	var out []Position
	for _, row := range rows {
		qty := firstDecimal(row, "positionAmt")
		if qty.IsZero() {
			continue
		}
		out = append(out, Position{
			Instrument: firstString(row, "symbol"),
			Quantity:   qty,
			AvgPrice:   firstDecimal(row, "entryPrice"),
		})
	}
	return out, nil
}

func (c *Binance) WorkingOrders(ctx context.Context) ([]WorkingOrder, error) {
	raw, err := c.signed(ctx, http.MethodGet, "/fapi/v1/openOrders", url.Values{})
	if err != nil {
		return nil, err
	}
	var rows []map[string]any
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}
	out := make([]WorkingOrder, 0, len(rows))
	for _, row := range rows {
		symbol := firstString(row, "symbol")
		id, _ := strconv.ParseInt(firstString(row, "orderId"), 10, 64)
		out = append(out, WorkingOrder{
			OrderID:    orderRef(symbol, id),
			Instrument: symbol,
			Side:       strings.ToLower(firstString(row, "side")),
			Status:     StatusOpen,
			Quantity:   firstDecimal(row, "origQty"),
		})
	}
	return out, nil
}

func (c *Binance) Quote(ctx context.Context, instrument string) (decimal.Decimal, error) {
	raw, err := c.do(ctx, http.MethodGet, "/fapi/v1/ticker/price?symbol="+url.QueryEscape(instrument), nil, nil)
	if err != nil {
		return decimal.Zero, err
	}
	var resp struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("decode ticker: %w", err)
	}
	return decimal.NewFromString(resp.Price)
}

var (
	_ Client = (*Binance)(nil)
	_ Quoter = (*Binance)(nil)
)
