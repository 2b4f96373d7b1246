package broker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"tradeengine/internal/apperr"
	"tradeengine/internal/config"
)

const aliceBlueBaseURL = "https://ant.aliceblueonline.com/rest/AliceBlueAPIService/api"

// AliceBlue confirms fills synchronously through order history.
type AliceBlue struct {
	*account
}

func NewAliceBlue(creds Credentials, httpClient *http.Client, cfg config.BrokersConfig, log *zap.Logger) *AliceBlue {
	if creds.BaseURL == "" {
		creds.BaseURL = aliceBlueBaseURL
	}
	c := &AliceBlue{account: newAccount(creds, httpClient, cfg, log)}
	c.transport.Authorize = func(req *http.Request) {
		if token := c.accessToken(); token != "" {
			req.Header.Set("Authorization", "Bearer "+c.creds.ClientID+" "+token)
		}
	}
	c.transport.Refresh = func(ctx context.Context) error {
		_, err := c.RefreshCredentials(ctx)
		return err
	}
	return c
}

func (c *AliceBlue) Name() string { return "aliceblue" }

func (c *AliceBlue) Async() bool { return false }

// RefreshCredentials fetches the account's encryption key and exchanges
// sha256(userId + apiKey + encKey) for a session id.
func (c *AliceBlue) RefreshCredentials(ctx context.Context) (Session, error) {
	return c.renew(ctx, func(ctx context.Context) (Session, error) {
		raw, err := c.doRequest(ctx, http.MethodPost, "/customer/getAPIEncpkey",
			map[string]string{"userId": c.creds.ClientID}, nil, true)
		if err != nil {
			return Session{}, fmt.Errorf("%w: encryption key: %v", apperr.ErrBrokerAuth, err)
		}
		var key struct {
			EncKey string `json:"encKey"`
			Emsg   string `json:"emsg"`
		}
		if err := json.Unmarshal(raw, &key); err != nil {
			return Session{}, fmt.Errorf("decode encryption key: %w", err)
		}
		if key.EncKey == "" {
			return Session{}, fmt.Errorf("%w: encryption key missing: %s", apperr.ErrBrokerAuth, key.Emsg)
		}

		sum := sha256.Sum256([]byte(c.creds.ClientID + c.creds.APIKey + key.EncKey))
		raw, err = c.doRequest(ctx, http.MethodPost, "/customer/getUserSID", map[string]string{
			"userId":   c.creds.ClientID,
			"userData": hex.EncodeToString(sum[:]),
		}, nil, true)
		if err != nil {
			return Session{}, fmt.Errorf("%w: session: %v", apperr.ErrBrokerAuth, err)
		}
		var sid struct {
			SessionID string `json:"sessionID"`
			Emsg      string `json:"emsg"`
		}
		if err := json.Unmarshal(raw, &sid); err != nil {
			return Session{}, fmt.Errorf("decode session: %w", err)
		}
		if sid.SessionID == "" {
			return Session{}, fmt.Errorf("%w: session missing: %s", apperr.ErrBrokerAuth, sid.Emsg)
		}
		return Session{AccessToken: sid.SessionID}, nil
	})
}

func (c *AliceBlue) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	payload := []map[string]string{{
		"complexty":      "regular",
		"discqty":        "0",
		"exch":           req.Exchange,
		"pCode":          "NRML",
		"prctyp":         "MKT",
		"price":          "0",
		"qty":            req.Quantity.String(),
		"ret":            "DAY",
		"symbol_id":      req.Token,
		"trading_symbol": req.Instrument,
		"transtype":      strings.ToUpper(req.Side),
		"trigPrice":      "0",
		"orderTag":       req.ClientOrderID,
	}}
	raw, err := c.do(ctx, http.MethodPost, "/placeOrder/executePlaceOrder", payload, nil)
	if err != nil {
		return OrderResult{}, err
	}
	row, err := firstRow(raw)
	if err != nil {
		return OrderResult{}, err
	}
	if !strings.EqualFold(firstString(row, "stat"), "Ok") {
		return OrderResult{}, reject(firstString(row, "emsg", "Emsg"))
	}
	id := firstString(row, "NOrdNo", "nOrdNo")
	if id == "" {
		return OrderResult{}, fmt.Errorf("order id missing in response")
	}
	return OrderResult{OrderID: id, UniqueOrderID: id, Status: StatusOpen, Raw: raw}, nil
}

func (c *AliceBlue) OrderStatus(ctx context.Context, orderID string) (OrderStatus, error) {
	raw, err := c.do(ctx, http.MethodPost, "/placeOrder/orderHistory", map[string]string{"nOrdNo": orderID}, nil)
	if err != nil {
		return OrderStatus{}, err
	}
	row, err := firstRow(raw)
	if err != nil {
		return OrderStatus{}, err
	}
	return OrderStatus{
		Status:   normalizeStatus(firstString(row, "Status", "status")),
		AvgPrice: priceOrNil(firstDecimal(row, "Avgprc", "averageprice")),
		Reason:   firstString(row, "RejReason", "rejectionreason"),
	}, nil
}

func (c *AliceBlue) Positions(ctx context.Context) ([]Position, error) {
	raw, err := c.do(ctx, http.MethodPost, "/positionAndHoldings/positionBook", map[string]string{"ret": "NET"}, nil)
	if err != nil {
		return nil, err
	}
	rows, err := rowsOf(raw)
	if err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(rows))
	for _, row := range rows {
		if notOK(row) {
			continue
		}
		qty := firstDecimal(row, "Netqty")
		avg := firstDecimal(row, "NetBuyavgprc")
		if qty.IsNegative() {
			avg = firstDecimal(row, "NetSellavgprc")
		}
		out = append(out, Position{Instrument: firstString(row, "Tsym"), Quantity: qty, AvgPrice: avg})
	}
	return out, nil
}

func (c *AliceBlue) WorkingOrders(ctx context.Context) ([]WorkingOrder, error) {
	raw, err := c.do(ctx, http.MethodGet, "/placeOrder/fetchOrderBook", nil, nil)
	if err != nil {
		return nil, err
	}
	rows, err := rowsOf(raw)
	if err != nil {
		return nil, err
	}
	var out []WorkingOrder
	for _, row := range rows {
		if notOK(row) || normalizeStatus(firstString(row, "Status")) != StatusOpen {
			continue
		}
		out = append(out, WorkingOrder{
			OrderID:    firstString(row, "Nstordno"),
			Instrument: firstString(row, "Trsym"),
			Side:       strings.ToLower(firstString(row, "Trantype")),
			Status:     StatusOpen,
			Quantity:   firstDecimal(row, "Qty"),
		})
	}
	return out, nil
}

func rowsOf(raw []byte) ([]map[string]any, error) {
	var rows []map[string]any
	if err := json.Unmarshal(raw, &rows); err == nil {
		return rows, nil
	}
	var one map[string]any
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return []map[string]any{one}, nil
}

// notOK marks the error envelope, which the book endpoints also return for "no data".
func notOK(row map[string]any) bool {
	return strings.EqualFold(firstString(row, "stat"), "Not_Ok")
}

func firstRow(raw []byte) (map[string]any, error) {
	rows, err := rowsOf(raw)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("empty response")
	}
	return rows[0], nil
}

var _ Client = (*AliceBlue)(nil)
