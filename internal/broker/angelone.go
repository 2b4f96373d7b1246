package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"tradeengine/internal/apperr"
	"tradeengine/internal/config"
)

const angelOneBaseURL = "https://apiconnect.angelbroking.com"

// AngelOne accepts orders asynchronously; fills arrive on the order-update webhook.
type AngelOne struct {
	*account
}

func NewAngelOne(creds Credentials, httpClient *http.Client, cfg config.BrokersConfig, log *zap.Logger) *AngelOne {
	if creds.BaseURL == "" {
		creds.BaseURL = angelOneBaseURL
	}
	c := &AngelOne{account: newAccount(creds, httpClient, cfg, log)}
	c.transport.Authorize = func(req *http.Request) {
		req.Header.Set("X-PrivateKey", c.creds.APIKey)
		req.Header.Set("X-UserType", "USER")
		req.Header.Set("X-SourceID", "WEB")
		req.Header.Set("X-ClientLocalIP", "127.0.0.1")
		req.Header.Set("X-ClientPublicIP", "127.0.0.1")
		req.Header.Set("X-MACAddress", "00:00:00:00:00:00")
		if token := c.accessToken(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	c.transport.Refresh = func(ctx context.Context) error {
		_, err := c.RefreshCredentials(ctx)
		return err
	}
	return c
}

func (c *AngelOne) Name() string { return "angelone" }

func (c *AngelOne) Async() bool { return true }

type angelEnvelope struct {
	Status    bool            `json:"status"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorcode"`
	Data      json.RawMessage `json:"data"`
}

func decodeAngel(raw []byte) (angelEnvelope, error) {
	var env angelEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("decode response: %w", err)
	}
	return env, nil
}

// RefreshCredentials logs in with password and a TOTP generated from the account secret.
func (c *AngelOne) RefreshCredentials(ctx context.Context) (Session, error) {
	return c.renew(ctx, func(ctx context.Context) (Session, error) {
		code, err := totp.GenerateCode(c.creds.TOTPSecret, c.now())
		if err != nil {
			return Session{}, fmt.Errorf("%w: totp: %v", apperr.ErrBrokerAuth, err)
		}
		raw, err := c.doRequest(ctx, http.MethodPost, "/rest/auth/angelbroking/user/v1/loginByPassword", map[string]string{
			"clientcode": c.creds.ClientID,
			"password":   c.creds.Password,
			"totp":       code,
		}, nil, true)
		if err != nil {
			return Session{}, fmt.Errorf("%w: login: %v", apperr.ErrBrokerAuth, err)
		}
		env, err := decodeAngel(raw)
		if err != nil {
			return Session{}, err
		}
		var data struct {
			JWTToken     string `json:"jwtToken"`
			RefreshToken string `json:"refreshToken"`
			FeedToken    string `json:"feedToken"`
		}
		if env.Status {
			_ = json.Unmarshal(env.Data, &data)
		}
		if data.JWTToken == "" {
			return Session{}, fmt.Errorf("%w: login: %s", apperr.ErrBrokerAuth, env.Message)
		}
		return Session{
			AccessToken:  strings.TrimPrefix(data.JWTToken, "Bearer "),
			RefreshToken: data.RefreshToken,
			FeedToken:    data.FeedToken,
		}, nil
	})
}

func (c *AngelOne) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	orderType := req.OrderType
	if orderType == "" {
		orderType = OrderTypeMarket
	}
	product := req.Product
	if product == "" {
		product = ProductCarryOver
	}
	raw, err := c.do(ctx, http.MethodPost, "/rest/secure/angelbroking/order/v1/placeOrder", map[string]string{
		"variety":         "NORMAL",
		"tradingsymbol":   req.Instrument,
		"symboltoken":     req.Token,
		"transactiontype": strings.ToUpper(req.Side),
		"exchange":        req.Exchange,
		"ordertype":       orderType,
		"producttype":     product,
		"duration":        "DAY",
		"quantity":        req.Quantity.String(),
		"ordertag":        req.ClientOrderID,
	}, nil)
	if err != nil {
		return OrderResult{}, err
	}
	env, err := decodeAngel(raw)
	if err != nil {
		return OrderResult{}, err
	}
	if !env.Status {
		return OrderResult{}, reject(strings.TrimSpace(env.ErrorCode + " " + env.Message))
	}
	var data struct {
		OrderID       string `json:"orderid"`
		UniqueOrderID string `json:"uniqueorderid"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return OrderResult{}, fmt.Errorf("decode order: %w", err)
	}
	if data.UniqueOrderID == "" {
		return OrderResult{}, fmt.Errorf("unique order id missing in response")
	}
	return OrderResult{OrderID: data.OrderID, UniqueOrderID: data.UniqueOrderID, Status: StatusPlaced, Raw: raw}, nil
}

// OrderStatus takes the unique order id.
func (c *AngelOne) OrderStatus(ctx context.Context, uniqueOrderID string) (OrderStatus, error) {
	raw, err := c.do(ctx, http.MethodGet, "/rest/secure/angelbroking/order/v1/details/"+url.PathEscape(uniqueOrderID), nil, nil)
	if err != nil {
		return OrderStatus{}, err
	}
	env, err := decodeAngel(raw)
	if err != nil {
		return OrderStatus{}, err
	}
	var row map[string]any
	if err := json.Unmarshal(env.Data, &row); err != nil || row == nil {
		return OrderStatus{}, fmt.Errorf("%w: order %s: %s", apperr.ErrNotFound, uniqueOrderID, env.Message)
	}
	return OrderStatus{
		Status:   normalizeStatus(firstString(row, "orderstatus", "status")),
		AvgPrice: priceOrNil(firstDecimal(row, "averageprice")),
		Reason:   firstString(row, "text"),
	}, nil
}

func (c *AngelOne) Positions(ctx context.Context) ([]Position, error) {
	rows, err := c.list(ctx, "/rest/secure/angelbroking/order/v1/getPosition")
	if err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(rows))
	for _, row := range rows {
		out = append(out, Position{
			Instrument: firstString(row, "tradingsymbol"),
			Quantity:   firstDecimal(row, "netqty"),
			AvgPrice:   firstDecimal(row, "avgnetprice", "netprice"),
		})
	}
	return out, nil
}

func (c *AngelOne) WorkingOrders(ctx context.Context) ([]WorkingOrder, error) {
	rows, err := c.list(ctx, "/rest/secure/angelbroking/order/v1/getOrderBook")
	if err != nil {
		return nil, err
	}
	var out []WorkingOrder
	for _, row := range rows {
		if normalizeStatus(firstString(row, "orderstatus")) != StatusOpen {
			continue
		}
		out = append(out, WorkingOrder{
			OrderID:    firstString(row, "uniqueorderid", "orderid"),
			Instrument: firstString(row, "tradingsymbol"),
			Side:       strings.ToLower(firstString(row, "transactiontype")),
			Status:     StatusOpen,
			Quantity:   firstDecimal(row, "quantity"),
		})
	}
	return out, nil
}

func (c *AngelOne) list(ctx context.Context, path string) ([]map[string]any, error) {
	raw, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	env, err := decodeAngel(raw)
	if err != nil {
		return nil, err
	}
	var rows []map[string]any
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &rows); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return rows, nil
}

var _ Client = (*AngelOne)(nil)
