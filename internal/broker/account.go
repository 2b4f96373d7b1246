package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradeengine/internal/config"
)

// Credentials are the plaintext secrets of one broker account.
type Credentials struct {
	BaseURL    string
	ClientID   string
	AccountID  string
	APIKey     string
	APISecret  string
	Password   string
	TOTPSecret string
	Session    Session
}

// account carries what every live adapter shares: credentials, the current session
// and a transport that refreshes it on 401.
type account struct {
	creds     Credentials
	transport *Transport
	// onSession persists a new session; nil keeps it in memory only.
	onSession func(ctx context.Context, s Session) error
	now       func() time.Time

	mu      sync.RWMutex
	session Session
	login   sync.Mutex
}

func newAccount(creds Credentials, httpClient *http.Client, cfg config.BrokersConfig, log *zap.Logger) *account {
	a := &account{creds: creds, session: creds.Session, now: time.Now}
	a.transport = &Transport{
		HTTP:        httpClient,
		MaxAttempts: cfg.MaxAttempts,
		BackoffBase: cfg.BackoffBase,
		Logger:      log,
	}
	return a
}

func (a *account) accessToken() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.session.AccessToken
}

func (a *account) current() Session {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.session
}

// renew runs login once for concurrent callers and stores the session it returns.
func (a *account) renew(ctx context.Context, login func(ctx context.Context) (Session, error)) (Session, error) {
	before := a.accessToken()
	a.login.Lock()
	defer a.login.Unlock()
	if s := a.current(); s.AccessToken != "" && s.AccessToken != before {
		return s, nil
	}
	s, err := login(ctx)
	if err != nil {
		return Session{}, err
	}
	if s.IssuedAt.IsZero() {
		s.IssuedAt = a.now().UTC()
	}
	a.mu.Lock()
	a.session = s
	a.mu.Unlock()
	if a.onSession != nil {
		if err := a.onSession(ctx, s); err != nil {
			return s, fmt.Errorf("save session: %w", err)
		}
	}
	return s, nil
}

func (a *account) url(path string) string {
	return strings.TrimRight(a.creds.BaseURL, "/") + path
}

func (a *account) do(ctx context.Context, method, path string, payload any, header http.Header) ([]byte, error) {
	return a.doRequest(ctx, method, path, payload, header, false)
}

func (a *account) doRequest(ctx context.Context, method, path string, payload any, header http.Header, noRefresh bool) ([]byte, error) {
	var body []byte
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = raw
	}
	return a.transport.Do(ctx, Request{Method: method, URL: a.url(path), Body: body, Header: header, NoRefresh: noRefresh})
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			s := strings.TrimSpace(fmt.Sprintf("%v", v))
			if s != "" && s != "<nil>" {
				return s
			}
		}
	}
	return ""
}

func firstDecimal(m map[string]any, keys ...string) decimal.Decimal {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		if d, err := decimal.NewFromString(strings.TrimSpace(fmt.Sprintf("%v", v))); err == nil {
			return d
		}
	}
	return decimal.Zero
}

// priceOrNil treats a zero price as unknown.
func priceOrNil(d decimal.Decimal) *decimal.Decimal {
	if !d.IsPositive() {
		return nil
	}
	return &d
}

// normalizeStatus folds broker order states onto complete, rejected, cancelled and open.
func normalizeStatus(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "complete", "completed", "filled", "traded":
		return StatusComplete
	case "rejected", "reject", "expired":
		return StatusRejected
	case "cancelled", "canceled":
		return StatusCancelled
	}
	return StatusOpen
}
