package broker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"tradeengine/internal/apperr"
	"tradeengine/internal/config"
	"tradeengine/internal/logger"
)

const (
	defaultMaxAttempts = 10
	defaultBackoffBase = 250 * time.Millisecond
	maxBackoff         = 30 * time.Second
)

// NewHTTPClient builds the per-broker HTTP client with a small keep-alive pool.
func NewHTTPClient(cfg config.BrokersConfig) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.MaxConnsPerHost > 0 {
		tr.MaxConnsPerHost = cfg.MaxConnsPerHost
	}
	if cfg.MaxIdleConnsPerHost > 0 {
		tr.MaxIdleConnsPerHost = cfg.MaxIdleConnsPerHost
		tr.MaxIdleConns = cfg.MaxIdleConnsPerHost
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 7 * time.Second
	}
	return &http.Client{Timeout: timeout, Transport: tr}
}

type Request struct {
	Method string
	URL    string
	Body   []byte
	Header http.Header
	// NoRefresh disables the 401 refresh-and-replay, for the login calls themselves.
	NoRefresh bool
}

// Transport sends broker requests: 429 waits for Retry-After or base*2^attempt up to
// MaxAttempts, 401 refreshes credentials and replays once, other non-2xx statuses
// return *APIError. A cancelled context is never retried.
type Transport struct {
	HTTP        *http.Client
	MaxAttempts int
	BackoffBase time.Duration
	Logger      *zap.Logger

	// Authorize sets credentials on every attempt so a refreshed session is picked up.
	Authorize func(req *http.Request)
	Refresh   func(ctx context.Context) error
	Sleep     func(ctx context.Context, d time.Duration) error
}

func (t *Transport) Do(ctx context.Context, r Request) ([]byte, error) {
	maxAttempts := t.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	refreshed := false
	for attempt := 0; attempt < maxAttempts; attempt++ {
		status, header, body, err := t.once(ctx, r)
		if err != nil {
			return nil, err
		}
		switch {
		case status == http.StatusTooManyRequests:
			wait := retryAfter(header, t.backoff(attempt))
			logger.OrNop(t.Logger).Warn("broker throttled",
				zap.String("url", r.URL), zap.Int("attempt", attempt+1), zap.Duration("wait", wait))
			if err := t.sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue
		case status == http.StatusUnauthorized && !r.NoRefresh && !refreshed && t.Refresh != nil:
			refreshed = true
			if err := t.Refresh(ctx); err != nil {
				return nil, fmt.Errorf("refresh credentials: %w", err)
			}
			continue
		case status < 200 || status >= 300:
			return nil, &APIError{Status: status, Body: string(body)}
		}
		return body, nil
	}
	return nil, fmt.Errorf("%w: %s %s gave up after %d attempts", apperr.ErrBrokerThrottled, r.Method, r.URL, maxAttempts)
}

func (t *Transport) once(ctx context.Context, r Request) (int, http.Header, []byte, error) {
	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	if r.Body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if t.Authorize != nil {
		t.Authorize(req)
	}
	client := t.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, nil, ctx.Err()
		}
		return 0, nil, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, resp.Header, raw, nil
}

func (t *Transport) backoff(attempt int) time.Duration {
	base := t.BackoffBase
	if base <= 0 {
		base = defaultBackoffBase
	}
	d := base << attempt
	if d <= 0 || d > maxBackoff {
		return maxBackoff
	}
	return d
}

func (t *Transport) sleep(ctx context.Context, d time.Duration) error {
	if t.Sleep != nil {
		return t.Sleep(ctx, d)
	}
	return sleepCtx(ctx, d)
}

func retryAfter(h http.Header, fallback time.Duration) time.Duration {
	raw := h.Get("Retry-After")
	if raw == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs >= 0 {
		d := time.Duration(secs) * time.Second
		if d < fallback {
			return fallback
		}
		return d
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := time.Until(at); d > fallback {
			return d
		}
	}
	return fallback
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
