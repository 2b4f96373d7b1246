package broker

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"tradeengine/internal/apperr"
)

const (
	ReasonThrottling = "THROTTLING"
	ReasonRiskCheck  = "RISK_CHECK"
)

type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Body)
}

func (e *APIError) Unwrap() error {
	switch {
	case e.Status == http.StatusUnauthorized:
		return apperr.ErrBrokerAuth
	case e.Status == http.StatusTooManyRequests:
		return apperr.ErrBrokerThrottled
	case e.Status >= 400 && e.Status < 500:
		return apperr.ErrBrokerRejected
	}
	return nil
}

// RejectError is a broker-level rejection of an accepted request.
type RejectError struct {
	Reason  string
	Message string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("order rejected (%s): %s", e.Reason, e.Message)
}

func (e *RejectError) Unwrap() error {
	if e.Reason == ReasonThrottling {
		return apperr.ErrBrokerThrottled
	}
	return apperr.ErrBrokerRejected
}

// classifyReject maps a broker's free-text rejection onto a reason.
func classifyReject(message string) string {
	m := strings.ToUpper(message)
	switch {
	case strings.Contains(m, "THROTTL"), strings.Contains(m, "TOO MANY"), strings.Contains(m, "RATE LIMIT"):
		return ReasonThrottling
	case strings.Contains(m, "RISK"), strings.Contains(m, "MARGIN"), strings.Contains(m, "INSUFFICIENT"):
		return ReasonRiskCheck
	}
	return "REJECTED"
}

func reject(message string) *RejectError {
	return &RejectError{Reason: classifyReject(message), Message: message}
}

func isAmbiguous4xx(err error) bool {
	var api *APIError
	if !errors.As(err, &api) {
		return false
	}
	return api.Status >= 400 && api.Status < 500 &&
		api.Status != http.StatusUnauthorized && api.Status != http.StatusTooManyRequests
}
