// Package apperr defines the error kinds surfaced by the engine and their HTTP mapping.
package apperr

import (
	"context"
	"errors"
	"net/http"
)

var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrNotFound            = errors.New("not found")
	ErrCatalogMiss         = errors.New("instrument not found in catalog")
	ErrQuoteMissing        = errors.New("option chain quote missing")
	ErrFuturesQuoteMissing = errors.New("futures quote missing")
	ErrSizingInvalid       = errors.New("sizing invalid")
	ErrBrokerThrottled     = errors.New("broker throttled")
	ErrBrokerAuth          = errors.New("broker authentication failed")
	ErrBrokerRejected      = errors.New("broker rejected order")
	ErrBrokerUnfilled      = errors.New("broker order not filled")
	ErrDuplicate           = errors.New("duplicate update")
	ErrConflict            = errors.New("state conflict")
	ErrUnauthorized        = errors.New("unauthorized")
)

// Status maps an error to the HTTP status returned to callers.
func Status(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrSizingInvalid):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrCatalogMiss):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrBrokerRejected), errors.Is(err, ErrBrokerUnfilled),
		errors.Is(err, ErrBrokerAuth), errors.Is(err, ErrBrokerThrottled):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
