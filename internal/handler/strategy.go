package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"tradeengine/internal/apperr"
	"tradeengine/internal/models"
	"tradeengine/internal/repository"
)

type StrategyHandler struct {
	Repo repository.Repository
}

func (h *StrategyHandler) Register(r gin.IRouter) {
	g := r.Group("/api/strategy")
	g.GET("", h.list)
	g.POST("", h.create)
}

type createStrategyRequest struct {
	Name                 string           `json:"name"`
	Symbol               string           `json:"symbol"`
	InstrumentClass      string           `json:"instrument_class"`
	PositionBias         string           `json:"position_bias"`
	Instrument           string           `json:"instrument"`
	PremiumTarget        decimal.Decimal  `json:"premium_target"`
	Funds                decimal.Decimal  `json:"funds"`
	FutureFunds          decimal.Decimal  `json:"future_funds"`
	MinQuantity          decimal.Decimal  `json:"min_quantity"`
	MarginForMinQuantity decimal.Decimal  `json:"margin_for_min_quantity"`
	IncrementalStepSize  decimal.Decimal  `json:"incremental_step_size"`
	Compounding          *bool            `json:"compounding"`
	FixedContracts       decimal.Decimal  `json:"fixed_contracts"`
	FundsUsage           *decimal.Decimal `json:"funds_usage"`
	OnlyOnExpiry         bool             `json:"only_on_expiry"`
	BrokerID             *uint64          `json:"broker_id"`
}

func (req createStrategyRequest) strategy() (*models.Strategy, error) {
	st := &models.Strategy{
		Name:                 strings.TrimSpace(req.Name),
		Symbol:               strings.ToUpper(strings.TrimSpace(req.Symbol)),
		InstrumentClass:      strings.ToLower(strings.TrimSpace(req.InstrumentClass)),
		PositionBias:         strings.ToLower(strings.TrimSpace(req.PositionBias)),
		Instrument:           strings.TrimSpace(req.Instrument),
		PremiumTarget:        req.PremiumTarget,
		Funds:                req.Funds,
		FutureFunds:          req.FutureFunds,
		InitialFunds:         req.Funds,
		InitialFutureFunds:   req.FutureFunds,
		MinQuantity:          req.MinQuantity,
		MarginForMinQuantity: req.MarginForMinQuantity,
		IncrementalStepSize:  req.IncrementalStepSize,
		Compounding:          true,
		FixedContracts:       req.FixedContracts,
		FundsUsage:           decimal.NewFromInt(1),
		OnlyOnExpiry:         req.OnlyOnExpiry,
		BrokerID:             req.BrokerID,
	}
	if req.Compounding != nil {
		st.Compounding = *req.Compounding
	}
	if req.FundsUsage != nil {
		st.FundsUsage = *req.FundsUsage
	}
	if st.PositionBias == "" {
		st.PositionBias = models.BiasLong
	}

	var errs []error
	if st.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if st.Symbol == "" {
		errs = append(errs, errors.New("symbol is required"))
	}
	switch st.InstrumentClass {
	case models.InstrumentClassFutures, models.InstrumentClassOptions:
	case models.InstrumentClassCFD:
		if st.Instrument == "" {
			errs = append(errs, errors.New("instrument is required for cfd strategies"))
		}
	default:
		errs = append(errs, fmt.Errorf("instrument_class must be futures, options or cfd, got %q", st.InstrumentClass))
	}
	if st.PositionBias != models.BiasLong && st.PositionBias != models.BiasShort {
		errs = append(errs, fmt.Errorf("position_bias must be long or short, got %q", st.PositionBias))
	}
	if !st.MinQuantity.IsPositive() {
		errs = append(errs, errors.New("min_quantity must be positive"))
	}
	if !st.MarginForMinQuantity.IsPositive() {
		errs = append(errs, errors.New("margin_for_min_quantity must be positive"))
	}
	if !st.IncrementalStepSize.IsPositive() {
		errs = append(errs, errors.New("incremental_step_size must be positive"))
	}
	if !st.FundsUsage.IsPositive() || st.FundsUsage.GreaterThan(decimal.NewFromInt(1)) {
		errs = append(errs, errors.New("funds_usage must be in (0, 1]"))
	}
	if st.Funds.IsNegative() || st.FixedContracts.IsNegative() {
		errs = append(errs, errors.New("funds and fixed_contracts must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrInvalidInput, err)
	}
	return st, nil
}

// @Summary List strategies
// @Tags strategy
// @Produce json
// @Success 200 {object} apiResponse
// @Router /api/strategy [get]
func (h *StrategyHandler) list(c *gin.Context) {
	items, err := h.Repo.ListStrategies(c.Request.Context())
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, items, nil)
}

// @Summary Create a strategy
// @Tags strategy
// @Accept json
// @Produce json
// @Param body body createStrategyRequest true "strategy"
// @Success 200 {object} apiResponse
// @Failure 400 {object} apiResponse
// @Router /api/strategy [post]
func (h *StrategyHandler) create(c *gin.Context) {
	var req createStrategyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	st, err := req.strategy()
	if err != nil {
		Fail(c, err)
		return
	}
	if st.BrokerID != nil {
		b, err := h.Repo.GetBroker(c.Request.Context(), *st.BrokerID)
		if err != nil {
			Fail(c, err)
			return
		}
		if b == nil {
			Error(c, http.StatusBadRequest, "broker not found", nil)
			return
		}
	}
	if err := h.Repo.CreateStrategy(c.Request.Context(), st); err != nil {
		Fail(c, err)
		return
	}
	Ok(c, st, nil)
}
