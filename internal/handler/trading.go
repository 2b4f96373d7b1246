package handler

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"tradeengine/internal/apperr"
	"tradeengine/internal/auth"
	"tradeengine/internal/models"
	"tradeengine/internal/repository"
	"tradeengine/internal/service"
)

type TradingHandler struct {
	Repo       repository.Repository
	Dispatcher *service.Dispatcher
	Direct     *service.DirectService
}

func (h *TradingHandler) Register(r gin.IRouter) {
	g := r.Group("/api/trading")
	g.GET("/nfo", h.listOpen)
	g.POST("/nfo", h.nfo)
	g.POST("/angelone/nfo", h.angelOne)
	g.POST("/cfd", h.cfd)
	g.POST("/oanda/cfd", h.direct(models.BrokerOanda))
	g.POST("/binance/futures", h.direct(models.BrokerBinance))
}

type summaryResponse struct {
	Summary string `json:"summary"`
}

// @Summary List open trades
// @Tags trading
// @Produce json
// @Param strategy_id query int false "strategy id"
// @Param limit query int false "page size"
// @Param offset query int false "offset"
// @Success 200 {object} apiResponse
// @Router /api/trading/nfo [get]
func (h *TradingHandler) listOpen(c *gin.Context) {
	limit := intQuery(c, "limit", 200)
	offset := intQuery(c, "offset", 0)
	items, err := h.Repo.ListOpenTrades(c.Request.Context(), repository.ListTradesParams{
		StrategyID: uint64QueryPtr(c, "strategy_id"),
		Limit:      limit,
		Offset:     offset,
		OrderBy:    "entry_received_at",
		Asc:        boolPtr(false),
	})
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, items, paginationMeta(limit, offset, len(items)))
}

// @Summary Execute a futures or options signal
// @Tags trading
// @Accept json
// @Produce json
// @Param body body models.Signal true "signal"
// @Success 200 {object} apiResponse
// @Failure 400 {object} apiResponse
// @Failure 404 {object} apiResponse
// @Failure 502 {object} apiResponse
// @Router /api/trading/nfo [post]
func (h *TradingHandler) nfo(c *gin.Context) {
	h.signal(c, h.Dispatcher.HandleSignal)
}

// @Summary Execute a signal on an angelone strategy
// @Tags trading
// @Accept json
// @Produce json
// @Param body body models.Signal true "signal"
// @Success 200 {object} apiResponse
// @Router /api/trading/angelone/nfo [post]
func (h *TradingHandler) angelOne(c *gin.Context) {
	h.signal(c, func(ctx context.Context, sig models.Signal) (string, error) {
		if err := h.requireBroker(ctx, sig.StrategyID, models.BrokerAngelOne); err != nil {
			return "", err
		}
		return h.Dispatcher.HandleSignal(ctx, sig)
	})
}

// @Summary Execute a CFD signal with tracked positions
// @Tags trading
// @Accept json
// @Produce json
// @Param body body models.Signal true "signal"
// @Success 200 {object} apiResponse
// @Router /api/trading/cfd [post]
func (h *TradingHandler) cfd(c *gin.Context) {
	h.signal(c, h.Dispatcher.HandleCFDSignal)
}

func (h *TradingHandler) signal(c *gin.Context, run func(context.Context, models.Signal) (string, error)) {
	var sig models.Signal
	if err := c.ShouldBindJSON(&sig); err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if !auth.CanTrade(c, sig.StrategyID) {
		Error(c, http.StatusForbidden, fmt.Sprintf("token may not trade strategy %d", sig.StrategyID), nil)
		return
	}
	summary, err := run(c.Request.Context(), sig)
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, summaryResponse{Summary: summary}, nil)
}

func (h *TradingHandler) requireBroker(ctx context.Context, strategyID uint64, kind string) error {
	st, err := h.Repo.GetStrategy(ctx, strategyID)
	if err != nil {
		return err
	}
	if st == nil {
		return fmt.Errorf("%w: strategy %d", apperr.ErrNotFound, strategyID)
	}
	if st.BrokerID == nil {
		return fmt.Errorf("%w: strategy %d has no %s broker", apperr.ErrInvalidInput, strategyID, kind)
	}
	b, err := h.Repo.GetBroker(ctx, *st.BrokerID)
	if err != nil {
		return err
	}
	if b == nil || b.Kind != kind {
		return fmt.Errorf("%w: strategy %d is not on a %s broker", apperr.ErrInvalidInput, strategyID, kind)
	}
	return nil
}

// @Summary Trade the broker's net position directly
// @Tags trading
// @Accept json
// @Produce json
// @Param body body service.DirectSignal true "signal"
// @Success 200 {object} apiResponse
// @Router /api/trading/oanda/cfd [post]
// @Router /api/trading/binance/futures [post]
func (h *TradingHandler) direct(kind string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var sig service.DirectSignal
		if err := c.ShouldBindJSON(&sig); err != nil {
			Error(c, http.StatusBadRequest, err.Error(), nil)
			return
		}
		if !auth.CanTrade(c, sig.StrategyID) {
			Error(c, http.StatusForbidden, fmt.Sprintf("token may not trade strategy %d", sig.StrategyID), nil)
			return
		}
		out, err := h.Direct.Handle(c.Request.Context(), kind, sig)
		if err != nil {
			Fail(c, err)
			return
		}
		Ok(c, out, nil)
	}
}
