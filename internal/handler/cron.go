package handler

import (
	"github.com/gin-gonic/gin"

	"tradeengine/internal/service"
)

// CronHandler exposes the scheduled jobs for manual runs.
type CronHandler struct {
	Rollover     *service.Rollover
	MarkToMarket *service.MarkToMarket
}

func (h *CronHandler) Register(r gin.IRouter) {
	g := r.Group("/api/cron")
	g.GET("/update/daily_profit", h.dailyProfit)
	g.GET("/rollover_to_next_expiry", h.rollover)
}

// @Summary Mark open positions to market and record daily profit
// @Tags cron
// @Produce json
// @Success 200 {object} apiResponse
// @Router /api/cron/update/daily_profit [get]
func (h *CronHandler) dailyProfit(c *gin.Context) {
	res, err := h.MarkToMarket.Run(c.Request.Context())
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, res, nil)
}

// @Summary Roll positions expiring today to the next expiry
// @Tags cron
// @Produce json
// @Success 200 {object} apiResponse
// @Router /api/cron/rollover_to_next_expiry [get]
func (h *CronHandler) rollover(c *gin.Context) {
	res, err := h.Rollover.Run(c.Request.Context())
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, res, nil)
}
