package handler

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tradeengine/internal/logger"
	"tradeengine/internal/service"
)

const SignatureHeader = "X-Webhook-Signature"

// WebhookHandler receives broker order updates. It sits outside bearer auth; when
// Secret is set every body must carry a matching HMAC-SHA256 signature.
type WebhookHandler struct {
	Lifecycle *service.Lifecycle
	Secret    string
	Logger    *zap.Logger
}

func (h *WebhookHandler) Register(r gin.IRouter) {
	r.POST("/api/trading/angelone/webhook/orders/updates", h.orderUpdate)
}

type messageResponse struct {
	Message string `json:"message"`
}

// @Summary Broker order update
// @Tags webhook
// @Accept json
// @Produce json
// @Param X-Webhook-Signature header string false "hex HMAC-SHA256 of the body"
// @Param body body service.OrderUpdate true "order update"
// @Success 200 {object} apiResponse
// @Failure 401 {object} apiResponse
// @Router /api/trading/angelone/webhook/orders/updates [post]
func (h *WebhookHandler) orderUpdate(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if h.Secret != "" && !ValidSignature(h.Secret, body, c.GetHeader(SignatureHeader)) {
		logger.OrNop(h.Logger).Warn("webhook signature mismatch", zap.String("remote", c.ClientIP()))
		Error(c, http.StatusUnauthorized, "invalid signature", nil)
		return
	}
	var u service.OrderUpdate
	if err := json.Unmarshal(body, &u); err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	msg, err := h.Lifecycle.HandleOrderUpdate(c.Request.Context(), u)
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, messageResponse{Message: msg}, nil)
}

func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func ValidSignature(secret string, body []byte, signature string) bool {
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
