package gateway

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Stripe caps webhook payloads well below this; anything larger is junk.
const maxWebhookBody = 1 << 16

// Handler receives payment gateway webhooks.
type Handler struct {
	processor *Processor
}

func NewHandler(processor *Processor) *Handler {
	return &Handler{processor: processor}
}

// RegisterRoutes sets up webhook routes. These are unauthenticated;
// the signature check is the authentication.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/gateway", h.Receive)
}

// Receive handles POST /v1/webhooks/gateway
func (h *Handler) Receive(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "could not read body",
		})
		return
	}

	outcome, err := h.processor.Process(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, ErrBadSignature) {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "bad_signature",
				"message": "webhook signature verification failed",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"outcome": outcome})
}
