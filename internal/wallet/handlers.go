package wallet

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for freelancer wallets and payouts.
type Handler struct {
	service *Service
}

// NewHandler creates a new wallet handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up wallet and payout routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/freelancers/:ref/balance", h.Balance)
	r.GET("/freelancers/:ref/entries", h.Entries)
	r.POST("/payouts", h.RequestPayout)
	r.GET("/payouts/:number", h.GetPayout)
	r.POST("/payouts/:number/process", h.StartProcessing)
	r.POST("/payouts/:number/complete", h.Complete)
	r.POST("/payouts/:number/fail", h.Fail)
	r.POST("/payouts/:number/cancel", h.Cancel)
}

// Balance handles GET /v1/freelancers/:ref/balance
func (h *Handler) Balance(c *gin.Context) {
	b, err := h.service.Balance(c.Request.Context(), c.Param("ref"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": b})
}

// Entries handles GET /v1/freelancers/:ref/entries
func (h *Handler) Entries(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	entries, err := h.service.History(c.Request.Context(), c.Param("ref"), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// RequestPayout handles POST /v1/payouts
func (h *Handler) RequestPayout(c *gin.Context) {
	var body struct {
		FreelancerRef string `json:"freelancerRef" binding:"required"`
		Amount        string `json:"amount" binding:"required"`
		Destination   string `json:"destination" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "freelancerRef, amount and destination are required",
		})
		return
	}

	p, err := h.service.RequestPayout(c.Request.Context(), body.FreelancerRef, body.Amount, body.Destination)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"payout": p})
}

// GetPayout handles GET /v1/payouts/:number
func (h *Handler) GetPayout(c *gin.Context) {
	p, err := h.service.GetPayout(c.Request.Context(), c.Param("number"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payout": p})
}

// StartProcessing handles POST /v1/payouts/:number/process
func (h *Handler) StartProcessing(c *gin.Context) {
	h.transition(c, func(number, actor, _ string) error {
		return h.service.StartProcessing(c.Request.Context(), number, actor)
	})
}

// Complete handles POST /v1/payouts/:number/complete
func (h *Handler) Complete(c *gin.Context) {
	h.transition(c, func(number, actor, _ string) error {
		return h.service.Complete(c.Request.Context(), number, actor)
	})
}

// Fail handles POST /v1/payouts/:number/fail
func (h *Handler) Fail(c *gin.Context) {
	h.transition(c, func(number, actor, reason string) error {
		return h.service.Fail(c.Request.Context(), number, actor, reason)
	})
}

// Cancel handles POST /v1/payouts/:number/cancel
func (h *Handler) Cancel(c *gin.Context) {
	h.transition(c, func(number, actor, _ string) error {
		return h.service.Cancel(c.Request.Context(), number, actor)
	})
}

func (h *Handler) transition(c *gin.Context, fn func(number, actor, reason string) error) {
	var body struct {
		Actor  string `json:"actor"`
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)

	if err := fn(c.Param("number"), body.Actor, body.Reason); err != nil {
		h.writeError(c, err)
		return
	}

	p, err := h.service.GetPayout(c.Request.Context(), c.Param("number"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payout": p})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrPayoutNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrInvalidAmount):
		status = http.StatusBadRequest
		code = "invalid_amount"
	case errors.Is(err, ErrInsufficientBalance):
		status = http.StatusUnprocessableEntity
		code = "insufficient_balance"
	case errors.Is(err, ErrConflict):
		status = http.StatusConflict
		code = "conflict"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
