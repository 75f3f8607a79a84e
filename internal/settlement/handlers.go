package settlement

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kerjapay/escrowd/internal/escrow"
)

// Handler provides HTTP endpoints for settlement operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new settlement handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up settlement routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows/:number/release", h.Release)
	r.POST("/escrows/:number/refund", h.Refund)
	r.GET("/escrows/:number/receipts", h.Receipts)
}

// RegisterAdminRoutes sets up compliance routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/withholdings", h.Withholdings)
	r.POST("/withholdings/remit", h.RemitWithholdings)
}

// Release handles POST /v1/escrows/:number/release
func (h *Handler) Release(c *gin.Context) {
	var body struct {
		Milestone int    `json:"milestone"`
		Actor     string `json:"actor"`
	}
	_ = c.ShouldBindJSON(&body)

	result, err := h.service.Release(c.Request.Context(), c.Param("number"), body.Actor, body.Milestone)
	if err != nil {
		h.writeError(c, err)
		return
	}

	status := http.StatusCreated
	if result.AlreadySettled {
		// Retry of a completed settlement; nothing moved this time.
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"settlement": result})
}

// Refund handles POST /v1/escrows/:number/refund
func (h *Handler) Refund(c *gin.Context) {
	var body struct {
		Amount string `json:"amount" binding:"required"`
		Reason string `json:"reason"`
		Actor  string `json:"actor"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amount is required",
		})
		return
	}

	result, err := h.service.Refund(c.Request.Context(), c.Param("number"), body.Amount, body.Reason, body.Actor)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"refund": result})
}

// Receipts handles GET /v1/escrows/:number/receipts
func (h *Handler) Receipts(c *gin.Context) {
	receipts, err := h.service.Receipts(c.Request.Context(), c.Param("number"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"receipts": receipts,
		"count":    len(receipts),
	})
}

// Withholdings handles GET /v1/admin/withholdings?year=2026&month=8
func (h *Handler) Withholdings(c *gin.Context) {
	year, err := strconv.Atoi(c.Query("year"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "year query parameter is required",
		})
		return
	}
	month, err := strconv.Atoi(c.Query("month"))
	if err != nil || month < 1 || month > 12 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "month query parameter must be 1-12",
		})
		return
	}

	ws, err := h.service.Withholdings(c.Request.Context(), year, month)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"withholdings": ws,
		"count":        len(ws),
	})
}

// RemitWithholdings handles POST /v1/admin/withholdings/remit
func (h *Handler) RemitWithholdings(c *gin.Context) {
	var body struct {
		IDs           []int64 `json:"ids" binding:"required"`
		RemittanceRef string  `json:"remittanceRef" binding:"required"`
		Actor         string  `json:"actor"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "ids and remittanceRef are required",
		})
		return
	}

	if err := h.service.MarkWithholdingsRemitted(c.Request.Context(), body.IDs, body.RemittanceRef, body.Actor); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "withholdings marked remitted"})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, escrow.ErrMilestoneNotFound):
		status = http.StatusNotFound
		code = "milestone_not_found"
	case errors.Is(err, escrow.ErrInvalidAmount):
		status = http.StatusBadRequest
		code = "invalid_amount"
	case errors.Is(err, ErrDisputeOpen):
		status = http.StatusConflict
		code = "dispute_open"
	case errors.Is(err, ErrNotRefundable):
		status = http.StatusUnprocessableEntity
		code = "not_refundable"
	case errors.Is(err, escrow.ErrMilestoneOrder):
		status = http.StatusUnprocessableEntity
		code = "milestone_order"
	case errors.Is(err, escrow.ErrInvalidStatus):
		status = http.StatusUnprocessableEntity
		code = "invalid_status"
	case errors.Is(err, escrow.ErrConflict):
		status = http.StatusConflict
		code = "conflict"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
