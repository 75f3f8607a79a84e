package dispute

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kerjapay/escrowd/internal/escrow"
	"github.com/kerjapay/escrowd/internal/settlement"
)

// Handler provides HTTP endpoints for dispute operations.
type Handler struct {
	resolver *Resolver
}

// NewHandler creates a new dispute handler.
func NewHandler(resolver *Resolver) *Handler {
	return &Handler{resolver: resolver}
}

// RegisterRoutes sets up dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.File)
	r.GET("/disputes/:number", h.Get)
	r.POST("/disputes/:number/review", h.StartReview)
	r.POST("/disputes/:number/escalate", h.Escalate)
	r.POST("/disputes/:number/resolve", h.Resolve)
	r.GET("/escrows/:number/disputes", h.ListByEscrow)
}

// File handles POST /v1/disputes
func (h *Handler) File(c *gin.Context) {
	var req FileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "escrowNumber, filerRef and type are required",
		})
		return
	}

	d, err := h.resolver.File(c.Request.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, escrow.ErrNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrAlreadyDisputed):
			status = http.StatusConflict
			code = "already_disputed"
		case errors.Is(err, escrow.ErrConflict):
			status = http.StatusConflict
			code = "conflict"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// Get handles GET /v1/disputes/:number
func (h *Handler) Get(c *gin.Context) {
	d, err := h.resolver.Get(c.Request.Context(), c.Param("number"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No dispute with this number",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ListByEscrow handles GET /v1/escrows/:number/disputes
func (h *Handler) ListByEscrow(c *gin.Context) {
	disputes, err := h.resolver.ListByEscrow(c.Request.Context(), c.Param("number"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"disputes": disputes,
		"count":    len(disputes),
	})
}

// StartReview handles POST /v1/disputes/:number/review
func (h *Handler) StartReview(c *gin.Context) {
	var body struct {
		Actor string `json:"actor"`
	}
	_ = c.ShouldBindJSON(&body)

	if err := h.resolver.StartReview(c.Request.Context(), c.Param("number"), body.Actor); err != nil {
		h.writeTransitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "dispute under review"})
}

// Escalate handles POST /v1/disputes/:number/escalate
func (h *Handler) Escalate(c *gin.Context) {
	var body struct {
		Actor string `json:"actor"`
	}
	_ = c.ShouldBindJSON(&body)

	if err := h.resolver.Escalate(c.Request.Context(), c.Param("number"), body.Actor); err != nil {
		h.writeTransitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "dispute escalated"})
}

// Resolve handles POST /v1/disputes/:number/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "resolution and resolverRef are required",
		})
		return
	}

	d, err := h.resolver.Resolve(c.Request.Context(), c.Param("number"), req)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrInvalidResolution):
			status = http.StatusBadRequest
			code = "invalid_resolution"
		case errors.Is(err, ErrAmountRequired):
			status = http.StatusBadRequest
			code = "amount_required"
		case errors.Is(err, ErrConflict):
			status = http.StatusConflict
			code = "already_resolved"
		case errors.Is(err, settlement.ErrNotRefundable):
			status = http.StatusUnprocessableEntity
			code = "not_refundable"
		case errors.Is(err, escrow.ErrInvalidAmount):
			status = http.StatusBadRequest
			code = "invalid_amount"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

func (h *Handler) writeTransitionError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrConflict):
		status = http.StatusConflict
		code = "invalid_transition"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
