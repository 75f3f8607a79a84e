package escrow

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for the escrow ledger.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.Create)
	r.GET("/escrows", h.ListByParty)
	r.GET("/escrows/:number", h.Get)
	r.GET("/escrows/:number/milestones", h.Milestones)
	r.POST("/escrows/:number/cancel", h.Cancel)
	r.POST("/escrows/:number/milestones/:seq/start", h.StartMilestone)
	r.POST("/escrows/:number/milestones/:seq/submit", h.SubmitMilestone)
	r.POST("/escrows/:number/milestones/:seq/approve", h.ApproveMilestone)
}

// Create handles POST /v1/escrows. With a gatewayRef the escrow is
// created (or found) and funded in one step; without one it is created
// pending, awaiting the gateway confirmation.
func (h *Handler) Create(c *gin.Context) {
	var body struct {
		CreateRequest
		GatewayRef string `json:"gatewayRef"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "gigId, clientRef, freelancerRef and amount are required",
		})
		return
	}

	var e *Escrow
	var err error
	if body.GatewayRef != "" {
		e, err = h.service.Fund(c.Request.Context(), FundRequest{
			CreateRequest: body.CreateRequest,
			GatewayRef:    body.GatewayRef,
		})
	} else {
		e, err = h.service.Create(c.Request.Context(), body.CreateRequest)
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": e})
}

// Get handles GET /v1/escrows/:number
func (h *Handler) Get(c *gin.Context) {
	e, err := h.service.Get(c.Request.Context(), c.Param("number"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ListByParty handles GET /v1/escrows?party=ref
func (h *Handler) ListByParty(c *gin.Context) {
	party := c.Query("party")
	if party == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "party query parameter is required",
		})
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	escrows, err := h.service.ListByParty(c.Request.Context(), party, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrows": escrows,
		"count":   len(escrows),
	})
}

// Milestones handles GET /v1/escrows/:number/milestones
func (h *Handler) Milestones(c *gin.Context) {
	ms, err := h.service.Milestones(c.Request.Context(), c.Param("number"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"milestones": ms,
		"count":      len(ms),
	})
}

// Cancel handles POST /v1/escrows/:number/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var body struct {
		Actor string `json:"actor"`
	}
	_ = c.ShouldBindJSON(&body)

	e, err := h.service.Cancel(c.Request.Context(), c.Param("number"), body.Actor)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// StartMilestone handles POST /v1/escrows/:number/milestones/:seq/start
func (h *Handler) StartMilestone(c *gin.Context) {
	h.milestoneTransition(c, h.service.StartMilestone)
}

// SubmitMilestone handles POST /v1/escrows/:number/milestones/:seq/submit
func (h *Handler) SubmitMilestone(c *gin.Context) {
	h.milestoneTransition(c, h.service.SubmitMilestone)
}

// ApproveMilestone handles POST /v1/escrows/:number/milestones/:seq/approve
func (h *Handler) ApproveMilestone(c *gin.Context) {
	h.milestoneTransition(c, h.service.ApproveMilestone)
}

func (h *Handler) milestoneTransition(c *gin.Context, fn func(ctx context.Context, number string, seq int, actor string) error) {
	seq, err := strconv.Atoi(c.Param("seq"))
	if err != nil || seq < 1 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "milestone sequence must be a positive integer",
		})
		return
	}

	var body struct {
		Actor string `json:"actor"`
	}
	_ = c.ShouldBindJSON(&body)

	if err := fn(c.Request.Context(), c.Param("number"), seq, body.Actor); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "milestone updated"})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrMilestoneNotFound):
		status = http.StatusNotFound
		code = "milestone_not_found"
	case errors.Is(err, ErrInvalidAmount):
		status = http.StatusBadRequest
		code = "invalid_amount"
	case errors.Is(err, ErrMilestoneSum):
		status = http.StatusBadRequest
		code = "milestone_sum_mismatch"
	case errors.Is(err, ErrInvalidStatus):
		status = http.StatusUnprocessableEntity
		code = "invalid_status"
	case errors.Is(err, ErrMilestoneOrder):
		status = http.StatusUnprocessableEntity
		code = "milestone_order"
	case errors.Is(err, ErrConflict):
		status = http.StatusConflict
		code = "conflict"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
