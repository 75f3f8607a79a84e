package notify

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/kerjapay/escrowd/internal/logging"
	"github.com/kerjapay/escrowd/internal/security"
)

// Handler exposes webhook subscription management over HTTP.
type Handler struct {
	store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes registers subscription routes on the given router group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/parties/:ref/webhooks", h.Create)
	r.GET("/parties/:ref/webhooks", h.List)
	r.DELETE("/parties/:ref/webhooks/:id", h.Delete)
}

// CreateRequest registers a webhook endpoint for a party.
type CreateRequest struct {
	URL    string `json:"url" binding:"required"`
	Secret string `json:"secret"`
}

func (h *Handler) Create(c *gin.Context) {
	ctx := c.Request.Context()
	ref := c.Param("ref")

	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	// Reject URLs pointing at internal infrastructure
	if err := security.ValidateEndpointURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}

	sub := &Subscription{
		ID:        uuid.NewString(),
		UserRef:   ref,
		URL:       req.URL,
		Secret:    req.Secret,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}

	if err := h.store.Create(ctx, sub); err != nil {
		logging.L(ctx).Error("create webhook subscription", "user", ref, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create subscription",
		})
		return
	}

	c.JSON(http.StatusCreated, sub)
}

func (h *Handler) List(c *gin.Context) {
	ctx := c.Request.Context()
	ref := c.Param("ref")

	subs, err := h.store.GetByUser(ctx, ref)
	if err != nil {
		logging.L(ctx).Error("list webhook subscriptions", "user", ref, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list subscriptions",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"subscriptions": subs,
		"count":         len(subs),
	})
}

func (h *Handler) Delete(c *gin.Context) {
	ctx := c.Request.Context()
	ref := c.Param("ref")
	id := c.Param("id")

	// The subscription must belong to the party in the path
	subs, err := h.store.GetByUser(ctx, ref)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load subscriptions",
		})
		return
	}

	for _, sub := range subs {
		if sub.ID == id {
			if err := h.store.Delete(ctx, id); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{
					"error":   "internal_error",
					"message": "Failed to delete subscription",
				})
				return
			}
			c.JSON(http.StatusOK, gin.H{"deleted": id})
			return
		}
	}

	c.JSON(http.StatusNotFound, gin.H{
		"error":   "not_found",
		"message": "Subscription not found",
	})
}
