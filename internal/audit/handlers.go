package audit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kerjapay/escrowd/internal/pagination"
)

// Handler exposes the compliance query endpoint.
type Handler struct {
	trail Trail
}

// NewHandler creates a new audit handler.
func NewHandler(trail Trail) *Handler {
	return &Handler{trail: trail}
}

// RegisterRoutes sets up audit routes. These belong behind the admin
// surface; the trail exists for compliance, not for end users.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/audit", h.Query)
}

// Query handles GET /v1/admin/audit?actor=&operation=&from=&to=&limit=&cursor=
func (h *Handler) Query(c *gin.Context) {
	var from, to time.Time
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "from must be RFC3339",
			})
			return
		}
		from = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "to must be RFC3339",
			})
			return
		}
		to = t
	}

	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "cursor is malformed",
		})
		return
	}
	if cursor != nil {
		// Entries are newest-first; the cursor bounds the next page from above.
		to = cursor.CreatedAt.Add(-time.Nanosecond)
	}

	entries, err := h.trail.Query(c.Request.Context(), c.Query("actor"), c.Query("operation"), from, to, limit+1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	entries, next, hasMore := pagination.ComputePage(entries, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})

	c.JSON(http.StatusOK, gin.H{
		"entries":    entries,
		"count":      len(entries),
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}
