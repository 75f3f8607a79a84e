// Package auth gates admin-only routes behind a shared secret.
package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// AdminHeader carries the admin secret on privileged requests.
const AdminHeader = "X-Admin-Secret"

// RequireAdmin returns middleware that rejects requests without the
// configured admin secret. In development mode with no secret set,
// requests pass through so local tooling works without setup.
func RequireAdmin(secret string, devMode bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			if devMode {
				c.Next()
				return
			}
			// No secret configured outside development: fail closed.
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "admin_disabled",
				"message": "Admin routes are not configured",
			})
			return
		}

		provided := c.GetHeader(AdminHeader)
		if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid or missing admin secret",
			})
			return
		}

		c.Next()
	}
}
