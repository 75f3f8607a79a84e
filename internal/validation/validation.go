// Package validation provides input validation middleware for the API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for free-text fields
const MaxStringLength = 10000

var (
	// numberRegex validates generated reference numbers (ESC-20260115-1A2B3C4D,
	// DSP-..., OUT-..., and receipt numbers like PAY-RCP-...)
	numberRegex = regexp.MustCompile(`^[A-Z]+(-[A-Z]+)?-\d{8}-[0-9A-F]{8}$`)
	// refRegex validates external party identifiers (client and freelancer refs)
	refRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidNumber checks if a string is a well-formed reference number
func IsValidNumber(n string) bool {
	return numberRegex.MatchString(n)
}

// IsValidRef checks if a string is a well-formed party reference
func IsValidRef(r string) bool {
	return refRegex.MatchString(r)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	s = strings.ReplaceAll(s, "\x00", "")
	return s
}

// ReferenceParamMiddleware validates the :number and :ref URL parameters on
// routes that use them. Apply to route groups to reject malformed references
// early with a 400 instead of hitting storage.
func ReferenceParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if number := c.Param("number"); number != "" && !IsValidNumber(number) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_number",
				"message": "reference number is malformed",
			})
			return
		}
		if ref := c.Param("ref"); ref != "" && !IsValidRef(ref) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_ref",
				"message": "party reference is malformed",
			})
			return
		}
		c.Next()
	}
}
