// Package validation provides input hygiene middleware for the marketplace API.
package validation

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// Clean trims surrounding whitespace and removes null bytes. It never
// truncates; length limits are the caller's to enforce.
func Clean(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\x00", ""))
}

// IsValidID reports whether s is a UUID in canonical lower-case hyphenated
// form, the only form idgen produces.
func IsValidID(s string) bool {
	id, err := uuid.Parse(s)
	return err == nil && id.String() == s
}

// IDParamMiddleware rejects routes whose :param is not a UUID. A malformed
// ID cannot name an existing record, so the answer is 404.
func IDParamMiddleware(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.Param(param); id != "" && !IsValidID(id) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Order not found",
			})
			return
		}
		c.Next()
	}
}
