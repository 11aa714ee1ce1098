package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// MaxBodySize limits the size of request bodies.
// If no size is provided, DefaultMaxBodySize is used.
// If the request body exceeds maxBytes, it returns 413 Request Entity Too Large.
func MaxBodySize(maxBytes ...int64) echo.MiddlewareFunc {
	limit := int64(DefaultMaxBodySize)
	if len(maxBytes) > 0 && maxBytes[0] > 0 {
		limit = maxBytes[0]
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			r := c.Request()
			if r.Body != nil && r.ContentLength > limit {
				return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{"error": "Request body too large"})
			}

			// Wrap the body with a limited reader
			r.Body = http.MaxBytesReader(c.Response(), r.Body, limit)
			return next(c)
		}
	}
}

// Common size limits
const (
	KB = 1024
	MB = 1024 * KB

	// DefaultMaxBodySize is the default maximum request body size (1MB).
	// Callable payloads and webhook events are well below it.
	DefaultMaxBodySize = 1 * MB

	// WebhookMaxBodySize matches the largest event payload the processor sends.
	WebhookMaxBodySize = 512 * KB
)
