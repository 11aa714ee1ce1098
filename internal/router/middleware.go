package router

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Recovery recovers from panics and logs them
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				if p := recover(); p != nil {
					logger.Error().
						Str("panic", fmt.Sprint(p)).
						Str("path", c.Request().URL.Path).
						Bytes("stack", debug.Stack()).
						Msg("panic recovered")
					if !c.Response().Committed {
						err = c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
					}
				}
			}()
			return next(c)
		}
	}
}

// CORS adds CORS headers to responses. Browser clients call the callables
// cross-origin with an Authorization header, so preflights must succeed.
func CORS(allowedOrigins []string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			r := c.Request()
			origin := r.Header.Get(echo.HeaderOrigin)

			// Check if origin is allowed
			allowed := false
			for _, o := range allowedOrigins {
				if o == "*" || strings.EqualFold(o, origin) {
					allowed = true
					break
				}
			}

			if allowed && origin != "" {
				h := c.Response().Header()
				h.Set(echo.HeaderAccessControlAllowOrigin, origin)
				h.Set(echo.HeaderAccessControlAllowMethods, "POST, OPTIONS")
				h.Set(echo.HeaderAccessControlAllowHeaders, "Content-Type, Authorization, X-Request-ID")
				h.Add(echo.HeaderVary, echo.HeaderOrigin)
			}

			// Handle preflight requests
			if r.Method == http.MethodOptions {
				return c.NoContent(http.StatusNoContent)
			}

			return next(c)
		}
	}
}
