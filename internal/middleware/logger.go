package middleware

import (
	"context"
	"time"

	"github.com/dukerupert/billingsync/internal/domain"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// RequestLogger injects a request-scoped logger into the context and logs
// every completed request. The logger carries request_id, method and path;
// uid is added to the completion line when the caller was authenticated.
// Place it after RequestID in the middleware chain.
func RequestLogger(base zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			r := c.Request()

			logCtx := base.With().
				Str("method", r.Method).
				Str("path", r.URL.Path)
			if requestID := GetRequestID(r.Context()); requestID != "" {
				logCtx = logCtx.Str("request_id", requestID)
			}
			requestLogger := logCtx.Logger()

			c.SetRequest(r.WithContext(requestLogger.WithContext(r.Context())))

			err := next(c)
			if err != nil {
				// Let echo write the error response so the logged status is final.
				c.Error(err)
			}

			event := requestLogger.Info()
			status := c.Response().Status
			if status >= 500 {
				event = requestLogger.Error()
			}
			if uid := domain.UIDFromContext(c.Request().Context()); uid != "" {
				event = event.Str("uid", uid)
			}
			event.
				Int("status", status).
				Int64("size", c.Response().Size).
				Dur("duration", time.Since(start)).
				Msg("request")
			return nil
		}
	}
}

// GetLogger retrieves the request-scoped logger from the context. Without one
// it returns zerolog's default context logger.
func GetLogger(ctx context.Context) *zerolog.Logger {
	return zerolog.Ctx(ctx)
}
