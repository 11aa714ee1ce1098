// Package router assembles the HTTP surface: the processor webhook, the
// authenticated callables, health and metrics.
package router

import (
	"context"
	"net/http"

	"github.com/dukerupert/billingsync/internal/handler/callable"
	"github.com/dukerupert/billingsync/internal/handler/webhook"
	"github.com/dukerupert/billingsync/internal/identity"
	"github.com/dukerupert/billingsync/internal/middleware"
	"github.com/dukerupert/billingsync/internal/telemetry"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Deps are the handlers and collaborators the routes need.
type Deps struct {
	Identity  identity.Provider
	Callables *callable.Handler
	Webhooks  *webhook.StripeHandler

	// Metrics serves /metrics and records HTTP metrics. Optional.
	Metrics *middleware.Metrics

	// RateLimiter throttles callables per caller. Optional.
	RateLimiter *middleware.RateLimiter

	// Ready reports dependency health for /healthz. Optional.
	Ready func(ctx context.Context) error
}

// Config holds the HTTP-level settings.
type Config struct {
	Logger         zerolog.Logger
	AllowedOrigins []string
	MaxBodySize    int64
}

// New builds the echo instance with global middleware and every route.
//
// Global order: Recovery, Sentry, RequestID, RequestLogger, Metrics, security
// headers, body limit. The callable group adds CORS, Authenticate, then the
// per-caller rate limit so buckets key on uid.
func New(cfg Config, deps Deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler

	e.Use(
		Recovery(cfg.Logger),
		telemetry.SentryMiddleware(middleware.SentryUser),
		middleware.RequestID(),
		middleware.RequestLogger(cfg.Logger),
	)
	if deps.Metrics != nil {
		e.Use(deps.Metrics.Middleware())
	}
	e.Use(
		middleware.SecurityHeaders(middleware.DefaultSecurityHeadersConfig()),
		middleware.MaxBodySize(cfg.MaxBodySize),
	)

	e.GET("/healthz", healthz(deps.Ready))
	if deps.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(deps.Metrics.Handler()))
	}

	e.POST("/webhooks/stripe", deps.Webhooks.HandleWebhook, middleware.MaxBodySize(middleware.WebhookMaxBodySize))

	calls := e.Group("/callable", CORS(cfg.AllowedOrigins))
	callMW := []echo.MiddlewareFunc{middleware.Authenticate(deps.Identity)}
	if deps.RateLimiter != nil {
		callMW = append(callMW, deps.RateLimiter.Middleware())
	}
	calls.POST("/:name", deps.Callables.Handle, callMW...)
	calls.OPTIONS("/:name", func(c echo.Context) error {
		return c.NoContent(http.StatusNoContent)
	})

	return e
}

func healthz(ready func(ctx context.Context) error) echo.HandlerFunc {
	return func(c echo.Context) error {
		if ready != nil {
			if err := ready(c.Request().Context()); err != nil {
				middleware.GetLogger(c.Request().Context()).Warn().Err(err).Msg("health check failed")
				return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			}
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	}
}

// errorHandler writes echo's own errors (404, 405, 413) as JSON.
func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	message := http.StatusText(status)
	if he, ok := err.(*echo.HTTPError); ok {
		status = he.Code
		message = http.StatusText(status)
		if m, ok := he.Message.(string); ok && m != "" {
			message = m
		}
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, map[string]string{"error": message})
}
