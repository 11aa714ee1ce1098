package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const flushTimeout = 2 * time.Second

// SentryConfig holds configuration for Sentry error tracking
type SentryConfig struct {
	DSN     string
	Enabled bool

	// Environment and Release tag every event.
	Environment string
	Release     string

	// SampleRate defaults to 1.0 when zero.
	SampleRate       float64
	TracesSampleRate float64

	Debug bool
}

var sentryEnabled atomic.Bool

// InitSentry initializes the Sentry client. The returned function flushes
// buffered events and should be deferred by the caller.
func InitSentry(cfg SentryConfig, logger zerolog.Logger) (func(), error) {
	sentryEnabled.Store(false)

	if !cfg.Enabled {
		logger.Info().Msg("Sentry disabled (SENTRY_ENABLED=false or DSN not configured)")
		return func() {}, nil
	}
	if cfg.DSN == "" {
		logger.Warn().Msg("Sentry DSN not configured, disabling error tracking")
		return func() {}, nil
	}

	sampleRate := cfg.SampleRate
	if sampleRate == 0 {
		sampleRate = 1.0
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		Release:          cfg.Release,
		SampleRate:       sampleRate,
		TracesSampleRate: cfg.TracesSampleRate,
		Debug:            cfg.Debug,
		BeforeSend:       scrubEvent,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Sentry: %w", err)
	}
	sentryEnabled.Store(true)

	logger.Info().
		Str("environment", cfg.Environment).
		Str("release", cfg.Release).
		Float64("sample_rate", sampleRate).
		Float64("traces_sample_rate", cfg.TracesSampleRate).
		Msg("Sentry initialized")

	return func() { sentry.Flush(flushTimeout) }, nil
}

// IsEnabled returns whether Sentry is currently enabled
func IsEnabled() bool {
	return sentryEnabled.Load()
}

// scrubEvent drops credentials from captured requests. Callable requests carry
// identity tokens in the Authorization header and webhook requests carry the
// processor signature.
func scrubEvent(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	if event.Request == nil {
		return event
	}
	for _, h := range []string{"Authorization", "Cookie", "Stripe-Signature"} {
		delete(event.Request.Headers, h)
	}
	event.Request.Data = ""
	return event
}

// SentryMiddleware returns an echo middleware that clones a hub per request,
// tags it with the caller and reports panics before re-raising them to the
// recovery middleware.
func SentryMiddleware(userExtractor UserContextExtractor) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !IsEnabled() {
				return next(c)
			}

			r := c.Request()
			hub := sentry.GetHubFromContext(r.Context())
			if hub == nil {
				hub = sentry.CurrentHub().Clone()
			}
			hub.Scope().SetRequest(r)

			ctx := sentry.SetHubOnContext(r.Context(), hub)
			c.SetRequest(r.WithContext(ctx))

			defer func() {
				if p := recover(); p != nil {
					hub.RecoverWithContext(ctx, p)
					sentry.Flush(flushTimeout)
					panic(p)
				}
			}()

			err := next(c)

			if userExtractor != nil {
				if user := userExtractor(c.Request().Context()); user != nil {
					hub.ConfigureScope(func(scope *sentry.Scope) {
						scope.SetUser(sentry.User{ID: user.ID, Email: user.Email})
					})
				}
			}
			return err
		}
	}
}

// UserInfo identifies the caller on captured events.
type UserInfo struct {
	ID    string
	Email string
}

// UserContextExtractor is a function that extracts user info from a request context
type UserContextExtractor func(ctx context.Context) *UserInfo

func hubFromContext(ctx context.Context) *sentry.Hub {
	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		return hub
	}
	return sentry.CurrentHub()
}

// CaptureErrorFromContext captures an error using the Sentry hub from the request context.
func CaptureErrorFromContext(ctx context.Context, err error, extras map[string]interface{}) {
	if !IsEnabled() || err == nil {
		return
	}

	hub := hubFromContext(ctx)
	hub.WithScope(func(scope *sentry.Scope) {
		for key, value := range extras {
			scope.SetExtra(key, value)
		}
		hub.CaptureException(err)
	})
}

// CaptureWebhookFailure reports a delivery the processor will retry. Events
// are tagged with the event type so retries group per type, and fingerprinted
// on the event id so redeliveries of one event collapse into one issue.
func CaptureWebhookFailure(ctx context.Context, eventID, eventType string, err error) {
	if !IsEnabled() || err == nil {
		return
	}

	hub := hubFromContext(ctx)
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("webhook.event_type", eventType)
		scope.SetExtra("event_id", eventID)
		if eventID != "" {
			scope.SetFingerprint([]string{"webhook", eventType, eventID})
		}
		hub.CaptureException(err)
	})
}

// EntitlementBreadcrumb records an entitlement write on the request's hub so
// later errors in the same request show what was written.
func EntitlementBreadcrumb(ctx context.Context, uid, source, status string, library bool) {
	if !IsEnabled() {
		return
	}

	hubFromContext(ctx).AddBreadcrumb(&sentry.Breadcrumb{
		Category: "entitlement",
		Message:  "subscription state written",
		Data: map[string]interface{}{
			"uid":     uid,
			"source":  source,
			"status":  status,
			"library": library,
		},
		Level: sentry.LevelInfo,
	}, nil)
}

// HTTPTransport wraps an http.RoundTripper to add Sentry tracing.
// The Stripe client uses it so processor calls show up as spans.
type HTTPTransport struct {
	Transport http.RoundTripper
}

func (t *HTTPTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	if !IsEnabled() {
		return base.RoundTrip(req)
	}

	span := sentry.StartSpan(req.Context(), "http.client")
	span.Description = fmt.Sprintf("%s %s", req.Method, req.URL.Host)
	defer span.Finish()

	resp, err := base.RoundTrip(req)
	if err != nil {
		span.Status = sentry.SpanStatusInternalError
	} else {
		span.SetData("http.status_code", resp.StatusCode)
	}
	return resp, err
}
