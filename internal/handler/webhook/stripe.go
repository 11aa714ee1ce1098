// Package webhook receives signed processor events.
package webhook

import (
	"errors"
	"io"
	"net/http"

	"github.com/dukerupert/billingsync/internal/billing"
	"github.com/dukerupert/billingsync/internal/middleware"
	"github.com/dukerupert/billingsync/internal/service"
	"github.com/dukerupert/billingsync/internal/telemetry"
	"github.com/labstack/echo/v4"
)

// SignatureHeader carries the processor's HMAC signature over the raw body.
const SignatureHeader = "Stripe-Signature"

// StripeHandler handles Stripe webhook events
type StripeHandler struct {
	provider billing.Provider
	events   *service.WebhookService
}

// NewStripeHandler creates a new Stripe webhook handler
func NewStripeHandler(provider billing.Provider, events *service.WebhookService) *StripeHandler {
	return &StripeHandler{
		provider: provider,
		events:   events,
	}
}

// HandleWebhook verifies and processes one delivery.
//
// Responses:
//   - 400 {"error": ...} when the secret is not configured or the signature is invalid
//   - 200 {"received": true} once the event is handled, ignored or unresolvable
//   - 500 {"error": "Webhook handler failed"} on processing failures, so the
//     processor retries
//
// Stripe CLI testing:
//
//	stripe listen --forward-to localhost:8080/webhooks/stripe
//	stripe trigger customer.subscription.updated
func (h *StripeHandler) HandleWebhook(c echo.Context) error {
	ctx := c.Request().Context()
	logger := middleware.GetLogger(ctx)

	payload, err := io.ReadAll(c.Request().Body)
	if err != nil {
		logger.Warn().Err(err).Msg("error reading webhook payload")
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Error reading request body"})
	}

	ev, err := h.provider.ConstructEvent(payload, c.Request().Header.Get(SignatureHeader))
	switch {
	case errors.Is(err, billing.ErrWebhookSecretMissing):
		logger.Error().Msg("webhook secret is not configured")
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Webhook secret not configured"})
	case errors.Is(err, billing.ErrInvalidWebhookSignature):
		logger.Warn().Err(err).Int("payload_bytes", len(payload)).Msg("webhook signature verification failed")
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid signature"})
	case err != nil:
		logger.Error().Err(err).Msg("failed to decode verified webhook event")
		telemetry.CaptureErrorFromContext(ctx, err, nil)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Webhook handler failed"})
	}

	if _, err := h.events.HandleEvent(ctx, ev); err != nil {
		telemetry.CaptureWebhookFailure(ctx, ev.ID, ev.Type, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Webhook handler failed"})
	}

	return c.JSON(http.StatusOK, map[string]bool{"received": true})
}
