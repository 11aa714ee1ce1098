package billing

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v82"
)

var (
	// ErrInvalidAPIKey is returned when Stripe API key is invalid or missing.
	ErrInvalidAPIKey = errors.New("billing: invalid or missing API key")

	// ErrWebhookSecretMissing is returned when no webhook signing secret is configured.
	ErrWebhookSecretMissing = errors.New("billing: webhook secret not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature verification fails.
	ErrInvalidWebhookSignature = errors.New("billing: invalid webhook signature")

	// ErrMalformedEvent is returned when a verified event's data object cannot be decoded.
	ErrMalformedEvent = errors.New("billing: malformed event payload")

	// ErrNotFound is returned when the requested remote object does not exist.
	ErrNotFound = errors.New("billing: object not found")
)

// StripeError wraps a Stripe API error with additional context.
type StripeError struct {
	Op            string // Provider operation (e.g., "subscriptions.retrieve")
	Message       string // Human-readable error message
	Code          string // Stripe error code (e.g., "resource_missing")
	DeclineCode   string // Card decline reason (if applicable)
	HTTPStatus    int    // HTTP status code from Stripe
	RequestID     string // Stripe request ID for debugging
	OriginalError error  // Original error from Stripe SDK
}

func (e *StripeError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("stripe %s: %s (code: %s)", e.Op, e.Message, e.Code)
	}
	return fmt.Sprintf("stripe %s: %s", e.Op, e.Message)
}

func (e *StripeError) Unwrap() error {
	return e.OriginalError
}

// Is lets errors.Is(err, ErrNotFound) match missing-resource responses.
func (e *StripeError) Is(target error) bool {
	return target == ErrNotFound && e.IsNotFound()
}

// IsNotFound returns true if the object does not exist.
func (e *StripeError) IsNotFound() bool {
	return e.HTTPStatus == http.StatusNotFound || e.Code == string(stripe.ErrorCodeResourceMissing)
}

// IsDeclined returns true if error is due to card decline.
func (e *StripeError) IsDeclined() bool {
	return e.Code == "card_declined" || e.DeclineCode != ""
}

// IsTemporary returns true if error is likely transient and retryable.
func (e *StripeError) IsTemporary() bool {
	return e.Code == "rate_limit" || e.HTTPStatus == http.StatusTooManyRequests || e.HTTPStatus >= 500
}

// wrapStripeError converts SDK errors into *StripeError. Non-API errors
// (network, context) are wrapped with the operation name only.
func wrapStripeError(op string, err error) error {
	if err == nil {
		return nil
	}

	var se *stripe.Error
	if errors.As(err, &se) {
		return &StripeError{
			Op:            op,
			Message:       se.Msg,
			Code:          string(se.Code),
			DeclineCode:   string(se.DeclineCode),
			HTTPStatus:    se.HTTPStatusCode,
			RequestID:     se.RequestID,
			OriginalError: err,
		}
	}

	return fmt.Errorf("stripe %s: %w", op, err)
}
