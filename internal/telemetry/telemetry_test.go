package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitSentry_Disabled(t *testing.T) {
	tests := []struct {
		name string
		cfg  SentryConfig
	}{
		{"disabled", SentryConfig{Enabled: false, DSN: "https://key@example.com/1"}},
		{"enabled without dsn", SentryConfig{Enabled: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flush, err := InitSentry(tt.cfg, zerolog.Nop())
			require.NoError(t, err)
			require.NotNil(t, flush)
			flush()
			assert.False(t, IsEnabled())
		})
	}
}

func TestCapture_NoopWhenDisabled(t *testing.T) {
	_, err := InitSentry(SentryConfig{}, zerolog.Nop())
	require.NoError(t, err)

	ctx := context.Background()
	assert.NotPanics(t, func() {
		CaptureErrorFromContext(ctx, errors.New("boom"), map[string]interface{}{"k": "v"})
		CaptureWebhookFailure(ctx, "evt_1", "invoice.payment_failed", errors.New("boom"))
		EntitlementBreadcrumb(ctx, "uid-1", "webhook", "active", true)
	})
}

func TestScrubEvent(t *testing.T) {
	event := &sentry.Event{
		Request: &sentry.Request{
			Headers: map[string]string{
				"Authorization":    "Bearer secret-token",
				"Stripe-Signature": "t=1,v1=abc",
				"Content-Type":     "application/json",
			},
			Data: `{"data":{"authToken":"secret-token"}}`,
		},
	}

	got := scrubEvent(event, nil)

	require.NotNil(t, got)
	assert.NotContains(t, got.Request.Headers, "Authorization")
	assert.NotContains(t, got.Request.Headers, "Stripe-Signature")
	assert.Equal(t, "application/json", got.Request.Headers["Content-Type"])
	assert.Empty(t, got.Request.Data)

	bare := &sentry.Event{}
	assert.Same(t, bare, scrubEvent(bare, nil))
}

func TestBusinessMetrics_Helpers(t *testing.T) {
	Business = nil
	assert.NotPanics(t, func() {
		RecordWebhook("customer.subscription.updated", "processed", time.Millisecond)
		RecordCallable("ping", "ok")
	}, "helpers are no-ops before initialization")

	m := InitBusinessMetrics("telemetry_test")
	t.Cleanup(func() { Business = nil })

	RecordWebhook("customer.subscription.updated", "processed", 10*time.Millisecond)
	RecordWebhook("customer.subscription.updated", "failed", 10*time.Millisecond)
	RecordReconciliation("webhook", "active")
	RecordManualActivation("manual_active")
	RecordPaymentMethodLookupFailure("invoice_default")
	RecordUserResolution("customer_id")
	RecordEntitlementEvent("published")
	RecordCallable("ping", "ok")
	ObserveStripeCall("customers.create", 5*time.Millisecond, errors.New("card_declined"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.WebhookReceived.WithLabelValues("customer.subscription.updated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WebhookProcessed.WithLabelValues("customer.subscription.updated", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Reconciliations.WithLabelValues("webhook", "active")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ManualActivations.WithLabelValues("manual_active")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PaymentMethodLookupFails.WithLabelValues("invoice_default")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.UserResolution.WithLabelValues("customer_id")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EntitlementEvents.WithLabelValues("published")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CallableRequests.WithLabelValues("ping", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StripeAPIErrors.WithLabelValues("customers.create")))
}
