package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BusinessMetrics holds Prometheus metrics for billing-sync observability.
type BusinessMetrics struct {
	// Webhooks
	WebhookReceived  *prometheus.CounterVec
	WebhookProcessed *prometheus.CounterVec
	WebhookLatency   *prometheus.HistogramVec

	// Reconciliation
	Reconciliations          *prometheus.CounterVec
	ManualActivations        *prometheus.CounterVec
	PaymentMethodLookupFails *prometheus.CounterVec
	UserResolution           *prometheus.CounterVec
	EntitlementEvents        *prometheus.CounterVec

	// Callables
	CallableRequests *prometheus.CounterVec

	// External API performance
	StripeAPILatency *prometheus.HistogramVec
	StripeAPIErrors  *prometheus.CounterVec
}

// NewBusinessMetrics registers all business metrics with the default registry.
func NewBusinessMetrics(namespace string) *BusinessMetrics {
	if namespace == "" {
		namespace = "billingsync"
	}

	subsystem := "business"

	m := &BusinessMetrics{
		// =======================================================================
		// Webhooks
		// =======================================================================
		WebhookReceived: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhook_received_total",
				Help:      "Total verified webhook deliveries by event type",
			},
			[]string{"type"},
		),
		WebhookProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhook_processed_total",
				Help:      "Total webhook deliveries by event type and outcome",
			},
			[]string{"type", "outcome"}, // outcome: processed, ignored, unresolved, failed
		),
		WebhookLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhook_latency_seconds",
				Help:      "Webhook handling duration",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"type"},
		),

		// =======================================================================
		// Reconciliation
		// =======================================================================
		Reconciliations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "reconciliations_total",
				Help:      "Subscription reconciliations by trigger and resulting status",
			},
			[]string{"source", "status"},
		),
		ManualActivations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "manual_activations_total",
				Help:      "Manual access activations that fell back to a local grant",
			},
			[]string{"status"},
		),
		PaymentMethodLookupFails: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "payment_method_lookup_failures_total",
				Help:      "Soft failures while resolving a payment method label",
			},
			[]string{"candidate"}, // candidate: default, invoice_payment_intent, invoice_default, setup_intent
		),
		UserResolution: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "user_resolution_total",
				Help:      "User resolution attempts by winning strategy",
			},
			[]string{"strategy"}, // strategy: customer_id, identity_email, store_email, unresolved
		),
		EntitlementEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "entitlement_events_total",
				Help:      "Entitlement change notifications by publish result",
			},
			[]string{"result"},
		),

		// =======================================================================
		// Callables
		// =======================================================================
		CallableRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "callable_requests_total",
				Help:      "Callable invocations by name and result code",
			},
			[]string{"name", "code"},
		),

		// =======================================================================
		// External API Performance
		// =======================================================================
		StripeAPILatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "stripe_api_duration_seconds",
				Help:      "Stripe API call duration (helps differentiate app slowness from Stripe issues)",
				Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"operation"},
		),
		StripeAPIErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "stripe_api_errors_total",
				Help:      "Stripe API calls that returned an error",
			},
			[]string{"operation"},
		),
	}

	return m
}

// Global instance for easy access from handlers
var Business *BusinessMetrics

// InitBusinessMetrics initializes the global business metrics instance
func InitBusinessMetrics(namespace string) *BusinessMetrics {
	Business = NewBusinessMetrics(namespace)
	return Business
}

// The helpers below are no-ops until InitBusinessMetrics has run, which keeps
// package tests free of global registration.

// ObserveStripeCall records the duration and outcome of one Stripe API call.
func ObserveStripeCall(operation string, d time.Duration, err error) {
	if Business == nil {
		return
	}
	Business.StripeAPILatency.WithLabelValues(operation).Observe(d.Seconds())
	if err != nil {
		Business.StripeAPIErrors.WithLabelValues(operation).Inc()
	}
}

// RecordWebhook records a handled webhook delivery.
func RecordWebhook(eventType, outcome string, d time.Duration) {
	if Business == nil {
		return
	}
	Business.WebhookReceived.WithLabelValues(eventType).Inc()
	Business.WebhookProcessed.WithLabelValues(eventType, outcome).Inc()
	Business.WebhookLatency.WithLabelValues(eventType).Observe(d.Seconds())
}

// RecordReconciliation records a completed reconciliation write.
func RecordReconciliation(source, status string) {
	if Business == nil {
		return
	}
	Business.Reconciliations.WithLabelValues(source, status).Inc()
}

// RecordManualActivation records a local fallback grant.
func RecordManualActivation(status string) {
	if Business == nil {
		return
	}
	Business.ManualActivations.WithLabelValues(status).Inc()
}

// RecordPaymentMethodLookupFailure records a skipped payment-method candidate.
func RecordPaymentMethodLookupFailure(candidate string) {
	if Business == nil {
		return
	}
	Business.PaymentMethodLookupFails.WithLabelValues(candidate).Inc()
}

// RecordUserResolution records which strategy resolved a user.
func RecordUserResolution(strategy string) {
	if Business == nil {
		return
	}
	Business.UserResolution.WithLabelValues(strategy).Inc()
}

// RecordEntitlementEvent records the result of publishing an entitlement change.
func RecordEntitlementEvent(result string) {
	if Business == nil {
		return
	}
	Business.EntitlementEvents.WithLabelValues(result).Inc()
}

// RecordCallable records a callable invocation.
func RecordCallable(name, code string) {
	if Business == nil {
		return
	}
	Business.CallableRequests.WithLabelValues(name, code).Inc()
}
