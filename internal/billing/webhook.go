package billing

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// ConstructEvent verifies the Stripe-Signature header and decodes the event.
func (s *StripeProvider) ConstructEvent(payload []byte, signature string) (*Event, error) {
	return constructEvent(payload, signature, s.config.WebhookSecret, s.config.WebhookTolerance)
}

// ConstructEvent verifies payload against secret and converts the event.
// The account API version may differ from the SDK's, so version mismatches are
// tolerated; only the fields this service reads are decoded.
func ConstructEvent(payload []byte, signature, secret string) (*Event, error) {
	return constructEvent(payload, signature, secret, 0)
}

func constructEvent(payload []byte, signature, secret string, tolerance time.Duration) (*Event, error) {
	if secret == "" {
		return nil, ErrWebhookSecretMissing
	}

	ev, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
		Tolerance:                tolerance,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWebhookSignature, err)
	}

	return DecodeEvent(ev)
}

// DecodeEvent converts a verified Stripe event into an Event. Event families
// this service does not read are returned with no data object.
func DecodeEvent(ev stripe.Event) (*Event, error) {
	out := &Event{
		ID:      ev.ID,
		Type:    string(ev.Type),
		Created: unixTime(ev.Created),
	}
	if ev.Data == nil || len(ev.Data.Raw) == 0 {
		return out, nil
	}

	switch {
	case strings.HasPrefix(out.Type, "customer.subscription."):
		var sub stripe.Subscription
		if err := json.Unmarshal(ev.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, out.Type, err)
		}
		out.Subscription = toSubscription(&sub)
		applyLegacyPeriod(out.Subscription, ev.Data.Raw)

	case strings.HasPrefix(out.Type, "invoice."):
		var inv stripe.Invoice
		if err := json.Unmarshal(ev.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, out.Type, err)
		}
		out.Invoice = toInvoice(&inv)
		applyLegacySubscription(out.Invoice, ev.Data.Raw)

	case strings.HasPrefix(out.Type, "checkout.session."):
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(ev.Data.Raw, &cs); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, out.Type, err)
		}
		out.CheckoutSession = toCheckoutSession(&cs)
	}

	return out, nil
}

// legacyFields are top-level fields of objects rendered with API versions
// before 2025-03-31. Newer versions move the billing period onto subscription
// items and the invoice's subscription under parent.subscription_details.
type legacyFields struct {
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	Subscription       string `json:"subscription"`
}

// decodeLegacy is best effort: a field with an unexpected shape leaves the
// result empty.
func decodeLegacy(raw json.RawMessage) legacyFields {
	var lf legacyFields
	_ = json.Unmarshal(raw, &lf)
	return lf
}

func applyLegacyPeriod(sub *Subscription, raw json.RawMessage) {
	if sub == nil || (!sub.CurrentPeriodStart.IsZero() && !sub.CurrentPeriodEnd.IsZero()) {
		return
	}
	lf := decodeLegacy(raw)
	if sub.CurrentPeriodStart.IsZero() {
		sub.CurrentPeriodStart = unixTime(lf.CurrentPeriodStart)
	}
	if sub.CurrentPeriodEnd.IsZero() {
		sub.CurrentPeriodEnd = unixTime(lf.CurrentPeriodEnd)
	}
}

func applyLegacySubscription(inv *Invoice, raw json.RawMessage) {
	if inv == nil || inv.SubscriptionID != "" {
		return
	}
	inv.SubscriptionID = decodeLegacy(raw).Subscription
}
