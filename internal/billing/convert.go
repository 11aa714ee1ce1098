package billing

import (
	"encoding/json"
	"time"

	"github.com/stripe/stripe-go/v82"
)

// Stripe serializes unexpanded references as bare ids, which the SDK decodes
// into structs with only ID set. Expanded objects always carry "object".

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func toCustomer(c *stripe.Customer) *Customer {
	if c == nil {
		return nil
	}
	return &Customer{
		ID:       c.ID,
		Email:    c.Email,
		Metadata: c.Metadata,
		Deleted:  c.Deleted,
	}
}

func toPaymentMethod(pm *stripe.PaymentMethod) *PaymentMethod {
	if pm == nil {
		return nil
	}
	out := &PaymentMethod{ID: pm.ID, Type: string(pm.Type)}
	if pm.Card != nil {
		out.HasCard = true
		out.CardBrand = string(pm.Card.Brand)
		out.CardLast4 = pm.Card.Last4
	}
	return out
}

func paymentMethodRef(pm *stripe.PaymentMethod) Expandable[PaymentMethod] {
	if pm == nil || pm.ID == "" {
		return Expandable[PaymentMethod]{}
	}
	ref := Expandable[PaymentMethod]{ID: pm.ID}
	if pm.Object != "" {
		ref.Value = toPaymentMethod(pm)
	}
	return ref
}

func toPaymentIntent(pi *stripe.PaymentIntent) *PaymentIntent {
	if pi == nil {
		return nil
	}
	out := &PaymentIntent{
		ID:            pi.ID,
		ClientSecret:  pi.ClientSecret,
		Status:        string(pi.Status),
		AmountCents:   pi.Amount,
		Currency:      string(pi.Currency),
		Metadata:      pi.Metadata,
		PaymentMethod: paymentMethodRef(pi.PaymentMethod),
	}
	if pi.Customer != nil {
		out.CustomerID = pi.Customer.ID
	}
	return out
}

func paymentIntentRef(pi *stripe.PaymentIntent) Expandable[PaymentIntent] {
	if pi == nil || pi.ID == "" {
		return Expandable[PaymentIntent]{}
	}
	ref := Expandable[PaymentIntent]{ID: pi.ID}
	if pi.Object != "" {
		ref.Value = toPaymentIntent(pi)
	}
	return ref
}

func toSetupIntent(si *stripe.SetupIntent) *SetupIntent {
	if si == nil {
		return nil
	}
	return &SetupIntent{
		ID:            si.ID,
		ClientSecret:  si.ClientSecret,
		Status:        string(si.Status),
		PaymentMethod: paymentMethodRef(si.PaymentMethod),
	}
}

func toInvoice(inv *stripe.Invoice) *Invoice {
	if inv == nil {
		return nil
	}
	out := &Invoice{
		ID:                   inv.ID,
		CustomerEmail:        inv.CustomerEmail,
		DefaultPaymentMethod: paymentMethodRef(inv.DefaultPaymentMethod),
	}
	if inv.Customer != nil {
		out.CustomerID = inv.Customer.ID
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil && inv.Parent.SubscriptionDetails.Subscription != nil {
		out.SubscriptionID = inv.Parent.SubscriptionDetails.Subscription.ID
	}
	if inv.ConfirmationSecret != nil {
		out.ConfirmationSecret = inv.ConfirmationSecret.ClientSecret
	}
	if inv.Payments != nil {
		out.PaymentsLoaded = true
		// Prefer the default payment; otherwise take the first one with an intent.
		for _, p := range inv.Payments.Data {
			if p == nil || p.Payment == nil || p.Payment.PaymentIntent == nil {
				continue
			}
			if out.PaymentIntent.Empty() || p.IsDefault {
				out.PaymentIntent = paymentIntentRef(p.Payment.PaymentIntent)
			}
			if p.IsDefault {
				break
			}
		}
	}
	return out
}

func toSubscription(sub *stripe.Subscription) *Subscription {
	if sub == nil {
		return nil
	}
	out := &Subscription{
		ID:                   sub.ID,
		Status:               string(sub.Status),
		CancelAt:             unixTime(sub.CancelAt),
		CancelAtPeriodEnd:    sub.CancelAtPeriodEnd,
		Metadata:             sub.Metadata,
		DefaultPaymentMethod: paymentMethodRef(sub.DefaultPaymentMethod),
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}

	// Billing periods live on subscription items.
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item == nil {
				continue
			}
			if item.Price != nil && item.Price.ID != "" {
				out.PriceIDs = append(out.PriceIDs, item.Price.ID)
			}
			if out.CurrentPeriodStart.IsZero() {
				out.CurrentPeriodStart = unixTime(item.CurrentPeriodStart)
			}
			if end := unixTime(item.CurrentPeriodEnd); end.After(out.CurrentPeriodEnd) {
				out.CurrentPeriodEnd = end
			}
		}
	}

	if inv := sub.LatestInvoice; inv != nil && inv.ID != "" {
		out.LatestInvoice = Expandable[Invoice]{ID: inv.ID}
		if inv.Object != "" {
			out.LatestInvoice.Value = toInvoice(inv)
		}
	}
	if si := sub.PendingSetupIntent; si != nil && si.ID != "" {
		out.PendingSetupIntent = Expandable[SetupIntent]{ID: si.ID}
		if si.Object != "" {
			out.PendingSetupIntent.Value = toSetupIntent(si)
		}
	}
	return out
}

func toCheckoutSession(cs *stripe.CheckoutSession) *CheckoutSession {
	if cs == nil {
		return nil
	}
	out := &CheckoutSession{
		ID:                cs.ID,
		URL:               cs.URL,
		Status:            string(cs.Status),
		PaymentStatus:     string(cs.PaymentStatus),
		Mode:              string(cs.Mode),
		CustomerEmail:     cs.CustomerEmail,
		ClientReferenceID: cs.ClientReferenceID,
		Metadata:          cs.Metadata,
	}
	if cs.Customer != nil {
		out.CustomerID = cs.Customer.ID
	}
	if out.CustomerEmail == "" && cs.CustomerDetails != nil {
		out.CustomerEmail = cs.CustomerDetails.Email
	}
	if cs.Subscription != nil {
		out.SubscriptionID = cs.Subscription.ID
	}
	return out
}

func toEphemeralKey(key *stripe.EphemeralKey) *EphemeralKey {
	if key == nil {
		return nil
	}
	out := &EphemeralKey{
		ID:      key.ID,
		Secret:  key.Secret,
		Expires: unixTime(key.Expires),
		RawJSON: json.RawMessage(key.RawJSON),
	}
	if len(out.RawJSON) == 0 {
		// Fall back to a re-encoding when the SDK did not keep the raw body.
		if raw, err := json.Marshal(key); err == nil {
			out.RawJSON = raw
		}
	}
	return out
}
