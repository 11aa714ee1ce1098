// Package billing is the boundary to the payment processor. Remote objects are
// converted into the explicit types below as soon as they cross the boundary so
// the rest of the service never touches processor SDK structs.
package billing

import (
	"context"
	"encoding/json"
	"time"
)

// Provider abstracts the payment processor.
type Provider interface {
	// CreateCustomer creates a processor customer.
	CreateCustomer(ctx context.Context, params CreateCustomerParams) (*Customer, error)

	// GetCustomer retrieves a customer by id. Deleted customers are returned
	// with Deleted set.
	GetCustomer(ctx context.Context, customerID string) (*Customer, error)

	// ListCustomersByEmail returns customers whose email matches, ignoring case.
	ListCustomersByEmail(ctx context.Context, email string) ([]*Customer, error)

	// CreateSubscription creates an incomplete subscription that saves the
	// confirmed payment method as the subscription default.
	CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (*Subscription, error)

	// GetSubscription retrieves a subscription with its payment-method
	// carriers expanded.
	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)

	// ListSubscriptions returns every subscription of a customer, any status.
	ListSubscriptions(ctx context.Context, customerID string) ([]*Subscription, error)

	// SetCancelAtPeriodEnd schedules or clears end-of-period cancellation.
	SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (*Subscription, error)

	GetInvoice(ctx context.Context, invoiceID string) (*Invoice, error)
	GetPaymentIntent(ctx context.Context, paymentIntentID string) (*PaymentIntent, error)
	GetSetupIntent(ctx context.Context, setupIntentID string) (*SetupIntent, error)
	GetPaymentMethod(ctx context.Context, paymentMethodID string) (*PaymentMethod, error)

	// CreatePaymentIntent creates a payment intent with automatic payment methods.
	CreatePaymentIntent(ctx context.Context, params CreatePaymentIntentParams) (*PaymentIntent, error)

	// CreateEphemeralKey issues a short-lived customer key for client SDKs.
	CreateEphemeralKey(ctx context.Context, customerID, apiVersion string) (*EphemeralKey, error)

	// CreateCheckoutSession creates a hosted checkout session in subscription mode.
	CreateCheckoutSession(ctx context.Context, params CreateCheckoutSessionParams) (*CheckoutSession, error)

	GetCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSession, error)

	// CreatePortalSession creates a customer self-service portal session.
	CreatePortalSession(ctx context.Context, params CreatePortalSessionParams) (*PortalSession, error)

	// ConstructEvent verifies a webhook signature against the raw payload and
	// decodes the event. Returns ErrWebhookSecretMissing or
	// ErrInvalidWebhookSignature for rejected deliveries.
	ConstructEvent(payload []byte, signature string) (*Event, error)
}

// =============================================================================
// Expandable references
// =============================================================================

// Expandable is a reference to a remote object that may or may not have been
// expanded inline. ID is always set for a non-empty reference.
type Expandable[T any] struct {
	ID    string
	Value *T
}

// Empty reports whether the reference points nowhere.
func (e Expandable[T]) Empty() bool {
	return e.ID == "" && e.Value == nil
}

// Expanded reports whether the referenced object is available inline.
func (e Expandable[T]) Expanded() bool {
	return e.Value != nil
}

// =============================================================================
// Customers
// =============================================================================

// CreateCustomerParams contains parameters for creating a customer.
type CreateCustomerParams struct {
	Email    string
	Metadata map[string]string
}

// Customer represents a processor customer.
type Customer struct {
	ID       string
	Email    string
	Metadata map[string]string
	Deleted  bool
}

// =============================================================================
// Subscriptions
// =============================================================================

// CreateSubscriptionParams contains parameters for creating a subscription.
type CreateSubscriptionParams struct {
	CustomerID string
	PriceID    string
	Metadata   map[string]string
}

// Subscription is a snapshot of a processor subscription.
type Subscription struct {
	ID                 string
	CustomerID         string
	Status             string
	PriceIDs           []string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAt           time.Time
	CancelAtPeriodEnd  bool
	Metadata           map[string]string

	DefaultPaymentMethod Expandable[PaymentMethod]
	LatestInvoice        Expandable[Invoice]
	PendingSetupIntent   Expandable[SetupIntent]
}

// HasPrice reports whether any subscription item bills priceID.
func (s *Subscription) HasPrice(priceID string) bool {
	for _, id := range s.PriceIDs {
		if id == priceID {
			return true
		}
	}
	return false
}

// ClientSecret returns the secret a client SDK needs to confirm the first
// payment: the latest invoice's confirmation secret, falling back to the
// pending setup intent for trials and zero-amount invoices.
func (s *Subscription) ClientSecret() string {
	if inv := s.LatestInvoice.Value; inv != nil {
		if inv.ConfirmationSecret != "" {
			return inv.ConfirmationSecret
		}
		if pi := inv.PaymentIntent.Value; pi != nil && pi.ClientSecret != "" {
			return pi.ClientSecret
		}
	}
	if si := s.PendingSetupIntent.Value; si != nil {
		return si.ClientSecret
	}
	return ""
}

// =============================================================================
// Payment method carriers
// =============================================================================

// PaymentMethod is the subset of a processor payment method needed to render
// a display label.
type PaymentMethod struct {
	ID        string
	Type      string
	HasCard   bool
	CardBrand string
	CardLast4 string
}

// Invoice is the subset of a processor invoice this service reads.
type Invoice struct {
	ID                 string
	CustomerID         string
	CustomerEmail      string
	SubscriptionID     string
	ConfirmationSecret string

	DefaultPaymentMethod Expandable[PaymentMethod]
	PaymentIntent        Expandable[PaymentIntent]

	// PaymentsLoaded is false when the invoice payments list was not expanded,
	// in which case PaymentIntent may be empty even though one exists.
	PaymentsLoaded bool
}

// CreatePaymentIntentParams contains parameters for a payment intent.
type CreatePaymentIntentParams struct {
	CustomerID  string
	AmountCents int64
	Currency    string
	Metadata    map[string]string
}

// PaymentIntent is a snapshot of a processor payment intent.
type PaymentIntent struct {
	ID            string
	ClientSecret  string
	Status        string
	CustomerID    string
	AmountCents   int64
	Currency      string
	Metadata      map[string]string
	PaymentMethod Expandable[PaymentMethod]
}

// SetupIntent is a snapshot of a processor setup intent.
type SetupIntent struct {
	ID            string
	ClientSecret  string
	Status        string
	PaymentMethod Expandable[PaymentMethod]
}

// EphemeralKey is returned verbatim to client SDKs, which expect the raw
// processor object.
type EphemeralKey struct {
	ID      string
	Secret  string
	Expires time.Time
	RawJSON json.RawMessage
}

// =============================================================================
// Hosted flows
// =============================================================================

// Checkout session states.
const (
	CheckoutStatusOpen     = "open"
	CheckoutStatusComplete = "complete"
	CheckoutStatusExpired  = "expired"

	CheckoutPaymentPaid        = "paid"
	CheckoutPaymentNotRequired = "no_payment_required"

	CheckoutModeSubscription = "subscription"

	// CheckoutSessionIDPlaceholder is substituted by the processor in success URLs.
	CheckoutSessionIDPlaceholder = "{CHECKOUT_SESSION_ID}"
)

// CreateCheckoutSessionParams contains parameters for a hosted checkout session.
type CreateCheckoutSessionParams struct {
	CustomerID        string
	PriceID           string
	SuccessURL        string
	CancelURL         string
	ClientReferenceID string
	Metadata          map[string]string
}

// CheckoutSession is a snapshot of a hosted checkout session.
type CheckoutSession struct {
	ID                string
	URL               string
	Status            string
	PaymentStatus     string
	Mode              string
	CustomerID        string
	CustomerEmail     string
	SubscriptionID    string
	ClientReferenceID string
	Metadata          map[string]string
}

// Paid reports whether the session completed with payment settled or not required.
func (c *CheckoutSession) Paid() bool {
	return c.Status == CheckoutStatusComplete &&
		(c.PaymentStatus == CheckoutPaymentPaid || c.PaymentStatus == CheckoutPaymentNotRequired)
}

// OwnerUID returns the user the session was created for, if recorded.
func (c *CheckoutSession) OwnerUID() string {
	if c.ClientReferenceID != "" {
		return c.ClientReferenceID
	}
	return c.Metadata["uid"]
}

// CreatePortalSessionParams contains parameters for a billing portal session.
type CreatePortalSessionParams struct {
	CustomerID string
	ReturnURL  string
}

// PortalSession is a customer portal session.
type PortalSession struct {
	ID  string
	URL string
}

// =============================================================================
// Webhook events
// =============================================================================

// Event types handled by the webhook receiver.
const (
	EventSubscriptionCreated      = "customer.subscription.created"
	EventSubscriptionUpdated      = "customer.subscription.updated"
	EventSubscriptionDeleted      = "customer.subscription.deleted"
	EventInvoicePaymentFailed     = "invoice.payment_failed"
	EventCheckoutSessionCompleted = "checkout.session.completed"
)

// Event is a verified webhook event with its data object decoded into the
// matching boundary type. At most one of the object fields is set.
type Event struct {
	ID      string
	Type    string
	Created time.Time

	Subscription    *Subscription
	Invoice         *Invoice
	CheckoutSession *CheckoutSession
}
