package billing

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dukerupert/billingsync/internal/telemetry"
	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v82"
)

// Expansions applied whenever a subscription is read, so the payment-method
// resolver rarely needs extra round trips.
var subscriptionExpand = []string{
	"default_payment_method",
	"latest_invoice",
	"latest_invoice.confirmation_secret",
	"latest_invoice.payments",
	"pending_setup_intent",
}

// StripeProvider implements Provider using the Stripe API.
type StripeProvider struct {
	client *stripe.Client
	config StripeConfig
	logger zerolog.Logger
}

// NewStripeProvider creates a Stripe-backed provider from validated config.
func NewStripeProvider(config StripeConfig, logger zerolog.Logger) (*StripeProvider, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	maxRetries := config.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}
	timeout := config.TimeoutSeconds
	if timeout <= 0 {
		timeout = 30
	}

	backends := stripe.NewBackendsWithConfig(&stripe.BackendConfig{
		HTTPClient: &http.Client{
			Timeout:   time.Duration(timeout) * time.Second,
			Transport: &telemetry.HTTPTransport{Transport: http.DefaultTransport},
		},
		MaxNetworkRetries: stripe.Int64(int64(maxRetries)),
	})

	return &StripeProvider{
		client: stripe.NewClient(config.APIKey, stripe.WithBackends(backends)),
		config: config,
		logger: logger.With().Str("component", "stripe").Logger(),
	}, nil
}

// observe records latency for one API call and wraps its error.
func (s *StripeProvider) observe(op string, started time.Time, err error) error {
	telemetry.ObserveStripeCall(op, time.Since(started), err)
	if err != nil {
		s.logger.Debug().Err(err).Str("op", op).Msg("stripe call failed")
	}
	return wrapStripeError(op, err)
}

// CreateCustomer creates a Stripe customer.
func (s *StripeProvider) CreateCustomer(ctx context.Context, params CreateCustomerParams) (*Customer, error) {
	p := &stripe.CustomerCreateParams{Metadata: params.Metadata}
	if params.Email != "" {
		p.Email = stripe.String(params.Email)
	}

	started := time.Now()
	c, err := s.client.V1Customers.Create(ctx, p)
	if err := s.observe("customers.create", started, err); err != nil {
		return nil, err
	}
	return toCustomer(c), nil
}

// GetCustomer retrieves a Stripe customer.
func (s *StripeProvider) GetCustomer(ctx context.Context, customerID string) (*Customer, error) {
	started := time.Now()
	c, err := s.client.V1Customers.Retrieve(ctx, customerID, &stripe.CustomerRetrieveParams{})
	if err := s.observe("customers.retrieve", started, err); err != nil {
		return nil, err
	}
	return toCustomer(c), nil
}

// ListCustomersByEmail returns customers whose email matches, ignoring case.
// The list endpoint filters on the exact stored string and sees new customers
// at once; search matches case-insensitively but lags behind writes. Both are
// consulted and the results merged by id.
func (s *StripeProvider) ListCustomersByEmail(ctx context.Context, email string) ([]*Customer, error) {
	lp := &stripe.CustomerListParams{Email: stripe.String(email)}
	lp.Limit = stripe.Int64(20)

	started := time.Now()
	var listed []*Customer
	for c, err := range s.client.V1Customers.List(ctx, lp) {
		if err != nil {
			return nil, s.observe("customers.list", started, err)
		}
		listed = append(listed, toCustomer(c))
	}
	_ = s.observe("customers.list", started, nil)

	sp := &stripe.CustomerSearchParams{}
	sp.Query = customerEmailQuery(email)
	sp.Limit = stripe.Int64(20)

	started = time.Now()
	var searched []*Customer
	for c, err := range s.client.V1Customers.Search(ctx, sp) {
		if err != nil {
			// Search is unavailable in some regions; the exact list still stands.
			s.logger.Warn().Err(s.observe("customers.search", started, err)).Msg("customer email search failed")
			return mergeCustomersByEmail(email, listed), nil
		}
		searched = append(searched, toCustomer(c))
	}
	_ = s.observe("customers.search", started, nil)

	return mergeCustomersByEmail(email, listed, searched), nil
}

// customerEmailQuery builds a search query for email. The ':' operator is an
// exact, case-insensitive match.
func customerEmailQuery(email string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(email)
	return fmt.Sprintf("email:'%s'", escaped)
}

// mergeCustomersByEmail concatenates batches, drops duplicates by id and keeps
// only customers whose email equals email ignoring case.
func mergeCustomersByEmail(email string, batches ...[]*Customer) []*Customer {
	seen := make(map[string]bool)
	var out []*Customer
	for _, batch := range batches {
		for _, c := range batch {
			if c == nil || seen[c.ID] || !strings.EqualFold(c.Email, email) {
				continue
			}
			seen[c.ID] = true
			out = append(out, c)
		}
	}
	return out
}

// CreateSubscription creates a default_incomplete subscription so the client
// can confirm the first payment with the returned secret.
func (s *StripeProvider) CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (*Subscription, error) {
	p := &stripe.SubscriptionCreateParams{
		Customer: stripe.String(params.CustomerID),
		Items: []*stripe.SubscriptionCreateItemParams{
			{Price: stripe.String(params.PriceID)},
		},
		PaymentBehavior: stripe.String("default_incomplete"),
		PaymentSettings: &stripe.SubscriptionCreatePaymentSettingsParams{
			SaveDefaultPaymentMethod: stripe.String("on_subscription"),
		},
		Metadata: params.Metadata,
	}
	for _, e := range subscriptionExpand {
		p.AddExpand(e)
	}

	started := time.Now()
	sub, err := s.client.V1Subscriptions.Create(ctx, p)
	if err := s.observe("subscriptions.create", started, err); err != nil {
		return nil, err
	}
	return toSubscription(sub), nil
}

// GetSubscription retrieves a subscription with payment-method carriers expanded.
func (s *StripeProvider) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	p := &stripe.SubscriptionRetrieveParams{}
	for _, e := range subscriptionExpand {
		p.AddExpand(e)
	}

	started := time.Now()
	sub, err := s.client.V1Subscriptions.Retrieve(ctx, subscriptionID, p)
	if err := s.observe("subscriptions.retrieve", started, err); err != nil {
		return nil, err
	}
	return toSubscription(sub), nil
}

// ListSubscriptions lists every subscription of a customer regardless of status.
func (s *StripeProvider) ListSubscriptions(ctx context.Context, customerID string) ([]*Subscription, error) {
	p := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
	}
	p.AddExpand("data.default_payment_method")

	started := time.Now()
	var out []*Subscription
	for sub, err := range s.client.V1Subscriptions.List(ctx, p) {
		if err != nil {
			return nil, s.observe("subscriptions.list", started, err)
		}
		out = append(out, toSubscription(sub))
	}
	_ = s.observe("subscriptions.list", started, nil)
	return out, nil
}

// SetCancelAtPeriodEnd toggles end-of-period cancellation.
func (s *StripeProvider) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (*Subscription, error) {
	p := &stripe.SubscriptionUpdateParams{CancelAtPeriodEnd: stripe.Bool(cancel)}
	for _, e := range subscriptionExpand {
		p.AddExpand(e)
	}

	started := time.Now()
	sub, err := s.client.V1Subscriptions.Update(ctx, subscriptionID, p)
	if err := s.observe("subscriptions.update", started, err); err != nil {
		return nil, err
	}
	return toSubscription(sub), nil
}

// GetInvoice retrieves an invoice with its payments and default method expanded.
func (s *StripeProvider) GetInvoice(ctx context.Context, invoiceID string) (*Invoice, error) {
	p := &stripe.InvoiceRetrieveParams{}
	p.AddExpand("payments")
	p.AddExpand("default_payment_method")

	started := time.Now()
	inv, err := s.client.V1Invoices.Retrieve(ctx, invoiceID, p)
	if err := s.observe("invoices.retrieve", started, err); err != nil {
		return nil, err
	}
	return toInvoice(inv), nil
}

// GetPaymentIntent retrieves a payment intent with its payment method expanded.
func (s *StripeProvider) GetPaymentIntent(ctx context.Context, paymentIntentID string) (*PaymentIntent, error) {
	p := &stripe.PaymentIntentRetrieveParams{}
	p.AddExpand("payment_method")

	started := time.Now()
	pi, err := s.client.V1PaymentIntents.Retrieve(ctx, paymentIntentID, p)
	if err := s.observe("payment_intents.retrieve", started, err); err != nil {
		return nil, err
	}
	return toPaymentIntent(pi), nil
}

// GetSetupIntent retrieves a setup intent with its payment method expanded.
func (s *StripeProvider) GetSetupIntent(ctx context.Context, setupIntentID string) (*SetupIntent, error) {
	p := &stripe.SetupIntentRetrieveParams{}
	p.AddExpand("payment_method")

	started := time.Now()
	si, err := s.client.V1SetupIntents.Retrieve(ctx, setupIntentID, p)
	if err := s.observe("setup_intents.retrieve", started, err); err != nil {
		return nil, err
	}
	return toSetupIntent(si), nil
}

// GetPaymentMethod retrieves a payment method.
func (s *StripeProvider) GetPaymentMethod(ctx context.Context, paymentMethodID string) (*PaymentMethod, error) {
	started := time.Now()
	pm, err := s.client.V1PaymentMethods.Retrieve(ctx, paymentMethodID, &stripe.PaymentMethodRetrieveParams{})
	if err := s.observe("payment_methods.retrieve", started, err); err != nil {
		return nil, err
	}
	return toPaymentMethod(pm), nil
}

// CreatePaymentIntent creates a payment intent with automatic payment methods.
func (s *StripeProvider) CreatePaymentIntent(ctx context.Context, params CreatePaymentIntentParams) (*PaymentIntent, error) {
	p := &stripe.PaymentIntentCreateParams{
		Amount:   stripe.Int64(params.AmountCents),
		Currency: stripe.String(params.Currency),
		Customer: stripe.String(params.CustomerID),
		AutomaticPaymentMethods: &stripe.PaymentIntentCreateAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
		Metadata: params.Metadata,
	}

	started := time.Now()
	pi, err := s.client.V1PaymentIntents.Create(ctx, p)
	if err := s.observe("payment_intents.create", started, err); err != nil {
		return nil, err
	}
	return toPaymentIntent(pi), nil
}

// CreateEphemeralKey creates a customer ephemeral key pinned to the client's
// API version.
func (s *StripeProvider) CreateEphemeralKey(ctx context.Context, customerID, apiVersion string) (*EphemeralKey, error) {
	p := &stripe.EphemeralKeyCreateParams{
		Customer:      stripe.String(customerID),
		StripeVersion: stripe.String(apiVersion),
	}

	started := time.Now()
	key, err := s.client.V1EphemeralKeys.Create(ctx, p)
	if err := s.observe("ephemeral_keys.create", started, err); err != nil {
		return nil, err
	}
	return toEphemeralKey(key), nil
}

// CreateCheckoutSession creates a hosted checkout session in subscription mode.
func (s *StripeProvider) CreateCheckoutSession(ctx context.Context, params CreateCheckoutSessionParams) (*CheckoutSession, error) {
	p := &stripe.CheckoutSessionCreateParams{
		Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer: stripe.String(params.CustomerID),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(params.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(params.SuccessURL),
		CancelURL:  stripe.String(params.CancelURL),
		Metadata:   params.Metadata,
		SubscriptionData: &stripe.CheckoutSessionCreateSubscriptionDataParams{
			Metadata: params.Metadata,
		},
	}
	if params.ClientReferenceID != "" {
		p.ClientReferenceID = stripe.String(params.ClientReferenceID)
	}

	started := time.Now()
	cs, err := s.client.V1CheckoutSessions.Create(ctx, p)
	if err := s.observe("checkout_sessions.create", started, err); err != nil {
		return nil, err
	}
	return toCheckoutSession(cs), nil
}

// GetCheckoutSession retrieves a hosted checkout session.
func (s *StripeProvider) GetCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSession, error) {
	started := time.Now()
	cs, err := s.client.V1CheckoutSessions.Retrieve(ctx, sessionID, &stripe.CheckoutSessionRetrieveParams{})
	if err := s.observe("checkout_sessions.retrieve", started, err); err != nil {
		return nil, err
	}
	return toCheckoutSession(cs), nil
}

// CreatePortalSession creates a billing portal session.
func (s *StripeProvider) CreatePortalSession(ctx context.Context, params CreatePortalSessionParams) (*PortalSession, error) {
	p := &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(params.CustomerID),
		ReturnURL: stripe.String(params.ReturnURL),
	}

	started := time.Now()
	ps, err := s.client.V1BillingPortalSessions.Create(ctx, p)
	if err := s.observe("billing_portal_sessions.create", started, err); err != nil {
		return nil, err
	}
	return &PortalSession{ID: ps.ID, URL: ps.URL}, nil
}

var _ Provider = (*StripeProvider)(nil)
