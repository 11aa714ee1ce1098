package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MockProvider is a mock billing provider for testing.
// Objects are served from the in-memory maps unless the matching Func hook is set.
type MockProvider struct {
	CreateCustomerFunc        func(ctx context.Context, params CreateCustomerParams) (*Customer, error)
	GetCustomerFunc           func(ctx context.Context, customerID string) (*Customer, error)
	ListCustomersByEmailFunc  func(ctx context.Context, email string) ([]*Customer, error)
	CreateSubscriptionFunc    func(ctx context.Context, params CreateSubscriptionParams) (*Subscription, error)
	GetSubscriptionFunc       func(ctx context.Context, subscriptionID string) (*Subscription, error)
	ListSubscriptionsFunc     func(ctx context.Context, customerID string) ([]*Subscription, error)
	SetCancelAtPeriodEndFunc  func(ctx context.Context, subscriptionID string, cancel bool) (*Subscription, error)
	GetInvoiceFunc            func(ctx context.Context, invoiceID string) (*Invoice, error)
	GetPaymentIntentFunc      func(ctx context.Context, paymentIntentID string) (*PaymentIntent, error)
	GetSetupIntentFunc        func(ctx context.Context, setupIntentID string) (*SetupIntent, error)
	GetPaymentMethodFunc      func(ctx context.Context, paymentMethodID string) (*PaymentMethod, error)
	CreatePaymentIntentFunc   func(ctx context.Context, params CreatePaymentIntentParams) (*PaymentIntent, error)
	CreateEphemeralKeyFunc    func(ctx context.Context, customerID, apiVersion string) (*EphemeralKey, error)
	CreateCheckoutSessionFunc func(ctx context.Context, params CreateCheckoutSessionParams) (*CheckoutSession, error)
	GetCheckoutSessionFunc    func(ctx context.Context, sessionID string) (*CheckoutSession, error)
	CreatePortalSessionFunc   func(ctx context.Context, params CreatePortalSessionParams) (*PortalSession, error)
	ConstructEventFunc        func(payload []byte, signature string) (*Event, error)

	Customers        map[string]*Customer
	Subscriptions    map[string]*Subscription
	Invoices         map[string]*Invoice
	PaymentIntents   map[string]*PaymentIntent
	SetupIntents     map[string]*SetupIntent
	PaymentMethods   map[string]*PaymentMethod
	CheckoutSessions map[string]*CheckoutSession

	// CallLog tracks method calls for test assertions
	CallLog []string
}

// NewMockProvider creates a new mock billing provider.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Customers:        make(map[string]*Customer),
		Subscriptions:    make(map[string]*Subscription),
		Invoices:         make(map[string]*Invoice),
		PaymentIntents:   make(map[string]*PaymentIntent),
		SetupIntents:     make(map[string]*SetupIntent),
		PaymentMethods:   make(map[string]*PaymentMethod),
		CheckoutSessions: make(map[string]*CheckoutSession),
		CallLog:          []string{},
	}
}

func (m *MockProvider) log(format string, args ...any) {
	m.CallLog = append(m.CallLog, fmt.Sprintf(format, args...))
}

// Calls counts CallLog entries equal to call.
func (m *MockProvider) Calls(call string) int {
	n := 0
	for _, c := range m.CallLog {
		if c == call {
			n++
		}
	}
	return n
}

func mockID(prefix string) string {
	return prefix + "_" + uuid.New().String()[:8]
}

func notFound(op, id string) error {
	return &StripeError{Op: op, Message: "No such object: " + id, Code: "resource_missing", HTTPStatus: 404}
}

func (m *MockProvider) CreateCustomer(ctx context.Context, params CreateCustomerParams) (*Customer, error) {
	m.log("CreateCustomer(%s)", params.Email)
	if m.CreateCustomerFunc != nil {
		return m.CreateCustomerFunc(ctx, params)
	}

	c := &Customer{ID: mockID("cus"), Email: params.Email, Metadata: params.Metadata}
	m.Customers[c.ID] = c
	return c, nil
}

func (m *MockProvider) GetCustomer(ctx context.Context, customerID string) (*Customer, error) {
	m.log("GetCustomer(%s)", customerID)
	if m.GetCustomerFunc != nil {
		return m.GetCustomerFunc(ctx, customerID)
	}
	if c, ok := m.Customers[customerID]; ok {
		return c, nil
	}
	return nil, notFound("customers.retrieve", customerID)
}

func (m *MockProvider) ListCustomersByEmail(ctx context.Context, email string) ([]*Customer, error) {
	m.log("ListCustomersByEmail(%s)", email)
	if m.ListCustomersByEmailFunc != nil {
		return m.ListCustomersByEmailFunc(ctx, email)
	}
	var out []*Customer
	for _, c := range m.Customers {
		if strings.EqualFold(c.Email, email) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *MockProvider) CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (*Subscription, error) {
	m.log("CreateSubscription(%s, %s)", params.CustomerID, params.PriceID)
	if m.CreateSubscriptionFunc != nil {
		return m.CreateSubscriptionFunc(ctx, params)
	}

	sub := &Subscription{
		ID:         mockID("sub"),
		CustomerID: params.CustomerID,
		Status:     "incomplete",
		PriceIDs:   []string{params.PriceID},
		Metadata:   params.Metadata,
	}
	inv := &Invoice{
		ID:                 mockID("in"),
		CustomerID:         params.CustomerID,
		SubscriptionID:     sub.ID,
		ConfirmationSecret: "pi_mock_secret_" + uuid.New().String()[:8],
		PaymentsLoaded:     true,
	}
	sub.LatestInvoice = Expandable[Invoice]{ID: inv.ID, Value: inv}
	m.Invoices[inv.ID] = inv
	m.Subscriptions[sub.ID] = sub
	return sub, nil
}

func (m *MockProvider) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	m.log("GetSubscription(%s)", subscriptionID)
	if m.GetSubscriptionFunc != nil {
		return m.GetSubscriptionFunc(ctx, subscriptionID)
	}
	if s, ok := m.Subscriptions[subscriptionID]; ok {
		return s, nil
	}
	return nil, notFound("subscriptions.retrieve", subscriptionID)
}

func (m *MockProvider) ListSubscriptions(ctx context.Context, customerID string) ([]*Subscription, error) {
	m.log("ListSubscriptions(%s)", customerID)
	if m.ListSubscriptionsFunc != nil {
		return m.ListSubscriptionsFunc(ctx, customerID)
	}
	var out []*Subscription
	for _, s := range m.Subscriptions {
		if s.CustomerID == customerID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *MockProvider) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (*Subscription, error) {
	m.log("SetCancelAtPeriodEnd(%s, %t)", subscriptionID, cancel)
	if m.SetCancelAtPeriodEndFunc != nil {
		return m.SetCancelAtPeriodEndFunc(ctx, subscriptionID, cancel)
	}
	s, ok := m.Subscriptions[subscriptionID]
	if !ok {
		return nil, notFound("subscriptions.update", subscriptionID)
	}
	s.CancelAtPeriodEnd = cancel
	return s, nil
}

func (m *MockProvider) GetInvoice(ctx context.Context, invoiceID string) (*Invoice, error) {
	m.log("GetInvoice(%s)", invoiceID)
	if m.GetInvoiceFunc != nil {
		return m.GetInvoiceFunc(ctx, invoiceID)
	}
	if inv, ok := m.Invoices[invoiceID]; ok {
		return inv, nil
	}
	return nil, notFound("invoices.retrieve", invoiceID)
}

func (m *MockProvider) GetPaymentIntent(ctx context.Context, paymentIntentID string) (*PaymentIntent, error) {
	m.log("GetPaymentIntent(%s)", paymentIntentID)
	if m.GetPaymentIntentFunc != nil {
		return m.GetPaymentIntentFunc(ctx, paymentIntentID)
	}
	if pi, ok := m.PaymentIntents[paymentIntentID]; ok {
		return pi, nil
	}
	return nil, notFound("payment_intents.retrieve", paymentIntentID)
}

func (m *MockProvider) GetSetupIntent(ctx context.Context, setupIntentID string) (*SetupIntent, error) {
	m.log("GetSetupIntent(%s)", setupIntentID)
	if m.GetSetupIntentFunc != nil {
		return m.GetSetupIntentFunc(ctx, setupIntentID)
	}
	if si, ok := m.SetupIntents[setupIntentID]; ok {
		return si, nil
	}
	return nil, notFound("setup_intents.retrieve", setupIntentID)
}

func (m *MockProvider) GetPaymentMethod(ctx context.Context, paymentMethodID string) (*PaymentMethod, error) {
	m.log("GetPaymentMethod(%s)", paymentMethodID)
	if m.GetPaymentMethodFunc != nil {
		return m.GetPaymentMethodFunc(ctx, paymentMethodID)
	}
	if pm, ok := m.PaymentMethods[paymentMethodID]; ok {
		return pm, nil
	}
	return nil, notFound("payment_methods.retrieve", paymentMethodID)
}

func (m *MockProvider) CreatePaymentIntent(ctx context.Context, params CreatePaymentIntentParams) (*PaymentIntent, error) {
	m.log("CreatePaymentIntent(%d, %s)", params.AmountCents, params.Currency)
	if m.CreatePaymentIntentFunc != nil {
		return m.CreatePaymentIntentFunc(ctx, params)
	}

	pi := &PaymentIntent{
		ID:          mockID("pi"),
		CustomerID:  params.CustomerID,
		AmountCents: params.AmountCents,
		Currency:    params.Currency,
		Status:      "requires_payment_method",
		Metadata:    params.Metadata,
	}
	pi.ClientSecret = pi.ID + "_secret_" + uuid.New().String()[:8]
	m.PaymentIntents[pi.ID] = pi
	return pi, nil
}

func (m *MockProvider) CreateEphemeralKey(ctx context.Context, customerID, apiVersion string) (*EphemeralKey, error) {
	m.log("CreateEphemeralKey(%s, %s)", customerID, apiVersion)
	if m.CreateEphemeralKeyFunc != nil {
		return m.CreateEphemeralKeyFunc(ctx, customerID, apiVersion)
	}

	key := &EphemeralKey{
		ID:      mockID("ephkey"),
		Secret:  "ek_test_" + uuid.New().String()[:12],
		Expires: time.Now().Add(time.Hour).UTC(),
	}
	key.RawJSON, _ = json.Marshal(map[string]any{
		"id":      key.ID,
		"object":  "ephemeral_key",
		"secret":  key.Secret,
		"expires": key.Expires.Unix(),
		"associated_objects": []map[string]string{
			{"id": customerID, "type": "customer"},
		},
	})
	return key, nil
}

func (m *MockProvider) CreateCheckoutSession(ctx context.Context, params CreateCheckoutSessionParams) (*CheckoutSession, error) {
	m.log("CreateCheckoutSession(%s, %s)", params.CustomerID, params.PriceID)
	if m.CreateCheckoutSessionFunc != nil {
		return m.CreateCheckoutSessionFunc(ctx, params)
	}

	cs := &CheckoutSession{
		ID:                mockID("cs"),
		Status:            CheckoutStatusOpen,
		PaymentStatus:     "unpaid",
		Mode:              CheckoutModeSubscription,
		CustomerID:        params.CustomerID,
		ClientReferenceID: params.ClientReferenceID,
		Metadata:          params.Metadata,
	}
	cs.URL = "https://checkout.stripe.test/c/pay/" + cs.ID
	m.CheckoutSessions[cs.ID] = cs
	return cs, nil
}

func (m *MockProvider) GetCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSession, error) {
	m.log("GetCheckoutSession(%s)", sessionID)
	if m.GetCheckoutSessionFunc != nil {
		return m.GetCheckoutSessionFunc(ctx, sessionID)
	}
	if cs, ok := m.CheckoutSessions[sessionID]; ok {
		return cs, nil
	}
	return nil, notFound("checkout_sessions.retrieve", sessionID)
}

func (m *MockProvider) CreatePortalSession(ctx context.Context, params CreatePortalSessionParams) (*PortalSession, error) {
	m.log("CreatePortalSession(%s)", params.CustomerID)
	if m.CreatePortalSessionFunc != nil {
		return m.CreatePortalSessionFunc(ctx, params)
	}
	id := mockID("bps")
	return &PortalSession{ID: id, URL: "https://billing.stripe.test/p/session/" + id}, nil
}

// ConstructEvent decodes payload as a bare event when no hook is set, without
// checking the signature.
func (m *MockProvider) ConstructEvent(payload []byte, signature string) (*Event, error) {
	m.log("ConstructEvent")
	if m.ConstructEventFunc != nil {
		return m.ConstructEventFunc(payload, signature)
	}

	var ev struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return &Event{ID: ev.ID, Type: ev.Type}, nil
}

var _ Provider = (*MockProvider)(nil)
