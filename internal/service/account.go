package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/dukerupert/billingsync/internal/billing"
	"github.com/dukerupert/billingsync/internal/domain"
	"github.com/dukerupert/billingsync/internal/events"
	"github.com/dukerupert/billingsync/internal/repository"
	"github.com/rs/zerolog"
)

// DefaultEphemeralKeyAPIVersion is used by createPaymentIntent when the client
// does not pin a processor API version.
const DefaultEphemeralKeyAPIVersion = "2023-10-16"

// PaymentMethodVerification tags verification payment intents.
const PaymentMethodVerification = "payment_method_verification"

// AccountConfig holds the billing settings the callables need.
type AccountConfig struct {
	PriceID              string
	SuccessURL           string
	CancelURL            string
	PortalReturnURL      string
	VerificationAmount   int64
	VerificationCurrency string
}

// AccountService implements the authenticated billing callables. Every method
// acts on behalf of the verified caller identity.
type AccountService struct {
	cfg        AccountConfig
	billing    billing.Provider
	store      repository.UserStore
	reconciler *Reconciler
	activation *ActivationService
	publisher  events.Publisher
	logger     zerolog.Logger
}

func NewAccountService(cfg AccountConfig, provider billing.Provider, store repository.UserStore, reconciler *Reconciler, activation *ActivationService, publisher events.Publisher, logger zerolog.Logger) *AccountService {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &AccountService{
		cfg:        cfg,
		billing:    provider,
		store:      store,
		reconciler: reconciler,
		activation: activation,
		publisher:  publisher,
		logger:     logger.With().Str("component", "account").Logger(),
	}
}

// =============================================================================
// Results
// =============================================================================

type CustomerResult struct {
	CustomerID string `json:"customerId"`
	Existed    bool   `json:"existed"`
}

type SubscriptionResult struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientSecret   string `json:"clientSecret"`
	Status         string `json:"status"`
}

type CheckoutSessionResult struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
	Status    string `json:"status"`
}

type ConfirmCheckoutResult struct {
	Status         string `json:"status"`
	SubscriptionID string `json:"subscriptionId,omitempty"`
	Message        string `json:"message"`
}

type PortalSessionResult struct {
	URL string `json:"url"`
}

type CancellationResult struct {
	Status         string     `json:"status"`
	SubscriptionID string     `json:"subscriptionId"`
	GraceEndsAt    *time.Time `json:"graceEndsAt"`
}

type PingResult struct {
	UID        string `json:"uid"`
	Email      string `json:"email,omitempty"`
	AuthSource string `json:"authSource"`
}

type PaymentIntentResult struct {
	PaymentIntent string `json:"paymentIntent"`
	Customer      string `json:"customer"`
	EphemeralKey  string `json:"ephemeralKey"`
}

// Checkout confirmation states for sessions that did not produce a subscription.
const (
	CheckoutCanceled = "canceled"
	CheckoutPending  = "pending"
)

// =============================================================================
// Customers
// =============================================================================

// CreateCustomer returns the caller's customer, creating it on first use.
func (s *AccountService) CreateCustomer(ctx context.Context, id *domain.Identity) (*CustomerResult, error) {
	customerID, existed, err := s.ensureCustomer(ctx, id, "account.CreateCustomer")
	if err != nil {
		return nil, err
	}
	return &CustomerResult{CustomerID: customerID, Existed: existed}, nil
}

// CreateEphemeralKey issues a client SDK key for the caller's customer. The
// processor's key object is returned as-is.
func (s *AccountService) CreateEphemeralKey(ctx context.Context, id *domain.Identity, apiVersion string) (json.RawMessage, error) {
	const op = "account.CreateEphemeralKey"
	if strings.TrimSpace(apiVersion) == "" {
		return nil, ErrAPIVersionRequired
	}

	u, err := s.loadUser(ctx, id.UID, op)
	if err != nil {
		return nil, err
	}
	if !u.HasCustomer() {
		return nil, ErrNoCustomer
	}

	key, err := s.billing.CreateEphemeralKey(ctx, u.StripeCustomerID, apiVersion)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to create ephemeral key")
	}
	if len(key.RawJSON) > 0 {
		return key.RawJSON, nil
	}
	return json.Marshal(map[string]any{
		"id":      key.ID,
		"object":  "ephemeral_key",
		"secret":  key.Secret,
		"expires": key.Expires.Unix(),
	})
}

// =============================================================================
// Subscriptions
// =============================================================================

// CreateSubscription starts an incomplete subscription on the configured price
// and persists its initial state before returning the confirmation secret.
func (s *AccountService) CreateSubscription(ctx context.Context, id *domain.Identity) (*SubscriptionResult, error) {
	const op = "account.CreateSubscription"
	if s.cfg.PriceID == "" {
		return nil, ErrPriceNotConfigured
	}

	u, err := s.loadUser(ctx, id.UID, op)
	if err != nil {
		return nil, err
	}
	if !u.HasCustomer() {
		return nil, ErrNoCustomer
	}

	sub, err := s.billing.CreateSubscription(ctx, billing.CreateSubscriptionParams{
		CustomerID: u.StripeCustomerID,
		PriceID:    s.cfg.PriceID,
		Metadata:   map[string]string{"uid": id.UID},
	})
	if err != nil {
		return nil, domain.Internal(err, op, "failed to create subscription")
	}

	secret := sub.ClientSecret()
	if secret == "" {
		return nil, ErrMissingClientSecret
	}

	rawStatus := sub.Status
	if rawStatus == "" {
		rawStatus = "incomplete"
	}
	status := domain.NormalizeStatus(sub.Status)
	patch := domain.UserPatch{
		StripeSubscriptionID: domain.Some(sub.ID),
		SubscriptionStatus:   domain.Some(rawStatus),
		Subscription: &domain.SubscriptionPatch{
			Status:        domain.Some(status),
			PaymentMethod: domain.Null[string](),
			StartDate:     domain.Null[time.Time](),
			EndDate:       domain.Null[time.Time](),
			GraceEndsAt:   domain.Null[time.Time](),
		},
	}
	if err := s.store.Merge(ctx, id.UID, patch); err != nil {
		return nil, domain.Internal(err, op, "failed to write initial subscription state")
	}

	granted, _ := patch.Library()
	s.logger.Info().
		Str("uid", id.UID).
		Str("subscription_id", sub.ID).
		Str("raw_status", rawStatus).
		Msg("subscription created")
	notify(ctx, s.publisher, s.logger, events.EntitlementChanged{
		UID:            id.UID,
		Status:         status,
		Library:        granted,
		Source:         events.SourceCallable,
		SubscriptionID: sub.ID,
	})

	return &SubscriptionResult{SubscriptionID: sub.ID, ClientSecret: secret, Status: sub.Status}, nil
}

// ScheduleCancellation sets cancel-at-period-end and mirrors the grace window.
func (s *AccountService) ScheduleCancellation(ctx context.Context, id *domain.Identity) (*CancellationResult, error) {
	return s.setCancelAtPeriodEnd(ctx, id, true, "account.ScheduleCancellation")
}

// ResumeCancellation clears a scheduled cancellation.
func (s *AccountService) ResumeCancellation(ctx context.Context, id *domain.Identity) (*CancellationResult, error) {
	return s.setCancelAtPeriodEnd(ctx, id, false, "account.ResumeCancellation")
}

func (s *AccountService) setCancelAtPeriodEnd(ctx context.Context, id *domain.Identity, cancel bool, op string) (*CancellationResult, error) {
	u, err := s.loadUser(ctx, id.UID, op)
	if err != nil {
		return nil, err
	}
	if !u.HasSubscription() {
		return nil, ErrNoSubscription
	}

	sub, err := s.billing.SetCancelAtPeriodEnd(ctx, u.StripeSubscriptionID, cancel)
	if err != nil {
		return nil, remoteError(err, op, "subscription", u.StripeSubscriptionID)
	}

	res, err := s.reconciler.Reconcile(ctx, ReconcileParams{
		UID:          id.UID,
		Subscription: sub,
		Source:       events.SourceCallable,
	})
	if err != nil {
		return nil, err
	}
	return &CancellationResult{
		Status:         res.Status,
		SubscriptionID: res.SubscriptionID,
		GraceEndsAt:    res.GraceEndsAt,
	}, nil
}

// ActivateAccess runs manual activation for the caller. The email comes from
// the identity, else from the stored record.
func (s *AccountService) ActivateAccess(ctx context.Context, id *domain.Identity, p ActivationParams) (*ActivationResult, error) {
	const op = "account.ActivateAccess"
	p.UID = id.UID
	p.Email = domain.NormalizeEmail(id.Email)
	if p.Email == "" {
		u, err := s.loadUser(ctx, id.UID, op)
		if err != nil {
			return nil, err
		}
		p.Email = domain.NormalizeEmail(u.Email)
	}
	return s.activation.Activate(ctx, p)
}

// =============================================================================
// Hosted flows
// =============================================================================

// CheckoutParams are the caller overrides for a hosted checkout session.
type CheckoutParams struct {
	PriceID    string
	SuccessURL string
	CancelURL  string
	Metadata   map[string]string
}

// CreateCheckoutSession opens a hosted subscription checkout for the caller.
func (s *AccountService) CreateCheckoutSession(ctx context.Context, id *domain.Identity, p CheckoutParams) (*CheckoutSessionResult, error) {
	const op = "account.CreateCheckoutSession"

	priceID := firstNonEmpty(p.PriceID, s.cfg.PriceID)
	if priceID == "" {
		return nil, ErrPriceNotConfigured
	}
	successURL := firstNonEmpty(p.SuccessURL, s.cfg.SuccessURL)
	cancelURL := firstNonEmpty(p.CancelURL, s.cfg.CancelURL)
	if successURL == "" || cancelURL == "" {
		return nil, ErrReturnURLNotConfigured
	}

	customerID, _, err := s.ensureCustomer(ctx, id, op)
	if err != nil {
		return nil, err
	}

	metadata := make(map[string]string, len(p.Metadata)+1)
	for k, v := range p.Metadata {
		metadata[k] = v
	}
	metadata["uid"] = id.UID

	cs, err := s.billing.CreateCheckoutSession(ctx, billing.CreateCheckoutSessionParams{
		CustomerID:        customerID,
		PriceID:           priceID,
		SuccessURL:        WithSessionPlaceholder(successURL),
		CancelURL:         cancelURL,
		ClientReferenceID: id.UID,
		Metadata:          metadata,
	})
	if err != nil {
		return nil, domain.Internal(err, op, "failed to create checkout session")
	}

	s.logger.Info().
		Str("uid", id.UID).
		Str("session_id", cs.ID).
		Str("price_id", priceID).
		Msg("checkout session created")
	return &CheckoutSessionResult{SessionID: cs.ID, URL: cs.URL, Status: cs.Status}, nil
}

// WithSessionPlaceholder appends session_id={CHECKOUT_SESSION_ID} to a success
// URL that does not carry the placeholder yet.
func WithSessionPlaceholder(successURL string) string {
	if strings.Contains(successURL, billing.CheckoutSessionIDPlaceholder) {
		return successURL
	}
	sep := "?"
	if strings.Contains(successURL, "?") {
		sep = "&"
	}
	return successURL + sep + "session_id=" + billing.CheckoutSessionIDPlaceholder
}

// ConfirmCheckoutSession reconciles the subscription created by a completed
// checkout session owned by the caller.
func (s *AccountService) ConfirmCheckoutSession(ctx context.Context, id *domain.Identity, sessionID string) (*ConfirmCheckoutResult, error) {
	const op = "account.ConfirmCheckoutSession"
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, ErrSessionIDRequired
	}

	cs, err := s.billing.GetCheckoutSession(ctx, sessionID)
	if err != nil {
		return nil, remoteError(err, op, "checkout session", sessionID)
	}
	if owner := cs.OwnerUID(); owner != "" && owner != id.UID {
		s.logger.Warn().
			Str("uid", id.UID).
			Str("owner_uid", owner).
			Str("session_id", sessionID).
			Msg("checkout session confirmation by non-owner")
		return nil, ErrSessionNotOwned
	}

	switch {
	case cs.Status == billing.CheckoutStatusExpired:
		return &ConfirmCheckoutResult{Status: CheckoutCanceled, Message: "Checkout session expired"}, nil
	case !cs.Paid():
		return &ConfirmCheckoutResult{Status: CheckoutPending, Message: "Checkout session not completed yet"}, nil
	case cs.SubscriptionID == "":
		return &ConfirmCheckoutResult{Status: CheckoutPending, Message: "Subscription not created yet"}, nil
	}

	sub, err := s.billing.GetSubscription(ctx, cs.SubscriptionID)
	if err != nil {
		return nil, remoteError(err, op, "subscription", cs.SubscriptionID)
	}

	res, err := s.reconciler.Reconcile(ctx, ReconcileParams{
		UID:          id.UID,
		Subscription: sub,
		CustomerID:   cs.CustomerID,
		Email:        firstNonEmpty(id.Email, cs.CustomerEmail),
		Source:       events.SourceCallable,
	})
	if err != nil {
		return nil, err
	}
	return &ConfirmCheckoutResult{
		Status:         res.Status,
		SubscriptionID: res.SubscriptionID,
		Message:        "Subscription synchronized",
	}, nil
}

// CreatePortalSession opens the customer self-service portal.
func (s *AccountService) CreatePortalSession(ctx context.Context, id *domain.Identity) (*PortalSessionResult, error) {
	const op = "account.CreatePortalSession"
	u, err := s.loadUser(ctx, id.UID, op)
	if err != nil {
		return nil, err
	}
	if !u.HasCustomer() {
		return nil, ErrNoCustomer
	}
	if s.cfg.PortalReturnURL == "" {
		return nil, ErrReturnURLNotConfigured
	}

	ps, err := s.billing.CreatePortalSession(ctx, billing.CreatePortalSessionParams{
		CustomerID: u.StripeCustomerID,
		ReturnURL:  s.cfg.PortalReturnURL,
	})
	if err != nil {
		return nil, domain.Internal(err, op, "failed to create portal session")
	}
	return &PortalSessionResult{URL: ps.URL}, nil
}

// CreatePaymentIntent prepares a payment-sheet verification charge of the
// configured amount. The customer is created when the caller has none.
func (s *AccountService) CreatePaymentIntent(ctx context.Context, id *domain.Identity, apiVersion string) (*PaymentIntentResult, error) {
	const op = "account.CreatePaymentIntent"
	if s.cfg.VerificationAmount <= 0 || s.cfg.VerificationCurrency == "" {
		return nil, domain.Precondition(op, "Verification charge is not configured")
	}
	if apiVersion == "" {
		apiVersion = DefaultEphemeralKeyAPIVersion
	}

	customerID, _, err := s.ensureCustomer(ctx, id, op)
	if err != nil {
		return nil, err
	}

	key, err := s.billing.CreateEphemeralKey(ctx, customerID, apiVersion)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to create ephemeral key")
	}

	pi, err := s.billing.CreatePaymentIntent(ctx, billing.CreatePaymentIntentParams{
		CustomerID:  customerID,
		AmountCents: s.cfg.VerificationAmount,
		Currency:    s.cfg.VerificationCurrency,
		Metadata: map[string]string{
			"uid":  id.UID,
			"type": PaymentMethodVerification,
		},
	})
	if err != nil {
		return nil, domain.Internal(err, op, "failed to create payment intent")
	}
	if pi.ClientSecret == "" {
		return nil, ErrMissingClientSecret
	}

	return &PaymentIntentResult{
		PaymentIntent: pi.ClientSecret,
		Customer:      customerID,
		EphemeralKey:  key.Secret,
	}, nil
}

// Ping echoes the verified identity.
func (s *AccountService) Ping(ctx context.Context, id *domain.Identity) *PingResult {
	return &PingResult{UID: id.UID, Email: id.Email, AuthSource: id.Source}
}

// =============================================================================
// Helpers
// =============================================================================

// loadUser returns the stored record, or an empty one when none exists yet.
func (s *AccountService) loadUser(ctx context.Context, uid, op string) (*domain.User, error) {
	u, err := s.store.Get(ctx, uid)
	if errors.Is(err, repository.ErrNotFound) {
		return &domain.User{UID: uid}, nil
	}
	if err != nil {
		return nil, domain.Internal(err, op, "failed to read user")
	}
	return u, nil
}

// ensureCustomer returns the caller's customer id, creating the customer with
// metadata.uid and the caller's email when none is on record.
func (s *AccountService) ensureCustomer(ctx context.Context, id *domain.Identity, op string) (customerID string, existed bool, err error) {
	u, err := s.loadUser(ctx, id.UID, op)
	if err != nil {
		return "", false, err
	}
	if u.HasCustomer() {
		return u.StripeCustomerID, true, nil
	}

	email := domain.NormalizeEmail(id.Email)
	if email == "" {
		email = domain.NormalizeEmail(u.Email)
	}

	c, err := s.billing.CreateCustomer(ctx, billing.CreateCustomerParams{
		Email:    email,
		Metadata: map[string]string{"uid": id.UID},
	})
	if err != nil {
		return "", false, domain.Internal(err, op, "failed to create customer")
	}

	if err := s.store.Merge(ctx, id.UID, domain.UserPatch{
		StripeCustomerID: domain.Some(c.ID),
		Email:            domain.IfPresent(email),
	}); err != nil {
		return "", false, domain.Internal(err, op, "failed to store customer id")
	}

	s.logger.Info().Str("uid", id.UID).Str("customer_id", c.ID).Msg("customer created")
	return c.ID, false, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
