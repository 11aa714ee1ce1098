package service

import (
	"context"
	"testing"
	"time"

	"github.com/dukerupert/billingsync/internal/billing"
	"github.com/dukerupert/billingsync/internal/domain"
	"github.com/dukerupert/billingsync/internal/eventlog"
	"github.com/dukerupert/billingsync/internal/events"
	"github.com/dukerupert/billingsync/internal/identity"
	"github.com/dukerupert/billingsync/internal/repository"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST ENVIRONMENT
// =============================================================================

// testEnv wires every service against in-memory collaborators.
type testEnv struct {
	billing   *billing.MockProvider
	store     *repository.MemoryStore
	idp       *identity.MockProvider
	publisher *events.MemoryPublisher
	ledger    *eventlog.MemoryLedger

	methods    *PaymentMethodResolver
	resolver   *UserResolver
	reconciler *Reconciler
	activation *ActivationService
	account    *AccountService
	webhook    *WebhookService
}

var testAccountConfig = AccountConfig{
	PriceID:              "price_monthly",
	SuccessURL:           "https://app.example.com/billing/success",
	CancelURL:            "https://app.example.com/billing/cancel",
	PortalReturnURL:      "https://app.example.com/account",
	VerificationAmount:   1000,
	VerificationCurrency: "mxn",
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, repository.NewMemoryStore(), testAccountConfig)
}

func newTestEnvWithStore(t *testing.T, store repository.UserStore, cfg AccountConfig) *testEnv {
	t.Helper()
	logger := zerolog.Nop()

	env := &testEnv{
		billing:   billing.NewMockProvider(),
		idp:       identity.NewMockProvider(),
		publisher: &events.MemoryPublisher{},
		ledger:    eventlog.NewMemoryLedger(),
	}
	if ms, ok := store.(*repository.MemoryStore); ok {
		env.store = ms
	}

	env.methods = NewPaymentMethodResolver(env.billing, logger)
	env.resolver = NewUserResolver(store, env.idp, env.billing, logger)
	env.reconciler = NewReconciler(store, env.methods, env.publisher, logger)
	env.activation = NewActivationService(env.billing, store, env.reconciler, env.publisher, logger)
	env.account = NewAccountService(cfg, env.billing, store, env.reconciler, env.activation, env.publisher, logger)
	env.webhook = NewWebhookService(env.billing, store, env.resolver, env.reconciler, env.ledger, env.publisher, logger)
	return env
}

// user fetches a stored record, failing the test when it does not exist.
func (e *testEnv) user(t *testing.T, uid string) *domain.User {
	t.Helper()
	u, err := e.store.Get(context.Background(), uid)
	require.NoError(t, err)
	return u
}

// failingStore is a MemoryStore whose lookups and writes can be made to fail.
type failingStore struct {
	*repository.MemoryStore
	getErr   error
	findErr  error
	mergeErr error
}

func (s *failingStore) Get(ctx context.Context, uid string) (*domain.User, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.MemoryStore.Get(ctx, uid)
}

func (s *failingStore) FindByCustomerID(ctx context.Context, customerID string) (*domain.User, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	return s.MemoryStore.FindByCustomerID(ctx, customerID)
}

func (s *failingStore) Merge(ctx context.Context, uid string, patch domain.UserPatch) error {
	if s.mergeErr != nil {
		return s.mergeErr
	}
	return s.MemoryStore.Merge(ctx, uid, patch)
}

// =============================================================================
// FIXTURES
// =============================================================================

var (
	periodStart = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	periodEnd   = time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)
)

func visa4242() *billing.PaymentMethod {
	return &billing.PaymentMethod{ID: "pm_visa", Type: "card", HasCard: true, CardBrand: "visa", CardLast4: "4242"}
}

func mastercard4444() *billing.PaymentMethod {
	return &billing.PaymentMethod{ID: "pm_mc", Type: "card", HasCard: true, CardBrand: "mastercard", CardLast4: "4444"}
}

func activeSubscription(id, customerID string) *billing.Subscription {
	pm := visa4242()
	return &billing.Subscription{
		ID:                   id,
		CustomerID:           customerID,
		Status:               "active",
		PriceIDs:             []string{"price_monthly"},
		CurrentPeriodStart:   periodStart,
		CurrentPeriodEnd:     periodEnd,
		DefaultPaymentMethod: billing.Expandable[billing.PaymentMethod]{ID: pm.ID, Value: pm},
	}
}

func strPtr(s string) *string { return &s }

func intPtr(i int) *int { return &i }
