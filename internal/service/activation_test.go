package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dukerupert/billingsync/internal/billing"
	"github.com/dukerupert/billingsync/internal/domain"
	"github.com/dukerupert/billingsync/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClampDays(t *testing.T) {
	tests := []struct {
		name string
		days *int
		want int
	}{
		{"default", nil, 30},
		{"zero clamps to one", intPtr(0), 1},
		{"negative clamps to one", intPtr(-7), 1},
		{"in range", intPtr(15), 15},
		{"upper bound", intPtr(365), 365},
		{"huge clamps to a year", intPtr(10000), 365},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClampDays(tt.days))
		})
	}
}

func TestActivationStatus(t *testing.T) {
	tests := []struct {
		requested string
		want      string
	}{
		{"", domain.StatusManualActive},
		{"active", domain.StatusActive},
		{"manual_active", domain.StatusManualActive},
		{"pending", domain.StatusPending},
		{"grace", domain.StatusGrace},
		{"expired", domain.StatusManualActive},
		{"superuser", domain.StatusManualActive},
	}

	for _, tt := range tests {
		t.Run(tt.requested, func(t *testing.T) {
			assert.Equal(t, tt.want, ActivationStatus(tt.requested))
		})
	}
}

func fixedNow(env *testEnv, now time.Time) {
	env.activation.now = func() time.Time { return now }
}

func TestActivate_ManualFallback(t *testing.T) {
	env := newTestEnv(t)
	now := time.Date(2025, 5, 10, 8, 30, 15, 0, time.UTC)
	fixedNow(env, now)

	res, err := env.activation.Activate(context.Background(), ActivationParams{
		UID:          "u1",
		Email:        "ana@example.com",
		DurationDays: intPtr(15),
	})
	require.NoError(t, err)

	wantEnd := now.Add(15 * 24 * time.Hour)
	assert.Equal(t, domain.StatusManualActive, res.Status)
	assert.Equal(t, "Access activated manually", res.Message)
	assert.False(t, res.Reconciled)
	assert.True(t, res.AccessGranted)
	require.NotNil(t, res.ExpiresAt)
	assert.True(t, res.ExpiresAt.Equal(wantEnd))

	u := env.user(t, "u1")
	assert.Equal(t, domain.StatusManualActive, u.Subscription.Status)
	assert.True(t, u.Entitlements.Library)
	assert.Equal(t, "ana@example.com", u.Email)
	require.NotNil(t, u.Subscription.PaymentMethod)
	assert.Equal(t, DefaultActivationLabel, *u.Subscription.PaymentMethod)
	assert.True(t, u.Subscription.StartDate.Equal(now))
	assert.True(t, u.Subscription.EndDate.Equal(wantEnd))
	assert.Nil(t, u.Subscription.GraceEndsAt)

	ev, ok := env.publisher.Last()
	require.True(t, ok)
	assert.Equal(t, events.SourceManual, ev.Source)
	assert.True(t, ev.Library)
}

func TestActivate_ClampedWindow(t *testing.T) {
	tests := []struct {
		name     string
		days     *int
		wantDays int
	}{
		{"zero", intPtr(0), 1},
		{"ten thousand", intPtr(10000), 365},
		{"omitted", nil, 30},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			now := time.Date(2025, 1, 31, 23, 59, 59, 0, time.UTC)
			fixedNow(env, now)

			_, err := env.activation.Activate(context.Background(), ActivationParams{
				UID:          "u1",
				Email:        "ana@example.com",
				DurationDays: tt.days,
			})
			require.NoError(t, err)

			u := env.user(t, "u1")
			want := u.Subscription.StartDate.Add(time.Duration(tt.wantDays) * 24 * time.Hour)
			assert.True(t, u.Subscription.EndDate.Equal(want))
		})
	}
}

func TestActivate_CustomLabelAndStatus(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.activation.Activate(context.Background(), ActivationParams{
		UID:           "u1",
		Email:         "ana@example.com",
		PaymentMethod: "Bank transfer",
		Status:        "pending",
	})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusPending, res.Status)
	assert.False(t, res.AccessGranted)

	u := env.user(t, "u1")
	assert.Equal(t, "Bank transfer", *u.Subscription.PaymentMethod)
	assert.False(t, u.Entitlements.Library)
}

func TestActivate_RequiresEmail(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.activation.Activate(context.Background(), ActivationParams{UID: "u1", Email: "  "})

	assert.ErrorIs(t, err, ErrNoEmail)
	assert.Equal(t, domain.EPRECONDITION, domain.ErrorCode(err))
	assert.Zero(t, env.store.MergeCount("u1"))
}

func TestActivate_ReconcilesDiscoveredSubscription(t *testing.T) {
	env := newTestEnv(t)
	env.billing.Customers["cus_1"] = &billing.Customer{ID: "cus_1", Email: "ana@example.com"}

	// A canceled subscription with a later period end must lose to the
	// active one.
	canceled := activeSubscription("sub_old", "cus_1")
	canceled.Status = "canceled"
	canceled.CurrentPeriodEnd = periodEnd.AddDate(1, 0, 0)
	env.billing.Subscriptions["sub_old"] = canceled
	env.billing.Subscriptions["sub_live"] = activeSubscription("sub_live", "cus_1")

	res, err := env.activation.Activate(context.Background(), ActivationParams{UID: "u1", Email: "ana@example.com"})
	require.NoError(t, err)

	assert.True(t, res.Reconciled)
	assert.Equal(t, "Subscription found and synchronized", res.Message)
	assert.Equal(t, "sub_live", res.SubscriptionID)
	assert.Equal(t, domain.StatusActive, res.Status)
	assert.Equal(t, 1, env.billing.Calls("GetSubscription(sub_live)"))

	u := env.user(t, "u1")
	assert.Equal(t, "sub_live", u.StripeSubscriptionID)
	assert.Equal(t, "cus_1", u.StripeCustomerID)
	assert.Equal(t, "Visa •••• 4242", *u.Subscription.PaymentMethod)
}

func TestActivate_LaterPeriodEndWinsAmongGranting(t *testing.T) {
	env := newTestEnv(t)
	env.billing.Customers["cus_1"] = &billing.Customer{ID: "cus_1", Email: "ana@example.com"}
	env.billing.Customers["cus_2"] = &billing.Customer{ID: "cus_2", Email: "ana@example.com"}

	early := activeSubscription("sub_early", "cus_1")
	late := activeSubscription("sub_late", "cus_2")
	late.Status = "trialing"
	late.CurrentPeriodEnd = periodEnd.AddDate(0, 1, 0)
	env.billing.Subscriptions[early.ID] = early
	env.billing.Subscriptions[late.ID] = late

	res, err := env.activation.Activate(context.Background(), ActivationParams{UID: "u1", Email: "ana@example.com"})
	require.NoError(t, err)

	assert.Equal(t, "sub_late", res.SubscriptionID)
	assert.Equal(t, "cus_2", env.user(t, "u1").StripeCustomerID)
}

func TestActivate_FallsBackWhenNothingGrants(t *testing.T) {
	tests := []struct {
		name  string
		setup func(env *testEnv)
		price string
	}{
		{
			name: "only non-granting subscriptions",
			setup: func(env *testEnv) {
				env.billing.Customers["cus_1"] = &billing.Customer{ID: "cus_1", Email: "ana@example.com"}
				sub := activeSubscription("sub_1", "cus_1")
				sub.Status = "incomplete_expired"
				env.billing.Subscriptions[sub.ID] = sub
			},
		},
		{
			name: "price filter excludes the match",
			setup: func(env *testEnv) {
				env.billing.Customers["cus_1"] = &billing.Customer{ID: "cus_1", Email: "ana@example.com"}
				env.billing.Subscriptions["sub_1"] = activeSubscription("sub_1", "cus_1")
			},
			price: "price_yearly",
		},
		{
			name: "deleted customer is skipped",
			setup: func(env *testEnv) {
				env.billing.Customers["cus_1"] = &billing.Customer{ID: "cus_1", Email: "ana@example.com", Deleted: true}
				env.billing.Subscriptions["sub_1"] = activeSubscription("sub_1", "cus_1")
			},
		},
		{
			name: "customer search failure is soft",
			setup: func(env *testEnv) {
				env.billing.ListCustomersByEmailFunc = func(ctx context.Context, email string) ([]*billing.Customer, error) {
					return nil, errors.New("rate limited")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			tt.setup(env)

			res, err := env.activation.Activate(context.Background(), ActivationParams{
				UID:     "u1",
				Email:   "ana@example.com",
				PriceID: tt.price,
			})
			require.NoError(t, err)

			assert.False(t, res.Reconciled)
			assert.Equal(t, domain.StatusManualActive, res.Status)
			assert.Empty(t, env.user(t, "u1").StripeSubscriptionID)
		})
	}
}
