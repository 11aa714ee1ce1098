package service

import (
	"context"
	"errors"
	"testing"

	"github.com/dukerupert/billingsync/internal/billing"
	"github.com/dukerupert/billingsync/internal/domain"
	"github.com/dukerupert/billingsync/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserResolver_CustomerIDOnly(t *testing.T) {
	env := newTestEnv(t)
	env.store.Put(domain.User{UID: "u1", Email: "ana@example.com", StripeCustomerID: "cus_1"})

	res, err := env.resolver.Resolve(context.Background(), ProcessorContext{CustomerID: "cus_1"})

	require.NoError(t, err)
	assert.Equal(t, "u1", res.UID)
	assert.Equal(t, StrategyCustomerID, res.Strategy)
	assert.Equal(t, "ana@example.com", res.Email, "stored email is captured")
	assert.Empty(t, env.idp.CallLog, "no identity lookup")
	assert.Empty(t, env.billing.CallLog, "no remote customer lookup")
}

func TestUserResolver_Fallbacks(t *testing.T) {
	tests := []struct {
		name         string
		setup        func(env *testEnv)
		pc           ProcessorContext
		wantUID      string
		wantStrategy string
		wantEmail    string
	}{
		{
			name: "remote customer email then identity provider",
			setup: func(env *testEnv) {
				env.billing.Customers["cus_2"] = &billing.Customer{ID: "cus_2", Email: "Bea@Example.com"}
				env.idp.AddUser("tok", "u2", "bea@example.com")
			},
			pc:           ProcessorContext{CustomerID: "cus_2"},
			wantUID:      "u2",
			wantStrategy: StrategyIdentityEmail,
			wantEmail:    "bea@example.com",
		},
		{
			name: "event email skips the remote customer",
			setup: func(env *testEnv) {
				env.idp.AddUser("tok", "u3", "cy@example.com")
			},
			pc:           ProcessorContext{CustomerID: "cus_unknown", Email: "  CY@example.com "},
			wantUID:      "u3",
			wantStrategy: StrategyIdentityEmail,
			wantEmail:    "cy@example.com",
		},
		{
			name: "store email when identity provider has no match",
			setup: func(env *testEnv) {
				env.store.Put(domain.User{UID: "u4", Email: "dee@example.com"})
			},
			pc:           ProcessorContext{Email: "DEE@example.com"},
			wantUID:      "u4",
			wantStrategy: StrategyStoreEmail,
			wantEmail:    "dee@example.com",
		},
		{
			name: "deleted remote customer contributes no email",
			setup: func(env *testEnv) {
				env.billing.Customers["cus_5"] = &billing.Customer{ID: "cus_5", Email: "gone@example.com", Deleted: true}
				env.store.Put(domain.User{UID: "u5", Email: "gone@example.com"})
			},
			pc: ProcessorContext{CustomerID: "cus_5"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			tt.setup(env)

			res, err := env.resolver.Resolve(context.Background(), tt.pc)

			if tt.wantUID == "" {
				assert.ErrorIs(t, err, domain.ErrUserUnresolved)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantUID, res.UID)
			assert.Equal(t, tt.wantStrategy, res.Strategy)
			assert.Equal(t, tt.wantEmail, res.Email)
		})
	}
}

func TestUserResolver_EventEmailSkipsRemoteCustomer(t *testing.T) {
	env := newTestEnv(t)
	env.idp.AddUser("tok", "u1", "ana@example.com")

	_, err := env.resolver.Resolve(context.Background(), ProcessorContext{CustomerID: "cus_9", Email: "ana@example.com"})

	require.NoError(t, err)
	assert.Zero(t, env.billing.Calls("GetCustomer(cus_9)"))
}

func TestUserResolver_Unresolved(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.resolver.Resolve(context.Background(), ProcessorContext{})

	assert.ErrorIs(t, err, domain.ErrUserUnresolved)
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))
}

func TestUserResolver_RemoteCustomerFailureIsSoft(t *testing.T) {
	env := newTestEnv(t)
	env.billing.GetCustomerFunc = func(ctx context.Context, id string) (*billing.Customer, error) {
		return nil, errors.New("stripe unavailable")
	}

	_, err := env.resolver.Resolve(context.Background(), ProcessorContext{CustomerID: "cus_1"})

	assert.ErrorIs(t, err, domain.ErrUserUnresolved)
}

func TestUserResolver_HardFailures(t *testing.T) {
	t.Run("store query error", func(t *testing.T) {
		store := &failingStore{MemoryStore: repository.NewMemoryStore(), findErr: errors.New("deadline exceeded")}
		env := newTestEnvWithStore(t, store, testAccountConfig)

		_, err := env.resolver.Resolve(context.Background(), ProcessorContext{CustomerID: "cus_1"})

		require.Error(t, err)
		assert.Equal(t, domain.EINTERNAL, domain.ErrorCode(err))
		assert.NotErrorIs(t, err, domain.ErrUserUnresolved)
	})

	t.Run("identity provider error", func(t *testing.T) {
		env := newTestEnv(t)
		env.idp.UIDByEmailFunc = func(ctx context.Context, email string) (string, error) {
			return "", errors.New("quota exceeded")
		}

		_, err := env.resolver.Resolve(context.Background(), ProcessorContext{Email: "ana@example.com"})

		require.Error(t, err)
		assert.Equal(t, domain.EINTERNAL, domain.ErrorCode(err))
	})
}
