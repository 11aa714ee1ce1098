package service

import (
	"context"
	"errors"
	"testing"

	"github.com/dukerupert/billingsync/internal/billing"
	"github.com/stretchr/testify/assert"
)

func TestPaymentMethodResolver_DefaultBeatsInvoice(t *testing.T) {
	env := newTestEnv(t)

	mc := mastercard4444()
	sub := activeSubscription("sub_1", "cus_1")
	sub.LatestInvoice = billing.Expandable[billing.Invoice]{
		ID: "in_1",
		Value: &billing.Invoice{
			ID:             "in_1",
			PaymentsLoaded: true,
			PaymentIntent: billing.Expandable[billing.PaymentIntent]{
				ID: "pi_1",
				Value: &billing.PaymentIntent{
					ID:            "pi_1",
					PaymentMethod: billing.Expandable[billing.PaymentMethod]{ID: mc.ID, Value: mc},
				},
			},
		},
	}

	label, ok := env.methods.Resolve(context.Background(), sub)

	assert.True(t, ok)
	assert.Equal(t, "Visa •••• 4242", label)
	assert.Empty(t, env.billing.CallLog, "expanded default needs no remote calls")
}

func TestPaymentMethodResolver_DuplicateReferenceFetchedOnce(t *testing.T) {
	env := newTestEnv(t)

	// pm_shared is not in the mock, so its single fetch fails and every
	// candidate comes up empty.
	env.billing.Invoices["in_1"] = &billing.Invoice{
		ID:             "in_1",
		PaymentsLoaded: true,
		PaymentIntent:  billing.Expandable[billing.PaymentIntent]{ID: "pi_1"},
	}
	env.billing.PaymentIntents["pi_1"] = &billing.PaymentIntent{
		ID:            "pi_1",
		PaymentMethod: billing.Expandable[billing.PaymentMethod]{ID: "pm_shared"},
	}

	sub := &billing.Subscription{
		ID:                   "sub_1",
		Status:               "active",
		DefaultPaymentMethod: billing.Expandable[billing.PaymentMethod]{ID: "pm_shared"},
		LatestInvoice:        billing.Expandable[billing.Invoice]{ID: "in_1"},
	}

	label, ok := env.methods.Resolve(context.Background(), sub)

	assert.False(t, ok)
	assert.Empty(t, label)
	assert.Equal(t, 1, env.billing.Calls("GetPaymentMethod(pm_shared)"))
	assert.Equal(t, 1, env.billing.Calls("GetInvoice(in_1)"))
	assert.Equal(t, 1, env.billing.Calls("GetPaymentIntent(pi_1)"))
}

func TestPaymentMethodResolver_Candidates(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(m *billing.MockProvider)
		sub       *billing.Subscription
		wantLabel string
		wantOK    bool
		wantCalls map[string]int
	}{
		{
			name: "unexpanded default is fetched",
			setup: func(m *billing.MockProvider) {
				m.PaymentMethods["pm_visa"] = visa4242()
			},
			sub: &billing.Subscription{
				ID:                   "sub_1",
				DefaultPaymentMethod: billing.Expandable[billing.PaymentMethod]{ID: "pm_visa"},
			},
			wantLabel: "Visa •••• 4242",
			wantOK:    true,
			wantCalls: map[string]int{"GetPaymentMethod(pm_visa)": 1},
		},
		{
			name: "invoice payment intent when no default",
			setup: func(m *billing.MockProvider) {
				mc := mastercard4444()
				m.Invoices["in_1"] = &billing.Invoice{
					ID:             "in_1",
					PaymentsLoaded: true,
					PaymentIntent:  billing.Expandable[billing.PaymentIntent]{ID: "pi_1"},
				}
				m.PaymentIntents["pi_1"] = &billing.PaymentIntent{
					ID:            "pi_1",
					PaymentMethod: billing.Expandable[billing.PaymentMethod]{ID: mc.ID, Value: mc},
				}
			},
			sub: &billing.Subscription{
				ID:            "sub_1",
				LatestInvoice: billing.Expandable[billing.Invoice]{ID: "in_1"},
			},
			wantLabel: "Mastercard •••• 4444",
			wantOK:    true,
			wantCalls: map[string]int{"GetInvoice(in_1)": 1, "GetPaymentIntent(pi_1)": 1},
		},
		{
			name: "invoice default method when intent has none",
			setup: func(m *billing.MockProvider) {
				m.Invoices["in_1"] = &billing.Invoice{
					ID:                   "in_1",
					PaymentsLoaded:       true,
					DefaultPaymentMethod: billing.Expandable[billing.PaymentMethod]{ID: "pm_link", Value: &billing.PaymentMethod{ID: "pm_link", Type: "link"}},
				}
			},
			sub: &billing.Subscription{
				ID:            "sub_1",
				LatestInvoice: billing.Expandable[billing.Invoice]{ID: "in_1"},
			},
			wantLabel: "Link",
			wantOK:    true,
			wantCalls: map[string]int{"GetInvoice(in_1)": 1},
		},
		{
			name: "pending setup intent last",
			setup: func(m *billing.MockProvider) {
				m.SetupIntents["seti_1"] = &billing.SetupIntent{
					ID:            "seti_1",
					PaymentMethod: billing.Expandable[billing.PaymentMethod]{ID: "pm_sepa"},
				}
				m.PaymentMethods["pm_sepa"] = &billing.PaymentMethod{ID: "pm_sepa", Type: "sepa_debit"}
			},
			sub: &billing.Subscription{
				ID:                 "sub_1",
				PendingSetupIntent: billing.Expandable[billing.SetupIntent]{ID: "seti_1"},
			},
			wantLabel: "Sepa_debit",
			wantOK:    true,
			wantCalls: map[string]int{"GetSetupIntent(seti_1)": 1, "GetPaymentMethod(pm_sepa)": 1},
		},
		{
			name: "expanded invoice without payments is refetched once",
			setup: func(m *billing.MockProvider) {
				visa := visa4242()
				m.Invoices["in_2"] = &billing.Invoice{
					ID:             "in_2",
					PaymentsLoaded: true,
					PaymentIntent: billing.Expandable[billing.PaymentIntent]{ID: "pi_2", Value: &billing.PaymentIntent{
						ID:            "pi_2",
						PaymentMethod: billing.Expandable[billing.PaymentMethod]{ID: visa.ID, Value: visa},
					}},
				}
			},
			sub: &billing.Subscription{
				ID:            "sub_1",
				LatestInvoice: billing.Expandable[billing.Invoice]{ID: "in_2", Value: &billing.Invoice{ID: "in_2"}},
			},
			wantLabel: "Visa •••• 4242",
			wantOK:    true,
			wantCalls: map[string]int{"GetInvoice(in_2)": 1},
		},
		{
			name: "remote failures are soft",
			setup: func(m *billing.MockProvider) {
				m.GetInvoiceFunc = func(ctx context.Context, id string) (*billing.Invoice, error) {
					return nil, errors.New("connection reset")
				}
				m.SetupIntents["seti_1"] = &billing.SetupIntent{
					ID:            "seti_1",
					PaymentMethod: billing.Expandable[billing.PaymentMethod]{ID: "pm_visa", Value: visa4242()},
				}
			},
			sub: &billing.Subscription{
				ID:                 "sub_1",
				LatestInvoice:      billing.Expandable[billing.Invoice]{ID: "in_1"},
				PendingSetupIntent: billing.Expandable[billing.SetupIntent]{ID: "seti_1"},
			},
			wantLabel: "Visa •••• 4242",
			wantOK:    true,
			wantCalls: map[string]int{"GetInvoice(in_1)": 1, "GetSetupIntent(seti_1)": 1},
		},
		{
			name:   "nothing to describe",
			sub:    &billing.Subscription{ID: "sub_1"},
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			if tt.setup != nil {
				tt.setup(env.billing)
			}

			label, ok := env.methods.Resolve(context.Background(), tt.sub)

			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantLabel, label)
			for call, n := range tt.wantCalls {
				assert.Equal(t, n, env.billing.Calls(call), call)
			}
		})
	}
}

func TestPaymentMethodResolver_NilSubscription(t *testing.T) {
	env := newTestEnv(t)
	label, ok := env.methods.Resolve(context.Background(), nil)
	assert.False(t, ok)
	assert.Empty(t, label)
}
