package service

import (
	"context"
	"time"

	"github.com/dukerupert/billingsync/internal/billing"
	"github.com/dukerupert/billingsync/internal/domain"
	"github.com/dukerupert/billingsync/internal/events"
	"github.com/dukerupert/billingsync/internal/repository"
	"github.com/dukerupert/billingsync/internal/telemetry"
	"github.com/rs/zerolog"
)

// Manual activation defaults and bounds.
const (
	DefaultActivationDays  = 30
	MinActivationDays      = 1
	MaxActivationDays      = 365
	DefaultActivationLabel = "Manual activation"
)

// activationStatuses are the statuses a caller may request for a manual grant.
var activationStatuses = map[string]bool{
	domain.StatusActive:       true,
	domain.StatusManualActive: true,
	domain.StatusPending:      true,
	domain.StatusGrace:        true,
}

// ActivationParams is a request to activate access for a user.
type ActivationParams struct {
	UID   string
	Email string

	// DurationDays is nil when the caller did not supply one.
	DurationDays  *int
	PaymentMethod string
	Status        string
	PriceID       string
}

// ActivationResult describes what activation did.
type ActivationResult struct {
	Status         string
	Message        string
	SubscriptionID string
	ExpiresAt      *time.Time
	AccessGranted  bool
	Reconciled     bool
}

// ActivationService prefers reconciling a real processor subscription and
// falls back to a time-boxed local grant.
type ActivationService struct {
	billing    billing.Provider
	store      repository.UserStore
	reconciler *Reconciler
	publisher  events.Publisher
	logger     zerolog.Logger
	now        func() time.Time
}

func NewActivationService(provider billing.Provider, store repository.UserStore, reconciler *Reconciler, publisher events.Publisher, logger zerolog.Logger) *ActivationService {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &ActivationService{
		billing:    provider,
		store:      store,
		reconciler: reconciler,
		publisher:  publisher,
		logger:     logger.With().Str("component", "activation").Logger(),
		now:        time.Now,
	}
}

// ClampDays applies the default and the [1, 365] bounds.
func ClampDays(days *int) int {
	if days == nil {
		return DefaultActivationDays
	}
	switch d := *days; {
	case d < MinActivationDays:
		return MinActivationDays
	case d > MaxActivationDays:
		return MaxActivationDays
	default:
		return d
	}
}

// ActivationStatus returns requested when it is allowed, else manual_active.
func ActivationStatus(requested string) string {
	if activationStatuses[requested] {
		return requested
	}
	return domain.StatusManualActive
}

func (s *ActivationService) Activate(ctx context.Context, p ActivationParams) (*ActivationResult, error) {
	const op = "activation.Activate"

	email := domain.NormalizeEmail(p.Email)
	if email == "" {
		return nil, ErrNoEmail
	}

	if sub, customerID := s.findSubscription(ctx, email, p.PriceID); sub != nil {
		res, err := s.reconciler.Reconcile(ctx, ReconcileParams{
			UID:          p.UID,
			Subscription: sub,
			CustomerID:   customerID,
			Email:        email,
			Source:       events.SourceCallable,
		})
		if err != nil {
			return nil, err
		}
		return &ActivationResult{
			Status:         res.Status,
			Message:        "Subscription found and synchronized",
			SubscriptionID: res.SubscriptionID,
			ExpiresAt:      res.EndDate,
			AccessGranted:  res.AccessGranted,
			Reconciled:     true,
		}, nil
	}

	days := ClampDays(p.DurationDays)
	status := ActivationStatus(p.Status)
	label := p.PaymentMethod
	if label == "" {
		label = DefaultActivationLabel
	}

	start := s.now().UTC()
	end := start.Add(time.Duration(days) * 24 * time.Hour)

	patch := domain.UserPatch{
		Email: domain.Some(email),
		Subscription: &domain.SubscriptionPatch{
			Status:        domain.Some(status),
			PaymentMethod: domain.Some(label),
			StartDate:     domain.Some(start),
			EndDate:       domain.Some(end),
			GraceEndsAt:   domain.Null[time.Time](),
		},
	}
	if err := s.store.Merge(ctx, p.UID, patch); err != nil {
		return nil, domain.Internal(err, op, "failed to write manual activation")
	}

	granted, _ := patch.Library()
	telemetry.RecordManualActivation(status)
	s.logger.Info().
		Str("uid", p.UID).
		Str("status", status).
		Int("days", days).
		Time("ends_at", end).
		Msg("manual activation applied")

	notify(ctx, s.publisher, s.logger, events.EntitlementChanged{
		UID:     p.UID,
		Status:  status,
		Library: granted,
		Source:  events.SourceManual,
	})

	return &ActivationResult{
		Status:        status,
		Message:       "Access activated manually",
		ExpiresAt:     &end,
		AccessGranted: granted,
	}, nil
}

// findSubscription searches the processor for a subscription owned by a
// customer with email, optionally billing priceID. The best candidate grants
// access first and ends later second. Only an access-granting subscription is
// returned; search failures are soft.
func (s *ActivationService) findSubscription(ctx context.Context, email, priceID string) (*billing.Subscription, string) {
	customers, err := s.billing.ListCustomersByEmail(ctx, email)
	if err != nil {
		s.logger.Warn().Err(err).Msg("customer search failed, falling back to manual activation")
		return nil, ""
	}

	var best *billing.Subscription
	var bestCustomer string
	for _, c := range customers {
		if c.Deleted {
			continue
		}
		subs, err := s.billing.ListSubscriptions(ctx, c.ID)
		if err != nil {
			s.logger.Warn().Err(err).Str("customer_id", c.ID).Msg("subscription search failed")
			continue
		}
		for _, sub := range subs {
			if priceID != "" && !sub.HasPrice(priceID) {
				continue
			}
			if best == nil || betterSubscription(sub, best) {
				best, bestCustomer = sub, c.ID
			}
		}
	}

	if best == nil || !domain.ShouldGrantAccess(domain.NormalizeStatus(best.Status)) {
		return nil, ""
	}

	// Listed subscriptions are not expanded; refetch so the payment method
	// resolver has the carriers inline.
	full, err := s.billing.GetSubscription(ctx, best.ID)
	if err != nil {
		s.logger.Warn().Err(err).Str("subscription_id", best.ID).Msg("could not refetch subscription, using listed snapshot")
		return best, bestCustomer
	}
	return full, bestCustomer
}

// betterSubscription reports whether a ranks above b.
func betterSubscription(a, b *billing.Subscription) bool {
	ga := domain.ShouldGrantAccess(domain.NormalizeStatus(a.Status))
	gb := domain.ShouldGrantAccess(domain.NormalizeStatus(b.Status))
	if ga != gb {
		return ga
	}
	return a.CurrentPeriodEnd.After(b.CurrentPeriodEnd)
}
