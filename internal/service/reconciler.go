package service

import (
	"context"
	"errors"
	"time"

	"github.com/dukerupert/billingsync/internal/billing"
	"github.com/dukerupert/billingsync/internal/domain"
	"github.com/dukerupert/billingsync/internal/events"
	"github.com/dukerupert/billingsync/internal/repository"
	"github.com/dukerupert/billingsync/internal/telemetry"
	"github.com/rs/zerolog"
)

// ReconcileParams is one reconciliation request.
type ReconcileParams struct {
	UID          string
	Subscription *billing.Subscription

	// CustomerID and Email are backfilled when the stored record has none.
	CustomerID string
	Email      string

	// StatusOverride replaces the normalized status. Used when an event
	// definitively signals termination.
	StatusOverride string

	// Source labels metrics and entitlement events.
	Source string
}

// ReconcileResult is the effective state after the write.
type ReconcileResult struct {
	SubscriptionID string
	Status         string
	EndDate        *time.Time
	GraceEndsAt    *time.Time
	AccessGranted  bool
}

// Reconciler maps a subscription snapshot onto the user record with a single
// merge-write. Every write recomputes the whole sub-document from the
// snapshot, so concurrent reconciliations converge on the freshest one.
type Reconciler struct {
	store     repository.UserStore
	methods   *PaymentMethodResolver
	publisher events.Publisher
	logger    zerolog.Logger
}

func NewReconciler(store repository.UserStore, methods *PaymentMethodResolver, publisher events.Publisher, logger zerolog.Logger) *Reconciler {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Reconciler{
		store:     store,
		methods:   methods,
		publisher: publisher,
		logger:    logger.With().Str("component", "reconciler").Logger(),
	}
}

// GraceEndsAt returns the scheduled end of access: the explicit cancel-at
// time, else the period end when cancelling at period end, else zero.
func GraceEndsAt(sub *billing.Subscription) time.Time {
	if !sub.CancelAt.IsZero() {
		return sub.CancelAt
	}
	if sub.CancelAtPeriodEnd {
		return sub.CurrentPeriodEnd
	}
	return time.Time{}
}

func (r *Reconciler) Reconcile(ctx context.Context, p ReconcileParams) (*ReconcileResult, error) {
	const op = "reconciler.Reconcile"
	sub := p.Subscription
	if p.UID == "" || sub == nil {
		return nil, domain.Errorf(domain.EINTERNAL, op, "reconcile requires a user and a subscription")
	}

	status := domain.NormalizeStatus(sub.Status)
	if p.StatusOverride != "" {
		status = p.StatusOverride
	}

	// Deletion events clear the payment method; skip the lookups.
	label := domain.Null[string]()
	if p.StatusOverride != domain.StatusExpired {
		if l, ok := r.methods.Resolve(ctx, sub); ok {
			label = domain.Some(l)
		}
	}

	rawStatus := sub.Status
	if rawStatus == "" {
		rawStatus = "incomplete"
	}

	patch := domain.UserPatch{
		StripeSubscriptionID: domain.IfPresent(sub.ID),
		SubscriptionStatus:   domain.Some(rawStatus),
		Subscription: &domain.SubscriptionPatch{
			Status:        domain.Some(status),
			PaymentMethod: label,
			StartDate:     domain.TimeOrNull(sub.CurrentPeriodStart),
			EndDate:       domain.TimeOrNull(sub.CurrentPeriodEnd),
			GraceEndsAt:   domain.TimeOrNull(GraceEndsAt(sub)),
		},
	}

	customerID := p.CustomerID
	if customerID == "" {
		customerID = sub.CustomerID
	}
	if err := r.backfill(ctx, p.UID, customerID, domain.NormalizeEmail(p.Email), &patch); err != nil {
		return nil, err
	}

	if err := r.store.Merge(ctx, p.UID, patch); err != nil {
		return nil, domain.Internal(err, op, "failed to write subscription state")
	}

	granted, _ := patch.Library()
	res := &ReconcileResult{
		SubscriptionID: sub.ID,
		Status:         status,
		EndDate:        patch.Subscription.EndDate.Value,
		GraceEndsAt:    patch.Subscription.GraceEndsAt.Value,
		AccessGranted:  granted,
	}

	telemetry.RecordReconciliation(p.Source, status)
	r.logger.Info().
		Str("uid", p.UID).
		Str("subscription_id", sub.ID).
		Str("raw_status", rawStatus).
		Str("status", status).
		Bool("library", granted).
		Str("source", p.Source).
		Msg("subscription reconciled")

	notify(ctx, r.publisher, r.logger, events.EntitlementChanged{
		UID:            p.UID,
		Status:         status,
		Library:        granted,
		Source:         p.Source,
		SubscriptionID: sub.ID,
	})
	return res, nil
}

// backfill adds customerID and email to patch when the stored record has
// none. A stored customer id is never replaced by a different one; the
// conflict is logged and the rest of the reconciliation proceeds. A stored
// email is left alone since checkout emails are typed by the buyer.
func (r *Reconciler) backfill(ctx context.Context, uid, customerID, email string, patch *domain.UserPatch) error {
	if customerID == "" && email == "" {
		return nil
	}
	u, err := r.store.Get(ctx, uid)
	if errors.Is(err, repository.ErrNotFound) {
		u, err = &domain.User{UID: uid}, nil
	}
	if err != nil {
		return domain.Internal(err, "reconciler.backfill", "failed to read user")
	}

	switch {
	case customerID == "":
	case u.StripeCustomerID == "":
		patch.StripeCustomerID = domain.Some(customerID)
	case u.StripeCustomerID != customerID:
		r.logger.Warn().
			Str("uid", uid).
			Str("stored_customer_id", u.StripeCustomerID).
			Str("event_customer_id", customerID).
			Msg("customer id conflict, keeping stored customer")
	}

	if email != "" && u.Email == "" {
		patch.Email = domain.Some(email)
	}
	return nil
}

// notify publishes an entitlement change. Failures are soft.
func notify(ctx context.Context, publisher events.Publisher, logger zerolog.Logger, ev events.EntitlementChanged) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	telemetry.EntitlementBreadcrumb(ctx, ev.UID, ev.Source, ev.Status, ev.Library)
	if err := publisher.PublishEntitlementChanged(ctx, ev); err != nil {
		telemetry.RecordEntitlementEvent("error")
		logger.Warn().Err(err).Str("uid", ev.UID).Msg("failed to publish entitlement event")
		return
	}
	telemetry.RecordEntitlementEvent("published")
}
