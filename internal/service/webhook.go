package service

import (
	"context"
	"errors"
	"time"

	"github.com/dukerupert/billingsync/internal/billing"
	"github.com/dukerupert/billingsync/internal/domain"
	"github.com/dukerupert/billingsync/internal/eventlog"
	"github.com/dukerupert/billingsync/internal/events"
	"github.com/dukerupert/billingsync/internal/repository"
	"github.com/dukerupert/billingsync/internal/telemetry"
	"github.com/rs/zerolog"
)

// Raw and normalized statuses written when an invoice payment fails.
const (
	PaymentFailedRawStatus = "past_due"
	PaymentFailedStatus    = domain.StatusPending
)

// WebhookService routes verified processor events into reconciliations.
type WebhookService struct {
	billing    billing.Provider
	store      repository.UserStore
	resolver   *UserResolver
	reconciler *Reconciler
	ledger     eventlog.Ledger
	publisher  events.Publisher
	logger     zerolog.Logger
}

func NewWebhookService(provider billing.Provider, store repository.UserStore, resolver *UserResolver, reconciler *Reconciler, ledger eventlog.Ledger, publisher events.Publisher, logger zerolog.Logger) *WebhookService {
	if ledger == nil {
		ledger = eventlog.NopLedger{}
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &WebhookService{
		billing:    provider,
		store:      store,
		resolver:   resolver,
		reconciler: reconciler,
		ledger:     ledger,
		publisher:  publisher,
		logger:     logger.With().Str("component", "webhook").Logger(),
	}
}

// HandleEvent processes one verified event. Unresolvable users and unhandled
// event types are acknowledged with a nil error; a non-nil error means the
// delivery should be retried.
func (s *WebhookService) HandleEvent(ctx context.Context, ev *billing.Event) (eventlog.Outcome, error) {
	start := time.Now()
	logger := s.logger.With().Str("event_id", ev.ID).Str("event_type", ev.Type).Logger()

	outcome, err := s.dispatch(ctx, logger, ev)
	if err != nil {
		outcome = eventlog.OutcomeFailed
		logger.Error().Err(err).Msg("webhook event processing failed")
	}

	telemetry.RecordWebhook(ev.Type, string(outcome), time.Since(start))

	attempts, lerr := s.ledger.Record(ctx, ev.ID, ev.Type, outcome, err)
	if lerr != nil {
		logger.Warn().Err(lerr).Msg("failed to record webhook delivery")
	} else if attempts > 1 {
		logger.Info().Int("attempts", attempts).Msg("redelivered webhook event")
	}

	logger.Debug().Str("outcome", string(outcome)).Dur("duration", time.Since(start)).Msg("webhook event handled")
	return outcome, err
}

func (s *WebhookService) dispatch(ctx context.Context, logger zerolog.Logger, ev *billing.Event) (eventlog.Outcome, error) {
	switch ev.Type {
	case billing.EventSubscriptionCreated, billing.EventSubscriptionUpdated:
		return s.handleSubscription(ctx, logger, ev.Subscription, "")
	case billing.EventSubscriptionDeleted:
		return s.handleSubscription(ctx, logger, ev.Subscription, domain.StatusExpired)
	case billing.EventInvoicePaymentFailed:
		return s.handlePaymentFailed(ctx, logger, ev.Invoice)
	case billing.EventCheckoutSessionCompleted:
		return s.handleCheckoutCompleted(ctx, logger, ev.CheckoutSession)
	default:
		logger.Debug().Msg("ignoring unhandled event type")
		return eventlog.OutcomeIgnored, nil
	}
}

func (s *WebhookService) handleSubscription(ctx context.Context, logger zerolog.Logger, sub *billing.Subscription, override string) (eventlog.Outcome, error) {
	if sub == nil {
		logger.Warn().Msg("subscription event without subscription object")
		return eventlog.OutcomeIgnored, nil
	}

	res, err := s.resolve(ctx, logger, ProcessorContext{CustomerID: sub.CustomerID})
	if res == nil {
		return unresolvedOutcome(err)
	}

	_, err = s.reconciler.Reconcile(ctx, ReconcileParams{
		UID:            res.UID,
		Subscription:   sub,
		CustomerID:     sub.CustomerID,
		StatusOverride: override,
		Source:         events.SourceWebhook,
	})
	if err != nil {
		return eventlog.OutcomeFailed, err
	}
	return eventlog.OutcomeProcessed, nil
}

// handlePaymentFailed downgrades access without touching the subscription id
// or the billing window.
func (s *WebhookService) handlePaymentFailed(ctx context.Context, logger zerolog.Logger, inv *billing.Invoice) (eventlog.Outcome, error) {
	const op = "webhook.handlePaymentFailed"
	if inv == nil {
		logger.Warn().Msg("invoice event without invoice object")
		return eventlog.OutcomeIgnored, nil
	}

	res, err := s.resolve(ctx, logger, ProcessorContext{CustomerID: inv.CustomerID, Email: inv.CustomerEmail})
	if res == nil {
		return unresolvedOutcome(err)
	}

	patch := domain.UserPatch{
		SubscriptionStatus: domain.Some(PaymentFailedRawStatus),
		Subscription: &domain.SubscriptionPatch{
			Status: domain.Some(PaymentFailedStatus),
		},
	}
	if err := s.store.Merge(ctx, res.UID, patch); err != nil {
		return eventlog.OutcomeFailed, domain.Internal(err, op, "failed to write payment failure")
	}

	granted, _ := patch.Library()
	telemetry.RecordReconciliation(events.SourcePaymentFailure, PaymentFailedStatus)
	logger.Info().
		Str("uid", res.UID).
		Str("invoice_id", inv.ID).
		Msg("invoice payment failed, access suspended")

	notify(ctx, s.publisher, logger, events.EntitlementChanged{
		UID:            res.UID,
		Status:         PaymentFailedStatus,
		Library:        granted,
		Source:         events.SourcePaymentFailure,
		SubscriptionID: inv.SubscriptionID,
	})
	return eventlog.OutcomeProcessed, nil
}

func (s *WebhookService) handleCheckoutCompleted(ctx context.Context, logger zerolog.Logger, cs *billing.CheckoutSession) (eventlog.Outcome, error) {
	const op = "webhook.handleCheckoutCompleted"
	if cs == nil {
		logger.Warn().Msg("checkout event without session object")
		return eventlog.OutcomeIgnored, nil
	}
	if cs.Mode != billing.CheckoutModeSubscription || cs.SubscriptionID == "" {
		logger.Debug().Str("mode", cs.Mode).Msg("ignoring non-subscription checkout session")
		return eventlog.OutcomeIgnored, nil
	}

	res, err := s.resolve(ctx, logger, ProcessorContext{CustomerID: cs.CustomerID, Email: cs.CustomerEmail})
	if res == nil {
		return unresolvedOutcome(err)
	}

	sub, err := s.billing.GetSubscription(ctx, cs.SubscriptionID)
	if err != nil {
		return eventlog.OutcomeFailed, remoteError(err, op, "subscription", cs.SubscriptionID)
	}

	_, err = s.reconciler.Reconcile(ctx, ReconcileParams{
		UID:          res.UID,
		Subscription: sub,
		CustomerID:   cs.CustomerID,
		Email:        res.Email,
		Source:       events.SourceWebhook,
	})
	if err != nil {
		return eventlog.OutcomeFailed, err
	}
	return eventlog.OutcomeProcessed, nil
}

// resolve returns nil with a nil error when the user is unresolvable.
func (s *WebhookService) resolve(ctx context.Context, logger zerolog.Logger, pc ProcessorContext) (*Resolution, error) {
	res, err := s.resolver.Resolve(ctx, pc)
	if errors.Is(err, domain.ErrUserUnresolved) {
		logger.Warn().
			Str("customer_id", pc.CustomerID).
			Bool("has_email", pc.Email != "").
			Msg("no user matches event, acknowledging")
		return nil, nil
	}
	return res, err
}

func unresolvedOutcome(err error) (eventlog.Outcome, error) {
	if err != nil {
		return eventlog.OutcomeFailed, err
	}
	return eventlog.OutcomeUnresolved, nil
}
