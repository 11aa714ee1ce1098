// Package events publishes entitlement change notifications so downstream
// consumers can react without polling the document store.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultSubject is used when no subject is configured.
const DefaultSubject = "billing.entitlements.changed"

// Event sources.
const (
	SourceWebhook        = "webhook"
	SourceCallable       = "callable"
	SourceManual         = "manual_activation"
	SourcePaymentFailure = "payment_failed"
)

// EntitlementChanged is published after every write that sets subscription.status.
type EntitlementChanged struct {
	UID            string    `json:"uid"`
	Status         string    `json:"status"`
	Library        bool      `json:"library"`
	Source         string    `json:"source"`
	SubscriptionID string    `json:"subscriptionId,omitempty"`
	At             time.Time `json:"at"`
}

// Publisher sends entitlement change events. Callers treat errors as soft.
type Publisher interface {
	PublishEntitlementChanged(ctx context.Context, ev EntitlementChanged) error
	Close()
}

// New returns a NATS publisher, or a no-op publisher when url is empty.
func New(url, subject string, logger zerolog.Logger) (Publisher, error) {
	if url == "" {
		logger.Info().Msg("NATS_URL not set, entitlement events disabled")
		return NopPublisher{}, nil
	}
	return NewNATSPublisher(url, subject, logger)
}

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) PublishEntitlementChanged(ctx context.Context, ev EntitlementChanged) error {
	return nil
}

func (NopPublisher) Close() {}

// MemoryPublisher records events in memory for tests.
type MemoryPublisher struct {
	mu     sync.Mutex
	Events []EntitlementChanged
	Err    error
}

func (m *MemoryPublisher) PublishEntitlementChanged(ctx context.Context, ev EntitlementChanged) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Events = append(m.Events, ev)
	return nil
}

func (m *MemoryPublisher) Close() {}

// Last returns the most recent event, if any.
func (m *MemoryPublisher) Last() (EntitlementChanged, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Events) == 0 {
		return EntitlementChanged{}, false
	}
	return m.Events[len(m.Events)-1], true
}
