// Package eventlog keeps an audit ledger of verified webhook deliveries in
// Postgres. The ledger is observational: deliveries are always reprocessed.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Outcome is the result of handling one delivery.
type Outcome string

const (
	OutcomeProcessed  Outcome = "processed"
	OutcomeIgnored    Outcome = "ignored"
	OutcomeUnresolved Outcome = "unresolved"
	OutcomeFailed     Outcome = "failed"
)

// ErrNotFound is returned by Get for unknown event ids.
var ErrNotFound = errors.New("delivery not found")

// Delivery is one row of the ledger.
type Delivery struct {
	EventID         string
	EventType       string
	Outcome         Outcome
	Error           string
	Attempts        int
	FirstReceivedAt time.Time
	LastReceivedAt  time.Time
}

// Ledger records webhook deliveries.
type Ledger interface {
	// Record upserts a delivery and returns how many times it has been seen.
	Record(ctx context.Context, eventID, eventType string, outcome Outcome, procErr error) (int, error)
	Get(ctx context.Context, eventID string) (*Delivery, error)
}

// DB is the subset of *pgxpool.Pool the ledger needs.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ DB = (*pgxpool.Pool)(nil)

// PostgresLedger stores deliveries in webhook_deliveries.
type PostgresLedger struct {
	db DB
}

func NewPostgresLedger(db DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

const recordSQL = `
INSERT INTO webhook_deliveries (event_id, event_type, outcome, error, attempts, first_received_at, last_received_at)
VALUES ($1, $2, $3, $4, 1, now(), now())
ON CONFLICT (event_id) DO UPDATE SET
    event_type = EXCLUDED.event_type,
    outcome = EXCLUDED.outcome,
    error = EXCLUDED.error,
    attempts = webhook_deliveries.attempts + 1,
    last_received_at = now()
RETURNING attempts`

func (l *PostgresLedger) Record(ctx context.Context, eventID, eventType string, outcome Outcome, procErr error) (int, error) {
	var errText *string
	if procErr != nil {
		s := procErr.Error()
		errText = &s
	}

	var attempts int
	if err := l.db.QueryRow(ctx, recordSQL, eventID, eventType, string(outcome), errText).Scan(&attempts); err != nil {
		return 0, fmt.Errorf("failed to record delivery %s: %w", eventID, err)
	}
	return attempts, nil
}

const getSQL = `
SELECT event_id, event_type, outcome, COALESCE(error, ''), attempts, first_received_at, last_received_at
FROM webhook_deliveries
WHERE event_id = $1`

func (l *PostgresLedger) Get(ctx context.Context, eventID string) (*Delivery, error) {
	var d Delivery
	var outcome string
	err := l.db.QueryRow(ctx, getSQL, eventID).Scan(
		&d.EventID,
		&d.EventType,
		&outcome,
		&d.Error,
		&d.Attempts,
		&d.FirstReceivedAt,
		&d.LastReceivedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("delivery %s: %w", eventID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get delivery %s: %w", eventID, err)
	}
	d.Outcome = Outcome(outcome)
	return &d, nil
}

// NopLedger is used when no database is configured.
type NopLedger struct{}

func (NopLedger) Record(ctx context.Context, eventID, eventType string, outcome Outcome, procErr error) (int, error) {
	return 0, nil
}

func (NopLedger) Get(ctx context.Context, eventID string) (*Delivery, error) {
	return nil, fmt.Errorf("delivery %s: %w", eventID, ErrNotFound)
}

// MemoryLedger is an in-process Ledger for tests.
type MemoryLedger struct {
	mu         sync.Mutex
	deliveries map[string]*Delivery
	Err        error
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{deliveries: make(map[string]*Delivery)}
}

func (m *MemoryLedger) Record(ctx context.Context, eventID, eventType string, outcome Outcome, procErr error) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}

	now := time.Now()
	d, ok := m.deliveries[eventID]
	if !ok {
		d = &Delivery{EventID: eventID, FirstReceivedAt: now}
		m.deliveries[eventID] = d
	}
	d.EventType = eventType
	d.Outcome = outcome
	d.Error = ""
	if procErr != nil {
		d.Error = procErr.Error()
	}
	d.Attempts++
	d.LastReceivedAt = now
	return d.Attempts, nil
}

func (m *MemoryLedger) Get(ctx context.Context, eventID string) (*Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[eventID]
	if !ok {
		return nil, fmt.Errorf("delivery %s: %w", eventID, ErrNotFound)
	}
	cp := *d
	return &cp, nil
}
