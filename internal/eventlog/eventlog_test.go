package eventlog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRow struct {
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

type fakeDB struct {
	sql  string
	args []any
	row  fakeRow
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	f.sql = sql
	f.args = args
	return f.row
}

func TestPostgresLedger_Record(t *testing.T) {
	db := &fakeDB{row: fakeRow{scan: func(dest ...any) error {
		*(dest[0].(*int)) = 3
		return nil
	}}}
	l := NewPostgresLedger(db)

	attempts, err := l.Record(context.Background(), "evt_1", "invoice.payment_failed", OutcomeFailed, errors.New("store down"))
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Contains(t, db.sql, "ON CONFLICT (event_id)")
	require.Len(t, db.args, 4)
	assert.Equal(t, "evt_1", db.args[0])
	assert.Equal(t, "failed", db.args[2])
	require.NotNil(t, db.args[3])
	assert.Equal(t, "store down", *(db.args[3].(*string)))
}

func TestPostgresLedger_RecordWithoutError(t *testing.T) {
	db := &fakeDB{row: fakeRow{scan: func(dest ...any) error {
		*(dest[0].(*int)) = 1
		return nil
	}}}
	_, err := NewPostgresLedger(db).Record(context.Background(), "evt_2", "customer.subscription.updated", OutcomeProcessed, nil)
	require.NoError(t, err)
	assert.Nil(t, db.args[3].(*string))
}

func TestPostgresLedger_GetMissing(t *testing.T) {
	db := &fakeDB{row: fakeRow{scan: func(dest ...any) error { return pgx.ErrNoRows }}}
	_, err := NewPostgresLedger(db).Get(context.Background(), "evt_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresLedger_Get(t *testing.T) {
	first := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	db := &fakeDB{row: fakeRow{scan: func(dest ...any) error {
		*(dest[0].(*string)) = "evt_1"
		*(dest[1].(*string)) = "checkout.session.completed"
		*(dest[2].(*string)) = "unresolved"
		*(dest[3].(*string)) = ""
		*(dest[4].(*int)) = 2
		*(dest[5].(*time.Time)) = first
		*(dest[6].(*time.Time)) = first.Add(time.Minute)
		return nil
	}}}

	d, err := NewPostgresLedger(db).Get(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnresolved, d.Outcome)
	assert.Equal(t, 2, d.Attempts)
	assert.Equal(t, first, d.FirstReceivedAt)
}

func TestMemoryLedger_Redelivery(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	n, err := l.Record(ctx, "evt_1", "customer.subscription.updated", OutcomeFailed, errors.New("boom"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = l.Record(ctx, "evt_1", "customer.subscription.updated", OutcomeProcessed, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	d, err := l.Get(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, d.Outcome)
	assert.Empty(t, d.Error)
	assert.Equal(t, 2, d.Attempts)

	_, err = NopLedger{}.Get(ctx, "evt_1")
	assert.ErrorIs(t, err, ErrNotFound)
}
