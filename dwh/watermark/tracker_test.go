package watermark

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/makadata/bankdwh/dwh"
	"github.com/makadata/bankdwh/lib/db"
)

const (
	initQuery    = `INSERT INTO "meta_loads" (table_name, max_update_dt) VALUES ($1, $2) ON CONFLICT (table_name) DO NOTHING`
	readQuery    = `SELECT max_update_dt FROM "meta_loads" WHERE table_name = $1`
	lockQuery    = `SELECT max_update_dt FROM "meta_loads" WHERE table_name = $1 FOR UPDATE`
	advanceQuery = `UPDATE "meta_loads" SET max_update_dt = $1 WHERE table_name = $2`
	createQuery  = `INSERT INTO "meta_loads" (table_name, max_update_dt) VALUES ($1, $2)`
)

func newTracker(t *testing.T) (*Tracker, db.Store, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	assert.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	store := db.NewStoreWrapper(mockDB)
	return NewTracker(store, "meta_loads"), store, mock
}

func TestTracker_Get(t *testing.T) {
	tracker, _, mock := newTracker(t)

	{
		// First sight lazily creates the row with the epoch sentinel.
		mock.ExpectExec(regexp.QuoteMeta(initQuery)).
			WithArgs("stg_clients", Epoch).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(regexp.QuoteMeta(readQuery)).
			WithArgs("stg_clients").
			WillReturnRows(sqlmock.NewRows([]string{"max_update_dt"}).AddRow(Epoch))

		value, err := tracker.Get(context.Background(), "stg_clients")
		assert.NoError(t, err)
		assert.Equal(t, Epoch, value)
	}
	{
		// Existing row wins over the sentinel.
		stored := time.Date(2021, time.March, 5, 0, 0, 0, 0, time.UTC)
		mock.ExpectExec(regexp.QuoteMeta(initQuery)).
			WithArgs("stg_clients", Epoch).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta(readQuery)).
			WithArgs("stg_clients").
			WillReturnRows(sqlmock.NewRows([]string{"max_update_dt"}).AddRow(stored))

		value, err := tracker.Get(context.Background(), "stg_clients")
		assert.NoError(t, err)
		assert.Equal(t, stored, value)
	}

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTracker_Advance(t *testing.T) {
	current := time.Date(2021, time.March, 5, 0, 0, 0, 0, time.UTC)
	newMax := time.Date(2021, time.March, 9, 0, 0, 0, 0, time.UTC)

	{
		// Strictly greater advances.
		tracker, store, mock := newTracker(t)
		mock.ExpectQuery(regexp.QuoteMeta(lockQuery)).
			WithArgs("stg_clients").
			WillReturnRows(sqlmock.NewRows([]string{"max_update_dt"}).AddRow(current))
		mock.ExpectExec(regexp.QuoteMeta(advanceQuery)).
			WithArgs(newMax, "stg_clients").
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, tracker.Advance(context.Background(), store, "stg_clients", newMax))
		assert.NoError(t, mock.ExpectationsWereMet())
	}
	{
		// Equal value is a no-op.
		tracker, store, mock := newTracker(t)
		mock.ExpectQuery(regexp.QuoteMeta(lockQuery)).
			WithArgs("stg_clients").
			WillReturnRows(sqlmock.NewRows([]string{"max_update_dt"}).AddRow(current))

		assert.NoError(t, tracker.Advance(context.Background(), store, "stg_clients", current))
		assert.NoError(t, mock.ExpectationsWereMet())
	}
	{
		// Regression is a consistency error, never a silent skip.
		tracker, store, mock := newTracker(t)
		mock.ExpectQuery(regexp.QuoteMeta(lockQuery)).
			WithArgs("stg_clients").
			WillReturnRows(sqlmock.NewRows([]string{"max_update_dt"}).AddRow(newMax))

		err := tracker.Advance(context.Background(), store, "stg_clients", current)
		assert.ErrorAs(t, err, &dwh.ConsistencyError{})
		assert.ErrorContains(t, err, "watermark would move backward")
		assert.NoError(t, mock.ExpectationsWereMet())
	}
	{
		// Missing row is created with the new value.
		tracker, store, mock := newTracker(t)
		mock.ExpectQuery(regexp.QuoteMeta(lockQuery)).
			WithArgs("stg_clients").
			WillReturnRows(sqlmock.NewRows([]string{"max_update_dt"}))
		mock.ExpectExec(regexp.QuoteMeta(createQuery)).
			WithArgs("stg_clients", newMax).
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, tracker.Advance(context.Background(), store, "stg_clients", newMax))
		assert.NoError(t, mock.ExpectationsWereMet())
	}
}
