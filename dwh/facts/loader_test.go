package facts

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/makadata/bankdwh/dwh"
	"github.com/makadata/bankdwh/dwh/mapping"
)

const (
	stagingQuery = `SELECT "trans_id", "trans_date", "amount", "trans_id" FROM "stg_transactions" WHERE "trans_date" > $1 ORDER BY "trans_date", "trans_id"`
	insertQuery  = `INSERT INTO "fact_transactions" ("amount", "trans_id") VALUES ($1, $2) ON CONFLICT ("trans_id") DO NOTHING`
)

func transactionsEntity() mapping.Entity {
	return mapping.Entity{
		Name:         "transactions",
		StagingTable: "stg_transactions",
		TargetTable:  "fact_transactions",
		StagingPK:    "trans_id",
		TargetPK:     "trans_id",
		DateColumn:   "trans_date",
		Columns: []mapping.ColumnPair{
			{Staging: "amount", Target: "amount"},
			{Staging: "trans_id", Target: "trans_id"},
		},
	}
}

func TestLoad(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer mockDB.Close()

	ts1 := time.Date(2021, time.March, 1, 10, 30, 0, 0, time.UTC)
	ts2 := time.Date(2021, time.March, 1, 11, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(stagingQuery)).
		WithArgs(time.Time{}).
		WillReturnRows(sqlmock.NewRows([]string{"trans_id", "trans_date", "amount", "trans_id"}).
			AddRow("T1", ts1, "100.50", "T1").
			AddRow("T2", ts2, "42.00", "T2"))
	mock.ExpectExec(regexp.QuoteMeta(insertQuery)).
		WithArgs("100.50", "T1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(insertQuery)).
		WithArgs("42.00", "T2").
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := Load(context.Background(), mockDB, transactionsEntity(), time.Time{})
	assert.NoError(t, err)
	assert.Equal(t, 2, result.Inserted)
	assert.Equal(t, 0, result.Duplicates)
	assert.Equal(t, ts2, result.MaxSeen)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// A key collision is re-delivery of a write-once event. The run keeps going
// and the watermark still covers the duplicate row.
func TestLoad_DuplicateAdvancesWatermark(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer mockDB.Close()

	ts1 := time.Date(2021, time.March, 1, 10, 30, 0, 0, time.UTC)
	ts2 := time.Date(2021, time.March, 2, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(stagingQuery)).
		WithArgs(time.Time{}).
		WillReturnRows(sqlmock.NewRows([]string{"trans_id", "trans_date", "amount", "trans_id"}).
			AddRow("T1", ts1, "100.50", "T1").
			AddRow("T1", ts2, "100.50", "T1"))
	mock.ExpectExec(regexp.QuoteMeta(insertQuery)).
		WithArgs("100.50", "T1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(insertQuery)).
		WithArgs("100.50", "T1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	result, err := Load(context.Background(), mockDB, transactionsEntity(), time.Time{})
	assert.NoError(t, err)
	assert.Equal(t, 1, result.Inserted)
	assert.Equal(t, 1, result.Duplicates)
	assert.Equal(t, ts2, result.MaxSeen)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoad_NullKeyIsSkipped(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer mockDB.Close()

	ts1 := time.Date(2021, time.March, 1, 10, 30, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(stagingQuery)).
		WithArgs(time.Time{}).
		WillReturnRows(sqlmock.NewRows([]string{"trans_id", "trans_date", "amount", "trans_id"}).
			AddRow(nil, ts1, "13.37", nil))

	result, err := Load(context.Background(), mockDB, transactionsEntity(), time.Time{})
	assert.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 0, result.Inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoad_BadMappings(t *testing.T) {
	mockDB, _, err := sqlmock.New()
	assert.NoError(t, err)
	defer mockDB.Close()

	{
		// Empty attribute set
		entity := transactionsEntity()
		entity.Columns = nil

		_, err = Load(context.Background(), mockDB, entity, time.Time{})
		assert.ErrorAs(t, err, &dwh.MergeError{})
		assert.ErrorContains(t, err, "mapped attribute set is empty")
	}
	{
		// Mapping does not carry the conflict target
		entity := transactionsEntity()
		entity.Columns = []mapping.ColumnPair{{Staging: "amount", Target: "amount"}}

		_, err = Load(context.Background(), mockDB, entity, time.Time{})
		assert.ErrorAs(t, err, &dwh.MergeError{})
		assert.ErrorContains(t, err, `does not carry the fact key "trans_id"`)
	}
}
