package fraud

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/makadata/bankdwh/dwh/mapping"
	"github.com/makadata/bankdwh/lib/config"
)

func fraudConfig() config.Config {
	cfg := config.Config{
		SCD2: map[string]config.SCD2Entity{
			"cards":     {StagingPK: "card_num", DimensionPK: "card_num", DateColumn: "update_dt", Mapping: map[string]string{"card_num": "card_num"}},
			"accounts":  {StagingPK: "account_num", DimensionPK: "account_num", DateColumn: "update_dt", Mapping: map[string]string{"account_num": "account_num"}},
			"clients":   {StagingPK: "client_id", DimensionPK: "client_id", DateColumn: "update_dt", Mapping: map[string]string{"client_id": "client_id"}},
			"terminals": {StagingPK: "terminal_id", DimensionPK: "terminal_id", DateColumn: "date", Mapping: map[string]string{"terminal_id": "terminal_id"}},
		},
		Facts: map[string]config.FactEntity{
			"transactions": {StagingPK: "trans_id", FactPK: "trans_id", DateColumn: "trans_date", Mapping: map[string]string{"trans_id": "trans_id"}},
			"blacklist":    {StagingPK: "passport_num", FactPK: "passport_num", DateColumn: "entry_dt", Mapping: map[string]string{"passport_num": "passport_num"}},
		},
	}
	cfg.Tables.Staging = map[string]string{
		"cards": "stg_cards", "accounts": "stg_accounts", "clients": "stg_clients",
		"terminals": "stg_terminals", "transactions": "stg_transactions", "blacklist": "stg_blacklist",
	}
	cfg.Tables.Dimensions = map[string]string{
		"cards": "dim_cards_hist", "accounts": "dim_accounts_hist",
		"clients": "dim_clients_hist", "terminals": "dim_terminals_hist",
	}
	cfg.Tables.Facts = map[string]string{
		"transactions": "fact_transactions", "blacklist": "fact_passport_blacklist",
	}
	cfg.Tables.Report.Fraud = "rep_fraud"
	cfg.Tables.Meta = "meta_loads"
	return cfg
}

func newCorrelator(t *testing.T) *Correlator {
	t.Helper()
	resolver, err := mapping.NewResolver(fraudConfig())
	assert.NoError(t, err)

	correlator, err := NewCorrelator(resolver)
	assert.NoError(t, err)
	return correlator
}

func TestCorrelate(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer mockDB.Close()

	since := time.Date(2021, time.March, 1, 0, 0, 0, 0, time.UTC)

	// One insert per rule, in declaration order, then the unresolved count.
	// Every rule insert carries the already-reported guard so full-mode reruns
	// over old transactions cannot duplicate report rows.
	mock.ExpectExec(`(?s)INSERT INTO "rep_fraud".*'Blocked or expired passport'.*JOIN "fact_passport_blacklist" p.*NOT EXISTS \(SELECT 1 FROM "rep_fraud" r WHERE r\.event_dt = t\.trans_date AND r\.passport = cl\.passport_num`).
		WithArgs(since).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`(?s)INSERT INTO "rep_fraud".*'Inactive contract'.*a\.valid_to <= t\.trans_date.*NOT EXISTS \(SELECT 1 FROM "rep_fraud" r`).
		WithArgs(since).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`(?s)WITH resolved_transactions.*'Operations in different cities within one hour'.*NOT EXISTS \(SELECT 1 FROM "rep_fraud" r WHERE r\.event_dt = t1\.trans_date AND r\.passport = t1\.passport_num`).
		WithArgs(since).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(`(?s)WITH RECURSIVE ordered_transactions.*'Amount guessing attempt'.*NOT EXISTS \(SELECT 1 FROM "rep_fraud" r WHERE r\.event_dt = g\.end_date AND r\.passport = cl\.passport_num`).
		WithArgs(since).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`(?s)SELECT COUNT\(\*\).*NOT EXISTS`).
		WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	result, err := newCorrelator(t).Correlate(context.Background(), mockDB, since)
	assert.NoError(t, err)
	assert.Equal(t, Result{
		BlockedPassport:  2,
		InactiveContract: 1,
		DifferentCities:  3,
		AmountGuessing:   1,
		Unresolved:       4,
	}, result)
	assert.Equal(t, 7, result.Reported())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCorrelate_RuleFailureStopsTheRun(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer mockDB.Close()

	since := time.Date(2021, time.March, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(`(?s)INSERT INTO "rep_fraud".*'Blocked or expired passport'`).
		WithArgs(since).
		WillReturnError(assert.AnError)

	_, err = newCorrelator(t).Correlate(context.Background(), mockDB, since)
	assert.ErrorContains(t, err, `fraud rule "Blocked or expired passport" failed`)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewCorrelator_MissingDimension(t *testing.T) {
	cfg := fraudConfig()
	delete(cfg.SCD2, "terminals")
	delete(cfg.Tables.Dimensions, "terminals")

	resolver, err := mapping.NewResolver(cfg)
	assert.NoError(t, err)

	_, err = NewCorrelator(resolver)
	assert.ErrorContains(t, err, `no scd2 mapping for entity "terminals"`)
}

func TestDimensionPredicates(t *testing.T) {
	correlator := newCorrelator(t)

	assert.Equal(t,
		`t.trans_date >= c."effective_from" AND t.trans_date < c."effective_to"`,
		correlator.cards.asOf("c"))
	// Default profile marks current rows with deleted_flg = FALSE.
	assert.Equal(t, `term."deleted_flg" = FALSE`, correlator.terminals.current("term"))
}
