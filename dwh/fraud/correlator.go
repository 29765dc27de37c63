// Package fraud derives the fraud report by correlating transaction facts
// against the passport blacklist and the SCD2 dimensions.
//
// Unlike the generic load engines, the report joins are bound to the physical
// column names of the banking schema (card_num, account_num, client, ...);
// only the table identifiers and current-row profiles come from the mapping.
package fraud

import (
	"context"
	"fmt"
	"time"

	"github.com/makadata/bankdwh/dwh/mapping"
	"github.com/makadata/bankdwh/dwh/scd2"
	"github.com/makadata/bankdwh/lib/db"
	sqllib "github.com/makadata/bankdwh/lib/sql"
)

const (
	EventBlockedPassport  = "Blocked or expired passport"
	EventInactiveContract = "Inactive contract"
	EventDifferentCities  = "Operations in different cities within one hour"
	EventAmountGuessing   = "Amount guessing attempt"
)

type Result struct {
	BlockedPassport  int
	InactiveContract int
	DifferentCities  int
	AmountGuessing   int
	// Unresolved counts transactions whose card/account/client chain could not
	// be resolved as of the transaction date. Skipped, never fatal.
	Unresolved int
}

func (r Result) Reported() int {
	return r.BlockedPassport + r.InactiveContract + r.DifferentCities + r.AmountGuessing
}

type Correlator struct {
	transactions string
	blacklist    string
	report       string

	cards     dimension
	accounts  dimension
	clients   dimension
	terminals dimension
}

type dimension struct {
	table   string
	profile scd2.Profile
}

func NewCorrelator(resolver *mapping.Resolver) (*Correlator, error) {
	correlator := &Correlator{report: resolver.FraudTable()}

	for _, fact := range []struct {
		name   string
		target *string
	}{
		{"transactions", &correlator.transactions},
		{"blacklist", &correlator.blacklist},
	} {
		entity, err := resolver.Fact(fact.name)
		if err != nil {
			return nil, err
		}
		*fact.target = entity.TargetTable
	}

	for _, dim := range []struct {
		name   string
		target *dimension
	}{
		{"cards", &correlator.cards},
		{"accounts", &correlator.accounts},
		{"clients", &correlator.clients},
		{"terminals", &correlator.terminals},
	} {
		entity, err := resolver.Dimension(dim.name)
		if err != nil {
			return nil, err
		}

		profile, err := scd2.ProfileFor(entity.Profile)
		if err != nil {
			return nil, err
		}

		*dim.target = dimension{table: entity.TargetTable, profile: profile}
	}

	return correlator, nil
}

// asOf restricts alias to the version valid at the transaction date. This is
// the whole point of historizing the dimensions: a transaction is attributed
// to the identity the client had on that day, not the latest one.
func (d dimension) asOf(alias string) string {
	return fmt.Sprintf("t.trans_date >= %s.%s AND t.trans_date < %s.%s",
		alias, sqllib.QuoteIdentifier(scd2.EffectiveFromColumn),
		alias, sqllib.QuoteIdentifier(scd2.EffectiveToColumn))
}

func (d dimension) current(alias string) string {
	value := "FALSE"
	if d.profile.CurrentValue() {
		value = "TRUE"
	}
	return fmt.Sprintf("%s.%s = %s", alias, sqllib.QuoteIdentifier(d.profile.FlagColumn()), value)
}

// chain joins a transaction alias t through cards and accounts to clients,
// every hop resolved as of the transaction date.
func (c *Correlator) chain() string {
	return fmt.Sprintf(`JOIN %s c ON TRIM(t.card_num) = TRIM(c.card_num) AND %s
        JOIN %s a ON c.account_num = a.account_num AND %s
        JOIN %s cl ON a.client = cl.client_id AND %s`,
		sqllib.QuoteIdentifier(c.cards.table), c.cards.asOf("c"),
		sqllib.QuoteIdentifier(c.accounts.table), c.accounts.asOf("a"),
		sqllib.QuoteIdentifier(c.clients.table), c.clients.asOf("cl"),
	)
}

func (c *Correlator) insertHeader() string {
	return fmt.Sprintf("INSERT INTO %s (event_dt, passport, fio, phone, event_type, report_dt)", sqllib.QuoteIdentifier(c.report))
}

// notAlreadyReported keeps the rule inserts idempotent. A full-mode run
// re-reads all history, so a detection already present in the report must not
// produce a second row.
func (c *Correlator) notAlreadyReported(event, dateExpr, passportExpr string) string {
	return fmt.Sprintf("NOT EXISTS (SELECT 1 FROM %s r WHERE r.event_dt = %s AND r.passport = %s AND r.event_type = %s)",
		sqllib.QuoteIdentifier(c.report), dateExpr, passportExpr, sqllib.QuoteLiteral(event))
}

// Correlate runs every fraud rule over transactions newer than since and
// appends the detections to the report table. Report rows are derived and
// append-only; re-running with an advanced watermark produces no duplicates.
func (c *Correlator) Correlate(ctx context.Context, txn db.Queryer, since time.Time) (Result, error) {
	var result Result

	rules := []struct {
		name string
		run  func(context.Context, db.Queryer, time.Time) (int, error)
		out  *int
	}{
		{EventBlockedPassport, c.reportBlockedPassports, &result.BlockedPassport},
		{EventInactiveContract, c.reportInactiveContracts, &result.InactiveContract},
		{EventDifferentCities, c.reportDifferentCities, &result.DifferentCities},
		{EventAmountGuessing, c.reportAmountGuessing, &result.AmountGuessing},
	}

	for _, rule := range rules {
		count, err := rule.run(ctx, txn, since)
		if err != nil {
			return result, fmt.Errorf("fraud rule %q failed: %w", rule.name, err)
		}
		*rule.out = count
	}

	unresolved, err := c.countUnresolved(ctx, txn, since)
	if err != nil {
		return result, err
	}
	result.Unresolved = unresolved

	return result, nil
}

func (c *Correlator) reportBlockedPassports(ctx context.Context, txn db.Queryer, since time.Time) (int, error) {
	query := fmt.Sprintf(`%s
        SELECT t.trans_date,
            cl.passport_num,
            CONCAT(cl.last_name, ' ', cl.first_name, ' ', cl.patronymic),
            cl.phone,
            %s,
            CURRENT_DATE
        FROM %s t
        %s
        JOIN %s p ON cl.passport_num = p.passport_num
        WHERE (p.entry_dt <= t.trans_date OR cl.passport_valid_to <= t.trans_date)
        AND t.trans_date > $1
        AND %s`,
		c.insertHeader(),
		sqllib.QuoteLiteral(EventBlockedPassport),
		sqllib.QuoteIdentifier(c.transactions),
		c.chain(),
		sqllib.QuoteIdentifier(c.blacklist),
		c.notAlreadyReported(EventBlockedPassport, "t.trans_date", "cl.passport_num"),
	)

	return execCount(ctx, txn, query, since)
}

func (c *Correlator) reportInactiveContracts(ctx context.Context, txn db.Queryer, since time.Time) (int, error) {
	query := fmt.Sprintf(`%s
        SELECT t.trans_date,
            cl.passport_num,
            CONCAT(cl.last_name, ' ', cl.first_name, ' ', cl.patronymic),
            cl.phone,
            %s,
            CURRENT_DATE
        FROM %s t
        %s
        WHERE a.valid_to <= t.trans_date
        AND t.trans_date > $1
        AND %s`,
		c.insertHeader(),
		sqllib.QuoteLiteral(EventInactiveContract),
		sqllib.QuoteIdentifier(c.transactions),
		c.chain(),
		c.notAlreadyReported(EventInactiveContract, "t.trans_date", "cl.passport_num"),
	)

	return execCount(ctx, txn, query, since)
}

func (c *Correlator) reportDifferentCities(ctx context.Context, txn db.Queryer, since time.Time) (int, error) {
	query := fmt.Sprintf(`WITH resolved_transactions AS (
            SELECT t.trans_date,
                term.terminal_city,
                cl.passport_num,
                CONCAT(cl.last_name, ' ', cl.first_name, ' ', cl.patronymic) AS fio,
                cl.phone
            FROM %s t
            JOIN %s term ON t.terminal = term.terminal_id AND %s
            %s
        )
        %s
        SELECT DISTINCT t1.trans_date, t1.passport_num, t1.fio, t1.phone, %s, CURRENT_DATE
        FROM resolved_transactions t1
        JOIN resolved_transactions t2
            ON t1.passport_num = t2.passport_num
            AND t1.terminal_city != t2.terminal_city
            AND ABS(EXTRACT(EPOCH FROM t2.trans_date) - EXTRACT(EPOCH FROM t1.trans_date)) <= 3600
        WHERE t1.trans_date > $1
        AND %s`,
		sqllib.QuoteIdentifier(c.transactions),
		sqllib.QuoteIdentifier(c.terminals.table), c.terminals.current("term"),
		c.chain(),
		c.insertHeader(),
		sqllib.QuoteLiteral(EventDifferentCities),
		c.notAlreadyReported(EventDifferentCities, "t1.trans_date", "t1.passport_num"),
	)

	return execCount(ctx, txn, query, since)
}

// reportAmountGuessing flags runs of at least 4 operations on one card within
// 20 minutes with strictly decreasing amounts, at least 3 rejects, ending in
// a success.
func (c *Correlator) reportAmountGuessing(ctx context.Context, txn db.Queryer, since time.Time) (int, error) {
	query := fmt.Sprintf(`WITH RECURSIVE ordered_transactions AS (
            SELECT TRIM(t.card_num) AS card_num,
                t.trans_date,
                t.amount,
                t.oper_result,
                ROW_NUMBER() OVER (PARTITION BY TRIM(t.card_num) ORDER BY t.trans_date) AS rn
            FROM %s t
            WHERE t.trans_date > $1
        ),
        sequences AS (
            SELECT card_num, trans_date AS start_date, trans_date AS end_date, amount, oper_result, rn,
                1 AS sequence_length,
                CASE WHEN oper_result = 'REJECT' THEN 1 ELSE 0 END AS reject_count
            FROM ordered_transactions
            UNION ALL
            SELECT o.card_num, s.start_date, o.trans_date, o.amount, o.oper_result, o.rn,
                s.sequence_length + 1,
                s.reject_count + CASE WHEN o.oper_result = 'REJECT' THEN 1 ELSE 0 END
            FROM ordered_transactions o
            JOIN sequences s ON o.card_num = s.card_num AND o.rn = s.rn + 1
            WHERE o.trans_date - s.start_date <= INTERVAL '20 MINUTES'
                AND o.amount < s.amount
        ),
        guessed AS (
            SELECT DISTINCT card_num, end_date
            FROM sequences
            WHERE sequence_length >= 4
                AND reject_count >= 3
                AND oper_result = 'SUCCESS'
        )
        %s
        SELECT g.end_date,
            cl.passport_num,
            CONCAT(cl.last_name, ' ', cl.first_name, ' ', cl.patronymic),
            cl.phone,
            %s,
            CURRENT_DATE
        FROM guessed g
        JOIN %s t ON TRIM(t.card_num) = g.card_num AND t.trans_date = g.end_date
        %s
        WHERE %s`,
		sqllib.QuoteIdentifier(c.transactions),
		c.insertHeader(),
		sqllib.QuoteLiteral(EventAmountGuessing),
		sqllib.QuoteIdentifier(c.transactions),
		c.chain(),
		c.notAlreadyReported(EventAmountGuessing, "g.end_date", "cl.passport_num"),
	)

	return execCount(ctx, txn, query, since)
}

func (c *Correlator) countUnresolved(ctx context.Context, txn db.Queryer, since time.Time) (int, error) {
	query := fmt.Sprintf(`SELECT COUNT(*)
        FROM %s t
        WHERE t.trans_date > $1
        AND NOT EXISTS (
            SELECT 1
            FROM %s c
            JOIN %s a ON c.account_num = a.account_num AND %s
            JOIN %s cl ON a.client = cl.client_id AND %s
            WHERE TRIM(t.card_num) = TRIM(c.card_num) AND %s
        )`,
		sqllib.QuoteIdentifier(c.transactions),
		sqllib.QuoteIdentifier(c.cards.table),
		sqllib.QuoteIdentifier(c.accounts.table), c.accounts.asOf("a"),
		sqllib.QuoteIdentifier(c.clients.table), c.clients.asOf("cl"),
		c.cards.asOf("c"),
	)

	var unresolved int
	if err := txn.QueryRowContext(ctx, query, since).Scan(&unresolved); err != nil {
		return 0, fmt.Errorf("failed to count unresolved transactions: %w", err)
	}

	return unresolved, nil
}

func execCount(ctx context.Context, txn db.Queryer, query string, since time.Time) (int, error) {
	execResult, err := txn.ExecContext(ctx, query, since)
	if err != nil {
		return 0, err
	}

	affected, err := execResult.RowsAffected()
	if err != nil {
		return 0, err
	}

	return int(affected), nil
}
