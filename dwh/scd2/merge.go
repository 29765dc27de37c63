// Package scd2 historizes staging rows into type-2 slowly changing dimensions
// using the configured key, mapping and watermark columns.
package scd2

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/makadata/bankdwh/dwh"
	"github.com/makadata/bankdwh/dwh/mapping"
	"github.com/makadata/bankdwh/lib/db"
	sqllib "github.com/makadata/bankdwh/lib/sql"
)

type Result struct {
	Inserted  int
	Closed    int
	Unchanged int
	Skipped   int
	// MaxSeen is the maximum watermark value observed, or the prior watermark
	// if no staging row matched.
	MaxSeen time.Time
}

type stagingRow struct {
	key        string
	watermark  time.Time
	attributes []any
}

// Merge historizes every staging row of entity newer than since. Rows are
// processed in (date_col, stg_pk) order so several updates to one key within a
// run each produce their own version. Runs inside the caller's transaction.
func Merge(ctx context.Context, txn db.Queryer, entity mapping.Entity, since time.Time) (Result, error) {
	result := Result{MaxSeen: since}

	if len(entity.Columns) == 0 {
		return result, dwh.MergeError{Entity: entity.Name, Message: "mapped attribute set is empty"}
	}

	if !slices.Contains(entity.TargetColumns(), entity.TargetPK) {
		return result, dwh.MergeError{Entity: entity.Name, Message: fmt.Sprintf("mapping does not carry the dimension key %q", entity.TargetPK)}
	}

	profile, err := ProfileFor(entity.Profile)
	if err != nil {
		return result, err
	}

	rows, err := fetchStagingRows(ctx, txn, entity, since, &result)
	if err != nil {
		return result, err
	}

	for _, row := range rows {
		if err = mergeRow(ctx, txn, entity, profile, row, &result); err != nil {
			return result, err
		}

		if row.watermark.After(result.MaxSeen) {
			result.MaxSeen = row.watermark
		}
	}

	return result, nil
}

func fetchStagingRows(ctx context.Context, txn db.Queryer, entity mapping.Entity, since time.Time, result *Result) ([]stagingRow, error) {
	selectQuery := fmt.Sprintf(
		"SELECT %s, %s, %s FROM %s WHERE %s > $1 ORDER BY %s, %s",
		sqllib.QuoteIdentifier(entity.StagingPK),
		sqllib.QuoteIdentifier(entity.DateColumn),
		strings.Join(sqllib.QuoteIdentifiers(entity.StagingColumns()), ", "),
		sqllib.QuoteIdentifier(entity.StagingTable),
		sqllib.QuoteIdentifier(entity.DateColumn),
		sqllib.QuoteIdentifier(entity.DateColumn),
		sqllib.QuoteIdentifier(entity.StagingPK),
	)

	rows, err := txn.QueryContext(ctx, selectQuery, since)
	if err != nil {
		return nil, fmt.Errorf("failed to read staging rows for %q: %w", entity.Name, err)
	}
	defer rows.Close()

	// Rows are drained before mutating so the transaction's connection is free.
	var stagingRows []stagingRow
	for rows.Next() {
		var key sql.NullString
		var watermark sql.NullTime
		attributes := make([]any, len(entity.Columns))
		scanTargets := make([]any, 0, len(entity.Columns)+2)
		scanTargets = append(scanTargets, &key, &watermark)
		for idx := range attributes {
			scanTargets = append(scanTargets, &attributes[idx])
		}

		if err = rows.Scan(scanTargets...); err != nil {
			return nil, fmt.Errorf("failed to scan staging row for %q: %w", entity.Name, err)
		}

		if !key.Valid || !watermark.Valid {
			mergeErr := dwh.MergeError{Entity: entity.Name, Message: "staging row has a null key or watermark"}
			slog.Warn("Skipping staging row", slog.Any("err", mergeErr))
			result.Skipped++
			continue
		}

		stagingRows = append(stagingRows, stagingRow{key: key.String, watermark: watermark.Time, attributes: attributes})
	}

	return stagingRows, rows.Err()
}

func mergeRow(ctx context.Context, txn db.Queryer, entity mapping.Entity, profile Profile, row stagingRow, result *Result) error {
	dimTable := sqllib.QuoteIdentifier(entity.TargetTable)
	dimPK := sqllib.QuoteIdentifier(entity.TargetPK)
	flagColumn := sqllib.QuoteIdentifier(profile.FlagColumn())

	countQuery := fmt.Sprintf(
		"SELECT COUNT(*) FROM %s WHERE %s = $1 AND %s = $2",
		dimTable, dimPK, flagColumn,
	)

	var currentCount int
	if err := txn.QueryRowContext(ctx, countQuery, row.key, profile.CurrentValue()).Scan(&currentCount); err != nil {
		return fmt.Errorf("failed to look up the current version for %q: %w", entity.Name, err)
	}

	if currentCount > 1 {
		return dwh.ConsistencyError{
			Table:   entity.TargetTable,
			Message: fmt.Sprintf("%d rows are flagged current for key %q", currentCount, row.key),
		}
	}

	if currentCount == 1 {
		closed, err := closeChangedVersion(ctx, txn, entity, profile, row)
		if err != nil {
			return err
		}

		if !closed {
			result.Unchanged++
			return nil
		}

		result.Closed++
	}

	if err := insertVersion(ctx, txn, entity, profile, row); err != nil {
		return err
	}

	result.Inserted++
	return nil
}

// closeChangedVersion closes the current version when at least one mapped
// attribute differs. Zero rows affected means the attributes are unchanged.
func closeChangedVersion(ctx context.Context, txn db.Queryer, entity mapping.Entity, profile Profile, row stagingRow) (bool, error) {
	var differParts []string
	for idx, target := range entity.TargetColumns() {
		differParts = append(differParts, fmt.Sprintf("%s IS DISTINCT FROM $%d", sqllib.QuoteIdentifier(target), idx+5))
	}

	closeQuery := fmt.Sprintf(
		"UPDATE %s SET %s = $1, %s = $2 WHERE %s = $3 AND %s = $4 AND (%s)",
		sqllib.QuoteIdentifier(entity.TargetTable),
		sqllib.QuoteIdentifier(EffectiveToColumn),
		sqllib.QuoteIdentifier(profile.FlagColumn()),
		sqllib.QuoteIdentifier(entity.TargetPK),
		sqllib.QuoteIdentifier(profile.FlagColumn()),
		strings.Join(differParts, " OR "),
	)

	args := append([]any{row.watermark, profile.ClosedValue(), row.key, profile.CurrentValue()}, row.attributes...)
	execResult, err := txn.ExecContext(ctx, closeQuery, args...)
	if err != nil {
		return false, fmt.Errorf("failed to close the current version for %q: %w", entity.Name, err)
	}

	affected, err := execResult.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected for %q: %w", entity.Name, err)
	}

	return affected == 1, nil
}

func insertVersion(ctx context.Context, txn db.Queryer, entity mapping.Entity, profile Profile, row stagingRow) error {
	targetColumns := append(
		sqllib.QuoteIdentifiers(entity.TargetColumns()),
		sqllib.QuoteIdentifier(EffectiveFromColumn),
		sqllib.QuoteIdentifier(EffectiveToColumn),
		sqllib.QuoteIdentifier(profile.FlagColumn()),
	)

	insertQuery := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		sqllib.QuoteIdentifier(entity.TargetTable),
		strings.Join(targetColumns, ", "),
		sqllib.Placeholders(1, len(targetColumns)),
	)

	args := append(slices.Clone(row.attributes), row.watermark, OpenSentinel, profile.CurrentValue())
	if _, err := txn.ExecContext(ctx, insertQuery, args...); err != nil {
		return fmt.Errorf("failed to insert a new version for %q: %w", entity.Name, err)
	}

	return nil
}
