// Package facts performs the append-only incremental copy from staging into
// fact tables. Fact rows are immutable events: never updated, never deleted.
package facts

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
	Inserted   int
	Duplicates int
	Skipped    int
	MaxSeen    time.Time
}

// Load copies staging rows newer than since into the fact table. A primary
// key collision means re-delivery of a write-once event: the row is reported
// as a DuplicateKeyError and skipped, and the watermark still advances over it
// so the next run does not re-surface it.
func Load(ctx context.Context, txn db.Queryer, entity mapping.Entity, since time.Time) (Result, error) {
	result := Result{MaxSeen: since}

	if len(entity.Columns) == 0 {
		return result, dwh.MergeError{Entity: entity.Name, Message: "mapped attribute set is empty"}
	}

	// The conflict target must be an inserted column, so the mapping has to
	// carry the fact key.
	if !slices.Contains(entity.TargetColumns(), entity.TargetPK) {
		return result, dwh.MergeError{Entity: entity.Name, Message: fmt.Sprintf("mapping does not carry the fact key %q", entity.TargetPK)}
	}

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
		return result, fmt.Errorf("failed to read staging rows for %q: %w", entity.Name, err)
	}
	defer rows.Close()

	type factRow struct {
		key        string
		watermark  time.Time
		attributes []any
	}

	var factRows []factRow
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
			return result, fmt.Errorf("failed to scan staging row for %q: %w", entity.Name, err)
		}

		if !key.Valid || !watermark.Valid {
			slog.Warn("Skipping fact row with a null key or watermark", slog.String("entity", entity.Name))
			result.Skipped++
			continue
		}

		factRows = append(factRows, factRow{key: key.String, watermark: watermark.Time, attributes: attributes})
	}

	if err = rows.Err(); err != nil {
		return result, err
	}

	// ON CONFLICT DO NOTHING keeps the transaction alive on re-delivery; zero
	// rows affected is the duplicate signal.
	insertQuery := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING",
		sqllib.QuoteIdentifier(entity.TargetTable),
		strings.Join(sqllib.QuoteIdentifiers(entity.TargetColumns()), ", "),
		sqllib.Placeholders(1, len(entity.Columns)),
		sqllib.QuoteIdentifier(entity.TargetPK),
	)

	for _, row := range factRows {
		execResult, err := txn.ExecContext(ctx, insertQuery, row.attributes...)
		if err != nil {
			return result, fmt.Errorf("failed to insert fact row for %q: %w", entity.Name, err)
		}

		affected, err := execResult.RowsAffected()
		if err != nil {
			return result, fmt.Errorf("failed to read rows affected for %q: %w", entity.Name, err)
		}

		if affected == 0 {
			dupErr := dwh.DuplicateKeyError{Entity: entity.Name, Key: row.key}
			slog.Warn("Fact row was already delivered", slog.Any("err", dupErr))
			result.Duplicates++
		} else {
			result.Inserted++
		}

		if row.watermark.After(result.MaxSeen) {
			result.MaxSeen = row.watermark
		}
	}

	return result, nil
}
