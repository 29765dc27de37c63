// Package watermark owns the metadata table recording, per staging table, the
// maximum already processed watermark value.
package watermark

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/makadata/bankdwh/dwh"
	"github.com/makadata/bankdwh/lib/db"
	sqllib "github.com/makadata/bankdwh/lib/sql"
)

// Epoch is the sentinel stored for tables that have never been processed.
var Epoch = time.Date(1900, time.January, 1, 0, 0, 0, 0, time.UTC)

type Tracker struct {
	store     db.Store
	metaTable string
}

func NewTracker(store db.Store, metaTable string) *Tracker {
	return &Tracker{store: store, metaTable: metaTable}
}

// Get returns the stored watermark for tableName, lazily creating the row
// with the epoch sentinel on first sight.
func (t *Tracker) Get(ctx context.Context, tableName string) (time.Time, error) {
	insertQuery := fmt.Sprintf(
		"INSERT INTO %s (table_name, max_update_dt) VALUES ($1, $2) ON CONFLICT (table_name) DO NOTHING",
		sqllib.QuoteIdentifier(t.metaTable),
	)
	if _, err := t.store.ExecContext(ctx, insertQuery, tableName, Epoch); err != nil {
		return time.Time{}, fmt.Errorf("failed to initialize watermark for %q: %w", tableName, err)
	}

	selectQuery := fmt.Sprintf(
		"SELECT max_update_dt FROM %s WHERE table_name = $1",
		sqllib.QuoteIdentifier(t.metaTable),
	)

	var watermark time.Time
	if err := t.store.QueryRowContext(ctx, selectQuery, tableName).Scan(&watermark); err != nil {
		return time.Time{}, fmt.Errorf("failed to read watermark for %q: %w", tableName, err)
	}

	return watermark, nil
}

// Advance moves the watermark forward inside the caller's transaction so the
// data mutation and the watermark update commit atomically. A regression is a
// ConsistencyError: it indicates a clock or extraction bug upstream, never
// something to paper over. Advancing to the current value is a no-op.
func (t *Tracker) Advance(ctx context.Context, txn db.Queryer, tableName string, newMax time.Time) error {
	selectQuery := fmt.Sprintf(
		"SELECT max_update_dt FROM %s WHERE table_name = $1 FOR UPDATE",
		sqllib.QuoteIdentifier(t.metaTable),
	)

	var current time.Time
	err := txn.QueryRowContext(ctx, selectQuery, tableName).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		insertQuery := fmt.Sprintf(
			"INSERT INTO %s (table_name, max_update_dt) VALUES ($1, $2)",
			sqllib.QuoteIdentifier(t.metaTable),
		)
		if _, err = txn.ExecContext(ctx, insertQuery, tableName, newMax); err != nil {
			return fmt.Errorf("failed to create watermark for %q: %w", tableName, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("failed to lock watermark for %q: %w", tableName, err)
	}

	if newMax.Before(current) {
		return dwh.ConsistencyError{
			Table:   tableName,
			Message: fmt.Sprintf("watermark would move backward from %s to %s", current.Format(time.DateTime), newMax.Format(time.DateTime)),
		}
	}

	if newMax.Equal(current) {
		return nil
	}

	updateQuery := fmt.Sprintf(
		"UPDATE %s SET max_update_dt = $1 WHERE table_name = $2",
		sqllib.QuoteIdentifier(t.metaTable),
	)
	if _, err = txn.ExecContext(ctx, updateQuery, newMax, tableName); err != nil {
		return fmt.Errorf("failed to advance watermark for %q: %w", tableName, err)
	}

	return nil
}
