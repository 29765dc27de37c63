package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/makadata/bankdwh/lib/jitter"
	"github.com/makadata/bankdwh/lib/retry"
)

const (
	maxAttempts     = 3
	sleepIntervalMs = 500
)

// Queryer is satisfied by both the pooled Store and *sql.Tx, so every engine
// can run inside or outside an explicit transaction.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Store interface {
	Queryer
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	// Conn reserves a single connection out of the pool. Session-scoped state
	// (advisory locks) must live on such a connection; anything issued through
	// the pool lands on arbitrary sessions.
	Conn(ctx context.Context) (*sql.Conn, error)
}

type storeWrapper struct {
	*sql.DB
}

func (s *storeWrapper) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var result sql.Result
	var err error
	for attempts := 0; attempts < maxAttempts; attempts++ {
		result, err = s.DB.ExecContext(ctx, query, args...)
		if err == nil {
			break
		}

		if isRetryableError(err) {
			sleepDuration := jitter.Jitter(sleepIntervalMs, jitter.DefaultMaxMs, attempts)
			slog.Warn("Failed to execute the query, retrying...",
				slog.Any("err", err),
				slog.Duration("sleep", sleepDuration),
				slog.Int("attempts", attempts),
			)

			time.Sleep(sleepDuration)
			continue
		}

		break
	}
	return result, err
}

func Open(ctx context.Context, driverName, dsn string) (Store, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to start a SQL client for driver %q: %w", driverName, err)
	}

	// The warehouse may still be warming up when a scheduled run starts.
	retryCfg := retry.NewRetryConfig(retry.NewRetryConfigArgs{
		JitterBaseMs:   sleepIntervalMs,
		JitterMaxMs:    jitter.DefaultMaxMs,
		MaxAttempts:    maxAttempts,
		IsRetryableErr: isRetryableError,
	})
	if err = retryCfg.WithRetries(func(_ int, _ error) error {
		return db.PingContext(ctx)
	}); err != nil {
		return nil, fmt.Errorf("failed to validate the DB connection: %w", err)
	}

	return &storeWrapper{DB: db}, nil
}

// NewStoreWrapper is used by tests to wrap a mocked *sql.DB.
func NewStoreWrapper(db *sql.DB) Store {
	return &storeWrapper{DB: db}
}
