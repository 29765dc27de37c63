package run

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
)

// lockKey derives a stable advisory lock key from the metadata table name, so
// two deployments sharing a database but not a metadata table do not contend.
func lockKey(metaTable string) int64 {
	hash := fnv.New64a()
	hash.Write([]byte("bankdwh:" + metaTable))
	return int64(hash.Sum64())
}

// acquireRunLock refuses the run when a prior run is still in progress.
// Advisory locks are bound to the Postgres session, so the lock lives on a
// reserved connection: the caller must hold conn for the whole run and release
// on that same conn. Pool churn on an unpinned connection would close the
// session and silently drop the lock mid-run.
func acquireRunLock(ctx context.Context, conn *sql.Conn, key int64) (bool, error) {
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&acquired); err != nil {
		return false, fmt.Errorf("failed to acquire the run lock: %w", err)
	}
	return acquired, nil
}

func releaseRunLock(ctx context.Context, conn *sql.Conn, key int64) error {
	var released bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", key).Scan(&released); err != nil {
		return fmt.Errorf("failed to release the run lock: %w", err)
	}
	if !released {
		return fmt.Errorf("run lock %d was not held", key)
	}
	return nil
}
