// Package run orders one coordinated load: ingest, dimension merges, fact
// loads, fraud correlation, watermark advances. Per-entity transactions keep
// one entity's failure from corrupting another's committed state.
package run

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/makadata/bankdwh/dwh/facts"
	"github.com/makadata/bankdwh/dwh/fraud"
	"github.com/makadata/bankdwh/dwh/ingest"
	"github.com/makadata/bankdwh/dwh/mapping"
	"github.com/makadata/bankdwh/dwh/scd2"
	"github.com/makadata/bankdwh/dwh/watermark"
	"github.com/makadata/bankdwh/lib/config"
	"github.com/makadata/bankdwh/lib/db"
)

type Coordinator struct {
	store      db.Store
	cfg        config.Config
	mode       config.RunMode
	resolver   *mapping.Resolver
	tracker    *watermark.Tracker
	correlator *fraud.Correlator
	ingestor   *ingest.Loader
}

func NewCoordinator(store db.Store, settings *config.Settings) (*Coordinator, error) {
	resolver, err := mapping.NewResolver(settings.Config)
	if err != nil {
		return nil, err
	}

	correlator, err := fraud.NewCorrelator(resolver)
	if err != nil {
		return nil, err
	}

	coordinator := &Coordinator{
		store:      store,
		cfg:        settings.Config,
		mode:       settings.Mode,
		resolver:   resolver,
		tracker:    watermark.NewTracker(store, settings.Config.Tables.Meta),
		correlator: correlator,
	}

	if settings.Config.Ingest != nil {
		coordinator.ingestor = ingest.NewLoader(store, resolver, *settings.Config.Ingest, settings.Config.Schema)
	}

	return coordinator, nil
}

// Run executes one coordinated load and reports every entity outcome. The
// returned error covers fatal pre-load conditions only (lock, ingest);
// per-entity failures live in the summary.
func (c *Coordinator) Run(ctx context.Context) (*Summary, error) {
	key := lockKey(c.cfg.Tables.Meta)

	// The advisory lock is session-scoped; hold it on one reserved connection
	// for the whole run so pool churn cannot end the owning session.
	lockConn, err := c.store.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve the lock connection: %w", err)
	}
	defer lockConn.Close()

	acquired, err := acquireRunLock(ctx, lockConn, key)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, fmt.Errorf("another run is still in progress, refusing to start")
	}
	defer func() {
		if err := releaseRunLock(context.WithoutCancel(ctx), lockConn, key); err != nil {
			slog.Warn("Failed to release the run lock", slog.Any("err", err))
		}
	}()

	summary := NewSummary(c.mode)

	if c.ingestor != nil {
		batches, err := ingest.DiscoverBatches(c.cfg.Ingest.DataDir, c.cfg.Ingest.Patterns)
		if err != nil {
			return nil, fmt.Errorf("failed to discover incoming extracts: %w", err)
		}

		for _, batch := range batches {
			slog.Info("Processing incoming batch", slog.Time("date", batch.Date), slog.Int("files", len(batch.Files)))
			if err = c.ingestor.LoadBatch(ctx, batch); err != nil {
				return nil, err
			}

			if err = c.processStaging(ctx, summary); err != nil {
				return nil, err
			}
		}

		if !summary.Failed() {
			if err = ingest.Archive(c.cfg.Ingest.ArchiveDir, batches); err != nil {
				return nil, err
			}
		}
	} else {
		if err = c.processStaging(ctx, summary); err != nil {
			return nil, err
		}
	}

	summary.FinishedAt = time.Now()
	return summary, nil
}

// processStaging loads whatever currently sits in the staging tables: all
// dimension merges first (concurrently, they touch disjoint tables), then the
// fact loads, then the fraud report which reads both.
func (c *Coordinator) processStaging(ctx context.Context, summary *Summary) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for _, entity := range c.resolver.Dimensions() {
		group.Go(func() error {
			summary.Record(c.mergeDimension(groupCtx, entity))
			return groupCtx.Err()
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	for _, entity := range c.resolver.Facts() {
		summary.Record(c.loadFact(ctx, entity))

		if err := ctx.Err(); err != nil {
			return err
		}
	}

	summary.Record(c.correlateFrauds(ctx))
	return ctx.Err()
}

func (c *Coordinator) mergeDimension(ctx context.Context, entity mapping.Entity) EntityOutcome {
	outcome := EntityOutcome{Entity: entity.Name, Kind: KindDimension}

	since, err := c.since(ctx, entity.StagingTable)
	if err != nil {
		outcome.Err = err
		return outcome
	}

	var result scd2.Result
	outcome.Err = c.withTransaction(ctx, func(txn *sql.Tx) error {
		var err error
		if result, err = scd2.Merge(ctx, txn, entity, since); err != nil {
			return err
		}
		return c.tracker.Advance(ctx, txn, entity.StagingTable, result.MaxSeen)
	})

	outcome.Inserted = result.Inserted
	outcome.Closed = result.Closed
	outcome.Unchanged = result.Unchanged
	outcome.Skipped = result.Skipped
	return outcome
}

func (c *Coordinator) loadFact(ctx context.Context, entity mapping.Entity) EntityOutcome {
	outcome := EntityOutcome{Entity: entity.Name, Kind: KindFact}

	since, err := c.since(ctx, entity.StagingTable)
	if err != nil {
		outcome.Err = err
		return outcome
	}

	var result facts.Result
	outcome.Err = c.withTransaction(ctx, func(txn *sql.Tx) error {
		var err error
		if result, err = facts.Load(ctx, txn, entity, since); err != nil {
			return err
		}
		return c.tracker.Advance(ctx, txn, entity.StagingTable, result.MaxSeen)
	})

	outcome.Inserted = result.Inserted
	outcome.Duplicates = result.Duplicates
	outcome.Skipped = result.Skipped
	return outcome
}

// correlateFrauds gates the report on its own watermark row (keyed by the
// report table) so a failed correlation is retried by the next run even after
// the fact watermark has advanced.
func (c *Coordinator) correlateFrauds(ctx context.Context) EntityOutcome {
	outcome := EntityOutcome{Entity: "fraud", Kind: KindFraud}

	since, err := c.since(ctx, c.resolver.FraudTable())
	if err != nil {
		outcome.Err = err
		return outcome
	}

	transactions, err := c.resolver.Fact("transactions")
	if err != nil {
		outcome.Err = err
		return outcome
	}

	// The report catches up to the committed transactions watermark.
	upTo, err := c.tracker.Get(ctx, transactions.StagingTable)
	if err != nil {
		outcome.Err = err
		return outcome
	}

	var result fraud.Result
	outcome.Err = c.withTransaction(ctx, func(txn *sql.Tx) error {
		var err error
		if result, err = c.correlator.Correlate(ctx, txn, since); err != nil {
			return err
		}
		return c.tracker.Advance(ctx, txn, c.resolver.FraudTable(), upTo)
	})

	outcome.Inserted = result.Reported()
	outcome.Skipped = result.Unresolved
	return outcome
}

func (c *Coordinator) since(ctx context.Context, table string) (time.Time, error) {
	if c.mode == config.Full {
		// Still touch the tracker so the row exists for the later advance.
		if _, err := c.tracker.Get(ctx, table); err != nil {
			return time.Time{}, err
		}
		return watermark.Epoch, nil
	}

	return c.tracker.Get(ctx, table)
}

func (c *Coordinator) withTransaction(ctx context.Context, fn func(txn *sql.Tx) error) error {
	txn, err := c.store.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin a transaction: %w", err)
	}

	timeout := fmt.Sprintf("SET LOCAL statement_timeout = %d", c.cfg.StatementTimeoutSeconds*1000)
	if _, err = txn.ExecContext(ctx, timeout); err != nil {
		_ = txn.Rollback()
		return fmt.Errorf("failed to set the statement timeout: %w", err)
	}

	if err = fn(txn); err != nil {
		_ = txn.Rollback()
		if db.IsStatementTimeout(err) {
			slog.Warn("Transaction hit the statement timeout, the next run will retry", slog.Any("err", err))
		}
		return err
	}

	return txn.Commit()
}
