package ingest

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/makadata/bankdwh/dwh/mapping"
	"github.com/makadata/bankdwh/lib/config"
	"github.com/makadata/bankdwh/lib/db"
	sqllib "github.com/makadata/bankdwh/lib/sql"
)

type Loader struct {
	store    db.Store
	resolver *mapping.Resolver
	cfg      config.Ingest
	schema   map[string][]string
}

func NewLoader(store db.Store, resolver *mapping.Resolver, cfg config.Ingest, schema map[string][]string) *Loader {
	if cfg.CSVSeparator == "" {
		cfg.CSVSeparator = ";"
	}
	return &Loader{store: store, resolver: resolver, cfg: cfg, schema: schema}
}

// LoadBatch replaces the staging content for every file in the batch. The
// staging tables are landing areas, truncated before each load; history lives
// in the dimensions, not here.
func (l *Loader) LoadBatch(ctx context.Context, batch Batch) error {
	for _, file := range batch.Files {
		if err := l.loadFile(ctx, file); err != nil {
			return fmt.Errorf("failed to load %q: %w", file.Path, err)
		}
	}

	return nil
}

func (l *Loader) loadFile(ctx context.Context, file File) error {
	stagingTable, err := l.resolver.StagingTable(file.Entity)
	if err != nil {
		return err
	}

	header, records, err := l.readExtract(file.Path)
	if err != nil {
		return err
	}

	columns, keep := l.keepColumns(stagingTable, header)
	if len(columns) == 0 {
		return fmt.Errorf("no usable columns in %q for table %q", file.Path, stagingTable)
	}

	numericCols := l.cfg.NumericColumns[file.Entity]

	if _, err = l.store.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", sqllib.QuoteIdentifier(stagingTable))); err != nil {
		return fmt.Errorf("failed to clear staging table %q: %w", stagingTable, err)
	}

	insertQuery := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		sqllib.QuoteIdentifier(stagingTable),
		strings.Join(sqllib.QuoteIdentifiers(columns), ", "),
		sqllib.Placeholders(1, len(columns)),
	)

	var loaded, malformed int
	for _, record := range records {
		args, err := buildArgs(record, header, keep, columns, numericCols)
		if err != nil {
			slog.Warn("Skipping malformed extract row",
				slog.String("path", file.Path),
				slog.Any("err", err),
			)
			malformed++
			continue
		}

		if _, err = l.store.ExecContext(ctx, insertQuery, args...); err != nil {
			return fmt.Errorf("failed to insert into %q: %w", stagingTable, err)
		}
		loaded++
	}

	slog.Info("Loaded extract into staging",
		slog.String("entity", file.Entity),
		slog.String("table", stagingTable),
		slog.Int("rows", loaded),
		slog.Int("malformed", malformed),
	)

	return nil
}

func (l *Loader) readExtract(path string) ([]string, [][]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.Comma = []rune(l.cfg.CSVSeparator)[0]
	reader.FieldsPerRecord = -1

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, nil, err
	}

	if len(rows) == 0 {
		return nil, nil, fmt.Errorf("extract %q has no header row", path)
	}

	return rows[0], rows[1:], nil
}

// keepColumns filters the extract header down to columns declared in the
// staging table schema. Extra extract columns are ignored, not an error.
func (l *Loader) keepColumns(stagingTable string, header []string) ([]string, []bool) {
	declared, hasSchema := l.schema[stagingTable]

	columns := make([]string, 0, len(header))
	keep := make([]bool, len(header))
	for idx, column := range header {
		if hasSchema && !slices.Contains(declared, column) {
			continue
		}
		columns = append(columns, column)
		keep[idx] = true
	}

	return columns, keep
}

func buildArgs(record, header []string, keep []bool, columns, numericCols []string) ([]any, error) {
	if len(record) != len(header) {
		return nil, fmt.Errorf("row has %d fields, header has %d", len(record), len(header))
	}

	args := make([]any, 0, len(columns))
	colIdx := 0
	for idx, value := range record {
		if !keep[idx] {
			continue
		}

		column := columns[colIdx]
		colIdx++

		if value == "" {
			args = append(args, nil)
			continue
		}

		if slices.Contains(numericCols, column) {
			cleaned, err := CleanNumeric(value)
			if err != nil {
				return nil, fmt.Errorf("column %q: %w", column, err)
			}
			args = append(args, cleaned)
			continue
		}

		args = append(args, value)
	}

	return args, nil
}
