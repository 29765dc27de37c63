// Package mapping resolves the declarative table/column mapping into typed,
// immutable entities the load engines consume.
package mapping

import (
	"slices"
	"sort"

	"github.com/makadata/bankdwh/lib/config"
)

type ColumnPair struct {
	Staging string
	Target  string
}

// Entity is one resolved staging-to-target mapping. Columns are ordered by
// staging column name so generated SQL is deterministic.
type Entity struct {
	Name         string
	StagingTable string
	TargetTable  string
	StagingPK    string
	TargetPK     string
	DateColumn   string
	Profile      string
	Columns      []ColumnPair
}

func (e Entity) StagingColumns() []string {
	cols := make([]string, len(e.Columns))
	for idx, pair := range e.Columns {
		cols[idx] = pair.Staging
	}
	return cols
}

func (e Entity) TargetColumns() []string {
	cols := make([]string, len(e.Columns))
	for idx, pair := range e.Columns {
		cols[idx] = pair.Target
	}
	return cols
}

type Resolver struct {
	dimensions map[string]Entity
	facts      map[string]Entity
	staging    map[string]string
	metaTable  string
	fraudTable string
}

func NewResolver(cfg config.Config) (*Resolver, error) {
	resolver := &Resolver{
		dimensions: make(map[string]Entity),
		facts:      make(map[string]Entity),
		staging:    cfg.Tables.Staging,
		metaTable:  cfg.Tables.Meta,
		fraudTable: cfg.Tables.Report.Fraud,
	}

	for name, entityCfg := range cfg.SCD2 {
		entity, err := buildEntity(cfg, name, cfg.Tables.Dimensions[name], entityCfg.StagingPK, entityCfg.DimensionPK, entityCfg.DateColumn, entityCfg.Mapping)
		if err != nil {
			return nil, err
		}

		entity.Profile = entityCfg.Profile
		resolver.dimensions[name] = entity
	}

	for name, entityCfg := range cfg.Facts {
		entity, err := buildEntity(cfg, name, cfg.Tables.Facts[name], entityCfg.StagingPK, entityCfg.FactPK, entityCfg.DateColumn, entityCfg.Mapping)
		if err != nil {
			return nil, err
		}

		resolver.facts[name] = entity
	}

	return resolver, nil
}

func buildEntity(cfg config.Config, name, targetTable, stagingPK, targetPK, dateColumn string, columnMapping map[string]string) (Entity, error) {
	entity := Entity{
		Name:         name,
		StagingTable: cfg.Tables.Staging[name],
		TargetTable:  targetTable,
		StagingPK:    stagingPK,
		TargetPK:     targetPK,
		DateColumn:   dateColumn,
	}

	if entity.StagingPK == "" || entity.TargetPK == "" {
		return Entity{}, config.NewConfigError("entity %q is missing a primary key column", name)
	}

	if entity.DateColumn == "" {
		return Entity{}, config.NewConfigError("entity %q is missing a watermark column", name)
	}

	stagingCols := make([]string, 0, len(columnMapping))
	for stagingCol := range columnMapping {
		stagingCols = append(stagingCols, stagingCol)
	}
	sort.Strings(stagingCols)

	for _, stagingCol := range stagingCols {
		entity.Columns = append(entity.Columns, ColumnPair{Staging: stagingCol, Target: columnMapping[stagingCol]})
	}

	if err := validateColumns(cfg, entity.StagingTable, append(entity.StagingColumns(), entity.StagingPK, entity.DateColumn)); err != nil {
		return Entity{}, err
	}

	if err := validateColumns(cfg, entity.TargetTable, append(entity.TargetColumns(), entity.TargetPK)); err != nil {
		return Entity{}, err
	}

	return entity, nil
}

// validateColumns checks the referenced columns against the declared schema.
// Tables without a schema declaration are not checked.
func validateColumns(cfg config.Config, table string, columns []string) error {
	declared, ok := cfg.Schema[table]
	if !ok {
		return nil
	}

	for _, column := range columns {
		if !slices.Contains(declared, column) {
			return config.NewConfigError("column %q is not declared in the schema of table %q", column, table)
		}
	}

	return nil
}

func (r *Resolver) Dimension(name string) (Entity, error) {
	entity, ok := r.dimensions[name]
	if !ok {
		return Entity{}, config.NewConfigError("no scd2 mapping for entity %q", name)
	}
	return entity, nil
}

func (r *Resolver) Fact(name string) (Entity, error) {
	entity, ok := r.facts[name]
	if !ok {
		return Entity{}, config.NewConfigError("no fact mapping for entity %q", name)
	}
	return entity, nil
}

// Dimensions returns all dimension entities ordered by name.
func (r *Resolver) Dimensions() []Entity {
	return sortedEntities(r.dimensions)
}

// Facts returns all fact entities ordered by name.
func (r *Resolver) Facts() []Entity {
	return sortedEntities(r.facts)
}

func sortedEntities(entities map[string]Entity) []Entity {
	out := make([]Entity, 0, len(entities))
	for _, entity := range entities {
		out = append(out, entity)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Resolver) StagingTable(name string) (string, error) {
	table, ok := r.staging[name]
	if !ok {
		return "", config.NewConfigError("no staging table for entity %q", name)
	}
	return table, nil
}

func (r *Resolver) MetaTable() string  { return r.metaTable }
func (r *Resolver) FraudTable() string { return r.fraudTable }
