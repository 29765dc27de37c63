package config

import (
	"fmt"
	"io"
	"os"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

const (
	defaultStatementTimeoutSeconds = 60
	defaultCSVSeparator            = ";"
)

// ConfigError indicates a bad or incomplete mapping document. It is always
// raised before any database access.
type ConfigError struct {
	Message string
}

func (c ConfigError) Error() string {
	return fmt.Sprintf("config: %s", c.Message)
}

func NewConfigError(format string, args ...any) ConfigError {
	return ConfigError{Message: fmt.Sprintf(format, args...)}
}

type Sentry struct {
	DSN string `yaml:"dsn"`
}

// Tables holds the physical table identifiers per layer of the star schema.
type Tables struct {
	Staging    map[string]string `yaml:"stg"`
	Dimensions map[string]string `yaml:"dim"`
	Facts      map[string]string `yaml:"fact"`
	Report     struct {
		Fraud string `yaml:"fraud"`
	} `yaml:"rep"`
	Meta string `yaml:"meta"`
}

// SCD2Entity describes how one staging table historizes into its dimension.
type SCD2Entity struct {
	// Profile selects the current-row representation, see dwh/scd2.
	Profile     string            `yaml:"profile"`
	StagingPK   string            `yaml:"stgPk"`
	DimensionPK string            `yaml:"dimPk"`
	DateColumn  string            `yaml:"dateCol"`
	Mapping     map[string]string `yaml:"mapping"`
}

// FactEntity describes an append-only copy from staging into a fact table.
type FactEntity struct {
	StagingPK  string            `yaml:"stgPk"`
	FactPK     string            `yaml:"factPk"`
	DateColumn string            `yaml:"dateCol"`
	Mapping    map[string]string `yaml:"mapping"`
}

// Ingest configures the incoming extract files that feed the staging layer.
// Filename patterns carry a DDMMYYYY date group.
type Ingest struct {
	DataDir        string              `yaml:"dataDir"`
	ArchiveDir     string              `yaml:"archiveDir"`
	CSVSeparator   string              `yaml:"csvSeparator"`
	Patterns       map[string]string   `yaml:"patterns"`
	NumericColumns map[string][]string `yaml:"numericColumns"`
}

type Config struct {
	Tables Tables `yaml:"tables"`

	// Schema declares the known columns per physical table. Mappings are
	// validated against it so a typo fails the run before any DB write.
	Schema map[string][]string `yaml:"schema"`

	SCD2  map[string]SCD2Entity `yaml:"scd2"`
	Facts map[string]FactEntity `yaml:"facts"`

	Ingest *Ingest `yaml:"ingest"`

	StatementTimeoutSeconds int `yaml:"statementTimeoutSeconds"`

	Reporting struct {
		Sentry *Sentry `yaml:"sentry"`
	} `yaml:"reporting"`
}

func readFileToConfig(pathToConfig string) (*Config, error) {
	file, err := os.Open(pathToConfig)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	bytes, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}

	var config Config
	if err = yaml.Unmarshal(bytes, &config); err != nil {
		return nil, err
	}

	if config.StatementTimeoutSeconds == 0 {
		config.StatementTimeoutSeconds = defaultStatementTimeoutSeconds
	}

	if config.Ingest != nil && config.Ingest.CSVSeparator == "" {
		config.Ingest.CSVSeparator = defaultCSVSeparator
	}

	return &config, nil
}

// Validate checks the mapping document for completeness. Entity-level column
// checks live in dwh/mapping; this guards the table inventory itself.
func (c *Config) Validate() error {
	if c == nil {
		return NewConfigError("config is nil")
	}

	if c.Tables.Meta == "" {
		return NewConfigError("tables.meta is required")
	}

	if c.Tables.Report.Fraud == "" {
		return NewConfigError("tables.rep.fraud is required")
	}

	for entity := range c.SCD2 {
		if _, ok := c.Tables.Staging[entity]; !ok {
			return NewConfigError("scd2 entity %q has no staging table", entity)
		}
		if _, ok := c.Tables.Dimensions[entity]; !ok {
			return NewConfigError("scd2 entity %q has no dimension table", entity)
		}
	}

	for entity := range c.Facts {
		if _, ok := c.Tables.Staging[entity]; !ok {
			return NewConfigError("fact entity %q has no staging table", entity)
		}
		if _, ok := c.Tables.Facts[entity]; !ok {
			return NewConfigError("fact entity %q has no fact table", entity)
		}
	}

	if c.Ingest != nil {
		for entity := range c.Ingest.Patterns {
			if _, ok := c.Tables.Staging[entity]; !ok {
				return NewConfigError("ingest pattern %q has no staging table", entity)
			}
		}

		if utf8.RuneCountInString(c.Ingest.CSVSeparator) > 1 {
			return NewConfigError("ingest csvSeparator must be a single character, got %q", c.Ingest.CSVSeparator)
		}
	}

	if c.StatementTimeoutSeconds < 0 {
		return NewConfigError("statementTimeoutSeconds cannot be negative, current value: %d", c.StatementTimeoutSeconds)
	}

	return nil
}
