// Package config loads costbench configuration from defaults, an optional
// YAML file and COSTBENCH_* environment variables, in that order of
// precedence (environment wins).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the environment variable prefix.
const EnvPrefix = "COSTBENCH"

// Config is the complete pipeline configuration.
type Config struct {
	Paths    PathsConfig    `yaml:"paths" envconfig:"PATHS"`
	Database DatabaseConfig `yaml:"database" envconfig:"DATABASE"`
	Ingest   IngestConfig   `yaml:"ingest" envconfig:"INGEST"`
	Build    BuildConfig    `yaml:"build" envconfig:"BUILD"`
	KPI      KPIConfig      `yaml:"kpi" envconfig:"KPI"`
	Cache    CacheConfig    `yaml:"cache" envconfig:"CACHE"`
	Logging  LoggingConfig  `yaml:"logging" envconfig:"LOGGING"`
}

// PathsConfig holds input and output locations.
type PathsConfig struct {
	RawDir             string `yaml:"raw_dir" envconfig:"RAW_DIR" validate:"required"`
	LabelDictionary    string `yaml:"label_dictionary" envconfig:"LABEL_DICTIONARY"`
	JurisdictionFile   string `yaml:"jurisdiction_file" envconfig:"JURISDICTION_FILE"`
	ClassificationFile string `yaml:"classification_file" envconfig:"CLASSIFICATION_FILE"`
	CatalogFile        string `yaml:"catalog_file" envconfig:"CATALOG_FILE"`
	PartitionDir       string `yaml:"partition_dir" envconfig:"PARTITION_DIR" validate:"required"`
	MetricsFile        string `yaml:"metrics_file" envconfig:"METRICS_FILE"`
}

// DatabaseConfig points at the PostgreSQL warehouse.
type DatabaseConfig struct {
	URL      string `yaml:"url" envconfig:"URL" validate:"required"`
	Schema   string `yaml:"schema" envconfig:"SCHEMA" validate:"required,lowercase,max=63"`
	MaxConns int32  `yaml:"max_conns" envconfig:"MAX_CONNS" validate:"min=1,max=64"`
}

// IngestConfig scopes which extracts are read.
type IngestConfig struct {
	Worksheets      []string `yaml:"worksheets" envconfig:"WORKSHEETS" validate:"required,min=1,dive,len=7"`
	Jurisdictions   []string `yaml:"jurisdictions" envconfig:"JURISDICTIONS" validate:"required,min=1"`
	FiscalYears     []int    `yaml:"fiscal_years" envconfig:"FISCAL_YEARS" validate:"required,min=1,dive,min=1990,max=2100"`
	Workers         int      `yaml:"workers" envconfig:"WORKERS" validate:"min=1,max=64"`
	NumericTemplate string   `yaml:"numeric_template" envconfig:"NUMERIC_TEMPLATE" validate:"required"`
	ReportTemplate  string   `yaml:"report_template" envconfig:"REPORT_TEMPLATE" validate:"required"`
}

// BuildConfig tunes the warehouse consolidation.
type BuildConfig struct {
	Attempts  int `yaml:"attempts" envconfig:"ATTEMPTS" validate:"min=1,max=10"`
	CopyBatch int `yaml:"copy_batch" envconfig:"COPY_BATCH" validate:"min=1"`
}

// KPIConfig tunes the KPI engine.
type KPIConfig struct {
	Workers int `yaml:"workers" envconfig:"WORKERS" validate:"min=1,max=256"`
}

// CacheConfig bounds the read-side query cache.
type CacheConfig struct {
	Size int           `yaml:"size" envconfig:"SIZE" validate:"min=1"`
	TTL  time.Duration `yaml:"ttl" envconfig:"TTL"`
}

// LoggingConfig selects the log encoder and level.
type LoggingConfig struct {
	Level       string `yaml:"level" envconfig:"LEVEL" validate:"oneof=debug info warn error"`
	Format      string `yaml:"format" envconfig:"FORMAT" validate:"oneof=json console"`
	Development bool   `yaml:"development" envconfig:"DEVELOPMENT"`
}

// Default returns the built-in configuration. Paths are relative to the
// working directory.
func Default() Config {
	return Config{
		Paths: PathsConfig{
			RawDir:       "data/raw",
			PartitionDir: "data/partitions",
		},
		Database: DatabaseConfig{
			URL:      "postgres://postgres@localhost:5432/costbench?sslmode=disable",
			Schema:   "warehouse",
			MaxConns: 8,
		},
		Ingest: IngestConfig{
			Worksheets:      []string{"G000000", "G300000", "S100000"},
			Workers:         4,
			NumericTemplate: "HOSP10_{year}_{jurisdiction}_NMRC.CSV",
			ReportTemplate:  "HOSP10_{year}_{jurisdiction}_RPT.CSV",
		},
		Build: BuildConfig{
			Attempts:  2,
			CopyBatch: 50_000,
		},
		KPI: KPIConfig{
			Workers: 8,
		},
		Cache: CacheConfig{
			Size: 1024,
			TTL:  5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (when
// path is not empty), then COSTBENCH_* environment variables. The result is
// validated before it is returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	// No default tags on the structs: envconfig only touches fields whose
	// variable is set, so file values survive.
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}
