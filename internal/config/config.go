// Package config loads and validates the declarative, hierarchical
// configuration described in spec.md §6: source database, targets,
// table mappings, and the ambient tunables (batch size, checkpoint
// interval, log level, checkpoint directory).
//
// The YAML shape and the Preflight validation convention are grounded
// on the teacher's internal/source/server/config.go, adapted from
// flag-bound configuration to file-bound configuration with
// environment-variable interpolation.
package config

import (
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/WingsGo/sqlite-cdc/internal/transform"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// RetryPolicy controls exponential backoff for a target's apply path,
// per spec.md §7's "backoff_factor * 2^attempt, capped at max_delay".
type RetryPolicy struct {
	MaxRetries    int     `yaml:"max_retries"`
	BackoffFactor float64 `yaml:"backoff_factor"`
	MaxDelay      string  `yaml:"max_delay"`

	// OnDataError governs what happens to a non-retryable Data error
	// (type mismatch, converter failure, target schema mismatch) per
	// spec.md §7: "skip" records it and moves on, "halt" isolates the
	// target until an operator intervenes. Defaults to "skip".
	OnDataError string `yaml:"on_data_error"`
}

// FieldMapping renames and optionally converts one source field.
type FieldMapping struct {
	SourceField     string `yaml:"source_field"`
	TargetField     string `yaml:"target_field"`
	Converter       string `yaml:"converter"`
	ConverterParams string `yaml:"converter_params"`
}

// TableMapping describes how one source table is replicated, per
// spec.md §6's mappings block.
type TableMapping struct {
	SourceTable     string         `yaml:"source_table"`
	TargetTable     string         `yaml:"target_table"`
	PrimaryKey      string         `yaml:"primary_key"`
	FieldMappings   []FieldMapping `yaml:"field_mappings"`
	FilterCondition string         `yaml:"filter_condition"`
}

// Target describes one remote target connection.
type Target struct {
	Name       string            `yaml:"name"`
	Type       string            `yaml:"type"` // "mysql" or "oracle"
	Connection map[string]string `yaml:"connection"`
	BatchSize  int               `yaml:"batch_size"`
	Retry      RetryPolicy       `yaml:"retry_policy"`
}

// Source describes the embedded source database.
type Source struct {
	DBPath      string   `yaml:"db_path"`
	JournalMode string   `yaml:"journal_mode"`
	Tables      []string `yaml:"tables"`
}

// Config is the full, immutable-for-a-run configuration tree.
type Config struct {
	Source   Source         `yaml:"source"`
	Targets  []Target       `yaml:"targets"`
	Mappings []TableMapping `yaml:"mappings"`

	BatchSize         int    `yaml:"batch_size"`
	CheckpointInterval int   `yaml:"checkpoint_interval"`
	LogLevel          string `yaml:"log_level"`
	CheckpointDir     string `yaml:"checkpoint_dir"`

	// ShutdownGracePeriod bounds how long `sync`, after SIGINT/SIGTERM,
	// waits in Engine.Stop for the incremental loop to return before
	// giving up; it does not apply to a backfill running inside
	// Engine.Start. Mirrors the teacher's stopper.Context, whose Stop
	// call sites take an explicit grace duration rather than a hardcoded
	// one. Parsed with time.ParseDuration; defaults to "30s".
	ShutdownGracePeriod string `yaml:"shutdown_grace_period"`
}

// envInterpolationRe matches ${NAME} placeholders.
var envInterpolationRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, interpolates, parses, and validates the configuration
// file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read configuration file")
	}

	interpolated := envInterpolationRe.ReplaceAllStringFunc(string(raw), func(m string) string {
		name := envInterpolationRe.FindStringSubmatch(m)[1]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return m
	})

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, errors.Wrap(err, "parse configuration")
	}

	cfg.applyDefaults()
	if err := cfg.Preflight(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in the top-level defaults named in spec.md §6:
// batch_size=100, checkpoint_interval=10.
func (c *Config) applyDefaults() {
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
	if c.CheckpointInterval == 0 {
		c.CheckpointInterval = 10
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ShutdownGracePeriod == "" {
		c.ShutdownGracePeriod = "30s"
	}
	for i := range c.Targets {
		if c.Targets[i].BatchSize == 0 {
			c.Targets[i].BatchSize = c.BatchSize
		}
		if c.Targets[i].Retry.OnDataError == "" {
			c.Targets[i].Retry.OnDataError = "skip"
		}
	}
	for i := range c.Mappings {
		if c.Mappings[i].PrimaryKey == "" {
			c.Mappings[i].PrimaryKey = "id"
		}
		if c.Mappings[i].TargetTable == "" {
			c.Mappings[i].TargetTable = c.Mappings[i].SourceTable
		}
	}
}

// Preflight validates the configuration: a malformed or incomplete
// config is a configuration error per spec.md §7, fatal at start and
// reported through the `validate` subcommand.
func (c *Config) Preflight() error {
	if c.Source.DBPath == "" {
		return errors.New("source.db_path unset")
	}
	if c.Source.JournalMode != "WAL" {
		return errors.New("source.journal_mode must be WAL")
	}
	if _, err := time.ParseDuration(c.ShutdownGracePeriod); err != nil {
		return errors.Wrap(err, "shutdown_grace_period")
	}
	if len(c.Targets) == 0 {
		return errors.New("at least one target must be configured")
	}

	names := make(map[string]bool, len(c.Targets))
	for _, t := range c.Targets {
		if t.Name == "" {
			return errors.New("target name unset")
		}
		if names[t.Name] {
			return errors.Errorf("duplicate target name %q", t.Name)
		}
		names[t.Name] = true
		switch t.Type {
		case "mysql", "oracle":
		default:
			return errors.Errorf("target %q: unknown type %q", t.Name, t.Type)
		}
		if t.Connection["dsn"] == "" {
			return errors.Errorf("target %q: connection.dsn unset", t.Name)
		}
		switch t.Retry.OnDataError {
		case "skip", "halt":
		default:
			return errors.Errorf("target %q: retry_policy.on_data_error must be skip or halt, got %q", t.Name, t.Retry.OnDataError)
		}
	}

	if len(c.Mappings) == 0 {
		return errors.New("at least one table mapping must be configured")
	}
	sourceTables := make(map[string]bool, len(c.Source.Tables))
	for _, t := range c.Source.Tables {
		sourceTables[t] = true
	}
	for _, m := range c.Mappings {
		if m.SourceTable == "" {
			return errors.New("mapping source_table unset")
		}
		if len(sourceTables) > 0 && !sourceTables[m.SourceTable] {
			return errors.Errorf("mapping references unknown table %q (not in source.tables)", m.SourceTable)
		}
		for _, fm := range m.FieldMappings {
			if fm.SourceField == "" {
				return errors.Errorf("table %q: field_mappings entry missing source_field", m.SourceTable)
			}
			switch {
			case fm.Converter == "",
				fm.Converter == "lowercase",
				fm.Converter == "uppercase",
				fm.Converter == "trim",
				hasPrefix(fm.Converter, "default"),
				hasPrefix(fm.Converter, "typecast"):
			default:
				return errors.Errorf("table %q: unknown converter %q", m.SourceTable, fm.Converter)
			}
		}
	}

	return nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// filterConditionRe parses a single `field op literal` predicate, e.g.
// `status = active` or `age >= 18`. spec.md §3 describes filter_condition
// as an "optional row filter predicate" without a richer grammar, so
// this is intentionally limited to one comparison (see DESIGN.md).
var filterConditionRe = regexp.MustCompile(`^\s*(\S+)\s*(!=|>=|<=|=|>|<)\s*(.+?)\s*$`)

// converterParams splits a `default{value}` / `typecast{target_type}`
// converter spec into its bare name and its single parameter.
func converterParams(converter, params string) (string, map[string]string) {
	if converter == "" {
		return "", nil
	}
	if open := strings.IndexByte(converter, '{'); open != -1 && strings.HasSuffix(converter, "}") {
		name := converter[:open]
		value := converter[open+1 : len(converter)-1]
		switch name {
		case "default":
			return name, map[string]string{"value": value}
		case "typecast":
			return name, map[string]string{"target_type": value}
		}
	}
	if params != "" {
		return converter, map[string]string{"value": params, "target_type": params}
	}
	return converter, nil
}

// ToTransformMapping resolves the declarative field_mappings and
// filter_condition for one table into the runtime transform.Mapping
// consumed by internal/transform and internal/engine.
func (tm TableMapping) ToTransformMapping() (*transform.Mapping, error) {
	m := &transform.Mapping{}

	for _, fm := range tm.FieldMappings {
		name, params := converterParams(fm.Converter, fm.ConverterParams)
		m.Fields = append(m.Fields, transform.FieldMapping{
			SourceField:     fm.SourceField,
			TargetField:     fm.TargetField,
			Converter:       name,
			ConverterParams: params,
		})
	}

	if tm.FilterCondition != "" {
		match := filterConditionRe.FindStringSubmatch(tm.FilterCondition)
		if match == nil {
			return nil, errors.Errorf("table %q: malformed filter_condition %q", tm.SourceTable, tm.FilterCondition)
		}
		m.Filters = append(m.Filters, transform.Filter{
			Field: match[1],
			Op:    match[2],
			Value: match[3],
		})
	}

	return m, nil
}
