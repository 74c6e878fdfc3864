package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const validYAML = `
source:
  db_path: ${DB_PATH}
  journal_mode: WAL
  tables: [users]
targets:
  - name: warehouse
    type: mysql
    connection: { dsn: "user:pass@tcp(127.0.0.1:3306)/db" }
mappings:
  - source_table: users
    primary_key: id
    field_mappings:
      - source_field: email
        target_field: email
        converter: lowercase
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadInterpolatesEnvAndAppliesDefaults(t *testing.T) {
	t.Setenv("DB_PATH", "/tmp/source.db")
	path := writeConfig(t, validYAML)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/tmp/source.db", cfg.Source.DBPath)
	require.Equal(t, 100, cfg.BatchSize)
	require.Equal(t, 10, cfg.CheckpointInterval)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, "users", cfg.Mappings[0].TargetTable)
}

func TestLoadDefaultsShutdownGracePeriodAndAcceptsOverride(t *testing.T) {
	t.Setenv("DB_PATH", "/tmp/source.db")
	path := writeConfig(t, validYAML)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "30s", cfg.ShutdownGracePeriod)

	path = writeConfig(t, validYAML+"shutdown_grace_period: 90s\n")
	cfg, err = Load(path)
	require.NoError(t, err)
	require.Equal(t, "90s", cfg.ShutdownGracePeriod)
}

func TestLoadRejectsMalformedShutdownGracePeriod(t *testing.T) {
	t.Setenv("DB_PATH", "/tmp/source.db")
	path := writeConfig(t, validYAML+"shutdown_grace_period: not-a-duration\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsNonWALJournalMode(t *testing.T) {
	t.Setenv("DB_PATH", "/tmp/source.db")
	path := writeConfig(t, `
source:
  db_path: ${DB_PATH}
  journal_mode: DELETE
targets:
  - name: warehouse
    type: mysql
    connection: { dsn: "x" }
mappings:
  - source_table: users
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsUnknownConverter(t *testing.T) {
	t.Setenv("DB_PATH", "/tmp/source.db")
	path := writeConfig(t, `
source:
  db_path: ${DB_PATH}
  journal_mode: WAL
targets:
  - name: warehouse
    type: mysql
    connection: { dsn: "x" }
mappings:
  - source_table: users
    field_mappings:
      - source_field: email
        converter: rot13
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsDuplicateTargetNames(t *testing.T) {
	t.Setenv("DB_PATH", "/tmp/source.db")
	path := writeConfig(t, `
source:
  db_path: ${DB_PATH}
  journal_mode: WAL
targets:
  - name: warehouse
    type: mysql
    connection: { dsn: "x" }
  - name: warehouse
    type: oracle
    connection: { dsn: "y" }
mappings:
  - source_table: users
`)
	_, err := Load(path)
	require.Error(t, err)
}
