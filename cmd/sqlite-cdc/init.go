package main

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

const configTemplate = `source:
  db_path: ${SQLITE_CDC_SOURCE_DB}
  journal_mode: WAL
  tables: [users]

targets:
  - name: warehouse
    type: mysql
    connection:
      dsn: ${WAREHOUSE_DSN}
    batch_size: 100
    retry_policy:
      max_retries: 5
      backoff_factor: 1
      max_delay: 30s

mappings:
  - source_table: users
    target_table: users
    primary_key: id
    field_mappings:
      - source_field: email
        target_field: email
        converter: lowercase

batch_size: 100
checkpoint_interval: 10
log_level: info
checkpoint_dir: ./checkpoint.db
shutdown_grace_period: 30s
`

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init <path>",
		Short: "emit a configuration template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if _, err := os.Stat(path); err == nil {
				return wrapConfigError(errors.Errorf("%s already exists", path))
			}
			if err := os.WriteFile(path, []byte(configTemplate), 0o644); err != nil {
				return wrapConfigError(err)
			}
			return nil
		},
	}
}
