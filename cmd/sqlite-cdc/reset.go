package main

import (
	"context"
	"fmt"

	"github.com/WingsGo/sqlite-cdc/internal/config"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newResetCmd(configPath *string) *cobra.Command {
	var table string

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "force a table to re-backfill on the next initial sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			if table == "" {
				return wrapConfigError(errors.New("--table is required"))
			}

			cfg, err := config.Load(*configPath)
			if err != nil {
				return wrapConfigError(err)
			}

			found := false
			for _, m := range cfg.Mappings {
				if m.SourceTable == table {
					found = true
					break
				}
			}
			if !found {
				return wrapConfigError(errors.Errorf("table %q is not in any configured mapping", table))
			}

			store, err := openCheckpointStore(cfg.CheckpointDir)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := context.Background()
			for _, t := range cfg.Targets {
				if err := store.ResetBackfillPosition(ctx, cfg.Source.DBPath, table, t.Name); err != nil {
					return errors.Wrapf(err, "reset backfill position for target %q", t.Name)
				}
			}

			fmt.Printf("table %q will re-backfill on the next initial sync\n", table)
			return nil
		},
	}

	cmd.Flags().StringVar(&table, "table", "", "table to reset")
	return cmd
}
