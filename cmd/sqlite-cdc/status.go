package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/WingsGo/sqlite-cdc/internal/audit"
	"github.com/WingsGo/sqlite-cdc/internal/config"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type targetStatusView struct {
	Target      string `json:"target"`
	LastAuditID int64  `json:"last_audit_id"`
	Lag         int64  `json:"lag"`
	RecentError string `json:"recent_error,omitempty"`
}

func newStatusCmd(configPath *string) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "report per-target lag and most recent error (no retry counters or backlog size)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return wrapConfigError(err)
			}

			ctx := context.Background()
			source, err := openSource(cfg)
			if err != nil {
				return err
			}
			defer source.Close()

			store, err := openCheckpointStore(cfg.CheckpointDir)
			if err != nil {
				return err
			}
			defer store.Close()

			maxID, err := audit.MaxID(ctx, source)
			if err != nil {
				return errors.Wrap(err, "read current audit position")
			}

			var views []targetStatusView
			for _, t := range cfg.Targets {
				pos, err := store.LoadPosition(ctx, cfg.Source.DBPath, t.Name)
				if err != nil {
					return errors.Wrap(err, "load checkpoint")
				}
				v := targetStatusView{Target: t.Name, LastAuditID: pos.LastAuditID, Lag: maxID - pos.LastAuditID}
				if errs, err := store.RecentErrors(ctx, cfg.Source.DBPath, t.Name, 1); err == nil && len(errs) > 0 {
					v.RecentError = errs[0].Message
				}
				views = append(views, v)
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(views)
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TARGET\tLAST_AUDIT_ID\tLAG\tRECENT_ERROR")
			for _, v := range views {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", v.Target, v.LastAuditID, v.Lag, v.RecentError)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "emit status as JSON")
	return cmd
}
