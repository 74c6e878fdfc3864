package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/WingsGo/sqlite-cdc/internal/config"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newSyncCmd(configPath *string) *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "run the CDC engine until stopped",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch mode {
			case "initial", "incremental", "full":
			default:
				return wrapConfigError(errors.Errorf("--mode must be initial, incremental, or full, got %q", mode))
			}

			cfg, err := config.Load(*configPath)
			if err != nil {
				return wrapConfigError(err)
			}

			source, err := openSource(cfg)
			if err != nil {
				return err
			}
			defer source.Close()

			e, writers, err := buildEngine(cfg, source, cfg.CheckpointDir)
			if err != nil {
				return err
			}
			defer func() {
				for _, w := range writers {
					_ = w.Disconnect(context.Background())
				}
			}()

			runInitial := mode == "initial" || mode == "full"
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := e.Start(ctx, nil, runInitial); err != nil {
				return errors.Wrap(err, "start engine")
			}
			if mode == "initial" {
				// Backfill already ran synchronously inside Start; the
				// incremental loop it also started has nothing to do
				// yet, so stop it rather than leave it running past
				// what --mode=initial asked for.
				return e.Stop(context.Background())
			}

			log.Info("sync engine running, press ctrl-c to stop")
			<-ctx.Done()

			log.Info("shutting down")
			grace, err := time.ParseDuration(cfg.ShutdownGracePeriod)
			if err != nil {
				// Already validated at Preflight; unreachable in
				// practice, but fall back rather than panic.
				grace = 30 * time.Second
			}
			stopCtx, cancel := context.WithTimeout(context.Background(), grace)
			defer cancel()
			return e.Stop(stopCtx)
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "incremental", "initial, incremental, or full")
	return cmd
}
