package main

import (
	"context"
	"fmt"

	"github.com/WingsGo/sqlite-cdc/internal/config"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newValidateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "parse the configuration and check target reachability",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return wrapConfigError(err)
			}

			writers, err := connectTargets(context.Background(), cfg)
			if err != nil {
				return err
			}
			for name, w := range writers {
				_ = w.Disconnect(context.Background())
				log.WithField("target", name).Info("target reachable")
			}

			fmt.Println("configuration valid, all targets reachable")
			return nil
		},
	}
}
