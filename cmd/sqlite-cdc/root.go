package main

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Environment variable overrides named in spec.md §6's operational
// surface: a configuration-path override, a log level, a log file.
const (
	envConfigPath = "SQLITE_CDC_CONFIG"
	envLogLevel   = "SQLITE_CDC_LOG_LEVEL"
	envLogFile    = "SQLITE_CDC_LOG_FILE"
)

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "sqlite-cdc",
		Short:         "replicate row-level mutations from a SQLite source to remote SQL targets",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return configureLogging()
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the configuration file")
	if override, ok := os.LookupEnv(envConfigPath); ok {
		configPath = override
	}

	root.AddCommand(
		newInitCmd(),
		newValidateCmd(&configPath),
		newSyncCmd(&configPath),
		newStatusCmd(&configPath),
		newResetCmd(&configPath),
	)
	return root
}

func configureLogging() error {
	level := os.Getenv(envLogLevel)
	if level == "" {
		level = "info"
	}
	parsed, err := log.ParseLevel(level)
	if err != nil {
		return wrapConfigError(err)
	}
	log.SetLevel(parsed)

	if path := os.Getenv(envLogFile); path != "" {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return wrapConfigError(err)
		}
		log.SetOutput(f)
	}
	return nil
}
