package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var rootFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "tagd",
		Short:        "Tag reconciliation actor service",
		Long:         "tagd hosts a durable tag actor: an embedded SQLite store with\nversioned migrations, a periodic evaluation scheduler and a\nrule-driven tag reconciler.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := logrus.ParseLevel(rootFlags.logLevel)
			if err != nil {
				return err
			}
			logrus.SetLevel(level)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&rootFlags.configPath, "config", "", "path to config.yaml (default: env only)")
	root.PersistentFlags().StringVar(&rootFlags.logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newStatusCmd())

	return root
}
