package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/evetools/tagd/internal/migrate"
	"github.com/evetools/tagd/internal/storage"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRunner(dbPath, func(runner *migrate.Runner) error {
				result, err := runner.Run(context.Background())
				if result != nil {
					printJSON(cmd, result)
				}
				return err
			})
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "tagd.db", "path to the actor database")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print migration status as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRunner(dbPath, func(runner *migrate.Runner) error {
				status, err := runner.Status(context.Background())
				if err != nil {
					return err
				}
				printJSON(cmd, status)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "tagd.db", "path to the actor database")
	return cmd
}

func withRunner(dbPath string, fn func(*migrate.Runner) error) error {
	store, err := storage.Open(dbPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logrus.WithError(closeErr).Warn("Failed to close actor store")
		}
	}()

	return fn(migrate.NewRunner(store.DB(), storage.Migrations()))
}

func printJSON(cmd *cobra.Command, v interface{}) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		logrus.WithError(err).Error("Failed to encode output")
		return
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(raw))
}
