// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PolyStore Contributors

package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/polystore/polystore/internal/config"
	"github.com/polystore/polystore/internal/store"
	"github.com/polystore/polystore/pkg/errutil"
)

// NewMigrateCmd creates the migrate subcommand.
func NewMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE:  runMigrateUp,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show current migration version and pending migrations",
		RunE:  runMigrateStatus,
	})

	var forceVersion int
	forceCmd := &cobra.Command{
		Use:   "force",
		Short: "Set the migration version without running migrations",
		Long: `Set the schema version directly. Use only to recover from a dirty
migration state after fixing the database by hand.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateForce(cmd, forceVersion)
		},
	}
	forceCmd.Flags().IntVar(&forceVersion, "version", -1, "version to force (required)")
	_ = forceCmd.MarkFlagRequired("version") //nolint:errcheck // flag is statically defined
	cmd.AddCommand(forceCmd)

	return cmd
}

func newMigrator(cmd *cobra.Command) (*store.Migrator, error) {
	cfg, err := config.Load(configFile, configFile != "", cmd.Flags())
	if err != nil {
		return nil, err
	}
	return store.NewMigrator(cfg.Database.URL)
}

func runMigrateUp(cmd *cobra.Command, _ []string) error {
	migrator, err := newMigrator(cmd)
	if err != nil {
		return err
	}
	defer closeMigrator(cmd, migrator)

	pending, err := migrator.PendingMigrations()
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		cmd.Println("Database is up to date")
		return nil
	}

	cmd.Printf("Applying %d migration(s)...\n", len(pending))
	if err := migrator.Up(); err != nil {
		return err
	}
	cmd.Println("Migrations completed successfully")
	return nil
}

func runMigrateStatus(cmd *cobra.Command, _ []string) error {
	migrator, err := newMigrator(cmd)
	if err != nil {
		return err
	}
	defer closeMigrator(cmd, migrator)

	version, dirty, err := migrator.Version()
	if err != nil {
		return err
	}
	cmd.Printf("Current version: %d (dirty: %v)\n", version, dirty)

	pending, err := migrator.PendingMigrations()
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		cmd.Println("No pending migrations")
		return nil
	}
	cmd.Printf("Pending: %v\n", pending)
	return nil
}

func runMigrateForce(cmd *cobra.Command, version int) error {
	migrator, err := newMigrator(cmd)
	if err != nil {
		return err
	}
	defer closeMigrator(cmd, migrator)

	if err := migrator.Force(version); err != nil {
		return err
	}
	cmd.Printf("Forced version to %d\n", version)
	return nil
}

func closeMigrator(_ *cobra.Command, migrator *store.Migrator) {
	if err := migrator.Close(); err != nil {
		errutil.LogError(slog.Default(), "migrator close failed", err)
	}
}
