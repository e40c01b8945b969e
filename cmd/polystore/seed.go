// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PolyStore Contributors

package main

import (
	"context"
	"errors"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/polystore/polystore/internal/auth"
	authpg "github.com/polystore/polystore/internal/auth/postgres"
	"github.com/polystore/polystore/internal/config"
	"github.com/polystore/polystore/internal/store"
)

// Default timeout for seed command.
const defaultSeedTimeout = 30 * time.Second

// seedConfig holds configuration for the seed command.
type seedConfig struct {
	username string
	email    string
	password string
	timeout  time.Duration
}

// NewSeedCmd creates the seed subcommand.
func NewSeedCmd() *cobra.Command {
	cfg := &seedConfig{}

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create the initial administrator account",
		Long: `Creates the administrator account used for operations tooling.
This command is idempotent - it will not create duplicates if run multiple times.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(cmd, args, cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.username, "username", "admin", "administrator username")
	cmd.Flags().StringVar(&cfg.email, "email", "", "administrator email (required)")
	cmd.Flags().StringVar(&cfg.password, "password", "", "administrator password (required)")
	cmd.Flags().DurationVar(&cfg.timeout, "timeout", defaultSeedTimeout, "timeout for database operations (e.g., 30s, 1m)")
	_ = cmd.MarkFlagRequired("email")    //nolint:errcheck // flag is statically defined
	_ = cmd.MarkFlagRequired("password") //nolint:errcheck // flag is statically defined

	return cmd
}

func runSeed(cmd *cobra.Command, _ []string, seedCfg *seedConfig) error {
	cfg, err := config.Load(configFile, configFile != "", nil)
	if err != nil {
		return err
	}

	if err := auth.ValidatePassword(seedCfg.password); err != nil {
		return err
	}

	// Use cmd.Context() so SIGINT/SIGTERM cancel the seed.
	ctx, cancel := context.WithTimeout(cmd.Context(), seedCfg.timeout)
	defer cancel()

	cmd.Println("Connecting to database...")
	pool, err := store.NewPool(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	hasher := auth.NewArgon2idHasher()
	passwordHash, err := hasher.Hash(seedCfg.password)
	if err != nil {
		return oops.Code("SEED_FAILED").With("operation", "hash password").Wrap(err)
	}

	account, err := auth.NewAccount(seedCfg.username, seedCfg.email, passwordHash, []string{auth.RoleAdmin})
	if err != nil {
		return err
	}

	accounts := authpg.NewAccountRepository(pool)
	if err := accounts.Create(ctx, account); err != nil {
		if errors.Is(err, auth.ErrDuplicate) {
			cmd.Println("Administrator account already exists, skipping seed")
			return nil
		}
		return oops.Code("SEED_FAILED").With("operation", "create administrator").Wrap(err)
	}

	cmd.Printf("Created administrator account %q (%s)\n", account.Username, account.ID)
	return nil
}
