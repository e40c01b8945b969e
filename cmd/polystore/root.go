// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PolyStore Contributors

package main

import (
	"github.com/spf13/cobra"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the PolyStore auth CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "polystore",
		Short: "PolyStore authentication service",
		Long: `PolyStore's account service: credential login, delegated sign-in,
sessions, and password recovery for the storefront.`,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewSeedCmd())

	return cmd
}
