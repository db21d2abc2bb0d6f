// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/holomush/gatekeep/internal/config"
)

// NewConfigCmd creates the config command group.
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect gatekeep configuration",
	}
	cmd.AddCommand(newConfigValidateCmd())
	cmd.AddCommand(newConfigSchemaCmd())
	return cmd
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a configuration file without starting the server",
		Long: `Checks a configuration file against the JSON Schema and the semantic
rules applied at startup. The file defaults to --config.
Exits with code 0 on success, non-zero on failure.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configFile
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return fmt.Errorf("no configuration file given")
			}

			cfg, err := config.Load(path, nil)
			if err != nil {
				return fmt.Errorf("validation failed: %w", err)
			}

			table, err := cfg.RouteTable()
			if err != nil {
				return fmt.Errorf("validation failed: %w", err)
			}
			cmd.Printf("%s: valid (provider %s, %d route rules)\n", path, cfg.Provider.Kind, len(table.Rules()))
			return nil
		},
	}
}

func newConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON Schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			schema, err := config.GenerateSchema()
			if err != nil {
				return fmt.Errorf("failed to generate schema: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(append(schema, '\n'))
			return err
		},
	}
}
