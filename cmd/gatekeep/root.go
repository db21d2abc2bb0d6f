// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/holomush/gatekeep/internal/config"
	"github.com/holomush/gatekeep/internal/xdg"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the gatekeep CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gatekeep",
		Short: "gatekeep - session-aware route guard",
		Long: `gatekeep observes the signed-in session of an identity provider and
guards routes with it: protected pages redirect to the entry page when
nobody is signed in, public-only pages redirect home when someone is.`,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (default $XDG_CONFIG_HOME/gatekeep/config.yaml)")

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewWatchCmd())
	cmd.AddCommand(NewStatusCmd())
	cmd.AddCommand(NewConfigCmd())

	return cmd
}

// resolveConfigFile returns the --config path, else the default file under
// the XDG config directory when one exists, else "".
func resolveConfigFile() (string, error) {
	if configFile != "" {
		return configFile, nil
	}
	path, ok, err := xdg.FindConfigFile()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	return path, nil
}

// loadConfig loads the configuration named by --config or found by
// resolveConfigFile, overridden by the changed flags in fs.
func loadConfig(fs *pflag.FlagSet) (*config.Config, error) {
	path, err := resolveConfigFile()
	if err != nil {
		return nil, fmt.Errorf("failed to locate configuration: %w", err)
	}
	cfg, err := config.Load(path, fs)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}
