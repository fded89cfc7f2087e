// SPDX-FileCopyrightText: Copyright 2025 flAPI authors
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the flapi command-line
// application.
package app

import (
	"github.com/spf13/cobra"

	"github.com/flapi-io/flapi/pkg/logger"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:               "flapi",
	DisableAutoGenTag: true,
	Short:             "flAPI turns SQL templates into REST and MCP endpoints",
	Long: `flAPI serves declarative endpoints: YAML descriptors bind SQL templates
to REST routes and MCP tools, with validation, auth, rate limiting and
materialized cache tables handled by the runtime.`,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize(logLevel)
	},
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates the root command for the flapi CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "flapi.yaml", "Path to the project configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warning, error)")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newEndpointsCommand())
	rootCmd.AddCommand(newOpenAPICommand())
	rootCmd.AddCommand(newRefreshCommand())
	rootCmd.AddCommand(newSchemaCommand())
	rootCmd.AddCommand(newVersionCommand())
	return rootCmd
}
