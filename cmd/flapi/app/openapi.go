// SPDX-FileCopyrightText: Copyright 2025 flAPI authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flapi-io/flapi/pkg/config"
	"github.com/flapi-io/flapi/pkg/openapi"
	"github.com/flapi-io/flapi/pkg/versions"
)

func newOpenAPICommand() *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "openapi",
		Short: "Export the OpenAPI document for the configured endpoints",
		Long: `Build the OpenAPI 3.0 document from the endpoint descriptors and write
it as JSON, without starting the server.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, registry, err := config.Load(configPath)
			if err != nil {
				return err
			}
			doc := openapi.Document(registry.Snapshot(), versions.GetVersionInfo().Version)
			data, err := json.MarshalIndent(doc, "", "  ")
			if err != nil {
				return fmt.Errorf("encoding document: %w", err)
			}
			data = append(data, '\n')
			if outPath == "" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(outPath, data, 0o600)
		},
	}
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "Write the document to a file instead of stdout")
	return cmd
}
