// SPDX-FileCopyrightText: Copyright 2025 flAPI authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/flapi-io/flapi/pkg/config"
)

func newEndpointsCommand() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:          "endpoints",
		Short:        "List the configured endpoints",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return endpointsCmdFunc(cmd, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output the listing as JSON")
	return cmd
}

type endpointRow struct {
	Method     string `json:"method"`
	Path       string `json:"path,omitempty"`
	MCPName    string `json:"mcp_name,omitempty"`
	Slug       string `json:"slug,omitempty"`
	Connection string `json:"connection"`
	CacheMode  string `json:"cache_mode,omitempty"`
	AuthType   string `json:"auth_type,omitempty"`
}

func endpointsCmdFunc(cmd *cobra.Command, jsonOutput bool) error {
	_, registry, err := config.Load(configPath)
	if err != nil {
		return err
	}

	var rows []endpointRow
	for _, ep := range registry.Snapshot().Endpoints {
		row := endpointRow{
			Method:     ep.HTTPMethod(),
			Path:       ep.URLPath,
			Connection: ep.PrimaryConnection(),
		}
		if ep.URLPath != "" {
			row.Slug = config.PathToSlug(ep.URLPath)
		} else {
			// MCP-only descriptors have no HTTP route.
			row.MCPName = ep.MCPName()
		}
		if ep.Cache != nil && ep.Cache.Enabled {
			row.CacheMode = string(ep.Cache.Mode())
		}
		if ep.Auth != nil && ep.Auth.Enabled {
			row.AuthType = ep.Auth.Type
		}
		rows = append(rows, row)
	}

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "METHOD\tPATH\tSLUG\tCONNECTION\tCACHE\tAUTH")
	for _, row := range rows {
		path, slug := row.Path, row.Slug
		if path == "" {
			path, slug = "(mcp: "+row.MCPName+")", "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			row.Method, path, slug, row.Connection, orDash(row.CacheMode), orDash(row.AuthType))
	}
	return w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
