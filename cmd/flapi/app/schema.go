// SPDX-FileCopyrightText: Copyright 2025 flAPI authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/flapi-io/flapi/pkg/config"
	"github.com/flapi-io/flapi/pkg/engine"
	"github.com/flapi-io/flapi/pkg/errors"
	"github.com/flapi-io/flapi/pkg/logger"
)

func newSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema [table...]",
		Short: "Inspect the analytical database schema",
		Long: `List the tables visible to the engine, or describe the columns of the
named tables. Connection init statements (attach, create view, ...)
run first, so the listing reflects what endpoint templates can query.`,
		RunE:         schemaCmdFunc,
		SilenceUsage: true,
	}
}

func schemaCmdFunc(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	project, err := config.LoadProject(configPath)
	if err != nil {
		return err
	}

	eng, err := engine.Open(project.Engine, project.Connections)
	if err != nil {
		return errors.NewConfigurationError("opening engine", err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Warnf("closing engine: %v", err)
		}
	}()
	eng.Init(ctx)

	if len(args) == 0 {
		tables, err := eng.ListTables(ctx)
		if err != nil {
			return err
		}
		if len(tables) == 0 {
			cmd.Println("no tables")
			return nil
		}
		for _, name := range tables {
			cmd.Println(name)
		}
		return nil
	}

	for i, table := range args {
		columns, err := eng.DescribeTable(ctx, table)
		if err != nil {
			return err
		}
		if i > 0 {
			cmd.Println()
		}
		cmd.Printf("%s\n", table)
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
		for _, col := range columns {
			flags := ""
			if col.PK {
				flags += " pk"
			}
			if col.NotNull {
				flags += " not-null"
			}
			fmt.Fprintf(tw, "  %s\t%s\t%s\n", col.Name, col.Type, flags)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	return nil
}
