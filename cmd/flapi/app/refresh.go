// SPDX-FileCopyrightText: Copyright 2025 flAPI authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flapi-io/flapi/pkg/cache"
	"github.com/flapi-io/flapi/pkg/config"
	"github.com/flapi-io/flapi/pkg/engine"
	"github.com/flapi-io/flapi/pkg/errors"
	"github.com/flapi-io/flapi/pkg/logger"
	"github.com/flapi-io/flapi/pkg/telemetry"
)

func newRefreshCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh [slug...]",
		Short: "Run cache refreshes once and exit",
		Long: `Materialize cache snapshots for the named endpoints without starting
the server. With no arguments every cached endpoint is refreshed.
Slugs use the same encoding as the config API (path separators become
-slash-).`,
		RunE:         refreshCmdFunc,
		SilenceUsage: true,
	}
}

func refreshCmdFunc(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	project, registry, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if !project.Catalog.Enabled {
		return errors.NewConfigurationError("cache catalog is not enabled in the project file", nil)
	}

	snap := registry.Snapshot()
	var targets []*config.Endpoint
	if len(args) == 0 {
		targets = snap.CachedEndpoints()
	} else {
		for _, slug := range args {
			ep := snap.BySlug(slug)
			if ep == nil {
				return errors.NewNotFoundError(fmt.Sprintf("no endpoint matches slug %q", slug))
			}
			if ep.Cache == nil || !ep.Cache.Enabled {
				return errors.NewConfigurationError(
					fmt.Sprintf("endpoint %s has no cache to refresh", ep.URLPath), nil)
			}
			targets = append(targets, ep)
		}
	}
	if len(targets) == 0 {
		cmd.Println("no cached endpoints configured")
		return nil
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

	caches, err := cache.NewManager(ctx, eng, registry.Loader(), project.Catalog, telemetry.New())
	if err != nil {
		return err
	}

	var failed int
	for _, ep := range targets {
		result, err := caches.Refresh(ctx, ep, "cli")
		if err != nil {
			failed++
			cmd.PrintErrf("%s: %v\n", ep.URLPath, err)
			continue
		}
		if result.Snapshot != nil {
			cmd.Printf("%s: %s snapshot %d (%d rows)\n",
				ep.URLPath, result.Mode, result.Snapshot.ID, result.Snapshot.RowCount)
		} else {
			cmd.Printf("%s: %s refresh complete\n", ep.URLPath, result.Mode)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d refresh(es) failed", failed)
	}
	return nil
}
