// SPDX-FileCopyrightText: Copyright 2025 flAPI authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/flapi-io/flapi/pkg/cache"
	"github.com/flapi-io/flapi/pkg/config"
	"github.com/flapi-io/flapi/pkg/engine"
	"github.com/flapi-io/flapi/pkg/errors"
	"github.com/flapi-io/flapi/pkg/handler"
	"github.com/flapi-io/flapi/pkg/logger"
	"github.com/flapi-io/flapi/pkg/mcpserver"
	"github.com/flapi-io/flapi/pkg/scheduler"
	"github.com/flapi-io/flapi/pkg/server"
	"github.com/flapi-io/flapi/pkg/telemetry"
	"github.com/flapi-io/flapi/pkg/versions"
)

const defaultPort = 8080

var (
	servePort int
	serveHost string
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "serve",
		Short:        "Start the flAPI server",
		Long:         `Load the project configuration and serve its endpoints over HTTP and MCP.`,
		RunE:         serveCmdFunc,
		SilenceUsage: true,
	}
	cmd.Flags().IntVarP(&servePort, "port", "p", defaultPort, "Port to listen on")
	cmd.Flags().StringVar(&serveHost, "host", "", "Host to bind to (default all interfaces)")
	return cmd
}

func serveCmdFunc(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	project, registry, err := config.Load(configPath)
	if err != nil {
		return err
	}
	versionInfo := versions.GetVersionInfo()
	logger.Infof("flapi %s starting with project %q", versionInfo.Version, project.Name)

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

	metrics := telemetry.New()

	var caches *cache.Manager
	if project.Catalog.Enabled {
		caches, err = cache.NewManager(ctx, eng, registry.Loader(), project.Catalog, metrics)
		if err != nil {
			return err
		}
		for _, ep := range registry.Snapshot().CachedEndpoints() {
			if err := caches.Recover(ctx, ep); err != nil {
				logger.Warnf("recovering cache for %s: %v", ep.URLPath, err)
			}
		}
	}

	pipeline := handler.New(ctx, registry, eng, caches, metrics)
	mcp := mcpserver.New(registry, pipeline, versionInfo.Version)

	if project.Heartbeat.Enabled && caches != nil {
		sched, err := scheduler.New(caches, registry, project.Heartbeat)
		if err != nil {
			return errors.NewConfigurationError("configuring heartbeat", err)
		}
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer sched.Stop()
	}

	if watcher, err := config.NewWatcher(registry); err != nil {
		logger.Warnf("descriptor watching disabled: %v", err)
	} else {
		go watcher.Run(ctx)
	}

	srv := server.New(registry, eng, caches, pipeline, mcp, metrics, versionInfo.Version)
	addr := fmt.Sprintf("%s:%d", serveHost, servePort)
	return srv.Serve(ctx, addr)
}
