// SPDX-FileCopyrightText: Copyright 2025 flAPI authors
// SPDX-License-Identifier: Apache-2.0

// Package server assembles the HTTP surface: declarative endpoints via
// the request pipeline, the _config live-edit API, the cache control
// API, the MCP transport, metrics and health.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flapi-io/flapi/pkg/cache"
	"github.com/flapi-io/flapi/pkg/config"
	"github.com/flapi-io/flapi/pkg/engine"
	"github.com/flapi-io/flapi/pkg/handler"
	"github.com/flapi-io/flapi/pkg/logger"
	"github.com/flapi-io/flapi/pkg/mcpserver"
	"github.com/flapi-io/flapi/pkg/openapi"
	"github.com/flapi-io/flapi/pkg/telemetry"
)

const readHeaderTimeout = 10 * time.Second

// Server bundles the pieces the HTTP surface is assembled from.
type Server struct {
	registry *config.Registry
	eng      *engine.Engine
	caches   *cache.Manager
	pipeline *handler.Pipeline
	mcp      *mcpserver.Server
	metrics  *telemetry.Metrics
	version  string
}

// New wires the HTTP surface around an already-initialized pipeline.
func New(
	registry *config.Registry,
	eng *engine.Engine,
	caches *cache.Manager,
	pipeline *handler.Pipeline,
	mcp *mcpserver.Server,
	metrics *telemetry.Metrics,
	version string,
) *Server {
	return &Server{
		registry: registry,
		eng:      eng,
		caches:   caches,
		pipeline: pipeline,
		mcp:      mcp,
		metrics:  metrics,
		version:  version,
	}
}

// Router builds the chi router. Anything not claimed by a system route
// falls through to the declarative endpoint pipeline.
func (s *Server) Router() http.Handler {
	project := s.registry.Snapshot().Project

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.Timeout(project.RequestTimeout()),
		requestLogger,
	)
	if project.CORS.Enabled {
		r.Use(cors.Handler(corsOptions(project.CORS)))
	}

	r.Get("/health", healthcheck)
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}

	r.Mount("/api/v1/_config", s.configRouter())
	r.Mount("/api/v1/_cache", s.cacheRouter())

	r.Get("/api/openapi.json", openapi.ServeDocument(s.registry, s.version))
	r.Get("/api/doc", openapi.ServeReference(s.registry, s.version))

	if s.mcp != nil {
		r.Mount("/mcp/jsonrpc", s.mcp.Handler("/mcp/jsonrpc"))
	}

	// Declarative endpoints own the rest of the URL space.
	r.NotFound(s.pipeline.ServeHTTP)
	r.MethodNotAllowed(s.pipeline.ServeHTTP)
	return r
}

func healthcheck(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// Serve runs the server on addr until ctx is cancelled, then shuts down
// gracefully. TLS is used when enforce-https is configured.
func (s *Server) Serve(ctx context.Context, addr string) error {
	project := s.registry.Snapshot().Project

	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if project.EnforceHTTPS.Enabled {
			logger.Infof("starting HTTPS server on %s", addr)
			err = srv.ListenAndServeTLS(project.EnforceHTTPS.SSLCertFile, project.EnforceHTTPS.SSLKeyFile)
		} else {
			logger.Infof("starting HTTP server on %s", addr)
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}
