// SPDX-FileCopyrightText: Copyright 2025 flAPI authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/flapi-io/flapi/pkg/cache"
	"github.com/flapi-io/flapi/pkg/config"
	"github.com/flapi-io/flapi/pkg/errors"
)

// cacheRouter exposes cache status, snapshot lineage and the manual
// refresh and purge triggers.
func (s *Server) cacheRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/status", s.cacheStatus)
	r.Get("/snapshots/{slug}", s.cacheSnapshots)
	r.Post("/refresh/{slug}", s.cacheRefresh)
	r.Delete("/{slug}", s.cachePurge)
	return r
}

// cachedEndpointBySlug resolves a slug to a cache-enabled endpoint; a
// nil return means the error has been written.
func (s *Server) cachedEndpointBySlug(w http.ResponseWriter, slug string) *config.Endpoint {
	if s.caches == nil {
		writeAPIError(w, errors.NewConfigurationError("Cache catalog is not enabled", nil))
		return nil
	}
	ep := s.registry.Snapshot().BySlug(slug)
	if ep == nil {
		writeAPIError(w, errors.NewNotFoundError("No endpoint matches this slug"))
		return nil
	}
	if ep.Cache == nil || !ep.Cache.Enabled {
		writeAPIError(w, errors.NewConfigurationError("Endpoint has no cache", nil))
		return nil
	}
	return ep
}

// cacheSnapshots lists the committed snapshot lineage, newest first.
func (s *Server) cacheSnapshots(w http.ResponseWriter, r *http.Request) {
	ep := s.cachedEndpointBySlug(w, chi.URLParam(r, "slug"))
	if ep == nil {
		return
	}
	snaps, err := s.caches.Snapshots(r.Context(), ep)
	if err != nil {
		writeAPIError(w, errors.AsError(err))
		return
	}
	if snaps == nil {
		snaps = []cache.Snapshot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"endpoint":  ep.URLPath,
		"snapshots": snaps,
	})
}

// cachePurge drops every snapshot of the endpoint. Reads fall back to
// an on-demand rebuild.
func (s *Server) cachePurge(w http.ResponseWriter, r *http.Request) {
	ep := s.cachedEndpointBySlug(w, chi.URLParam(r, "slug"))
	if ep == nil {
		return
	}
	dropped, err := s.caches.Purge(r.Context(), ep)
	if err != nil {
		writeAPIError(w, errors.AsError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"endpoint": ep.URLPath,
		"dropped":  dropped,
	})
}

func (s *Server) cacheStatus(w http.ResponseWriter, _ *http.Request) {
	if s.caches == nil {
		writeJSON(w, http.StatusOK, map[string]any{"endpoints": []any{}})
		return
	}
	statuses := s.caches.Status(s.registry.Snapshot().CachedEndpoints())
	writeJSON(w, http.StatusOK, map[string]any{"endpoints": statuses})
}

// cacheRefresh triggers a refresh for the endpoint identified by slug.
// A refresh already in flight is joined, not queued behind.
func (s *Server) cacheRefresh(w http.ResponseWriter, r *http.Request) {
	ep := s.cachedEndpointBySlug(w, chi.URLParam(r, "slug"))
	if ep == nil {
		return
	}

	result, err := s.caches.Refresh(r.Context(), ep, "manual")
	if err != nil {
		writeAPIError(w, errors.AsError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"endpoint":  ep.URLPath,
		"mode":      string(result.Mode),
		"coalesced": result.Coalesced,
		"snapshot":  result.Snapshot,
	})
}
