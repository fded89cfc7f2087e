// SPDX-FileCopyrightText: Copyright 2025 flAPI authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"gopkg.in/yaml.v3"

	"github.com/flapi-io/flapi/pkg/config"
	"github.com/flapi-io/flapi/pkg/errors"
	"github.com/flapi-io/flapi/pkg/logger"
)

// configRouter serves the live-edit surface: project and endpoint
// introspection, descriptor CRUD by slug, runtime log level, and schema
// introspection.
func (s *Server) configRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/project", s.getProject)
	r.Get("/endpoints", s.listEndpoints)

	r.Route("/endpoints/{slug}", func(r chi.Router) {
		r.Get("/", s.getEndpoint)
		r.Post("/", s.upsertEndpoint)
		r.Put("/", s.upsertEndpoint)
		r.Delete("/", s.deleteEndpoint)
		r.Post("/validate", s.validateEndpoint)
		r.Post("/reload", s.reloadEndpoint)
		r.Get("/parameters", s.endpointParameters)
		r.Post("/test", s.testEndpoint)
		r.Post("/expand", s.expandEndpoint)
	})

	r.Get("/log-level", getLogLevel)
	r.Put("/log-level", putLogLevel)
	r.Get("/schema", s.getSchema)
	return r
}

func (s *Server) getProject(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Snapshot().Project.Redacted())
}

func (s *Server) listEndpoints(w http.ResponseWriter, _ *http.Request) {
	snap := s.registry.Snapshot()
	out := make(map[string]*config.Endpoint, len(snap.Endpoints))
	for _, ep := range snap.Endpoints {
		out[ep.URLPath] = ep
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) endpointBySlug(r *http.Request) (*config.Endpoint, *errors.Error) {
	slug := chi.URLParam(r, "slug")
	ep := s.registry.Snapshot().BySlug(slug)
	if ep == nil {
		return nil, errors.NewNotFoundError("No endpoint matches this slug")
	}
	return ep, nil
}

func (s *Server) getEndpoint(w http.ResponseWriter, r *http.Request) {
	ep, apiErr := s.endpointBySlug(r)
	if apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

// upsertEndpoint accepts a YAML (or JSON) descriptor body and swaps it
// into the registry. The slug fixes the URL path; a body that names a
// different path is rejected.
func (s *Server) upsertEndpoint(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	path := config.SlugToPath(slug)

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeAPIError(w, errors.NewValidationError([]errors.FieldError{
			{Field: "body", Message: "Unable to read request body"},
		}))
		return
	}

	var ep config.Endpoint
	if err := yaml.Unmarshal(body, &ep); err != nil {
		writeAPIError(w, errors.NewValidationError([]errors.FieldError{
			{Field: "body", Message: "Malformed endpoint descriptor"},
		}))
		return
	}
	if ep.URLPath == "" {
		ep.URLPath = path
	}
	if ep.URLPath != path {
		writeAPIError(w, errors.NewValidationError([]errors.FieldError{
			{Field: "url-path", Message: "Descriptor path does not match slug"},
		}))
		return
	}

	if err := s.registry.Upsert(&ep); err != nil {
		writeAPIError(w, errors.AsError(err))
		return
	}
	if s.mcp != nil {
		s.mcp.Reload()
	}
	logger.Infof("endpoint %s upserted via config API", ep.URLPath)
	writeJSON(w, http.StatusOK, &ep)
}

func (s *Server) deleteEndpoint(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	removed, err := s.registry.Remove(slug)
	if err != nil {
		writeAPIError(w, errors.AsError(err))
		return
	}
	if !removed {
		writeAPIError(w, errors.NewNotFoundError("No endpoint matches this slug"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// validateEndpoint checks a descriptor body without touching the
// registry.
func (s *Server) validateEndpoint(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeAPIError(w, errors.NewValidationError([]errors.FieldError{
			{Field: "body", Message: "Unable to read request body"},
		}))
		return
	}

	type validationReport struct {
		Valid  bool     `json:"valid"`
		Errors []string `json:"errors,omitempty"`
	}

	var ep config.Endpoint
	if err := yaml.Unmarshal(body, &ep); err != nil {
		writeJSON(w, http.StatusOK, validationReport{Errors: []string{err.Error()}})
		return
	}
	if err := ep.Validate(); err != nil {
		writeJSON(w, http.StatusOK, validationReport{Errors: []string{err.Error()}})
		return
	}
	writeJSON(w, http.StatusOK, validationReport{Valid: true})
}

// reloadEndpoint re-reads the endpoint's descriptor file from disk.
func (s *Server) reloadEndpoint(w http.ResponseWriter, r *http.Request) {
	ep, apiErr := s.endpointBySlug(r)
	if apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}
	if ep.SourceFile == "" {
		writeAPIError(w, errors.NewConfigurationError("Endpoint has no descriptor file to reload", nil))
		return
	}
	if err := s.registry.Reload(ep.SourceFile); err != nil {
		writeAPIError(w, errors.AsError(err))
		return
	}
	if s.mcp != nil {
		s.mcp.Reload()
	}
	writeJSON(w, http.StatusOK, s.registry.Snapshot().BySlug(chi.URLParam(r, "slug")))
}

func (s *Server) endpointParameters(w http.ResponseWriter, r *http.Request) {
	ep, apiErr := s.endpointBySlug(r)
	if apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}
	params := ep.Request
	if params == nil {
		params = []config.Parameter{}
	}
	writeJSON(w, http.StatusOK, params)
}

// testEndpoint runs the endpoint once with caller-provided parameters
// and returns the pipeline result without going through HTTP routing.
func (s *Server) testEndpoint(w http.ResponseWriter, r *http.Request) {
	ep, apiErr := s.endpointBySlug(r)
	if apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}

	var req struct {
		Params map[string]any `json:"params"`
	}
	if r.Body != nil {
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil && err != io.EOF {
			writeAPIError(w, errors.NewValidationError([]errors.FieldError{
				{Field: "body", Message: "Malformed test request"},
			}))
			return
		}
	}

	result, callErr := s.pipeline.CallEndpoint(r.Context(), ep, req.Params)
	if callErr != nil {
		writeAPIError(w, callErr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"result":  result,
	})
}

// expandEndpoint renders the endpoint's SQL with caller-provided
// parameters without running it, so descriptor authors can see the
// exact statement a request would execute.
func (s *Server) expandEndpoint(w http.ResponseWriter, r *http.Request) {
	ep, apiErr := s.endpointBySlug(r)
	if apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}

	var req struct {
		Params map[string]any `json:"params"`
	}
	if r.Body != nil {
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil && err != io.EOF {
			writeAPIError(w, errors.NewValidationError([]errors.FieldError{
				{Field: "body", Message: "Malformed expand request"},
			}))
			return
		}
	}

	sqlText, expErr := s.pipeline.ExpandEndpoint(r.Context(), ep, req.Params)
	if expErr != nil {
		writeAPIError(w, expErr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"endpoint": ep.URLPath,
		"sql":      sqlText,
	})
}

func getLogLevel(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"level": logger.GetLevel()})
}

func putLogLevel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Level string `json:"level"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, errors.NewValidationError([]errors.FieldError{
			{Field: "level", Message: "Malformed log level request"},
		}))
		return
	}
	if err := logger.SetLevel(req.Level); err != nil {
		writeAPIError(w, errors.NewValidationError([]errors.FieldError{
			{Field: "level", Message: err.Error()},
		}))
		return
	}
	logger.Infof("log level set to %s via config API", req.Level)
	writeJSON(w, http.StatusOK, map[string]string{"level": logger.GetLevel()})
}

// getSchema lists tables, or describes one when ?table= is given.
func (s *Server) getSchema(w http.ResponseWriter, r *http.Request) {
	table := r.URL.Query().Get("table")
	if table == "" {
		tables, err := s.eng.ListTables(r.Context())
		if err != nil {
			writeAPIError(w, errors.AsError(err))
			return
		}
		if tables == nil {
			tables = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"tables": tables})
		return
	}

	columns, err := s.eng.DescribeTable(r.Context(), table)
	if err != nil {
		writeAPIError(w, errors.AsError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"table":   table,
		"columns": columns,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Errorf("encoding response: %v", err)
	}
}

func writeAPIError(w http.ResponseWriter, e *errors.Error) {
	writeJSON(w, e.HTTPStatus(), e.ToResponse())
}
