// SPDX-FileCopyrightText: Copyright 2025 flAPI authors
// SPDX-License-Identifier: Apache-2.0

// Package openapi projects the endpoint registry as an OpenAPI 3
// document. The document is rebuilt from the registry snapshot on each
// request so live descriptor edits show up without a restart.
package openapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/flapi-io/flapi/pkg/config"
)

// Document builds the OpenAPI description of every registered REST
// endpoint plus the system surface.
func Document(snap *config.Snapshot, version string) *openapi3.T {
	doc := &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:       "flAPI",
			Description: "SQL-backed REST endpoints generated from YAML descriptors",
			Version:     version,
			License: &openapi3.License{
				Name: "Apache 2.0",
				URL:  "http://www.apache.org/licenses/LICENSE-2.0.html",
			},
		},
		Paths: openapi3.NewPaths(),
		Tags: []*openapi3.Tag{
			{Name: "endpoints", Description: "Declarative SQL endpoints"},
		},
	}

	if snap.Project != nil && snap.Project.Name != "" {
		doc.Info.Title = snap.Project.Name
	}

	for _, ep := range snap.Endpoints {
		if ep.URLPath == "" {
			continue
		}
		path := oasPath(ep.URLPath)
		item := doc.Paths.Value(path)
		if item == nil {
			item = &openapi3.PathItem{}
			doc.Paths.Set(path, item)
		}
		op := endpointOperation(ep)
		if name := securitySchemeName(effectiveAuth(snap, ep)); name != "" {
			op.Security = openapi3.NewSecurityRequirements().
				With(openapi3.NewSecurityRequirement().Authenticate(name))
			ensureSecurityScheme(doc, name)
		}
		item.SetOperation(ep.HTTPMethod(), op)
	}
	return doc
}

// effectiveAuth mirrors the pipeline: the endpoint block wins, the
// project default fills in.
func effectiveAuth(snap *config.Snapshot, ep *config.Endpoint) *config.AuthConfig {
	if ep.Auth != nil {
		return ep.Auth
	}
	if snap.Project != nil {
		return snap.Project.Auth
	}
	return nil
}

func securitySchemeName(a *config.AuthConfig) string {
	if a == nil || !a.Enabled {
		return ""
	}
	switch a.Type {
	case "basic":
		return "basicAuth"
	case "bearer":
		return "bearerAuth"
	}
	return ""
}

func ensureSecurityScheme(doc *openapi3.T, name string) {
	if doc.Components == nil {
		doc.Components = &openapi3.Components{}
	}
	if doc.Components.SecuritySchemes == nil {
		doc.Components.SecuritySchemes = openapi3.SecuritySchemes{}
	}
	if _, ok := doc.Components.SecuritySchemes[name]; ok {
		return
	}
	switch name {
	case "basicAuth":
		doc.Components.SecuritySchemes[name] = &openapi3.SecuritySchemeRef{
			Value: openapi3.NewSecurityScheme().WithType("http").WithScheme("basic"),
		}
	case "bearerAuth":
		doc.Components.SecuritySchemes[name] = &openapi3.SecuritySchemeRef{
			Value: openapi3.NewSecurityScheme().WithType("http").WithScheme("bearer").WithBearerFormat("JWT"),
		}
	}
}

func endpointOperation(ep *config.Endpoint) *openapi3.Operation {
	op := &openapi3.Operation{
		OperationID: operationID(ep),
		Summary:     summary(ep),
		Tags:        []string{"endpoints"},
		Responses:   openapi3.NewResponses(),
	}

	var bodyProps map[string]*openapi3.SchemaRef
	var bodyRequired []string
	for i := range ep.Request {
		p := &ep.Request[i]
		if p.FieldIn == config.InBody {
			if bodyProps == nil {
				bodyProps = make(map[string]*openapi3.SchemaRef)
			}
			bodyProps[p.FieldName] = &openapi3.SchemaRef{Value: parameterSchema(p)}
			if p.Required {
				bodyRequired = append(bodyRequired, p.FieldName)
			}
			continue
		}
		op.Parameters = append(op.Parameters, &openapi3.ParameterRef{
			Value: &openapi3.Parameter{
				Name:        p.FieldName,
				In:          p.FieldIn,
				Description: p.Description,
				Required:    p.Required || p.FieldIn == config.InPath,
				Schema:      &openapi3.SchemaRef{Value: parameterSchema(p)},
			},
		})
	}

	if bodyProps != nil {
		op.RequestBody = &openapi3.RequestBodyRef{
			Value: &openapi3.RequestBody{
				Required: len(bodyRequired) > 0,
				Content: openapi3.NewContentWithJSONSchema(&openapi3.Schema{
					Type:       &openapi3.Types{"object"},
					Properties: bodyProps,
					Required:   bodyRequired,
				}),
			},
		}
	}

	if ep.IsWrite() {
		op.Responses.Set("200", jsonResponse("OK", writeResponseSchema()))
	} else {
		op.Parameters = append(op.Parameters, pagingParameters()...)
		op.Responses.Set("200", jsonResponse("OK", readResponseSchema()))
	}
	op.Responses.Set("400", jsonResponse("Bad Request", errorResponseSchema()))
	op.Responses.Set("500", jsonResponse("Internal Server Error", errorResponseSchema()))
	if ep.Auth != nil && ep.Auth.Enabled {
		op.Responses.Set("401", jsonResponse("Unauthorized", errorResponseSchema()))
		if len(ep.Auth.RequiredRoles) > 0 {
			op.Responses.Set("403", jsonResponse("Forbidden", errorResponseSchema()))
		}
	}
	if ep.RateLimit != nil && ep.RateLimit.Enabled {
		op.Responses.Set("429", jsonResponse("Too Many Requests", errorResponseSchema()))
	}
	return op
}

func parameterSchema(p *config.Parameter) *openapi3.Schema {
	schema := &openapi3.Schema{Type: &openapi3.Types{"string"}}
	for _, v := range p.Validators {
		switch v.Type {
		case "int":
			schema.Type = &openapi3.Types{"integer"}
			schema.Min = v.Min
			schema.Max = v.Max
		case "bool":
			schema.Type = &openapi3.Types{"boolean"}
		case "date":
			schema.Format = "date"
		case "time":
			schema.Format = "date-time"
		case "uuid":
			schema.Format = "uuid"
		case "email":
			schema.Format = "email"
		case "enum":
			for _, allowed := range v.AllowedValues {
				schema.Enum = append(schema.Enum, allowed)
			}
		case "string":
			if v.Regex != "" {
				schema.Pattern = v.Regex
			}
		}
	}
	if p.Default != nil {
		schema.Default = *p.Default
	}
	schema.Description = p.Description
	return schema
}

func pagingParameters() openapi3.Parameters {
	return openapi3.Parameters{
		{
			Value: &openapi3.Parameter{
				Name:        "limit",
				In:          "query",
				Description: "Maximum rows per page",
				Schema:      &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}}},
			},
		},
		{
			Value: &openapi3.Parameter{
				Name:        "offset",
				In:          "query",
				Description: "Rows to skip before the first result",
				Schema:      &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}}},
			},
		},
	}
}

func readResponseSchema() *openapi3.Schema {
	return &openapi3.Schema{
		Type: &openapi3.Types{"object"},
		Properties: map[string]*openapi3.SchemaRef{
			"data": {
				Value: &openapi3.Schema{
					Type:  &openapi3.Types{"array"},
					Items: &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"object"}}},
				},
			},
			"next": {
				Value: &openapi3.Schema{
					Type:        &openapi3.Types{"string"},
					Description: "Offset token for the next page; empty on the last page",
				},
			},
			"total_count": {
				Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}},
			},
		},
	}
}

func writeResponseSchema() *openapi3.Schema {
	return &openapi3.Schema{
		Type: &openapi3.Types{"object"},
		Properties: map[string]*openapi3.SchemaRef{
			"rows_affected":  {Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}}},
			"last_insert_id": {Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}}},
			"data": {
				Value: &openapi3.Schema{
					Type:  &openapi3.Types{"array"},
					Items: &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"object"}}},
				},
			},
		},
	}
}

func errorResponseSchema() *openapi3.Schema {
	return &openapi3.Schema{
		Type: &openapi3.Types{"object"},
		Properties: map[string]*openapi3.SchemaRef{
			"success":  {Value: &openapi3.Schema{Type: &openapi3.Types{"boolean"}}},
			"category": {Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
			"message":  {Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
			"details":  {Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
			"errors": {
				Value: &openapi3.Schema{
					Type: &openapi3.Types{"array"},
					Items: &openapi3.SchemaRef{
						Value: &openapi3.Schema{
							Type: &openapi3.Types{"object"},
							Properties: map[string]*openapi3.SchemaRef{
								"field":   {Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
								"message": {Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
							},
						},
					},
				},
			},
			"request_id": {Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
		},
	}
}

func jsonResponse(description string, schema *openapi3.Schema) *openapi3.ResponseRef {
	return &openapi3.ResponseRef{
		Value: &openapi3.Response{
			Description: &description,
			Content:     openapi3.NewContentWithJSONSchema(schema),
		},
	}
}

// oasPath rewrites :param route segments into OpenAPI {param} form.
func oasPath(path string) string {
	segs := strings.Split(path, "/")
	for i, seg := range segs {
		if strings.HasPrefix(seg, ":") && len(seg) > 1 {
			segs[i] = "{" + seg[1:] + "}"
		}
	}
	return strings.Join(segs, "/")
}

var opIDRe = regexp.MustCompile(`[^a-zA-Z0-9]+`)

func operationID(ep *config.Endpoint) string {
	id := opIDRe.ReplaceAllString(strings.Trim(ep.URLPath, "/"), "_")
	return strings.ToLower(ep.HTTPMethod()) + "_" + strings.Trim(id, "_")
}

func summary(ep *config.Endpoint) string {
	switch {
	case ep.MCPTool != nil && ep.MCPTool.Description != "":
		return ep.MCPTool.Description
	case ep.MCPResource != nil && ep.MCPResource.Description != "":
		return ep.MCPResource.Description
	}
	return fmt.Sprintf("%s %s", ep.HTTPMethod(), ep.URLPath)
}

// ServeDocument writes the current OpenAPI document as JSON.
func ServeDocument(registry *config.Registry, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Document(registry.Snapshot(), version))
	}
}

const scalarHTML = `<!doctype html>
<html>
  <head>
    <title>flAPI Reference</title>
    <meta charset="utf-8" />
    <meta name="viewport" content="width=device-width, initial-scale=1" />
  </head>
  <body>
    <script id="api-reference" type="application/json">
    %s
    </script>
    <script src="https://cdn.jsdelivr.net/npm/@scalar/api-reference"></script>
  </body>
</html>`

// ServeReference serves a Scalar API reference page with the current
// document embedded.
func ServeReference(registry *config.Registry, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		spec, err := json.Marshal(Document(registry.Snapshot(), version))
		if err != nil {
			http.Error(w, "Failed to marshal OpenAPI specification", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = fmt.Fprintf(w, scalarHTML, spec)
	}
}
