// SPDX-FileCopyrightText: Copyright 2025 flAPI authors
// SPDX-License-Identifier: Apache-2.0

// Package mcpserver projects the endpoint registry onto the Model
// Context Protocol: mcp-tool views become callable tools backed by the
// request pipeline, mcp-resource views become read-only resources, and
// mcp-prompt views render their template as a prompt message.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/flapi-io/flapi/pkg/config"
	"github.com/flapi-io/flapi/pkg/handler"
	"github.com/flapi-io/flapi/pkg/logger"
	"github.com/flapi-io/flapi/pkg/template"
)

// Server wraps the mcp-go server with endpoint registration.
type Server struct {
	registry *config.Registry
	pipeline *handler.Pipeline
	mcp      *server.MCPServer
}

// New creates the MCP server and registers every endpoint with an MCP
// view from the current registry snapshot.
func New(registry *config.Registry, pipeline *handler.Pipeline, version string) *Server {
	s := &Server{
		registry: registry,
		pipeline: pipeline,
		mcp: server.NewMCPServer(
			"flapi",
			version,
			server.WithToolCapabilities(true),
			server.WithResourceCapabilities(false, true),
			server.WithPromptCapabilities(true),
			server.WithLogging(),
		),
	}
	s.Reload()
	return s
}

// Reload re-registers MCP views from the current registry snapshot.
// Registration by name overwrites, so reload after a descriptor change
// is an upsert.
func (s *Server) Reload() {
	snap := s.registry.Snapshot()
	for _, ep := range snap.Endpoints {
		switch {
		case ep.MCPTool != nil:
			s.registerTool(ep)
		case ep.MCPResource != nil:
			s.registerResource(ep)
		case ep.MCPPrompt != nil:
			s.registerPrompt(ep)
		}
	}
}

// Handler returns the streamable HTTP transport for mounting at the
// JSON-RPC path.
func (s *Server) Handler(endpointPath string) http.Handler {
	return server.NewStreamableHTTPServer(
		s.mcp,
		server.WithEndpointPath(endpointPath),
		server.WithStateLess(true),
	)
}

func (s *Server) registerTool(ep *config.Endpoint) {
	view := ep.MCPTool
	s.mcp.AddTool(mcp.Tool{
		Name:        view.Name,
		Description: view.Description,
		InputSchema: parameterSchema(toolParams(ep)),
	}, s.toolHandler(ep))
}

// toolParams prefers the view's own argument declarations, falling back
// to the endpoint's request parameters.
func toolParams(ep *config.Endpoint) []config.Parameter {
	if len(ep.MCPTool.Arguments) > 0 {
		return ep.MCPTool.Arguments
	}
	return ep.Request
}

func (s *Server) toolHandler(ep *config.Endpoint) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, callErr := s.pipeline.CallEndpoint(ctx, ep, request.GetArguments())
		if callErr != nil {
			data, _ := json.Marshal(callErr.ToResponse())
			return mcp.NewToolResultError(string(data)), nil
		}
		return mcp.NewToolResultStructuredOnly(result), nil
	}
}

func (s *Server) registerResource(ep *config.Endpoint) {
	view := ep.MCPResource
	uri := "flapi://" + view.Name
	s.mcp.AddResource(mcp.Resource{
		URI:         uri,
		Name:        view.Name,
		Description: view.Description,
		MIMEType:    "application/json",
	}, func(ctx context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		result, callErr := s.pipeline.CallEndpoint(ctx, ep, nil)
		if callErr != nil {
			return nil, callErr
		}
		data, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("encoding resource %s: %w", view.Name, err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{URI: uri, MIMEType: "application/json", Text: string(data)},
		}, nil
	})
}

func (s *Server) registerPrompt(ep *config.Endpoint) {
	view := ep.MCPPrompt
	args := make([]mcp.PromptArgument, 0, len(view.Arguments))
	for _, p := range view.Arguments {
		args = append(args, mcp.PromptArgument{
			Name:        p.FieldName,
			Description: p.Description,
			Required:    p.Required,
		})
	}
	s.mcp.AddPrompt(mcp.Prompt{
		Name:        view.Name,
		Description: view.Description,
		Arguments:   args,
	}, func(_ context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		params := make(map[string]any, len(request.Params.Arguments))
		for name, value := range request.Params.Arguments {
			params[name] = value
		}
		source := view.Template
		if source == "" {
			source = ep.Template
		}
		tmplCtx := template.NewContext().
			WithScope("params", params).
			WithScope("env", s.registry.Loader().Allowlist().Snapshot())
		rendered, err := template.Expand(source, tmplCtx, s.registry.Loader().ReadTemplate)
		if err != nil {
			logger.Warnf("prompt %s failed to render: %v", view.Name, err)
			return nil, fmt.Errorf("rendering prompt %s: %w", view.Name, err)
		}
		return &mcp.GetPromptResult{
			Description: view.Description,
			Messages: []mcp.PromptMessage{
				mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent(rendered)),
			},
		}, nil
	})
}

// parameterSchema maps parameter declarations onto a JSON schema object
// the way MCP clients expect.
func parameterSchema(params []config.Parameter) mcp.ToolInputSchema {
	properties := make(map[string]any, len(params))
	var required []string
	for i := range params {
		p := &params[i]
		properties[p.FieldName] = map[string]any{
			"type":        schemaType(p),
			"description": p.Description,
		}
		if p.Required {
			required = append(required, p.FieldName)
		}
	}
	return mcp.ToolInputSchema{
		Type:       "object",
		Properties: properties,
		Required:   required,
	}
}

func schemaType(p *config.Parameter) string {
	for _, v := range p.Validators {
		switch v.Type {
		case "int":
			return "integer"
		case "bool":
			return "boolean"
		}
	}
	return "string"
}
