package mcp

import (
	"context"
	"encoding/json"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

// registerResources registers all MCP resources on the server.
func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"probecore://tasks/current",
			"Current Task",
			mcplib.WithResourceDescription("The task currently holding the stage, or null"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleCurrentTaskResource,
	)

	s.mcpServer.AddResource(
		mcplib.NewResource(
			"probecore://positions",
			"Axis Positions",
			mcplib.WithResourceDescription("Position and state of every axis"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handlePositionsResource,
	)
}

func (s *Server) handleCurrentTaskResource(_ context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	if s.deps.Tasks == nil {
		return jsonResource(req.Params.URI, `{"error":"task service not configured"}`), nil
	}
	var data []byte
	if t, ok := s.deps.Tasks.Current(); ok {
		b, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		data = b
	} else {
		data = []byte("null")
	}
	return jsonResource(req.Params.URI, string(data)), nil
}

func (s *Server) handlePositionsResource(ctx context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	if s.deps.Positions == nil {
		return jsonResource(req.Params.URI, `{"error":"position service not configured"}`), nil
	}
	axes, err := s.deps.Positions.Positions(ctx)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(axes)
	if err != nil {
		return nil, err
	}
	return jsonResource(req.Params.URI, string(data)), nil
}

func jsonResource(uri, text string) []mcplib.ResourceContents {
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     text,
		},
	}
}
