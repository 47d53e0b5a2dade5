package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

const resourceScheme = "saba://"

func textContents(uri string, v any) ([]mcp.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", uri, err)
	}
	return []mcp.ResourceContents{mcp.TextResourceContents{
		URI:      uri,
		MIMEType: "application/json",
		Text:     string(data),
	}}, nil
}

func (s *Server) registerResources() {
	s.mcp.AddResource(mcp.NewResource(
		resourceScheme+"devices",
		"devices",
		mcp.WithResourceDescription("Currently online devices"),
		mcp.WithMIMEType("application/json"),
	), func(_ context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		return textContents(req.Params.URI, s.deps.Devices.List(false))
	})

	s.mcp.AddResource(mcp.NewResource(
		resourceScheme+"devices/all",
		"devices-all",
		mcp.WithResourceDescription("All known devices, including offline"),
		mcp.WithMIMEType("application/json"),
	), func(_ context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		return textContents(req.Params.URI, s.deps.Devices.List(true))
	})

	s.mcp.AddResource(mcp.NewResource(
		resourceScheme+"projections",
		"projections",
		mcp.WithResourceDescription("Projection config and the resulting projected tool set"),
		mcp.WithMIMEType("application/json"),
	), func(_ context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		return textContents(req.Params.URI, map[string]any{
			"config": s.deps.Projections.Snapshot(),
			"tools":  s.deps.Tools.List(),
		})
	})

	s.mcp.AddResource(mcp.NewResource(
		resourceScheme+"ports",
		"ports",
		mcp.WithResourceDescription("Declared ports of every device"),
		mcp.WithMIMEType("application/json"),
	), func(_ context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		return textContents(req.Params.URI, s.deps.PortStore.List())
	})

	s.mcp.AddResource(mcp.NewResource(
		resourceScheme+"routing-matrix",
		"routing-matrix",
		mcp.WithResourceDescription("All routing edges with transforms"),
		mcp.WithMIMEType("application/json"),
	), func(_ context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		return textContents(req.Params.URI, s.deps.Matrix.List())
	})

	s.mcp.AddResourceTemplate(mcp.NewResourceTemplate(
		resourceScheme+"device/{id}",
		"device",
		mcp.WithTemplateDescription("One device record by id"),
		mcp.WithTemplateMIMEType("application/json"),
	), func(_ context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		id := strings.TrimPrefix(req.Params.URI, resourceScheme+"device/")
		rec, ok := s.deps.Devices.Get(id)
		if !ok {
			return nil, fmt.Errorf("device %q is not registered", id)
		}
		return textContents(req.Params.URI, rec)
	})

	s.mcp.AddResourceTemplate(mcp.NewResourceTemplate(
		resourceScheme+"asset/{request_id}",
		"asset",
		mcp.WithTemplateDescription("Cached event payload for a command request, for asset-bearing responses"),
		mcp.WithTemplateMIMEType("application/json"),
	), func(_ context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		requestID := strings.TrimPrefix(req.Params.URI, resourceScheme+"asset/")
		payload, ok := s.deps.Assets.Asset(requestID)
		if !ok {
			return nil, fmt.Errorf("no cached event for request %q", requestID)
		}
		return textContents(req.Params.URI, payload)
	})
}
