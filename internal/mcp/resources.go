package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/togi/internal/model"
)

func (s *Server) registerResources() {
	// togi://deliberations/recent — latest deliberations in any stage.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"togi://deliberations/recent",
			"Recent Deliberations",
			mcplib.WithResourceDescription("Most recently created deliberations in any stage"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleDeliberationsRecent,
	)

	// togi://deliberations/open — deliberations still collecting opinions.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"togi://deliberations/open",
			"Open Deliberations",
			mcplib.WithResourceDescription("Deliberations in the opinion stage, still accepting participants"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleDeliberationsOpen,
	)

	// togi://deliberations/{id} — full detail for one deliberation.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"togi://deliberations/{id}",
			"Deliberation Detail",
			mcplib.WithTemplateDescription("Full transcript of one deliberation: opinions, statements, rankings, critiques, feedback"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleDeliberationDetail,
	)
}

func (s *Server) handleDeliberationsRecent(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	deliberations, total, err := s.delib.List(ctx, nil, 20, 0)
	if err != nil {
		return nil, fmt.Errorf("mcp: recent deliberations: %w", err)
	}
	return listContents("togi://deliberations/recent", deliberations, total)
}

func (s *Server) handleDeliberationsOpen(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	stage := model.StageOpinion
	deliberations, total, err := s.delib.List(ctx, &stage, 20, 0)
	if err != nil {
		return nil, fmt.Errorf("mcp: open deliberations: %w", err)
	}
	return listContents("togi://deliberations/open", deliberations, total)
}

func (s *Server) handleDeliberationDetail(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	id, err := parseDeliberationURI(request.Params.URI)
	if err != nil {
		return nil, err
	}

	detail, err := s.delib.Detail(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: deliberation detail: %w", err)
	}

	data, err := json.MarshalIndent(detail, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal detail: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// listContents renders a compacted deliberation list as resource contents.
func listContents(uri string, deliberations []model.Deliberation, total int) ([]mcplib.ResourceContents, error) {
	compact := make([]map[string]any, 0, len(deliberations))
	for _, d := range deliberations {
		compact = append(compact, compactDeliberation(d))
	}

	data, err := json.MarshalIndent(map[string]any{
		"deliberations": compact,
		"total":         total,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal deliberations: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// parseDeliberationURI extracts the deliberation UUID from a
// togi://deliberations/{id} resource URI.
func parseDeliberationURI(uri string) (uuid.UUID, error) {
	rest, ok := strings.CutPrefix(uri, "togi://deliberations/")
	if !ok || rest == "" {
		return uuid.Nil, fmt.Errorf("mcp: invalid deliberation URI: %s", uri)
	}
	id, err := uuid.Parse(rest)
	if err != nil {
		return uuid.Nil, fmt.Errorf("mcp: invalid deliberation id in URI %s: %w", uri, err)
	}
	return id, nil
}
