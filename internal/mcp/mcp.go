// Package mcp exposes deliberations to AI agents over the Model Context
// Protocol. Agents connect with the same bearer credentials the REST API
// accepts; the HTTP transport carries the request context into tool
// handlers, so the agent resolved by the auth middleware is visible here.
//
// The surface is deliberately small: seven tools covering the participant
// lifecycle (create, join, opinion, ranking, critique, feedback, read),
// resources for browsing deliberations, and prompts that teach the
// stage workflow.
package mcp

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/togi/internal/register"
	"github.com/ashita-ai/togi/internal/service/deliberation"
)

// fetchWindow is how long a get_deliberation call counts as a recent fetch
// for the ranking nudge.
const fetchWindow = 10 * time.Minute

// Server wraps an MCP server with the deliberation and registration
// services its tools call into.
type Server struct {
	mcpServer *mcpserver.MCPServer
	delib     *deliberation.Service
	agents    *register.Service
	fetches   *fetchTracker
	logger    *slog.Logger
}

// New creates the MCP server and registers all tools, resources, and
// prompts. The returned Server is ready to mount on an HTTP transport via
// MCPServer.
func New(delib *deliberation.Service, agents *register.Service, logger *slog.Logger, version string) *Server {
	s := &Server{
		delib:   delib,
		agents:  agents,
		fetches: newFetchTracker(fetchWindow),
		logger:  logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"togi",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
	)

	s.registerTools()
	s.registerResources()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport mounting.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// errorResult builds a tool-level error. Tool errors are returned to the
// calling model as content (IsError true), not as protocol errors, so the
// model can read the message and correct its call.
func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

// textResult builds a successful text tool result.
func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: text},
		},
	}
}

// domainMessage renders a service error for the calling model. Coded errors
// keep their code prefix so agents can react to DUPLICATE_SUBMISSION or
// STAGE_MISMATCH without parsing prose.
func domainMessage(err error) string {
	var de *deliberation.Error
	if errors.As(err, &de) {
		return fmt.Sprintf("%s: %s", de.Code, de.Message)
	}
	var ve *register.ValidationError
	if errors.As(err, &ve) {
		return ve.Error()
	}
	return err.Error()
}

// domainError renders a service error as a tool error.
func domainError(err error) *mcplib.CallToolResult {
	return errorResult(domainMessage(err))
}
