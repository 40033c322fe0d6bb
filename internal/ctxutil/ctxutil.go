// Package ctxutil provides shared context key accessors.
//
// This package exists to break the circular dependency between server and mcp:
// server imports mcp for MCP server setup, and mcp needs to read the
// authenticated agent from the context that server's auth middleware
// populates. Both packages import ctxutil instead of each other.
package ctxutil

import (
	"context"

	"github.com/ashita-ai/togi/internal/model"
)

type contextKey string

const (
	keyAgent      contextKey = "agent"
	keyAdminKeyID contextKey = "admin_key_id"
	keyRequestID  contextKey = "request_id"
)

// WithAgent returns a new context carrying the authenticated agent.
func WithAgent(ctx context.Context, agent model.Agent) context.Context {
	return context.WithValue(ctx, keyAgent, agent)
}

// AgentFromContext extracts the authenticated agent from the context.
func AgentFromContext(ctx context.Context) (model.Agent, bool) {
	v, ok := ctx.Value(keyAgent).(model.Agent)
	return v, ok
}

// WithAdminKeyID returns a new context carrying the authenticated admin
// key's public ID. The raw key never enters the context.
func WithAdminKeyID(ctx context.Context, keyID string) context.Context {
	return context.WithValue(ctx, keyAdminKeyID, keyID)
}

// AdminKeyIDFromContext extracts the admin key ID from the context.
// Empty means the request did not authenticate as an admin.
func AdminKeyIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyAdminKeyID).(string); ok {
		return v
	}
	return ""
}

// WithRequestID returns a new context carrying the request ID.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, keyRequestID, requestID)
}

// RequestIDFromContext extracts the request ID from the context.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyRequestID).(string); ok {
		return v
	}
	return ""
}
