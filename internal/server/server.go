package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/togi/internal/auth"
	"github.com/ashita-ai/togi/internal/ratelimit"
	"github.com/ashita-ai/togi/internal/register"
	"github.com/ashita-ai/togi/internal/search"
	"github.com/ashita-ai/togi/internal/service/deliberation"
	"github.com/ashita-ai/togi/internal/service/embedding"
	"github.com/ashita-ai/togi/internal/service/eventlog"
	"github.com/ashita-ai/togi/internal/storage"
)

// Server is the Togi HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	keyCache   *auth.VerifiedKeyCache
	logger     *slog.Logger
}

// adminKeyCacheTTL bounds how long a verified admin key skips argon2id
// re-verification, and therefore how long a revocation done by another
// process can lag.
const adminKeyCacheTTL = time.Minute

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Limiter, Broker, Searcher, Embedder, MCPServer,
// OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	DB          *storage.DB
	JWTMgr      *auth.JWTManager
	RegisterSvc *register.Service
	DelibSvc    *deliberation.Service
	Buffer      *eventlog.Buffer
	Logger      *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter   ratelimit.Limiter
	Broker    *Broker
	Searcher  search.Searcher
	Embedder  embedding.Provider
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	AllowDelete         bool

	// Optional embedded assets.
	OpenAPISpec []byte // Embedded OpenAPI YAML.

	// ExtraRoutes registrars run after the built-in routes, against the same
	// mux and auth chain. Registering a pattern the server already claims
	// panics, as with any duplicate ServeMux pattern.
	ExtraRoutes []func(mux *http.ServeMux, auth AuthChain)

	// Middlewares wrap the fully built handler, first entry outermost. They
	// run before request id assignment and auth, so they see every request.
	Middlewares []func(http.Handler) http.Handler
}

// AuthChain hands the server's credential gates to extra route registrars.
type AuthChain struct {
	// RequireAgent rejects requests without agent credentials.
	RequireAgent func(http.Handler) http.Handler
	// RequireAdmin rejects requests without an admin API key.
	RequireAdmin func(http.Handler) http.Handler
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	keyCache := auth.NewVerifiedKeyCache(adminKeyCacheTTL)

	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		JWTMgr:              cfg.JWTMgr,
		RegisterSvc:         cfg.RegisterSvc,
		DelibSvc:            cfg.DelibSvc,
		Buffer:              cfg.Buffer,
		Broker:              cfg.Broker,
		Searcher:            cfg.Searcher,
		Embedder:            cfg.Embedder,
		KeyCache:            keyCache,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
		AllowDelete:         cfg.AllowDelete,
	})

	// Rate limit wrappers. Pre-auth routes key by client IP; everything
	// else keys by the authenticated agent. Admin keys carry no agent, so
	// AgentKeyFunc exempts them.
	ipRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, cfg.Logger)
	agentRL := ratelimit.Middleware(cfg.Limiter, ratelimit.AgentKeyFunc, cfg.Logger)

	mux := http.NewServeMux()

	// Registration and token exchange (no auth required, rate limited by IP).
	mux.Handle("POST /v1/agents/register", ipRL(http.HandlerFunc(h.HandleRegisterAgent)))
	mux.Handle("POST /v1/auth/token", ipRL(http.HandlerFunc(h.HandleAuthToken)))

	// Deliberation lifecycle and submissions (agent credentials required).
	agentOnly := requireAgent
	mux.Handle("POST /v1/deliberations", agentRL(agentOnly(http.HandlerFunc(h.HandleCreateDeliberation))))
	mux.Handle("POST /v1/deliberations/{id}/opinions", agentRL(agentOnly(http.HandlerFunc(h.HandleSubmitOpinion))))
	mux.Handle("POST /v1/deliberations/{id}/rankings", agentRL(agentOnly(http.HandlerFunc(h.HandleSubmitRanking))))
	mux.Handle("POST /v1/deliberations/{id}/critiques", agentRL(agentOnly(http.HandlerFunc(h.HandleSubmitCritique))))
	mux.Handle("POST /v1/deliberations/{id}/feedback", agentRL(agentOnly(http.HandlerFunc(h.HandleSubmitFeedback))))

	// Read endpoints (any authenticated caller).
	mux.Handle("GET /v1/deliberations", agentRL(http.HandlerFunc(h.HandleListDeliberations)))
	mux.Handle("GET /v1/deliberations/{id}", agentRL(http.HandlerFunc(h.HandleGetDeliberation)))
	mux.Handle("GET /v1/deliberations/{id}/statements", agentRL(http.HandlerFunc(h.HandleGetStatements)))
	mux.Handle("GET /v1/deliberations/{id}/result", agentRL(http.HandlerFunc(h.HandleGetResult)))
	mux.Handle("GET /v1/deliberations/{id}/export", agentRL(http.HandlerFunc(h.HandleExportDeliberation)))

	// Event stream (no rate limit, long-lived connection).
	mux.Handle("GET /v1/deliberations/{id}/events", http.HandlerFunc(h.HandleSubscribeEvents))

	// Semantic search (any authenticated caller).
	mux.Handle("POST /v1/search", agentRL(http.HandlerFunc(h.HandleSearch)))

	// Admin surface (admin key required, no rate limit).
	adminOnly := requireAdmin
	mux.Handle("POST /v1/admin/deliberations/{id}/recheck", adminOnly(http.HandlerFunc(h.HandleRecheckDeliberation)))
	mux.Handle("POST /v1/admin/deliberations/{id}/close-opinions", adminOnly(http.HandlerFunc(h.HandleCloseOpinions)))
	mux.Handle("DELETE /v1/admin/deliberations/{id}", adminOnly(http.HandlerFunc(h.HandleDeleteDeliberation)))
	mux.Handle("GET /v1/admin/agents", adminOnly(http.HandlerFunc(h.HandleListAgents)))
	mux.Handle("GET /v1/admin/stats", adminOnly(http.HandlerFunc(h.HandleStats)))
	mux.Handle("POST /v1/admin/keys", adminOnly(http.HandlerFunc(h.HandleCreateKey)))
	mux.Handle("GET /v1/admin/keys", adminOnly(http.HandlerFunc(h.HandleListKeys)))
	mux.Handle("DELETE /v1/admin/keys/{id}", adminOnly(http.HandlerFunc(h.HandleRevokeKey)))

	// MCP StreamableHTTP transport (auth required; tools resolve the agent
	// from context themselves).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", mcpHTTP)
	}

	// OpenAPI spec (no auth, no rate limit).
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Extension routes share the mux and the auth middlewares.
	for _, reg := range cfg.ExtraRoutes {
		reg(mux, AuthChain{RequireAgent: requireAgent, RequireAdmin: requireAdmin})
	}

	// Middleware chain (outermost executes first):
	// request ID → recovery → security headers → CORS → tracing → logging → auth → handler.
	var handler http.Handler = mux
	handler = authMiddleware(authDeps{
		db:       cfg.DB,
		jwtMgr:   cfg.JWTMgr,
		agents:   cfg.RegisterSvc,
		keyCache: keyCache,
		logger:   cfg.Logger,
	}, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = corsMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = requestIDMiddleware(handler)

	// Wrap external middlewares last so the first registered is outermost.
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		keyCache: keyCache,
		logger:   cfg.Logger,
	}
}

// Handlers returns the underlying Handlers for access to SeedAdminKey etc.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	s.keyCache.Close()
	return s.httpServer.Shutdown(ctx)
}
