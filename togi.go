// Package togi is the public API for embedding the Togi deliberation server.
//
// Operator and extension consumers import this package to construct and
// extend the server without forking it:
//
//	app, err := togi.New(
//	    togi.WithVersion(version),
//	    togi.WithLogger(logger),
//	    togi.WithTextModel(myModel),
//	    togi.WithExtraRoutes(myRoutes),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: togi (root) imports
// internal/*, but internal/* never imports togi (root). Public types
// (TextRequest, MediationResult, etc.) are standalone structs with no
// internal imports; conversion adapters live here because this is the only
// file that sees both sides of the boundary.
package togi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/togi/api"
	"github.com/ashita-ai/togi/internal/auth"
	"github.com/ashita-ai/togi/internal/config"
	"github.com/ashita-ai/togi/internal/llm"
	"github.com/ashita-ai/togi/internal/mcp"
	"github.com/ashita-ai/togi/internal/mediator"
	"github.com/ashita-ai/togi/internal/ratelimit"
	"github.com/ashita-ai/togi/internal/register"
	"github.com/ashita-ai/togi/internal/search"
	"github.com/ashita-ai/togi/internal/server"
	"github.com/ashita-ai/togi/internal/service/deliberation"
	"github.com/ashita-ai/togi/internal/service/embedding"
	"github.com/ashita-ai/togi/internal/service/eventlog"
	"github.com/ashita-ai/togi/internal/social"
	"github.com/ashita-ai/togi/internal/storage"
	"github.com/ashita-ai/togi/internal/telemetry"
	"github.com/ashita-ai/togi/migrations"
)

// App is the Togi server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	delib        *deliberation.Service
	buf          *eventlog.Buffer
	embedWorker  *embedding.Worker    // nil when no embedding backend is available
	outbox       *search.OutboxWorker // nil when Qdrant is not configured
	qdrantIndex  *search.QdrantIndex  // nil when Qdrant is not configured
	broker       *server.Broker       // nil when no notify connection
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the Togi server. It connects to the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	// Apply options.
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("togi starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Connect to database.
	db, err := storage.New(context.Background(), cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	db.RegisterPoolMetrics()

	// Run built-in migrations, then extension migrations.
	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extraFS); err != nil {
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	// Verify critical tables exist after migration. If the vector extension
	// failed to create, the first migration fails and the server would
	// otherwise start with no tables. Catch this early.
	var schemaOK bool
	if err := db.Pool().QueryRow(context.Background(),
		`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'deliberations')`,
	).Scan(&schemaOK); err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("schema verification: %w", err)
	}
	if !schemaOK {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("critical table 'deliberations' does not exist after migration — check that the database user may CREATE EXTENSION vector")
	}

	// Create JWT manager.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("auth: %w", err)
	}

	// Create embedding provider — external override takes priority over
	// auto-detect. Nil disables embeddings and semantic search.
	var embedder embedding.Provider
	if o.embeddingProvider != nil {
		embedder = &providerAdapter{p: o.embeddingProvider}
		logger.Info("embedding provider: external", "dimensions", o.embeddingProvider.Dimensions())
	} else {
		embedder = newEmbeddingProvider(cfg, logger)
	}

	// Initialize Qdrant search index and outbox worker.
	var searcher search.Searcher
	var qdrantIndex *search.QdrantIndex
	var outboxWorker *search.OutboxWorker
	if cfg.QdrantURL != "" {
		var idxErr error
		qdrantIndex, idxErr = search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if idxErr != nil {
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("qdrant: %w", idxErr)
		}
		if err := qdrantIndex.EnsureCollection(context.Background()); err != nil {
			_ = qdrantIndex.Close()
			db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("qdrant ensure collection: %w", err)
		}
		searcher = qdrantIndex
		outboxWorker = search.NewOutboxWorker(db.Pool(), qdrantIndex, logger, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled (no QDRANT_URL)")
	}

	// Create the mediation engine.
	engine, err := newEngine(cfg, o.textModel, logger)
	if err != nil {
		if qdrantIndex != nil {
			_ = qdrantIndex.Close()
		}
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("mediator: %w", err)
	}

	// Event buffer.
	buf := eventlog.NewBuffer(db, logger, cfg.EventBufferSize, cfg.EventFlushTimeout)

	// Services.
	registerSvc := register.New(db, cfg.TokenPepper, logger)
	delibSvc := deliberation.New(db, engine, buf, logger)

	// Embedding backfill worker.
	var embedWorker *embedding.Worker
	if embedder != nil {
		embedWorker = embedding.NewWorker(db, embedder, logger, cfg.EmbedPollInterval, cfg.EmbedBatchSize)
	}

	// MCP server.
	mcpSrv := mcp.New(delibSvc, registerSvc, logger, version)

	// SSE broker.
	var broker *server.Broker
	if db.NotifyConn() != nil {
		broker = server.NewBroker(db, logger)
	} else {
		logger.Info("SSE broker: disabled (no notify connection)")
	}

	// Rate limiter.
	var limiter ratelimit.Limiter
	if cfg.RateLimitPerMinute > 0 {
		limiter = ratelimit.NewMemoryLimiter(float64(cfg.RateLimitPerMinute)/60, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"per_minute", cfg.RateLimitPerMinute, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	// Adapt route registrars from public togi.RouteRegistrar to the internal
	// server format.
	var extraRoutes []func(*http.ServeMux, server.AuthChain)
	for _, fn := range o.routeRegistrars {
		extraRoutes = append(extraRoutes, func(mux *http.ServeMux, chain server.AuthChain) {
			fn(mux, &authHelperImpl{chain: chain})
		})
	}

	// Middlewares assign element-by-element: togi.Middleware and the server's
	// middleware func share an underlying type.
	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	// Create HTTP server.
	srv := server.New(server.ServerConfig{
		DB:                  db,
		JWTMgr:              jwtMgr,
		RegisterSvc:         registerSvc,
		DelibSvc:            delibSvc,
		Buffer:              buf,
		Logger:              logger,
		Limiter:             limiter,
		Broker:              broker,
		Searcher:            searcher,
		Embedder:            embedder,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		AllowDelete:         cfg.AllowDelete,
		OpenAPISpec:         api.OpenAPISpec,
		ExtraRoutes:         extraRoutes,
		Middlewares:         middlewares,
	})

	// Seed the admin key on first boot.
	if err := srv.Handlers().SeedAdminKey(context.Background(), cfg.AdminAPIKey); err != nil {
		if qdrantIndex != nil {
			_ = qdrantIndex.Close()
		}
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("admin seed: %w", err)
	}

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		delib:        delibSvc,
		buf:          buf,
		embedWorker:  embedWorker,
		outbox:       outboxWorker,
		qdrantIndex:  qdrantIndex,
		broker:       broker,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts all background goroutines and the HTTP server, then blocks until
// ctx is cancelled or a fatal server error occurs. On return, Shutdown is
// called automatically — callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	// Start background services.
	a.buf.Start(ctx)
	if a.embedWorker != nil {
		a.embedWorker.Start(ctx)
	}
	if a.outbox != nil {
		a.outbox.Start(ctx)
	}
	if a.broker != nil {
		go a.broker.Start(ctx)
	}

	// Start HTTP server.
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Block until signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a multi-phase graceful shutdown:
// (1) stop accepting HTTP requests and drain in-flight handlers,
// (2) wait for in-flight mediation rounds and stage transitions,
// (3) flush the event buffer to Postgres,
// (4) let the embedding worker finish its current batch,
// (5) drain remaining outbox entries to Qdrant.
// It then closes the database pool and OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("togi shutting down")

	// Phase 1: HTTP drain. In-flight submissions may still enqueue
	// transition checks and events.
	httpCtx, httpCancel := phaseContext(ctx, a.cfg.ShutdownHTTPTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	// Phase 2: mediation pipeline drain. A round abandoned here is retried
	// via recheck after restart, but finishing is far cheaper.
	pipeCtx, pipeCancel := phaseContext(ctx, a.cfg.ShutdownPipelineTimeout)
	a.delib.Drain(pipeCtx)
	pipeCancel()

	// Phase 3: event buffer drain.
	bufCtx, bufCancel := phaseContext(ctx, a.cfg.ShutdownBufferTimeout)
	a.buf.Drain(bufCtx)
	if n := a.buf.Len(); n > 0 {
		a.logger.Error("event buffer drain incomplete — unflushed events will be lost",
			"remaining_events", n,
			"configured_timeout", a.cfg.ShutdownBufferTimeout,
		)
	}
	bufCancel()

	// Phase 4: embedding worker drain.
	if a.embedWorker != nil {
		embCtx, embCancel := phaseContext(ctx, a.cfg.ShutdownOutboxTimeout)
		a.embedWorker.Drain(embCtx)
		embCancel()
	}

	// Phase 5: outbox drain.
	if a.outbox != nil {
		outboxCtx, outboxCancel := phaseContext(ctx, a.cfg.ShutdownOutboxTimeout)
		a.outbox.Drain(outboxCtx)
		outboxCancel()
	}

	// Cleanup.
	_ = a.limiter.Close()
	if a.qdrantIndex != nil {
		_ = a.qdrantIndex.Close()
	}
	_ = a.otelShutdown(context.Background())
	a.db.Close(context.Background())

	a.logger.Info("togi stopped")
	return nil
}

// ── Adapters (defined here because this file imports both sides) ───────────────

// textModelAdapter wraps a togi.TextModel to satisfy llm.Client.
type textModelAdapter struct {
	m TextModel
}

func (a *textModelAdapter) SampleText(ctx context.Context, req llm.Request) (string, error) {
	return a.m.SampleText(ctx, TextRequest{
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Terminators: req.Terminators,
		Timeout:     req.Timeout,
		Seed:        req.Seed,
	})
}

// timeoutClient pins the configured per-call timeout onto requests that do
// not carry their own.
type timeoutClient struct {
	client  llm.Client
	timeout time.Duration
}

func (c *timeoutClient) SampleText(ctx context.Context, req llm.Request) (string, error) {
	if req.Timeout == 0 {
		req.Timeout = c.timeout
	}
	return c.client.SampleText(ctx, req)
}

// providerAdapter wraps a togi.EmbeddingProvider to satisfy
// embedding.Provider. Converts []float32 to pgvector.Vector at the boundary.
type providerAdapter struct {
	p EmbeddingProvider
}

func (a *providerAdapter) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	vec, err := a.p.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(vec), nil
}

func (a *providerAdapter) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	vecs, err := a.p.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	out := make([]pgvector.Vector, len(vecs))
	for i, v := range vecs {
		out[i] = pgvector.NewVector(v)
	}
	return out, nil
}

func (a *providerAdapter) Dimensions() int {
	return a.p.Dimensions()
}

// authHelperImpl implements togi.AuthHelper using the server's auth chain.
// Constructed in the route registrar adapter closure; bridges the public
// interface to the internal middlewares without importing internal/server
// from extension code.
type authHelperImpl struct {
	chain server.AuthChain
}

func (a *authHelperImpl) RequireAgent() func(http.Handler) http.Handler {
	return a.chain.RequireAgent
}

func (a *authHelperImpl) RequireAdmin() func(http.Handler) http.Handler {
	return a.chain.RequireAdmin
}

// ── Wiring helpers ─────────────────────────────────────────────────────────────

// newEngine builds the mediation engine: chain-of-thought models over Gemini
// when an API key is configured, over the supplied client when one is given,
// deterministic stand-ins otherwise.
func newEngine(cfg config.Config, model TextModel, logger *slog.Logger) (*mediator.Engine, error) {
	var generator mediator.Generator
	var ranker mediator.Ranker

	switch {
	case model != nil:
		client := withTimeout(&textModelAdapter{m: model}, cfg.ModelTimeout)
		generator = &mediator.CoTGenerator{Client: client, Retries: cfg.ModelRetries}
		ranker = &mediator.CoTRanker{Client: client, Retries: cfg.ModelRetries}
		logger.Info("text model: external client")
	case cfg.GoogleAPIKey != "":
		gemini := llm.NewGeminiClient(llm.GeminiConfig{
			APIKey: cfg.GoogleAPIKey,
			Model:  cfg.TextModel,
		})
		client := withTimeout(gemini, cfg.ModelTimeout)
		generator = &mediator.CoTGenerator{Client: client, Retries: cfg.ModelRetries}
		ranker = &mediator.CoTRanker{Client: client, Retries: cfg.ModelRetries}
		logger.Info("text model: gemini", "model", gemini.Model())
	default:
		generator = mediator.MockGenerator{}
		ranker = mediator.LengthRanker{}
		logger.Warn("text model: deterministic stand-ins (no GOOGLE_API_KEY); statements are concatenations, not mediation")
	}

	return mediator.New(mediator.Config{
		Generator:     generator,
		Ranker:        ranker,
		NumCandidates: cfg.NumCandidates,
		TieBreak:      social.TieBreak(cfg.TieBreak),
		Parallelism:   cfg.ModelParallelism,
		Logger:        logger,
	})
}

func withTimeout(client llm.Client, timeout time.Duration) llm.Client {
	if timeout <= 0 {
		return client
	}
	return &timeoutClient{client: client, timeout: timeout}
}

// newEmbeddingProvider selects the embedding backend from configuration:
// "ollama", "noop", or "auto" (default). Auto mode uses Ollama when
// reachable. Nil means embeddings and semantic search are disabled.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
	case "noop":
		logger.Info("embedding provider: none (semantic search disabled)")
		return nil
	case "auto":
		fallthrough
	default:
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
		}
		logger.Warn("no embedding provider reachable, semantic search disabled")
		return nil
	}
}

// ollamaReachable checks if an Ollama server is responding.
func ollamaReachable(baseURL string) bool {
	c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(c, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// phaseContext applies a per-phase timeout when one is configured.
// Zero or negative means no deadline beyond the caller's context.
func phaseContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
