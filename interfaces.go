package togi

import (
	"context"
	"net/http"
)

// TextModel samples text from a generative model. When provided via
// WithTextModel it replaces the Gemini client behind statement generation and
// ranking prediction.
//
// SampleText returns the sampled continuation only, truncated at the first
// terminator. A response blocked by the backend's safety filters should be
// reported as an empty string with a nil error; errors are reserved for
// transport and service problems.
type TextModel interface {
	SampleText(ctx context.Context, req TextRequest) (string, error)
}

// EmbeddingProvider generates vector embeddings from text.
// When provided via WithEmbeddingProvider, replaces the auto-detected
// Ollama/noop provider. Uses []float32 (not pgvector.Vector) so external
// consumers do not need the pgvector dependency; New() wraps it in an
// adapter for internal use.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// RouteRegistrar registers additional routes on the shared HTTP mux.
// Extension routes share the mux, auth chain, and instrumentation with the
// built-in routes. The function is called once during New() after all
// built-in routes are registered.
type RouteRegistrar func(mux *http.ServeMux, auth AuthHelper)

// AuthHelper provides the server's credential gates for use in a
// RouteRegistrar, so extension routes use the same auth chain without
// depending on internal packages.
type AuthHelper interface {
	// RequireAgent rejects requests without agent credentials.
	RequireAgent() func(http.Handler) http.Handler
	// RequireAdmin rejects requests without an admin API key.
	RequireAdmin() func(http.Handler) http.Handler
}

// Middleware wraps the root HTTP handler.
// Applied outermost (before routing), so it sees all requests including
// /health. Multiple middlewares are applied in registration order
// (first-registered = outermost).
type Middleware func(http.Handler) http.Handler
