// Package server implements the Togi HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/togi/internal/auth"
	"github.com/ashita-ai/togi/internal/ctxutil"
	"github.com/ashita-ai/togi/internal/model"
	"github.com/ashita-ai/togi/internal/register"
	"github.com/ashita-ai/togi/internal/service/deliberation"
	"github.com/ashita-ai/togi/internal/storage"
	"github.com/ashita-ai/togi/internal/telemetry"
)

// recoveryMiddleware converts handler panics into 500 responses. The stack
// is logged server-side and never leaves the process.
func recoveryMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(rec)
			}
			logger.Error("http handler panic",
				"panic", rec,
				"method", r.Method,
				"path", r.URL.Path,
				"request_id", ctxutil.RequestIDFromContext(r.Context()),
				"stack", string(debug.Stack()),
			)
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "internal server error")
		}()
		next.ServeHTTP(w, r)
	})
}

// requestIDMiddleware assigns a request ID to each request, honoring an
// X-Request-ID supplied by the caller, and echoes it on the response.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		ctx := ctxutil.WithRequestID(r.Context(), reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// securityHeadersMiddleware sets response headers appropriate for a JSON API
// that never serves user-authored markup.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware answers preflight requests and permits cross-origin calls,
// so browser-hosted dashboards can reach the API with their bearer tokens.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
			w.Header().Set("Access-Control-Max-Age", "86400")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs each request with structured fields, at a level
// chosen by status class.
func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", ctxutil.RequestIDFromContext(r.Context()),
		}
		if tid := traceIDFromContext(r.Context()); tid != "" {
			attrs = append(attrs, "trace_id", tid)
		}

		level := slog.LevelInfo
		if wrapped.statusCode >= 500 {
			level = slog.LevelError
		} else if wrapped.statusCode >= 400 {
			level = slog.LevelWarn
		}
		logger.Log(r.Context(), level, "http request", attrs...)
	})
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap exposes the underlying writer so http.ResponseController can reach
// Flusher and deadline support for the SSE endpoint.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

var (
	tracer    = telemetry.Tracer("togi/http")
	httpMeter = telemetry.Meter("togi/http")
)

// tracingMiddleware creates an OTEL span for each HTTP request and records
// request count and duration metrics.
func tracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.url", r.URL.Path),
				attribute.String("http.request_id", ctxutil.RequestIDFromContext(r.Context())),
			),
		)
		defer span.End()

		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", wrapped.statusCode))

		attrs := []attribute.KeyValue{
			attribute.String("http.method", r.Method),
			attribute.String("http.route", r.URL.Path),
			attribute.String("http.status_code", strconv.Itoa(wrapped.statusCode)),
		}
		if counter, err := httpMeter.Int64Counter("http.server.request_count"); err == nil {
			counter.Add(ctx, 1, otelmetric.WithAttributes(attrs...))
		}
		if hist, err := httpMeter.Float64Histogram("http.server.duration",
			otelmetric.WithUnit("ms")); err == nil {
			hist.Record(ctx, float64(time.Since(start).Milliseconds()), otelmetric.WithAttributes(attrs...))
		}
	})
}

// traceIDFromContext extracts the OTEL trace ID from the context, if any.
func traceIDFromContext(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// authSkipPaths are served without credentials: liveness, the API contract,
// and the two endpoints that mint credentials in the first place.
var authSkipPaths = map[string]bool{
	"/health":             true,
	"/openapi.yaml":       true,
	"/v1/agents/register": true,
	"/v1/auth/token":      true,
}

// authDeps are the stores and verifiers the auth middleware resolves
// credentials against.
type authDeps struct {
	db       *storage.DB
	jwtMgr   *auth.JWTManager
	agents   *register.Service
	keyCache *auth.VerifiedKeyCache
	logger   *slog.Logger
}

// authMiddleware resolves the bearer credential on every request and stores
// the resulting identity in the context. Three credential shapes are
// accepted: admin keys (tgk_), opaque agent tokens (tg_), and session JWTs
// issued by /v1/auth/token.
func authMiddleware(deps authDeps, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if authSkipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := bearerToken(r)
		if !ok {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthenticated,
				"missing or malformed authorization header")
			return
		}

		ctx := r.Context()
		switch {
		case strings.HasPrefix(token, model.AdminKeyPrefix):
			key, err := verifyAdminKey(ctx, deps, token)
			if err != nil {
				writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthenticated, "invalid admin key")
				return
			}
			go func() {
				if err := deps.db.TouchAPIKeyLastUsed(context.WithoutCancel(ctx), key.ID); err != nil {
					deps.logger.Warn("touch api key last used", "key_id", key.KeyID, "error", err)
				}
			}()
			ctx = ctxutil.WithAdminKeyID(ctx, key.KeyID)

		case strings.HasPrefix(token, model.AgentTokenPrefix):
			agent, err := deps.agents.Authenticate(ctx, token)
			if errors.Is(err, register.ErrInvalidToken) {
				writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthenticated, "invalid agent token")
				return
			}
			if err != nil {
				deps.logger.Error("authenticate agent token", "error", err)
				writeError(w, r, http.StatusInternalServerError, model.ErrCodeStoreError, "authentication unavailable")
				return
			}
			ctx = ctxutil.WithAgent(ctx, agent)

		default:
			claims, err := deps.jwtMgr.ValidateToken(token)
			if err != nil {
				writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthenticated, "invalid or expired token")
				return
			}
			// ValidateToken guarantees the subject parses as a UUID.
			agentID := uuid.MustParse(claims.Subject)
			agent, err := deps.db.GetAgentByID(ctx, agentID)
			if err != nil {
				writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthenticated, "unknown agent")
				return
			}
			ctx = ctxutil.WithAgent(ctx, agent)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerToken extracts the credential from the Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}

// verifyAdminKey resolves a raw admin key to its active record. Recently
// verified keys are served from the cache; otherwise a miss still burns one
// argon2id verification so response timing does not reveal whether a key id
// exists.
func verifyAdminKey(ctx context.Context, deps authDeps, rawKey string) (model.APIKey, error) {
	keyID, err := model.ParseAdminKey(rawKey)
	if err != nil {
		auth.DummyVerify()
		return model.APIKey{}, err
	}
	if deps.keyCache != nil {
		if key, ok := deps.keyCache.Get(keyID, rawKey); ok {
			return key, nil
		}
	}
	key, err := deps.db.GetActiveAPIKeyByKeyID(ctx, keyID)
	if err != nil {
		auth.DummyVerify()
		return model.APIKey{}, err
	}
	ok, err := auth.VerifyAPIKey(rawKey, key.KeyHash)
	if err != nil {
		return model.APIKey{}, err
	}
	if !ok {
		return model.APIKey{}, errors.New("server: admin key secret mismatch")
	}
	if deps.keyCache != nil {
		deps.keyCache.Put(rawKey, key)
	}
	return key, nil
}

// requireAgent rejects requests that did not authenticate as an agent.
// Admin keys authorize operations, never participation.
func requireAgent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := ctxutil.AgentFromContext(r.Context()); !ok {
			writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "agent credentials required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAdmin rejects requests that did not authenticate with an admin key.
func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ctxutil.AdminKeyIDFromContext(r.Context()) == "" {
			writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "admin key required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response with the standard envelope.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.APIResponse{
		Data: data,
		Meta: responseMeta(r),
	})
}

// writeList writes a paginated JSON response with the list envelope.
func writeList(w http.ResponseWriter, r *http.Request, data any, total, limit, offset int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(model.ListResponse{
		Data:    data,
		Total:   total,
		HasMore: offset+limit < total,
		Limit:   limit,
		Offset:  offset,
		Meta:    responseMeta(r),
	})
}

// writeError writes a JSON error response with the standard envelope.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{Code: code, Message: message},
		Meta:  responseMeta(r),
	})
}

// writeServiceError maps a coded service error onto an HTTP status and the
// standard error envelope. Uncoded errors surface as 500 INTERNAL without
// their message.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := deliberation.CodeOf(err)
	message := "internal error"
	var de *deliberation.Error
	if errors.As(err, &de) {
		message = de.Message
	}
	writeError(w, r, statusForCode(code), code, message)
}

// statusForCode maps the API error taxonomy onto HTTP status codes.
func statusForCode(code string) int {
	switch code {
	case model.ErrCodeValidation, model.ErrCodeStageMismatch, model.ErrCodeInvalidRanking:
		return http.StatusBadRequest
	case model.ErrCodeUnauthenticated:
		return http.StatusUnauthorized
	case model.ErrCodeForbidden:
		return http.StatusForbidden
	case model.ErrCodeNotFound:
		return http.StatusNotFound
	case model.ErrCodeDuplicateSubmission:
		return http.StatusConflict
	case model.ErrCodeModelFailure:
		return http.StatusServiceUnavailable
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func responseMeta(r *http.Request) model.ResponseMeta {
	return model.ResponseMeta{
		RequestID: ctxutil.RequestIDFromContext(r.Context()),
		Timestamp: time.Now().UTC(),
	}
}

// decodeJSON decodes a JSON request body into target, rejecting unknown
// fields and bodies over maxBytes.
func decodeJSON(w http.ResponseWriter, r *http.Request, target any, maxBytes int64) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(target)
}

// handleDecodeError writes the 400 (or 413) for a decodeJSON failure.
func handleDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeValidation,
			"request body too large")
		return
	}
	writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid request body")
}
