package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/togi/internal/auth"
	"github.com/ashita-ai/togi/internal/model"
	"github.com/ashita-ai/togi/internal/register"
	"github.com/ashita-ai/togi/internal/search"
	"github.com/ashita-ai/togi/internal/service/deliberation"
	"github.com/ashita-ai/togi/internal/service/embedding"
	"github.com/ashita-ai/togi/internal/service/eventlog"
	"github.com/ashita-ai/togi/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db          *storage.DB
	jwtMgr      *auth.JWTManager
	registerSvc *register.Service
	delibSvc    *deliberation.Service
	buffer      *eventlog.Buffer
	broker      *Broker
	searcher    search.Searcher
	embedder    embedding.Provider
	keyCache    *auth.VerifiedKeyCache
	logger      *slog.Logger

	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
	allowDelete         bool
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Broker, Searcher, Embedder, KeyCache, OpenAPISpec.
type HandlersDeps struct {
	DB          *storage.DB
	JWTMgr      *auth.JWTManager
	RegisterSvc *register.Service
	DelibSvc    *deliberation.Service
	Buffer      *eventlog.Buffer
	Broker      *Broker
	Searcher    search.Searcher
	Embedder    embedding.Provider
	KeyCache    *auth.VerifiedKeyCache
	Logger      *slog.Logger

	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
	AllowDelete         bool
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		jwtMgr:              d.JWTMgr,
		registerSvc:         d.RegisterSvc,
		delibSvc:            d.DelibSvc,
		buffer:              d.Buffer,
		broker:              d.Broker,
		searcher:            d.Searcher,
		embedder:            d.Embedder,
		keyCache:            d.KeyCache,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
		allowDelete:         d.AllowDelete,
	}
}

// HandleRegisterAgent handles POST /v1/agents/register. The response is the
// only place the raw bearer token ever appears.
func (h *Handlers) HandleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req model.RegisterAgentRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	result, err := h.registerSvc.Register(r.Context(), register.Input{
		Name:      req.Name,
		HumanName: req.HumanName,
	})
	if err != nil {
		var verr *register.ValidationError
		if errors.As(err, &verr) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, verr.Error())
			return
		}
		h.writeInternalError(w, r, "failed to register agent", err)
		return
	}

	writeJSON(w, r, http.StatusCreated, model.RegisterAgentResponse{
		ID:        result.Agent.ID,
		Name:      result.Agent.Name,
		HumanName: result.Agent.HumanName,
		Token:     result.Token,
		CreatedAt: result.Agent.CreatedAt,
	})
}

// HandleAuthToken handles POST /v1/auth/token. It exchanges a valid opaque
// agent token for a short-lived session JWT. The path skips the auth
// middleware, so the token is read from the Authorization header here.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthenticated,
			"missing or malformed authorization header")
		return
	}

	agent, err := h.registerSvc.Authenticate(r.Context(), token)
	if errors.Is(err, register.ErrInvalidToken) {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthenticated, "invalid agent token")
		return
	}
	if err != nil {
		h.writeInternalError(w, r, "authentication unavailable", err)
		return
	}

	signed, expiresAt, err := h.jwtMgr.IssueToken(agent)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     signed,
		ExpiresAt: expiresAt,
	})
}

// HandleSubscribeEvents handles GET /v1/deliberations/{id}/events (SSE).
//
// The stream first replays stored events after the client's resume point
// (Last-Event-ID header or after_seq query parameter), then follows the
// live log. Notifications only wake the loop; every emitted event is read
// back from the store by sequence number, so events dropped by a full
// broker buffer are still delivered.
func (h *Handlers) HandleSubscribeEvents(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternal,
			"event streaming not available")
		return
	}

	id, err := parseDeliberationID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, err.Error())
		return
	}
	if _, err := h.delibSvc.Get(r.Context(), id); err != nil {
		writeServiceError(w, r, err)
		return
	}

	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// The first flush commits the status and headers. A writer without
	// flush support fails here before anything is written, so the error
	// path can still respond with JSON.
	if err := rc.Flush(); err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "streaming not supported")
		return
	}

	// Idle SSE connections must outlive the server's WriteTimeout.
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe(id)
	defer h.broker.Unsubscribe(ch)

	const streamPageSize = 200

	lastSeq := resumeSeq(r)
	emit := func() error {
		for {
			events, err := h.db.ListEventsByDeliberation(r.Context(), id, lastSeq, streamPageSize)
			if err != nil {
				return err
			}
			for _, e := range events {
				data, err := json.Marshal(e)
				if err != nil {
					return err
				}
				if _, err := w.Write(formatSSE(string(e.EventType), e.SequenceNum, data)); err != nil {
					return err
				}
				lastSeq = e.SequenceNum
			}
			if len(events) > 0 {
				if err := rc.Flush(); err != nil {
					return err
				}
			}
			if len(events) < streamPageSize {
				return nil
			}
		}
	}

	if err := emit(); err != nil {
		return
	}

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case n, ok := <-ch:
			if !ok {
				return
			}
			// Deletions are broadcast-only; there is no stored row to fetch
			// and nothing further to stream.
			if n.EventType == model.EventDeliberationDeleted {
				data, _ := json.Marshal(n)
				_, _ = w.Write(formatSSE(string(n.EventType), 0, data))
				_ = rc.Flush()
				return
			}
			if n.SequenceNum <= lastSeq {
				continue
			}
			if err := emit(); err != nil {
				return
			}
		}
	}
}

// resumeSeq extracts the client's resume position: the SSE Last-Event-ID
// header wins over the after_seq query parameter.
func resumeSeq(r *http.Request) int64 {
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	if v := r.URL.Query().Get("after_seq"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	// Buffer health: >50% capacity = high, >75% capacity = critical.
	bufDepth := 0
	bufStatus := "ok"
	if h.buffer != nil {
		bufDepth = h.buffer.Len()
		capacity := h.buffer.Capacity()
		if bufDepth > capacity*3/4 {
			bufStatus = "critical"
			if status == "healthy" {
				status = "degraded"
			}
		} else if bufDepth > capacity/2 {
			bufStatus = "high"
		}
	}

	resp := model.HealthResponse{
		Status:       status,
		Version:      h.version,
		Postgres:     pgStatus,
		BufferDepth:  bufDepth,
		BufferStatus: bufStatus,
		Uptime:       int64(time.Since(h.startedAt).Seconds()),
	}

	if h.searcher != nil {
		if err := h.searcher.Healthy(r.Context()); err == nil {
			resp.Qdrant = "connected"
		} else {
			resp.Qdrant = "disconnected"
		}
	}

	writeJSON(w, r, httpStatus, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// SeedAdminKey ensures an active admin key exists, hashing the configured
// raw key on first boot. With no key configured and none stored, the admin
// surface stays unreachable until one is seeded.
func (h *Handlers) SeedAdminKey(ctx context.Context, rawKey string) error {
	count, err := h.db.CountActiveAPIKeys(ctx)
	if err != nil {
		return fmt.Errorf("seed admin key: count keys: %w", err)
	}
	if count > 0 {
		return nil
	}
	if rawKey == "" {
		h.logger.Warn("no admin key configured and none stored; admin endpoints disabled")
		return nil
	}

	keyID, err := model.ParseAdminKey(rawKey)
	if err != nil {
		return fmt.Errorf("seed admin key: %w", err)
	}
	hash, err := auth.HashAPIKey(rawKey)
	if err != nil {
		return fmt.Errorf("seed admin key: hash key: %w", err)
	}

	_, err = h.db.CreateAPIKeyWithAudit(ctx, model.APIKey{
		KeyID:   keyID,
		KeyHash: hash,
		Label:   "seeded",
	}, storage.AdminAuditEntry{
		ActorKeyID:   "system",
		Action:       "key_seeded",
		ResourceType: "api_key",
		ResourceID:   keyID,
	})
	if err != nil {
		return fmt.Errorf("seed admin key: create key: %w", err)
	}

	h.logger.Info("seeded admin api key", "key_id", keyID)
	return nil
}

// writeInternalError logs the cause and writes an opaque 500.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, message string, err error) {
	h.logger.Error(message, "error", err, "path", r.URL.Path)
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, message)
}

// --- Shared helpers ---

func parseDeliberationID(r *http.Request) (uuid.UUID, error) {
	idStr := r.PathValue("id")
	if idStr == "" {
		return uuid.Nil, fmt.Errorf("deliberation id is required")
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid deliberation id: %s", idStr)
	}
	return id, nil
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// maxQueryOffset bounds offsets so a hostile value cannot force a deep
// sequential scan.
const maxQueryOffset = 100_000

// queryOffset returns a bounded, non-negative offset from query params.
func queryOffset(r *http.Request) int {
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		return 0
	}
	if offset > maxQueryOffset {
		return maxQueryOffset
	}
	return offset
}

// queryLimit returns a limit from query params clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}
