package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashita-ai/togi/internal/ctxutil"
	"github.com/ashita-ai/togi/internal/model"
)

// KeyFunc extracts the rate limit key from a request.
// Returns empty string to skip rate limiting for this request.
type KeyFunc func(r *http.Request) string

// Middleware returns HTTP middleware that enforces a per-key rate limit.
// A nil limiter disables limiting. Limiter errors fail open: a participant
// should not lose access to a deliberation because the limiter broke.
func Middleware(limiter Limiter, keyFunc KeyFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			ok, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("ratelimit: allow failed, failing open", "error", err, "key", key)
				next.ServeHTTP(w, r)
				return
			}

			if !ok {
				// The bucket refills continuously, so one second is an honest
				// retry hint at any configured rate of 1 rps or more.
				w.Header().Set("Retry-After", "1")
				writeRateLimitError(w, ctxutil.RequestIDFromContext(r.Context()))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeRateLimitError writes a rate-limit error using the standard API error envelope.
func writeRateLimitError(w http.ResponseWriter, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{
			Code:    model.ErrCodeRateLimited,
			Message: "too many requests",
		},
		Meta: model.ResponseMeta{
			RequestID: requestID,
			Timestamp: time.Now().UTC(),
		},
	})
}

// AgentKeyFunc keys the limit by the authenticated agent. Requests without an
// agent in context (admin key auth) are not limited.
func AgentKeyFunc(r *http.Request) string {
	agent, ok := ctxutil.AgentFromContext(r.Context())
	if !ok {
		return ""
	}
	return "agent:" + agent.ID.String()
}

// IPKeyFunc keys the limit by client IP, for endpoints that run before
// authentication. Uses RemoteAddr only. X-Forwarded-For is not trusted because
// the server may not be behind a reverse proxy that sanitizes the header, and
// any client can set an arbitrary value to bypass rate limiting. If deployed
// behind a trusted proxy, configure the proxy to set RemoteAddr.
func IPKeyFunc(r *http.Request) string {
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		addr = addr[:idx]
	}
	return "ip:" + addr
}
