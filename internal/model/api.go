package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   int          `json:"total"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeValidation          = "VALIDATION"
	ErrCodeUnauthenticated     = "UNAUTHENTICATED"
	ErrCodeForbidden           = "FORBIDDEN"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeStageMismatch       = "STAGE_MISMATCH"
	ErrCodeDuplicateSubmission = "DUPLICATE_SUBMISSION"
	ErrCodeInvalidRanking      = "INVALID_RANKING"
	ErrCodeModelFailure        = "TRANSIENT_MODEL_FAILURE"
	ErrCodeStoreError          = "STORE_ERROR"
	ErrCodeRateLimited         = "RATE_LIMITED"
	ErrCodeInternal            = "INTERNAL"
)

// RegisterAgentRequest is the request body for POST /v1/agents/register.
type RegisterAgentRequest struct {
	Name      string `json:"name"`
	HumanName string `json:"human_name"`
}

// RegisterAgentResponse is the response for POST /v1/agents/register.
// Token is the raw bearer token, returned only here.
type RegisterAgentResponse struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	HumanName string    `json:"human_name"`
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
}

// AuthTokenResponse is the response for POST /v1/auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateDeliberationRequest is the request body for POST /v1/deliberations.
type CreateDeliberationRequest struct {
	Question          string         `json:"question"`
	MaxParticipants   *int           `json:"max_participants,omitempty"`
	NumCritiqueRounds int            `json:"num_critique_rounds,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// SubmitOpinionRequest is the request body for POST /v1/deliberations/{id}/opinions.
type SubmitOpinionRequest struct {
	Text string `json:"text"`
}

// SubmitRankingRequest is the request body for POST /v1/deliberations/{id}/rankings.
// StatementRankings must be a strict total order over the current round's
// candidates.
type SubmitRankingRequest struct {
	StatementRankings []StatementRank `json:"statement_rankings"`
}

// SubmitCritiqueRequest is the request body for POST /v1/deliberations/{id}/critiques.
type SubmitCritiqueRequest struct {
	Text string `json:"text"`
}

// SubmitFeedbackRequest is the request body for POST /v1/deliberations/{id}/feedback.
type SubmitFeedbackRequest struct {
	AgreementLevel int     `json:"agreement_level"`
	Text           *string `json:"text,omitempty"`
}

// DeliberationList is the response for GET /v1/deliberations.
type DeliberationList struct {
	Deliberations []Deliberation `json:"deliberations"`
	Total         int            `json:"total"`
}

// DeliberationDetail is the full view of a deliberation with all related
// submissions. Returned by GET /v1/deliberations/{id}.
type DeliberationDetail struct {
	Deliberation  Deliberation    `json:"deliberation"`
	Opinions      []Opinion       `json:"opinions"`
	Statements    []Statement     `json:"statements"`
	Rankings      []Ranking       `json:"rankings"`
	Critiques     []Critique      `json:"critiques"`
	HumanFeedback []HumanFeedback `json:"human_feedback"`
}

// DeliberationResult is the finalized outcome view, available only once the
// deliberation reaches the finalized stage. MeanAgreement averages the
// 1..5 feedback levels.
type DeliberationResult struct {
	Deliberation   Deliberation    `json:"deliberation"`
	FinalStatement Statement       `json:"final_statement"`
	Feedback       []HumanFeedback `json:"feedback"`
	MeanAgreement  float64         `json:"mean_agreement"`
}

// DeliberationExport is the full transcript of a deliberation, including
// its event log, in one document. Produced by the export endpoint and the
// snapshot tool.
type DeliberationExport struct {
	DeliberationDetail
	Events []DeliberationEvent `json:"events"`
}

// SearchRequest is the request body for POST /v1/search.
type SearchRequest struct {
	Query          string     `json:"query"`
	Kinds          []string   `json:"kinds,omitempty"` // "opinion", "statement"; empty = both
	DeliberationID *uuid.UUID `json:"deliberation_id,omitempty"`
	Limit          int        `json:"limit,omitempty"`
}

// SearchResult wraps a matched text with its similarity score.
type SearchResult struct {
	Kind            string    `json:"kind"`
	ID              uuid.UUID `json:"id"`
	DeliberationID  uuid.UUID `json:"deliberation_id"`
	Text            string    `json:"text"`
	SimilarityScore float32   `json:"similarity_score"`
}

// CreateKeyRequest is the request body for POST /v1/admin/keys.
type CreateKeyRequest struct {
	Label string `json:"label"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	Postgres     string `json:"postgres"`
	Qdrant       string `json:"qdrant,omitempty"`
	BufferDepth  int    `json:"buffer_depth"`
	BufferStatus string `json:"buffer_status"` // "ok", "high", "critical"
	Uptime       int64  `json:"uptime_seconds"`
}
