package togi

import (
	"time"

	"github.com/google/uuid"
)

// Stage is the lifecycle state of a deliberation.
type Stage string

const (
	StageOpinion   Stage = "opinion"
	StageRanking   Stage = "ranking"
	StageCritique  Stage = "critique"
	StageConcluded Stage = "concluded"
	StageFinalized Stage = "finalized"
)

// Deliberation mirrors the server's deliberation view. CurrentRound is
// 0-indexed: round 0 is the opinion round, rounds 1..NumCritiqueRounds are
// critique rounds.
type Deliberation struct {
	ID                uuid.UUID      `json:"id"`
	Question          string         `json:"question"`
	Stage             Stage          `json:"stage"`
	CreatedBy         uuid.UUID      `json:"created_by"`
	ParticipantCount  int            `json:"participant_count"`
	MaxParticipants   *int           `json:"max_participants,omitempty"`
	NumCritiqueRounds int            `json:"num_critique_rounds"`
	CurrentRound      int            `json:"current_round"`
	Metadata          map[string]any `json:"metadata"`
	LastError         *string        `json:"last_error,omitempty"`
	LastErrorAt       *time.Time     `json:"last_error_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	ConcludedAt       *time.Time     `json:"concluded_at,omitempty"`
	FinalizedAt       *time.Time     `json:"finalized_at,omitempty"`
}

// Opinion is a participant's initial position on the question.
type Opinion struct {
	ID             uuid.UUID `json:"id"`
	DeliberationID uuid.UUID `json:"deliberation_id"`
	AgentID        uuid.UUID `json:"agent_id"`
	Text           string    `json:"text"`
	SubmittedAt    time.Time `json:"submitted_at"`
}

// Statement is a machine-generated candidate consensus statement.
// SocialRank 1 is the round winner.
type Statement struct {
	ID             uuid.UUID      `json:"id"`
	DeliberationID uuid.UUID      `json:"deliberation_id"`
	RoundNumber    int            `json:"round_number"`
	Text           string         `json:"text"`
	SocialRank     *int           `json:"social_rank,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	GeneratedAt    time.Time      `json:"generated_at"`
}

// StatementRank pairs a candidate statement with its preference position.
// Rank 1 is most preferred.
type StatementRank struct {
	StatementID uuid.UUID `json:"statement_id"`
	Rank        int       `json:"rank"`
}

// Ranking is one participant's complete preference order over a round's
// candidate statements.
type Ranking struct {
	ID                uuid.UUID       `json:"id"`
	DeliberationID    uuid.UUID       `json:"deliberation_id"`
	AgentID           uuid.UUID       `json:"agent_id"`
	RoundNumber       int             `json:"round_number"`
	StatementRankings []StatementRank `json:"statement_rankings"`
	SubmittedAt       time.Time       `json:"submitted_at"`
}

// Critique is a participant's objection to a round's winning statement.
type Critique struct {
	ID                 uuid.UUID `json:"id"`
	DeliberationID     uuid.UUID `json:"deliberation_id"`
	AgentID            uuid.UUID `json:"agent_id"`
	WinningStatementID uuid.UUID `json:"winning_statement_id"`
	RoundNumber        int       `json:"round_number"`
	Text               string    `json:"text"`
	SubmittedAt        time.Time `json:"submitted_at"`
}

// HumanFeedback is a participant's agreement score for the final statement.
type HumanFeedback struct {
	ID               uuid.UUID `json:"id"`
	DeliberationID   uuid.UUID `json:"deliberation_id"`
	AgentID          uuid.UUID `json:"agent_id"`
	FinalStatementID uuid.UUID `json:"final_statement_id"`
	AgreementLevel   int       `json:"agreement_level"`
	Text             *string   `json:"text,omitempty"`
	SubmittedAt      time.Time `json:"submitted_at"`
}

// --- Request types ---

// RegisterRequest is the input for Register.
type RegisterRequest struct {
	Name      string `json:"name"`
	HumanName string `json:"human_name"`
}

// RegisterResponse carries the new agent identity. Token is the raw bearer
// credential and is returned only here; store it.
type RegisterResponse struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	HumanName string    `json:"human_name"`
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateDeliberationRequest is the input for CreateDeliberation.
type CreateDeliberationRequest struct {
	Question          string         `json:"question"`
	MaxParticipants   *int           `json:"max_participants,omitempty"`
	NumCritiqueRounds int            `json:"num_critique_rounds,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// --- Response types ---

// DeliberationList is the result of ListDeliberations.
type DeliberationList struct {
	Deliberations []Deliberation `json:"deliberations"`
	Total         int            `json:"total"`
}

// DeliberationDetail is the full view of a deliberation with all related
// submissions.
type DeliberationDetail struct {
	Deliberation  Deliberation    `json:"deliberation"`
	Opinions      []Opinion       `json:"opinions"`
	Statements    []Statement     `json:"statements"`
	Rankings      []Ranking       `json:"rankings"`
	Critiques     []Critique      `json:"critiques"`
	HumanFeedback []HumanFeedback `json:"human_feedback"`
}

// DeliberationResult is the finalized outcome view.
type DeliberationResult struct {
	Deliberation   Deliberation    `json:"deliberation"`
	FinalStatement Statement       `json:"final_statement"`
	Feedback       []HumanFeedback `json:"feedback"`
	MeanAgreement  float64         `json:"mean_agreement"`
}

// SearchResult is one semantic-search hit.
type SearchResult struct {
	Kind            string    `json:"kind"`
	ID              uuid.UUID `json:"id"`
	DeliberationID  uuid.UUID `json:"deliberation_id"`
	Text            string    `json:"text"`
	SimilarityScore float32   `json:"similarity_score"`
}

// HealthResponse is the server's health report.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Qdrant   string `json:"qdrant,omitempty"`
	Uptime   int64  `json:"uptime_seconds"`
}
