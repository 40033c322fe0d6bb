package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// Opinion is a participant's initial position on the deliberation question.
// One per participant per deliberation, accepted only during the opinion
// stage.
type Opinion struct {
	ID             uuid.UUID `json:"id"`
	DeliberationID uuid.UUID `json:"deliberation_id"`
	AgentID        uuid.UUID `json:"agent_id"`
	Text           string    `json:"text"`
	SubmittedAt    time.Time `json:"submitted_at"`

	// Embedding is populated asynchronously for semantic search and is
	// never exposed over the API.
	Embedding *pgvector.Vector `json:"-"`
}

// StatementRank pairs a candidate statement with its preference position.
// Rank 1 is most preferred.
type StatementRank struct {
	StatementID uuid.UUID `json:"statement_id"`
	Rank        int       `json:"rank"`
}

// Ranking is a participant's complete preference order over one round's
// candidate statements. One per participant per round.
type Ranking struct {
	ID                uuid.UUID       `json:"id"`
	DeliberationID    uuid.UUID       `json:"deliberation_id"`
	AgentID           uuid.UUID       `json:"agent_id"`
	RoundNumber       int             `json:"round_number"`
	StatementRankings []StatementRank `json:"statement_rankings"`
	SubmittedAt       time.Time       `json:"submitted_at"`
}

// Critique is a participant's objection to the current round's winning
// statement. One per participant per round, bound to the statement that was
// the winner when it was submitted.
type Critique struct {
	ID                 uuid.UUID `json:"id"`
	DeliberationID     uuid.UUID `json:"deliberation_id"`
	AgentID            uuid.UUID `json:"agent_id"`
	WinningStatementID uuid.UUID `json:"winning_statement_id"`
	RoundNumber        int       `json:"round_number"`
	Text               string    `json:"text"`
	SubmittedAt        time.Time `json:"submitted_at"`
}

// HumanFeedback is a participant's assessment of the final consensus
// statement. One per participant per deliberation, accepted only after the
// deliberation concludes.
type HumanFeedback struct {
	ID               uuid.UUID `json:"id"`
	DeliberationID   uuid.UUID `json:"deliberation_id"`
	AgentID          uuid.UUID `json:"agent_id"`
	FinalStatementID uuid.UUID `json:"final_statement_id"`
	AgreementLevel   int       `json:"agreement_level"`
	Text             *string   `json:"text,omitempty"`
	SubmittedAt      time.Time `json:"submitted_at"`
}

// ValidateStatementRankings checks that entries form a strict total order
// over exactly the candidate set: every candidate ranked once, every rank
// in 1..K used once.
func ValidateStatementRankings(entries []StatementRank, candidates []uuid.UUID) error {
	k := len(candidates)
	if len(entries) != k {
		return fmt.Errorf("ranking must cover all %d statements, got %d", k, len(entries))
	}

	valid := make(map[uuid.UUID]bool, k)
	for _, id := range candidates {
		valid[id] = true
	}

	seenIDs := make(map[uuid.UUID]bool, k)
	seenRanks := make(map[int]bool, k)
	for _, e := range entries {
		if !valid[e.StatementID] {
			return fmt.Errorf("statement %s is not part of the current round", e.StatementID)
		}
		if seenIDs[e.StatementID] {
			return fmt.Errorf("statement %s ranked more than once", e.StatementID)
		}
		seenIDs[e.StatementID] = true

		if e.Rank < 1 || e.Rank > k {
			return fmt.Errorf("rank %d out of range 1..%d", e.Rank, k)
		}
		if seenRanks[e.Rank] {
			return fmt.Errorf("rank %d assigned more than once", e.Rank)
		}
		seenRanks[e.Rank] = true
	}
	return nil
}
