package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// Statement is a machine-generated candidate consensus statement for one
// round of a deliberation. Statements are written only by the mediation
// engine and are immutable once stored. SocialRank is the 1-based position
// in the round's aggregated social order; rank 1 is the round winner.
type Statement struct {
	ID             uuid.UUID      `json:"id"`
	DeliberationID uuid.UUID      `json:"deliberation_id"`
	RoundNumber    int            `json:"round_number"`
	Text           string         `json:"text"`
	SocialRank     *int           `json:"social_rank,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	GeneratedAt    time.Time      `json:"generated_at"`

	// Embedding is populated asynchronously for semantic search and is
	// never exposed over the API.
	Embedding *pgvector.Vector `json:"-"`
}

// IsWinner reports whether the statement won its round's social ranking.
// Rank 1 is the winner.
func (s *Statement) IsWinner() bool {
	return s.SocialRank != nil && *s.SocialRank == 1
}
