// Package search provides vector search over deliberation content backed by
// an external Qdrant index, with transparent fallback to a pgvector scan in
// Postgres when the index is unreachable.
package search

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Indexed entity kinds. These match the entity_kind values in the
// search_outbox table and the "kind" payload field in Qdrant.
const (
	KindOpinion   = "opinion"
	KindStatement = "statement"
)

// Result holds an indexed entity's identity and its raw similarity score.
// The caller hydrates text and metadata from Postgres (source of truth).
type Result struct {
	Kind  string
	ID    uuid.UUID
	Score float32
}

// Searcher is the interface for vector search indexes.
// Implementations must be safe for concurrent use.
type Searcher interface {
	// Search returns entities matching the query vector, restricted to the
	// given kinds and, when non-nil, a single deliberation.
	Search(ctx context.Context, embedding []float32, kinds []string, deliberationID *uuid.UUID, limit int) ([]Result, error)

	// Healthy returns nil if the search index is reachable, or an error
	// describing the problem.
	Healthy(ctx context.Context) error
}

// NormalizeKinds validates a kind filter and applies the default.
// An empty filter means both kinds; duplicates are collapsed.
func NormalizeKinds(kinds []string) ([]string, error) {
	if len(kinds) == 0 {
		return []string{KindOpinion, KindStatement}, nil
	}
	seen := make(map[string]bool, 2)
	out := make([]string, 0, len(kinds))
	for _, k := range kinds {
		switch k {
		case KindOpinion, KindStatement:
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		default:
			return nil, fmt.Errorf("search: unknown kind %q", k)
		}
	}
	return out, nil
}
