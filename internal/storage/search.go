package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/togi/internal/model"
)

// SearchOpinionsByEmbedding runs a cosine-similarity scan over opinion
// embeddings. Fallback path for when the dedicated vector index is down;
// the HNSW index keeps it usable at moderate scale.
func (db *DB) SearchOpinionsByEmbedding(ctx context.Context, embedding pgvector.Vector, deliberationID *uuid.UUID, limit int) ([]model.SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}

	where := `WHERE embedding IS NOT NULL`
	args := []any{embedding}
	if deliberationID != nil {
		where += ` AND deliberation_id = $2`
		args = append(args, *deliberationID)
	}

	rows, err := db.pool.Query(ctx, fmt.Sprintf(
		`SELECT id, deliberation_id, text, (1 - (embedding <=> $1)) AS similarity
		 FROM opinions
		 %s
		 ORDER BY embedding <=> $1
		 LIMIT %d`, where, limit,
	), args...)
	if err != nil {
		return nil, fmt.Errorf("storage: search opinions: %w", err)
	}
	defer rows.Close()
	return scanSearchResults(rows, SearchKindOpinion)
}

// SearchStatementsByEmbedding runs a cosine-similarity scan over statement
// embeddings.
func (db *DB) SearchStatementsByEmbedding(ctx context.Context, embedding pgvector.Vector, deliberationID *uuid.UUID, limit int) ([]model.SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}

	where := `WHERE embedding IS NOT NULL`
	args := []any{embedding}
	if deliberationID != nil {
		where += ` AND deliberation_id = $2`
		args = append(args, *deliberationID)
	}

	rows, err := db.pool.Query(ctx, fmt.Sprintf(
		`SELECT id, deliberation_id, text, (1 - (embedding <=> $1)) AS similarity
		 FROM statements
		 %s
		 ORDER BY embedding <=> $1
		 LIMIT %d`, where, limit,
	), args...)
	if err != nil {
		return nil, fmt.Errorf("storage: search statements: %w", err)
	}
	defer rows.Close()
	return scanSearchResults(rows, SearchKindStatement)
}

func scanSearchResults(rows pgx.Rows, kind string) ([]model.SearchResult, error) {
	var out []model.SearchResult
	for rows.Next() {
		r := model.SearchResult{Kind: kind}
		if err := rows.Scan(&r.ID, &r.DeliberationID, &r.Text, &r.SimilarityScore); err != nil {
			return nil, fmt.Errorf("storage: scan search result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PendingEmbedding identifies a row whose embedding column is still NULL.
// The backfill worker embeds the text and writes the vector back.
type PendingEmbedding struct {
	Kind           string
	ID             uuid.UUID
	DeliberationID uuid.UUID
	Text           string
}

// ListOpinionsMissingEmbedding returns opinions without an embedding, oldest
// first so a backlog drains in submission order.
func (db *DB) ListOpinionsMissingEmbedding(ctx context.Context, limit int) ([]PendingEmbedding, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, deliberation_id, text
		 FROM opinions WHERE embedding IS NULL
		 ORDER BY submitted_at ASC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list unembedded opinions: %w", err)
	}
	defer rows.Close()
	return scanPendingEmbeddings(rows, SearchKindOpinion)
}

// ListStatementsMissingEmbedding returns statements without an embedding,
// oldest first.
func (db *DB) ListStatementsMissingEmbedding(ctx context.Context, limit int) ([]PendingEmbedding, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, deliberation_id, text
		 FROM statements WHERE embedding IS NULL
		 ORDER BY generated_at ASC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list unembedded statements: %w", err)
	}
	defer rows.Close()
	return scanPendingEmbeddings(rows, SearchKindStatement)
}

func scanPendingEmbeddings(rows pgx.Rows, kind string) ([]PendingEmbedding, error) {
	var out []PendingEmbedding
	for rows.Next() {
		p := PendingEmbedding{Kind: kind}
		if err := rows.Scan(&p.ID, &p.DeliberationID, &p.Text); err != nil {
			return nil, fmt.Errorf("storage: scan pending embedding: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetOpinionsByIDs returns the opinions with the given ids. Ids with no
// matching row are skipped, so the result may be shorter than the input.
func (db *DB) GetOpinionsByIDs(ctx context.Context, ids []uuid.UUID) ([]model.Opinion, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, deliberation_id, agent_id, text, submitted_at
		 FROM opinions WHERE id = ANY($1)`, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get opinions by ids: %w", err)
	}
	defer rows.Close()

	var out []model.Opinion
	for rows.Next() {
		var op model.Opinion
		if err := rows.Scan(&op.ID, &op.DeliberationID, &op.AgentID, &op.Text, &op.SubmittedAt); err != nil {
			return nil, fmt.Errorf("storage: scan opinion: %w", err)
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// GetStatementsByIDs returns the statements with the given ids. Ids with no
// matching row are skipped.
func (db *DB) GetStatementsByIDs(ctx context.Context, ids []uuid.UUID) ([]model.Statement, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, deliberation_id, round_number, text, social_rank, metadata, generated_at
		 FROM statements WHERE id = ANY($1)`, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get statements by ids: %w", err)
	}
	defer rows.Close()
	return scanStatements(rows)
}
