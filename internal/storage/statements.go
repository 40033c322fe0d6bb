package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/togi/internal/model"
)

// GetStatement retrieves a statement by id.
func (db *DB) GetStatement(ctx context.Context, id uuid.UUID) (model.Statement, error) {
	var s model.Statement
	err := db.pool.QueryRow(ctx,
		`SELECT id, deliberation_id, round_number, text, social_rank, metadata, generated_at
		 FROM statements WHERE id = $1`, id,
	).Scan(&s.ID, &s.DeliberationID, &s.RoundNumber, &s.Text, &s.SocialRank, &s.Metadata, &s.GeneratedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Statement{}, fmt.Errorf("storage: statement %s: %w", id, ErrNotFound)
		}
		return model.Statement{}, fmt.Errorf("storage: get statement: %w", err)
	}
	return s, nil
}

// ListStatementsByRound returns the statements of one round in social order
// (rank 1 first).
func (db *DB) ListStatementsByRound(ctx context.Context, deliberationID uuid.UUID, round int) ([]model.Statement, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, deliberation_id, round_number, text, social_rank, metadata, generated_at
		 FROM statements WHERE deliberation_id = $1 AND round_number = $2
		 ORDER BY social_rank ASC NULLS LAST, id ASC`, deliberationID, round,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list statements by round: %w", err)
	}
	defer rows.Close()

	return scanStatements(rows)
}

// ListStatements returns all statements for a deliberation ordered by round,
// then social rank.
func (db *DB) ListStatements(ctx context.Context, deliberationID uuid.UUID) ([]model.Statement, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, deliberation_id, round_number, text, social_rank, metadata, generated_at
		 FROM statements WHERE deliberation_id = $1
		 ORDER BY round_number ASC, social_rank ASC NULLS LAST, id ASC`, deliberationID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list statements: %w", err)
	}
	defer rows.Close()

	return scanStatements(rows)
}

// GetRoundWinner returns the statement that won a round's social ranking.
func (db *DB) GetRoundWinner(ctx context.Context, deliberationID uuid.UUID, round int) (model.Statement, error) {
	var s model.Statement
	err := db.pool.QueryRow(ctx,
		`SELECT id, deliberation_id, round_number, text, social_rank, metadata, generated_at
		 FROM statements WHERE deliberation_id = $1 AND round_number = $2 AND social_rank = 1`,
		deliberationID, round,
	).Scan(&s.ID, &s.DeliberationID, &s.RoundNumber, &s.Text, &s.SocialRank, &s.Metadata, &s.GeneratedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Statement{}, fmt.Errorf("storage: winner of round %d: %w", round, ErrNotFound)
		}
		return model.Statement{}, fmt.Errorf("storage: get round winner: %w", err)
	}
	return s, nil
}

// UpdateStatementEmbedding stores the embedding vector for a statement.
func (db *DB) UpdateStatementEmbedding(ctx context.Context, id uuid.UUID, embedding pgvector.Vector) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE statements SET embedding = $1 WHERE id = $2`, embedding, id,
	)
	if err != nil {
		return fmt.Errorf("storage: update statement embedding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: statement %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateOpinionEmbedding stores the embedding vector for an opinion.
func (db *DB) UpdateOpinionEmbedding(ctx context.Context, id uuid.UUID, embedding pgvector.Vector) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE opinions SET embedding = $1 WHERE id = $2`, embedding, id,
	)
	if err != nil {
		return fmt.Errorf("storage: update opinion embedding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: opinion %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanStatements(rows pgx.Rows) ([]model.Statement, error) {
	var out []model.Statement
	for rows.Next() {
		var s model.Statement
		if err := rows.Scan(&s.ID, &s.DeliberationID, &s.RoundNumber, &s.Text, &s.SocialRank, &s.Metadata, &s.GeneratedAt); err != nil {
			return nil, fmt.Errorf("storage: scan statement: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
