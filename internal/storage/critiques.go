package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/togi/internal/model"
)

// SubmitCritique inserts a critique inside a transaction that locks the
// deliberation row. The deliberation must be in the critique stage and its
// current round must equal c.RoundNumber, which pins the winning statement
// the critique was written against.
func (db *DB) SubmitCritique(ctx context.Context, c model.Critique) (model.Critique, model.Deliberation, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Critique{}, model.Deliberation{}, fmt.Errorf("storage: begin submit critique tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	d, err := lockDeliberation(ctx, tx, c.DeliberationID)
	if err != nil {
		return model.Critique{}, model.Deliberation{}, err
	}
	if d.Stage != model.StageCritique || d.CurrentRound != c.RoundNumber {
		return model.Critique{}, d, fmt.Errorf("storage: deliberation %s in stage %s round %d: %w",
			d.ID, d.Stage, d.CurrentRound, ErrWrongStage)
	}

	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.SubmittedAt.IsZero() {
		c.SubmittedAt = time.Now().UTC()
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO critiques (id, deliberation_id, agent_id, winning_statement_id, round_number, text, submitted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.DeliberationID, c.AgentID, c.WinningStatementID, c.RoundNumber, c.Text, c.SubmittedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return model.Critique{}, d, fmt.Errorf("storage: critique by agent %s round %d: %w", c.AgentID, c.RoundNumber, ErrDuplicate)
		}
		return model.Critique{}, d, fmt.Errorf("storage: insert critique: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE deliberations SET updated_at = now() WHERE id = $1`, d.ID,
	); err != nil {
		return model.Critique{}, d, fmt.Errorf("storage: touch deliberation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Critique{}, d, fmt.Errorf("storage: commit submit critique tx: %w", err)
	}
	return c, d, nil
}

// ListCritiquesByRound returns the critiques of one round in submission order.
func (db *DB) ListCritiquesByRound(ctx context.Context, deliberationID uuid.UUID, round int) ([]model.Critique, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, deliberation_id, agent_id, winning_statement_id, round_number, text, submitted_at
		 FROM critiques WHERE deliberation_id = $1 AND round_number = $2
		 ORDER BY submitted_at ASC, id ASC`, deliberationID, round,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list critiques by round: %w", err)
	}
	defer rows.Close()

	return scanCritiques(rows)
}

// ListCritiques returns all critiques for a deliberation ordered by round.
func (db *DB) ListCritiques(ctx context.Context, deliberationID uuid.UUID) ([]model.Critique, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, deliberation_id, agent_id, winning_statement_id, round_number, text, submitted_at
		 FROM critiques WHERE deliberation_id = $1
		 ORDER BY round_number ASC, submitted_at ASC, id ASC`, deliberationID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list critiques: %w", err)
	}
	defer rows.Close()

	return scanCritiques(rows)
}

// CountCritiquesByRound returns the number of critiques submitted for a round.
func (db *DB) CountCritiquesByRound(ctx context.Context, deliberationID uuid.UUID, round int) (int, error) {
	var count int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM critiques WHERE deliberation_id = $1 AND round_number = $2`,
		deliberationID, round,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("storage: count critiques: %w", err)
	}
	return count, nil
}

func scanCritiques(rows pgx.Rows) ([]model.Critique, error) {
	var out []model.Critique
	for rows.Next() {
		var c model.Critique
		if err := rows.Scan(&c.ID, &c.DeliberationID, &c.AgentID, &c.WinningStatementID, &c.RoundNumber, &c.Text, &c.SubmittedAt); err != nil {
			return nil, fmt.Errorf("storage: scan critique: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
