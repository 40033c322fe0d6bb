package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/togi/internal/model"
)

// SubmitFeedback inserts human feedback inside a transaction that locks the
// deliberation row. Feedback is accepted only while the deliberation is
// concluded; once finalized the window is closed.
func (db *DB) SubmitFeedback(ctx context.Context, f model.HumanFeedback) (model.HumanFeedback, model.Deliberation, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.HumanFeedback{}, model.Deliberation{}, fmt.Errorf("storage: begin submit feedback tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	d, err := lockDeliberation(ctx, tx, f.DeliberationID)
	if err != nil {
		return model.HumanFeedback{}, model.Deliberation{}, err
	}
	if d.Stage != model.StageConcluded {
		return model.HumanFeedback{}, d, fmt.Errorf("storage: deliberation %s in stage %s: %w", d.ID, d.Stage, ErrWrongStage)
	}

	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.SubmittedAt.IsZero() {
		f.SubmittedAt = time.Now().UTC()
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO human_feedback (id, deliberation_id, agent_id, final_statement_id, agreement_level, text, submitted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		f.ID, f.DeliberationID, f.AgentID, f.FinalStatementID, f.AgreementLevel, f.Text, f.SubmittedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return model.HumanFeedback{}, d, fmt.Errorf("storage: feedback by agent %s: %w", f.AgentID, ErrDuplicate)
		}
		return model.HumanFeedback{}, d, fmt.Errorf("storage: insert feedback: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE deliberations SET updated_at = now() WHERE id = $1`, d.ID,
	); err != nil {
		return model.HumanFeedback{}, d, fmt.Errorf("storage: touch deliberation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.HumanFeedback{}, d, fmt.Errorf("storage: commit submit feedback tx: %w", err)
	}
	return f, d, nil
}

// ListFeedback returns all feedback for a deliberation in submission order.
func (db *DB) ListFeedback(ctx context.Context, deliberationID uuid.UUID) ([]model.HumanFeedback, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, deliberation_id, agent_id, final_statement_id, agreement_level, text, submitted_at
		 FROM human_feedback WHERE deliberation_id = $1
		 ORDER BY submitted_at ASC, id ASC`, deliberationID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list feedback: %w", err)
	}
	defer rows.Close()

	var out []model.HumanFeedback
	for rows.Next() {
		var f model.HumanFeedback
		if err := rows.Scan(&f.ID, &f.DeliberationID, &f.AgentID, &f.FinalStatementID, &f.AgreementLevel, &f.Text, &f.SubmittedAt); err != nil {
			return nil, fmt.Errorf("storage: scan feedback: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// CountFeedback returns the number of feedback entries for a deliberation.
func (db *DB) CountFeedback(ctx context.Context, deliberationID uuid.UUID) (int, error) {
	var count int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM human_feedback WHERE deliberation_id = $1`, deliberationID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("storage: count feedback: %w", err)
	}
	return count, nil
}
