package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/togi/internal/model"
)

// SubmitOpinion inserts an opinion inside a transaction that locks the
// deliberation row, so the stage check, the participant cap, and the insert
// commit or fail together. Returns the stored opinion and the deliberation
// as of the lock. Precondition failures return ErrWrongStage, ErrFull, or
// ErrDuplicate with the deliberation snapshot populated.
func (db *DB) SubmitOpinion(ctx context.Context, op model.Opinion) (model.Opinion, model.Deliberation, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Opinion{}, model.Deliberation{}, fmt.Errorf("storage: begin submit opinion tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	d, err := lockDeliberation(ctx, tx, op.DeliberationID)
	if err != nil {
		return model.Opinion{}, model.Deliberation{}, err
	}
	if d.Stage != model.StageOpinion {
		return model.Opinion{}, d, fmt.Errorf("storage: deliberation %s in stage %s: %w", d.ID, d.Stage, ErrWrongStage)
	}

	// The cap check must see the committed count under the row lock, or two
	// concurrent submissions for the last slot would both pass.
	if d.MaxParticipants != nil {
		var count int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM opinions WHERE deliberation_id = $1`, d.ID,
		).Scan(&count); err != nil {
			return model.Opinion{}, d, fmt.Errorf("storage: count opinions for cap: %w", err)
		}
		if count >= *d.MaxParticipants {
			return model.Opinion{}, d, fmt.Errorf("storage: deliberation %s at %d participants: %w", d.ID, count, ErrFull)
		}
	}

	if op.ID == uuid.Nil {
		op.ID = uuid.New()
	}
	if op.SubmittedAt.IsZero() {
		op.SubmittedAt = time.Now().UTC()
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO opinions (id, deliberation_id, agent_id, text, submitted_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		op.ID, op.DeliberationID, op.AgentID, op.Text, op.SubmittedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return model.Opinion{}, d, fmt.Errorf("storage: opinion by agent %s: %w", op.AgentID, ErrDuplicate)
		}
		return model.Opinion{}, d, fmt.Errorf("storage: insert opinion: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE deliberations SET updated_at = now() WHERE id = $1`, d.ID,
	); err != nil {
		return model.Opinion{}, d, fmt.Errorf("storage: touch deliberation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Opinion{}, d, fmt.Errorf("storage: commit submit opinion tx: %w", err)
	}
	return op, d, nil
}

// ListOpinions returns all opinions for a deliberation in submission order.
// This order defines the canonical participant order for mediation.
func (db *DB) ListOpinions(ctx context.Context, deliberationID uuid.UUID) ([]model.Opinion, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, deliberation_id, agent_id, text, submitted_at
		 FROM opinions WHERE deliberation_id = $1
		 ORDER BY submitted_at ASC, id ASC`, deliberationID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list opinions: %w", err)
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

// HasOpinion reports whether the agent submitted an opinion on the
// deliberation. Submitting an opinion is what makes an agent a participant
// for every later stage.
func (db *DB) HasOpinion(ctx context.Context, deliberationID, agentID uuid.UUID) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM opinions WHERE deliberation_id = $1 AND agent_id = $2)`,
		deliberationID, agentID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storage: has opinion: %w", err)
	}
	return exists, nil
}

// CountOpinions returns the number of opinions for a deliberation.
func (db *DB) CountOpinions(ctx context.Context, deliberationID uuid.UUID) (int, error) {
	var count int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM opinions WHERE deliberation_id = $1`, deliberationID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("storage: count opinions: %w", err)
	}
	return count, nil
}
