package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/togi/internal/model"
)

const deliberationColumns = `id, question, stage, created_by, participant_count,
	max_participants, num_critique_rounds, current_round, metadata,
	last_error, last_error_at, created_at, updated_at, started_at, concluded_at, finalized_at`

func scanDeliberation(row pgx.Row) (model.Deliberation, error) {
	var d model.Deliberation
	err := row.Scan(
		&d.ID, &d.Question, &d.Stage, &d.CreatedBy, &d.ParticipantCount,
		&d.MaxParticipants, &d.NumCritiqueRounds, &d.CurrentRound, &d.Metadata,
		&d.LastError, &d.LastErrorAt, &d.CreatedAt, &d.UpdatedAt, &d.StartedAt, &d.ConcludedAt, &d.FinalizedAt,
	)
	return d, err
}

// CreateDeliberation inserts a new deliberation in the opinion stage.
func (db *DB) CreateDeliberation(ctx context.Context, d model.Deliberation) (model.Deliberation, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = d.CreatedAt
	d.Stage = model.StageOpinion
	d.CurrentRound = 0
	if d.Metadata == nil {
		d.Metadata = map[string]any{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO deliberations (id, question, stage, created_by, participant_count,
		     max_participants, num_critique_rounds, current_round, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.ID, d.Question, string(d.Stage), d.CreatedBy, d.ParticipantCount,
		d.MaxParticipants, d.NumCritiqueRounds, d.CurrentRound, d.Metadata, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return model.Deliberation{}, fmt.Errorf("storage: create deliberation: %w", err)
	}
	return d, nil
}

// GetDeliberation retrieves a deliberation by id.
func (db *DB) GetDeliberation(ctx context.Context, id uuid.UUID) (model.Deliberation, error) {
	d, err := scanDeliberation(db.pool.QueryRow(ctx,
		`SELECT `+deliberationColumns+` FROM deliberations WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Deliberation{}, fmt.Errorf("storage: deliberation %s: %w", id, ErrNotFound)
		}
		return model.Deliberation{}, fmt.Errorf("storage: get deliberation: %w", err)
	}
	return d, nil
}

// ListDeliberations returns deliberations newest first, optionally filtered
// by stage. limit is clamped to [1, 1000] with a default of 200.
func (db *DB) ListDeliberations(ctx context.Context, stage *model.Stage, limit, offset int) ([]model.Deliberation, error) {
	if limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + deliberationColumns + ` FROM deliberations`
	args := []any{}
	if stage != nil {
		query += ` WHERE stage = $1`
		args = append(args, string(*stage))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list deliberations: %w", err)
	}
	defer rows.Close()

	var out []model.Deliberation
	for rows.Next() {
		d, err := scanDeliberation(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan deliberation: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CountDeliberations returns the number of deliberations, optionally filtered
// by stage.
func (db *DB) CountDeliberations(ctx context.Context, stage *model.Stage) (int, error) {
	var count int
	var err error
	if stage != nil {
		err = db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM deliberations WHERE stage = $1`, string(*stage)).Scan(&count)
	} else {
		err = db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM deliberations`).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("storage: count deliberations: %w", err)
	}
	return count, nil
}

// lockDeliberation loads a deliberation row FOR UPDATE inside tx, serializing
// submissions and transitions on the same deliberation.
func lockDeliberation(ctx context.Context, tx pgx.Tx, id uuid.UUID) (model.Deliberation, error) {
	d, err := scanDeliberation(tx.QueryRow(ctx,
		`SELECT `+deliberationColumns+` FROM deliberations WHERE id = $1 FOR UPDATE`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Deliberation{}, fmt.Errorf("storage: deliberation %s: %w", id, ErrNotFound)
		}
		return model.Deliberation{}, fmt.Errorf("storage: lock deliberation: %w", err)
	}
	return d, nil
}
