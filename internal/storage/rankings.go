package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/togi/internal/model"
)

// SubmitRanking inserts a ranking inside a transaction that locks the
// deliberation row. The deliberation must be in the ranking stage and its
// current round must equal r.RoundNumber; a ranking validated against an
// earlier round's statements is rejected with ErrWrongStage.
func (db *DB) SubmitRanking(ctx context.Context, r model.Ranking) (model.Ranking, model.Deliberation, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Ranking{}, model.Deliberation{}, fmt.Errorf("storage: begin submit ranking tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	d, err := lockDeliberation(ctx, tx, r.DeliberationID)
	if err != nil {
		return model.Ranking{}, model.Deliberation{}, err
	}
	if d.Stage != model.StageRanking || d.CurrentRound != r.RoundNumber {
		return model.Ranking{}, d, fmt.Errorf("storage: deliberation %s in stage %s round %d: %w",
			d.ID, d.Stage, d.CurrentRound, ErrWrongStage)
	}

	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.SubmittedAt.IsZero() {
		r.SubmittedAt = time.Now().UTC()
	}
	entries, err := json.Marshal(r.StatementRankings)
	if err != nil {
		return model.Ranking{}, d, fmt.Errorf("storage: marshal statement rankings: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO rankings (id, deliberation_id, agent_id, round_number, statement_rankings, submitted_at)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6)`,
		r.ID, r.DeliberationID, r.AgentID, r.RoundNumber, entries, r.SubmittedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return model.Ranking{}, d, fmt.Errorf("storage: ranking by agent %s round %d: %w", r.AgentID, r.RoundNumber, ErrDuplicate)
		}
		return model.Ranking{}, d, fmt.Errorf("storage: insert ranking: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE deliberations SET updated_at = now() WHERE id = $1`, d.ID,
	); err != nil {
		return model.Ranking{}, d, fmt.Errorf("storage: touch deliberation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Ranking{}, d, fmt.Errorf("storage: commit submit ranking tx: %w", err)
	}
	return r, d, nil
}

// ListRankingsByRound returns the rankings of one round in submission order.
// This order matches the canonical participant order only after all
// participants have ranked; callers align by agent id.
func (db *DB) ListRankingsByRound(ctx context.Context, deliberationID uuid.UUID, round int) ([]model.Ranking, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, deliberation_id, agent_id, round_number, statement_rankings, submitted_at
		 FROM rankings WHERE deliberation_id = $1 AND round_number = $2
		 ORDER BY submitted_at ASC, id ASC`, deliberationID, round,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list rankings by round: %w", err)
	}
	defer rows.Close()

	return scanRankings(rows)
}

// ListRankings returns all rankings for a deliberation ordered by round.
func (db *DB) ListRankings(ctx context.Context, deliberationID uuid.UUID) ([]model.Ranking, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, deliberation_id, agent_id, round_number, statement_rankings, submitted_at
		 FROM rankings WHERE deliberation_id = $1
		 ORDER BY round_number ASC, submitted_at ASC, id ASC`, deliberationID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list rankings: %w", err)
	}
	defer rows.Close()

	return scanRankings(rows)
}

// CountRankingsByRound returns the number of rankings submitted for a round.
func (db *DB) CountRankingsByRound(ctx context.Context, deliberationID uuid.UUID, round int) (int, error) {
	var count int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM rankings WHERE deliberation_id = $1 AND round_number = $2`,
		deliberationID, round,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("storage: count rankings: %w", err)
	}
	return count, nil
}

func scanRankings(rows pgx.Rows) ([]model.Ranking, error) {
	var out []model.Ranking
	for rows.Next() {
		var r model.Ranking
		var entries []byte
		if err := rows.Scan(&r.ID, &r.DeliberationID, &r.AgentID, &r.RoundNumber, &entries, &r.SubmittedAt); err != nil {
			return nil, fmt.Errorf("storage: scan ranking: %w", err)
		}
		if err := json.Unmarshal(entries, &r.StatementRankings); err != nil {
			return nil, fmt.Errorf("storage: unmarshal statement rankings: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
