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

// Round execution status values.
const (
	RoundRunning   = "running"
	RoundCompleted = "completed"
	RoundFailed    = "failed"
)

// Round is the execution fence row for one mediation round.
type Round struct {
	DeliberationID uuid.UUID  `json:"deliberation_id"`
	RoundNumber    int        `json:"round_number"`
	Status         string     `json:"status"`
	Seed           int64      `json:"seed"`
	Attempts       int        `json:"attempts"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	LastError      *string    `json:"last_error,omitempty"`
}

// ReserveRound claims a mediation round for execution. The insert is the
// fence: a running or completed row blocks, a failed row may be re-claimed
// (with a fresh seed and a bumped attempt counter). Returns false when some
// other process holds or already finished the round.
func (db *DB) ReserveRound(ctx context.Context, deliberationID uuid.UUID, round int, seed int64) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO rounds (deliberation_id, round_number, status, seed, attempts, started_at)
		 VALUES ($1, $2, $3, $4, 1, now())
		 ON CONFLICT (deliberation_id, round_number) DO UPDATE
		 SET status = $3, seed = $4, attempts = rounds.attempts + 1, started_at = now(), last_error = NULL
		 WHERE rounds.status = $5`,
		deliberationID, round, RoundRunning, seed, RoundFailed,
	)
	if err != nil {
		return false, fmt.Errorf("storage: reserve round: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetRound retrieves a round fence row.
func (db *DB) GetRound(ctx context.Context, deliberationID uuid.UUID, round int) (Round, error) {
	var r Round
	err := db.pool.QueryRow(ctx,
		`SELECT deliberation_id, round_number, status, seed, attempts, started_at, completed_at, last_error
		 FROM rounds WHERE deliberation_id = $1 AND round_number = $2`,
		deliberationID, round,
	).Scan(&r.DeliberationID, &r.RoundNumber, &r.Status, &r.Seed, &r.Attempts, &r.StartedAt, &r.CompletedAt, &r.LastError)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Round{}, fmt.Errorf("storage: round %d: %w", round, ErrNotFound)
		}
		return Round{}, fmt.Errorf("storage: get round: %w", err)
	}
	return r, nil
}

// CompleteRoundParams carries everything the round-completion transaction
// writes atomically. Model calls have already happened by the time this
// runs; the transaction only persists their outcome.
type CompleteRoundParams struct {
	DeliberationID uuid.UUID
	FromStage      model.Stage // stage the transition was decided in, re-checked under the lock
	FromRound      int         // current_round the transition was decided in
	RoundNumber    int         // executed round; becomes current_round
	// FreezeParticipants stamps started_at and freezes participant_count
	// from the opinions table inside the transaction, so opinions accepted
	// while the round's model calls were running still count. Set only for
	// the opinion round.
	FreezeParticipants bool
	Statements         []model.Statement       // social order, SocialRank 1..N assigned
	Event              model.DeliberationEvent // RoundCompleted; sequence assigned inside the tx
}

// CompleteRound persists a finished mediation round: the candidate
// statements, the stage move to ranking, the round fence completion, and the
// lifecycle event, in one transaction under the deliberation's advisory
// lock. Returns ErrStale without writing when another process already moved
// the deliberation past FromStage/FromRound.
func (db *DB) CompleteRound(ctx context.Context, p CompleteRoundParams) (model.Deliberation, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Deliberation{}, fmt.Errorf("storage: begin complete round tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`, p.DeliberationID,
	); err != nil {
		return model.Deliberation{}, fmt.Errorf("storage: advisory lock: %w", err)
	}

	d, err := lockDeliberation(ctx, tx, p.DeliberationID)
	if err != nil {
		return model.Deliberation{}, err
	}
	if d.Stage != p.FromStage || d.CurrentRound != p.FromRound {
		return d, fmt.Errorf("storage: deliberation %s at stage %s round %d: %w",
			d.ID, d.Stage, d.CurrentRound, ErrStale)
	}

	now := time.Now().UTC()
	for i := range p.Statements {
		s := &p.Statements[i]
		if s.ID == uuid.Nil {
			s.ID = uuid.New()
		}
		if s.GeneratedAt.IsZero() {
			s.GeneratedAt = now
		}
		if s.Metadata == nil {
			s.Metadata = map[string]any{}
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO statements (id, deliberation_id, round_number, text, social_rank, metadata, generated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			s.ID, s.DeliberationID, s.RoundNumber, s.Text, s.SocialRank, s.Metadata, s.GeneratedAt,
		); err != nil {
			return d, fmt.Errorf("storage: insert statement: %w", err)
		}
	}

	set := `stage = $1, current_round = $2, last_error = NULL, last_error_at = NULL, updated_at = $3`
	args := []any{string(model.StageRanking), p.RoundNumber, now}
	if p.FreezeParticipants {
		set += `, participant_count = (SELECT COUNT(*) FROM opinions WHERE deliberation_id = deliberations.id), started_at = $4`
		args = append(args, now)
	}
	args = append(args, p.DeliberationID)
	if _, err := tx.Exec(ctx,
		fmt.Sprintf(`UPDATE deliberations SET %s WHERE id = $%d`, set, len(args)),
		args...,
	); err != nil {
		return d, fmt.Errorf("storage: advance deliberation: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE rounds SET status = $1, completed_at = $2
		 WHERE deliberation_id = $3 AND round_number = $4`,
		RoundCompleted, now, p.DeliberationID, p.RoundNumber,
	); err != nil {
		return d, fmt.Errorf("storage: complete round fence: %w", err)
	}

	if err := insertEventTx(ctx, tx, &p.Event); err != nil {
		return d, err
	}
	if err := notifyEventTx(ctx, tx, p.Event); err != nil {
		return d, err
	}

	if err := tx.Commit(ctx); err != nil {
		return d, fmt.Errorf("storage: commit complete round tx: %w", err)
	}
	return db.GetDeliberation(ctx, p.DeliberationID)
}

// AdvanceStageParams describes a pure stage move with no statement writes.
type AdvanceStageParams struct {
	DeliberationID uuid.UUID
	FromStage      model.Stage
	FromRound      int
	ToStage        model.Stage
	Event          model.DeliberationEvent // StageAdvanced; sequence assigned inside the tx
}

// AdvanceStage moves a deliberation to the next stage (ranking to critique,
// critique to concluded, concluded to finalized) after its predicate fired.
// The expected from-state is re-checked under the row lock; ErrStale means
// another process already advanced it.
func (db *DB) AdvanceStage(ctx context.Context, p AdvanceStageParams) (model.Deliberation, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Deliberation{}, fmt.Errorf("storage: begin advance stage tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	d, err := lockDeliberation(ctx, tx, p.DeliberationID)
	if err != nil {
		return model.Deliberation{}, err
	}
	if d.Stage != p.FromStage || d.CurrentRound != p.FromRound {
		return d, fmt.Errorf("storage: deliberation %s at stage %s round %d: %w",
			d.ID, d.Stage, d.CurrentRound, ErrStale)
	}

	now := time.Now().UTC()
	set := `stage = $1, updated_at = $2`
	args := []any{string(p.ToStage), now}
	switch p.ToStage {
	case model.StageConcluded:
		set += `, concluded_at = $3`
		args = append(args, now)
	case model.StageFinalized:
		set += `, finalized_at = $3`
		args = append(args, now)
	}
	args = append(args, p.DeliberationID)
	if _, err := tx.Exec(ctx,
		fmt.Sprintf(`UPDATE deliberations SET %s WHERE id = $%d`, set, len(args)),
		args...,
	); err != nil {
		return d, fmt.Errorf("storage: advance deliberation: %w", err)
	}

	if err := insertEventTx(ctx, tx, &p.Event); err != nil {
		return d, err
	}
	if err := notifyEventTx(ctx, tx, p.Event); err != nil {
		return d, err
	}

	if err := tx.Commit(ctx); err != nil {
		return d, fmt.Errorf("storage: commit advance stage tx: %w", err)
	}
	return db.GetDeliberation(ctx, p.DeliberationID)
}

// FailRound records a failed mediation attempt on the round fence and the
// deliberation, leaving the stage untouched so a later check can retry.
func (db *DB) FailRound(ctx context.Context, deliberationID uuid.UUID, round int, cause string) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin fail round tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`UPDATE rounds SET status = $1, last_error = $2
		 WHERE deliberation_id = $3 AND round_number = $4`,
		RoundFailed, cause, deliberationID, round,
	); err != nil {
		return fmt.Errorf("storage: fail round fence: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE deliberations SET last_error = $1, last_error_at = now(), updated_at = now()
		 WHERE id = $2`,
		cause, deliberationID,
	); err != nil {
		return fmt.Errorf("storage: record deliberation error: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit fail round tx: %w", err)
	}
	return nil
}
