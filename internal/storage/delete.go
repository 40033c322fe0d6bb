package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/togi/internal/model"
)

// DeleteDeliberationResult contains the count of rows deleted per table.
type DeleteDeliberationResult struct {
	Events     int64 `json:"events"`
	Feedback   int64 `json:"feedback"`
	Critiques  int64 `json:"critiques"`
	Rankings   int64 `json:"rankings"`
	Opinions   int64 `json:"opinions"`
	Rounds     int64 `json:"rounds"`
	Statements int64 `json:"statements"`
}

// DeleteDeliberationWithAudit removes a deliberation and all of its data in
// a single transaction, recording an audit entry with per-table counts.
// Deletes respect foreign key ordering: feedback and critiques reference
// statements, so they go first. Search index removals are queued through the
// outbox before the rows disappear so the worker can still resolve them.
func (db *DB) DeleteDeliberationWithAudit(ctx context.Context, id uuid.UUID, audit AdminAuditEntry) (DeleteDeliberationResult, error) {
	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return DeleteDeliberationResult{}, fmt.Errorf("storage: begin delete tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var result DeleteDeliberationResult

	var exists uuid.UUID
	err = tx.QueryRow(ctx, `SELECT id FROM deliberations WHERE id = $1 FOR UPDATE`, id).Scan(&exists)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DeleteDeliberationResult{}, fmt.Errorf("storage: deliberation %s: %w", id, ErrNotFound)
		}
		return DeleteDeliberationResult{}, fmt.Errorf("storage: lookup deliberation: %w", err)
	}

	// Queue search index deletions before the rows disappear.
	if _, err := tx.Exec(ctx,
		`INSERT INTO search_outbox (entity_kind, entity_id, deliberation_id, operation)
		 SELECT 'opinion', id, deliberation_id, 'delete' FROM opinions WHERE deliberation_id = $1
		 ON CONFLICT (entity_id, operation) DO UPDATE SET created_at = now(), attempts = 0, locked_until = NULL`,
		id,
	); err != nil {
		return DeleteDeliberationResult{}, fmt.Errorf("storage: queue opinion outbox deletes: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO search_outbox (entity_kind, entity_id, deliberation_id, operation)
		 SELECT 'statement', id, deliberation_id, 'delete' FROM statements WHERE deliberation_id = $1
		 ON CONFLICT (entity_id, operation) DO UPDATE SET created_at = now(), attempts = 0, locked_until = NULL`,
		id,
	); err != nil {
		return DeleteDeliberationResult{}, fmt.Errorf("storage: queue statement outbox deletes: %w", err)
	}

	tag, err := tx.Exec(ctx, `DELETE FROM deliberation_events WHERE deliberation_id = $1`, id)
	if err != nil {
		return DeleteDeliberationResult{}, fmt.Errorf("storage: delete events: %w", err)
	}
	result.Events = tag.RowsAffected()

	tag, err = tx.Exec(ctx, `DELETE FROM human_feedback WHERE deliberation_id = $1`, id)
	if err != nil {
		return DeleteDeliberationResult{}, fmt.Errorf("storage: delete feedback: %w", err)
	}
	result.Feedback = tag.RowsAffected()

	tag, err = tx.Exec(ctx, `DELETE FROM critiques WHERE deliberation_id = $1`, id)
	if err != nil {
		return DeleteDeliberationResult{}, fmt.Errorf("storage: delete critiques: %w", err)
	}
	result.Critiques = tag.RowsAffected()

	tag, err = tx.Exec(ctx, `DELETE FROM rankings WHERE deliberation_id = $1`, id)
	if err != nil {
		return DeleteDeliberationResult{}, fmt.Errorf("storage: delete rankings: %w", err)
	}
	result.Rankings = tag.RowsAffected()

	tag, err = tx.Exec(ctx, `DELETE FROM opinions WHERE deliberation_id = $1`, id)
	if err != nil {
		return DeleteDeliberationResult{}, fmt.Errorf("storage: delete opinions: %w", err)
	}
	result.Opinions = tag.RowsAffected()

	tag, err = tx.Exec(ctx, `DELETE FROM rounds WHERE deliberation_id = $1`, id)
	if err != nil {
		return DeleteDeliberationResult{}, fmt.Errorf("storage: delete rounds: %w", err)
	}
	result.Rounds = tag.RowsAffected()

	tag, err = tx.Exec(ctx, `DELETE FROM statements WHERE deliberation_id = $1`, id)
	if err != nil {
		return DeleteDeliberationResult{}, fmt.Errorf("storage: delete statements: %w", err)
	}
	result.Statements = tag.RowsAffected()

	tag, err = tx.Exec(ctx, `DELETE FROM deliberations WHERE id = $1`, id)
	if err != nil {
		return DeleteDeliberationResult{}, fmt.Errorf("storage: delete deliberation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return DeleteDeliberationResult{}, fmt.Errorf("storage: deliberation %s: %w", id, ErrNotFound)
	}

	audit.ResourceID = id.String()
	if audit.Details == nil {
		audit.Details = map[string]any{}
	}
	audit.Details["deleted"] = result
	if err := InsertAdminAuditTx(ctx, tx, audit); err != nil {
		return DeleteDeliberationResult{}, fmt.Errorf("storage: audit in delete tx: %w", err)
	}

	if err := notifyEventTx(ctx, tx, model.DeliberationEvent{
		DeliberationID: id,
		EventType:      model.EventDeliberationDeleted,
	}); err != nil {
		return DeleteDeliberationResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return DeleteDeliberationResult{}, fmt.Errorf("storage: commit delete tx: %w", err)
	}
	return result, nil
}
