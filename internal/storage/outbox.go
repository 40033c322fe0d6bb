package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Search outbox entity kinds.
const (
	SearchKindOpinion   = "opinion"
	SearchKindStatement = "statement"
)

// QueueSearchUpsert records that an entity's search index entry needs to be
// (re)written. Re-queueing an already-pending entity resets its backoff so
// the fresh embedding wins.
func (db *DB) QueueSearchUpsert(ctx context.Context, kind string, entityID, deliberationID uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO search_outbox (entity_kind, entity_id, deliberation_id, operation)
		 VALUES ($1, $2, $3, 'upsert')
		 ON CONFLICT (entity_id, operation) DO UPDATE SET created_at = now(), attempts = 0, locked_until = NULL`,
		kind, entityID, deliberationID,
	)
	if err != nil {
		return fmt.Errorf("storage: queue search upsert: %w", err)
	}
	return nil
}

// CountPendingSearchOutbox reports entries still waiting for the index
// worker. Exposed for health reporting.
func (db *DB) CountPendingSearchOutbox(ctx context.Context, maxAttempts int) (int64, error) {
	var count int64
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM search_outbox WHERE attempts < $1`, maxAttempts,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("storage: count pending outbox: %w", err)
	}
	return count, nil
}
