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

// copyTimeout bounds batch event flushes so a stuck COPY cannot wedge the
// buffered writer behind it.
const copyTimeout = 30 * time.Second

// EventNotification is the LISTEN/NOTIFY payload broadcast on ChannelEvents.
// It is deliberately small; subscribers fetch full rows by sequence number.
type EventNotification struct {
	DeliberationID uuid.UUID       `json:"deliberation_id"`
	EventType      model.EventType `json:"event_type"`
	SequenceNum    int64           `json:"sequence_num,omitempty"`
}

// ReserveSequenceNums allocates n sequence numbers from the global event
// sequence. Allocation is not transactional, so gaps appear when a writer
// dies between reserve and insert; readers must tolerate them.
func (db *DB) ReserveSequenceNums(ctx context.Context, n int) ([]int64, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT nextval('event_sequence_num_seq') FROM generate_series(1, $1)`, n,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: reserve sequence numbers: %w", err)
	}
	defer rows.Close()

	nums := make([]int64, 0, n)
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("storage: scan sequence number: %w", err)
		}
		nums = append(nums, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(nums) != n {
		return nil, fmt.Errorf("storage: reserved %d sequence numbers, want %d", len(nums), n)
	}
	return nums, nil
}

// InsertEvents bulk-inserts deliberation events via COPY. Callers must have
// assigned sequence numbers already (ReserveSequenceNums); IDs and
// timestamps are defaulted here.
func (db *DB) InsertEvents(ctx context.Context, events []model.DeliberationEvent) error {
	if len(events) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, copyTimeout)
	defer cancel()

	now := time.Now().UTC()
	rows := make([][]any, 0, len(events))
	for i := range events {
		e := &events[i]
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		if e.OccurredAt.IsZero() {
			e.OccurredAt = now
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		if e.Payload == nil {
			e.Payload = map[string]any{}
		}
		rows = append(rows, []any{
			e.ID, e.DeliberationID, string(e.EventType), e.SequenceNum,
			e.AgentID, e.Payload, e.OccurredAt, e.CreatedAt,
		})
	}

	_, err := db.pool.CopyFrom(ctx,
		pgx.Identifier{"deliberation_events"},
		[]string{"id", "deliberation_id", "event_type", "sequence_num", "agent_id", "payload", "occurred_at", "created_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("storage: copy events: %w", err)
	}
	return nil
}

// insertEventTx writes a single event inside an open transaction, drawing
// its sequence number from the global sequence so ordering matches the
// batched path.
func insertEventTx(ctx context.Context, tx pgx.Tx, e *model.DeliberationEvent) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	now := time.Now().UTC()
	if e.OccurredAt.IsZero() {
		e.OccurredAt = now
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}
	if e.SequenceNum == 0 {
		if err := tx.QueryRow(ctx,
			`SELECT nextval('event_sequence_num_seq')`,
		).Scan(&e.SequenceNum); err != nil {
			return fmt.Errorf("storage: reserve sequence number: %w", err)
		}
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO deliberation_events (id, deliberation_id, event_type, sequence_num, agent_id, payload, occurred_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.DeliberationID, string(e.EventType), e.SequenceNum,
		e.AgentID, e.Payload, e.OccurredAt, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert event: %w", err)
	}
	return nil
}

// notifyEventTx broadcasts an event on ChannelEvents from inside a
// transaction. Postgres delivers the notification only if the transaction
// commits, so subscribers never observe a rolled-back transition.
func notifyEventTx(ctx context.Context, tx pgx.Tx, e model.DeliberationEvent) error {
	payload, err := json.Marshal(EventNotification{
		DeliberationID: e.DeliberationID,
		EventType:      e.EventType,
		SequenceNum:    e.SequenceNum,
	})
	if err != nil {
		return fmt.Errorf("storage: marshal notification: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, ChannelEvents, string(payload)); err != nil {
		return fmt.Errorf("storage: notify: %w", err)
	}
	return nil
}

// NotifyEvent broadcasts an event on ChannelEvents outside any transaction.
// Used by the buffered event writer after a batch flush.
func (db *DB) NotifyEvent(ctx context.Context, e model.DeliberationEvent) error {
	payload, err := json.Marshal(EventNotification{
		DeliberationID: e.DeliberationID,
		EventType:      e.EventType,
		SequenceNum:    e.SequenceNum,
	})
	if err != nil {
		return fmt.Errorf("storage: marshal notification: %w", err)
	}
	return db.Notify(ctx, ChannelEvents, string(payload))
}

// ListEventsByDeliberation returns a deliberation's events in sequence
// order. afterSeq skips events at or below the given sequence number; pass 0
// for the full log.
func (db *DB) ListEventsByDeliberation(ctx context.Context, deliberationID uuid.UUID, afterSeq int64, limit int) ([]model.DeliberationEvent, error) {
	if limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, deliberation_id, event_type, sequence_num, agent_id, payload, occurred_at, created_at
		 FROM deliberation_events
		 WHERE deliberation_id = $1 AND sequence_num > $2
		 ORDER BY sequence_num ASC
		 LIMIT $3`,
		deliberationID, afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// CountEventsByDeliberation reports how many events a deliberation has
// accumulated.
func (db *DB) CountEventsByDeliberation(ctx context.Context, deliberationID uuid.UUID) (int, error) {
	var count int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM deliberation_events WHERE deliberation_id = $1`, deliberationID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("storage: count events: %w", err)
	}
	return count, nil
}

func scanEvents(rows pgx.Rows) ([]model.DeliberationEvent, error) {
	var out []model.DeliberationEvent
	for rows.Next() {
		var e model.DeliberationEvent
		if err := rows.Scan(&e.ID, &e.DeliberationID, &e.EventType, &e.SequenceNum,
			&e.AgentID, &e.Payload, &e.OccurredAt, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
