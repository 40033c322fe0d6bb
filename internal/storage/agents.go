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

// CreateAgent inserts a new agent. The caller supplies the token hash; raw
// tokens never reach the storage layer.
func (db *DB) CreateAgent(ctx context.Context, agent model.Agent) (model.Agent, error) {
	if agent.ID == uuid.Nil {
		agent.ID = uuid.New()
	}
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.LastActiveAt = agent.CreatedAt

	_, err := db.pool.Exec(ctx,
		`INSERT INTO agents (id, name, human_name, token_hash, created_at, last_active_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		agent.ID, agent.Name, agent.HumanName, agent.TokenHash, agent.CreatedAt, agent.LastActiveAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Agent{}, fmt.Errorf("storage: create agent: %w", ErrDuplicate)
		}
		return model.Agent{}, fmt.Errorf("storage: create agent: %w", err)
	}
	return agent, nil
}

// GetAgentByID retrieves an agent by its UUID.
func (db *DB) GetAgentByID(ctx context.Context, id uuid.UUID) (model.Agent, error) {
	var a model.Agent
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, human_name, token_hash, created_at, last_active_at
		 FROM agents WHERE id = $1`, id,
	).Scan(&a.ID, &a.Name, &a.HumanName, &a.TokenHash, &a.CreatedAt, &a.LastActiveAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("storage: agent %s: %w", id, ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("storage: get agent: %w", err)
	}
	return a, nil
}

// GetAgentByTokenHash retrieves an agent by its token digest. Used only by
// authentication; the digest is an exact-match index lookup.
func (db *DB) GetAgentByTokenHash(ctx context.Context, tokenHash string) (model.Agent, error) {
	var a model.Agent
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, human_name, token_hash, created_at, last_active_at
		 FROM agents WHERE token_hash = $1`, tokenHash,
	).Scan(&a.ID, &a.Name, &a.HumanName, &a.TokenHash, &a.CreatedAt, &a.LastActiveAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("storage: agent by token: %w", ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("storage: get agent by token: %w", err)
	}
	return a, nil
}

// ListAgents returns agents with pagination, oldest first.
// limit is clamped to [1, 1000] with a default of 200; offset must be non-negative.
func (db *DB) ListAgents(ctx context.Context, limit, offset int) ([]model.Agent, error) {
	if limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, name, human_name, token_hash, created_at, last_active_at
		 FROM agents ORDER BY created_at ASC, id ASC LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list agents: %w", err)
	}
	defer rows.Close()

	var agents []model.Agent
	for rows.Next() {
		var a model.Agent
		if err := rows.Scan(&a.ID, &a.Name, &a.HumanName, &a.TokenHash, &a.CreatedAt, &a.LastActiveAt); err != nil {
			return nil, fmt.Errorf("storage: scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// CountAgents returns the number of registered agents.
func (db *DB) CountAgents(ctx context.Context) (int, error) {
	var count int
	err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM agents`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("storage: count agents: %w", err)
	}
	return count, nil
}

// TouchLastActive updates the last_active_at timestamp for an agent to now().
// Called from the auth middleware on every successful authentication.
// Fire-and-forget: callers should not block on the result.
func (db *DB) TouchLastActive(ctx context.Context, id uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE agents SET last_active_at = now() WHERE id = $1`, id,
	)
	if err != nil {
		return fmt.Errorf("storage: touch last_active_at: %w", err)
	}
	return nil
}
