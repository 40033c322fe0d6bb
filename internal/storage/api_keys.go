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

// CreateAPIKeyWithAudit inserts a new admin API key and an audit entry
// atomically within a single transaction.
func (db *DB) CreateAPIKeyWithAudit(ctx context.Context, key model.APIKey, audit AdminAuditEntry) (model.APIKey, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.APIKey{}, fmt.Errorf("storage: begin create api key tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO api_keys (id, key_id, key_hash, label, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		key.ID, key.KeyID, key.KeyHash, key.Label, key.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.APIKey{}, fmt.Errorf("storage: api key id %s: %w", key.KeyID, ErrDuplicate)
		}
		return model.APIKey{}, fmt.Errorf("storage: create api key: %w", err)
	}

	audit.ResourceID = key.ID.String()
	if err := InsertAdminAuditTx(ctx, tx, audit); err != nil {
		return model.APIKey{}, fmt.Errorf("storage: audit in create api key tx: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.APIKey{}, fmt.Errorf("storage: commit create api key tx: %w", err)
	}
	return key, nil
}

// GetActiveAPIKeyByKeyID looks up a single non-revoked API key by its public
// key id. Used by authentication as an O(1) pre-filter before Argon2
// verification. Returns ErrNotFound if no matching active key exists.
func (db *DB) GetActiveAPIKeyByKeyID(ctx context.Context, keyID string) (model.APIKey, error) {
	var k model.APIKey
	err := db.pool.QueryRow(ctx,
		`SELECT id, key_id, key_hash, label, created_at, last_used_at, revoked_at
		 FROM api_keys
		 WHERE key_id = $1 AND revoked_at IS NULL
		 LIMIT 1`,
		keyID,
	).Scan(&k.ID, &k.KeyID, &k.KeyHash, &k.Label, &k.CreatedAt, &k.LastUsedAt, &k.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.APIKey{}, ErrNotFound
		}
		return model.APIKey{}, fmt.Errorf("storage: get api key by key id: %w", err)
	}
	return k, nil
}

// ListAPIKeys returns admin API keys with pagination. Revoked keys are
// included for admin visibility; filter on revoked_at in the caller if
// needed.
func (db *DB) ListAPIKeys(ctx context.Context, limit, offset int) ([]model.APIKey, int, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM api_keys`,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count api keys: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT id, key_id, key_hash, label, created_at, last_used_at, revoked_at
		 FROM api_keys
		 ORDER BY created_at DESC
		 LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list api keys: %w", err)
	}
	defer rows.Close()

	var keys []model.APIKey
	for rows.Next() {
		var k model.APIKey
		if err := rows.Scan(&k.ID, &k.KeyID, &k.KeyHash, &k.Label, &k.CreatedAt, &k.LastUsedAt, &k.RevokedAt); err != nil {
			return nil, 0, fmt.Errorf("storage: scan api key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("storage: list api keys: %w", err)
	}
	return keys, total, nil
}

// CountActiveAPIKeys reports how many non-revoked admin keys exist. Used at
// startup to decide whether to seed an initial key.
func (db *DB) CountActiveAPIKeys(ctx context.Context) (int, error) {
	var count int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM api_keys WHERE revoked_at IS NULL`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("storage: count active api keys: %w", err)
	}
	return count, nil
}

// RevokeAPIKeyWithAudit sets revoked_at on an API key and records an audit
// entry atomically. It returns the key's public key id so callers can evict
// cached verifications.
func (db *DB) RevokeAPIKeyWithAudit(ctx context.Context, id uuid.UUID, audit AdminAuditEntry) (string, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("storage: begin revoke api key tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var keyID string
	var revokedAt *time.Time
	err = tx.QueryRow(ctx,
		`SELECT key_id, revoked_at FROM api_keys WHERE id = $1`, id,
	).Scan(&keyID, &revokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("storage: api key %s: %w", id, ErrNotFound)
		}
		return "", fmt.Errorf("storage: get api key for revocation: %w", err)
	}
	if revokedAt != nil {
		return "", fmt.Errorf("storage: api key %s already revoked", id)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE api_keys SET revoked_at = now() WHERE id = $1 AND revoked_at IS NULL`, id,
	)
	if err != nil {
		return "", fmt.Errorf("storage: revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", fmt.Errorf("storage: api key %s: %w", id, ErrNotFound)
	}

	audit.ResourceID = id.String()
	if err := InsertAdminAuditTx(ctx, tx, audit); err != nil {
		return "", fmt.Errorf("storage: audit in revoke api key tx: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("storage: commit revoke api key tx: %w", err)
	}
	return keyID, nil
}

// TouchAPIKeyLastUsed updates the last_used_at timestamp for an API key.
// Called from the auth middleware on successful authentication.
// Fire-and-forget: callers should not block on the result.
func (db *DB) TouchAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = now() WHERE id = $1`, id,
	)
	if err != nil {
		return fmt.Errorf("storage: touch api key last_used: %w", err)
	}
	return nil
}
