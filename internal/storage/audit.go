package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// AdminAuditEntry is an append-only audit event for a state-changing admin
// call. Actor is the admin key id, never the raw key.
type AdminAuditEntry struct {
	RequestID    string
	ActorKeyID   string
	HTTPMethod   string
	Endpoint     string
	Action       string
	ResourceType string
	ResourceID   string
	Details      map[string]any
}

// InsertAdminAudit appends an admin audit event. The target table is
// immutable.
func (db *DB) InsertAdminAudit(ctx context.Context, e AdminAuditEntry) error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	detailsJSON, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("storage: marshal admin audit details: %w", err)
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO admin_audit_log (
		     request_id, actor_key_id, http_method, endpoint,
		     action, resource_type, resource_id, details
		 )
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb)`,
		e.RequestID, e.ActorKeyID, e.HTTPMethod, e.Endpoint,
		e.Action, e.ResourceType, e.ResourceID, detailsJSON,
	)
	if err != nil {
		return fmt.Errorf("storage: insert admin audit: %w", err)
	}
	return nil
}

// InsertAdminAuditTx appends an admin audit event inside an open
// transaction, so the audit row commits or rolls back with the mutation it
// describes.
func InsertAdminAuditTx(ctx context.Context, tx pgx.Tx, e AdminAuditEntry) error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	detailsJSON, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("storage: marshal admin audit details: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO admin_audit_log (
		     request_id, actor_key_id, http_method, endpoint,
		     action, resource_type, resource_id, details
		 )
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb)`,
		e.RequestID, e.ActorKeyID, e.HTTPMethod, e.Endpoint,
		e.Action, e.ResourceType, e.ResourceID, detailsJSON,
	)
	if err != nil {
		return fmt.Errorf("storage: insert admin audit: %w", err)
	}
	return nil
}
