package server

import (
	"context"
	"net/http"
	"time"

	"github.com/ashita-ai/togi/internal/ctxutil"
	"github.com/ashita-ai/togi/internal/storage"
)

// buildAuditEntry constructs an AdminAuditEntry from the current HTTP request.
// Handlers pass the entry into transactional *WithAudit storage methods so
// the audit row commits with the mutation it describes.
func buildAuditEntry(r *http.Request, action, resourceType, resourceID string, details map[string]any) storage.AdminAuditEntry {
	return storage.AdminAuditEntry{
		RequestID:    ctxutil.RequestIDFromContext(r.Context()),
		ActorKeyID:   ctxutil.AdminKeyIDFromContext(r.Context()),
		HTTPMethod:   r.Method,
		Endpoint:     r.URL.Path,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Details:      details,
	}
}

// recordAdminAudit appends an admin audit row outside any transaction, with
// retries. Used for operational actions (recheck, close-opinions) that do
// not map to a single storage mutation; deletes and key changes go through
// the atomic *WithAudit storage methods instead.
func (h *Handlers) recordAdminAudit(r *http.Request, action, resourceType, resourceID string, details map[string]any) {
	entry := buildAuditEntry(r, action, resourceType, resourceID, details)

	// Detached from the request so a client disconnect cannot lose the row.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Second)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		if err := h.db.InsertAdminAudit(writeCtx, entry); err == nil {
			return
		} else {
			lastErr = err
		}

		select {
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		case <-writeCtx.Done():
			h.logger.Error("admin audit write context expired", "action", action, "error", lastErr)
			return
		}
	}
	h.logger.Error("admin audit write failed after retries", "action", action, "error", lastErr)
}
