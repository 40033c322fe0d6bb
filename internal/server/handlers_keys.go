package server

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/togi/internal/auth"
	"github.com/ashita-ai/togi/internal/model"
	"github.com/ashita-ai/togi/internal/storage"
)

// HandleCreateKey handles POST /v1/admin/keys.
// Mints a new admin key and returns the raw key exactly once. After this
// response, only the key id is available.
func (h *Handlers) HandleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req model.CreateKeyRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	if err := model.ValidateKeyLabel(req.Label); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, err.Error())
		return
	}

	rawKey, keyID, err := model.GenerateAdminKey()
	if err != nil {
		h.writeInternalError(w, r, "failed to generate admin key", err)
		return
	}

	hash, err := auth.HashAPIKey(rawKey)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash admin key", err)
		return
	}

	audit := buildAuditEntry(r, "key_created", "api_key", keyID, nil)
	created, err := h.db.CreateAPIKeyWithAudit(r.Context(), model.APIKey{
		KeyID:   keyID,
		KeyHash: hash,
		Label:   req.Label,
	}, audit)
	if err != nil {
		h.writeInternalError(w, r, "failed to create admin key", err)
		return
	}

	writeJSON(w, r, http.StatusCreated, model.APIKeyWithRawKey{
		APIKey: created,
		RawKey: rawKey,
	})
}

// HandleListKeys handles GET /v1/admin/keys.
// Key hashes are never exposed.
func (h *Handlers) HandleListKeys(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50)
	offset := queryOffset(r)

	keys, total, err := h.db.ListAPIKeys(r.Context(), limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list admin keys", err)
		return
	}
	if keys == nil {
		keys = []model.APIKey{}
	}

	writeList(w, r, keys, total, limit, offset)
}

// HandleRevokeKey handles DELETE /v1/admin/keys/{id}.
// Revokes a key by setting revoked_at. The key immediately stops working;
// restarting with TOGI_ADMIN_API_KEY set re-seeds if every key is revoked.
func (h *Handlers) HandleRevokeKey(w http.ResponseWriter, r *http.Request) {
	keyIDStr := r.PathValue("id")
	keyID, err := uuid.Parse(keyIDStr)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "invalid key id")
		return
	}

	audit := buildAuditEntry(r, "key_revoked", "api_key", keyIDStr, nil)
	revokedKeyID, err := h.db.RevokeAPIKeyWithAudit(r.Context(), keyID, audit)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "admin key not found")
			return
		}
		h.writeInternalError(w, r, "failed to revoke admin key", err)
		return
	}
	if h.keyCache != nil {
		h.keyCache.Invalidate(revokedKeyID)
	}

	w.WriteHeader(http.StatusNoContent)
}
