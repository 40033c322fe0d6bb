package server

import (
	"errors"
	"net/http"

	"github.com/ashita-ai/togi/internal/model"
	"github.com/ashita-ai/togi/internal/search"
	"github.com/ashita-ai/togi/internal/storage"
)

// HandleRecheckDeliberation handles POST /v1/admin/deliberations/{id}/recheck.
// It re-enqueues the deliberation's transition check, recovering one that
// stalled after a crash or a failed round.
func (h *Handlers) HandleRecheckDeliberation(w http.ResponseWriter, r *http.Request) {
	id, err := parseDeliberationID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, err.Error())
		return
	}

	if err := h.delibSvc.Recheck(r.Context(), id); err != nil {
		writeServiceError(w, r, err)
		return
	}

	h.recordAdminAudit(r, "deliberation_rechecked", "deliberation", id.String(), nil)

	writeJSON(w, r, http.StatusAccepted, map[string]any{
		"deliberation_id": id,
		"status":          "queued",
	})
}

// HandleCloseOpinions handles POST /v1/admin/deliberations/{id}/close-opinions.
// It forces the opinion stage closed before the participant cap is reached.
func (h *Handlers) HandleCloseOpinions(w http.ResponseWriter, r *http.Request) {
	id, err := parseDeliberationID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, err.Error())
		return
	}

	if err := h.delibSvc.CloseOpinions(r.Context(), id); err != nil {
		writeServiceError(w, r, err)
		return
	}

	h.recordAdminAudit(r, "opinions_closed", "deliberation", id.String(), nil)

	writeJSON(w, r, http.StatusAccepted, map[string]any{
		"deliberation_id": id,
		"status":          "queued",
	})
}

// HandleDeleteDeliberation handles DELETE /v1/admin/deliberations/{id}.
// It permanently removes the deliberation and every dependent row.
func (h *Handlers) HandleDeleteDeliberation(w http.ResponseWriter, r *http.Request) {
	if !h.allowDelete {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden,
			"destructive delete is disabled; set TOGI_ALLOW_DELETE=true to enable")
		return
	}

	id, err := parseDeliberationID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, err.Error())
		return
	}

	audit := buildAuditEntry(r, "deliberation_deleted", "deliberation", id.String(), nil)
	result, err := h.db.DeleteDeliberationWithAudit(r.Context(), id, audit)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "deliberation not found")
			return
		}
		h.writeInternalError(w, r, "failed to delete deliberation", err)
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"deliberation_id": id,
		"deleted":         result,
	})
}

// HandleListAgents handles GET /v1/admin/agents.
func (h *Handlers) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 200)
	offset := queryOffset(r)

	agents, err := h.db.ListAgents(r.Context(), limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list agents", err)
		return
	}
	total, err := h.db.CountAgents(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to count agents", err)
		return
	}

	writeList(w, r, agents, total, limit, offset)
}

// HandleStats handles GET /v1/admin/stats.
// It reports operational counters: population, deliberations by stage, and
// the state of the event buffer and search outbox.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	agents, err := h.db.CountAgents(ctx)
	if err != nil {
		h.writeInternalError(w, r, "failed to count agents", err)
		return
	}
	activeKeys, err := h.db.CountActiveAPIKeys(ctx)
	if err != nil {
		h.writeInternalError(w, r, "failed to count admin keys", err)
		return
	}

	byStage := make(map[string]int, 5)
	totalDeliberations := 0
	for _, stage := range []model.Stage{
		model.StageOpinion, model.StageRanking, model.StageCritique,
		model.StageConcluded, model.StageFinalized,
	} {
		st := stage
		n, err := h.db.CountDeliberations(ctx, &st)
		if err != nil {
			h.writeInternalError(w, r, "failed to count deliberations", err)
			return
		}
		byStage[string(stage)] = n
		totalDeliberations += n
	}

	stats := map[string]any{
		"agents":                 agents,
		"active_admin_keys":      activeKeys,
		"deliberations":          totalDeliberations,
		"deliberations_by_stage": byStage,
	}

	if h.buffer != nil {
		stats["event_buffer_depth"] = h.buffer.Len()
		stats["event_buffer_capacity"] = h.buffer.Capacity()
		stats["events_dropped"] = h.buffer.DroppedEvents()
	}

	if h.searcher != nil {
		pending, err := h.db.CountPendingSearchOutbox(ctx, search.MaxOutboxAttempts)
		if err != nil {
			h.logger.Warn("stats: failed to count search outbox", "error", err)
		} else {
			stats["search_outbox_pending"] = pending
		}
	}

	writeJSON(w, r, http.StatusOK, stats)
}
