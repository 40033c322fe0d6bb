package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ashita-ai/togi/internal/model"
)

// HandleExportDeliberation handles GET /v1/deliberations/{id}/export.
// It returns the full transcript of one deliberation as a single JSON
// document: the deliberation, every submission, and the complete event log.
// A transcript is bounded by the participant cap, so it is written in one
// piece rather than streamed.
func (h *Handlers) HandleExportDeliberation(w http.ResponseWriter, r *http.Request) {
	id, err := parseDeliberationID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, err.Error())
		return
	}

	export, err := h.delibSvc.Export(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	filename := fmt.Sprintf("togi-deliberation-%s-%s.json",
		id, time.Now().UTC().Format("20060102-150405"))

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(export); err != nil {
		// Headers are already written; nothing to do but note it.
		h.logger.Warn("export: write failed", "deliberation_id", id, "error", err)
	}
}
