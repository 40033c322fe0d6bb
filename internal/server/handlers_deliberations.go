package server

import (
	"context"
	"net/http"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/togi/internal/ctxutil"
	"github.com/ashita-ai/togi/internal/model"
	"github.com/ashita-ai/togi/internal/search"
)

// HandleCreateDeliberation handles POST /v1/deliberations.
func (h *Handlers) HandleCreateDeliberation(w http.ResponseWriter, r *http.Request) {
	agent, _ := ctxutil.AgentFromContext(r.Context())

	var req model.CreateDeliberationRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	d, err := h.delibSvc.Create(r.Context(), agent, req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusCreated, d)
}

// HandleListDeliberations handles GET /v1/deliberations.
func (h *Handlers) HandleListDeliberations(w http.ResponseWriter, r *http.Request) {
	var stage *model.Stage
	if s := r.URL.Query().Get("stage"); s != "" {
		st := model.Stage(s)
		stage = &st
	}
	limit := queryLimit(r, 50)
	offset := queryOffset(r)

	deliberations, total, err := h.delibSvc.List(r.Context(), stage, limit, offset)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.DeliberationList{
		Deliberations: deliberations,
		Total:         total,
	})
}

// HandleGetDeliberation handles GET /v1/deliberations/{id}.
func (h *Handlers) HandleGetDeliberation(w http.ResponseWriter, r *http.Request) {
	id, err := parseDeliberationID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, err.Error())
		return
	}

	detail, err := h.delibSvc.Detail(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, detail)
}

// HandleGetStatements handles GET /v1/deliberations/{id}/statements.
// It returns the current round's candidate statements.
func (h *Handlers) HandleGetStatements(w http.ResponseWriter, r *http.Request) {
	id, err := parseDeliberationID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, err.Error())
		return
	}

	statements, err := h.delibSvc.CurrentStatements(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"statements": statements,
		"total":      len(statements),
	})
}

// HandleGetResult handles GET /v1/deliberations/{id}/result.
func (h *Handlers) HandleGetResult(w http.ResponseWriter, r *http.Request) {
	id, err := parseDeliberationID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, err.Error())
		return
	}

	result, err := h.delibSvc.Result(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, result)
}

// HandleSubmitOpinion handles POST /v1/deliberations/{id}/opinions.
func (h *Handlers) HandleSubmitOpinion(w http.ResponseWriter, r *http.Request) {
	agent, _ := ctxutil.AgentFromContext(r.Context())

	id, err := parseDeliberationID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, err.Error())
		return
	}

	var req model.SubmitOpinionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	opinion, err := h.delibSvc.SubmitOpinion(r.Context(), agent, id, req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusCreated, opinion)
}

// HandleSubmitRanking handles POST /v1/deliberations/{id}/rankings.
func (h *Handlers) HandleSubmitRanking(w http.ResponseWriter, r *http.Request) {
	agent, _ := ctxutil.AgentFromContext(r.Context())

	id, err := parseDeliberationID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, err.Error())
		return
	}

	var req model.SubmitRankingRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	ranking, err := h.delibSvc.SubmitRanking(r.Context(), agent, id, req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusCreated, ranking)
}

// HandleSubmitCritique handles POST /v1/deliberations/{id}/critiques.
func (h *Handlers) HandleSubmitCritique(w http.ResponseWriter, r *http.Request) {
	agent, _ := ctxutil.AgentFromContext(r.Context())

	id, err := parseDeliberationID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, err.Error())
		return
	}

	var req model.SubmitCritiqueRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	critique, err := h.delibSvc.SubmitCritique(r.Context(), agent, id, req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusCreated, critique)
}

// HandleSubmitFeedback handles POST /v1/deliberations/{id}/feedback.
func (h *Handlers) HandleSubmitFeedback(w http.ResponseWriter, r *http.Request) {
	agent, _ := ctxutil.AgentFromContext(r.Context())

	id, err := parseDeliberationID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, err.Error())
		return
	}

	var req model.SubmitFeedbackRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	feedback, err := h.delibSvc.SubmitFeedback(r.Context(), agent, id, req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusCreated, feedback)
}

// defaultSearchLimit applies when a search request omits its limit.
const defaultSearchLimit = 10

// HandleSearch handles POST /v1/search.
func (h *Handlers) HandleSearch(w http.ResponseWriter, r *http.Request) {
	if h.embedder == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternal, "search not available")
		return
	}

	var req model.SearchRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	if strings.TrimSpace(req.Query) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "query is required")
		return
	}

	kinds, err := search.NormalizeKinds(req.Kinds)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, err.Error())
		return
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}

	queryEmb, err := h.embedder.Embed(r.Context(), req.Query)
	if err != nil {
		h.writeInternalError(w, r, "failed to embed query", err)
		return
	}

	results, err := h.search(r.Context(), queryEmb, kinds, req.DeliberationID, limit)
	if err != nil {
		h.writeInternalError(w, r, "search failed", err)
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"results": results,
		"total":   len(results),
	})
}

// search queries the Qdrant index when one is configured, falling back to a
// pgvector scan in Postgres when the index is unreachable.
func (h *Handlers) search(ctx context.Context, embedding pgvector.Vector, kinds []string, deliberationID *uuid.UUID, limit int) ([]model.SearchResult, error) {
	if h.searcher != nil {
		results, err := h.searcher.Search(ctx, embedding.Slice(), kinds, deliberationID, limit)
		if err == nil {
			return h.hydrateResults(ctx, results)
		}
		h.logger.Warn("search: index query failed, falling back to postgres", "error", err)
	}
	return h.pgSearch(ctx, embedding, kinds, deliberationID, limit)
}

// hydrateResults resolves index hits to their stored text. Postgres is the
// source of truth; hits whose rows have since been deleted are dropped.
func (h *Handlers) hydrateResults(ctx context.Context, results []search.Result) ([]model.SearchResult, error) {
	var opinionIDs, statementIDs []uuid.UUID
	for _, res := range results {
		switch res.Kind {
		case search.KindOpinion:
			opinionIDs = append(opinionIDs, res.ID)
		case search.KindStatement:
			statementIDs = append(statementIDs, res.ID)
		}
	}

	rows := make(map[uuid.UUID]model.SearchResult, len(results))
	if len(opinionIDs) > 0 {
		opinions, err := h.db.GetOpinionsByIDs(ctx, opinionIDs)
		if err != nil {
			return nil, err
		}
		for _, o := range opinions {
			rows[o.ID] = model.SearchResult{
				Kind:           search.KindOpinion,
				ID:             o.ID,
				DeliberationID: o.DeliberationID,
				Text:           o.Text,
			}
		}
	}
	if len(statementIDs) > 0 {
		statements, err := h.db.GetStatementsByIDs(ctx, statementIDs)
		if err != nil {
			return nil, err
		}
		for _, st := range statements {
			rows[st.ID] = model.SearchResult{
				Kind:           search.KindStatement,
				ID:             st.ID,
				DeliberationID: st.DeliberationID,
				Text:           st.Text,
			}
		}
	}

	out := make([]model.SearchResult, 0, len(results))
	for _, res := range results {
		sr, ok := rows[res.ID]
		if !ok {
			continue
		}
		sr.SimilarityScore = res.Score
		out = append(out, sr)
	}
	return out, nil
}

// pgSearch scans pgvector columns directly, merging per-kind results into a
// single score-ordered list.
func (h *Handlers) pgSearch(ctx context.Context, embedding pgvector.Vector, kinds []string, deliberationID *uuid.UUID, limit int) ([]model.SearchResult, error) {
	var out []model.SearchResult
	for _, kind := range kinds {
		var (
			results []model.SearchResult
			err     error
		)
		switch kind {
		case search.KindOpinion:
			results, err = h.db.SearchOpinionsByEmbedding(ctx, embedding, deliberationID, limit)
		case search.KindStatement:
			results, err = h.db.SearchStatementsByEmbedding(ctx, embedding, deliberationID, limit)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, results...)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SimilarityScore > out[j].SimilarityScore
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
