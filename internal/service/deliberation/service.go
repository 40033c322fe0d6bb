// Package deliberation implements the deliberation lifecycle shared by the
// HTTP API and MCP server: stage-gated submission intake, transition
// predicates, and mediation round execution.
//
// Submissions are validated and persisted on the request path. Every
// accepted submission enqueues an asynchronous transition check for its
// deliberation; checks run off the request path because a firing transition
// can spend minutes inside model calls. The check runner serializes checks
// per deliberation, and the storage layer re-checks the expected stage and
// round under the deliberation's lock before a transition commits, so a
// transition happens at most once even across processes.
package deliberation

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/togi/internal/mediator"
	"github.com/ashita-ai/togi/internal/model"
	"github.com/ashita-ai/togi/internal/service/eventlog"
	"github.com/ashita-ai/togi/internal/storage"
	"github.com/ashita-ai/togi/internal/telemetry"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100

	// exportEventLimit caps the event log slice in an export document.
	exportEventLimit = 10000
)

// Service encapsulates deliberation business logic shared by HTTP and MCP
// handlers.
type Service struct {
	db     *storage.DB
	engine *mediator.Engine
	events *eventlog.Buffer
	logger *slog.Logger

	checks *checkRunner

	roundDuration metric.Float64Histogram
	roundFailures metric.Int64Counter
}

// New creates a deliberation Service. events may be nil, in which case
// submission events are not recorded (lifecycle events still are, because
// the storage layer writes those transactionally).
func New(db *storage.DB, engine *mediator.Engine, events *eventlog.Buffer, logger *slog.Logger) *Service {
	meter := telemetry.Meter("togi/deliberation")
	roundDur, _ := meter.Float64Histogram("togi.round.duration",
		metric.WithDescription("Wall time of one mediation round (ms)"),
		metric.WithUnit("ms"),
	)
	roundFail, _ := meter.Int64Counter("togi.rounds.failed",
		metric.WithDescription("Mediation rounds that ended in failure"),
	)
	s := &Service{
		db:            db,
		engine:        engine,
		events:        events,
		logger:        logger,
		roundDuration: roundDur,
		roundFailures: roundFail,
	}
	s.checks = newCheckRunner(s, logger)
	return s
}

// Drain waits for in-flight transition checks to settle, canceling any that
// outlive ctx. Call after request intake has stopped.
func (s *Service) Drain(ctx context.Context) {
	s.checks.Drain(ctx)
}

// Create starts a deliberation in the opinion stage.
func (s *Service) Create(ctx context.Context, creator model.Agent, req model.CreateDeliberationRequest) (model.Deliberation, error) {
	if err := model.ValidateQuestion(req.Question); err != nil {
		return model.Deliberation{}, invalid(err)
	}
	if err := model.ValidateMaxParticipants(req.MaxParticipants); err != nil {
		return model.Deliberation{}, invalid(err)
	}
	rounds := req.NumCritiqueRounds
	if rounds == 0 {
		rounds = 1
	}
	if err := model.ValidateCritiqueRounds(rounds); err != nil {
		return model.Deliberation{}, invalid(err)
	}

	d, err := s.db.CreateDeliberation(ctx, model.Deliberation{
		Question:          req.Question,
		CreatedBy:         creator.ID,
		MaxParticipants:   req.MaxParticipants,
		NumCritiqueRounds: rounds,
		Metadata:          req.Metadata,
	})
	if err != nil {
		return model.Deliberation{}, wrapCode(model.ErrCodeStoreError, err, "failed to create deliberation")
	}

	s.appendEvent(ctx, model.DeliberationEvent{
		DeliberationID: d.ID,
		EventType:      model.EventDeliberationCreated,
		AgentID:        &creator.ID,
		Payload: model.EventPayload(model.DeliberationCreatedPayload{
			Question:          d.Question,
			NumCritiqueRounds: d.NumCritiqueRounds,
			MaxParticipants:   d.MaxParticipants,
		}),
	})

	s.logger.Info("deliberation created",
		"deliberation_id", d.ID,
		"created_by", creator.Name,
		"num_critique_rounds", d.NumCritiqueRounds,
	)
	return d, nil
}

// SubmitOpinion records an opinion and enqueues the opinion-stage
// transition check. Submitting an opinion is what makes the agent a
// participant.
func (s *Service) SubmitOpinion(ctx context.Context, agent model.Agent, deliberationID uuid.UUID, req model.SubmitOpinionRequest) (model.Opinion, error) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("togi.deliberation_id", deliberationID.String()),
		attribute.String("togi.agent", agent.Name),
	)

	if err := model.ValidateOpinionText(req.Text); err != nil {
		return model.Opinion{}, invalid(err)
	}

	op, snapshot, err := s.db.SubmitOpinion(ctx, model.Opinion{
		DeliberationID: deliberationID,
		AgentID:        agent.ID,
		Text:           req.Text,
	})
	if err != nil {
		return model.Opinion{}, submissionError(err, snapshot, "opinion")
	}

	count := s.eventCount(s.db.CountOpinions(ctx, deliberationID))
	s.appendEvent(ctx, model.DeliberationEvent{
		DeliberationID: deliberationID,
		EventType:      model.EventOpinionSubmitted,
		AgentID:        &agent.ID,
		Payload: model.EventPayload(model.OpinionSubmittedPayload{
			OpinionID: op.ID,
			Count:     count,
		}),
	})

	s.checks.Enqueue(deliberationID, false)
	return op, nil
}

// SubmitRanking records a participant's preference order over the current
// round's candidate statements and enqueues the ranking-stage check. The
// entries must form a strict permutation 1..K over exactly the current
// candidate set.
func (s *Service) SubmitRanking(ctx context.Context, agent model.Agent, deliberationID uuid.UUID, req model.SubmitRankingRequest) (model.Ranking, error) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("togi.deliberation_id", deliberationID.String()),
		attribute.String("togi.agent", agent.Name),
	)

	d, err := s.db.GetDeliberation(ctx, deliberationID)
	if err != nil {
		return model.Ranking{}, lookupError(err, "deliberation")
	}
	if d.Stage != model.StageRanking {
		return model.Ranking{}, Errf(model.ErrCodeStageMismatch,
			"deliberation is in the %s stage and does not accept ranking submissions", d.Stage)
	}
	if err := s.requireParticipant(ctx, deliberationID, agent); err != nil {
		return model.Ranking{}, err
	}

	stmts, err := s.db.ListStatementsByRound(ctx, deliberationID, d.CurrentRound)
	if err != nil {
		return model.Ranking{}, wrapCode(model.ErrCodeStoreError, err, "failed to load candidate statements")
	}
	candidates := make([]uuid.UUID, len(stmts))
	for i, st := range stmts {
		candidates[i] = st.ID
	}
	if err := model.ValidateStatementRankings(req.StatementRankings, candidates); err != nil {
		return model.Ranking{}, wrapCode(model.ErrCodeInvalidRanking, err, "%s", err.Error())
	}

	// The store re-checks stage and round under the row lock; a transition
	// that slipped in between the validation above and this insert turns
	// into ErrWrongStage rather than a ranking attached to a stale round.
	r, snapshot, err := s.db.SubmitRanking(ctx, model.Ranking{
		DeliberationID:    deliberationID,
		AgentID:           agent.ID,
		RoundNumber:       d.CurrentRound,
		StatementRankings: req.StatementRankings,
	})
	if err != nil {
		return model.Ranking{}, submissionError(err, snapshot, "ranking")
	}

	count := s.eventCount(s.db.CountRankingsByRound(ctx, deliberationID, r.RoundNumber))
	s.appendEvent(ctx, model.DeliberationEvent{
		DeliberationID: deliberationID,
		EventType:      model.EventRankingSubmitted,
		AgentID:        &agent.ID,
		Payload: model.EventPayload(model.RankingSubmittedPayload{
			RankingID: r.ID,
			Round:     r.RoundNumber,
			Count:     count,
		}),
	})

	s.checks.Enqueue(deliberationID, false)
	return r, nil
}

// SubmitCritique records a critique of the current round's winning
// statement and enqueues the critique-stage check. The winner is resolved
// server-side so the critique stays bound to the statement it was written
// against even after later rounds replace it.
func (s *Service) SubmitCritique(ctx context.Context, agent model.Agent, deliberationID uuid.UUID, req model.SubmitCritiqueRequest) (model.Critique, error) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("togi.deliberation_id", deliberationID.String()),
		attribute.String("togi.agent", agent.Name),
	)

	if err := model.ValidateCritiqueText(req.Text); err != nil {
		return model.Critique{}, invalid(err)
	}

	d, err := s.db.GetDeliberation(ctx, deliberationID)
	if err != nil {
		return model.Critique{}, lookupError(err, "deliberation")
	}
	if d.Stage != model.StageCritique {
		return model.Critique{}, Errf(model.ErrCodeStageMismatch,
			"deliberation is in the %s stage and does not accept critique submissions", d.Stage)
	}
	if err := s.requireParticipant(ctx, deliberationID, agent); err != nil {
		return model.Critique{}, err
	}

	winner, err := s.db.GetRoundWinner(ctx, deliberationID, d.CurrentRound)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Critique{}, wrapCode(model.ErrCodeInternal, err,
				"no winning statement for round %d", d.CurrentRound)
		}
		return model.Critique{}, wrapCode(model.ErrCodeStoreError, err, "failed to load round winner")
	}

	c, snapshot, err := s.db.SubmitCritique(ctx, model.Critique{
		DeliberationID:     deliberationID,
		AgentID:            agent.ID,
		WinningStatementID: winner.ID,
		RoundNumber:        d.CurrentRound,
		Text:               req.Text,
	})
	if err != nil {
		return model.Critique{}, submissionError(err, snapshot, "critique")
	}

	count := s.eventCount(s.db.CountCritiquesByRound(ctx, deliberationID, c.RoundNumber))
	s.appendEvent(ctx, model.DeliberationEvent{
		DeliberationID: deliberationID,
		EventType:      model.EventCritiqueSubmitted,
		AgentID:        &agent.ID,
		Payload: model.EventPayload(model.CritiqueSubmittedPayload{
			CritiqueID: c.ID,
			Round:      c.RoundNumber,
			Count:      count,
		}),
	})

	s.checks.Enqueue(deliberationID, false)
	return c, nil
}

// SubmitFeedback records a participant's assessment of the final statement
// and enqueues the finalization check. The final statement reference is
// resolved server-side.
func (s *Service) SubmitFeedback(ctx context.Context, agent model.Agent, deliberationID uuid.UUID, req model.SubmitFeedbackRequest) (model.HumanFeedback, error) {
	if err := model.ValidateAgreement(req.AgreementLevel); err != nil {
		return model.HumanFeedback{}, invalid(err)
	}
	if req.Text != nil {
		if err := model.ValidateFeedbackText(*req.Text); err != nil {
			return model.HumanFeedback{}, invalid(err)
		}
	}

	d, err := s.db.GetDeliberation(ctx, deliberationID)
	if err != nil {
		return model.HumanFeedback{}, lookupError(err, "deliberation")
	}
	if d.Stage != model.StageConcluded {
		return model.HumanFeedback{}, Errf(model.ErrCodeStageMismatch,
			"deliberation is in the %s stage and does not accept feedback submissions", d.Stage)
	}
	if err := s.requireParticipant(ctx, deliberationID, agent); err != nil {
		return model.HumanFeedback{}, err
	}

	final, err := s.db.GetRoundWinner(ctx, deliberationID, d.CurrentRound)
	if err != nil {
		return model.HumanFeedback{}, wrapCode(model.ErrCodeStoreError, err, "failed to load final statement")
	}

	f, snapshot, err := s.db.SubmitFeedback(ctx, model.HumanFeedback{
		DeliberationID:   deliberationID,
		AgentID:          agent.ID,
		FinalStatementID: final.ID,
		AgreementLevel:   req.AgreementLevel,
		Text:             req.Text,
	})
	if err != nil {
		return model.HumanFeedback{}, submissionError(err, snapshot, "feedback")
	}

	count := s.eventCount(s.db.CountFeedback(ctx, deliberationID))
	s.appendEvent(ctx, model.DeliberationEvent{
		DeliberationID: deliberationID,
		EventType:      model.EventFeedbackSubmitted,
		AgentID:        &agent.ID,
		Payload: model.EventPayload(model.FeedbackSubmittedPayload{
			FeedbackID:     f.ID,
			AgreementLevel: f.AgreementLevel,
			Count:          count,
		}),
	})

	s.checks.Enqueue(deliberationID, false)
	return f, nil
}

// List enumerates deliberations, optionally filtered by stage, newest
// first. Returns the page and the total count for the filter.
func (s *Service) List(ctx context.Context, stage *model.Stage, limit, offset int) ([]model.Deliberation, int, error) {
	if stage != nil && !model.ValidStage(*stage) {
		return nil, 0, Errf(model.ErrCodeValidation, "unknown stage %q", *stage)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	ds, err := s.db.ListDeliberations(ctx, stage, limit, offset)
	if err != nil {
		return nil, 0, wrapCode(model.ErrCodeStoreError, err, "failed to list deliberations")
	}
	total, err := s.db.CountDeliberations(ctx, stage)
	if err != nil {
		return nil, 0, wrapCode(model.ErrCodeStoreError, err, "failed to count deliberations")
	}
	return ds, total, nil
}

// Get returns the deliberation row alone.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (model.Deliberation, error) {
	d, err := s.db.GetDeliberation(ctx, id)
	if err != nil {
		return model.Deliberation{}, lookupError(err, "deliberation")
	}
	return d, nil
}

// Detail returns the full current view: the deliberation and every
// submission and statement recorded so far.
func (s *Service) Detail(ctx context.Context, id uuid.UUID) (model.DeliberationDetail, error) {
	d, err := s.db.GetDeliberation(ctx, id)
	if err != nil {
		return model.DeliberationDetail{}, lookupError(err, "deliberation")
	}

	detail := model.DeliberationDetail{Deliberation: d}
	if detail.Opinions, err = s.db.ListOpinions(ctx, id); err != nil {
		return model.DeliberationDetail{}, wrapCode(model.ErrCodeStoreError, err, "failed to load opinions")
	}
	if detail.Statements, err = s.db.ListStatements(ctx, id); err != nil {
		return model.DeliberationDetail{}, wrapCode(model.ErrCodeStoreError, err, "failed to load statements")
	}
	if detail.Rankings, err = s.db.ListRankings(ctx, id); err != nil {
		return model.DeliberationDetail{}, wrapCode(model.ErrCodeStoreError, err, "failed to load rankings")
	}
	if detail.Critiques, err = s.db.ListCritiques(ctx, id); err != nil {
		return model.DeliberationDetail{}, wrapCode(model.ErrCodeStoreError, err, "failed to load critiques")
	}
	if detail.HumanFeedback, err = s.db.ListFeedback(ctx, id); err != nil {
		return model.DeliberationDetail{}, wrapCode(model.ErrCodeStoreError, err, "failed to load feedback")
	}
	return detail, nil
}

// CurrentStatements returns the candidate statements of the current round
// in social order. Before the opinion round completes there are none, and
// the call reports a stage mismatch.
func (s *Service) CurrentStatements(ctx context.Context, id uuid.UUID) ([]model.Statement, error) {
	d, err := s.db.GetDeliberation(ctx, id)
	if err != nil {
		return nil, lookupError(err, "deliberation")
	}
	if d.Stage == model.StageOpinion {
		return nil, Errf(model.ErrCodeStageMismatch,
			"no candidate statements until opinion collection completes")
	}
	stmts, err := s.db.ListStatementsByRound(ctx, id, d.CurrentRound)
	if err != nil {
		return nil, wrapCode(model.ErrCodeStoreError, err, "failed to load statements")
	}
	return stmts, nil
}

// Result returns the finalized outcome: the final statement and the
// collected feedback with its mean agreement level.
func (s *Service) Result(ctx context.Context, id uuid.UUID) (model.DeliberationResult, error) {
	d, err := s.db.GetDeliberation(ctx, id)
	if err != nil {
		return model.DeliberationResult{}, lookupError(err, "deliberation")
	}
	if d.Stage != model.StageFinalized {
		return model.DeliberationResult{}, Errf(model.ErrCodeStageMismatch,
			"deliberation is in the %s stage; results are available once finalized", d.Stage)
	}

	final, err := s.db.GetRoundWinner(ctx, id, d.CurrentRound)
	if err != nil {
		return model.DeliberationResult{}, wrapCode(model.ErrCodeStoreError, err, "failed to load final statement")
	}
	feedback, err := s.db.ListFeedback(ctx, id)
	if err != nil {
		return model.DeliberationResult{}, wrapCode(model.ErrCodeStoreError, err, "failed to load feedback")
	}

	var mean float64
	if len(feedback) > 0 {
		sum := 0
		for _, f := range feedback {
			sum += f.AgreementLevel
		}
		mean = float64(sum) / float64(len(feedback))
	}

	return model.DeliberationResult{
		Deliberation:   d,
		FinalStatement: final,
		Feedback:       feedback,
		MeanAgreement:  mean,
	}, nil
}

// Export assembles the full transcript, event log included, for archival
// and offline analysis.
func (s *Service) Export(ctx context.Context, id uuid.UUID) (model.DeliberationExport, error) {
	detail, err := s.Detail(ctx, id)
	if err != nil {
		return model.DeliberationExport{}, err
	}
	events, err := s.db.ListEventsByDeliberation(ctx, id, 0, exportEventLimit)
	if err != nil {
		return model.DeliberationExport{}, wrapCode(model.ErrCodeStoreError, err, "failed to load events")
	}
	return model.DeliberationExport{DeliberationDetail: detail, Events: events}, nil
}

// Recheck enqueues a transition check for the deliberation. The check is
// idempotent; operators use it to retry after a failed mediation round.
func (s *Service) Recheck(ctx context.Context, id uuid.UUID) error {
	if _, err := s.db.GetDeliberation(ctx, id); err != nil {
		return lookupError(err, "deliberation")
	}
	s.checks.Enqueue(id, false)
	return nil
}

// CloseOpinions ends opinion collection by hand. The forced check ignores
// an unmet max_participants, so a deliberation stalled on a missing
// participant can proceed with the opinions it has. At least two opinions
// are still required.
func (s *Service) CloseOpinions(ctx context.Context, id uuid.UUID) error {
	d, err := s.db.GetDeliberation(ctx, id)
	if err != nil {
		return lookupError(err, "deliberation")
	}
	if d.Stage != model.StageOpinion {
		return Errf(model.ErrCodeStageMismatch, "deliberation is in the %s stage", d.Stage)
	}
	n, err := s.db.CountOpinions(ctx, id)
	if err != nil {
		return wrapCode(model.ErrCodeStoreError, err, "failed to count opinions")
	}
	if n < model.MinParticipants {
		return Errf(model.ErrCodeValidation,
			"cannot close opinion collection with %d of %d required opinions", n, model.MinParticipants)
	}
	s.checks.Enqueue(id, true)
	return nil
}

// requireParticipant rejects post-opinion submissions from agents that
// never submitted an opinion. Counting predicates compare against the
// frozen participant count, so submissions from outsiders would otherwise
// fire transitions with real participants missing.
func (s *Service) requireParticipant(ctx context.Context, deliberationID uuid.UUID, agent model.Agent) error {
	ok, err := s.db.HasOpinion(ctx, deliberationID, agent.ID)
	if err != nil {
		return wrapCode(model.ErrCodeStoreError, err, "failed to check participation")
	}
	if !ok {
		return Errf(model.ErrCodeForbidden, "agent %s is not a participant in this deliberation", agent.Name)
	}
	return nil
}

// eventCount shapes a count query result for an event payload. The count
// is informational, so a failed query degrades to zero instead of failing
// the submission that already committed.
func (s *Service) eventCount(n int, err error) int {
	if err != nil {
		s.logger.Warn("failed to count submissions for event payload", "error", err)
		return 0
	}
	return n
}

// appendEvent records a submission event through the buffer. Best effort:
// the submission itself has already committed, and the durable record of
// lifecycle progress is written transactionally by the storage layer.
func (s *Service) appendEvent(ctx context.Context, e model.DeliberationEvent) {
	if s.events == nil {
		return
	}
	if _, err := s.events.Append(ctx, []model.DeliberationEvent{e}); err != nil {
		s.logger.Warn("failed to record event",
			"deliberation_id", e.DeliberationID,
			"event_type", e.EventType,
			"error", err,
		)
	}
}

// newRoundSeed draws the seed that makes a mediation round reproducible.
// The seed is persisted on the round fence row before any model call.
func newRoundSeed() int64 {
	return rand.Int63() //nolint:gosec // reproducibility, not secrecy
}

// sinceMs is the histogram unit used for round durations.
func sinceMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
