package deliberation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/togi/internal/mediator"
	"github.com/ashita-ai/togi/internal/model"
	"github.com/ashita-ai/togi/internal/storage"
)

// checkTransition evaluates the current stage's predicate for one
// deliberation and performs at most one transition. Only the check runner
// calls it, which guarantees a single in-flight check per deliberation in
// this process; cross-process races are settled by the round fence and the
// stale-state checks in storage.
func (s *Service) checkTransition(ctx context.Context, id uuid.UUID, force bool) error {
	d, err := s.db.GetDeliberation(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil // deleted while the check was queued
		}
		return err
	}

	switch d.Stage {
	case model.StageOpinion:
		return s.checkOpinionStage(ctx, d, force)
	case model.StageRanking:
		return s.checkRankingStage(ctx, d)
	case model.StageCritique:
		return s.checkCritiqueStage(ctx, d)
	case model.StageConcluded:
		return s.checkConcludedStage(ctx, d)
	default:
		return nil // finalized, nothing left to decide
	}
}

// checkOpinionStage ends opinion collection when at least two opinions
// exist and, when a cap is set, the cap is reached. force waives the cap
// condition; it backs the operator's close-opinions action.
func (s *Service) checkOpinionStage(ctx context.Context, d model.Deliberation, force bool) error {
	n, err := s.db.CountOpinions(ctx, d.ID)
	if err != nil {
		return err
	}
	if n < model.MinParticipants {
		return nil
	}
	if !force && d.MaxParticipants != nil && n < *d.MaxParticipants {
		return nil
	}
	return s.runRound(ctx, d, 0)
}

func (s *Service) checkRankingStage(ctx context.Context, d model.Deliberation) error {
	n, err := s.db.CountRankingsByRound(ctx, d.ID, d.CurrentRound)
	if err != nil {
		return err
	}
	if n < d.ParticipantCount {
		return nil
	}
	return s.advance(ctx, d, model.StageCritique)
}

// checkCritiqueStage either starts the next revision round or, after the
// last configured round, concludes the deliberation.
func (s *Service) checkCritiqueStage(ctx context.Context, d model.Deliberation) error {
	n, err := s.db.CountCritiquesByRound(ctx, d.ID, d.CurrentRound)
	if err != nil {
		return err
	}
	if n < d.ParticipantCount {
		return nil
	}
	if d.CurrentRound < d.NumCritiqueRounds {
		return s.runRound(ctx, d, d.CurrentRound+1)
	}
	return s.advance(ctx, d, model.StageConcluded)
}

func (s *Service) checkConcludedStage(ctx context.Context, d model.Deliberation) error {
	n, err := s.db.CountFeedback(ctx, d.ID)
	if err != nil {
		return err
	}
	if n < d.ParticipantCount {
		return nil
	}
	return s.advance(ctx, d, model.StageFinalized)
}

// Stage moves write the deliberation row and its event log in one
// transaction; two processes moving different deliberations that share an
// events page can deadlock, so commits carry a small retry budget.
const (
	txRetries      = 3
	txRetryBackoff = 50 * time.Millisecond
)

// advance performs a pure stage move. A stale result means another process
// advanced first; the outcome is the same either way, so it is not an
// error.
func (s *Service) advance(ctx context.Context, d model.Deliberation, to model.Stage) error {
	err := storage.WithRetry(ctx, txRetries, txRetryBackoff, func() error {
		_, err := s.db.AdvanceStage(ctx, storage.AdvanceStageParams{
			DeliberationID: d.ID,
			FromStage:      d.Stage,
			FromRound:      d.CurrentRound,
			ToStage:        to,
			Event: model.DeliberationEvent{
				DeliberationID: d.ID,
				EventType:      model.EventStageAdvanced,
				Payload: model.EventPayload(model.StageAdvancedPayload{
					From:  d.Stage,
					To:    to,
					Round: d.CurrentRound,
				}),
			},
		})
		return err
	})
	if errors.Is(err, storage.ErrStale) {
		return nil
	}
	if err != nil {
		return err
	}

	s.logger.Info("deliberation advanced",
		"deliberation_id", d.ID,
		"from", d.Stage,
		"to", to,
		"round", d.CurrentRound,
	)
	return nil
}

// runRound executes one mediation round end to end: claim the round fence,
// gather the inputs, run the engine, and commit the statements together
// with the stage move in one transaction. No lock is held during the model
// calls; the commit re-checks the expected stage and round and refuses if
// the deliberation moved underneath.
func (s *Service) runRound(ctx context.Context, d model.Deliberation, round int) error {
	seed := newRoundSeed()
	reserved, err := s.db.ReserveRound(ctx, d.ID, round, seed)
	if err != nil {
		return err
	}
	if !reserved {
		// Another process is mediating this round, or already has.
		return nil
	}

	s.logger.Info("mediation round starting",
		"deliberation_id", d.ID, "round", round, "seed", seed)
	start := time.Now()

	in, err := s.roundInput(ctx, d, round, seed)
	if err != nil {
		return s.failRound(ctx, d, round, err)
	}
	res, err := s.engine.RunRound(ctx, in)
	if err != nil {
		return s.failRound(ctx, d, round,
			wrapCode(model.ErrCodeModelFailure, err, "mediation for round %d failed", round))
	}

	stmts := make([]model.Statement, len(res.Statements))
	for i, cand := range res.Statements {
		rank := i + 1
		stmts[i] = model.Statement{
			ID:             uuid.New(),
			DeliberationID: d.ID,
			RoundNumber:    round,
			Text:           cand.Text,
			SocialRank:     &rank,
			Metadata: map[string]any{
				"tied_rank":   cand.TiedRank,
				"explanation": cand.Explanation,
			},
		}
	}

	fromStage := model.StageCritique
	if round == 0 {
		fromStage = model.StageOpinion
	}
	err = storage.WithRetry(ctx, txRetries, txRetryBackoff, func() error {
		_, err := s.db.CompleteRound(ctx, storage.CompleteRoundParams{
			DeliberationID:     d.ID,
			FromStage:          fromStage,
			FromRound:          d.CurrentRound,
			RoundNumber:        round,
			FreezeParticipants: round == 0,
			Statements:         stmts,
			Event: model.DeliberationEvent{
				DeliberationID: d.ID,
				EventType:      model.EventRoundCompleted,
				Payload: model.EventPayload(model.RoundCompletedPayload{
					Round:         round,
					NumCandidates: len(stmts),
					WinnerID:      stmts[0].ID,
					DurationMs:    time.Since(start).Milliseconds(),
					ModelCalls:    len(stmts) + len(in.Opinions),
				}),
			},
		})
		return err
	})
	if errors.Is(err, storage.ErrStale) {
		s.logger.Warn("round completed elsewhere, discarding result",
			"deliberation_id", d.ID, "round", round)
		return nil
	}
	if err != nil {
		return s.failRound(ctx, d, round, err)
	}

	s.roundDuration.Record(ctx, sinceMs(start))
	s.logger.Info("mediation round completed",
		"deliberation_id", d.ID,
		"round", round,
		"winner_id", stmts[0].ID,
		"participants", len(in.Opinions),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// roundInput assembles the engine input for one round. Opinions in
// submission order define the canonical participant order; on revision
// rounds the just-finished round's critiques are realigned to that order
// and the previous winner is attached.
func (s *Service) roundInput(ctx context.Context, d model.Deliberation, round int, seed int64) (mediator.RoundInput, error) {
	ops, err := s.db.ListOpinions(ctx, d.ID)
	if err != nil {
		return mediator.RoundInput{}, err
	}
	in := mediator.RoundInput{
		Question: d.Question,
		Opinions: make([]string, len(ops)),
		Seed:     seed,
	}
	for i, op := range ops {
		in.Opinions[i] = op.Text
	}
	if round == 0 {
		return in, nil
	}

	winner, err := s.db.GetRoundWinner(ctx, d.ID, round-1)
	if err != nil {
		return mediator.RoundInput{}, fmt.Errorf("winner of round %d: %w", round-1, err)
	}
	crits, err := s.db.ListCritiquesByRound(ctx, d.ID, round-1)
	if err != nil {
		return mediator.RoundInput{}, err
	}
	byAgent := make(map[uuid.UUID]string, len(crits))
	for _, c := range crits {
		byAgent[c.AgentID] = c.Text
	}
	in.Critiques = make([]string, len(ops))
	for i, op := range ops {
		text, ok := byAgent[op.AgentID]
		if !ok {
			return mediator.RoundInput{}, fmt.Errorf("participant %s has no critique for round %d", op.AgentID, round-1)
		}
		in.Critiques[i] = text
	}
	in.PreviousWinner = winner.Text
	return in, nil
}

// failRound records a failed attempt on the round fence and the
// deliberation, leaving the stage unchanged so a later re-check can retry.
// The bookkeeping runs on a detached context because the failure may
// itself be a cancellation.
func (s *Service) failRound(ctx context.Context, d model.Deliberation, round int, cause error) error {
	s.roundFailures.Add(ctx, 1)
	s.logger.Error("mediation round failed",
		"deliberation_id", d.ID, "round", round, "error", cause)

	cleanupCtx := context.WithoutCancel(ctx)
	if err := s.db.FailRound(cleanupCtx, d.ID, round, cause.Error()); err != nil {
		s.logger.Error("failed to record round failure",
			"deliberation_id", d.ID, "round", round, "error", err)
	}
	s.appendEvent(cleanupCtx, model.DeliberationEvent{
		DeliberationID: d.ID,
		EventType:      model.EventRoundFailed,
		Payload: model.EventPayload(model.RoundFailedPayload{
			Round: round,
			Error: cause.Error(),
		}),
	})
	return fmt.Errorf("round %d: %w", round, cause)
}
