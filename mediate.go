package togi

import (
	"context"
	"errors"

	"github.com/ashita-ai/togi/internal/mediator"
	"github.com/ashita-ai/togi/internal/social"
)

// Mediate runs a single mediation round in-process: no database, no HTTP
// server, no agent registration. It drafts candidate statements from the
// opinions, predicts each participant's preference order, and aggregates the
// predictions into a social ranking whose winner leads the result.
//
// Refinement rounds set PreviousWinner and one critique per opinion;
// otherwise leave both empty. The call blocks for the full fan-out of model
// requests — bound it with the context.
func Mediate(ctx context.Context, req MediationRequest) (*MediationResult, error) {
	retries := req.Retries
	if retries == 0 {
		retries = 3
	}

	var generator mediator.Generator
	var ranker mediator.Ranker
	if req.Model != nil {
		client := &textModelAdapter{m: req.Model}
		generator = &mediator.CoTGenerator{Client: client, Retries: retries}
		ranker = &mediator.CoTRanker{Client: client, Retries: retries}
	} else {
		generator = mediator.MockGenerator{}
		ranker = mediator.LengthRanker{}
	}

	engine, err := mediator.New(mediator.Config{
		Generator:     generator,
		Ranker:        ranker,
		NumCandidates: req.NumCandidates,
		TieBreak:      social.TieBreak(req.TieBreak),
		Parallelism:   req.Parallelism,
		Logger:        req.Logger,
	})
	if err != nil {
		return nil, err
	}

	out, err := engine.RunRound(ctx, mediator.RoundInput{
		Question:       req.Question,
		Opinions:       req.Opinions,
		PreviousWinner: req.PreviousWinner,
		Critiques:      req.Critiques,
		Seed:           req.Seed,
	})
	if err != nil {
		var failed *mediator.RankingFailedError
		if errors.As(err, &failed) {
			return nil, &RankingFailedError{Participant: failed.Participant, Explanation: failed.Explanation}
		}
		return nil, err
	}

	statements := make([]MediatedStatement, len(out.Statements))
	for i, s := range out.Statements {
		statements[i] = MediatedStatement{
			Text:        s.Text,
			TiedRank:    s.TiedRank,
			UntiedRank:  s.UntiedRank,
			Explanation: s.Explanation,
		}
	}
	return &MediationResult{
		Statements: statements,
		Winner:     out.Winner,
		Predicted:  out.Predicted,
	}, nil
}
