// Package mediator runs one mediation round: it fans prompts out to the text
// model to draft candidate consensus statements, predicts every participant's
// preference order over the candidates, and aggregates those predictions into
// a social ranking that picks the round's winner.
package mediator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/togi/internal/social"
)

// Defaults for Config.
const (
	DefaultNumCandidates = 16
	DefaultParallelism   = 4
)

// Candidates are lettered A..Z in prompts.
const maxCandidates = 26

// Config configures an Engine.
type Config struct {
	Generator Generator
	Ranker    Ranker
	// NumCandidates is the number of candidate statements drafted per round,
	// between 2 and 26. Defaults to DefaultNumCandidates.
	NumCandidates int
	// TieBreak selects the aggregation tie-break mode. Defaults to
	// social.TBRC.
	TieBreak social.TieBreak
	// Parallelism bounds concurrent model calls; 1 runs them sequentially.
	// Defaults to DefaultParallelism.
	Parallelism int
	Logger      *slog.Logger
}

// Engine composes the statement generator, the ranking predictor, and the
// social-choice aggregation into rounds.
type Engine struct {
	generator     Generator
	ranker        Ranker
	numCandidates int
	tieBreak      social.TieBreak
	parallelism   int
	logger        *slog.Logger
}

// New creates an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Generator == nil {
		return nil, errors.New("mediator: generator is required")
	}
	if cfg.Ranker == nil {
		return nil, errors.New("mediator: ranker is required")
	}
	if cfg.NumCandidates == 0 {
		cfg.NumCandidates = DefaultNumCandidates
	}
	if cfg.NumCandidates < 2 || cfg.NumCandidates > maxCandidates {
		return nil, fmt.Errorf("mediator: num candidates must be in [2, %d], got %d", maxCandidates, cfg.NumCandidates)
	}
	if cfg.TieBreak == "" {
		cfg.TieBreak = social.TBRC
	}
	if cfg.Parallelism == 0 {
		cfg.Parallelism = DefaultParallelism
	}
	if cfg.Parallelism < 1 {
		return nil, fmt.Errorf("mediator: parallelism must be at least 1, got %d", cfg.Parallelism)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		generator:     cfg.Generator,
		ranker:        cfg.Ranker,
		numCandidates: cfg.NumCandidates,
		tieBreak:      cfg.TieBreak,
		parallelism:   cfg.Parallelism,
		logger:        cfg.Logger,
	}, nil
}

// RoundInput is one round's worth of participant material, in canonical
// participant order. PreviousWinner and Critiques are set together on
// refinement rounds and empty on the opinion round.
type RoundInput struct {
	Question       string
	Opinions       []string
	PreviousWinner string
	Critiques      []string
	// Seed makes the round reproducible: permutations and per-call seeds all
	// derive from it.
	Seed int64
}

// Statement is one ranked candidate.
type Statement struct {
	Text string
	// TiedRank is the aggregate rank before tie-breaking; equal values mean
	// the electorate was indifferent.
	TiedRank int
	// UntiedRank is the strict rank after tie-breaking.
	UntiedRank int
	// Explanation is the generator's reasoning for this candidate.
	Explanation string
}

// RoundResult is the outcome of one mediation round.
type RoundResult struct {
	// Statements in social order: index 0 is the winner.
	Statements []Statement
	// Winner is Statements[0].Text.
	Winner string
	// Predicted[i] is participant i's predicted ranking over Statements in
	// the same social order, 0-based and lower-is-better.
	Predicted [][]int
	// RankingExplanations[i] is the raw ranker output for participant i.
	RankingExplanations []string
}

// RankingFailedError reports a participant for whom no parseable ranking
// could be obtained within the retry budget. The round is aborted; nothing
// about it should be persisted.
type RankingFailedError struct {
	Participant int
	Explanation string
}

func (e *RankingFailedError) Error() string {
	return fmt.Sprintf("mediator: no valid ranking for participant %d: %s", e.Participant, e.Explanation)
}

// RunRound drafts candidates, predicts per-participant rankings, and
// aggregates them into a social ranking.
//
// All randomness derives from in.Seed: permutations and sub-call seeds are
// drawn sequentially up front, in a fixed order, so the concurrent fan-out
// below cannot perturb the sequence and a rerun with the same seed issues
// identical model calls.
func (e *Engine) RunRound(ctx context.Context, in RoundInput) (*RoundResult, error) {
	numVoters := len(in.Opinions)
	if numVoters == 0 {
		return nil, errors.New("mediator: at least one opinion is required")
	}
	if (in.Critiques == nil) != (in.PreviousWinner == "") {
		return nil, errors.New("mediator: previous winner and critiques must be set together")
	}
	if in.Critiques != nil && len(in.Critiques) != numVoters {
		return nil, fmt.Errorf("mediator: got %d critiques for %d opinions", len(in.Critiques), numVoters)
	}

	rng := rand.New(rand.NewSource(in.Seed)) //nolint:gosec // reproducibility is the point
	genPerms := make([][]int, e.numCandidates)
	genSeeds := make([]int64, e.numCandidates)
	for i := range e.numCandidates {
		genPerms[i] = rng.Perm(numVoters)
		genSeeds[i] = newSeed(rng)
	}
	rankPerms := make([][]int, numVoters)
	rankSeeds := make([]int64, numVoters)
	for i := range numVoters {
		rankPerms[i] = rng.Perm(e.numCandidates)
		rankSeeds[i] = newSeed(rng)
	}
	aggSeed := newSeed(rng)

	e.logger.DebugContext(ctx, "generating candidate statements",
		slog.Int("candidates", e.numCandidates),
		slog.Int("participants", numVoters),
		slog.Bool("refinement", in.PreviousWinner != ""))

	statements := make([]string, e.numCandidates)
	statementExplanations := make([]string, e.numCandidates)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for i := range e.numCandidates {
		g.Go(func() error {
			// Opinions (and critiques, with the same permutation) are
			// shuffled per candidate to vary ordering bias across drafts.
			perm := genPerms[i]
			var critiques []string
			if in.Critiques != nil {
				critiques = permute(in.Critiques, perm)
			}
			res, err := e.generator.GenerateStatement(gctx, GenerateInput{
				Question:       in.Question,
				Opinions:       permute(in.Opinions, perm),
				PreviousWinner: in.PreviousWinner,
				Critiques:      critiques,
				Seed:           genSeeds[i],
			})
			if err != nil {
				return fmt.Errorf("candidate %d: %w", i, err)
			}
			statements[i] = res.Statement
			statementExplanations[i] = res.Explanation
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("mediator: generate statements: %w", err)
	}

	rankings := make([][]int, numVoters)
	rankingExplanations := make([]string, numVoters)
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for i := range numVoters {
		g.Go(func() error {
			// Statements are shuffled per participant, again for ordering
			// bias; the predicted ranking is scattered back into canonical
			// candidate order below.
			perm := rankPerms[i]
			var critique string
			if in.Critiques != nil {
				critique = in.Critiques[i]
			}
			res, err := e.ranker.PredictRanking(gctx, RankInput{
				Question:       in.Question,
				Opinion:        in.Opinions[i],
				Statements:     permute(statements, perm),
				PreviousWinner: in.PreviousWinner,
				Critique:       critique,
				Seed:           rankSeeds[i],
			})
			if err != nil {
				return fmt.Errorf("participant %d: %w", i, err)
			}
			if res.Ranking == nil {
				return &RankingFailedError{Participant: i, Explanation: res.Explanation}
			}
			unshuffled := make([]int, e.numCandidates)
			for j, rank := range res.Ranking {
				unshuffled[perm[j]] = rank
			}
			rankings[i] = unshuffled
			rankingExplanations[i] = res.Explanation
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		var failed *RankingFailedError
		if errors.As(err, &failed) {
			return nil, err
		}
		return nil, fmt.Errorf("mediator: predict rankings: %w", err)
	}

	agg, err := social.Aggregate(rankings, e.tieBreak, aggSeed)
	if err != nil {
		return nil, fmt.Errorf("mediator: aggregate rankings: %w", err)
	}

	// Social order: by untied rank, original index breaking any residual
	// ties (ties only survive in the ties-allowed mode).
	order := make([]int, e.numCandidates)
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return agg.Untied[a] - agg.Untied[b]
	})

	result := &RoundResult{
		Statements:          make([]Statement, e.numCandidates),
		Predicted:           make([][]int, numVoters),
		RankingExplanations: rankingExplanations,
	}
	for pos, idx := range order {
		result.Statements[pos] = Statement{
			Text:        statements[idx],
			TiedRank:    agg.Tied[idx],
			UntiedRank:  agg.Untied[idx],
			Explanation: statementExplanations[idx],
		}
	}
	for i, ranking := range rankings {
		reordered := make([]int, e.numCandidates)
		for pos, idx := range order {
			reordered[pos] = ranking[idx]
		}
		result.Predicted[i] = reordered
	}
	result.Winner = result.Statements[0].Text

	e.logger.InfoContext(ctx, "mediation round complete",
		slog.Int("candidates", e.numCandidates),
		slog.Int("participants", numVoters),
		slog.Int("winner_len", len(result.Winner)),
		slog.Int("winner_tied_rank", result.Statements[0].TiedRank))

	return result, nil
}

// newSeed draws a fresh non-negative 32-bit seed for a sub-call.
func newSeed(rng *rand.Rand) int64 {
	return rng.Int63n(math.MaxInt32)
}

func permute[T any](src []T, perm []int) []T {
	out := make([]T, len(perm))
	for i, j := range perm {
		out[i] = src[j]
	}
	return out
}
