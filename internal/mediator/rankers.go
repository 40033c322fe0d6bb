package mediator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ashita-ai/togi/internal/llm"
	"github.com/ashita-ai/togi/internal/social"
)

// RankInput asks for one participant's predicted preference order over a set
// of candidate statements. PreviousWinner and Critique are empty on the
// opinion round; a critique without a previous winner is invalid.
type RankInput struct {
	Question       string
	Opinion        string
	Statements     []string
	PreviousWinner string
	Critique       string
	Seed           int64
}

// RankResult carries a 0-based, lower-is-better rank vector aligned with the
// input statements. Ranking is nil when the model produced no parseable
// ranking within the retry budget; Explanation then holds the failure reason.
// On success Explanation holds the raw model output, chain of thought
// included.
type RankResult struct {
	Ranking     []int
	Explanation string
}

// Ranker predicts how a participant would rank candidate statements.
// Implementations return an error only for infrastructure failures; a model
// that answers nonsense yields a nil Ranking instead.
type Ranker interface {
	PredictRanking(ctx context.Context, in RankInput) (RankResult, error)
}

// CoTRanker prompts the text model with chain-of-thought instructions and
// parses the arrow-notation ranking from the answer envelope. Each failed
// parse is retried with the seed advanced by one, so a deterministic backend
// does not replay the identical bad sample.
type CoTRanker struct {
	Client llm.Client
	// Retries is the number of extra attempts after the first; 0 means a
	// single attempt.
	Retries int
}

func (r *CoTRanker) PredictRanking(ctx context.Context, in RankInput) (RankResult, error) {
	if r.Retries < 0 {
		return RankResult{}, errors.New("mediator: retries must be at least 0")
	}
	if in.PreviousWinner == "" && in.Critique != "" {
		return RankResult{}, errors.New("mediator: critique given without a previous winner")
	}
	if len(in.Statements) < 2 {
		return RankResult{}, errors.New("mediator: need at least two statements to rank")
	}

	prompt := rankingPrompt(in.Question, in.Opinion, in.Statements, in.PreviousWinner, in.Critique)

	var last RankResult
	for attempt := 0; attempt <= r.Retries; attempt++ {
		seed := in.Seed + int64(attempt)
		response, err := r.Client.SampleText(ctx, llm.Request{
			Prompt:      prompt,
			Terminators: []string{"</answer>"},
			Seed:        &seed,
		})
		if err != nil {
			return RankResult{}, fmt.Errorf("mediator: sample ranking: %w", err)
		}

		ranking, explanation := parseRankingResponse(response, len(in.Statements))
		last = RankResult{Ranking: ranking, Explanation: explanation}
		if ranking != nil && !strings.Contains(explanation, "INCORRECT") {
			return last, nil
		}
	}
	return last, nil
}

// LengthRanker prefers longer statements: the longest gets rank 0. A
// deterministic zero-cost stand-in for offline runs and tests.
type LengthRanker struct{}

func (LengthRanker) PredictRanking(_ context.Context, in RankInput) (RankResult, error) {
	maxLen := 0
	for _, s := range in.Statements {
		maxLen = max(maxLen, len(s))
	}
	ranks := make([]int, len(in.Statements))
	for i, s := range in.Statements {
		ranks[i] = maxLen - len(s)
	}
	return RankResult{
		Ranking:     social.Normalize(ranks),
		Explanation: "Longest statement ranking.",
	}, nil
}

// MockRanker abstains: every statement gets the abstaining mark, so the
// aggregate falls through to its all-abstaining path.
type MockRanker struct{}

func (MockRanker) PredictRanking(_ context.Context, in RankInput) (RankResult, error) {
	ranking := make([]int, len(in.Statements))
	for i := range ranking {
		ranking[i] = social.Mock
	}
	return RankResult{Ranking: ranking, Explanation: "Mock ranking."}, nil
}

var (
	_ Ranker = (*CoTRanker)(nil)
	_ Ranker = LengthRanker{}
	_ Ranker = MockRanker{}
)
