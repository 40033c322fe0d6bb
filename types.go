package togi

import (
	"fmt"
	"log/slog"
	"time"
)

// TextRequest describes a single sampling call. Zero values for MaxTokens,
// Temperature, and Timeout mean "use the backend's default". Seed is
// optional; backends that cannot honor it ignore it.
type TextRequest struct {
	Prompt      string
	MaxTokens   int
	Temperature float64
	Terminators []string
	Timeout     time.Duration
	Seed        *int64
}

// MediationRequest is the input to Mediate: one round of deliberation
// material. Opinions are one per participant, in a fixed order. On a
// refinement round, PreviousWinner carries the statement being revised and
// Critiques is aligned with Opinions; both are empty on the opinion round.
type MediationRequest struct {
	Question       string
	Opinions       []string
	PreviousWinner string
	Critiques      []string

	// Model backs statement generation and ranking prediction. Nil runs the
	// deterministic stand-ins, which concatenate rather than mediate; useful
	// for wiring tests only.
	Model TextModel

	// NumCandidates is the number of candidate statements drafted, between
	// 2 and 26. Zero means the engine default.
	NumCandidates int
	// TieBreak is "tbrc", "random", or "ties_allowed". Empty means "tbrc".
	TieBreak string
	// Parallelism bounds concurrent model calls. Zero means the engine
	// default.
	Parallelism int
	// Retries is the attempt budget per statement or ranking. Zero means 3.
	Retries int
	// Seed makes the round reproducible: a rerun with the same seed and a
	// deterministic model issues identical calls.
	Seed int64

	Logger *slog.Logger
}

// MediatedStatement is one candidate statement in social order.
type MediatedStatement struct {
	Text string
	// TiedRank is the aggregate rank before tie-breaking; equal values mean
	// the electorate was indifferent.
	TiedRank int
	// UntiedRank is the strict rank after tie-breaking.
	UntiedRank int
	// Explanation is the generator's reasoning for this candidate.
	Explanation string
}

// MediationResult is the outcome of one mediation round.
type MediationResult struct {
	// Statements in social order: index 0 is the winner.
	Statements []MediatedStatement
	// Winner is Statements[0].Text.
	Winner string
	// Predicted[i] is participant i's predicted ranking over Statements in
	// the same social order, 0-based and lower-is-better.
	Predicted [][]int
}

// RankingFailedError reports a participant for whom no parseable ranking
// could be obtained within the retry budget. The round produced no result.
type RankingFailedError struct {
	// Participant indexes into MediationRequest.Opinions.
	Participant int
	// Explanation is the model's final output for the failed prediction.
	Explanation string
}

func (e *RankingFailedError) Error() string {
	return fmt.Sprintf("no valid ranking for participant %d: %s", e.Participant, e.Explanation)
}
