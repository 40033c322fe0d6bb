package mediator

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/togi/internal/llm"
	"github.com/ashita-ai/togi/internal/social"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// queueGenerator returns canned statements in call order. Only meaningful
// with Parallelism 1, where candidate i receives text i.
type queueGenerator struct {
	mu     sync.Mutex
	texts  []string
	inputs []GenerateInput
}

func (g *queueGenerator) GenerateStatement(_ context.Context, in GenerateInput) (StatementResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inputs = append(g.inputs, in)
	return StatementResult{Statement: g.texts[len(g.inputs)-1], Explanation: "draft reasoning"}, nil
}

// seededGenerator derives the statement from the call seed alone, so a round
// is reproducible regardless of goroutine scheduling.
type seededGenerator struct{}

func (seededGenerator) GenerateStatement(_ context.Context, in GenerateInput) (StatementResult, error) {
	n := 4 + int(in.Seed%7)
	return StatementResult{Statement: strings.Repeat("x", n), Explanation: "seeded"}, nil
}

type recordingRanker struct {
	mu     sync.Mutex
	inner  Ranker
	inputs []RankInput
}

func (r *recordingRanker) PredictRanking(ctx context.Context, in RankInput) (RankResult, error) {
	r.mu.Lock()
	r.inputs = append(r.inputs, in)
	r.mu.Unlock()
	return r.inner.PredictRanking(ctx, in)
}

// failingRanker yields no ranking for one participant's opinion and defers
// to length ranking for everyone else.
type failingRanker struct {
	failOpinion string
}

func (r failingRanker) PredictRanking(ctx context.Context, in RankInput) (RankResult, error) {
	if in.Opinion == r.failOpinion {
		return RankResult{Explanation: "INCORRECT_TEMPLATE: junk"}, nil
	}
	return LengthRanker{}.PredictRanking(ctx, in)
}

type errGenerator struct{ err error }

func (g errGenerator) GenerateStatement(context.Context, GenerateInput) (StatementResult, error) {
	return StatementResult{}, g.err
}

type errRanker struct{ err error }

func (r errRanker) PredictRanking(context.Context, RankInput) (RankResult, error) {
	return RankResult{}, r.err
}

func TestEngineRunRoundRanksByLength(t *testing.T) {
	gen := &queueGenerator{texts: []string{
		"winner statement is this one",
		"a short one",
		"a middling statement",
		"tiny",
	}}
	eng, err := New(Config{
		Generator:     gen,
		Ranker:        LengthRanker{},
		NumCandidates: 4,
		Parallelism:   1,
		Logger:        testLogger(),
	})
	require.NoError(t, err)

	opinions := []string{"east wants parks", "west wants transit", "north wants both"}
	res, err := eng.RunRound(context.Background(), RoundInput{
		Question: "What should the city do?",
		Opinions: opinions,
		Seed:     123,
	})
	require.NoError(t, err)

	require.Len(t, res.Statements, 4)
	assert.Equal(t, "winner statement is this one", res.Winner)
	assert.Equal(t, res.Statements[0].Text, res.Winner)

	texts := make([]string, 0, len(res.Statements))
	for i, s := range res.Statements {
		texts = append(texts, s.Text)
		assert.Equal(t, i, s.UntiedRank)
		// All lengths are distinct, so the aggregate has no ties to break.
		assert.Equal(t, i, s.TiedRank)
		assert.Equal(t, "draft reasoning", s.Explanation)
	}
	assert.Equal(t, []string{
		"winner statement is this one",
		"a middling statement",
		"a short one",
		"tiny",
	}, texts)

	require.Len(t, res.Predicted, 3)
	for _, ranking := range res.Predicted {
		assert.Equal(t, []int{0, 1, 2, 3}, ranking)
	}
	assert.Equal(t, []string{
		"Longest statement ranking.",
		"Longest statement ranking.",
		"Longest statement ranking.",
	}, res.RankingExplanations)

	// Every candidate drafts from all opinions, each in its own order.
	require.Len(t, gen.inputs, 4)
	for _, in := range gen.inputs {
		assert.ElementsMatch(t, opinions, in.Opinions)
		assert.Empty(t, in.PreviousWinner)
		assert.Nil(t, in.Critiques)
	}
}

func TestEngineRunRoundShufflesCritiquesWithOpinions(t *testing.T) {
	gen := &queueGenerator{texts: []string{
		"statement one is long",
		"statement two is longer x",
		"statement three is longest xx",
	}}
	ranker := &recordingRanker{inner: LengthRanker{}}
	eng, err := New(Config{
		Generator:     gen,
		Ranker:        ranker,
		NumCandidates: 3,
		Parallelism:   1,
		Logger:        testLogger(),
	})
	require.NoError(t, err)

	opinions := []string{"opinion alpha", "opinion beta", "opinion gamma"}
	critiques := []string{"critique alpha", "critique beta", "critique gamma"}
	_, err = eng.RunRound(context.Background(), RoundInput{
		Question:       "Q",
		Opinions:       opinions,
		PreviousWinner: "the previous winner",
		Critiques:      critiques,
		Seed:           9,
	})
	require.NoError(t, err)

	// Critiques travel with their opinions through the per-candidate
	// shuffle.
	require.Len(t, gen.inputs, 3)
	for _, in := range gen.inputs {
		assert.Equal(t, "the previous winner", in.PreviousWinner)
		require.Len(t, in.Critiques, 3)
		for i, opinion := range in.Opinions {
			idx := slices.Index(opinions, opinion)
			require.GreaterOrEqual(t, idx, 0)
			assert.Equal(t, critiques[idx], in.Critiques[i])
		}
	}

	// Each ranker call sees one participant's own opinion and critique, in
	// canonical participant order.
	require.Len(t, ranker.inputs, 3)
	for i, in := range ranker.inputs {
		assert.Equal(t, opinions[i], in.Opinion)
		assert.Equal(t, critiques[i], in.Critique)
		assert.Equal(t, "the previous winner", in.PreviousWinner)
		assert.ElementsMatch(t, gen.texts, in.Statements)
	}
}

func TestEngineRunRoundReproducible(t *testing.T) {
	newEngine := func() *Engine {
		eng, err := New(Config{
			Generator:   seededGenerator{},
			Ranker:      LengthRanker{},
			Parallelism: 3,
			Logger:      testLogger(),
		})
		require.NoError(t, err)
		return eng
	}
	in := RoundInput{
		Question: "Q",
		Opinions: []string{"o one", "o two", "o three", "o four", "o five"},
		Seed:     42,
	}

	first, err := newEngine().RunRound(context.Background(), in)
	require.NoError(t, err)
	second, err := newEngine().RunRound(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// Tie-breaking leaves a strict order even though statement lengths
	// collide across the default candidate count.
	require.Len(t, first.Statements, DefaultNumCandidates)
	seen := make(map[int]bool, len(first.Statements))
	for _, s := range first.Statements {
		assert.False(t, seen[s.UntiedRank], "duplicate untied rank %d", s.UntiedRank)
		seen[s.UntiedRank] = true
	}
}

func TestEngineRunRoundAbortsWhenRankingFails(t *testing.T) {
	gen := &queueGenerator{texts: []string{"statement one long", "statement two longer"}}
	eng, err := New(Config{
		Generator:     gen,
		Ranker:        failingRanker{failOpinion: "bad actor"},
		NumCandidates: 2,
		Parallelism:   1,
		Logger:        testLogger(),
	})
	require.NoError(t, err)

	_, err = eng.RunRound(context.Background(), RoundInput{
		Question: "Q",
		Opinions: []string{"fine", "bad actor", "also fine"},
		Seed:     1,
	})
	require.Error(t, err)
	var failed *RankingFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, 1, failed.Participant)
	assert.Contains(t, failed.Explanation, "INCORRECT_TEMPLATE")
}

func TestEngineRunRoundWrapsGeneratorError(t *testing.T) {
	eng, err := New(Config{
		Generator:     errGenerator{errors.New("backend down")},
		Ranker:        LengthRanker{},
		NumCandidates: 2,
		Parallelism:   1,
		Logger:        testLogger(),
	})
	require.NoError(t, err)

	_, err = eng.RunRound(context.Background(), RoundInput{
		Question: "Q",
		Opinions: []string{"o"},
		Seed:     1,
	})
	require.Error(t, err)
	assert.ErrorContains(t, err, "generate statements")
	assert.ErrorContains(t, err, "backend down")
}

func TestEngineRunRoundWrapsRankerError(t *testing.T) {
	gen := &queueGenerator{texts: []string{"statement one long", "statement two longer"}}
	eng, err := New(Config{
		Generator:     gen,
		Ranker:        errRanker{errors.New("backend down")},
		NumCandidates: 2,
		Parallelism:   1,
		Logger:        testLogger(),
	})
	require.NoError(t, err)

	_, err = eng.RunRound(context.Background(), RoundInput{
		Question: "Q",
		Opinions: []string{"o"},
		Seed:     1,
	})
	require.Error(t, err)
	assert.ErrorContains(t, err, "predict rankings")
	assert.ErrorContains(t, err, "backend down")
}

// A generator that exhausts its budget hands back an empty statement; the
// round still runs and the electorate ranks it last.
func TestEngineRunRoundAcceptsEmptyStatement(t *testing.T) {
	gen := &queueGenerator{texts: []string{"a substantial statement", ""}}
	eng, err := New(Config{
		Generator:     gen,
		Ranker:        LengthRanker{},
		NumCandidates: 2,
		Parallelism:   1,
		Logger:        testLogger(),
	})
	require.NoError(t, err)

	res, err := eng.RunRound(context.Background(), RoundInput{
		Question: "Q",
		Opinions: []string{"o1", "o2"},
		Seed:     3,
	})
	require.NoError(t, err)
	assert.Equal(t, "a substantial statement", res.Winner)
	assert.Equal(t, "", res.Statements[1].Text)
	assert.Equal(t, 1, res.Statements[1].UntiedRank)
}

func TestEngineRunRoundAllAbstaining(t *testing.T) {
	eng, err := New(Config{
		Generator:     MockGenerator{},
		Ranker:        MockRanker{},
		NumCandidates: 2,
		Parallelism:   1,
		Logger:        testLogger(),
	})
	require.NoError(t, err)

	res, err := eng.RunRound(context.Background(), RoundInput{
		Question: "Q",
		Opinions: []string{"o1", "o2"},
		Seed:     5,
	})
	require.NoError(t, err)
	// With every ballot abstaining the aggregate carries no preference and
	// the strict order is a seeded shuffle.
	assert.Equal(t, social.Mock, res.Statements[0].TiedRank)
	assert.Equal(t, social.Mock, res.Statements[1].TiedRank)
	assert.Equal(t, 0, res.Statements[0].UntiedRank)
	assert.Equal(t, 1, res.Statements[1].UntiedRank)
	assert.Equal(t, []string{"Mock ranking.", "Mock ranking."}, res.RankingExplanations)
}

func TestEngineRunRoundCoTPipeline(t *testing.T) {
	client := &llm.ScriptedClient{}
	client.Push(
		"<answer>first draft reasoning<sep>The city should expand both parks and transit.</answer>",
		"<answer>second draft reasoning<sep>The city should prioritize transit over parks.</answer>",
		"<answer>ranker one reasoning\n<sep>\nA>B</answer>",
		"<answer>ranker two reasoning\n<sep>\nA>B</answer>",
	)
	eng, err := New(Config{
		Generator:     &CoTGenerator{Client: client, Retries: 1},
		Ranker:        &CoTRanker{Client: client},
		NumCandidates: 2,
		Parallelism:   1,
		Logger:        testLogger(),
	})
	require.NoError(t, err)

	res, err := eng.RunRound(context.Background(), RoundInput{
		Question: "How should the city spend the surplus?",
		Opinions: []string{"Parks need investment.", "Transit needs investment."},
		Seed:     2024,
	})
	require.NoError(t, err)

	require.Len(t, res.Statements, 2)
	texts := []string{res.Statements[0].Text, res.Statements[1].Text}
	assert.ElementsMatch(t, []string{
		"The city should expand both parks and transit.",
		"The city should prioritize transit over parks.",
	}, texts)
	assert.Equal(t, res.Statements[0].Text, res.Winner)
	assert.Equal(t, 0, res.Statements[0].UntiedRank)
	assert.Equal(t, 1, res.Statements[1].UntiedRank)
	for _, s := range res.Statements {
		switch s.Text {
		case "The city should expand both parks and transit.":
			assert.Equal(t, "first draft reasoning", s.Explanation)
		case "The city should prioritize transit over parks.":
			assert.Equal(t, "second draft reasoning", s.Explanation)
		}
	}

	require.Len(t, res.Predicted, 2)
	for _, predicted := range res.Predicted {
		assert.ElementsMatch(t, []int{0, 1}, predicted)
	}
	require.Len(t, res.RankingExplanations, 2)
	assert.Contains(t, res.RankingExplanations[0], "ranker one reasoning")
	assert.Contains(t, res.RankingExplanations[1], "ranker two reasoning")

	// Four model calls: one per candidate draft, then one per participant.
	assert.Len(t, client.Requests(), 4)
}

func TestEngineConfigValidation(t *testing.T) {
	valid := Config{Generator: MockGenerator{}, Ranker: MockRanker{}, Logger: testLogger()}

	cfg := valid
	cfg.Generator = nil
	_, err := New(cfg)
	assert.ErrorContains(t, err, "generator")

	cfg = valid
	cfg.Ranker = nil
	_, err = New(cfg)
	assert.ErrorContains(t, err, "ranker")

	cfg = valid
	cfg.NumCandidates = 1
	_, err = New(cfg)
	assert.ErrorContains(t, err, "num candidates")

	cfg = valid
	cfg.NumCandidates = 27
	_, err = New(cfg)
	assert.ErrorContains(t, err, "num candidates")

	cfg = valid
	cfg.Parallelism = -1
	_, err = New(cfg)
	assert.ErrorContains(t, err, "parallelism")

	eng, err := New(valid)
	require.NoError(t, err)
	assert.Equal(t, DefaultNumCandidates, eng.numCandidates)
	assert.Equal(t, DefaultParallelism, eng.parallelism)
	assert.Equal(t, social.TBRC, eng.tieBreak)
}

func TestEngineRunRoundInputValidation(t *testing.T) {
	eng, err := New(Config{
		Generator:     MockGenerator{},
		Ranker:        MockRanker{},
		NumCandidates: 2,
		Logger:        testLogger(),
	})
	require.NoError(t, err)

	_, err = eng.RunRound(context.Background(), RoundInput{Question: "Q"})
	assert.ErrorContains(t, err, "opinion")

	_, err = eng.RunRound(context.Background(), RoundInput{
		Question:  "Q",
		Opinions:  []string{"o"},
		Critiques: []string{"c"},
	})
	assert.ErrorContains(t, err, "set together")

	_, err = eng.RunRound(context.Background(), RoundInput{
		Question:       "Q",
		Opinions:       []string{"o"},
		PreviousWinner: "w",
	})
	assert.ErrorContains(t, err, "set together")

	_, err = eng.RunRound(context.Background(), RoundInput{
		Question:       "Q",
		Opinions:       []string{"o1", "o2"},
		PreviousWinner: "w",
		Critiques:      []string{"c"},
	})
	assert.ErrorContains(t, err, "critiques")
}
