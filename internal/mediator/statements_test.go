package mediator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/togi/internal/llm"
)

func TestCoTGeneratorSuccess(t *testing.T) {
	client := &llm.ScriptedClient{}
	client.Push("<answer>\nThe reasoning.\n<sep>\nWe should fund both parks and transit.\n</answer>")
	gen := &CoTGenerator{Client: client, Retries: 3}

	res, err := gen.GenerateStatement(context.Background(), GenerateInput{
		Question: "What should the city fund?",
		Opinions: []string{"Parks.", "Transit."},
		Seed:     11,
	})
	require.NoError(t, err)
	assert.Equal(t, "We should fund both parks and transit.", res.Statement)
	assert.Equal(t, "The reasoning.", res.Explanation)

	reqs := client.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, []string{"</answer>"}, reqs[0].Terminators)
	require.NotNil(t, reqs[0].Seed)
	assert.Equal(t, int64(11), *reqs[0].Seed)
	assert.Contains(t, reqs[0].Prompt, "Question: What should the city fund?")
	assert.Contains(t, reqs[0].Prompt, "Opinion Person 1: Parks.\nOpinion Person 2: Transit.")
	assert.NotContains(t, reqs[0].Prompt, "Previous Draft")
}

func TestCoTGeneratorRetriesWithAdvancedSeed(t *testing.T) {
	client := &llm.ScriptedClient{}
	client.Push(
		"no envelope at all",
		"<answer>second try\n<sep>\nA much longer statement.\n</answer>")
	gen := &CoTGenerator{Client: client, Retries: 3}

	res, err := gen.GenerateStatement(context.Background(), GenerateInput{
		Question: "Q",
		Opinions: []string{"O"},
		Seed:     5,
	})
	require.NoError(t, err)
	assert.Equal(t, "A much longer statement.", res.Statement)

	reqs := client.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, int64(5), *reqs[0].Seed)
	assert.Equal(t, int64(6), *reqs[1].Seed)
	assert.Equal(t, reqs[0].Prompt, reqs[1].Prompt)
}

// Statements of five characters or fewer are treated as noise and retried.
func TestCoTGeneratorStatementLengthFloor(t *testing.T) {
	client := &llm.ScriptedClient{}
	client.Push(
		"<answer>x<sep>12345</answer>",
		"<answer>x<sep>123456</answer>")
	gen := &CoTGenerator{Client: client, Retries: 3}

	res, err := gen.GenerateStatement(context.Background(), GenerateInput{
		Question: "Q",
		Opinions: []string{"O"},
	})
	require.NoError(t, err)
	assert.Equal(t, "123456", res.Statement)
	assert.Len(t, client.Requests(), 2)
}

func TestCoTGeneratorReturnsLastFailure(t *testing.T) {
	client := &llm.ScriptedClient{}
	client.Push("no envelope", "still no envelope")
	gen := &CoTGenerator{Client: client, Retries: 2}

	res, err := gen.GenerateStatement(context.Background(), GenerateInput{
		Question: "Q",
		Opinions: []string{"O"},
	})
	// An empty statement is handed back for the caller to rank last; only
	// infrastructure failures are errors.
	require.NoError(t, err)
	assert.Empty(t, res.Statement)
	assert.Equal(t, "INCORRECT_TEMPLATE", res.Explanation)
	assert.Len(t, client.Requests(), 2)
}

// Retries is the total attempt count, so zero means the generator never
// samples at all.
func TestCoTGeneratorZeroRetriesSamplesNothing(t *testing.T) {
	client := &llm.ScriptedClient{}
	gen := &CoTGenerator{Client: client, Retries: 0}

	res, err := gen.GenerateStatement(context.Background(), GenerateInput{
		Question: "Q",
		Opinions: []string{"O"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatementResult{}, res)
	assert.Empty(t, client.Requests())
}

func TestCoTGeneratorRefinementPrompt(t *testing.T) {
	client := &llm.ScriptedClient{}
	client.Push("<answer>ok\n<sep>\nA revised consensus statement.\n</answer>")
	gen := &CoTGenerator{Client: client, Retries: 1}

	res, err := gen.GenerateStatement(context.Background(), GenerateInput{
		Question:       "Q",
		Opinions:       []string{"one", "two"},
		PreviousWinner: "The previous draft.",
		Critiques:      []string{"c one", "c two"},
	})
	require.NoError(t, err)
	assert.Equal(t, "A revised consensus statement.", res.Statement)

	reqs := client.Requests()
	require.Len(t, reqs, 1)
	assert.True(t, strings.HasPrefix(reqs[0].Prompt, "You are assisting a citizens' jury in forming a consensus opinion"))
	assert.Contains(t, reqs[0].Prompt, "Previous Draft Consensus Statement: The previous draft.")
	assert.Contains(t, reqs[0].Prompt, "Critique Person 1: c one\nCritique Person 2: c two")
}

func TestCoTGeneratorPropagatesClientError(t *testing.T) {
	client := &llm.ScriptedClient{}
	client.PushErr(errors.New("backend down"))
	gen := &CoTGenerator{Client: client, Retries: 3}

	_, err := gen.GenerateStatement(context.Background(), GenerateInput{
		Question: "Q",
		Opinions: []string{"O"},
	})
	require.Error(t, err)
	assert.ErrorContains(t, err, "sample statement")
	assert.ErrorContains(t, err, "backend down")
	assert.Len(t, client.Requests(), 1)
}

func TestCoTGeneratorNegativeRetries(t *testing.T) {
	gen := &CoTGenerator{Client: &llm.ScriptedClient{}, Retries: -1}
	_, err := gen.GenerateStatement(context.Background(), GenerateInput{
		Question: "Q",
		Opinions: []string{"O"},
	})
	assert.ErrorContains(t, err, "retries")
}

func TestMockGenerator(t *testing.T) {
	res, err := MockGenerator{}.GenerateStatement(context.Background(), GenerateInput{
		Question: "Q",
		Opinions: []string{"o1", "o2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Q\no1\no2", res.Statement)
	assert.Equal(t, "Mock statement joining all inputs.", res.Explanation)

	res, err = MockGenerator{}.GenerateStatement(context.Background(), GenerateInput{
		Question:       "Q",
		Opinions:       []string{"o1", "o2"},
		PreviousWinner: "w",
		Critiques:      []string{"c1", "c2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Q\no1\no2\nw\nc1\nc2", res.Statement)
}
