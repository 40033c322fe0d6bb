package mediator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ashita-ai/togi/internal/llm"
)

// GenerateInput asks for one candidate consensus statement. PreviousWinner
// and Critiques are empty on the opinion round; on refinement rounds
// Critiques is aligned with Opinions.
type GenerateInput struct {
	Question       string
	Opinions       []string
	PreviousWinner string
	Critiques      []string
	Seed           int64
}

// StatementResult carries the generated statement and the model's reasoning.
// Statement may be empty when generation failed within the retry budget;
// Explanation then holds the failure reason.
type StatementResult struct {
	Statement   string
	Explanation string
}

// Generator produces candidate consensus statements. Implementations return
// an error only for infrastructure failures; an unusable model response
// yields an empty Statement instead.
type Generator interface {
	GenerateStatement(ctx context.Context, in GenerateInput) (StatementResult, error)
}

// Statements this short are noise ("Yes.", "Agreed") and are retried.
const minStatementLen = 5

// CoTGenerator prompts the text model with chain-of-thought instructions and
// parses the statement from the answer envelope. Each unusable response is
// retried with the seed advanced by one.
type CoTGenerator struct {
	Client llm.Client
	// Retries is the total number of attempts; it must be at least 1 for any
	// sampling to happen.
	Retries int
}

func (g *CoTGenerator) GenerateStatement(ctx context.Context, in GenerateInput) (StatementResult, error) {
	if g.Retries < 0 {
		return StatementResult{}, errors.New("mediator: retries must be at least 0")
	}

	prompt := statementPrompt(in.Question, in.Opinions, in.PreviousWinner, in.Critiques)

	var last StatementResult
	for attempt := 0; attempt < g.Retries; attempt++ {
		seed := in.Seed + int64(attempt)
		response, err := g.Client.SampleText(ctx, llm.Request{
			Prompt:      prompt,
			Terminators: []string{"</answer>"},
			Seed:        &seed,
		})
		if err != nil {
			return StatementResult{}, fmt.Errorf("mediator: sample statement: %w", err)
		}

		statement, explanation := parseStatementResponse(response)
		last = StatementResult{Statement: statement, Explanation: explanation}
		if len(statement) > minStatementLen && !strings.Contains(explanation, "INCORRECT") {
			return last, nil
		}
	}
	// Out of budget: hand back whatever the final attempt produced. The
	// caller accepts even an empty statement; one lost candidate is
	// recoverable, a failed round is not.
	return last, nil
}

// MockGenerator joins all inputs into one statement. Useful for exercising
// the round pipeline without a text model.
type MockGenerator struct{}

func (MockGenerator) GenerateStatement(_ context.Context, in GenerateInput) (StatementResult, error) {
	parts := append([]string{in.Question}, in.Opinions...)
	if in.PreviousWinner != "" {
		parts = append(parts, in.PreviousWinner)
		parts = append(parts, in.Critiques...)
	}
	return StatementResult{
		Statement:   strings.Join(parts, "\n"),
		Explanation: "Mock statement joining all inputs.",
	}, nil
}

var (
	_ Generator = (*CoTGenerator)(nil)
	_ Generator = MockGenerator{}
)
