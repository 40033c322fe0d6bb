package mcp

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func promptText(t *testing.T, result *mcplib.GetPromptResult) string {
	t.Helper()
	require.NotEmpty(t, result.Messages, "expected at least one message")
	msg := result.Messages[0]
	assert.Equal(t, mcplib.RoleUser, msg.Role)
	tc, ok := msg.Content.(mcplib.TextContent)
	require.True(t, ok, "message content should be TextContent")
	return tc.Text
}

func TestParticipatePrompt(t *testing.T) {
	id := uuid.New().String()

	result, err := testServer.handleParticipatePrompt(context.Background(), mcplib.GetPromptRequest{
		Params: mcplib.GetPromptParams{
			Name:      "participate",
			Arguments: map[string]string{"deliberation_id": id},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Contains(t, result.Description, id)

	text := promptText(t, result)
	assert.Contains(t, text, id, "prompt should reference the deliberation")
	assert.Contains(t, text, "get_deliberation", "prompt should lead with the state fetch")
	for _, tool := range []string{"submit_opinion", "submit_ranking", "submit_critique", "submit_feedback"} {
		assert.Contains(t, text, tool)
	}
}

func TestParticipatePrompt_MissingID(t *testing.T) {
	_, err := testServer.handleParticipatePrompt(context.Background(), mcplib.GetPromptRequest{
		Params: mcplib.GetPromptParams{Name: "participate"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deliberation_id")
}

func TestFacilitatePrompt(t *testing.T) {
	question := "Should the team standardize on one message broker?"

	result, err := testServer.handleFacilitatePrompt(context.Background(), mcplib.GetPromptRequest{
		Params: mcplib.GetPromptParams{
			Name:      "facilitate",
			Arguments: map[string]string{"question": question},
		},
	})
	require.NoError(t, err)

	text := promptText(t, result)
	assert.Contains(t, text, question)
	assert.Contains(t, text, "create_deliberation")
	assert.Contains(t, text, "join", "facilitator mints identities for sub-agents")
	assert.Contains(t, text, "one voice")
}

func TestFacilitatePrompt_MissingQuestion(t *testing.T) {
	_, err := testServer.handleFacilitatePrompt(context.Background(), mcplib.GetPromptRequest{
		Params: mcplib.GetPromptParams{Name: "facilitate"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "question")
}

func TestAgentSetupPrompt(t *testing.T) {
	result, err := testServer.handleAgentSetupPrompt(context.Background(), mcplib.GetPromptRequest{
		Params: mcplib.GetPromptParams{Name: "agent-setup"},
	})
	require.NoError(t, err)

	text := promptText(t, result)
	for _, tool := range []string{
		"create_deliberation", "join", "submit_opinion", "submit_ranking",
		"submit_critique", "submit_feedback", "get_deliberation",
	} {
		assert.Contains(t, text, tool, "setup prompt should list every tool")
	}
	for _, stage := range []string{"opinion", "ranking", "critique", "concluded", "finalized"} {
		assert.Contains(t, text, stage, "setup prompt should explain every stage")
	}
}
