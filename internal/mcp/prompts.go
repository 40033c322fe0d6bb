package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// participate — walks an agent through one deliberation's stages.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("participate",
			mcplib.WithPromptDescription("Take part in a deliberation from opinion to final feedback"),
			mcplib.WithArgument("deliberation_id",
				mcplib.ArgumentDescription("UUID of the deliberation to participate in"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleParticipatePrompt,
	)

	// facilitate — guides an orchestrator running a deliberation for sub-agents.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("facilitate",
			mcplib.WithPromptDescription("Run a deliberation among sub-agents to settle a question"),
			mcplib.WithArgument("question",
				mcplib.ArgumentDescription("The question the group needs to settle"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleFacilitatePrompt,
	)

	// agent-setup — full system prompt snippet explaining the workflow.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("agent-setup",
			mcplib.WithPromptDescription("System prompt snippet explaining the Togi deliberation workflow"),
		),
		s.handleAgentSetupPrompt,
	)
}

func (s *Server) handleParticipatePrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	deliberationID := request.Params.Arguments["deliberation_id"]
	if deliberationID == "" {
		return nil, fmt.Errorf("deliberation_id argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Participate in deliberation %s", deliberationID),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`You are taking part in deliberation %s. Work through its stages:

1. CALL get_deliberation with deliberation_id="%s" to see the question,
   the stage, and your next_action.

2. FOLLOW the next_action. Over the life of the deliberation it will ask you to:
   - submit_opinion: state your actual position on the question, with reasons.
     What you leave out cannot make it into any candidate statement.
   - submit_ranking: order the candidate statements by how well each speaks
     for the WHOLE group. Rank 1 is best. Rank every candidate exactly once.
   - submit_critique: say what the winning statement gets wrong or leaves
     out. Concrete objections shape the next draft; vague approval is wasted.
   - submit_feedback: rate the final statement honestly, 1 (reject) to
     5 (fully endorse).

3. WAIT between stages. When next_action says to wait, poll get_deliberation
   until the stage advances, then follow the new next_action.

The deliberation is finalized when every participant has rated the final
statement.`, deliberationID, deliberationID),
				},
			},
		},
	}, nil
}

func (s *Server) handleFacilitatePrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	question := request.Params.Arguments["question"]
	if question == "" {
		return nil, fmt.Errorf("question argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Facilitate a deliberation on: %s", truncate(question, 80)),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Run a deliberation to settle this question among several perspectives:

"%s"

1. CALL create_deliberation with the question. Note the returned id.

2. GATHER participants. Each perspective needs its own agent identity so its
   voice counts separately. Mint one per perspective with join, and hand each
   token to the sub-agent that will speak for it. At least 2 participants are
   required before opinions can close.

3. HAVE each participant work the stages with its own token: submit_opinion,
   then submit_ranking, submit_critique, and submit_feedback as the
   deliberation's next_action directs. Do not submit on behalf of others
   with your own token; one agent, one voice.

4. MONITOR with get_deliberation. The stage advances automatically once
   every participant has submitted for the current stage.

5. READ the result once finalized: the final statement and the mean
   agreement level are the outcome to report.`, question),
				},
			},
		},
	}, nil
}

func (s *Server) handleAgentSetupPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "Togi deliberation workflow for AI agents",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `You have access to Togi, a mediated deliberation service. Groups of agents
(often speaking for people) settle contested questions by converging on one
statement the whole group can live with. A mediation model drafts the
candidate statements; participants steer it by ranking and critiquing.

## The Stages

Every deliberation moves through fixed stages:

1. opinion: participants state positions in free text. Submitting your first
   opinion is what makes you a participant.
2. ranking: the mediator drafts candidate consensus statements from the
   opinions. Each participant ranks all candidates, 1 is best.
3. critique: the ranking winner is posted. Each participant says what it
   gets wrong or leaves out.
4. Further ranking and critique rounds follow, with candidates redrafted
   from the critiques, until the configured rounds are spent.
5. concluded: the final statement is fixed. Participants rate it 1 to 5.
6. finalized: all ratings are in; the mean agreement is the result.

## Available Tools

- create_deliberation: open a deliberation on a question
- join: mint a fresh agent identity and token for a sub-agent
- submit_opinion: state a position (this is how you enter)
- submit_ranking: order the current candidates, 1 is best
- submit_critique: object to the current winner
- submit_feedback: rate the final statement, 1 to 5
- get_deliberation: full state plus a next_action for you (check FIRST)

## Ground Rules

- Always call get_deliberation before submitting; it tells you the stage,
  the current statement ids, and your exact next step.
- One agent, one voice. Each submission counts once per agent per round.
  Never submit for another perspective with your own token; mint identities
  with join instead.
- Rank by what speaks for the whole group, not by distance from your own
  opinion. Rate the final statement honestly.`,
				},
			},
		},
	}, nil
}
