package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/togi/internal/ctxutil"
	"github.com/ashita-ai/togi/internal/model"
	"github.com/ashita-ai/togi/internal/register"
	"github.com/ashita-ai/togi/internal/service/deliberation"
)

func (s *Server) registerTools() {
	// create_deliberation — open a new deliberation on a question.
	s.mcpServer.AddTool(
		mcplib.NewTool("create_deliberation",
			mcplib.WithDescription(`Open a new deliberation on a question.

WHEN TO USE:
- A group of agents (or the people behind them) needs to settle a contested question with one statement everyone can live with.
- You are orchestrating sub-agents and want a structured way to merge their positions.

HOW IT WORKS:
Participants submit free-text opinions. A mediation model drafts candidate
consensus statements from them, participants rank the candidates, the social
choice winner takes critique, and revised candidates go through further
rounds until a final statement is chosen and rated.

WHAT YOU GET BACK: the deliberation in the opinion stage. Share its id with
the participants. Creating does not make you a participant; join by
submitting an opinion like everyone else.`),
			mcplib.WithString("question",
				mcplib.Description("The question to deliberate, 10 to 1000 characters. Phrase it so a single statement can answer it."),
				mcplib.Required(),
			),
			mcplib.WithNumber("max_participants",
				mcplib.Description("Cap on participants. Opinions are rejected once the cap is reached. Omit for no cap."),
				mcplib.Min(2),
				mcplib.Max(100),
			),
			mcplib.WithNumber("num_critique_rounds",
				mcplib.Description("How many critique and revision rounds to run after the first ranking. Defaults to 1."),
				mcplib.Min(1),
				mcplib.Max(5),
				mcplib.DefaultNumber(1),
			),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleCreateDeliberation,
	)

	// join — mint a fresh agent identity.
	s.mcpServer.AddTool(
		mcplib.NewTool("join",
			mcplib.WithDescription(`Mint a fresh agent identity and bearer token.

WHEN TO USE:
- You are orchestrating sub-agents and each one needs its own identity so its opinions and rankings count separately. One agent, one voice.

WHAT YOU GET BACK: the new agent and its token (tg_ prefix). The token
authenticates REST and MCP calls for that agent and is shown only once.
Your own credentials are not changed; hand the token to the sub-agent that
will use it.`),
			mcplib.WithString("name",
				mcplib.Description("Machine name for the agent, e.g. \"policy-researcher\"."),
				mcplib.Required(),
			),
			mcplib.WithString("human_name",
				mcplib.Description("Name of the person or team the agent speaks for."),
				mcplib.Required(),
			),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleJoin,
	)

	// submit_opinion — join a deliberation by stating a position.
	s.mcpServer.AddTool(
		mcplib.NewTool("submit_opinion",
			mcplib.WithDescription(`Submit your opinion on a deliberation's question. This is how you join: your first opinion makes you a participant.

WHEN TO USE:
- The deliberation is in the opinion stage (check with get_deliberation).

RULES:
- One opinion per agent per deliberation. Repeats are rejected as DUPLICATE_SUBMISSION.
- 10 to 5000 characters. State your actual position and the reasons behind it; the candidate statements are drafted from these texts, so what you leave out cannot be represented.`),
			mcplib.WithString("deliberation_id",
				mcplib.Description("UUID of the deliberation."),
				mcplib.Required(),
			),
			mcplib.WithString("text",
				mcplib.Description("Your position on the question, with reasons."),
				mcplib.Required(),
			),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleSubmitOpinion,
	)

	// submit_ranking — preference order over the current round's candidates.
	s.mcpServer.AddTool(
		mcplib.NewTool("submit_ranking",
			mcplib.WithDescription(`Submit your preference order over the current round's candidate statements.

WHEN TO USE:
- The deliberation is in the ranking stage. Call get_deliberation first; its current_statements field carries the ids to rank.

RULES:
- Rank every candidate exactly once, ranks 1 to K, where 1 is best. Missing, repeated, or out-of-range ranks are rejected as INVALID_RANKING.
- Rank by how well each statement speaks for the whole group, not by how closely it matches your own opinion.
- One ranking per agent per round.`),
			mcplib.WithString("deliberation_id",
				mcplib.Description("UUID of the deliberation."),
				mcplib.Required(),
			),
			mcplib.WithArray("rankings",
				mcplib.Description(`Complete preference order, e.g. [{"statement_id": "...", "rank": 1}, {"statement_id": "...", "rank": 2}]`),
				mcplib.Required(),
				mcplib.Items(map[string]any{
					"type": "object",
					"properties": map[string]any{
						"statement_id": map[string]any{"type": "string", "description": "Candidate statement UUID"},
						"rank":         map[string]any{"type": "number", "description": "Position in your order, 1 is best"},
					},
					"required": []string{"statement_id", "rank"},
				}),
			),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleSubmitRanking,
	)

	// submit_critique — objection to the round winner.
	s.mcpServer.AddTool(
		mcplib.NewTool("submit_critique",
			mcplib.WithDescription(`Critique the current round's winning statement.

WHEN TO USE:
- The deliberation is in the critique stage.

Your critique binds to the statement that is the winner right now, and the
mediation model reads every critique when drafting the next round's
candidates. Name what the winner gets wrong or leaves out; vague approval
wastes the round. One critique per agent per round, 10 to 5000 characters.`),
			mcplib.WithString("deliberation_id",
				mcplib.Description("UUID of the deliberation."),
				mcplib.Required(),
			),
			mcplib.WithString("text",
				mcplib.Description("What the winning statement gets wrong or leaves out."),
				mcplib.Required(),
			),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleSubmitCritique,
	)

	// submit_feedback — rate the final statement.
	s.mcpServer.AddTool(
		mcplib.NewTool("submit_feedback",
			mcplib.WithDescription(`Rate the final consensus statement once the deliberation has concluded.

WHEN TO USE:
- The deliberation is in the concluded stage and get_deliberation's next_action asks for your rating.

agreement_level runs from 1 (reject) to 5 (fully endorse). Be honest; the
mean agreement is the deliberation's headline result. Once every participant
has rated, the deliberation finalizes. One rating per agent.`),
			mcplib.WithString("deliberation_id",
				mcplib.Description("UUID of the deliberation."),
				mcplib.Required(),
			),
			mcplib.WithNumber("agreement_level",
				mcplib.Description("1 (reject) to 5 (fully endorse)."),
				mcplib.Min(1),
				mcplib.Max(5),
				mcplib.Required(),
			),
			mcplib.WithString("text",
				mcplib.Description("Optional comment on the final statement."),
			),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleSubmitFeedback,
	)

	// get_deliberation — full state plus guidance.
	s.mcpServer.AddTool(
		mcplib.NewTool("get_deliberation",
			mcplib.WithDescription(`Fetch the full state of a deliberation: stage, everything submitted so far, and what you should do next.

WHEN TO USE:
- Before every submission, to see the stage and the current round's statement ids.
- While waiting for other participants, to poll for the stage to advance.

WHAT YOU GET BACK: the deliberation, all opinions, statements, rankings,
critiques, and feedback, plus a summary line and a next_action naming the
exact tool call for your situation. During the ranking stage the
current_statements field lists the candidates to rank, winner first.`),
			mcplib.WithString("deliberation_id",
				mcplib.Description("UUID of the deliberation."),
				mcplib.Required(),
			),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleGetDeliberation,
	)
}

// annotatedDetail is the get_deliberation payload: the full detail plus
// agent-facing guidance fields.
type annotatedDetail struct {
	model.DeliberationDetail
	Summary           string           `json:"summary"`
	NextAction        string           `json:"next_action"`
	CurrentStatements []map[string]any `json:"current_statements,omitempty"`
}

// callerAgent resolves the authenticated agent placed on the request
// context by the HTTP auth middleware. Tool calls run on the transport
// request's context, so the agent travels with it.
func callerAgent(ctx context.Context) (model.Agent, *mcplib.CallToolResult) {
	agent, ok := ctxutil.AgentFromContext(ctx)
	if !ok {
		return model.Agent{}, errorResult("authentication required: connect with an agent token (tg_...) or an agent JWT")
	}
	return agent, nil
}

// deliberationIDArg parses the deliberation_id argument.
func deliberationIDArg(request mcplib.CallToolRequest) (uuid.UUID, *mcplib.CallToolResult) {
	raw := strings.TrimSpace(request.GetString("deliberation_id", ""))
	if raw == "" {
		return uuid.Nil, errorResult("deliberation_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errorResult("deliberation_id must be a UUID")
	}
	return id, nil
}

func (s *Server) handleCreateDeliberation(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	agent, errRes := callerAgent(ctx)
	if errRes != nil {
		return errRes, nil
	}

	req := model.CreateDeliberationRequest{
		Question:          request.GetString("question", ""),
		NumCritiqueRounds: request.GetInt("num_critique_rounds", 0),
	}
	if maxP := request.GetInt("max_participants", 0); maxP > 0 {
		req.MaxParticipants = &maxP
	}

	d, err := s.delib.Create(ctx, agent, req)
	if err != nil {
		return domainError(err), nil
	}
	s.logger.Info("mcp: deliberation created", "deliberation_id", d.ID, "agent_id", agent.ID)

	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal deliberation: %w", err)
	}
	return textResult(string(data)), nil
}

// handleJoin needs no caller identity: it mints a new one. The transport
// still requires a bearer to reach the endpoint, mirroring how the REST
// registration route is the only open path.
func (s *Server) handleJoin(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	res, err := s.agents.Register(ctx, register.Input{
		Name:      request.GetString("name", ""),
		HumanName: request.GetString("human_name", ""),
	})
	if err != nil {
		return domainError(err), nil
	}
	s.logger.Info("mcp: agent joined", "agent_id", res.Agent.ID, "name", res.Agent.Name)

	data, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal registration: %w", err)
	}
	return textResult(string(data)), nil
}

func (s *Server) handleSubmitOpinion(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	agent, errRes := callerAgent(ctx)
	if errRes != nil {
		return errRes, nil
	}
	id, errRes := deliberationIDArg(request)
	if errRes != nil {
		return errRes, nil
	}

	opinion, err := s.delib.SubmitOpinion(ctx, agent, id, model.SubmitOpinionRequest{
		Text: request.GetString("text", ""),
	})
	if err != nil {
		return domainError(err), nil
	}

	data, err := json.Marshal(opinion)
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal opinion: %w", err)
	}
	return textResult(string(data)), nil
}

func (s *Server) handleSubmitRanking(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	agent, errRes := callerAgent(ctx)
	if errRes != nil {
		return errRes, nil
	}
	id, errRes := deliberationIDArg(request)
	if errRes != nil {
		return errRes, nil
	}

	var args struct {
		Rankings []model.StatementRank `json:"rankings"`
	}
	if err := request.BindArguments(&args); err != nil {
		return errorResult("rankings must be an array of {statement_id, rank} objects with statement_id as a UUID string"), nil
	}
	if len(args.Rankings) == 0 {
		return errorResult("rankings is required and must cover every current statement"), nil
	}

	ranking, err := s.delib.SubmitRanking(ctx, agent, id, model.SubmitRankingRequest{
		StatementRankings: args.Rankings,
	})
	if err != nil {
		return s.submissionNudge(agent.ID, id, err), nil
	}

	data, err := json.Marshal(ranking)
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal ranking: %w", err)
	}
	return textResult(string(data)), nil
}

func (s *Server) handleSubmitCritique(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	agent, errRes := callerAgent(ctx)
	if errRes != nil {
		return errRes, nil
	}
	id, errRes := deliberationIDArg(request)
	if errRes != nil {
		return errRes, nil
	}

	critique, err := s.delib.SubmitCritique(ctx, agent, id, model.SubmitCritiqueRequest{
		Text: request.GetString("text", ""),
	})
	if err != nil {
		return s.submissionNudge(agent.ID, id, err), nil
	}

	data, err := json.Marshal(critique)
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal critique: %w", err)
	}
	return textResult(string(data)), nil
}

func (s *Server) handleSubmitFeedback(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	agent, errRes := callerAgent(ctx)
	if errRes != nil {
		return errRes, nil
	}
	id, errRes := deliberationIDArg(request)
	if errRes != nil {
		return errRes, nil
	}

	req := model.SubmitFeedbackRequest{
		AgreementLevel: request.GetInt("agreement_level", 0),
	}
	if text := request.GetString("text", ""); text != "" {
		req.Text = &text
	}

	feedback, err := s.delib.SubmitFeedback(ctx, agent, id, req)
	if err != nil {
		return domainError(err), nil
	}

	data, err := json.Marshal(feedback)
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal feedback: %w", err)
	}
	return textResult(string(data)), nil
}

func (s *Server) handleGetDeliberation(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	agent, errRes := callerAgent(ctx)
	if errRes != nil {
		return errRes, nil
	}
	id, errRes := deliberationIDArg(request)
	if errRes != nil {
		return errRes, nil
	}

	detail, err := s.delib.Detail(ctx, id)
	if err != nil {
		return domainError(err), nil
	}
	s.fetches.Record(agent.ID, id)

	out := annotatedDetail{
		DeliberationDetail: detail,
		Summary:            stageSummary(detail, agent.ID),
		NextAction:         nextAction(detail, agent.ID),
	}
	if detail.Deliberation.Stage == model.StageRanking {
		for _, st := range currentRoundStatements(detail) {
			out.CurrentStatements = append(out.CurrentStatements, compactStatement(st))
		}
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal detail: %w", err)
	}
	return textResult(string(data)), nil
}

// submissionNudge renders a ranking or critique error, appending a pointer
// to get_deliberation when the caller is submitting against a round it
// never fetched. Stale statement ids and stage surprises both trace back to
// skipping that call.
func (s *Server) submissionNudge(agentID, deliberationID uuid.UUID, err error) *mcplib.CallToolResult {
	msg := domainMessage(err)
	code := deliberation.CodeOf(err)
	if (code == model.ErrCodeStageMismatch || code == model.ErrCodeInvalidRanking) &&
		!s.fetches.WasFetched(agentID, deliberationID) {
		msg += " Call get_deliberation first to see the stage and the current round's statement ids."
	}
	return errorResult(msg)
}
