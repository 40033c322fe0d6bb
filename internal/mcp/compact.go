package mcp

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/togi/internal/model"
)

const maxCompactText = 160

// compactDeliberation returns a minimal representation of a deliberation
// for MCP list responses. Drops internal bookkeeping (metadata, creator,
// timestamps beyond created_at) that browsing agents don't act on.
func compactDeliberation(d model.Deliberation) map[string]any {
	m := map[string]any{
		"id":                  d.ID,
		"question":            truncate(d.Question, maxCompactText),
		"stage":               d.Stage,
		"current_round":       d.CurrentRound,
		"num_critique_rounds": d.NumCritiqueRounds,
		"participant_count":   d.ParticipantCount,
		"created_at":          d.CreatedAt,
	}
	if d.MaxParticipants != nil {
		m["max_participants"] = *d.MaxParticipants
	}
	if d.LastError != nil && *d.LastError != "" {
		m["last_error"] = truncate(*d.LastError, maxCompactText)
	}
	return m
}

// compactStatement returns a candidate statement trimmed for inline tool
// responses. The full text stays in the detail's statements list; this view
// only has to carry enough for an agent to build a ranking.
func compactStatement(st model.Statement) map[string]any {
	m := map[string]any{
		"id":           st.ID,
		"round_number": st.RoundNumber,
		"text":         truncate(st.Text, maxCompactText*2),
	}
	if st.SocialRank != nil {
		m["social_rank"] = *st.SocialRank
	}
	return m
}

// currentRoundStatements returns the current round's candidates ordered by
// social rank where assigned (rank 1 first), then by generation time.
func currentRoundStatements(detail model.DeliberationDetail) []model.Statement {
	var out []model.Statement
	for _, st := range detail.Statements {
		if st.RoundNumber == detail.Deliberation.CurrentRound {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].SocialRank, out[j].SocialRank
		switch {
		case ri != nil && rj != nil && *ri != *rj:
			return *ri < *rj
		case ri != nil && rj == nil:
			return true
		case ri == nil && rj != nil:
			return false
		}
		return out[i].GeneratedAt.Before(out[j].GeneratedAt)
	})
	return out
}

// stageSummary produces a 1-2 sentence synthesis of where the deliberation
// stands and whether the calling agent has acted this stage. Template-based,
// no model dependency.
func stageSummary(detail model.DeliberationDetail, agentID uuid.UUID) string {
	d := detail.Deliberation
	var parts []string

	switch d.Stage {
	case model.StageOpinion:
		if d.MaxParticipants != nil {
			parts = append(parts, fmt.Sprintf("Collecting opinions: %d of %d seats taken.",
				len(detail.Opinions), *d.MaxParticipants))
		} else {
			parts = append(parts, fmt.Sprintf("Collecting opinions: %d submitted.", len(detail.Opinions)))
		}
		if hasOpinion(detail, agentID) {
			parts = append(parts, "Your opinion is in.")
		} else {
			parts = append(parts, "You have not submitted an opinion yet.")
		}

	case model.StageRanking:
		parts = append(parts, fmt.Sprintf("Ranking round %d: %d candidate statements, %d of %d participants have ranked.",
			d.CurrentRound, len(currentRoundStatements(detail)), submissionCount(detail.Rankings, d.CurrentRound), d.ParticipantCount))
		if hasRanked(detail, agentID, d.CurrentRound) {
			parts = append(parts, "Your ranking is in.")
		} else if hasOpinion(detail, agentID) {
			parts = append(parts, "You have not ranked this round.")
		}

	case model.StageCritique:
		parts = append(parts, fmt.Sprintf("Critique round %d: the winning statement is open for critique, %d of %d participants have responded.",
			d.CurrentRound, critiqueCount(detail.Critiques, d.CurrentRound), d.ParticipantCount))
		if hasCritiqued(detail, agentID, d.CurrentRound) {
			parts = append(parts, "Your critique is in.")
		} else if hasOpinion(detail, agentID) {
			parts = append(parts, "You have not critiqued this round.")
		}

	case model.StageConcluded:
		parts = append(parts, fmt.Sprintf("Concluded after %d round(s): the final statement is chosen, %d of %d participants have rated it.",
			d.CurrentRound+1, len(detail.HumanFeedback), d.ParticipantCount))
		if hasFeedback(detail, agentID) {
			parts = append(parts, "Your feedback is in.")
		} else if hasOpinion(detail, agentID) {
			parts = append(parts, "You have not rated it yet.")
		}

	case model.StageFinalized:
		parts = append(parts, fmt.Sprintf("Finalized: %d participants, %d feedback entries recorded.",
			d.ParticipantCount, len(detail.HumanFeedback)))
	}

	return strings.Join(parts, " ")
}

// nextAction names the concrete next tool call for the calling agent given
// the deliberation's stage and what the agent has already submitted.
func nextAction(detail model.DeliberationDetail, agentID uuid.UUID) string {
	d := detail.Deliberation

	if d.Stage != model.StageOpinion && !hasOpinion(detail, agentID) {
		if d.Stage == model.StageFinalized {
			return "Deliberation complete. Read the final statement and feedback from this detail."
		}
		return "This deliberation is past the opinion stage and you are not a participant. Browse open ones via the togi://deliberations/open resource."
	}

	switch d.Stage {
	case model.StageOpinion:
		if !hasOpinion(detail, agentID) {
			return "Submit your position on the question with submit_opinion."
		}
		return "Wait for opinions to close, then call get_deliberation again."

	case model.StageRanking:
		if !hasRanked(detail, agentID, d.CurrentRound) {
			return "Rank every candidate statement with submit_ranking. Rank 1 goes to the statement that best speaks for the whole group, not just for you."
		}
		return "Wait for the remaining participants to rank, then call get_deliberation again."

	case model.StageCritique:
		if !hasCritiqued(detail, agentID, d.CurrentRound) {
			return "Critique the winning statement with submit_critique. Name what it gets wrong or leaves out."
		}
		return "Wait for the remaining participants to critique, then call get_deliberation again."

	case model.StageConcluded:
		if !hasFeedback(detail, agentID) {
			return "Rate the final statement with submit_feedback: agreement_level from 1 (reject) to 5 (endorse)."
		}
		return "Wait for the remaining participants' feedback."

	case model.StageFinalized:
		return "Deliberation complete. Read the final statement and feedback from this detail."
	}
	return ""
}

func hasOpinion(detail model.DeliberationDetail, agentID uuid.UUID) bool {
	for _, o := range detail.Opinions {
		if o.AgentID == agentID {
			return true
		}
	}
	return false
}

func hasRanked(detail model.DeliberationDetail, agentID uuid.UUID, round int) bool {
	for _, r := range detail.Rankings {
		if r.AgentID == agentID && r.RoundNumber == round {
			return true
		}
	}
	return false
}

func hasCritiqued(detail model.DeliberationDetail, agentID uuid.UUID, round int) bool {
	for _, c := range detail.Critiques {
		if c.AgentID == agentID && c.RoundNumber == round {
			return true
		}
	}
	return false
}

func hasFeedback(detail model.DeliberationDetail, agentID uuid.UUID) bool {
	for _, f := range detail.HumanFeedback {
		if f.AgentID == agentID {
			return true
		}
	}
	return false
}

func submissionCount(rankings []model.Ranking, round int) int {
	n := 0
	for _, r := range rankings {
		if r.RoundNumber == round {
			n++
		}
	}
	return n
}

func critiqueCount(critiques []model.Critique, round int) int {
	n := 0
	for _, c := range critiques {
		if c.RoundNumber == round {
			n++
		}
	}
	return n
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
