package mediator

import (
	"fmt"
	"strings"
)

// Prompt text is part of the tuned behavior of the system: the parsers, the
// retry loop, and the model's output format all hinge on the exact wording.
// Edit with care and keep the answer-envelope instructions in sync with
// parse.go.

const rankingOpinionOnlyTemplate = `Task: As an AI assistant, your job is to rank these statements in the order that the participant would most likely agree with them, based on their opinion. Use Arrow notation for the ranking, where ">" means "preferred to". Ties are NOT allowed and items should be in descending order of preference so you can ONLY use ">" and the letters of the statements in the final ranking. Examples of valid final rankings: B > A, D > A > C > D. B > C > A > E > D.

Please think through this task step-by-step:

1. Analyze the participant's opinion, noting key points and sentiments.
2. Compare each statement to the participant's opinion, considering how well it aligns with or supports their view.
3. Consider any nuances or implications in the statements that might appeal to or repel the participant based on their expressed opinion.
4. Rank the statements accordingly using only ">" and the letters of the statements.

Provide your answer in the following format:
<answer>
[Your step-by-step reasoning and explanation for the ranking]
<sep>
[Final ranking using arrow notation]
</answer>

For example for five statements A, B, C, D and E a valid response could be:
<answer>
1. The participant's opinion emphasizes the importance of environmental protection and the need for immediate action to address climate change.

2. - Statement A directly addresses the urgency of climate action and proposes concrete steps, aligning with the participant's opinion.
   - Statements B and D acknowledge the seriousness of climate change but offer less concrete solutions. B focuses on global cooperation, while D emphasizes economic considerations.
   - Statement C downplays the urgency of climate change, contradicting the participant's stance.
   - Statement E completely opposes the participant's view by denying the existence of climate change.

3.  The participant's emphasis on immediate action suggests a preference for proactive solutions and a dislike for approaches that downplay the issue or offer only abstract ideas.

4. Based on this analysis, the ranking is: A > D > B > C > E

<sep>
A > D > B > C > E
</answer>

It is important to follow the template EXACTLY. So ALWAYS start with <answer>, then the explanation, then <sep> then only the final ranking and then </answer>.


Below you will find the question and the participant's opinion. You will also find a list of statements to rank.

Question: %s

Participant's Opinion: %s

Statements to rank:
`

const rankingCritiqueTemplate = `As an AI assistant, your job is to rank these statements in the order that the participant would most likely agree with them, based on their opinion and critique to a summary statement from a previous discussion round. Use Arrow notation for the ranking, where ">" means "preferred to". Ties are NOT allowed and items should be in descending order of preference so you can ONLY use ">" and the letters of the statements in the ranking. Examples of valid rankings: B > A, D > A > C > B. B > C > A > E > D.

Please think through this task step-by-step:

1. Analyze the participant's opinion and critique, noting key points and sentiments.
2. Analyze the critique to the summary statement from the previous discussion round.
3. Compare each statement to the participant's opinion and critique, considering how well it aligns with or supports their view.
4. Consider any nuances or implications in the statements that might appeal to or repel the participant based on their expressed opinion.
5. Rank the statements accordingly using only ">" and the letters of the statements.

Provide your answer in the following format:
<answer>
[Your step-by-step reasoning and explanation for the ranking]
<sep>
[Final ranking using arrow notation]
</answer>

For example for five statements A, B, C, D and E a valid response could be:
<answer>
1. The participant's opinion emphasizes the importance of environmental protection and the need for immediate action to address climate change. The critique of the previous winner highlights that it failed to offer specific solutions.

2. The critique emphasizes the need for concrete solutions to address climate change, indicating that the participant values action-oriented approaches.

3. - Statement A directly addresses the urgency of climate action and proposes concrete steps, aligning with both the participant's opinion and critique.
  - Statements B and D acknowledge the seriousness of climate change but offer less concrete solutions. B focuses on global cooperation, while D emphasizes economic considerations.
  - Statement C downplays the urgency of climate change, contradicting the participant's stance.
  - Statement E completely opposes the participant's view by denying the existence of climate change.

4.  The participant's emphasis on immediate action suggests a preference for proactive solutions and a dislike for approaches that downplay the issue or offer only abstract ideas.

5. Based on this analysis, the ranking is: A > D > B > C > E

<sep>
A > D > B > C > E
</answer>

It is important to follow the template EXACTLY. So ALWAYS start with <answer>, then the explanation, then <sep> then only the final ranking and then </answer>.


Below you will find the question, the participant's opinion, the statement from the previous round, and a critique of that statement. You will also find a list of statements to rank.

Question: %s

Participant's Opinion: %s

Statement from previous round: %s

Critique: %s

Statements to rank:
`

// rankingPrompt builds the chain-of-thought ranking prompt. Statements are
// enumerated A, B, C, ... in the order given; previousWinner selects the
// critique-round variant.
func rankingPrompt(question, opinion string, statements []string, previousWinner, critique string) string {
	var b strings.Builder
	if previousWinner == "" {
		fmt.Fprintf(&b, rankingOpinionOnlyTemplate, question, opinion)
	} else {
		fmt.Fprintf(&b, rankingCritiqueTemplate, question, opinion, previousWinner, critique)
	}
	for i, statement := range statements {
		fmt.Fprintf(&b, "%c. %s\n", rune('A'+i), cleanStatement(statement))
	}
	return strings.TrimSpace(b.String())
}

// cleanStatement strips stray whitespace and surrounding quotes that models
// like to wrap statements in.
func cleanStatement(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"`)
	s = strings.Trim(s, "\n")
	return strings.TrimSpace(s)
}

const statementOpinionOnlyTemplate = `You are assisting a citizens' jury in forming an initial consensus opinion on an important question. The jury members have provided their individual opinions. Your role is to generate a draft consensus statement that captures the main points of agreement and represents the collective view of the jury.  The draft statement must not conflict with any of the individual opinions.

Please think through this task step-by-step:

1. Carefully analyze the individual opinions, noting key themes, points of agreement, and areas of disagreement.
2. Based on the analysis, synthesize a concise and clear consensus statement that represents the shared perspective of the jury members.  Address the core issue posed in the question, and ensure the statement *does not conflict* with any of the individual opinions.  Refer to specific opinion numbers to demonstrate how the draft reflects the collective view.

Provide your answer in the following format:
<answer>
[Your step-by-step reasoning and explanation for the statement]
<sep>
[Draft consensus statement]
</answer>

Example:
<answer>
1. Most opinions emphasize the importance of public transportation (Opinions 1, 3, 4) and reducing car dependency (Opinions 2, 4). Some also mention cycling and walking as important additions (Opinions 2, 3).
2. The draft statement prioritizes investment in public transport and encourages cycling and walking, reflecting the shared views expressed in the majority of opinions.
<sep>
We believe that investing in public transport, along with promoting cycling and walking, are crucial steps towards creating a more sustainable and livable city.
</answer>


Below you will find the question and the individual opinions of the jury members.

Question: %s

Individual Opinions:
`

const statementCritiqueTemplate = `You are assisting a citizens' jury in forming a consensus opinion on an important question. The jury members have provided their individual opinions, a first draft of a consensus statement was created, and critiques of that draft were gathered. Your role is to generate a revised consensus statement that incorporates the feedback and aims to better represent the collective view of the jury.  Ensure the revised statement does not conflict with the individual opinions.

Please think through this task step-by-step:

1. Carefully analyze the individual opinions, noting key themes, points of agreement, and areas of disagreement.
2. Review the previous draft consensus statement and identify its strengths and weaknesses.
3. Analyze the critiques of the previous draft, paying attention to specific suggestions and concerns raised by the jury members.
4. Based on the opinions, the previous draft, and the critiques, synthesize a revised consensus statement that addresses the concerns raised and better reflects the collective view of the jury. Ensure the statement is clear, concise, addresses the core issue posed in the question, and *does not conflict* with any of the individual opinions.  Refer to specific opinion and critique numbers when making your revisions.

Provide your answer in the following format:
<answer>
[Your step-by-step reasoning and explanation for the revised statement]
<sep>
[Revised consensus statement]
</answer>

Example:
<answer>
1. Opinions generally agree on the need for more green spaces (Opinions 1, 2, 3), but disagree on the specific location (Opinions 2 and 3 prefer the riverfront) and funding (Opinion 1 suggests a tax levy, Opinion 3 suggests private donations).
2. The previous draft suggested converting the old factory site into a park, but didn't address funding, which was a key concern in Critique 1.
3. Critiques highlighted the lack of funding details (Critique 1) and some preferred a different location (Critique 2 suggested the riverfront, echoing Opinion 2).
4. The revised statement proposes converting the old factory site into a park, funded by a combination of city funds and private donations (addressing Opinion 3 and Critique 1), and includes a plan for community input on park design and amenities. The factory site is chosen as a compromise location, as it avoids the higher costs associated with the riverfront development suggested in Opinion 2 and Critique 2.
<sep>
We propose converting the old factory site into a park, funded by a combination of city funds and private donations. We will actively seek community input on the park's design and amenities to ensure it meets the needs of our residents.
</answer>


Below you will find the question, the individual opinions, the previous draft consensus statement, and the critiques provided by the jury members.


Question: %s

Individual Opinions:
`

// statementPrompt builds the chain-of-thought consensus-statement prompt.
// Opinions (and critiques, on refinement rounds) are enumerated per person in
// the order given; previousWinner selects the refinement variant.
func statementPrompt(question string, opinions []string, previousWinner string, critiques []string) string {
	var b strings.Builder
	if previousWinner == "" {
		fmt.Fprintf(&b, statementOpinionOnlyTemplate, question)
		for i, opinion := range opinions {
			fmt.Fprintf(&b, "Opinion Person %d: %s\n", i+1, opinion)
		}
	} else {
		fmt.Fprintf(&b, statementCritiqueTemplate, question)
		for i, opinion := range opinions {
			fmt.Fprintf(&b, "Opinion Person %d: %s\n", i+1, opinion)
		}
		fmt.Fprintf(&b, "\nPrevious Draft Consensus Statement: %s\n\nCritiques of the Previous Draft:\n", previousWinner)
		for i, critique := range critiques {
			fmt.Fprintf(&b, "Critique Person %d: %s\n", i+1, critique)
		}
	}
	return strings.TrimSpace(b.String())
}
