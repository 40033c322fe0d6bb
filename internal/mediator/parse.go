package mediator

import (
	"regexp"
	"sort"
	"strings"
)

// Model responses are requested in an answer envelope:
//
//	<answer> reasoning <sep> payload </answer>
//
// For rankings the payload is arrow notation ("B>A=D>C", '>' is strict
// preference, '=' ties). Parsing is lenient where models are sloppy in
// practice (missing opening tag, "Final ranking:" fallback, ranking buried in
// the reasoning) and strict about the arrow string itself.

// Failure reasons returned in place of an explanation. Callers test for the
// shared "INCORRECT" prefix when deciding to retry.
const (
	failureTemplate      = "INCORRECT_TEMPLATE"
	failureArrowRanking  = "INCORRECT_ARROW_RANKING"
	failureRankingLength = "INCORRECT_RANKING_LENGTH"
)

var (
	answerRe       = regexp.MustCompile(`(?s)<answer>\s*(.*?)\s*<sep>\s*(.*?)\s*</answer>`)
	answerNoOpenRe = regexp.MustCompile(`(?s)(.*?)\s*<sep>\s*(.*?)\s*</answer>`)
	envelopeRe     = regexp.MustCompile(`(?s)(?:<answer>\s*)?.*?\s*<sep>\s*.*?\s*</answer>`)
	finalRankingRe = regexp.MustCompile(`(?i)final ranking:\s*(.*)`)

	// Longest run of single capital letters joined by '>' or '='.
	arrowRe = regexp.MustCompile(`\b[A-Z](?:\s*[>=]\s*[A-Z])*\b`)

	whitespaceRe = regexp.MustCompile(`\s+`)
	connectorRe  = regexp.MustCompile(`\s*([>=])\s*`)
	arrowCharsRe = regexp.MustCompile(`^[A-Z>=]+$`)
	letterRe     = regexp.MustCompile(`[A-Z]`)
)

// parseRankingResponse extracts a 0-based rank vector from a raw model
// response. On success the returned explanation is the full response; on
// failure the ranking is nil and the explanation carries a failure reason
// prefixed with INCORRECT_*.
func parseRankingResponse(response string, numStatements int) ([]int, string) {
	var explanation, arrow string
	if envelopeRe.MatchString(response) {
		m := answerRe.FindStringSubmatch(response)
		if m == nil {
			// Some models omit the opening <answer> tag.
			m = answerNoOpenRe.FindStringSubmatch(response)
		}
		if m == nil {
			return nil, failureTemplate + ": " + response
		}
		explanation = strings.TrimSpace(m[1])
		arrow = extractArrowRanking(strings.TrimSpace(m[2]))
	} else {
		// Some models drop the envelope entirely but still emit a line like
		// "Final ranking: B>A=D>C".
		m := finalRankingRe.FindStringSubmatch(response)
		if m == nil {
			return nil, failureTemplate + ": " + response
		}
		explanation = response
		arrow = extractArrowRanking(m[1])
	}

	if arrow == "" || !checkArrowFormat(arrow) {
		// Last resort: the ranking is sometimes only spelled out in the
		// reasoning section.
		arrow = extractArrowRanking(strings.TrimSpace(explanation))
		if arrow == "" || !checkArrowFormat(arrow) {
			return nil, failureArrowRanking + ": " + response
		}
	}

	ranking := arrowToRanking(arrow)
	if len(ranking) != numStatements {
		return nil, failureRankingLength + ": " + response
	}
	return ranking, response
}

// parseStatementResponse extracts (statement, explanation) from the answer
// envelope. Unlike the ranking parser this requires the opening <answer> tag.
func parseStatementResponse(response string) (statement, explanation string) {
	m := answerRe.FindStringSubmatch(response)
	if m == nil {
		return "", failureTemplate
	}
	return strings.TrimSpace(m[2]), strings.TrimSpace(m[1])
}

// extractArrowRanking returns the first arrow-notation run in text with
// spaces removed, or "" if there is none.
func extractArrowRanking(text string) string {
	m := arrowRe.FindString(text)
	if m == "" {
		return ""
	}
	return strings.ReplaceAll(m, " ", "")
}

// checkArrowFormat validates an extracted arrow string: only letters and
// connectors, no empty groups, no '>>' or '=>', no leading or trailing '=',
// and no letter appearing twice.
func checkArrowFormat(arrow string) bool {
	if len(arrow) < 3 {
		return false
	}

	arrow = whitespaceRe.ReplaceAllString(strings.TrimSpace(arrow), " ")
	arrow = connectorRe.ReplaceAllString(arrow, "$1")

	if !arrowCharsRe.MatchString(arrow) {
		return false
	}
	if strings.Contains(arrow, ">>") || strings.Contains(arrow, "=>") ||
		strings.HasPrefix(arrow, "=") || strings.HasSuffix(arrow, "=") {
		return false
	}

	seen := make(map[string]bool)
	for _, group := range strings.Split(arrow, ">") {
		if group == "" {
			return false
		}
		letters := strings.Split(group, "=")
		inGroup := make(map[string]bool, len(letters))
		for _, letter := range letters {
			if inGroup[letter] || seen[letter] {
				return false
			}
			inGroup[letter] = true
		}
		for _, letter := range letters {
			seen[letter] = true
		}
	}
	return true
}

// arrowToRanking converts a validated arrow string into a rank vector indexed
// by the letters in sorted order: "B>A=D>C" yields [1 0 2 1].
func arrowToRanking(arrow string) []int {
	letters := letterRe.FindAllString(arrow, -1)
	unique := make([]string, 0, len(letters))
	seen := make(map[string]bool, len(letters))
	for _, l := range letters {
		if !seen[l] {
			seen[l] = true
			unique = append(unique, l)
		}
	}
	sort.Strings(unique)

	rankOf := make(map[string]int, len(unique))
	for rank, group := range strings.Split(arrow, ">") {
		for _, letter := range strings.Split(group, "=") {
			rankOf[strings.TrimSpace(letter)] = rank
		}
	}

	out := make([]int, len(unique))
	for i, letter := range unique {
		out[i] = rankOf[letter]
	}
	return out
}
