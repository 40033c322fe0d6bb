// Package model defines the core domain types for Togi.
//
// All types correspond directly to database tables and API payloads. Types
// use strong typing (UUIDs, time.Time, enums); the only opaque value is the
// free-form metadata attached to deliberations and statements.
package model

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Stage is the lifecycle state of a deliberation. Lowercase on the wire.
type Stage string

const (
	// StageOpinion collects one opinion per participant.
	StageOpinion Stage = "opinion"
	// StageRanking collects one ranking of the current round's candidate
	// statements per participant.
	StageRanking Stage = "ranking"
	// StageCritique collects one critique of the current round's winner per
	// participant.
	StageCritique Stage = "critique"
	// StageConcluded has a final statement and collects human feedback.
	StageConcluded Stage = "concluded"
	// StageFinalized is terminal; results are visible.
	StageFinalized Stage = "finalized"
)

// StageRank returns the position of a stage along the lifecycle
// opinion -> ranking -> critique -> concluded -> finalized. A deliberation
// only ever advances (critique->ranking re-entry bumps the round counter
// instead). Unknown stages rank below everything.
func StageRank(s Stage) int {
	switch s {
	case StageOpinion:
		return 1
	case StageRanking:
		return 2
	case StageCritique:
		return 3
	case StageConcluded:
		return 4
	case StageFinalized:
		return 5
	default:
		return 0
	}
}

// ValidStage reports whether s is one of the five lifecycle stages.
func ValidStage(s Stage) bool {
	return StageRank(s) > 0
}

// Deliberation is a deliberation session and its state-machine bookkeeping.
// CurrentRound is 0-indexed: round 0 is the opinion round, rounds
// 1..NumCritiqueRounds are critique rounds.
type Deliberation struct {
	ID                uuid.UUID      `json:"id"`
	Question          string         `json:"question"`
	Stage             Stage          `json:"stage"`
	CreatedBy         uuid.UUID      `json:"created_by"`
	ParticipantCount  int            `json:"participant_count"`
	MaxParticipants   *int           `json:"max_participants,omitempty"`
	NumCritiqueRounds int            `json:"num_critique_rounds"`
	CurrentRound      int            `json:"current_round"`
	Metadata          map[string]any `json:"metadata"`

	// Last round failure, for operator re-checks. Cleared on success.
	LastError   *string    `json:"last_error,omitempty"`
	LastErrorAt *time.Time `json:"last_error_at,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	ConcludedAt *time.Time `json:"concluded_at,omitempty"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`
}

// Field limits for deliberation configuration and free text. Lengths count
// runes, not bytes; deliberations are not English-only.
const (
	MinQuestionLen = 10
	MaxQuestionLen = 1000

	MinSubmissionLen = 10
	MaxSubmissionLen = 5000

	MinParticipants      = 2
	MaxParticipantsLimit = 100

	MinCritiqueRounds = 1
	MaxCritiqueRounds = 5

	MinAgreement = 1
	MaxAgreement = 5

	MaxFeedbackLen = 5000
)

// ValidateQuestion checks the deliberation question length.
func ValidateQuestion(question string) error {
	return validateText("question", question, MinQuestionLen, MaxQuestionLen)
}

// ValidateOpinionText checks an opinion body.
func ValidateOpinionText(text string) error {
	return validateText("text", text, MinSubmissionLen, MaxSubmissionLen)
}

// ValidateCritiqueText checks a critique body.
func ValidateCritiqueText(text string) error {
	return validateText("text", text, MinSubmissionLen, MaxSubmissionLen)
}

// ValidateFeedbackText checks the optional feedback body.
func ValidateFeedbackText(text string) error {
	if utf8.RuneCountInString(text) > MaxFeedbackLen {
		return fmt.Errorf("text must be at most %d characters", MaxFeedbackLen)
	}
	return nil
}

// ValidateAgreement checks a feedback agreement level (1 = strongly
// disagree, 5 = strongly agree).
func ValidateAgreement(level int) error {
	if level < MinAgreement || level > MaxAgreement {
		return fmt.Errorf("agreement_level must be between %d and %d", MinAgreement, MaxAgreement)
	}
	return nil
}

// ValidateMaxParticipants checks the optional participant cap.
func ValidateMaxParticipants(maxParticipants *int) error {
	if maxParticipants == nil {
		return nil
	}
	if *maxParticipants < MinParticipants || *maxParticipants > MaxParticipantsLimit {
		return fmt.Errorf("max_participants must be between %d and %d", MinParticipants, MaxParticipantsLimit)
	}
	return nil
}

// ValidateCritiqueRounds checks the configured number of critique rounds.
func ValidateCritiqueRounds(rounds int) error {
	if rounds < MinCritiqueRounds || rounds > MaxCritiqueRounds {
		return fmt.Errorf("num_critique_rounds must be between %d and %d", MinCritiqueRounds, MaxCritiqueRounds)
	}
	return nil
}

func validateText(field, text string, minLen, maxLen int) error {
	n := utf8.RuneCountInString(text)
	if n < minLen {
		return fmt.Errorf("%s must be at least %d characters", field, minLen)
	}
	if n > maxLen {
		return fmt.Errorf("%s must be at most %d characters", field, maxLen)
	}
	return nil
}
