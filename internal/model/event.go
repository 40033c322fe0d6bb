package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the category of a deliberation event.
type EventType string

const (
	// Lifecycle events.
	EventDeliberationCreated EventType = "DeliberationCreated"
	EventStageAdvanced       EventType = "StageAdvanced"
	EventRoundCompleted      EventType = "RoundCompleted"
	EventRoundFailed         EventType = "RoundFailed"
	// EventDeliberationDeleted is broadcast to live subscribers only; the
	// event log is removed with the deliberation, so it is never stored.
	EventDeliberationDeleted EventType = "DeliberationDeleted"

	// Submission events.
	EventOpinionSubmitted  EventType = "OpinionSubmitted"
	EventRankingSubmitted  EventType = "RankingSubmitted"
	EventCritiqueSubmitted EventType = "CritiqueSubmitted"
	EventFeedbackSubmitted EventType = "FeedbackSubmitted"
)

// DeliberationEvent is an append-only entry in a deliberation's event log.
// Events are never mutated; they are removed only by the cascade when the
// deliberation itself is deleted. SequenceNum orders events within one
// deliberation.
type DeliberationEvent struct {
	ID             uuid.UUID      `json:"id"`
	DeliberationID uuid.UUID      `json:"deliberation_id"`
	EventType      EventType      `json:"event_type"`
	SequenceNum    int64          `json:"sequence_num"`
	AgentID        *uuid.UUID     `json:"agent_id,omitempty"` // Nil for engine and system events.
	Payload        map[string]any `json:"payload"`
	OccurredAt     time.Time      `json:"occurred_at"`
	CreatedAt      time.Time      `json:"created_at"`
}

// DeliberationCreatedPayload is the payload for DeliberationCreated events.
type DeliberationCreatedPayload struct {
	Question          string `json:"question"`
	NumCritiqueRounds int    `json:"num_critique_rounds"`
	MaxParticipants   *int   `json:"max_participants,omitempty"`
}

// StageAdvancedPayload is the payload for StageAdvanced events.
type StageAdvancedPayload struct {
	From  Stage `json:"from"`
	To    Stage `json:"to"`
	Round int   `json:"round"`
}

// RoundCompletedPayload is the payload for RoundCompleted events.
type RoundCompletedPayload struct {
	Round         int       `json:"round"`
	NumCandidates int       `json:"num_candidates"`
	WinnerID      uuid.UUID `json:"winner_id"`
	DurationMs    int64     `json:"duration_ms"`
	ModelCalls    int       `json:"model_calls,omitempty"`
}

// RoundFailedPayload is the payload for RoundFailed events.
type RoundFailedPayload struct {
	Round int    `json:"round"`
	Error string `json:"error"`
}

// OpinionSubmittedPayload is the payload for OpinionSubmitted events.
type OpinionSubmittedPayload struct {
	OpinionID uuid.UUID `json:"opinion_id"`
	Count     int       `json:"count"`
}

// RankingSubmittedPayload is the payload for RankingSubmitted events.
type RankingSubmittedPayload struct {
	RankingID uuid.UUID `json:"ranking_id"`
	Round     int       `json:"round"`
	Count     int       `json:"count"`
}

// CritiqueSubmittedPayload is the payload for CritiqueSubmitted events.
type CritiqueSubmittedPayload struct {
	CritiqueID uuid.UUID `json:"critique_id"`
	Round      int       `json:"round"`
	Count      int       `json:"count"`
}

// FeedbackSubmittedPayload is the payload for FeedbackSubmitted events.
type FeedbackSubmittedPayload struct {
	FeedbackID     uuid.UUID `json:"feedback_id"`
	AgreementLevel int       `json:"agreement_level"`
	Count          int       `json:"count"`
}

// EventPayload converts a typed payload into the generic map stored on a
// DeliberationEvent, via its JSON form.
func EventPayload(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{}
	}
	return m
}
