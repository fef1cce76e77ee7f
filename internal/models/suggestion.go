package models

import (
	"time"

	"github.com/google/uuid"
)

// Suggestion is a participant's proposal for a round. At most one per
// (round, participant); resubmission replaces the existing row.
type Suggestion struct {
	ID            uuid.UUID `json:"id"`
	RoundID       uuid.UUID `json:"round_id"`
	ParticipantID uuid.UUID `json:"participant_id"`
	Text          string    `json:"text"`
	CreatedAt     time.Time `json:"created_at"`
}

// Vote is a participant's choice for a round. At most one per
// (round, participant); a new vote supersedes the previous choice.
type Vote struct {
	ID            uuid.UUID `json:"id"`
	RoundID       uuid.UUID `json:"round_id"`
	ParticipantID uuid.UUID `json:"participant_id"`
	SuggestionID  uuid.UUID `json:"suggestion_id"`
	CreatedAt     time.Time `json:"created_at"`
}
