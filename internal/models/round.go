package models

import (
	"time"

	"github.com/google/uuid"
)

// RoundStatus defines the phase of a round.
type RoundStatus string

const (
	RoundStatusLobby   RoundStatus = "LOBBY"
	RoundStatusSuggest RoundStatus = "SUGGEST"
	RoundStatusVote    RoundStatus = "VOTE"
	RoundStatusResult  RoundStatus = "RESULT"
)

// Round represents one suggest → vote → result cycle within a session.
// Round numbers strictly increase per session; at most one round is active.
type Round struct {
	ID                 uuid.UUID   `json:"id"`
	SessionID          uuid.UUID   `json:"session_id"`
	Number             int         `json:"number"`
	Status             RoundStatus `json:"status"`
	StartedAt          time.Time   `json:"started_at"`
	EndsAt             *time.Time  `json:"ends_at,omitempty"`
	WinnerSuggestionID *uuid.UUID  `json:"winner_suggestion_id,omitempty"`
}
