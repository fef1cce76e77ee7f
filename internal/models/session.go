package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus defines the lifecycle status of a session.
type SessionStatus string

const (
	SessionStatusLobby   SessionStatus = "LOBBY"
	SessionStatusRunning SessionStatus = "RUNNING"
	SessionStatusClosed  SessionStatus = "CLOSED"
)

// Session represents one end-to-end multi-round decision session,
// joined by participants via its join code.
type Session struct {
	ID             uuid.UUID     `json:"id"`
	JoinCode       string        `json:"join_code"`
	Status         SessionStatus `json:"status"`
	CurrentRoundID *uuid.UUID    `json:"current_round_id,omitempty"`
	SuggestSeconds int           `json:"suggest_seconds"`
	VoteSeconds    int           `json:"vote_seconds"`
	AutoAdvance    bool          `json:"auto_advance"`
	// HostSecret is only ever populated for the host's own reads.
	HostSecret string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
