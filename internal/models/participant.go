package models

import (
	"time"

	"github.com/google/uuid"
)

// Participant represents one member of a session. ClientID is stable per
// browser/device; a session holds at most one participant row per client id.
type Participant struct {
	ID          uuid.UUID `json:"id"`
	SessionID   uuid.UUID `json:"session_id"`
	ClientID    string    `json:"client_id"`
	DisplayName string    `json:"display_name"`
	IsHost      bool      `json:"is_host"`
	JoinedAt    time.Time `json:"joined_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	Online      bool      `json:"online"`
}
