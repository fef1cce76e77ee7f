package models

import (
	"time"

	"github.com/google/uuid"
)

// Block is the durable record of a round's outcome. Exactly one Block
// exists per round regardless of how many actors attempt its creation;
// that guarantee is enforced by the store, not by callers.
type Block struct {
	ID           uuid.UUID  `json:"id"`
	SessionID    uuid.UUID  `json:"session_id"`
	RoundID      uuid.UUID  `json:"round_id"`
	SuggestionID *uuid.UUID `json:"suggestion_id,omitempty"`
	Text         string     `json:"text"`
	IsTieBreak   bool       `json:"is_tie_break"`
	CreatedAt    time.Time  `json:"created_at"`
}
