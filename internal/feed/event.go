package feed

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// Entity names the record kind a change notification refers to.
type Entity string

const (
	EntitySession     Entity = "session"
	EntityRound       Entity = "round"
	EntityParticipant Entity = "participant"
	EntitySuggestion  Entity = "suggestion"
	EntityVote        Entity = "vote"
	EntityBlock       Entity = "block"
)

// EventType is the mutation kind carried by a notification.
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// Event is the change-feed envelope. Delivery is neither ordered nor
// complete; consumers treat events as hints to update local state, with
// the reconciliation guard correcting anything missed.
type Event struct {
	SessionID uuid.UUID       `json:"session_id"`
	Entity    Entity          `json:"entity"`
	Type      EventType       `json:"event_type"`
	Row       json.RawMessage `json:"row"`
}

// Handler consumes a single change-feed event.
type Handler func(Event)

// Subscription is a live change-feed subscription.
type Subscription interface {
	Unsubscribe() error
}

// Source is a change-feed transport scoped to one session.
type Source interface {
	// Subscribe delivers events for the session to h until the context
	// is cancelled or Unsubscribe is called.
	Subscribe(ctx context.Context, sessionID uuid.UUID, h Handler) (Subscription, error)
	// Ping probes transport liveness for the health monitor.
	Ping(ctx context.Context) error
}
