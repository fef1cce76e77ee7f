package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/jmdev3/conclave/internal/models"
	"github.com/jmdev3/conclave/internal/session"
)

// Actions are the user-initiated operations the gateway relays from
// connected clients into the decision engine.
type Actions interface {
	SubmitSuggestion(ctx context.Context, text string) (*models.Suggestion, error)
	SubmitVote(ctx context.Context, suggestionID uuid.UUID) (*models.Vote, error)
	ResolveTieBreak(ctx context.Context, suggestionID uuid.UUID) error
	CloseSession(ctx context.Context) error
}

// Binding attaches one session's local state and action surface to the
// gateway.
type Binding struct {
	Snaps   *session.Store
	Actions Actions
	// Stuck reports the coordinator's stuck-phase flag for status frames.
	Stuck func() bool
}

const commandTimeout = 10 * time.Second

// Service relays session state to WebSocket clients and client commands
// back into the engine. State is pushed on every snapshot change and
// once per second so countdowns stay live between changes.
type Service struct {
	manager *Manager
	clock   clockwork.Clock

	mu       sync.RWMutex
	bindings map[uuid.UUID]*Binding
}

// NewService creates the gateway service.
func NewService(config ConnectionConfig, clock clockwork.Clock) *Service {
	s := &Service{
		manager:  NewManager(config),
		clock:    clock,
		bindings: make(map[uuid.UUID]*Binding),
	}
	s.manager.onMessage = s.handleClientFrame
	return s
}

// Bind registers a session with the gateway. Bind before Run.
func (s *Service) Bind(sessionID uuid.UUID, b *Binding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings[sessionID] = b
}

func (s *Service) binding(sessionID uuid.UUID) *Binding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bindings[sessionID]
}

// Run starts the broadcast pump and one push loop per bound session,
// blocking until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	go s.manager.Start(ctx)

	s.mu.RLock()
	for sessionID, b := range s.bindings {
		go s.pushLoop(ctx, sessionID, b)
	}
	s.mu.RUnlock()

	<-ctx.Done()
	log.Info().Msg("gateway service shutting down")
	return ctx.Err()
}

func (s *Service) pushLoop(ctx context.Context, sessionID uuid.UUID, b *Binding) {
	ticker := s.clock.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.Snaps.Changed():
		case <-ticker.Chan():
		}
		s.pushState(sessionID, b)
	}
}

func (s *Service) pushState(sessionID uuid.UUID, b *Binding) {
	snap := b.Snaps.View()
	stuck := false
	if b.Stuck != nil {
		stuck = b.Stuck()
	}
	payload, err := json.Marshal(BuildState(&snap, s.clock, stuck))
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal state frame")
		return
	}
	s.manager.Broadcast(sessionID, payload)
}

// clientCommand is the inbound frame format.
type clientCommand struct {
	Action       string     `json:"action"`
	Text         string     `json:"text,omitempty"`
	SuggestionID *uuid.UUID `json:"suggestion_id,omitempty"`
}

func (s *Service) handleClientFrame(conn *Connection, raw []byte) {
	var cmd clientCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		s.sendError(conn, "parse", "malformed command frame")
		return
	}

	b := s.binding(conn.SessionID)
	if b == nil || b.Actions == nil {
		s.sendError(conn, cmd.Action, "session not available on this gateway")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	var err error
	switch cmd.Action {
	case "suggest":
		_, err = b.Actions.SubmitSuggestion(ctx, cmd.Text)
	case "vote":
		if cmd.SuggestionID == nil {
			s.sendError(conn, cmd.Action, "suggestion_id is required")
			return
		}
		_, err = b.Actions.SubmitVote(ctx, *cmd.SuggestionID)
	case "tie_break":
		if cmd.SuggestionID == nil {
			s.sendError(conn, cmd.Action, "suggestion_id is required")
			return
		}
		err = b.Actions.ResolveTieBreak(ctx, *cmd.SuggestionID)
	case "close":
		err = b.Actions.CloseSession(ctx)
	default:
		s.sendError(conn, cmd.Action, "unknown action")
		return
	}

	if err != nil {
		log.Warn().
			Err(err).
			Str("action", cmd.Action).
			Str("client_id", conn.ClientID).
			Msg("client command failed")
		s.sendError(conn, cmd.Action, err.Error())
		return
	}

	// Push a fresh frame right away so the acting client sees the
	// result before the next change event or tick lands.
	s.pushState(conn.SessionID, b)
}

func (s *Service) sendError(conn *Connection, op, message string) {
	payload, err := json.Marshal(ErrorPayload{Type: FrameError, Op: op, Message: message})
	if err != nil {
		return
	}
	s.manager.BroadcastToClient(conn.SessionID, conn.ClientID, payload)
}

// Stats exposes connection counts for the stats endpoint.
func (s *Service) Stats() map[string]interface{} {
	return s.manager.Stats()
}
