package gateway

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/jmdev3/conclave/internal/models"
	"github.com/jmdev3/conclave/internal/session"
)

type fakeActions struct {
	suggested []string
	voted     []uuid.UUID
	tieBroken []uuid.UUID
	closed    int
}

func (f *fakeActions) SubmitSuggestion(ctx context.Context, text string) (*models.Suggestion, error) {
	f.suggested = append(f.suggested, text)
	return &models.Suggestion{ID: uuid.New(), Text: text}, nil
}

func (f *fakeActions) SubmitVote(ctx context.Context, suggestionID uuid.UUID) (*models.Vote, error) {
	f.voted = append(f.voted, suggestionID)
	return &models.Vote{ID: uuid.New(), SuggestionID: suggestionID}, nil
}

func (f *fakeActions) ResolveTieBreak(ctx context.Context, suggestionID uuid.UUID) error {
	f.tieBroken = append(f.tieBroken, suggestionID)
	return nil
}

func (f *fakeActions) CloseSession(ctx context.Context) error {
	f.closed++
	return nil
}

func newBoundService(t *testing.T) (*Service, *fakeActions, uuid.UUID) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	svc := NewService(DefaultConnectionConfig(), clock)

	sessionID := uuid.New()
	actions := &fakeActions{}
	svc.Bind(sessionID, &Binding{Snaps: session.NewStore(), Actions: actions})
	return svc, actions, sessionID
}

func frame(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	return b
}

func TestClientCommandsDispatchToActions(t *testing.T) {
	svc, actions, sessionID := newBoundService(t)
	conn := &Connection{ID: "c1", ClientID: "alice", SessionID: sessionID, Manager: svc.manager}

	svc.handleClientFrame(conn, frame(t, map[string]string{"action": "suggest", "text": "karaoke"}))
	if len(actions.suggested) != 1 || actions.suggested[0] != "karaoke" {
		t.Fatalf("suggestion not dispatched: %+v", actions.suggested)
	}

	target := uuid.New()
	svc.handleClientFrame(conn, frame(t, clientCommand{Action: "vote", SuggestionID: &target}))
	if len(actions.voted) != 1 || actions.voted[0] != target {
		t.Fatalf("vote not dispatched: %+v", actions.voted)
	}

	svc.handleClientFrame(conn, frame(t, clientCommand{Action: "tie_break", SuggestionID: &target}))
	if len(actions.tieBroken) != 1 {
		t.Fatalf("tie-break not dispatched: %+v", actions.tieBroken)
	}

	svc.handleClientFrame(conn, frame(t, map[string]string{"action": "close"}))
	if actions.closed != 1 {
		t.Fatalf("close not dispatched: %d", actions.closed)
	}
}

func TestVoteWithoutSuggestionIDIsRejected(t *testing.T) {
	svc, actions, sessionID := newBoundService(t)
	conn := &Connection{ID: "c1", ClientID: "alice", SessionID: sessionID, Manager: svc.manager}

	svc.handleClientFrame(conn, frame(t, map[string]string{"action": "vote"}))
	if len(actions.voted) != 0 {
		t.Fatalf("vote without suggestion_id was dispatched: %+v", actions.voted)
	}
}

func TestCommandForUnboundSessionIsRejected(t *testing.T) {
	svc, actions, _ := newBoundService(t)
	conn := &Connection{ID: "c1", ClientID: "alice", SessionID: uuid.New(), Manager: svc.manager}

	svc.handleClientFrame(conn, frame(t, map[string]string{"action": "suggest", "text": "karaoke"}))
	if len(actions.suggested) != 0 {
		t.Fatalf("command for unbound session was dispatched: %+v", actions.suggested)
	}
}
