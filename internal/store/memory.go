package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/jmdev3/conclave/internal/models"
	"github.com/jmdev3/conclave/internal/resolver"
	"github.com/jmdev3/conclave/internal/retry"
	"github.com/jmdev3/conclave/internal/session"
)

const noSuggestionsBlockText = "No suggestions were submitted."

// Memory is an in-memory Store for tests and single-machine development.
// It implements the same external contract as the server-side procedures:
// one mutex serializes all writes, which is what gives AdvanceRound and
// UpsertBlock their exactly-once behavior under concurrent callers.
type Memory struct {
	clock clockwork.Clock

	mu           sync.Mutex
	sessions     map[uuid.UUID]*models.Session
	rounds       map[uuid.UUID]*models.Round
	participants map[uuid.UUID]*models.Participant
	suggestions  map[uuid.UUID]*models.Suggestion
	votes        map[uuid.UUID]*models.Vote
	blocks       map[uuid.UUID]*models.Block // keyed by round id

	// advanceErr, when set, makes AdvanceRound fail outright. Used to
	// exercise the manual fallback path.
	advanceErr error
}

// NewMemory creates an empty in-memory store.
func NewMemory(clock clockwork.Clock) *Memory {
	return &Memory{
		clock:        clock,
		sessions:     make(map[uuid.UUID]*models.Session),
		rounds:       make(map[uuid.UUID]*models.Round),
		participants: make(map[uuid.UUID]*models.Participant),
		suggestions:  make(map[uuid.UUID]*models.Suggestion),
		votes:        make(map[uuid.UUID]*models.Vote),
		blocks:       make(map[uuid.UUID]*models.Block),
	}
}

// SetAdvanceErr injects a failure into AdvanceRound. Passing nil clears it.
func (m *Memory) SetAdvanceErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advanceErr = err
}

// PutSession seeds or replaces a session row.
func (m *Memory) PutSession(s models.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := s
	m.sessions[s.ID] = &cp
}

// PutParticipant seeds or replaces a participant row.
func (m *Memory) PutParticipant(p models.Participant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := p
	m.participants[p.ID] = &cp
}

// PutRound seeds or replaces a round row.
func (m *Memory) PutRound(r models.Round) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := r
	m.rounds[r.ID] = &cp
}

// StartSession moves a lobby session to running and opens round 1 in
// the suggest phase.
func (m *Memory) StartSession(ctx context.Context, sessionID uuid.UUID) (*models.Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, retry.Rejected(fmt.Errorf("session %s not found", sessionID))
	}
	if s.Status != models.SessionStatusLobby {
		return nil, retry.Rejected(fmt.Errorf("session %s is %s, not lobby", sessionID, s.Status))
	}

	now := m.clock.Now()
	endsAt := now.Add(time.Duration(s.SuggestSeconds) * time.Second)
	round := &models.Round{
		ID:        uuid.New(),
		SessionID: sessionID,
		Number:    1,
		Status:    models.RoundStatusSuggest,
		StartedAt: now,
		EndsAt:    &endsAt,
	}
	m.rounds[round.ID] = round
	s.Status = models.SessionStatusRunning
	s.CurrentRoundID = &round.ID
	s.UpdatedAt = now

	cp := *round
	return &cp, nil
}

func (m *Memory) LoadSnapshot(ctx context.Context, sessionID uuid.UUID) (session.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return session.Snapshot{}, retry.Rejected(fmt.Errorf("session %s not found", sessionID))
	}

	snap := session.Snapshot{Session: *s}
	if s.CurrentRoundID != nil {
		if r, ok := m.rounds[*s.CurrentRoundID]; ok {
			cp := *r
			snap.Round = &cp
		}
	}
	for _, p := range m.participants {
		if p.SessionID == sessionID {
			snap.Participants = append(snap.Participants, *p)
		}
	}
	for _, sg := range m.suggestions {
		if snap.Round != nil && sg.RoundID == snap.Round.ID {
			snap.Suggestions = append(snap.Suggestions, *sg)
		}
	}
	for _, v := range m.votes {
		if snap.Round != nil && v.RoundID == snap.Round.ID {
			snap.Votes = append(snap.Votes, *v)
		}
	}
	for _, b := range m.blocks {
		if b.SessionID == sessionID {
			snap.Blocks = append(snap.Blocks, *b)
		}
	}
	return snap, nil
}

// AdvanceRound reproduces the server-side transition procedure: it
// determines the next state from the round's current status, performs
// the writes, and absorbs concurrent or retried calls as no-ops.
func (m *Memory) AdvanceRound(ctx context.Context, roundID, sessionID uuid.UUID, actorClientID string) (TransitionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.advanceErr != nil {
		return TransitionResult{}, m.advanceErr
	}

	round, ok := m.rounds[roundID]
	if !ok {
		return TransitionResult{Action: ActionRejected}, retry.Rejected(fmt.Errorf("round %s not found", roundID))
	}
	sess, ok := m.sessions[sessionID]
	if !ok || round.SessionID != sessionID {
		return TransitionResult{Action: ActionRejected}, retry.Rejected(fmt.Errorf("round %s does not belong to session %s", roundID, sessionID))
	}
	if sess.Status == models.SessionStatusClosed {
		return TransitionResult{Action: ActionRejected}, retry.Rejected(fmt.Errorf("session %s is closed", sessionID))
	}
	// A round that is no longer current has already been completed.
	if sess.CurrentRoundID == nil || *sess.CurrentRoundID != roundID {
		return TransitionResult{Action: ActionNoOpAlreadyApplied}, nil
	}

	now := m.clock.Now()
	log.Debug().
		Str("round_id", roundID.String()).
		Str("actor", actorClientID).
		Str("status", string(round.Status)).
		Msg("transition procedure invoked")

	switch round.Status {
	case models.RoundStatusLobby:
		endsAt := now.Add(time.Duration(sess.SuggestSeconds) * time.Second)
		round.Status = models.RoundStatusSuggest
		round.EndsAt = &endsAt
		sess.UpdatedAt = now
		return TransitionResult{Action: ActionAdvancedPhase}, nil

	case models.RoundStatusSuggest:
		if !m.deadlineElapsed(round, now) {
			return TransitionResult{Action: ActionNoOpAlreadyApplied}, nil
		}
		endsAt := now.Add(time.Duration(sess.VoteSeconds) * time.Second)
		round.Status = models.RoundStatusVote
		round.EndsAt = &endsAt
		sess.UpdatedAt = now
		return TransitionResult{Action: ActionAdvancedPhase}, nil

	case models.RoundStatusVote:
		if !m.deadlineElapsed(round, now) && !m.allPresentVotedLocked(round) {
			return TransitionResult{Action: ActionNoOpAlreadyApplied}, nil
		}
		return m.finishVoteLocked(sess, round, now)

	case models.RoundStatusResult:
		// Waiting on a manual tie-break: no block yet, nothing to do.
		if _, ok := m.blocks[roundID]; !ok {
			return TransitionResult{Action: ActionNoOpAlreadyApplied}, nil
		}
		next := m.openNextRoundLocked(sess, round, now)
		return TransitionResult{Action: ActionCompletedAndAdvanced, NewRoundID: &next.ID}, nil
	}

	return TransitionResult{Action: ActionRejected}, retry.Rejected(fmt.Errorf("round %s in unknown status %s", roundID, round.Status))
}

func (m *Memory) deadlineElapsed(round *models.Round, now time.Time) bool {
	return round.EndsAt != nil && !now.Before(*round.EndsAt)
}

func (m *Memory) allPresentVotedLocked(round *models.Round) bool {
	voted := make(map[uuid.UUID]bool)
	for _, v := range m.votes {
		if v.RoundID == round.ID {
			voted[v.ParticipantID] = true
		}
	}
	online := 0
	for _, p := range m.participants {
		if p.SessionID != round.SessionID || !p.Online {
			continue
		}
		online++
		if !voted[p.ID] {
			return false
		}
	}
	return online > 0
}

// finishVoteLocked resolves the round. A tie halts the round in result
// with no block, pending the host's manual pick; otherwise the block is
// written and the next round opened in one step.
func (m *Memory) finishVoteLocked(sess *models.Session, round *models.Round, now time.Time) (TransitionResult, error) {
	tallies := m.talliesLocked(round)
	res := resolver.Resolve(tallies)

	round.Status = models.RoundStatusResult
	round.EndsAt = nil
	sess.UpdatedAt = now

	switch res.Outcome {
	case resolver.OutcomeTie:
		return TransitionResult{Action: ActionAdvancedPhase}, nil

	case resolver.OutcomeNoSuggestions:
		m.upsertBlockLocked(BlockUpsertRequest{
			SessionID: sess.ID,
			RoundID:   round.ID,
			Text:      noSuggestionsBlockText,
		}, now)

	case resolver.OutcomeWinner:
		winnerID := res.Winner.SuggestionID
		round.WinnerSuggestionID = &winnerID
		m.upsertBlockLocked(BlockUpsertRequest{
			SessionID:    sess.ID,
			RoundID:      round.ID,
			SuggestionID: &winnerID,
			Text:         res.Winner.Text,
		}, now)
	}

	next := m.openNextRoundLocked(sess, round, now)
	return TransitionResult{Action: ActionCompletedAndAdvanced, NewRoundID: &next.ID}, nil
}

func (m *Memory) talliesLocked(round *models.Round) []resolver.Tally {
	counts := make(map[uuid.UUID]int)
	for _, v := range m.votes {
		if v.RoundID == round.ID {
			counts[v.SuggestionID]++
		}
	}
	var tallies []resolver.Tally
	for _, sg := range m.suggestions {
		if sg.RoundID != round.ID {
			continue
		}
		tallies = append(tallies, resolver.Tally{
			SuggestionID: sg.ID,
			Text:         sg.Text,
			Votes:        counts[sg.ID],
			CreatedAt:    sg.CreatedAt,
		})
	}
	return tallies
}

func (m *Memory) upsertBlockLocked(req BlockUpsertRequest, now time.Time) BlockUpsertResult {
	if existing, ok := m.blocks[req.RoundID]; ok {
		cp := *existing
		return BlockUpsertResult{Action: BlockAlreadyExists, Block: &cp}
	}
	b := &models.Block{
		ID:           uuid.New(),
		SessionID:    req.SessionID,
		RoundID:      req.RoundID,
		SuggestionID: req.SuggestionID,
		Text:         req.Text,
		IsTieBreak:   req.IsTieBreak,
		CreatedAt:    now,
	}
	m.blocks[req.RoundID] = b
	cp := *b
	return BlockUpsertResult{Action: BlockInserted, Block: &cp}
}

// openNextRoundLocked opens the successor round. The session's
// auto-advance flag decides whether it gets a suggest deadline or
// waits for the host to pace it; the round itself always opens.
func (m *Memory) openNextRoundLocked(sess *models.Session, prev *models.Round, now time.Time) *models.Round {
	var endsAt *time.Time
	if sess.AutoAdvance {
		e := now.Add(time.Duration(sess.SuggestSeconds) * time.Second)
		endsAt = &e
	}
	next := &models.Round{
		ID:        uuid.New(),
		SessionID: sess.ID,
		Number:    prev.Number + 1,
		Status:    models.RoundStatusSuggest,
		StartedAt: now,
		EndsAt:    endsAt,
	}
	m.rounds[next.ID] = next
	sess.CurrentRoundID = &next.ID
	sess.UpdatedAt = now
	return next
}

func (m *Memory) UpsertBlock(ctx context.Context, req BlockUpsertRequest) (BlockUpsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rounds[req.RoundID]; !ok {
		return BlockUpsertResult{}, retry.Rejected(fmt.Errorf("round %s not found", req.RoundID))
	}
	return m.upsertBlockLocked(req, m.clock.Now()), nil
}

func (m *Memory) ValidateMembership(ctx context.Context, sessionID uuid.UUID, clientID string) (Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return Membership{Valid: false, Message: "session not found"}, nil
	}
	for _, p := range m.participants {
		if p.SessionID == sessionID && p.ClientID == clientID {
			return Membership{Valid: true, SessionStatus: sess.Status}, nil
		}
	}
	return Membership{Valid: false, SessionStatus: sess.Status, Message: "not a participant"}, nil
}

func (m *Memory) SubmitSuggestion(ctx context.Context, roundID, participantID uuid.UUID, text string) (*models.Suggestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	round, ok := m.rounds[roundID]
	if !ok {
		return nil, retry.Rejected(fmt.Errorf("round %s not found", roundID))
	}
	if round.Status != models.RoundStatusSuggest {
		return nil, retry.Rejected(fmt.Errorf("round %s is not accepting suggestions", roundID))
	}

	// Resubmission replaces the participant's existing suggestion.
	for _, sg := range m.suggestions {
		if sg.RoundID == roundID && sg.ParticipantID == participantID {
			sg.Text = text
			sg.CreatedAt = m.clock.Now()
			cp := *sg
			return &cp, nil
		}
	}
	sg := &models.Suggestion{
		ID:            uuid.New(),
		RoundID:       roundID,
		ParticipantID: participantID,
		Text:          text,
		CreatedAt:     m.clock.Now(),
	}
	m.suggestions[sg.ID] = sg
	cp := *sg
	return &cp, nil
}

func (m *Memory) SubmitVote(ctx context.Context, roundID, participantID, suggestionID uuid.UUID) (*models.Vote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	round, ok := m.rounds[roundID]
	if !ok {
		return nil, retry.Rejected(fmt.Errorf("round %s not found", roundID))
	}
	if round.Status != models.RoundStatusVote {
		return nil, retry.Rejected(fmt.Errorf("round %s is not accepting votes", roundID))
	}

	for _, v := range m.votes {
		if v.RoundID == roundID && v.ParticipantID == participantID {
			v.SuggestionID = suggestionID
			v.CreatedAt = m.clock.Now()
			cp := *v
			return &cp, nil
		}
	}
	v := &models.Vote{
		ID:            uuid.New(),
		RoundID:       roundID,
		ParticipantID: participantID,
		SuggestionID:  suggestionID,
		CreatedAt:     m.clock.Now(),
	}
	m.votes[v.ID] = v
	cp := *v
	return &cp, nil
}

func (m *Memory) MarkRoundSuggest(ctx context.Context, roundID uuid.UUID, endsAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	round, ok := m.rounds[roundID]
	if !ok {
		return retry.Rejected(fmt.Errorf("round %s not found", roundID))
	}
	if round.Status != models.RoundStatusLobby {
		return retry.Conflict(fmt.Errorf("round %s is %s, expected lobby", roundID, round.Status))
	}
	round.Status = models.RoundStatusSuggest
	round.EndsAt = &endsAt
	return nil
}

func (m *Memory) MarkRoundVoting(ctx context.Context, roundID uuid.UUID, endsAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	round, ok := m.rounds[roundID]
	if !ok {
		return retry.Rejected(fmt.Errorf("round %s not found", roundID))
	}
	if round.Status != models.RoundStatusSuggest {
		return retry.Conflict(fmt.Errorf("round %s is %s, expected suggest", roundID, round.Status))
	}
	round.Status = models.RoundStatusVote
	round.EndsAt = &endsAt
	return nil
}

func (m *Memory) CompleteRound(ctx context.Context, roundID uuid.UUID, winnerSuggestionID *uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	round, ok := m.rounds[roundID]
	if !ok {
		return retry.Rejected(fmt.Errorf("round %s not found", roundID))
	}
	if round.Status == models.RoundStatusResult {
		// Already completed; absorb as idempotent.
		return nil
	}
	if round.Status != models.RoundStatusVote {
		return retry.Conflict(fmt.Errorf("round %s is %s, expected vote", roundID, round.Status))
	}
	round.Status = models.RoundStatusResult
	round.EndsAt = nil
	round.WinnerSuggestionID = winnerSuggestionID
	return nil
}

func (m *Memory) CreateNextRound(ctx context.Context, sessionID uuid.UUID, number int, endsAt *time.Time) (*models.Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, retry.Rejected(fmt.Errorf("session %s not found", sessionID))
	}
	// Unique (session, number): a concurrent creation wins and we conflict.
	for _, r := range m.rounds {
		if r.SessionID == sessionID && r.Number == number {
			return nil, retry.Conflict(fmt.Errorf("round %d already exists for session %s", number, sessionID))
		}
	}
	now := m.clock.Now()
	round := &models.Round{
		ID:        uuid.New(),
		SessionID: sessionID,
		Number:    number,
		Status:    models.RoundStatusSuggest,
		StartedAt: now,
		EndsAt:    endsAt,
	}
	m.rounds[round.ID] = round
	sess.CurrentRoundID = &round.ID
	sess.UpdatedAt = now
	cp := *round
	return &cp, nil
}

func (m *Memory) TouchSession(ctx context.Context, sessionID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return retry.Rejected(fmt.Errorf("session %s not found", sessionID))
	}
	sess.UpdatedAt = m.clock.Now()
	return nil
}

func (m *Memory) CloseSession(ctx context.Context, sessionID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return retry.Rejected(fmt.Errorf("session %s not found", sessionID))
	}
	sess.Status = models.SessionStatusClosed
	sess.UpdatedAt = m.clock.Now()
	return nil
}
