package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/jmdev3/conclave/internal/models"
	"github.com/jmdev3/conclave/internal/retry"
	"github.com/jmdev3/conclave/internal/session"
	"github.com/jmdev3/conclave/internal/store"
)

// testConfig keeps both retry policies at a single attempt so tests
// never block on fake-clock backoff sleeps.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PrimaryRetry = retry.Policy{MaxAttempts: 1}
	cfg.FallbackRetry = retry.Policy{MaxAttempts: 1}
	return cfg
}

type fixture struct {
	clock     *clockwork.FakeClock
	mem       *store.Memory
	snaps     *session.Store
	sessionID uuid.UUID
	session   models.Session
	parts     []models.Participant
}

// newFixture seeds a running session with the given clients (first one
// is the host) and round 1 open in the suggest phase.
func newFixture(t *testing.T, clientIDs ...string) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	mem := store.NewMemory(clock)

	s := models.Session{
		ID:             uuid.New(),
		JoinCode:       "TEST01",
		Status:         models.SessionStatusLobby,
		SuggestSeconds: 60,
		VoteSeconds:    30,
		AutoAdvance:    true,
		CreatedAt:      clock.Now(),
	}
	mem.PutSession(s)

	f := &fixture{clock: clock, mem: mem, snaps: session.NewStore(), sessionID: s.ID, session: s}
	for i, clientID := range clientIDs {
		p := models.Participant{
			ID:          uuid.New(),
			SessionID:   s.ID,
			ClientID:    clientID,
			DisplayName: clientID,
			IsHost:      i == 0,
			JoinedAt:    clock.Now().Add(time.Duration(i) * time.Second),
			Online:      true,
		}
		mem.PutParticipant(p)
		f.parts = append(f.parts, p)
	}

	if _, err := mem.StartSession(context.Background(), s.ID); err != nil {
		t.Fatalf("start session: %v", err)
	}
	f.sync(t)
	return f
}

// sync reloads the authoritative snapshot into the local store, the way
// the reconciliation guard would after a change event.
func (f *fixture) sync(t *testing.T) {
	t.Helper()
	snap, err := f.mem.LoadSnapshot(context.Background(), f.sessionID)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	f.snaps.Replace(snap, f.clock.Now())
}

func (f *fixture) coordinator(clientID string, cfg Config) *Coordinator {
	return New(f.mem, f.snaps, f.clock, cfg, f.sessionID, clientID)
}

func (f *fixture) participant(t *testing.T, clientID string) models.Participant {
	t.Helper()
	for _, p := range f.parts {
		if p.ClientID == clientID {
			return p
		}
	}
	t.Fatalf("no participant for client %s", clientID)
	return models.Participant{}
}

func (f *fixture) currentRound(t *testing.T) *models.Round {
	t.Helper()
	snap, err := f.mem.LoadSnapshot(context.Background(), f.sessionID)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	return snap.Round
}

func TestHostAdvancesWhenDeadlineElapses(t *testing.T) {
	f := newFixture(t, "host", "alice", "bob")
	c := f.coordinator("host", testConfig())
	ctx := context.Background()

	// Before the deadline nothing moves.
	c.tick(ctx)
	if r := f.currentRound(t); r.Status != models.RoundStatusSuggest {
		t.Fatalf("round moved early: %s", r.Status)
	}

	f.clock.Advance(60 * time.Second)
	c.tick(ctx)
	if r := f.currentRound(t); r.Status != models.RoundStatusVote {
		t.Fatalf("round = %s, want vote", r.Status)
	}
}

func TestNonHostWaitsOutGraceMargin(t *testing.T) {
	f := newFixture(t, "host", "alice", "bob")
	cfg := testConfig()
	c := f.coordinator("alice", cfg)
	ctx := context.Background()

	// Deadline just elapsed: a non-host stands down so the host gets
	// first shot at the transition.
	f.clock.Advance(60 * time.Second)
	c.tick(ctx)
	if r := f.currentRound(t); r.Status != models.RoundStatusSuggest {
		t.Fatalf("non-host advanced inside grace margin: %s", r.Status)
	}

	f.clock.Advance(cfg.GraceMargin)
	c.tick(ctx)
	if r := f.currentRound(t); r.Status != models.RoundStatusVote {
		t.Fatalf("round = %s, want vote after grace margin", r.Status)
	}
}

func TestAllVotesInAdvancesBeforeDeadline(t *testing.T) {
	f := newFixture(t, "host", "alice", "bob")
	c := f.coordinator("alice", testConfig())
	ctx := context.Background()

	round := f.currentRound(t)
	sgHost, err := f.mem.SubmitSuggestion(ctx, round.ID, f.participant(t, "host").ID, "pizza")
	if err != nil {
		t.Fatalf("suggest: %v", err)
	}
	if _, err := f.mem.SubmitSuggestion(ctx, round.ID, f.participant(t, "alice").ID, "sushi"); err != nil {
		t.Fatalf("suggest: %v", err)
	}

	f.clock.Advance(60 * time.Second)
	if _, err := f.mem.AdvanceRound(ctx, round.ID, f.sessionID, "host"); err != nil {
		t.Fatalf("advance to vote: %v", err)
	}

	for _, clientID := range []string{"host", "alice", "bob"} {
		if _, err := f.mem.SubmitVote(ctx, round.ID, f.participant(t, clientID).ID, sgHost.ID); err != nil {
			t.Fatalf("vote: %v", err)
		}
	}
	f.sync(t)

	// Every online participant has voted, so even a non-host advances
	// immediately without waiting for the vote deadline.
	c.tick(ctx)

	r := f.currentRound(t)
	if r.Number != 2 || r.Status != models.RoundStatusSuggest {
		t.Fatalf("round = #%d %s, want #2 suggest", r.Number, r.Status)
	}
	snap, _ := f.mem.LoadSnapshot(ctx, f.sessionID)
	if len(snap.Blocks) != 1 || snap.Blocks[0].Text != "pizza" {
		t.Fatalf("unexpected blocks: %+v", snap.Blocks)
	}
}

func TestTieHaltsUntilHostResolves(t *testing.T) {
	f := newFixture(t, "host", "alice", "bob")
	c := f.coordinator("host", testConfig())
	ctx := context.Background()

	round := f.currentRound(t)
	sgPizza, err := f.mem.SubmitSuggestion(ctx, round.ID, f.participant(t, "alice").ID, "pizza")
	if err != nil {
		t.Fatalf("suggest: %v", err)
	}
	sgSushi, err := f.mem.SubmitSuggestion(ctx, round.ID, f.participant(t, "bob").ID, "sushi")
	if err != nil {
		t.Fatalf("suggest: %v", err)
	}

	f.clock.Advance(60 * time.Second)
	f.sync(t)
	c.tick(ctx)

	// Only two of the three vote, split 1-1; the vote deadline decides.
	if _, err := f.mem.SubmitVote(ctx, round.ID, f.participant(t, "alice").ID, sgPizza.ID); err != nil {
		t.Fatalf("vote: %v", err)
	}
	if _, err := f.mem.SubmitVote(ctx, round.ID, f.participant(t, "bob").ID, sgSushi.ID); err != nil {
		t.Fatalf("vote: %v", err)
	}
	f.clock.Advance(30 * time.Second)
	f.sync(t)
	c.tick(ctx)

	// One vote each: the round halts in result with no block recorded.
	r := f.currentRound(t)
	if r.Number != 1 || r.Status != models.RoundStatusResult {
		t.Fatalf("round = #%d %s, want #1 result", r.Number, r.Status)
	}
	snap, _ := f.mem.LoadSnapshot(ctx, f.sessionID)
	if len(snap.Blocks) != 0 {
		t.Fatalf("tie produced a block: %+v", snap.Blocks)
	}

	// Further ticks must not move anything while the tie is pending.
	f.clock.Advance(10 * time.Minute)
	f.sync(t)
	c.tick(ctx)
	if r := f.currentRound(t); r.Number != 1 || r.Status != models.RoundStatusResult {
		t.Fatalf("tied round moved without resolution: #%d %s", r.Number, r.Status)
	}

	f.sync(t)
	if err := c.ResolveTieBreak(ctx, sgSushi.ID); err != nil {
		t.Fatalf("resolve tie: %v", err)
	}

	snap, _ = f.mem.LoadSnapshot(ctx, f.sessionID)
	if snap.Round.Number != 2 || snap.Round.Status != models.RoundStatusSuggest {
		t.Fatalf("round = #%d %s, want #2 suggest", snap.Round.Number, snap.Round.Status)
	}
	if len(snap.Blocks) != 1 {
		t.Fatalf("expected exactly one block, got %d", len(snap.Blocks))
	}
	b := snap.Blocks[0]
	if !b.IsTieBreak || b.Text != "sushi" {
		t.Fatalf("unexpected tie-break block: %+v", b)
	}
}

func TestTieBreakRejectedForNonHost(t *testing.T) {
	f := newFixture(t, "host", "alice")
	c := f.coordinator("alice", testConfig())

	err := c.ResolveTieBreak(context.Background(), uuid.New())
	if retry.ClassOf(err) != retry.ClassRejected {
		t.Fatalf("expected rejection, got %v", err)
	}
}

func TestFallbackRunsWhenProcedureUnavailable(t *testing.T) {
	f := newFixture(t, "host", "alice")
	c := f.coordinator("host", testConfig())
	ctx := context.Background()

	f.mem.SetAdvanceErr(retry.Transient(errors.New("connection refused")))
	f.clock.Advance(60 * time.Second)
	c.tick(ctx)

	// The procedure was down, so the manual fallback performed the
	// suggest-to-vote transition as discrete writes.
	r := f.currentRound(t)
	if r.Status != models.RoundStatusVote {
		t.Fatalf("round = %s, want vote via fallback", r.Status)
	}
	if RemainingSeconds(f.clock, r.EndsAt) != 30 {
		t.Fatalf("fallback did not set the vote deadline: %+v", r.EndsAt)
	}
}

func TestRejectionStandsDownWithoutFallback(t *testing.T) {
	f := newFixture(t, "host", "alice")
	c := f.coordinator("host", testConfig())
	ctx := context.Background()

	f.mem.SetAdvanceErr(retry.Rejected(errors.New("session is closed")))
	f.clock.Advance(60 * time.Second)
	c.tick(ctx)

	if r := f.currentRound(t); r.Status != models.RoundStatusSuggest {
		t.Fatalf("fallback ran after a rejection: %s", r.Status)
	}
}

func TestBeginAttemptForceClearsStaleFlag(t *testing.T) {
	f := newFixture(t, "host")
	cfg := testConfig()
	c := f.coordinator("host", cfg)

	if !c.beginAttempt() {
		t.Fatal("first beginAttempt refused")
	}
	if c.beginAttempt() {
		t.Fatal("second beginAttempt succeeded while one is in flight")
	}

	f.clock.Advance(cfg.InProgressTimeout)
	if !c.beginAttempt() {
		t.Fatal("stale in-progress flag was not force-cleared")
	}
}

func TestStuckPhaseEmergencyAdvancement(t *testing.T) {
	f := newFixture(t, "host", "alice", "bob")
	cfg := testConfig()
	ctx := context.Background()

	// bob joined third: rank 2, never eligible for emergency advancement.
	bob := f.coordinator("bob", cfg)
	f.clock.Advance(60*time.Second + cfg.StuckOverdue)
	f.sync(t)
	snap := f.snaps.View()
	bob.checkStuck(ctx, &snap)
	if r := f.currentRound(t); r.Status != models.RoundStatusSuggest {
		t.Fatalf("rank-2 participant fired emergency advancement: %s", r.Status)
	}

	// alice is the first backup and fires once the phase is stuck.
	alice := f.coordinator("alice", cfg)
	alice.checkStuck(ctx, &snap)
	if r := f.currentRound(t); r.Status != models.RoundStatusVote {
		t.Fatalf("round = %s, want vote after emergency advancement", r.Status)
	}
	if !alice.IsStuck() {
		t.Fatal("coordinator did not record the stuck state")
	}
}

func TestEmergencyAdvancementIsRateLimited(t *testing.T) {
	f := newFixture(t, "host", "alice")
	cfg := testConfig()
	c := f.coordinator("alice", cfg)
	ctx := context.Background()

	f.mem.SetAdvanceErr(retry.Transient(errors.New("connection refused")))
	f.clock.Advance(60*time.Second + cfg.StuckOverdue)
	f.sync(t)
	snap := f.snaps.View()

	c.checkStuck(ctx, &snap)
	if !c.IsStuck() {
		t.Fatal("phase not flagged stuck")
	}

	// The store recovers, but the next emergency attempt has to wait out
	// the rate-limit interval.
	f.mem.SetAdvanceErr(nil)
	c.checkStuck(ctx, &snap)
	if r := f.currentRound(t); r.Status != models.RoundStatusSuggest {
		t.Fatalf("emergency advancement fired inside the rate-limit window: %s", r.Status)
	}

	f.clock.Advance(cfg.EmergencyInterval)
	c.checkStuck(ctx, &snap)
	if r := f.currentRound(t); r.Status != models.RoundStatusVote {
		t.Fatalf("round = %s, want vote after rate-limit window", r.Status)
	}
}

func TestMembershipRevocationStopsCoordinator(t *testing.T) {
	f := newFixture(t, "host", "alice")
	c := f.coordinator("intruder", testConfig())

	if err := c.revalidateMembership(context.Background()); err == nil {
		t.Fatal("expected revoked membership to return an error")
	}
}

func TestSubmitVoteSupersedesEarlierChoice(t *testing.T) {
	f := newFixture(t, "host", "alice")
	ctx := context.Background()

	round := f.currentRound(t)
	sgPizza, _ := f.mem.SubmitSuggestion(ctx, round.ID, f.participant(t, "host").ID, "pizza")
	sgSushi, _ := f.mem.SubmitSuggestion(ctx, round.ID, f.participant(t, "alice").ID, "sushi")

	f.clock.Advance(60 * time.Second)
	if _, err := f.mem.AdvanceRound(ctx, round.ID, f.sessionID, "host"); err != nil {
		t.Fatalf("advance to vote: %v", err)
	}
	f.sync(t)

	c := f.coordinator("alice", testConfig())
	if _, err := c.SubmitVote(ctx, sgPizza.ID); err != nil {
		t.Fatalf("first vote: %v", err)
	}
	if _, err := c.SubmitVote(ctx, sgSushi.ID); err != nil {
		t.Fatalf("second vote: %v", err)
	}

	snap, _ := f.mem.LoadSnapshot(ctx, f.sessionID)
	votes := snap.RoundVotes()
	if len(votes) != 1 {
		t.Fatalf("expected a single vote row, got %d", len(votes))
	}
	if votes[0].SuggestionID != sgSushi.ID {
		t.Fatalf("vote was not superseded: %+v", votes[0])
	}
}

// setAutoAdvance flips the session's pacing flag in the authoritative
// store and resyncs the local snapshot.
func (f *fixture) setAutoAdvance(t *testing.T, on bool) {
	t.Helper()
	snap, err := f.mem.LoadSnapshot(context.Background(), f.sessionID)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	s := snap.Session
	s.AutoAdvance = on
	f.mem.PutSession(s)
	f.sync(t)
}

func TestAutoAdvanceOffOpensUnpacedNextRound(t *testing.T) {
	f := newFixture(t, "host", "alice")
	f.setAutoAdvance(t, false)
	c := f.coordinator("host", testConfig())
	ctx := context.Background()

	round := f.currentRound(t)
	sg, err := f.mem.SubmitSuggestion(ctx, round.ID, f.participant(t, "alice").ID, "pizza")
	if err != nil {
		t.Fatalf("suggest: %v", err)
	}

	f.clock.Advance(60 * time.Second)
	f.sync(t)
	c.tick(ctx)

	for _, clientID := range []string{"host", "alice"} {
		if _, err := f.mem.SubmitVote(ctx, round.ID, f.participant(t, clientID).ID, sg.ID); err != nil {
			t.Fatalf("vote: %v", err)
		}
	}
	f.sync(t)
	c.tick(ctx)

	// The successor round still opens; it just carries no deadline, so
	// the host paces it manually.
	r := f.currentRound(t)
	if r.Number != 2 || r.Status != models.RoundStatusSuggest {
		t.Fatalf("round = #%d %s, want #2 suggest", r.Number, r.Status)
	}
	if r.EndsAt != nil {
		t.Fatalf("unpaced round got a deadline: %v", r.EndsAt)
	}
}

func TestFallbackHonorsAutoAdvanceOff(t *testing.T) {
	f := newFixture(t, "host", "alice")
	f.setAutoAdvance(t, false)
	c := f.coordinator("host", testConfig())
	ctx := context.Background()

	round := f.currentRound(t)
	sg, err := f.mem.SubmitSuggestion(ctx, round.ID, f.participant(t, "alice").ID, "pizza")
	if err != nil {
		t.Fatalf("suggest: %v", err)
	}
	f.clock.Advance(60 * time.Second)
	if _, err := f.mem.AdvanceRound(ctx, round.ID, f.sessionID, "host"); err != nil {
		t.Fatalf("advance to vote: %v", err)
	}
	for _, clientID := range []string{"host", "alice"} {
		if _, err := f.mem.SubmitVote(ctx, round.ID, f.participant(t, clientID).ID, sg.ID); err != nil {
			t.Fatalf("vote: %v", err)
		}
	}
	f.sync(t)

	f.mem.SetAdvanceErr(retry.Transient(errors.New("connection refused")))
	c.tick(ctx)

	// The manual fallback must land in the same state the procedure
	// would have produced: round 2 open in suggest, no deadline.
	r := f.currentRound(t)
	if r.Number != 2 || r.Status != models.RoundStatusSuggest {
		t.Fatalf("round = #%d %s, want #2 suggest", r.Number, r.Status)
	}
	if r.EndsAt != nil {
		t.Fatalf("unpaced round got a deadline: %v", r.EndsAt)
	}
	snap, _ := f.mem.LoadSnapshot(ctx, f.sessionID)
	if len(snap.Blocks) != 1 || snap.Blocks[0].Text != "pizza" {
		t.Fatalf("unexpected blocks: %+v", snap.Blocks)
	}
}

func TestFallbackOpensSuggestFromLobbyRound(t *testing.T) {
	f := newFixture(t, "host", "alice")
	ctx := context.Background()

	// Wedge the session on a lobby round whose deadline already passed.
	endsAt := f.clock.Now().Add(-time.Second)
	lobby := models.Round{
		ID:        uuid.New(),
		SessionID: f.sessionID,
		Number:    2,
		Status:    models.RoundStatusLobby,
		StartedAt: f.clock.Now().Add(-time.Minute),
		EndsAt:    &endsAt,
	}
	f.mem.PutRound(lobby)
	snap, err := f.mem.LoadSnapshot(ctx, f.sessionID)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	s := snap.Session
	s.CurrentRoundID = &lobby.ID
	f.mem.PutSession(s)
	f.sync(t)

	f.mem.SetAdvanceErr(retry.Transient(errors.New("connection refused")))
	c := f.coordinator("host", testConfig())
	c.tick(ctx)

	r := f.currentRound(t)
	if r.ID != lobby.ID || r.Status != models.RoundStatusSuggest {
		t.Fatalf("round = #%d %s, want #2 suggest", r.Number, r.Status)
	}
	if r.EndsAt == nil || !r.EndsAt.Equal(f.clock.Now().Add(60*time.Second)) {
		t.Fatalf("suggest deadline = %v, want now+60s", r.EndsAt)
	}
}
