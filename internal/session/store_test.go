package session

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jmdev3/conclave/internal/models"
)

func joinedAt(offset time.Duration) time.Time {
	return time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC).Add(offset)
}

func participant(clientID string, isHost bool, offset time.Duration) models.Participant {
	return models.Participant{
		ID:       uuid.New(),
		ClientID: clientID,
		IsHost:   isHost,
		JoinedAt: joinedAt(offset),
		Online:   true,
	}
}

func TestBackupRankFollowsJoinOrder(t *testing.T) {
	st := NewStore()
	snap := Snapshot{
		Session: models.Session{ID: uuid.New(), Status: models.SessionStatusRunning},
		Participants: []models.Participant{
			participant("client-b", false, 2*time.Minute),
			participant("host", true, 0),
			participant("client-c", false, 3*time.Minute),
			participant("client-a", false, time.Minute),
		},
	}
	st.Replace(snap, time.Now())

	view := st.View()
	cases := []struct {
		clientID string
		wantRank int
	}{
		{"host", 0},
		{"client-a", 1},
		{"client-b", 2},
		{"client-c", 3},
		{"stranger", -1},
	}
	for _, tc := range cases {
		if got := view.BackupRank(tc.clientID); got != tc.wantRank {
			t.Fatalf("BackupRank(%s) = %d, want %d", tc.clientID, got, tc.wantRank)
		}
	}

	// Only ranks 0 and 1 are eligible backup actors.
	for _, tc := range cases {
		eligible := tc.wantRank >= 0 && tc.wantRank <= 1
		got := view.BackupRank(tc.clientID) >= 0 && view.BackupRank(tc.clientID) <= 1
		if got != eligible {
			t.Fatalf("eligibility for %s = %v, want %v", tc.clientID, got, eligible)
		}
	}
}

func TestRankingRecomputedOnParticipantChange(t *testing.T) {
	st := NewStore()
	st.Replace(Snapshot{
		Session:      models.Session{ID: uuid.New(), Status: models.SessionStatusRunning},
		Participants: []models.Participant{participant("host", true, 0)},
	}, time.Now())

	early := participant("early-bird", false, -time.Minute)
	st.ApplyParticipant(early)

	view := st.View()
	if got := view.BackupRank("early-bird"); got != 0 {
		t.Fatalf("early joiner rank = %d, want 0", got)
	}
	if got := view.BackupRank("host"); got != 1 {
		t.Fatalf("host rank = %d, want 1", got)
	}

	st.RemoveParticipant(early.ID)
	afterRemoval := st.View()
	if got := afterRemoval.BackupRank("host"); got != 0 {
		t.Fatalf("host rank after removal = %d, want 0", got)
	}
}

func TestSuggestionAndVoteUpserts(t *testing.T) {
	st := NewStore()
	roundID := uuid.New()
	pid := uuid.New()
	st.Replace(Snapshot{
		Session: models.Session{ID: uuid.New(), Status: models.SessionStatusRunning},
		Round:   &models.Round{ID: roundID, Number: 1, Status: models.RoundStatusSuggest},
	}, time.Now())

	st.ApplySuggestion(models.Suggestion{ID: uuid.New(), RoundID: roundID, ParticipantID: pid, Text: "first"})
	st.ApplySuggestion(models.Suggestion{ID: uuid.New(), RoundID: roundID, ParticipantID: pid, Text: "replaced"})

	view := st.View()
	got := view.RoundSuggestions()
	if len(got) != 1 {
		t.Fatalf("expected 1 suggestion after resubmission, got %d", len(got))
	}
	if got[0].Text != "replaced" {
		t.Fatalf("suggestion text = %q, want %q", got[0].Text, "replaced")
	}

	sid := got[0].ID
	st.ApplyVote(models.Vote{ID: uuid.New(), RoundID: roundID, ParticipantID: pid, SuggestionID: sid})
	st.ApplyVote(models.Vote{ID: uuid.New(), RoundID: roundID, ParticipantID: pid, SuggestionID: sid})
	afterRevote := st.View()
	if votes := afterRevote.RoundVotes(); len(votes) != 1 {
		t.Fatalf("expected 1 vote after revote, got %d", len(votes))
	}
}

func TestStaleRoundNotificationIgnored(t *testing.T) {
	st := NewStore()
	current := models.Round{ID: uuid.New(), Number: 3, Status: models.RoundStatusVote}
	st.Replace(Snapshot{
		Session: models.Session{ID: uuid.New(), Status: models.SessionStatusRunning},
		Round:   &current,
	}, time.Now())

	st.ApplyRound(models.Round{ID: uuid.New(), Number: 2, Status: models.RoundStatusResult})

	view := st.View()
	if view.Round.ID != current.ID {
		t.Fatal("stale round replaced the current round")
	}

	next := models.Round{ID: uuid.New(), Number: 4, Status: models.RoundStatusSuggest}
	st.ApplyRound(next)
	if st.View().Round.ID != next.ID {
		t.Fatal("newer round was not applied")
	}
}

func TestAllPresentVoted(t *testing.T) {
	st := NewStore()
	roundID := uuid.New()
	host := participant("host", true, 0)
	a := participant("a", false, time.Minute)
	offline := participant("offline", false, 2*time.Minute)
	offline.Online = false

	snap := Snapshot{
		Session:      models.Session{ID: uuid.New(), Status: models.SessionStatusRunning},
		Round:        &models.Round{ID: roundID, Number: 1, Status: models.RoundStatusVote},
		Participants: []models.Participant{host, a, offline},
	}
	st.Replace(snap, time.Now())

	sid := uuid.New()
	st.ApplyVote(models.Vote{ID: uuid.New(), RoundID: roundID, ParticipantID: host.ID, SuggestionID: sid})
	partial := st.View()
	if partial.AllPresentVoted() {
		t.Fatal("not everyone online has voted yet")
	}

	st.ApplyVote(models.Vote{ID: uuid.New(), RoundID: roundID, ParticipantID: a.ID, SuggestionID: sid})
	full := st.View()
	if !full.AllPresentVoted() {
		t.Fatal("all online participants voted; offline ones must not block")
	}
}

func TestDerivedPhase(t *testing.T) {
	cases := []struct {
		name string
		snap Snapshot
		want Phase
	}{
		{
			name: "closed session",
			snap: Snapshot{Session: models.Session{Status: models.SessionStatusClosed}},
			want: PhaseClosed,
		},
		{
			name: "lobby session",
			snap: Snapshot{Session: models.Session{Status: models.SessionStatusLobby}},
			want: PhaseLobby,
		},
		{
			name: "running without round is stale",
			snap: Snapshot{Session: models.Session{Status: models.SessionStatusRunning}},
			want: PhaseLobby,
		},
		{
			name: "running vote round",
			snap: Snapshot{
				Session: models.Session{Status: models.SessionStatusRunning},
				Round:   &models.Round{Status: models.RoundStatusVote},
			},
			want: PhaseVote,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.snap.DerivedPhase(); got != tc.want {
				t.Fatalf("DerivedPhase = %v, want %v", got, tc.want)
			}
		})
	}
}
