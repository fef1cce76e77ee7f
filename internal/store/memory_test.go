package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/jmdev3/conclave/internal/models"
)

func newRunningSession(t *testing.T, clock clockwork.Clock) (*Memory, models.Session, models.Round, []models.Participant) {
	t.Helper()
	m := NewMemory(clock)

	sess := models.Session{
		ID:             uuid.New(),
		JoinCode:       "HXK2",
		Status:         models.SessionStatusLobby,
		SuggestSeconds: 60,
		VoteSeconds:    30,
		AutoAdvance:    true,
	}
	m.PutSession(sess)

	var participants []models.Participant
	names := []string{"host", "alice", "bob"}
	for i, name := range names {
		p := models.Participant{
			ID:          uuid.New(),
			SessionID:   sess.ID,
			ClientID:    "client-" + name,
			DisplayName: name,
			IsHost:      i == 0,
			JoinedAt:    clock.Now().Add(time.Duration(i) * time.Second),
			Online:      true,
		}
		m.PutParticipant(p)
		participants = append(participants, p)
	}

	round, err := m.StartSession(context.Background(), sess.ID)
	require.NoError(t, err)
	return m, sess, *round, participants
}

func TestAdvanceRoundIdempotentUnderConcurrency(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m, sess, round, _ := newRunningSession(t, clock)

	// Let the suggest deadline elapse, then race N callers.
	clock.Advance(61 * time.Second)

	const n = 8
	results := make([]TransitionResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := m.AdvanceRound(context.Background(), round.ID, sess.ID, "racer")
			require.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	advanced, noops := 0, 0
	for _, res := range results {
		switch res.Action {
		case ActionAdvancedPhase:
			advanced++
		case ActionNoOpAlreadyApplied:
			noops++
		default:
			t.Fatalf("unexpected action %s", res.Action)
		}
	}
	require.Equal(t, 1, advanced, "exactly one caller must perform the transition")
	require.Equal(t, n-1, noops)

	snap, err := m.LoadSnapshot(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, models.RoundStatusVote, snap.Round.Status)
}

func TestVoteCompletionCreatesExactlyOneBlock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m, sess, round, parts := newRunningSession(t, clock)
	ctx := context.Background()

	sg, err := m.SubmitSuggestion(ctx, round.ID, parts[1].ID, "tacos")
	require.NoError(t, err)

	clock.Advance(61 * time.Second)
	res, err := m.AdvanceRound(ctx, round.ID, sess.ID, "client-host")
	require.NoError(t, err)
	require.Equal(t, ActionAdvancedPhase, res.Action)

	// Everyone votes for the single suggestion; early termination applies.
	for _, p := range parts {
		_, err := m.SubmitVote(ctx, round.ID, p.ID, sg.ID)
		require.NoError(t, err)
	}

	const n = 6
	var wg sync.WaitGroup
	actions := make([]TransitionAction, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := m.AdvanceRound(ctx, round.ID, sess.ID, "racer")
			require.NoError(t, err)
			actions[i] = r.Action
		}(i)
	}
	wg.Wait()

	completed := 0
	for _, a := range actions {
		if a == ActionCompletedAndAdvanced {
			completed++
		}
	}
	require.Equal(t, 1, completed)

	snap, err := m.LoadSnapshot(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, snap.Blocks, 1, "exactly one block per round")
	require.Equal(t, round.ID, snap.Blocks[0].RoundID)
	require.Equal(t, "tacos", snap.Blocks[0].Text)
	require.Equal(t, 2, snap.Round.Number)
	require.Equal(t, models.RoundStatusSuggest, snap.Round.Status)
}

func TestTieHaltsInResultWithoutBlock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m, sess, round, parts := newRunningSession(t, clock)
	ctx := context.Background()

	sgA, err := m.SubmitSuggestion(ctx, round.ID, parts[1].ID, "pizza")
	require.NoError(t, err)
	sgB, err := m.SubmitSuggestion(ctx, round.ID, parts[2].ID, "sushi")
	require.NoError(t, err)

	clock.Advance(61 * time.Second)
	_, err = m.AdvanceRound(ctx, round.ID, sess.ID, "client-host")
	require.NoError(t, err)

	_, err = m.SubmitVote(ctx, round.ID, parts[1].ID, sgA.ID)
	require.NoError(t, err)
	_, err = m.SubmitVote(ctx, round.ID, parts[2].ID, sgB.ID)
	require.NoError(t, err)

	clock.Advance(31 * time.Second)
	res, err := m.AdvanceRound(ctx, round.ID, sess.ID, "client-host")
	require.NoError(t, err)
	require.Equal(t, ActionAdvancedPhase, res.Action)

	snap, err := m.LoadSnapshot(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, models.RoundStatusResult, snap.Round.Status)
	require.Empty(t, snap.Blocks, "a tie must not produce an automatic block")

	// Retried advancement while waiting on the manual pick is a no-op.
	res, err = m.AdvanceRound(ctx, round.ID, sess.ID, "client-host")
	require.NoError(t, err)
	require.Equal(t, ActionNoOpAlreadyApplied, res.Action)
}

func TestUpsertBlockSafeToRepeat(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m, sess, round, _ := newRunningSession(t, clock)
	ctx := context.Background()

	req := BlockUpsertRequest{
		SessionID:  sess.ID,
		RoundID:    round.ID,
		Text:       "pizza",
		IsTieBreak: true,
	}

	const n = 5
	var wg sync.WaitGroup
	inserted := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := m.UpsertBlock(ctx, req)
			require.NoError(t, err)
			inserted[i] = res.Action == BlockInserted
		}(i)
	}
	wg.Wait()

	count := 0
	for _, ok := range inserted {
		if ok {
			count++
		}
	}
	require.Equal(t, 1, count, "exactly one insert regardless of concurrent attempts")

	snap, err := m.LoadSnapshot(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, snap.Blocks, 1)
	require.True(t, snap.Blocks[0].IsTieBreak)
}

func TestValidateMembership(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m, sess, _, parts := newRunningSession(t, clock)
	ctx := context.Background()

	ms, err := m.ValidateMembership(ctx, sess.ID, parts[0].ClientID)
	require.NoError(t, err)
	require.True(t, ms.Valid)
	require.Equal(t, models.SessionStatusRunning, ms.SessionStatus)

	ms, err = m.ValidateMembership(ctx, sess.ID, "intruder")
	require.NoError(t, err)
	require.False(t, ms.Valid)
}

func TestNoSuggestionsProducesPlaceholderBlock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m, sess, round, _ := newRunningSession(t, clock)
	ctx := context.Background()

	clock.Advance(61 * time.Second)
	_, err := m.AdvanceRound(ctx, round.ID, sess.ID, "client-host")
	require.NoError(t, err)

	clock.Advance(31 * time.Second)
	res, err := m.AdvanceRound(ctx, round.ID, sess.ID, "client-host")
	require.NoError(t, err)
	require.Equal(t, ActionCompletedAndAdvanced, res.Action)

	snap, err := m.LoadSnapshot(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, snap.Blocks, 1)
	require.Nil(t, snap.Blocks[0].SuggestionID)
	require.Equal(t, noSuggestionsBlockText, snap.Blocks[0].Text)
}
