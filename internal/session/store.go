package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/jmdev3/conclave/internal/models"
)

// Store holds the snapshot behind a lock so the change-feed guard, the
// coordinator, and the gateway can share it. Writers are the guard and
// full reloads; everyone else takes copies via View.
type Store struct {
	mu      sync.RWMutex
	snap    Snapshot
	changed chan struct{}
}

// NewStore creates an empty snapshot store.
func NewStore() *Store {
	return &Store{
		changed: make(chan struct{}, 1),
	}
}

// Changed returns a coalescing wake channel signalled on every mutation.
func (st *Store) Changed() <-chan struct{} {
	return st.changed
}

func (st *Store) wake() {
	select {
	case st.changed <- struct{}{}:
	default:
	}
}

// View returns a copy of the current snapshot. Slices are copied so the
// caller can read without racing later mutations.
func (st *Store) View() Snapshot {
	st.mu.RLock()
	defer st.mu.RUnlock()

	out := st.snap
	if st.snap.Round != nil {
		r := *st.snap.Round
		out.Round = &r
	}
	out.Participants = append([]models.Participant(nil), st.snap.Participants...)
	out.Suggestions = append([]models.Suggestion(nil), st.snap.Suggestions...)
	out.Votes = append([]models.Vote(nil), st.snap.Votes...)
	out.Blocks = append([]models.Block(nil), st.snap.Blocks...)
	out.ranking = append([]string(nil), st.snap.ranking...)
	return out
}

// Replace installs a freshly loaded authoritative snapshot.
func (st *Store) Replace(snap Snapshot, loadedAt time.Time) {
	st.mu.Lock()
	snap.Version = st.snap.Version + 1
	snap.LoadedAt = loadedAt
	snap.recomputeRanking()
	st.snap = snap
	st.mu.Unlock()

	log.Debug().
		Str("session_id", snap.Session.ID.String()).
		Uint64("version", snap.Version).
		Msg("snapshot replaced")
	st.wake()
}

// ApplySession overwrites the session row.
func (st *Store) ApplySession(s models.Session) {
	st.mu.Lock()
	st.snap.Session = s
	st.snap.Version++
	st.mu.Unlock()
	st.wake()
}

// ApplyRound installs or updates the current round. Rounds older than
// the one we already track are ignored; round numbers only move forward.
func (st *Store) ApplyRound(r models.Round) {
	st.mu.Lock()
	defer func() {
		st.mu.Unlock()
		st.wake()
	}()

	if st.snap.Round != nil && r.ID != st.snap.Round.ID && r.Number < st.snap.Round.Number {
		log.Debug().
			Str("round_id", r.ID.String()).
			Int("number", r.Number).
			Msg("ignoring stale round notification")
		return
	}
	st.snap.Round = &r
	st.snap.Version++
}

// ApplyParticipant upserts a participant row and refreshes the memoized
// backup ranking.
func (st *Store) ApplyParticipant(p models.Participant) {
	st.mu.Lock()
	replaced := false
	for i := range st.snap.Participants {
		if st.snap.Participants[i].ID == p.ID {
			st.snap.Participants[i] = p
			replaced = true
			break
		}
	}
	if !replaced {
		st.snap.Participants = append(st.snap.Participants, p)
	}
	st.snap.Version++
	st.snap.recomputeRanking()
	st.mu.Unlock()
	st.wake()
}

// RemoveParticipant drops a participant row.
func (st *Store) RemoveParticipant(id uuid.UUID) {
	st.mu.Lock()
	for i := range st.snap.Participants {
		if st.snap.Participants[i].ID == id {
			st.snap.Participants = append(st.snap.Participants[:i], st.snap.Participants[i+1:]...)
			break
		}
	}
	st.snap.Version++
	st.snap.recomputeRanking()
	st.mu.Unlock()
	st.wake()
}

// ApplySuggestion upserts a suggestion. Replacement by (round,
// participant) mirrors the server-side uniqueness invariant, so a
// resubmission notification does not leave two rows behind.
func (st *Store) ApplySuggestion(sg models.Suggestion) {
	st.mu.Lock()
	replaced := false
	for i := range st.snap.Suggestions {
		existing := &st.snap.Suggestions[i]
		if existing.ID == sg.ID ||
			(existing.RoundID == sg.RoundID && existing.ParticipantID == sg.ParticipantID) {
			*existing = sg
			replaced = true
			break
		}
	}
	if !replaced {
		st.snap.Suggestions = append(st.snap.Suggestions, sg)
	}
	st.snap.Version++
	st.mu.Unlock()
	st.wake()
}

// RemoveSuggestion drops a suggestion row.
func (st *Store) RemoveSuggestion(id uuid.UUID) {
	st.mu.Lock()
	for i := range st.snap.Suggestions {
		if st.snap.Suggestions[i].ID == id {
			st.snap.Suggestions = append(st.snap.Suggestions[:i], st.snap.Suggestions[i+1:]...)
			break
		}
	}
	st.snap.Version++
	st.mu.Unlock()
	st.wake()
}

// ApplyVote upserts a vote, superseding the participant's previous
// choice for the round.
func (st *Store) ApplyVote(v models.Vote) {
	st.mu.Lock()
	replaced := false
	for i := range st.snap.Votes {
		existing := &st.snap.Votes[i]
		if existing.ID == v.ID ||
			(existing.RoundID == v.RoundID && existing.ParticipantID == v.ParticipantID) {
			*existing = v
			replaced = true
			break
		}
	}
	if !replaced {
		st.snap.Votes = append(st.snap.Votes, v)
	}
	st.snap.Version++
	st.mu.Unlock()
	st.wake()
}

// RemoveVote drops a vote row.
func (st *Store) RemoveVote(id uuid.UUID) {
	st.mu.Lock()
	for i := range st.snap.Votes {
		if st.snap.Votes[i].ID == id {
			st.snap.Votes = append(st.snap.Votes[:i], st.snap.Votes[i+1:]...)
			break
		}
	}
	st.snap.Version++
	st.mu.Unlock()
	st.wake()
}

// ApplyBlock records a round's block. Duplicate notifications for the
// same round collapse onto the existing entry.
func (st *Store) ApplyBlock(b models.Block) {
	st.mu.Lock()
	replaced := false
	for i := range st.snap.Blocks {
		if st.snap.Blocks[i].ID == b.ID || st.snap.Blocks[i].RoundID == b.RoundID {
			st.snap.Blocks[i] = b
			replaced = true
			break
		}
	}
	if !replaced {
		st.snap.Blocks = append(st.snap.Blocks, b)
	}
	st.snap.Version++
	st.mu.Unlock()
	st.wake()
}
