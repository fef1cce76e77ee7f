package session

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/jmdev3/conclave/internal/models"
	"github.com/jmdev3/conclave/internal/resolver"
)

// Phase is the client-side derived phase of a session, computed from the
// session status, the current round status, and the timer.
type Phase string

const (
	PhaseLobby   Phase = "LOBBY"
	PhaseSuggest Phase = "SUGGEST"
	PhaseVote    Phase = "VOTE"
	PhaseResult  Phase = "RESULT"
	PhaseClosed  Phase = "CLOSED"
)

// Snapshot is one client's advisory copy of a session's state. The
// server-side store is the source of truth; a snapshot is only ever a
// best-effort mirror kept warm by the change feed and full reloads.
type Snapshot struct {
	Session      models.Session
	Round        *models.Round
	Participants []models.Participant
	Suggestions  []models.Suggestion
	Votes        []models.Vote
	Blocks       []models.Block

	// Version increments on every mutation; LoadedAt marks the last
	// full authoritative reload.
	Version  uint64
	LoadedAt time.Time

	// ranking holds participant client ids in backup-actor order,
	// memoized per snapshot version. Sort key is (joined_at, id) so the
	// order is a deterministic total order across clients.
	ranking []string
}

// DerivedPhase computes the phase this client believes the session is in.
func (s *Snapshot) DerivedPhase() Phase {
	switch s.Session.Status {
	case models.SessionStatusClosed:
		return PhaseClosed
	case models.SessionStatusLobby:
		return PhaseLobby
	}
	if s.Round == nil {
		// Running session without a visible round: we are stale.
		return PhaseLobby
	}
	switch s.Round.Status {
	case models.RoundStatusSuggest:
		return PhaseSuggest
	case models.RoundStatusVote:
		return PhaseVote
	case models.RoundStatusResult:
		return PhaseResult
	default:
		return PhaseLobby
	}
}

// BackupRank returns the client's position in the backup-actor order:
// 0 is the host, 1 the sole authorized backup. Returns -1 for clients
// not present in the snapshot.
func (s *Snapshot) BackupRank(clientID string) int {
	for i, id := range s.ranking {
		if id == clientID {
			return i
		}
	}
	return -1
}

// Host returns the host participant, or nil if not (yet) known.
func (s *Snapshot) Host() *models.Participant {
	for i := range s.Participants {
		if s.Participants[i].IsHost {
			return &s.Participants[i]
		}
	}
	return nil
}

// ParticipantByClientID returns the participant row for a client id.
func (s *Snapshot) ParticipantByClientID(clientID string) *models.Participant {
	for i := range s.Participants {
		if s.Participants[i].ClientID == clientID {
			return &s.Participants[i]
		}
	}
	return nil
}

// RoundSuggestions returns the suggestions belonging to the current round.
func (s *Snapshot) RoundSuggestions() []models.Suggestion {
	if s.Round == nil {
		return nil
	}
	var out []models.Suggestion
	for _, sg := range s.Suggestions {
		if sg.RoundID == s.Round.ID {
			out = append(out, sg)
		}
	}
	return out
}

// RoundVotes returns the votes belonging to the current round.
func (s *Snapshot) RoundVotes() []models.Vote {
	if s.Round == nil {
		return nil
	}
	var out []models.Vote
	for _, v := range s.Votes {
		if v.RoundID == s.Round.ID {
			out = append(out, v)
		}
	}
	return out
}

// Tallies re-derives per-suggestion vote counts for the current round,
// for the resolver and for the manual transition fallback.
func (s *Snapshot) Tallies() []resolver.Tally {
	suggestions := s.RoundSuggestions()
	if len(suggestions) == 0 {
		return nil
	}
	counts := make(map[uuid.UUID]int)
	for _, v := range s.RoundVotes() {
		counts[v.SuggestionID]++
	}
	tallies := make([]resolver.Tally, 0, len(suggestions))
	for _, sg := range suggestions {
		tallies = append(tallies, resolver.Tally{
			SuggestionID: sg.ID,
			Text:         sg.Text,
			Votes:        counts[sg.ID],
			CreatedAt:    sg.CreatedAt,
		})
	}
	return tallies
}

// AllPresentVoted reports whether every online participant has cast a
// vote in the current round. False when nobody is online, so an empty
// room never triggers early advancement.
func (s *Snapshot) AllPresentVoted() bool {
	if s.Round == nil {
		return false
	}
	voted := make(map[uuid.UUID]bool)
	for _, v := range s.RoundVotes() {
		voted[v.ParticipantID] = true
	}
	online := 0
	for _, p := range s.Participants {
		if !p.Online {
			continue
		}
		online++
		if !voted[p.ID] {
			return false
		}
	}
	return online > 0
}

// BlockForRound returns the block recorded for a round, if any.
func (s *Snapshot) BlockForRound(roundID uuid.UUID) *models.Block {
	for i := range s.Blocks {
		if s.Blocks[i].RoundID == roundID {
			return &s.Blocks[i]
		}
	}
	return nil
}

func (s *Snapshot) recomputeRanking() {
	ordered := make([]models.Participant, len(s.Participants))
	copy(ordered, s.Participants)
	sort.Slice(ordered, func(i, j int) bool {
		if !ordered[i].JoinedAt.Equal(ordered[j].JoinedAt) {
			return ordered[i].JoinedAt.Before(ordered[j].JoinedAt)
		}
		return ordered[i].ID.String() < ordered[j].ID.String()
	})
	s.ranking = make([]string, len(ordered))
	for i, p := range ordered {
		s.ranking[i] = p.ClientID
	}
}
