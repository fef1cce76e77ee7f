package gateway

import (
	"github.com/jonboulle/clockwork"

	"github.com/jmdev3/conclave/internal/coordinator"
	"github.com/jmdev3/conclave/internal/models"
	"github.com/jmdev3/conclave/internal/resolver"
	"github.com/jmdev3/conclave/internal/session"
)

// Frame types pushed to clients. State frames carry the whole derived
// view; the client renders them without tracking deltas, and the
// countdown is a server-derived number so client clocks never matter.
const (
	FrameState = "state"
	FrameError = "error"
)

// StatePayload is the full session view pushed on every change and on
// every timer tick.
type StatePayload struct {
	Type             string               `json:"type"`
	Phase            session.Phase        `json:"phase"`
	RemainingSec     int                  `json:"remaining_sec"`
	Session          models.Session       `json:"session"`
	Round            *models.Round        `json:"round,omitempty"`
	Participants     []models.Participant `json:"participants"`
	Suggestions      []models.Suggestion  `json:"suggestions"`
	Tallies          []resolver.Tally     `json:"tallies,omitempty"`
	Blocks           []models.Block       `json:"blocks"`
	AwaitingTieBreak bool                 `json:"awaiting_tie_break"`
	Stuck            bool                 `json:"stuck"`
}

// ErrorPayload reports a failed client command.
type ErrorPayload struct {
	Type    string `json:"type"`
	Op      string `json:"op"`
	Message string `json:"message"`
}

// BuildState assembles the pushable view from a snapshot. Tallies are
// included only once the round reaches result, so clients cannot peek
// at the running count while votes are still open.
func BuildState(snap *session.Snapshot, clock clockwork.Clock, stuck bool) StatePayload {
	phase := snap.DerivedPhase()

	p := StatePayload{
		Type:         FrameState,
		Phase:        phase,
		Session:      snap.Session,
		Round:        snap.Round,
		Participants: snap.Participants,
		Suggestions:  snap.RoundSuggestions(),
		Blocks:       snap.Blocks,
		Stuck:        stuck,
	}
	if snap.Round != nil {
		p.RemainingSec = coordinator.RemainingSeconds(clock, snap.Round.EndsAt)
		if phase == session.PhaseResult {
			p.Tallies = snap.Tallies()
			p.AwaitingTieBreak = snap.BlockForRound(snap.Round.ID) == nil
		}
	}
	return p
}
