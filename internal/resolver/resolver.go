package resolver

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Outcome classifies the result of tallying a round.
type Outcome string

const (
	// OutcomeWinner means a unique top suggestion was found.
	OutcomeWinner Outcome = "WINNER"
	// OutcomeTie means the top two suggestions have equal vote counts
	// and the host must resolve manually.
	OutcomeTie Outcome = "TIE"
	// OutcomeNoSuggestions means the round received no suggestions.
	OutcomeNoSuggestions Outcome = "NO_SUGGESTIONS"
)

// Tally is one suggestion's vote count for a round.
type Tally struct {
	SuggestionID uuid.UUID
	Text         string
	Votes        int
	CreatedAt    time.Time
}

// Result is the outcome of resolving one round's tallies.
type Result struct {
	Outcome Outcome
	// Winner is set only when Outcome is OutcomeWinner.
	Winner *Tally
	// Contenders holds every suggestion sharing the top vote count when
	// Outcome is OutcomeTie, for the host's manual pick.
	Contenders []Tally
}

// Resolve determines a round's winner from its tallies. Ranking is by
// vote count descending, then submission time ascending; an equal top
// vote count is a tie and yields no automatic winner.
func Resolve(tallies []Tally) Result {
	if len(tallies) == 0 {
		return Result{Outcome: OutcomeNoSuggestions}
	}

	ranked := make([]Tally, len(tallies))
	copy(ranked, tallies)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Votes != ranked[j].Votes {
			return ranked[i].Votes > ranked[j].Votes
		}
		return ranked[i].CreatedAt.Before(ranked[j].CreatedAt)
	})

	if len(ranked) >= 2 && ranked[0].Votes == ranked[1].Votes {
		top := ranked[0].Votes
		var contenders []Tally
		for _, t := range ranked {
			if t.Votes == top {
				contenders = append(contenders, t)
			}
		}
		return Result{Outcome: OutcomeTie, Contenders: contenders}
	}

	winner := ranked[0]
	return Result{Outcome: OutcomeWinner, Winner: &winner}
}
