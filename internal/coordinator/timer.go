package coordinator

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// RemainingSeconds derives the phase countdown from an absolute,
// server-assigned deadline. It is recomputed in full on every tick
// instead of decremented locally, so delayed ticks (a backgrounded tab,
// a paused process) self-correct instead of accumulating drift. A round
// without a deadline reads as zero and never fires deadline triggers.
func RemainingSeconds(clock clockwork.Clock, endsAt *time.Time) int {
	if endsAt == nil {
		return 0
	}
	remaining := endsAt.Sub(clock.Now())
	if remaining <= 0 {
		return 0
	}
	return int(remaining / time.Second)
}

// overdueBy reports how long ago the deadline passed. Zero or negative
// means the deadline has not elapsed; a nil deadline never elapses.
func overdueBy(clock clockwork.Clock, endsAt *time.Time) time.Duration {
	if endsAt == nil {
		return 0
	}
	return clock.Now().Sub(*endsAt)
}
