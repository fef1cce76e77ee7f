package coordinator

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jmdev3/conclave/internal/models"
	"github.com/jmdev3/conclave/internal/session"
)

// failoverState tracks stuck-phase detection for this client. It is
// guarded by Coordinator.mu.
type failoverState struct {
	isStuck            bool
	stuckSince         time.Time
	lastEmergencyTried time.Time
}

// trackPhase records when the current (round, status) pair was first
// observed, so phases without a deadline can still be judged stuck by
// age. Any change of round or status resets the clock.
func (c *Coordinator) trackPhase(snap *session.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if snap.Round == nil {
		c.phaseTracked = false
		c.failover.isStuck = false
		return
	}
	if !c.phaseTracked || c.phaseRound != snap.Round.ID || c.phaseStatus != snap.Round.Status {
		c.phaseRound = snap.Round.ID
		c.phaseStatus = snap.Round.Status
		c.phaseSeenAt = c.clock.Now()
		c.phaseTracked = true
		c.failover.isStuck = false
	}
}

// checkStuck flags a phase that should have transitioned long ago and,
// when this client ranks as host or first backup, fires a rate-limited
// emergency advancement. The emergency path calls the same idempotent
// procedure as the normal path, so a spurious firing is harmless.
func (c *Coordinator) checkStuck(ctx context.Context, snap *session.Snapshot) {
	r := snap.Round
	if r == nil || snap.Session.Status != models.SessionStatusRunning {
		return
	}
	if r.Status == models.RoundStatusResult && snap.BlockForRound(r.ID) == nil {
		// Tied round halted on purpose; only the host can move it.
		return
	}

	stuck := c.detectStuck(r)
	if !stuck {
		return
	}

	rank := snap.BackupRank(c.clientID)
	if rank < 0 || rank > 1 {
		// Only the host and the first backup act on a stuck phase;
		// everyone else keeps watching.
		return
	}
	if !c.mayFireEmergency() {
		return
	}

	c.mu.Lock()
	stuckFor := c.clock.Since(c.failover.stuckSince)
	c.mu.Unlock()

	log.Warn().
		Str("instance", c.instanceID).
		Str("round_id", r.ID.String()).
		Str("status", string(r.Status)).
		Dur("stuck_for", stuckFor).
		Int("backup_rank", rank).
		Msg("phase is stuck, firing emergency advancement")

	if !c.beginAttempt() {
		return
	}
	defer c.endAttempt()

	result, err := c.remote.AdvanceRound(ctx, r.ID, c.sessionID, c.clientID)
	if err != nil {
		log.Error().Err(err).Str("round_id", r.ID.String()).Msg("emergency advancement failed")
		return
	}
	log.Info().
		Str("instance", c.instanceID).
		Str("round_id", r.ID.String()).
		Str("action", string(result.Action)).
		Msg("emergency advancement returned")
}

// detectStuck updates and returns the stuck flag for the current round.
// A round with a deadline is stuck once the deadline is StuckOverdue in
// the past; a deadline-less phase is stuck once it has been observed
// unchanged for StuckNoDeadline.
func (c *Coordinator) detectStuck(r *models.Round) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	var stuck bool
	if r.EndsAt != nil {
		stuck = c.clock.Now().Sub(*r.EndsAt) >= c.cfg.StuckOverdue
	} else {
		stuck = c.phaseTracked && c.clock.Since(c.phaseSeenAt) >= c.cfg.StuckNoDeadline
	}

	if stuck && !c.failover.isStuck {
		c.failover.isStuck = true
		c.failover.stuckSince = c.clock.Now()
	} else if !stuck {
		c.failover.isStuck = false
	}
	return stuck
}

// mayFireEmergency rate-limits emergency advancement to one attempt per
// EmergencyInterval per client.
func (c *Coordinator) mayFireEmergency() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.failover.lastEmergencyTried.IsZero() &&
		c.clock.Since(c.failover.lastEmergencyTried) < c.cfg.EmergencyInterval {
		return false
	}
	c.failover.lastEmergencyTried = c.clock.Now()
	return true
}

// IsStuck reports whether the coordinator currently considers the phase
// stuck. Exposed for the gateway's status payloads.
func (c *Coordinator) IsStuck() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failover.isStuck
}
