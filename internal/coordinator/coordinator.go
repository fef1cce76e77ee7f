package coordinator

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
	"github.com/jmdev3/conclave/internal/store"
)

// Config tunes the coordinator. The stuck thresholds and rate limits
// affect failover responsiveness only, not correctness; correctness
// rests on the transition procedure's idempotency.
type Config struct {
	// TickInterval drives the decision loop and timer recomputation.
	TickInterval time.Duration
	// GraceMargin is how long past the deadline a non-host waits before
	// contending with the host for the transition.
	GraceMargin time.Duration
	// InProgressTimeout force-clears the local transition-in-progress
	// flag so a wedged attempt cannot deadlock the client forever.
	InProgressTimeout time.Duration
	// StuckOverdue flags a round whose deadline has been expired this long.
	StuckOverdue time.Duration
	// StuckNoDeadline flags a deadline-less phase that has lasted this long.
	StuckNoDeadline time.Duration
	// EmergencyInterval rate-limits emergency advancement per client.
	EmergencyInterval time.Duration
	// MembershipPollInterval is the cadence of membership revalidation.
	MembershipPollInterval time.Duration

	// PrimaryRetry wraps calls to the transition procedure.
	PrimaryRetry retry.Policy
	// FallbackRetry wraps the manual multi-step fallback.
	FallbackRetry retry.Policy
}

// DefaultConfig returns the standard coordinator settings.
func DefaultConfig() Config {
	return Config{
		TickInterval:           time.Second,
		GraceMargin:            2 * time.Second,
		InProgressTimeout:      30 * time.Second,
		StuckOverdue:           30 * time.Second,
		StuckNoDeadline:        5 * time.Minute,
		EmergencyInterval:      60 * time.Second,
		MembershipPollInterval: 30 * time.Second,
		PrimaryRetry: retry.Policy{
			MaxAttempts: 2,
			BaseDelay:   500 * time.Millisecond,
			Multiplier:  2,
			MaxDelay:    5 * time.Second,
		},
		FallbackRetry: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			Multiplier:  2,
			MaxDelay:    30 * time.Second,
		},
	}
}

// Reporter receives failures that should reach the user. Background
// failures are logged only; user-initiated ones are also surfaced here.
type Reporter interface {
	UserError(op string, err error)
}

type logReporter struct{}

func (logReporter) UserError(op string, err error) {
	log.Error().Err(err).Str("op", op).Msg("operation failed")
}

// Coordinator is the per-client decision loop: it watches the snapshot
// and the timer, decides whether this client should attempt a phase
// transition, and drives the transition procedure (or its manual
// fallback) when it is. Several clients run this loop concurrently for
// one session; the procedure's idempotency, not client-side locking,
// is what keeps the outcome exactly-once.
type Coordinator struct {
	remote     store.Store
	snaps      *session.Store
	clock      clockwork.Clock
	cfg        Config
	sessionID  uuid.UUID
	clientID   string
	instanceID string
	reporter   Reporter

	mu              sync.Mutex
	inProgress      bool
	inProgressSince time.Time
	failover        failoverState

	// phase tracking for the no-deadline stuck detector
	phaseRound   uuid.UUID
	phaseStatus  models.RoundStatus
	phaseSeenAt  time.Time
	phaseTracked bool
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithReporter routes user-facing failures to r.
func WithReporter(r Reporter) Option {
	return func(c *Coordinator) { c.reporter = r }
}

// New creates a coordinator for one session. clientID is this client's
// stable identity and is threaded explicitly rather than read from any
// ambient global.
func New(remote store.Store, snaps *session.Store, clock clockwork.Clock, cfg Config, sessionID uuid.UUID, clientID string, opts ...Option) *Coordinator {
	c := &Coordinator{
		remote:     remote,
		snaps:      snaps,
		clock:      clock,
		cfg:        cfg,
		sessionID:  sessionID,
		clientID:   clientID,
		instanceID: uuid.New().String()[:8],
		reporter:   logReporter{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run drives the decision loop until the context is cancelled or the
// client's session membership is revoked.
func (c *Coordinator) Run(ctx context.Context) error {
	log.Info().
		Str("instance", c.instanceID).
		Str("session_id", c.sessionID.String()).
		Str("client_id", c.clientID).
		Msg("coordinator started")

	ticker := c.clock.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()
	membership := c.clock.NewTicker(c.cfg.MembershipPollInterval)
	defer membership.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("instance", c.instanceID).Msg("coordinator shutting down")
			return ctx.Err()
		case <-ticker.Chan():
			c.tick(ctx)
		case <-membership.Chan():
			if err := c.revalidateMembership(ctx); err != nil {
				return err
			}
		}
	}
}

// tick runs one decision-loop iteration.
func (c *Coordinator) tick(ctx context.Context) {
	snap := c.snaps.View()
	c.trackPhase(&snap)

	if snap.Session.Status != models.SessionStatusRunning || snap.Round == nil {
		return
	}

	due, trigger := c.shouldAdvance(&snap)
	if due && c.mayAttempt(&snap, trigger) {
		c.attemptTransition(ctx, &snap, trigger)
	}

	c.checkStuck(ctx, &snap)
}

type advanceTrigger string

const (
	triggerDeadline   advanceTrigger = "deadline_elapsed"
	triggerAllVoted   advanceTrigger = "all_votes_in"
	triggerTieResolve advanceTrigger = "result_recorded"
)

// shouldAdvance decides whether the current round is due a transition.
func (c *Coordinator) shouldAdvance(snap *session.Snapshot) (bool, advanceTrigger) {
	r := snap.Round
	deadlineElapsed := r.EndsAt != nil && overdueBy(c.clock, r.EndsAt) >= 0

	switch r.Status {
	case models.RoundStatusLobby, models.RoundStatusSuggest:
		return deadlineElapsed, triggerDeadline
	case models.RoundStatusVote:
		if snap.AllPresentVoted() {
			return true, triggerAllVoted
		}
		return deadlineElapsed, triggerDeadline
	case models.RoundStatusResult:
		// A result round with a recorded block is waiting for its
		// successor (e.g. after a manual tie-break raced a crash).
		return snap.BlockForRound(r.ID) != nil, triggerTieResolve
	}
	return false, ""
}

// mayAttempt applies the actor gating: the host attempts immediately;
// everyone else waits out a grace margin so most rounds see a single
// attempter, without ever depending on that for correctness.
func (c *Coordinator) mayAttempt(snap *session.Snapshot, trigger advanceTrigger) bool {
	self := snap.ParticipantByClientID(c.clientID)
	if self != nil && self.IsHost {
		return true
	}
	if trigger == triggerAllVoted {
		return true
	}
	return overdueBy(c.clock, snap.Round.EndsAt) >= c.cfg.GraceMargin
}

// beginAttempt takes the local in-progress flag. A flag older than
// InProgressTimeout is forcibly cleared first: liveness beats a wedged
// state machine.
func (c *Coordinator) beginAttempt() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inProgress {
		if c.clock.Since(c.inProgressSince) < c.cfg.InProgressTimeout {
			return false
		}
		log.Warn().
			Str("instance", c.instanceID).
			Dur("age", c.clock.Since(c.inProgressSince)).
			Msg("force-clearing stale transition-in-progress flag")
	}
	c.inProgress = true
	c.inProgressSince = c.clock.Now()
	return true
}

func (c *Coordinator) endAttempt() {
	c.mu.Lock()
	c.inProgress = false
	c.mu.Unlock()
}

// attemptTransition invokes the transition procedure, falling back to
// the manual multi-step sequence when the procedure itself is
// unavailable. Both paths treat "already applied" as success.
func (c *Coordinator) attemptTransition(ctx context.Context, snap *session.Snapshot, trigger advanceTrigger) {
	if !c.beginAttempt() {
		return
	}
	defer c.endAttempt()

	roundID := snap.Round.ID
	log.Info().
		Str("instance", c.instanceID).
		Str("round_id", roundID.String()).
		Str("trigger", string(trigger)).
		Msg("attempting phase transition")

	var result store.TransitionResult
	err := retry.Do(ctx, c.clock, c.cfg.PrimaryRetry, "advance round", func(ctx context.Context) error {
		var err error
		result, err = c.remote.AdvanceRound(ctx, roundID, c.sessionID, c.clientID)
		return err
	})
	if err == nil {
		log.Info().
			Str("instance", c.instanceID).
			Str("round_id", roundID.String()).
			Str("action", string(result.Action)).
			Msg("transition procedure returned")
		return
	}
	if retry.ClassOf(err) == retry.ClassRejected {
		// Background-triggered; log and stand down.
		log.Warn().Err(err).Str("round_id", roundID.String()).Msg("transition rejected")
		return
	}

	log.Warn().
		Err(err).
		Str("instance", c.instanceID).
		Msg("transition procedure unavailable, running manual fallback")

	ferr := retry.Do(ctx, c.clock, c.cfg.FallbackRetry, "manual transition fallback", c.fallbackOnce)
	if ferr != nil {
		log.Error().Err(ferr).Str("round_id", roundID.String()).Msg("manual fallback failed")
		c.reporter.UserError("advance round", ferr)
	}
}

// fallbackOnce reproduces the transition procedure's effect as discrete
// writes: re-derive the tallies from the snapshot, resolve the winner,
// record the block, update the round, open the successor, and touch the
// session so other clients' guards notice. Each step absorbs conflicts:
// losing a race to another actor is the outcome we wanted anyway.
func (c *Coordinator) fallbackOnce(ctx context.Context) error {
	snap := c.snaps.View()
	r := snap.Round
	if r == nil || snap.Session.Status != models.SessionStatusRunning {
		return nil
	}
	now := c.clock.Now()

	switch r.Status {
	case models.RoundStatusLobby:
		endsAt := now.Add(time.Duration(snap.Session.SuggestSeconds) * time.Second)
		if err := absorbConflict(c.remote.MarkRoundSuggest(ctx, r.ID, endsAt)); err != nil {
			return err
		}

	case models.RoundStatusSuggest:
		endsAt := now.Add(time.Duration(snap.Session.VoteSeconds) * time.Second)
		if err := absorbConflict(c.remote.MarkRoundVoting(ctx, r.ID, endsAt)); err != nil {
			return err
		}

	case models.RoundStatusVote:
		if err := c.fallbackFinishVote(ctx, &snap, now); err != nil {
			return err
		}

	case models.RoundStatusResult:
		if snap.BlockForRound(r.ID) == nil {
			return nil
		}
		if err := c.openNextRound(ctx, &snap, now); err != nil {
			return err
		}
	}

	return c.remote.TouchSession(ctx, c.sessionID)
}

func (c *Coordinator) fallbackFinishVote(ctx context.Context, snap *session.Snapshot, now time.Time) error {
	r := snap.Round
	res := resolver.Resolve(snap.Tallies())

	switch res.Outcome {
	case resolver.OutcomeTie:
		// Halt in result with no block; the host resolves manually.
		log.Info().
			Str("round_id", r.ID.String()).
			Int("contenders", len(res.Contenders)).
			Msg("vote ended in a tie, awaiting manual resolution")
		return absorbConflict(c.remote.CompleteRound(ctx, r.ID, nil))

	case resolver.OutcomeNoSuggestions:
		if _, err := c.remote.UpsertBlock(ctx, store.BlockUpsertRequest{
			SessionID: c.sessionID,
			RoundID:   r.ID,
			Text:      "No suggestions were submitted.",
		}); err != nil {
			return err
		}
		if err := absorbConflict(c.remote.CompleteRound(ctx, r.ID, nil)); err != nil {
			return err
		}
		return c.openNextRound(ctx, snap, now)

	default:
		winnerID := res.Winner.SuggestionID
		if _, err := c.remote.UpsertBlock(ctx, store.BlockUpsertRequest{
			SessionID:    c.sessionID,
			RoundID:      r.ID,
			SuggestionID: &winnerID,
			Text:         res.Winner.Text,
		}); err != nil {
			return err
		}
		if err := absorbConflict(c.remote.CompleteRound(ctx, r.ID, &winnerID)); err != nil {
			return err
		}
		return c.openNextRound(ctx, snap, now)
	}
}

// openNextRound opens the successor round. Completing a round always
// opens the next one; AutoAdvance only decides whether it starts with
// an automatic suggest deadline or waits for the host to pace it.
func (c *Coordinator) openNextRound(ctx context.Context, snap *session.Snapshot, now time.Time) error {
	var endsAt *time.Time
	if snap.Session.AutoAdvance {
		e := now.Add(time.Duration(snap.Session.SuggestSeconds) * time.Second)
		endsAt = &e
	}
	_, err := c.remote.CreateNextRound(ctx, c.sessionID, snap.Round.Number+1, endsAt)
	return absorbConflict(err)
}

// absorbConflict folds concurrency losses into success: a conflict
// means another actor already applied the write.
func absorbConflict(err error) error {
	if err == nil {
		return nil
	}
	if retry.ClassOf(err) == retry.ClassConflict {
		log.Debug().Err(err).Msg("write already applied by another actor")
		return nil
	}
	return err
}

func (c *Coordinator) revalidateMembership(ctx context.Context) error {
	ms, err := c.remote.ValidateMembership(ctx, c.sessionID, c.clientID)
	if err != nil {
		// Transient trouble is not eviction; the next poll retries.
		log.Warn().Err(err).Msg("membership validation failed, will retry")
		return nil
	}
	if !ms.Valid {
		log.Warn().
			Str("session_id", c.sessionID.String()).
			Str("message", ms.Message).
			Msg("session membership revoked, stopping coordinator")
		return fmt.Errorf("membership revoked: %s", ms.Message)
	}
	return nil
}
