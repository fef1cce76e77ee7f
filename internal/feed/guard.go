package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/jmdev3/conclave/internal/models"
	"github.com/jmdev3/conclave/internal/session"
)

// SnapshotLoader fetches the authoritative session state. Satisfied by
// the store.
type SnapshotLoader interface {
	LoadSnapshot(ctx context.Context, sessionID uuid.UUID) (session.Snapshot, error)
}

// GuardConfig tunes the reconciliation guard.
type GuardConfig struct {
	// ReconcileInterval is the cadence of the consistency check. The
	// suggest phase around a round transition is the highest-risk
	// window for missed notifications, so the default is tight.
	ReconcileInterval time.Duration
}

// DefaultGuardConfig returns the standard guard settings.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{ReconcileInterval: 2 * time.Second}
}

// Guard keeps the snapshot store warm. Feed events are applied
// optimistically as hints; a periodic consistency check compares the
// locally derived phase against the authoritative session status and
// forces a full reload whenever they contradict. The feed is never the
// system of record.
type Guard struct {
	source    Source
	loader    SnapshotLoader
	snaps     *session.Store
	monitor   *Monitor
	clock     clockwork.Clock
	cfg       GuardConfig
	sessionID uuid.UUID
}

// NewGuard creates a reconciliation guard for one session. monitor may
// be nil when no health monitoring is wanted (tests).
func NewGuard(source Source, loader SnapshotLoader, snaps *session.Store, monitor *Monitor, clock clockwork.Clock, cfg GuardConfig, sessionID uuid.UUID) *Guard {
	return &Guard{
		source:    source,
		loader:    loader,
		snaps:     snaps,
		monitor:   monitor,
		clock:     clock,
		cfg:       cfg,
		sessionID: sessionID,
	}
}

// Run subscribes to the change feed and reconciles until the context is
// cancelled.
func (g *Guard) Run(ctx context.Context) error {
	if err := g.ForceResync(ctx); err != nil {
		return fmt.Errorf("initial snapshot load: %w", err)
	}

	sub, err := g.source.Subscribe(ctx, g.sessionID, g.HandleEvent)
	if err != nil {
		return fmt.Errorf("subscribe change feed: %w", err)
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			log.Error().Err(err).Msg("unsubscribe change feed")
		}
	}()

	ticker := g.clock.NewTicker(g.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			g.reconcile(ctx)
		}
	}
}

// HandleEvent applies one change notification to the snapshot store.
func (g *Guard) HandleEvent(ev Event) {
	if g.monitor != nil {
		g.monitor.RecordActivity()
	}
	if err := g.apply(ev); err != nil {
		log.Error().
			Err(err).
			Str("entity", string(ev.Entity)).
			Str("event_type", string(ev.Type)).
			Msg("failed to apply feed event")
	}
}

func (g *Guard) apply(ev Event) error {
	switch ev.Entity {
	case EntitySession:
		var m models.Session
		if err := json.Unmarshal(ev.Row, &m); err != nil {
			return fmt.Errorf("unmarshal session row: %w", err)
		}
		g.snaps.ApplySession(m)

	case EntityRound:
		var m models.Round
		if err := json.Unmarshal(ev.Row, &m); err != nil {
			return fmt.Errorf("unmarshal round row: %w", err)
		}
		g.snaps.ApplyRound(m)

	case EntityParticipant:
		var m models.Participant
		if err := json.Unmarshal(ev.Row, &m); err != nil {
			return fmt.Errorf("unmarshal participant row: %w", err)
		}
		if ev.Type == EventDelete {
			g.snaps.RemoveParticipant(m.ID)
		} else {
			g.snaps.ApplyParticipant(m)
		}

	case EntitySuggestion:
		var m models.Suggestion
		if err := json.Unmarshal(ev.Row, &m); err != nil {
			return fmt.Errorf("unmarshal suggestion row: %w", err)
		}
		if ev.Type == EventDelete {
			g.snaps.RemoveSuggestion(m.ID)
		} else {
			g.snaps.ApplySuggestion(m)
		}

	case EntityVote:
		var m models.Vote
		if err := json.Unmarshal(ev.Row, &m); err != nil {
			return fmt.Errorf("unmarshal vote row: %w", err)
		}
		if ev.Type == EventDelete {
			g.snaps.RemoveVote(m.ID)
		} else {
			g.snaps.ApplyVote(m)
		}

	case EntityBlock:
		var m models.Block
		if err := json.Unmarshal(ev.Row, &m); err != nil {
			return fmt.Errorf("unmarshal block row: %w", err)
		}
		g.snaps.ApplyBlock(m)

	default:
		log.Warn().Str("entity", string(ev.Entity)).Msg("unknown feed entity, ignoring")
	}
	return nil
}

func (g *Guard) reconcile(ctx context.Context) {
	snap := g.snaps.View()
	if !NeedsResync(&snap) {
		return
	}
	log.Warn().
		Str("session_id", g.sessionID.String()).
		Str("derived_phase", string(snap.DerivedPhase())).
		Str("session_status", string(snap.Session.Status)).
		Msg("derived state contradicts authoritative state, forcing resync")

	if err := g.ForceResync(ctx); err != nil {
		log.Error().Err(err).Msg("forced resync failed")
	}
}

// NeedsResync reports whether the snapshot is internally contradictory
// in a way that indicates lost or out-of-order notifications.
func NeedsResync(snap *session.Snapshot) bool {
	if snap.Session.Status != models.SessionStatusRunning {
		return false
	}
	// Running session but no round in view: derived phase says lobby
	// while the authoritative status says running.
	if snap.Round == nil {
		return true
	}
	// The session points at a round we never received.
	if snap.Session.CurrentRoundID != nil && *snap.Session.CurrentRoundID != snap.Round.ID {
		return true
	}
	// A block arrived for the round we still believe is collecting
	// suggestions or votes: we missed its completion.
	if snap.Round.Status != models.RoundStatusResult && snap.BlockForRound(snap.Round.ID) != nil {
		return true
	}
	return false
}

// ForceResync replaces the snapshot with a full authoritative reload.
func (g *Guard) ForceResync(ctx context.Context) error {
	snap, err := g.loader.LoadSnapshot(ctx, g.sessionID)
	if err != nil {
		return err
	}
	g.snaps.Replace(snap, g.clock.Now())
	return nil
}
