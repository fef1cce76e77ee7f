package coordinator

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/jmdev3/conclave/internal/models"
	"github.com/jmdev3/conclave/internal/retry"
	"github.com/jmdev3/conclave/internal/store"
)

// User-initiated actions. Unlike the background decision loop, failures
// here are surfaced through the reporter as well as returned.

// SubmitSuggestion records this client's suggestion for the current
// round, replacing any earlier one.
func (c *Coordinator) SubmitSuggestion(ctx context.Context, text string) (*models.Suggestion, error) {
	snap := c.snaps.View()
	self := snap.ParticipantByClientID(c.clientID)
	if self == nil || snap.Round == nil {
		err := retry.Rejected(fmt.Errorf("not joined to an active round"))
		c.reporter.UserError("submit suggestion", err)
		return nil, err
	}

	var out *models.Suggestion
	err := retry.Do(ctx, c.clock, c.cfg.PrimaryRetry, "submit suggestion", func(ctx context.Context) error {
		var err error
		out, err = c.remote.SubmitSuggestion(ctx, snap.Round.ID, self.ID, text)
		return err
	})
	if err != nil {
		c.reporter.UserError("submit suggestion", err)
		return nil, err
	}
	return out, nil
}

// SubmitVote records this client's vote for the current round,
// superseding any earlier choice.
func (c *Coordinator) SubmitVote(ctx context.Context, suggestionID uuid.UUID) (*models.Vote, error) {
	snap := c.snaps.View()
	self := snap.ParticipantByClientID(c.clientID)
	if self == nil || snap.Round == nil {
		err := retry.Rejected(fmt.Errorf("not joined to an active round"))
		c.reporter.UserError("submit vote", err)
		return nil, err
	}

	var out *models.Vote
	err := retry.Do(ctx, c.clock, c.cfg.PrimaryRetry, "submit vote", func(ctx context.Context) error {
		var err error
		out, err = c.remote.SubmitVote(ctx, snap.Round.ID, self.ID, suggestionID)
		return err
	})
	if err != nil {
		c.reporter.UserError("submit vote", err)
		return nil, err
	}
	return out, nil
}

// ResolveTieBreak is the host's manual resolution of a tied round: it
// records the chosen suggestion as the round's block and opens the next
// round. The block upsert is safe to repeat, so a retried click cannot
// produce two blocks.
func (c *Coordinator) ResolveTieBreak(ctx context.Context, suggestionID uuid.UUID) error {
	snap := c.snaps.View()
	self := snap.ParticipantByClientID(c.clientID)
	if self == nil || !self.IsHost {
		err := retry.Rejected(fmt.Errorf("only the host may resolve a tie"))
		c.reporter.UserError("resolve tie", err)
		return err
	}
	r := snap.Round
	if r == nil || r.Status != models.RoundStatusResult {
		err := retry.Rejected(fmt.Errorf("no tied round awaiting resolution"))
		c.reporter.UserError("resolve tie", err)
		return err
	}

	var text string
	for _, sg := range snap.RoundSuggestions() {
		if sg.ID == suggestionID {
			text = sg.Text
			break
		}
	}
	if text == "" {
		err := retry.Rejected(fmt.Errorf("suggestion %s is not part of this round", suggestionID))
		c.reporter.UserError("resolve tie", err)
		return err
	}

	err := retry.Do(ctx, c.clock, c.cfg.FallbackRetry, "resolve tie", func(ctx context.Context) error {
		res, err := c.remote.UpsertBlock(ctx, store.BlockUpsertRequest{
			SessionID:    c.sessionID,
			RoundID:      r.ID,
			SuggestionID: &suggestionID,
			Text:         text,
			IsTieBreak:   true,
		})
		if err != nil {
			return err
		}
		log.Info().
			Str("round_id", r.ID.String()).
			Str("suggestion_id", suggestionID.String()).
			Str("action", string(res.Action)).
			Msg("tie-break block recorded")

		if err := c.openNextRound(ctx, &snap, c.clock.Now()); err != nil {
			return err
		}
		return c.remote.TouchSession(ctx, c.sessionID)
	})
	if err != nil {
		c.reporter.UserError("resolve tie", err)
		return err
	}
	return nil
}

// CloseSession ends the session. Host only.
func (c *Coordinator) CloseSession(ctx context.Context) error {
	snap := c.snaps.View()
	self := snap.ParticipantByClientID(c.clientID)
	if self == nil || !self.IsHost {
		err := retry.Rejected(fmt.Errorf("only the host may close the session"))
		c.reporter.UserError("close session", err)
		return err
	}

	err := retry.Do(ctx, c.clock, c.cfg.PrimaryRetry, "close session", func(ctx context.Context) error {
		return c.remote.CloseSession(ctx, c.sessionID)
	})
	if err != nil {
		c.reporter.UserError("close session", err)
		return err
	}
	return nil
}
