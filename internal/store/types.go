package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jmdev3/conclave/internal/models"
	"github.com/jmdev3/conclave/internal/session"
)

// TransitionAction is the outcome reported by the atomic round
// transition procedure.
type TransitionAction string

const (
	// ActionAdvancedPhase means the round moved to its next phase.
	ActionAdvancedPhase TransitionAction = "advanced_phase"
	// ActionCompletedAndAdvanced means the round was finalized (block
	// written) and a new round was opened.
	ActionCompletedAndAdvanced TransitionAction = "completed_and_advanced"
	// ActionNoOpAlreadyApplied means another actor already performed
	// this transition; callers treat it as success.
	ActionNoOpAlreadyApplied TransitionAction = "no_op_already_applied"
	// ActionRejected means the request failed validation or authorization.
	ActionRejected TransitionAction = "rejected"
)

// TransitionResult is the decoded response of the transition procedure.
type TransitionResult struct {
	Action     TransitionAction
	NewRoundID *uuid.UUID
}

// BlockAction is the outcome of the safe block-upsert procedure.
type BlockAction string

const (
	BlockInserted      BlockAction = "inserted"
	BlockAlreadyExists BlockAction = "already_exists"
)

// BlockUpsertRequest describes the block to record for a round.
type BlockUpsertRequest struct {
	SessionID    uuid.UUID
	RoundID      uuid.UUID
	SuggestionID *uuid.UUID
	Text         string
	IsTieBreak   bool
}

// BlockUpsertResult is the decoded response of the block-upsert procedure.
type BlockUpsertResult struct {
	Action BlockAction
	Block  *models.Block
}

// Membership is the result of the session-membership validation procedure.
type Membership struct {
	Valid         bool
	SessionStatus models.SessionStatus
	Message       string
}

// Store is the client's boundary to the authoritative session store.
// Every method is a remote call; implementations return errors wrapped
// with the retry package's failure classes.
type Store interface {
	// LoadSnapshot fetches the full authoritative state of a session.
	LoadSnapshot(ctx context.Context, sessionID uuid.UUID) (session.Snapshot, error)

	// AdvanceRound invokes the idempotent transition procedure. The
	// procedure determines the correct next state from the round's
	// current status; concurrent or retried calls for an already
	// transitioned round report ActionNoOpAlreadyApplied.
	AdvanceRound(ctx context.Context, roundID, sessionID uuid.UUID, actorClientID string) (TransitionResult, error)

	// UpsertBlock records a round's block; safe to call more than once
	// for the same round.
	UpsertBlock(ctx context.Context, req BlockUpsertRequest) (BlockUpsertResult, error)

	// ValidateMembership checks that the client still belongs to the session.
	ValidateMembership(ctx context.Context, sessionID uuid.UUID, clientID string) (Membership, error)

	// SubmitSuggestion upserts the participant's suggestion for a round.
	SubmitSuggestion(ctx context.Context, roundID, participantID uuid.UUID, text string) (*models.Suggestion, error)

	// SubmitVote upserts the participant's vote for a round.
	SubmitVote(ctx context.Context, roundID, participantID, suggestionID uuid.UUID) (*models.Vote, error)

	// MarkRoundSuggest conditionally moves a round from lobby to suggest.
	// Part of the manual fallback used when AdvanceRound is unavailable.
	MarkRoundSuggest(ctx context.Context, roundID uuid.UUID, endsAt time.Time) error

	// MarkRoundVoting conditionally moves a round from suggest to vote.
	// Part of the manual fallback used when AdvanceRound is unavailable.
	MarkRoundVoting(ctx context.Context, roundID uuid.UUID, endsAt time.Time) error

	// CompleteRound conditionally moves a round from vote to result,
	// recording the winner when one exists.
	CompleteRound(ctx context.Context, roundID uuid.UUID, winnerSuggestionID *uuid.UUID) error

	// CreateNextRound opens the next round for a session. The unique
	// (session, number) constraint makes concurrent creations collapse
	// into one.
	CreateNextRound(ctx context.Context, sessionID uuid.UUID, number int, endsAt *time.Time) (*models.Round, error)

	// TouchSession bumps the session's updated_at so other clients'
	// reconciliation guards notice the manual fallback's writes.
	TouchSession(ctx context.Context, sessionID uuid.UUID) error

	// CloseSession ends the session.
	CloseSession(ctx context.Context, sessionID uuid.UUID) error
}
