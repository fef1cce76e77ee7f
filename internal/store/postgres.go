package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmdev3/conclave/internal/models"
	"github.com/jmdev3/conclave/internal/retry"
	"github.com/jmdev3/conclave/internal/session"
)

// Postgres is the production Store. The atomic transition, block upsert,
// and membership checks are server-side functions; everything here is a
// thin client over them plus the plain row reads and writes.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Store backed by a pgx connection pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) LoadSnapshot(ctx context.Context, sessionID uuid.UUID) (session.Snapshot, error) {
	var snap session.Snapshot

	row := p.pool.QueryRow(ctx, `
		SELECT id, join_code, status, current_round_id, suggest_seconds,
		       vote_seconds, auto_advance, created_at, updated_at
		FROM sessions WHERE id = $1`, sessionID)
	s := &snap.Session
	if err := row.Scan(&s.ID, &s.JoinCode, &s.Status, &s.CurrentRoundID,
		&s.SuggestSeconds, &s.VoteSeconds, &s.AutoAdvance, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return snap, fmt.Errorf("load session: %w", classify(err))
	}

	if s.CurrentRoundID != nil {
		row := p.pool.QueryRow(ctx, `
			SELECT id, session_id, number, status, started_at, ends_at, winner_suggestion_id
			FROM rounds WHERE id = $1`, *s.CurrentRoundID)
		var r models.Round
		if err := row.Scan(&r.ID, &r.SessionID, &r.Number, &r.Status,
			&r.StartedAt, &r.EndsAt, &r.WinnerSuggestionID); err != nil {
			return snap, fmt.Errorf("load current round: %w", classify(err))
		}
		snap.Round = &r
	}

	parts, err := p.loadParticipants(ctx, sessionID)
	if err != nil {
		return snap, err
	}
	snap.Participants = parts

	if snap.Round != nil {
		if snap.Suggestions, err = p.loadSuggestions(ctx, snap.Round.ID); err != nil {
			return snap, err
		}
		if snap.Votes, err = p.loadVotes(ctx, snap.Round.ID); err != nil {
			return snap, err
		}
	}

	if snap.Blocks, err = p.loadBlocks(ctx, sessionID); err != nil {
		return snap, err
	}
	return snap, nil
}

func (p *Postgres) loadParticipants(ctx context.Context, sessionID uuid.UUID) ([]models.Participant, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, session_id, client_id, display_name, is_host, joined_at, last_seen_at, online
		FROM participants WHERE session_id = $1 ORDER BY joined_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load participants: %w", classify(err))
	}
	defer rows.Close()

	var out []models.Participant
	for rows.Next() {
		var m models.Participant
		if err := rows.Scan(&m.ID, &m.SessionID, &m.ClientID, &m.DisplayName,
			&m.IsHost, &m.JoinedAt, &m.LastSeenAt, &m.Online); err != nil {
			return nil, fmt.Errorf("scan participant: %w", classify(err))
		}
		out = append(out, m)
	}
	return out, classify(rows.Err())
}

func (p *Postgres) loadSuggestions(ctx context.Context, roundID uuid.UUID) ([]models.Suggestion, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, round_id, participant_id, text, created_at
		FROM suggestions WHERE round_id = $1 ORDER BY created_at`, roundID)
	if err != nil {
		return nil, fmt.Errorf("load suggestions: %w", classify(err))
	}
	defer rows.Close()

	var out []models.Suggestion
	for rows.Next() {
		var m models.Suggestion
		if err := rows.Scan(&m.ID, &m.RoundID, &m.ParticipantID, &m.Text, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan suggestion: %w", classify(err))
		}
		out = append(out, m)
	}
	return out, classify(rows.Err())
}

func (p *Postgres) loadVotes(ctx context.Context, roundID uuid.UUID) ([]models.Vote, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, round_id, participant_id, suggestion_id, created_at
		FROM votes WHERE round_id = $1`, roundID)
	if err != nil {
		return nil, fmt.Errorf("load votes: %w", classify(err))
	}
	defer rows.Close()

	var out []models.Vote
	for rows.Next() {
		var m models.Vote
		if err := rows.Scan(&m.ID, &m.RoundID, &m.ParticipantID, &m.SuggestionID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan vote: %w", classify(err))
		}
		out = append(out, m)
	}
	return out, classify(rows.Err())
}

func (p *Postgres) loadBlocks(ctx context.Context, sessionID uuid.UUID) ([]models.Block, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, session_id, round_id, suggestion_id, text, is_tie_break, created_at
		FROM blocks WHERE session_id = $1 ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load blocks: %w", classify(err))
	}
	defer rows.Close()

	var out []models.Block
	for rows.Next() {
		var m models.Block
		if err := rows.Scan(&m.ID, &m.SessionID, &m.RoundID, &m.SuggestionID,
			&m.Text, &m.IsTieBreak, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan block: %w", classify(err))
		}
		out = append(out, m)
	}
	return out, classify(rows.Err())
}

// AdvanceRound calls the server-side advance_round function, which holds
// the idempotency guarantee: it decides the next state from the round's
// current status under a row lock and reports no_op_already_applied for
// concurrent or retried calls.
func (p *Postgres) AdvanceRound(ctx context.Context, roundID, sessionID uuid.UUID, actorClientID string) (TransitionResult, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT success, action, new_round_id, error FROM advance_round($1, $2, $3)`,
		roundID, sessionID, actorClientID)

	var (
		success bool
		action  string
		newID   *uuid.UUID
		errMsg  *string
	)
	if err := row.Scan(&success, &action, &newID, &errMsg); err != nil {
		return TransitionResult{}, fmt.Errorf("advance_round: %w", classify(err))
	}

	result := TransitionResult{Action: TransitionAction(action), NewRoundID: newID}
	if !success {
		msg := "transition rejected"
		if errMsg != nil {
			msg = *errMsg
		}
		return result, retry.Rejected(fmt.Errorf("advance_round: %s", msg))
	}
	return result, nil
}

func (p *Postgres) UpsertBlock(ctx context.Context, req BlockUpsertRequest) (BlockUpsertResult, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT action, id, suggestion_id, text, is_tie_break, created_at
		FROM upsert_round_block($1, $2, $3, $4, $5)`,
		req.SessionID, req.RoundID, req.SuggestionID, req.Text, req.IsTieBreak)

	var (
		action string
		b      models.Block
	)
	if err := row.Scan(&action, &b.ID, &b.SuggestionID, &b.Text, &b.IsTieBreak, &b.CreatedAt); err != nil {
		return BlockUpsertResult{}, fmt.Errorf("upsert_round_block: %w", classify(err))
	}
	b.SessionID = req.SessionID
	b.RoundID = req.RoundID
	return BlockUpsertResult{Action: BlockAction(action), Block: &b}, nil
}

func (p *Postgres) ValidateMembership(ctx context.Context, sessionID uuid.UUID, clientID string) (Membership, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT valid, session_status, message FROM validate_session_membership($1, $2)`,
		sessionID, clientID)

	var (
		m      Membership
		status *string
		msg    *string
	)
	if err := row.Scan(&m.Valid, &status, &msg); err != nil {
		return Membership{}, fmt.Errorf("validate_session_membership: %w", classify(err))
	}
	if status != nil {
		m.SessionStatus = models.SessionStatus(*status)
	}
	if msg != nil {
		m.Message = *msg
	}
	return m, nil
}

func (p *Postgres) SubmitSuggestion(ctx context.Context, roundID, participantID uuid.UUID, text string) (*models.Suggestion, error) {
	row := p.pool.QueryRow(ctx, `
		INSERT INTO suggestions (id, round_id, participant_id, text, created_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (round_id, participant_id)
		DO UPDATE SET text = EXCLUDED.text, created_at = now()
		RETURNING id, round_id, participant_id, text, created_at`,
		uuid.New(), roundID, participantID, text)

	var m models.Suggestion
	if err := row.Scan(&m.ID, &m.RoundID, &m.ParticipantID, &m.Text, &m.CreatedAt); err != nil {
		return nil, fmt.Errorf("submit suggestion: %w", classify(err))
	}
	return &m, nil
}

func (p *Postgres) SubmitVote(ctx context.Context, roundID, participantID, suggestionID uuid.UUID) (*models.Vote, error) {
	row := p.pool.QueryRow(ctx, `
		INSERT INTO votes (id, round_id, participant_id, suggestion_id, created_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (round_id, participant_id)
		DO UPDATE SET suggestion_id = EXCLUDED.suggestion_id, created_at = now()
		RETURNING id, round_id, participant_id, suggestion_id, created_at`,
		uuid.New(), roundID, participantID, suggestionID)

	var m models.Vote
	if err := row.Scan(&m.ID, &m.RoundID, &m.ParticipantID, &m.SuggestionID, &m.CreatedAt); err != nil {
		return nil, fmt.Errorf("submit vote: %w", classify(err))
	}
	return &m, nil
}

// MarkRoundSuggest is a conditional update keyed on the current status,
// so a concurrent transition surfaces as a conflict rather than a
// double write.
func (p *Postgres) MarkRoundSuggest(ctx context.Context, roundID uuid.UUID, endsAt time.Time) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE rounds SET status = $1, ends_at = $2 WHERE id = $3 AND status = $4`,
		models.RoundStatusSuggest, endsAt, roundID, models.RoundStatusLobby)
	if err != nil {
		return fmt.Errorf("mark round suggest: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		return retry.Conflict(fmt.Errorf("round %s no longer in lobby", roundID))
	}
	return nil
}

// MarkRoundVoting works the same way for the suggest to vote step.
func (p *Postgres) MarkRoundVoting(ctx context.Context, roundID uuid.UUID, endsAt time.Time) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE rounds SET status = $1, ends_at = $2 WHERE id = $3 AND status = $4`,
		models.RoundStatusVote, endsAt, roundID, models.RoundStatusSuggest)
	if err != nil {
		return fmt.Errorf("mark round voting: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		return retry.Conflict(fmt.Errorf("round %s no longer in suggest", roundID))
	}
	return nil
}

func (p *Postgres) CompleteRound(ctx context.Context, roundID uuid.UUID, winnerSuggestionID *uuid.UUID) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE rounds SET status = $1, ends_at = NULL, winner_suggestion_id = $2
		WHERE id = $3 AND status = $4`,
		models.RoundStatusResult, winnerSuggestionID, roundID, models.RoundStatusVote)
	if err != nil {
		return fmt.Errorf("complete round: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		// Distinguish already-completed (idempotent success) from a
		// genuinely missing round.
		var status models.RoundStatus
		if err := p.pool.QueryRow(ctx, `SELECT status FROM rounds WHERE id = $1`, roundID).Scan(&status); err != nil {
			return fmt.Errorf("complete round: %w", classify(err))
		}
		if status == models.RoundStatusResult {
			return nil
		}
		return retry.Conflict(fmt.Errorf("round %s is %s, expected vote", roundID, status))
	}
	return nil
}

func (p *Postgres) CreateNextRound(ctx context.Context, sessionID uuid.UUID, number int, endsAt *time.Time) (*models.Round, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin next round tx: %w", classify(err))
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		INSERT INTO rounds (id, session_id, number, status, started_at, ends_at)
		VALUES ($1, $2, $3, $4, now(), $5)
		RETURNING id, session_id, number, status, started_at, ends_at, winner_suggestion_id`,
		uuid.New(), sessionID, number, models.RoundStatusSuggest, endsAt)

	var m models.Round
	if err := row.Scan(&m.ID, &m.SessionID, &m.Number, &m.Status,
		&m.StartedAt, &m.EndsAt, &m.WinnerSuggestionID); err != nil {
		return nil, fmt.Errorf("create next round: %w", classify(err))
	}

	if _, err := tx.Exec(ctx,
		`UPDATE sessions SET current_round_id = $1, updated_at = now() WHERE id = $2`,
		m.ID, sessionID); err != nil {
		return nil, fmt.Errorf("point session at next round: %w", classify(err))
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit next round: %w", classify(err))
	}
	return &m, nil
}

func (p *Postgres) TouchSession(ctx context.Context, sessionID uuid.UUID) error {
	if _, err := p.pool.Exec(ctx,
		`UPDATE sessions SET updated_at = now() WHERE id = $1`, sessionID); err != nil {
		return fmt.Errorf("touch session: %w", classify(err))
	}
	return nil
}

func (p *Postgres) CloseSession(ctx context.Context, sessionID uuid.UUID) error {
	if _, err := p.pool.Exec(ctx,
		`UPDATE sessions SET status = $1, updated_at = now() WHERE id = $2`,
		models.SessionStatusClosed, sessionID); err != nil {
		return fmt.Errorf("close session: %w", classify(err))
	}
	return nil
}
