package processingstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/carebridge/woundwatch/pkg/apperr"
	"github.com/carebridge/woundwatch/pkg/models"
)

// SessionRow is the persisted form of a session. The in-memory session map
// is authoritative while the process runs; this row makes sessions visible
// across restarts and to the dashboard API.
type SessionRow struct {
	SessionID     string         `db:"session_id"`
	TokenID       string         `db:"token_id"`
	State         string         `db:"state"`
	InputType     string         `db:"input_type"`
	AuditTrailID  string         `db:"audit_trail_id"`
	Outcome       sql.NullString `db:"outcome"`
	CreatedAt     time.Time      `db:"created_at"`
	LastTouchedAt time.Time      `db:"last_touched_at"`
	ClosedAt      sql.NullTime   `db:"closed_at"`
}

// InsertSession persists a newly created session.
func (s *Store) InsertSession(ctx context.Context, row *SessionRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions
			(session_id, token_id, state, input_type, audit_trail_id,
			 created_at, last_touched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		row.SessionID, row.TokenID, row.State, row.InputType,
		row.AuditTrailID, row.CreatedAt, row.LastTouchedAt)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// TouchSession updates last_touched_at for an active session.
func (s *Store) TouchSession(ctx context.Context, sessionID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET last_touched_at = $2
		WHERE session_id = $1 AND state = 'active'`, sessionID, at)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// FinalizeSession transitions a session to a terminal state (expired or
// closed). Only active sessions transition; repeats are no-ops.
func (s *Store) FinalizeSession(ctx context.Context, sessionID string, state models.SessionState, outcome string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET state = $2, outcome = NULLIF($3, ''), closed_at = $4
		WHERE session_id = $1 AND state = 'active'`,
		sessionID, string(state), outcome, at)
	if err != nil {
		return fmt.Errorf("failed to finalize session: %w", err)
	}
	return nil
}

// GetSession loads a session row.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*SessionRow, error) {
	var row SessionRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM sessions WHERE session_id = $1`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return &row, nil
}

// ActiveSessionForToken returns the most recent active session for a token,
// or apperr.ErrNotFound.
func (s *Store) ActiveSessionForToken(ctx context.Context, tokenID string) (*SessionRow, error) {
	var row SessionRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM sessions
		WHERE token_id = $1 AND state = 'active'
		ORDER BY created_at DESC LIMIT 1`, tokenID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query active session: %w", err)
	}
	return &row, nil
}

// RecentSessionCount counts sessions for a token created in the window
// ending now. Used by triage's repeat-submission rule.
func (s *Store) RecentSessionCount(ctx context.Context, tokenID string, since time.Time) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM sessions
		WHERE token_id = $1 AND created_at >= $2`, tokenID, since)
	if err != nil {
		return 0, fmt.Errorf("failed to count recent sessions: %w", err)
	}
	return count, nil
}
