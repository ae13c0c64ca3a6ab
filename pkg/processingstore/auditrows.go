package processingstore

import (
	"context"
	"fmt"
	"time"
)

// AuditEntryRow is one append-only audit record. The seq column gives a
// store-wide monotonic order; rows are never updated.
type AuditEntryRow struct {
	EntryID       string    `db:"entry_id"`
	Seq           int64     `db:"seq"`
	Timestamp     time.Time `db:"ts"`
	ActorID       string    `db:"actor_id"`
	TokenID       string    `db:"token_id"`
	Action        string    `db:"action"`
	Component     string    `db:"component"`
	Outcome       string    `db:"outcome"`
	CorrelationID string    `db:"correlation_id"`
	Details       []byte    `db:"details"`
}

// AppendAuditEntry appends one entry. Idempotent by entry_id so an audit
// write can be retried without duplicating the trail.
func (s *Store) AppendAuditEntry(ctx context.Context, e *AuditEntryRow) error {
	details := e.Details
	if len(details) == 0 {
		details = []byte("{}")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_entries
			(entry_id, ts, actor_id, token_id, action, component, outcome,
			 correlation_id, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (entry_id) DO NOTHING`,
		e.EntryID, e.Timestamp, e.ActorID, e.TokenID, e.Action, e.Component,
		e.Outcome, e.CorrelationID, details)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// AuditEntriesByToken lists the audit trail of a token in append order.
func (s *Store) AuditEntriesByToken(ctx context.Context, tokenID string, limit int) ([]AuditEntryRow, error) {
	var entries []AuditEntryRow
	err := s.db.SelectContext(ctx, &entries, `
		SELECT * FROM audit_entries
		WHERE token_id = $1 ORDER BY seq LIMIT $2`, tokenID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit trail: %w", err)
	}
	return entries, nil
}

// AuditEntriesByTimeRange lists entries in [from, to) in append order.
func (s *Store) AuditEntriesByTimeRange(ctx context.Context, from, to time.Time, limit int) ([]AuditEntryRow, error) {
	var entries []AuditEntryRow
	err := s.db.SelectContext(ctx, &entries, `
		SELECT * FROM audit_entries
		WHERE ts >= $1 AND ts < $2 ORDER BY seq LIMIT $3`, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	return entries, nil
}

// PurgeAuditEntries deletes entries older than the retention cutoff. Only
// the retention service calls this.
func (s *Store) PurgeAuditEntries(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM audit_entries WHERE ts < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
