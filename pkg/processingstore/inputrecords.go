package processingstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/carebridge/woundwatch/pkg/apperr"
)

// InputRecord is one encrypted entry in the durable input queue.
type InputRecord struct {
	ProcessingID     string         `db:"processing_id"`
	SessionKey       string         `db:"session_key"`
	TransportEventID sql.NullString `db:"transport_event_id"`
	EnqueuedAt       time.Time      `db:"enqueued_at"`
	Deadline         time.Time      `db:"deadline"`
	Ciphertext       []byte         `db:"ciphertext"`
	Nonce            []byte         `db:"nonce"`
	KeyID            string         `db:"key_id"`
	Status           string         `db:"status"`
	ClaimedAt        sql.NullTime   `db:"claimed_at"`
}

// Input record statuses.
const (
	InputStatusPending = "pending"
	InputStatusClaimed = "claimed"
	InputStatusAcked   = "acked"
	InputStatusExpired = "expired"
)

// AppendInputRecord appends an encrypted record. Enqueue is at-least-once:
// a duplicate transport event id returns apperr.ErrDuplicate so the caller
// can ack the transport without reprocessing.
func (s *Store) AppendInputRecord(ctx context.Context, r *InputRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO input_records
			(processing_id, session_key, transport_event_id, enqueued_at,
			 deadline, ciphertext, nonce, key_id, status)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, 'pending')`,
		r.ProcessingID, r.SessionKey, r.TransportEventID.String,
		r.EnqueuedAt, r.Deadline, r.Ciphertext, r.Nonce, r.KeyID)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.ErrDuplicate
		}
		return fmt.Errorf("failed to append input record: %w", err)
	}
	return nil
}

// ClaimNextInputRecord claims the oldest pending record whose session key
// has no record currently claimed, preserving FIFO per session key. Uses
// FOR UPDATE SKIP LOCKED so concurrent dispatchers never double-claim.
// Returns apperr.ErrNotFound when the queue is empty.
func (s *Store) ClaimNextInputRecord(ctx context.Context, now time.Time) (*InputRecord, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var r InputRecord
	err = tx.GetContext(ctx, &r, `
		SELECT * FROM input_records ir
		WHERE status = 'pending' AND deadline > $1
		  AND NOT EXISTS (
			SELECT 1 FROM input_records c
			WHERE c.session_key = ir.session_key AND c.status = 'claimed')
		ORDER BY enqueued_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, now)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query pending input record: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE input_records SET status = 'claimed', claimed_at = $2
		WHERE processing_id = $1`, r.ProcessingID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to claim input record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	r.Status = InputStatusClaimed
	r.ClaimedAt = sql.NullTime{Time: now, Valid: true}
	return &r, nil
}

// AckInputRecord tombstones a claimed record after successful dispatch.
func (s *Store) AckInputRecord(ctx context.Context, processingID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE input_records SET status = 'acked', ciphertext = ''::bytea
		WHERE processing_id = $1 AND status = 'claimed'`, processingID)
	if err != nil {
		return fmt.Errorf("failed to ack input record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// ReleaseInputRecord returns a claimed record to pending (dispatch failure;
// at-least-once delivery).
func (s *Store) ReleaseInputRecord(ctx context.Context, processingID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE input_records SET status = 'pending', claimed_at = NULL
		WHERE processing_id = $1 AND status = 'claimed'`, processingID)
	if err != nil {
		return fmt.Errorf("failed to release input record: %w", err)
	}
	return nil
}

// ExpireInputRecords tombstones pending records past their deadline and
// returns (processing_id, session_key) pairs for audit emission. Ciphertext
// is dropped at tombstone time.
func (s *Store) ExpireInputRecords(ctx context.Context, now time.Time) ([]InputRecord, error) {
	rows, err := s.db.QueryxContext(ctx, `
		UPDATE input_records
		SET status = 'expired', ciphertext = ''::bytea
		WHERE status IN ('pending', 'claimed') AND deadline <= $1
		RETURNING processing_id, session_key`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to expire input records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var expired []InputRecord
	for rows.Next() {
		var r InputRecord
		if err := rows.Scan(&r.ProcessingID, &r.SessionKey); err != nil {
			return nil, fmt.Errorf("failed to scan expired record: %w", err)
		}
		expired = append(expired, r)
	}
	return expired, rows.Err()
}

// PurgeTombstonedInputRecords deletes acked/expired records older than the
// cutoff. Run by the retention service.
func (s *Store) PurgeTombstonedInputRecords(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM input_records
		WHERE status IN ('acked', 'expired') AND enqueued_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to purge input records: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// isUniqueViolation reports whether err is a Postgres unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "23505")
}
