package processingstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/carebridge/woundwatch/pkg/apperr"
	"github.com/carebridge/woundwatch/pkg/models"
)

// TaskRow is the persisted form of a task.
type TaskRow struct {
	TaskID                string         `db:"task_id"`
	Queue                 string         `db:"queue"`
	Stage                 string         `db:"stage"`
	SessionID             string         `db:"session_id"`
	TokenID               string         `db:"token_id"`
	Payload               []byte         `db:"payload"`
	Downstream            []byte         `db:"downstream"`
	Status                string         `db:"status"`
	Attempt               int            `db:"attempt"`
	MaxAttempts           int            `db:"max_attempts"`
	RetryDelayBaseSeconds int            `db:"retry_delay_base_seconds"`
	DeadlineSeconds       int            `db:"deadline_seconds"`
	NotBefore             time.Time      `db:"not_before"`
	LeaseExpiresAt        sql.NullTime   `db:"lease_expires_at"`
	PodID                 sql.NullString `db:"pod_id"`
	ErrorMessage          sql.NullString `db:"error_message"`
	CreatedAt             time.Time      `db:"created_at"`
	StartedAt             sql.NullTime   `db:"started_at"`
	CompletedAt           sql.NullTime   `db:"completed_at"`
}

// Task converts the row to the domain type.
func (r *TaskRow) Task() (*models.Task, error) {
	t := &models.Task{
		TaskID:         r.TaskID,
		Queue:          r.Queue,
		Stage:          r.Stage,
		SessionID:      r.SessionID,
		TokenID:        r.TokenID,
		Status:         models.TaskStatus(r.Status),
		Attempt:        r.Attempt,
		MaxAttempts:    r.MaxAttempts,
		RetryDelayBase: time.Duration(r.RetryDelayBaseSeconds) * time.Second,
		Deadline:       time.Duration(r.DeadlineSeconds) * time.Second,
		NotBefore:      r.NotBefore,
		CreatedAt:      r.CreatedAt,
	}
	if len(r.Payload) > 0 {
		if err := json.Unmarshal(r.Payload, &t.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode task payload: %w", err)
		}
	}
	if len(r.Downstream) > 0 {
		if err := json.Unmarshal(r.Downstream, &t.Downstream); err != nil {
			return nil, fmt.Errorf("failed to decode task downstream: %w", err)
		}
	}
	return t, nil
}

// InsertTask enqueues a pending task. Idempotent by task_id.
func (s *Store) InsertTask(ctx context.Context, row *TaskRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks
			(task_id, queue, stage, session_id, token_id, payload, downstream,
			 status, attempt, max_attempts, retry_delay_base_seconds,
			 deadline_seconds, not_before, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', 0, $8, $9, $10, $11, $12)
		ON CONFLICT (task_id) DO NOTHING`,
		row.TaskID, row.Queue, row.Stage, row.SessionID, row.TokenID,
		row.Payload, row.Downstream, row.MaxAttempts,
		row.RetryDelayBaseSeconds, row.DeadlineSeconds, row.NotBefore,
		row.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// ClaimNextTask atomically claims the next runnable task.
//
// Selection: strict queue priority (per the supplied order) then FIFO by
// created_at; a non-empty preferred queue is drawn from first (this is how
// the pool reserves a minimum share per queue). Per-session serialization is
// enforced twice: the NOT EXISTS filter skips sessions with in-flight work,
// and the partial unique index on in-progress session_id closes the race two
// concurrent claims can win past the filter under READ COMMITTED. The losing
// UPDATE surfaces as ErrNotFound and the worker simply polls again. Claiming
// increments attempt and takes a visibility lease; a lapsed lease makes the
// task claimable again until its attempts are exhausted.
func (s *Store) ClaimNextTask(ctx context.Context, queueOrder []string, preferredQueue, podID string, now time.Time, lease time.Duration) (*TaskRow, error) {
	if preferredQueue != "" {
		row, err := s.claimFromQueues(ctx, []string{preferredQueue}, podID, now, lease)
		if err == nil || !errors.Is(err, apperr.ErrNotFound) {
			return row, err
		}
	}
	return s.claimFromQueues(ctx, queueOrder, podID, now, lease)
}

func (s *Store) claimFromQueues(ctx context.Context, queueOrder []string, podID string, now time.Time, lease time.Duration) (*TaskRow, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		SELECT * FROM tasks t
		WHERE status = 'pending' AND not_before <= $1
		  AND queue = ANY($2)
		  AND attempt < max_attempts
		  AND NOT EXISTS (
			SELECT 1 FROM tasks r
			WHERE r.session_id = t.session_id AND r.status = 'in_progress')
		ORDER BY ` + queuePriorityCase(queueOrder) + `, created_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED`

	var row TaskRow
	err = tx.GetContext(ctx, &row, query, now, queueArray(queueOrder))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query pending task: %w", err)
	}

	leaseUntil := now.Add(lease)
	_, err = tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'in_progress', attempt = attempt + 1,
		    lease_expires_at = $2, pod_id = $3, started_at = $4
		WHERE task_id = $1`, row.TaskID, leaseUntil, podID, now)
	if isUniqueViolation(err) {
		// Another pod moved a task of the same session in progress between
		// our filter and this write; treat it as nothing claimable.
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	row.Status = string(models.TaskStatusInProgress)
	row.Attempt++
	row.LeaseExpiresAt = sql.NullTime{Time: leaseUntil, Valid: true}
	row.PodID = sql.NullString{String: podID, Valid: true}
	return &row, nil
}

// ExtendTaskLease extends the visibility lease (heartbeat).
func (s *Store) ExtendTaskLease(ctx context.Context, taskID string, until time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET lease_expires_at = $2
		WHERE task_id = $1 AND status = 'in_progress'`, taskID, until)
	if err != nil {
		return fmt.Errorf("failed to extend task lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// AckTask marks a task succeeded and, in the same transaction, inserts its
// downstream tasks. Workflow edges are scheduled only on ack.
func (s *Store) AckTask(ctx context.Context, taskID string, downstream []*TaskRow, now time.Time) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'succeeded', completed_at = $2, lease_expires_at = NULL
		WHERE task_id = $1 AND status = 'in_progress'`, taskID, now)
	if err != nil {
		return fmt.Errorf("failed to ack task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lease lapsed and someone else owns the task now; downstream must
		// not be scheduled twice.
		return apperr.ErrConflict
	}

	for _, d := range downstream {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tasks
				(task_id, queue, stage, session_id, token_id, payload,
				 downstream, status, attempt, max_attempts,
				 retry_delay_base_seconds, deadline_seconds, not_before,
				 created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', 0, $8, $9, $10, $11, $12)
			ON CONFLICT (task_id) DO NOTHING`,
			d.TaskID, d.Queue, d.Stage, d.SessionID, d.TokenID, d.Payload,
			d.Downstream, d.MaxAttempts, d.RetryDelayBaseSeconds,
			d.DeadlineSeconds, d.NotBefore, d.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert downstream task: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ack: %w", err)
	}
	return nil
}

// RescheduleTask returns a failed task to pending with a retry delay.
func (s *Store) RescheduleTask(ctx context.Context, taskID string, notBefore time.Time, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'pending', not_before = $2, lease_expires_at = NULL,
		    error_message = $3
		WHERE task_id = $1 AND status = 'in_progress'`, taskID, notBefore, errMsg)
	if err != nil {
		return fmt.Errorf("failed to reschedule task: %w", err)
	}
	return nil
}

// FinalizeTask moves a task to a terminal status (failed, escalated,
// canceled).
func (s *Store) FinalizeTask(ctx context.Context, taskID string, status models.TaskStatus, errMsg string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = $2, completed_at = $3, lease_expires_at = NULL,
		    error_message = NULLIF($4, '')
		WHERE task_id = $1 AND status IN ('pending', 'in_progress')`,
		taskID, string(status), now, errMsg)
	if err != nil {
		return fmt.Errorf("failed to finalize task: %w", err)
	}
	return nil
}

// CancelSessionTasks cancels all pending tasks of a session and returns how
// many were canceled. In-flight tasks are canceled cooperatively through the
// pool's context registry, not here.
func (s *Store) CancelSessionTasks(ctx context.Context, sessionID string, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'canceled', completed_at = $2, lease_expires_at = NULL
		WHERE session_id = $1 AND status = 'pending'`, sessionID, now)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel session tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RecoverLapsedLeases returns in-progress tasks with lapsed visibility
// leases to pending so another worker can claim them. The attempt counter
// was already incremented at claim time, so the retry accounting holds; a
// task that lapsed on its final attempt is left for EscalateExhaustedLeases.
func (s *Store) RecoverLapsedLeases(ctx context.Context, now time.Time) ([]TaskRow, error) {
	rows, err := s.db.QueryxContext(ctx, `
		UPDATE tasks
		SET status = 'pending', lease_expires_at = NULL, pod_id = NULL
		WHERE status = 'in_progress' AND lease_expires_at IS NOT NULL
		  AND lease_expires_at < $1 AND attempt < max_attempts
		RETURNING task_id, queue, stage, session_id, token_id, attempt, max_attempts`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to recover lapsed leases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var recovered []TaskRow
	for rows.Next() {
		var r TaskRow
		if err := rows.Scan(&r.TaskID, &r.Queue, &r.Stage, &r.SessionID,
			&r.TokenID, &r.Attempt, &r.MaxAttempts); err != nil {
			return nil, fmt.Errorf("failed to scan recovered task: %w", err)
		}
		recovered = append(recovered, r)
	}
	return recovered, rows.Err()
}

// EscalateExhaustedLeases finalizes lapsed in-progress tasks that have no
// attempts left. Re-pending them would make the claim query skip them
// forever; the caller enqueues a human-review task for each one returned.
func (s *Store) EscalateExhaustedLeases(ctx context.Context, now time.Time) ([]TaskRow, error) {
	rows, err := s.db.QueryxContext(ctx, `
		UPDATE tasks
		SET status = 'escalated', completed_at = $1, lease_expires_at = NULL,
		    pod_id = NULL, error_message = 'visibility lease lapsed on final attempt'
		WHERE status = 'in_progress' AND lease_expires_at IS NOT NULL
		  AND lease_expires_at < $1 AND attempt >= max_attempts
		RETURNING task_id, queue, stage, session_id, token_id, attempt, max_attempts`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to escalate exhausted leases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var escalated []TaskRow
	for rows.Next() {
		var r TaskRow
		if err := rows.Scan(&r.TaskID, &r.Queue, &r.Stage, &r.SessionID,
			&r.TokenID, &r.Attempt, &r.MaxAttempts); err != nil {
			return nil, fmt.Errorf("failed to scan escalated task: %w", err)
		}
		escalated = append(escalated, r)
	}
	return escalated, rows.Err()
}

// RecoverStartupTasks returns in-progress tasks owned by this pod to
// pending. Called once at startup after a crash.
func (s *Store) RecoverStartupTasks(ctx context.Context, podID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'pending', lease_expires_at = NULL, pod_id = NULL
		WHERE status = 'in_progress' AND pod_id = $1`, podID)
	if err != nil {
		return 0, fmt.Errorf("failed to recover startup tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountActiveInQueue counts pending plus in-progress tasks in a queue
// (backpressure high-water check).
func (s *Store) CountActiveInQueue(ctx context.Context, queue string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM tasks
		WHERE queue = $1 AND status IN ('pending', 'in_progress')`, queue)
	if err != nil {
		return 0, fmt.Errorf("failed to count queue depth: %w", err)
	}
	return count, nil
}

// CountTasksByStatus counts tasks in a status across all queues (health).
func (s *Store) CountTasksByStatus(ctx context.Context, status models.TaskStatus) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM tasks WHERE status = $1`, string(status))
	if err != nil {
		return 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	return count, nil
}

// queuePriorityCase builds a CASE expression ranking queues by the given
// order. Queue names come from validated configuration (closed set), never
// from request input.
func queuePriorityCase(order []string) string {
	expr := "CASE queue"
	for i, q := range order {
		expr += fmt.Sprintf(" WHEN '%s' THEN %d", q, i)
	}
	expr += fmt.Sprintf(" ELSE %d END", len(order))
	return expr
}

// queueArray formats a queue list as a Postgres text array literal.
func queueArray(order []string) string {
	out := "{"
	for i, q := range order {
		if i > 0 {
			out += ","
		}
		out += q
	}
	return out + "}"
}
