package taskrunner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/carebridge/woundwatch/pkg/audit"
	"github.com/carebridge/woundwatch/pkg/models"
	"github.com/carebridge/woundwatch/pkg/processingstore"
)

// orphanState tracks orphan recovery metrics (thread-safe).
type orphanState struct {
	mu        sync.Mutex
	lastScan  time.Time
	recovered int
}

// runOrphanRecovery periodically returns tasks with lapsed visibility leases
// to pending, escalating the ones with no attempts left. All pods run this
// independently; the updates are idempotent and a task is only lapsed if no
// heartbeat extended it.
func (p *Pool) runOrphanRecovery(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Worker.OrphanScan())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.recoverOrphans(ctx); err != nil {
				p.logger.Error("Orphan recovery failed", "error", err)
			}
		}
	}
}

func (p *Pool) recoverOrphans(ctx context.Context) error {
	now := time.Now().UTC()
	recovered, err := p.store.RecoverLapsedLeases(ctx, now)
	if err != nil {
		return err
	}

	p.orphans.mu.Lock()
	p.orphans.lastScan = time.Now()
	p.orphans.recovered += len(recovered)
	p.orphans.mu.Unlock()

	if len(recovered) > 0 {
		p.logger.Warn("Recovered tasks with lapsed leases", "count", len(recovered))
		for _, task := range recovered {
			// Attempt was already incremented at claim time, so the retry
			// budget keeps shrinking with every lapse.
			p.logger.Warn("Task returned to pending",
				"task_id", task.TaskID, "stage", task.Stage,
				"attempt", task.Attempt, "max_attempts", task.MaxAttempts)
		}
	}

	// Tasks that lapsed with no attempts left never become claimable again;
	// they go to human review like any other exhausted task.
	exhausted, err := p.store.EscalateExhaustedLeases(ctx, now)
	if err != nil {
		return err
	}
	for _, task := range exhausted {
		if err := p.escalateOrphan(ctx, task); err != nil {
			p.logger.Error("Failed to escalate exhausted task",
				"task_id", task.TaskID, "error", err)
		}
	}
	return nil
}

// escalateOrphan enqueues the human-review task for a lease-lapsed task that
// exhausted its attempts, mirroring the worker's escalation path.
func (p *Pool) escalateOrphan(ctx context.Context, task processingstore.TaskRow) error {
	reason := "visibility lease lapsed on final attempt"
	review, err := BuildTaskRow(&p.cfg.Task, models.TaskSpec{
		Queue:     models.QueueMedicalPriority,
		Stage:     models.StageHumanReview,
		SessionID: task.SessionID,
		TokenID:   task.TokenID,
		Payload: map[string]any{
			"escalated_task_id": task.TaskID,
			"failed_stage":      task.Stage,
			"failed_queue":      task.Queue,
			"reason":            reason,
		},
	})
	if err != nil {
		return err
	}
	if err := p.store.InsertTask(ctx, review); err != nil {
		return err
	}

	p.logger.Error("Task exhausted its lease attempts, escalated",
		"task_id", task.TaskID, "stage", task.Stage,
		"attempt", task.Attempt, "max_attempts", task.MaxAttempts)
	return p.auditor.Emit(ctx, audit.Entry{
		ActorID:       p.podID,
		TokenID:       task.TokenID,
		Action:        audit.ActionTaskEscalated,
		Component:     "taskrunner",
		Outcome:       "escalated",
		CorrelationID: task.SessionID,
		Details:       map[string]any{"task_id": task.TaskID, "stage": task.Stage, "reason": reason},
	})
}

// CleanupStartupOrphans returns tasks this pod held in-progress when it
// previously crashed to pending. Called once during startup, before the
// pool begins processing.
func CleanupStartupOrphans(ctx context.Context, store *processingstore.Store, podID string, logger *slog.Logger) error {
	recovered, err := store.RecoverStartupTasks(ctx, podID)
	if err != nil {
		return err
	}
	if recovered > 0 {
		logger.Warn("Recovered startup orphan tasks from previous run",
			"pod_id", podID, "count", recovered)
	}
	return nil
}
