package taskrunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carebridge/woundwatch/pkg/apperr"
	"github.com/carebridge/woundwatch/pkg/audit"
	"github.com/carebridge/woundwatch/pkg/config"
	"github.com/carebridge/woundwatch/pkg/models"
	"github.com/carebridge/woundwatch/pkg/processingstore"
)

// workerStatus represents the current state of a worker.
type workerStatus string

const (
	workerStatusIdle    workerStatus = "idle"
	workerStatusWorking workerStatus = "working"
)

// taskRegistry is the subset of Pool used by Worker for task registration.
type taskRegistry interface {
	RegisterTask(sessionID, taskID string, cancel context.CancelFunc)
	UnregisterTask(sessionID, taskID string)
}

// Worker is a single task runner worker that polls for and processes tasks.
type Worker struct {
	id             string
	podID          string
	store          *processingstore.Store
	cfg            *config.Config
	auditor        *audit.Service
	executors      map[string]StageExecutor
	pool           taskRegistry
	preferredQueue string
	logger         *slog.Logger
	stopCh         chan struct{}
	stopOnce       sync.Once
	wg             sync.WaitGroup

	// Health tracking
	mu             sync.RWMutex
	status         workerStatus
	currentTaskID  string
	tasksProcessed int
	lastActivity   time.Time
}

// NewWorker creates a task runner worker. A non-empty preferredQueue makes
// this worker part of that queue's reserved concurrency share.
func NewWorker(id, podID string, store *processingstore.Store, cfg *config.Config, auditor *audit.Service, executors map[string]StageExecutor, pool taskRegistry, preferredQueue string, logger *slog.Logger) *Worker {
	return &Worker{
		id:             id,
		podID:          podID,
		store:          store,
		cfg:            cfg,
		auditor:        auditor,
		executors:      executors,
		pool:           pool,
		preferredQueue: preferredQueue,
		logger:         logger,
		stopCh:         make(chan struct{}),
		status:         workerStatusIdle,
		lastActivity:   time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish. Safe to call
// multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:             w.id,
		Status:         string(w.status),
		CurrentTaskID:  w.currentTaskID,
		TasksProcessed: w.tasksProcessed,
		LastActivity:   w.lastActivity,
	}
}

// run is the main worker loop. Prefetch is exactly one: a worker holds at
// most one claimed task so long medical inferences never block queued work
// behind a busy worker.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := w.logger.With("worker_id", w.id)
	log.Info("Worker started", "preferred_queue", w.preferredQueue)

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoTasksAvailable) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("Error processing task", "error", err)
				w.sleep(time.Second) // Brief backoff on error
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess claims the next task and runs it to a terminal or retried
// state. Acknowledgment is late: the task leaves in_progress only after the
// executor returns.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	now := time.Now().UTC()
	row, err := w.store.ClaimNextTask(ctx, w.queueOrder(), w.preferredQueue,
		w.podID, now, w.cfg.Worker.Lease())
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return ErrNoTasksAvailable
		}
		return err
	}

	task, err := row.Task()
	if err != nil {
		// Undecodable payload can never succeed; escalate immediately.
		return w.escalate(row.TaskID, row.Queue, row.Stage, row.SessionID,
			row.TokenID, fmt.Sprintf("payload decode failed: %v", err))
	}

	log := w.logger.With("task_id", task.TaskID, "stage", task.Stage,
		"queue", task.Queue, "worker_id", w.id)
	log.Info("Task claimed", "attempt", task.Attempt, "session_id", task.SessionID)

	w.setStatus(workerStatusWorking, task.TaskID)
	defer w.setStatus(workerStatusIdle, "")

	// Per-stage deadline; cancellation also arrives via the pool's session
	// registry when the session expires or is closed.
	taskCtx, cancelTask := context.WithTimeout(ctx, task.Deadline)
	defer cancelTask()

	w.pool.RegisterTask(task.SessionID, task.TaskID, cancelTask)
	defer w.pool.UnregisterTask(task.SessionID, task.TaskID)

	heartbeatCtx, cancelHeartbeat := context.WithCancel(taskCtx)
	defer cancelHeartbeat()
	go w.runHeartbeat(heartbeatCtx, task.TaskID)

	execErr := w.execute(taskCtx, task)
	cancelHeartbeat()

	// Terminal writes use a background context: the task ctx may be done.
	finishCtx := context.Background()
	if err := w.settle(finishCtx, taskCtx, task, execErr); err != nil {
		log.Error("Failed to settle task", "error", err)
		return err
	}

	w.mu.Lock()
	w.tasksProcessed++
	w.mu.Unlock()
	return nil
}

func (w *Worker) execute(ctx context.Context, task *models.Task) error {
	executor, ok := w.executors[task.Stage]
	if !ok {
		return apperr.New(apperr.KindNonRetryable,
			fmt.Sprintf("no executor registered for stage %q", task.Stage))
	}
	return executor.Execute(ctx, task)
}

// settle maps the execution outcome to the task's next state: ack with
// downstream scheduling, cooperative cancel, retry with backoff, or
// escalation to human review.
func (w *Worker) settle(ctx context.Context, taskCtx context.Context, task *models.Task, execErr error) error {
	log := w.logger.With("task_id", task.TaskID, "stage", task.Stage)

	switch {
	case execErr == nil:
		downstream := make([]*processingstore.TaskRow, 0, len(task.Downstream))
		for _, spec := range task.Downstream {
			row, err := BuildTaskRow(&w.cfg.Task, spec)
			if err != nil {
				return err
			}
			downstream = append(downstream, row)
		}
		if err := w.store.AckTask(ctx, task.TaskID, downstream, time.Now().UTC()); err != nil {
			if errors.Is(err, apperr.ErrConflict) {
				// Lease lapsed mid-run and the task was reclaimed; the other
				// owner settles it.
				log.Warn("Task lease lapsed before ack, dropping result")
				return nil
			}
			return err
		}
		log.Info("Task succeeded", "downstream_count", len(downstream))
		return nil

	case errors.Is(execErr, apperr.ErrCanceled) || errors.Is(taskCtx.Err(), context.Canceled):
		// Terminal but not a failure: no retry, no escalation.
		log.Info("Task canceled")
		return w.store.FinalizeTask(ctx, task.TaskID, models.TaskStatusCanceled,
			"canceled", time.Now().UTC())

	case apperr.Retryable(execErr) && task.Attempt < task.MaxAttempts:
		delay := retryDelay(task.RetryDelayBase, task.Attempt)
		notBefore := time.Now().UTC().Add(delay)
		log.Warn("Task failed, rescheduling",
			"attempt", task.Attempt, "max_attempts", task.MaxAttempts,
			"retry_in", delay, "error", execErr)
		return w.store.RescheduleTask(ctx, task.TaskID, notBefore, execErr.Error())

	default:
		log.Error("Task exhausted or non-retryable, escalating",
			"attempt", task.Attempt, "error_kind", apperr.ClassOf(execErr), "error", execErr)
		return w.escalate(task.TaskID, task.Queue, task.Stage, task.SessionID,
			task.TokenID, execErr.Error())
	}
}

// escalate marks the task escalated, enqueues a human review task on the
// highest-priority queue, and writes the audit entry.
func (w *Worker) escalate(taskID, queue, stage, sessionID, tokenID, reason string) error {
	ctx := context.Background()
	now := time.Now().UTC()

	if err := w.store.FinalizeTask(ctx, taskID, models.TaskStatusEscalated, reason, now); err != nil {
		return err
	}

	review, err := BuildTaskRow(&w.cfg.Task, models.TaskSpec{
		Queue:     models.QueueMedicalPriority,
		Stage:     models.StageHumanReview,
		SessionID: sessionID,
		TokenID:   tokenID,
		Payload: map[string]any{
			"escalated_task_id": taskID,
			"failed_stage":      stage,
			"failed_queue":      queue,
			"reason":            reason,
		},
	})
	if err != nil {
		return err
	}
	if err := w.store.InsertTask(ctx, review); err != nil {
		return err
	}

	return w.auditor.Emit(ctx, audit.Entry{
		ActorID:       w.id,
		TokenID:       tokenID,
		Action:        audit.ActionTaskEscalated,
		Component:     "taskrunner",
		Outcome:       "escalated",
		CorrelationID: sessionID,
		Details:       map[string]any{"task_id": taskID, "stage": stage, "reason": reason},
	})
}

// runHeartbeat extends the visibility lease while the task runs so orphan
// recovery never reclaims a live task.
func (w *Worker) runHeartbeat(ctx context.Context, taskID string) {
	ticker := time.NewTicker(w.cfg.Worker.Heartbeat())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			until := time.Now().UTC().Add(w.cfg.Worker.Lease())
			if err := w.store.ExtendTaskLease(ctx, taskID, until); err != nil {
				w.logger.Warn("Heartbeat lease extension failed",
					"task_id", taskID, "error", err)
			}
		}
	}
}

func (w *Worker) queueOrder() []string {
	if len(w.cfg.Queues.PriorityOrder) > 0 {
		return w.cfg.Queues.PriorityOrder
	}
	return models.DefaultQueueOrder
}

// pollInterval returns the poll duration with jitter.
func (w *Worker) pollInterval() time.Duration {
	base := w.cfg.Worker.PollInterval()
	jitter := w.cfg.Worker.PollIntervalJitter()
	if jitter <= 0 {
		return base
	}
	// Range: [base - jitter, base + jitter]
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status workerStatus, taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentTaskID = taskID
	w.lastActivity = time.Now()
}

// retryDelay computes base × 2^(attempt−1) with ±10% jitter.
func retryDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base << (attempt - 1)
	jitter := time.Duration(rand.Int64N(int64(delay) / 5)) // [0, 20%)
	return delay - delay/10 + jitter                       // [90%, 110%)
}

// BuildTaskRow converts a TaskSpec to its persisted form, applying the
// configured retry policy and per-stage deadline.
func BuildTaskRow(cfg *config.TaskConfig, spec models.TaskSpec) (*processingstore.TaskRow, error) {
	payload, err := json.Marshal(spec.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task payload: %w", err)
	}
	downstream, err := json.Marshal(spec.Downstream)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task downstream: %w", err)
	}

	now := time.Now().UTC()
	return &processingstore.TaskRow{
		TaskID:                "task_" + uuid.NewString(),
		Queue:                 spec.Queue,
		Stage:                 spec.Stage,
		SessionID:             spec.SessionID,
		TokenID:               spec.TokenID,
		Payload:               payload,
		Downstream:            downstream,
		Status:                string(models.TaskStatusPending),
		MaxAttempts:           cfg.MaxAttempts,
		RetryDelayBaseSeconds: cfg.RetryDelayBaseSeconds,
		DeadlineSeconds:       int(cfg.StageDeadline(spec.Stage) / time.Second),
		NotBefore:             now,
		CreatedAt:             now,
	}, nil
}
