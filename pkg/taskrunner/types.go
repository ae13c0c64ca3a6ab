// Package taskrunner is the priority-queued async task runner: a pool of
// workers drawing tasks from named queues by strict priority, with bounded
// retries, visibility leases, and escalation to human review on exhaustion.
package taskrunner

import (
	"context"
	"errors"
	"time"

	"github.com/carebridge/woundwatch/pkg/models"
)

// Sentinel errors for runner operations.
var (
	// ErrNoTasksAvailable indicates no claimable tasks are in any queue.
	ErrNoTasksAvailable = errors.New("no tasks available")

	// ErrQueueSaturated indicates the enqueue wait expired while the queue
	// was above its high-water mark.
	ErrQueueSaturated = errors.New("queue saturated")
)

// StageExecutor processes one workflow stage. Executors must be cooperative:
// long stages check ctx at checkpoints and return ctx.Err() on cancellation.
// Returned errors are classified by apperr.ClassOf to pick retry, escalation,
// or terminal failure.
type StageExecutor interface {
	Execute(ctx context.Context, task *models.Task) error
}

// StageExecutorFunc adapts a function to StageExecutor.
type StageExecutorFunc func(ctx context.Context, task *models.Task) error

// Execute implements StageExecutor.
func (f StageExecutorFunc) Execute(ctx context.Context, task *models.Task) error {
	return f(ctx, task)
}

// PoolHealth contains health information for the entire worker pool.
type PoolHealth struct {
	IsHealthy        bool           `json:"is_healthy"`
	DBReachable      bool           `json:"db_reachable"`
	DBError          string         `json:"db_error,omitempty"`
	PodID            string         `json:"pod_id"`
	ActiveWorkers    int            `json:"active_workers"`
	TotalWorkers     int            `json:"total_workers"`
	InFlightTasks    int            `json:"in_flight_tasks"`
	PendingTasks     int            `json:"pending_tasks"`
	WorkerStats      []WorkerHealth `json:"worker_stats"`
	LastOrphanScan   time.Time      `json:"last_orphan_scan"`
	OrphansRecovered int            `json:"orphans_recovered"`
}

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID             string    `json:"id"`
	Status         string    `json:"status"` // "idle" or "working"
	CurrentTaskID  string    `json:"current_task_id,omitempty"`
	TasksProcessed int       `json:"tasks_processed"`
	LastActivity   time.Time `json:"last_activity"`
}
