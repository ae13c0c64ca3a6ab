package taskrunner

import (
	"context"
	"fmt"
	"time"

	"github.com/carebridge/woundwatch/pkg/models"
)

// enqueueRetryInterval is how often a blocked enqueue re-checks the
// high-water mark.
const enqueueRetryInterval = 250 * time.Millisecond

// Enqueue inserts a task, blocking while the target queue is above its
// high-water mark. The wait is bounded by ctx: callers pass a deadline (the
// dispatcher uses the input record's remaining deadline) so saturation
// surfaces as ErrQueueSaturated instead of unbounded blocking.
func (p *Pool) Enqueue(ctx context.Context, spec models.TaskSpec) (string, error) {
	if spec.Queue == "" || spec.Stage == "" {
		return "", fmt.Errorf("task spec missing queue or stage")
	}

	highWater := p.cfg.Queues.HighWater[spec.Queue]
	for highWater > 0 {
		depth, err := p.store.CountActiveInQueue(ctx, spec.Queue)
		if err != nil {
			return "", err
		}
		if depth < highWater {
			break
		}
		p.logger.Warn("Queue above high-water mark, enqueue blocked",
			"queue", spec.Queue, "depth", depth, "high_water", highWater)
		select {
		case <-ctx.Done():
			return "", ErrQueueSaturated
		case <-p.stopCh:
			return "", ErrQueueSaturated
		case <-time.After(enqueueRetryInterval):
		}
	}

	row, err := BuildTaskRow(&p.cfg.Task, spec)
	if err != nil {
		return "", err
	}
	if err := p.store.InsertTask(ctx, row); err != nil {
		return "", err
	}

	p.logger.Debug("Task enqueued",
		"task_id", row.TaskID, "queue", spec.Queue, "stage", spec.Stage,
		"session_id", spec.SessionID)
	return row.TaskID, nil
}
