package models

import "time"

// Queue names, ordered by default priority (highest first).
const (
	QueueMedicalPriority = "medical_priority"
	QueueImageProcessing = "image_processing"
	QueueNotifications   = "notifications"
	QueueAuditLogging    = "audit_logging"
)

// DefaultQueueOrder is the built-in strict priority order.
var DefaultQueueOrder = []string{
	QueueMedicalPriority,
	QueueImageProcessing,
	QueueNotifications,
	QueueAuditLogging,
}

// Stage names for the clinical analysis workflow.
const (
	StageImagePrep     = "image_prep"
	StageDetection     = "detection"
	StageDecision      = "decision"
	StageNotification  = "notification"
	StageAuditFinalize = "audit_finalize"
	StageHumanReview   = "human_review"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

// Task statuses. Succeeded, failed, escalated, and canceled are terminal.
const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusSucceeded  TaskStatus = "succeeded"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusEscalated  TaskStatus = "escalated"
	TaskStatusCanceled   TaskStatus = "canceled"
)

// TaskSpec describes a task to enqueue. Downstream specs are scheduled only
// after the producing task acks (workflow edges).
type TaskSpec struct {
	Queue      string         `json:"queue"`
	Stage      string         `json:"stage"`
	SessionID  string         `json:"session_id"`
	TokenID    string         `json:"token_id"`
	Payload    map[string]any `json:"payload,omitempty"`
	Downstream []TaskSpec     `json:"downstream,omitempty"`
}

// Task is a claimed unit of work drawn from one of the priority queues.
type Task struct {
	TaskID         string         `json:"task_id"`
	Queue          string         `json:"queue"`
	Stage          string         `json:"stage"`
	SessionID      string         `json:"session_id"`
	TokenID        string         `json:"token_id"`
	Payload        map[string]any `json:"payload,omitempty"`
	Downstream     []TaskSpec     `json:"downstream,omitempty"`
	Status         TaskStatus     `json:"status"`
	Attempt        int            `json:"attempt"`
	MaxAttempts    int            `json:"max_attempts"`
	RetryDelayBase time.Duration  `json:"retry_delay_base"`
	Deadline       time.Duration  `json:"deadline"`
	NotBefore      time.Time      `json:"not_before"`
	CreatedAt      time.Time      `json:"created_at"`
}
