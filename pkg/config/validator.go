package config

import (
	"encoding/base64"
	"fmt"

	"github.com/carebridge/woundwatch/pkg/models"
)

// knownQueues is the closed set of queue names.
var knownQueues = map[string]bool{
	models.QueueMedicalPriority: true,
	models.QueueImageProcessing: true,
	models.QueueNotifications:   true,
	models.QueueAuditLogging:    true,
}

// knownRoles is the closed set of API roles.
var knownRoles = map[string]bool{
	"clinical":   true,
	"phi_bridge": true,
	"admin":      true,
}

// Validate performs fail-fast validation of the merged configuration.
func (c *Config) Validate() error {
	if c.Session.TTLSeconds <= 0 {
		return fmt.Errorf("session.ttl_seconds must be positive, got %d", c.Session.TTLSeconds)
	}
	if c.InputQueue.DeadlineSeconds <= 0 {
		return fmt.Errorf("input_queue.deadline_seconds must be positive, got %d", c.InputQueue.DeadlineSeconds)
	}
	if c.Task.MaxAttempts < 1 {
		return fmt.Errorf("task.max_attempts must be at least 1, got %d", c.Task.MaxAttempts)
	}
	if c.Task.RetryDelayBaseSeconds < 1 {
		return fmt.Errorf("task.retry_delay_base_seconds must be at least 1, got %d", c.Task.RetryDelayBaseSeconds)
	}
	if c.Worker.PoolSize < 1 {
		return fmt.Errorf("worker.pool_size must be at least 1, got %d", c.Worker.PoolSize)
	}
	if c.Worker.Prefetch != 1 {
		// Prefetch multiplier is pinned to 1 to avoid head-of-line blocking
		// behind long medical inferences.
		return fmt.Errorf("worker.prefetch must be 1, got %d", c.Worker.Prefetch)
	}
	if c.Worker.LeaseSeconds <= c.Worker.HeartbeatSeconds {
		return fmt.Errorf("worker.lease_seconds (%d) must exceed worker.heartbeat_seconds (%d)",
			c.Worker.LeaseSeconds, c.Worker.HeartbeatSeconds)
	}

	if len(c.Queues.PriorityOrder) == 0 {
		return fmt.Errorf("queues.priority_order must not be empty")
	}
	seen := make(map[string]bool, len(c.Queues.PriorityOrder))
	for _, q := range c.Queues.PriorityOrder {
		if !knownQueues[q] {
			return fmt.Errorf("queues.priority_order contains unknown queue %q", q)
		}
		if seen[q] {
			return fmt.Errorf("queues.priority_order lists queue %q twice", q)
		}
		seen[q] = true
	}
	if c.Queues.ReservedShare < 0 || c.Queues.ReservedShare > 1 {
		return fmt.Errorf("queues.reserved_share must be in [0,1], got %v", c.Queues.ReservedShare)
	}

	if c.Medical.ConfidenceEscalationThreshold <= 0 || c.Medical.ConfidenceEscalationThreshold >= 1 {
		return fmt.Errorf("medical.confidence_escalation_threshold must be in (0,1), got %v",
			c.Medical.ConfidenceEscalationThreshold)
	}

	if c.Crypto.InputQueueKey != "" {
		if err := validateKey(c.Crypto.InputQueueKey); err != nil {
			return fmt.Errorf("crypto.input_queue_key: %w", err)
		}
	}
	if c.Crypto.PreviousInputQueueKey != "" {
		if err := validateKey(c.Crypto.PreviousInputQueueKey); err != nil {
			return fmt.Errorf("crypto.previous_input_queue_key: %w", err)
		}
	}

	for token, role := range c.API.AuthTokens {
		if token == "" {
			return fmt.Errorf("api.auth_tokens contains an empty token")
		}
		if !knownRoles[role] {
			return fmt.Errorf("api.auth_tokens: unknown role %q", role)
		}
	}

	if c.Notify.MaxAttempts < 1 {
		return fmt.Errorf("notify.max_attempts must be at least 1, got %d", c.Notify.MaxAttempts)
	}

	return nil
}

// validateKey checks that a key is base64-encoded 32 bytes (AES-256).
func validateKey(encoded string) error {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("not valid base64: %w", err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("must decode to 32 bytes, got %d", len(raw))
	}
	return nil
}
