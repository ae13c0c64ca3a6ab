// Package config loads, validates, and exposes the runtime configuration.
// The returned Config is read-mostly: loaded once at startup, never mutated.
package config

import "time"

// Config is the umbrella configuration object returned by Initialize()
// and used throughout the application.
type Config struct {
	configDir string

	Session      SessionConfig      `yaml:"session"`
	InputQueue   InputQueueConfig   `yaml:"input_queue"`
	Task         TaskConfig         `yaml:"task"`
	Worker       WorkerConfig       `yaml:"worker"`
	Queues       QueuesConfig       `yaml:"queues"`
	Tokenization TokenizationConfig `yaml:"tokenization"`
	Audit        AuditConfig        `yaml:"audit"`
	Medical      MedicalConfig      `yaml:"medical"`
	Ingest       IngestConfig       `yaml:"ingest"`
	Crypto       CryptoConfig       `yaml:"crypto"`
	Notify       NotifyConfig       `yaml:"notify"`
	Adapters     AdaptersConfig     `yaml:"adapters"`
	API          APIConfig          `yaml:"api"`
	Retention    RetentionConfig    `yaml:"retention"`
}

// ConfigDir returns the configuration directory path.
func (c *Config) ConfigDir() string { return c.configDir }

// SessionConfig controls the session lifecycle.
type SessionConfig struct {
	// TTLSeconds is the hard session TTL: active sessions with no touch for
	// this long are expired (inclusive boundary).
	TTLSeconds int `yaml:"ttl_seconds"`
}

// TTL returns the session TTL as a duration.
func (c SessionConfig) TTL() time.Duration { return time.Duration(c.TTLSeconds) * time.Second }

// InputQueueConfig controls the durable encrypted input queue.
type InputQueueConfig struct {
	// DeadlineSeconds is the hard deadline for queued entries. Entries past
	// it are tombstoned by the sweeper and audited as input_expired.
	// Kept independent from session.ttl_seconds even though the defaults match.
	DeadlineSeconds      int `yaml:"deadline_seconds"`
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
}

// Deadline returns the entry deadline as a duration.
func (c InputQueueConfig) Deadline() time.Duration {
	return time.Duration(c.DeadlineSeconds) * time.Second
}

// SweepInterval returns the sweeper tick interval.
func (c InputQueueConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// TaskConfig controls task retry and deadline behavior.
type TaskConfig struct {
	MaxAttempts            int            `yaml:"max_attempts"`
	RetryDelayBaseSeconds  int            `yaml:"retry_delay_base_seconds"`
	DeadlineSecondsByStage map[string]int `yaml:"deadline_seconds_by_stage"`
	DefaultDeadlineSeconds int            `yaml:"default_deadline_seconds"`
}

// RetryDelayBase returns the base retry delay as a duration.
func (c TaskConfig) RetryDelayBase() time.Duration {
	return time.Duration(c.RetryDelayBaseSeconds) * time.Second
}

// StageDeadline returns the per-stage deadline, falling back to the default.
func (c TaskConfig) StageDeadline(stage string) time.Duration {
	if secs, ok := c.DeadlineSecondsByStage[stage]; ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return time.Duration(c.DefaultDeadlineSeconds) * time.Second
}

// WorkerConfig controls the task runner worker pool.
type WorkerConfig struct {
	PoolSize                 int `yaml:"pool_size"`
	Prefetch                 int `yaml:"prefetch"`
	PollIntervalMillis       int `yaml:"poll_interval_millis"`
	PollIntervalJitterMillis int `yaml:"poll_interval_jitter_millis"`
	HeartbeatSeconds         int `yaml:"heartbeat_seconds"`
	LeaseSeconds             int `yaml:"lease_seconds"`
	GracefulShutdownSeconds  int `yaml:"graceful_shutdown_seconds"`
	OrphanScanSeconds        int `yaml:"orphan_scan_seconds"`
}

// PollInterval returns the base poll interval.
func (c WorkerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}

// PollIntervalJitter returns the poll interval jitter.
func (c WorkerConfig) PollIntervalJitter() time.Duration {
	return time.Duration(c.PollIntervalJitterMillis) * time.Millisecond
}

// Heartbeat returns the lease heartbeat interval.
func (c WorkerConfig) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// Lease returns the visibility lease duration.
func (c WorkerConfig) Lease() time.Duration {
	return time.Duration(c.LeaseSeconds) * time.Second
}

// GracefulShutdown returns the max wait for in-flight tasks at shutdown.
func (c WorkerConfig) GracefulShutdown() time.Duration {
	return time.Duration(c.GracefulShutdownSeconds) * time.Second
}

// OrphanScan returns the orphan scan interval.
func (c WorkerConfig) OrphanScan() time.Duration {
	return time.Duration(c.OrphanScanSeconds) * time.Second
}

// QueuesConfig controls the named priority queues.
type QueuesConfig struct {
	// PriorityOrder lists queues highest-priority first.
	PriorityOrder []string `yaml:"priority_order"`

	// HighWater is the per-queue in-flight high-water mark above which
	// enqueues block (bounded wait) rather than drop.
	HighWater map[string]int `yaml:"high_water"`

	// ReservedShare is the minimum fraction of pool capacity reserved per
	// queue to bound starvation under strict priority.
	ReservedShare float64 `yaml:"reserved_share"`
}

// TokenizationConfig controls the tokenization service.
type TokenizationConfig struct {
	ReconciliationGraceSeconds int    `yaml:"reconciliation_grace_seconds"`
	AliasVocabularySalt        string `yaml:"alias_vocabulary_salt"`
	RequestingSystem           string `yaml:"requesting_system"`
	DefaultTTLSeconds          int    `yaml:"default_ttl_seconds"`
}

// ReconciliationGrace returns the orphan-request grace window.
func (c TokenizationConfig) ReconciliationGrace() time.Duration {
	return time.Duration(c.ReconciliationGraceSeconds) * time.Second
}

// DefaultTTL returns the default token TTL.
func (c TokenizationConfig) DefaultTTL() time.Duration {
	return time.Duration(c.DefaultTTLSeconds) * time.Second
}

// AuditConfig controls the audit log.
type AuditConfig struct {
	RetentionDays int `yaml:"retention_days"`
}

// MedicalConfig holds clinical thresholds.
type MedicalConfig struct {
	// ConfidenceEscalationThreshold: any guideline module reporting
	// confidence below this forces escalation_required.
	ConfidenceEscalationThreshold float64 `yaml:"confidence_escalation_threshold"`
}

// IngestConfig controls the input packager and webhook adapter.
type IngestConfig struct {
	MaxMediaBytes    int64    `yaml:"max_media_bytes"`
	SourceSalt       string   `yaml:"source_salt"`
	WebhookSecret    string   `yaml:"webhook_secret"`
	AllowedMimeTypes []string `yaml:"allowed_mime_types"`
}

// CryptoConfig holds key material references for the input queue.
// Keys are injected via environment expansion, base64-encoded, 32 bytes.
type CryptoConfig struct {
	InputQueueKey         string `yaml:"input_queue_key"`
	PreviousInputQueueKey string `yaml:"previous_input_queue_key,omitempty"`
}

// NotifyConfig controls the outbound notification adapter.
type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	// Channels maps urgency (and "review") to a clinical channel name.
	Channels    map[string]string `yaml:"channels"`
	MaxAttempts int               `yaml:"max_attempts"`
}

// AdaptersConfig holds remote model adapter endpoints.
type AdaptersConfig struct {
	DetectorURL        string `yaml:"detector_url"`
	ClinicalURL        string `yaml:"clinical_url"`
	CallTimeoutSeconds int    `yaml:"call_timeout_seconds"`
}

// CallTimeout returns the per-call adapter timeout.
func (c AdaptersConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSeconds) * time.Second
}

// APIConfig controls the HTTP API.
type APIConfig struct {
	// AuthTokens maps bearer tokens to roles (clinical, phi_bridge, admin).
	AuthTokens map[string]string `yaml:"auth_tokens"`
}

// RetentionConfig controls the background cleanup service.
type RetentionConfig struct {
	CleanupIntervalSeconds int `yaml:"cleanup_interval_seconds"`
}

// CleanupInterval returns the cleanup tick interval.
func (c RetentionConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalSeconds) * time.Second
}
