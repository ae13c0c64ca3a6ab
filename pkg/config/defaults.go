package config

import "github.com/carebridge/woundwatch/pkg/models"

// DefaultConfig returns the built-in defaults. User YAML is merged on top.
func DefaultConfig() *Config {
	return &Config{
		Session: SessionConfig{
			TTLSeconds: 900,
		},
		InputQueue: InputQueueConfig{
			DeadlineSeconds:      900,
			SweepIntervalSeconds: 30,
		},
		Task: TaskConfig{
			MaxAttempts:           3,
			RetryDelayBaseSeconds: 60,
			DeadlineSecondsByStage: map[string]int{
				models.StageImagePrep:     180,
				models.StageDetection:     300,
				models.StageDecision:      300,
				models.StageNotification:  180,
				models.StageAuditFinalize: 180,
				models.StageHumanReview:   300,
			},
			DefaultDeadlineSeconds: 300,
		},
		Worker: WorkerConfig{
			PoolSize:                 4,
			Prefetch:                 1,
			PollIntervalMillis:       1000,
			PollIntervalJitterMillis: 500,
			HeartbeatSeconds:         20,
			LeaseSeconds:             60,
			GracefulShutdownSeconds:  900,
			OrphanScanSeconds:        60,
		},
		Queues: QueuesConfig{
			PriorityOrder: append([]string(nil), models.DefaultQueueOrder...),
			HighWater: map[string]int{
				models.QueueMedicalPriority: 16,
				models.QueueImageProcessing: 16,
				models.QueueNotifications:   32,
				models.QueueAuditLogging:    64,
			},
			ReservedShare: 0.10,
		},
		Tokenization: TokenizationConfig{
			ReconciliationGraceSeconds: 300,
			RequestingSystem:           "woundwatch",
			DefaultTTLSeconds:          86400,
		},
		Audit: AuditConfig{
			RetentionDays: 2555,
		},
		Medical: MedicalConfig{
			ConfidenceEscalationThreshold: 0.60,
		},
		Ingest: IngestConfig{
			MaxMediaBytes: 25 << 20,
			AllowedMimeTypes: []string{
				"text/plain",
				"image/jpeg",
				"image/png",
				"video/mp4",
			},
		},
		Notify: NotifyConfig{
			Channels: map[string]string{
				string(models.UrgencyRoutine):   "#medical-routine",
				string(models.UrgencyUrgent):    "#medical-urgent",
				string(models.UrgencyEmergency): "#medical-emergency",
				"review":                        "#medical-review",
			},
			MaxAttempts: 3,
		},
		Adapters: AdaptersConfig{
			CallTimeoutSeconds: 30,
		},
		Retention: RetentionConfig{
			CleanupIntervalSeconds: 3600,
		},
	}
}
