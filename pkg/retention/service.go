// Package retention runs the background cleanup of aged data: audit entries
// past the compliance retention window and tombstoned input records.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/carebridge/woundwatch/pkg/audit"
	"github.com/carebridge/woundwatch/pkg/config"
	"github.com/carebridge/woundwatch/pkg/processingstore"
)

// tombstoneRetention is how long acked and expired input records stay around
// for incident forensics before they are deleted. The payloads are already
// unreadable without the queue key; this bounds table growth.
const tombstoneRetention = 7 * 24 * time.Hour

// Service is the periodic cleanup loop.
type Service struct {
	store   *processingstore.Store
	auditor *audit.Service
	cfg     config.Config
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates the retention service.
func NewService(store *processingstore.Store, auditor *audit.Service, cfg *config.Config, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		auditor: auditor,
		cfg:     *cfg,
		logger:  logger.With("component", "retention"),
		now:     time.Now,
	}
}

// Run executes cleanup on the configured interval until ctx is canceled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Retention.CleanupInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.CleanupOnce(ctx); err != nil {
				s.logger.ErrorContext(ctx, "Retention cleanup failed", "error", err)
			}
		}
	}
}

// CleanupOnce runs one cleanup pass and audits what it purged.
func (s *Service) CleanupOnce(ctx context.Context) error {
	now := s.now().UTC()

	auditCutoff := now.AddDate(0, 0, -s.cfg.Audit.RetentionDays)
	purgedAudit, err := s.store.PurgeAuditEntries(ctx, auditCutoff)
	if err != nil {
		return err
	}

	purgedInputs, err := s.store.PurgeTombstonedInputRecords(ctx, now.Add(-tombstoneRetention))
	if err != nil {
		return err
	}

	if purgedAudit == 0 && purgedInputs == 0 {
		return nil
	}

	s.logger.InfoContext(ctx, "Retention cleanup pass complete",
		"audit_entries_purged", purgedAudit,
		"input_records_purged", purgedInputs)

	return s.auditor.Emit(ctx, audit.Entry{
		ActorID:   "retention",
		Action:    audit.ActionRetentionPurge,
		Component: "retention",
		Outcome:   audit.OutcomeSuccess,
		Details: map[string]any{
			"audit_entries_purged": purgedAudit,
			"input_records_purged": purgedInputs,
			"audit_cutoff":         auditCutoff.Format(time.RFC3339),
		},
	})
}
