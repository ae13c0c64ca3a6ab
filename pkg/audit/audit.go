// Package audit is the append-only clinical audit log. Every PHI-relevant
// action in the system flows through Emit; entries reference token_id only.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/carebridge/woundwatch/pkg/processingstore"
)

// Audit actions. The set is closed: new actions are added here, never
// free-formed at call sites.
const (
	ActionTokenCreated      = "token_created"
	ActionTokenResolved     = "token_resolved"
	ActionTokenRevoked      = "token_revoked"
	ActionTokenExpired      = "token_expired"
	ActionBridgeLookup      = "bridge_lookup"
	ActionSessionCreated    = "session_created"
	ActionSessionExpired    = "session_expired"
	ActionSessionClosed     = "session_closed"
	ActionInputAccepted     = "input_accepted"
	ActionInputRejected     = "input_rejected"
	ActionInputExpired      = "input_expired"
	ActionTriageDecision    = "triage_decision"
	ActionTaskEscalated     = "task_escalated"
	ActionDecisionRecorded  = "decision_recorded"
	ActionLowConfidence     = "low_confidence"
	ActionNotificationSent  = "notification_sent"
	ActionNotificationError = "notification_failed"
	ActionHumanReviewQueued = "human_review_queued"
	ActionRetentionPurge    = "retention_purge"
)

// Outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDenied  = "denied"
)

// Entry is one audit event before persistence.
type Entry struct {
	ActorID       string
	TokenID       string
	Action        string
	Component     string
	Outcome       string
	CorrelationID string
	Details       map[string]any
}

// Service appends entries to the Processing Store audit table.
type Service struct {
	store  *processingstore.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates the audit service.
func NewService(store *processingstore.Store, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger.With("component", "audit"),
		now:    time.Now,
	}
}

// Emit appends one entry. The entry id is generated here; callers that need
// idempotent emission pass their own via EmitWithID.
func (s *Service) Emit(ctx context.Context, e Entry) error {
	return s.EmitWithID(ctx, uuid.NewString(), e)
}

// EmitWithID appends one entry with a caller-supplied id. Re-emitting the
// same id is a no-op, which lets retried tasks audit exactly once.
func (s *Service) EmitWithID(ctx context.Context, entryID string, e Entry) error {
	var details []byte
	if len(e.Details) > 0 {
		var err error
		details, err = json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("failed to encode audit details: %w", err)
		}
	}

	row := &processingstore.AuditEntryRow{
		EntryID:       entryID,
		Timestamp:     s.now().UTC(),
		ActorID:       e.ActorID,
		TokenID:       e.TokenID,
		Action:        e.Action,
		Component:     e.Component,
		Outcome:       e.Outcome,
		CorrelationID: e.CorrelationID,
		Details:       details,
	}
	if err := s.store.AppendAuditEntry(ctx, row); err != nil {
		// The trail is load-bearing for compliance: surface the failure to
		// the caller and log it so operators see the gap.
		s.logger.ErrorContext(ctx, "Failed to append audit entry",
			"action", e.Action, "token_id", e.TokenID, "error", err)
		return err
	}
	return nil
}

// TrailForToken returns a token's audit trail in append order.
func (s *Service) TrailForToken(ctx context.Context, tokenID string, limit int) ([]processingstore.AuditEntryRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	return s.store.AuditEntriesByToken(ctx, tokenID, limit)
}

// TrailForRange returns entries in [from, to) in append order.
func (s *Service) TrailForRange(ctx context.Context, from, to time.Time, limit int) ([]processingstore.AuditEntryRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	return s.store.AuditEntriesByTimeRange(ctx, from, to, limit)
}
