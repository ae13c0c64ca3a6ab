package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/carebridge/woundwatch/pkg/adapters"
	"github.com/carebridge/woundwatch/pkg/apperr"
	"github.com/carebridge/woundwatch/pkg/audit"
	"github.com/carebridge/woundwatch/pkg/decision"
	"github.com/carebridge/woundwatch/pkg/models"
	"github.com/carebridge/woundwatch/pkg/notify"
	"github.com/carebridge/woundwatch/pkg/processingstore"
	"github.com/carebridge/woundwatch/pkg/session"
	"github.com/carebridge/woundwatch/pkg/taskrunner"
	"github.com/carebridge/woundwatch/pkg/token"
)

// Executors implements the workflow stages run by the task runner.
type Executors struct {
	store    *processingstore.Store
	tokens   *token.Service
	sessions *session.Manager
	facade   *decision.Facade
	detector *adapters.DetectorClient
	clinical *adapters.ClinicalClient
	notifier *notify.Service // nil when notifications are disabled
	auditor  *audit.Service
	pool     *taskrunner.Pool // set by RegisterAll
	logger   *slog.Logger
}

// NewExecutors wires the stage executors.
func NewExecutors(store *processingstore.Store, tokens *token.Service, sessions *session.Manager, facade *decision.Facade, detector *adapters.DetectorClient, clinical *adapters.ClinicalClient, notifier *notify.Service, auditor *audit.Service, logger *slog.Logger) *Executors {
	return &Executors{
		store:    store,
		tokens:   tokens,
		sessions: sessions,
		facade:   facade,
		detector: detector,
		clinical: clinical,
		notifier: notifier,
		auditor:  auditor,
		logger:   logger.With("component", "executors"),
	}
}

// RegisterAll binds every stage to the pool and keeps the pool handle for
// stages that enqueue follow-up work.
func (e *Executors) RegisterAll(pool *taskrunner.Pool) {
	e.pool = pool
	pool.Register(models.StageImagePrep, taskrunner.StageExecutorFunc(e.ImagePrep))
	pool.Register(models.StageDetection, taskrunner.StageExecutorFunc(e.Detection))
	pool.Register(models.StageDecision, taskrunner.StageExecutorFunc(e.Decision))
	pool.Register(models.StageNotification, taskrunner.StageExecutorFunc(e.Notification))
	pool.Register(models.StageAuditFinalize, taskrunner.StageExecutorFunc(e.AuditFinalize))
	pool.Register(models.StageHumanReview, taskrunner.StageExecutorFunc(e.HumanReview))
}

// ImagePrep registers the session's media objects as medical images. Image
// ids derive from the content hash when present so a retried stage converges
// on the same rows.
func (e *Executors) ImagePrep(ctx context.Context, task *models.Task) error {
	media, ok := task.Payload["media"].([]any)
	if !ok || len(media) == 0 {
		return apperr.New(apperr.KindNonRetryable, "image_prep task has no media")
	}

	now := time.Now().UTC()
	for _, raw := range media {
		m, ok := raw.(map[string]any)
		if !ok {
			return apperr.New(apperr.KindNonRetryable, "malformed media entry in payload")
		}
		hash, _ := m["content_hash"].(string)
		imageID := "img_" + uuid.NewString()
		if hash != "" {
			imageID = "img_" + hash
		}
		byteSize, _ := m["byte_size"].(float64)
		img := &processingstore.MedicalImage{
			ImageID:     imageID,
			SessionID:   task.SessionID,
			TokenID:     task.TokenID,
			URL:         stringField(m, "url"),
			MimeType:    stringField(m, "content_type"),
			ByteSize:    int64(byteSize),
			ContentHash: hash,
			CreatedAt:   now,
		}
		if img.URL == "" {
			return apperr.New(apperr.KindNonRetryable, "media entry missing object URL")
		}
		if err := e.store.InsertMedicalImage(ctx, img); err != nil {
			return err
		}
	}
	return nil
}

// Detection runs the detector over every prepared image that has no
// detection yet, so retries only re-run the missing ones.
func (e *Executors) Detection(ctx context.Context, task *models.Task) error {
	images, err := e.store.ImagesForSession(ctx, task.SessionID)
	if err != nil {
		return err
	}
	if len(images) == 0 {
		return apperr.New(apperr.KindNonRetryable, "detection stage found no prepared images")
	}

	existing, err := e.store.DetectionsForSession(ctx, task.SessionID)
	if err != nil {
		return err
	}
	done := make(map[string]bool, len(existing))
	for _, d := range existing {
		done[d.ImageID] = true
	}

	for _, img := range images {
		if done[img.ImageID] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return apperr.ErrCanceled
		}
		det, err := e.detector.Detect(ctx, task.TokenID, task.SessionID, img.ImageID, img.URL)
		if err != nil {
			return err
		}
		if err := e.store.InsertDetection(ctx, det); err != nil {
			return err
		}
		e.logger.InfoContext(ctx, "Detection recorded",
			"session_id", task.SessionID, "image_id", img.ImageID,
			"grade", det.Grade, "confidence", det.Confidence)
	}
	return nil
}

// Decision merges the guideline modules (plus the advisory clinical-AI
// assessment) over the worst detection of the session and records the
// result.
func (e *Executors) Decision(ctx context.Context, task *models.Task) error {
	projection, err := e.tokens.ResolveToken(ctx, task.TokenID)
	if err != nil {
		if errors.Is(err, apperr.ErrExpired) || errors.Is(err, apperr.ErrNotFound) {
			return apperr.Wrap(apperr.KindNonRetryable, "token no longer resolvable", err)
		}
		return err
	}

	worst, err := e.worstDetection(ctx, task)
	if err != nil {
		return err
	}
	in := decision.Input{Detection: *worst, Projection: *projection}

	var extra []decision.GuidelineModule
	if assessment, err := e.clinical.Assess(ctx, *worst, *projection); err != nil {
		// Advisory input: the rule-based modules carry the decision when the
		// engine is unavailable.
		e.logger.WarnContext(ctx, "Clinical assessment unavailable, deciding without it",
			"session_id", task.SessionID, "error", err)
	} else {
		extra = append(extra, decision.PrecomputedModule{
			ModuleName: "clinical_ai",
			Result: &decision.Partial{
				Urgency:          assessment.Urgency,
				EvidenceLevel:    models.EvidenceC,
				Recommendations:  assessment.Recommendations,
				References:       assessment.References,
				Confidence:       assessment.Confidence,
				FollowUpInterval: assessment.FollowUpInterval,
				Justification:    assessment.Justification,
			},
		})
	}

	dec, err := e.facade.Decide(ctx, in, extra...)
	if err != nil {
		return err
	}
	if err := e.store.InsertDecision(ctx, dec); err != nil {
		return err
	}

	if err := e.auditor.Emit(ctx, audit.Entry{
		ActorID:       "decision_engine",
		TokenID:       task.TokenID,
		Action:        audit.ActionDecisionRecorded,
		Component:     "decision",
		Outcome:       audit.OutcomeSuccess,
		CorrelationID: task.SessionID,
		Details: map[string]any{
			"decision_id":         dec.DecisionID,
			"urgency":             dec.UrgencyLevel,
			"evidence":            dec.EvidenceLevel,
			"escalation_required": dec.EscalationRequired,
		},
	}); err != nil {
		return err
	}

	if dec.LowConfidence {
		_ = e.auditor.Emit(ctx, audit.Entry{
			ActorID:       "decision_engine",
			TokenID:       task.TokenID,
			Action:        audit.ActionLowConfidence,
			Component:     "decision",
			Outcome:       audit.OutcomeSuccess,
			CorrelationID: task.SessionID,
			Details: map[string]any{
				"decision_id":    dec.DecisionID,
				"classification": string(apperr.KindLowConfidence),
			},
		})
	}

	if dec.EscalationRequired {
		return e.enqueueDecisionReview(ctx, task, dec)
	}
	return nil
}

// enqueueDecisionReview schedules the human-review task every escalated
// decision produces, on the highest-priority queue.
func (e *Executors) enqueueDecisionReview(ctx context.Context, task *models.Task, dec *models.MedicalDecision) error {
	reason := "emergency_finding"
	if dec.LowConfidence {
		reason = string(apperr.KindLowConfidence)
	}
	alias, _ := task.Payload["alias"].(string)
	_, err := e.pool.Enqueue(ctx, models.TaskSpec{
		Queue:     models.QueueMedicalPriority,
		Stage:     models.StageHumanReview,
		SessionID: task.SessionID,
		TokenID:   task.TokenID,
		Payload: map[string]any{
			"alias":       alias,
			"reason":      reason,
			"urgency":     string(dec.UrgencyLevel),
			"decision_id": dec.DecisionID,
		},
	})
	return err
}

// worstDetection picks the session's highest grade (lowest confidence on
// ties). A text-only session has no detections; the decision runs over a
// grade-zero placeholder so risk-driven prevention advice still applies.
func (e *Executors) worstDetection(ctx context.Context, task *models.Task) (*models.Detection, error) {
	detections, err := e.store.DetectionsForSession(ctx, task.SessionID)
	if err != nil {
		return nil, err
	}
	if len(detections) == 0 {
		return &models.Detection{
			DetectionID:        "det_none",
			TokenID:            task.TokenID,
			SessionID:          task.SessionID,
			Grade:              0,
			Confidence:         1.0,
			AnatomicalLocation: "unreported",
			CreatedAt:          time.Now().UTC(),
		}, nil
	}
	worst := detections[0]
	for _, d := range detections[1:] {
		if d.Grade > worst.Grade || (d.Grade == worst.Grade && d.Confidence < worst.Confidence) {
			worst = d
		}
	}
	return &worst, nil
}

// Notification delivers the decision to the care team. Escalations reach the
// review channel through the human-review task the decision stage enqueued.
func (e *Executors) Notification(ctx context.Context, task *models.Task) error {
	if e.notifier == nil {
		return nil
	}

	dec, err := e.store.DecisionForSession(ctx, task.SessionID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return apperr.Wrap(apperr.KindNonRetryable, "notification stage found no decision", err)
		}
		return err
	}

	alias, _ := task.Payload["alias"].(string)
	params := map[string]string{
		"alias":     alias,
		"follow_up": dec.FollowUpInterval,
	}
	if worst, err := e.worstDetection(ctx, task); err == nil {
		params["grade"] = fmt.Sprintf("%d", worst.Grade)
	}

	req := models.NotificationRequest{
		SessionID:         task.SessionID,
		TokenID:           task.TokenID,
		Urgency:           dec.UrgencyLevel,
		MessageTemplateID: "decision_" + string(dec.UrgencyLevel),
		TemplateParams:    params,
	}
	if err := e.notifier.Send(ctx, req); err != nil {
		_ = e.auditor.Emit(ctx, audit.Entry{
			ActorID:       "notifier",
			TokenID:       task.TokenID,
			Action:        audit.ActionNotificationError,
			Component:     "notify",
			Outcome:       audit.OutcomeFailure,
			CorrelationID: task.SessionID,
			Details:       map[string]any{"error": err.Error()},
		})
		return err
	}

	return e.auditor.Emit(ctx, audit.Entry{
		ActorID:       "notifier",
		TokenID:       task.TokenID,
		Action:        audit.ActionNotificationSent,
		Component:     "notify",
		Outcome:       audit.OutcomeSuccess,
		CorrelationID: task.SessionID,
		Details:       map[string]any{"urgency": dec.UrgencyLevel},
	})
}

// AuditFinalize closes the session with the decision outcome. The in-memory
// manager is tried first; after a restart the store row is finalized
// directly.
func (e *Executors) AuditFinalize(ctx context.Context, task *models.Task) error {
	outcome := "completed"
	if dec, err := e.store.DecisionForSession(ctx, task.SessionID); err == nil {
		outcome = "decision_" + string(dec.UrgencyLevel)
	}

	err := e.sessions.Close(ctx, task.SessionID, outcome)
	if errors.Is(err, apperr.ErrNotFound) {
		return e.store.FinalizeSession(ctx, task.SessionID,
			models.SessionStateClosed, outcome, time.Now().UTC())
	}
	return err
}

// HumanReview notifies the review channel. The task itself is the review
// record; a clinician picks it up from the channel and the audit trail.
func (e *Executors) HumanReview(ctx context.Context, task *models.Task) error {
	alias, _ := task.Payload["alias"].(string)
	reason, _ := task.Payload["reason"].(string)
	if reason == "" {
		if codes, ok := task.Payload["reason_codes"].([]any); ok && len(codes) > 0 {
			reason = fmt.Sprintf("%v", codes)
		} else {
			reason = "routed to human review"
		}
	}

	if e.notifier != nil {
		req := models.NotificationRequest{
			SessionID:         task.SessionID,
			TokenID:           task.TokenID,
			Urgency:           models.UrgencyUrgent,
			MessageTemplateID: "human_review",
			TemplateParams:    map[string]string{"alias": alias, "reason": reason},
		}
		if err := e.notifier.Send(ctx, req); err != nil {
			return err
		}
	}

	return e.auditor.Emit(ctx, audit.Entry{
		ActorID:       "taskrunner",
		TokenID:       task.TokenID,
		Action:        audit.ActionHumanReviewQueued,
		Component:     "dispatch",
		Outcome:       audit.OutcomeSuccess,
		CorrelationID: task.SessionID,
		Details:       map[string]any{"reason": reason},
	})
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
