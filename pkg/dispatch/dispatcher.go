// Package dispatch routes queued input into the clinical task pipeline. The
// dispatcher is the seam between the identity-free input path and the
// tokenized processing zone: it resolves the source to a token, maintains
// the session, runs triage, and schedules the workflow chain.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/carebridge/woundwatch/pkg/apperr"
	"github.com/carebridge/woundwatch/pkg/audit"
	"github.com/carebridge/woundwatch/pkg/inputqueue"
	"github.com/carebridge/woundwatch/pkg/models"
	"github.com/carebridge/woundwatch/pkg/processingstore"
	"github.com/carebridge/woundwatch/pkg/session"
	"github.com/carebridge/woundwatch/pkg/taskrunner"
	"github.com/carebridge/woundwatch/pkg/token"
	"github.com/carebridge/woundwatch/pkg/triage"
)

// repeatWindow is the lookback for the triage repeat-submission rule.
const repeatWindow = 24 * time.Hour

// Dispatcher consumes the input queue and feeds the task runner. FIFO per
// session is enforced by the queue's claim semantics; dispatchers run
// parallel across sessions.
type Dispatcher struct {
	queue    *inputqueue.Queue
	tokens   *token.Service
	sessions *session.Manager
	store    *processingstore.Store
	pool     *taskrunner.Pool
	auditor  *audit.Service
	logger   *slog.Logger

	concurrency  int
	pollInterval time.Duration
	now          func() time.Time
}

// NewDispatcher creates the dispatcher.
func NewDispatcher(queue *inputqueue.Queue, tokens *token.Service, sessions *session.Manager, store *processingstore.Store, pool *taskrunner.Pool, auditor *audit.Service, concurrency int, logger *slog.Logger) *Dispatcher {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Dispatcher{
		queue:        queue,
		tokens:       tokens,
		sessions:     sessions,
		store:        store,
		pool:         pool,
		auditor:      auditor,
		logger:       logger.With("component", "dispatch"),
		concurrency:  concurrency,
		pollInterval: 200 * time.Millisecond,
		now:          time.Now,
	}
}

// Run starts the dispatch loops and blocks until the context is canceled.
func (d *Dispatcher) Run(ctx context.Context) {
	done := make(chan struct{})
	for i := 0; i < d.concurrency; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			d.loop(ctx)
		}()
	}
	for i := 0; i < d.concurrency; i++ {
		<-done
	}
}

func (d *Dispatcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		claimed, err := d.queue.Claim(ctx)
		if err != nil {
			if !errors.Is(err, apperr.ErrNotFound) && !errors.Is(err, context.Canceled) {
				d.logger.ErrorContext(ctx, "Failed to claim input record", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.pollInterval):
			}
			continue
		}

		if err := d.DispatchOne(ctx, claimed); err != nil {
			d.logger.ErrorContext(ctx, "Dispatch failed, releasing input record",
				"processing_id", claimed.ProcessingID, "error", err)
			if relErr := d.queue.Release(ctx, claimed.ProcessingID); relErr != nil {
				d.logger.ErrorContext(ctx, "Failed to release input record",
					"processing_id", claimed.ProcessingID, "error", relErr)
			}
		}
	}
}

// DispatchOne routes a single claimed record. On success the record is
// acked; a returned error means the caller must release it for redelivery.
// The work is bounded by the record's deadline: a saturated queue surfaces as
// an error (and a release) instead of blocking past the point where the sweep
// would expire the record anyway.
func (d *Dispatcher) DispatchOne(ctx context.Context, claimed *inputqueue.Claimed) error {
	ctx, cancel := context.WithDeadline(ctx, claimed.Deadline)
	defer cancel()

	pkg := claimed.Package
	log := d.logger.With("processing_id", pkg.ProcessingID)

	grant, err := d.tokens.ResolveSource(ctx, pkg.SourceID)
	if errors.Is(err, apperr.ErrNotFound) {
		// Unknown sender: no patient, no pipeline. Audit and drop.
		log.WarnContext(ctx, "Input from unknown source rejected")
		_ = d.auditor.Emit(ctx, audit.Entry{
			ActorID:       "dispatcher",
			Action:        audit.ActionInputRejected,
			Component:     "dispatch",
			Outcome:       audit.OutcomeDenied,
			CorrelationID: pkg.ProcessingID,
			Details:       map[string]any{"reason": "unknown_source"},
		})
		return d.queue.Ack(ctx, pkg.ProcessingID)
	}
	if err != nil {
		return err
	}

	snap, err := d.sessionFor(ctx, grant.TokenID, pkg.InputType)
	if err != nil {
		return err
	}

	decision, err := d.runTriage(ctx, pkg, snap)
	if err != nil {
		return err
	}

	_ = d.auditor.Emit(ctx, audit.Entry{
		ActorID:       "dispatcher",
		TokenID:       grant.TokenID,
		Action:        audit.ActionTriageDecision,
		Component:     "triage",
		Outcome:       string(decision.Route),
		CorrelationID: snap.SessionID,
		Details: map[string]any{
			"urgency":      decision.Urgency,
			"reason_codes": decision.ReasonCodes,
		},
	})

	switch decision.Route {
	case models.RouteReject:
		log.InfoContext(ctx, "Input rejected by triage",
			"session_id", snap.SessionID, "reason_codes", decision.ReasonCodes)
		return d.queue.Ack(ctx, pkg.ProcessingID)

	case models.RouteHumanReview:
		if err := d.enqueueHumanReview(ctx, snap, grant, decision); err != nil {
			return err
		}
		return d.queue.Ack(ctx, pkg.ProcessingID)

	default: // clinical_processing
		if err := d.enqueueWorkflow(ctx, pkg, snap, grant, decision); err != nil {
			return err
		}
		log.InfoContext(ctx, "Input dispatched",
			"session_id", snap.SessionID, "urgency", decision.Urgency)
		return d.queue.Ack(ctx, pkg.ProcessingID)
	}
}

// sessionFor touches the token's live session or creates one. A session
// that expired between claim and touch is replaced, never revived.
func (d *Dispatcher) sessionFor(ctx context.Context, tokenID string, inputType models.InputType) (models.SessionSnapshot, error) {
	if snap, ok := d.sessions.ActiveForToken(tokenID); ok {
		touched, err := d.sessions.Touch(ctx, snap.SessionID)
		if err == nil {
			return touched, nil
		}
		if !errors.Is(err, apperr.ErrExpired) && !errors.Is(err, apperr.ErrNotFound) {
			return models.SessionSnapshot{}, err
		}
	}
	return d.sessions.Create(ctx, tokenID, inputType)
}

func (d *Dispatcher) runTriage(ctx context.Context, pkg *models.InputPackage, snap models.SessionSnapshot) (models.TriageDecision, error) {
	since := d.now().UTC().Add(-repeatWindow)
	recent, err := d.store.RecentSessionCount(ctx, snap.TokenID, since)
	if err != nil {
		return models.TriageDecision{}, err
	}
	highGrade, err := d.store.HasRecentHighGradeDetection(ctx, snap.TokenID, since)
	if err != nil {
		return models.TriageDecision{}, err
	}
	return triage.Classify(pkg, triage.Context{
		Session:            snap,
		RecentSessionCount: recent,
		OpenHighGradeCase:  highGrade,
	}), nil
}

func (d *Dispatcher) enqueueHumanReview(ctx context.Context, snap models.SessionSnapshot, grant *token.Grant, decision models.TriageDecision) error {
	_, err := d.pool.Enqueue(ctx, models.TaskSpec{
		Queue:     models.QueueMedicalPriority,
		Stage:     models.StageHumanReview,
		SessionID: snap.SessionID,
		TokenID:   grant.TokenID,
		Payload: map[string]any{
			"alias":        grant.Alias,
			"urgency":      string(decision.Urgency),
			"reason_codes": decision.ReasonCodes,
		},
	})
	if err != nil {
		return err
	}
	return d.auditor.Emit(ctx, audit.Entry{
		ActorID:       "dispatcher",
		TokenID:       grant.TokenID,
		Action:        audit.ActionHumanReviewQueued,
		Component:     "dispatch",
		Outcome:       audit.OutcomeSuccess,
		CorrelationID: snap.SessionID,
		Details:       map[string]any{"reason_codes": decision.ReasonCodes},
	})
}

// enqueueWorkflow schedules the analysis chain. Inputs with images run
// image_prep → detection → decision → notification → audit_finalize; text
// only inputs skip straight to the decision stage. Downstream edges are
// scheduled by the runner only as each producing task acks.
func (d *Dispatcher) enqueueWorkflow(ctx context.Context, pkg *models.InputPackage, snap models.SessionSnapshot, grant *token.Grant, decision models.TriageDecision) error {
	base := map[string]any{
		"alias":   grant.Alias,
		"urgency": string(decision.Urgency),
	}

	finalize := models.TaskSpec{
		Queue:     models.QueueAuditLogging,
		Stage:     models.StageAuditFinalize,
		SessionID: snap.SessionID,
		TokenID:   grant.TokenID,
		Payload:   base,
	}
	notification := models.TaskSpec{
		Queue:      models.QueueNotifications,
		Stage:      models.StageNotification,
		SessionID:  snap.SessionID,
		TokenID:    grant.TokenID,
		Payload:    base,
		Downstream: []models.TaskSpec{finalize},
	}
	decide := models.TaskSpec{
		Queue:      models.QueueMedicalPriority,
		Stage:      models.StageDecision,
		SessionID:  snap.SessionID,
		TokenID:    grant.TokenID,
		Payload:    withText(base, pkg.Text),
		Downstream: []models.TaskSpec{notification},
	}

	head := decide
	if len(pkg.Media) > 0 {
		media := make([]map[string]any, 0, len(pkg.Media))
		for _, m := range pkg.Media {
			media = append(media, map[string]any{
				"url":          m.URL,
				"content_type": m.ContentType,
				"byte_size":    m.ByteSize,
				"content_hash": m.ContentHash,
			})
		}
		detect := models.TaskSpec{
			Queue:      models.QueueImageProcessing,
			Stage:      models.StageDetection,
			SessionID:  snap.SessionID,
			TokenID:    grant.TokenID,
			Payload:    base,
			Downstream: []models.TaskSpec{decide},
		}
		head = models.TaskSpec{
			Queue:      models.QueueImageProcessing,
			Stage:      models.StageImagePrep,
			SessionID:  snap.SessionID,
			TokenID:    grant.TokenID,
			Payload:    map[string]any{"alias": grant.Alias, "media": media},
			Downstream: []models.TaskSpec{detect},
		}
	}

	_, err := d.pool.Enqueue(ctx, head)
	return err
}

func withText(base map[string]any, text string) map[string]any {
	out := make(map[string]any, len(base)+1)
	for k, v := range base {
		out[k] = v
	}
	out["text"] = text
	return out
}
