// Package inputqueue is the durable, encrypted buffer between the input
// isolation layer and the dispatcher. Entries are AES-256-GCM sealed at
// enqueue and decrypted only at claim time; expired entries are tombstoned
// and audited, never silently dropped.
package inputqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/carebridge/woundwatch/pkg/audit"
	"github.com/carebridge/woundwatch/pkg/config"
	"github.com/carebridge/woundwatch/pkg/crypto"
	"github.com/carebridge/woundwatch/pkg/models"
	"github.com/carebridge/woundwatch/pkg/processingstore"
)

// Claimed is a decrypted queue entry handed to the dispatcher. Ack or
// Release must be called exactly once per claim.
type Claimed struct {
	ProcessingID string
	SessionKey   string
	EnqueuedAt   time.Time
	Deadline     time.Time
	Package      *models.InputPackage
}

// Queue wraps the Processing Store input_records table with encryption and
// deadline sweeping.
type Queue struct {
	store   *processingstore.Store
	keyring *crypto.Keyring
	auditor *audit.Service
	cfg     config.InputQueueConfig
	logger  *slog.Logger
	now     func() time.Time
}

// New creates the input queue service.
func New(store *processingstore.Store, keyring *crypto.Keyring, auditor *audit.Service, cfg config.InputQueueConfig, logger *slog.Logger) *Queue {
	return &Queue{
		store:   store,
		keyring: keyring,
		auditor: auditor,
		cfg:     cfg,
		logger:  logger.With("component", "input_queue"),
		now:     time.Now,
	}
}

// Enqueue seals an InputPackage and appends it. The session key groups
// entries that must dispatch FIFO (one source, one ordering). Duplicate
// transport event ids return apperr.ErrDuplicate.
func (q *Queue) Enqueue(ctx context.Context, pkg *models.InputPackage) error {
	plaintext, err := json.Marshal(pkg)
	if err != nil {
		return fmt.Errorf("failed to encode input package: %w", err)
	}
	ciphertext, nonce, keyID, err := q.keyring.Seal(plaintext)
	if err != nil {
		return err
	}

	now := q.now().UTC()
	rec := &processingstore.InputRecord{
		ProcessingID:     pkg.ProcessingID,
		SessionKey:       pkg.SourceID,
		TransportEventID: sql.NullString{String: pkg.Metadata.TransportEventID, Valid: pkg.Metadata.TransportEventID != ""},
		EnqueuedAt:       now,
		Deadline:         now.Add(q.cfg.Deadline()),
		Ciphertext:       ciphertext,
		Nonce:            nonce,
		KeyID:            keyID,
		Status:           processingstore.InputStatusPending,
	}
	if err := q.store.AppendInputRecord(ctx, rec); err != nil {
		return err
	}
	q.logger.DebugContext(ctx, "Input enqueued",
		"processing_id", pkg.ProcessingID, "input_type", pkg.InputType)
	return nil
}

// Claim dequeues and decrypts the next entry, respecting per-session FIFO.
// Returns apperr.ErrNotFound when nothing is claimable.
func (q *Queue) Claim(ctx context.Context) (*Claimed, error) {
	rec, err := q.store.ClaimNextInputRecord(ctx, q.now().UTC())
	if err != nil {
		return nil, err
	}

	plaintext, err := q.keyring.Open(rec.Ciphertext, rec.Nonce, rec.KeyID)
	if err != nil {
		// Undecryptable entries cannot be dispatched; tombstone rather than
		// poison the queue head forever.
		q.logger.ErrorContext(ctx, "Failed to decrypt input record, tombstoning",
			"processing_id", rec.ProcessingID, "error", err)
		_ = q.store.AckInputRecord(ctx, rec.ProcessingID)
		_ = q.auditor.Emit(ctx, audit.Entry{
			ActorID:   "input_queue",
			Action:    audit.ActionInputRejected,
			Component: "input_queue",
			Outcome:   audit.OutcomeFailure,
			Details:   map[string]any{"processing_id": rec.ProcessingID, "reason": "decrypt_failed"},
		})
		return nil, err
	}

	var pkg models.InputPackage
	if err := json.Unmarshal(plaintext, &pkg); err != nil {
		return nil, fmt.Errorf("failed to decode input package: %w", err)
	}
	return &Claimed{
		ProcessingID: rec.ProcessingID,
		SessionKey:   rec.SessionKey,
		EnqueuedAt:   rec.EnqueuedAt,
		Deadline:     rec.Deadline,
		Package:      &pkg,
	}, nil
}

// Ack tombstones a claimed entry after successful dispatch.
func (q *Queue) Ack(ctx context.Context, processingID string) error {
	return q.store.AckInputRecord(ctx, processingID)
}

// Release returns a claimed entry to pending for redelivery.
func (q *Queue) Release(ctx context.Context, processingID string) error {
	return q.store.ReleaseInputRecord(ctx, processingID)
}

// SweepOnce tombstones entries past their deadline and audits each one.
func (q *Queue) SweepOnce(ctx context.Context) error {
	expired, err := q.store.ExpireInputRecords(ctx, q.now().UTC())
	if err != nil {
		return err
	}
	for _, rec := range expired {
		_ = q.auditor.Emit(ctx, audit.Entry{
			ActorID:   "input_queue",
			Action:    audit.ActionInputExpired,
			Component: "input_queue",
			Outcome:   audit.OutcomeFailure,
			Details:   map[string]any{"processing_id": rec.ProcessingID},
		})
	}
	if len(expired) > 0 {
		q.logger.WarnContext(ctx, "Expired undispatched input records", "count", len(expired))
	}
	return nil
}

// RunSweeper runs SweepOnce on a ticker until the context is canceled.
func (q *Queue) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.SweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.SweepOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				q.logger.ErrorContext(ctx, "Input queue sweep failed", "error", err)
			}
		}
	}
}
