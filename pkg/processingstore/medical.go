package processingstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/carebridge/woundwatch/pkg/apperr"
	"github.com/carebridge/woundwatch/pkg/models"
)

// MedicalImage is a stored reference to a prepared clinical image.
type MedicalImage struct {
	ImageID     string    `db:"image_id"`
	SessionID   string    `db:"session_id"`
	TokenID     string    `db:"token_id"`
	URL         string    `db:"url"`
	MimeType    string    `db:"mime_type"`
	ByteSize    int64     `db:"byte_size"`
	ContentHash string    `db:"content_hash"`
	CreatedAt   time.Time `db:"created_at"`
}

// InsertMedicalImage records a prepared image. Idempotent by image_id so the
// image_prep stage can be retried.
func (s *Store) InsertMedicalImage(ctx context.Context, img *MedicalImage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO medical_images
			(image_id, session_id, token_id, url, mime_type, byte_size,
			 content_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (image_id) DO NOTHING`,
		img.ImageID, img.SessionID, img.TokenID, img.URL, img.MimeType,
		img.ByteSize, img.ContentHash, img.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert medical image: %w", err)
	}
	return nil
}

// ImagesForSession lists the prepared images of a session, oldest first.
func (s *Store) ImagesForSession(ctx context.Context, sessionID string) ([]MedicalImage, error) {
	var images []MedicalImage
	err := s.db.SelectContext(ctx, &images, `
		SELECT * FROM medical_images
		WHERE session_id = $1 ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query session images: %w", err)
	}
	return images, nil
}

// InsertDetection records a detector result. Idempotent by detection_id.
func (s *Store) InsertDetection(ctx context.Context, d *models.Detection) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lpp_detections
			(detection_id, image_id, session_id, token_id, grade, confidence,
			 anatomical_location, model_version, created_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, NULLIF($8, ''), $9)
		ON CONFLICT (detection_id) DO NOTHING`,
		d.DetectionID, d.ImageID, d.SessionID, d.TokenID, d.Grade,
		d.Confidence, d.AnatomicalLocation, d.ModelVersion, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert detection: %w", err)
	}
	return nil
}

// DetectionsForSession lists the detections of a session, oldest first.
func (s *Store) DetectionsForSession(ctx context.Context, sessionID string) ([]models.Detection, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT detection_id, COALESCE(image_id, ''), session_id, token_id,
		       grade, confidence, anatomical_location,
		       COALESCE(model_version, ''), created_at
		FROM lpp_detections
		WHERE session_id = $1 ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query session detections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var detections []models.Detection
	for rows.Next() {
		var d models.Detection
		if err := rows.Scan(&d.DetectionID, &d.ImageID, &d.SessionID,
			&d.TokenID, &d.Grade, &d.Confidence, &d.AnatomicalLocation,
			&d.ModelVersion, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan detection: %w", err)
		}
		detections = append(detections, d)
	}
	return detections, rows.Err()
}

// HasRecentHighGradeDetection reports whether a token has a grade 3 or 4
// detection since the cutoff. Feeds the triage repeat-submission rule.
func (s *Store) HasRecentHighGradeDetection(ctx context.Context, tokenID string, since time.Time) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM lpp_detections
			WHERE token_id = $1 AND grade >= 3 AND created_at >= $2)`,
		tokenID, since)
	if err != nil {
		return false, fmt.Errorf("failed to query high-grade detections: %w", err)
	}
	return exists, nil
}

// InsertDecision records a merged medical decision. Idempotent by
// decision_id.
func (s *Store) InsertDecision(ctx context.Context, d *models.MedicalDecision) error {
	recs, err := json.Marshal(d.Recommendations)
	if err != nil {
		return fmt.Errorf("failed to encode recommendations: %w", err)
	}
	refs, err := json.Marshal(d.References)
	if err != nil {
		return fmt.Errorf("failed to encode references: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO medical_decisions
			(decision_id, session_id, token_id, urgency_level, evidence_level,
			 recommendations, guideline_references, escalation_required,
			 follow_up_interval, justification_text, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), NULLIF($10, ''), $11)
		ON CONFLICT (decision_id) DO NOTHING`,
		d.DecisionID, d.SessionID, d.TokenID, string(d.UrgencyLevel),
		string(d.EvidenceLevel), recs, refs, d.EscalationRequired,
		d.FollowUpInterval, d.Justification, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert decision: %w", err)
	}
	return nil
}

// DecisionForSession loads the most recent decision of a session.
func (s *Store) DecisionForSession(ctx context.Context, sessionID string) (*models.MedicalDecision, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT decision_id, session_id, token_id, urgency_level,
		       evidence_level, recommendations, guideline_references,
		       escalation_required, COALESCE(follow_up_interval, ''),
		       COALESCE(justification_text, ''), created_at
		FROM medical_decisions
		WHERE session_id = $1 ORDER BY created_at DESC LIMIT 1`, sessionID)

	var (
		d          models.MedicalDecision
		urgency    string
		evidence   string
		recs, refs []byte
	)
	err := row.Scan(&d.DecisionID, &d.SessionID, &d.TokenID, &urgency,
		&evidence, &recs, &refs, &d.EscalationRequired, &d.FollowUpInterval,
		&d.Justification, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query decision: %w", err)
	}
	d.UrgencyLevel = models.Urgency(urgency)
	d.EvidenceLevel = models.EvidenceLevel(evidence)
	if err := json.Unmarshal(recs, &d.Recommendations); err != nil {
		return nil, fmt.Errorf("failed to decode recommendations: %w", err)
	}
	if err := json.Unmarshal(refs, &d.References); err != nil {
		return nil, fmt.Errorf("failed to decode references: %w", err)
	}
	return &d, nil
}
