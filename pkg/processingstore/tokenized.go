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

// TokenizedPatient is a Processing Store row for a tokenized patient.
type TokenizedPatient struct {
	TokenID           string    `db:"token_id"`
	PatientAlias      string    `db:"patient_alias"`
	AgeRange          string    `db:"age_range"`
	GenderCategory    string    `db:"gender_category"`
	RiskFactors       []byte    `db:"risk_factors"`
	MedicalConditions []byte    `db:"medical_conditions"`
	TokenExpiresAt    time.Time `db:"token_expires_at"`
	CreatedAt         time.Time `db:"created_at"`
}

// UpsertTokenizedPatient inserts the tokenized projection (phase two of the
// tokenization two-phase write). Idempotent by token_id so the write can be
// safely repeated after a crash.
func (s *Store) UpsertTokenizedPatient(ctx context.Context, p *TokenizedPatient) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tokenized_patients
			(token_id, patient_alias, age_range, gender_category,
			 risk_factors, medical_conditions, token_expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (token_id) DO NOTHING`,
		p.TokenID, p.PatientAlias, p.AgeRange, p.GenderCategory,
		p.RiskFactors, p.MedicalConditions, p.TokenExpiresAt, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert tokenized patient: %w", err)
	}
	return nil
}

// GetTokenizedPatient looks up a tokenized patient by token id.
func (s *Store) GetTokenizedPatient(ctx context.Context, tokenID string) (*TokenizedPatient, error) {
	var p TokenizedPatient
	err := s.db.GetContext(ctx, &p,
		`SELECT * FROM tokenized_patients WHERE token_id = $1`, tokenID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query tokenized patient: %w", err)
	}
	return &p, nil
}

// DeleteTokenizedPatient removes a tokenized projection (used on revoke
// reconciliation; audit entries keep the historical trail).
func (s *Store) DeleteTokenizedPatient(ctx context.Context, tokenID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM tokenized_patients WHERE token_id = $1`, tokenID)
	if err != nil {
		return fmt.Errorf("failed to delete tokenized patient: %w", err)
	}
	return nil
}

// Projection converts the row to the minimal domain projection handed to the
// processing zone.
func (p *TokenizedPatient) Projection() (models.TokenizedProjection, error) {
	proj := models.TokenizedProjection{
		TokenID:        p.TokenID,
		PatientAlias:   p.PatientAlias,
		AgeRange:       p.AgeRange,
		GenderCategory: p.GenderCategory,
		RiskFactors:    map[string]bool{},
	}
	if len(p.RiskFactors) > 0 {
		if err := json.Unmarshal(p.RiskFactors, &proj.RiskFactors); err != nil {
			return models.TokenizedProjection{}, fmt.Errorf("failed to decode risk factors: %w", err)
		}
	}
	return proj, nil
}
