// Package hospitalstore is the repository layer for the Hospital Store, the
// PHI-bearing database. Only the tokenization service may hold a live
// reference to this package; every other component sees token ids only.
package hospitalstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/carebridge/woundwatch/pkg/apperr"
	"github.com/carebridge/woundwatch/pkg/database"
)

//go:embed migrations
var migrationsFS embed.FS

// Store wraps the Hospital Store connection.
type Store struct {
	db *sqlx.DB
}

// Open connects to the Hospital Store and applies its migrations.
func Open(ctx context.Context, cfg database.Config) (*Store, error) {
	db, err := database.Open(ctx, cfg, migrationsFS)
	if err != nil {
		return nil, fmt.Errorf("hospital store: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection (useful for testing with sqlmock).
func NewWithDB(db *sqlx.DB) *Store { return &Store{db: db} }

// Close closes the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Health pings the store.
func (s *Store) Health(ctx context.Context) error { return database.Health(ctx, s.db) }

// Patient is a Hospital Store patient row. Never leaves this trust zone.
type Patient struct {
	PatientID          string         `db:"patient_id"`
	HospitalMRN        string         `db:"hospital_mrn"`
	FullName           string         `db:"full_name"`
	DateOfBirth        time.Time      `db:"date_of_birth"`
	PhoneNumber        sql.NullString `db:"phone_number"`
	Gender             sql.NullString `db:"gender"`
	PhoneHMAC          sql.NullString `db:"phone_hmac"`
	ChronicConditions  []byte         `db:"chronic_conditions"`
	AttendingPhysician sql.NullString `db:"attending_physician"`
	WardLocation       sql.NullString `db:"ward_location"`
	CreatedAt          time.Time      `db:"created_at"`
}

// TokenizationRequest is a Hospital Store tokenization request row.
type TokenizationRequest struct {
	RequestID        string    `db:"request_id"`
	PatientID        string    `db:"patient_id"`
	TokenID          string    `db:"token_id"`
	TokenAlias       string    `db:"token_alias"`
	RequestingSystem string    `db:"requesting_system"`
	ApprovalStatus   string    `db:"approval_status"`
	ExpiresAt        time.Time `db:"expires_at"`
	CreatedAt        time.Time `db:"created_at"`
}

// Approval statuses for tokenization requests.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusDenied   = "denied"
	StatusExpired  = "expired"
)

// GetPatientByMRN looks a patient up by hospital MRN.
func (s *Store) GetPatientByMRN(ctx context.Context, mrn string) (*Patient, error) {
	var p Patient
	err := s.db.GetContext(ctx, &p,
		`SELECT * FROM hospital_patients WHERE hospital_mrn = $1`, mrn)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query patient by MRN: %w", err)
	}
	return &p, nil
}

// GetPatientByPhoneHMAC maps an inbound source id (salted sender hash) to a
// patient. This is the only source→identity path and it stays inside the
// hospital trust zone.
func (s *Store) GetPatientByPhoneHMAC(ctx context.Context, phoneHMAC string) (*Patient, error) {
	var p Patient
	err := s.db.GetContext(ctx, &p,
		`SELECT * FROM hospital_patients WHERE phone_hmac = $1`, phoneHMAC)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query patient by phone hash: %w", err)
	}
	return &p, nil
}

// GetPatientByID looks a patient up by primary key.
func (s *Store) GetPatientByID(ctx context.Context, patientID string) (*Patient, error) {
	var p Patient
	err := s.db.GetContext(ctx, &p,
		`SELECT * FROM hospital_patients WHERE patient_id = $1`, patientID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query patient: %w", err)
	}
	return &p, nil
}

// ActiveTokenRequest returns the active approved tokenization request for a
// (patient, requesting system) pair, if one exists and has not expired.
func (s *Store) ActiveTokenRequest(ctx context.Context, patientID, requestingSystem string, now time.Time) (*TokenizationRequest, error) {
	var r TokenizationRequest
	err := s.db.GetContext(ctx, &r, `
		SELECT * FROM tokenization_requests
		WHERE patient_id = $1 AND requesting_system = $2
		  AND approval_status = 'approved' AND expires_at > $3`,
		patientID, requestingSystem, now)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query active token request: %w", err)
	}
	return &r, nil
}

// InsertTokenRequest inserts a pending tokenization request (phase one of
// the two-phase write). Insert is idempotent by token_id.
func (s *Store) InsertTokenRequest(ctx context.Context, r *TokenizationRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tokenization_requests
			(request_id, patient_id, token_id, token_alias, requesting_system,
			 approval_status, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (token_id) DO NOTHING`,
		r.RequestID, r.PatientID, r.TokenID, r.TokenAlias, r.RequestingSystem,
		r.ApprovalStatus, r.ExpiresAt, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert token request: %w", err)
	}
	return nil
}

// SetRequestStatus transitions a tokenization request to a new approval
// status. Idempotent: re-applying the same status is a no-op.
func (s *Store) SetRequestStatus(ctx context.Context, tokenID, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tokenization_requests SET approval_status = $2
		WHERE token_id = $1`, tokenID, status)
	if err != nil {
		return fmt.Errorf("failed to update token request status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// GetRequestByTokenID looks up a tokenization request by token id.
func (s *Store) GetRequestByTokenID(ctx context.Context, tokenID string) (*TokenizationRequest, error) {
	var r TokenizationRequest
	err := s.db.GetContext(ctx, &r,
		`SELECT * FROM tokenization_requests WHERE token_id = $1`, tokenID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query token request: %w", err)
	}
	return &r, nil
}

// ExpireStalePending marks pending requests older than the grace window as
// expired and returns the affected token ids. Run by the reconciliation
// sweep at startup and on a ticker.
func (s *Store) ExpireStalePending(ctx context.Context, olderThan time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE tokenization_requests SET approval_status = 'expired'
		WHERE approval_status = 'pending' AND created_at < $1
		RETURNING token_id`, olderThan)
	if err != nil {
		return nil, fmt.Errorf("failed to expire stale pending requests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tokenIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan expired token id: %w", err)
		}
		tokenIDs = append(tokenIDs, id)
	}
	return tokenIDs, rows.Err()
}
