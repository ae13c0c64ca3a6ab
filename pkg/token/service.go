// Package token is the PHI tokenization bridge. It is the only component
// allowed to hold references to both data stores: it mints tokens in the
// Hospital Store, projects de-identified attributes into the Processing
// Store, and is the single audited path back from token to identity.
package token

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carebridge/woundwatch/pkg/apperr"
	"github.com/carebridge/woundwatch/pkg/audit"
	"github.com/carebridge/woundwatch/pkg/config"
	"github.com/carebridge/woundwatch/pkg/hospitalstore"
	"github.com/carebridge/woundwatch/pkg/models"
	"github.com/carebridge/woundwatch/pkg/processingstore"
)

const mutexShards = 32

// Grant is the caller-facing result of a tokenization request. It carries no
// PHI.
type Grant struct {
	TokenID   string    `json:"token_id"`
	Alias     string    `json:"token_alias"`
	ExpiresAt time.Time `json:"expires_at"`
}

// BridgeView is the identity view returned by an authorized bridge lookup.
// It exists only in the hospital trust zone; the API layer serves it solely
// to the phi_bridge role.
type BridgeView struct {
	TokenID            string `json:"token_id"`
	HospitalMRN        string `json:"hospital_mrn"`
	FullName           string `json:"full_name"`
	AttendingPhysician string `json:"attending_physician,omitempty"`
	WardLocation       string `json:"ward_location,omitempty"`
}

// Service implements the tokenization bridge.
type Service struct {
	hospital   *hospitalstore.Store
	processing *processingstore.Store
	auditSvc   *audit.Service
	cfg        config.TokenizationConfig
	logger     *slog.Logger
	now        func() time.Time

	// Per-patient mutex shards serialize concurrent token requests for the
	// same patient so the get-or-create race resolves to one token.
	shards [mutexShards]sync.Mutex
}

// NewService creates the tokenization service.
func NewService(hospital *hospitalstore.Store, processing *processingstore.Store, auditSvc *audit.Service, cfg config.TokenizationConfig, logger *slog.Logger) *Service {
	return &Service{
		hospital:   hospital,
		processing: processing,
		auditSvc:   auditSvc,
		cfg:        cfg,
		logger:     logger.With("component", "tokenization"),
		now:        time.Now,
	}
}

func (s *Service) shardFor(patientID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(patientID))
	return &s.shards[h.Sum32()%mutexShards]
}

// RequestToken returns the active token for a patient, minting one if none
// exists. The requesting system is recorded on the request row and the audit
// trail; an empty value falls back to the configured default. Minting is a
// two-phase write: a pending request in the Hospital Store, the de-identified
// projection in the Processing Store, then the flip to approved. Every phase
// is idempotent by token_id, so a crash at any point either converges on
// retry or is expired by reconciliation.
func (s *Service) RequestToken(ctx context.Context, hospitalMRN, requestingSystem string, ttl time.Duration) (*Grant, error) {
	patient, err := s.hospital.GetPatientByMRN(ctx, hospitalMRN)
	if err != nil {
		return nil, err
	}
	return s.grantForPatient(ctx, patient, requestingSystem, ttl)
}

func (s *Service) grantForPatient(ctx context.Context, patient *hospitalstore.Patient, requestingSystem string, ttl time.Duration) (*Grant, error) {
	if requestingSystem == "" {
		requestingSystem = s.cfg.RequestingSystem
	}
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL()
	}

	mu := s.shardFor(patient.PatientID)
	mu.Lock()
	defer mu.Unlock()

	now := s.now().UTC()

	// Idempotent path: an unexpired approved token is reused, never
	// duplicated.
	if existing, err := s.hospital.ActiveTokenRequest(ctx, patient.PatientID, requestingSystem, now); err == nil {
		return &Grant{TokenID: existing.TokenID, Alias: existing.TokenAlias, ExpiresAt: existing.ExpiresAt}, nil
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	tokenID := "tok_" + uuid.NewString()
	alias := pickAlias(s.cfg.AliasVocabularySalt, patient.PatientID)
	expiresAt := now.Add(ttl)

	// Phase one: pending request in the Hospital Store.
	req := &hospitalstore.TokenizationRequest{
		RequestID:        uuid.NewString(),
		PatientID:        patient.PatientID,
		TokenID:          tokenID,
		TokenAlias:       alias,
		RequestingSystem: requestingSystem,
		ApprovalStatus:   hospitalstore.StatusPending,
		ExpiresAt:        expiresAt,
		CreatedAt:        now,
	}
	if err := s.hospital.InsertTokenRequest(ctx, req); err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "tokenization phase one failed", err)
	}

	// Phase two: de-identified projection in the Processing Store. On
	// failure the pending request is left behind for the reconciliation
	// sweep to expire; no approved token ever lacks its projection.
	projection, err := buildProjection(tokenID, alias, patient, expiresAt, now)
	if err != nil {
		return nil, err
	}
	if err := s.processing.UpsertTokenizedPatient(ctx, projection); err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "tokenization phase two failed", err)
	}

	if err := s.hospital.SetRequestStatus(ctx, tokenID, hospitalstore.StatusApproved); err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "tokenization approval flip failed", err)
	}

	_ = s.auditSvc.Emit(ctx, audit.Entry{
		ActorID:   requestingSystem,
		TokenID:   tokenID,
		Action:    audit.ActionTokenCreated,
		Component: "tokenization",
		Outcome:   audit.OutcomeSuccess,
		Details:   map[string]any{"expires_at": expiresAt},
	})
	s.logger.InfoContext(ctx, "Token created", "token_id", tokenID, "expires_at", expiresAt)

	return &Grant{TokenID: tokenID, Alias: alias, ExpiresAt: expiresAt}, nil
}

// ResolveToken returns the de-identified projection for a token. Expired or
// revoked tokens resolve to apperr.ErrExpired.
func (s *Service) ResolveToken(ctx context.Context, tokenID string) (*models.TokenizedProjection, error) {
	req, err := s.hospital.GetRequestByTokenID(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if req.ApprovalStatus != hospitalstore.StatusApproved || !req.ExpiresAt.After(now) {
		return nil, apperr.ErrExpired
	}

	row, err := s.processing.GetTokenizedPatient(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	proj, err := row.Projection()
	if err != nil {
		return nil, err
	}

	_ = s.auditSvc.Emit(ctx, audit.Entry{
		ActorID:   s.cfg.RequestingSystem,
		TokenID:   tokenID,
		Action:    audit.ActionTokenResolved,
		Component: "tokenization",
		Outcome:   audit.OutcomeSuccess,
	})
	return &proj, nil
}

// RevokeToken revokes a token immediately: the request is denied and the
// projection removed so the processing zone can no longer resolve it. The
// audit trail keeps the token's history.
func (s *Service) RevokeToken(ctx context.Context, tokenID, actorID string) error {
	if err := s.hospital.SetRequestStatus(ctx, tokenID, hospitalstore.StatusDenied); err != nil {
		return err
	}
	if err := s.processing.DeleteTokenizedPatient(ctx, tokenID); err != nil {
		// The request was already denied; a projection left behind means the
		// stores disagree and an operator has to reconcile them.
		return apperr.Wrap(apperr.KindFatal, "token revoked but projection removal failed", err)
	}
	return s.auditSvc.Emit(ctx, audit.Entry{
		ActorID:   actorID,
		TokenID:   tokenID,
		Action:    audit.ActionTokenRevoked,
		Component: "tokenization",
		Outcome:   audit.OutcomeSuccess,
	})
}

// BridgeLookup maps a token back to hospital identity. This is the only
// token→PHI path in the system: it requires the phi_bridge role and is
// audited unconditionally, including denials.
func (s *Service) BridgeLookup(ctx context.Context, tokenID, actorID, actorRole, reason string) (*BridgeView, error) {
	if actorRole != "phi_bridge" {
		_ = s.auditSvc.Emit(ctx, audit.Entry{
			ActorID:   actorID,
			TokenID:   tokenID,
			Action:    audit.ActionBridgeLookup,
			Component: "tokenization",
			Outcome:   audit.OutcomeDenied,
			Details:   map[string]any{"role": actorRole},
		})
		return nil, apperr.ErrForbidden
	}

	req, err := s.hospital.GetRequestByTokenID(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	patient, err := s.hospital.GetPatientByID(ctx, req.PatientID)
	if err != nil {
		return nil, err
	}

	if err := s.auditSvc.Emit(ctx, audit.Entry{
		ActorID:   actorID,
		TokenID:   tokenID,
		Action:    audit.ActionBridgeLookup,
		Component: "tokenization",
		Outcome:   audit.OutcomeSuccess,
		Details:   map[string]any{"reason": reason},
	}); err != nil {
		// A bridge lookup without its audit entry must not happen.
		return nil, err
	}

	return &BridgeView{
		TokenID:            tokenID,
		HospitalMRN:        patient.HospitalMRN,
		FullName:           patient.FullName,
		AttendingPhysician: patient.AttendingPhysician.String,
		WardLocation:       patient.WardLocation.String,
	}, nil
}

// ResolveSource maps an inbound source id (the packager's salted sender
// hash) to an active token, minting one when the patient is known but has no
// token yet. Unknown senders get apperr.ErrNotFound.
func (s *Service) ResolveSource(ctx context.Context, sourceID string) (*Grant, error) {
	patient, err := s.hospital.GetPatientByPhoneHMAC(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	return s.grantForPatient(ctx, patient, "", 0)
}

// SourceID computes the salted sender hash for an inbound transport address.
// The same derivation is used at admission time to populate phone_hmac.
func SourceID(salt, sender string) string {
	mac := hmac.New(sha256.New, []byte(salt))
	mac.Write([]byte(sender))
	return hex.EncodeToString(mac.Sum(nil))
}

// ReconcileOnce expires pending tokenization requests older than the grace
// window and removes any projection they left behind. Run at startup and
// then on a ticker.
func (s *Service) ReconcileOnce(ctx context.Context) error {
	cutoff := s.now().UTC().Add(-s.cfg.ReconciliationGrace())
	tokenIDs, err := s.hospital.ExpireStalePending(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, tokenID := range tokenIDs {
		if err := s.processing.DeleteTokenizedPatient(ctx, tokenID); err != nil {
			s.logger.ErrorContext(ctx, "Failed to remove orphaned projection",
				"token_id", tokenID, "error", err)
			continue
		}
		_ = s.auditSvc.Emit(ctx, audit.Entry{
			ActorID:   s.cfg.RequestingSystem,
			TokenID:   tokenID,
			Action:    audit.ActionTokenExpired,
			Component: "tokenization",
			Outcome:   audit.OutcomeSuccess,
			Details:   map[string]any{"reason": "stale_pending"},
		})
	}
	if len(tokenIDs) > 0 {
		s.logger.InfoContext(ctx, "Reconciled stale pending tokenizations", "count", len(tokenIDs))
	}
	return nil
}

// Run executes the reconciliation sweep immediately and then on a ticker
// until the context is canceled.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	if err := s.ReconcileOnce(ctx); err != nil {
		s.logger.ErrorContext(ctx, "Startup reconciliation failed", "error", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.ReconcileOnce(ctx); err != nil {
				s.logger.ErrorContext(ctx, "Reconciliation sweep failed", "error", err)
			}
		}
	}
}

// buildProjection derives the de-identified Processing Store row from a
// patient. Only generalized attributes cross the boundary: an age range, a
// normalized gender category, and boolean risk flags.
func buildProjection(tokenID, alias string, patient *hospitalstore.Patient, expiresAt, now time.Time) (*processingstore.TokenizedPatient, error) {
	var conditions []string
	if len(patient.ChronicConditions) > 0 {
		if err := json.Unmarshal(patient.ChronicConditions, &conditions); err != nil {
			return nil, fmt.Errorf("failed to decode chronic conditions: %w", err)
		}
	}

	riskFactors, err := json.Marshal(riskFactorsFrom(conditions))
	if err != nil {
		return nil, err
	}
	condJSON, err := json.Marshal(generalizeConditions(conditions))
	if err != nil {
		return nil, err
	}

	return &processingstore.TokenizedPatient{
		TokenID:           tokenID,
		PatientAlias:      alias,
		AgeRange:          ageRange(patient.DateOfBirth, now),
		GenderCategory:    genderCategory(patient.Gender.String),
		RiskFactors:       riskFactors,
		MedicalConditions: condJSON,
		TokenExpiresAt:    expiresAt,
		CreatedAt:         now,
	}, nil
}

// ageRange buckets an age into clinically meaningful ranges wide enough to
// resist re-identification.
func ageRange(dob, now time.Time) string {
	age := now.Year() - dob.Year()
	if now.YearDay() < dob.YearDay() {
		age--
	}
	switch {
	case age < 18:
		return "0-17"
	case age < 40:
		return "18-39"
	case age < 65:
		return "40-64"
	case age < 80:
		return "65-79"
	default:
		return "80+"
	}
}

func genderCategory(g string) string {
	switch strings.ToLower(strings.TrimSpace(g)) {
	case "m", "male":
		return "male"
	case "f", "female":
		return "female"
	default:
		return "unspecified"
	}
}

// pressure-injury risk flags recognized in chronic condition lists.
var riskConditionFlags = map[string]string{
	"diabetes":             "diabetes",
	"diabetes mellitus":    "diabetes",
	"immobility":           "immobility",
	"paraplegia":           "immobility",
	"quadriplegia":         "immobility",
	"malnutrition":         "malnutrition",
	"incontinence":         "incontinence",
	"peripheral vascular disease": "vascular_disease",
	"vascular disease":     "vascular_disease",
}

func riskFactorsFrom(conditions []string) map[string]bool {
	flags := map[string]bool{}
	for _, c := range conditions {
		if flag, ok := riskConditionFlags[strings.ToLower(strings.TrimSpace(c))]; ok {
			flags[flag] = true
		}
	}
	return flags
}

// generalizeConditions lowercases and dedupes condition names. Free-text
// detail beyond the condition name never crosses the boundary.
func generalizeConditions(conditions []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, c := range conditions {
		norm := strings.ToLower(strings.TrimSpace(c))
		if norm == "" || seen[norm] {
			continue
		}
		seen[norm] = true
		out = append(out, norm)
	}
	if out == nil {
		out = []string{}
	}
	return out
}
