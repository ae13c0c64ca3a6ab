package token

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carebridge/woundwatch/pkg/apperr"
	"github.com/carebridge/woundwatch/pkg/audit"
	"github.com/carebridge/woundwatch/pkg/config"
	"github.com/carebridge/woundwatch/pkg/hospitalstore"
	"github.com/carebridge/woundwatch/pkg/processingstore"
)

type serviceFixture struct {
	svc            *Service
	hospitalMock   sqlmock.Sqlmock
	processingMock sqlmock.Sqlmock
	now            time.Time
}

func newFixture(t *testing.T) *serviceFixture {
	t.Helper()

	hospitalDB, hospitalMock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = hospitalDB.Close() })

	processingDB, processingMock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = processingDB.Close() })

	hospital := hospitalstore.NewWithDB(sqlx.NewDb(hospitalDB, "sqlmock"))
	processing := processingstore.NewWithDB(sqlx.NewDb(processingDB, "sqlmock"))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(hospital, processing, audit.NewService(processing, logger),
		config.TokenizationConfig{
			AliasVocabularySalt: "salt",
			RequestingSystem:    "woundwatch",
			DefaultTTLSeconds:   86400,
		}, logger)

	now := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	return &serviceFixture{svc: svc, hospitalMock: hospitalMock, processingMock: processingMock, now: now}
}

func patientColumns() []string {
	return []string{"patient_id", "hospital_mrn", "full_name", "date_of_birth",
		"phone_number", "gender", "phone_hmac", "chronic_conditions",
		"attending_physician", "ward_location", "created_at"}
}

func patientRow(f *serviceFixture) *sqlmock.Rows {
	conditions, _ := json.Marshal([]string{"Diabetes"})
	return sqlmock.NewRows(patientColumns()).AddRow(
		"pat-001", "MRN-88421", "Maria Gonzalez",
		time.Date(1948, 3, 2, 0, 0, 0, 0, time.UTC),
		"+15551234567", "F", SourceID("src-salt", "+15551234567"), conditions,
		"Dr. Reyes", "Ward 4B", f.now)
}

func requestColumns() []string {
	return []string{"request_id", "patient_id", "token_id", "token_alias",
		"requesting_system", "approval_status", "expires_at", "created_at"}
}

func TestRequestToken_TwoPhaseMint(t *testing.T) {
	f := newFixture(t)

	f.hospitalMock.ExpectQuery("SELECT \\* FROM hospital_patients WHERE hospital_mrn").
		WillReturnRows(patientRow(f))
	// No active token: mint.
	f.hospitalMock.ExpectQuery("SELECT \\* FROM tokenization_requests").
		WillReturnError(sql.ErrNoRows)
	// Phase one: pending request in the Hospital Store.
	f.hospitalMock.ExpectExec("INSERT INTO tokenization_requests").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Phase two: projection in the Processing Store.
	f.processingMock.ExpectExec("INSERT INTO tokenized_patients").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Flip to approved.
	f.hospitalMock.ExpectExec("UPDATE tokenization_requests SET approval_status").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.processingMock.ExpectExec("INSERT INTO audit_entries").
		WillReturnResult(sqlmock.NewResult(0, 1))

	grant, err := f.svc.RequestToken(context.Background(), "MRN-88421", "", time.Hour)
	require.NoError(t, err)

	assert.Contains(t, grant.TokenID, "tok_")
	assert.Regexp(t, aliasPattern, grant.Alias)
	assert.Equal(t, f.now.Add(time.Hour), grant.ExpiresAt)

	require.NoError(t, f.hospitalMock.ExpectationsWereMet())
	require.NoError(t, f.processingMock.ExpectationsWereMet())
}

func TestRequestToken_ReusesActiveToken(t *testing.T) {
	f := newFixture(t)

	f.hospitalMock.ExpectQuery("SELECT \\* FROM hospital_patients WHERE hospital_mrn").
		WillReturnRows(patientRow(f))
	f.hospitalMock.ExpectQuery("SELECT \\* FROM tokenization_requests").
		WillReturnRows(sqlmock.NewRows(requestColumns()).AddRow(
			"req-1", "pat-001", "tok_existing", "PATIENT_AMBER_FALCON_07",
			"woundwatch", "approved", f.now.Add(time.Hour), f.now))

	grant, err := f.svc.RequestToken(context.Background(), "MRN-88421", "", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "tok_existing", grant.TokenID)

	// No mint: phases one and two never ran.
	require.NoError(t, f.hospitalMock.ExpectationsWereMet())
	require.NoError(t, f.processingMock.ExpectationsWereMet())
}

func TestRequestToken_PhaseTwoFailureLeavesPendingForReconciliation(t *testing.T) {
	f := newFixture(t)

	f.hospitalMock.ExpectQuery("SELECT \\* FROM hospital_patients WHERE hospital_mrn").
		WillReturnRows(patientRow(f))
	f.hospitalMock.ExpectQuery("SELECT \\* FROM tokenization_requests").
		WillReturnError(sql.ErrNoRows)
	f.hospitalMock.ExpectExec("INSERT INTO tokenization_requests").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.processingMock.ExpectExec("INSERT INTO tokenized_patients").
		WillReturnError(errors.New("connection reset"))

	_, err := f.svc.RequestToken(context.Background(), "MRN-88421", "", time.Hour)
	require.Error(t, err)
	assert.True(t, apperr.Retryable(err))

	// No approval flip: the pending request waits for the sweep.
	require.NoError(t, f.hospitalMock.ExpectationsWereMet())
}

func TestRequestToken_UnknownMRN(t *testing.T) {
	f := newFixture(t)

	f.hospitalMock.ExpectQuery("SELECT \\* FROM hospital_patients WHERE hospital_mrn").
		WillReturnError(sql.ErrNoRows)

	_, err := f.svc.RequestToken(context.Background(), "MRN-NOPE", "", time.Hour)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestRequestToken_CallerSuppliedRequestingSystem(t *testing.T) {
	f := newFixture(t)

	f.hospitalMock.ExpectQuery("SELECT \\* FROM hospital_patients WHERE hospital_mrn").
		WillReturnRows(patientRow(f))
	f.hospitalMock.ExpectQuery("SELECT \\* FROM tokenization_requests").
		WillReturnError(sql.ErrNoRows)
	// The caller's system identity lands on the request row ($5) and the
	// audit actor.
	f.hospitalMock.ExpectExec("INSERT INTO tokenization_requests").
		WithArgs(sqlmock.AnyArg(), "pat-001", sqlmock.AnyArg(), sqlmock.AnyArg(),
			"ward-kiosk", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.processingMock.ExpectExec("INSERT INTO tokenized_patients").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.hospitalMock.ExpectExec("UPDATE tokenization_requests SET approval_status").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.processingMock.ExpectExec("INSERT INTO audit_entries").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "ward-kiosk", sqlmock.AnyArg(),
			"token_created", "tokenization", "success", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := f.svc.RequestToken(context.Background(), "MRN-88421", "ward-kiosk", time.Hour)
	require.NoError(t, err)

	require.NoError(t, f.hospitalMock.ExpectationsWereMet())
	require.NoError(t, f.processingMock.ExpectationsWereMet())
}

func TestResolveToken_SuccessIsAudited(t *testing.T) {
	f := newFixture(t)

	f.hospitalMock.ExpectQuery("SELECT \\* FROM tokenization_requests WHERE token_id").
		WillReturnRows(sqlmock.NewRows(requestColumns()).AddRow(
			"req-1", "pat-001", "tok_1", "PATIENT_AMBER_FALCON_07",
			"woundwatch", "approved", f.now.Add(time.Hour), f.now))
	f.processingMock.ExpectQuery("SELECT \\* FROM tokenized_patients").
		WillReturnRows(sqlmock.NewRows([]string{"token_id", "patient_alias",
			"age_range", "gender_category", "risk_factors", "medical_conditions",
			"token_expires_at", "created_at"}).
			AddRow("tok_1", "PATIENT_AMBER_FALCON_07", "65-79", "female",
				[]byte(`{"diabetes":true}`), []byte(`["diabetes"]`),
				f.now.Add(time.Hour), f.now))
	f.processingMock.ExpectExec("INSERT INTO audit_entries").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "woundwatch", "tok_1",
			"token_resolved", "tokenization", "success", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	proj, err := f.svc.ResolveToken(context.Background(), "tok_1")
	require.NoError(t, err)
	assert.Equal(t, "PATIENT_AMBER_FALCON_07", proj.PatientAlias)
	assert.True(t, proj.RiskFactors["diabetes"])

	require.NoError(t, f.processingMock.ExpectationsWereMet())
}

func TestRevokeToken_ProjectionRemovalFailureIsFatal(t *testing.T) {
	f := newFixture(t)

	f.hospitalMock.ExpectExec("UPDATE tokenization_requests SET approval_status").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.processingMock.ExpectExec("DELETE FROM tokenized_patients").
		WillReturnError(errors.New("connection reset"))

	err := f.svc.RevokeToken(context.Background(), "tok_1", "admin-1")
	require.Error(t, err)
	// The request was denied but the projection survived: the stores need
	// operator reconciliation, not a retry.
	assert.Equal(t, apperr.KindFatal, apperr.ClassOf(err))
	assert.False(t, apperr.Retryable(err))
}

func TestResolveToken_ExpiredToken(t *testing.T) {
	f := newFixture(t)

	f.hospitalMock.ExpectQuery("SELECT \\* FROM tokenization_requests WHERE token_id").
		WillReturnRows(sqlmock.NewRows(requestColumns()).AddRow(
			"req-1", "pat-001", "tok_1", "PATIENT_AMBER_FALCON_07",
			"woundwatch", "approved", f.now.Add(-time.Minute), f.now.Add(-25*time.Hour)))

	_, err := f.svc.ResolveToken(context.Background(), "tok_1")
	assert.ErrorIs(t, err, apperr.ErrExpired)
}

func TestResolveToken_RevokedToken(t *testing.T) {
	f := newFixture(t)

	f.hospitalMock.ExpectQuery("SELECT \\* FROM tokenization_requests WHERE token_id").
		WillReturnRows(sqlmock.NewRows(requestColumns()).AddRow(
			"req-1", "pat-001", "tok_1", "PATIENT_AMBER_FALCON_07",
			"woundwatch", "denied", f.now.Add(time.Hour), f.now))

	_, err := f.svc.ResolveToken(context.Background(), "tok_1")
	assert.ErrorIs(t, err, apperr.ErrExpired)
}

func TestBridgeLookup_DeniedWithoutRole(t *testing.T) {
	f := newFixture(t)

	// The denial itself is audited.
	f.processingMock.ExpectExec("INSERT INTO audit_entries").
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := f.svc.BridgeLookup(context.Background(), "tok_1", "clinical-client", "clinical", "chart review")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	require.NoError(t, f.processingMock.ExpectationsWereMet())
}

func TestBridgeLookup_SuccessIsAudited(t *testing.T) {
	f := newFixture(t)

	f.hospitalMock.ExpectQuery("SELECT \\* FROM tokenization_requests WHERE token_id").
		WillReturnRows(sqlmock.NewRows(requestColumns()).AddRow(
			"req-1", "pat-001", "tok_1", "PATIENT_AMBER_FALCON_07",
			"woundwatch", "approved", f.now.Add(time.Hour), f.now))
	f.hospitalMock.ExpectQuery("SELECT \\* FROM hospital_patients WHERE patient_id").
		WillReturnRows(patientRow(f))
	f.processingMock.ExpectExec("INSERT INTO audit_entries").
		WillReturnResult(sqlmock.NewResult(0, 1))

	view, err := f.svc.BridgeLookup(context.Background(), "tok_1", "bridge-client", "phi_bridge", "treatment handoff")
	require.NoError(t, err)
	assert.Equal(t, "MRN-88421", view.HospitalMRN)
	assert.Equal(t, "Maria Gonzalez", view.FullName)

	require.NoError(t, f.processingMock.ExpectationsWereMet())
}

func TestBridgeLookup_AuditFailureBlocksLookup(t *testing.T) {
	f := newFixture(t)

	f.hospitalMock.ExpectQuery("SELECT \\* FROM tokenization_requests WHERE token_id").
		WillReturnRows(sqlmock.NewRows(requestColumns()).AddRow(
			"req-1", "pat-001", "tok_1", "PATIENT_AMBER_FALCON_07",
			"woundwatch", "approved", f.now.Add(time.Hour), f.now))
	f.hospitalMock.ExpectQuery("SELECT \\* FROM hospital_patients WHERE patient_id").
		WillReturnRows(patientRow(f))
	f.processingMock.ExpectExec("INSERT INTO audit_entries").
		WillReturnError(errors.New("audit store down"))

	_, err := f.svc.BridgeLookup(context.Background(), "tok_1", "bridge-client", "phi_bridge", "handoff")
	require.Error(t, err)
}

func TestReconcileOnce_ExpiresStalePendingAndRemovesProjections(t *testing.T) {
	f := newFixture(t)

	f.hospitalMock.ExpectQuery("UPDATE tokenization_requests SET approval_status = 'expired'").
		WillReturnRows(sqlmock.NewRows([]string{"token_id"}).AddRow("tok_stale_1").AddRow("tok_stale_2"))
	for i := 0; i < 2; i++ {
		f.processingMock.ExpectExec("DELETE FROM tokenized_patients").
			WillReturnResult(sqlmock.NewResult(0, 1))
		f.processingMock.ExpectExec("INSERT INTO audit_entries").
			WillReturnResult(sqlmock.NewResult(0, 1))
	}

	require.NoError(t, f.svc.ReconcileOnce(context.Background()))
	require.NoError(t, f.processingMock.ExpectationsWereMet())
}
