package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carebridge/woundwatch/pkg/audit"
	"github.com/carebridge/woundwatch/pkg/config"
	"github.com/carebridge/woundwatch/pkg/hospitalstore"
	"github.com/carebridge/woundwatch/pkg/inputqueue"
	"github.com/carebridge/woundwatch/pkg/models"
	"github.com/carebridge/woundwatch/pkg/processingstore"
	"github.com/carebridge/woundwatch/pkg/session"
	"github.com/carebridge/woundwatch/pkg/taskrunner"
	"github.com/carebridge/woundwatch/pkg/token"
)

type dispatcherFixture struct {
	d              *Dispatcher
	hospitalMock   sqlmock.Sqlmock
	processingMock sqlmock.Sqlmock
	now            time.Time
}

// newDispatcherFixture wires a dispatcher over two mocked stores. The
// processing mock is permissive about write order; the hospital mock stays
// strict so token resolution is asserted exactly.
func newDispatcherFixture(t *testing.T) *dispatcherFixture {
	t.Helper()

	hospitalDB, hospitalMock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = hospitalDB.Close() })

	processingDB, processingMock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = processingDB.Close() })

	hospital := hospitalstore.NewWithDB(sqlx.NewDb(hospitalDB, "sqlmock"))
	store := processingstore.NewWithDB(sqlx.NewDb(processingDB, "sqlmock"))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.DefaultConfig()
	auditor := audit.NewService(store, logger)
	tokens := token.NewService(hospital, store, auditor, cfg.Tokenization, logger)
	sessions := session.NewManager(store, auditor, cfg.Session, logger)
	pool := taskrunner.NewPool("pod-test", store, cfg, auditor, logger)
	queue := inputqueue.New(store, nil, auditor, cfg.InputQueue, logger)

	d := NewDispatcher(queue, tokens, sessions, store, pool, auditor, 1, logger)

	now := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	return &dispatcherFixture{
		d:              d,
		hospitalMock:   hospitalMock,
		processingMock: processingMock,
		now:            now,
	}
}

func claimedText(text string) *inputqueue.Claimed {
	return &inputqueue.Claimed{
		ProcessingID: "proc_1",
		SessionKey:   "src_abc",
		EnqueuedAt:   time.Date(2026, 6, 15, 11, 59, 0, 0, time.UTC),
		// Dispatch is deadline-bounded; keep the record claimable.
		Deadline:     time.Now().Add(time.Minute),
		Package: &models.InputPackage{
			ProcessingID: "proc_1",
			SourceID:     "src_abc",
			InputType:    models.InputTypeText,
			Text:         text,
		},
	}
}

func hospitalPatientRow(f *dispatcherFixture) *sqlmock.Rows {
	conditions, _ := json.Marshal([]string{"Diabetes"})
	return sqlmock.NewRows([]string{"patient_id", "hospital_mrn", "full_name",
		"date_of_birth", "phone_number", "gender", "phone_hmac",
		"chronic_conditions", "attending_physician", "ward_location", "created_at"}).
		AddRow("pat-001", "MRN-88421", "Maria Gonzalez",
			time.Date(1948, 3, 2, 0, 0, 0, 0, time.UTC),
			"+15551234567", "F", "src_abc", conditions,
			"Dr. Reyes", "Ward 4B", f.now)
}

func activeRequestRow(f *dispatcherFixture) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"request_id", "patient_id", "token_id",
		"token_alias", "requesting_system", "approval_status", "expires_at",
		"created_at"}).
		AddRow("req-1", "pat-001", "tok_live", "PATIENT_AMBER_FALCON_07",
			"woundwatch", "approved", f.now.Add(time.Hour), f.now)
}

// permitProcessingWrites pre-loads unordered expectations for the session
// mirror, audit trail, triage context reads, task insert, and queue ack.
func permitProcessingWrites(f *dispatcherFixture) {
	m := f.processingMock
	for i := 0; i < 10; i++ {
		m.ExpectExec("INSERT INTO audit_entries").WillReturnResult(sqlmock.NewResult(0, 1))
		m.ExpectExec("INSERT INTO sessions").WillReturnResult(sqlmock.NewResult(0, 1))
		m.ExpectExec("UPDATE sessions").WillReturnResult(sqlmock.NewResult(0, 1))
	}
	m.ExpectQuery("SELECT COUNT\\(\\*\\) FROM sessions").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	m.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	m.ExpectQuery("SELECT COUNT\\(\\*\\) FROM tasks").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	m.ExpectExec("INSERT INTO tasks").WillReturnResult(sqlmock.NewResult(0, 1))
	m.ExpectExec("UPDATE input_records").WillReturnResult(sqlmock.NewResult(0, 1))
	m.MatchExpectationsInOrder(false)
}

func TestDispatchOne_UnknownSourceIsAuditedAndAcked(t *testing.T) {
	f := newDispatcherFixture(t)

	f.hospitalMock.ExpectQuery("SELECT \\* FROM hospital_patients WHERE phone_hmac").
		WillReturnError(sql.ErrNoRows)

	f.processingMock.ExpectExec("INSERT INTO audit_entries").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Acked, not released: an unknown sender never redelivers.
	f.processingMock.ExpectExec("UPDATE input_records SET status = 'acked'").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, f.d.DispatchOne(context.Background(), claimedText("hola")))
	require.NoError(t, f.hospitalMock.ExpectationsWereMet())
	require.NoError(t, f.processingMock.ExpectationsWereMet())
}

func TestDispatchOne_TextInputRunsFullRoute(t *testing.T) {
	f := newDispatcherFixture(t)

	f.hospitalMock.ExpectQuery("SELECT \\* FROM hospital_patients WHERE phone_hmac").
		WillReturnRows(hospitalPatientRow(f))
	f.hospitalMock.ExpectQuery("SELECT \\* FROM tokenization_requests").
		WillReturnRows(activeRequestRow(f))
	permitProcessingWrites(f)

	require.NoError(t, f.d.DispatchOne(context.Background(), claimedText("la herida se ve roja")))
	require.NoError(t, f.hospitalMock.ExpectationsWereMet())

	// The token's session is live after dispatch.
	snap, ok := f.d.sessions.ActiveForToken("tok_live")
	require.True(t, ok)
	assert.Equal(t, 1, snap.InputCount)
}

func TestDispatchOne_StoreFailureLeavesRecordForRedelivery(t *testing.T) {
	f := newDispatcherFixture(t)

	f.hospitalMock.ExpectQuery("SELECT \\* FROM hospital_patients WHERE phone_hmac").
		WillReturnError(context.DeadlineExceeded)

	err := f.d.DispatchOne(context.Background(), claimedText("hola"))
	require.Error(t, err)
	// No ack was attempted; the caller releases the claim.
	require.NoError(t, f.processingMock.ExpectationsWereMet())
}

func TestDispatchOne_LapsedDeadlineFailsWithoutAck(t *testing.T) {
	f := newDispatcherFixture(t)

	claimed := claimedText("hola")
	claimed.Deadline = time.Now().Add(-time.Second)

	err := f.d.DispatchOne(context.Background(), claimed)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	// Nothing was acked; the caller releases the record and the sweep
	// expires it.
	require.NoError(t, f.processingMock.ExpectationsWereMet())
}

func TestSessionFor_TouchesLiveSession(t *testing.T) {
	f := newDispatcherFixture(t)
	permitProcessingWrites(f)
	ctx := context.Background()

	first, err := f.d.sessionFor(ctx, "tok_1", models.InputTypeText)
	require.NoError(t, err)

	// Second input touches the same session.
	again, err := f.d.sessionFor(ctx, "tok_1", models.InputTypeText)
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, again.SessionID)
	assert.Equal(t, 2, again.InputCount)
}

func TestWithText(t *testing.T) {
	base := map[string]any{"alias": "PATIENT_AMBER_FALCON_07"}
	out := withText(base, "hola")

	assert.Equal(t, "hola", out["text"])
	assert.Equal(t, "PATIENT_AMBER_FALCON_07", out["alias"])
	// The shared base map is untouched.
	_, leaked := base["text"]
	assert.False(t, leaked)
}
