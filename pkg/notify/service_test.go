package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carebridge/woundwatch/pkg/apperr"
	"github.com/carebridge/woundwatch/pkg/config"
	"github.com/carebridge/woundwatch/pkg/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func serviceFor(url string) *Service {
	return NewService(config.NotifyConfig{
		WebhookURL: url,
		Channels: map[string]string{
			"routine":   "#medical-routine",
			"urgent":    "#medical-urgent",
			"emergency": "#medical-emergency",
			"review":    "#medical-review",
		},
		MaxAttempts: 3,
	}, discardLogger())
}

func urgentRequest() models.NotificationRequest {
	return models.NotificationRequest{
		SessionID:         "sess_1",
		TokenID:           "tok_1",
		Urgency:           models.UrgencyUrgent,
		MessageTemplateID: "decision_urgent",
		TemplateParams: map[string]string{
			"alias":     "PATIENT_SILVER_HERON_12",
			"grade":     "3",
			"follow_up": "24h",
		},
	}
}

func TestNewService_DisabledWithoutWebhook(t *testing.T) {
	assert.Nil(t, NewService(config.NotifyConfig{}, discardLogger()))
}

func TestSend_RendersTemplateAndRoutesChannel(t *testing.T) {
	var got outboundMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, serviceFor(srv.URL).Send(context.Background(), urgentRequest()))

	assert.Equal(t, "#medical-urgent", got.Channel)
	assert.Contains(t, got.Text, "PATIENT_SILVER_HERON_12")
	assert.Contains(t, got.Text, "Grade 3")
	assert.Contains(t, got.Text, "24h")
}

func TestSend_MessageCarriesAliasOnly(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		body = string(raw)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, serviceFor(srv.URL).Send(context.Background(), urgentRequest()))

	// The outbound payload must never contain identity fields.
	assert.NotContains(t, body, "hospital_mrn")
	assert.NotContains(t, body, "full_name")
	assert.Contains(t, body, "PATIENT_SILVER_HERON_12")
}

func TestSend_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "overloaded", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, serviceFor(srv.URL).Send(context.Background(), urgentRequest()))
	assert.Equal(t, int32(3), calls.Load())
}

func TestSend_ClientErrorDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "bad channel", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := serviceFor(srv.URL).Send(context.Background(), urgentRequest())
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	// A webhook rejection stays non-retryable through the backoff layer, so
	// the task runner escalates instead of burning attempts.
	assert.Equal(t, apperr.KindNonRetryable, apperr.ClassOf(err))
	assert.False(t, apperr.Retryable(err))
}

func TestSend_ServerErrorStaysRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := serviceFor(srv.URL).Send(context.Background(), urgentRequest())
	require.Error(t, err)
	assert.True(t, apperr.Retryable(err))
}

func TestSend_UnknownTemplateFailsFast(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Fatal("no request expected for unknown template")
	}))
	defer srv.Close()

	req := urgentRequest()
	req.MessageTemplateID = "no_such_template"
	err := serviceFor(srv.URL).Send(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, apperr.KindNonRetryable, apperr.ClassOf(err))
}

func TestChannelFor_RoutesByTemplateThenUrgency(t *testing.T) {
	s := serviceFor("http://example.invalid")
	assert.Equal(t, "#medical-routine", s.channelFor("decision_routine", models.Urgency("unknown")))
	assert.Equal(t, "#medical-emergency", s.channelFor("decision_emergency", models.UrgencyEmergency))
	// Review messages bypass urgency routing entirely.
	assert.Equal(t, "#medical-review", s.channelFor("human_review", models.UrgencyUrgent))
}

func TestSend_HumanReviewRoutesToReviewChannel(t *testing.T) {
	var got outboundMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	req := models.NotificationRequest{
		SessionID:         "sess_1",
		TokenID:           "tok_1",
		Urgency:           models.UrgencyUrgent,
		MessageTemplateID: "human_review",
		TemplateParams: map[string]string{
			"alias":  "PATIENT_SILVER_HERON_12",
			"reason": "low_confidence",
		},
	}
	require.NoError(t, serviceFor(srv.URL).Send(context.Background(), req))

	assert.Equal(t, "#medical-review", got.Channel)
	assert.Contains(t, got.Text, "low_confidence")
}
