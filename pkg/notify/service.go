// Package notify delivers outbound clinical notifications to the care-team
// messaging transport. Messages reference the patient alias only; nothing in
// this package may see a hospital identity field.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/carebridge/woundwatch/pkg/apperr"
	"github.com/carebridge/woundwatch/pkg/config"
	"github.com/carebridge/woundwatch/pkg/models"
)

// Service posts notifications to the transport's webhook.
type Service struct {
	cfg    config.NotifyConfig
	http   *http.Client
	logger *slog.Logger
}

// NewService creates the notification service. Returns nil if no webhook is
// configured (notifications disabled); callers nil-check like any optional
// collaborator.
func NewService(cfg config.NotifyConfig, logger *slog.Logger) *Service {
	if cfg.WebhookURL == "" {
		logger.Info("Notification webhook not configured, notifications disabled")
		return nil
	}
	return &Service{
		cfg:    cfg,
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: logger.With("component", "notify"),
	}
}

// outboundMessage is the webhook payload.
type outboundMessage struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

// Send delivers one notification, retrying transient failures with
// exponential backoff up to the configured attempt budget. The returned error
// keeps the failure's classification: a webhook rejection is non-retryable,
// everything else is transient, and the task runner applies its own
// retry/escalation policy accordingly.
func (s *Service) Send(ctx context.Context, req models.NotificationRequest) error {
	channel := s.channelFor(req.MessageTemplateID, req.Urgency)
	text, err := renderTemplate(req)
	if err != nil {
		return err
	}

	maxAttempts := s.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(maxAttempts-1)), ctx)

	operation := func() error {
		return s.post(ctx, outboundMessage{Channel: channel, Text: text})
	}
	if err := backoff.Retry(operation, policy); err != nil {
		s.logger.ErrorContext(ctx, "Notification delivery failed",
			"session_id", req.SessionID, "channel", channel, "error", err)
		// backoff unwraps Permanent before returning, so the classification
		// attached inside post survives here.
		return apperr.Wrap(apperr.ClassOf(err), "notification delivery failed", err)
	}

	s.logger.InfoContext(ctx, "Notification sent",
		"session_id", req.SessionID, "channel", channel, "urgency", req.Urgency)
	return nil
}

func (s *Service) post(ctx context.Context, msg outboundMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return backoff.Permanent(apperr.Wrap(apperr.KindNonRetryable, "failed to encode webhook payload", err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(apperr.Wrap(apperr.KindNonRetryable, "failed to build webhook request", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return backoff.Permanent(apperr.New(apperr.KindNonRetryable,
			fmt.Sprintf("webhook rejected message with %d", resp.StatusCode)))
	default:
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
}

// channelFor picks the clinical channel. Human-review messages address the
// review channel directly; everything else routes by urgency with a routine
// fallback.
func (s *Service) channelFor(templateID string, urgency models.Urgency) string {
	if templateID == "human_review" {
		if ch, ok := s.cfg.Channels["review"]; ok {
			return ch
		}
	}
	if ch, ok := s.cfg.Channels[string(urgency)]; ok {
		return ch
	}
	return s.cfg.Channels["routine"]
}

// Templates render with the token alias only. Adding a template that
// references identity fields would not compile against NotificationRequest,
// which carries none.
var templates = map[string]string{
	"decision_routine":   "📋 {alias}: routine wound assessment recorded. Follow-up: {follow_up}.",
	"decision_urgent":    "⚠️ {alias}: urgent pressure injury findings. Grade {grade}. Follow-up: {follow_up}.",
	"decision_emergency": "🚨 {alias}: EMERGENCY pressure injury findings. Grade {grade}. Immediate attention required.",
	"human_review":       "👀 {alias}: case routed to human review. Reason: {reason}.",
}

func renderTemplate(req models.NotificationRequest) (string, error) {
	tmpl, ok := templates[req.MessageTemplateID]
	if !ok {
		return "", apperr.New(apperr.KindNonRetryable,
			fmt.Sprintf("unknown message template %q", req.MessageTemplateID))
	}
	text := tmpl
	for key, val := range req.TemplateParams {
		text = strings.ReplaceAll(text, "{"+key+"}", val)
	}
	// Unfilled placeholders indicate a producer bug; send anyway with the
	// placeholder visible rather than dropping a clinical notification.
	return text, nil
}
