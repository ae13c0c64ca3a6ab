package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/carebridge/woundwatch/pkg/apperr"
	"github.com/carebridge/woundwatch/pkg/audit"
	"github.com/carebridge/woundwatch/pkg/ingest"
)

// maxWebhookBody bounds the inbound webhook payload. Media payloads stay in
// the transport's object store; only references cross this endpoint.
const maxWebhookBody = 1 << 20

// transportEvent is the inbound webhook payload.
type transportEvent struct {
	Sender    string           `json:"sender"`
	EventID   string           `json:"event_id"`
	Timestamp time.Time        `json:"timestamp"`
	Text      string           `json:"text"`
	Media     []transportMedia `json:"media"`
}

type transportMedia struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	ByteSize    int64  `json:"byte_size"`
	ContentHash string `json:"content_hash"`
	HeadBytes   []byte `json:"head_bytes"`
}

// transportWebhookHandler handles POST /api/v1/webhook/transport. The event
// is isolated into an InputPackage and enqueued; processing happens
// asynchronously. The transport is acked as soon as the package is durable.
func (s *Server) transportWebhookHandler(c *echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read body")
	}
	if len(body) > maxWebhookBody {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "payload too large")
	}

	if err := ingest.VerifySignature(s.cfg.Ingest.WebhookSecret, body,
		c.Request().Header.Get("X-Webhook-Signature")); err != nil {
		s.logger.Warn("Webhook signature verification failed")
		return echo.NewHTTPError(http.StatusUnauthorized, "signature verification failed")
	}

	var ev transportEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed event payload")
	}

	raw := ingest.RawEvent{
		Sender:           ev.Sender,
		TransportEventID: ev.EventID,
		Timestamp:        ev.Timestamp,
		Text:             ev.Text,
	}
	for _, m := range ev.Media {
		raw.Media = append(raw.Media, ingest.RawMedia{
			URL:         m.URL,
			ContentType: m.ContentType,
			ByteSize:    m.ByteSize,
			ContentHash: m.ContentHash,
			Head:        m.HeadBytes,
		})
	}

	ctx := c.Request().Context()
	pkg, err := s.packager.Package(raw)
	if err != nil {
		_ = s.auditor.Emit(ctx, audit.Entry{
			ActorID:   "ingest",
			Action:    audit.ActionInputRejected,
			Component: "ingest",
			Outcome:   audit.OutcomeDenied,
			Details:   map[string]any{"reason": err.Error()},
		})
		return mapServiceError(err)
	}

	if err := s.queue.Enqueue(ctx, pkg); err != nil {
		if errors.Is(err, apperr.ErrDuplicate) {
			// Transport retry of an event we already hold: ack without
			// reprocessing.
			return c.JSON(http.StatusOK, map[string]string{
				"status":        "duplicate",
				"processing_id": pkg.ProcessingID,
			})
		}
		return mapServiceError(err)
	}

	_ = s.auditor.Emit(ctx, audit.Entry{
		ActorID:       "ingest",
		Action:        audit.ActionInputAccepted,
		Component:     "ingest",
		Outcome:       audit.OutcomeSuccess,
		CorrelationID: pkg.ProcessingID,
		Details:       map[string]any{"input_type": pkg.InputType},
	})

	return c.JSON(http.StatusAccepted, map[string]string{
		"status":        "queued",
		"processing_id": pkg.ProcessingID,
	})
}
