package api

import (
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/carebridge/woundwatch/pkg/apperr"
	"github.com/carebridge/woundwatch/pkg/models"
)

func (s *Server) getSessionHandler(c *echo.Context) error {
	sessionID := c.Param("session_id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}

	// Live sessions come from the in-memory manager; finished or
	// pre-restart sessions from the store.
	if snap, err := s.sessions.Snapshot(sessionID); err == nil {
		return c.JSON(http.StatusOK, snap)
	}

	row, err := s.processing.GetSession(c.Request().Context(), sessionID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, models.SessionSnapshot{
		SessionID:     row.SessionID,
		TokenID:       row.TokenID,
		State:         models.SessionState(row.State),
		InputType:     models.InputType(row.InputType),
		AuditTrailID:  row.AuditTrailID,
		CreatedAt:     row.CreatedAt,
		LastTouchedAt: row.LastTouchedAt,
		Outcome:       row.Outcome.String,
	})
}

// listSessionsHandler handles GET /api/v1/sessions: all live sessions,
// newest first. Admin only.
func (s *Server) listSessionsHandler(c *echo.Context) error {
	sessions := s.sessions.ActiveSessions()
	return c.JSON(http.StatusOK, map[string]any{
		"count":    len(sessions),
		"sessions": sessions,
	})
}

// cancelSessionHandler handles POST /api/v1/sessions/:session_id/cancel.
// Closes the session and cancels its queued and in-flight tasks.
func (s *Server) cancelSessionHandler(c *echo.Context) error {
	sessionID := c.Param("session_id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}

	ctx := c.Request().Context()
	err := s.sessions.Close(ctx, sessionID, "canceled_by_"+callerActor(c))
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return mapServiceError(err)
	}

	canceled, err := s.pool.CancelSession(ctx, sessionID)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"status":         "canceled",
		"tasks_canceled": canceled,
	})
}
