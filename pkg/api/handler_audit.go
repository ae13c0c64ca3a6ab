package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/carebridge/woundwatch/pkg/processingstore"
)

// auditEntryResponse is the wire form of one audit entry.
type auditEntryResponse struct {
	EntryID       string         `json:"entry_id"`
	Timestamp     time.Time      `json:"timestamp"`
	ActorID       string         `json:"actor_id"`
	TokenID       string         `json:"token_id,omitempty"`
	Action        string         `json:"action"`
	Component     string         `json:"component"`
	Outcome       string         `json:"outcome"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
}

func (s *Server) auditByTokenHandler(c *echo.Context) error {
	tokenID := c.Param("token_id")
	if tokenID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "token id is required")
	}
	limit := parseLimit(c.QueryParam("limit"))

	entries, err := s.auditor.TrailForToken(c.Request().Context(), tokenID, limit)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, toAuditResponses(entries))
}

func (s *Server) auditByRangeHandler(c *echo.Context) error {
	from, err := time.Parse(time.RFC3339, c.QueryParam("from"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "from must be RFC3339")
	}
	to, err := time.Parse(time.RFC3339, c.QueryParam("to"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "to must be RFC3339")
	}
	if !to.After(from) {
		return echo.NewHTTPError(http.StatusBadRequest, "to must be after from")
	}
	limit := parseLimit(c.QueryParam("limit"))

	entries, err := s.auditor.TrailForRange(c.Request().Context(), from, to, limit)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, toAuditResponses(entries))
}

func parseLimit(raw string) int {
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 100
	}
	return limit
}

func toAuditResponses(entries []processingstore.AuditEntryRow) []auditEntryResponse {
	out := make([]auditEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp := auditEntryResponse{
			EntryID:       e.EntryID,
			Timestamp:     e.Timestamp,
			ActorID:       e.ActorID,
			TokenID:       e.TokenID,
			Action:        e.Action,
			Component:     e.Component,
			Outcome:       e.Outcome,
			CorrelationID: e.CorrelationID,
		}
		if len(e.Details) > 0 {
			details := map[string]any{}
			if err := json.Unmarshal(e.Details, &details); err == nil {
				resp.Details = details
			}
		}
		out = append(out, resp)
	}
	return out
}
