package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
)

// requestTokenRequest is the body of POST /api/v1/tokens. The requesting
// system defaults to this service's own identity when omitted.
type requestTokenRequest struct {
	HospitalMRN      string `json:"hospital_mrn" validate:"required,max=64"`
	RequestingSystem string `json:"requesting_system" validate:"omitempty,max=64"`
	TTLSeconds       int    `json:"ttl_seconds" validate:"gte=0,lte=604800"`
}

func (s *Server) requestTokenHandler(c *echo.Context) error {
	var req requestTokenRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	grant, err := s.tokens.RequestToken(c.Request().Context(), req.HospitalMRN,
		req.RequestingSystem, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, grant)
}

func (s *Server) resolveTokenHandler(c *echo.Context) error {
	tokenID := c.Param("token_id")
	if tokenID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "token id is required")
	}

	projection, err := s.tokens.ResolveToken(c.Request().Context(), tokenID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, projection)
}

func (s *Server) revokeTokenHandler(c *echo.Context) error {
	tokenID := c.Param("token_id")
	if tokenID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "token id is required")
	}

	if err := s.tokens.RevokeToken(c.Request().Context(), tokenID, callerActor(c)); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "revoked"})
}

// bridgeLookupRequest carries the mandatory justification for a token→PHI
// lookup; it lands verbatim in the audit trail.
type bridgeLookupRequest struct {
	Reason string `json:"reason" validate:"required,min=3,max=500"`
}

func (s *Server) bridgeLookupHandler(c *echo.Context) error {
	tokenID := c.Param("token_id")
	if tokenID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "token id is required")
	}

	var req bridgeLookupRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	view, err := s.tokens.BridgeLookup(c.Request().Context(), tokenID,
		callerActor(c), callerRole(c), req.Reason)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, view)
}
