package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// healthResponse is the body of GET /healthz.
type healthResponse struct {
	Status          string `json:"status"`
	HospitalStore   string `json:"hospital_store"`
	ProcessingStore string `json:"processing_store"`
	Pool            any    `json:"pool"`
}

func (s *Server) healthHandler(c *echo.Context) error {
	ctx := c.Request().Context()

	resp := healthResponse{
		Status:          "ok",
		HospitalStore:   "ok",
		ProcessingStore: "ok",
	}
	healthy := true

	if err := s.hospital.Health(ctx); err != nil {
		resp.HospitalStore = err.Error()
		healthy = false
	}
	if err := s.processing.Health(ctx); err != nil {
		resp.ProcessingStore = err.Error()
		healthy = false
	}

	poolHealth := s.pool.Health()
	resp.Pool = poolHealth
	if !poolHealth.IsHealthy {
		healthy = false
	}

	if !healthy {
		resp.Status = "degraded"
		return c.JSON(http.StatusServiceUnavailable, resp)
	}
	return c.JSON(http.StatusOK, resp)
}
