// Package api exposes the HTTP surface: the transport webhook, the
// tokenization endpoints, session and audit reads, and health.
package api

import (
	"context"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/carebridge/woundwatch/pkg/audit"
	"github.com/carebridge/woundwatch/pkg/config"
	"github.com/carebridge/woundwatch/pkg/hospitalstore"
	"github.com/carebridge/woundwatch/pkg/ingest"
	"github.com/carebridge/woundwatch/pkg/inputqueue"
	"github.com/carebridge/woundwatch/pkg/processingstore"
	"github.com/carebridge/woundwatch/pkg/session"
	"github.com/carebridge/woundwatch/pkg/taskrunner"
	"github.com/carebridge/woundwatch/pkg/token"
)

// Server is the HTTP API server.
type Server struct {
	cfg        *config.Config
	hospital   *hospitalstore.Store
	processing *processingstore.Store
	tokens     *token.Service
	sessions   *session.Manager
	pool       *taskrunner.Pool
	auditor    *audit.Service
	packager   *ingest.Packager
	queue      *inputqueue.Queue
	logger     *slog.Logger

	echo       *echo.Echo
	httpServer *http.Server
}

// NewServer creates the API server and registers routes.
func NewServer(cfg *config.Config, hospital *hospitalstore.Store, processing *processingstore.Store, tokens *token.Service, sessions *session.Manager, pool *taskrunner.Pool, auditor *audit.Service, packager *ingest.Packager, queue *inputqueue.Queue, logger *slog.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		hospital:   hospital,
		processing: processing,
		tokens:     tokens,
		sessions:   sessions,
		pool:       pool,
		auditor:    auditor,
		packager:   packager,
		queue:      queue,
		logger:     logger.With("component", "api"),
		echo:       echo.New(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	e := s.echo
	e.Use(securityHeaders())

	e.GET("/healthz", s.healthHandler)

	// The transport webhook authenticates by signature, not bearer token.
	e.POST("/api/v1/webhook/transport", s.transportWebhookHandler)

	v1 := e.Group("/api/v1", s.bearerAuth())

	v1.POST("/tokens", s.requestTokenHandler, s.requireRole(roleClinical, rolePHIBridge, roleAdmin))
	v1.GET("/tokens/:token_id", s.resolveTokenHandler, s.requireRole(roleClinical, rolePHIBridge, roleAdmin))
	v1.DELETE("/tokens/:token_id", s.revokeTokenHandler, s.requireRole(roleAdmin))
	v1.POST("/tokens/:token_id/bridge_lookup", s.bridgeLookupHandler, s.requireRole(rolePHIBridge))

	v1.GET("/sessions", s.listSessionsHandler, s.requireRole(roleAdmin))
	v1.GET("/sessions/:session_id", s.getSessionHandler, s.requireRole(roleClinical, roleAdmin))
	v1.POST("/sessions/:session_id/cancel", s.cancelSessionHandler, s.requireRole(roleClinical, roleAdmin))

	v1.GET("/audit/tokens/:token_id", s.auditByTokenHandler, s.requireRole(roleClinical, roleAdmin))
	v1.GET("/audit/entries", s.auditByRangeHandler, s.requireRole(roleAdmin))
}

// Start begins serving on addr. Blocks until Shutdown or a listen error.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.echo}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
