package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carebridge/woundwatch/pkg/config"
)

// authServer builds a server with just enough state for the auth middleware.
func authServer() *Server {
	cfg := config.DefaultConfig()
	cfg.API.AuthTokens = map[string]string{
		"clin-token":   roleClinical,
		"bridge-token": rolePHIBridge,
		"admin-token":  roleAdmin,
	}
	return &Server{cfg: cfg}
}

func TestSecurityHeaders(t *testing.T) {
	e := echo.New()
	e.Use(securityHeaders())
	e.GET("/test", func(c *echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", rec.Header().Get("Referrer-Policy"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}

func TestBearerAuth(t *testing.T) {
	s := authServer()

	e := echo.New()
	e.GET("/whoami", func(c *echo.Context) error {
		return c.String(http.StatusOK, callerRole(c))
	}, s.bearerAuth())

	tests := []struct {
		name         string
		authHeader   string
		expectedCode int
		expectedBody string
	}{
		{
			name:         "missing header",
			authHeader:   "",
			expectedCode: http.StatusUnauthorized,
		},
		{
			name:         "not a bearer scheme",
			authHeader:   "Basic Zm9vOmJhcg==",
			expectedCode: http.StatusUnauthorized,
		},
		{
			name:         "unknown token",
			authHeader:   "Bearer nope",
			expectedCode: http.StatusUnauthorized,
		},
		{
			name:         "clinical token resolves role",
			authHeader:   "Bearer clin-token",
			expectedCode: http.StatusOK,
			expectedBody: roleClinical,
		},
		{
			name:         "bridge token resolves role",
			authHeader:   "Bearer bridge-token",
			expectedCode: http.StatusOK,
			expectedBody: rolePHIBridge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			assert.Equal(t, tt.expectedCode, rec.Code)
			if tt.expectedBody != "" {
				assert.Equal(t, tt.expectedBody, rec.Body.String())
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	s := authServer()

	e := echo.New()
	e.GET("/admin-only", func(c *echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}, s.bearerAuth(), s.requireRole(roleAdmin))
	e.GET("/bridge-only", func(c *echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}, s.bearerAuth(), s.requireRole(rolePHIBridge))

	tests := []struct {
		name         string
		path         string
		token        string
		expectedCode int
	}{
		{"admin allowed on admin route", "/admin-only", "admin-token", http.StatusOK},
		{"clinical forbidden on admin route", "/admin-only", "clin-token", http.StatusForbidden},
		{"bridge forbidden on admin route", "/admin-only", "bridge-token", http.StatusForbidden},
		{"bridge allowed on bridge route", "/bridge-only", "bridge-token", http.StatusOK},
		{"admin forbidden on bridge route", "/bridge-only", "admin-token", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			req.Header.Set("Authorization", "Bearer "+tt.token)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			assert.Equal(t, tt.expectedCode, rec.Code)
		})
	}
}

func TestCallerActor_DefaultsWithoutAuth(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	assert.Equal(t, "api-client", callerActor(c))
}

func TestRoutes_UnauthenticatedGetsUnauthorized(t *testing.T) {
	s := authServer()
	require.NotNil(t, s.cfg)

	e := echo.New()
	v1 := e.Group("/api/v1", s.bearerAuth())
	v1.GET("/sessions/:session_id", func(c *echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}, s.requireRole(roleClinical, roleAdmin))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions/sess_1", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
