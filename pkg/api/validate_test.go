package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jsonContext(t *testing.T, body string) *echo.Context {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return e.NewContext(req, httptest.NewRecorder())
}

func TestBindAndValidate_TokenRequest(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"valid", `{"hospital_mrn":"MRN-88421","ttl_seconds":3600}`, false},
		{"missing mrn", `{"ttl_seconds":3600}`, true},
		{"negative ttl", `{"hospital_mrn":"MRN-88421","ttl_seconds":-1}`, true},
		{"ttl beyond a week", `{"hospital_mrn":"MRN-88421","ttl_seconds":700000}`, true},
		{"malformed json", `{"hospital_mrn":`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req requestTokenRequest
			err := bindAndValidate(jsonContext(t, tt.body), &req)
			if tt.wantErr {
				require.Error(t, err)
				var httpErr *echo.HTTPError
				require.ErrorAs(t, err, &httpErr)
				assert.Equal(t, http.StatusBadRequest, httpErr.Code)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "MRN-88421", req.HospitalMRN)
		})
	}
}

func TestBindAndValidate_BridgeLookupReason(t *testing.T) {
	var req bridgeLookupRequest
	require.Error(t, bindAndValidate(jsonContext(t, `{"reason":""}`), &req))
	require.Error(t, bindAndValidate(jsonContext(t, `{"reason":"ok"}`), &req))
	require.NoError(t, bindAndValidate(jsonContext(t, `{"reason":"treatment handoff"}`), &req))
}
