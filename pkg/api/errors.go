package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/carebridge/woundwatch/pkg/apperr"
)

// mapServiceError maps service-layer errors to HTTP error responses.
func mapServiceError(err error) *echo.HTTPError {
	var validErr *apperr.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, validErr.Error())
	}
	if errors.Is(err, apperr.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	if errors.Is(err, apperr.ErrExpired) {
		return echo.NewHTTPError(http.StatusGone, "token or session expired")
	}
	if errors.Is(err, apperr.ErrForbidden) {
		return echo.NewHTTPError(http.StatusForbidden, "forbidden")
	}
	if errors.Is(err, apperr.ErrConflict) || errors.Is(err, apperr.ErrDuplicate) {
		return echo.NewHTTPError(http.StatusConflict, "resource conflict")
	}

	switch apperr.ClassOf(err) {
	case apperr.KindInputRejected:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case apperr.KindBusinessConflict:
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}

	// Unexpected error
	slog.Error("Unexpected service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
