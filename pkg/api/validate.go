package api

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	echo "github.com/labstack/echo/v5"
)

// validate checks request DTO struct tags. One shared instance; the
// validator caches struct metadata internally.
var validate = validator.New(validator.WithRequiredStructEnabled())

// bindAndValidate decodes the request body into dst and runs tag validation.
func bindAndValidate(c *echo.Context, dst any) error {
	if err := c.Bind(dst); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := validate.Struct(dst); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}
